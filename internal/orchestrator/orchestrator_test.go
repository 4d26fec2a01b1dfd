package orchestrator

import (
	"encoding/json"
	"testing"

	"github.com/agentdiff/harness/internal/store"
)

func TestFoldJournalEntriesGroupsByTableAndOperation(t *testing.T) {
	pk, _ := json.Marshal(map[string]any{"id": 1})
	after, _ := json.Marshal(map[string]any{"id": 1, "status": "paid"})

	entries := []store.ChangeJournal{
		{TableName: "orders", Operation: "insert", PrimaryKey: pk, After: after},
		{TableName: "orders", Operation: "update", PrimaryKey: pk, Before: after, After: after},
		{TableName: "refunds", Operation: "delete", PrimaryKey: pk, Before: after},
	}

	folded := foldJournalEntries(entries)

	if len(folded["orders"].Inserted) != 1 {
		t.Fatalf("expected 1 insert for orders, got %d", len(folded["orders"].Inserted))
	}
	if len(folded["orders"].Updated) != 1 {
		t.Fatalf("expected 1 update for orders, got %d", len(folded["orders"].Updated))
	}
	if len(folded["refunds"].Deleted) != 1 {
		t.Fatalf("expected 1 delete for refunds, got %d", len(folded["refunds"].Deleted))
	}
	if folded["orders"].Inserted[0].PrimaryKey["id"] != float64(1) {
		t.Fatalf("expected decoded primary key id=1, got %v", folded["orders"].Inserted[0].PrimaryKey)
	}
}

func TestFoldJournalEntriesHandlesEmptyInput(t *testing.T) {
	if len(foldJournalEntries(nil)) != 0 {
		t.Fatalf("expected empty result for no entries")
	}
}
