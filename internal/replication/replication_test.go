package replication

import (
	"testing"

	"github.com/agentdiff/harness/internal/config"
)

func TestBuildPollQueryIncludesBatchSizeAndDefaults(t *testing.T) {
	cfg := config.ReplicationConfig{SlotName: "diffslot_global", BatchSize: 100}
	query, args := buildPollQuery(cfg)

	if args[0] != "diffslot_global" || args[1] != 100 {
		t.Fatalf("expected slot name and batch size as first two args, got %v", args[:2])
	}
	if len(args) != 2+2*5 {
		t.Fatalf("expected 5 default plugin options pairs, got %d args total", len(args))
	}
	if query == "" {
		t.Fatalf("expected a non-empty query")
	}
}

func TestBuildPollQueryOverridesDefaultPluginOptions(t *testing.T) {
	cfg := config.ReplicationConfig{
		SlotName:      "diffslot_global",
		BatchSize:     50,
		PluginOptions: map[string]string{"include-transaction": "true"},
	}
	_, args := buildPollQuery(cfg)

	found := false
	for i := 2; i < len(args); i += 2 {
		if args[i] == "include-transaction" && args[i+1] == "true" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected overridden include-transaction=true in args, got %v", args)
	}
}

func TestZipColumnsPairsNamesAndValues(t *testing.T) {
	got := zipColumns([]string{"id", "name"}, []any{1, "alice"})
	if got["id"] != 1 || got["name"] != "alice" {
		t.Fatalf("unexpected zip result: %v", got)
	}
}

func TestZipColumnsReturnsNilOnEmptyInput(t *testing.T) {
	if zipColumns(nil, nil) != nil {
		t.Fatalf("expected nil for empty input")
	}
}

func TestPrimaryKeyFromChangePrefersBeforeOnUpdate(t *testing.T) {
	change := wal2jsonChange{Kind: "update"}
	before := map[string]any{"id": 1}
	after := map[string]any{"id": 1, "name": "new"}

	got := primaryKeyFromChange(change, before, after)
	if got["id"] != 1 {
		t.Fatalf("expected primary key from before state on update, got %v", got)
	}
}

func TestPrimaryKeyFromChangeUsesAfterOnInsert(t *testing.T) {
	change := wal2jsonChange{Kind: "insert"}
	after := map[string]any{"id": 7}

	got := primaryKeyFromChange(change, nil, after)
	if got["id"] != 7 {
		t.Fatalf("expected primary key from after state on insert, got %v", got)
	}
}

func TestSlotCmdBuilderRendersSQL(t *testing.T) {
	b := NewSlotCmdBuilder("diffslot_global")
	if got := b.ToCreateSQL(); got == "" {
		t.Fatalf("expected non-empty create SQL")
	}
	if got := b.ToDropSQL(); got == "" {
		t.Fatalf("expected non-empty drop SQL")
	}
}
