package assertion

import (
	"testing"

	"github.com/agentdiff/harness/internal/store"
)

func specWithAssertion(a map[string]any) map[string]any {
	return map[string]any{"assertions": []any{a}}
}

func predicate(op string, val any) map[string]any {
	return map[string]any{op: val}
}

func TestEvaluateAddedAssertionMatchesWhereClause(t *testing.T) {
	diff := map[string]store.TableDiff{
		"orders": {
			Inserted: []store.RowChange{
				{After: map[string]any{"id": 1, "status": "paid"}},
				{After: map[string]any{"id": 2, "status": "pending"}},
			},
		},
	}
	spec := specWithAssertion(map[string]any{
		"diff_type": "added",
		"table":     "orders",
		"where":     map[string]any{"status": predicate("eq", "paid")},
	})

	report := New().Evaluate(spec, diff)
	if !report.Passed || report.Score != 100 {
		t.Fatalf("expected assertion to pass, got %+v", report)
	}
	if report.Results[0].Matched != 1 {
		t.Fatalf("expected 1 matched row, got %d", report.Results[0].Matched)
	}
}

// TestEvaluateChangedAssertionNonStrictSubset exercises non-strict mode,
// which must be requested explicitly via the top-level strict flag:
// strict is true by default, so a spec that omits it would otherwise
// reject this row for its undeclared "total" change.
func TestEvaluateChangedAssertionNonStrictSubset(t *testing.T) {
	diff := map[string]store.TableDiff{
		"orders": {
			Updated: []store.RowChange{
				{
					Before: map[string]any{"status": "pending", "total": 10},
					After:  map[string]any{"status": "paid", "total": 12},
				},
			},
		},
	}
	spec := map[string]any{
		"strict": false,
		"assertions": []any{
			map[string]any{
				"diff_type": "changed",
				"entity":    "orders",
				"expected_changes": map[string]any{
					"status": map[string]any{"to": predicate("eq", "paid")},
				},
			},
		},
	}

	report := New().Evaluate(spec, diff)
	if !report.Passed {
		t.Fatalf("expected non-strict subset match to pass, got %+v", report)
	}
}

// TestEvaluateChangedAssertionStrictRejectsExtraChanges confirms strict
// is the implicit default when the top-level flag is absent altogether.
func TestEvaluateChangedAssertionStrictRejectsExtraChanges(t *testing.T) {
	diff := map[string]store.TableDiff{
		"orders": {
			Updated: []store.RowChange{
				{
					Before: map[string]any{"status": "pending", "total": 10},
					After:  map[string]any{"status": "paid", "total": 12},
				},
			},
		},
	}
	spec := specWithAssertion(map[string]any{
		"diff_type": "changed",
		"table":     "orders",
		"expected_changes": map[string]any{
			"status": map[string]any{"to": predicate("eq", "paid")},
		},
	})

	report := New().Evaluate(spec, diff)
	if report.Passed {
		t.Fatalf("expected strict-by-default mode to reject undeclared total change, got %+v", report)
	}
}

// TestEvaluateChangedAssertionIgnoresConfiguredFields confirms a field
// named in ignore_fields (here scoped globally) is excluded from the
// strict-mode exhaustiveness check.
func TestEvaluateChangedAssertionIgnoresConfiguredFields(t *testing.T) {
	diff := map[string]store.TableDiff{
		"orders": {
			Updated: []store.RowChange{
				{
					Before: map[string]any{"status": "pending", "updated_at": "t0"},
					After:  map[string]any{"status": "paid", "updated_at": "t1"},
				},
			},
		},
	}
	spec := map[string]any{
		"ignore_fields": map[string]any{"global": []any{"updated_at"}},
		"assertions": []any{
			map[string]any{
				"diff_type": "changed",
				"entity":    "orders",
				"expected_changes": map[string]any{
					"status": map[string]any{"to": predicate("eq", "paid")},
				},
			},
		},
	}

	report := New().Evaluate(spec, diff)
	if !report.Passed {
		t.Fatalf("expected ignored bookkeeping column to not break strict mode, got %+v", report)
	}
}

// TestEvaluateChangedAssertionMatchesWhereAgainstEitherState confirms a
// changed assertion's where clause can match the row's prior state, not
// just its resulting state.
func TestEvaluateChangedAssertionMatchesWhereAgainstEitherState(t *testing.T) {
	diff := map[string]store.TableDiff{
		"orders": {
			Updated: []store.RowChange{
				{
					Before: map[string]any{"status": "pending"},
					After:  map[string]any{"status": "paid"},
				},
			},
		},
	}
	spec := specWithAssertion(map[string]any{
		"diff_type": "changed",
		"entity":    "orders",
		"where":     map[string]any{"status": predicate("eq", "pending")},
	})
	spec["strict"] = false

	report := New().Evaluate(spec, diff)
	if !report.Passed {
		t.Fatalf("expected where clause to match the row's before state, got %+v", report)
	}
}

// TestEvaluateAcceptsCanonicalEntityAndExpectedCountNames confirms the
// canonical assertion vocabulary (entity, expected_count) validates and
// evaluates without needing the legacy table/count names.
func TestEvaluateAcceptsCanonicalEntityAndExpectedCountNames(t *testing.T) {
	diff := map[string]store.TableDiff{
		"messages": {
			Inserted: []store.RowChange{
				{After: map[string]any{"message_text": "Hello team!"}},
			},
		},
	}
	spec := specWithAssertion(map[string]any{
		"diff_type":      "added",
		"entity":         "messages",
		"where":          map[string]any{"message_text": predicate("eq", "Hello team!")},
		"expected_count": 1,
	})

	report := New().Evaluate(spec, diff)
	if !report.Passed || report.Results[0].Matched != 1 {
		t.Fatalf("expected canonical vocabulary to pass, got %+v", report)
	}
}

func TestMatchesCountDefaultsToAtLeastOne(t *testing.T) {
	if matchesCount(0, nil) {
		t.Fatalf("expected 0 matches to fail default at-least-1 constraint")
	}
	if !matchesCount(2, nil) {
		t.Fatalf("expected 2 matches to satisfy default at-least-1 constraint")
	}
}

func TestMatchesCountExactInt(t *testing.T) {
	if !matchesCount(3, 3) {
		t.Fatalf("expected exact match")
	}
	if matchesCount(2, 3) {
		t.Fatalf("expected mismatch to fail")
	}
}

func TestMatchesCountRange(t *testing.T) {
	rng := map[string]any{"min": 2, "max": 4}
	if matchesCount(1, rng) {
		t.Fatalf("expected below-range to fail")
	}
	if !matchesCount(3, rng) {
		t.Fatalf("expected in-range to pass")
	}
	if matchesCount(5, rng) {
		t.Fatalf("expected above-range to fail")
	}
}

func TestPredicateVocabulary(t *testing.T) {
	if !matchesPredicate("Hello World", predicate("i_contains", "WORLD")) {
		t.Fatalf("expected case-insensitive contains to match")
	}
	if !matchesPredicate(5, predicate("gte", 5)) {
		t.Fatalf("expected gte to match equal values")
	}
	if matchesPredicate(5, predicate("lt", 5)) {
		t.Fatalf("expected lt to reject equal values")
	}
	if !matchesPredicate([]any{"a", "b"}, predicate("has_any", []any{"b", "c"})) {
		t.Fatalf("expected has_any to match overlapping element")
	}
	if matchesPredicate([]any{"a", "b"}, predicate("has_all", []any{"a", "c"})) {
		t.Fatalf("expected has_all to fail on missing element")
	}
	if !matchesPredicate(nil, predicate("exists", false)) {
		t.Fatalf("expected exists:false to match nil value")
	}
}

func TestScoreIsHundredWhenNoAssertions(t *testing.T) {
	report := New().Evaluate(map[string]any{"assertions": []any{}}, nil)
	if report.Score != 100 {
		t.Fatalf("expected score 100 for empty assertion list, got %f", report.Score)
	}
}
