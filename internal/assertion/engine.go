// Package assertion evaluates a compiled assertion spec against a
// captured diff, grounded line-for-line on the original
// evaluationEngine/assertion.py.
package assertion

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/agentdiff/harness/internal/store"
)

// Result is the outcome of evaluating one assertion.
type Result struct {
	DiffType string `json:"diff_type"`
	Entity   string `json:"entity"`
	Passed   bool   `json:"passed"`
	Message  string `json:"message,omitempty"`
	Matched  int    `json:"matched"`
}

// Report is the full evaluation outcome for a test run: every assertion
// result plus the overall score.
type Report struct {
	Results []Result `json:"results"`
	Score   float64  `json:"score"`
	Passed  bool     `json:"passed"`
}

// Engine evaluates normalized assertion specs against table diffs.
type Engine struct{}

// New builds an Engine. It carries no state; evaluation is pure given a
// spec and a diff.
func New() *Engine { return &Engine{} }

// Evaluate runs every assertion in spec against diff and computes the
// overall score as passed/total*100 (100 when there are no assertions).
// strict defaults to true when absent, per the assertion spec's
// documented default; ignore_fields merges a global exclusion list with
// a per-entity one, both keyed under the top-level ignore_fields object.
func (e *Engine) Evaluate(spec map[string]any, diff map[string]store.TableDiff) Report {
	rawAssertions, _ := spec["assertions"].([]any)

	strict := true
	if s, ok := spec["strict"].(bool); ok {
		strict = s
	}
	globalIgnore, entityIgnore := parseIgnoreFields(spec["ignore_fields"])

	var results []Result
	passedCount := 0

	for _, raw := range rawAssertions {
		a, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		r := e.evaluateAssertion(a, diff, strict, globalIgnore, entityIgnore)
		results = append(results, r)
		if r.Passed {
			passedCount++
		}
	}

	total := len(results)
	score := 100.0
	if total > 0 {
		score = float64(passedCount) / float64(total) * 100
	}

	return Report{
		Results: results,
		Score:   score,
		Passed:  passedCount == total,
	}
}

func (e *Engine) evaluateAssertion(
	a map[string]any, diff map[string]store.TableDiff, defaultStrict bool, globalIgnore []string, entityIgnore map[string][]string,
) Result {
	diffType, _ := a["diff_type"].(string)
	entity := stringField(a, "entity", "table")
	where, _ := a["where"].(map[string]any)
	expectedCount := a["expected_count"]
	if expectedCount == nil {
		expectedCount = a["count"]
	}

	td := diff[entity]

	var candidates []store.RowChange
	switch diffType {
	case "added":
		candidates = td.Inserted
	case "removed":
		candidates = td.Deleted
	case "changed":
		candidates = td.Updated
	default:
		return Result{DiffType: diffType, Entity: entity, Passed: false, Message: fmt.Sprintf("unknown diff_type %q", diffType)}
	}

	var matched []store.RowChange
	for _, row := range candidates {
		if diffType == "changed" {
			expectedChanges, _ := a["expected_changes"].(map[string]any)
			ignore := mergeIgnoreFields(globalIgnore, entityIgnore[entity], toStringSlice(a["ignore_fields"]))
			if matchesChange(row, expectedChanges, defaultStrict, ignore) &&
				(matchesWhere(row.Before, where) || matchesWhere(row.After, where)) {
				matched = append(matched, row)
			}
			continue
		}
		target := row.After
		if diffType == "removed" {
			target = row.Before
		}
		if matchesWhere(target, where) {
			matched = append(matched, row)
		}
	}

	passed := matchesCount(len(matched), expectedCount)
	msg := ""
	if !passed {
		msg = fmt.Sprintf("expected count constraint %v, matched %d rows", expectedCount, len(matched))
	}

	return Result{
		DiffType: diffType,
		Entity:   entity,
		Passed:   passed,
		Message:  msg,
		Matched:  len(matched),
	}
}

// stringField returns the first key in keys present in a as a string,
// letting callers accept a canonical field name alongside a legacy alias.
func stringField(a map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := a[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// parseIgnoreFields splits the top-level ignore_fields object into its
// "global" entry and the remaining per-entity entries.
func parseIgnoreFields(raw any) ([]string, map[string][]string) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, nil
	}
	var global []string
	entity := make(map[string][]string, len(m))
	for k, v := range m {
		fields := toStringSlice(v)
		if k == "global" {
			global = fields
			continue
		}
		entity[k] = fields
	}
	return global, entity
}

func toStringSlice(v any) []string {
	raw, _ := v.([]any)
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func mergeIgnoreFields(sets ...[]string) map[string]bool {
	out := map[string]bool{}
	for _, set := range sets {
		for _, f := range set {
			out[f] = true
		}
	}
	return out
}

// matchesWhere reports whether row satisfies every field predicate in
// where. An empty where matches everything.
func matchesWhere(row map[string]any, where map[string]any) bool {
	for field, rawPred := range where {
		pred, ok := rawPred.(map[string]any)
		if !ok {
			return false
		}
		if !matchesPredicate(row[field], pred) {
			return false
		}
	}
	return true
}

// matchesChange reports whether an updated row's before/after pair
// satisfies expected_changes. In strict mode (the default), expected_changes
// must account for every field that actually changed, excluding ignore;
// in non-strict mode it only needs to be a subset.
func matchesChange(row store.RowChange, expectedChanges map[string]any, strict bool, ignore map[string]bool) bool {
	if len(expectedChanges) == 0 {
		return true
	}

	for field, rawSpec := range expectedChanges {
		spec, ok := rawSpec.(map[string]any)
		if !ok {
			return false
		}
		if fromPred, ok := spec["from"].(map[string]any); ok {
			if !matchesPredicate(row.Before[field], fromPred) {
				return false
			}
		}
		if toPred, ok := spec["to"].(map[string]any); ok {
			if !matchesPredicate(row.After[field], toPred) {
				return false
			}
		}
	}

	if strict {
		actuallyChanged := changedFields(row.Before, row.After)
		for field := range actuallyChanged {
			if ignore[field] {
				continue
			}
			if _, declared := expectedChanges[field]; !declared {
				return false
			}
		}
	}

	return true
}

func changedFields(before, after map[string]any) map[string]bool {
	out := map[string]bool{}
	for field, afterVal := range after {
		if beforeVal, ok := before[field]; !ok || !valuesEqual(beforeVal, afterVal) {
			out[field] = true
		}
	}
	for field := range before {
		if _, ok := after[field]; !ok {
			out[field] = true
		}
	}
	return out
}

// matchesCount applies the count constraint: a bare integer means exact
// match, {min, max} means a range (either bound optional), and no count
// at all defaults to "matched at least 1".
func matchesCount(matched int, rawCount any) bool {
	switch count := rawCount.(type) {
	case nil:
		return matched >= 1
	case int:
		return matched == count
	case float64:
		return matched == int(count)
	case map[string]any:
		if min, ok := toInt(count["min"]); ok && matched < min {
			return false
		}
		if max, ok := toInt(count["max"]); ok && matched > max {
			return false
		}
		return true
	default:
		return matched >= 1
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// matchesPredicate evaluates a single predicate vocabulary entry against
// a value: eq, ne, in, not_in, contains, i_contains, starts_with,
// ends_with, i_starts_with, i_ends_with, regex, gt, gte, lt, lte, exists,
// has_any, has_all.
func matchesPredicate(value any, pred map[string]any) bool {
	for op, arg := range pred {
		if !matchesOp(value, op, arg) {
			return false
		}
	}
	return true
}

func matchesOp(value any, op string, arg any) bool {
	switch op {
	case "eq":
		return valuesEqual(value, arg)
	case "ne":
		return !valuesEqual(value, arg)
	case "in":
		return containsValue(toSlice(arg), value)
	case "not_in":
		return !containsValue(toSlice(arg), value)
	case "contains":
		return stringContains(value, arg, false)
	case "i_contains":
		return stringContains(value, arg, true)
	case "starts_with":
		return stringHasPrefix(value, arg, false)
	case "i_starts_with":
		return stringHasPrefix(value, arg, true)
	case "ends_with":
		return stringHasSuffix(value, arg, false)
	case "i_ends_with":
		return stringHasSuffix(value, arg, true)
	case "regex":
		return matchesRegex(value, arg)
	case "gt":
		return compareNumbers(value, arg, func(a, b float64) bool { return a > b })
	case "gte":
		return compareNumbers(value, arg, func(a, b float64) bool { return a >= b })
	case "lt":
		return compareNumbers(value, arg, func(a, b float64) bool { return a < b })
	case "lte":
		return compareNumbers(value, arg, func(a, b float64) bool { return a <= b })
	case "exists":
		want, _ := arg.(bool)
		return (value != nil) == want
	case "has_any":
		return hasAny(toSlice(value), toSlice(arg))
	case "has_all":
		return hasAll(toSlice(value), toSlice(arg))
	default:
		return false
	}
}

func valuesEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func toSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func containsValue(haystack []any, needle any) bool {
	for _, v := range haystack {
		if valuesEqual(v, needle) {
			return true
		}
	}
	return false
}

func stringContains(value, arg any, ci bool) bool {
	v, ok1 := value.(string)
	a, ok2 := arg.(string)
	if !ok1 || !ok2 {
		return false
	}
	if ci {
		return strings.Contains(strings.ToLower(v), strings.ToLower(a))
	}
	return strings.Contains(v, a)
}

func stringHasPrefix(value, arg any, ci bool) bool {
	v, ok1 := value.(string)
	a, ok2 := arg.(string)
	if !ok1 || !ok2 {
		return false
	}
	if ci {
		return strings.HasPrefix(strings.ToLower(v), strings.ToLower(a))
	}
	return strings.HasPrefix(v, a)
}

func stringHasSuffix(value, arg any, ci bool) bool {
	v, ok1 := value.(string)
	a, ok2 := arg.(string)
	if !ok1 || !ok2 {
		return false
	}
	if ci {
		return strings.HasSuffix(strings.ToLower(v), strings.ToLower(a))
	}
	return strings.HasSuffix(v, a)
}

func matchesRegex(value, arg any) bool {
	v, ok1 := value.(string)
	pattern, ok2 := arg.(string)
	if !ok1 || !ok2 {
		return false
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(v)
}

func compareNumbers(value, arg any, cmp func(a, b float64) bool) bool {
	vf, ok1 := toFloat(value)
	af, ok2 := toFloat(arg)
	if !ok1 || !ok2 {
		return false
	}
	return cmp(vf, af)
}

func hasAny(haystack, needles []any) bool {
	for _, n := range needles {
		if containsValue(haystack, n) {
			return true
		}
	}
	return false
}

func hasAll(haystack, needles []any) bool {
	for _, n := range needles {
		if !containsValue(haystack, n) {
			return false
		}
	}
	return true
}
