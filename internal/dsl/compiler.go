// Package dsl implements the assertion-spec compiler: JSON Schema
// validation followed by shorthand normalization, grounded on the
// original evaluationEngine/compiler.py.
package dsl

import (
	"bytes"
	_ "embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentdiff/harness/internal/apierr"
)

//go:embed schema.json
var schemaJSON []byte

// Compiler validates and normalizes a raw assertion spec document.
type Compiler struct {
	schema *jsonschema.Schema
}

// New compiles the embedded JSON Schema once and returns a ready Compiler.
func New() (*Compiler, error) {
	compiler := jsonschema.NewCompiler()

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("while parsing embedded dsl schema: %w", err)
	}
	const resourceName = "dsl_schema.json"
	if err := compiler.AddResource(resourceName, doc); err != nil {
		return nil, fmt.Errorf("while registering dsl schema: %w", err)
	}

	schema, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("while compiling dsl schema: %w", err)
	}

	return &Compiler{schema: schema}, nil
}

// Validate checks spec against the assertion-spec JSON Schema.
func (c *Compiler) Validate(spec map[string]any) error {
	if err := c.schema.Validate(spec); err != nil {
		return apierr.Wrap(apierr.KindInvalidInput, err, "assertion spec failed schema validation")
	}
	return nil
}

// Normalize expands shorthand forms: a bare scalar where/predicate field
// becomes {"eq": scalar}, an expected_changes shorthand {field: scalar}
// becomes {field: {"to": {"eq": scalar}}}, and the legacy table/count
// field names are aliased onto their canonical entity/expected_count
// counterparts so every later consumer only ever sees the canonical form.
func (c *Compiler) Normalize(spec map[string]any) map[string]any {
	normalized := make(map[string]any, len(spec))
	for k, v := range spec {
		normalized[k] = v
	}

	rawAssertions, _ := spec["assertions"].([]any)
	assertions := make([]any, 0, len(rawAssertions))
	for _, raw := range rawAssertions {
		a, ok := raw.(map[string]any)
		if !ok {
			assertions = append(assertions, raw)
			continue
		}
		aa := make(map[string]any, len(a))
		for k, v := range a {
			aa[k] = v
		}
		if _, ok := aa["entity"]; !ok {
			if table, ok := aa["table"]; ok {
				aa["entity"] = table
			}
		}
		if _, ok := aa["expected_count"]; !ok {
			if count, ok := aa["count"]; ok {
				aa["expected_count"] = count
			}
		}
		aa["where"] = normalizeWhere(a["where"])
		if aa["diff_type"] == "changed" {
			aa["expected_changes"] = normalizeExpectedChanges(a["expected_changes"])
		}
		assertions = append(assertions, aa)
	}
	normalized["assertions"] = assertions

	return normalized
}

// Compile validates then normalizes spec, the single entry point callers
// should use.
func (c *Compiler) Compile(spec map[string]any) (map[string]any, error) {
	if err := c.Validate(spec); err != nil {
		return nil, err
	}
	return c.Normalize(spec), nil
}

func asPredicate(value any) map[string]any {
	if m, ok := value.(map[string]any); ok {
		return m
	}
	return map[string]any{"eq": value}
}

func normalizeWhere(where any) map[string]any {
	m, ok := where.(map[string]any)
	if !ok || m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for field, pred := range m {
		out[field] = asPredicate(pred)
	}
	return out
}

func normalizeExpectedChanges(changes any) map[string]any {
	m, ok := changes.(map[string]any)
	if !ok || m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for field, spec := range m {
		specMap, ok := spec.(map[string]any)
		if !ok {
			out[field] = map[string]any{"to": asPredicate(spec)}
			continue
		}
		entry := map[string]any{}
		if from, ok := specMap["from"]; ok {
			entry["from"] = asPredicate(from)
		}
		if to, ok := specMap["to"]; ok {
			entry["to"] = asPredicate(to)
		}
		out[field] = entry
	}
	return out
}
