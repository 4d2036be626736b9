package statestore

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// CompileSchema compiles an inline JSON Schema given as a Go map. Draft
// 2020-12 semantics.
func CompileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource("inline://schema.json", bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	compiled, err := c.Compile("inline://schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// MustCompileSchema is CompileSchema for package-level schema literals.
func MustCompileSchema(schema map[string]any) *jsonschema.Schema {
	s, err := CompileSchema(schema)
	if err != nil {
		panic(err)
	}
	return s
}
