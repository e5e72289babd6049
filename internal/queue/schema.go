package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaRegistry holds compiled JSON schemas per action kind. Kinds
// without a schema pass validation unchecked.
type SchemaRegistry struct {
	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: map[string]*jsonschema.Schema{}}
}

func (r *SchemaRegistry) Register(kind, schemaJSON string) error {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return fmt.Errorf("register schema: kind is required")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("parse schema for %s: %w", kind, err)
	}
	compiler := jsonschema.NewCompiler()
	url := "furrow://schemas/" + kind + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return fmt.Errorf("add schema for %s: %w", kind, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", kind, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[kind] = schema
	return nil
}

func (r *SchemaRegistry) Validate(kind string, payload json.RawMessage) error {
	r.mu.Lock()
	schema, ok := r.schemas[kind]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("payload rejected by schema: %w", err)
	}
	return nil
}
