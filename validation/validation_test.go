package validation

import (
	"encoding/json"
	"errors"
	"testing"
)

type greeting struct {
	Name  string `json:"name" jsonschema:"required"`
	Count int    `json:"count,omitempty" jsonschema:"minimum=1"`
}

func TestJSONSchema_Validate(t *testing.T) {
	v := NewJSONSchema()
	schema := json.RawMessage(`{"type":"object","properties":{"n":{"type":"integer"}},"required":["n"]}`)

	if err := v.Validate(schema, json.RawMessage(`{"n":3}`)); err != nil {
		t.Fatalf("valid instance: %v", err)
	}
	if err := v.Validate(schema, json.RawMessage(`{"n":"three"}`)); err == nil {
		t.Fatalf("expected type error")
	}
	if err := v.Validate(schema, json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected required error")
	}
	if want, got := 1, v.cache.Len(); want != got {
		t.Fatalf("cache: want %d entries got %d", want, got)
	}
}

func TestJSONSchema_InvalidSchema(t *testing.T) {
	v := NewJSONSchema()
	err := v.Validate(json.RawMessage(`{"type":`), json.RawMessage(`{}`))
	if !errors.Is(err, ErrInvalidSchema) {
		t.Fatalf("want ErrInvalidSchema got %v", err)
	}
}

func TestSchemaFor_RoundTrip(t *testing.T) {
	schema, err := SchemaFor(&greeting{})
	if err != nil {
		t.Fatalf("reflect: %v", err)
	}
	v := NewJSONSchema()
	if err := v.Validate(schema, json.RawMessage(`{"name":"ada","count":2}`)); err != nil {
		t.Fatalf("valid instance: %v", err)
	}
	if err := v.Validate(schema, json.RawMessage(`{"count":2}`)); err == nil {
		t.Fatalf("expected missing name to fail")
	}
	if err := v.Validate(schema, json.RawMessage(`{"name":"ada","count":0}`)); err == nil {
		t.Fatalf("expected minimum to fail")
	}
}
