// Package validation is the schema collaborator consulted by the engine
// when a request asks for its result to be checked. Validator is the only
// contract; JSONSchema is the bundled implementation.
package validation

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	lru "github.com/hashicorp/golang-lru/v2"
	invopop "github.com/invopop/jsonschema"
)

// ErrInvalidSchema is returned when a schema cannot be parsed or resolved.
var ErrInvalidSchema = errors.New("invalid schema")

// Validator checks data against schema. Both are raw JSON.
type Validator interface {
	Validate(schema, data json.RawMessage) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(schema, data json.RawMessage) error

func (f ValidatorFunc) Validate(schema, data json.RawMessage) error { return f(schema, data) }

const defaultCacheSize = 256

// JSONSchema validates with google/jsonschema-go. Resolved schemas are
// cached by content hash.
type JSONSchema struct {
	cache *lru.Cache[[32]byte, *jsonschema.Resolved]
}

// Option configures JSONSchema.
type Option func(*jsonSchemaConfig)

type jsonSchemaConfig struct {
	cacheSize int
}

// WithCacheSize bounds the resolved schema cache.
func WithCacheSize(n int) Option {
	return func(c *jsonSchemaConfig) {
		if n > 0 {
			c.cacheSize = n
		}
	}
}

// NewJSONSchema constructs a JSONSchema validator.
func NewJSONSchema(opts ...Option) *JSONSchema {
	cfg := jsonSchemaConfig{cacheSize: defaultCacheSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	cache, err := lru.New[[32]byte, *jsonschema.Resolved](cfg.cacheSize)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &JSONSchema{cache: cache}
}

func (v *JSONSchema) resolve(schema json.RawMessage) (*jsonschema.Resolved, error) {
	key := sha256.Sum256(schema)
	if rs, ok := v.cache.Get(key); ok {
		return rs, nil
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(schema, &s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchema, err)
	}
	rs, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchema, err)
	}
	v.cache.Add(key, rs)
	return rs, nil
}

// Validate implements Validator.
func (v *JSONSchema) Validate(schema, data json.RawMessage) error {
	rs, err := v.resolve(schema)
	if err != nil {
		return err
	}
	var instance any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &instance); err != nil {
			return fmt.Errorf("decode instance: %w", err)
		}
	}
	return rs.Validate(instance)
}

var _ Validator = (*JSONSchema)(nil)

// SchemaFor reflects the JSON Schema of the Go type of v. Definitions are
// inlined and the root struct expanded so the result stands alone.
func SchemaFor(v any) (json.RawMessage, error) {
	r := &invopop.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(v)
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return b, nil
}

// MustSchemaFor is SchemaFor for package-level initialization.
func MustSchemaFor(v any) json.RawMessage {
	b, err := SchemaFor(v)
	if err != nil {
		panic(err)
	}
	return b
}
