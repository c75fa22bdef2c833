// Package schema compiles and validates JSON schemas for tool inputs and
// agent template input/output contracts.
package schema

import (
	"encoding/json"
	"fmt"
	"sync"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

var compileCache sync.Map

// Compile parses a JSON schema document, caching compiled schemas by their
// source text.
func Compile(schemaJSON []byte) (*jsonschema.Schema, error) {
	key := string(schemaJSON)
	if cached, ok := compileCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("schema.json", key)
	if err != nil {
		return nil, err
	}
	compileCache.Store(key, compiled)
	return compiled, nil
}

// Validate checks payload against the schema. The payload may be a Go value
// or raw JSON; either way it is round-tripped through encoding/json so the
// validator sees plain maps and slices.
func Validate(schemaJSON []byte, payload any) error {
	if len(schemaJSON) == 0 {
		return nil
	}
	compiled, err := Compile(schemaJSON)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	raw, ok := payload.(json.RawMessage)
	if !ok {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		raw = encoded
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return compiled.Validate(decoded)
}

// For derives a JSON schema from a Go struct type, used for native tool
// input definitions.
func For(v any) (json.RawMessage, error) {
	reflector := invopop.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := reflector.Reflect(v)
	out, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	return out, nil
}

// MustFor is For for static tool definitions known at init time.
func MustFor(v any) json.RawMessage {
	out, err := For(v)
	if err != nil {
		panic(err)
	}
	return out
}
