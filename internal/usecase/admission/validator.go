// Package admission validates, rate-limits and queues incoming requests.
package admission

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"relaycore/internal/domain"
)

// Validator checks required request fields and, for request types that have
// one, the payload's JSON Schema.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles raw JSON Schemas keyed by request type.
func NewValidator(schemas map[string][]byte) (*Validator, error) {
	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(schemas))}
	compiler := jsonschema.NewCompiler()
	for typ, raw := range schemas {
		schema, err := compiler.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("compile schema for request type %q: %w", typ, err)
		}
		v.schemas[typ] = schema
	}
	return v, nil
}

// LoadValidator reads schema files keyed by request type and compiles them.
func LoadValidator(files map[string]string) (*Validator, error) {
	raw := make(map[string][]byte, len(files))
	for typ, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read schema for request type %q: %w", typ, err)
		}
		raw[typ] = data
	}
	return NewValidator(raw)
}

// Validate returns an ErrValidation-wrapped error describing every problem.
func (v *Validator) Validate(req domain.Request) error {
	var missing []string
	if strings.TrimSpace(req.ID) == "" {
		missing = append(missing, "id")
	}
	if strings.TrimSpace(req.UserID) == "" {
		missing = append(missing, "userId")
	}
	if isEmptyPayload(req.Payload) {
		missing = append(missing, "payload")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", domain.ErrValidation, strings.Join(missing, ", "))
	}

	schema, ok := v.schemas[req.Type]
	if !ok {
		return nil
	}
	data, err := jsonShape(req.Payload)
	if err != nil {
		return domain.NewSubSystemError("schema", "Admission.Validate", domain.ErrValidation, err.Error())
	}
	if result := schema.Validate(data); !result.IsValid() {
		return domain.NewSubSystemError("schema", "Admission.Validate", domain.ErrValidation,
			fmt.Sprintf("payload does not match %q schema: %v", req.Type, result.Error()))
	}
	return nil
}

// isEmptyPayload rejects nil, blank strings, JSON null and empty collections.
func isEmptyPayload(p any) bool {
	switch v := p.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case json.RawMessage:
		s := strings.TrimSpace(string(v))
		return s == "" || s == "null" || s == `""` || s == "{}" || s == "[]"
	}
	rv := reflect.ValueOf(p)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// jsonShape converts an arbitrary payload into the generic JSON value a schema validates.
func jsonShape(p any) (any, error) {
	var raw []byte
	switch v := p.(type) {
	case json.RawMessage:
		raw = v
	case map[string]any, []any, string, float64, bool:
		return v, nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("payload is not JSON-encodable: %w", err)
		}
		raw = b
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	return out, nil
}
