package ironbase

import (
	"encoding/json"
	"fmt"
)

// SchemaValidator validates a document body against a collection's
// declared schema. Collections with no schema set use noopValidator,
// which accepts everything.
type SchemaValidator interface {
	Validate(body map[string]any) error
	Raw() json.RawMessage
}

type noopValidator struct{}

func (noopValidator) Validate(map[string]any) error { return nil }
func (noopValidator) Raw() json.RawMessage           { return nil }

// propertySchema constrains a single field's JSON type. Supported
// type values: "string", "number", "bool", "object", "array".
type propertySchema struct {
	Type string `json:"type"`
}

// jsonSchemaDoc is the wire shape accepted by SetSchema: a minimal
// subset of JSON Schema covering required fields and per-field type,
// which is all spec.md's schema-validation scope calls for.
type jsonSchemaDoc struct {
	Required   []string                  `json:"required"`
	Properties map[string]propertySchema `json:"properties"`
}

type jsonSchema struct {
	raw        json.RawMessage
	required   []string
	properties map[string]propertySchema
}

func (s *jsonSchema) Raw() json.RawMessage { return s.raw }

func (s *jsonSchema) Validate(body map[string]any) error {
	for _, field := range s.required {
		if _, ok := body[field]; !ok {
			return fmt.Errorf("missing required field %q", field)
		}
	}

	for field, prop := range s.properties {
		v, ok := body[field]
		if !ok {
			continue
		}

		if !matchesType(v, prop.Type) {
			return fmt.Errorf("field %q: expected type %q, got %T", field, prop.Type, v)
		}
	}

	return nil
}

func matchesType(v any, want string) bool {
	switch want {
	case "", "any":
		return true
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case float64, int, int64:
			return true
		default:
			return false
		}
	case "bool":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	default:
		return true
	}
}

// compileSchema parses raw into a SchemaValidator. A nil/empty raw
// compiles to noopValidator, clearing any previously set schema.
func compileSchema(raw json.RawMessage) (SchemaValidator, error) {
	if len(raw) == 0 {
		return noopValidator{}, nil
	}

	var doc jsonSchemaDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decoding schema: %w", err)
	}

	return &jsonSchema{raw: raw, required: doc.Required, properties: doc.Properties}, nil
}
