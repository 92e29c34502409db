package flock

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// GenerateSchema produces an inline JSON Schema for T, suitable for a
// ToolDefinition's Parameters or a template's OutputSchema.
func GenerateSchema[T any]() json.RawMessage {
	r := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var v T
	s := r.Reflect(&v)
	s.Version = ""
	data, err := json.Marshal(s)
	if err != nil {
		// Reflect output is always marshalable; this cannot happen for
		// struct types.
		panic(fmt.Sprintf("flock: marshal schema: %v", err))
	}
	return data
}

// ValidateInput checks input against a JSON Schema of type "object":
// required properties must be present and typed properties must match.
// Nested objects are not descended into; tool inputs are flat by
// convention. A nil schema accepts anything.
func ValidateInput(schema, input json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	var s struct {
		Type       string `json:"type"`
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &s); err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	if s.Type != "" && s.Type != "object" {
		return nil
	}

	var values map[string]json.RawMessage
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(input, &values); err != nil {
		return fmt.Errorf("input is not a JSON object: %w", err)
	}

	for _, req := range s.Required {
		if _, ok := values[req]; !ok {
			return fmt.Errorf("missing required field %q", req)
		}
	}
	for name, raw := range values {
		prop, ok := s.Properties[name]
		if !ok || prop.Type == "" {
			continue
		}
		if err := checkJSONType(prop.Type, raw); err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
	}
	return nil
}

// checkJSONType verifies that raw decodes as the given JSON Schema type.
func checkJSONType(typ string, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	switch typ {
	case "string":
		if _, ok := v.(string); !ok {
			return fmt.Errorf("expected string")
		}
	case "number":
		if _, ok := v.(float64); !ok {
			return fmt.Errorf("expected number")
		}
	case "integer":
		f, ok := v.(float64)
		if !ok || f != float64(int64(f)) {
			return fmt.Errorf("expected integer")
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected boolean")
		}
	case "array":
		if _, ok := v.([]any); !ok {
			return fmt.Errorf("expected array")
		}
	case "object":
		if _, ok := v.(map[string]any); !ok {
			return fmt.Errorf("expected object")
		}
	}
	return nil
}
