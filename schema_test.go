package flock

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestGenerateSchema(t *testing.T) {
	type sample struct {
		Query string `json:"query" jsonschema:"description=What to look for"`
		Limit int    `json:"limit,omitempty"`
	}
	raw := GenerateSchema[sample]()

	var s struct {
		Type       string                     `json:"type"`
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("unmarshal schema: %v", err)
	}
	if s.Type != "object" {
		t.Errorf("type = %q", s.Type)
	}
	if _, ok := s.Properties["query"]; !ok {
		t.Error("query property missing")
	}
	if _, ok := s.Properties["limit"]; !ok {
		t.Error("limit property missing")
	}
	if len(s.Required) != 1 || s.Required[0] != "query" {
		t.Errorf("required = %v, want [query]", s.Required)
	}
	if strings.Contains(string(raw), "$ref") {
		t.Error("schema should be inlined, found $ref")
	}
}

func TestValidateInput(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string"},
			"limit": {"type": "integer"},
			"flag":  {"type": "boolean"}
		},
		"required": ["query"]
	}`)

	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"valid", `{"query":"go","limit":3,"flag":true}`, ""},
		{"only required", `{"query":"go"}`, ""},
		{"extra field ignored", `{"query":"go","unknown":42}`, ""},
		{"missing required", `{"limit":3}`, "missing required field"},
		{"wrong type", `{"query":7}`, `field "query"`},
		{"fractional integer", `{"query":"go","limit":1.5}`, `field "limit"`},
		{"not an object", `"text"`, "not a JSON object"},
		{"empty input missing required", ``, "missing required field"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateInput(schema, json.RawMessage(tt.input))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateInputNilSchema(t *testing.T) {
	if err := ValidateInput(nil, json.RawMessage(`"anything"`)); err != nil {
		t.Errorf("nil schema rejected input: %v", err)
	}
}

func TestValidateInputNonObjectSchema(t *testing.T) {
	if err := ValidateInput(json.RawMessage(`{"type":"string"}`), json.RawMessage(`17`)); err != nil {
		t.Errorf("non-object schema should accept: %v", err)
	}
}
