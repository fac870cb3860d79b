package jsonschema

import (
	"strings"
	"testing"
)

const personSchema = `{
	"type": "object",
	"properties": {
		"name": { "type": "string" },
		"age": { "type": "integer" }
	},
	"required": ["name"]
}`

func TestSchema_ValidateJSON(t *testing.T) {
	schema, err := Compile("person.json", personSchema)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	tests := []struct {
		name          string
		json          string
		expectedValid bool
		errorContains string
	}{
		{
			name:          "Valid simple object",
			json:          `{"name": "John Doe", "age": 30}`,
			expectedValid: true,
		},
		{
			name:          "Invalid - missing required property",
			json:          `{"age": 30}`,
			expectedValid: false,
			errorContains: "missing properties",
		},
		{
			name:          "Invalid - wrong type",
			json:          `{"name": "John Doe", "age": "thirty"}`,
			expectedValid: false,
			errorContains: "/age",
		},
		{
			name:          "Invalid JSON",
			json:          `{"name": `,
			expectedValid: false,
			errorContains: "invalid JSON",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := schema.ValidateJSON(tt.json)
			valid := len(errs) == 0

			if valid != tt.expectedValid {
				t.Fatalf("ValidateJSON() valid = %v, want %v (errors: %v)", valid, tt.expectedValid, errs)
			}
			if tt.errorContains != "" && !strings.Contains(errs.Error(), tt.errorContains) {
				t.Errorf("ValidateJSON() error = %q, want it to contain %q", errs.Error(), tt.errorContains)
			}
		})
	}
}

func TestSchema_ValidateDecoded(t *testing.T) {
	schema := MustCompile("person.json", personSchema)

	doc := map[string]interface{}{"name": "Jane", "age": float64(41)}
	if errs := schema.Validate(doc); errs != nil {
		t.Errorf("Validate() = %v, want nil", errs)
	}
}

func TestCompile_InvalidSchema(t *testing.T) {
	if _, err := Compile("broken.json", `{"type": 12}`); err == nil {
		t.Error("Compile() error = nil, want error for invalid schema")
	}
}

func TestMustCompile_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustCompile() did not panic on invalid schema")
		}
	}()
	MustCompile("broken.json", `{not json`)
}

func TestValidationErrors_Error(t *testing.T) {
	errs := ValidationErrors{
		errString("first"),
		errString("second"),
	}
	if got := errs.Error(); got != "first; second" {
		t.Errorf("Error() = %q, want %q", got, "first; second")
	}
	if got := (ValidationErrors{}).Error(); got != "" {
		t.Errorf("empty Error() = %q, want empty", got)
	}
}

type errString string

func (e errString) Error() string { return string(e) }
