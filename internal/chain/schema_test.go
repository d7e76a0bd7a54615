package chain

import (
	"strings"
	"testing"
)

func TestCheckSchemaNilAcceptsAnything(t *testing.T) {
	t.Parallel()

	if issues := checkSchema(map[string]any{"x": 1}, nil); len(issues) != 0 {
		t.Errorf("issues = %v, want none", issues)
	}
}

func TestCheckSchemaTopLevelType(t *testing.T) {
	t.Parallel()

	schema := map[string]any{"type": "object"}
	if issues := checkSchema("not an object", schema); len(issues) != 1 {
		t.Errorf("issues = %v, want type mismatch", issues)
	}
	if issues := checkSchema(map[string]any{}, schema); len(issues) != 0 {
		t.Errorf("issues = %v, want none", issues)
	}
}

func TestCheckSchemaPropertyTypes(t *testing.T) {
	t.Parallel()

	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":  map[string]any{"type": "string"},
			"count": map[string]any{"type": "number"},
			"tags":  map[string]any{"type": "array"},
		},
	}
	value := map[string]any{
		"name":  42,
		"count": 3.5,
		"tags":  []any{"a"},
	}
	issues := checkSchema(value, schema)
	if len(issues) != 1 || !strings.Contains(issues[0], "name") {
		t.Errorf("issues = %v, want only the name mismatch", issues)
	}
}

func TestCheckSchemaRequired(t *testing.T) {
	t.Parallel()

	schema := map[string]any{
		"type":     "object",
		"required": []any{"question", "user"},
	}
	issues := checkSchema(map[string]any{"question": "hi"}, schema)
	if len(issues) != 1 || !strings.Contains(issues[0], "user") {
		t.Errorf("issues = %v, want missing user", issues)
	}
}

func TestCheckSchemaAbsentOptionalProperty(t *testing.T) {
	t.Parallel()

	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"fields": map[string]any{"type": "array"},
		},
	}
	if issues := checkSchema(map[string]any{}, schema); len(issues) != 0 {
		t.Errorf("issues = %v, absent optional properties must pass", issues)
	}
}
