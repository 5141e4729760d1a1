package schema

import (
	"encoding/json"
	"testing"
)

var imageSchema = []byte(`{
  "type": "object",
  "required": ["imageUrl"],
  "properties": {"imageUrl": {"type": "string", "minLength": 1, "maxLength": 2048}}
}`)

func TestCompileAndValidate(t *testing.T) {
	s, err := Compile("image", imageSchema)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if err := s.Validate(map[string]any{"imageUrl": "https://example.com/a.png"}); err != nil {
		t.Fatalf("expected valid payload: %v", err)
	}
	if err := s.Validate(json.RawMessage(`{"imageUrl": 5}`)); err == nil {
		t.Fatalf("expected type error")
	}
	if err := s.Validate([]byte(`{}`)); err == nil {
		t.Fatalf("expected required error")
	}
	if err := s.Validate([]byte(`{`)); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestCompileRejectsEmptyAndInvalid(t *testing.T) {
	if _, err := Compile("empty", nil); err == nil {
		t.Fatalf("expected empty schema error")
	}
	if _, err := Compile("bad", []byte(`{"type": 12}`)); err == nil {
		t.Fatalf("expected compile error")
	}
}

func TestValidateSchemaOneShot(t *testing.T) {
	if err := ValidateSchema("", imageSchema, map[string]any{"imageUrl": ""}); err == nil {
		t.Fatalf("expected minLength error")
	}
}

func TestNilSchemaValidate(t *testing.T) {
	var s *Schema
	if err := s.Validate(nil); err == nil {
		t.Fatalf("expected error for nil schema")
	}
}
