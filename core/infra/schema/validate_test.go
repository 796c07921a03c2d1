package schema

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestCompileAndValidate(t *testing.T) {
	compiled, err := Compile("test", []byte(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if err := compiled.Validate(map[string]any{"name": "ok"}); err != nil {
		t.Fatalf("expected valid payload: %v", err)
	}
	if err := compiled.Validate(map[string]any{"nope": "bad"}); err == nil {
		t.Fatalf("expected schema validation error")
	}
}

func TestCompiledReuse(t *testing.T) {
	compiled, err := Compile("reuse", []byte(`{"type":"object","properties":{"n":{"type":"number","minimum":0}}}`))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := compiled.Validate(map[string]any{"n": float64(i)}); err != nil {
			t.Fatalf("validate %d: %v", i, err)
		}
	}
	if err := compiled.Validate([]byte(`{"n":-1}`)); err == nil {
		t.Fatalf("expected minimum violation")
	}
}

func TestFirstViolationNamesField(t *testing.T) {
	compiled, err := Compile("first", []byte(`{
		"type":"object",
		"properties":{"main":{"type":"string","minLength":1},"params":{"type":"object"}},
		"required":["main","params"]
	}`))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	err = compiled.Validate(map[string]any{"main": 3.0, "params": map[string]any{}})
	if err == nil {
		t.Fatalf("expected violation")
	}
	msg := FirstViolation(err)
	if !strings.HasPrefix(msg, "main: ") {
		t.Fatalf("expected field-scoped message, got %q", msg)
	}

	err = compiled.Validate(map[string]any{"main": "x"})
	if msg := FirstViolation(err); !strings.Contains(msg, "params") {
		t.Fatalf("expected missing params message, got %q", msg)
	}
}

func TestNormalizeValue(t *testing.T) {
	data := json.RawMessage(`{"k":"v"}`)
	val, err := normalizeValue(data)
	if err != nil {
		t.Fatalf("normalize raw: %v", err)
	}
	m, ok := val.(map[string]any)
	if !ok || m["k"] != "v" {
		t.Fatalf("unexpected normalized value")
	}
	if _, err := normalizeValue([]byte(`{`)); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestCompileEmpty(t *testing.T) {
	if _, err := Compile("test", nil); err == nil {
		t.Fatalf("expected error for empty schema")
	}
	var nilSchema *Compiled
	if err := nilSchema.Validate(map[string]any{}); err == nil {
		t.Fatalf("expected error for nil schema")
	}
}
