package template

import (
	"strings"
	"testing"
)

func TestIsTemplateDetectsDelimiters(t *testing.T) {
	e := NewEngine()
	if e.IsTemplate("plain text, no markers") {
		t.Error("plain text should not be flagged as a template")
	}
	if !e.IsTemplate("hello {{name}}") {
		t.Error("{{ }} should be flagged as a template")
	}
	if !e.IsTemplate("{% if x %}y{% endif %}") {
		t.Error("{% %} should be flagged as a template")
	}
}

func TestRenderTemplateSubstitutesVariables(t *testing.T) {
	e := NewEngine()
	out, used, err := e.RenderTemplate("What is the capital of the country that has {{name}}?", map[string]any{"name": "Toulouse"})
	if err != nil {
		t.Fatalf("RenderTemplate error: %v", err)
	}
	if !strings.Contains(out, "Toulouse") {
		t.Errorf("rendered output = %q, want it to contain Toulouse", out)
	}
	if len(used) != 1 || used[0] != "name" {
		t.Errorf("used variables = %v, want [name]", used)
	}
}

func TestRenderTemplateAttributeAccess(t *testing.T) {
	e := NewEngine()
	out, _, err := e.RenderTemplate("Hello {{user.name}}, you are {{user.age}}", map[string]any{
		"user": map[string]any{"name": "Ada", "age": float64(31)},
	})
	if err != nil {
		t.Fatalf("RenderTemplate error: %v", err)
	}
	if out != "Hello Ada, you are 31" {
		t.Errorf("rendered output = %q", out)
	}
}

func TestRenderTemplateIfElse(t *testing.T) {
	e := NewEngine()
	tmpl := "{% if premium %}gold{% else %}standard{% endif %}"
	out, _, err := e.RenderTemplate(tmpl, map[string]any{"premium": true})
	if err != nil {
		t.Fatalf("RenderTemplate error: %v", err)
	}
	if out != "gold" {
		t.Errorf("rendered output = %q, want gold", out)
	}
	out2, _, err := e.RenderTemplate(tmpl, map[string]any{"premium": false})
	if err != nil {
		t.Fatalf("RenderTemplate error: %v", err)
	}
	if out2 != "standard" {
		t.Errorf("rendered output = %q, want standard", out2)
	}
}

func TestRenderTemplateForLoop(t *testing.T) {
	e := NewEngine()
	tmpl := "{% for item in items %}[{{item.name}}]{% endfor %}"
	vars := map[string]any{"items": []any{
		map[string]any{"name": "a"},
		map[string]any{"name": "b"},
	}}
	out, _, err := e.RenderTemplate(tmpl, vars)
	if err != nil {
		t.Fatalf("RenderTemplate error: %v", err)
	}
	if out != "[a][b]" {
		t.Errorf("rendered output = %q, want [a][b]", out)
	}
}

func TestRenderTemplateForLoopTupleUnpacking(t *testing.T) {
	e := NewEngine()
	tmpl := "{% for k, v in scores %}{{k}}={{v}};{% endfor %}"
	vars := map[string]any{"scores": map[string]any{"alice": float64(10)}}
	out, _, err := e.RenderTemplate(tmpl, vars)
	if err != nil {
		t.Fatalf("RenderTemplate error: %v", err)
	}
	if out != "alice=10;" {
		t.Errorf("rendered output = %q, want alice=10;", out)
	}
}

func TestRenderTemplateIsIdempotent(t *testing.T) {
	e := NewEngine()
	tmpl := "{{greeting}}, {{name}}!"
	vars := map[string]any{"greeting": "Hi", "name": "Bo"}
	first, _, err := e.RenderTemplate(tmpl, vars)
	if err != nil {
		t.Fatalf("RenderTemplate error: %v", err)
	}
	second, _, err := e.RenderTemplate(tmpl, vars)
	if err != nil {
		t.Fatalf("RenderTemplate error: %v", err)
	}
	if first != second {
		t.Errorf("render is not idempotent: %q vs %q", first, second)
	}
}

func TestRenderTemplateRejectsFunctionCalls(t *testing.T) {
	e := NewEngine()
	_, _, err := e.RenderTemplate("{{ len(items) }}", map[string]any{"items": []any{}})
	if err == nil {
		t.Fatal("expected InvalidTemplate for a function call")
	}
	if _, ok := err.(*InvalidTemplate); !ok {
		t.Errorf("error type = %T, want *InvalidTemplate", err)
	}
}

func TestRenderTemplateUnterminatedTagIsInvalid(t *testing.T) {
	e := NewEngine()
	_, _, err := e.RenderTemplate("hello {{name", map[string]any{"name": "x"})
	if err == nil {
		t.Fatal("expected InvalidTemplate for an unterminated tag")
	}
}

func TestAddTemplateCachesByContentHash(t *testing.T) {
	e := NewEngine()
	t1, err := e.AddTemplate("{{x}}")
	if err != nil {
		t.Fatalf("AddTemplate error: %v", err)
	}
	t2, err := e.AddTemplate("{{x}}")
	if err != nil {
		t.Fatalf("AddTemplate error: %v", err)
	}
	if t1 != t2 {
		t.Error("identical template source should return the same cached *CompiledTemplate")
	}
}

func TestLRUEvictsLeastRecentlyUsedBeyondCapacity(t *testing.T) {
	e := NewEngine()
	for i := 0; i < DefaultCacheCapacity+5; i++ {
		if _, err := e.AddTemplate(strings.Repeat("{{x}}", i+1)); err != nil {
			t.Fatalf("AddTemplate error: %v", err)
		}
	}
	if e.cache.order.Len() > DefaultCacheCapacity {
		t.Errorf("cache holds %d entries, want at most %d", e.cache.order.Len(), DefaultCacheCapacity)
	}
}

func TestExtractVariableSchemaSimpleVariable(t *testing.T) {
	schemaBytes, wasTemplated, err := ExtractVariableSchema(
		"What is the capital of the country that has {{name}}?", nil, nil)
	if err != nil {
		t.Fatalf("ExtractVariableSchema error: %v", err)
	}
	if !wasTemplated {
		t.Error("expected wasTemplated = true")
	}
	if !strings.Contains(string(schemaBytes), `"name"`) {
		t.Errorf("schema = %s, want a name property", schemaBytes)
	}
}

func TestExtractVariableSchemaNestedPathAndArray(t *testing.T) {
	tmpl := "{% for item in items %}{{item.label}}{% endfor %}"
	schemaBytes, _, err := ExtractVariableSchema(tmpl, nil, nil)
	if err != nil {
		t.Fatalf("ExtractVariableSchema error: %v", err)
	}
	s := string(schemaBytes)
	if !strings.Contains(s, `"items"`) || !strings.Contains(s, `"array"`) || !strings.Contains(s, `"label"`) {
		t.Errorf("schema = %s, want items array with a label property", s)
	}
}

func TestExtractVariableSchemaMergesUseTypesFrom(t *testing.T) {
	useTypesFrom := []byte(`{"type":"object","properties":{"age":{"type":"integer","description":"years old"}}}`)
	schemaBytes, _, err := ExtractVariableSchema("{{age}} years", nil, useTypesFrom)
	if err != nil {
		t.Fatalf("ExtractVariableSchema error: %v", err)
	}
	s := string(schemaBytes)
	if !strings.Contains(s, `"integer"`) || !strings.Contains(s, `"years old"`) {
		t.Errorf("schema = %s, want merged type/description for age", s)
	}
}

func TestExtractVariableSchemaIdempotent(t *testing.T) {
	tmpl := "{{a.b}} and {% for x in c %}{{x}}{% endfor %}"
	first, _, err := ExtractVariableSchema(tmpl, nil, nil)
	if err != nil {
		t.Fatalf("ExtractVariableSchema error: %v", err)
	}
	second, _, err := ExtractVariableSchema(tmpl, nil, nil)
	if err != nil {
		t.Fatalf("ExtractVariableSchema error: %v", err)
	}
	if string(first) != string(second) {
		t.Errorf("schema extraction is not idempotent: %s vs %s", first, second)
	}
}

func TestExtractVariableSchemaPlainTextIsNotTemplated(t *testing.T) {
	_, wasTemplated, err := ExtractVariableSchema("just plain text", nil, nil)
	if err != nil {
		t.Fatalf("ExtractVariableSchema error: %v", err)
	}
	if wasTemplated {
		t.Error("plain text should report wasTemplated = false")
	}
}
