// Package template implements the gateway's variable-interpolation
// language: a small Jinja-like subset (variable interpolation, if/else,
// for loops with tuple unpacking) used to render prompts and messages
// against per-completion input variables.
package template

import (
	"regexp"
	"strings"
	"sync"

	"github.com/nexushq/gateway/internal/domain"
)

// DefaultCacheCapacity is the number of compiled templates kept in the
// engine's LRU before the least recently used one is evicted.
const DefaultCacheCapacity = 10

// templateMarker is the cheap prefilter is_template uses: any occurrence of
// a {{ or {% delimiter. It deliberately over-matches (a literal "{{" in a
// non-template string also counts) since the cost of compiling a non-
// template string is just a no-op lex/parse.
var templateMarker = regexp.MustCompile(`\{\{|\{%`)

// CompiledTemplate is a parsed template ready to render repeatedly without
// re-lexing or re-parsing its source.
type CompiledTemplate struct {
	Source string
	Nodes  []Node
}

// Engine compiles and caches templates and renders them against a
// variables map. A *Engine satisfies runner.TemplateRenderer.
type Engine struct {
	mu    sync.Mutex
	cache *compiledLRU
}

// NewEngine builds an Engine with the default compiled-template cache
// capacity.
func NewEngine() *Engine {
	return &Engine{cache: newCompiledLRU(DefaultCacheCapacity)}
}

// IsTemplate reports whether s contains any template delimiter.
func (e *Engine) IsTemplate(s string) bool {
	return templateMarker.MatchString(s)
}

// AddTemplate compiles s, caching the result by content hash so repeated
// renders of the same source skip lexing and parsing. Thread-safe.
func (e *Engine) AddTemplate(s string) (*CompiledTemplate, error) {
	key := domain.HashContent(s)

	e.mu.Lock()
	defer e.mu.Unlock()

	if cached, ok := e.cache.get(key); ok {
		return cached, nil
	}

	nodes, err := parse(s)
	if err != nil {
		return nil, err
	}
	compiled := &CompiledTemplate{Source: s, Nodes: nodes}
	e.cache.put(key, compiled)
	return compiled, nil
}

// RenderTemplate compiles tmpl (or reuses a cached compilation) and renders
// it against variables, returning the rendered text and the names of the
// top-level variables actually referenced during the render.
func (e *Engine) RenderTemplate(tmpl string, variables map[string]any) (string, []string, error) {
	compiled, err := e.AddTemplate(tmpl)
	if err != nil {
		return "", nil, err
	}
	ctx := newContext(variables)
	var out strings.Builder
	if err := render(compiled.Nodes, ctx, &out); err != nil {
		return "", nil, err
	}
	return out.String(), ctx.usedNames(), nil
}
