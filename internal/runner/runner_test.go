package runner

import (
	"context"
	"testing"
	"time"

	"github.com/nexushq/gateway/internal/domain"
	"github.com/nexushq/gateway/internal/providers"
)

// scriptedProvider replays a fixed chunk sequence (or fails) for every call,
// recording how many times it was invoked.
type scriptedProvider struct {
	name      string
	models    func(string) bool
	chunks    []providers.Chunk
	err       error
	callCount int
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) SupportsModel(model string) bool {
	if p.models != nil {
		return p.models(model)
	}
	return true
}

func (p *scriptedProvider) Complete(ctx context.Context, req *providers.Request) (<-chan providers.Chunk, error) {
	p.callCount++
	if p.err != nil {
		return nil, p.err
	}
	ch := make(chan providers.Chunk, len(p.chunks))
	for _, c := range p.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func newTestRunner(registry *providers.Registry) *Runner {
	return NewRunner(registry, fakeRenderer{}, nil, Config{}, nil)
}

func okChunks(text string) []providers.Chunk {
	return []providers.Chunk{
		{Kind: providers.ChunkText, Text: text},
		{Kind: providers.ChunkUsage, Usage: &domain.LLMUsage{PromptTokens: 3, CompletionTokens: 2}, Finish: providers.FinishStop},
		{Kind: providers.ChunkDone, Finish: providers.FinishStop},
	}
}

func TestRunSucceedsOnPrimaryProvider(t *testing.T) {
	registry := providers.NewRegistry()
	p := &scriptedProvider{name: "openai", chunks: okChunks("hi there")}
	registry.Register(p)

	r := newTestRunner(registry)
	b := &Builder{Version: domain.Version{Model: "gpt-5", Provider: "openai"}, StartTime: time.Now()}

	completion, err := r.Run(context.Background(), b)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if completion.Status != domain.StatusSuccess {
		t.Errorf("Status = %q, want success", completion.Status)
	}
	if got := completion.Messages[len(completion.Messages)-1].Text(); got != "hi there" {
		t.Errorf("final message text = %q", got)
	}
	if p.callCount != 1 {
		t.Errorf("provider called %d times, want 1", p.callCount)
	}
}

func TestRunFallsOverToNextCandidateOnRecoverableError(t *testing.T) {
	registry := providers.NewRegistry()
	failing := &scriptedProvider{name: "openai", err: &providers.ProviderError{Kind: providers.KindProviderInternal}}
	healthy := &scriptedProvider{name: "anthropic", chunks: okChunks("recovered")}
	registry.Register(failing)
	registry.Register(healthy)

	r := newTestRunner(registry)
	b := &Builder{
		Version: domain.Version{
			Model:       "gpt-5",
			Provider:    "openai",
			UseFallback: []string{"claude-opus"},
		},
		StartTime: time.Now(),
	}
	// route the fallback candidate to the healthy provider
	healthy.models = func(model string) bool { return model == "claude-opus" }
	failing.models = func(model string) bool { return model == "gpt-5" }

	completion, err := r.Run(context.Background(), b)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if got := completion.Messages[len(completion.Messages)-1].Text(); got != "recovered" {
		t.Errorf("final message text = %q, want fallback result", got)
	}
	if failing.callCount != 1 || healthy.callCount != 1 {
		t.Errorf("callCounts = failing:%d healthy:%d, want 1/1", failing.callCount, healthy.callCount)
	}
}

func TestRunDoesNotFailoverOnNonRecoverableError(t *testing.T) {
	registry := providers.NewRegistry()
	badRequest := &scriptedProvider{name: "openai", err: &providers.ProviderError{Kind: providers.KindProviderBadRequest}}
	unreached := &scriptedProvider{name: "anthropic", chunks: okChunks("should not run")}
	registry.Register(badRequest)
	registry.Register(unreached)

	r := newTestRunner(registry)
	b := &Builder{
		Version:   domain.Version{Model: "gpt-5", Provider: "openai", UseFallback: []string{"claude-opus"}},
		StartTime: time.Now(),
	}

	_, err := r.Run(context.Background(), b)
	if err == nil {
		t.Fatal("expected error for a non-recoverable provider error")
	}
	if unreached.callCount != 0 {
		t.Error("fallback candidate should not be attempted for a non-recoverable error")
	}
}

func TestRunReturnsErrorWhenAllCandidatesExhausted(t *testing.T) {
	registry := providers.NewRegistry()
	registry.Register(&scriptedProvider{name: "openai", err: &providers.ProviderError{Kind: providers.KindProviderInternal}})

	r := newTestRunner(registry)
	b := &Builder{Version: domain.Version{Model: "gpt-5", Provider: "openai"}, StartTime: time.Now()}

	if _, err := r.Run(context.Background(), b); err == nil {
		t.Fatal("expected error once candidates are exhausted")
	}
}

type stubCache struct {
	completion *domain.AgentCompletion
	found      bool
	err        error
}

func (c stubCache) Lookup(ctx context.Context, versionID, inputID string) (*domain.AgentCompletion, bool, error) {
	return c.completion, c.found, c.err
}

func TestRunReturnsCachedCompletionWhenPolicyAllows(t *testing.T) {
	registry := providers.NewRegistry()
	p := &scriptedProvider{name: "openai", chunks: okChunks("should not be called")}
	registry.Register(p)

	cached := &domain.AgentCompletion{ID: "cached-1", AgentOutput: domain.AgentOutput{Messages: []domain.Message{textMessage(domain.RoleAssistant, "from cache")}}}
	r := NewRunner(registry, fakeRenderer{}, stubCache{completion: cached, found: true}, Config{}, nil)

	b := &Builder{Version: domain.Version{Model: "gpt-5", Provider: "openai", UseCache: "always"}, StartTime: time.Now()}
	got, err := r.Run(context.Background(), b)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !got.FromCache {
		t.Error("FromCache should be true")
	}
	if p.callCount != 0 {
		t.Error("provider should not be called on a cache hit")
	}
}

func TestRunSkipsCacheWhenPolicyIsNever(t *testing.T) {
	registry := providers.NewRegistry()
	p := &scriptedProvider{name: "openai", chunks: okChunks("live call")}
	registry.Register(p)

	cached := &domain.AgentCompletion{ID: "cached-1"}
	r := NewRunner(registry, fakeRenderer{}, stubCache{completion: cached, found: true}, Config{}, nil)

	b := &Builder{Version: domain.Version{Model: "gpt-5", Provider: "openai", UseCache: "never"}, StartTime: time.Now()}
	got, err := r.Run(context.Background(), b)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if got.FromCache {
		t.Error("FromCache should be false when use_cache is never")
	}
	if p.callCount != 1 {
		t.Error("provider should be called when cache policy is never")
	}
}

func TestStreamForwardsDeltasAndFinalCompletion(t *testing.T) {
	registry := providers.NewRegistry()
	registry.Register(&scriptedProvider{name: "openai", chunks: okChunks("streamed")})

	r := newTestRunner(registry)
	b := &Builder{Version: domain.Version{Model: "gpt-5", Provider: "openai"}, StartTime: time.Now()}

	out, err := r.Stream(context.Background(), b)
	if err != nil {
		t.Fatalf("Stream returned error: %v", err)
	}

	var sawText bool
	var final *domain.AgentCompletion
	for chunk := range out {
		if chunk.Text != "" {
			sawText = true
		}
		if chunk.Final != nil {
			final = chunk.Final
		}
	}
	if !sawText {
		t.Error("expected at least one text delta")
	}
	if final == nil {
		t.Fatal("expected a final chunk carrying the completion")
	}
}

func TestPrepareCompletionRendersAndComputesIDs(t *testing.T) {
	registry := providers.NewRegistry()
	r := newTestRunner(registry)

	req := PrepareRequest{
		Version: domain.Version{Model: "gpt-5", Prompt: []domain.Message{textMessage(domain.RoleSystem, "be {{tone}}")}},
		Input:   domain.AgentInput{Variables: map[string]any{"tone": "concise"}},
	}
	b, err := r.PrepareCompletion(context.Background(), req)
	if err != nil {
		t.Fatalf("PrepareCompletion returned error: %v", err)
	}
	if b.Version.ID == "" || b.Input.ID == "" {
		t.Error("expected content-address IDs to be computed")
	}
	if got := b.messages[0].Text(); got != "be concise" {
		t.Errorf("rendered prompt = %q", got)
	}
}
