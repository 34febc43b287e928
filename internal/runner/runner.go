// Package runner orchestrates one completion end-to-end: render prompt
// templates against an input, resolve files, call the resolved provider,
// aggregate its stream, apply fallback on recoverable errors, and assemble
// the final AgentCompletion. Grounded on the teacher's agent.Runtime request
// pipeline (internal/agent/runtime.go), generalized from a stateful
// session/channel runtime to a stateless per-request orchestrator.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nexushq/gateway/internal/domain"
	"github.com/nexushq/gateway/internal/providers"
	"github.com/nexushq/gateway/internal/streaming"
)

// DefaultRequestTimeout is the total wall-clock budget for a completion,
// including every fallback attempt (spec §5's retry-budget rule).
const DefaultRequestTimeout = 240 * time.Second

// DefaultCacheLookupTimeout bounds the cache probe before falling through to
// a live provider call (spec §4.4/§5).
const DefaultCacheLookupTimeout = 150 * time.Millisecond

// DefaultMaxFallbackAttempts caps how many provider/model candidates the
// Runner will try for one completion (spec §4.4's max_tool_call_iterations,
// applied here to the fallback attempt loop — see DESIGN.md Open Question).
const DefaultMaxFallbackAttempts = 10

// DefaultMaxOutputTokens is the value withDefaults puts in
// Config.DefaultMaxOutputTokens. The Runner does not read that field: a
// Version with no explicit cap gets the model's ceiling from modelMax, which
// is 128000 for a model not listed in Config.ModelMaxOutputTokens.
const DefaultMaxOutputTokens = 4096

// TemplateRenderer is the C5 contract the Runner depends on. Kept as an
// interface here (rather than importing internal/template directly as a
// concrete type) so runner tests can substitute a fake.
type TemplateRenderer interface {
	IsTemplate(s string) bool
	RenderTemplate(tmpl string, variables map[string]any) (rendered string, usedVariables []string, err error)
}

// CompletionCache is the C6 analytics-store contract the cache lookup step
// depends on: find a prior completion for the same (version, input) pair.
type CompletionCache interface {
	Lookup(ctx context.Context, versionID, inputID string) (*domain.AgentCompletion, bool, error)
}

// Config tunes Runner behavior; zero-value Config is usable, defaults applied
// lazily.
type Config struct {
	RequestTimeout       time.Duration
	CacheLookupTimeout   time.Duration
	MaxFallbackAttempts  int
	DefaultMaxOutputTokens int
	ModelMaxOutputTokens map[string]int
	// FileURLSupport maps provider name -> max number of file URLs that
	// provider accepts as references before the runner must download bytes
	// instead (spec §4.4 step 2). A provider absent from this map is treated
	// as requiring all files downloaded (MaxFileURLs=0).
	FileURLSupport map[string]int
	HTTPClient     *http.Client
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.CacheLookupTimeout <= 0 {
		c.CacheLookupTimeout = DefaultCacheLookupTimeout
	}
	if c.MaxFallbackAttempts <= 0 {
		c.MaxFallbackAttempts = DefaultMaxFallbackAttempts
	}
	if c.DefaultMaxOutputTokens <= 0 {
		c.DefaultMaxOutputTokens = DefaultMaxOutputTokens
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	return c
}

func (c Config) maxFileURLs(provider string) int {
	return c.FileURLSupport[provider]
}

func (c Config) modelMax(model string) int {
	if v, ok := c.ModelMaxOutputTokens[model]; ok && v > 0 {
		return v
	}
	return 128000
}

// Runner is the C4 orchestrator. Safe for concurrent use: it holds no
// per-request state, only shared, immutable-after-construction collaborators.
type Runner struct {
	registry *providers.Registry
	fallback *FallbackPolicy
	renderer TemplateRenderer
	cache    CompletionCache
	cfg      Config
	log      *slog.Logger
}

// NewRunner builds a Runner. cache may be nil (cache lookups become no-ops).
func NewRunner(registry *providers.Registry, renderer TemplateRenderer, cache CompletionCache, cfg Config, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	if cache == nil {
		cache = NopCache{}
	}
	return &Runner{
		registry: registry,
		fallback: NewFallbackPolicy(DefaultFallbackConfig()),
		renderer: renderer,
		cache:    cache,
		cfg:      cfg.withDefaults(),
		log:      log,
	}
}

// PrepareRequest carries everything needed to build a Builder.
type PrepareRequest struct {
	AgentID        string
	CompletionID   string
	Version        domain.Version
	Input          domain.AgentInput
	Metadata       map[string]string
	ConversationID string
	StartTime      time.Time
	Source         domain.Source
	Stream         bool
}

// PrepareCompletion renders prompt templates against the input, resolves
// file attachments, and computes the content-addressed Version/AgentInput
// ids, returning a Builder ready for Run/Stream.
func (r *Runner) PrepareCompletion(ctx context.Context, req PrepareRequest) (*Builder, error) {
	version := req.Version
	version.ComputeID()
	input := req.Input
	input.ComputeID()
	if input.Preview == "" {
		input.ComputePreview(280)
	}

	b := &Builder{
		CompletionID:   req.CompletionID,
		AgentID:        req.AgentID,
		ConversationID: req.ConversationID,
		Version:        version,
		Input:          input,
		Metadata:       req.Metadata,
		StartTime:      req.StartTime,
		Source:         req.Source,
		Stream:         req.Stream,
	}
	if b.StartTime.IsZero() {
		b.StartTime = time.Now()
	}

	if err := b.render(r.renderer); err != nil {
		return nil, err
	}
	if err := b.resolveFiles(ctx, r.cfg.HTTPClient, r.cfg.maxFileURLs); err != nil {
		return nil, err
	}
	if err := r.checkPromptBudget(b); err != nil {
		return nil, err
	}
	return b, nil
}

// checkPromptBudget rejects a request up front when the rendered prompt's
// estimated tokens plus the Version's effective max output tokens exceed the
// model's context window, instead
// of spending a provider round trip to discover it (spec §4.4, §7
// entity_too_large).
func (r *Runner) checkPromptBudget(b *Builder) error {
	promptTokens, err := estimatePromptTokens(b.messages)
	if err != nil {
		r.log.Warn("runner: prompt token estimation unavailable, skipping budget check", "error", err)
		return nil
	}
	modelMax := r.cfg.modelMax(b.Version.Model)
	wantOutput := b.Version.EffectiveMaxOutputTokens(modelMax)
	if promptTokens+wantOutput > modelMax {
		return &ErrPromptTooLarge{
			Model:           b.Version.Model,
			PromptTokens:    promptTokens,
			ContextWindow:   modelMax,
			RequestedOutput: wantOutput,
		}
	}
	return nil
}

// Run executes the provider call (with fallback) and returns the assembled
// completion, consulting the cache first when the version's cache policy
// allows it.
func (r *Runner) Run(ctx context.Context, b *Builder) (*domain.AgentCompletion, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	if cached, ok := r.tryCache(ctx, b); ok {
		return cached, nil
	}

	resp, traces, err := r.completeWithFallback(ctx, b, nil)
	if err != nil {
		return nil, err
	}
	return r.assemble(b, resp, traces), nil
}

// RunnerOutputChunk is emitted by Stream for each provider delta; the final
// chunk carries the fully assembled completion in Final.
type RunnerOutputChunk struct {
	Text      string
	Reasoning string
	ToolName  string
	Final     *domain.AgentCompletion
	Err       error
}

// Stream is the streaming variant of Run: intermediate chunks are forwarded
// to the caller as they arrive; the final chunk carries the completed
// AgentCompletion (spec §4.3/§4.4).
func (r *Runner) Stream(ctx context.Context, b *Builder) (<-chan RunnerOutputChunk, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)

	if cached, ok := r.tryCache(ctx, b); ok {
		out := make(chan RunnerOutputChunk, 1)
		out <- RunnerOutputChunk{Final: cached}
		close(out)
		cancel()
		return out, nil
	}

	out := make(chan RunnerOutputChunk, 16)
	go func() {
		defer cancel()
		defer close(out)

		onDelta := func(ev streaming.DeltaEvent) {
			out <- RunnerOutputChunk{Text: ev.Text, Reasoning: ev.Reasoning, ToolName: ev.ToolName}
		}
		resp, traces, err := r.completeWithFallback(ctx, b, onDelta)
		if err != nil {
			out <- RunnerOutputChunk{Err: err}
			return
		}
		out <- RunnerOutputChunk{Final: r.assemble(b, resp, traces)}
	}()
	return out, nil
}

func (r *Runner) tryCache(ctx context.Context, b *Builder) (*domain.AgentCompletion, bool) {
	switch b.Version.UseCache {
	case "always":
		// attempt the lookup unconditionally
	case "auto", "":
		if !b.Version.ShouldUseAutoCache() {
			return nil, false
		}
	default: // "never" or anything unrecognized
		return nil, false
	}

	cacheCtx, cancel := context.WithTimeout(ctx, r.cfg.CacheLookupTimeout)
	defer cancel()

	completion, found, err := r.cache.Lookup(cacheCtx, b.Version.ID, b.Input.ID)
	if err != nil || !found {
		return nil, false
	}
	if completion.AgentOutput.Error != "" {
		return nil, false
	}
	cached := *completion
	cached.FromCache = true
	return &cached, true
}

func (r *Runner) assemble(b *Builder, resp *streaming.ParsedResponse, traces []domain.Trace) *domain.AgentCompletion {
	messages := append(append([]domain.Message{}, b.messages...), resp.Message)

	output := domain.AgentOutput{Messages: []domain.Message{resp.Message}}
	output.ComputeID()
	output.ComputePreview(280)

	var totalCost float64
	for _, t := range traces {
		if t.LLM != nil {
			totalCost += t.LLM.CostUSD
		}
	}

	return &domain.AgentCompletion{
		ID:              domain.NewCompletionID(),
		AgentID:         b.AgentID,
		AgentInput:      b.Input,
		AgentOutput:     output,
		Messages:        messages,
		Version:         b.Version,
		DurationSeconds: time.Since(b.StartTime).Seconds(),
		CostUSD:         totalCost,
		Traces:          traces,
		Metadata:        b.Metadata,
		Source:          b.Source,
		Stream:          b.Stream,
		FromCache:       false,
		Status:          domain.StatusSuccess,
		ConversationID:  b.ConversationID,
	}
}

// completeWithFallback runs the provider call, retrying against fallback
// candidates on recoverable errors per the Version's use_fallback policy
// (spec §4.4). onDelta, if non-nil, receives streamed deltas as they arrive.
func (r *Runner) completeWithFallback(ctx context.Context, b *Builder, onDelta func(streaming.DeltaEvent)) (*streaming.ParsedResponse, []domain.Trace, error) {
	candidates := r.fallback.ResolveCandidates(&b.Version)
	if len(candidates) > r.cfg.MaxFallbackAttempts {
		candidates = candidates[:r.cfg.MaxFallbackAttempts]
	}

	var traces []domain.Trace
	var lastErr error

	for i, model := range candidates {
		explicitProvider := ""
		if i == 0 {
			explicitProvider = b.Version.Provider
		}
		provider, err := r.registry.Resolve(explicitProvider, model)
		if err != nil {
			lastErr = err
			continue
		}
		if !r.fallback.IsAvailable(provider.Name()) {
			continue
		}

		req := b.buildRequest(model, r.cfg.modelMax(model))
		attemptStart := time.Now()

		chunks, err := provider.Complete(ctx, req)
		if err != nil {
			lastErr = err
			r.fallback.RecordFailure(provider.Name(), err)
			if !providers.ShouldFailover(err) {
				return nil, traces, err
			}
			continue
		}

		agg := streaming.NewStreamingContext(onDelta)
		resp, err := agg.Aggregate(ctx, chunks)
		if err != nil {
			lastErr = err
			r.fallback.RecordFailure(provider.Name(), err)
			if !providers.ShouldFailover(err) {
				return nil, traces, err
			}
			continue
		}
		if err := agg.ValidateToolCallJSON(); err != nil {
			lastErr = &providers.ProviderError{Kind: providers.KindInvalidGeneration, Provider: provider.Name(), Model: model, Message: err.Error()}
			r.fallback.RecordFailure(provider.Name(), lastErr)
			continue
		}

		r.fallback.RecordSuccess(provider.Name())
		traces = append(traces, domain.NewLLMTrace(domain.LLMTrace{
			Model:           model,
			Provider:        provider.Name(),
			Usage:           resp.Usage,
			DurationSeconds: time.Since(attemptStart).Seconds(),
		}))
		return resp, traces, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("runner: no provider available for model %q", b.Version.Model)
	}
	return nil, traces, lastErr
}
