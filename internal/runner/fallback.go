package runner

import (
	"sync"
	"time"

	"github.com/nexushq/gateway/internal/domain"
)

// FallbackConfig tunes the Runner's circuit breaker, adapted from the
// teacher's FailoverConfig (internal/agent/failover.go). The retry/backoff
// knobs there lived inside a single-provider retry loop; here that loop is
// gone (a failed attempt just advances to the next candidate model), so only
// the circuit-breaker fields survive the port.
type FallbackConfig struct {
	// CircuitBreakerThreshold is the number of consecutive failures recorded
	// against a provider before it's skipped for CircuitBreakerTimeout.
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
}

// DefaultFallbackConfig mirrors the teacher's DefaultFailoverConfig circuit
// breaker defaults.
func DefaultFallbackConfig() FallbackConfig {
	return FallbackConfig{
		CircuitBreakerThreshold: 3,
		CircuitBreakerTimeout:   30 * time.Second,
	}
}

// providerState tracks one provider's recent health, grounded on the
// teacher's ProviderState.
type providerState struct {
	failures      int
	circuitOpen   bool
	circuitOpenAt time.Time
}

func (s *providerState) isAvailable(cfg FallbackConfig) bool {
	if !s.circuitOpen {
		return true
	}
	return time.Since(s.circuitOpenAt) > cfg.CircuitBreakerTimeout
}

// FallbackPolicy resolves a Version's candidate model list and tracks
// per-provider circuit-breaker state across completions. One FallbackPolicy
// is shared by a Runner across every request it serves (unlike the teacher's
// FailoverOrchestrator, which wrapped a fixed provider list per orchestrator
// instance — here the provider set varies per request via Version.Model and
// Version.UseFallback, so the policy only tracks health, not the candidate
// list itself).
type FallbackPolicy struct {
	cfg FallbackConfig

	mu     sync.Mutex
	states map[string]*providerState
}

// NewFallbackPolicy builds a FallbackPolicy.
func NewFallbackPolicy(cfg FallbackConfig) *FallbackPolicy {
	if cfg.CircuitBreakerThreshold <= 0 {
		cfg = DefaultFallbackConfig()
	}
	return &FallbackPolicy{cfg: cfg, states: make(map[string]*providerState)}
}

// ResolveCandidates returns the ordered list of model ids the Runner should
// try for v, per spec §4.4's use_fallback policy:
//   - "never" (or an empty/single-"never" list): only v.Model.
//   - "auto": contributes no candidates. With no explicit model ids beside
//     it, the result is just v.Model, so no other model is tried; "auto"
//     behaves like "never" here.
//   - an explicit list: v.Model followed by every entry in UseFallback that
//     isn't "never"/"auto" and isn't a duplicate of v.Model.
func (p *FallbackPolicy) ResolveCandidates(v *domain.Version) []string {
	candidates := []string{v.Model}
	seen := map[string]bool{v.Model: true}

	for _, m := range v.UseFallback {
		if m == "" || m == "never" || m == "auto" || seen[m] {
			continue
		}
		seen[m] = true
		candidates = append(candidates, m)
	}
	return candidates
}

// IsAvailable reports whether providerName's circuit breaker is closed.
func (p *FallbackPolicy) IsAvailable(providerName string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.states[providerName]
	if !ok {
		return true
	}
	return state.isAvailable(p.cfg)
}

// RecordSuccess resets providerName's failure count and closes its circuit.
func (p *FallbackPolicy) RecordSuccess(providerName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.states[providerName]
	if !ok {
		return
	}
	state.failures = 0
	state.circuitOpen = false
}

// RecordFailure records a failed attempt against providerName, opening its
// circuit breaker once CircuitBreakerThreshold consecutive failures
// accumulate. err is accepted for symmetry with the teacher's
// recordFailure/classifyProviderError pairing but isn't inspected here — the
// Runner already decided via providers.ShouldFailover whether this attempt
// even reaches RecordFailure.
func (p *FallbackPolicy) RecordFailure(providerName string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.states[providerName]
	if !ok {
		state = &providerState{}
		p.states[providerName] = state
	}
	state.failures++
	if state.failures >= p.cfg.CircuitBreakerThreshold && !state.circuitOpen {
		state.circuitOpen = true
		state.circuitOpenAt = time.Now()
	}
}
