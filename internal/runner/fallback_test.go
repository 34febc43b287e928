package runner

import (
	"testing"
	"time"

	"github.com/nexushq/gateway/internal/domain"
)

func TestResolveCandidatesNeverYieldsOnlyModel(t *testing.T) {
	v := &domain.Version{Model: "gpt-5", UseFallback: []string{"never"}}
	policy := NewFallbackPolicy(DefaultFallbackConfig())

	got := policy.ResolveCandidates(v)
	if len(got) != 1 || got[0] != "gpt-5" {
		t.Fatalf("ResolveCandidates = %v, want [gpt-5]", got)
	}
}

func TestResolveCandidatesExplicitListAppendsUniqueModels(t *testing.T) {
	v := &domain.Version{Model: "gpt-5", UseFallback: []string{"claude-opus", "gpt-5", "gemini-pro"}}
	policy := NewFallbackPolicy(DefaultFallbackConfig())

	got := policy.ResolveCandidates(v)
	want := []string{"gpt-5", "claude-opus", "gemini-pro"}
	if len(got) != len(want) {
		t.Fatalf("ResolveCandidates = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("candidate[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestResolveCandidatesSkipsAutoAndNeverTokens(t *testing.T) {
	v := &domain.Version{Model: "gpt-5", UseFallback: []string{"auto", "never", "claude-opus"}}
	policy := NewFallbackPolicy(DefaultFallbackConfig())

	got := policy.ResolveCandidates(v)
	if len(got) != 2 || got[1] != "claude-opus" {
		t.Fatalf("ResolveCandidates = %v, want [gpt-5 claude-opus]", got)
	}
}

func TestFallbackPolicyAvailableByDefault(t *testing.T) {
	policy := NewFallbackPolicy(DefaultFallbackConfig())
	if !policy.IsAvailable("openai") {
		t.Error("an unseen provider should be available")
	}
}

func TestFallbackPolicyOpensCircuitAtThreshold(t *testing.T) {
	cfg := FallbackConfig{CircuitBreakerThreshold: 2, CircuitBreakerTimeout: time.Hour}
	policy := NewFallbackPolicy(cfg)

	policy.RecordFailure("openai", nil)
	if !policy.IsAvailable("openai") {
		t.Fatal("one failure should not open the circuit")
	}
	policy.RecordFailure("openai", nil)
	if policy.IsAvailable("openai") {
		t.Fatal("two failures should open the circuit at threshold=2")
	}
}

func TestFallbackPolicyCircuitRecoversAfterTimeout(t *testing.T) {
	cfg := FallbackConfig{CircuitBreakerThreshold: 1, CircuitBreakerTimeout: 10 * time.Millisecond}
	policy := NewFallbackPolicy(cfg)

	policy.RecordFailure("openai", nil)
	if policy.IsAvailable("openai") {
		t.Fatal("circuit should be open immediately after threshold failure")
	}
	time.Sleep(20 * time.Millisecond)
	if !policy.IsAvailable("openai") {
		t.Fatal("circuit should be available again once the timeout elapses")
	}
}

func TestFallbackPolicyRecordSuccessResetsFailures(t *testing.T) {
	cfg := FallbackConfig{CircuitBreakerThreshold: 2, CircuitBreakerTimeout: time.Hour}
	policy := NewFallbackPolicy(cfg)

	policy.RecordFailure("openai", nil)
	policy.RecordSuccess("openai")
	policy.RecordFailure("openai", nil)
	if !policy.IsAvailable("openai") {
		t.Fatal("RecordSuccess should have reset the failure count below threshold")
	}
}
