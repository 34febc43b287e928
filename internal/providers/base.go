// Package providers implements the upstream LLM provider adapters: one file
// per provider (Anthropic, OpenAI, Azure OpenAI, Bedrock, Gemini, Groq, XAI,
// Mistral, Fireworks), all satisfying the Provider contract in spec §4.2.
package providers

import (
	"context"
	"time"
)

// BaseProvider holds the retry configuration the adapters share; each adapter
// wraps the upstream call that opens its completion stream in Retry.
type BaseProvider struct {
	name       string
	maxRetries int
	retryDelay time.Duration
}

// NewBaseProvider creates a base provider with sane defaults applied.
func NewBaseProvider(name string, maxRetries int, retryDelay time.Duration) BaseProvider {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return BaseProvider{name: name, maxRetries: maxRetries, retryDelay: retryDelay}
}

func (b BaseProvider) Name() string { return b.name }

// Retry executes op with linear backoff while isRetryable(err) holds.
func (b *BaseProvider) Retry(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	if op == nil {
		return nil
	}
	var lastErr error
	for attempt := 1; attempt <= b.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if isRetryable == nil || !isRetryable(err) {
			return err
		}
		if attempt >= b.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.retryDelay * time.Duration(attempt)):
		}
	}
	return lastErr
}
