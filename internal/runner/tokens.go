package runner

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/nexushq/gateway/internal/domain"
)

// tokenEncodingName is the encoding every model is estimated against.
// Per-model BPE tables differ slightly; cl100k_base is close enough for a
// pre-flight budget check, not for billing.
const tokenEncodingName = "cl100k_base"

var (
	tokenEncOnce sync.Once
	tokenEnc     *tiktoken.Tiktoken
	tokenEncErr  error
)

func getTokenEncoding() (*tiktoken.Tiktoken, error) {
	tokenEncOnce.Do(func() {
		tokenEnc, tokenEncErr = tiktoken.GetEncoding(tokenEncodingName)
	})
	return tokenEnc, tokenEncErr
}

// estimatePromptTokens counts the rendered messages' text content, used as a
// pre-flight budget check before a provider call is attempted (spec §4.4:
// requests exceeding a model's context window fail fast with
// entity_too_large rather than after a wasted round trip).
func estimatePromptTokens(messages []domain.Message) (int, error) {
	enc, err := getTokenEncoding()
	if err != nil {
		return 0, fmt.Errorf("runner: load token encoding: %w", err)
	}
	total := 0
	for _, m := range messages {
		total += len(enc.Encode(m.Text(), nil, nil))
	}
	return total, nil
}

// ErrPromptTooLarge is returned by PrepareCompletion when the rendered
// prompt's estimated token count plus the requested output tokens exceeds
// the model's context window.
type ErrPromptTooLarge struct {
	Model          string
	PromptTokens   int
	ContextWindow  int
	RequestedOutput int
}

func (e *ErrPromptTooLarge) Error() string {
	return fmt.Sprintf("runner: prompt (%d tokens) plus requested output (%d tokens) exceeds %s's %d-token context window",
		e.PromptTokens, e.RequestedOutput, e.Model, e.ContextWindow)
}
