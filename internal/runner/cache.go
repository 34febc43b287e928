package runner

import (
	"context"

	"github.com/nexushq/gateway/internal/domain"
)

// NopCache is the zero-value CompletionCache: every lookup misses. Used when
// a Runner is built without a storage-backed cache wired in.
type NopCache struct{}

func (NopCache) Lookup(ctx context.Context, versionID, inputID string) (*domain.AgentCompletion, bool, error) {
	return nil, false, nil
}
