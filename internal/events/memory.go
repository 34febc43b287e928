package events

import (
	"context"
	"time"
)

// MemoryBroker is the in-process fallback used when REDIS_DSN is unset,
// grounded on the teacher's storage/memory.go fallback idiom: same role
// (stand in for the real backend in local/dev and tests), different domain.
// Delivery is immediate (delay is honored via time.AfterFunc) and lives only
// as long as the process.
type MemoryBroker struct {
	events chan Event
}

// NewMemoryBroker returns a MemoryBroker with the given channel buffer size.
func NewMemoryBroker(buffer int) *MemoryBroker {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryBroker{events: make(chan Event, buffer)}
}

func (b *MemoryBroker) Enqueue(ctx context.Context, evt Event, delay time.Duration) error {
	if delay <= 0 {
		select {
		case b.events <- evt:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	time.AfterFunc(delay, func() {
		select {
		case b.events <- evt:
		default:
		}
	})
	return nil
}

func (b *MemoryBroker) Run(ctx context.Context, dispatch func(context.Context, Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-b.events:
			dispatch(ctx, evt)
		}
	}
}
