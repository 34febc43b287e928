package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBroker is the production broker (spec §4.8, spec stack "event broker
// = github.com/redis/go-redis/v9"): a plain list for due events and a
// sorted set, scored by run-at timestamp, for delayed ones. Grounded on the
// direct-client-call idiom of goadesign-goa-ai's registry.ResultStreamManager
// (Set/Get/Expire straight off *redis.Client, no wrapper abstraction).
type RedisBroker struct {
	client     *redis.Client
	queueKey   string
	delayedKey string
}

// NewRedisBroker builds a RedisBroker over client, namespacing its keys
// under namespace (e.g. the tenant-agnostic gateway instance name).
func NewRedisBroker(client *redis.Client, namespace string) *RedisBroker {
	if namespace == "" {
		namespace = "gateway"
	}
	return &RedisBroker{
		client:     client,
		queueKey:   namespace + ":events:queue",
		delayedKey: namespace + ":events:delayed",
	}
}

func (b *RedisBroker) Enqueue(ctx context.Context, evt Event, delay time.Duration) error {
	raw, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("events: marshal for redis: %w", err)
	}
	if delay <= 0 {
		return b.client.LPush(ctx, b.queueKey, raw).Err()
	}
	runAt := float64(time.Now().Add(delay).UnixMilli())
	return b.client.ZAdd(ctx, b.delayedKey, redis.Z{Score: runAt, Member: raw}).Err()
}

// Run consumes the due-events list with BRPOP and promotes delayed events
// whose run-at has passed on a separate poll loop, until ctx is cancelled.
func (b *RedisBroker) Run(ctx context.Context, dispatch func(context.Context, Event)) {
	go b.promoteDelayedLoop(ctx)

	for {
		if ctx.Err() != nil {
			return
		}
		res, err := b.client.BRPop(ctx, 5*time.Second, b.queueKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		// res[0] is the key name, res[1] the popped value.
		if len(res) < 2 {
			continue
		}
		var evt Event
		if json.Unmarshal([]byte(res[1]), &evt) != nil {
			continue
		}
		dispatch(ctx, evt)
	}
}

func (b *RedisBroker) promoteDelayedLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.promoteDue(ctx)
		}
	}
}

func (b *RedisBroker) promoteDue(ctx context.Context) {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	due, err := b.client.ZRangeByScore(ctx, b.delayedKey, &redis.ZRangeBy{Min: "0", Max: now}).Result()
	if err != nil {
		return
	}
	for _, member := range due {
		removed, err := b.client.ZRem(ctx, b.delayedKey, member).Result()
		if err != nil || removed == 0 {
			continue // another promoter instance already claimed it
		}
		b.client.LPush(ctx, b.queueKey, member)
	}
}
