// Package events implements the gateway's background-task dispatch layer
// (spec §4.8): a dispatch table from event type to handlers, routed onto a
// broker (Redis-backed in production, in-memory for local/dev and tests),
// with tenant stamping and a retry-once-then-log-never-raise enqueue policy.
// Grounded on the teacher's internal/jobs dispatch-table idiom, generalized
// from job names to gateway event types.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Event types the router dispatches. CompletionRequest drives C7's
// start_experiment_completions fan-out; StoreCompletion and UserConnected
// are spec §4.8's named core jobs.
const (
	TypeCompletionRequest = "completion.request"
	TypeStoreCompletion   = "completion.store"
	TypeUserConnected     = "user.connected"
)

// Event is one routed message. Payload is the handler-specific JSON body;
// TenantUID is stamped by TenantRouter so every handler can scope its work
// without threading tenant context through the broker by hand.
type Event struct {
	Type      string          `json:"type"`
	TenantUID string          `json:"tenant_uid"`
	Payload   json.RawMessage `json:"payload"`
}

// Handler processes one dispatched Event. A returned error is logged by the
// Router's consumer loop; handlers are expected to do their own retries for
// anything retriable, since the broker itself only guarantees at-least-once
// delivery of the enqueue, not of handler success.
type Handler func(ctx context.Context, evt Event) error

// Broker delivers enqueued events back to the Router's dispatch loop,
// optionally after delay. MemoryBroker and RedisBroker both implement it.
type Broker interface {
	Enqueue(ctx context.Context, evt Event, delay time.Duration) error
	// Run starts the broker's consume loop, invoking dispatch for every
	// event it receives, until ctx is cancelled.
	Run(ctx context.Context, dispatch func(context.Context, Event))
}

// Router holds the event_type -> handler dispatch table (spec §4.8). One
// handler per type is the common case; Register overwrites any prior
// registration for the same type, matching a dispatch table rather than a
// pub/sub fan-out.
type Router struct {
	broker   Broker
	handlers map[string]Handler
	log      *slog.Logger
}

// NewRouter builds a Router backed by broker. log defaults to slog.Default().
func NewRouter(broker Broker, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{broker: broker, handlers: make(map[string]Handler), log: log}
}

// Register binds a Handler to an event type.
func (r *Router) Register(eventType string, h Handler) {
	r.handlers[eventType] = h
}

// Run starts the broker's consume loop. Call once, typically from
// cmd/gatewayd, before any Route calls are expected to have their handlers
// actually invoked.
func (r *Router) Run(ctx context.Context) {
	r.broker.Run(ctx, r.dispatch)
}

func (r *Router) dispatch(ctx context.Context, evt Event) {
	h, ok := r.handlers[evt.Type]
	if !ok {
		r.log.WarnContext(ctx, "events: no handler registered", "type", evt.Type)
		return
	}
	if err := h(ctx, evt); err != nil {
		r.log.ErrorContext(ctx, "events: handler failed", "type", evt.Type, "tenant_uid", evt.TenantUID, "error", err)
	}
}

// Route schedules evt on the broker, retrying the enqueue itself once on
// failure. A second failure is logged, never returned to the caller (spec
// §4.8: "any second failure is logged but never raised to the caller").
func (r *Router) Route(ctx context.Context, evt Event, delay time.Duration) {
	err := r.broker.Enqueue(ctx, evt, delay)
	if err == nil {
		return
	}
	r.log.WarnContext(ctx, "events: enqueue failed, retrying once", "type", evt.Type, "error", err)
	if err := r.broker.Enqueue(ctx, evt, delay); err != nil {
		r.log.ErrorContext(ctx, "events: enqueue failed twice, dropping event", "type", evt.Type, "tenant_uid", evt.TenantUID, "error", err)
	}
}

// TenantRouter wraps a Router to stamp TenantUID on every event it routes,
// so callers inside a tenant-scoped request never have to set it by hand
// (spec §4.8: "Tenant-scoped router wraps the system router to stamp
// tenant_uid on every event").
type TenantRouter struct {
	router    *Router
	tenantUID string
}

// ForTenant returns a TenantRouter that stamps tenantUID on every Route call.
func (r *Router) ForTenant(tenantUID string) TenantRouter {
	return TenantRouter{router: r, tenantUID: tenantUID}
}

// Route marshals payload to JSON and routes it under eventType, stamped
// with this TenantRouter's tenant.
func (t TenantRouter) Route(ctx context.Context, eventType string, payload any, delay time.Duration) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal payload for %s: %w", eventType, err)
	}
	t.router.Route(ctx, Event{Type: eventType, TenantUID: t.tenantUID, Payload: raw}, delay)
	return nil
}
