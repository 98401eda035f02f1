// Package events implements the process-scoped event bus: two maps of
// subscribers, one keyed by event type alone (service-level) and one
// further scoped by session id, plus a metrics collector that consumes
// every published event. Grounded on the
// teacher's Redis-channel fan-out shape (internal/api/ws/hub.go,
// internal/store/redis/pubsub.go), generalized from cross-process
// WebSocket delivery to in-process subscriber callbacks; an optional
// Redis bridge (PubSub, in pubsub.go) adapts the teacher's client for the
// cases where a subscriber does need to live in another process.
package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/matrix/internal/domain"
)

// Handler receives one published event. Fan-out is non-blocking: the
// bus always invokes handlers on their own goroutine, so a slow or
// blocking handler cannot stall Publish or other subscribers.
type Handler func(ctx context.Context, evt domain.Event)

// Bus is the process-scoped event bus. The zero value is not usable; use
// NewBus.
type Bus struct {
	mu       sync.RWMutex
	service  map[string][]Handler            // eventType -> handlers; "" means all types
	sessions map[string]map[string][]Handler // sessionID -> eventType -> handlers

	metrics *Metrics

	bridge        *PubSub
	bridgeChannel func(domain.Event) string
}

// NewBus builds a Bus wired to record every published event into metrics.
// Pass nil to skip metrics collection.
func NewBus(metrics *Metrics) *Bus {
	return &Bus{
		service:  make(map[string][]Handler),
		sessions: make(map[string]map[string][]Handler),
		metrics:  metrics,
	}
}

// WithRedisBridge fans every published event out to a Redis channel too,
// derived per-event by channelFn (typically SessionChannel keyed off
// evt.Metadata.SessionID). Cross-process subscribers (e.g. a dashboard
// process) then receive the same events this process's in-memory
// subscribers do.
func (b *Bus) WithRedisBridge(ps *PubSub, channelFn func(domain.Event) string) *Bus {
	b.bridge = ps
	b.bridgeChannel = channelFn
	return b
}

// Subscribe registers a service-level handler for one event type, or
// every type if eventType is "". It returns an unsubscribe function.
func (b *Bus) Subscribe(eventType string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.service[eventType] = append(b.service[eventType], h)
	idx := len(b.service[eventType]) - 1

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		handlers := b.service[eventType]
		if idx < len(handlers) {
			handlers[idx] = nil
		}
	}
}

// SubscribeSession registers a handler scoped to one session id and event
// type ("" for every type within that session). It returns an
// unsubscribe function.
func (b *Bus) SubscribeSession(sessionID, eventType string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sessions[sessionID] == nil {
		b.sessions[sessionID] = make(map[string][]Handler)
	}
	b.sessions[sessionID][eventType] = append(b.sessions[sessionID][eventType], h)
	idx := len(b.sessions[sessionID][eventType]) - 1

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		handlers := b.sessions[sessionID][eventType]
		if idx < len(handlers) {
			handlers[idx] = nil
		}
	}
}

// Publish fans evt out to every matching service-level and session-level
// handler, records it in metrics, and (if configured) forwards it to the
// Redis bridge. Implements llm.EventPublisher, memory.EventPublisher, and
// reflection.EventPublisher structurally.
func (b *Bus) Publish(ctx context.Context, evt domain.Event) {
	if b.metrics != nil {
		b.metrics.Observe(evt)
	}

	for _, h := range b.matchingHandlers(evt) {
		go h(ctx, evt)
	}

	if b.bridge != nil {
		b.publishToBridge(ctx, evt)
	}
}

func (b *Bus) matchingHandlers(evt domain.Event) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Handler
	out = append(out, b.service[evt.Type]...)
	out = append(out, b.service[""]...)

	if scoped, ok := b.sessions[evt.Metadata.SessionID]; ok {
		out = append(out, scoped[evt.Type]...)
		out = append(out, scoped[""]...)
	}

	// Drop unsubscribed (nilled) slots without holding the lock for the
	// caller's dispatch loop.
	live := out[:0:0]
	for _, h := range out {
		if h != nil {
			live = append(live, h)
		}
	}
	return live
}

func (b *Bus) publishToBridge(ctx context.Context, evt domain.Event) {
	channel := b.bridgeChannel(evt)
	if err := b.bridge.Publish(ctx, channel, evt); err != nil {
		log.Warn().Err(err).Str("channel", channel).Msg("events.Bus.Publish: redis bridge publish failed")
	}
}
