package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"gameforge/internal/logging"
)

// ErrNotSubscribed is returned by Unsubscribe when the id is not registered for the type.
var ErrNotSubscribed = errors.New("handler not subscribed")

// Handler receives emitted events. A returned error is logged by the bus and never propagated.
type Handler func(ctx context.Context, evt Event) error

// SubscriptionID identifies one registration made with Subscribe.
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	handler Handler
}

// BusConfig configures a Bus.
type BusConfig struct {
	Logger *slog.Logger
	Now    func() time.Time
}

// Bus is a synchronous publish/subscribe registry with an append-only history.
// Each pipeline run owns its own Bus.
type Bus struct {
	mu       sync.Mutex
	subs     map[EventType][]subscription
	history  []Event
	nextID   SubscriptionID
	seq      int64
	failures int
	now      func() time.Time
	logger   *slog.Logger
}

// NewBus returns an empty bus.
func NewBus(cfg BusConfig) *Bus {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Bus{
		subs:   make(map[EventType][]subscription),
		now:    now,
		logger: logger,
	}
}

// Subscribe registers h for t. Handlers of one type run in registration order.
func (b *Bus) Subscribe(t EventType, h Handler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[t] = append(b.subs[t], subscription{id: id, handler: h})
	return id
}

// SubscribeAll registers h for every type in the taxonomy and returns the ids in taxonomy order.
func (b *Bus) SubscribeAll(h Handler) []SubscriptionID {
	ids := make([]SubscriptionID, 0, len(taxonomy))
	for _, t := range taxonomy {
		ids = append(ids, b.Subscribe(t, h))
	}
	return ids
}

// Unsubscribe removes a registration. It returns ErrNotSubscribed when id is not registered for t.
func (b *Bus) Unsubscribe(t EventType, id SubscriptionID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[t]
	for i, s := range subs {
		if s.id == id {
			b.subs[t] = append(subs[:i:i], subs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s #%d", ErrNotSubscribed, t, id)
}

// Emit records evt in history and then invokes every handler subscribed to its type.
// Handler errors and panics are logged and counted; the remaining handlers still run.
// The stored event is returned.
func (b *Bus) Emit(ctx context.Context, evt Event) Event {
	b.mu.Lock()
	b.seq++
	evt.Seq = b.seq
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.now().UTC()
	}
	if evt.Payload == nil {
		evt.Payload = Payload{}
	} else {
		evt.Payload = maps.Clone(evt.Payload)
	}
	b.history = append(b.history, evt)
	subs := make([]subscription, len(b.subs[evt.Type]))
	copy(subs, b.subs[evt.Type])
	b.mu.Unlock()

	for _, s := range subs {
		if err := invoke(ctx, s.handler, evt); err != nil {
			b.mu.Lock()
			b.failures++
			b.mu.Unlock()
			b.logger.WarnContext(ctx, "event handler failed",
				slog.String("type", string(evt.Type)),
				slog.Int64("seq", evt.Seq),
				slog.Uint64("subscription", uint64(s.id)),
				slog.String("error", err.Error()))
		}
	}
	return evt
}

func invoke(ctx context.Context, h Handler, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, evt)
}

// History returns a copy of the log in emission order. When filter is given only
// events of those types are returned.
func (b *Bus) History(filter ...EventType) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, 0, len(b.history))
	for _, evt := range b.history {
		if len(filter) > 0 && !matches(evt.Type, filter) {
			continue
		}
		evt.Payload = maps.Clone(evt.Payload)
		out = append(out, evt)
	}
	return out
}

func matches(t EventType, filter []EventType) bool {
	for _, f := range filter {
		if f == t {
			return true
		}
	}
	return false
}

// Len is the number of events recorded so far.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.history)
}

// HandlerFailures is the number of handler invocations that returned an error or panicked.
func (b *Bus) HandlerFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// ClearHistory empties the log. Only tests should need this; a run gets a fresh bus.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
}
