// Package events is the colony's in-process event stream. Lifecycle code
// publishes model.Event values to a Bus; the HTTP server bridges them to
// SSE subscribers and, when configured, mirrors them to pg_notify so
// external listeners see the same stream. Delivery is fire-and-forget: a
// slow or absent subscriber never delays the publisher.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/mure/internal/model"
)

// subscriberBuffer bounds how far one subscriber may fall behind before
// events are dropped for it.
const subscriberBuffer = 64

// NotifyFunc mirrors an event payload to an external channel, typically
// storage.DB.Notify over pg_notify.
type NotifyFunc func(ctx context.Context, channel, payload string) error

// Bus fans events out to in-process subscribers. Publish never blocks:
// subscribers with a full buffer miss the event, and a failed external
// mirror is logged and forgotten.
type Bus struct {
	logger *slog.Logger

	notify  NotifyFunc // nil when no external mirror is configured
	channel string

	mu          sync.RWMutex
	subscribers map[chan model.Event]struct{}
}

// NewBus creates a bus without an external mirror.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger:      logger,
		subscribers: make(map[chan model.Event]struct{}),
	}
}

// MirrorTo configures an external sink called once per published event.
// Call before the first Publish.
func (b *Bus) MirrorTo(notify NotifyFunc, channel string) {
	b.notify = notify
	b.channel = channel
}

// Subscribe returns a channel that receives published events. The caller
// must call Unsubscribe when done.
func (b *Bus) Subscribe() chan model.Event {
	ch := make(chan model.Event, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Bus) Unsubscribe(ch chan model.Event) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// Publish stamps and delivers an event to every subscriber, skipping any
// whose buffer is full, then mirrors it externally if a sink is set.
func (b *Bus) Publish(ctx context.Context, e model.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	for ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			// Subscriber buffer full, drop this event for them.
		}
	}
	b.mu.RUnlock()

	if b.notify != nil {
		payload, err := json.Marshal(e)
		if err != nil {
			b.logger.Warn("events: marshal for mirror", "type", e.Type, "error", err)
			return
		}
		if err := b.notify(ctx, b.channel, string(payload)); err != nil {
			b.logger.Warn("events: mirror failed", "type", e.Type, "error", err)
		}
	}
}
