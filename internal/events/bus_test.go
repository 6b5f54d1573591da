package events

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ashita-ai/mure/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBusFanOut(t *testing.T) {
	bus := NewBus(testLogger())
	ctx := context.Background()

	ch1 := bus.Subscribe()
	ch2 := bus.Subscribe()

	bus.Publish(ctx, model.Event{Type: model.EventAgentBorn, AgentName: "first", Message: "first was born"})

	for _, ch := range []chan model.Event{ch1, ch2} {
		select {
		case got := <-ch:
			if got.Type != model.EventAgentBorn {
				t.Errorf("got type %q, want %q", got.Type, model.EventAgentBorn)
			}
			if got.Timestamp.IsZero() {
				t.Error("Timestamp should be stamped on publish")
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timed out waiting for event")
		}
	}

	// After unsubscribing ch1, only ch2 receives.
	bus.Unsubscribe(ch1)
	bus.Publish(ctx, model.Event{Type: model.EventAgentDied, AgentName: "first", Message: "first died"})

	select {
	case got := <-ch2:
		if got.Type != model.EventAgentDied {
			t.Errorf("got type %q, want %q", got.Type, model.EventAgentDied)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for event after unsubscribe")
	}

	bus.Unsubscribe(ch2)
}

func TestBusSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(testLogger())
	ctx := context.Background()

	slow := bus.Subscribe()
	fast := bus.Subscribe()

	// Fill the slow subscriber's buffer past capacity.
	for range subscriberBuffer + 1 {
		bus.Publish(ctx, model.Event{Type: model.EventThoughtRecorded, Message: "fill"})
	}

	bus.Publish(ctx, model.Event{Type: model.EventCycleComplete, Message: "after fill"})

	select {
	case <-fast:
		// Fast subscriber keeps receiving.
	case <-time.After(100 * time.Millisecond):
		t.Fatal("fast subscriber should receive events while slow one is full")
	}

	bus.Unsubscribe(slow)
	bus.Unsubscribe(fast)
}

func TestBusMirror(t *testing.T) {
	bus := NewBus(testLogger())

	var gotChannel, gotPayload string
	bus.MirrorTo(func(_ context.Context, channel, payload string) error {
		gotChannel = channel
		gotPayload = payload
		return nil
	}, "mure_events")

	bus.Publish(context.Background(), model.Event{Type: model.EventSettingsUpdated, Message: "settings changed"})

	if gotChannel != "mure_events" {
		t.Errorf("mirror channel = %q, want %q", gotChannel, "mure_events")
	}
	if !strings.Contains(gotPayload, `"type":"settings-updated"`) {
		t.Errorf("mirror payload missing type: %s", gotPayload)
	}
}
