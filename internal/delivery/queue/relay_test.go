package queue

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/streamrelay/streamrelay/internal/fanout"
	"github.com/streamrelay/streamrelay/internal/model/stream"
	"github.com/streamrelay/streamrelay/internal/registry"
	"github.com/streamrelay/streamrelay/internal/source"
)

func decodeSSE(t *testing.T, body string) []stream.Event {
	t.Helper()
	var events []stream.Event
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event stream.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			t.Fatalf("unmarshal event %q: %v", line, err)
		}
		events = append(events, event)
	}
	return events
}

// signalBus flags when a subscription attaches, so tests can publish only
// after the relay is listening.
type signalBus struct {
	fanout.Bus
	subscribed chan struct{}
}

func (b *signalBus) Subscribe(ctx context.Context, sessionID string) (fanout.Subscription, error) {
	sub, err := b.Bus.Subscribe(ctx, sessionID)
	if err == nil {
		close(b.subscribed)
	}
	return sub, err
}

func TestRelayUnknownSessionNotFound(t *testing.T) {
	reg := registry.New(registry.Config{})
	relay := NewRelay(reg, fanout.NewHub())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/requests/nope/events", nil)
	relay.HandleEvents(rec, req, "nope")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRelayLateSubscriberSeesStatusOnly(t *testing.T) {
	f, worker := newFixture(t, source.NewScripted("He", "llo"), WorkerConfig{Backoff: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	receipt, err := f.strategy.HandleRequest(ctx, "hi")
	if err != nil {
		t.Fatalf("HandleRequest err: %v", err)
	}

	go worker.Run(ctx)
	sess := waitTerminal(t, f.reg, receipt.SessionID)
	if sess.Status != stream.StatusCompleted {
		t.Fatalf("expected completed session, got %s", sess.Status)
	}

	relay := NewRelay(f.reg, f.bus)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/requests/"+receipt.SessionID+"/events", nil)
	relay.HandleEvents(rec, req, receipt.SessionID)

	events := decodeSSE(t, rec.Body.String())
	if len(events) != 1 {
		t.Fatalf("late subscriber must see exactly one event, got %+v", events)
	}
	if events[0].Type != stream.EventStatus || events[0].Status != stream.StatusCompleted {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}

func TestRelayForwardsLiveEventsAndDiscardsReplays(t *testing.T) {
	reg := registry.New(registry.Config{})
	hub := fanout.NewHub()
	bus := &signalBus{Bus: hub, subscribed: make(chan struct{})}
	relay := NewRelay(reg, bus)

	ctx := context.Background()
	sess := reg.Create(ctx, "hi")
	if err := reg.MarkStreaming(sess.ID); err != nil {
		t.Fatalf("MarkStreaming err: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/requests/"+sess.ID+"/events", nil)
	done := make(chan struct{})
	go func() {
		relay.HandleEvents(rec, req, sess.ID)
		close(done)
	}()

	select {
	case <-bus.subscribed:
	case <-time.After(time.Second):
		t.Fatal("relay never subscribed")
	}

	// A redelivery replays from sequence 1; the relay must pass each
	// sequence through once.
	publish := func(event stream.Event) {
		if err := hub.Publish(ctx, sess.ID, event); err != nil {
			t.Fatalf("Publish err: %v", err)
		}
	}
	publish(stream.TokenEvent(stream.Token{SessionID: sess.ID, Sequence: 1, Text: "He"}))
	publish(stream.TokenEvent(stream.Token{SessionID: sess.ID, Sequence: 2, Text: "llo"}))
	publish(stream.TokenEvent(stream.Token{SessionID: sess.ID, Sequence: 1, Text: "He"}))
	publish(stream.TokenEvent(stream.Token{SessionID: sess.ID, Sequence: 2, Text: "llo"}))
	publish(stream.TokenEvent(stream.Token{SessionID: sess.ID, Sequence: 3, Text: "!"}))
	publish(stream.CompleteEvent(stream.Token{SessionID: sess.ID, Sequence: 4, IsComplete: true}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay never finished")
	}

	events := decodeSSE(t, rec.Body.String())
	if len(events) != 4 {
		t.Fatalf("expected 3 tokens and a complete, got %+v", events)
	}
	for i, want := range []uint64{1, 2, 3} {
		if events[i].Type != stream.EventToken || events[i].Sequence != want {
			t.Fatalf("unexpected event %d: %+v", i, events[i])
		}
	}
	if events[3].Type != stream.EventComplete || events[3].TotalTokens != 3 {
		t.Fatalf("unexpected terminal event: %+v", events[3])
	}
}
