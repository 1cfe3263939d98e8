package fanout

import (
	"context"
	"sync"

	"github.com/streamrelay/streamrelay/internal/model/stream"
)

const subscriberBuffer = 64

// Hub is the single-replica bus: a map of session key to subscriber
// channels. Publishes never block; a full subscriber drops the event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*hubSub]struct{}
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*hubSub]struct{})}
}

func (h *Hub) Publish(_ context.Context, sessionID string, event stream.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}

	for sub := range h.subs[sessionID] {
		select {
		case sub.events <- event:
		default:
			// Best-effort: slow subscribers lose events rather than
			// stalling the publisher.
		}
	}
	return nil
}

func (h *Hub) Subscribe(_ context.Context, sessionID string) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	sub := &hubSub{
		hub:       h,
		sessionID: sessionID,
		events:    make(chan stream.Event, subscriberBuffer),
	}
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[*hubSub]struct{})
	}
	h.subs[sessionID][sub] = struct{}{}
	return sub, nil
}

func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for _, subs := range h.subs {
		for sub := range subs {
			close(sub.events)
		}
	}
	h.subs = nil
	return nil
}

type hubSub struct {
	hub       *Hub
	sessionID string
	events    chan stream.Event
	once      sync.Once
}

func (s *hubSub) Events() <-chan stream.Event { return s.events }

func (s *hubSub) Close() error {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		if s.hub.closed {
			return
		}
		delete(s.hub.subs[s.sessionID], s)
		if len(s.hub.subs[s.sessionID]) == 0 {
			delete(s.hub.subs, s.sessionID)
		}
		close(s.events)
	})
	return nil
}
