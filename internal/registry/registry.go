package registry

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streamrelay/streamrelay/internal/model/stream"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTerminal        = errors.New("session already terminal")
)

const (
	defaultRetention    = 5 * time.Minute
	defaultMaxStreaming = 2 * time.Minute
	sweepInterval       = time.Second
)

// Config bounds session lifetimes.
type Config struct {
	// Retention keeps terminal sessions readable for this long past
	// CompletedAt before eviction.
	Retention time.Duration
	// MaxStreaming forcibly fails sessions that stay in streaming longer
	// than this, with reason timeout.
	MaxStreaming time.Duration
}

// Registry is the single source of truth for session status. Mutations are
// exclusive per session: updates to one session never block another.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	retention    time.Duration
	maxStreaming time.Duration
}

type entry struct {
	mu             sync.Mutex
	session        stream.Session
	streamingSince time.Time
}

// New bootstraps an empty registry.
func New(cfg Config) *Registry {
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.MaxStreaming <= 0 {
		cfg.MaxStreaming = defaultMaxStreaming
	}
	return &Registry{
		sessions:     make(map[string]*entry),
		retention:    cfg.Retention,
		maxStreaming: cfg.MaxStreaming,
	}
}

// Create provisions a session in pending state.
func (r *Registry) Create(_ context.Context, prompt string) stream.Session {
	session := stream.Session{
		ID:        uuid.NewString(),
		Prompt:    prompt,
		Status:    stream.StatusPending,
		CreatedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	r.sessions[session.ID] = &entry{session: session}
	r.mu.Unlock()

	return session
}

// Get returns a snapshot of the session consistent with the last completed
// write.
func (r *Registry) Get(sessionID string) (stream.Session, error) {
	e, err := r.entry(sessionID)
	if err != nil {
		return stream.Session{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session, nil
}

// MarkStreaming transitions pending -> streaming. Calling it again while the
// session is still streaming is a no-op, so queue redelivery can re-enter.
func (r *Registry) MarkStreaming(sessionID string) error {
	e, err := r.entry(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.Status.Terminal() {
		return ErrTerminal
	}
	if e.session.Status == stream.StatusStreaming {
		return nil
	}
	e.session.Status = stream.StatusStreaming
	e.streamingSince = time.Now()
	return nil
}

// Complete transitions the session to its completed terminal state.
func (r *Registry) Complete(sessionID string) error {
	return r.finish(sessionID, stream.StatusCompleted, "")
}

// Fail transitions the session to its error terminal state with a reason.
func (r *Registry) Fail(sessionID, reason string) error {
	return r.finish(sessionID, stream.StatusError, reason)
}

func (r *Registry) finish(sessionID string, status stream.Status, reason string) error {
	e, err := r.entry(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.Status.Terminal() {
		return ErrTerminal
	}
	now := time.Now().UTC()
	e.session.Status = status
	e.session.Reason = reason
	e.session.CompletedAt = &now
	return nil
}

// NextSequence atomically assigns lastSequence+1 and records it on the
// session. Rejected once the session is terminal.
func (r *Registry) NextSequence(sessionID, text string, isComplete bool) (stream.Token, error) {
	e, err := r.entry(sessionID)
	if err != nil {
		return stream.Token{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.Status.Terminal() {
		return stream.Token{}, ErrTerminal
	}
	e.session.LastSequence++
	return stream.Token{
		SessionID:  sessionID,
		Sequence:   e.session.LastSequence,
		Text:       text,
		IsComplete: isComplete,
	}, nil
}

// ResetSequence rewinds lastSequence to zero so a redelivered task re-emits
// the same sequence numbers. Only valid while non-terminal.
func (r *Registry) ResetSequence(sessionID string) error {
	e, err := r.entry(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.Status.Terminal() {
		return ErrTerminal
	}
	e.session.LastSequence = 0
	return nil
}

// Count reports live sessions, terminal-but-retained included.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Run drives the streaming watchdog and retention sweep until ctx ends.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

// sweep fails overdue streaming sessions and evicts expired terminal ones.
func (r *Registry) sweep(now time.Time) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var evict []string
	for _, id := range ids {
		e, err := r.entry(id)
		if err != nil {
			continue
		}

		e.mu.Lock()
		switch {
		case e.session.Status == stream.StatusStreaming && now.Sub(e.streamingSince) > r.maxStreaming:
			ts := now.UTC()
			e.session.Status = stream.StatusError
			e.session.Reason = stream.ReasonTimeout
			e.session.CompletedAt = &ts
			log.Printf("[registry] session %s exceeded max streaming duration, failed with timeout", id)
		case e.session.Status.Terminal() && e.session.CompletedAt != nil && now.Sub(*e.session.CompletedAt) > r.retention:
			evict = append(evict, id)
		}
		e.mu.Unlock()
	}

	if len(evict) == 0 {
		return
	}
	r.mu.Lock()
	for _, id := range evict {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	log.Printf("[registry] evicted %d terminal sessions", len(evict))
}

func (r *Registry) entry(sessionID string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e, nil
}
