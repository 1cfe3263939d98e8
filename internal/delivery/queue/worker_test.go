package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/streamrelay/streamrelay/internal/fanout"
	"github.com/streamrelay/streamrelay/internal/model/stream"
	"github.com/streamrelay/streamrelay/internal/registry"
	"github.com/streamrelay/streamrelay/internal/sequencer"
	"github.com/streamrelay/streamrelay/internal/source"
	"github.com/streamrelay/streamrelay/internal/taskqueue"
)

type fixture struct {
	reg      *registry.Registry
	seq      *sequencer.Sequencer
	q        *taskqueue.Memory
	bus      *fanout.Hub
	strategy *Strategy
}

func newFixture(t *testing.T, src source.Source, cfg WorkerConfig) (*fixture, *Worker) {
	t.Helper()
	reg := registry.New(registry.Config{})
	seq := sequencer.New(reg)
	q := taskqueue.NewMemory()
	bus := fanout.NewHub()
	t.Cleanup(func() {
		q.Close()
		bus.Close()
	})

	return &fixture{
		reg:      reg,
		seq:      seq,
		q:        q,
		bus:      bus,
		strategy: NewStrategy(reg, q),
	}, NewWorker(reg, seq, src, q, bus, cfg)
}

func waitTerminal(t *testing.T, reg *registry.Registry, sessionID string) stream.Session {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := reg.Get(sessionID)
		if err != nil {
			t.Fatalf("Get err: %v", err)
		}
		if sess.Status.Terminal() {
			return sess
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session never reached a terminal state")
	return stream.Session{}
}

func TestHandleRequestReturnsImmediately(t *testing.T) {
	f, _ := newFixture(t, source.NewScripted("x"), WorkerConfig{})

	receipt, err := f.strategy.HandleRequest(context.Background(), "hi")
	if err != nil {
		t.Fatalf("HandleRequest err: %v", err)
	}
	if receipt.SessionID == "" {
		t.Fatal("expected sessionId in receipt")
	}
	if receipt.Status != stream.StatusPending {
		t.Fatalf("expected pending status, got %s", receipt.Status)
	}

	sess, err := f.reg.Get(receipt.SessionID)
	if err != nil {
		t.Fatalf("Get err: %v", err)
	}
	if sess.Status != stream.StatusPending {
		t.Fatalf("expected pending session before processing, got %s", sess.Status)
	}
}

func TestHandleRequestEnqueueFailure(t *testing.T) {
	f, _ := newFixture(t, source.NewScripted("x"), WorkerConfig{})
	f.q.Close()

	_, err := f.strategy.HandleRequest(context.Background(), "hi")
	if err == nil {
		t.Fatal("expected enqueue failure")
	}
	if f.reg.Count() != 1 {
		t.Fatalf("expected the failed session to remain registered, got %d", f.reg.Count())
	}
}

func TestWorkerPublishesOrderedTokens(t *testing.T) {
	f, worker := newFixture(t, source.NewScripted("He", "llo"), WorkerConfig{Backoff: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	receipt, err := f.strategy.HandleRequest(ctx, "hi")
	if err != nil {
		t.Fatalf("HandleRequest err: %v", err)
	}

	sub, err := f.bus.Subscribe(ctx, receipt.SessionID)
	if err != nil {
		t.Fatalf("Subscribe err: %v", err)
	}
	defer sub.Close()

	go worker.Run(ctx)

	var want uint64 = 1
	for {
		select {
		case event := <-sub.Events():
			switch event.Type {
			case stream.EventToken:
				if event.Sequence != want {
					t.Fatalf("expected sequence %d, got %d", want, event.Sequence)
				}
				want++
			case stream.EventComplete:
				if want != 3 {
					t.Fatalf("expected 2 tokens before complete, saw %d", want-1)
				}
				sess := waitTerminal(t, f.reg, receipt.SessionID)
				if sess.Status != stream.StatusCompleted {
					t.Fatalf("expected completed session, got %s", sess.Status)
				}
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
}

// flakySource fails partway through its first attempt and succeeds on
// subsequent ones, modelling a worker crash after partial progress.
type flakySource struct {
	mu        sync.Mutex
	attempts  int
	failAfter int
	fragments []string
}

func (s *flakySource) Generate(ctx context.Context, prompt string) (source.Stream, error) {
	s.mu.Lock()
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()

	if attempt == 1 {
		return source.NewFailing(s.failAfter, stream.ReasonUpstreamError, s.fragments...).Generate(ctx, prompt)
	}
	return source.NewScripted(s.fragments...).Generate(ctx, prompt)
}

func TestRedeliveryProducesNoDuplicatesPastHighWaterMark(t *testing.T) {
	src := &flakySource{failAfter: 2, fragments: []string{"He", "llo", "!"}}
	f, worker := newFixture(t, src, WorkerConfig{MaxAttempts: 3, Backoff: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	receipt, err := f.strategy.HandleRequest(ctx, "hi")
	if err != nil {
		t.Fatalf("HandleRequest err: %v", err)
	}

	sub, err := f.bus.Subscribe(ctx, receipt.SessionID)
	if err != nil {
		t.Fatalf("Subscribe err: %v", err)
	}
	defer sub.Close()

	go worker.Run(ctx)

	// Consume with the documented high-water-mark discard rule.
	var highWater uint64
	var observed []string
	for {
		select {
		case event := <-sub.Events():
			switch event.Type {
			case stream.EventToken:
				if event.Sequence <= highWater {
					continue
				}
				highWater = event.Sequence
				observed = append(observed, event.Token)
			case stream.EventComplete:
				if len(observed) != 3 {
					t.Fatalf("expected exactly 3 unique tokens, got %v", observed)
				}
				for i, want := range []string{"He", "llo", "!"} {
					if observed[i] != want {
						t.Fatalf("unexpected token order: %v", observed)
					}
				}
				sess := waitTerminal(t, f.reg, receipt.SessionID)
				if sess.Status != stream.StatusCompleted {
					t.Fatalf("expected completed session, got %s", sess.Status)
				}
				if len(f.q.DeadLetters()) != 0 {
					t.Fatalf("unexpected dead letters: %+v", f.q.DeadLetters())
				}
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
}

func TestRetriesExhaustedDeadLettersOnce(t *testing.T) {
	src := source.NewFailing(0, stream.ReasonUpstreamError)
	f, worker := newFixture(t, src, WorkerConfig{MaxAttempts: 2, Backoff: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	receipt, err := f.strategy.HandleRequest(ctx, "hi")
	if err != nil {
		t.Fatalf("HandleRequest err: %v", err)
	}

	sub, err := f.bus.Subscribe(ctx, receipt.SessionID)
	if err != nil {
		t.Fatalf("Subscribe err: %v", err)
	}
	defer sub.Close()

	go worker.Run(ctx)

	sess := waitTerminal(t, f.reg, receipt.SessionID)
	if sess.Status != stream.StatusError {
		t.Fatalf("expected error session, got %s", sess.Status)
	}
	if sess.Reason != stream.ReasonUpstreamError {
		t.Fatalf("expected upstream-error reason, got %s", sess.Reason)
	}

	dead := f.q.DeadLetters()
	if len(dead) != 1 {
		t.Fatalf("expected exactly one dead letter, got %d", len(dead))
	}
	if dead[0].SessionID != receipt.SessionID {
		t.Fatalf("dead letter for wrong session: %+v", dead[0])
	}

	select {
	case event := <-sub.Events():
		if event.Type != stream.EventError {
			t.Fatalf("expected error event, got %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("expected terminal error event on the bus")
	}
}

func TestStaleTaskForTerminalSessionAcked(t *testing.T) {
	f, worker := newFixture(t, source.NewScripted("x"), WorkerConfig{Backoff: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	receipt, err := f.strategy.HandleRequest(ctx, "hi")
	if err != nil {
		t.Fatalf("HandleRequest err: %v", err)
	}
	if err := f.reg.Fail(receipt.SessionID, stream.ReasonTimeout); err != nil {
		t.Fatalf("Fail err: %v", err)
	}

	go worker.Run(ctx)

	// The task must be dropped without dead-lettering or publishing.
	time.Sleep(100 * time.Millisecond)
	if len(f.q.DeadLetters()) != 0 {
		t.Fatalf("stale task must not be dead-lettered: %+v", f.q.DeadLetters())
	}
	sess, _ := f.reg.Get(receipt.SessionID)
	if sess.LastSequence != 0 {
		t.Fatalf("stale task must not be sequenced, lastSequence=%d", sess.LastSequence)
	}
}
