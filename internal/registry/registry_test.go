package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/streamrelay/streamrelay/internal/model/stream"
)

func TestCreateAndGet(t *testing.T) {
	reg := New(Config{})
	ctx := context.Background()

	sess := reg.Create(ctx, "hello")
	if sess.ID == "" {
		t.Fatal("expected non-empty session ID")
	}
	if sess.Status != stream.StatusPending {
		t.Fatalf("expected pending status, got %s", sess.Status)
	}

	got, err := reg.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get err: %v", err)
	}
	if got.ID != sess.ID {
		t.Fatalf("unexpected session ID: got %s want %s", got.ID, sess.ID)
	}
	if got.Prompt != "hello" {
		t.Fatalf("unexpected prompt: %q", got.Prompt)
	}
}

func TestGetNotFound(t *testing.T) {
	reg := New(Config{})
	if _, err := reg.Get("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	reg := New(Config{})
	sess := reg.Create(context.Background(), "p")

	if err := reg.MarkStreaming(sess.ID); err != nil {
		t.Fatalf("MarkStreaming err: %v", err)
	}
	// Re-entering streaming is a no-op for queue redelivery.
	if err := reg.MarkStreaming(sess.ID); err != nil {
		t.Fatalf("MarkStreaming repeat err: %v", err)
	}

	if err := reg.Complete(sess.ID); err != nil {
		t.Fatalf("Complete err: %v", err)
	}

	got, _ := reg.Get(sess.ID)
	if got.Status != stream.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatal("expected CompletedAt to be set")
	}
}

func TestTerminalIsFinal(t *testing.T) {
	reg := New(Config{})
	sess := reg.Create(context.Background(), "p")

	if err := reg.Fail(sess.ID, stream.ReasonUpstreamError); err != nil {
		t.Fatalf("Fail err: %v", err)
	}

	if err := reg.Complete(sess.ID); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal from Complete, got %v", err)
	}
	if err := reg.Fail(sess.ID, stream.ReasonTimeout); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal from second Fail, got %v", err)
	}
	if err := reg.MarkStreaming(sess.ID); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal from MarkStreaming, got %v", err)
	}

	got, _ := reg.Get(sess.ID)
	if got.Reason != stream.ReasonUpstreamError {
		t.Fatalf("first terminal reason must stick, got %s", got.Reason)
	}
}

func TestNextSequenceGapless(t *testing.T) {
	reg := New(Config{})
	sess := reg.Create(context.Background(), "p")

	for want := uint64(1); want <= 5; want++ {
		tok, err := reg.NextSequence(sess.ID, "x", false)
		if err != nil {
			t.Fatalf("NextSequence err: %v", err)
		}
		if tok.Sequence != want {
			t.Fatalf("expected sequence %d, got %d", want, tok.Sequence)
		}
	}

	got, _ := reg.Get(sess.ID)
	if got.LastSequence != 5 {
		t.Fatalf("expected lastSequence 5, got %d", got.LastSequence)
	}
}

func TestNextSequenceRejectedAfterTerminal(t *testing.T) {
	reg := New(Config{})
	sess := reg.Create(context.Background(), "p")

	if _, err := reg.NextSequence(sess.ID, "x", false); err != nil {
		t.Fatalf("NextSequence err: %v", err)
	}
	if err := reg.Complete(sess.ID); err != nil {
		t.Fatalf("Complete err: %v", err)
	}

	if _, err := reg.NextSequence(sess.ID, "y", false); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
}

func TestResetSequence(t *testing.T) {
	reg := New(Config{})
	sess := reg.Create(context.Background(), "p")

	reg.NextSequence(sess.ID, "a", false)
	reg.NextSequence(sess.ID, "b", false)

	if err := reg.ResetSequence(sess.ID); err != nil {
		t.Fatalf("ResetSequence err: %v", err)
	}

	tok, err := reg.NextSequence(sess.ID, "a", false)
	if err != nil {
		t.Fatalf("NextSequence err: %v", err)
	}
	if tok.Sequence != 1 {
		t.Fatalf("expected replayed sequence 1, got %d", tok.Sequence)
	}

	if err := reg.Complete(sess.ID); err != nil {
		t.Fatalf("Complete err: %v", err)
	}
	if err := reg.ResetSequence(sess.ID); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
}

func TestWatchdogFailsOverdueStreaming(t *testing.T) {
	reg := New(Config{MaxStreaming: time.Minute})
	sess := reg.Create(context.Background(), "p")
	if err := reg.MarkStreaming(sess.ID); err != nil {
		t.Fatalf("MarkStreaming err: %v", err)
	}

	reg.sweep(time.Now().Add(2 * time.Minute))

	got, _ := reg.Get(sess.ID)
	if got.Status != stream.StatusError {
		t.Fatalf("expected error status, got %s", got.Status)
	}
	if got.Reason != stream.ReasonTimeout {
		t.Fatalf("expected timeout reason, got %s", got.Reason)
	}
}

func TestSweepEvictsExpiredTerminal(t *testing.T) {
	reg := New(Config{Retention: time.Minute})
	sess := reg.Create(context.Background(), "p")
	if err := reg.Complete(sess.ID); err != nil {
		t.Fatalf("Complete err: %v", err)
	}

	reg.sweep(time.Now().Add(30 * time.Second))
	if reg.Count() != 1 {
		t.Fatal("session evicted before retention expired")
	}

	reg.sweep(time.Now().Add(2 * time.Minute))
	if reg.Count() != 0 {
		t.Fatal("expected session to be evicted after retention")
	}
	if _, err := reg.Get(sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSweepNeverEvictsNonTerminal(t *testing.T) {
	reg := New(Config{Retention: time.Millisecond, MaxStreaming: time.Hour})
	sess := reg.Create(context.Background(), "p")

	reg.sweep(time.Now().Add(24 * time.Hour))
	if _, err := reg.Get(sess.ID); err != nil {
		t.Fatalf("pending session must survive sweeps: %v", err)
	}
}

func TestConcurrentSessionsIsolated(t *testing.T) {
	reg := New(Config{})
	ctx := context.Background()

	const sessions = 8
	const tokens = 50

	ids := make([]string, sessions)
	for i := range ids {
		ids[i] = reg.Create(ctx, "p").ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < tokens; i++ {
				if _, err := reg.NextSequence(id, "x", false); err != nil {
					t.Errorf("NextSequence err: %v", err)
					return
				}
			}
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		got, err := reg.Get(id)
		if err != nil {
			t.Fatalf("Get err: %v", err)
		}
		if got.LastSequence != tokens {
			t.Fatalf("expected lastSequence %d, got %d", tokens, got.LastSequence)
		}
	}
}
