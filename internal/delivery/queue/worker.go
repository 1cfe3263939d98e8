package queue

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	"github.com/streamrelay/streamrelay/internal/fanout"
	"github.com/streamrelay/streamrelay/internal/model/stream"
	"github.com/streamrelay/streamrelay/internal/registry"
	"github.com/streamrelay/streamrelay/internal/sequencer"
	"github.com/streamrelay/streamrelay/internal/source"
	"github.com/streamrelay/streamrelay/internal/taskqueue"
)

const (
	defaultMaxAttempts = 3
	defaultBackoff     = 500 * time.Millisecond
	maxBackoffShift    = 6
)

// WorkerConfig bounds the retry budget.
type WorkerConfig struct {
	// MaxAttempts before a task is dead-lettered.
	MaxAttempts int
	// Backoff base delay, doubled per prior attempt.
	Backoff time.Duration
}

// Worker is the processing phase: it dequeues tasks, drives generation, and
// publishes each sequenced token to the fan-out bus. Any number of workers
// may run; the queue hands each task to exactly one at a time.
type Worker struct {
	reg *registry.Registry
	seq *sequencer.Sequencer
	src source.Source
	q   taskqueue.Queue
	bus fanout.Bus

	maxAttempts int
	backoff     time.Duration
}

func NewWorker(reg *registry.Registry, seq *sequencer.Sequencer, src source.Source, q taskqueue.Queue, bus fanout.Bus, cfg WorkerConfig) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	return &Worker{
		reg:         reg,
		seq:         seq,
		src:         src,
		q:           q,
		bus:         bus,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
	}
}

// Run processes tasks until ctx ends. Failures are isolated per task: a bad
// task is retried or dead-lettered, never stalls the loop.
func (w *Worker) Run(ctx context.Context) {
	for {
		delivery, err := w.q.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, taskqueue.ErrClosed) {
				return
			}
			log.Printf("[worker] dequeue failed: %v", err)
			continue
		}
		w.process(ctx, delivery)
	}
}

func (w *Worker) process(ctx context.Context, delivery taskqueue.Delivery) {
	task := delivery.Task()

	if task.Attempts > 0 && !w.sleepBackoff(ctx, task.Attempts) {
		// Shutting down mid-backoff: hand the task back untouched.
		if err := delivery.Nack(context.Background()); err != nil {
			log.Printf("[worker] session %s nack failed: %v", task.SessionID, err)
		}
		return
	}

	sess, err := w.reg.Get(task.SessionID)
	if err != nil || sess.Status.Terminal() {
		// Session evicted or already settled; nothing left to do.
		w.ack(ctx, delivery, task)
		return
	}

	// Redelivery after partial progress replays the same sequence numbers
	// so consumers can discard by high-water mark.
	if sess.LastSequence > 0 {
		if err := w.seq.Reset(task.SessionID); err != nil {
			log.Printf("[worker] session %s: %v", task.SessionID, err)
			w.ack(ctx, delivery, task)
			return
		}
		log.Printf("[worker] session %s sequence reset for redelivery (attempt %d)", task.SessionID, task.Attempts+1)
	}

	if err := w.reg.MarkStreaming(task.SessionID); err != nil {
		log.Printf("[worker] session %s: %v", task.SessionID, err)
		w.ack(ctx, delivery, task)
		return
	}

	if err := w.stream(ctx, task); err != nil {
		w.retry(ctx, delivery, task, err)
		return
	}
	w.ack(ctx, delivery, task)
}

// stream drives the generation source and publishes every sequenced token.
func (w *Worker) stream(ctx context.Context, task taskqueue.Task) error {
	st, err := w.src.Generate(ctx, task.Prompt)
	if err != nil {
		return err
	}
	defer st.Close()

	for {
		frag, recvErr := st.Recv()
		if errors.Is(recvErr, io.EOF) {
			terminal, seqErr := w.seq.Next(task.SessionID, "", true)
			if seqErr != nil {
				return seqErr
			}
			w.publish(ctx, task.SessionID, stream.CompleteEvent(terminal))
			if err := w.reg.Complete(task.SessionID); err != nil {
				log.Printf("[worker] session %s: %v", task.SessionID, err)
			}
			log.Printf("[worker] session %s completed, tokens=%d", task.SessionID, terminal.Sequence-1)
			return nil
		}
		if recvErr != nil {
			return recvErr
		}

		tok, seqErr := w.seq.Next(task.SessionID, frag.Text, false)
		if seqErr != nil {
			return seqErr
		}
		w.publish(ctx, task.SessionID, stream.TokenEvent(tok))
	}
}

// publish is best-effort: fan-out failures are logged, not retried, because
// the queue's redelivery already provides the at-least-once path.
func (w *Worker) publish(ctx context.Context, sessionID string, event stream.Event) {
	if err := w.bus.Publish(ctx, sessionID, event); err != nil {
		log.Printf("[worker] session %s publish failed: %v", sessionID, err)
	}
}

// retry requeues the task or, once the budget is spent, dead-letters it and
// fails the session.
func (w *Worker) retry(ctx context.Context, delivery taskqueue.Delivery, task taskqueue.Task, procErr error) {
	log.Printf("[worker] session %s attempt %d failed: %v", task.SessionID, task.Attempts+1, procErr)

	if errors.Is(procErr, sequencer.ErrSequenceConflict) {
		// Invariant violation, not a transient fault; retrying cannot help.
		w.deadLetter(ctx, delivery, task, procErr)
		return
	}

	if task.Attempts+1 >= w.maxAttempts {
		w.deadLetter(ctx, delivery, task, procErr)
		return
	}

	if err := delivery.Nack(ctx); err != nil {
		log.Printf("[worker] session %s nack failed: %v", task.SessionID, err)
	}
}

func (w *Worker) deadLetter(ctx context.Context, delivery taskqueue.Delivery, task taskqueue.Task, procErr error) {
	reason := source.Reason(procErr)

	if err := w.q.DeadLetter(ctx, task); err != nil {
		log.Printf("[worker] session %s dead-letter failed: %v", task.SessionID, err)
	}
	if err := w.reg.Fail(task.SessionID, reason); err != nil && !errors.Is(err, registry.ErrTerminal) {
		log.Printf("[worker] session %s: %v", task.SessionID, err)
	}
	w.publish(ctx, task.SessionID, stream.ErrorEvent(task.SessionID, reason))
	w.ack(ctx, delivery, task)
	log.Printf("[worker] session %s dead-lettered after %d attempts", task.SessionID, task.Attempts+1)
}

func (w *Worker) ack(ctx context.Context, delivery taskqueue.Delivery, task taskqueue.Task) {
	if err := delivery.Ack(ctx); err != nil {
		log.Printf("[worker] session %s ack failed: %v", task.SessionID, err)
	}
}

func (w *Worker) sleepBackoff(ctx context.Context, attempts int) bool {
	shift := attempts - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(w.backoff << shift):
		return true
	}
}
