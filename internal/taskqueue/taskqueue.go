// Package taskqueue is the durable queue boundary for queue-decoupled
// delivery. Drivers provide at-least-once semantics: a dequeued task that is
// nacked (or whose holder crashes, for drivers that track in-flight work)
// comes back for another attempt.
package taskqueue

import (
	"context"
	"errors"
)

var (
	ErrClosed = errors.New("queue closed")
	// ErrFull signals backpressure from a bounded driver, not shutdown.
	ErrFull = errors.New("queue full")
)

// Task is one durable generation request.
type Task struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
	// Attempts counts prior failed deliveries of this task.
	Attempts int `json:"attempts"`
}

// Delivery is a dequeued task awaiting acknowledgement.
type Delivery interface {
	Task() Task
	// Ack removes the task from the queue for good.
	Ack(ctx context.Context) error
	// Nack requeues the task with Attempts incremented.
	Nack(ctx context.Context) error
}

// Queue is the durable task store.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	// Dequeue blocks until a task is available or ctx ends.
	Dequeue(ctx context.Context) (Delivery, error)
	// DeadLetter records a task that exhausted its retry budget.
	DeadLetter(ctx context.Context, task Task) error
	Close() error
}
