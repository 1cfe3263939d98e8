// Package queue decouples request acceptance from generation: requests are
// durably enqueued, processed by independent workers, and tokens fan out to
// any number of subscribers filtering on the session identifier.
// At-least-once semantics apply end-to-end.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/streamrelay/streamrelay/internal/model/stream"
	"github.com/streamrelay/streamrelay/internal/registry"
	"github.com/streamrelay/streamrelay/internal/taskqueue"
)

// ErrEnqueueFailure means the durable store rejected the task; the session
// is already transitioned to error when this is returned.
var ErrEnqueueFailure = errors.New("enqueue failure")

// Receipt is the immediate response to an accepted request.
type Receipt struct {
	SessionID string        `json:"sessionId"`
	Status    stream.Status `json:"status"`
	Message   string        `json:"message"`
	Timestamp int64         `json:"timestamp"`
}

// Strategy is the enqueue phase.
type Strategy struct {
	reg *registry.Registry
	q   taskqueue.Queue
}

func NewStrategy(reg *registry.Registry, q taskqueue.Queue) *Strategy {
	return &Strategy{reg: reg, q: q}
}

// HandleRequest creates a pending session, durably enqueues its generation
// task, and returns without waiting for generation.
func (s *Strategy) HandleRequest(ctx context.Context, prompt string) (Receipt, error) {
	sess := s.reg.Create(ctx, prompt)

	task := taskqueue.Task{SessionID: sess.ID, Prompt: prompt}
	if err := s.q.Enqueue(ctx, task); err != nil {
		if failErr := s.reg.Fail(sess.ID, stream.ReasonEnqueueFailure); failErr != nil {
			log.Printf("[queue] session %s: %v", sess.ID, failErr)
		}
		return Receipt{}, fmt.Errorf("%w: %v", ErrEnqueueFailure, err)
	}

	log.Printf("[queue] session %s enqueued", sess.ID)
	return Receipt{
		SessionID: sess.ID,
		Status:    stream.StatusPending,
		Message:   "request accepted for processing",
		Timestamp: time.Now().Unix(),
	}, nil
}
