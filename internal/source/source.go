// Package source adapts an external token-generating call into a lazy,
// finite sequence of text fragments. A stream is restartable only by a new
// Generate call and may fail after any number of fragments; a partially
// emitted session is an expected outcome.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/streamrelay/streamrelay/internal/model/stream"
)

// Fragment is one unit of generated text. Streams signal completion with
// io.EOF from Recv, never with an empty fragment.
type Fragment struct {
	Text string
}

// Stream is a pull-based fragment iterator. Recv blocks for the next
// fragment, returns io.EOF after the final one, and returns a
// *GenerationError on failure. Close releases held resources; the producer
// stops within one fragment's worth of latency.
type Stream interface {
	Recv() (Fragment, error)
	Close()
}

// Source starts generation for a prompt.
type Source interface {
	Generate(ctx context.Context, prompt string) (Stream, error)
}

// GenerationError carries the reason code the owning strategy maps to the
// session's terminal error status.
type GenerationError struct {
	Reason string
	Err    error
}

func (e *GenerationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("generation failed: %s", e.Reason)
	}
	return fmt.Sprintf("generation failed (%s): %v", e.Reason, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Classify wraps an upstream failure with its reason code, preferring the
// context's verdict when the caller cancelled or timed out.
func Classify(ctx context.Context, err error) *GenerationError {
	switch {
	case errors.Is(err, context.Canceled) || (ctx != nil && errors.Is(ctx.Err(), context.Canceled)):
		return &GenerationError{Reason: stream.ReasonCancelled, Err: err}
	case errors.Is(err, context.DeadlineExceeded) || (ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded)):
		return &GenerationError{Reason: stream.ReasonTimeout, Err: err}
	default:
		return &GenerationError{Reason: stream.ReasonUpstreamError, Err: err}
	}
}

// Reason extracts the failure reason from err, defaulting to upstream-error.
func Reason(err error) string {
	var gerr *GenerationError
	if errors.As(err, &gerr) {
		return gerr.Reason
	}
	return stream.ReasonUpstreamError
}
