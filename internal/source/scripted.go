package source

import (
	"context"
	"io"
	"time"

	"github.com/streamrelay/streamrelay/internal/model/stream"
)

// Scripted replays a fixed fragment list, optionally failing partway
// through. It backs tests and acts as the dev fallback when no model
// credentials are configured.
type Scripted struct {
	// Fragments delivered in order before completion.
	Fragments []string
	// FailAfter, when >= 0, fails the stream after that many fragments
	// instead of completing.
	FailAfter int
	// FailReason used for the injected failure.
	FailReason string
	// Delay between fragments.
	Delay time.Duration
}

// NewScripted builds a source that emits the given fragments then completes.
func NewScripted(fragments ...string) *Scripted {
	return &Scripted{Fragments: fragments, FailAfter: -1}
}

// NewFailing builds a source that emits after fragments then fails with
// reason instead of completing.
func NewFailing(after int, reason string, fragments ...string) *Scripted {
	return &Scripted{Fragments: fragments, FailAfter: after, FailReason: reason}
}

func (s *Scripted) Generate(ctx context.Context, _ string) (Stream, error) {
	reason := s.FailReason
	if reason == "" {
		reason = stream.ReasonUpstreamError
	}
	return &scriptedStream{
		ctx:       ctx,
		fragments: s.Fragments,
		failAfter: s.FailAfter,
		reason:    reason,
		delay:     s.Delay,
	}, nil
}

type scriptedStream struct {
	ctx       context.Context
	fragments []string
	failAfter int
	reason    string
	delay     time.Duration
	pos       int
}

func (s *scriptedStream) Recv() (Fragment, error) {
	if err := s.ctx.Err(); err != nil {
		return Fragment{}, Classify(s.ctx, err)
	}
	if s.failAfter >= 0 && s.pos >= s.failAfter {
		return Fragment{}, &GenerationError{Reason: s.reason}
	}
	if s.pos >= len(s.fragments) {
		return Fragment{}, io.EOF
	}
	if s.delay > 0 {
		select {
		case <-s.ctx.Done():
			return Fragment{}, Classify(s.ctx, s.ctx.Err())
		case <-time.After(s.delay):
		}
	}
	frag := Fragment{Text: s.fragments[s.pos]}
	s.pos++
	return frag, nil
}

func (s *scriptedStream) Close() {}

// Echo is the credential-free dev source: it streams the prompt back in
// small chunks so every delivery path can be exercised locally.
type Echo struct {
	ChunkSize int
	Delay     time.Duration
}

func NewEcho(delay time.Duration) *Echo {
	return &Echo{ChunkSize: 4, Delay: delay}
}

func (e *Echo) Generate(ctx context.Context, prompt string) (Stream, error) {
	size := e.ChunkSize
	if size <= 0 {
		size = 4
	}

	runes := []rune(prompt)
	fragments := make([]string, 0, len(runes)/size+1)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		fragments = append(fragments, string(runes[start:end]))
	}

	return &scriptedStream{
		ctx:       ctx,
		fragments: fragments,
		failAfter: -1,
		delay:     e.Delay,
	}, nil
}
