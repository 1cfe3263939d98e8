package sequencer

import (
	"errors"
	"fmt"
	"log"

	"github.com/streamrelay/streamrelay/internal/model/stream"
	"github.com/streamrelay/streamrelay/internal/registry"
)

// ErrSequenceConflict signals an attempt to sequence a token for a session
// that already reached a terminal state. This is an invariant violation in
// the caller, never expected in correct operation.
var ErrSequenceConflict = errors.New("sequence conflict")

// Sequencer assigns gapless, strictly increasing per-session sequence
// numbers. It is a thin layer over the registry so the assignment and the
// session's lastSequence update are a single atomic step.
type Sequencer struct {
	reg *registry.Registry
}

func New(reg *registry.Registry) *Sequencer {
	return &Sequencer{reg: reg}
}

// Next sequences one outgoing fragment. isComplete marks the terminal token,
// which is the only token allowed to carry empty text.
func (s *Sequencer) Next(sessionID, text string, isComplete bool) (stream.Token, error) {
	tok, err := s.reg.NextSequence(sessionID, text, isComplete)
	if errors.Is(err, registry.ErrTerminal) {
		log.Printf("[sequencer] conflict: token sequenced for terminal session %s", sessionID)
		return stream.Token{}, fmt.Errorf("%w: session %s", ErrSequenceConflict, sessionID)
	}
	if err != nil {
		return stream.Token{}, err
	}
	return tok, nil
}

// Reset rewinds a session's sequence so a queue redelivery replays the same
// numbers, letting consumers discard by high-water mark.
func (s *Sequencer) Reset(sessionID string) error {
	return s.reg.ResetSequence(sessionID)
}
