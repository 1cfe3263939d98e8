package stream

import "time"

// Event types pushed to consumers across all delivery modes.
const (
	EventToken    = "token"
	EventComplete = "complete"
	EventError    = "error"
	EventStatus   = "status"
)

// Event is the wire envelope for a single token push, the terminal
// completion marker, or a terminal error indication.
type Event struct {
	Type        string `json:"type"`
	SessionID   string `json:"sessionId"`
	Token       string `json:"token,omitempty"`
	Sequence    uint64 `json:"sequence,omitempty"`
	IsComplete  bool   `json:"isComplete,omitempty"`
	TotalTokens uint64 `json:"totalTokens,omitempty"`
	Status      Status `json:"status,omitempty"`
	Error       string `json:"error,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// TokenEvent wraps a sequenced token for delivery.
func TokenEvent(tok Token) Event {
	return Event{
		Type:      EventToken,
		SessionID: tok.SessionID,
		Token:     tok.Text,
		Sequence:  tok.Sequence,
		Timestamp: time.Now().Unix(),
	}
}

// CompleteEvent marks the end of a session's stream. The terminal token's
// sequence is one past the last content token, so total content tokens is
// terminal.Sequence-1.
func CompleteEvent(terminal Token) Event {
	return Event{
		Type:        EventComplete,
		SessionID:   terminal.SessionID,
		Sequence:    terminal.Sequence,
		IsComplete:  true,
		TotalTokens: terminal.Sequence - 1,
		Timestamp:   time.Now().Unix(),
	}
}

// ErrorEvent is the single terminal error indication for a session.
func ErrorEvent(sessionID, message string) Event {
	return Event{
		Type:      EventError,
		SessionID: sessionID,
		Error:     message,
		Timestamp: time.Now().Unix(),
	}
}

// StatusEvent reports a session's current status to a late subscriber.
func StatusEvent(s Session) Event {
	return Event{
		Type:      EventStatus,
		SessionID: s.ID,
		Status:    s.Status,
		Sequence:  s.LastSequence,
		Error:     s.Reason,
		Timestamp: time.Now().Unix(),
	}
}
