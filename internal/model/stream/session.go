package stream

import "time"

// Status tracks a session through its lifecycle. Terminal states are final:
// no transition ever leaves completed or error.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Failure reasons recorded on sessions that end in StatusError.
const (
	ReasonUpstreamError  = "upstream-error"
	ReasonTimeout        = "timeout"
	ReasonCancelled      = "cancelled"
	ReasonPeerGone       = "peer-gone"
	ReasonTransport      = "transport-failure"
	ReasonEnqueueFailure = "enqueue-failure"
)

// Session binds a prompt to its eventual terminal outcome.
type Session struct {
	ID           string     `json:"sessionId"`
	Prompt       string     `json:"-"`
	Status       Status     `json:"status"`
	Reason       string     `json:"reason,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	LastSequence uint64     `json:"lastSequence"`
}
