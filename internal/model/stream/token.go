package stream

// Token is a sequenced unit of generated output. Sequence numbers are
// gapless and strictly increasing within a session, starting at 1. The
// terminal token carries IsComplete=true and may carry empty text.
type Token struct {
	SessionID  string `json:"sessionId"`
	Sequence   uint64 `json:"sequence"`
	Text       string `json:"text"`
	IsComplete bool   `json:"isComplete"`
}
