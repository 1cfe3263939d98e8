// Package direct streams tokens over a single live transport held open for
// the duration of generation: no buffering, no replay, at most one consumer.
package direct

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/streamrelay/streamrelay/internal/model/stream"
	"github.com/streamrelay/streamrelay/internal/registry"
	"github.com/streamrelay/streamrelay/internal/sequencer"
	"github.com/streamrelay/streamrelay/internal/source"
	"github.com/streamrelay/streamrelay/pkg/utils"
)

// Handler drives generation fragment-by-fragment onto an SSE response.
type Handler struct {
	reg *registry.Registry
	seq *sequencer.Sequencer
	src source.Source
}

func New(reg *registry.Registry, seq *sequencer.Sequencer, src source.Source) *Handler {
	return &Handler{reg: reg, seq: seq, src: src}
}

// HandleRequest creates a session for the prompt and writes sequenced tokens
// to the response as they are produced. Each write is synchronous, so the
// transport's readiness governs the adapter's pull rate: a slow client
// pauses generation instead of growing a buffer.
func (h *Handler) HandleRequest(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	prompt := r.URL.Query().Get("prompt")
	if prompt == "" {
		utils.RespondError(w, http.StatusBadRequest, "prompt query parameter is required")
		return
	}

	// The request context cancels when the client disconnects, which stops
	// further fragment pulls within one fragment's latency.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := h.reg.Create(ctx, prompt)
	utils.SetupSSEHeaders(w)

	if err := h.reg.MarkStreaming(sess.ID); err != nil {
		log.Printf("[direct] session %s: %v", sess.ID, err)
		return
	}

	st, err := h.src.Generate(ctx, prompt)
	if err != nil {
		h.fail(w, flusher, sess.ID, err, true)
		return
	}
	defer st.Close()

	for {
		frag, recvErr := st.Recv()
		if errors.Is(recvErr, io.EOF) {
			terminal, seqErr := h.seq.Next(sess.ID, "", true)
			if seqErr != nil {
				h.conflict(w, flusher, sess.ID, seqErr)
				return
			}
			_ = utils.WriteSSE(w, flusher, stream.CompleteEvent(terminal))
			if err := h.reg.Complete(sess.ID); err != nil {
				log.Printf("[direct] session %s: %v", sess.ID, err)
			}
			log.Printf("[direct] session %s completed, tokens=%d", sess.ID, terminal.Sequence-1)
			return
		}
		if recvErr != nil {
			h.fail(w, flusher, sess.ID, recvErr, true)
			return
		}

		tok, seqErr := h.seq.Next(sess.ID, frag.Text, false)
		if seqErr != nil {
			// The watchdog may have failed the session mid-stream.
			h.conflict(w, flusher, sess.ID, seqErr)
			return
		}

		if writeErr := utils.WriteSSE(w, flusher, stream.TokenEvent(tok)); writeErr != nil {
			// Transport gone: cancel generation, no further fragments.
			cancel()
			log.Printf("[direct] session %s transport write failed after %d tokens: %v", sess.ID, tok.Sequence, writeErr)
			h.fail(w, flusher, sess.ID, nil, false)
			return
		}
	}
}

// conflict surfaces a session forced terminal out-of-band, typically by the
// streaming watchdog, as the terminal error indication on the still-open
// transport.
func (h *Handler) conflict(w http.ResponseWriter, flusher http.Flusher, sessionID string, seqErr error) {
	log.Printf("[direct] session %s: %v", sessionID, seqErr)
	sess, err := h.reg.Get(sessionID)
	if err != nil || sess.Status != stream.StatusError {
		return
	}
	_ = utils.WriteSSE(w, flusher, stream.ErrorEvent(sessionID, sess.Reason))
}

// fail transitions the session to error and, when the transport is still
// writable, emits the single terminal error indication.
func (h *Handler) fail(w http.ResponseWriter, flusher http.Flusher, sessionID string, genErr error, writable bool) {
	reason := stream.ReasonTransport
	if genErr != nil {
		reason = source.Reason(genErr)
		log.Printf("[direct] session %s generation failed: %v", sessionID, genErr)
	}

	if err := h.reg.Fail(sessionID, reason); err != nil && !errors.Is(err, registry.ErrTerminal) {
		log.Printf("[direct] session %s: %v", sessionID, err)
	}
	if writable {
		_ = utils.WriteSSE(w, flusher, stream.ErrorEvent(sessionID, reason))
	}
}
