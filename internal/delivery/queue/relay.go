package queue

import (
	"errors"
	"log"
	"net/http"

	"github.com/streamrelay/streamrelay/internal/fanout"
	"github.com/streamrelay/streamrelay/internal/model/stream"
	"github.com/streamrelay/streamrelay/internal/registry"
	"github.com/streamrelay/streamrelay/pkg/utils"
)

// Relay is the reference fan-out consumer: it bridges a session's published
// events onto an SSE response, discarding any sequence at or below its
// high-water mark so queue redelivery never surfaces duplicates.
type Relay struct {
	reg *registry.Registry
	bus fanout.Bus
}

func NewRelay(reg *registry.Registry, bus fanout.Bus) *Relay {
	return &Relay{reg: reg, bus: bus}
}

// HandleEvents subscribes to the session's channel and forwards events until
// the terminal event or client disconnect. Fan-out has no replay, so a
// subscriber attaching after tokens passed reconciles through the session's
// current status: if the session is already terminal, only a status event is
// sent.
func (rl *Relay) HandleEvents(w http.ResponseWriter, r *http.Request, sessionID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sess, err := rl.reg.Get(sessionID)
	if errors.Is(err, registry.ErrSessionNotFound) {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "session lookup failed")
		return
	}

	// Subscribe before the terminal check so no event slips between the
	// check and the attach.
	sub, err := rl.bus.Subscribe(r.Context(), sessionID)
	if err != nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "subscribe failed")
		return
	}
	defer sub.Close()

	utils.SetupSSEHeaders(w)

	sess, err = rl.reg.Get(sessionID)
	if err != nil || sess.Status.Terminal() {
		_ = utils.WriteSSE(w, flusher, stream.StatusEvent(sess))
		return
	}

	var highWater uint64
	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if event.Type == stream.EventToken {
				if event.Sequence <= highWater {
					log.Printf("[relay] session %s discarding replayed sequence %d (high-water %d)", sessionID, event.Sequence, highWater)
					continue
				}
				highWater = event.Sequence
			}
			if err := utils.WriteSSE(w, flusher, event); err != nil {
				return
			}
			if event.Type == stream.EventComplete || event.Type == stream.EventError {
				return
			}
		}
	}
}
