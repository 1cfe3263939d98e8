package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/streamrelay/streamrelay/internal/auth"
	"github.com/streamrelay/streamrelay/internal/delivery/connection"
	"github.com/streamrelay/streamrelay/internal/delivery/direct"
	queuedelivery "github.com/streamrelay/streamrelay/internal/delivery/queue"
	middlewarePkg "github.com/streamrelay/streamrelay/internal/middleware"
	"github.com/streamrelay/streamrelay/internal/registry"
	"github.com/streamrelay/streamrelay/pkg/utils"
)

// startRequest is the queue-decoupled start mutation body.
type startRequest struct {
	Prompt string `json:"prompt"`
}

// NewRouter wires the three delivery strategies onto HTTP routes.
func NewRouter(verifier auth.Verifier, directH *direct.Handler, gateway *connection.Gateway, strategy *queuedelivery.Strategy, relay *queuedelivery.Relay, reg *registry.Registry) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Route("/api", func(api chi.Router) {
		// Websocket auth happens inside the gateway (query-parameter
		// token), so the connection route sits outside the middleware.
		api.Get("/ws", gateway.HandleWebSocket)

		api.Group(func(gated chi.Router) {
			gated.Use(auth.Middleware(verifier))

			// Direct delivery: one live SSE transport per request.
			gated.Get("/stream", directH.HandleRequest)

			// Queue delivery: accept now, process later.
			gated.Post("/requests", func(w http.ResponseWriter, r *http.Request) {
				var req startRequest
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					utils.RespondError(w, http.StatusBadRequest, "invalid JSON body")
					return
				}
				if req.Prompt == "" {
					utils.RespondError(w, http.StatusBadRequest, "prompt is required")
					return
				}

				receipt, err := strategy.HandleRequest(r.Context(), req.Prompt)
				if err != nil {
					utils.RespondError(w, http.StatusServiceUnavailable, "request could not be enqueued")
					return
				}
				utils.RespondJSON(w, http.StatusAccepted, receipt)
			})

			// Out-of-band status surface; late subscribers reconcile here.
			gated.Get("/requests/{sessionID}", func(w http.ResponseWriter, r *http.Request) {
				sessionID := chi.URLParam(r, "sessionID")
				sess, err := reg.Get(sessionID)
				if errors.Is(err, registry.ErrSessionNotFound) {
					utils.RespondError(w, http.StatusNotFound, "session not found")
					return
				}
				if err != nil {
					utils.RespondError(w, http.StatusInternalServerError, "session lookup failed")
					return
				}
				utils.RespondJSON(w, http.StatusOK, sess)
			})

			// Fan-out subscriber bridged to SSE.
			gated.Get("/requests/{sessionID}/events", func(w http.ResponseWriter, r *http.Request) {
				relay.HandleEvents(w, r, chi.URLParam(r, "sessionID"))
			})
		})
	})

	return r
}
