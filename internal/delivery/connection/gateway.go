// Package connection delivers tokens over long-lived websocket connections.
// A connection may pre-exist the generation request and outlive a session:
// it accepts a start command, receives an out-of-band push of the session's
// tokens, and can be reused once the session reaches a terminal state.
package connection

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/streamrelay/streamrelay/internal/auth"
	"github.com/streamrelay/streamrelay/internal/model/stream"
	"github.com/streamrelay/streamrelay/internal/registry"
	"github.com/streamrelay/streamrelay/internal/sequencer"
	"github.com/streamrelay/streamrelay/internal/source"
)

// ErrSessionAlreadyActive rejects a second start command while a session is
// still non-terminal on the connection.
var ErrSessionAlreadyActive = errors.New("session already active")

// ErrPeerGone means the connection for a session closed before the push.
var ErrPeerGone = errors.New("peer gone")

const (
	readDeadline = 60 * time.Second
	pingInterval = 54 * time.Second
	outBuffer    = 64
)

// Command is the inbound start request: {action:"stream", prompt}.
type Command struct {
	Action string `json:"action"`
	Prompt string `json:"prompt"`
}

type greeting struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	Timestamp    int64  `json:"timestamp"`
}

// Gateway owns the live connection registry and routes sequenced tokens to
// the connection associated with each session.
type Gateway struct {
	reg      *registry.Registry
	seq      *sequencer.Sequencer
	src      source.Source
	verifier auth.Verifier
	upgrader websocket.Upgrader

	mu        sync.RWMutex
	conns     map[string]*conn
	bySession map[string]*conn
}

type conn struct {
	id string

	mu        sync.Mutex
	closed    bool
	sessionID string
	cancel    context.CancelFunc

	// out decouples the push path from websocket write mechanics; the
	// write pump is the only goroutine touching the socket for writes.
	out chan stream.Event
}

func NewGateway(reg *registry.Registry, seq *sequencer.Sequencer, src source.Source, verifier auth.Verifier) *Gateway {
	return &Gateway{
		reg:      reg,
		seq:      seq,
		src:      src,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns:     make(map[string]*conn),
		bySession: make(map[string]*conn),
	}
}

// HandleWebSocket upgrades the request and runs the connection until the
// peer goes away. Credentials ride the token query parameter because
// websocket clients cannot set headers after the handshake begins.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if g.verifier != nil {
		credential := auth.Credential(r)
		if credential == "" {
			http.Error(w, "credential required", http.StatusUnauthorized)
			return
		}
		if _, err := g.verifier.Verify(r.Context(), credential); err != nil {
			log.Printf("[ws] rejected connection: %v", err)
			http.Error(w, "credential rejected", http.StatusUnauthorized)
			return
		}
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// disconnect runs before the deferred cancel so a dropped peer is
	// recorded as peer-gone, not as a plain cancellation.
	c := g.register()
	defer g.disconnect(c)
	log.Printf("[ws] connection %s established", c.id)

	if err := ws.WriteJSON(greeting{Type: "connected", ConnectionID: c.id, Timestamp: time.Now().Unix()}); err != nil {
		log.Printf("[ws] connection %s greeting failed: %v", c.id, err)
		return
	}

	go g.writePump(ctx, cancel, ws, c)

	ws.SetReadDeadline(time.Now().Add(readDeadline))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		var cmd Command
		if err := ws.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[ws] connection %s read error: %v", c.id, err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(readDeadline))

		if cmd.Action != "stream" {
			g.pushEvent(c, stream.ErrorEvent("", "unsupported action: "+cmd.Action))
			continue
		}
		if cmd.Prompt == "" {
			g.pushEvent(c, stream.ErrorEvent("", "prompt is required"))
			continue
		}

		// Rejections carry no sessionId: the active session's stream is
		// undisturbed and must not look like it failed.
		if err := g.onCommand(ctx, c, cmd.Prompt); err != nil {
			g.pushEvent(c, stream.ErrorEvent("", err.Error()))
		}
	}
}

// register assigns a connection identifier and adds the connection to the
// live registry.
func (g *Gateway) register() *conn {
	c := &conn{
		id:  uuid.NewString(),
		out: make(chan stream.Event, outBuffer),
	}
	g.mu.Lock()
	g.conns[c.id] = c
	g.mu.Unlock()
	return c
}

// onCommand validates the connection, creates a session bound to it, and
// starts generation off the caller's path.
func (g *Gateway) onCommand(ctx context.Context, c *conn, prompt string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrPeerGone
	}
	if c.sessionID != "" {
		active, err := g.reg.Get(c.sessionID)
		if err == nil && !active.Status.Terminal() {
			c.mu.Unlock()
			return ErrSessionAlreadyActive
		}
	}
	c.mu.Unlock()

	sess := g.reg.Create(ctx, prompt)
	genCtx, genCancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.sessionID = sess.ID
	c.cancel = genCancel
	c.mu.Unlock()

	g.mu.Lock()
	g.bySession[sess.ID] = c
	g.mu.Unlock()

	log.Printf("[ws] connection %s started session %s", c.id, sess.ID)
	go g.run(genCtx, sess.ID, prompt)
	return nil
}

// run drives generation for one session and pushes sequenced tokens to the
// associated connection.
func (g *Gateway) run(ctx context.Context, sessionID, prompt string) {
	if err := g.reg.MarkStreaming(sessionID); err != nil {
		log.Printf("[ws] session %s: %v", sessionID, err)
		return
	}

	st, err := g.src.Generate(ctx, prompt)
	if err != nil {
		g.finishError(sessionID, err)
		return
	}
	defer st.Close()

	for {
		frag, recvErr := st.Recv()
		if errors.Is(recvErr, io.EOF) {
			terminal, seqErr := g.seq.Next(sessionID, "", true)
			if seqErr != nil {
				g.conflict(sessionID, seqErr)
				return
			}
			g.push(sessionID, stream.CompleteEvent(terminal))
			if err := g.reg.Complete(sessionID); err != nil {
				log.Printf("[ws] session %s: %v", sessionID, err)
			}
			g.clearAssociation(sessionID)
			log.Printf("[ws] session %s completed, tokens=%d", sessionID, terminal.Sequence-1)
			return
		}
		if recvErr != nil {
			g.finishError(sessionID, recvErr)
			return
		}

		tok, seqErr := g.seq.Next(sessionID, frag.Text, false)
		if seqErr != nil {
			g.conflict(sessionID, seqErr)
			return
		}
		if pushErr := g.push(sessionID, stream.TokenEvent(tok)); pushErr != nil {
			// No open connection for the session: drop the token, fail the
			// session, stop pulling fragments.
			log.Printf("[ws] session %s peer gone after %d tokens", sessionID, tok.Sequence)
			if err := g.reg.Fail(sessionID, stream.ReasonPeerGone); err != nil && !errors.Is(err, registry.ErrTerminal) {
				log.Printf("[ws] session %s: %v", sessionID, err)
			}
			g.clearAssociation(sessionID)
			return
		}
	}
}

// conflict pushes the terminal error indication for a session forced
// terminal out-of-band, typically by the streaming watchdog, so the peer is
// not left waiting for a marker that never comes.
func (g *Gateway) conflict(sessionID string, seqErr error) {
	log.Printf("[ws] session %s: %v", sessionID, seqErr)
	if sess, err := g.reg.Get(sessionID); err == nil && sess.Status == stream.StatusError {
		g.push(sessionID, stream.ErrorEvent(sessionID, sess.Reason))
	}
	g.clearAssociation(sessionID)
}

func (g *Gateway) finishError(sessionID string, genErr error) {
	reason := source.Reason(genErr)
	log.Printf("[ws] session %s generation failed: %v", sessionID, genErr)
	if err := g.reg.Fail(sessionID, reason); err != nil && !errors.Is(err, registry.ErrTerminal) {
		log.Printf("[ws] session %s: %v", sessionID, err)
	}
	g.push(sessionID, stream.ErrorEvent(sessionID, reason))
	g.clearAssociation(sessionID)
}

// push routes an event to the open connection associated with sessionID.
func (g *Gateway) push(sessionID string, event stream.Event) error {
	g.mu.RLock()
	c := g.bySession[sessionID]
	g.mu.RUnlock()
	if c == nil {
		return ErrPeerGone
	}
	return g.pushEvent(c, event)
}

func (g *Gateway) pushEvent(c *conn, event stream.Event) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrPeerGone
	}

	select {
	case c.out <- event:
		return nil
	default:
		// The write pump stalled long enough to fill the buffer; treat the
		// peer as gone rather than blocking the generation path.
		return ErrPeerGone
	}
}

// clearAssociation releases the session slot so the connection can accept a
// new start command.
func (g *Gateway) clearAssociation(sessionID string) {
	g.mu.Lock()
	c := g.bySession[sessionID]
	delete(g.bySession, sessionID)
	g.mu.Unlock()
	if c == nil {
		return
	}

	c.mu.Lock()
	if c.sessionID == sessionID {
		c.sessionID = ""
		c.cancel = nil
	}
	c.mu.Unlock()
}

// disconnect marks the connection closed, cancels any in-flight generation,
// and fails its still-streaming session.
func (g *Gateway) disconnect(c *conn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sessionID := c.sessionID
	cancel := c.cancel
	c.mu.Unlock()

	g.mu.Lock()
	delete(g.conns, c.id)
	if sessionID != "" {
		delete(g.bySession, sessionID)
	}
	g.mu.Unlock()

	// Fail before cancelling so the terminal reason is peer-gone; the
	// generation goroutine's own failure then hits the terminal guard.
	if sessionID != "" {
		if err := g.reg.Fail(sessionID, stream.ReasonPeerGone); err != nil && !errors.Is(err, registry.ErrTerminal) {
			log.Printf("[ws] session %s: %v", sessionID, err)
		}
	}
	if cancel != nil {
		cancel()
	}
	log.Printf("[ws] connection %s closed", c.id)
}

// ConnectionCount reports live connections.
func (g *Gateway) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// writePump is the single writer for the socket: it drains the outbound
// channel and keeps the connection alive with pings.
func (g *Gateway) writePump(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, c *conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-c.out:
			if err := ws.WriteJSON(event); err != nil {
				log.Printf("[ws] connection %s write failed: %v", c.id, err)
				cancel()
				return
			}
		case <-ticker.C:
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				cancel()
				return
			}
		}
	}
}
