// Package hub is the websocket gateway between viewers and debug sessions.
// Every connection is a viewer with its own id; output is addressed to single
// viewers, never broadcast.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/user/gdbhub/internal/relay"
)

const DefaultBatchInterval = 20 * time.Millisecond

// Handler carries viewer requests into the session layer.
type Handler interface {
	Connect(viewerID string, req ConnectRequest) (ConnectResult, error)
	RunCommands(viewerID string, commands []string) error
	PtyInteraction(viewerID string, req PtyRequest) error
	Disconnect(viewerID string)
}

type Options struct {
	Token string
	// BatchInterval coalesces terminal output per viewer. Zero disables
	// batching.
	BatchInterval time.Duration
}

type Hub struct {
	clients     map[string]*Client
	register    chan *Client
	unregister  chan *Client
	handler     Handler
	token       string
	mu          sync.RWMutex
	rateLimiter *RateLimiter
	ctxWrap     *ctxWrapper
	running     atomic.Bool
}

type ctxWrapper struct {
	ctx context.Context
}

func New(handler Handler, opts Options) *Hub {
	h := &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		handler:    handler,
		token:      opts.Token,
		ctxWrap:    &ctxWrapper{ctx: context.Background()},
	}
	if opts.BatchInterval > 0 {
		h.rateLimiter = NewRateLimiter(opts.BatchInterval, func(viewerID string, msg PtyOutputMessage) {
			h.sendJSON(viewerID, msg)
		})
	}
	return h
}

func (h *Hub) getContext() context.Context {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.ctxWrap != nil {
		return h.ctxWrap.ctx
	}
	return context.Background()
}

// Run owns client registration until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.mu.Lock()
	h.ctxWrap = &ctxWrapper{ctx: ctx}
	h.mu.Unlock()
	h.running.Store(true)
	defer h.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			h.FlushPendingOutput()
			h.mu.Lock()
			for _, c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[string]*Client)
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			h.mu.Unlock()
			go c.writePump(h.getContext())
			go c.readPump(h.getContext())
			slog.Info("viewer connected", "viewer_id", c.id, "total", h.ClientCount())

		case c := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[c.id]
			if ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			h.mu.Unlock()
			if ok {
				h.dropViewer(c.id)
			}
			slog.Info("viewer disconnected", "viewer_id", c.id, "total", h.ClientCount())
		}
	}
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" || token != h.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("websocket accept error", "error", err)
		return
	}

	client := newClient(conn, h)

	select {
	case h.register <- client:
	default:
		slog.Warn("hub not accepting connections")
		conn.Close(websocket.StatusTryAgainLater, "server busy")
	}
}

// Deliver addresses one relay event to one viewer. Terminal output is batched;
// records and death notices go out immediately, after anything still pending
// for that viewer.
func (h *Hub) Deliver(viewerID string, ev relay.Event) {
	switch ev.Kind {
	case relay.EventConsole, relay.EventProgram:
		msg := PtyOutputMessage{Type: string(ev.Kind), PID: ev.PID, Text: ev.Text}
		if h.rateLimiter != nil {
			h.rateLimiter.Add(viewerID, msg)
			return
		}
		h.sendJSON(viewerID, msg)
	case relay.EventRecords:
		h.flushViewer(viewerID)
		h.sendReliable(viewerID, GdbResponseMessage{Type: TypeGdbResponse, PID: ev.PID, Records: ev.Records})
	case relay.EventSessionDied:
		h.flushViewer(viewerID)
		h.sendReliable(viewerID, SessionDeathMessage{
			Type:    TypeSessionDeath,
			PID:     ev.PID,
			Message: fmt.Sprintf("debugger process %d exited", ev.PID),
		})
	default:
		slog.Warn("unknown relay event", "kind", ev.Kind, "viewer_id", viewerID)
	}
}

// NotifySessionEnded tells viewers their session was removed on request
// rather than by the debugger exiting.
func (h *Hub) NotifySessionEnded(viewerIDs []string, pid int, reason string) {
	for _, id := range viewerIDs {
		h.flushViewer(id)
		h.sendReliable(id, SessionDeathMessage{
			Type:    TypeSessionDeath,
			PID:     pid,
			Message: fmt.Sprintf("debugger process %d was %s", pid, reason),
		})
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) FlushPendingOutput() {
	if h.rateLimiter != nil {
		h.rateLimiter.FlushAll()
	}
}

func (h *Hub) handleConnect(viewerID string, req ConnectRequest) {
	if h.handler == nil {
		h.sendError(viewerID, "no session handler configured")
		return
	}
	res, err := h.handler.Connect(viewerID, req)
	if err != nil {
		h.sendJSON(viewerID, ConnectionEvent{
			Type:     TypeConnectionEvent,
			OK:       false,
			ViewerID: viewerID,
			PID:      req.PID,
			Message:  err.Error(),
		})
		return
	}
	h.sendJSON(viewerID, ConnectionEvent{
		Type:              TypeConnectionEvent,
		OK:                true,
		ViewerID:          viewerID,
		PID:               res.PID,
		StartedNewSession: res.StartedNew,
		Message:           res.Message,
	})
}

func (h *Hub) handleRunCommands(viewerID string, commands []string) {
	if h.handler == nil {
		h.sendJSON(viewerID, ErrorMessage{Type: TypeCommandError, Message: "no session handler configured"})
		return
	}
	if err := h.handler.RunCommands(viewerID, commands); err != nil {
		h.sendJSON(viewerID, ErrorMessage{Type: TypeCommandError, Message: err.Error()})
	}
}

func (h *Hub) handlePtyInteraction(viewerID string, req PtyRequest) {
	if h.handler == nil {
		h.sendError(viewerID, "no session handler configured")
		return
	}
	if err := h.handler.PtyInteraction(viewerID, req); err != nil {
		h.sendError(viewerID, err.Error())
	}
}

func (h *Hub) sendError(viewerID, message string) {
	h.sendJSON(viewerID, ErrorMessage{Type: TypeError, Message: message})
}

func (h *Hub) sendJSON(viewerID string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal message", "viewer_id", viewerID, "error", err)
		return
	}
	if err := h.send(viewerID, data); err != nil {
		slog.Debug("dropping message", "viewer_id", viewerID, "error", err)
	}
}

// sendReliable is sendJSON for messages a viewer cannot recover from missing.
// A viewer whose buffer is full is disconnected instead.
func (h *Hub) sendReliable(viewerID string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal message", "viewer_id", viewerID, "error", err)
		return
	}
	err = h.send(viewerID, data)
	if errors.Is(err, errBufferFull) {
		h.closeSlowViewer(viewerID)
		return
	}
	if err != nil {
		slog.Debug("dropping message", "viewer_id", viewerID, "error", err)
	}
}

func (h *Hub) closeSlowViewer(viewerID string) {
	h.mu.RLock()
	c, ok := h.clients[viewerID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	slog.Warn("viewer too slow, closing connection", "viewer_id", viewerID)
	go c.conn.Close(websocket.StatusPolicyViolation, "viewer too slow")
}

var (
	errUnknownViewer = errors.New("viewer not connected")
	errBufferFull    = errors.New("send buffer full")
)

func (h *Hub) send(viewerID string, data []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[viewerID]
	if !ok {
		return errUnknownViewer
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errBufferFull
	}
}

func (h *Hub) flushViewer(viewerID string) {
	if h.rateLimiter != nil {
		h.rateLimiter.FlushViewer(viewerID)
	}
}

func (h *Hub) dropViewer(viewerID string) {
	if h.rateLimiter != nil {
		h.rateLimiter.Drop(viewerID)
	}
	if h.handler != nil {
		h.handler.Disconnect(viewerID)
	}
}

func (h *Hub) isRunning() bool {
	return h.running.Load()
}

func (h *Hub) unregisterClient(c *Client) {
	if !h.isRunning() {
		c.conn.Close(websocket.StatusNormalClosure, "")
		h.dropViewer(c.id)
		return
	}
	select {
	case h.unregister <- c:
	default:
		slog.Warn("unregister channel full, forcing close", "viewer_id", c.id)
		c.conn.Close(websocket.StatusNormalClosure, "")
		h.mu.Lock()
		_, ok := h.clients[c.id]
		if ok {
			delete(h.clients, c.id)
			close(c.send)
		}
		h.mu.Unlock()
		if ok {
			h.dropViewer(c.id)
		}
	}
}
