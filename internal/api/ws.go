package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/supervise"
	"nhooyr.io/websocket"
)

// replayBufferSize bounds the reconnect-and-replay window.
const replayBufferSize = 1024

// Hub bridges supervisor events onto WebSocket connections. Every
// connection gets a bounded mailbox; slow consumers are disconnected,
// not buffered indefinitely.
type Hub struct {
	supervisor *supervise.Supervisor
	logger     *logging.Logger

	mu      sync.Mutex
	ring    []supervise.Event
	conns   map[*wsConn]struct{}
	stopCh  chan struct{}
	stopped bool
}

// wsConn is one client connection with its bounded mailbox.
type wsConn struct {
	mailbox chan supervise.Event
	closed  chan struct{}
}

// NewHub creates the push hub.
func NewHub(supervisor *supervise.Supervisor) *Hub {
	return &Hub{
		supervisor: supervisor,
		logger:     logging.GetGlobalLogger().WithComponent("ws_hub"),
		conns:      make(map[*wsConn]struct{}),
		stopCh:     make(chan struct{}),
	}
}

// Start begins pumping supervisor events to connections.
func (h *Hub) Start() {
	events, cancel := h.supervisor.Subscribe()
	go func() {
		defer cancel()
		for {
			select {
			case <-h.stopCh:
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				h.dispatch(event)
			}
		}
	}()
}

// Stop shuts the hub down and disconnects clients.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	close(h.stopCh)
	for conn := range h.conns {
		close(conn.closed)
		delete(h.conns, conn)
	}
}

// dispatch records the event in the replay ring and fans it out.
func (h *Hub) dispatch(event supervise.Event) {
	h.mu.Lock()
	h.ring = append(h.ring, event)
	if len(h.ring) > replayBufferSize {
		h.ring = h.ring[len(h.ring)-replayBufferSize:]
	}
	var slow []*wsConn
	for conn := range h.conns {
		select {
		case conn.mailbox <- event:
		default:
			slow = append(slow, conn)
		}
	}
	for _, conn := range slow {
		delete(h.conns, conn)
		close(conn.closed)
	}
	h.mu.Unlock()

	if len(slow) > 0 {
		h.logger.WithField("count", len(slow)).Warn("Disconnected slow WebSocket consumers")
	}
}

// replayAfter returns buffered events with sequence greater than seq.
func (h *Hub) replayAfter(seq uint64) []supervise.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []supervise.Event
	for _, e := range h.ring {
		if e.Sequence > seq {
			out = append(out, e)
		}
	}
	return out
}

// HandleWS upgrades the connection and streams events. Clients pass
// ?after=<sequence> to replay missed events after a reconnect.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.WithError(err).Debug("WebSocket accept failed")
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	conn := &wsConn{
		mailbox: make(chan supervise.Event, 64),
		closed:  make(chan struct{}),
	}

	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		after, _ = strconv.ParseUint(v, 10, 64)
	}

	// Queue the replay into the mailbox before going live
	for _, e := range h.replayAfter(after) {
		select {
		case conn.mailbox <- e:
		default:
		}
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.conns[conn] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		if _, ok := h.conns[conn]; ok {
			delete(h.conns, conn)
			close(conn.closed)
		}
		h.mu.Unlock()
	}()

	// Reads are discarded; the socket is push-only
	ctx := ws.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.closed:
			ws.Close(websocket.StatusPolicyViolation, "consumer too slow")
			return
		case event := <-conn.mailbox:
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = ws.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
