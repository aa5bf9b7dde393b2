package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/flowpbx/telecore/internal/audio"
	"github.com/flowpbx/telecore/internal/call"
	"github.com/flowpbx/telecore/internal/registry"
	"github.com/flowpbx/telecore/internal/serial"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 16

	// defaultUnbindDelay keeps UI sockets bound after the last call is
	// removed so in-flight final snapshots still reach the consumer
	// before teardown.
	defaultUnbindDelay = 2 * time.Second
)

// wsMessage is the push frame sent to every UI consumer.
type wsMessage struct {
	Type  string       `json:"type"`
	State snapshotView `json:"state"`
}

// wsEvent is the push frame for one-shot failure notifications.
type wsEvent struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Cause  string `json:"cause,omitempty"`
}

// Hub fans registry and audio state changes out to WebSocket consumers.
// Registry callbacks arrive on the work queue; socket writes happen on
// per-client writer goroutines so the queue never blocks on a slow peer.
type Hub struct {
	registry.ListenerBase

	reg         *registry.Registry
	routes      *audio.RouteSM
	logger      *slog.Logger
	unbindDelay time.Duration
	upgrader    websocket.Upgrader

	mu          sync.Mutex
	clients     map[*wsClient]struct{}
	unbindTimer *time.Timer
}

// NewHub wires a hub into the registry and the audio route machine.
func NewHub(reg *registry.Registry, routes *audio.RouteSM, logger *slog.Logger) *Hub {
	h := &Hub{
		reg:         reg,
		routes:      routes,
		logger:      logger.With("subsystem", "api-ws"),
		unbindDelay: defaultUnbindDelay,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Token auth already ran in requireAuth; the UI may be
			// served from a different origin than the API.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
	reg.AddListener(h)
	routes.OnStateChanged(func(audio.CallAudioState) { h.pushState() })
	return h
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// serve upgrades the request and runs the client until it disconnects.
func (h *Hub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	// Initial snapshot so the consumer does not render stale state while
	// waiting for the next event.
	initial := serial.Submit(h.reg.Runner(), "ws.initial-state", func() []byte {
		return h.encodeState()
	})
	c.enqueue(initial)

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop consumes control frames and detects disconnect.
func (h *Hub) readLoop(c *wsClient) {
	defer h.drop(c)
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket closed unexpectedly", "error", err)
			}
			return
		}
	}
}

// writeLoop drains the send channel and keeps the connection alive with
// pings.
func (h *Hub) writeLoop(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue hands a frame to the writer without ever blocking. A consumer
// that cannot drain its buffer loses intermediate snapshots; the next
// one supersedes them anyway.
func (c *wsClient) enqueue(msg []byte) {
	if msg == nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (h *Hub) drop(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}

// closeAll disconnects every consumer. Called after the unbind grace
// period expires with no live calls.
func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		close(c.send)
	}
	if len(clients) > 0 {
		h.logger.Info("unbound idle ui consumers", "count", len(clients))
	}
}

// encodeState marshals the current snapshot. Must run on the work queue.
func (h *Hub) encodeState() []byte {
	msg := wsMessage{Type: "state", State: snapshotOnQueue(h.reg, h.routes)}
	b, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode ws state", "error", err)
		return nil
	}
	return b
}

// pushState broadcasts a fresh snapshot. Must run on the work queue.
func (h *Hub) pushState() {
	b := h.encodeState()

	h.mu.Lock()
	for c := range h.clients {
		c.enqueue(b)
	}
	h.mu.Unlock()
}

func (h *Hub) pushEvent(ev wsEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.Lock()
	for c := range h.clients {
		c.enqueue(b)
	}
	h.mu.Unlock()
}

// ---- Registry listener. All callbacks run on the work queue.

func (h *Hub) OnCallAdded(c *call.Call) {
	h.cancelUnbind()
	h.pushState()
}

func (h *Hub) OnCallRemoved(c *call.Call) {
	h.pushState()
	if len(h.reg.Calls()) == 0 {
		h.scheduleUnbind()
	}
}

func (h *Hub) OnCallStateChanged(c *call.Call, old, new call.State) {
	h.pushState()
}

func (h *Hub) OnForegroundChanged(old, new *call.Call) {
	h.pushState()
}

func (h *Hub) OnCanAddCallChanged(bool) {
	h.pushState()
}

func (h *Hub) OnParentChanged(c *call.Call, oldParent, newParent *call.Call) {
	h.pushState()
}

func (h *Hub) OnOutgoingCallFailed(c *call.Call, cause call.DisconnectCause) {
	h.pushEvent(wsEvent{Type: "outgoing_failed", CallID: c.ID, Cause: cause.String()})
}

func (h *Hub) OnMergeFailed(c *call.Call) {
	h.pushEvent(wsEvent{Type: "merge_failed", CallID: c.ID})
}

// scheduleUnbind arms the teardown timer. Runs on the work queue; the
// recheck also runs there so call membership reads stay consistent.
func (h *Hub) scheduleUnbind() {
	h.cancelUnbind()
	h.mu.Lock()
	h.unbindTimer = h.reg.Runner().PostDelayed("ws.unbind", h.unbindDelay, func() {
		if len(h.reg.Calls()) == 0 {
			h.closeAll()
		}
	})
	h.mu.Unlock()
}

func (h *Hub) cancelUnbind() {
	h.mu.Lock()
	if h.unbindTimer != nil {
		h.unbindTimer.Stop()
		h.unbindTimer = nil
	}
	h.mu.Unlock()
}
