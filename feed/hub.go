package feed

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gwc-sys/wildlife-tracking-Client-side/reconcile"
	"github.com/gwc-sys/wildlife-tracking-Client-side/stats"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 32
)

// FrameType tells clients what a frame carries
type FrameType string

const (
	FrameTimeline FrameType = "timeline"
	FrameCurrent  FrameType = "current"
	FrameError    FrameType = "error"
)

// Frame is one JSON message pushed to websocket clients
type Frame struct {
	Type     FrameType            `json:"type"`
	Device   string               `json:"device"`
	Stream   reconcile.Stream     `json:"stream,omitempty"`
	Timeline *reconcile.View      `json:"timeline,omitempty"`
	Current  *reconcile.Entry     `json:"current,omitempty"`
	Kind     *reconcile.ErrorKind `json:"kind,omitempty"`
	Error    string               `json:"error,omitempty"`
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	device string // empty means every device
}

// Hub pushes reconciled state to websocket clients. It is a
// reconcile.Consumer; slow clients lose frames instead of stalling the engine.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the connection. The optional device query parameter
// limits the frames to one device.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer), device: r.URL.Query().Get("device")}
	if !h.register(c) {
		conn.Close()
		return
	}
	log.Info().Str("remote", r.RemoteAddr).Str("device", c.device).Msg("Feed client connected")

	go h.writePump(c)
	go h.readPump(c)
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	stats.FeedClients.Store(0)
}

func (h *Hub) OnTimelineChange(deviceID string, stream reconcile.Stream, view reconcile.View) {
	h.broadcast(Frame{Type: FrameTimeline, Device: deviceID, Stream: stream, Timeline: &view})
}

func (h *Hub) OnCurrentChange(deviceID string, stream reconcile.Stream, current *reconcile.Entry) {
	h.broadcast(Frame{Type: FrameCurrent, Device: deviceID, Stream: stream, Current: current})
}

func (h *Hub) OnError(deviceID string, kind reconcile.ErrorKind, err error) {
	f := Frame{Type: FrameError, Device: deviceID, Kind: &kind}
	if err != nil {
		f.Error = err.Error()
	}
	h.broadcast(f)
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	stats.FeedClients.Add(1)
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	stats.FeedClients.Add(-1)
}

func (h *Hub) broadcast(f Frame) {
	msg, err := json.Marshal(f)
	if err != nil {
		log.Error().Err(err).Msgf("Failed to encode %s frame", f.Type)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.device != "" && c.device != f.Device {
			continue
		}
		select {
		case c.send <- msg:
		default:
			stats.FeedDrops.Add(1)
		}
	}
}

// readPump only handles control frames; clients never send data
func (h *Hub) readPump(c *client) {
	defer h.unregister(c)
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("Feed client read failed")
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug().Err(err).Msg("Feed client write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
