// Package realtime streams committed ledger events to WebSocket clients.
//
// The Hub is an events.Sink. Each client starts with an unfiltered stream
// and narrows it by sending a Subscription as a JSON text frame. A
// subscription with fromSeq first replays retained events after that
// sequence number, so a client that reconnects can catch up without gaps.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/blocki/blocki/internal/events"
	"github.com/blocki/blocki/internal/metrics"
)

const (
	// MaxClients is the default cap on concurrent connections.
	MaxClients = 10000
	// MaxReplay caps the events replayed for one subscription; older history
	// is available from GET /v1/events.
	MaxReplay = 512

	sendBuffer   = 1024
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	maxFrame     = 64 * 1024
)

var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// Subscription filters a client's stream. Empty filters match everything.
type Subscription struct {
	Topics    []string         `json:"topics,omitempty"`
	Contracts []common.Address `json:"contracts,omitempty"`
	Subjects  []common.Address `json:"subjects,omitempty"`
	FromSeq   *uint64          `json:"fromSeq,omitempty"`
}

// Match reports whether ev passes every non-empty filter.
func (s Subscription) Match(ev events.Event) bool {
	if len(s.Topics) > 0 && !slices.Contains(s.Topics, ev.Topic) {
		return false
	}
	if len(s.Contracts) > 0 && !slices.Contains(s.Contracts, ev.Contract) {
		return false
	}
	if len(s.Subjects) > 0 && !slices.ContainsFunc(s.Subjects, ev.Involves) {
		return false
	}
	return true
}

// Replayer serves retained events. Satisfied by *events.Log.
type Replayer interface {
	Find(q events.Query) []events.Event
}

// Option configures a Hub.
type Option func(*Hub)

// WithReplay enables fromSeq catch-up from r.
func WithReplay(r Replayer) Option {
	return func(h *Hub) { h.replay = r }
}

// WithAllowedOrigins admits browser connections from these origins in
// addition to same-host ones. "*" admits any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) { h.origins = origins }
}

// WithMaxClients overrides MaxClients.
func WithMaxClients(n int) Option {
	return func(h *Hub) { h.maxClients = n }
}

// Hub fans committed events out to connected clients.
type Hub struct {
	logger     *slog.Logger
	replay     Replayer
	origins    []string
	maxClients int
	upgrader   websocket.Upgrader

	broadcast  chan events.Event
	register   chan *client
	unregister chan *client
	done       chan struct{} // closed when Run exits

	mu      sync.RWMutex
	clients map[*client]struct{}

	published atomic.Int64
	dropped   atomic.Int64
	replayed  atomic.Int64
	connected atomic.Int64
	peak      atomic.Int64
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		logger:     logger,
		maxClients: MaxClients,
		broadcast:  make(chan events.Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser client
	}
	if origin == "http://"+r.Host || origin == "https://"+r.Host {
		return true
	}
	return slices.Contains(h.origins, "*") || slices.Contains(h.origins, origin)
}

// Run owns the client set until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.connected.Add(1)
			if int64(n) > h.peak.Load() {
				h.peak.Store(int64(n))
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("websocket client connected", "clients", n)

		case c := <-h.unregister:
			h.drop(c)

		case ev := <-h.broadcast:
			msg, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("event not serializable", "seq", ev.Seq, "topic", ev.Topic, "error", err)
				continue
			}
			h.mu.RLock()
			var slow []*client
			for c := range h.clients {
				if !c.offer(ev, msg) {
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range slow {
				h.logger.Warn("dropping slow websocket client")
				h.drop(c)
			}
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

// Publish queues committed events for broadcast. A full queue drops events
// rather than stalling the commit path; clients recover them via fromSeq.
func (h *Hub) Publish(_ context.Context, evs []events.Event) {
	for _, ev := range evs {
		select {
		case h.broadcast <- ev:
			h.published.Add(1)
		default:
			h.dropped.Add(1)
			h.logger.Warn("broadcast queue full, dropping event", "seq", ev.Seq, "topic", ev.Topic)
		}
	}
}

// Stats returns hub counters.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return map[string]any{
		"connectedClients": n,
		"totalClients":     h.connected.Load(),
		"peakClients":      h.peak.Load(),
		"publishedEvents":  h.published.Load(),
		"droppedEvents":    h.dropped.Load(),
		"replayedEvents":   h.replayed.Load(),
	}
}

// Handler adapts HandleWebSocket for gin.
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) { h.HandleWebSocket(c.Writer, c.Request) }
}

// HandleWebSocket upgrades the request and attaches a client.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// client is one connection. mu orders live delivery against replay so a
// client never sees an event twice or out of order.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu      sync.Mutex
	sub     Subscription
	lastSeq uint64
	closed  bool
}

// offer queues msg if ev is new to the client and matches its
// subscription. It returns false when the client cannot keep up.
func (c *client) offer(ev events.Event, msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || ev.Seq <= c.lastSeq || !c.sub.Match(ev) {
		return true
	}
	select {
	case c.send <- msg:
		c.lastSeq = ev.Seq
		return true
	default:
		return false
	}
}

// subscribe installs sub and replays from sub.FromSeq when requested. It
// returns false when the replay did not fit in the send buffer.
func (c *client) subscribe(sub Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sub = sub
	if sub.FromSeq == nil || c.hub.replay == nil || c.closed {
		return true
	}

	// More than MaxReplay matching events is a gap this connection cannot
	// fill; the client must page GET /v1/events instead.
	// A later subscription never rewinds past what was already delivered.
	c.lastSeq = max(c.lastSeq, *sub.FromSeq)
	sent := 0
	for {
		page := c.hub.replay.Find(events.Query{After: c.lastSeq, Limit: 1000})
		if len(page) == 0 {
			break
		}
		for _, ev := range page {
			c.lastSeq = ev.Seq
			if !sub.Match(ev) {
				continue
			}
			if sent == MaxReplay {
				return false
			}
			msg, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			select {
			case c.send <- msg:
			default:
				return false
			}
			sent++
		}
	}
	c.hub.replayed.Add(int64(sent))
	return true
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrame)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		var sub Subscription
		if err := json.Unmarshal(frame, &sub); err != nil {
			c.hub.logger.Debug("ignoring malformed subscription", "error", err)
			continue
		}
		if !c.subscribe(sub) {
			c.hub.logger.Warn("replay overflowed client buffer")
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
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
				c.hub.logger.Debug("websocket write error", "error", err)
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
