package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-crestron/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-crestron/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-crestron/internal/platform"
)

// Message types on the live feed.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	wsSendBufferSize = 256
)

// feedChannels lists the channels a client may subscribe to.
var feedChannels = map[string]struct{}{
	platform.ChannelCharacteristicChanged: {},
}

// WSMessage is one frame sent to a client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload selects channels and, optionally, the accessories
// ("Lightbulb:3") whose events the client wants. No accessories means all.
type WSSubscribePayload struct {
	Channels    []string `json:"channels"`
	Accessories []string `json:"accessories,omitempty"`
}

// wsRequest is one frame received from a client.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Gauge receives the connected client count. A prometheus.Gauge satisfies it.
type Gauge interface {
	Set(float64)
}

// Hub fans characteristic events out to feed clients.
// It satisfies platform.Broadcaster.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	gauge   Gauge

	dropped atomic.Uint64
}

// wsClient is one feed connection. send is closed exactly once, under mu,
// and never written to after that.
type wsClient struct {
	hub     *Hub
	conn    *websocket.Conn
	subject string

	mu          sync.Mutex
	send        chan []byte
	closed      bool
	channels    map[string]struct{}
	accessories map[string]struct{}
}

func newWSClient(hub *Hub, conn *websocket.Conn, subject string) *wsClient {
	return &wsClient{
		hub:         hub,
		conn:        conn,
		subject:     subject,
		send:        make(chan []byte, wsSendBufferSize),
		channels:    make(map[string]struct{}),
		accessories: make(map[string]struct{}),
	}
}

// CORS middleware already screens origins.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// NewHub creates an empty hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{cfg: cfg, logger: logger, clients: make(map[*wsClient]struct{})}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*wsClient]struct{})
	h.reportLocked()
	h.mu.Unlock()

	for c := range clients {
		c.close()
		if c.conn != nil {
			c.conn.Close()
		}
	}
}

// SetClientGauge reports the client count to g on every change.
func (h *Hub) SetClientGauge(g Gauge) {
	h.mu.Lock()
	h.gauge = g
	h.reportLocked()
	h.mu.Unlock()
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.reportLocked()
	h.mu.Unlock()
	h.logger.Debug("feed client connected", "clients", n, "subject", c.subject)
}

// unregister is safe to call more than once and after Run has returned.
func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.reportLocked()
	h.mu.Unlock()

	c.close()
	h.logger.Debug("feed client disconnected", "clients", n, "subject", c.subject)
}

func (h *Hub) reportLocked() {
	if h.gauge != nil {
		h.gauge.Set(float64(len(h.clients)))
	}
}

// Broadcast queues an event for every client subscribed to channel and,
// for characteristic events, to the event's accessory. A client whose
// buffer is full misses the event.
func (h *Hub) Broadcast(channel string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("failed to marshal feed event", "channel", channel, "error", err)
		return
	}

	var key string
	if ev, ok := payload.(platform.CharacteristicEvent); ok {
		key = ev.Accessory
	}

	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if c.wants(channel, key) && !c.trySend(data) {
			h.dropped.Add(1)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many events were skipped for slow clients.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// handleWebSocket upgrades an authenticated request to a feed connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	subject := "anonymous"
	if claims := claimsFromContext(r.Context()); claims != nil {
		subject = claims.Subject
	}

	c := newWSClient(s.hub, conn, subject)
	s.hub.register(c)
	go c.writePump(s.wsCfg)
	go c.readPump(s.wsCfg)
}

// close closes send once. Later trySend calls report false.
func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// trySend queues data without blocking and reports whether it was queued.
func (c *wsClient) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *wsClient) wants(channel, accessory string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[channel]; !ok {
		return false
	}
	if accessory == "" || len(c.accessories) == 0 {
		return true
	}
	_, ok := c.accessories[accessory]
	return ok
}

func (c *wsClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	deadline := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(deadline)) }

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	_ = extend() //nolint:errcheck // a failed deadline surfaces as a read error
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("feed read error", "subject", c.subject, "error", err)
			}
			return
		}
		// Browsers do not always answer protocol pings; any frame counts.
		_ = extend() //nolint:errcheck // as above
		c.handle(data)
	}
}

func (c *wsClient) writePump(cfg config.WebSocketConfig) {
	ticker := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	writeWait := time.Duration(cfg.PongTimeout) * time.Second
	write := func(kind int, data []byte) error {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // surfaces on write
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = write(websocket.CloseMessage, nil) //nolint:errcheck // best effort
				return
			}
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) handle(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply("", WSTypeError, errorBody("invalid JSON message"))
		return
	}

	switch req.Type {
	case WSTypePing:
		c.reply(req.ID, WSTypePong, nil)
	case WSTypeSubscribe, WSTypeUnsubscribe:
		sub, err := decodeSubscription(req.Payload)
		if err != nil {
			c.reply(req.ID, WSTypeError, errorBody(err.Error()))
			return
		}
		if req.Type == WSTypeSubscribe {
			c.subscribe(sub)
			c.hub.logger.Info("feed client subscribed", "subject", c.subject, "channels", sub.Channels, "accessories", sub.Accessories)
			c.reply(req.ID, WSTypeResponse, map[string]any{"subscribed": sub})
			return
		}
		c.unsubscribe(sub)
		c.reply(req.ID, WSTypeResponse, map[string]any{"unsubscribed": sub})
	default:
		c.reply(req.ID, WSTypeError, errorBody("unknown message type: "+req.Type))
	}
}

func decodeSubscription(raw json.RawMessage) (WSSubscribePayload, error) {
	var sub WSSubscribePayload
	if len(raw) == 0 {
		return sub, errors.New("missing payload")
	}
	if err := json.Unmarshal(raw, &sub); err != nil {
		return sub, errors.New("invalid subscription payload")
	}
	if len(sub.Channels) == 0 && len(sub.Accessories) == 0 {
		return sub, errors.New("no channels or accessories given")
	}
	for _, ch := range sub.Channels {
		if _, ok := feedChannels[ch]; !ok {
			return sub, errors.New("unknown channel: " + ch)
		}
	}
	return sub, nil
}

func (c *wsClient) subscribe(sub WSSubscribePayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range sub.Channels {
		c.channels[ch] = struct{}{}
	}
	for _, key := range sub.Accessories {
		c.accessories[key] = struct{}{}
	}
}

func (c *wsClient) unsubscribe(sub WSSubscribePayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range sub.Channels {
		delete(c.channels, ch)
	}
	for _, key := range sub.Accessories {
		delete(c.accessories, key)
	}
}

func (c *wsClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}

func errorBody(msg string) map[string]string {
	return map[string]string{"message": msg}
}
