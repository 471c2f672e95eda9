// Package live runs the dashboard WebSocket channel: per-connection agent
// alert subscriptions pushed on an interval, server heartbeats, and change
// notifications broadcast to every client.
package live

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/sentinel-siem/internal/models"
)

// Message types.
const (
	MsgHeartbeat            = "heartbeat"
	MsgAgentAlerts          = "agent_alerts"
	MsgSubscribeAgentAlerts = "subscribe_agent_alerts"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 8192
	sendBuffer     = 64
)

var (
	liveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "siem_live_connections",
		Help: "Open live channel connections",
	})
	liveSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "siem_live_subscriptions",
		Help: "Active agent alert subscriptions",
	})
	livePushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "siem_live_pushes_total",
		Help: "Messages queued to live clients, by type and result",
	}, []string{"type", "result"})
)

func init() {
	prometheus.MustRegister(liveConnections)
	prometheus.MustRegister(liveSubscriptions)
	prometheus.MustRegister(livePushes)
}

// Message is a server to client frame.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type clientMessage struct {
	Type      string `json:"type"`
	AgentName string `json:"agentName"`
}

// Lookup produces the alert summary pushed to an agent subscription.
type Lookup interface {
	LiveSummary(ctx context.Context, userID, agentName string) (*models.AgentAlertSummary, error)
}

// Config tunes the hub.
type Config struct {
	SubscriptionInterval time.Duration
	HeartbeatInterval    time.Duration
	// AllowedOrigins lists accepted Origin headers; "*" or empty accepts all.
	AllowedOrigins []string
}

// Connection is one client socket. Only the write pump writes to conn.
type Connection struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan Message
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]context.CancelFunc
}

// Hub is the registry of live connections.
type Hub struct {
	cfg      Config
	lookup   Lookup
	log      *logrus.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewHub creates a Hub.
func NewHub(lookup Lookup, cfg Config, log *logrus.Logger) *Hub {
	if cfg.SubscriptionInterval <= 0 {
		cfg.SubscriptionInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	h := &Hub{cfg: cfg, lookup: lookup, log: log, conns: make(map[string]*Connection)}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// ServeWS upgrades the request and serves the connection for userID until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	c := h.register(conn, userID)
	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) register(conn *websocket.Conn, userID string) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		send:   make(chan Message, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]context.CancelFunc),
	}
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	liveConnections.Inc()
	h.log.WithFields(logrus.Fields{"conn_id": c.id, "user_id": userID}).Info("Live client connected")

	h.enqueue(c, Message{Type: MsgHeartbeat})
	return c
}

// unregister cancels every subscription of c and drops it from the registry.
func (h *Hub) unregister(c *Connection) {
	h.mu.Lock()
	_, ok := h.conns[c.id]
	delete(h.conns, c.id)
	h.mu.Unlock()
	if !ok {
		return
	}
	c.cancel()
	c.mu.Lock()
	for name, cancel := range c.subs {
		cancel()
		delete(c.subs, name)
	}
	c.mu.Unlock()
	liveConnections.Dec()
	h.log.WithField("conn_id", c.id).Info("Live client disconnected")
}

// enqueue queues msg without blocking; a full buffer drops the message.
func (h *Hub) enqueue(c *Connection, msg Message) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.send <- msg:
		livePushes.WithLabelValues(msg.Type, "queued").Inc()
		return true
	default:
		livePushes.WithLabelValues(msg.Type, "dropped").Inc()
		h.log.WithFields(logrus.Fields{"conn_id": c.id, "type": msg.Type}).Warn("Live client too slow, message dropped")
		return false
	}
}

func (h *Hub) readPump(c *Connection) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.WithError(err).WithField("conn_id", c.id).Warn("Live connection error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.WithError(err).WithField("conn_id", c.id).Debug("Ignoring malformed live message")
			continue
		}
		switch msg.Type {
		case MsgSubscribeAgentAlerts:
			if msg.AgentName == "" {
				h.log.WithField("conn_id", c.id).Debug("Ignoring subscription without agent name")
				continue
			}
			h.subscribe(c, msg.AgentName)
		default:
			h.log.WithFields(logrus.Fields{"conn_id": c.id, "type": msg.Type}).Debug("Ignoring unknown live message")
		}
	}
}

func (h *Hub) writePump(c *Connection) {
	pings := time.NewTicker(pingPeriod)
	heartbeats := time.NewTicker(h.cfg.HeartbeatInterval)
	defer func() {
		pings.Stop()
		heartbeats.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				h.log.WithError(err).WithField("conn_id", c.id).Debug("Live write failed")
				return
			}
		case <-heartbeats.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(Message{Type: MsgHeartbeat}); err != nil {
				return
			}
		case <-pings.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// subscribe starts pushing agentName's summary to c, replacing any existing
// subscription of c to the same agent.
func (h *Hub) subscribe(c *Connection, agentName string) {
	ctx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	if prev, ok := c.subs[agentName]; ok {
		prev()
	}
	c.subs[agentName] = cancel
	c.mu.Unlock()

	h.log.WithFields(logrus.Fields{"conn_id": c.id, "agent": agentName}).Info("Subscribed to agent alerts")
	go h.runSubscription(ctx, c, agentName)
}

func (h *Hub) runSubscription(ctx context.Context, c *Connection, agentName string) {
	liveSubscriptions.Inc()
	defer liveSubscriptions.Dec()

	ticker := time.NewTicker(h.cfg.SubscriptionInterval)
	defer ticker.Stop()
	for {
		h.push(ctx, c, agentName)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// push runs one lookup and queues the result. Failures skip this tick only.
func (h *Hub) push(ctx context.Context, c *Connection, agentName string) {
	summary, err := h.lookup.LiveSummary(ctx, c.userID, agentName)
	if err != nil {
		if ctx.Err() == nil {
			h.log.WithError(err).WithFields(logrus.Fields{"conn_id": c.id, "agent": agentName}).Warn("Agent alert lookup failed")
		}
		return
	}
	if ctx.Err() != nil {
		return
	}
	h.enqueue(c, Message{Type: MsgAgentAlerts, Data: summary})
}

// Broadcast sends a bare {type} notification to every connection.
func (h *Hub) Broadcast(msgType string) {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		h.enqueue(c, Message{Type: msgType})
	}
	h.log.WithFields(logrus.Fields{"type": msgType, "clients": len(conns)}).Debug("Broadcast sent")
}

// Connections returns the number of registered connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Subscriptions returns the number of subscriptions across all connections.
func (h *Hub) Subscriptions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.conns {
		c.mu.Lock()
		n += len(c.subs)
		c.mu.Unlock()
	}
	return n
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		h.unregister(c)
	}
}
