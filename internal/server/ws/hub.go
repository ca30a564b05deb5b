// Package ws streams strategy events and alerts to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// Topics a client can subscribe to. Clients start subscribed to events and
// alerts; books must be requested.
const (
	TopicEvents = "events"
	TopicAlerts = "alerts"
	TopicBooks  = "books"
)

var defaultTopics = []string{TopicEvents, TopicAlerts}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Envelope is the frame sent to clients. Binary clients receive the same
// shape as a protobuf Struct.
type Envelope struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// frame is one broadcast, encoded lazily per wire format.
type frame struct {
	topic string
	key   string // strategy id, used by "events:{id}" subscriptions
	json  []byte

	once  sync.Once
	proto []byte
}

func (f *frame) binary() []byte {
	f.once.Do(func() {
		var m map[string]any
		if err := json.Unmarshal(f.json, &m); err != nil {
			return
		}
		s, err := structpb.NewStruct(m)
		if err != nil {
			return
		}
		f.proto, _ = proto.Marshal(s)
	})
	return f.proto
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	binary bool
	send   chan []byte
	mu     sync.RWMutex
	subs   map[string]bool
}

type subscribeMsg struct {
	Action string   `json:"action"` // "subscribe" or "unsubscribe"
	Topics []string `json:"topics"`
}

// Config is reported to clients in the hello frame.
type Config struct {
	Mode      string
	StartedAt time.Time
}

// Hub fans frames out to connected clients. It implements
// domain.EventPublisher and domain.Alerter so the engine can publish to it
// directly; Bridge relays a SignalBus channel as well.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan *frame
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
	mode       string
	startedAt  time.Time
}

func NewHub(logger *slog.Logger, cfg Config) *Hub {
	mode := strings.TrimSpace(strings.ToLower(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan *frame, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger.With(slog.String("component", "ws_hub")),
		mode:       mode,
		startedAt:  startedAt,
	}
}

// Run is the hub's event loop. It exits when ctx is cancelled, closing every
// client.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", n), slog.Bool("binary", c.binary))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))

		case f := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.isSubscribed(f.topic, f.key) {
					continue
				}
				data := f.json
				if c.binary {
					if data = f.binary(); data == nil {
						continue
					}
				}
				select {
				case c.send <- data:
				default:
					h.logger.Warn("ws: dropping message for slow client", slog.String("topic", f.topic))
				}
			}
			h.mu.RUnlock()
		}
	}
}

// PublishEvent broadcasts a strategy event on the events topic.
func (h *Hub) PublishEvent(ev domain.StrategyEvent) {
	h.publish(TopicEvents, ev.StrategyID, "strategy_event", ev)
}

// Alert broadcasts an alert on the alerts topic.
func (h *Hub) Alert(_ context.Context, a domain.Alert) {
	h.publish(TopicAlerts, a.StrategyID, "alert", a)
}

// Bridge relays raw JSON payloads from a bus channel to topic until ctx is
// done.
func (h *Hub) Bridge(ctx context.Context, bus domain.SignalBus, channel, topic string) error {
	msgs, err := bus.Subscribe(ctx, channel)
	if err != nil {
		return err
	}
	h.logger.Info("ws: bridging bus channel", slog.String("channel", channel), slog.String("topic", topic))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-msgs:
			if !ok {
				return nil
			}
			h.enqueue(topic, "", Envelope{Type: topic, Topic: topic, Payload: data})
		}
	}
}

func (h *Hub) publish(topic, key, typ string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("ws: marshal payload", slog.String("topic", topic), slog.String("error", err.Error()))
		return
	}
	h.enqueue(topic, key, Envelope{Type: typ, Topic: topic, Payload: payload})
}

// enqueue never blocks the publisher; a full broadcast queue drops the frame.
func (h *Hub) enqueue(topic, key string, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- &frame{topic: topic, key: key, json: data}:
	default:
		h.logger.Warn("ws: broadcast queue full", slog.String("topic", topic))
	}
}

// HandleWS upgrades the request and registers the client. ?format=proto
// selects binary protobuf frames.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{
		hub:    h,
		conn:   conn,
		binary: r.URL.Query().Get("format") == "proto",
		send:   make(chan []byte, sendBufferSize),
		subs:   make(map[string]bool),
	}
	for _, t := range defaultTopics {
		c.subs[t] = true
	}
	c.sendHello()

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if err := json.Unmarshal(message, &sub); err == nil && sub.Action != "" {
			c.handleSubscription(sub)
		}
	}
}

// handleSubscription applies a subscribe or unsubscribe request. A topic of
// the form "events:{strategy_id}" narrows events to one strategy.
func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		for _, t := range msg.Topics {
			c.subs[t] = true
		}
	case "unsubscribe":
		for _, t := range msg.Topics {
			delete(c.subs, t)
		}
	}
}

func (c *client) isSubscribed(topic, key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.subs[topic] {
		return true
	}
	return key != "" && c.subs[topic+":"+key]
}

// sendHello tells the client the connection is live before any event flows.
func (c *client) sendHello() {
	payload, err := json.Marshal(map[string]any{
		"mode":           c.hub.mode,
		"uptime_seconds": max(int64(time.Since(c.hub.startedAt).Seconds()), 0),
		"topics":         defaultTopics,
	})
	if err != nil {
		return
	}
	f := &frame{json: encodeEnvelope(Envelope{Type: "hello", Payload: payload})}
	data := f.json
	if c.binary {
		data = f.binary()
	}
	select {
	case c.send <- data:
	default:
	}
}

func encodeEnvelope(env Envelope) []byte {
	data, _ := json.Marshal(env)
	return data
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	msgType := websocket.TextMessage
	if c.binary {
		msgType = websocket.BinaryMessage
	}
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(msgType, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var (
	_ domain.EventPublisher = (*Hub)(nil)
	_ domain.Alerter        = (*Hub)(nil)
)
