package telemetry

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// upgrader accepts every Origin: this stream is
// meant for a local scriptpoolctl status or a same-host dashboard,
// not a public-facing admin panel.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StatusMessage is a topic-tagged payload sent to every subscribed client.
// Grounded on grimm-is-glacic's internal/api/websocket.go WSMessage.
type StatusMessage struct {
	Topic string `json:"topic"`
	Data  any    `json:"data"`
}

// PoolSnapshot mirrors a Pool's occupancy at the moment it was published.
type PoolSnapshot struct {
	InFlight int `json:"in_flight"`
	Idle     int `json:"idle"`
	Waiters  int `json:"waiters"`
}

// WorkerEvent reports a single worker's lifecycle transition.
type WorkerEvent struct {
	Index int       `json:"index"`
	State string    `json:"state"`
	At    time.Time `json:"at"`
}

const (
	TopicPool   = "pool"
	TopicWorker = "worker"
)

type hubClient struct {
	id     string // uuid, used only in log lines to correlate connect/disconnect pairs
	conn   *websocket.Conn
	topics map[string]bool
	send   chan []byte
}

// StatusHub is a topic-based pub/sub broadcaster over WebSocket, reporting
// pool occupancy and per-worker lifecycle events to any number of
// subscribers. Grounded on grimm-is-glacic's WSManager: a register/
// unregister channel pair guarding a client set, plus a Publish that skips
// clients with a full send buffer instead of blocking.
type StatusHub struct {
	log        *slog.Logger
	mu         sync.RWMutex
	clients    map[*hubClient]bool
	register   chan *hubClient
	unregister chan *hubClient
}

// NewStatusHub starts the hub's dispatch loop and returns it ready to use.
func NewStatusHub(logger *slog.Logger) *StatusHub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &StatusHub{
		log:        logger,
		clients:    make(map[*hubClient]bool),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
	}
	go h.run()
	return h
}

func (h *StatusHub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				c.conn.Close()
			}
			h.mu.Unlock()
		}
	}
}

// Publish sends data to every client subscribed to topic.
func (h *StatusHub) Publish(topic string, data any) {
	body, err := json.Marshal(StatusMessage{Topic: topic, Data: data})
	if err != nil {
		h.log.Warn("StatusHub.Publish(topic) :: marshal failed", "topic", topic, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.topics[topic] {
			continue
		}
		select {
		case c.send <- body:
		default:
			h.log.Warn("StatusHub.Publish(topic) :: client buffer full, dropping", "topic", topic)
		}
	}
}

// PublishPool is a typed convenience wrapper for the "pool" topic.
func (h *StatusHub) PublishPool(snap PoolSnapshot) {
	h.Publish(TopicPool, snap)
}

// PublishWorker is a typed convenience wrapper for the "worker" topic.
func (h *StatusHub) PublishWorker(ev WorkerEvent) {
	h.Publish(TopicWorker, ev)
}

// Handler upgrades incoming requests to WebSocket connections and subscribes
// them to every topic by default; clients narrow their subscription with a
// {"action":"unsubscribe","topics":[...]} control message and add topics
// back with "subscribe".
func (h *StatusHub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn("StatusHub.Handler :: upgrade failed", "error", err)
			return
		}

		c := &hubClient{
			id:     uuid.NewString(),
			conn:   conn,
			topics: map[string]bool{TopicPool: true, TopicWorker: true},
			send:   make(chan []byte, 64),
		}
		h.register <- c
		h.log.Debug("StatusHub.Handler :: client_connected", "client_id", c.id)

		go h.writePump(c)
		go h.readPump(c)
	})
}

func (h *StatusHub) readPump(c *hubClient) {
	defer func() {
		h.unregister <- c
		h.log.Debug("StatusHub.readPump :: client_disconnected", "client_id", c.id)
	}()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg struct {
			Action string   `json:"action"`
			Topics []string `json:"topics"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		h.mu.Lock()
		switch msg.Action {
		case "subscribe":
			for _, t := range msg.Topics {
				c.topics[t] = true
			}
		case "unsubscribe":
			for _, t := range msg.Topics {
				delete(c.topics, t)
			}
		}
		h.mu.Unlock()
	}
}

func (h *StatusHub) writePump(c *hubClient) {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}
