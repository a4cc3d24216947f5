package simulator

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// TailMessage is one frame sent to event tail subscribers.
type TailMessage struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// TailMessage types
const (
	TailMessageDecision = "decision"
	TailMessagePing     = "ping"
	TailMessagePong     = "pong"
)

// tailClient represents a connected tail subscriber
type tailClient struct {
	id   string
	conn *websocket.Conn
	send chan TailMessage
	hub  *EventHub
}

// EventHub fans shipped decision events out to connected tail subscribers.
type EventHub struct {
	clients    map[string]*tailClient
	broadcast  chan TailMessage
	register   chan *tailClient
	unregister chan *tailClient
	mu         sync.RWMutex
}

// NewEventHub creates a new event hub
func NewEventHub() *EventHub {
	return &EventHub{
		clients:    make(map[string]*tailClient),
		broadcast:  make(chan TailMessage, 256),
		register:   make(chan *tailClient),
		unregister: make(chan *tailClient),
	}
}

// Run starts the hub's fan-out loop
func (h *EventHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			log.Info().Str("client_id", client.id).Int("total_clients", total).Msg("tail client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Info().Str("client_id", client.id).Int("total_clients", total).Msg("tail client disconnected")

		case message := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				select {
				case client.send <- message:
				default:
					log.Warn().Str("client_id", client.id).Msg("tail client send buffer full, dropping message")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// shutdown closes all client connections
func (h *EventHub) shutdown() {
	h.mu.Lock()
	for _, client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[string]*tailClient)
	h.mu.Unlock()

	log.Info().Msg("event hub shutdown complete")
}

// BroadcastDecision queues one shipped event for every subscriber.
func (h *EventHub) BroadcastDecision(event DecisionEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("decision_id", event.DecisionID).Msg("failed to encode decision event")
		return
	}

	message := TailMessage{
		Type:      TailMessageDecision,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	select {
	case h.broadcast <- message:
	default:
		log.Warn().Str("decision_id", event.DecisionID).Msg("broadcast buffer full, dropping message")
	}
}

// ClientCount returns the number of connected subscribers
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the connection and streams events until the
// subscriber disconnects.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to accept tail connection")
		return
	}

	client := &tailClient{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan TailMessage, 64),
		hub:  h,
	}

	h.register <- client

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go client.writePump(ctx)
	client.readPump(ctx)
}

// writePump pumps queued messages to the connection and pings idle
// subscribers
func (c *tailClient) writePump(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case message, ok := <-c.send:
			if !ok {
				c.conn.Close(websocket.StatusNormalClosure, "connection closed")
				return
			}

			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, c.conn, message)
			cancel()

			if err != nil {
				log.Error().Err(err).Str("client_id", c.id).Msg("failed to write tail message")
				return
			}

		case <-ticker.C:
			ping := TailMessage{
				Type:      TailMessagePing,
				Timestamp: time.Now().UTC(),
			}

			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, c.conn, ping)
			cancel()

			if err != nil {
				log.Error().Err(err).Str("client_id", c.id).Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump drains client frames so pings are answered and closes are seen
func (c *tailClient) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		var message TailMessage
		err := wsjson.Read(ctx, c.conn, &message)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return
			}
			log.Debug().Err(err).Str("client_id", c.id).Msg("tail read error")
			return
		}

		if message.Type != TailMessagePong {
			log.Debug().Str("client_id", c.id).Str("type", message.Type).Msg("ignoring tail message")
		}
	}
}
