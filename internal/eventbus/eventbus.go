// Package eventbus broadcasts the engine's mutation events (spec.md §6: "Events emitted") to
// subscribers over WebSocket, generalizing the teacher's single reporting channel
// (Blackhole.RunStrategy1's reportChan) into a multi-subscriber hub. Adapted from
// Klingon-tech-klingdex/internal/rpc/websocket.go's WSHub/WSClient pair.
package eventbus

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ChoSanghyuk/dcaengine/internal/logging"
)

// EventType names one of spec.md §6's emitted events.
type EventType string

const (
	EventCreated             EventType = "Created"
	EventCreatedBatched      EventType = "CreatedBatched"
	EventModified            EventType = "Modified"
	EventTerminated          EventType = "Terminated"
	EventWithdrawn           EventType = "Withdrawn"
	EventPositionOwnerUpdated EventType = "PositionOwnerUpdated"
	EventSwapped             EventType = "Swapped"
	EventBlankSwapped        EventType = "BlankSwapped"
)

// Event is one JSON-serializable mutation notification. ID is a correlation ID, not a
// position ID — it identifies this particular event for client-side dedupe/tracing.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Subscription is a client's subscribe/unsubscribe request, mirroring Klingon's WSSubscription.
type Subscription struct {
	Action string   `json:"action"` // "subscribe" or "unsubscribe"
	Events []string `json:"events"`
}

// Client is a single connected WebSocket subscriber.
type Client struct {
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[EventType]bool
	mu            sync.RWMutex
	hub           *Hub
}

// Hub fans every published Event out to its subscribers, filtered by subscription.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	log        *logging.Logger
	mu         sync.RWMutex
	nowUnix    func() int64
}

// NewHub constructs a Hub. Call Run in its own goroutine before Publish/ServeWS are used.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		log:        logging.GetDefault().Component("eventbus"),
		nowUnix:    func() int64 { return time.Now().Unix() },
	}
}

// Run drives the hub's register/unregister/broadcast loop until stop is closed.
func (h *Hub) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug("client connected", "clients", len(h.clients))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.log.Debug("client disconnected", "clients", len(h.clients))

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.log.Error("failed to marshal event", "error", err)
				continue
			}

			h.mu.RLock()
			for client := range h.clients {
				client.mu.RLock()
				subscribed := client.subscriptions[event.Type] || len(client.subscriptions) == 0
				client.mu.RUnlock()
				if !subscribed {
					continue
				}
				select {
				case client.send <- data:
				default:
					h.log.Warn("client send buffer full, dropping", "type", event.Type)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish is the method every engine mutation calls to emit its event. Non-blocking: if the
// broadcast channel is saturated the event is dropped and logged, matching spec.md §5's
// guarantee that the engine's own state transitions never block on an external observer.
func (h *Hub) Publish(eventType EventType, data interface{}) {
	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Data:      data,
		Timestamp: h.nowUnix(),
	}
	select {
	case h.broadcast <- event:
	default:
		h.log.Warn("broadcast channel full, dropping event", "type", eventType)
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades an HTTP request to a WebSocket subscriber connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("upgrade failed", "error", err)
		return
	}

	client := &Client{
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: make(map[EventType]bool),
		hub:           h,
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("read error", "error", err)
			}
			break
		}
		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.handleSubscription(&sub)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleSubscription(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, eventStr := range sub.Events {
		eventType := EventType(eventStr)
		switch sub.Action {
		case "subscribe":
			c.subscriptions[eventType] = true
		case "unsubscribe":
			delete(c.subscriptions, eventType)
		}
	}
}
