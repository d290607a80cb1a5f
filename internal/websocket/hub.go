package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/sudoku-rooms/internal/domain"
)

// Message types
const (
	MessageTypeRoomUpdate  = "room_update"
	MessageTypeRoomClosed  = "room_closed"
	MessageTypeSubscribe   = "subscribe"
	MessageTypeUnsubscribe = "unsubscribe"
	MessageTypePing        = "ping"
	MessageTypePong        = "pong"
	MessageTypeError       = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      string      `json:"type"`
	RoomID    string      `json:"room_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Hub maintains the set of active clients and fans room snapshots out
// to them. Room state itself comes from the store feed; the hub only
// routes.
type Hub struct {
	// Registered clients by room ID
	clients map[string]map[*Client]bool

	// All connected clients
	allClients map[*Client]bool

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Inbound messages to fan out
	broadcast chan *Message

	// Subscription requests
	subscribe chan *subscriptionRequest

	// Unsubscription requests
	unsubscribe chan *subscriptionRequest

	// Feed is told when a room gains its first watcher or loses its
	// last one, so upstream subscriptions track demand.
	feed *Feed

	mu sync.RWMutex

	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

type subscriptionRequest struct {
	client *Client
	roomID string
}

// NewHub creates a new Hub
func NewHub(logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:     make(map[string]map[*Client]bool),
		allClients:  make(map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Message, 256),
		subscribe:   make(chan *subscriptionRequest, 64),
		unsubscribe: make(chan *subscriptionRequest, 64),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetFeed attaches the upstream snapshot feed. Must be called before Run.
func (h *Hub) SetFeed(feed *Feed) {
	h.feed = feed
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	h.logger.Info("WebSocket hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("WebSocket hub stopping")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.allClients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.id)

		case client := <-h.unregister:
			h.mu.Lock()
			var emptied []string
			if _, ok := h.allClients[client]; ok {
				delete(h.allClients, client)
				// Remove from all room subscriptions
				for roomID, clients := range h.clients {
					if _, ok := clients[client]; ok {
						delete(clients, client)
						if len(clients) == 0 {
							delete(h.clients, roomID)
							emptied = append(emptied, roomID)
						}
					}
				}
				close(client.send)
			}
			h.mu.Unlock()
			for _, roomID := range emptied {
				h.roomEmptied(roomID)
			}
			h.logger.Debug("client unregistered", "client_id", client.id)

		case req := <-h.subscribe:
			h.mu.Lock()
			first := false
			if _, ok := h.clients[req.roomID]; !ok {
				h.clients[req.roomID] = make(map[*Client]bool)
				first = true
			}
			h.clients[req.roomID][req.client] = true
			h.mu.Unlock()
			if first && h.feed != nil {
				go h.feed.Ensure(req.roomID)
			}
			h.logger.Debug("client subscribed", "client_id", req.client.id, "room_id", req.roomID)

		case req := <-h.unsubscribe:
			h.mu.Lock()
			emptied := false
			if clients, ok := h.clients[req.roomID]; ok {
				delete(clients, req.client)
				if len(clients) == 0 {
					delete(h.clients, req.roomID)
					emptied = true
				}
			}
			h.mu.Unlock()
			if emptied {
				h.roomEmptied(req.roomID)
			}
			h.logger.Debug("client unsubscribed", "client_id", req.client.id, "room_id", req.roomID)

		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

func (h *Hub) roomEmptied(roomID string) {
	if h.feed != nil {
		go h.feed.Release(roomID)
	}
}

// Stop stops the hub
func (h *Hub) Stop() {
	h.cancel()
}

// broadcastMessage sends a message to all subscribed clients
func (h *Hub) broadcastMessage(message *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal message", "error", err)
		return
	}

	// If the message has a room ID, only send to subscribed clients
	if message.RoomID != "" {
		if clients, ok := h.clients[message.RoomID]; ok {
			for client := range clients {
				select {
				case client.send <- data:
				default:
					// Client's buffer is full, skip
					h.logger.Warn("client buffer full, skipping", "client_id", client.id)
				}
			}
		}
	} else {
		// Broadcast to all clients
		for client := range h.allClients {
			select {
			case client.send <- data:
			default:
				h.logger.Warn("client buffer full, skipping", "client_id", client.id)
			}
		}
	}
}

// BroadcastRoomUpdate sends a room snapshot to all watchers of the room
func (h *Hub) BroadcastRoomUpdate(roomID string, room *domain.Room) {
	message := &Message{
		Type:      MessageTypeRoomUpdate,
		RoomID:    roomID,
		Data:      room,
		Timestamp: time.Now(),
	}

	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("broadcast channel full, dropping message")
	}
}

// BroadcastRoomClosed tells watchers the room no longer exists
func (h *Hub) BroadcastRoomClosed(roomID string) {
	message := &Message{
		Type:      MessageTypeRoomClosed,
		RoomID:    roomID,
		Timestamp: time.Now(),
	}

	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("broadcast channel full, dropping message")
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribe adds a client to a room subscription
func (h *Hub) Subscribe(client *Client, roomID string) {
	h.subscribe <- &subscriptionRequest{
		client: client,
		roomID: roomID,
	}
}

// Unsubscribe removes a client from a room subscription
func (h *Hub) Unsubscribe(client *Client, roomID string) {
	h.unsubscribe <- &subscriptionRequest{
		client: client,
		roomID: roomID,
	}
}

// GetSubscriberCount returns the number of watchers for a room
func (h *Hub) GetSubscriberCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if clients, ok := h.clients[roomID]; ok {
		return len(clients)
	}
	return 0
}

// GetTotalConnections returns the total number of connected clients
func (h *Hub) GetTotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allClients)
}
