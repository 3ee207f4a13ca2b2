package server

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relaymesh/relayd/internal/connmgr"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// EventServer broadcasts endpoint lifecycle events to WebSocket clients.
type EventServer struct {
	clients    map[*eventClient]bool
	broadcast  chan []byte
	register   chan *eventClient
	unregister chan *eventClient
	upgrader   websocket.Upgrader
	mu         sync.RWMutex
}

type eventClient struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	server *EventServer
}

// NewEventServer creates the broadcast hub. Run must be started before
// clients connect.
func NewEventServer() *EventServer {
	return &EventServer{
		clients:    make(map[*eventClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *eventClient),
		unregister: make(chan *eventClient),
		upgrader: websocket.Upgrader{
			// Admin API binds to loopback; cross-origin browsers are
			// not part of the picture.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ClientCount returns the number of connected clients (thread-safe).
func (s *EventServer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Run starts the hub event loop.
func (s *EventServer) Run() {
	for {
		select {
		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			s.mu.Unlock()

		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				close(client.send)
			}
			s.mu.Unlock()

		case message := <-s.broadcast:
			s.mu.RLock()
			for client := range s.clients {
				select {
				case client.send <- message:
				default:
					// Client's send channel is full, skip
				}
			}
			s.mu.RUnlock()
		}
	}
}

// Publish fans an event out to every connected client. It is the
// endpoint registry's notification callback.
func (s *EventServer) Publish(ev connmgr.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[APIServer] failed to marshal event: %v", err)
		return
	}
	select {
	case s.broadcast <- payload:
	default:
		log.Printf("[APIServer] event broadcast queue full, dropping %s", ev.Kind)
	}
}

// HandleWebSocket upgrades the request and attaches the client to the hub.
func (s *EventServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[APIServer] WebSocket upgrade error: %v", err)
		return
	}

	client := &eventClient{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
	}

	s.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump discards inbound frames; the events socket is one-way. It
// exists to process control frames and detect the peer going away.
func (c *eventClient) readPump() {
	defer func() {
		c.server.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[APIServer] events client %s read error: %v", c.id, err)
			}
			return
		}
	}
}

func (c *eventClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
