package main

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reflyai/triggerplane/control_plane/records"
	"github.com/reflyai/triggerplane/control_plane/streaming"
	"github.com/reflyai/triggerplane/control_plane/timeline"
)

const maxWSConnections = 200

// RecordHub manages WebSocket connections and forwards record
// transitions to the owning user's clients. Single subscriber pattern
// prevents N duplicate bus subscriptions.
type RecordHub struct {
	// clients maps connection to uid
	clients    map[*websocket.Conn]string
	register   chan registration
	unregister chan *websocket.Conn
	events     chan streaming.Event
	timeline   *timeline.Store
	mu         sync.RWMutex
}

type registration struct {
	conn *websocket.Conn
	uid  string
}

// NewRecordHub creates the hub and subscribes it to record transitions.
func NewRecordHub(bus *streaming.Bus, tl *timeline.Store) (*RecordHub, error) {
	h := &RecordHub{
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		events:     make(chan streaming.Event, 256),
		timeline:   tl,
	}
	_, err := bus.Subscribe(records.TopicRecordTransitions, func(event streaming.Event) {
		select {
		case h.events <- event:
		default:
			log.Println("record hub: event buffer full, dropping transition")
		}
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Run starts the hub's main loop.
func (h *RecordHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			// Connection cap to prevent overload
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				reg.conn.Close()
				log.Printf("WebSocket connection rejected: max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[reg.conn] = reg.uid
			h.mu.Unlock()
			log.Printf("WebSocket client registered for %s. Total: %d", reg.uid, len(h.clients))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
			log.Printf("WebSocket client unregistered. Total: %d", len(h.clients))

		case event := <-h.events:
			h.forward(event)
		}
	}
}

// forward decodes the transition, records it in the timeline and sends
// it to every connection of the owning user.
func (h *RecordHub) forward(event streaming.Event) {
	var transition records.TransitionEvent
	if err := json.Unmarshal(event.Payload, &transition); err != nil {
		log.Printf("record hub: decode transition: %v", err)
		return
	}

	h.timeline.Record(timeline.RecordEvent{
		RecordID:   transition.RecordID,
		ScheduleID: transition.ScheduleID,
		UID:        transition.UID,
		Status:     transition.Status,
		Timestamp:  event.Timestamp,
	})

	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn, uid := range h.clients {
		if uid != transition.UID {
			continue
		}
		// Set write deadline to prevent blocking on dead connections
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(transition); err != nil {
			log.Printf("WebSocket write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

// shutdown gracefully closes all client connections.
func (h *RecordHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	log.Printf("Shutting down WebSocket hub with %d clients", len(h.clients))

	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]string)
}

// Register adds a new client connection.
func (h *RecordHub) Register(conn *websocket.Conn, uid string) {
	h.register <- registration{conn: conn, uid: uid}
}

// Unregister removes a client connection.
func (h *RecordHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *RecordHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
