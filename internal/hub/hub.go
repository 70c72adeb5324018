// Package hub broadcasts engine events to websocket consumers.
//
// The hub subscribes to the in-process event bus and fans every event out
// as a typed envelope. Because bus dispatch is synchronous in mutation
// order and each client has a single writer goroutine, consumers observe a
// task's events in the order its mutations occurred. Envelopes carry a
// unique messageId so consumers can deduplicate after reconnects.
//
// A heartbeat envelope is exchanged on a fixed interval; a consumer that
// misses three consecutive responses is presumed disconnected and dropped.
package hub

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/michaellee1/ClaudeGod-sub002/internal/event"
	"github.com/michaellee1/ClaudeGod-sub002/internal/logging"
)

// Envelope message types beyond the event bus ones.
const (
	TypePing = "ping"
	TypePong = "pong"
)

const (
	// DefaultPingInterval is the heartbeat period.
	DefaultPingInterval = 30 * time.Second
	// maxMissedPongs disconnects a consumer after this many silent beats.
	maxMissedPongs = 3
	// sendBufferSize bounds the per-client outbound queue.
	sendBufferSize = 256
)

// Envelope is the outbound wire format.
type Envelope struct {
	Type      string    `json:"type"`
	TaskID    string    `json:"taskOrInitiativeId,omitempty"`
	Data      any       `json:"data,omitempty"`
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

// inbound is what consumers may send back. Only pong is recognized.
type inbound struct {
	Type string `json:"type"`
}

// client is one connected websocket consumer.
type client struct {
	conn   *websocket.Conn
	send   chan Envelope
	pongCh chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Hub manages websocket consumers and forwards bus events to them.
type Hub struct {
	bus          *event.Bus
	logger       *logging.Logger
	pingInterval time.Duration
	upgrader     websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	subIDs  []string
	closed  bool

	wg sync.WaitGroup
}

// NewHub creates a hub subscribed to every bus event. pingInterval <= 0
// selects the default.
func NewHub(bus *event.Bus, logger *logging.Logger, pingInterval time.Duration) *Hub {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}

	h := &Hub{
		bus:          bus,
		logger:       logger.WithComponent("hub"),
		pingInterval: pingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The engine serves a local UI; origin policy is the reverse
			// proxy's concern.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}

	h.subIDs = append(h.subIDs, bus.SubscribeAll(h.onEvent))
	return h
}

// onEvent translates a bus event into an envelope and broadcasts it.
func (h *Hub) onEvent(ev event.Event) {
	h.broadcast(Envelope{
		Type:      ev.EventType(),
		TaskID:    ev.TaskID(),
		Data:      envelopeData(ev),
		MessageID: uuid.NewString(),
		Timestamp: ev.Timestamp(),
	})
}

// envelopeData picks the payload for each event type.
func envelopeData(ev event.Event) any {
	switch e := ev.(type) {
	case event.TaskUpdatedEvent:
		return e.Snapshot
	case event.OutputEvent:
		return e.Record
	case event.PhaseCompleteEvent:
		return map[string]any{
			"phase":    e.Phase,
			"next":     e.Next,
			"exitCode": e.ExitCode,
		}
	case event.FileChangeEvent:
		return map[string]any{"paths": e.Paths}
	default:
		return nil
	}
}

// broadcast queues an envelope on every client. A consumer whose queue is
// full is dropped rather than allowed to stall the rest.
func (h *Hub) broadcast(env Envelope) {
	h.mu.Lock()
	var stalled []*client
	for c := range h.clients {
		select {
		case c.send <- env:
		default:
			stalled = append(stalled, c)
			delete(h.clients, c)
		}
	}
	h.mu.Unlock()

	for _, c := range stalled {
		h.logger.Warn("dropping stalled websocket consumer")
		c.close()
	}
}

// ServeHTTP upgrades the request and attaches the consumer to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan Envelope, sendBufferSize),
		pongCh: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Info("websocket consumer connected", "remote", conn.RemoteAddr().String())

	h.wg.Add(2)
	go h.writePump(c)
	go h.readPump(c)
}

// writePump is the client's single writer: queued envelopes plus the
// heartbeat. Missing three consecutive pongs drops the consumer.
func (h *Hub) writePump(c *client) {
	defer h.wg.Done()
	defer h.detach(c)

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-c.done:
			return
		case env := <-c.send:
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-c.pongCh:
			missed = 0
		case <-ticker.C:
			if missed >= maxMissedPongs {
				h.logger.Info("websocket consumer missed heartbeats, disconnecting")
				return
			}
			missed++
			ping := Envelope{
				Type:      TypePing,
				MessageID: uuid.NewString(),
				Timestamp: time.Now().UTC(),
			}
			if err := c.conn.WriteJSON(ping); err != nil {
				return
			}
		}
	}
}

// readPump consumes inbound messages, recognizing heartbeat responses.
func (h *Hub) readPump(c *client) {
	defer h.wg.Done()
	defer h.detach(c)

	for {
		var msg inbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type == TypePong {
			select {
			case c.pongCh <- struct{}{}:
			default:
			}
		}
	}
}

// detach removes and closes a client. Safe to call from both pumps.
func (h *Hub) detach(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// ClientCount returns the number of attached consumers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close unsubscribes from the bus and disconnects every consumer.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, id := range h.subIDs {
		h.bus.Unsubscribe(id)
	}
	for _, c := range clients {
		c.close()
	}
	h.wg.Wait()
}
