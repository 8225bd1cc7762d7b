package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/qobuzdl/server/internal/download"
	"github.com/qobuzdl/server/internal/logger"
	"github.com/qobuzdl/server/internal/metrics"
)

// QueueMessage is pushed to every client whenever the queue changes.
type QueueMessage struct {
	Type string            `json:"type"`
	Data download.Snapshot `json:"data"`
}

const messageTypeQueueStatus = "queue_status"

// Hub maintains the set of active clients and broadcasts queue snapshots to
// them. Snapshots are coalesced: a slow hub only ever sends the newest one.
type Hub struct {
	clients map[*Client]bool

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// notify wakes Run after latest has been replaced.
	notify chan struct{}

	// done is closed when Run returns.
	done chan struct{}

	mu     sync.RWMutex
	latest []byte
	count  int

	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewHub creates a new Hub instance.
func NewHub(log *logger.Logger, m *metrics.Metrics) *Hub {
	if log == nil {
		log = logger.Default().WithComponent("websocket")
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		log:        log,
		metrics:    m,
	}
}

// Run starts the hub's main loop. It returns when ctx is done, after
// disconnecting every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.remove(client)
			}
			close(h.done)
			return

		case client := <-h.register:
			h.clients[client] = true
			h.setCount(len(h.clients))
			if msg := h.latestMessage(); msg != nil {
				client.send <- msg
			}

		case client := <-h.unregister:
			h.remove(client)

		case <-h.notify:
			msg := h.latestMessage()
			for client := range h.clients {
				select {
				case client.send <- msg:
				default:
					// Client's buffer is full, drop it
					h.log.Warn(ctx, "dropping slow websocket client", nil)
					h.remove(client)
				}
			}
		}
	}
}

// Register adds a client. It reports false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client; a no-op once the hub has stopped.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) remove(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	h.setCount(len(h.clients))
}

func (h *Hub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.SetWSConnections(int64(n))
	}
}

func (h *Hub) latestMessage() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest
}

// PublishSnapshot replaces the message sent to clients. It never blocks,
// so it can be registered directly with Queue.OnChange.
func (h *Hub) PublishSnapshot(snap download.Snapshot) {
	data, err := json.Marshal(QueueMessage{Type: messageTypeQueueStatus, Data: snap})
	if err != nil {
		h.log.Error(context.Background(), "failed to encode queue snapshot", err)
		return
	}

	h.mu.Lock()
	h.latest = data
	h.mu.Unlock()

	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// TotalClients returns the total number of connected clients.
func (h *Hub) TotalClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}
