// Package realtime streams live campaign delivery progress to dashboard
// clients over WebSocket.
package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Message is one progress update for a campaign run.
type Message struct {
	Type       string `json:"type"`
	CampaignID int64  `json:"campaign_id"`
	RunID      string `json:"run_id,omitempty"`
	Status     string `json:"status,omitempty"`
	Processed  int64  `json:"processed"`
	Delivered  int64  `json:"delivered"`
	Failed     int64  `json:"failed"`
}

// Hub maintains the set of connected clients and fans messages out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast sends a message to all connected clients. Slow clients have
// their buffer skipped rather than blocking delivery progress.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Client buffer full; drop rather than block
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
