// Package realtime pushes assignment and queue events to staff boards over
// sockjs. Each client narrows what it receives with a subscribe message.
package realtime

import (
	"encoding/json"
	"log"
	"sync"
)

type Subscription struct {
	VenueID  string
	BranchID string
	WorkerID string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

type SubscribeMessage struct {
	Action   string `json:"action"`
	VenueID  string `json:"venue_id"`
	BranchID string `json:"branch_id"`
	WorkerID string `json:"worker_id"`
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers payload to every client whose subscription matches
// meta. A client with a full send buffer misses the message.
func (h *Hub) Broadcast(payload []byte, meta Subscription) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, client := range h.clients {
		if !match(client.Subscription, meta) {
			continue
		}
		select {
		case client.Send <- payload:
			delivered++
		default:
			log.Printf("realtime drop message client=%s", client.ID)
		}
	}
	return delivered
}

// match treats empty subscription fields as wildcards. A worker subscription
// also receives branch-wide events that name no worker.
func match(sub Subscription, meta Subscription) bool {
	if sub.VenueID != "" && meta.VenueID != sub.VenueID {
		return false
	}
	if sub.BranchID != "" && meta.BranchID != sub.BranchID {
		return false
	}
	if sub.WorkerID != "" && meta.WorkerID != "" && meta.WorkerID != sub.WorkerID {
		return false
	}
	return true
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}
