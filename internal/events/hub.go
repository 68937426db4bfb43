// Package events fans job transitions out to live subscribers.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/timmy/sermontube/internal/domain"
	"github.com/timmy/sermontube/internal/logger"
)

// Event types.
const (
	TypeJobUpdate    = "job_update"
	TypeBatchCreated = "batch_created"
	TypeDiscovery    = "discovery"
)

// Event is one message on the stream.
type Event struct {
	Type      string          `json:"type"`
	BatchID   string          `json:"batch_id,omitempty"`
	JobID     string          `json:"job_id,omitempty"`
	State     domain.JobState `json:"state,omitempty"`
	Stage     string          `json:"stage,omitempty"`
	Progress  int             `json:"progress,omitempty"`
	Count     int             `json:"count,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// JobUpdate builds a job_update event from a job snapshot.
func JobUpdate(job *domain.Job) Event {
	ev := Event{
		Type:      TypeJobUpdate,
		BatchID:   job.BatchID,
		JobID:     job.ID,
		State:     job.State,
		Progress:  job.Progress,
		Timestamp: time.Now().UTC(),
	}
	if job.State == domain.JobStateFailed {
		ev.Error = job.ErrorDetail
	}
	return ev
}

// Publisher is what services emit events through.
type Publisher interface {
	Publish(Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}

const clientBuffer = 64

// Client is one subscriber. Messages are pre-encoded JSON.
type Client struct {
	send chan []byte
}

// C returns the client's message channel. It is closed on unsubscribe.
func (c *Client) C() <-chan []byte {
	return c.send
}

// Hub broadcasts events to every subscribed client. A client whose buffer is
// full misses the message rather than stalling the publisher.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	closed  bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*Client]struct{})}
}

// Subscribe registers a new client.
func (h *Hub) Subscribe() *Client {
	c := &Client{send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(c.send)
		return c
	}
	h.clients[c] = struct{}{}
	return c
}

// Unsubscribe removes c and closes its channel.
func (h *Hub) Unsubscribe(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Publish encodes ev and offers it to every client.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Warn("Failed to marshal event: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

// ClientCount returns the number of subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run closes every client once ctx is done.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.closed = true
}
