// Package websocket serves live, replayable views of job event logs.
package websocket

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/loglens/api/internal/model"
	"github.com/loglens/api/internal/store"
)

const writeTimeout = 10 * time.Second

// Hub serves progress streams. Each connection gets its own store
// subscription, so a slow or disconnected client never blocks the event
// log or other subscribers; a client that drops can reconnect with the
// last sequence number it saw.
type Hub struct {
	store     store.Store
	heartbeat time.Duration

	mu      sync.Mutex
	clients map[string]int // jobID → open connections
}

func NewHub(s store.Store, heartbeat time.Duration) *Hub {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Hub{
		store:     s,
		heartbeat: heartbeat,
		clients:   make(map[string]int),
	}
}

// HandleConnection streams the job's events to one client: backlog after
// from, then live events, with heartbeats on idle. Returns when the job
// reaches a terminal state and the backlog is drained, or when the client
// goes away.
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string, from int64) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := h.store.Subscribe(ctx, jobID, from)
	if err != nil {
		_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = c.WriteJSON(model.WSErrorMessage{
			Type:    model.WSMessageTypeError,
			Code:    "NOT_FOUND",
			Message: "unknown job",
		})
		return
	}

	h.register(jobID)
	defer h.unregister(jobID)

	// Reader loop only watches for the client closing the connection.
	go func() {
		defer cancel()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	lastSeq := from
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				// Terminal state delivered; close cleanly.
				_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
				_ = c.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.WriteJSON(model.WSEventMessage{Type: model.WSMessageTypeEvent, Event: evt}); err != nil {
				log.Printf("Stream write failed for job %s: %v", jobID, err)
				return
			}
			lastSeq = evt.Seq
			ticker.Reset(h.heartbeat)

		case <-ticker.C:
			_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.WriteJSON(model.WSHeartbeatMessage{
				Type:    model.WSMessageTypeHeartbeat,
				JobID:   jobID,
				LastSeq: lastSeq,
			}); err != nil {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) register(jobID string) {
	h.mu.Lock()
	h.clients[jobID]++
	n := h.clients[jobID]
	h.mu.Unlock()
	log.Printf("Stream client connected for job %s (%d active)", jobID, n)
}

func (h *Hub) unregister(jobID string) {
	h.mu.Lock()
	h.clients[jobID]--
	if h.clients[jobID] <= 0 {
		delete(h.clients, jobID)
	}
	h.mu.Unlock()
	log.Printf("Stream client disconnected from job %s", jobID)
}

// ActiveClients reports open stream connections for a job.
func (h *Hub) ActiveClients(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[jobID]
}
