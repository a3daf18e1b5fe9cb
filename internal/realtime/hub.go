// Package realtime is the WebSocket channel to the transport collaborator:
// health reports stream in, lifecycle events for the participant's session go out.
package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/aura-emotion/sessiond/internal/events"
)

// Hub maintains session_id -> participant_id -> connection and routes
// lifecycle events from the local bus to the connections of that session.
type Hub struct {
	// sessionID -> map[participantID]*Client
	sessions map[string]map[string]*Client
	mu       sync.RWMutex
	logger   *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sessions: make(map[string]map[string]*Client),
		logger:   logger,
	}
}

// Start routes events from the bus until Stop is called.
func (h *Hub) Start(bus *events.Bus) {
	h.mu.Lock()
	if h.cancel != nil {
		h.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	done := h.done
	h.mu.Unlock()

	sub := bus.Subscribe(func(ev events.Event) bool { return h.hasSession(ev.SessionID) })
	go func() {
		defer close(done)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				h.Route(ev)
			}
		}
	}()
}

// Stop stops routing and closes every connection.
func (h *Hub) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel = nil
	for sid, clients := range h.sessions {
		for _, c := range clients {
			c.close()
		}
		delete(h.sessions, sid)
	}
	h.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Register adds a connection. An older connection of the same participant is closed.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.sessions[c.SessionID] == nil {
		h.sessions[c.SessionID] = make(map[string]*Client)
	}
	if old := h.sessions[c.SessionID][c.ParticipantID]; old != nil {
		old.superseded.Store(true)
		old.close()
	}
	h.sessions[c.SessionID][c.ParticipantID] = c
	h.mu.Unlock()
	h.logger.Debug("participant connected", zap.String("session_id", c.SessionID), zap.String("participant_id", c.ParticipantID))
}

// Unregister removes a connection if it is still the current one for its participant.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.sessions[c.SessionID]
	if !ok || m[c.ParticipantID] != c {
		return
	}
	delete(m, c.ParticipantID)
	if len(m) == 0 {
		delete(h.sessions, c.SessionID)
	}
	c.close()
}

// Connections returns the number of open connections in a session.
func (h *Hub) Connections(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

func (h *Hub) hasSession(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[sessionID] != nil
}

// Route delivers an event to the session's connections. A participant that left
// and every connection of a closed session are disconnected after delivery.
func (h *Hub) Route(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	msg := WSMessage{Event: string(ev.Type), Data: data}

	h.mu.Lock()
	defer h.mu.Unlock()
	clients := h.sessions[ev.SessionID]
	for _, c := range clients {
		c.enqueue(msg)
	}
	switch ev.Type {
	case events.SessionClosed:
		for pid, c := range clients {
			c.left.Store(true)
			c.close()
			delete(clients, pid)
		}
	case events.ParticipantLeft:
		if c := clients[ev.ParticipantID]; c != nil {
			c.left.Store(true)
			c.close()
			delete(clients, ev.ParticipantID)
		}
	}
	if clients != nil && len(clients) == 0 {
		delete(h.sessions, ev.SessionID)
	}
}

// SendTo delivers a message to one participant's connection.
func (h *Hub) SendTo(sessionID, participantID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c := h.sessions[sessionID][participantID]; c != nil {
		c.enqueue(WSMessage{Event: event, Data: data})
	}
}
