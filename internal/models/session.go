package models

import (
	"slices"
	"time"
)

// SessionStatus is the lifecycle state of a session record.
type SessionStatus string

const (
	SessionActive     SessionStatus = "active"
	SessionInactive   SessionStatus = "inactive"
	SessionTerminated SessionStatus = "terminated"
)

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionInactive, SessionTerminated:
		return true
	}
	return false
}

// Session is the record stored at session:<id> in the shared store.
type Session struct {
	ID           string         `json:"session_id"`
	WorkerID     string         `json:"worker_id"`
	ClientID     string         `json:"client_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActivity time.Time      `json:"last_activity"`
	Status       SessionStatus  `json:"status"`
	Participants []string       `json:"participants"` // participant IDs in join order
	Metadata     map[string]any `json:"metadata,omitempty"`
	ClosedAt     *time.Time     `json:"closed_at,omitempty"`
}

// Open reports whether the session still occupies capacity.
func (s *Session) Open() bool {
	return s.Status != SessionTerminated
}

// HasParticipant reports whether participantID is a member.
func (s *Session) HasParticipant(participantID string) bool {
	return slices.Contains(s.Participants, participantID)
}

// RemoveParticipant drops participantID from the member list; reports whether it was present.
func (s *Session) RemoveParticipant(participantID string) bool {
	i := slices.Index(s.Participants, participantID)
	if i < 0 {
		return false
	}
	s.Participants = slices.Delete(s.Participants, i, i+1)
	return true
}

// Duration returns how long the session has lived, up to its close time if closed.
func (s *Session) Duration(now time.Time) time.Duration {
	end := now
	if s.ClosedAt != nil {
		end = *s.ClosedAt
	}
	if end.Before(s.CreatedAt) {
		return 0
	}
	return end.Sub(s.CreatedAt)
}

// Clone returns a deep copy safe to hand to callers.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Participants = slices.Clone(s.Participants)
	if s.Metadata != nil {
		c.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	if s.ClosedAt != nil {
		t := *s.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}
