package models

import (
	"time"

	"github.com/aura-emotion/sessiond/internal/quality"
)

// ParticipantStatus is the connection state of a participant.
type ParticipantStatus string

const (
	ParticipantConnecting   ParticipantStatus = "connecting"
	ParticipantConnected    ParticipantStatus = "connected"
	ParticipantReconnecting ParticipantStatus = "reconnecting"
	ParticipantDisconnected ParticipantStatus = "disconnected"
)

// Valid reports whether s is a known participant status.
func (s ParticipantStatus) Valid() bool {
	switch s {
	case ParticipantConnecting, ParticipantConnected, ParticipantReconnecting, ParticipantDisconnected:
		return true
	}
	return false
}

// Participant is the record stored at participant:<id>. It belongs to exactly one session.
// ConnectionHealth stays zero, with an empty (unknown) quality tier, until the
// first health report arrives.
type Participant struct {
	ID               string            `json:"participant_id"`
	SessionID        string            `json:"session_id"`
	JoinedAt         time.Time         `json:"joined_at"`
	LastSeen         time.Time         `json:"last_seen"`
	Status           ParticipantStatus `json:"status"`
	ConnectionHealth quality.Health    `json:"connection_health"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
}
