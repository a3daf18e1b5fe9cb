// Package events carries session lifecycle events between the registry and
// whoever needs them: local subscribers, other workers, and the durable journal.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/aura-emotion/sessiond/internal/models"
	"github.com/aura-emotion/sessiond/internal/quality"
)

// Type identifies a lifecycle event.
type Type string

const (
	SessionCreated           Type = "session_created"
	SessionUpdated           Type = "session_updated"
	SessionClosed            Type = "session_closed"
	ParticipantJoined        Type = "participant_joined"
	ParticipantLeft          Type = "participant_left"
	ParticipantStatusChanged Type = "participant_status_changed"
	ParticipantDisconnected  Type = "participant_disconnected"
	HealthUpdated            Type = "health_updated"
)

// Close reasons carried on SessionClosed.
const (
	ReasonExplicit = "closed"
	ReasonEmpty    = "empty"
	ReasonExpired  = "expired"
	ReasonDrain    = "worker_shutdown"
	ReasonClient   = "client_disconnected"
)

// Event is one lifecycle change. ID is unique per event so at-least-once
// consumers can deduplicate.
type Event struct {
	ID            string          `json:"id"`
	Type          Type            `json:"type"`
	SessionID     string          `json:"session_id"`
	ParticipantID string          `json:"participant_id,omitempty"`
	WorkerID      string          `json:"worker_id"`
	At            time.Time       `json:"at"`
	Reason        string          `json:"reason,omitempty"`
	Status        string          `json:"status,omitempty"`
	Quality       quality.Tier    `json:"quality,omitempty"`
	Session       *models.Session `json:"session,omitempty"`
	Participants  int             `json:"participants,omitempty"` // member count at close, SessionClosed only
}

// New stamps a new event with a fresh ID.
func New(t Type, sessionID, workerID string, at time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		SessionID: sessionID,
		WorkerID:  workerID,
		At:        at,
	}
}

// Publisher delivers events somewhere.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(context.Context, Event) error { return nil })

// Multi publishes to every publisher and joins their errors.
func Multi(pubs ...Publisher) Publisher {
	return PublisherFunc(func(ctx context.Context, ev Event) error {
		var errs []error
		for _, p := range pubs {
			if p == nil {
				continue
			}
			if err := p.Publish(ctx, ev); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// Filter forwards only events whose type is listed.
func Filter(next Publisher, types ...Type) Publisher {
	allowed := make(map[Type]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}
	return PublisherFunc(func(ctx context.Context, ev Event) error {
		if _, ok := allowed[ev.Type]; !ok {
			return nil
		}
		return next.Publish(ctx, ev)
	})
}
