// Package sessionlog archives closed sessions to Postgres.
package sessionlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/aura-emotion/sessiond/internal/models"
)

// DefaultListLimit and MaxListLimit bound archive listings.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Record is one archived session.
type Record struct {
	EventID          string         `json:"event_id"`
	SessionID        string         `json:"session_id"`
	WorkerID         string         `json:"worker_id"`
	ClientID         string         `json:"client_id,omitempty"`
	CloseReason      string         `json:"close_reason,omitempty"`
	ParticipantCount int            `json:"participant_count"`
	CreatedAt        time.Time      `json:"created_at"`
	ClosedAt         time.Time      `json:"closed_at"`
	DurationSeconds  float64        `json:"duration_seconds"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// NewRecord builds the archive row for a closed session. closedAt is used when
// the session carries no close time of its own.
func NewRecord(eventID, reason string, participants int, sess *models.Session, closedAt time.Time) Record {
	if sess.ClosedAt != nil {
		closedAt = *sess.ClosedAt
	}
	s := *sess
	s.ClosedAt = &closedAt
	return Record{
		EventID:          eventID,
		SessionID:        sess.ID,
		WorkerID:         sess.WorkerID,
		ClientID:         sess.ClientID,
		CloseReason:      reason,
		ParticipantCount: participants,
		CreatedAt:        sess.CreatedAt,
		ClosedAt:         closedAt,
		DurationSeconds:  s.Duration(closedAt).Seconds(),
		Metadata:         sess.Metadata,
	}
}

// DB is the part of a pgx pool the repository uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository handles session_archive.
type Repository struct {
	db DB
}

// NewRepository creates a session archive repository.
func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

// Archive inserts a record. Replays of the same event are ignored.
func (r *Repository) Archive(ctx context.Context, rec Record) error {
	var meta []byte
	if len(rec.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(rec.Metadata); err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO session_archive
		 (event_id, session_id, worker_id, client_id, close_reason, participant_count, created_at, closed_at, duration_seconds, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (event_id) DO NOTHING`,
		rec.EventID, rec.SessionID, rec.WorkerID, rec.ClientID, rec.CloseReason,
		rec.ParticipantCount, rec.CreatedAt, rec.ClosedAt, rec.DurationSeconds, meta)
	if err != nil {
		return fmt.Errorf("archive session %s: %w", rec.SessionID, err)
	}
	return nil
}

// ListRecent returns the most recently closed sessions, optionally for one worker.
func (r *Repository) ListRecent(ctx context.Context, workerID string, limit int) ([]Record, error) {
	rows, err := r.db.Query(ctx,
		`SELECT event_id, session_id, worker_id, client_id, close_reason, participant_count,
		        created_at, closed_at, duration_seconds, metadata
		 FROM session_archive
		 WHERE $1 = '' OR worker_id = $1
		 ORDER BY closed_at DESC LIMIT $2`,
		workerID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []Record{}
	for rows.Next() {
		var rec Record
		var meta []byte
		if err := rows.Scan(&rec.EventID, &rec.SessionID, &rec.WorkerID, &rec.ClientID, &rec.CloseReason,
			&rec.ParticipantCount, &rec.CreatedAt, &rec.ClosedAt, &rec.DurationSeconds, &meta); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of %s: %w", rec.SessionID, err)
			}
		}
		list = append(list, rec)
	}
	return list, rows.Err()
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	}
	return limit
}
