// Package metrics derives session statistics from the store at read time.
// Session counts are never kept as separate counters; the only counter is the
// per-bucket creation tally used for the connection rate.
package metrics

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/aura-emotion/sessiond/internal/models"
)

const createdKeyPrefix = "metrics:created:"

// Source is the store surface the aggregator reads.
type Source interface {
	ScanSessions(ctx context.Context) ([]*models.Session, error)
	IncrCounter(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Counter(ctx context.Context, key string) (int64, error)
}

// ConnectionMetrics is a point-in-time snapshot over every session record.
type ConnectionMetrics struct {
	TotalSessions                 int            `json:"total_sessions"`
	ActiveSessions                int            `json:"active_sessions"`
	InactiveSessions              int            `json:"inactive_sessions"`
	TerminatedSessions            int            `json:"terminated_sessions"`
	TotalParticipants             int            `json:"total_participants"`
	AverageSessionDurationSeconds float64        `json:"average_session_duration_seconds"`
	ConnectionsPerSecond          float64        `json:"connections_per_second"`
	OpenSessionsByWorker          map[string]int `json:"open_sessions_by_worker"`
	GeneratedAt                   time.Time      `json:"generated_at"`
}

// Aggregator computes statistics on demand.
type Aggregator struct {
	src    Source
	bucket time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewAggregator creates an aggregator. bucket is the window of the creation rate.
func NewAggregator(src Source, bucket time.Duration, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bucket <= 0 {
		bucket = time.Minute
	}
	return &Aggregator{src: src, bucket: bucket, logger: logger, now: time.Now}
}

// SetClock replaces time.Now.
func (a *Aggregator) SetClock(now func() time.Time) { a.now = now }

// RecordCreation counts one session creation in the bucket containing at.
func (a *Aggregator) RecordCreation(ctx context.Context, at time.Time) error {
	_, err := a.src.IncrCounter(ctx, a.bucketKey(at), 3*a.bucket)
	return err
}

// ActiveSessionCount returns the number of sessions with status active.
func (a *Aggregator) ActiveSessionCount(ctx context.Context) (int, error) {
	all, err := a.src.ScanSessions(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range all {
		if s.Status == models.SessionActive {
			n++
		}
	}
	return n, nil
}

// TotalSessionCount returns the number of session records, terminated ones included.
func (a *Aggregator) TotalSessionCount(ctx context.Context) (int, error) {
	all, err := a.src.ScanSessions(ctx)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

// OpenSessionCount returns the sessions owned by workerID that still hold
// capacity (active or inactive).
func (a *Aggregator) OpenSessionCount(ctx context.Context, workerID string) (int, error) {
	all, err := a.src.ScanSessions(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range all {
		if s.Open() && s.WorkerID == workerID {
			n++
		}
	}
	return n, nil
}

// ConnectionMetrics enumerates the store and summarizes it.
func (a *Aggregator) ConnectionMetrics(ctx context.Context) (*ConnectionMetrics, error) {
	all, err := a.src.ScanSessions(ctx)
	if err != nil {
		return nil, err
	}
	now := a.now().UTC()
	m := &ConnectionMetrics{
		TotalSessions:        len(all),
		OpenSessionsByWorker: make(map[string]int),
		GeneratedAt:          now,
	}
	var total time.Duration
	for _, s := range all {
		switch s.Status {
		case models.SessionActive:
			m.ActiveSessions++
		case models.SessionInactive:
			m.InactiveSessions++
		case models.SessionTerminated:
			m.TerminatedSessions++
		}
		if s.Open() {
			m.OpenSessionsByWorker[s.WorkerID]++
		}
		m.TotalParticipants += len(s.Participants)
		total += s.Duration(now)
	}
	if len(all) > 0 {
		m.AverageSessionDurationSeconds = total.Seconds() / float64(len(all))
	}

	rate, err := a.connectionsPerSecond(ctx, now)
	if err != nil {
		a.logger.Warn("read creation counter", zap.Error(err))
	}
	m.ConnectionsPerSecond = rate
	return m, nil
}

// connectionsPerSecond uses the last complete bucket so the rate does not dip at
// the start of every window.
func (a *Aggregator) connectionsPerSecond(ctx context.Context, now time.Time) (float64, error) {
	n, err := a.src.Counter(ctx, a.bucketKey(now.Add(-a.bucket)))
	if err != nil {
		return 0, err
	}
	return float64(n) / a.bucket.Seconds(), nil
}

func (a *Aggregator) bucketKey(t time.Time) string {
	return createdKeyPrefix + strconv.FormatInt(t.UnixNano()/int64(a.bucket), 10)
}
