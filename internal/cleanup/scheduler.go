// Package cleanup runs the periodic sweep that reclaims sessions and
// participants whose owners vanished without closing them.
package cleanup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-emotion/sessiond/internal/models"
)

// Registry is the subset of the session registry the sweep drives.
type Registry interface {
	Sessions(ctx context.Context) ([]*models.Session, error)
	LoadParticipants(ctx context.Context, ids []string) (map[string]*models.Participant, error)
	MarkInactive(ctx context.Context, id string, idle time.Duration) (bool, error)
	ExpireSession(ctx context.Context, id string, timeout, grace time.Duration) (bool, error)
	MarkDisconnected(ctx context.Context, participantID string, timeout time.Duration) (bool, error)
	EvictParticipant(ctx context.Context, sessionID, participantID string, silentFor time.Duration) (bool, error)
}

// Config holds the sweep cadence and the two timeout tiers.
type Config struct {
	Interval     time.Duration
	SweepTimeout time.Duration // budget for one whole sweep
	StoreTimeout time.Duration // bound on each store call inside a sweep

	SessionTimeout    time.Duration
	GraceTTL          time.Duration
	InactiveAfter     time.Duration
	ConnectionTimeout time.Duration
	DisconnectGrace   time.Duration
}

// Result counts what one sweep did.
type Result struct {
	Scanned      int
	Inactive     int
	Expired      int
	Purged       int
	Disconnected int
	Evicted      int
	Errors       int
}

func (r Result) changed() bool {
	return r.Inactive+r.Expired+r.Purged+r.Disconnected+r.Evicted+r.Errors > 0
}

// Scheduler runs Sweep on a fixed interval until stopped.
type Scheduler struct {
	reg    Registry
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	sweepMu sync.Mutex
}

// NewScheduler creates a cleanup scheduler.
func NewScheduler(reg Registry, cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = 10 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = time.Second
	}
	return &Scheduler{reg: reg, cfg: cfg, logger: logger, now: time.Now}
}

// SetClock replaces time.Now.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Start begins the sweep loop. Call Stop() to release resources.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.run(ctx, done)
	s.logger.Info("cleanup scheduler started", zap.Duration("interval", s.cfg.Interval))
}

// Stop stops the loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	<-s.done
	s.logger.Info("cleanup scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one sweep; nothing it does may take the process down.
func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cleanup sweep panicked", zap.Any("panic", r))
		}
	}()
	res, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Warn("cleanup sweep failed, retrying next tick", zap.Error(err))
		return
	}
	if res.changed() {
		s.logger.Info("cleanup sweep",
			zap.Int("scanned", res.Scanned),
			zap.Int("inactive", res.Inactive),
			zap.Int("expired", res.Expired),
			zap.Int("purged", res.Purged),
			zap.Int("disconnected", res.Disconnected),
			zap.Int("evicted", res.Evicted),
			zap.Int("errors", res.Errors),
		)
	}
}

// Sweep scans every session once. Store TTLs remain the primary expiry
// mechanism; this pass closes what they miss and drives participant timeouts.
// Only a failed scan is returned as an error; per-record failures are counted
// and logged. Running it again over the same state is a no-op.
func (s *Scheduler) Sweep(ctx context.Context) (Result, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.SweepTimeout)
	defer cancel()

	var res Result
	list, err := s.reg.Sessions(ctx)
	if err != nil {
		return res, fmt.Errorf("scan sessions: %w", err)
	}
	res.Scanned = len(list)
	now := s.now().UTC()

	for _, sess := range list {
		if ctx.Err() != nil {
			s.logger.Warn("cleanup sweep out of time", zap.Int("remaining", len(list)-res.Scanned))
			break
		}
		s.sweepSession(ctx, sess, now, &res)
	}
	return res, nil
}

func (s *Scheduler) sweepSession(ctx context.Context, sess *models.Session, now time.Time, res *Result) {
	idle := now.Sub(sess.LastActivity)

	if !sess.Open() || idle > s.cfg.SessionTimeout {
		var deleted bool
		err := s.call(ctx, func(ctx context.Context) (err error) {
			deleted, err = s.reg.ExpireSession(ctx, sess.ID, s.cfg.SessionTimeout, s.cfg.GraceTTL)
			return err
		})
		switch {
		case err != nil:
			s.fail(res, "expire session", sess.ID, err)
		case deleted && sess.Open():
			res.Expired++
		case deleted:
			res.Purged++
		}
		return
	}

	if sess.Status == models.SessionActive && idle > s.cfg.InactiveAfter {
		var marked bool
		err := s.call(ctx, func(ctx context.Context) (err error) {
			marked, err = s.reg.MarkInactive(ctx, sess.ID, s.cfg.InactiveAfter)
			return err
		})
		if err != nil {
			s.fail(res, "mark inactive", sess.ID, err)
		} else if marked {
			res.Inactive++
		}
	}

	if len(sess.Participants) > 0 {
		s.sweepParticipants(ctx, sess, now, res)
	}
}

func (s *Scheduler) sweepParticipants(ctx context.Context, sess *models.Session, now time.Time, res *Result) {
	var loaded map[string]*models.Participant
	err := s.call(ctx, func(ctx context.Context) (err error) {
		loaded, err = s.reg.LoadParticipants(ctx, sess.Participants)
		return err
	})
	if err != nil {
		s.fail(res, "load participants", sess.ID, err)
		return
	}

	for _, pid := range sess.Participants {
		p, ok := loaded[pid]
		evict := !ok // membership without a record cannot recover
		if ok {
			silent := now.Sub(p.LastSeen)
			if silent > s.cfg.ConnectionTimeout && p.Status != models.ParticipantDisconnected {
				var marked bool
				err := s.call(ctx, func(ctx context.Context) (err error) {
					marked, err = s.reg.MarkDisconnected(ctx, pid, s.cfg.ConnectionTimeout)
					return err
				})
				if err != nil {
					s.fail(res, "mark disconnected", sess.ID, err)
					continue
				}
				if marked {
					res.Disconnected++
				}
			}
			evict = silent > s.cfg.ConnectionTimeout+s.cfg.DisconnectGrace
		}
		if !evict {
			continue
		}
		var evicted bool
		if err := s.call(ctx, func(ctx context.Context) (err error) {
			evicted, err = s.reg.EvictParticipant(ctx, sess.ID, pid, s.cfg.ConnectionTimeout+s.cfg.DisconnectGrace)
			return err
		}); err != nil {
			s.fail(res, "evict participant", sess.ID, err)
			continue
		}
		if evicted {
			res.Evicted++
		}
	}
}

func (s *Scheduler) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	return fn(ctx)
}

func (s *Scheduler) fail(res *Result, op, sessionID string, err error) {
	res.Errors++
	s.logger.Warn("cleanup step failed", zap.String("op", op), zap.String("session_id", sessionID), zap.Error(err))
}
