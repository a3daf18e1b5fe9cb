package sessions

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/aura-emotion/sessiond/internal/events"
	"github.com/aura-emotion/sessiond/internal/models"
	"github.com/aura-emotion/sessiond/internal/store"
)

// Sessions returns every session record in the store, terminated ones included.
func (r *Registry) Sessions(ctx context.Context) ([]*models.Session, error) {
	return r.store.ScanSessions(ctx)
}

// SessionsByWorker returns the open sessions owned by workerID.
func (r *Registry) SessionsByWorker(ctx context.Context, workerID string) ([]*models.Session, error) {
	all, err := r.store.ScanSessions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Session, 0)
	for _, s := range all {
		if s.Open() && s.WorkerID == workerID {
			out = append(out, s)
		}
	}
	return out, nil
}

// CleanupClientSessions closes every open session owned by clientID and returns
// how many were closed. Sessions that fail to close are reported in the joined error.
func (r *Registry) CleanupClientSessions(ctx context.Context, clientID string) (int, error) {
	if err := validateID("client_id", clientID); err != nil {
		return 0, err
	}
	all, err := r.store.ScanSessions(ctx)
	if err != nil {
		return 0, err
	}
	var targets []string
	for _, s := range all {
		if s.Open() && s.ClientID == clientID {
			targets = append(targets, s.ID)
		}
	}
	n, err := r.closeAll(ctx, targets, events.ReasonClient)
	r.logger.Info("client sessions cleaned up", zap.String("client_id", clientID), zap.Int("closed", n))
	return n, err
}

// DrainWorker closes every open session owned by this worker. It is the
// shutdown hook and must finish before the store connection is released.
func (r *Registry) DrainWorker(ctx context.Context) (int, error) {
	owned, err := r.SessionsByWorker(ctx, r.cfg.WorkerID)
	if err != nil {
		return 0, err
	}
	ids := make([]string, len(owned))
	for i, s := range owned {
		ids[i] = s.ID
	}
	n, err := r.closeAll(ctx, ids, events.ReasonDrain)
	r.logger.Info("worker drained", zap.String("worker_id", r.cfg.WorkerID), zap.Int("closed", n))
	return n, err
}

func (r *Registry) closeAll(ctx context.Context, ids []string, reason string) (int, error) {
	var (
		n    int
		errs []error
	)
	for _, id := range ids {
		opCtx, cancel := r.opContext(ctx)
		ok, err := r.closeSession(opCtx, id, reason)
		cancel()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// MarkInactive flags an active session idle for longer than idle. The TTL is
// rewritten with the time the session has left, so marking never extends its life.
func (r *Registry) MarkInactive(ctx context.Context, id string, idle time.Duration) (bool, error) {
	now := r.clock()
	var marked bool
	sess, err := r.store.UpdateSession(ctx, id, func(s *models.Session) (*store.Mutation, error) {
		marked = false
		since := now.Sub(s.LastActivity)
		if s.Status != models.SessionActive || since <= idle {
			return nil, nil
		}
		remaining := r.cfg.SessionTimeout - since
		if remaining < time.Second {
			remaining = time.Second
		}
		s.Status = models.SessionInactive
		marked = true
		return &store.Mutation{TTL: remaining}, nil
	})
	if err != nil || !marked {
		return false, err
	}
	r.remember(sess)
	ev := r.event(events.SessionUpdated, id)
	ev.Status = string(models.SessionInactive)
	ev.Session = sess.Clone()
	r.publish(ctx, ev)
	return true, nil
}

// ExpireSession removes an open session idle for longer than timeout, running the
// same detach path as CloseSession, and purges terminated records older than grace.
// Reports whether the record was deleted.
func (r *Registry) ExpireSession(ctx context.Context, id string, timeout, grace time.Duration) (bool, error) {
	now := r.clock()
	var (
		detached []string
		expired  bool
		deleted  bool
	)
	sess, err := r.store.UpdateSessionTx(ctx, id, func(s *models.Session, v *store.View) (*store.Mutation, error) {
		detached, expired, deleted = nil, false, false
		if !s.Open() {
			closedAt := s.LastActivity
			if s.ClosedAt != nil {
				closedAt = *s.ClosedAt
			}
			if now.Sub(closedAt) <= grace {
				return nil, nil
			}
			deleted = true
			return &store.Mutation{Delete: true}, nil
		}
		if now.Sub(s.LastActivity) <= timeout {
			return nil, nil
		}
		mine, err := ownedBy(v, id, s.Participants)
		if err != nil {
			return nil, err
		}
		detached = s.Participants
		s.Participants = []string{}
		s.Status = models.SessionTerminated
		s.ClosedAt = &now
		expired, deleted = true, true
		return &store.Mutation{Delete: true, DeleteParticipants: mine}, nil
	})
	if err != nil || !deleted {
		return false, err
	}
	r.cache.Remove(id)
	if expired {
		r.publish(ctx, r.closeEvents(sess, detached, events.ReasonExpired)...)
		r.logger.Info("session expired", zap.String("session_id", id), zap.Int("participants", len(detached)))
	}
	return true, nil
}

// MarkDisconnected flags a participant whose last sign of life is older than timeout.
func (r *Registry) MarkDisconnected(ctx context.Context, participantID string, timeout time.Duration) (bool, error) {
	now := r.clock()
	var marked bool
	p, err := r.store.UpdateParticipant(ctx, participantID, func(p *models.Participant) (time.Duration, error) {
		marked = false
		if p.Status == models.ParticipantDisconnected || now.Sub(p.LastSeen) <= timeout {
			return 0, nil
		}
		p.Status = models.ParticipantDisconnected
		marked = true
		return r.cfg.SessionTimeout, nil
	})
	if err != nil || p == nil || !marked {
		return false, err
	}
	ev := r.event(events.ParticipantDisconnected, p.SessionID)
	ev.ParticipantID = participantID
	ev.Status = string(p.Status)
	r.publish(ctx, ev)
	r.logger.Info("participant disconnected",
		zap.String("session_id", p.SessionID),
		zap.String("participant_id", participantID),
		zap.Time("last_seen", p.LastSeen),
	)
	return true, nil
}

// EvictParticipant removes a participant silent for longer than silentFor through
// the normal leave path. Last seen is re-read under the session lock, so a
// participant that reported in the meantime is kept and false is returned.
func (r *Registry) EvictParticipant(ctx context.Context, sessionID, participantID string, silentFor time.Duration) (bool, error) {
	return r.leave(ctx, sessionID, participantID, events.ReasonExpired, silentFor)
}
