package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-emotion/sessiond/internal/events"
	"github.com/aura-emotion/sessiond/internal/models"
	"github.com/aura-emotion/sessiond/internal/quality"
	"github.com/aura-emotion/sessiond/internal/store"
)

// JoinSession adds a participant to an open session. An empty participantID is
// generated. A participant still listed by another open session is rejected
// with ErrDuplicateParticipant. The check and the write share one optimistic
// transaction, so concurrent joins of the same participant cannot both succeed.
func (r *Registry) JoinSession(ctx context.Context, sessionID, participantID string, metadata map[string]any) (*models.Participant, error) {
	if err := validateID("session_id", sessionID); err != nil {
		return nil, err
	}
	if participantID == "" {
		participantID = uuid.NewString()
	} else if err := validateID("participant_id", participantID); err != nil {
		return nil, err
	}

	ctx, cancel := r.opContext(ctx)
	defer cancel()

	now := r.clock()
	var p *models.Participant
	sess, err := r.store.UpdateSessionTx(ctx, sessionID, func(s *models.Session, v *store.View) (*store.Mutation, error) {
		switch {
		case !s.Open():
			return nil, ErrSessionNotFound
		case s.HasParticipant(participantID):
			return nil, ErrDuplicateParticipant
		case len(s.Participants) >= r.cfg.MaxParticipants:
			return nil, ErrSessionFull
		}
		if err := checkMembership(v, sessionID, participantID); err != nil {
			return nil, err
		}
		s.Participants = append(s.Participants, participantID)
		s.LastActivity = now
		s.Status = models.SessionActive
		p = &models.Participant{
			ID:        participantID,
			SessionID: sessionID,
			JoinedAt:  now,
			LastSeen:  now,
			Status:    models.ParticipantConnecting,
			Metadata:  metadata,
		}
		return &store.Mutation{
			TTL:              r.cfg.SessionTimeout,
			SaveParticipants: []*models.Participant{p},
			ParticipantTTL:   r.cfg.SessionTimeout,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	if sess == nil {
		r.cache.Remove(sessionID)
		return nil, ErrSessionNotFound
	}
	r.remember(sess)

	ev := r.event(events.ParticipantJoined, sessionID)
	ev.ParticipantID = participantID
	ev.Status = string(p.Status)
	r.publish(ctx, ev)

	r.logger.Info("participant joined",
		zap.String("session_id", sessionID),
		zap.String("participant_id", participantID),
		zap.Int("participants", len(sess.Participants)),
	)
	return p, nil
}

// checkMembership rejects a participant that another open session still lists.
// Records left behind by sessions that no longer list the participant are stale
// and may be overwritten. Corrupt participant records count as absent.
func checkMembership(v *store.View, sessionID, participantID string) error {
	parts, err := v.Participants(participantID)
	if err != nil {
		return err
	}
	existing, ok := parts[participantID]
	if !ok || existing.SessionID == sessionID {
		return nil
	}
	other, err := v.Session(existing.SessionID)
	if err != nil && !errors.Is(err, store.ErrCorrupt) {
		return err
	}
	if other != nil && other.Open() && other.HasParticipant(participantID) {
		return fmt.Errorf("%w: member of session %s", ErrDuplicateParticipant, other.ID)
	}
	return nil
}

// ownedBy filters ids down to those whose participant record points at sessionID.
// Only those records may be deleted when the session lets go of them.
func ownedBy(v *store.View, sessionID string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	parts, err := v.Participants(ids...)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if p, ok := parts[id]; ok && p.SessionID == sessionID {
			out = append(out, id)
		}
	}
	return out, nil
}

// LeaveSession removes a participant. Leaving twice, or leaving a session that no
// longer exists, is a no-op. Removing the last participant closes the session.
func (r *Registry) LeaveSession(ctx context.Context, sessionID, participantID string) error {
	if err := validateID("session_id", sessionID); err != nil {
		return err
	}
	if err := validateID("participant_id", participantID); err != nil {
		return err
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	_, err := r.leave(ctx, sessionID, participantID, "", 0)
	return err
}

// leave removes participantID from the session. With staleAfter set, a
// participant whose record shows a sign of life within staleAfter is kept; the
// check runs inside the transaction so a racing health report wins.
func (r *Registry) leave(ctx context.Context, sessionID, participantID, reason string, staleAfter time.Duration) (bool, error) {
	now := r.clock()
	var removed, emptied, alive bool
	sess, err := r.store.UpdateSessionTx(ctx, sessionID, func(s *models.Session, v *store.View) (*store.Mutation, error) {
		removed, emptied, alive = false, false, false
		if !s.HasParticipant(participantID) {
			return nil, nil
		}
		parts, err := v.Participants(participantID)
		if err != nil {
			return nil, err
		}
		p, ok := parts[participantID]
		mine := ok && p.SessionID == sessionID
		if staleAfter > 0 && mine && now.Sub(p.LastSeen) <= staleAfter {
			alive = true
			return nil, nil
		}
		s.RemoveParticipant(participantID)
		removed = true
		s.LastActivity = now
		m := &store.Mutation{TTL: r.cfg.SessionTimeout}
		if mine {
			m.DeleteParticipants = []string{participantID}
		}
		if len(s.Participants) == 0 {
			emptied = true
			s.Status = models.SessionTerminated
			s.ClosedAt = &now
			m.TTL = r.cfg.GraceTTL
		}
		return m, nil
	})
	if err != nil {
		return false, err
	}
	if alive {
		r.logger.Debug("participant active again, not evicted",
			zap.String("session_id", sessionID),
			zap.String("participant_id", participantID),
		)
		return false, nil
	}
	if !removed {
		if sess == nil {
			r.cache.Remove(sessionID)
		}
		r.dropOrphan(ctx, sessionID, participantID)
		return false, nil
	}
	r.remember(sess)

	left := r.event(events.ParticipantLeft, sessionID)
	left.ParticipantID = participantID
	left.Reason = reason
	evs := []events.Event{left}
	if emptied {
		closed := r.event(events.SessionClosed, sessionID)
		closed.Reason = events.ReasonEmpty
		closed.Status = string(models.SessionTerminated)
		closed.Session = sess.Clone()
		closed.Participants = 1
		evs = append(evs, closed)
	}
	r.publish(ctx, evs...)

	r.logger.Info("participant left",
		zap.String("session_id", sessionID),
		zap.String("participant_id", participantID),
		zap.Bool("session_closed", emptied),
	)
	return true, nil
}

// dropOrphan deletes a participant record that points at sessionID although the
// session does not list it.
func (r *Registry) dropOrphan(ctx context.Context, sessionID, participantID string) {
	p, err := r.store.GetParticipant(ctx, participantID)
	if err != nil || p == nil || p.SessionID != sessionID {
		return
	}
	if err := r.store.DeleteParticipant(ctx, participantID); err != nil {
		r.logger.Debug("delete orphan participant", zap.String("participant_id", participantID), zap.Error(err))
	}
}

// GetParticipant returns the participant or nil if it does not exist.
func (r *Registry) GetParticipant(ctx context.Context, participantID string) (*models.Participant, error) {
	if err := validateID("participant_id", participantID); err != nil {
		return nil, err
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	return r.store.GetParticipant(ctx, participantID)
}

// LoadParticipants fetches several participants at once; absent ones are missing from the map.
func (r *Registry) LoadParticipants(ctx context.Context, ids []string) (map[string]*models.Participant, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	return r.store.GetParticipants(ctx, ids)
}

// ReportHealth merges a health sample into the participant and refreshes both
// the participant and its session. Reports for unknown participants are
// expected after a leave and return nil, nil.
func (r *Registry) ReportHealth(ctx context.Context, participantID string, sample quality.Sample) (*models.Participant, error) {
	if err := validateID("participant_id", participantID); err != nil {
		return nil, err
	}
	if err := sample.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	ctx, cancel := r.opContext(ctx)
	defer cancel()
	now := r.clock()
	var prev models.ParticipantStatus
	p, err := r.store.UpdateParticipant(ctx, participantID, func(p *models.Participant) (time.Duration, error) {
		prev = p.Status
		p.ConnectionHealth = quality.Merge(p.ConnectionHealth, sample)
		p.LastSeen = now
		p.Status = models.ParticipantConnected
		return r.cfg.SessionTimeout, nil
	})
	if err != nil {
		return nil, err
	}
	if p == nil {
		r.logger.Debug("health report for unknown participant", zap.String("participant_id", participantID))
		return nil, nil
	}

	member, err := r.touch(ctx, p.SessionID, participantID, now)
	switch {
	case err != nil:
		r.logger.Warn("refresh session after health report",
			zap.String("session_id", p.SessionID),
			zap.String("participant_id", participantID),
			zap.Error(err),
		)
	case !member:
		r.logger.Debug("health report for participant no longer in its session",
			zap.String("session_id", p.SessionID),
			zap.String("participant_id", participantID),
		)
		r.dropOrphan(ctx, p.SessionID, participantID)
		return nil, nil
	}

	ev := r.event(events.HealthUpdated, p.SessionID)
	ev.ParticipantID = participantID
	ev.Quality = p.ConnectionHealth.Quality
	evs := []events.Event{ev}
	if prev != p.Status {
		evs = append(evs, r.statusEvent(p))
	}
	r.publish(ctx, evs...)
	return p, nil
}

// touch refreshes an open session that still lists participantID.
func (r *Registry) touch(ctx context.Context, sessionID, participantID string, now time.Time) (bool, error) {
	var member bool
	sess, err := r.store.UpdateSession(ctx, sessionID, func(s *models.Session) (*store.Mutation, error) {
		member = s.Open() && s.HasParticipant(participantID)
		if !member {
			return nil, nil
		}
		s.LastActivity = now
		s.Status = models.SessionActive
		return &store.Mutation{TTL: r.cfg.SessionTimeout}, nil
	})
	if err != nil {
		return false, err
	}
	if sess != nil && member {
		r.remember(sess)
	}
	return member, nil
}

// SetParticipantStatus records a connection state reported by the transport.
// Only a connected report counts as a sign of life. Returns nil for unknown participants.
func (r *Registry) SetParticipantStatus(ctx context.Context, participantID string, status models.ParticipantStatus) (*models.Participant, error) {
	if err := validateID("participant_id", participantID); err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: participant status %q", ErrInvalidInput, status)
	}

	ctx, cancel := r.opContext(ctx)
	defer cancel()
	now := r.clock()
	var changed bool
	p, err := r.store.UpdateParticipant(ctx, participantID, func(p *models.Participant) (time.Duration, error) {
		changed = p.Status != status
		if !changed && status != models.ParticipantConnected {
			return 0, nil
		}
		p.Status = status
		if status == models.ParticipantConnected {
			p.LastSeen = now
		}
		return r.cfg.SessionTimeout, nil
	})
	if err != nil || p == nil {
		return p, err
	}
	if changed {
		r.publish(ctx, r.statusEvent(p))
	}
	return p, nil
}

func (r *Registry) statusEvent(p *models.Participant) events.Event {
	ev := r.event(events.ParticipantStatusChanged, p.SessionID)
	ev.ParticipantID = p.ID
	ev.Status = string(p.Status)
	return ev
}
