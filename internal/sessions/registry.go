// Package sessions is the session registry: create, read, update and close
// sessions and their participants on top of the shared store.
//
// The store is authoritative. The in-process cache only serves a last known copy
// of a session while the store is unreachable.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/aura-emotion/sessiond/internal/events"
	"github.com/aura-emotion/sessiond/internal/models"
	"github.com/aura-emotion/sessiond/internal/store"
)

// IDs end up inside store keys and SCAN patterns, so glob characters are excluded.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Config holds registry limits and timeouts.
type Config struct {
	WorkerID        string
	SessionTimeout  time.Duration // TTL of live records, refreshed on activity
	GraceTTL        time.Duration // retention of terminated sessions
	MaxParticipants int
	OpTimeout       time.Duration // bound on each store call
	CacheSize       int
	CacheTTL        time.Duration
}

// CreationRecorder counts session creations for rate metrics.
type CreationRecorder interface {
	RecordCreation(ctx context.Context, at time.Time) error
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithPublisher sets where lifecycle events go.
func WithPublisher(p events.Publisher) Option {
	return func(r *Registry) { r.pub = p }
}

// WithCreationRecorder sets the creation counter.
func WithCreationRecorder(rec CreationRecorder) Option {
	return func(r *Registry) { r.recorder = rec }
}

// Registry manages session and participant records.
type Registry struct {
	store    *store.Store
	cfg      Config
	logger   *zap.Logger
	cache    *expirable.LRU[string, *models.Session]
	pub      events.Publisher
	recorder CreationRecorder
	now      func() time.Time
}

// NewRegistry creates a registry over the shared store.
func NewRegistry(st *store.Store, cfg Config, logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 2 * time.Second
	}
	r := &Registry{
		store:  st,
		cfg:    cfg,
		logger: logger,
		cache:  expirable.NewLRU[string, *models.Session](cfg.CacheSize, nil, cfg.CacheTTL),
		pub:    events.Discard,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WorkerID returns the worker this registry creates sessions for.
func (r *Registry) WorkerID() string { return r.cfg.WorkerID }

// CreateParams are the caller-supplied fields of a new session.
type CreateParams struct {
	SessionID string // optional; generated when empty
	ClientID  string
	Metadata  map[string]any
}

// CreateSession writes a new session owned by this worker. An existing ID is
// never overwritten: the call fails with ErrDuplicateSession.
func (r *Registry) CreateSession(ctx context.Context, p CreateParams) (*models.Session, error) {
	id := p.SessionID
	if id == "" {
		id = uuid.NewString()
	} else if err := validateID("session_id", id); err != nil {
		return nil, err
	}
	if p.ClientID != "" {
		if err := validateID("client_id", p.ClientID); err != nil {
			return nil, err
		}
	}

	now := r.clock()
	sess := &models.Session{
		ID:           id,
		WorkerID:     r.cfg.WorkerID,
		ClientID:     p.ClientID,
		CreatedAt:    now,
		LastActivity: now,
		Status:       models.SessionActive,
		Participants: []string{},
		Metadata:     p.Metadata,
	}

	opCtx, cancel := r.opContext(ctx)
	defer cancel()
	if err := r.store.CreateSession(opCtx, sess, r.cfg.SessionTimeout); err != nil {
		if errors.Is(err, store.ErrExists) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
		}
		return nil, err
	}
	r.remember(sess)

	if r.recorder != nil {
		if err := r.recorder.RecordCreation(opCtx, now); err != nil {
			r.logger.Warn("record session creation", zap.String("session_id", id), zap.Error(err))
		}
	}
	ev := r.event(events.SessionCreated, id)
	ev.Session = sess.Clone()
	r.publish(ctx, ev)

	r.logger.Info("session created",
		zap.String("session_id", id),
		zap.String("worker_id", r.cfg.WorkerID),
		zap.String("client_id", p.ClientID),
	)
	return sess, nil
}

// GetSession returns the session or nil if it does not exist. Reading an open
// session refreshes its last activity and TTL. When the store is unreachable a
// cached copy is returned if one is held; otherwise ErrStoreUnavailable.
func (r *Registry) GetSession(ctx context.Context, id string) (*models.Session, error) {
	if err := validateID("session_id", id); err != nil {
		return nil, err
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	sess, err := r.store.UpdateSession(ctx, id, r.refresh(r.clock()))
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			if cached, ok := r.cache.Get(id); ok {
				r.logger.Warn("store unavailable, serving cached session", zap.String("session_id", id), zap.Error(err))
				return cached.Clone(), nil
			}
		}
		return nil, err
	}
	if sess == nil {
		r.cache.Remove(id)
		return nil, nil
	}
	r.remember(sess)
	return sess, nil
}

// SessionUpdate lists the fields a caller may change. Nil fields are left alone.
type SessionUpdate struct {
	ClientID *string
	Status   *models.SessionStatus // active or inactive; closing goes through CloseSession
	Metadata map[string]any        // merged into the existing bag; a nil value deletes the key
}

// UpdateSession merges upd into the session and refreshes its TTL. It returns
// false if the session does not exist or is already terminated.
func (r *Registry) UpdateSession(ctx context.Context, id string, upd SessionUpdate) (bool, error) {
	if err := validateID("session_id", id); err != nil {
		return false, err
	}
	if upd.Status != nil && (*upd.Status != models.SessionActive && *upd.Status != models.SessionInactive) {
		return false, fmt.Errorf("%w: status %q", ErrInvalidInput, *upd.Status)
	}
	if upd.ClientID != nil && *upd.ClientID != "" {
		if err := validateID("client_id", *upd.ClientID); err != nil {
			return false, err
		}
	}

	ctx, cancel := r.opContext(ctx)
	defer cancel()
	now := r.clock()
	var applied bool
	sess, err := r.store.UpdateSession(ctx, id, func(s *models.Session) (*store.Mutation, error) {
		applied = false
		if !s.Open() {
			return nil, nil
		}
		if upd.ClientID != nil {
			s.ClientID = *upd.ClientID
		}
		s.Status = models.SessionActive
		if upd.Status != nil {
			s.Status = *upd.Status
		}
		for k, v := range upd.Metadata {
			if s.Metadata == nil {
				s.Metadata = make(map[string]any, len(upd.Metadata))
			}
			if v == nil {
				delete(s.Metadata, k)
				continue
			}
			s.Metadata[k] = v
		}
		s.LastActivity = now
		applied = true
		return &store.Mutation{TTL: r.cfg.SessionTimeout}, nil
	})
	if err != nil {
		return false, err
	}
	if sess == nil {
		r.cache.Remove(id)
		return false, nil
	}
	r.remember(sess)
	if !applied {
		return false, nil
	}

	ev := r.event(events.SessionUpdated, id)
	ev.Status = string(sess.Status)
	ev.Session = sess.Clone()
	r.publish(ctx, ev)
	return true, nil
}

// CloseSession terminates the session, detaches its participants and keeps the
// record for the grace TTL. Closing a terminated session is a no-op that still
// returns true; false means the session does not exist.
func (r *Registry) CloseSession(ctx context.Context, id string) (bool, error) {
	if err := validateID("session_id", id); err != nil {
		return false, err
	}
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	return r.closeSession(ctx, id, events.ReasonExplicit)
}

func (r *Registry) closeSession(ctx context.Context, id, reason string) (bool, error) {
	now := r.clock()
	var (
		detached  []string
		closedNow bool
	)
	sess, err := r.store.UpdateSessionTx(ctx, id, func(s *models.Session, v *store.View) (*store.Mutation, error) {
		detached, closedNow = nil, false
		if !s.Open() {
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
		closedNow = true
		return &store.Mutation{TTL: r.cfg.GraceTTL, DeleteParticipants: mine}, nil
	})
	if err != nil {
		return false, err
	}
	r.cache.Remove(id)
	if sess == nil {
		return false, nil
	}
	if closedNow {
		r.publish(ctx, r.closeEvents(sess, detached, reason)...)
		r.logger.Info("session closed",
			zap.String("session_id", id),
			zap.String("reason", reason),
			zap.Int("participants", len(detached)),
		)
	}
	return true, nil
}

// refresh returns an update that bumps activity and the full TTL of an open session.
// Terminated sessions are returned untouched so their grace TTL keeps running.
func (r *Registry) refresh(now time.Time) func(*models.Session) (*store.Mutation, error) {
	return func(s *models.Session) (*store.Mutation, error) {
		if !s.Open() {
			return nil, nil
		}
		s.LastActivity = now
		s.Status = models.SessionActive
		return &store.Mutation{TTL: r.cfg.SessionTimeout}, nil
	}
}

func (r *Registry) closeEvents(sess *models.Session, detached []string, reason string) []events.Event {
	evs := make([]events.Event, 0, len(detached)+1)
	for _, pid := range detached {
		left := r.event(events.ParticipantLeft, sess.ID)
		left.ParticipantID = pid
		left.Reason = reason
		evs = append(evs, left)
	}
	closed := r.event(events.SessionClosed, sess.ID)
	closed.Reason = reason
	closed.Status = string(models.SessionTerminated)
	closed.Session = sess.Clone()
	closed.Participants = len(detached)
	return append(evs, closed)
}

func (r *Registry) remember(sess *models.Session) {
	if !sess.Open() {
		r.cache.Remove(sess.ID)
		return
	}
	r.cache.Add(sess.ID, sess.Clone())
}

func (r *Registry) event(t events.Type, sessionID string) events.Event {
	return events.New(t, sessionID, r.cfg.WorkerID, r.clock())
}

// publish runs after the store commit. It outlives the caller's cancellation so
// a committed change is always announced.
func (r *Registry) publish(ctx context.Context, evs ...events.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.OpTimeout)
	defer cancel()
	for _, ev := range evs {
		if err := r.pub.Publish(ctx, ev); err != nil {
			r.logger.Warn("publish lifecycle event",
				zap.String("type", string(ev.Type)),
				zap.String("session_id", ev.SessionID),
				zap.Error(err),
			)
		}
	}
}

// opContext bounds a store call. A shorter deadline already on ctx wins.
func (r *Registry) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.cfg.OpTimeout)
}

func (r *Registry) clock() time.Time { return r.now().UTC() }

func validateID(field, id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %s %q", ErrInvalidInput, field, id)
	}
	return nil
}
