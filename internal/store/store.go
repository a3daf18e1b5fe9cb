// Package store is the shared session store: JSON session and participant
// records in Redis with TTLs. It is the only state shared across workers.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aura-emotion/sessiond/internal/models"
)

const (
	sessionPrefix     = "session:"
	participantPrefix = "participant:"

	maxTxAttempts = 8
	scanBatch     = 200
)

var (
	// ErrExists is returned by CreateSession when the key is already taken.
	ErrExists = errors.New("record already exists")
	// ErrUnavailable wraps every transport-level failure, including timeouts.
	// The outcome of the operation is unknown, not failed.
	ErrUnavailable = errors.New("session store unavailable")
	// ErrCorrupt marks a record that could not be decoded.
	ErrCorrupt = errors.New("corrupt store record")
)

// SessionKey returns the store key of a session.
func SessionKey(id string) string { return sessionPrefix + id }

// ParticipantKey returns the store key of a participant.
func ParticipantKey(id string) string { return participantPrefix + id }

// Mutation describes the writes committed with a session update.
type Mutation struct {
	TTL                time.Duration // session TTL, ignored when Delete is set
	Delete             bool
	SaveParticipants   []*models.Participant
	ParticipantTTL     time.Duration
	DeleteParticipants []string
}

// Store reads and writes session records with optimistic locking.
type Store struct {
	client *redis.Client
	logger *zap.Logger
}

// New creates a store over an existing Redis client.
func New(client *redis.Client, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, logger: logger}
}

// Ping checks store connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// CreateSession writes a new session only if its key does not exist.
func (s *Store) CreateSession(ctx context.Context, sess *models.Session, ttl time.Duration) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ok, err := s.client.SetNX(ctx, SessionKey(sess.ID), raw, ttl).Result()
	if err != nil {
		return unavailable(err)
	}
	if !ok {
		return ErrExists
	}
	return nil
}

// GetSession returns the session or nil, nil if absent.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	raw, err := s.client.Get(ctx, SessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return decodeSession(id, raw)
}

// abortError carries a callback error out of a WATCH transaction untouched.
type abortError struct{ err error }

func (e abortError) Error() string { return e.err.Error() }

// View reads further records inside a session update. Every key it reads joins
// the WATCH set, so the commit fails and is retried if any of them changes first.
type View struct {
	ctx    context.Context
	tx     *redis.Tx
	logger *zap.Logger
}

// Session returns another session or nil if absent.
func (v *View) Session(id string) (*models.Session, error) {
	key := SessionKey(id)
	if err := v.tx.Watch(v.ctx, key).Err(); err != nil {
		return nil, unavailable(err)
	}
	raw, err := v.tx.Get(v.ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return decodeSession(id, raw)
}

// Participants loads participant records; absent and corrupt ones are missing from the map.
func (v *View) Participants(ids ...string) (map[string]*models.Participant, error) {
	if len(ids) == 0 {
		return map[string]*models.Participant{}, nil
	}
	keys := participantKeys(ids)
	if err := v.tx.Watch(v.ctx, keys...).Err(); err != nil {
		return nil, unavailable(err)
	}
	vals, err := v.tx.MGet(v.ctx, keys...).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	return decodeParticipants(ids, vals, v.logger), nil
}

// UpdateSession loads the session under WATCH, lets fn mutate it and commits the
// returned Mutation atomically. A nil Mutation commits nothing. The transaction is
// retried when another writer touched the key first; fn may run more than once.
// Returns nil, nil if the session does not exist (fn is not called).
func (s *Store) UpdateSession(ctx context.Context, id string, fn func(sess *models.Session) (*Mutation, error)) (*models.Session, error) {
	return s.UpdateSessionTx(ctx, id, func(sess *models.Session, _ *View) (*Mutation, error) {
		return fn(sess)
	})
}

// UpdateSessionTx is UpdateSession with a View for reading participant records
// or other sessions under the same optimistic lock.
func (s *Store) UpdateSessionTx(ctx context.Context, id string, fn func(sess *models.Session, v *View) (*Mutation, error)) (*models.Session, error) {
	key := SessionKey(id)
	var result *models.Session

	txf := func(tx *redis.Tx) error {
		result = nil
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		sess, err := decodeSession(id, raw)
		if err != nil {
			return abortError{err}
		}
		m, err := fn(sess, &View{ctx: ctx, tx: tx, logger: s.logger})
		if err != nil {
			return abortError{err}
		}
		if m == nil {
			result = sess
			return nil
		}

		body, err := json.Marshal(sess)
		if err != nil {
			return abortError{fmt.Errorf("marshal session: %w", err)}
		}
		saves := make(map[string][]byte, len(m.SaveParticipants))
		for _, p := range m.SaveParticipants {
			pb, err := json.Marshal(p)
			if err != nil {
				return abortError{fmt.Errorf("marshal participant: %w", err)}
			}
			saves[ParticipantKey(p.ID)] = pb
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if m.Delete {
				pipe.Del(ctx, key)
			} else {
				pipe.Set(ctx, key, body, m.TTL)
			}
			for k, pb := range saves {
				pipe.Set(ctx, k, pb, m.ParticipantTTL)
			}
			if len(m.DeleteParticipants) > 0 {
				keys := make([]string, 0, len(m.DeleteParticipants))
				for _, pid := range m.DeleteParticipants {
					keys = append(keys, ParticipantKey(pid))
				}
				pipe.Del(ctx, keys...)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = sess
		return nil
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		var ab abortError
		if errors.As(err, &ab) {
			return nil, ab.err
		}
		if errors.Is(err, redis.TxFailedErr) {
			s.logger.Debug("session update conflict, retrying", zap.String("session_id", id), zap.Int("attempt", attempt+1))
			continue
		}
		return nil, unavailable(err)
	}
	return nil, fmt.Errorf("%w: session %s: too many concurrent writers", ErrUnavailable, id)
}

// DeleteSession removes a session key. Missing keys are not an error.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, SessionKey(id)).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// ScanSessions enumerates every session record currently in the store.
// Keys that expire between SCAN and MGET are skipped; corrupt records are logged and skipped.
func (s *Store) ScanSessions(ctx context.Context) ([]*models.Session, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, sessionPrefix+"*", scanBatch).Result()
		if err != nil {
			return nil, unavailable(err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	sessions := make([]*models.Session, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for start := 0; start < len(keys); start += scanBatch {
		end := min(start+scanBatch, len(keys))
		vals, err := s.client.MGet(ctx, keys[start:end]...).Result()
		if err != nil {
			return nil, unavailable(err)
		}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue
			}
			id := keys[start+i][len(sessionPrefix):]
			if _, dup := seen[id]; dup {
				continue // SCAN may return a key twice
			}
			sess, err := decodeSession(id, []byte(str))
			if err != nil {
				s.logger.Warn("skipping corrupt session record", zap.String("session_id", id), zap.Error(err))
				continue
			}
			seen[id] = struct{}{}
			sessions = append(sessions, sess)
		}
	}
	return sessions, nil
}

// GetParticipant returns the participant or nil, nil if absent.
func (s *Store) GetParticipant(ctx context.Context, id string) (*models.Participant, error) {
	raw, err := s.client.Get(ctx, ParticipantKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return decodeParticipant(id, raw)
}

// GetParticipants loads several participants at once; absent ones are missing from the map.
func (s *Store) GetParticipants(ctx context.Context, ids []string) (map[string]*models.Participant, error) {
	if len(ids) == 0 {
		return map[string]*models.Participant{}, nil
	}
	vals, err := s.client.MGet(ctx, participantKeys(ids)...).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	return decodeParticipants(ids, vals, s.logger), nil
}

func participantKeys(ids []string) []string {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = ParticipantKey(id)
	}
	return keys
}

func decodeParticipants(ids []string, vals []any, logger *zap.Logger) map[string]*models.Participant {
	out := make(map[string]*models.Participant, len(ids))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		p, err := decodeParticipant(ids[i], []byte(str))
		if err != nil {
			logger.Warn("skipping corrupt participant record", zap.String("participant_id", ids[i]), zap.Error(err))
			continue
		}
		out[ids[i]] = p
	}
	return out
}

// DeleteParticipant removes a participant key. Missing keys are not an error.
func (s *Store) DeleteParticipant(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, ParticipantKey(id)).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// UpdateParticipant loads the participant under WATCH and persists it with the TTL
// returned by fn. A zero TTL commits nothing. Returns nil, nil if absent.
func (s *Store) UpdateParticipant(ctx context.Context, id string, fn func(p *models.Participant) (time.Duration, error)) (*models.Participant, error) {
	key := ParticipantKey(id)
	var result *models.Participant

	txf := func(tx *redis.Tx) error {
		result = nil
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		p, err := decodeParticipant(id, raw)
		if err != nil {
			return abortError{err}
		}
		ttl, err := fn(p)
		if err != nil {
			return abortError{err}
		}
		if ttl > 0 {
			body, err := json.Marshal(p)
			if err != nil {
				return abortError{fmt.Errorf("marshal participant: %w", err)}
			}
			if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, body, ttl)
				return nil
			}); err != nil {
				return err
			}
		}
		result = p
		return nil
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		var ab abortError
		if errors.As(err, &ab) {
			return nil, ab.err
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, unavailable(err)
	}
	return nil, fmt.Errorf("%w: participant %s: too many concurrent writers", ErrUnavailable, id)
}

// IncrCounter atomically increments key and (re)sets its expiry.
func (s *Store) IncrCounter(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, unavailable(err)
	}
	return incr.Val(), nil
}

// Counter reads a counter; missing keys read as zero.
func (s *Store) Counter(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

func decodeSession(id string, raw []byte) (*models.Session, error) {
	var sess models.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("%w: session %s: %w", ErrCorrupt, id, err)
	}
	return &sess, nil
}

func decodeParticipant(id string, raw []byte) (*models.Participant, error) {
	var p models.Participant
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: participant %s: %w", ErrCorrupt, id, err)
	}
	return &p, nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
