package sessions

import (
	"errors"

	"github.com/aura-emotion/sessiond/internal/store"
)

// Caller-visible errors. A missing session or participant is not an error:
// lookups return nil and updates return false.
var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionFull          = errors.New("session is full")
	ErrDuplicateSession     = errors.New("session already exists")
	ErrDuplicateParticipant = errors.New("participant already joined")
	ErrInvalidInput         = errors.New("invalid input")
	// ErrStoreUnavailable means the outcome is unknown; the session may still exist.
	ErrStoreUnavailable = store.ErrUnavailable
)
