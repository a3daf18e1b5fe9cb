// Package admission decides whether a worker may accept another session.
package admission

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Machine-readable rejection reasons.
const (
	ReasonCapacityExceeded = "CAPACITY_EXCEEDED"
	ReasonDraining         = "WORKER_DRAINING"
)

// DefaultRetryAfter is the advisory delay returned with a rejection.
const DefaultRetryAfter = 30 * time.Second

// ErrCapacityExceeded is matched by every *CapacityError.
var ErrCapacityExceeded = errors.New("capacity exceeded")

// CapacityError is a recoverable rejection carrying retry guidance.
type CapacityError struct {
	Reason     string
	RetryAfter time.Duration
	Current    int
	Limit      int
}

// Error implements the error interface.
func (e *CapacityError) Error() string {
	if e.Reason == ReasonDraining {
		return fmt.Sprintf("%s: worker is shutting down, retry after %s", e.Reason, e.RetryAfter)
	}
	return fmt.Sprintf("%s: %d/%d active sessions, retry after %s", e.Reason, e.Current, e.Limit, e.RetryAfter)
}

// Unwrap enables errors.Is checks against ErrCapacityExceeded.
func (e *CapacityError) Unwrap() error { return ErrCapacityExceeded }

// RetryAfterSeconds rounds the retry delay up to whole seconds.
func (e *CapacityError) RetryAfterSeconds() int {
	return int(math.Ceil(e.RetryAfter.Seconds()))
}

// Decision is the outcome of an admission check.
type Decision struct {
	Accepted   bool
	Reason     string
	RetryAfter time.Duration
	Current    int
	Limit      int
}

// Err returns nil for an accepted decision and a *CapacityError otherwise.
func (d Decision) Err() error {
	if d.Accepted {
		return nil
	}
	return &CapacityError{Reason: d.Reason, RetryAfter: d.RetryAfter, Current: d.Current, Limit: d.Limit}
}

// Decide rejects when current >= maxAllowed.
func Decide(current, maxAllowed int, retryAfter time.Duration) Decision {
	if current < maxAllowed {
		return Decision{Accepted: true, Current: current, Limit: maxAllowed}
	}
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}
	return Decision{
		Accepted:   false,
		Reason:     ReasonCapacityExceeded,
		RetryAfter: retryAfter,
		Current:    current,
		Limit:      maxAllowed,
	}
}

// LoadCounter reports how many open sessions a worker owns.
type LoadCounter interface {
	OpenSessionCount(ctx context.Context, workerID string) (int, error)
}

// Config holds admission limits.
type Config struct {
	WorkerID   string
	MaxAllowed int
	RetryAfter time.Duration
	Timeout    time.Duration // bound on the load lookup
}

// Controller gates session creation on the worker's current load.
// Admissions on one worker are serialized so the count cannot be raced locally.
type Controller struct {
	mu       sync.Mutex
	draining bool
	counter  LoadCounter
	cfg      Config
	logger   *zap.Logger
}

// NewController creates an admission controller.
func NewController(counter LoadCounter, cfg Config, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = DefaultRetryAfter
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 500 * time.Millisecond
	}
	return &Controller{counter: counter, cfg: cfg, logger: logger}
}

// Check evaluates the current load without admitting anything.
func (c *Controller) Check(ctx context.Context) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	current, err := c.counter.OpenSessionCount(ctx, c.cfg.WorkerID)
	if err != nil {
		return Decision{}, fmt.Errorf("admission load lookup: %w", err)
	}
	return Decide(current, c.cfg.MaxAllowed, c.cfg.RetryAfter), nil
}

// Drain makes every later Admit fail with ReasonDraining. It waits for an
// admission in progress, so once it returns no new session can be created
// through c and the worker's session set is final.
func (c *Controller) Drain() {
	c.mu.Lock()
	c.draining = true
	c.mu.Unlock()
	c.logger.Info("admission closed, worker draining", zap.String("worker_id", c.cfg.WorkerID))
}

// Admit runs create only if the worker is below capacity and not draining. A
// failed load lookup rejects with that error: an unknown load is not treated as
// spare capacity.
func (c *Controller) Admit(ctx context.Context, create func(ctx context.Context) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.draining {
		return &CapacityError{Reason: ReasonDraining, RetryAfter: c.cfg.RetryAfter}
	}

	d, err := c.Check(ctx)
	if err != nil {
		return err
	}
	if !d.Accepted {
		c.logger.Warn("admission rejected",
			zap.String("worker_id", c.cfg.WorkerID),
			zap.Int("current", d.Current),
			zap.Int("limit", d.Limit),
		)
		return d.Err()
	}
	return create(ctx)
}
