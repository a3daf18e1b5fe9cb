// Package health tracks readiness and serves the operator health endpoints.
package health

import (
	"context"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// State constants for the readiness state machine.
const (
	stateStarting int32 = iota
	stateReady
	stateDraining
)

// Store connectivity as reported on /health.
const (
	StoreConnected    = "connected"
	StoreDisconnected = "disconnected"
)

// Checker tracks the readiness state of the worker.
// It is safe for concurrent use.
type Checker struct {
	state atomic.Int32
}

// NewChecker creates a Checker in the Starting state.
func NewChecker() *Checker {
	return &Checker{}
}

// SetReady transitions to the Ready state.
func (c *Checker) SetReady() {
	c.state.Store(stateReady)
}

// SetDraining transitions to the Draining state.
func (c *Checker) SetDraining() {
	c.state.Store(stateDraining)
}

// IsReady returns true when the state is Ready.
func (c *Checker) IsReady() bool {
	return c.state.Load() == stateReady
}

// State returns the current state as a human-readable string.
func (c *Checker) State() string {
	switch c.state.Load() {
	case stateReady:
		return "ready"
	case stateDraining:
		return "draining"
	default:
		return "starting"
	}
}

// Liveness handles GET /healthz and always responds 200.
func (*Checker) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readiness handles GET /readyz: 200 when ready, 503 when starting or draining.
func (c *Checker) Readiness(ctx *gin.Context) {
	code := http.StatusServiceUnavailable
	if c.IsReady() {
		code = http.StatusOK
	}
	ctx.JSON(code, gin.H{"status": c.State()})
}

// Pinger checks store connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Counter supplies session counts.
type Counter interface {
	ActiveSessionCount(ctx context.Context) (int, error)
	TotalSessionCount(ctx context.Context) (int, error)
}

// Report is the body of GET /health.
type Report struct {
	Status        string       `json:"status"` // ok, degraded or draining
	State         string       `json:"state"`
	WorkerID      string       `json:"worker_id"`
	UptimeSeconds float64      `json:"uptime_seconds"`
	Memory        Memory       `json:"memory"`
	CPU           CPU          `json:"cpu"`
	Connections   *Connections `json:"connections"` // nil when the store cannot be counted
	Store         string       `json:"store"`
}

// Memory is a runtime memory snapshot.
type Memory struct {
	AllocBytes     uint64 `json:"alloc_bytes"`
	SysBytes       uint64 `json:"sys_bytes"`
	HeapInuseBytes uint64 `json:"heap_inuse_bytes"`
	NumGC          uint32 `json:"num_gc"`
}

// CPU is a scheduler snapshot.
type CPU struct {
	NumCPU     int `json:"num_cpu"`
	Goroutines int `json:"goroutines"`
}

// Connections are the session counts from the metrics aggregator.
type Connections struct {
	Active int `json:"active"`
	Total  int `json:"total"`
}

// Reporter builds the operator health report.
type Reporter struct {
	checker  *Checker
	store    Pinger
	counter  Counter
	workerID string
	started  time.Time
	timeout  time.Duration
	logger   *zap.Logger
}

// NewReporter creates a health reporter. timeout bounds the store probes.
func NewReporter(checker *Checker, store Pinger, counter Counter, workerID string, timeout time.Duration, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Reporter{
		checker:  checker,
		store:    store,
		counter:  counter,
		workerID: workerID,
		started:  time.Now(),
		timeout:  timeout,
		logger:   logger,
	}
}

// Report collects the current health. It never fails; a store outage shows as
// a degraded status.
func (r *Reporter) Report(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	rep := Report{
		Status:        "ok",
		State:         r.checker.State(),
		WorkerID:      r.workerID,
		UptimeSeconds: time.Since(r.started).Seconds(),
		Memory: Memory{
			AllocBytes:     ms.Alloc,
			SysBytes:       ms.Sys,
			HeapInuseBytes: ms.HeapInuse,
			NumGC:          ms.NumGC,
		},
		CPU:   CPU{NumCPU: runtime.NumCPU(), Goroutines: runtime.NumGoroutine()},
		Store: StoreConnected,
	}

	if err := r.store.Ping(ctx); err != nil {
		r.logger.Warn("health: store unreachable", zap.Error(err))
		rep.Store = StoreDisconnected
		rep.Status = "degraded"
	} else if conns, err := r.connections(ctx); err != nil {
		r.logger.Warn("health: session counts unavailable", zap.Error(err))
		rep.Status = "degraded"
	} else {
		rep.Connections = conns
	}

	if rep.State == "draining" {
		rep.Status = "draining"
	}
	return rep
}

func (r *Reporter) connections(ctx context.Context) (*Connections, error) {
	active, err := r.counter.ActiveSessionCount(ctx)
	if err != nil {
		return nil, err
	}
	total, err := r.counter.TotalSessionCount(ctx)
	if err != nil {
		return nil, err
	}
	return &Connections{Active: active, Total: total}, nil
}

// Health handles GET /health. It always responds 200 so load balancers can
// read the body even while the store is down.
func (r *Reporter) Health(c *gin.Context) {
	c.JSON(http.StatusOK, r.Report(c.Request.Context()))
}
