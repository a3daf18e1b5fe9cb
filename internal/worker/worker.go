// Package worker consumes the lifecycle journal and archives closed sessions.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aura-emotion/sessiond/internal/events"
	"github.com/aura-emotion/sessiond/internal/sessionlog"
	"github.com/aura-emotion/sessiond/pkg/queue"
)

// Archiver persists a closed session.
type Archiver interface {
	Archive(ctx context.Context, rec sessionlog.Record) error
}

// Consumer is the part of queue.Queue the processor drives.
type Consumer interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// Config tunes the consume loop.
type Config struct {
	PollTimeout time.Duration // BLPOP block per iteration
	Backoff     time.Duration // pause after a failure
	JobTimeout  time.Duration
}

// ArchiveProcessor archives SessionClosed events taken from the journal.
type ArchiveProcessor struct {
	archiver Archiver
	queue    Consumer
	cfg      Config
	logger   *zap.Logger
}

// NewArchiveProcessor creates an archive processor.
func NewArchiveProcessor(archiver Archiver, q Consumer, cfg Config, logger *zap.Logger) *ArchiveProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = queue.RetryBackoff
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Second
	}
	return &ArchiveProcessor{archiver: archiver, queue: q, cfg: cfg, logger: logger}
}

// Process executes one journal job. Events other than SessionClosed are skipped.
func (p *ArchiveProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeLifecycleEvent {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var ev events.Event
	if err := json.Unmarshal(job.Payload, &ev); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if ev.Type != events.SessionClosed {
		return nil
	}
	if ev.Session == nil {
		p.logger.Warn("session_closed event without session snapshot", zap.String("event_id", ev.ID), zap.String("session_id", ev.SessionID))
		return nil
	}

	rec := sessionlog.NewRecord(ev.ID, ev.Reason, ev.Participants, ev.Session, ev.At)
	if err := p.archiver.Archive(ctx, rec); err != nil {
		return err
	}
	p.logger.Info("session archived",
		zap.String("session_id", rec.SessionID),
		zap.String("reason", rec.CloseReason),
		zap.Float64("duration_seconds", rec.DurationSeconds),
	)
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *ArchiveProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("archive worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, p.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
		err = p.Process(jobCtx, job)
		cancel()
		if err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(context.WithoutCancel(ctx), job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *ArchiveProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.cfg.Backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
