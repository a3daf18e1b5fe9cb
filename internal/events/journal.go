package events

import (
	"context"

	"github.com/aura-emotion/sessiond/pkg/queue"
)

// Enqueuer is the subset of queue.Queue the journal needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType queue.JobType, payload any) error
}

// Journal appends events to the durable Redis list consumed by the archive worker.
// Consumers retry failed jobs, so delivery is at-least-once; Event.ID dedups.
type Journal struct {
	q Enqueuer
}

// NewJournal creates a journal publisher.
func NewJournal(q Enqueuer) *Journal {
	return &Journal{q: q}
}

// Publish implements Publisher.
func (j *Journal) Publish(ctx context.Context, ev Event) error {
	return j.q.Enqueue(ctx, queue.JobTypeLifecycleEvent, ev)
}
