package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-emotion/sessiond/internal/events"
	"github.com/aura-emotion/sessiond/internal/models"
	"github.com/aura-emotion/sessiond/internal/sessionlog"
	"github.com/aura-emotion/sessiond/pkg/queue"
)

type fakeArchiver struct {
	mu    sync.Mutex
	recs  []sessionlog.Record
	calls int
	err   error
}

func (f *fakeArchiver) Archive(_ context.Context, rec sessionlog.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.recs = append(f.recs, rec)
	return nil
}

func (f *fakeArchiver) snapshot() (int, []sessionlog.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]sessionlog.Record(nil), f.recs...)
}

func newQueue(t *testing.T) (*queue.Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.NewQueue(client, 100, nil), mr
}

func closedEvent(sid string) events.Event {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	closed := created.Add(2 * time.Minute)
	ev := events.New(events.SessionClosed, sid, "w1", closed)
	ev.Reason = events.ReasonEmpty
	ev.Participants = 3
	ev.Session = &models.Session{
		ID:           sid,
		WorkerID:     "w1",
		CreatedAt:    created,
		Status:       models.SessionTerminated,
		Participants: []string{},
		ClosedAt:     &closed,
	}
	return ev
}

func runProcessor(t *testing.T, p *ArchiveProcessor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestProcess_SkipsOtherEvents(t *testing.T) {
	q, _ := newQueue(t)
	arch := &fakeArchiver{}
	p := NewArchiveProcessor(arch, q, Config{}, nil)

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, queue.JobTypeLifecycleEvent, events.New(events.ParticipantJoined, "s1", "w1", time.Now())))
	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, p.Process(ctx, job))

	calls, _ := arch.snapshot()
	assert.Zero(t, calls)

	err = p.Process(ctx, &queue.Job{Type: "other"})
	assert.Error(t, err)
}

func TestRun_ArchivesClosedSessions(t *testing.T) {
	q, _ := newQueue(t)
	arch := &fakeArchiver{}
	p := NewArchiveProcessor(arch, q, Config{PollTimeout: 20 * time.Millisecond, Backoff: time.Millisecond}, nil)

	ev := closedEvent("s1")
	require.NoError(t, q.Enqueue(context.Background(), queue.JobTypeLifecycleEvent, ev))
	runProcessor(t, p)

	require.Eventually(t, func() bool {
		_, recs := arch.snapshot()
		return len(recs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, recs := arch.snapshot()
	assert.Equal(t, ev.ID, recs[0].EventID)
	assert.Equal(t, "s1", recs[0].SessionID)
	assert.Equal(t, events.ReasonEmpty, recs[0].CloseReason)
	assert.Equal(t, 3, recs[0].ParticipantCount)
	assert.InDelta(t, 120, recs[0].DurationSeconds, 0.001)
}

func TestRun_FailingJobEndsInDeadLetter(t *testing.T) {
	q, mr := newQueue(t)
	arch := &fakeArchiver{err: errors.New("db down")}
	p := NewArchiveProcessor(arch, q, Config{PollTimeout: 20 * time.Millisecond, Backoff: time.Millisecond}, nil)

	require.NoError(t, q.Enqueue(context.Background(), queue.JobTypeLifecycleEvent, closedEvent("s1")))
	runProcessor(t, p)

	require.Eventually(t, func() bool {
		dlq, _ := mr.List(queue.QueueDLQ)
		return len(dlq) == 1
	}, 2*time.Second, 10*time.Millisecond)

	calls, _ := arch.snapshot()
	assert.Equal(t, queue.MaxRetries, calls)
}
