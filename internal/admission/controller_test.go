package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCounter tracks open sessions in memory.
type fakeCounter struct {
	mu    sync.Mutex
	count int
	err   error
}

func (f *fakeCounter) OpenSessionCount(context.Context, string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count, f.err
}

func (f *fakeCounter) add(n int) {
	f.mu.Lock()
	f.count += n
	f.mu.Unlock()
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name     string
		current  int
		max      int
		accepted bool
	}{
		{"empty", 0, 1, true},
		{"below", 4, 5, true},
		{"at limit", 5, 5, false},
		{"above", 7, 5, false},
		{"zero limit", 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.current, tt.max, 30*time.Second)
			assert.Equal(t, tt.accepted, d.Accepted)
			if !tt.accepted {
				assert.Equal(t, ReasonCapacityExceeded, d.Reason)
				assert.Equal(t, 30*time.Second, d.RetryAfter)
				assert.ErrorIs(t, d.Err(), ErrCapacityExceeded)
			} else {
				assert.NoError(t, d.Err())
			}
		})
	}
}

func TestDecide_DefaultRetryAfter(t *testing.T) {
	d := Decide(1, 1, 0)
	assert.Equal(t, DefaultRetryAfter, d.RetryAfter)
}

func TestCapacityError(t *testing.T) {
	err := Decide(3, 3, 1500*time.Millisecond).Err()

	var ce *CapacityError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 2, ce.RetryAfterSeconds())
	assert.Contains(t, ce.Error(), ReasonCapacityExceeded)
}

func TestController_NthAcceptedNPlusOneRejected(t *testing.T) {
	counter := &fakeCounter{}
	c := NewController(counter, Config{WorkerID: "w1", MaxAllowed: 3, RetryAfter: 30 * time.Second}, nil)
	ctx := context.Background()
	create := func(context.Context) error { counter.add(1); return nil }

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Admit(ctx, create), "admission %d", i+1)
	}

	err := c.Admit(ctx, create)
	var ce *CapacityError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ReasonCapacityExceeded, ce.Reason)
	assert.Equal(t, 30, ce.RetryAfterSeconds())
	assert.Equal(t, 3, counter.count)

	counter.add(-1) // one session closes
	assert.NoError(t, c.Admit(ctx, create))
}

func TestController_ConcurrentAdmissionsRespectLimit(t *testing.T) {
	counter := &fakeCounter{}
	c := NewController(counter, Config{WorkerID: "w1", MaxAllowed: 5}, nil)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		rejected int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.Admit(ctx, func(context.Context) error { counter.add(1); return nil })
			if errors.Is(err, ErrCapacityExceeded) {
				mu.Lock()
				rejected++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, counter.count)
	assert.Equal(t, 15, rejected)
}

func TestController_LookupFailureRejects(t *testing.T) {
	down := errors.New("store down")
	c := NewController(&fakeCounter{err: down}, Config{WorkerID: "w1", MaxAllowed: 5}, nil)
	called := false

	err := c.Admit(context.Background(), func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, down)
	assert.False(t, called)
}

func TestController_DrainRejectsLaterAdmissions(t *testing.T) {
	counter := &fakeCounter{}
	c := NewController(counter, Config{WorkerID: "w1", MaxAllowed: 5, RetryAfter: 10 * time.Second}, nil)
	ctx := context.Background()
	create := func(context.Context) error { counter.add(1); return nil }

	require.NoError(t, c.Admit(ctx, create))
	c.Drain()

	err := c.Admit(ctx, create)
	var ce *CapacityError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ReasonDraining, ce.Reason)
	assert.Equal(t, 10, ce.RetryAfterSeconds())
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, 1, counter.count)
}

func TestController_DrainWaitsForAdmissionInProgress(t *testing.T) {
	c := NewController(&fakeCounter{}, Config{WorkerID: "w1", MaxAllowed: 5}, nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	var created atomicFlag

	go func() {
		_ = c.Admit(context.Background(), func(context.Context) error {
			close(entered)
			<-release
			created.set()
			return nil
		})
	}()
	<-entered

	drained := make(chan struct{})
	go func() {
		c.Drain()
		close(drained)
	}()
	select {
	case <-drained:
		t.Fatal("drain returned while a create was still running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-drained
	assert.True(t, created.get())
}

type atomicFlag struct {
	mu sync.Mutex
	v  bool
}

func (f *atomicFlag) set() {
	f.mu.Lock()
	f.v = true
	f.mu.Unlock()
}

func (f *atomicFlag) get() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.v
}

func TestController_CreateErrorPropagates(t *testing.T) {
	c := NewController(&fakeCounter{}, Config{WorkerID: "w1", MaxAllowed: 5}, nil)
	boom := errors.New("duplicate")

	err := c.Admit(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}
