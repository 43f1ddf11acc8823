package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Base: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(context.Background(), Config{Retry: fastPolicy()}, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.ShutdownAll(ctx)
	})
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPerAccountFIFOWithConcurrencyOne(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	var (
		mu      sync.Mutex
		order   []string
		running atomic.Int32
		maxSeen atomic.Int32
	)
	m.Handle(StageGenerate, func(_ context.Context, j *Job) error {
		n := running.Add(1)
		if n > maxSeen.Load() {
			maxSeen.Store(n)
		}
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		order = append(order, j.Ref)
		mu.Unlock()
		running.Add(-1)
		return nil
	})

	refs := []string{"a", "b", "c", "d", "e"}
	for _, r := range refs {
		_, err := m.Enqueue("acct-1", StageGenerate, r, nil)
		require.NoError(t, err)
	}
	waitFor(t, "all jobs", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == len(refs)
	})
	require.Equal(t, refs, order)
	require.EqualValues(t, 1, maxSeen.Load())
}

func TestAccountsRunInParallel(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	bStarted := make(chan struct{})
	aDone := make(chan struct{})
	m.Handle(StagePublish, func(ctx context.Context, j *Job) error {
		switch j.Account {
		case "a":
			// Only finishes once account b is running concurrently.
			select {
			case <-bStarted:
			case <-time.After(2 * time.Second):
				return Permanent(errors.New("b never started"))
			}
			close(aDone)
		case "b":
			close(bStarted)
		}
		return nil
	})

	_, err := m.Enqueue("a", StagePublish, "a1", nil)
	require.NoError(t, err)
	_, err = m.Enqueue("b", StagePublish, "b1", nil)
	require.NoError(t, err)

	select {
	case <-aDone:
	case <-time.After(3 * time.Second):
		t.Fatal("accounts did not run in parallel")
	}
	require.Equal(t, []string{"a", "b"}, m.ActiveAccounts())
}

func TestRetryUntilSuccess(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	var attempts []int
	var final []bool
	var mu sync.Mutex
	done := make(chan struct{})
	m.Handle(StageGenerate, func(_ context.Context, j *Job) error {
		mu.Lock()
		attempts = append(attempts, j.Attempt)
		final = append(final, j.FinalAttempt())
		mu.Unlock()
		if j.Attempt < 3 {
			return errors.New("flaky")
		}
		close(done)
		return nil
	})

	_, err := m.Enqueue("acct", StageGenerate, "r", nil)
	require.NoError(t, err)
	<-done
	waitFor(t, "completion", func() bool { return m.Stats()[0].Generate.Completed == 1 })

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 2, 3}, attempts)
	require.Equal(t, []bool{false, false, true}, final)
	require.EqualValues(t, 2, m.Stats()[0].Generate.Retried)
}

func TestPermanentErrorStopsRetries(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	var calls atomic.Int32
	m.Handle(StageGenerate, func(context.Context, *Job) error {
		calls.Add(1)
		return Permanent(errors.New("account locked"))
	})
	_, err := m.Enqueue("acct", StageGenerate, "r", nil)
	require.NoError(t, err)

	waitFor(t, "failure", func() bool {
		s := m.Stats()
		return len(s) == 1 && s[0].Generate.Failed == 1
	})
	require.EqualValues(t, 1, calls.Load())
}

func TestPanicIsRetriedAsFailure(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	var calls atomic.Int32
	m.Handle(StageGenerate, func(context.Context, *Job) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	})
	_, err := m.Enqueue("acct", StageGenerate, "r", nil)
	require.NoError(t, err)
	waitFor(t, "completion", func() bool {
		s := m.Stats()
		return len(s) == 1 && s[0].Generate.Completed == 1
	})
	require.EqualValues(t, 2, calls.Load())
}

func TestDrainLeavesInFlightAndReplacesOnReuse(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var mu sync.Mutex
	var ran []string
	m.Handle(StageGenerate, func(ctx context.Context, j *Job) error {
		if j.Ref == "first" {
			started <- struct{}{}
			<-release
		}
		mu.Lock()
		ran = append(ran, j.Ref)
		mu.Unlock()
		return nil
	})

	_, err := m.Enqueue("acct", StageGenerate, "first", nil)
	require.NoError(t, err)
	<-started
	_, err = m.Enqueue("acct", StageGenerate, "stale", nil)
	require.NoError(t, err)

	require.True(t, m.Drain("acct"))
	require.False(t, m.Drain("other"))
	close(release)

	waitFor(t, "in-flight completion", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ran) == 1
	})
	require.True(t, m.Stats()[0].Drained)

	// Reuse provisions a fresh pair; the stale job is discarded.
	_, err = m.Enqueue("acct", StageGenerate, "fresh", nil)
	require.NoError(t, err)
	waitFor(t, "fresh job", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ran) == 2
	})
	mu.Lock()
	require.Equal(t, []string{"first", "fresh"}, ran)
	mu.Unlock()
	require.False(t, m.Stats()[0].Drained)
}

func TestRemoveJob(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var ran atomic.Int32
	m.Handle(StagePublish, func(_ context.Context, j *Job) error {
		if j.Ref == "blocker" {
			started <- struct{}{}
			<-release
		}
		ran.Add(1)
		return nil
	})

	_, err := m.Enqueue("acct", StagePublish, "blocker", nil)
	require.NoError(t, err)
	<-started
	id, err := m.Enqueue("acct", StagePublish, "victim", nil)
	require.NoError(t, err)

	require.True(t, m.RemoveJob("acct", id, StagePublish))
	require.False(t, m.RemoveJob("acct", id, StagePublish))
	require.False(t, m.RemoveJob("acct", id, StageGenerate))
	require.False(t, m.RemoveJob("nobody", id, StagePublish))
	close(release)

	waitFor(t, "blocker", func() bool { return m.Stats()[0].Publish.Completed == 1 })
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 1, ran.Load())
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestReapIdleAccounts(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := newTestManager(t, WithClock(clock.Now))
	m.Handle(StageGenerate, func(context.Context, *Job) error { return nil })

	_, err := m.Enqueue("idle", StageGenerate, "r", nil)
	require.NoError(t, err)
	waitFor(t, "job", func() bool {
		s := m.Stats()[0].Generate
		return s.Completed == 1 && !s.Active
	})

	require.Empty(t, m.Reap(time.Minute))
	clock.Advance(2 * time.Minute)
	require.Equal(t, []string{"idle"}, m.Reap(time.Minute))
	require.Empty(t, m.ActiveAccounts())

	// Reaped accounts are provisioned again on demand.
	_, err = m.Enqueue("idle", StageGenerate, "r2", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"idle"}, m.ActiveAccounts())
}

// A push can land in a pair after Reap's idle check. The worker of the
// reaped pair then still runs, and the next pair must wait for it.
func TestReapedPairStillRunningBlocksSuccessor(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var (
		mu      sync.Mutex
		order   []string
		running atomic.Int32
		maxSeen atomic.Int32
	)
	m.Handle(StageGenerate, func(_ context.Context, j *Job) error {
		n := running.Add(1)
		if n > maxSeen.Load() {
			maxSeen.Store(n)
		}
		if j.Ref == "late" {
			started <- struct{}{}
			<-release
		}
		mu.Lock()
		order = append(order, j.Ref)
		mu.Unlock()
		running.Add(-1)
		return nil
	})

	lateID, err := m.Enqueue("acct", StageGenerate, "late", nil)
	require.NoError(t, err)
	<-started
	require.True(t, m.Tracked("acct", lateID, StageGenerate))

	require.Equal(t, []string{"acct"}, m.reapWhere(func(*pair) bool { return true }))
	require.Empty(t, m.ActiveAccounts())
	require.True(t, m.Tracked("acct", lateID, StageGenerate), "running job of a reaped pair")

	_, err = m.Enqueue("acct", StageGenerate, "next", nil)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	require.Empty(t, order, "successor started while the reaped worker was busy")
	mu.Unlock()

	close(release)
	waitFor(t, "both jobs", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})
	mu.Lock()
	require.Equal(t, []string{"late", "next"}, order)
	mu.Unlock()
	require.EqualValues(t, 1, maxSeen.Load())

	waitFor(t, "untracked", func() bool { return !m.Tracked("acct", lateID, StageGenerate) })
	m.Reap(time.Hour)
	_, ok := m.retired.Get("acct")
	require.False(t, ok, "finished retired pair is swept")
}

func TestTracked(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	m.Handle(StagePublish, func(_ context.Context, j *Job) error {
		if j.Ref == "blocker" {
			started <- struct{}{}
			<-release
		}
		return nil
	})

	blocker, err := m.Enqueue("acct", StagePublish, "blocker", nil)
	require.NoError(t, err)
	<-started
	waiting, err := m.Enqueue("acct", StagePublish, "waiting", nil)
	require.NoError(t, err)

	require.True(t, m.Tracked("acct", blocker, StagePublish))
	require.True(t, m.Tracked("acct", waiting, StagePublish))
	require.False(t, m.Tracked("acct", waiting, StageGenerate))
	require.False(t, m.Tracked("other", waiting, StagePublish))
	require.False(t, m.Tracked("acct", "", StagePublish))

	close(release)
	waitFor(t, "drained", func() bool {
		return !m.Tracked("acct", blocker, StagePublish) && !m.Tracked("acct", waiting, StagePublish)
	})
}

func TestShutdownAllWaitsForInFlight(t *testing.T) {
	t.Parallel()
	m := NewManager(context.Background(), Config{Retry: fastPolicy()})

	started := make(chan struct{})
	var finished atomic.Bool
	m.Handle(StageGenerate, func(ctx context.Context, j *Job) error {
		close(started)
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	_, err := m.Enqueue("acct", StageGenerate, "r", nil)
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.ShutdownAll(ctx))
	require.True(t, finished.Load())
	require.Empty(t, m.ActiveAccounts())

	_, err = m.Enqueue("acct", StageGenerate, "late", nil)
	require.ErrorIs(t, err, ErrClosed)
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{Base: time.Second, MaxDelay: 10 * time.Second}
	tests := []struct {
		retry int
		err   error
		want  time.Duration
	}{
		{1, nil, time.Second},
		{2, nil, 2 * time.Second},
		{3, nil, 4 * time.Second},
		{5, nil, 10 * time.Second},
		{1, RetryAfter(errors.New("429"), 3*time.Second), 3 * time.Second},
		{1, RetryAfter(errors.New("429"), time.Hour), 10 * time.Second},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, backoffDelay(p, tt.retry, tt.err, nil), "retry %d", tt.retry)
	}
}

func TestPermanentUnwraps(t *testing.T) {
	t.Parallel()
	base := errors.New("captcha")
	err := Permanent(base)
	require.True(t, IsPermanent(err))
	require.True(t, errors.Is(err, base))
	require.False(t, IsPermanent(base))
	require.Nil(t, Permanent(nil))
}
