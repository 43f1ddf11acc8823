package queue

import (
	"context"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"postpipe/internal/eventbus"
	"postpipe/internal/metrics"
	"postpipe/pkg/logx"
)

// Worker drains one account's stage queue with concurrency 1.
type Worker struct {
	account string
	stage   Stage
	q       *fifo

	handler func() Handler
	policy  func() RetryPolicy

	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
	now     func() time.Time
	rng     *rand.Rand

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	running    atomic.Bool
	current    atomic.Pointer[Job]
	lastActive atomic.Int64
	completed  atomic.Uint64
	failed     atomic.Uint64
	retried    atomic.Uint64
}

func (w *Worker) touch() { w.lastActive.Store(w.now().UnixNano()) }

// stop ends dispatch. An in-flight attempt finishes; a pending retry wait is
// abandoned.
func (w *Worker) stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Worker) stopped() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

func (w *Worker) idleSince(cutoff time.Time) bool {
	if w.running.Load() || w.q.len() > 0 {
		return false
	}
	return time.Unix(0, w.lastActive.Load()).Before(cutoff)
}

// holds reports whether the job is waiting in or running on this worker.
func (w *Worker) holds(id string) bool {
	if j := w.current.Load(); j != nil && j.ID == id {
		return true
	}
	return w.q.has(id)
}

func (w *Worker) stats() StageStats {
	return StageStats{
		Waiting:      w.q.len(),
		Active:       w.running.Load(),
		Completed:    w.completed.Load(),
		Failed:       w.failed.Load(),
		Retried:      w.retried.Load(),
		LastActivity: time.Unix(0, w.lastActive.Load()),
	}
}

// run is the dispatch loop. It first waits for after (the worker this one
// replaces) so an account never has two workers of the same stage running.
func (w *Worker) run(ctx context.Context, after <-chan struct{}) {
	defer close(w.done)

	if after != nil {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-after:
		}
	}

	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		j, ok := w.q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-w.q.notify:
			}
			continue
		}

		w.running.Store(true)
		w.current.Store(j)
		w.execOne(ctx, j)
		w.current.Store(nil)
		w.running.Store(false)
		w.touch()
	}
}

func (w *Worker) execOne(ctx context.Context, j *Job) {
	start := w.now()
	queueDelay := start.Sub(j.EnqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}
	policy := w.policy().normalized()
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = policy.Attempts
	}
	log := w.log.With(logx.String("job", j.ID), logx.String("ref", j.Ref))
	log.Debug("job.started", logx.Duration("queue_delay", queueDelay))

	var err error
attemptLoop:
	for attempt := 1; attempt <= j.MaxAttempts; attempt++ {
		j.Attempt = attempt
		attemptStart := w.now()

		h := w.handler()
		if h == nil {
			err = Permanent(ErrNoHandler)
		} else {
			err = w.attempt(ctx, h, j, policy.Timeout)
		}

		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		w.metrics.StageDone(string(w.stage), outcome, w.now().Sub(attemptStart))

		if err == nil {
			break
		}
		var perm permanentError
		if errors.As(err, &perm) {
			err = perm.err
			break
		}
		if attempt >= j.MaxAttempts {
			break
		}

		delay := backoffDelay(policy, attempt, err, w.rng)
		w.retried.Add(1)
		w.metrics.StageRetry(string(w.stage))
		log.Warn("job retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))

		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = errors.CombineErrors(err, ctx.Err())
			break attemptLoop
		case <-w.stopCh:
			tmr.Stop()
			err = errors.CombineErrors(err, ErrStopped)
			break attemptLoop
		case <-tmr.C:
		}
	}

	dur := w.now().Sub(start)
	if err != nil {
		w.failed.Add(1)
		log.Warn("job.failed", logx.Err(err), logx.Int("attempts", j.Attempt), logx.Duration("dur", dur))
		w.bus.Publish(eventbus.Event{Type: eventbus.JobFailed, Data: eventbus.JobEvent{
			JobID:     j.ID,
			AccountID: logx.MaskAccount(j.Account),
			Stage:     string(j.Stage),
			Attempt:   j.Attempt,
			Error:     err.Error(),
		}})
		return
	}
	w.completed.Add(1)
	log.Debug("job.completed", logx.Int("attempts", j.Attempt), logx.Duration("dur", dur))
}

// attempt runs one try of the handler, converting panics into errors so one
// bad job cannot kill the account's worker.
func (w *Worker) attempt(ctx context.Context, h Handler, j *Job, timeout time.Duration) (err error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("panic: %v", r)
			w.log.Error("job.panic", logx.String("job", j.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return h(runCtx, j)
}
