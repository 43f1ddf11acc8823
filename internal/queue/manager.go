package queue

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"postpipe/internal/eventbus"
	"postpipe/internal/metrics"
	"postpipe/pkg/logx"
	"postpipe/pkg/shardmap"
)

type Config struct {
	Retry RetryPolicy
	// QueueSize bounds waiting jobs per account and stage; 0 means unbounded.
	QueueSize int
}

type Option func(*Manager)

func WithLogger(log logx.Logger) Option      { return func(m *Manager) { m.log = log } }
func WithBus(bus eventbus.Bus) Option        { return func(m *Manager) { m.bus = bus } }
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithClock overrides the time source used for activity tracking.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// Manager is the account registry. Every account gets exactly one pair of
// workers, created on first use and keyed by the raw account identifier.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc

	pairs *shardmap.Map[*pair]
	// retired holds the last reaped pair per account until its workers exit.
	retired *shardmap.Map[*pair]
	closed  atomic.Bool

	hmu      sync.RWMutex
	handlers map[Stage]Handler

	policy    atomic.Pointer[RetryPolicy]
	queueSize int

	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
	now     func() time.Time
	seed    atomic.Int64
}

type pair struct {
	account  string
	generate *Worker
	publish  *Worker
	drained  atomic.Bool
}

func (p *pair) worker(stage Stage) *Worker {
	if stage == StagePublish {
		return p.publish
	}
	return p.generate
}

func (p *pair) workers() []*Worker { return []*Worker{p.generate, p.publish} }

func NewManager(parent context.Context, cfg Config, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(parent)
	m := &Manager{
		ctx:       ctx,
		cancel:    cancel,
		pairs:     shardmap.New[*pair](),
		retired:   shardmap.New[*pair](),
		handlers:  map[Stage]Handler{},
		queueSize: cfg.QueueSize,
		log:       logx.Nop(),
		bus:       eventbus.Nop(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	if m.bus == nil {
		m.bus = eventbus.Nop()
	}
	m.seed.Store(time.Now().UnixNano())
	m.SetRetryPolicy(cfg.Retry)
	return m
}

// Handle registers the handler of a stage. Workers look the handler up per
// job, so registration may happen after the Manager was created.
func (m *Manager) Handle(stage Stage, h Handler) {
	m.hmu.Lock()
	m.handlers[stage] = h
	m.hmu.Unlock()
}

func (m *Manager) handler(stage Stage) Handler {
	m.hmu.RLock()
	defer m.hmu.RUnlock()
	return m.handlers[stage]
}

// SetRetryPolicy applies to attempts started after the call.
func (m *Manager) SetRetryPolicy(p RetryPolicy) {
	p = p.normalized()
	m.policy.Store(&p)
}

func (m *Manager) retryPolicy() RetryPolicy { return *m.policy.Load() }

func (m *Manager) newWorker(account string, stage Stage) *Worker {
	w := &Worker{
		account: account,
		stage:   stage,
		q:       newFIFO(m.queueSize),
		handler: func() Handler { return m.handler(stage) },
		policy:  m.retryPolicy,
		log:     m.log.With(logx.String("stage", string(stage)), logx.Account(account)),
		bus:     m.bus,
		metrics: m.metrics,
		now:     m.now,
		rng:     rand.New(rand.NewSource(m.seed.Add(1))),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	w.touch()
	return w
}

// acquire is the get-or-create. A drained or reaped pair is followed by a
// fresh one whose workers start only after the old workers have exited.
func (m *Manager) acquire(account string) (*pair, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	var (
		created  *pair
		replaced *pair
		previous *pair
	)
	p := m.pairs.Update(account, func(cur *pair, ok bool) (*pair, bool) {
		if ok && !cur.drained.Load() {
			return cur, true
		}
		if ok {
			replaced = cur
		} else if r, found := m.retired.Get(account); found {
			previous = r
		}
		created = &pair{
			account:  account,
			generate: m.newWorker(account, StageGenerate),
			publish:  m.newWorker(account, StagePublish),
		}
		return created, true
	})

	if created != nil {
		var afterGen, afterPub <-chan struct{}
		switch {
		case replaced != nil:
			afterGen, afterPub = replaced.generate.done, replaced.publish.done
			dropped := len(replaced.generate.q.close()) + len(replaced.publish.q.close())
			m.log.Info("drained queues replaced", logx.Account(account), logx.Int("discarded", dropped))
		case previous != nil:
			afterGen, afterPub = previous.generate.done, previous.publish.done
			m.log.Debug("queues provisioned after reap", logx.Account(account))
		default:
			m.log.Debug("queues provisioned", logx.Account(account))
		}
		go created.generate.run(m.ctx, afterGen)
		go created.publish.run(m.ctx, afterPub)
	}
	return p, nil
}

// Enqueue appends a job to the account's stage queue and returns its id.
func (m *Manager) Enqueue(account string, stage Stage, ref string, data any) (string, error) {
	if account == "" {
		return "", errors.New("queue: empty account")
	}
	j := &Job{
		ID:         uuid.NewString(),
		Account:    account,
		Stage:      stage,
		Ref:        ref,
		Data:       data,
		EnqueuedAt: m.now(),
	}
	if err := m.push(j); err != nil {
		return "", err
	}
	return j.ID, nil
}

func (m *Manager) push(j *Job) error {
	// A concurrent Reap may close the pair between acquire and push; one more
	// acquire then provisions a fresh pair.
	for try := 0; try < 2; try++ {
		p, err := m.acquire(j.Account)
		if err != nil {
			return err
		}
		w := p.worker(j.Stage)
		err = w.q.push(j)
		if errors.Is(err, ErrClosed) {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "enqueue %s", j.Stage)
		}
		w.touch()
		return nil
	}
	return ErrClosed
}

// Drain stops dispatch on both of the account's queues. In-flight jobs
// complete; waiting jobs stay queued and are discarded if the account is used
// again. It reports whether the account had queues.
func (m *Manager) Drain(account string) bool {
	p, ok := m.pairs.Get(account)
	if !ok {
		return false
	}
	if p.drained.Swap(true) {
		return true
	}
	for _, w := range p.workers() {
		w.stop()
	}
	m.log.Warn("account queues drained", logx.Account(account))
	m.bus.Publish(eventbus.Event{Type: eventbus.AccountDrained, Data: logx.MaskAccount(account)})
	return true
}

// Tracked reports whether the job is still waiting or running in the
// account's stage queue.
func (m *Manager) Tracked(account, jobID string, stage Stage) bool {
	if jobID == "" {
		return false
	}
	if p, ok := m.pairs.Get(account); ok && p.worker(stage).holds(jobID) {
		return true
	}
	if p, ok := m.retired.Get(account); ok && p.worker(stage).holds(jobID) {
		return true
	}
	return false
}

// RemoveJob removes a job that has not started yet.
func (m *Manager) RemoveJob(account, jobID string, stage Stage) bool {
	if jobID == "" {
		return false
	}
	p, ok := m.pairs.Get(account)
	if !ok {
		return false
	}
	return p.worker(stage).q.remove(jobID)
}

// ActiveAccounts lists accounts with provisioned queues, sorted.
func (m *Manager) ActiveAccounts() []string {
	out := make([]string, 0, m.pairs.Len())
	m.pairs.Range(func(k string, _ *pair) bool {
		out = append(out, k)
		return true
	})
	sort.Strings(out)
	return out
}

func (m *Manager) Stats() []AccountStats {
	var out []AccountStats
	m.pairs.Range(func(k string, p *pair) bool {
		out = append(out, AccountStats{
			Account:  k,
			Drained:  p.drained.Load(),
			Generate: p.generate.stats(),
			Publish:  p.publish.stats(),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}

// Reap tears down pairs that have been idle for at least idle: both queues
// empty, nothing running, no activity since. Drained pairs whose workers have
// exited are reaped regardless of age. Returns the removed accounts.
func (m *Manager) Reap(idle time.Duration) []string {
	cutoff := m.now().Add(-idle)
	m.retired.DeleteIf(func(_ string, p *pair) bool {
		return workerDone(p.generate) && workerDone(p.publish)
	})
	return m.reapWhere(func(p *pair) bool {
		if p.drained.Load() {
			return workerDone(p.generate) && workerDone(p.publish)
		}
		return p.generate.idleSince(cutoff) && p.publish.idleSince(cutoff)
	})
}

// reapWhere removes the pairs matching fn. A push may still land in a pair
// after the check, so each removed pair is kept in retired and the next pair
// for the account waits for its workers.
func (m *Manager) reapWhere(fn func(p *pair) bool) []string {
	removed := m.pairs.DeleteIf(func(acct string, p *pair) bool {
		if !fn(p) {
			return false
		}
		if !p.drained.Load() {
			m.retired.Set(acct, p)
		}
		return true
	})

	accounts := make([]string, 0, len(removed))
	for acct, p := range removed {
		drained := p.drained.Load()
		for _, w := range p.workers() {
			w.stop()
			left := w.q.close()
			if drained {
				continue
			}
			// Pushed after the idle check; hand them to a fresh pair.
			for _, j := range left {
				if err := m.push(j); err != nil {
					m.log.Warn("requeue after reap failed", logx.Account(acct), logx.String("job", j.ID), logx.Err(err))
				}
			}
		}
		accounts = append(accounts, acct)
		m.log.Debug("idle queues reaped", logx.Account(acct))
	}
	sort.Strings(accounts)
	return accounts
}

func workerDone(w *Worker) bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// ShutdownAll stops every worker, waits for in-flight jobs (bounded by ctx),
// closes every queue and clears the registry. When ctx expires first the
// remaining jobs are interrupted through their context.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	m.closed.Store(true)

	var all []*pair
	m.pairs.Range(func(_ string, p *pair) bool {
		all = append(all, p)
		return true
	})
	m.retired.Range(func(_ string, p *pair) bool {
		all = append(all, p)
		return true
	})

	for _, p := range all {
		for _, w := range p.workers() {
			w.stop()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range all {
		for _, w := range p.workers() {
			w := w
			g.Go(func() error {
				select {
				case <-w.done:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			})
		}
	}
	err := g.Wait()
	if err != nil {
		// Interrupt what is still running and give it a moment to observe it.
		m.cancel()
		for _, p := range all {
			for _, w := range p.workers() {
				select {
				case <-w.done:
				case <-time.After(time.Second):
				}
			}
		}
	}

	dropped := 0
	for _, p := range all {
		for _, w := range p.workers() {
			dropped += len(w.q.close())
		}
	}
	m.pairs.Drain()
	m.retired.Drain()
	m.cancel()

	m.log.Info("queues shut down", logx.Int("pairs", len(all)), logx.Int("discarded", dropped))
	return errors.Wrap(err, "queue shutdown")
}
