// Package notify delivers operator alerts: account cascades, finished
// schedules and forwarded error logs.
//
// Alerts go through a bounded queue drained by a small worker pool. Sends
// are rate limited, retried with jittered backoff and deduplicated over a
// short window, so a burst of identical failures produces one message.
package notify

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"postpipe/internal/runtime/supervisor"
	"postpipe/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notify disabled")
	ErrQueueFull = errors.New("notify queue full")
	ErrStopped   = errors.New("notify stopped")
)

// Sender delivers one formatted message.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type job struct {
	text string
}

// Alerter is safe for concurrent use. It also implements logx.Forwarder.
type Alerter struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *supervisor.Supervisor
	stopDone chan struct{}

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem

	now func() time.Time
}

func New(cfg Config, sender Sender, log logx.Logger) *Alerter {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Alerter{
		sender: sender,
		log:    log.With(logx.String("comp", "notify")),
		dedup:  map[string]time.Time{},
		now:    time.Now,
	}
	a.applyLocked(cfg)
	return a
}

func (a *Alerter) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Enabled
}

// Apply swaps the configuration. Worker count and queue size take effect on
// the next Start.
func (a *Alerter) Apply(cfg Config) {
	a.mu.Lock()
	a.applyLocked(cfg)
	a.mu.Unlock()
}

func (a *Alerter) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	a.cfg = cfg
	// burst = rate so short spikes do not block.
	a.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers. It is idempotent and a no-op when disabled.
func (a *Alerter) Start(ctx context.Context) {
	a.mu.Lock()
	if a.stopDone != nil {
		done := a.stopDone
		a.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		a.mu.Lock()
	}
	if a.queue != nil || !a.cfg.Enabled || a.sender == nil {
		a.mu.Unlock()
		return
	}

	a.queue = make(chan job, a.cfg.QueueSize)
	a.accepting = true
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		// alert failures must not take the service down.
		supervisor.WithCancelOnError(false),
	)
	sup, q, workers := a.sup, a.queue, a.cfg.Workers
	a.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("notify.worker.%d", i), func(c context.Context) error {
			a.workerLoop(c, q)
			a.mu.Lock()
			stopping := a.stopDone != nil
			a.mu.Unlock()
			if stopping || c.Err() != nil {
				return nil
			}
			return errors.New("notify worker exited unexpectedly")
		})
	}
}

// Stop stops intake and drains the queue until ctx is done.
func (a *Alerter) Stop(ctx context.Context) {
	a.mu.Lock()
	q, sup := a.queue, a.sup
	if q == nil {
		a.mu.Unlock()
		return
	}
	if a.stopDone != nil {
		done := a.stopDone
		a.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	a.stopDone = done
	a.accepting = false
	a.mu.Unlock()

	go func() {
		defer close(done)
		a.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		a.mu.Lock()
		a.queue = nil
		a.sup = nil
		a.stopDone = nil
		a.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Notify queues n. Duplicates inside the dedup window are dropped silently.
func (a *Alerter) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	if !a.cfg.Enabled {
		a.mu.Unlock()
		return ErrDisabled
	}
	if !a.accepting || a.queue == nil {
		a.mu.Unlock()
		return ErrStopped
	}
	q := a.queue
	window, maxEntries := a.cfg.DedupWindow, a.cfg.DedupMaxEntries
	a.sendWG.Add(1)
	a.mu.Unlock()
	defer a.sendWG.Done()

	text := prefixForPriority(n.Priority) + n.Text
	if window > 0 && !a.dedupAllow(dedupKey(n), window, maxEntries) {
		return nil
	}
	select {
	case q <- job{text: text}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Forward implements logx.Forwarder.
func (a *Alerter) Forward(ctx context.Context, text string) error {
	return a.Notify(ctx, Notification{Priority: PriorityWarn, Text: text})
}

func (a *Alerter) Snapshot() []HistoryItem {
	a.hmu.Lock()
	defer a.hmu.Unlock()
	return append([]HistoryItem(nil), a.history...)
}

func (a *Alerter) appendHistory(text string) {
	a.hmu.Lock()
	a.history = append(a.history, HistoryItem{At: a.now(), Text: text})
	if len(a.history) > 100 {
		a.history = a.history[len(a.history)-100:]
	}
	a.hmu.Unlock()
}

func (a *Alerter) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			a.sendWithRetry(ctx, j)
		}
	}
}

func (a *Alerter) sendWithRetry(ctx context.Context, j job) {
	a.mu.Lock()
	cfg, lim := a.cfg, a.limiter
	a.mu.Unlock()

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := a.sender.Send(callCtx, j.text)
		cancel()
		if err == nil {
			a.appendHistory(j.text)
			return
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	// Not Warn: forwarded log lines would loop back into this queue.
	a.log.Debug("alert dropped", logx.Int("attempts", attempts), logx.Err(lastErr))
}

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	case p >= 5:
		return "ℹ️ "
	default:
		return ""
	}
}

func dedupKey(n Notification) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d|%s", n.Priority, n.Text)
	return fmt.Sprintf("%x", h.Sum64())
}

func (a *Alerter) dedupAllow(key string, window time.Duration, maxEntries int) bool {
	now := a.now()
	a.dmu.Lock()
	defer a.dmu.Unlock()

	if until, ok := a.dedup[key]; ok && now.Before(until) {
		return false
	}
	a.dedup[key] = now.Add(window)

	for k, until := range a.dedup {
		if !now.Before(until) {
			delete(a.dedup, k)
		}
	}
	// Evict earliest expiries until within cap.
	for len(a.dedup) > maxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range a.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(a.dedup, minKey)
	}
	return true
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
