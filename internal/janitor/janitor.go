// Package janitor runs periodic maintenance: reaping idle account queues and
// pruning expired session and login-window entries.
package janitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"postpipe/internal/metrics"
	"postpipe/pkg/logx"
)

// Task is one maintenance job. Overlapping runs of the same task are skipped.
type Task struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type entry struct {
	task  Task
	sched cron.Schedule
	id    cron.EntryID
}

type Service struct {
	mu sync.Mutex

	log     logx.Logger
	metrics *metrics.Metrics
	loc     *time.Location

	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	tasks  map[string]*entry
}

func New(loc *time.Location, m *metrics.Metrics, log logx.Logger) *Service {
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		log:     log.With(logx.String("comp", "janitor")),
		metrics: m,
		loc:     loc,
		tasks:   map[string]*entry{},
	}
}

// Add registers or replaces a task. A running service picks it up at once.
func (s *Service) Add(t Task) error {
	if t.Name == "" || t.Run == nil {
		return errors.New("task needs a name and a func")
	}
	sched, err := ParseSchedule(t.Spec)
	if err != nil {
		return errors.Wrapf(err, "task %s", t.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.tasks[t.Name]; ok && s.c != nil {
		s.c.Remove(old.id)
	}
	e := &entry{task: t, sched: sched}
	s.tasks[t.Name] = e
	if s.c != nil {
		s.scheduleLocked(e)
	}
	return nil
}

func (s *Service) scheduleLocked(e *entry) {
	ctx := s.ctx
	e.id = s.c.Schedule(e.sched, cron.FuncJob(func() { s.run(ctx, e.task) }))
}

// Start begins triggering. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	cl := cronLogger{log: s.log}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, e := range s.tasks {
		s.scheduleLocked(e)
	}
	s.c.Start()
	s.log.Info("janitor started", logx.Int("tasks", len(s.tasks)))
}

// Stop halts triggering, cancels running tasks and waits for them until ctx
// is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("janitor stopped")
}

// RunNow runs a task synchronously, outside the cron schedule.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return errors.Newf("unknown task %q", name)
	}
	return s.run(ctx, e.task)
}

type TaskInfo struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}

func (s *Service) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskInfo, 0, len(s.tasks))
	for _, e := range s.tasks {
		ti := TaskInfo{Name: e.task.Name, Spec: e.task.Spec}
		if s.c != nil {
			ce := s.c.Entry(e.id)
			ti.Next, ti.Prev = ce.Next, ce.Prev
		}
		out = append(out, ti)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) run(ctx context.Context, t Task) error {
	if ctx == nil || ctx.Err() != nil {
		return context.Canceled
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := t.Run(rctx)
	if err != nil {
		s.metrics.JanitorRun(t.Name, "error")
		s.log.Warn("task failed", logx.String("task", t.Name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return err
	}
	s.metrics.JanitorRun(t.Name, "ok")
	s.log.Debug("task done", logx.String("task", t.Name), logx.Duration("took", time.Since(start)))
	return nil
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, logx.Any("kv", kv), logx.Err(err))
}
