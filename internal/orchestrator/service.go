// Package orchestrator is the entry point for schedule management: it turns
// keyword batches into persisted schedules and feeds their jobs to the
// account queues.
package orchestrator

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"postpipe/internal/domain"
	"postpipe/internal/eventbus"
	"postpipe/internal/pipeline"
	"postpipe/internal/queue"
	"postpipe/internal/slots"
	"postpipe/internal/storage"
	"postpipe/pkg/logx"
)

// Queues is the part of queue.Manager the service drives.
type Queues interface {
	Enqueue(account string, stage queue.Stage, ref string, data any) (string, error)
	RemoveJob(account, jobID string, stage queue.Stage) bool
	Tracked(account, jobID string, stage queue.Stage) bool
	ActiveAccounts() []string
	Stats() []queue.AccountStats
}

type CreateInput struct {
	AccountID string
	Password  string
	Keywords  []string

	Service      string
	Ref          string
	ScheduleDate string

	// Nil fields take Config.Defaults.
	GenerateImages           *bool
	ImageCount               *int
	DelayBetweenPostsSeconds *int

	Cadence Cadence
}

type Created struct {
	Schedule *domain.Schedule      `json:"schedule"`
	Jobs     []*domain.ScheduleJob `json:"jobs"`
}

type Detail struct {
	Schedule *domain.Schedule      `json:"schedule"`
	Jobs     []*domain.ScheduleJob `json:"jobs"`
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }
func WithBus(bus eventbus.Bus) Option   { return func(s *Service) { s.bus = bus } }

// WithClock overrides the time source used for slot computation and
// timestamps.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithRandSource seeds the randomized cadence; tests use it for stable output.
func WithRandSource(fn func() rand.Source) Option { return func(s *Service) { s.randSrc = fn } }

type Service struct {
	store  storage.Store
	queues Queues

	cfg     atomic.Pointer[Config]
	log     logx.Logger
	bus     eventbus.Bus
	now     func() time.Time
	randSrc func() rand.Source
}

func New(store storage.Store, queues Queues, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:  store,
		queues: queues,
		log:    logx.Nop(),
		bus:    eventbus.Nop(),
		now:    time.Now,
		randSrc: func() rand.Source {
			return rand.NewSource(time.Now().UnixNano())
		},
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(logx.String("comp", "orchestrator"))
	s.SetConfig(cfg)
	return s
}

// SetConfig swaps the configuration for later requests.
func (s *Service) SetConfig(cfg Config) {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	s.cfg.Store(&cfg)
}

func (s *Service) config() Config { return *s.cfg.Load() }

// Plan computes the slots a request would get without persisting anything.
func (s *Service) Plan(keywords []string, scheduleDate string, over Cadence) ([]slots.Slot, error) {
	cfg := s.config()
	date, err := slots.ParseDate(scheduleDate, cfg.Location)
	if err != nil {
		return nil, domain.WithKind(err, domain.ErrValidation)
	}
	out, err := slots.Compute(keywords, date, cfg.slotOptions(over, s.now, s.randSrc()))
	if err != nil {
		return nil, domain.WithKind(err, domain.ErrValidation)
	}
	return out, nil
}

// CreateSchedule persists one schedule and enqueues a generate job per
// keyword, in slot order.
func (s *Service) CreateSchedule(ctx context.Context, in CreateInput) (*Created, error) {
	cfg := s.config()
	if err := in.normalize(cfg.Defaults); err != nil {
		return nil, err
	}
	return s.create(ctx, in)
}

// CreateBatch validates every input before creating anything, then creates
// one schedule per input.
func (s *Service) CreateBatch(ctx context.Context, inputs []CreateInput) ([]*Created, error) {
	if len(inputs) == 0 {
		return nil, domain.Validation("at least one queue is required")
	}
	cfg := s.config()
	for i := range inputs {
		if err := inputs[i].normalize(cfg.Defaults); err != nil {
			return nil, errors.Wrapf(err, "queue %d", i+1)
		}
	}
	out := make([]*Created, 0, len(inputs))
	for _, in := range inputs {
		c, err := s.create(ctx, in)
		if c != nil {
			out = append(out, c)
		}
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func (s *Service) create(ctx context.Context, in CreateInput) (*Created, error) {
	planned, err := s.Plan(in.Keywords, in.ScheduleDate, in.Cadence)
	if err != nil {
		return nil, err
	}

	now := s.now()
	sc := &domain.Schedule{
		ID:                       domain.NewScheduleID(),
		AccountID:                in.AccountID,
		Service:                  in.Service,
		Ref:                      in.Ref,
		ScheduleDate:             planned[0].ScheduledAt.Format("2006-01-02"),
		Status:                   domain.SchedulePending,
		GenerateImages:           *in.GenerateImages,
		ImageCount:               *in.ImageCount,
		DelayBetweenPostsSeconds: *in.DelayBetweenPostsSeconds,
		TotalJobs:                len(planned),
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	jobs := make([]*domain.ScheduleJob, 0, len(planned))
	for _, p := range planned {
		jobs = append(jobs, &domain.ScheduleJob{
			ID:          domain.NewJobID(),
			ScheduleID:  sc.ID,
			Keyword:     p.Keyword,
			Category:    p.Category,
			ScheduledAt: p.ScheduledAt,
			Day:         p.Day,
			Slot:        p.Slot,
			Status:      domain.JobPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	if err := s.store.CreateSchedule(ctx, sc, jobs); err != nil {
		return nil, errors.Wrap(err, "create schedule")
	}

	creds := pipeline.Credentials{AccountID: in.AccountID, Password: in.Password}
	if _, err := s.enqueue(ctx, sc, jobs, creds); err != nil {
		// The schedule stays pending and can be resumed with ExecuteSchedule.
		return &Created{Schedule: sc, Jobs: jobs}, err
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.ScheduleCreated, Data: eventbus.ScheduleEvent{
		ScheduleID: sc.ID,
		AccountID:  logx.MaskAccount(sc.AccountID),
		Status:     string(sc.Status),
		Total:      sc.TotalJobs,
	}})
	s.log.Info("schedule created",
		logx.String("schedule", sc.ID),
		logx.Account(sc.AccountID),
		logx.Int("jobs", len(jobs)),
		logx.Time("first", jobs[0].ScheduledAt),
		logx.Time("last", jobs[len(jobs)-1].ScheduledAt))
	return &Created{Schedule: sc, Jobs: jobs}, nil
}

func (s *Service) enqueue(ctx context.Context, sc *domain.Schedule, jobs []*domain.ScheduleJob, creds pipeline.Credentials) (int, error) {
	n := 0
	for _, sj := range jobs {
		id, err := s.queues.Enqueue(sc.AccountID, queue.StageGenerate, sj.ID, &pipeline.GenerateTask{
			ScheduleID:     sc.ID,
			ScheduleJobID:  sj.ID,
			Credentials:    creds,
			Keyword:        sj.Keyword,
			Category:       sj.Category,
			Service:        sc.Service,
			Ref:            sc.Ref,
			GenerateImages: sc.GenerateImages,
			ImageCount:     sc.ImageCount,
			ScheduledAt:    sj.ScheduledAt,
			Throttle:       time.Duration(sc.DelayBetweenPostsSeconds) * time.Second,
		})
		if err != nil {
			return n, domain.WithKind(errors.Wrapf(err, "enqueue job %s", sj.ID), domain.ErrTransient)
		}
		sj.GenerateJobID = id
		if err := s.store.SetJobRefs(ctx, sj.ID, storage.JobRefs{GenerateJobID: id}); err != nil {
			s.log.Warn("record generate job id", logx.String("schedule_job", sj.ID), logx.Err(err))
		}
		n++
	}
	return n, nil
}

// CancelSchedule cancels every non-terminal job and removes the ones still
// waiting in a queue. Jobs already running finish but cannot change the
// cancelled schedule.
func (s *Service) CancelSchedule(ctx context.Context, id string) (*domain.Schedule, error) {
	sc, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	cancelled, err := s.store.CancelSchedule(ctx, id, s.now())
	if err != nil {
		return nil, err
	}

	removed := 0
	for _, sj := range cancelled {
		if s.queues.RemoveJob(sc.AccountID, sj.GenerateJobID, queue.StageGenerate) {
			removed++
		}
		if s.queues.RemoveJob(sc.AccountID, sj.PublishJobID, queue.StagePublish) {
			removed++
		}
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.ScheduleCancelled, Data: eventbus.ScheduleEvent{
		ScheduleID: id,
		AccountID:  logx.MaskAccount(sc.AccountID),
		Status:     string(domain.ScheduleCancelled),
		Total:      sc.TotalJobs,
	}})
	s.log.Info("schedule cancelled",
		logx.String("schedule", id),
		logx.Account(sc.AccountID),
		logx.Int("jobs", len(cancelled)),
		logx.Int("dequeued", removed))
	return s.store.GetSchedule(ctx, id)
}

// ExecuteSchedule re-enqueues the schedule's unfinished jobs that no queue
// holds any more, using credentials supplied by the caller. Jobs past
// generation go through the generate stage again, which prepares fresh
// content and hands them to publishing. It returns how many jobs were
// enqueued.
func (s *Service) ExecuteSchedule(ctx context.Context, id, accountID, password string) (int, error) {
	sc, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return 0, err
	}
	if sc.AccountID != accountID {
		return 0, errors.Mark(errors.Newf("schedule %s belongs to another account", id), domain.ErrAccountMismatch)
	}
	if password == "" {
		return 0, domain.Validation("account password is required")
	}
	if sc.Status.Terminal() {
		return 0, domain.Validation("schedule is %s", sc.Status)
	}

	jobs, err := s.store.ListJobs(ctx, id)
	if err != nil {
		return 0, err
	}
	acct := sc.AccountID
	var resume []*domain.ScheduleJob
	for _, sj := range jobs {
		switch sj.Status {
		case domain.JobPending, domain.JobGenerating:
			// Replace a still-waiting copy; leave a running one alone.
			if !s.queues.RemoveJob(acct, sj.GenerateJobID, queue.StageGenerate) &&
				s.queues.Tracked(acct, sj.GenerateJobID, queue.StageGenerate) {
				continue
			}
		case domain.JobGenerated, domain.JobPublishing:
			if s.queues.Tracked(acct, sj.GenerateJobID, queue.StageGenerate) ||
				s.queues.Tracked(acct, sj.PublishJobID, queue.StagePublish) {
				continue
			}
		default:
			continue
		}
		resume = append(resume, sj)
	}
	n, err := s.enqueue(ctx, sc, resume, pipeline.Credentials{AccountID: accountID, Password: password})
	s.log.Info("schedule executed", logx.String("schedule", id), logx.Account(accountID), logx.Int("jobs", n))
	return n, err
}

func (s *Service) GetSchedule(ctx context.Context, id string) (*Detail, error) {
	sc, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	jobs, err := s.store.ListJobs(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Detail{Schedule: sc, Jobs: jobs}, nil
}

func (s *Service) ListSchedules(ctx context.Context, f storage.ScheduleFilter) ([]*domain.Schedule, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, domain.Validation("unknown status %q", f.Status)
	}
	return s.store.ListSchedules(ctx, f)
}

func (s *Service) ActiveAccounts() []string { return s.queues.ActiveAccounts() }

func (s *Service) QueueStats() []queue.AccountStats { return s.queues.Stats() }
