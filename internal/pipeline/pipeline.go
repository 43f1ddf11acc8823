package pipeline

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"postpipe/internal/domain"
	"postpipe/internal/eventbus"
	"postpipe/internal/metrics"
	"postpipe/internal/queue"
	"postpipe/internal/storage"
	"postpipe/pkg/logx"
)

// Deps are the collaborators of the two stages.
type Deps struct {
	Store     storage.Store
	Queues    Enqueuer
	Drainer   Drainer
	Auth      AuthProvider
	Sessions  SessionStore
	Content   ContentProvider
	Publisher PublishAdapter

	Classifier *Classifier
	Bus        eventbus.Bus
	Metrics    *metrics.Metrics
	Log        logx.Logger
}

// Pipeline implements the generate and publish stage handlers.
type Pipeline struct {
	store     storage.Store
	queues    Enqueuer
	auth      AuthProvider
	sessions  SessionStore
	content   ContentProvider
	publisher PublishAdapter

	classifier *Classifier
	cascade    *Cascade
	bus        eventbus.Bus
	metrics    *metrics.Metrics
	log        logx.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(d Deps) *Pipeline {
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	if d.Classifier == nil {
		d.Classifier = NewClassifier(nil, nil)
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	log := d.Log.With(logx.String("comp", "pipeline"))
	return &Pipeline{
		store:      d.Store,
		queues:     d.Queues,
		auth:       d.Auth,
		sessions:   d.Sessions,
		content:    d.Content,
		publisher:  d.Publisher,
		classifier: d.Classifier,
		cascade:    NewCascade(d.Store, d.Drainer, d.Bus, d.Metrics, log),
		bus:        d.Bus,
		metrics:    d.Metrics,
		log:        log,
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// Register installs both stage handlers.
func (p *Pipeline) Register(r Registrar) {
	r.Handle(queue.StageGenerate, p.Generate)
	r.Handle(queue.StagePublish, p.Publish)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// load returns the job and reports whether the stage should skip it: the job
// is terminal already or its schedule was cancelled.
func (p *Pipeline) load(ctx context.Context, scheduleID, jobID string) (*domain.ScheduleJob, bool, error) {
	sj, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, false, queue.Permanent(err)
		}
		return nil, false, err
	}
	if sj.Status.Terminal() {
		return sj, true, nil
	}
	sc, err := p.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, false, queue.Permanent(err)
		}
		return nil, false, err
	}
	return sj, sc.Status == domain.ScheduleCancelled, nil
}

// begin moves the schedule to processing and the job to the stage status.
// ok is false when the job can no longer take that status.
func (p *Pipeline) begin(ctx context.Context, scheduleID, jobID string, to domain.JobStatus) (bool, error) {
	if _, err := p.store.MarkScheduleProcessing(ctx, scheduleID); err != nil {
		return false, err
	}
	return p.store.TransitionJob(ctx, jobID, to, storage.JobPatch{})
}

// finish writes a terminal job status and, only when that write applied,
// counts it on the schedule.
func (p *Pipeline) finish(ctx context.Context, acct, scheduleID string, sj *domain.ScheduleJob, to domain.JobStatus, patch storage.JobPatch) error {
	if patch.CompletedAt.IsZero() {
		patch.CompletedAt = p.now()
	}
	applied, err := p.store.TransitionJob(ctx, sj.ID, to, patch)
	if err != nil {
		return errors.Wrap(err, "finish job")
	}
	if !applied {
		return nil
	}
	out, err := p.store.RecordOutcome(ctx, scheduleID, to == domain.JobFailed)
	if err != nil {
		return errors.Wrap(err, "record outcome")
	}

	p.bus.Publish(eventbus.Event{Type: eventbus.JobFinished, Data: eventbus.JobEvent{
		ScheduleID: scheduleID,
		JobID:      sj.ID,
		AccountID:  logx.MaskAccount(acct),
		Keyword:    sj.Keyword,
		Error:      patch.Error,
		PostURL:    patch.PostURL,
	}})
	if out.Finished {
		sc := out.Schedule
		p.metrics.ScheduleFinished(string(sc.Status))
		p.bus.Publish(eventbus.Event{Type: eventbus.ScheduleFinished, Data: eventbus.ScheduleEvent{
			ScheduleID: sc.ID,
			AccountID:  logx.MaskAccount(acct),
			Status:     string(sc.Status),
			Total:      sc.TotalJobs,
			Completed:  sc.CompletedJobs,
			Failed:     sc.FailedJobs,
		}})
		p.log.Info("schedule finished",
			logx.String("schedule", sc.ID),
			logx.Account(acct),
			logx.String("status", string(sc.Status)),
			logx.Int("completed", sc.CompletedJobs),
			logx.Int("failed", sc.FailedJobs))
	}
	return nil
}

// settle handles a failed attempt. The job is marked failed only when no
// retry follows; otherwise it keeps its in-progress status.
func (p *Pipeline) settle(ctx context.Context, j *queue.Job, acct, scheduleID string, sj *domain.ScheduleJob, cause error, permanent bool) error {
	log := p.log.With(
		logx.String("stage", string(j.Stage)),
		logx.String("schedule_job", sj.ID),
		logx.Account(acct),
		logx.Int("attempt", j.Attempt),
		logx.Int("max_attempts", j.MaxAttempts),
	)
	if !permanent && !j.FinalAttempt() {
		log.Warn("stage attempt failed", logx.Err(cause))
		return cause
	}
	log.Error("stage failed", logx.Err(cause), logx.Bool("permanent", permanent))
	if err := p.finish(ctx, acct, scheduleID, sj, domain.JobFailed, storage.JobPatch{Error: cause.Error()}); err != nil {
		log.Error("mark job failed", logx.Err(err))
	}
	if permanent {
		return queue.Permanent(cause)
	}
	return cause
}

// Generate runs the login precheck, prepares content and hands the job to the
// account's publish queue. A job found generated or publishing lost its
// publish task (restart or shutdown); its content is prepared again and it is
// handed to the publish queue without moving back.
func (p *Pipeline) Generate(ctx context.Context, j *queue.Job) error {
	task, ok := j.Data.(*GenerateTask)
	if !ok {
		return queue.Permanent(errors.Newf("generate: unexpected payload %T", j.Data))
	}
	acct := task.Credentials.AccountID

	sj, skip, err := p.load(ctx, task.ScheduleID, task.ScheduleJobID)
	if err != nil {
		return err
	}
	if skip {
		p.log.Debug("generate skipped", logx.String("schedule_job", task.ScheduleJobID), logx.String("status", string(sj.Status)))
		return nil
	}
	resumed := sj.Status == domain.JobGenerated || sj.Status == domain.JobPublishing
	if !resumed {
		ok, err = p.begin(ctx, task.ScheduleID, sj.ID, domain.JobGenerating)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	if _, err := p.auth.GetValidCookies(ctx, acct, task.Credentials.Password); err != nil {
		if ctx.Err() != nil || errors.Is(err, domain.ErrTransient) {
			return p.settle(ctx, j, acct, task.ScheduleID, sj, err, false)
		}
		return p.cascade.Trigger(ctx, acct, sj.ID, err)
	}

	content, err := p.content.Prepare(ctx, ContentRequest{
		Keyword:        task.Keyword,
		Category:       task.Category,
		Service:        task.Service,
		Ref:            task.Ref,
		GenerateImages: task.GenerateImages,
		ImageCount:     task.ImageCount,
	})
	if err == nil && content == nil {
		err = errors.New("content provider returned no content")
	}
	if err != nil {
		return p.settle(ctx, j, acct, task.ScheduleID, sj, errors.Wrap(err, "prepare content"), errors.Is(err, domain.ErrNonRetryable))
	}
	if content.Title == "" {
		content.Title = task.Keyword
	}

	if resumed {
		if err := p.store.SetJobRefs(ctx, sj.ID, storage.JobRefs{ManuscriptID: content.ContentID}); err != nil {
			p.log.Warn("record manuscript id", logx.String("schedule_job", sj.ID), logx.Err(err))
		}
	} else {
		ok, err = p.store.TransitionJob(ctx, sj.ID, domain.JobGenerated, storage.JobPatch{ManuscriptID: content.ContentID})
		if err != nil {
			return err
		}
		if !ok {
			// Cancelled or cascaded while generating.
			return nil
		}
	}

	pubID, err := p.queues.Enqueue(acct, queue.StagePublish, sj.ID, &PublishTask{
		ScheduleID:    task.ScheduleID,
		ScheduleJobID: sj.ID,
		Credentials:   task.Credentials,
		Keyword:       task.Keyword,
		Category:      task.Category,
		Content:       *content,
		ScheduledAt:   task.ScheduledAt,
		Throttle:      task.Throttle,
	})
	if err != nil {
		// The job is generated already; a retry could not re-enter generating.
		return p.settle(ctx, j, acct, task.ScheduleID, sj, errors.Wrap(err, "enqueue publish"), true)
	}
	if err := p.store.SetJobRefs(ctx, sj.ID, storage.JobRefs{PublishJobID: pubID}); err != nil {
		p.log.Warn("record publish job id", logx.String("schedule_job", sj.ID), logx.Err(err))
	}
	p.log.Info("content generated",
		logx.String("schedule_job", sj.ID),
		logx.Account(acct),
		logx.String("content", content.ContentID),
		logx.Bool("resumed", resumed),
		logx.Time("scheduled_at", task.ScheduledAt))
	return nil
}

// Publish posts prepared content, reusing a cached session when possible.
func (p *Pipeline) Publish(ctx context.Context, j *queue.Job) error {
	task, ok := j.Data.(*PublishTask)
	if !ok {
		return queue.Permanent(errors.Newf("publish: unexpected payload %T", j.Data))
	}
	acct := task.Credentials.AccountID

	sj, skip, err := p.load(ctx, task.ScheduleID, task.ScheduleJobID)
	if err != nil {
		return err
	}
	if skip {
		p.log.Debug("publish skipped", logx.String("schedule_job", task.ScheduleJobID), logx.String("status", string(sj.Status)))
		return nil
	}
	ok, err = p.begin(ctx, task.ScheduleID, sj.ID, domain.JobPublishing)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if task.Throttle > 0 && j.Attempt <= 1 {
		if err := p.sleep(ctx, task.Throttle); err != nil {
			return err
		}
	}

	res, err := p.publish(ctx, task)
	if err != nil {
		permanent := p.classifier.IsNonRetryable(err)
		if permanent || j.FinalAttempt() {
			p.report(ctx, task, PublishOutcome{ScheduleJobID: sj.ID, Status: domain.JobFailed, Error: err.Error()})
		}
		return p.settle(ctx, j, acct, task.ScheduleID, sj, err, permanent)
	}

	if err := p.finish(ctx, acct, task.ScheduleID, sj, domain.JobPublished, storage.JobPatch{PostURL: res.PostURL}); err != nil {
		return err
	}
	p.report(ctx, task, PublishOutcome{ScheduleJobID: sj.ID, Status: domain.JobPublished, PostURL: res.PostURL})
	p.log.Info("published",
		logx.String("schedule_job", sj.ID),
		logx.Account(acct),
		logx.String("post_url", res.PostURL))
	return nil
}

// publish tries the cached session first. A session error invalidates it and
// falls through to one publish with fresh cookies; any other error is
// returned as is.
func (p *Pipeline) publish(ctx context.Context, task *PublishTask) (*PublishResult, error) {
	acct := task.Credentials.AccountID

	cookies, ok, err := p.sessions.Get(ctx, acct)
	if err != nil {
		p.log.Warn("session lookup failed", logx.Account(acct), logx.Err(err))
	}
	if ok && len(cookies) > 0 {
		res, err := p.publishWith(ctx, task, cookies)
		if err == nil {
			return res, nil
		}
		if !p.classifier.IsSessionError(err) {
			return nil, err
		}
		p.log.Info("cached session rejected", logx.Account(acct), logx.Err(err))
		if err := p.sessions.Invalidate(ctx, acct); err != nil {
			p.log.Warn("session invalidate failed", logx.Account(acct), logx.Err(err))
		}
	}

	auth, err := p.auth.GetValidCookies(ctx, acct, task.Credentials.Password)
	if err != nil {
		return nil, errors.Wrap(err, "authenticate")
	}
	return p.publishWith(ctx, task, auth.Cookies)
}

func (p *Pipeline) publishWith(ctx context.Context, task *PublishTask, cookies []domain.Cookie) (*PublishResult, error) {
	res, err := p.publisher.Publish(ctx, PublishRequest{
		AccountID:    task.Credentials.AccountID,
		Cookies:      cookies,
		Title:        task.Content.Title,
		Body:         task.Content.Body,
		Images:       task.Content.Images,
		Category:     task.Category,
		ScheduleTime: task.ScheduledAt,
	})
	if err != nil {
		return nil, err
	}
	if res == nil || !res.Success {
		msg := "publish failed"
		if res != nil && res.Message != "" {
			msg = res.Message
		}
		return nil, errors.New(msg)
	}
	return res, nil
}

func (p *Pipeline) report(ctx context.Context, task *PublishTask, o PublishOutcome) {
	r, ok := p.content.(OutcomeReporter)
	if !ok || task.Content.StorageHandle == "" {
		return
	}
	if err := r.ReportOutcome(ctx, task.Content.StorageHandle, o); err != nil {
		p.log.Warn("report outcome failed", logx.String("schedule_job", o.ScheduleJobID), logx.Err(err))
	}
}
