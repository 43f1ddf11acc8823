package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"postpipe/internal/domain"
	"postpipe/internal/eventbus"
	"postpipe/internal/queue"
	"postpipe/internal/session"
	"postpipe/internal/storage"
	"postpipe/pkg/logx"
)

var (
	cachedCookies = []domain.Cookie{{Name: "SES", Value: "cached"}}
	freshCookies  = []domain.Cookie{{Name: "SES", Value: "fresh"}}
)

type fakeAuth struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeAuth) GetValidCookies(context.Context, string, string) (session.AuthResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return session.AuthResult{}, f.err
	}
	return session.AuthResult{Cookies: freshCookies}, nil
}

func (f *fakeAuth) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeContent struct {
	mu       sync.Mutex
	err      error
	outcomes []PublishOutcome
}

func (f *fakeContent) Prepare(_ context.Context, req ContentRequest) (*Content, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &Content{
		ContentID:     "m-" + req.Keyword,
		Title:         req.Keyword + " title",
		Body:          "body",
		StorageHandle: "folder-" + req.Keyword,
	}, nil
}

func (f *fakeContent) ReportOutcome(_ context.Context, _ string, o PublishOutcome) error {
	f.mu.Lock()
	f.outcomes = append(f.outcomes, o)
	f.mu.Unlock()
	return nil
}

type fakePublisher struct {
	mu   sync.Mutex
	fn   func(req PublishRequest) (*PublishResult, error)
	seen [][]domain.Cookie
}

func (f *fakePublisher) Publish(_ context.Context, req PublishRequest) (*PublishResult, error) {
	f.mu.Lock()
	f.seen = append(f.seen, req.Cookies)
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return &PublishResult{Success: true, PostURL: "https://blog.example.com/" + req.Title}, nil
	}
	return fn(req)
}

type fakeQueues struct {
	mu       sync.Mutex
	enqueued []*PublishTask
	drained  []string
}

func (f *fakeQueues) Enqueue(_ string, _ queue.Stage, _ string, data any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, data.(*PublishTask))
	return fmt.Sprintf("pub-%d", len(f.enqueued)), nil
}

func (f *fakeQueues) Drain(account string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drained = append(f.drained, account)
	return true
}

type harness struct {
	store     *storage.Memory
	auth      *fakeAuth
	cache     *session.MemoryCache
	content   *fakeContent
	publisher *fakePublisher
	queues    *fakeQueues
	bus       eventbus.Bus
	p         *Pipeline
	slept     []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     storage.NewMemory(),
		auth:      &fakeAuth{},
		cache:     session.NewMemoryCache(time.Hour),
		content:   &fakeContent{},
		publisher: &fakePublisher{},
		queues:    &fakeQueues{},
		bus:       eventbus.New(),
	}
	h.p = New(Deps{
		Store:     h.store,
		Queues:    h.queues,
		Drainer:   h.queues,
		Auth:      h.auth,
		Sessions:  h.cache,
		Content:   h.content,
		Publisher: h.publisher,
		Bus:       h.bus,
		Log:       logx.Nop(),
	})
	h.p.sleep = func(_ context.Context, d time.Duration) error {
		h.slept = append(h.slept, d)
		return nil
	}
	return h
}

func (h *harness) seed(t *testing.T, account string, n int) (*domain.Schedule, []*domain.ScheduleJob) {
	t.Helper()
	now := time.Now()
	sc := &domain.Schedule{
		ID:           domain.NewScheduleID(),
		AccountID:    account,
		ScheduleDate: now.Format("2006-01-02"),
		Status:       domain.SchedulePending,
		TotalJobs:    n,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	var jobs []*domain.ScheduleJob
	for i := 0; i < n; i++ {
		jobs = append(jobs, &domain.ScheduleJob{
			ID:          domain.NewJobID(),
			ScheduleID:  sc.ID,
			Keyword:     fmt.Sprintf("kw%d", i+1),
			ScheduledAt: now.Add(time.Duration(i+1) * time.Hour),
			Day:         1,
			Slot:        i + 1,
			Status:      domain.JobPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	require.NoError(t, h.store.CreateSchedule(context.Background(), sc, jobs))
	return sc, jobs
}

func genJob(sc *domain.Schedule, sj *domain.ScheduleJob, attempt, maxAttempts int) *queue.Job {
	return &queue.Job{
		ID:          "gen-" + sj.ID,
		Account:     sc.AccountID,
		Stage:       queue.StageGenerate,
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		Data: &GenerateTask{
			ScheduleID:    sc.ID,
			ScheduleJobID: sj.ID,
			Credentials:   Credentials{AccountID: sc.AccountID, Password: "pw"},
			Keyword:       sj.Keyword,
			ScheduledAt:   sj.ScheduledAt,
			Throttle:      5 * time.Second,
		},
	}
}

func pubJob(sc *domain.Schedule, sj *domain.ScheduleJob, attempt, maxAttempts int) *queue.Job {
	return &queue.Job{
		ID:          "pub-" + sj.ID,
		Account:     sc.AccountID,
		Stage:       queue.StagePublish,
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		Data: &PublishTask{
			ScheduleID:    sc.ID,
			ScheduleJobID: sj.ID,
			Credentials:   Credentials{AccountID: sc.AccountID, Password: "pw"},
			Keyword:       sj.Keyword,
			Content:       Content{ContentID: "m-1", Title: "title", Body: "body", StorageHandle: "folder-1"},
			ScheduledAt:   sj.ScheduledAt,
			Throttle:      5 * time.Second,
		},
	}
}

// toGenerated walks a job to generated so a publish handler can pick it up.
func (h *harness) toGenerated(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	for _, st := range []domain.JobStatus{domain.JobGenerating, domain.JobGenerated} {
		ok, err := h.store.TransitionJob(ctx, id, st, storage.JobPatch{})
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func (h *harness) job(t *testing.T, id string) *domain.ScheduleJob {
	t.Helper()
	j, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func (h *harness) schedule(t *testing.T, id string) *domain.Schedule {
	t.Helper()
	s, err := h.store.GetSchedule(context.Background(), id)
	require.NoError(t, err)
	return s
}

func TestGenerateHandsOffToPublish(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	sc, jobs := h.seed(t, "writer@example.com", 1)

	require.NoError(t, h.p.Generate(context.Background(), genJob(sc, jobs[0], 1, 3)))

	j := h.job(t, jobs[0].ID)
	require.Equal(t, domain.JobGenerated, j.Status)
	require.Equal(t, "m-kw1", j.ManuscriptID)
	require.Equal(t, "pub-1", j.PublishJobID)
	require.Equal(t, domain.ScheduleProcessing, h.schedule(t, sc.ID).Status)

	require.Len(t, h.queues.enqueued, 1)
	task := h.queues.enqueued[0]
	require.Equal(t, jobs[0].ID, task.ScheduleJobID)
	require.Equal(t, "kw1 title", task.Content.Title)
	require.Equal(t, 5*time.Second, task.Throttle)
	require.Equal(t, "pw", task.Credentials.Password)
}

func TestGenerateResumesJobThatLostItsPublishTask(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	sc, jobs := h.seed(t, "writer@example.com", 2)
	_, err := h.store.MarkScheduleProcessing(ctx, sc.ID)
	require.NoError(t, err)
	h.toGenerated(t, jobs[0].ID)
	h.toGenerated(t, jobs[1].ID)
	ok, err := h.store.TransitionJob(ctx, jobs[1].ID, domain.JobPublishing, storage.JobPatch{})
	require.NoError(t, err)
	require.True(t, ok)

	for _, sj := range jobs {
		require.NoError(t, h.p.Generate(ctx, genJob(sc, sj, 1, 3)))
	}
	require.Len(t, h.queues.enqueued, 2)
	require.Equal(t, domain.JobGenerated, h.job(t, jobs[0].ID).Status)
	require.Equal(t, domain.JobPublishing, h.job(t, jobs[1].ID).Status)
	require.Equal(t, "m-kw2", h.job(t, jobs[1].ID).ManuscriptID)

	for i, task := range h.queues.enqueued {
		j := &queue.Job{ID: fmt.Sprintf("pub-%d", i), Account: sc.AccountID, Stage: queue.StagePublish, Attempt: 1, MaxAttempts: 3, Data: task}
		require.NoError(t, h.p.Publish(ctx, j))
	}
	got := h.schedule(t, sc.ID)
	require.Equal(t, domain.ScheduleCompleted, got.Status)
	require.Equal(t, 2, got.CompletedJobs)
	require.Equal(t, got.TotalJobs, got.CompletedJobs+got.FailedJobs)
}

func TestGenerateLoginFailureCascades(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.auth.err = errors.New("invalid password")
	events, unsub := h.bus.Subscribe(16, eventbus.AccountCascade)
	defer unsub()

	scA1, jobsA1 := h.seed(t, "a", 2)
	scA2, jobsA2 := h.seed(t, "a", 1)
	scB, jobsB := h.seed(t, "b", 1)

	err := h.p.Generate(context.Background(), genJob(scA1, jobsA1[0], 1, 3))
	require.Error(t, err)
	require.True(t, queue.IsPermanent(err))
	require.Equal(t, domain.KindLoginPrecheck, domain.KindOf(err))

	for _, sj := range append(jobsA1, jobsA2...) {
		j := h.job(t, sj.ID)
		require.Equal(t, domain.JobFailed, j.Status)
		require.Equal(t, "login failed: invalid password", j.Error)
		require.NotNil(t, j.CompletedAt)
	}
	for _, id := range []string{scA1.ID, scA2.ID} {
		s := h.schedule(t, id)
		require.Equal(t, domain.ScheduleFailed, s.Status)
		require.Equal(t, s.TotalJobs, s.FailedJobs)
	}

	require.Equal(t, domain.JobPending, h.job(t, jobsB[0].ID).Status)
	require.Equal(t, domain.SchedulePending, h.schedule(t, scB.ID).Status)
	require.Equal(t, []string{"a"}, h.queues.drained)

	select {
	case e := <-events:
		ce := e.Data.(eventbus.CascadeEvent)
		require.Equal(t, 2, ce.Jobs, "the triggering job is failed before the sweep")
		require.Len(t, ce.Schedules, 2)
	case <-time.After(time.Second):
		t.Fatal("no cascade event")
	}
}

func TestGenerateRateLimitIsRetried(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.auth.err = session.ErrRateLimited
	sc, jobs := h.seed(t, "acct", 1)

	err := h.p.Generate(context.Background(), genJob(sc, jobs[0], 1, 3))
	require.ErrorIs(t, err, session.ErrRateLimited)
	require.False(t, queue.IsPermanent(err))
	require.Equal(t, domain.JobGenerating, h.job(t, jobs[0].ID).Status)
	require.Empty(t, h.queues.drained)
	require.Zero(t, h.schedule(t, sc.ID).FailedJobs)
}

func TestGenerateFailsOnFinalAttemptOnly(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.content.err = errors.New("llm timeout")
	sc, jobs := h.seed(t, "acct", 1)

	require.Error(t, h.p.Generate(context.Background(), genJob(sc, jobs[0], 1, 2)))
	require.Equal(t, domain.JobGenerating, h.job(t, jobs[0].ID).Status)

	err := h.p.Generate(context.Background(), genJob(sc, jobs[0], 2, 2))
	require.Error(t, err)
	require.False(t, queue.IsPermanent(err))

	j := h.job(t, jobs[0].ID)
	require.Equal(t, domain.JobFailed, j.Status)
	require.Contains(t, j.Error, "llm timeout")
	s := h.schedule(t, sc.ID)
	require.Equal(t, domain.ScheduleFailed, s.Status)
	require.Equal(t, 1, s.FailedJobs)
}

func TestPublishUsesCachedSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	sc, jobs := h.seed(t, "acct", 1)
	h.toGenerated(t, jobs[0].ID)
	require.NoError(t, h.cache.Save(ctx, "acct", cachedCookies))

	require.NoError(t, h.p.Publish(ctx, pubJob(sc, jobs[0], 1, 3)))

	require.Zero(t, h.auth.Calls())
	require.Equal(t, [][]domain.Cookie{cachedCookies}, h.publisher.seen)
	require.Equal(t, []time.Duration{5 * time.Second}, h.slept)

	j := h.job(t, jobs[0].ID)
	require.Equal(t, domain.JobPublished, j.Status)
	require.Equal(t, "https://blog.example.com/title", j.PostURL)
	s := h.schedule(t, sc.ID)
	require.Equal(t, domain.ScheduleCompleted, s.Status)
	require.Equal(t, 1, s.CompletedJobs)
	require.Equal(t, []PublishOutcome{{
		ScheduleJobID: jobs[0].ID,
		Status:        domain.JobPublished,
		PostURL:       "https://blog.example.com/title",
	}}, h.content.outcomes)
}

func TestPublishReauthenticatesOnSessionError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	sc, jobs := h.seed(t, "acct", 1)
	h.toGenerated(t, jobs[0].ID)
	require.NoError(t, h.cache.Save(ctx, "acct", cachedCookies))

	h.publisher.fn = func(req PublishRequest) (*PublishResult, error) {
		if req.Cookies[0].Value == "cached" {
			return nil, domain.WithKind(errors.New("cookies rejected"), domain.ErrSessionExpired)
		}
		return &PublishResult{Success: true, PostURL: "https://blog/1"}, nil
	}

	require.NoError(t, h.p.Publish(ctx, pubJob(sc, jobs[0], 1, 3)))
	require.Equal(t, 1, h.auth.Calls())
	require.Equal(t, [][]domain.Cookie{cachedCookies, freshCookies}, h.publisher.seen)
	_, ok, _ := h.cache.Get(ctx, "acct")
	require.False(t, ok, "rejected session is invalidated")
	require.Equal(t, domain.JobPublished, h.job(t, jobs[0].ID).Status)
}

func TestPublishOtherErrorKeepsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	sc, jobs := h.seed(t, "acct", 1)
	h.toGenerated(t, jobs[0].ID)
	require.NoError(t, h.cache.Save(ctx, "acct", cachedCookies))
	h.publisher.fn = func(PublishRequest) (*PublishResult, error) {
		return &PublishResult{Success: false, Message: "editor timeout"}, nil
	}

	err := h.p.Publish(ctx, pubJob(sc, jobs[0], 1, 3))
	require.EqualError(t, err, "editor timeout")
	require.False(t, queue.IsPermanent(err))
	require.Zero(t, h.auth.Calls())

	_, ok, _ := h.cache.Get(ctx, "acct")
	require.True(t, ok)
	require.Equal(t, domain.JobPublishing, h.job(t, jobs[0].ID).Status)
	require.Zero(t, h.schedule(t, sc.ID).FailedJobs)
	require.Empty(t, h.content.outcomes)

	// A retry does not throttle again.
	err = h.p.Publish(ctx, pubJob(sc, jobs[0], 2, 3))
	require.Error(t, err)
	require.Len(t, h.slept, 1)
}

func TestPublishNonRetryableIsPermanent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	sc, jobs := h.seed(t, "acct", 2)
	h.toGenerated(t, jobs[0].ID)
	h.publisher.fn = func(PublishRequest) (*PublishResult, error) {
		return nil, errors.New("게시 실패: 계정 잠금 상태입니다")
	}

	err := h.p.Publish(ctx, pubJob(sc, jobs[0], 1, 3))
	require.True(t, queue.IsPermanent(err))

	j := h.job(t, jobs[0].ID)
	require.Equal(t, domain.JobFailed, j.Status)
	require.Contains(t, j.Error, "계정 잠금")
	s := h.schedule(t, sc.ID)
	require.Equal(t, domain.ScheduleProcessing, s.Status)
	require.Equal(t, 1, s.FailedJobs)
	require.Len(t, h.content.outcomes, 1)
	require.Equal(t, domain.JobFailed, h.content.outcomes[0].Status)
	require.Empty(t, h.queues.drained, "non-retryable failures do not cascade")
}

func TestPublishSkipsCancelledSchedule(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	sc, jobs := h.seed(t, "acct", 1)
	h.toGenerated(t, jobs[0].ID)
	_, err := h.store.CancelSchedule(ctx, sc.ID, time.Now())
	require.NoError(t, err)

	require.NoError(t, h.p.Publish(ctx, pubJob(sc, jobs[0], 1, 3)))
	require.Empty(t, h.publisher.seen)
	require.Equal(t, domain.JobCancelled, h.job(t, jobs[0].ID).Status)
}

func TestInFlightPublishDoesNotResurrectCancelledSchedule(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	sc, jobs := h.seed(t, "acct", 1)
	h.toGenerated(t, jobs[0].ID)

	h.publisher.fn = func(PublishRequest) (*PublishResult, error) {
		_, err := h.store.CancelSchedule(ctx, sc.ID, time.Now())
		require.NoError(t, err)
		return &PublishResult{Success: true, PostURL: "https://blog/late"}, nil
	}
	require.NoError(t, h.p.Publish(ctx, pubJob(sc, jobs[0], 1, 3)))

	require.Equal(t, domain.JobCancelled, h.job(t, jobs[0].ID).Status)
	s := h.schedule(t, sc.ID)
	require.Equal(t, domain.ScheduleCancelled, s.Status)
	require.Zero(t, s.CompletedJobs)
}

func TestUnexpectedPayloadIsPermanent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	err := h.p.Generate(context.Background(), &queue.Job{Data: "nope", Attempt: 1, MaxAttempts: 3})
	require.True(t, queue.IsPermanent(err))
	err = h.p.Publish(context.Background(), &queue.Job{Data: 42, Attempt: 1, MaxAttempts: 3})
	require.True(t, queue.IsPermanent(err))
}

func TestEndToEndThroughQueues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	m := queue.NewManager(ctx, queue.Config{Retry: queue.RetryPolicy{Attempts: 2, Base: time.Millisecond}})
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.ShutdownAll(sctx)
	})

	var flaky sync.Once
	publisher := &fakePublisher{fn: func(req PublishRequest) (*PublishResult, error) {
		var err error
		flaky.Do(func() { err = errors.New("temporary glitch") })
		if err != nil {
			return nil, err
		}
		return &PublishResult{Success: true, PostURL: "https://blog/" + req.Title}, nil
	}}
	p := New(Deps{
		Store:     store,
		Queues:    m,
		Drainer:   m,
		Auth:      &fakeAuth{},
		Sessions:  session.NewMemoryCache(time.Hour),
		Content:   &fakeContent{},
		Publisher: publisher,
	})
	p.Register(m)

	h := &harness{store: store}
	sc, jobs := h.seed(t, "acct", 3)
	for _, sj := range jobs {
		_, err := m.Enqueue("acct", queue.StageGenerate, sj.ID, &GenerateTask{
			ScheduleID:    sc.ID,
			ScheduleJobID: sj.ID,
			Credentials:   Credentials{AccountID: "acct", Password: "pw"},
			Keyword:       sj.Keyword,
			ScheduledAt:   sj.ScheduledAt,
		})
		require.NoError(t, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		s := h.schedule(t, sc.ID)
		if s.Status.Terminal() {
			require.Equal(t, domain.ScheduleCompleted, s.Status)
			require.Equal(t, 3, s.CompletedJobs)
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("schedule did not finish: %+v", s)
		}
		time.Sleep(5 * time.Millisecond)
	}
	for _, sj := range jobs {
		require.Equal(t, domain.JobPublished, h.job(t, sj.ID).Status)
	}
}
