package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"postpipe/internal/domain"
	"postpipe/internal/pipeline"
	"postpipe/internal/queue"
	"postpipe/internal/storage"
)

type enqueued struct {
	account string
	stage   queue.Stage
	id      string
	task    *pipeline.GenerateTask
}

type fakeQueues struct {
	mu      sync.Mutex
	seq     int
	waiting map[string]enqueued
	running map[string]queue.Stage
	all     []enqueued
	err     error
}

func newFakeQueues() *fakeQueues {
	return &fakeQueues{waiting: map[string]enqueued{}, running: map[string]queue.Stage{}}
}

func (f *fakeQueues) Enqueue(account string, stage queue.Stage, _ string, data any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.seq++
	e := enqueued{account: account, stage: stage, id: fmt.Sprintf("q-%d", f.seq), task: data.(*pipeline.GenerateTask)}
	f.waiting[e.id] = e
	f.all = append(f.all, e)
	return e.id, nil
}

func (f *fakeQueues) RemoveJob(account, id string, stage queue.Stage) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.waiting[id]
	if !ok || e.account != account || e.stage != stage {
		return false
	}
	delete(f.waiting, id)
	return true
}

func (f *fakeQueues) Tracked(account, id string, stage queue.Stage) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.waiting[id]; ok && e.account == account && e.stage == stage {
		return true
	}
	st, ok := f.running[id]
	return ok && st == stage
}

// restart forgets every queued and running job.
func (f *fakeQueues) restart() {
	f.mu.Lock()
	f.waiting = map[string]enqueued{}
	f.running = map[string]queue.Stage{}
	f.mu.Unlock()
}

func (f *fakeQueues) ActiveAccounts() []string { return []string{"a"} }
func (f *fakeQueues) Stats() []queue.AccountStats {
	return []queue.AccountStats{{Account: "a"}}
}

var seoul = time.FixedZone("KST", 9*3600)

func intp(v int) *int { return &v }

func newService(t *testing.T) (*Service, *storage.Memory, *fakeQueues) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Location = seoul
	store := storage.NewMemory()
	q := newFakeQueues()
	now := time.Date(2025, 1, 6, 15, 0, 0, 0, seoul)
	s := New(store, q, cfg,
		WithClock(func() time.Time { return now }),
		WithRandSource(func() rand.Source { return rand.NewSource(1) }))
	return s, store, q
}

func TestCreateScheduleReferenceCadence(t *testing.T) {
	t.Parallel()
	s, store, q := newService(t)
	ctx := context.Background()

	c, err := s.CreateSchedule(ctx, CreateInput{
		AccountID:    "writer@example.com",
		Password:     "pw",
		Keywords:     []string{"k1", "k2", "k3:travel", "k4", "k5"},
		ScheduleDate: "2025-01-07",
		Cadence:      Cadence{StartHour: intp(10), PostsPerDay: intp(2), IntervalHours: intp(2)},
	})
	require.NoError(t, err)
	require.Equal(t, 5, c.Schedule.TotalJobs)
	require.Equal(t, "2025-01-07", c.Schedule.ScheduleDate)
	require.Equal(t, "default", c.Schedule.Service)
	require.True(t, c.Schedule.GenerateImages)
	require.Equal(t, 5, c.Schedule.ImageCount)

	want := []string{
		"2025-01-07T10:00:00+09:00",
		"2025-01-07T12:00:00+09:00",
		"2025-01-08T10:00:00+09:00",
		"2025-01-08T12:00:00+09:00",
		"2025-01-09T10:00:00+09:00",
	}
	for i, j := range c.Jobs {
		require.Equal(t, want[i], j.ScheduledAt.Format(time.RFC3339))
		require.Equal(t, i+1, j.Slot)
	}
	require.Equal(t, "k3", c.Jobs[2].Keyword)
	require.Equal(t, "travel", c.Jobs[2].Category)

	require.Len(t, q.all, 5)
	for i, e := range q.all {
		require.Equal(t, queue.StageGenerate, e.stage)
		require.Equal(t, c.Jobs[i].ID, e.task.ScheduleJobID)
		require.Equal(t, 10*time.Second, e.task.Throttle)
		require.Equal(t, "pw", e.task.Credentials.Password)
	}

	stored, err := store.ListJobs(ctx, c.Schedule.ID)
	require.NoError(t, err)
	require.Equal(t, "q-1", stored[0].GenerateJobID)
}

func TestCreateScheduleValidation(t *testing.T) {
	t.Parallel()
	s, _, q := newService(t)
	ctx := context.Background()
	base := func() CreateInput {
		return CreateInput{AccountID: "a", Password: "pw", Keywords: []string{"k"}}
	}

	tests := []struct {
		name string
		mod  func(*CreateInput)
	}{
		{"no account", func(in *CreateInput) { in.AccountID = " " }},
		{"no password", func(in *CreateInput) { in.Password = "" }},
		{"no keywords", func(in *CreateInput) { in.Keywords = nil }},
		{"blank keyword", func(in *CreateInput) { in.Keywords = []string{"k", "  "} }},
		{"bad date", func(in *CreateInput) { in.ScheduleDate = "07/01/2025" }},
		{"impossible date", func(in *CreateInput) { in.ScheduleDate = "2025-13-40" }},
		{"image count", func(in *CreateInput) { in.ImageCount = intp(11) }},
		{"delay", func(in *CreateInput) { in.DelayBetweenPostsSeconds = intp(601) }},
		{"start hour", func(in *CreateInput) { in.Cadence.StartHour = intp(24) }},
		{"posts per day", func(in *CreateInput) { in.Cadence.PostsPerDay = intp(0) }},
		{"interval", func(in *CreateInput) { in.Cadence.IntervalHours = intp(13) }},
		{"lead time", func(in *CreateInput) { in.Cadence.LeadTimeMinutes = intp(-1) }},
	}
	for _, tt := range tests {
		in := base()
		tt.mod(&in)
		_, err := s.CreateSchedule(ctx, in)
		require.Error(t, err, tt.name)
		require.Equal(t, domain.KindValidation, domain.KindOf(err), tt.name)
	}
	require.Empty(t, q.all)
}

func TestCreateBatchValidatesEverythingFirst(t *testing.T) {
	t.Parallel()
	s, store, _ := newService(t)
	ctx := context.Background()

	_, err := s.CreateBatch(ctx, []CreateInput{
		{AccountID: "a", Password: "pw", Keywords: []string{"k"}},
		{AccountID: "b", Password: "", Keywords: []string{"k"}},
	})
	require.Equal(t, domain.KindValidation, domain.KindOf(err))
	list, err := store.ListSchedules(ctx, storage.ScheduleFilter{})
	require.NoError(t, err)
	require.Empty(t, list)

	out, err := s.CreateBatch(ctx, []CreateInput{
		{AccountID: "a", Password: "pw", Keywords: []string{"k1", "k2"}},
		{AccountID: "b", Password: "pw", Keywords: []string{"k3"}},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "a", out[0].Schedule.AccountID)
	require.Equal(t, 1, out[1].Schedule.TotalJobs)

	_, err = s.CreateBatch(ctx, nil)
	require.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestRandomizedModeRespectsInvariants(t *testing.T) {
	t.Parallel()
	s, _, _ := newService(t)
	cfg := s.config()
	cfg.Slots.Mode = ModeRandomized
	s.SetConfig(cfg)

	kws := make([]string, 12)
	for i := range kws {
		kws[i] = fmt.Sprintf("k%d", i)
	}
	planned, err := s.Plan(kws, "", Cadence{})
	require.NoError(t, err)
	require.Len(t, planned, 12)

	floor := s.now().Add(cfg.Slots.LeadTime)
	perDay := map[int]int{}
	for i, p := range planned {
		require.Equal(t, i+1, p.Slot)
		require.False(t, p.ScheduledAt.Before(floor))
		if i > 0 {
			require.True(t, p.ScheduledAt.After(planned[i-1].ScheduledAt))
		}
		h, m, _ := p.ScheduledAt.Clock()
		require.LessOrEqual(t, h*60+m, 23*60+55)
		perDay[p.Day]++
	}
	for day, n := range perDay {
		quota := cfg.Slots.EvenDayQuota
		if (day-1)%2 == 1 {
			quota = cfg.Slots.OddDayQuota
		}
		require.LessOrEqual(t, n, quota, "day %d", day)
	}
}

func TestCancelScheduleRemovesWaitingJobs(t *testing.T) {
	t.Parallel()
	s, store, q := newService(t)
	ctx := context.Background()
	c, err := s.CreateSchedule(ctx, CreateInput{AccountID: "a", Password: "pw", Keywords: []string{"k1", "k2"}})
	require.NoError(t, err)

	// The first job is already running and no longer waiting.
	ok, err := store.TransitionJob(ctx, c.Jobs[0].ID, domain.JobGenerating, storage.JobPatch{})
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, q.RemoveJob("a", "q-1", queue.StageGenerate))

	sc, err := s.CancelSchedule(ctx, c.Schedule.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ScheduleCancelled, sc.Status)
	require.Empty(t, q.waiting)

	d, err := s.GetSchedule(ctx, c.Schedule.ID)
	require.NoError(t, err)
	for _, j := range d.Jobs {
		require.Equal(t, domain.JobCancelled, j.Status)
	}

	_, err = s.CancelSchedule(ctx, "missing")
	require.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestExecuteSchedule(t *testing.T) {
	t.Parallel()
	s, store, q := newService(t)
	ctx := context.Background()
	c, err := s.CreateSchedule(ctx, CreateInput{AccountID: "a", Password: "pw", Keywords: []string{"k1", "k2", "k3"}})
	require.NoError(t, err)

	// k1 finished, k2 is mid-generation, k3 waits.
	for _, st := range []domain.JobStatus{domain.JobGenerating, domain.JobGenerated, domain.JobPublishing, domain.JobPublished} {
		_, err := store.TransitionJob(ctx, c.Jobs[0].ID, st, storage.JobPatch{})
		require.NoError(t, err)
	}
	require.True(t, q.RemoveJob("a", c.Jobs[0].GenerateJobID, queue.StageGenerate))
	_, err = store.TransitionJob(ctx, c.Jobs[1].ID, domain.JobGenerating, storage.JobPatch{})
	require.NoError(t, err)

	_, err = s.ExecuteSchedule(ctx, c.Schedule.ID, "b", "pw")
	require.Equal(t, domain.KindAccountMismatch, domain.KindOf(err))
	_, err = s.ExecuteSchedule(ctx, "missing", "a", "pw")
	require.Equal(t, domain.KindNotFound, domain.KindOf(err))

	n, err := s.ExecuteSchedule(ctx, c.Schedule.ID, "a", "new-pw")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, q.waiting, 2, "stale copies are replaced, not duplicated")
	for _, e := range q.waiting {
		require.Equal(t, "new-pw", e.task.Credentials.Password)
	}

	_, err = s.CancelSchedule(ctx, c.Schedule.ID)
	require.NoError(t, err)
	_, err = s.ExecuteSchedule(ctx, c.Schedule.ID, "a", "pw")
	require.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func walk(t *testing.T, store storage.Store, id string, to ...domain.JobStatus) {
	t.Helper()
	for _, st := range to {
		ok, err := store.TransitionJob(context.Background(), id, st, storage.JobPatch{})
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestExecuteResumesJobsPastGenerationAfterRestart(t *testing.T) {
	t.Parallel()
	s, store, q := newService(t)
	ctx := context.Background()
	c, err := s.CreateSchedule(ctx, CreateInput{AccountID: "a", Password: "pw", Keywords: []string{"k1", "k2", "k3"}})
	require.NoError(t, err)

	walk(t, store, c.Jobs[0].ID, domain.JobGenerating, domain.JobGenerated)
	walk(t, store, c.Jobs[1].ID, domain.JobGenerating, domain.JobGenerated, domain.JobPublishing)
	walk(t, store, c.Jobs[2].ID, domain.JobGenerating, domain.JobGenerated, domain.JobPublishing, domain.JobPublished)
	q.restart()

	n, err := s.ExecuteSchedule(ctx, c.Schedule.ID, "a", "pw2")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	var resumed []string
	for _, e := range q.waiting {
		require.Equal(t, queue.StageGenerate, e.stage)
		require.Equal(t, "pw2", e.task.Credentials.Password)
		resumed = append(resumed, e.task.Keyword)
	}
	require.ElementsMatch(t, []string{"k1", "k2"}, resumed)
}

func TestExecuteSkipsJobsStillHeldByQueues(t *testing.T) {
	t.Parallel()
	s, store, q := newService(t)
	ctx := context.Background()
	c, err := s.CreateSchedule(ctx, CreateInput{AccountID: "a", Password: "pw", Keywords: []string{"k1", "k2"}})
	require.NoError(t, err)

	// k1 is generating right now; k2 waits in the publish queue.
	walk(t, store, c.Jobs[0].ID, domain.JobGenerating)
	walk(t, store, c.Jobs[1].ID, domain.JobGenerating, domain.JobGenerated)
	require.NoError(t, store.SetJobRefs(ctx, c.Jobs[1].ID, storage.JobRefs{PublishJobID: "pub-k2"}))
	q.restart()
	q.running[c.Jobs[0].GenerateJobID] = queue.StageGenerate
	q.running["pub-k2"] = queue.StagePublish

	n, err := s.ExecuteSchedule(ctx, c.Schedule.ID, "a", "pw")
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, q.waiting)
}

func TestListSchedulesRejectsUnknownStatus(t *testing.T) {
	t.Parallel()
	s, _, _ := newService(t)
	_, err := s.ListSchedules(context.Background(), storage.ScheduleFilter{Status: "weird"})
	require.Equal(t, domain.KindValidation, domain.KindOf(err))
	require.Equal(t, []string{"a"}, s.ActiveAccounts())
	require.Len(t, s.QueueStats(), 1)
}

func TestEnqueueFailureLeavesSchedulePending(t *testing.T) {
	t.Parallel()
	s, store, q := newService(t)
	q.err = queue.ErrClosed
	c, err := s.CreateSchedule(context.Background(), CreateInput{AccountID: "a", Password: "pw", Keywords: []string{"k"}})
	require.ErrorIs(t, err, queue.ErrClosed)
	require.Equal(t, domain.KindTransient, domain.KindOf(err))

	sc, err := store.GetSchedule(context.Background(), c.Schedule.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SchedulePending, sc.Status)
}
