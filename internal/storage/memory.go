package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"postpipe/internal/domain"
)

// Memory is a Store backed by maps. Values are copied in and out so callers
// never share state with the store.
type Memory struct {
	mu        sync.Mutex
	schedules map[string]*domain.Schedule
	jobs      map[string]*domain.ScheduleJob
	bySched   map[string][]string
}

func NewMemory() *Memory {
	return &Memory{
		schedules: map[string]*domain.Schedule{},
		jobs:      map[string]*domain.ScheduleJob{},
		bySched:   map[string][]string{},
	}
}

func cloneSchedule(s *domain.Schedule) *domain.Schedule {
	cp := *s
	return &cp
}

func cloneJob(j *domain.ScheduleJob) *domain.ScheduleJob {
	cp := *j
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func (m *Memory) CreateSchedule(_ context.Context, s *domain.Schedule, jobs []*domain.ScheduleJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; ok {
		return errors.Newf("schedule %s already exists", s.ID)
	}
	m.schedules[s.ID] = cloneSchedule(s)
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		m.jobs[j.ID] = cloneJob(j)
		ids = append(ids, j.ID)
	}
	m.bySched[s.ID] = ids
	return nil
}

func (m *Memory) GetSchedule(_ context.Context, id string) (*domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, domain.NotFound("schedule", id)
	}
	return cloneSchedule(s), nil
}

func (m *Memory) ListSchedules(_ context.Context, f ScheduleFilter) ([]*domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Schedule
	for _, s := range m.schedules {
		if f.AccountID != "" && s.AccountID != f.AccountID {
			continue
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		out = append(out, cloneSchedule(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListJobs(_ context.Context, scheduleID string) ([]*domain.ScheduleJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobsOf(scheduleID), nil
}

func (m *Memory) jobsOf(scheduleID string) []*domain.ScheduleJob {
	ids := m.bySched[scheduleID]
	out := make([]*domain.ScheduleJob, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneJob(m.jobs[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

func (m *Memory) GetJob(_ context.Context, id string) (*domain.ScheduleJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.NotFound("schedule job", id)
	}
	return cloneJob(j), nil
}

func (m *Memory) MarkScheduleProcessing(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return false, domain.NotFound("schedule", id)
	}
	if s.Status != domain.SchedulePending {
		return false, nil
	}
	s.Status = domain.ScheduleProcessing
	s.UpdatedAt = time.Now()
	return true, nil
}

func (m *Memory) TransitionJob(_ context.Context, id string, to domain.JobStatus, p JobPatch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, domain.NotFound("schedule job", id)
	}
	if !domain.CanTransition(j.Status, to) {
		return false, nil
	}
	j.Status = to
	applyPatch(j, p)
	j.UpdatedAt = time.Now()
	return true, nil
}

func applyPatch(j *domain.ScheduleJob, p JobPatch) {
	if p.ManuscriptID != "" {
		j.ManuscriptID = p.ManuscriptID
	}
	if p.PostURL != "" {
		j.PostURL = p.PostURL
	}
	if p.Error != "" {
		j.Error = p.Error
	}
	if !p.CompletedAt.IsZero() {
		t := p.CompletedAt
		j.CompletedAt = &t
	}
}

func (m *Memory) SetJobRefs(_ context.Context, id string, refs JobRefs) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.NotFound("schedule job", id)
	}
	if refs.GenerateJobID != "" {
		j.GenerateJobID = refs.GenerateJobID
	}
	if refs.PublishJobID != "" {
		j.PublishJobID = refs.PublishJobID
	}
	if refs.ManuscriptID != "" {
		j.ManuscriptID = refs.ManuscriptID
	}
	j.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) RecordOutcome(_ context.Context, scheduleID string, failed bool) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[scheduleID]
	if !ok {
		return Outcome{}, domain.NotFound("schedule", scheduleID)
	}
	if s.Status.Terminal() || s.Done() >= s.TotalJobs {
		return Outcome{Schedule: cloneSchedule(s)}, nil
	}
	if failed {
		s.FailedJobs++
	} else {
		s.CompletedJobs++
	}
	next := domain.Aggregate(*s)
	finished := next != s.Status && next.Terminal()
	s.Status = next
	s.UpdatedAt = time.Now()
	return Outcome{Schedule: cloneSchedule(s), Applied: true, Finished: finished}, nil
}

func (m *Memory) CancelSchedule(_ context.Context, id string, at time.Time) ([]*domain.ScheduleJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, domain.NotFound("schedule", id)
	}
	var cancelled []*domain.ScheduleJob
	for _, jid := range m.bySched[id] {
		j := m.jobs[jid]
		if j.Status.Terminal() {
			continue
		}
		j.Status = domain.JobCancelled
		j.Error = "cancelled"
		t := at
		j.CompletedAt = &t
		j.UpdatedAt = at
		cancelled = append(cancelled, cloneJob(j))
	}
	s.Status = domain.ScheduleCancelled
	s.UpdatedAt = at
	sort.Slice(cancelled, func(i, j int) bool { return cancelled[i].Slot < cancelled[j].Slot })
	return cancelled, nil
}

func (m *Memory) FailAccount(_ context.Context, accountID, reason string, at time.Time) (CascadeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res CascadeResult
	for _, s := range m.schedules {
		if s.AccountID != accountID {
			continue
		}
		if s.Status != domain.SchedulePending && s.Status != domain.ScheduleProcessing {
			continue
		}
		completed, failedN := 0, 0
		for _, jid := range m.bySched[s.ID] {
			j := m.jobs[jid]
			if !j.Status.Terminal() {
				j.Status = domain.JobFailed
				j.Error = reason
				t := at
				j.CompletedAt = &t
				j.UpdatedAt = at
				res.Jobs++
			}
			switch j.Status {
			case domain.JobPublished:
				completed++
			case domain.JobFailed:
				failedN++
			}
		}
		s.CompletedJobs = completed
		s.FailedJobs = failedN
		s.Status = domain.ScheduleFailed
		s.UpdatedAt = at
		res.Schedules = append(res.Schedules, s.ID)
	}
	sort.Strings(res.Schedules)
	return res, nil
}

func (m *Memory) Close() error { return nil }
