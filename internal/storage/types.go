package storage

import (
	"context"
	"time"

	"postpipe/internal/domain"
)

// Config configures storage.
//
// Driver values:
//   - "memory"
//   - "sqlite": Path is the database file
//   - "postgres": DSN is a libpq/pgx connection string
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only
	// Location is applied to times read back; defaults to time.Local.
	Location *time.Location
}

type ScheduleFilter struct {
	AccountID string
	Status    domain.ScheduleStatus
	// Limit caps the result (newest first); <=0 means 50.
	Limit int
}

// JobPatch carries the fields written together with a status change. Empty
// fields are left untouched.
type JobPatch struct {
	ManuscriptID string
	PostURL      string
	Error        string
	CompletedAt  time.Time
}

// JobRefs records queue job ids on a schedule job. Empty fields are left
// untouched.
type JobRefs struct {
	GenerateJobID string
	PublishJobID  string
	ManuscriptID  string
}

// Outcome is the result of RecordOutcome.
type Outcome struct {
	Schedule *domain.Schedule
	// Applied is false when the schedule was already terminal.
	Applied bool
	// Finished is true when this call moved the schedule to a terminal status.
	Finished bool
}

type CascadeResult struct {
	Schedules []string
	Jobs      int
}

// Store is the persistence API used by the orchestrator and the pipeline.
type Store interface {
	CreateSchedule(ctx context.Context, s *domain.Schedule, jobs []*domain.ScheduleJob) error
	GetSchedule(ctx context.Context, id string) (*domain.Schedule, error)
	ListSchedules(ctx context.Context, f ScheduleFilter) ([]*domain.Schedule, error)
	// ListJobs returns a schedule's jobs ordered by slot.
	ListJobs(ctx context.Context, scheduleID string) ([]*domain.ScheduleJob, error)
	GetJob(ctx context.Context, id string) (*domain.ScheduleJob, error)

	// MarkScheduleProcessing moves a schedule from pending to processing and
	// reports whether it did.
	MarkScheduleProcessing(ctx context.Context, id string) (bool, error)
	// TransitionJob applies to (with patch) only when the job's current
	// status allows it, and reports whether it did.
	TransitionJob(ctx context.Context, id string, to domain.JobStatus, patch JobPatch) (bool, error)
	SetJobRefs(ctx context.Context, id string, refs JobRefs) error
	// RecordOutcome increments the completed or failed counter of a
	// non-terminal schedule and applies domain.Aggregate to the result.
	RecordOutcome(ctx context.Context, scheduleID string, failed bool) (Outcome, error)

	// CancelSchedule marks the schedule cancelled and every non-terminal job
	// cancelled; it returns the jobs it cancelled.
	CancelSchedule(ctx context.Context, id string, at time.Time) ([]*domain.ScheduleJob, error)
	// FailAccount fails every non-terminal job of the account's pending and
	// processing schedules, recomputes their counters from job statuses and
	// marks them failed.
	FailAccount(ctx context.Context, accountID, reason string, at time.Time) (CascadeResult, error)

	Close() error
}
