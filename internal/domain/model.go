package domain

import (
	"time"

	"github.com/google/uuid"
)

type ScheduleStatus string

const (
	SchedulePending    ScheduleStatus = "pending"
	ScheduleProcessing ScheduleStatus = "processing"
	ScheduleCompleted  ScheduleStatus = "completed"
	ScheduleFailed     ScheduleStatus = "failed"
	ScheduleCancelled  ScheduleStatus = "cancelled"
)

// Terminal reports whether no further counter mutation may happen.
func (s ScheduleStatus) Terminal() bool {
	return s == ScheduleCompleted || s == ScheduleFailed || s == ScheduleCancelled
}

func (s ScheduleStatus) Valid() bool {
	switch s {
	case SchedulePending, ScheduleProcessing, ScheduleCompleted, ScheduleFailed, ScheduleCancelled:
		return true
	}
	return false
}

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobGenerating JobStatus = "generating"
	JobGenerated  JobStatus = "generated"
	JobPublishing JobStatus = "publishing"
	JobPublished  JobStatus = "published"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	return s == JobPublished || s == JobFailed || s == JobCancelled
}

// Schedule is one account's batch of keywords.
type Schedule struct {
	ID           string         `json:"id"`
	AccountID    string         `json:"accountId"`
	Service      string         `json:"service,omitempty"`
	Ref          string         `json:"ref,omitempty"`
	ScheduleDate string         `json:"scheduleDate"`
	Status       ScheduleStatus `json:"status"`

	GenerateImages           bool `json:"generateImages"`
	ImageCount               int  `json:"imageCount"`
	DelayBetweenPostsSeconds int  `json:"delayBetweenPostsSeconds"`

	TotalJobs     int `json:"totalJobs"`
	CompletedJobs int `json:"completedJobs"`
	FailedJobs    int `json:"failedJobs"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Done is the number of jobs that reached published or failed.
func (s *Schedule) Done() int { return s.CompletedJobs + s.FailedJobs }

// ScheduleJob is one keyword's journey through generate and publish.
type ScheduleJob struct {
	ID          string    `json:"id"`
	ScheduleID  string    `json:"scheduleId"`
	Keyword     string    `json:"keyword"`
	Category    string    `json:"category,omitempty"`
	ScheduledAt time.Time `json:"scheduledAt"`
	Day         int       `json:"day"`
	Slot        int       `json:"slot"`

	GenerateJobID string `json:"generateJobId,omitempty"`
	PublishJobID  string `json:"publishJobId,omitempty"`
	ManuscriptID  string `json:"manuscriptId,omitempty"`
	PostURL       string `json:"postUrl,omitempty"`

	Status      JobStatus  `json:"status"`
	Error       string     `json:"error,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Cookie is one authenticated-session cookie as handed out by the login
// automation. The core never inspects it.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
}

func NewScheduleID() string { return "sch_" + uuid.NewString() }
func NewJobID() string      { return "job_" + uuid.NewString() }
