package pipeline

import "time"

// Credentials travel with the task and are never persisted.
type Credentials struct {
	AccountID string
	Password  string
}

// GenerateTask is the payload of a generate-stage queue job.
type GenerateTask struct {
	ScheduleID    string
	ScheduleJobID string
	Credentials   Credentials

	Keyword        string
	Category       string
	Service        string
	Ref            string
	GenerateImages bool
	ImageCount     int

	ScheduledAt time.Time
	// Throttle is handed to the publish stage as pacing before the publish.
	Throttle time.Duration
}

// PublishTask is the payload of a publish-stage queue job.
type PublishTask struct {
	ScheduleID    string
	ScheduleJobID string
	Credentials   Credentials

	Keyword     string
	Category    string
	Content     Content
	ScheduledAt time.Time
	Throttle    time.Duration
}
