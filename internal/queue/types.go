package queue

import (
	"context"
	"time"
)

type Stage string

const (
	StageGenerate Stage = "generate"
	StagePublish  Stage = "publish"
)

// Job is one unit of work in an account's stage queue.
type Job struct {
	ID      string
	Account string
	Stage   Stage
	// Ref is a caller reference used in logs (usually the schedule job id).
	Ref  string
	Data any

	// Attempt is 1-based and set by the worker before each run.
	Attempt     int
	MaxAttempts int
	EnqueuedAt  time.Time
}

// FinalAttempt reports whether a failure of the current attempt is the last one.
func (j *Job) FinalAttempt() bool { return j.Attempt >= j.MaxAttempts }

type Handler func(ctx context.Context, j *Job) error

// RetryPolicy controls attempts and backoff. Zero fields take defaults.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	MaxDelay time.Duration
	Jitter   float64
	// Timeout bounds one attempt; 0 disables it.
	Timeout time.Duration
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.Base <= 0 {
		p.Base = time.Minute
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Minute
	}
	if p.MaxDelay < p.Base {
		p.MaxDelay = p.Base
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	return p
}

type StageStats struct {
	Waiting      int       `json:"waiting"`
	Active       bool      `json:"active"`
	Completed    uint64    `json:"completed"`
	Failed       uint64    `json:"failed"`
	Retried      uint64    `json:"retried"`
	LastActivity time.Time `json:"lastActivity"`
}

type AccountStats struct {
	Account  string     `json:"account"`
	Drained  bool       `json:"drained"`
	Generate StageStats `json:"generate"`
	Publish  StageStats `json:"publish"`
}
