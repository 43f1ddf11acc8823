// Package domain holds the persisted model of postpipe: schedules, their
// jobs, the job state machine and the error kinds shared by every layer.
package domain
