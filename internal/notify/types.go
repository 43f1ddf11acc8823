package notify

import "time"

// Config controls the async alert pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	// MinPriority drops event alerts below it. Forwarded log lines are
	// filtered by the logging service instead.
	MinPriority int
}

// Notification is one operator alert.
type Notification struct {
	Priority int // 0 low.. 10 high
	Text     string
}

type HistoryItem struct {
	At   time.Time
	Text string
}

// Priorities used for pipeline events.
const (
	PriorityInfo    = 3
	PriorityWarn    = 7
	PriorityCascade = 9
)
