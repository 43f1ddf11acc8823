package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "2h"). Omitted or
// zero fields take the defaults listed on each section.
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Timezone is the IANA zone slots are computed in. Default "Asia/Seoul".
	Timezone string `json:"timezone,omitempty"`

	Storage   StorageConfig   `json:"storage"`
	Session   SessionConfig   `json:"session"`
	LoginRate LoginRateConfig `json:"login_rate"`
	Slots     SlotsConfig     `json:"slots"`
	Queue     QueueConfig     `json:"queue"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Adapters  AdaptersConfig  `json:"adapters"`
	API       APIConfig       `json:"api"`
	Metrics   MetricsConfig   `json:"metrics"`
	Notify    NotifyConfig    `json:"notify"`
	Janitor   JanitorConfig   `json:"janitor"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Forward LoggingForward `json:"forward"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingForward copies log lines at or above MinLevel to the notify
// channel. Requires notify.enabled.
type LoggingForward struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the schedule store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/postpipe.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// SessionConfig controls the cookie cache. With driver "redis" the login
// limiter is shared through the same Redis.
type SessionConfig struct {
	Driver string      `json:"driver"` // memory | redis; default memory
	TTL    string      `json:"ttl"`    // default 2h
	Redis  RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// LoginRateConfig bounds logins per account. Defaults: 3 per 60s.
type LoginRateConfig struct {
	Limit  int    `json:"limit"`
	Window string `json:"window"`
}

// SlotsConfig is the default cadence and per-request defaults.
type SlotsConfig struct {
	Mode string `json:"mode"` // fixed | randomized; default fixed

	StartHour     *int   `json:"start_hour,omitempty"`
	PostsPerDay   int    `json:"posts_per_day,omitempty"`
	IntervalHours int    `json:"interval_hours,omitempty"`
	LeadTime      string `json:"lead_time,omitempty"`

	MorningStart  *int   `json:"morning_start,omitempty"`
	MorningEnd    *int   `json:"morning_end,omitempty"`
	MinInterval   string `json:"min_interval,omitempty"`
	MaxInterval   string `json:"max_interval,omitempty"`
	TodayInterval string `json:"today_interval,omitempty"`
	EvenDayQuota  int    `json:"even_day_quota,omitempty"`
	OddDayQuota   int    `json:"odd_day_quota,omitempty"`

	Service                  string `json:"service,omitempty"`
	GenerateImages           *bool  `json:"generate_images,omitempty"`
	ImageCount               int    `json:"image_count,omitempty"`
	DelayBetweenPostsSeconds *int   `json:"delay_between_posts_seconds,omitempty"`
}

// QueueConfig controls retries and worker lifecycle.
type QueueConfig struct {
	Attempts    int     `json:"attempts,omitempty"`
	Backoff     string  `json:"backoff,omitempty"`
	MaxBackoff  string  `json:"max_backoff,omitempty"`
	Jitter      float64 `json:"jitter,omitempty"`
	Timeout     string  `json:"timeout,omitempty"`
	Size        int     `json:"size,omitempty"`
	IdleTimeout string  `json:"idle_timeout,omitempty"` // "0s" keeps idle queues forever; default 30m
}

// PipelineConfig lists the message fragments used to classify adapter
// errors that carry no kind. Omitted lists keep the built-in defaults.
type PipelineConfig struct {
	NonRetryable   []string `json:"non_retryable,omitempty"`
	SessionMarkers []string `json:"session_markers,omitempty"`
}

type AdaptersConfig struct {
	DryRun        bool             `json:"dry_run"`
	DryRunLatency string           `json:"dry_run_latency,omitempty"`
	Content       HTTPClientConfig `json:"content"`
	Automation    HTTPClientConfig `json:"automation"`
}

type HTTPClientConfig struct {
	BaseURL    string  `json:"base_url"`
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
	// WorkDir is used by the content client only.
	WorkDir string `json:"work_dir,omitempty"`
}

type APIConfig struct {
	Enabled         bool   `json:"enabled"`
	Addr            string `json:"addr"` // default 127.0.0.1:8080
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	MaxBodyBytes    int64  `json:"max_body_bytes,omitempty"`
	// Pprof exposes /debug/pprof on the API listener. Keep the listener
	// private when enabled.
	Pprof bool `json:"pprof,omitempty"`
}

// MetricsConfig toggles /metrics on the API listener.
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

type NotifyConfig struct {
	Enabled         bool           `json:"enabled"`
	Telegram        NotifyTelegram `json:"telegram"`
	Workers         int            `json:"workers,omitempty"`
	QueueSize       int            `json:"queue_size,omitempty"`
	RatePerSec      int            `json:"rate_per_sec,omitempty"`
	RetryMax        int            `json:"retry_max,omitempty"`
	RetryBase       string         `json:"retry_base,omitempty"`
	RetryMaxDelay   string         `json:"retry_max_delay,omitempty"`
	DedupWindow     string         `json:"dedup_window,omitempty"`
	DedupMaxEntries int            `json:"dedup_max_entries,omitempty"`
	MinPriority     int            `json:"min_priority,omitempty"`
}

type NotifyTelegram struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// JanitorConfig schedules maintenance. Schedules accept cron expressions,
// HH:MM intervals or Go durations.
type JanitorConfig struct {
	Enabled       bool   `json:"enabled"`
	ReapSchedule  string `json:"reap_schedule,omitempty"`  // default 1m
	PruneSchedule string `json:"prune_schedule,omitempty"` // default 5m
}
