package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"postpipe/internal/adapters/httpbridge"
	"postpipe/internal/api"
	"postpipe/internal/janitor"
	"postpipe/internal/notify"
	"postpipe/internal/orchestrator"
	"postpipe/internal/queue"
	"postpipe/internal/storage"
	"postpipe/pkg/logx"
)

const (
	DefaultTimezone = "Asia/Seoul"
	DefaultAPIAddr  = "127.0.0.1:8080"
)

// Runtime is a validated Config converted to the settings each component
// takes.
type Runtime struct {
	Location *time.Location

	Logging      logx.Config
	Storage      storage.Config
	Session      Session
	Orchestrator orchestrator.Config
	Queue        queue.Config
	// QueueIdle is how long an account's workers may sit idle before the
	// janitor stops them; 0 disables reaping.
	QueueIdle time.Duration

	NonRetryable   []string
	SessionMarkers []string

	DryRun        bool
	DryRunLatency time.Duration
	Content       httpbridge.ContentConfig
	Automation    httpbridge.AutomationConfig

	APIEnabled bool
	API        api.Config

	NotifyEnabled bool
	Notify        notify.Config
	Telegram      notify.TelegramConfig

	JanitorEnabled bool
	ReapSchedule   string
	PruneSchedule  string
}

type Session struct {
	Driver      string // memory | redis
	TTL         time.Duration
	Redis       RedisConfig
	LoginLimit  int
	LoginWindow time.Duration
}

// Default returns a config that runs fully in memory against the dry-run
// adapters. It is what `plan` uses without a file.
func Default() *Config {
	return &Config{
		Logging:  LoggingConfig{Level: "info", Console: true},
		Timezone: DefaultTimezone,
		Storage:  StorageConfig{Driver: "memory"},
		Session:  SessionConfig{Driver: "memory"},
		Adapters: AdaptersConfig{DryRun: true},
		API:      APIConfig{Enabled: true, Addr: DefaultAPIAddr},
		Metrics:  MetricsConfig{Enabled: true},
		Janitor:  JanitorConfig{Enabled: true},
	}
}

// Validate reports the first problem Resolve would hit.
func (c *Config) Validate() error {
	_, err := c.Resolve()
	return err
}

// Resolve applies defaults, checks every section and converts it.
func (c *Config) Resolve() (*Runtime, error) {
	if c == nil {
		return nil, errors.New("config is nil")
	}
	rt := &Runtime{}

	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, errors.Wrapf(err, "timezone %q", tz)
	}
	rt.Location = loc

	rt.Logging = logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
		Forward: logx.ForwardConfig{
			Enabled:    c.Logging.Forward.Enabled && c.Notify.Enabled,
			MinLevel:   c.Logging.Forward.MinLevel,
			RatePerSec: c.Logging.Forward.RatePerSec,
		},
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		return nil, errors.New("logging.file.path is required when file logging is enabled")
	}

	if err := c.resolveStorage(rt); err != nil {
		return nil, err
	}
	if err := c.resolveSession(rt); err != nil {
		return nil, err
	}
	if err := c.resolveSlots(rt); err != nil {
		return nil, err
	}
	if err := c.resolveQueue(rt); err != nil {
		return nil, err
	}
	rt.NonRetryable = c.Pipeline.NonRetryable
	rt.SessionMarkers = c.Pipeline.SessionMarkers

	if err := c.resolveAdapters(rt); err != nil {
		return nil, err
	}
	if err := c.resolveAPI(rt); err != nil {
		return nil, err
	}
	if err := c.resolveNotify(rt); err != nil {
		return nil, err
	}
	if err := c.resolveJanitor(rt); err != nil {
		return nil, err
	}
	return rt, nil
}

func (c *Config) resolveStorage(rt *Runtime) error {
	s := c.Storage
	driver := strings.ToLower(strings.TrimSpace(s.Driver))
	busy, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
	if err != nil {
		return err
	}
	switch driver {
	case "", "memory":
		driver = "memory"
	case "sqlite", "sqlite3":
		if strings.TrimSpace(s.Path) == "" && strings.TrimSpace(s.DSN) == "" {
			return errors.New("storage.path is required for sqlite")
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(s.DSN) == "" {
			return errors.New("storage.dsn is required for postgres")
		}
	default:
		return errors.Newf("storage.driver: unknown driver %q", s.Driver)
	}
	rt.Storage = storage.Config{
		Driver:       driver,
		Path:         s.Path,
		DSN:          s.DSN,
		BusyTimeout:  busy,
		MaxOpenConns: s.MaxOpenConns,
		Location:     rt.Location,
	}
	return nil
}

func (c *Config) resolveSession(rt *Runtime) error {
	s := c.Session
	driver := strings.ToLower(strings.TrimSpace(s.Driver))
	switch driver {
	case "", "memory":
		driver = "memory"
	case "redis":
		if strings.TrimSpace(s.Redis.Addr) == "" {
			return errors.New("session.redis.addr is required for the redis driver")
		}
	default:
		return errors.Newf("session.driver: unknown driver %q", s.Driver)
	}
	ttl, err := ParseDurationOrDefault("session.ttl", s.TTL, 2*time.Hour)
	if err != nil {
		return err
	}
	win, err := ParseDurationOrDefault("login_rate.window", c.LoginRate.Window, time.Minute)
	if err != nil {
		return err
	}
	limit := c.LoginRate.Limit
	if limit < 0 {
		return errors.New("login_rate.limit must be >= 0")
	}
	if limit == 0 {
		limit = 3
	}
	rt.Session = Session{Driver: driver, TTL: ttl, Redis: s.Redis, LoginLimit: limit, LoginWindow: win}
	return nil
}

func (c *Config) resolveSlots(rt *Runtime) error {
	s := c.Slots
	oc := orchestrator.DefaultConfig()
	oc.Location = rt.Location
	sc := &oc.Slots

	switch strings.ToLower(strings.TrimSpace(s.Mode)) {
	case "", orchestrator.ModeFixed:
		sc.Mode = orchestrator.ModeFixed
	case orchestrator.ModeRandomized:
		sc.Mode = orchestrator.ModeRandomized
	default:
		return errors.Newf("slots.mode: unknown mode %q", s.Mode)
	}

	if s.StartHour != nil {
		sc.StartHour = *s.StartHour
	}
	if s.PostsPerDay != 0 {
		sc.PostsPerDay = s.PostsPerDay
	}
	if s.IntervalHours != 0 {
		sc.IntervalHours = s.IntervalHours
	}
	if s.MorningStart != nil {
		sc.MorningStart = *s.MorningStart
	}
	if s.MorningEnd != nil {
		sc.MorningEnd = *s.MorningEnd
	}
	if s.EvenDayQuota != 0 {
		sc.EvenDayQuota = s.EvenDayQuota
	}
	if s.OddDayQuota != 0 {
		sc.OddDayQuota = s.OddDayQuota
	}

	var err error
	if sc.LeadTime, err = parseDurationKeepZero("slots.lead_time", s.LeadTime, sc.LeadTime); err != nil {
		return err
	}
	if sc.MinInterval, err = ParseDurationOrDefault("slots.min_interval", s.MinInterval, sc.MinInterval); err != nil {
		return err
	}
	if sc.MaxInterval, err = ParseDurationOrDefault("slots.max_interval", s.MaxInterval, sc.MaxInterval); err != nil {
		return err
	}
	if sc.TodayInterval, err = ParseDurationOrDefault("slots.today_interval", s.TodayInterval, sc.TodayInterval); err != nil {
		return err
	}

	switch {
	case sc.StartHour < 0 || sc.StartHour > 23:
		return errors.Newf("slots.start_hour must be 0-23, got %d", sc.StartHour)
	case sc.PostsPerDay < 1:
		return errors.New("slots.posts_per_day must be >= 1")
	case sc.IntervalHours < 1:
		return errors.New("slots.interval_hours must be >= 1")
	case sc.MorningStart < 0 || sc.MorningEnd > 23 || sc.MorningStart > sc.MorningEnd:
		return errors.Newf("slots.morning_start/morning_end: invalid window %d-%d", sc.MorningStart, sc.MorningEnd)
	case sc.MinInterval > sc.MaxInterval:
		return errors.New("slots.min_interval must not exceed slots.max_interval")
	case sc.EvenDayQuota < 1 || sc.OddDayQuota < 1:
		return errors.New("slots day quotas must be >= 1")
	}

	d := &oc.Defaults
	if v := strings.TrimSpace(s.Service); v != "" {
		d.Service = v
	}
	if s.GenerateImages != nil {
		d.GenerateImages = *s.GenerateImages
	}
	if s.ImageCount < 0 {
		return errors.New("slots.image_count must be >= 0")
	}
	if s.ImageCount > 0 {
		d.ImageCount = s.ImageCount
	}
	if s.DelayBetweenPostsSeconds != nil {
		if *s.DelayBetweenPostsSeconds < 0 {
			return errors.New("slots.delay_between_posts_seconds must be >= 0")
		}
		d.DelayBetweenPostsSeconds = *s.DelayBetweenPostsSeconds
	}
	rt.Orchestrator = oc
	return nil
}

func (c *Config) resolveQueue(rt *Runtime) error {
	q := c.Queue
	if q.Attempts < 0 || q.Size < 0 {
		return errors.New("queue.attempts and queue.size must be >= 0")
	}
	if q.Jitter < 0 || q.Jitter > 1 {
		return errors.New("queue.jitter must be within [0,1]")
	}
	base, err := ParseDurationField("queue.backoff", q.Backoff)
	if err != nil {
		return err
	}
	maxDelay, err := ParseDurationField("queue.max_backoff", q.MaxBackoff)
	if err != nil {
		return err
	}
	timeout, err := ParseDurationField("queue.timeout", q.Timeout)
	if err != nil {
		return err
	}
	idle, err := parseDurationKeepZero("queue.idle_timeout", q.IdleTimeout, 30*time.Minute)
	if err != nil {
		return err
	}
	rt.Queue = queue.Config{
		Retry:     queue.RetryPolicy{Attempts: q.Attempts, Base: base, MaxDelay: maxDelay, Jitter: q.Jitter, Timeout: timeout},
		QueueSize: q.Size,
	}
	rt.QueueIdle = idle
	return nil
}

func (c *Config) resolveAdapters(rt *Runtime) error {
	a := c.Adapters
	rt.DryRun = a.DryRun
	lat, err := ParseDurationField("adapters.dry_run_latency", a.DryRunLatency)
	if err != nil {
		return err
	}
	rt.DryRunLatency = lat
	if a.DryRun {
		return nil
	}

	ct, err := ParseDurationField("adapters.content.timeout", a.Content.Timeout)
	if err != nil {
		return err
	}
	at, err := ParseDurationField("adapters.automation.timeout", a.Automation.Timeout)
	if err != nil {
		return err
	}
	if strings.TrimSpace(a.Content.BaseURL) == "" || strings.TrimSpace(a.Automation.BaseURL) == "" {
		return errors.New("adapters.content.base_url and adapters.automation.base_url are required unless dry_run is set")
	}
	rt.Content = httpbridge.ContentConfig{
		BaseURL:   a.Content.BaseURL,
		Timeout:   ct,
		RateLimit: a.Content.RatePerSec,
		Burst:     a.Content.Burst,
		WorkDir:   a.Content.WorkDir,
	}
	rt.Automation = httpbridge.AutomationConfig{
		BaseURL:   a.Automation.BaseURL,
		Timeout:   at,
		RateLimit: a.Automation.RatePerSec,
		Burst:     a.Automation.Burst,
	}
	return nil
}

func (c *Config) resolveAPI(rt *Runtime) error {
	a := c.API
	rt.APIEnabled = a.Enabled
	addr := strings.TrimSpace(a.Addr)
	if addr == "" {
		addr = DefaultAPIAddr
	}
	rd, err := ParseDurationOrDefault("api.read_timeout", a.ReadTimeout, 30*time.Second)
	if err != nil {
		return err
	}
	wr, err := ParseDurationOrDefault("api.write_timeout", a.WriteTimeout, 30*time.Second)
	if err != nil {
		return err
	}
	sd, err := ParseDurationOrDefault("api.shutdown_timeout", a.ShutdownTimeout, 10*time.Second)
	if err != nil {
		return err
	}
	if a.MaxBodyBytes < 0 {
		return errors.New("api.max_body_bytes must be >= 0")
	}
	rt.API = api.Config{
		Addr:            addr,
		ReadTimeout:     rd,
		WriteTimeout:    wr,
		ShutdownTimeout: sd,
		MaxBodyBytes:    a.MaxBodyBytes,
		DisableMetrics:  !c.Metrics.Enabled,
		Pprof:           a.Pprof,
	}
	return nil
}

func (c *Config) resolveNotify(rt *Runtime) error {
	n := c.Notify
	rt.NotifyEnabled = n.Enabled
	if n.Enabled {
		if strings.TrimSpace(n.Telegram.Token) == "" || n.Telegram.ChatID == 0 {
			return errors.New("notify.telegram.token and notify.telegram.chat_id are required when notify is enabled")
		}
	}
	if n.MinPriority < 0 || n.MinPriority > 10 {
		return errors.New("notify.min_priority must be within 0-10")
	}
	base, err := ParseDurationField("notify.retry_base", n.RetryBase)
	if err != nil {
		return err
	}
	maxDelay, err := ParseDurationField("notify.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return err
	}
	window, err := ParseDurationField("notify.dedup_window", n.DedupWindow)
	if err != nil {
		return err
	}
	rt.Notify = notify.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		DedupWindow:     window,
		DedupMaxEntries: n.DedupMaxEntries,
		MinPriority:     n.MinPriority,
	}
	rt.Telegram = notify.TelegramConfig{Token: n.Telegram.Token, ChatID: n.Telegram.ChatID, ThreadID: n.Telegram.ThreadID}
	return nil
}

func (c *Config) resolveJanitor(rt *Runtime) error {
	j := c.Janitor
	rt.JanitorEnabled = j.Enabled
	rt.ReapSchedule = strings.TrimSpace(j.ReapSchedule)
	if rt.ReapSchedule == "" {
		rt.ReapSchedule = "1m"
	}
	rt.PruneSchedule = strings.TrimSpace(j.PruneSchedule)
	if rt.PruneSchedule == "" {
		rt.PruneSchedule = "5m"
	}
	if _, err := janitor.ParseSchedule(rt.ReapSchedule); err != nil {
		return errors.Wrap(err, "janitor.reap_schedule")
	}
	if _, err := janitor.ParseSchedule(rt.PruneSchedule); err != nil {
		return errors.Wrap(err, "janitor.prune_schedule")
	}
	return nil
}
