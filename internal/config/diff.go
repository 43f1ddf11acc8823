package config

import (
	"reflect"
	"strings"

	"postpipe/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ and returns log
// fields describing the new values. Secrets are reported only as "_set"
// booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)
	section := func(name string, differs bool, fields ...logx.Field) {
		if !differs {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
	}

	section("logging", !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging),
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		logx.Bool("logging.forward_enabled", newCfg.Logging.Forward.Enabled))

	section("timezone", strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone),
		logx.String("timezone", newCfg.Timezone))

	// The DSN can carry a password.
	section("storage", !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage),
		logx.String("storage.driver", newCfg.Storage.Driver),
		logx.String("storage.path", newCfg.Storage.Path),
		logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""))

	section("session", !reflect.DeepEqual(oldCfg.Session, newCfg.Session),
		logx.String("session.driver", newCfg.Session.Driver),
		logx.String("session.ttl", newCfg.Session.TTL),
		logx.String("session.redis_addr", newCfg.Session.Redis.Addr),
		logx.Bool("session.redis_password_set", newCfg.Session.Redis.Password != ""))

	section("login_rate", oldCfg.LoginRate != newCfg.LoginRate,
		logx.Int("login_rate.limit", newCfg.LoginRate.Limit),
		logx.String("login_rate.window", newCfg.LoginRate.Window))

	section("slots", !reflect.DeepEqual(oldCfg.Slots, newCfg.Slots),
		logx.String("slots.mode", newCfg.Slots.Mode),
		logx.Int("slots.posts_per_day", newCfg.Slots.PostsPerDay),
		logx.String("slots.lead_time", newCfg.Slots.LeadTime))

	section("queue", oldCfg.Queue != newCfg.Queue,
		logx.Int("queue.attempts", newCfg.Queue.Attempts),
		logx.String("queue.backoff", newCfg.Queue.Backoff),
		logx.String("queue.idle_timeout", newCfg.Queue.IdleTimeout))

	section("pipeline", !reflect.DeepEqual(oldCfg.Pipeline, newCfg.Pipeline),
		logx.Int("pipeline.non_retryable", len(newCfg.Pipeline.NonRetryable)),
		logx.Int("pipeline.session_markers", len(newCfg.Pipeline.SessionMarkers)))

	section("adapters", oldCfg.Adapters != newCfg.Adapters,
		logx.Bool("adapters.dry_run", newCfg.Adapters.DryRun),
		logx.String("adapters.content_url", newCfg.Adapters.Content.BaseURL),
		logx.String("adapters.automation_url", newCfg.Adapters.Automation.BaseURL))

	section("api", oldCfg.API != newCfg.API || oldCfg.Metrics != newCfg.Metrics,
		logx.Bool("api.enabled", newCfg.API.Enabled),
		logx.String("api.addr", newCfg.API.Addr),
		logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))

	section("notify", oldCfg.Notify != newCfg.Notify,
		logx.Bool("notify.enabled", newCfg.Notify.Enabled),
		logx.Bool("notify.token_set", newCfg.Notify.Telegram.Token != ""),
		logx.Int("notify.min_priority", newCfg.Notify.MinPriority))

	section("janitor", oldCfg.Janitor != newCfg.Janitor,
		logx.Bool("janitor.enabled", newCfg.Janitor.Enabled),
		logx.String("janitor.reap_schedule", newCfg.Janitor.ReapSchedule),
		logx.String("janitor.prune_schedule", newCfg.Janitor.PruneSchedule))

	if len(changed) > 0 {
		attrs = append([]logx.Field{logx.String("sections", strings.Join(changed, ","))}, attrs...)
	}
	return changed, attrs
}

// RestartRequired names the changed sections that only take effect after a
// restart: listeners, stores and connections are built once.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		out = append(out, "storage")
	}
	if oldCfg.Session.Driver != newCfg.Session.Driver || oldCfg.Session.Redis != newCfg.Session.Redis {
		out = append(out, "session")
	}
	if oldCfg.Adapters != newCfg.Adapters {
		out = append(out, "adapters")
	}
	if oldCfg.API != newCfg.API || oldCfg.Metrics != newCfg.Metrics {
		out = append(out, "api")
	}
	if oldCfg.Notify.Enabled != newCfg.Notify.Enabled || oldCfg.Notify.Telegram != newCfg.Notify.Telegram {
		out = append(out, "notify")
	}
	if oldCfg.Janitor != newCfg.Janitor {
		out = append(out, "janitor")
	}
	if oldCfg.Queue.Size != newCfg.Queue.Size {
		out = append(out, "queue.size")
	}
	return out
}
