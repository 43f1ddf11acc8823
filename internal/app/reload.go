package app

import (
	"context"
	"strings"
	"time"

	"postpipe/internal/config"
	"postpipe/internal/eventbus"
	"postpipe/internal/session"
	"postpipe/pkg/logx"
)

// reloadLoop applies committed config changes until ctx is done.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(last, cfg)
			last = cfg
		}
	}
}

// applyConfig pushes the hot-reloadable settings into running components.
// Storage, session drivers, adapters, listeners and janitor schedules keep
// their startup values.
func (a *App) applyConfig(prev, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	rt, err := cfg.Resolve()
	if err != nil {
		a.log.Warn("config reload ignored", logx.Err(err))
		return
	}
	a.log.Info("config change summary", attrs...)
	if restart := config.RestartRequired(prev, cfg); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(rt.Logging)
	a.orch.SetConfig(rt.Orchestrator)
	a.queues.SetRetryPolicy(rt.Queue.Retry)
	a.queueIdle.Store(int64(rt.QueueIdle))
	a.classes.Set(rt.NonRetryable, rt.SessionMarkers)
	if c, ok := a.cache.(*session.MemoryCache); ok {
		c.SetTTL(rt.Session.TTL)
	}
	if l, ok := a.limiter.(*session.MemoryLimiter); ok {
		l.SetLimit(rt.Session.LoginLimit, rt.Session.LoginWindow)
	}
	if a.alerter != nil {
		a.alerter.Apply(rt.Notify)
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now(), Data: sections})
}
