// Package app assembles the publication engine from a config file and runs
// it under one supervisor.
package app

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"postpipe/internal/adapters/dryrun"
	"postpipe/internal/adapters/httpbridge"
	"postpipe/internal/api"
	"postpipe/internal/config"
	"postpipe/internal/domain"
	"postpipe/internal/eventbus"
	"postpipe/internal/janitor"
	"postpipe/internal/metrics"
	"postpipe/internal/notify"
	"postpipe/internal/orchestrator"
	"postpipe/internal/pipeline"
	"postpipe/internal/queue"
	"postpipe/internal/runtime/supervisor"
	"postpipe/internal/session"
	"postpipe/internal/storage"
	"postpipe/pkg/logx"
)

// adapter is what a backend for the external services must provide.
type adapter interface {
	session.LoginAdapter
	pipeline.ContentProvider
	pipeline.PublishAdapter
}

type App struct {
	cfgm *config.Manager
	rt   *config.Runtime
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	mt   *metrics.Metrics

	store   storage.Store
	rdb     *redis.Client
	cache   session.Cache
	limiter session.Limiter
	classes *pipeline.Classifier

	queues  *queue.Manager
	orch    *orchestrator.Service
	api     *api.Server
	alerter *notify.Alerter
	janitor *janitor.Service

	queueIdle atomic.Int64

	// queueCtx outlives the supervisor so Stop can drain in-flight jobs.
	queueCtx    context.Context
	queueCancel context.CancelFunc
}

// New loads the config behind cfgm and builds every component. Nothing runs
// until Start.
func New(cfgm *config.Manager) (*App, error) {
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.Manager, cfg *config.Config) (a *App, err error) {
	rt, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}

	logs, root := logx.New(rt.Logging)
	a = &App{
		cfgm: cfgm,
		rt:   rt,
		log:  root.With(logx.String("comp", "app")),
		logs: logs,
		bus:  eventbus.New(),
		mt:   metrics.New(),
	}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	a.store, err = storage.Open(rt.Storage, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, errors.Wrap(err, "open storage")
	}

	var ad adapter
	if rt.DryRun {
		ad = dryrun.New(rt.DryRunLatency, root)
		a.log.Warn("dry-run adapters enabled; nothing will be published")
	} else {
		ad = bridge{
			Content:    httpbridge.NewContent(rt.Content, root),
			Automation: httpbridge.NewAutomation(rt.Automation, root),
		}
	}

	switch rt.Session.Driver {
	case "redis":
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     rt.Session.Redis.Addr,
			Password: rt.Session.Redis.Password,
			DB:       rt.Session.Redis.DB,
		})
		pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		perr := a.rdb.Ping(pctx).Err()
		cancel()
		if perr != nil {
			return nil, errors.Wrapf(perr, "redis ping %s", rt.Session.Redis.Addr)
		}
		a.cache = session.NewRedisCache(a.rdb, rt.Session.TTL)
		a.limiter = session.NewRedisLimiter(a.rdb, rt.Session.LoginLimit, rt.Session.LoginWindow)
	default:
		a.cache = session.NewMemoryCache(rt.Session.TTL)
		a.limiter = session.NewMemoryLimiter(rt.Session.LoginLimit, rt.Session.LoginWindow)
	}
	auth := session.NewAuthenticator(a.cache, a.limiter, ad, a.mt, root.With(logx.String("comp", "session")))

	a.queueCtx, a.queueCancel = context.WithCancel(context.Background())
	a.queues = queue.NewManager(a.queueCtx, rt.Queue,
		queue.WithLogger(root.With(logx.String("comp", "queue"))),
		queue.WithBus(a.bus),
		queue.WithMetrics(a.mt))

	a.classes = pipeline.NewClassifier(rt.NonRetryable, rt.SessionMarkers)
	pipeline.New(pipeline.Deps{
		Store:      a.store,
		Queues:     a.queues,
		Drainer:    a.queues,
		Auth:       auth,
		Sessions:   a.cache,
		Content:    ad,
		Publisher:  ad,
		Classifier: a.classes,
		Bus:        a.bus,
		Metrics:    a.mt,
		Log:        root,
	}).Register(a.queues)

	a.orch = orchestrator.New(a.store, a.queues, rt.Orchestrator,
		orchestrator.WithLogger(root),
		orchestrator.WithBus(a.bus))

	if rt.APIEnabled {
		a.api = api.New(rt.API, a.orch, a.mt, root)
		a.api.SetHealth(func() any { return a.sup.Snapshot() })
	}

	if rt.NotifyEnabled {
		tg, terr := notify.NewTelegram(rt.Telegram)
		if terr != nil {
			return nil, errors.Wrap(terr, "notify")
		}
		a.alerter = notify.New(rt.Notify, tg, root.With(logx.String("comp", "notify")))
		logs.SetForwarder(a.alerter)
	}

	a.queueIdle.Store(int64(rt.QueueIdle))
	a.janitor = janitor.New(rt.Location, a.mt, root)
	if rt.JanitorEnabled {
		if err := a.addJanitorTasks(rt); err != nil {
			return nil, err
		}
	}

	a.mt.Gauge("active_accounts", "Accounts with running queue workers.", func() float64 {
		return float64(len(a.queues.ActiveAccounts()))
	})
	return a, nil
}

// bridge joins the two sidecar clients into one adapter.
type bridge struct {
	*httpbridge.Content
	*httpbridge.Automation
}

func (a *App) addJanitorTasks(rt *config.Runtime) error {
	if err := a.janitor.Add(janitor.Task{
		Name: "reap-queues",
		Spec: rt.ReapSchedule,
		Run:  janitor.ReapQueues(a.queues, func() time.Duration { return time.Duration(a.queueIdle.Load()) }, a.log),
	}); err != nil {
		return err
	}
	pruners := map[string]janitor.Pruner{}
	if p, ok := a.cache.(janitor.Pruner); ok {
		pruners["sessions"] = p
	}
	if p, ok := a.limiter.(janitor.Pruner); ok {
		pruners["login-windows"] = p
	}
	if len(pruners) == 0 {
		return nil
	}
	return a.janitor.Add(janitor.Task{
		Name: "prune-sessions",
		Spec: rt.PruneSchedule,
		Run:  janitor.PruneExpired(a.log, pruners),
	})
}

// Orchestrator exposes schedule management, for the plan command and tests.
func (a *App) Orchestrator() *orchestrator.Service { return a.orch }

// API is the HTTP server, or nil when it is disabled.
func (a *App) API() *api.Server { return a.api }

// Done is closed when the supervisor stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log)

	if a.alerter != nil {
		a.alerter.Start(a.sup.Context())
		a.sup.Go0("notify.events", func(c context.Context) { a.alerter.Watch(c, a.bus) })
	}
	if a.api != nil {
		a.sup.Go("api", a.api.Run)
	}
	a.janitor.Start(a.sup.Context())

	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("config.reload", a.reloadLoop)

	a.reportUnfinished(a.sup.Context())
	a.log.Info("started",
		logx.String("storage", a.rt.Storage.Driver),
		logx.String("session", a.rt.Session.Driver),
		logx.Bool("dry_run", a.rt.DryRun),
		logx.Bool("api", a.api != nil),
		logx.Bool("notify", a.alerter != nil))
	return nil
}

// reportUnfinished warns about schedules left open by a previous run.
// Credentials are never stored, so they wait for an execute request.
func (a *App) reportUnfinished(ctx context.Context) {
	for _, st := range []domain.ScheduleStatus{domain.SchedulePending, domain.ScheduleProcessing} {
		list, err := a.store.ListSchedules(ctx, storage.ScheduleFilter{Status: st, Limit: 500})
		if err != nil {
			a.log.Warn("list unfinished schedules", logx.Err(err))
			return
		}
		if len(list) > 0 {
			a.log.Warn("schedules awaiting execute", logx.String("status", string(st)), logx.Int("count", len(list)))
		}
	}
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// Stop shuts components down in dependency order. Each step is bounded so
// one component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- errors.Newf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("janitor", 2*time.Second, func(c context.Context) error { a.janitor.Stop(c); return nil })
	step("queues", 20*time.Second, func(c context.Context) error {
		defer a.queueCancel()
		return a.queues.ShutdownAll(c)
	})
	step("supervisor", 12*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("notify", 3*time.Second, func(c context.Context) error {
		if a.alerter != nil {
			a.alerter.Stop(c)
		}
		return nil
	})
	a.closeResources()
	a.log.Info("stopped")
	return nil
}

func (a *App) closeResources() {
	if a.queueCancel != nil {
		a.queueCancel()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("close storage", logx.Err(err))
		}
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.logs != nil {
		a.logs.SetForwarder(nil)
		_ = a.logs.Close()
	}
}
