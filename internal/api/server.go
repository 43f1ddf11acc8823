// Package api exposes schedule management over HTTP.
package api

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"postpipe/internal/domain"
	"postpipe/internal/metrics"
	"postpipe/internal/orchestrator"
	"postpipe/internal/queue"
	"postpipe/internal/storage"
	"postpipe/pkg/logx"
)

// Backend is the schedule management surface. orchestrator.Service
// implements it.
type Backend interface {
	CreateBatch(ctx context.Context, inputs []orchestrator.CreateInput) ([]*orchestrator.Created, error)
	CancelSchedule(ctx context.Context, id string) (*domain.Schedule, error)
	ExecuteSchedule(ctx context.Context, id, accountID, password string) (int, error)
	GetSchedule(ctx context.Context, id string) (*orchestrator.Detail, error)
	ListSchedules(ctx context.Context, f storage.ScheduleFilter) ([]*domain.Schedule, error)
	ActiveAccounts() []string
	QueueStats() []queue.AccountStats
}

type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
	// DisableMetrics leaves /metrics unmounted.
	DisableMetrics bool
	// Pprof mounts the runtime profiler under /debug.
	Pprof bool
}

type Server struct {
	cfg      Config
	backend  Backend
	metrics  *metrics.Metrics
	log      logx.Logger
	router   chi.Router
	healthFn atomic.Pointer[func() any]
}

func New(cfg Config, b Backend, m *metrics.Metrics, log logx.Logger) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	s := &Server{cfg: cfg, backend: b, metrics: m, log: log.With(logx.String("comp", "api"))}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// SetHealth adds the value fn returns to /healthz under "runtime".
func (s *Server) SetHealth(fn func() any) { s.healthFn.Store(&fn) }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(s.recoverer)

	r.Get("/healthz", s.health)
	if !s.cfg.DisableMetrics {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	if s.cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Route("/schedules", func(r chi.Router) {
		r.Use(s.limitBody)
		r.Post("/", s.createSchedules)
		r.Get("/", s.listSchedules)
		r.Get("/{id}", s.getSchedule)
		r.Delete("/{id}", s.cancelSchedule)
		r.Post("/{id}/execute", s.executeSchedule)
	})
	r.Get("/queues/stats", s.queueStats)
	r.Get("/queues/accounts", s.activeAccounts)
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http listening", logx.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "http listen")
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return errors.Wrap(err, "http shutdown")
	}
	s.log.Info("http stopped")
	return nil
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.log.Error("handler panicked", logx.String("path", r.URL.Path), logx.Any("panic", v))
				writeJSON(w, http.StatusInternalServerError, errorBody{Kind: string(domain.KindUnknown), Message: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func reqFields(r *http.Request, err error) []logx.Field {
	return []logx.Field{
		logx.String("method", r.Method),
		logx.String("path", r.URL.Path),
		logx.String("request_id", middleware.GetReqID(r.Context())),
		logx.Err(err),
	}
}
