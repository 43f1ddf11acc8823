package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"postpipe/internal/domain"
	"postpipe/internal/eventbus"
	"postpipe/internal/metrics"
	"postpipe/internal/queue"
	"postpipe/internal/storage"
	"postpipe/pkg/logx"
)

// Cascade fails all outstanding work of an account after its login precheck
// failed. Other accounts are never touched.
type Cascade struct {
	store   storage.Store
	queues  Drainer
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger
	now     func() time.Time
}

func NewCascade(store storage.Store, queues Drainer, bus eventbus.Bus, m *metrics.Metrics, log logx.Logger) *Cascade {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Cascade{store: store, queues: queues, bus: bus, metrics: m, log: log, now: time.Now}
}

// LoginReason makes sure a failure reason reads as an authentication failure.
func LoginReason(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "login failed"
	}
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "login") || strings.Contains(msg, "로그인") {
		return msg
	}
	return "login failed: " + msg
}

// Trigger runs the cascade for the job whose precheck failed and returns the
// permanent error the stage handler should return.
func (c *Cascade) Trigger(ctx context.Context, accountID, scheduleJobID string, cause error) error {
	reason := LoginReason(cause.Error())
	at := c.now()
	log := c.log.With(logx.Account(accountID), logx.String("schedule_job", scheduleJobID))

	if _, err := c.store.TransitionJob(ctx, scheduleJobID, domain.JobFailed, storage.JobPatch{
		Error:       reason,
		CompletedAt: at,
	}); err != nil {
		log.Error("cascade: mark job failed", logx.Err(err))
	}

	res, err := c.store.FailAccount(ctx, accountID, reason, at)
	if err != nil {
		log.Error("cascade: fail account", logx.Err(err))
	}

	c.queues.Drain(accountID)
	c.metrics.Cascade()

	for _, id := range res.Schedules {
		c.metrics.ScheduleFinished(string(domain.ScheduleFailed))
		c.bus.Publish(eventbus.Event{Type: eventbus.ScheduleFinished, Data: eventbus.ScheduleEvent{
			ScheduleID: id,
			AccountID:  logx.MaskAccount(accountID),
			Status:     string(domain.ScheduleFailed),
		}})
	}
	c.bus.Publish(eventbus.Event{Type: eventbus.AccountCascade, Data: eventbus.CascadeEvent{
		AccountID: logx.MaskAccount(accountID),
		Reason:    reason,
		Schedules: res.Schedules,
		Jobs:      res.Jobs,
	}})
	log.Warn("login precheck failed; account work failed",
		logx.String("reason", reason),
		logx.Int("schedules", len(res.Schedules)),
		logx.Int("jobs", res.Jobs))

	return queue.Permanent(domain.WithKind(errors.Wrap(cause, "login precheck"), domain.ErrLoginPrecheck))
}
