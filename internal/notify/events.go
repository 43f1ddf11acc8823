package notify

import (
	"context"
	"fmt"

	"postpipe/internal/eventbus"
)

// Watch turns pipeline events into alerts until ctx is done.
func (a *Alerter) Watch(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(64, eventbus.AccountCascade, eventbus.ScheduleFinished)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			n, ok := FromEvent(e)
			if !ok {
				continue
			}
			a.mu.Lock()
			minP := a.cfg.MinPriority
			a.mu.Unlock()
			if n.Priority < minP {
				continue
			}
			_ = a.Notify(ctx, n)
		}
	}
}

// FromEvent formats the events operators care about.
func FromEvent(e eventbus.Event) (Notification, bool) {
	switch d := e.Data.(type) {
	case eventbus.CascadeEvent:
		return Notification{
			Priority: PriorityCascade,
			Text: fmt.Sprintf("Account %s stopped: %s\n%d schedule(s), %d job(s) failed",
				d.AccountID, d.Reason, len(d.Schedules), d.Jobs),
		}, true
	case eventbus.ScheduleEvent:
		if e.Type != eventbus.ScheduleFinished {
			return Notification{}, false
		}
		p := PriorityInfo
		if d.Failed > 0 {
			p = PriorityWarn
		}
		return Notification{
			Priority: p,
			Text: fmt.Sprintf("Schedule %s (%s) %s: %d/%d published, %d failed",
				d.ScheduleID, d.AccountID, d.Status, d.Completed, d.Total, d.Failed),
		}, true
	}
	return Notification{}, false
}
