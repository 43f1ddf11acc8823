package janitor

import (
	"context"
	"time"

	"postpipe/pkg/logx"
)

// Reaper tears down idle account queues. queue.Manager implements it.
type Reaper interface {
	Reap(idle time.Duration) []string
}

// Pruner drops expired entries. session.MemoryCache and
// session.MemoryLimiter implement it.
type Pruner interface {
	Prune() int
}

// ReapQueues returns a task body that reaps queues idle for at least idle().
func ReapQueues(r Reaper, idle func() time.Duration, log logx.Logger) func(context.Context) error {
	return func(context.Context) error {
		d := idle()
		if d <= 0 {
			return nil
		}
		if gone := r.Reap(d); len(gone) > 0 {
			masked := make([]string, len(gone))
			for i, a := range gone {
				masked[i] = logx.MaskAccount(a)
			}
			log.Info("idle queues reaped", logx.Int("accounts", len(gone)), logx.Any("ids", masked))
		}
		return nil
	}
}

// PruneExpired returns a task body that prunes each named store.
func PruneExpired(log logx.Logger, ps map[string]Pruner) func(context.Context) error {
	return func(ctx context.Context) error {
		for name, p := range ps {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if n := p.Prune(); n > 0 {
				log.Debug("expired entries pruned", logx.String("store", name), logx.Int("n", n))
			}
		}
		return nil
	}
}
