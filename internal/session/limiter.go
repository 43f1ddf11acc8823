package session

import (
	"context"
	"sync"
	"time"

	"postpipe/pkg/shardmap"
)

// Limiter counts login attempts per account in fixed windows. The window
// opens with the first increment after the previous one expired.
type Limiter interface {
	CheckAndIncrement(ctx context.Context, accountID string) (bool, error)
}

type window struct {
	count   int
	resetAt time.Time
}

type MemoryLimiter struct {
	mu     sync.RWMutex
	limit  int
	window time.Duration

	now     func() time.Time
	windows *shardmap.Map[window]
}

func NewMemoryLimiter(limit int, win time.Duration, opts ...Option) *MemoryLimiter {
	o := buildOptions(opts)
	l := &MemoryLimiter{now: o.now, windows: shardmap.New[window]()}
	l.SetLimit(limit, win)
	return l
}

// SetLimit changes the budget. Open windows keep their reset time.
func (l *MemoryLimiter) SetLimit(limit int, win time.Duration) {
	if limit <= 0 {
		limit = 3
	}
	if win <= 0 {
		win = time.Minute
	}
	l.mu.Lock()
	l.limit = limit
	l.window = win
	l.mu.Unlock()
}

func (l *MemoryLimiter) CheckAndIncrement(_ context.Context, accountID string) (bool, error) {
	l.mu.RLock()
	limit, win := l.limit, l.window
	l.mu.RUnlock()

	now := l.now()
	w := l.windows.Update(accountID, func(cur window, ok bool) (window, bool) {
		if !ok || !now.Before(cur.resetAt) {
			return window{count: 1, resetAt: now.Add(win)}, true
		}
		cur.count++
		return cur, true
	})
	return w.count <= limit, nil
}

// Prune drops expired windows.
func (l *MemoryLimiter) Prune() int {
	now := l.now()
	return len(l.windows.DeleteIf(func(_ string, w window) bool {
		return !now.Before(w.resetAt)
	}))
}
