package session

import (
	"context"
	"sync/atomic"
	"time"

	"postpipe/internal/domain"
	"postpipe/pkg/shardmap"
)

// Cache stores one cookie set per account with sliding expiry: a successful
// Get pushes the expiry TTL into the future again.
type Cache interface {
	Get(ctx context.Context, accountID string) ([]domain.Cookie, bool, error)
	Save(ctx context.Context, accountID string, cookies []domain.Cookie) error
	Invalidate(ctx context.Context, accountID string) error
}

// Entry is the stored form of a session.
type Entry struct {
	Cookies   []domain.Cookie `json:"cookies"`
	CreatedAt time.Time       `json:"createdAt"`
	LastUsed  time.Time       `json:"lastUsed"`
}

type memEntry struct {
	Entry
	expiresAt time.Time
}

// MemoryCache is the in-process Cache.
type MemoryCache struct {
	ttl     atomic.Int64
	now     func() time.Time
	entries *shardmap.Map[memEntry]
}

func NewMemoryCache(ttl time.Duration, opts ...Option) *MemoryCache {
	o := buildOptions(opts)
	c := &MemoryCache{now: o.now, entries: shardmap.New[memEntry]()}
	c.SetTTL(ttl)
	return c
}

// SetTTL changes the TTL applied by future Save and Get calls.
func (c *MemoryCache) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	c.ttl.Store(int64(ttl))
}

func (c *MemoryCache) TTL() time.Duration { return time.Duration(c.ttl.Load()) }

func (c *MemoryCache) Get(_ context.Context, accountID string) ([]domain.Cookie, bool, error) {
	now := c.now()
	ttl := c.TTL()
	var (
		cookies []domain.Cookie
		hit     bool
	)
	c.entries.Update(accountID, func(cur memEntry, ok bool) (memEntry, bool) {
		if !ok {
			return cur, false
		}
		if !now.Before(cur.expiresAt) {
			return cur, false
		}
		cur.LastUsed = now
		cur.expiresAt = now.Add(ttl)
		cookies = cur.Cookies
		hit = true
		return cur, true
	})
	return cookies, hit, nil
}

func (c *MemoryCache) Save(_ context.Context, accountID string, cookies []domain.Cookie) error {
	now := c.now()
	c.entries.Set(accountID, memEntry{
		Entry:     Entry{Cookies: cookies, CreatedAt: now, LastUsed: now},
		expiresAt: now.Add(c.TTL()),
	})
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, accountID string) error {
	c.entries.Delete(accountID)
	return nil
}

// Prune drops expired entries and returns how many were removed.
func (c *MemoryCache) Prune() int {
	now := c.now()
	removed := c.entries.DeleteIf(func(_ string, e memEntry) bool {
		return !now.Before(e.expiresAt)
	})
	return len(removed)
}

func (c *MemoryCache) Len() int { return c.entries.Len() }
