// Package shardmap is a string-keyed map split into independently locked
// shards, so that per-key operations on different keys rarely contend.
package shardmap

import (
	"hash/fnv"
	"sync"
)

const shardCount = 32

type shard[V any] struct {
	mu sync.Mutex
	m  map[string]V
}

type Map[V any] struct {
	shards [shardCount]*shard[V]
}

func New[V any]() *Map[V] {
	m := &Map[V]{}
	for i := range m.shards {
		m.shards[i] = &shard[V]{m: make(map[string]V)}
	}
	return m
}

func (m *Map[V]) shard(key string) *shard[V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

func (m *Map[V]) Get(key string) (V, bool) {
	s := m.shard(key)
	s.mu.Lock()
	v, ok := s.m[key]
	s.mu.Unlock()
	return v, ok
}

func (m *Map[V]) Set(key string, v V) {
	s := m.shard(key)
	s.mu.Lock()
	s.m[key] = v
	s.mu.Unlock()
}

func (m *Map[V]) Delete(key string) {
	s := m.shard(key)
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
}

// Update runs fn under the key's shard lock. fn receives the current value
// (and whether it exists) and returns the value to store; keep=false deletes
// the key.
func (m *Map[V]) Update(key string, fn func(cur V, ok bool) (next V, keep bool)) V {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.m[key]
	next, keep := fn(cur, ok)
	if keep {
		s.m[key] = next
	} else {
		delete(s.m, key)
	}
	return next
}

// Range calls fn for every entry until fn returns false. Each shard is locked
// only while it is being visited, so fn must not call back into the map.
func (m *Map[V]) Range(fn func(key string, v V) bool) {
	for _, s := range m.shards {
		s.mu.Lock()
		for k, v := range s.m {
			if !fn(k, v) {
				s.mu.Unlock()
				return
			}
		}
		s.mu.Unlock()
	}
}

// DeleteIf removes every entry for which fn returns true and returns the
// removed values keyed by their keys.
func (m *Map[V]) DeleteIf(fn func(key string, v V) bool) map[string]V {
	out := map[string]V{}
	for _, s := range m.shards {
		s.mu.Lock()
		for k, v := range s.m {
			if fn(k, v) {
				out[k] = v
				delete(s.m, k)
			}
		}
		s.mu.Unlock()
	}
	return out
}

// Drain removes and returns every entry.
func (m *Map[V]) Drain() map[string]V {
	return m.DeleteIf(func(string, V) bool { return true })
}

func (m *Map[V]) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.m)
		s.mu.Unlock()
	}
	return n
}
