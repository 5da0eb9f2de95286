// Package cache implements the gateway's cache-aside store: a get-or-load
// cache with absolute and sliding TTLs, explicit invalidation, and
// single-flight coalescing of concurrent loads.
package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// Entry is one cached value with its expiry bookkeeping.
type Entry struct {
	Value          []byte        `json:"value"`
	CreatedAt      time.Time     `json:"created_at"`
	AbsoluteExpiry time.Time     `json:"absolute_expiry"`
	LastAccess     time.Time     `json:"last_access"`
	SlidingTTL     time.Duration `json:"sliding_ttl"`
}

// Live reports whether the entry is still usable at now. The absolute expiry
// is a hard ceiling; the sliding window only keeps an entry alive up to it.
func (e *Entry) Live(now time.Time) bool {
	if now.After(e.AbsoluteExpiry) {
		return false
	}
	if e.SlidingTTL > 0 && now.After(e.LastAccess.Add(e.SlidingTTL)) {
		return false
	}
	return true
}

// Backend is the storage medium behind the store. Implementations apply
// expiry on read and refresh the sliding window on hits.
type Backend interface {
	// Get returns the live entry for key, refreshing its last-access time.
	Get(ctx context.Context, key string) (*Entry, bool, error)

	// Set stores the entry under key.
	Set(ctx context.Context, key string, e *Entry) error

	// Delete removes the named keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
}

const shardCount = 32

// Memory is an in-process Backend: a sharded map with per-shard locks and a
// janitor goroutine sweeping expired entries.
type Memory struct {
	shards [shardCount]*shard
	now    func() time.Time
	stop   chan struct{}
	once   sync.Once
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// MemoryOption configures a Memory backend.
type MemoryOption func(*Memory)

// WithMemoryClock overrides the time source. For tests.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates an in-memory backend sweeping expired entries every
// sweepInterval. A non-positive interval disables the janitor.
func NewMemory(sweepInterval time.Duration, opts ...MemoryOption) *Memory {
	m := &Memory{
		now:  time.Now,
		stop: make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[string]*Entry)}
	}
	for _, opt := range opts {
		opt(m)
	}
	if sweepInterval > 0 {
		go m.sweep(sweepInterval)
	}
	return m
}

func (m *Memory) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

// Get returns the live entry for key. A hit refreshes the last-access time;
// the refresh never extends liveness past the absolute expiry because Live
// always checks the ceiling first.
func (m *Memory) Get(_ context.Context, key string) (*Entry, bool, error) {
	s := m.shardFor(key)
	now := m.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.Live(now) {
		delete(s.entries, key)
		return nil, false, nil
	}
	e.LastAccess = now
	return e, true, nil
}

func (m *Memory) Set(_ context.Context, key string, e *Entry) error {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = e
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		s := m.shardFor(key)
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
	}
	return nil
}

// Len reports the number of stored entries, expired or not.
func (m *Memory) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Close stops the janitor.
func (m *Memory) Close() {
	m.once.Do(func() { close(m.stop) })
}

func (m *Memory) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			now := m.now()
			for _, s := range m.shards {
				s.mu.Lock()
				for k, e := range s.entries {
					if !e.Live(now) {
						delete(s.entries, k)
					}
				}
				s.mu.Unlock()
			}
		}
	}
}
