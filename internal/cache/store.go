package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Policy controls how long a stored value stays live.
type Policy struct {
	// TTL is the absolute ceiling counted from creation.
	TTL time.Duration
	// SlidingTTL, when positive, expires the entry after that long without
	// access. It never extends liveness past the absolute ceiling.
	SlidingTTL time.Duration
}

// LoaderFunc fetches the authoritative value on a cache miss.
type LoaderFunc func(ctx context.Context) ([]byte, error)

// flight tracks one in-flight load so invalidation can mark its result stale.
// The flight's own mutex is held across the backend store, so Invalidate's
// lock-then-delete is always ordered after a store in progress and a stale
// value is never observable once Invalidate returns.
type flight struct {
	mu    sync.Mutex
	stale bool
}

// Store is the cache-aside store. Reads go through GetOrLoad, which coalesces
// concurrent loads for the same key into a single loader call; writes against
// the authoritative source invalidate through Invalidate after they commit.
type Store struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time

	// loadTimeout bounds a loader call once it is detached from the
	// triggering caller's context.
	loadTimeout time.Duration

	group   singleflight.Group
	mu      sync.Mutex
	flights map[string]*flight
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the time source. For tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithLoadTimeout bounds how long a coalesced load may run.
func WithLoadTimeout(d time.Duration) StoreOption {
	return func(s *Store) { s.loadTimeout = d }
}

// NewStore creates a store over the given backend.
func NewStore(backend Backend, logger *slog.Logger, opts ...StoreOption) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		backend:     backend,
		logger:      logger,
		now:         time.Now,
		loadTimeout: 30 * time.Second,
		flights:     make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrLoad returns the cached value for key if live; otherwise it invokes
// loader exactly once for all concurrent callers of the same key, stores the
// result under policy, and hands it to every waiter. A loader failure is
// propagated to all current waiters and nothing is cached. A caller whose
// context ends while waiting gets its context error; the load itself keeps
// running for the remaining waiters.
func (s *Store) GetOrLoad(ctx context.Context, key string, policy Policy, loader LoaderFunc) ([]byte, error) {
	if e, ok, err := s.backend.Get(ctx, key); err == nil && ok {
		return e.Value, nil
	} else if err != nil {
		s.logger.Warn("cache read failed, falling through to loader",
			slog.String("key", key), slog.String("error", err.Error()))
	}

	s.mu.Lock()
	f := s.flights[key]
	if f == nil {
		f = &flight{}
		s.flights[key] = f
	}
	s.mu.Unlock()

	ch := s.group.DoChan(key, func() (any, error) {
		return s.load(key, policy, loader, f)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		// The load continues for other waiters.
		return nil, ctx.Err()
	}
}

// load runs the loader detached from any single caller, bounded by the load
// timeout, and stores the result unless the key was invalidated meanwhile.
func (s *Store) load(key string, policy Policy, loader LoaderFunc, f *flight) (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.loadTimeout)
	defer cancel()

	value, err := loader(ctx)
	if err != nil {
		s.finish(key, f)
		// The key stays absent; failures are never cached.
		return nil, err
	}

	// Storing under the flight lock lets a concurrent Invalidate order its
	// delete strictly after this store completes.
	f.mu.Lock()
	if !f.stale {
		if serr := s.backend.Set(ctx, key, s.entry(value, policy)); serr != nil {
			s.logger.Warn("cache store failed, serving uncached value",
				slog.String("key", key), slog.String("error", serr.Error()))
		}
	}
	f.mu.Unlock()

	s.finish(key, f)
	return value, nil
}

func (s *Store) finish(key string, f *flight) {
	s.mu.Lock()
	if s.flights[key] == f {
		delete(s.flights, key)
	}
	s.mu.Unlock()
}

func (s *Store) entry(value []byte, policy Policy) *Entry {
	now := s.now()
	return &Entry{
		Value:          value,
		CreatedAt:      now,
		AbsoluteExpiry: now.Add(policy.TTL),
		LastAccess:     now,
		SlidingTTL:     policy.SlidingTTL,
	}
}

// Set primes the cache with a precomputed value, bypassing the loader.
func (s *Store) Set(ctx context.Context, key string, value []byte, policy Policy) error {
	return s.backend.Set(ctx, key, s.entry(value, policy))
}

// Invalidate removes the named entries. Once it returns, a GetOrLoad for any
// of them is a guaranteed miss: in-flight loads are marked stale so their
// results are not stored (waiting out a store already in progress), the
// single-flight slot is forgotten so the next caller triggers a fresh load,
// and stored entries are deleted last. Backend failures are returned so the
// caller can log them; they are non-fatal by contract.
func (s *Store) Invalidate(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		s.mu.Lock()
		f := s.flights[key]
		delete(s.flights, key)
		s.group.Forget(key)
		s.mu.Unlock()

		if f != nil {
			f.mu.Lock()
			f.stale = true
			f.mu.Unlock()
		}
	}

	return s.backend.Delete(ctx, keys...)
}
