package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vizbridge/vizbridge/internal/domain"
	"github.com/vizbridge/vizbridge/internal/store"
)

type entry struct {
	env       domain.Envelope
	expiresAt time.Time
	timer     *time.Timer
}

// Store is the in-memory implementation of store.ResponseStore. Expiry is
// enforced twice: a per-entry timer evicts on wall-clock time, and every read
// re-checks against the store's clock so tests can drive expiry with a
// simulated clock.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
	now     func() time.Time
	closed  bool
}

var _ store.ResponseStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides the default entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an in-memory store with the default 5 minute TTL.
func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		ttl:     store.TTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Put(ctx context.Context, sessionID string, env domain.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}

	if old, exists := s.entries[sessionID]; exists {
		old.timer.Stop()
	}

	e := &entry{env: env, expiresAt: s.now().Add(s.ttl)}
	e.timer = time.AfterFunc(s.ttl, func() { s.evict(sessionID, e) })
	s.entries[sessionID] = e
	return nil
}

// evict removes the entry only if it is still the one the timer was armed
// for; a Put that overwrote it in the meantime owns the slot now.
func (s *Store) evict(sessionID string, e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, exists := s.entries[sessionID]; exists && cur == e {
		delete(s.entries, sessionID)
	}
}

func (s *Store) Take(ctx context.Context, sessionID string) (domain.Envelope, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.Envelope{}, false, store.ErrClosed
	}

	e, exists := s.entries[sessionID]
	if !exists {
		return domain.Envelope{}, false, nil
	}

	delete(s.entries, sessionID)
	e.timer.Stop()

	if !s.now().Before(e.expiresAt) {
		return domain.Envelope{}, false, nil
	}
	return e.env, true, nil
}

func (s *Store) Len(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, store.ErrClosed
	}

	count := 0
	now := s.now()
	for _, e := range s.entries {
		if now.Before(e.expiresAt) {
			count++
		}
	}
	return count, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	for _, e := range s.entries {
		e.timer.Stop()
	}
	s.entries = nil
	s.closed = true
	return nil
}
