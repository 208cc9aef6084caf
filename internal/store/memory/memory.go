// Package memory implements in-process storage for flow states and sessions.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tendant/simple-rp/internal/domain"
	rperrors "github.com/tendant/simple-rp/internal/errors"
	"github.com/tendant/simple-rp/internal/store"
)

const defaultCleanupInterval = time.Minute

// Store implements store.Store in memory. A janitor goroutine evicts expired
// entries until Close is called.
type Store struct {
	states   *StateStore
	sessions *sessionRepository

	logger          *slog.Logger
	cleanupInterval time.Duration
	now             func() time.Time

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithCleanupInterval sets how often expired entries are evicted.
func WithCleanupInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.cleanupInterval = d
		}
	}
}

// WithClock sets the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a memory store and starts its janitor.
func NewStore(opts ...Option) *Store {
	s := &Store{
		logger:          slog.Default(),
		cleanupInterval: defaultCleanupInterval,
		now:             time.Now,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.states = &StateStore{entries: make(map[string]*domain.FlowState), logger: s.logger, now: s.now}
	s.sessions = &sessionRepository{entries: make(map[string]*domain.Session)}

	go s.janitor()
	return s
}

func (s *Store) States() store.StateStore          { return s.states }
func (s *Store) Sessions() store.SessionRepository { return s.sessions }

// Close stops the janitor. It is safe to call more than once.
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.done
	})
	return nil
}

func (s *Store) janitor() {
	defer close(s.done)
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			n := s.states.evictExpired(s.now())
			_ = s.sessions.DeleteExpired(context.Background())
			if n > 0 {
				s.logger.Debug("evicted expired flow states", "count", n)
			}
		}
	}
}

// StateStore is the in-memory store.StateStore.
type StateStore struct {
	mu      sync.Mutex
	entries map[string]*domain.FlowState
	logger  *slog.Logger
	now     func() time.Time
}

// Put stores a copy of fs. Overwriting a live entry is logged as a warning.
func (s *StateStore) Put(ctx context.Context, fs *domain.FlowState) error {
	if fs == nil || fs.State == "" {
		return rperrors.InvalidInput("flow state requires a state value")
	}
	cp := *fs

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[fs.State]; ok && !old.IsExpiredAt(s.now()) {
		s.logger.Warn("overwriting existing flow state", "flow_id", old.ID, "new_flow_id", fs.ID)
	}
	s.entries[fs.State] = &cp
	return nil
}

// Take removes and returns the entry for state.
func (s *StateStore) Take(ctx context.Context, state string) (*domain.FlowState, error) {
	s.mu.Lock()
	fs, ok := s.entries[state]
	if ok {
		delete(s.entries, state)
	}
	s.mu.Unlock()

	if !ok || fs.IsExpiredAt(s.now()) {
		return nil, rperrors.StateNotFound()
	}
	return fs, nil
}

// Close is a no-op; the owning Store stops the janitor.
func (s *StateStore) Close() error { return nil }

// Len reports the number of stored entries, expired or not.
func (s *StateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *StateStore) evictExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, fs := range s.entries {
		if now.After(fs.ExpiresAt) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// Session Repository

type sessionRepository struct {
	mu      sync.RWMutex
	entries map[string]*domain.Session
}

func (r *sessionRepository) Create(ctx context.Context, session *domain.Session) error {
	if session == nil || session.ID == "" {
		return rperrors.InvalidInput("session requires an id")
	}
	cp := *session
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[cp.ID] = &cp
	return nil
}

func (r *sessionRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.entries[id]
	if !ok {
		return nil, rperrors.NotFound("session", id)
	}
	cp := *s
	return &cp, nil
}

func (r *sessionRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return rperrors.NotFound("session", id)
	}
	delete(r.entries, id)
	return nil
}

func (r *sessionRepository) DeleteExpired(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.entries {
		if s.IsExpired() {
			delete(r.entries, id)
		}
	}
	return nil
}
