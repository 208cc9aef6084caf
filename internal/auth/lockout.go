// Package auth provides the browser-facing side of a login: signed session
// cookies, the cookie binding a login attempt to its browser and a lockout
// for clients that keep failing callbacks.
package auth

import (
	"sync"
	"time"
)

// LockoutService counts failed callbacks per client and blocks a client
// once it reaches the limit. Guessing states is the main thing it stops.
type LockoutService struct {
	maxFailures int
	duration    time.Duration
	now         func() time.Time
	failures    map[string]*lockoutEntry
	mu          sync.RWMutex
}

type lockoutEntry struct {
	count    int
	lastSeen time.Time
	lockedAt time.Time
}

// NewLockoutService creates a new LockoutService.
// maxFailures: failed callbacks before lockout (0 = disabled)
// duration: how long the client stays locked
func NewLockoutService(maxFailures int, duration time.Duration) *LockoutService {
	return &LockoutService{
		maxFailures: maxFailures,
		duration:    duration,
		now:         time.Now,
		failures:    make(map[string]*lockoutEntry),
	}
}

// Enabled reports whether lockout is active.
func (s *LockoutService) Enabled() bool {
	return s.maxFailures > 0
}

// IsLocked checks if a client is currently locked.
func (s *LockoutService) IsLocked(client string) bool {
	if !s.Enabled() {
		return false
	}

	s.mu.RLock()
	entry, exists := s.failures[client]
	s.mu.RUnlock()

	if !exists {
		return false
	}
	return !entry.lockedAt.IsZero() && s.now().Sub(entry.lockedAt) < s.duration
}

// RecordFailure records a failed callback and returns true if the client
// is now locked.
func (s *LockoutService) RecordFailure(client string) bool {
	if !s.Enabled() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry, exists := s.failures[client]
	if !exists {
		entry = &lockoutEntry{}
		s.failures[client] = entry
	}

	// Previous lock or a stale streak resets the count
	if (!entry.lockedAt.IsZero() && now.Sub(entry.lockedAt) >= s.duration) ||
		(!entry.lastSeen.IsZero() && now.Sub(entry.lastSeen) >= s.duration) {
		entry.count = 0
		entry.lockedAt = time.Time{}
	}

	entry.count++
	entry.lastSeen = now

	if entry.count >= s.maxFailures {
		entry.lockedAt = now
		return true
	}
	return false
}

// RecordSuccess clears the failures of a client after a completed login.
func (s *LockoutService) RecordSuccess(client string) {
	if !s.Enabled() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, client)
}

// RemainingAttempts returns the failures left before lockout, or -1 when
// lockout is disabled.
func (s *LockoutService) RemainingAttempts(client string) int {
	if !s.Enabled() {
		return -1
	}

	s.mu.RLock()
	entry, exists := s.failures[client]
	s.mu.RUnlock()

	if !exists {
		return s.maxFailures
	}
	if !entry.lockedAt.IsZero() && s.now().Sub(entry.lockedAt) >= s.duration {
		return s.maxFailures
	}
	return max(s.maxFailures-entry.count, 0)
}

// LockoutRemaining returns the time until the client is unlocked, or 0.
func (s *LockoutService) LockoutRemaining(client string) time.Duration {
	if !s.Enabled() {
		return 0
	}

	s.mu.RLock()
	entry, exists := s.failures[client]
	s.mu.RUnlock()

	if !exists || entry.lockedAt.IsZero() {
		return 0
	}
	return max(s.duration-s.now().Sub(entry.lockedAt), 0)
}

// Cleanup forgets clients whose streak or lock has run out.
func (s *LockoutService) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for client, entry := range s.failures {
		if now.Sub(entry.lastSeen) >= s.duration && (entry.lockedAt.IsZero() || now.Sub(entry.lockedAt) >= s.duration) {
			delete(s.failures, client)
			removed++
		}
	}
	return removed
}
