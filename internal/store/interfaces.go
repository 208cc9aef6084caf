// Package store defines repository interfaces for persistence.
package store

import (
	"context"

	"github.com/tendant/simple-rp/internal/domain"
)

// StateStore holds in-flight login attempts keyed by their state value.
type StateStore interface {
	// Put stores a flow state until it is taken or expires. Putting a state
	// that already exists replaces it.
	Put(ctx context.Context, fs *domain.FlowState) error
	// Take atomically returns and removes the flow state for state. A missing
	// or expired entry yields a state_not_found error. Of any number of
	// concurrent Takes for the same state, at most one succeeds.
	Take(ctx context.Context, state string) (*domain.FlowState, error)
	Close() error
}

// SessionRepository defines operations for session persistence.
type SessionRepository interface {
	Create(ctx context.Context, session *domain.Session) error
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context) error
}

// Store aggregates the repositories used by the relying party.
type Store interface {
	States() StateStore
	Sessions() SessionRepository
	Close() error
}
