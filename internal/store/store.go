// Package store defines the ephemeral storage the webhook pipeline coordinates
// through: the deferred-work queue, per-user conversation state and the
// scheduler lease. Backends live in subpackages and in internal/repository.
package store

import (
	"context"
	"errors"
	"time"

	"linebot/internal/domain"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrConflict  = errors.New("store: version conflict")
	ErrLeaseHeld = errors.New("store: lease held")
)

const (
	DefaultQueueTTL = time.Hour
	DefaultStateTTL = 30 * time.Minute
)

// Queue holds webhook events until the deferred processor drains them.
type Queue interface {
	Enqueue(ctx context.Context, entry domain.QueueEntry) error
	// DrainAll removes and returns every queued entry in insertion order.
	DrainAll(ctx context.Context) ([]domain.QueueEntry, error)
}

// StateStore keeps the conversation state of each user.
type StateStore interface {
	// GetState returns ErrNotFound when no unexpired state exists.
	GetState(ctx context.Context, userID string) (domain.ConversationState, error)
	// SetState writes state if the stored version equals expectedVersion
	// (0 meaning "absent") and returns ErrConflict otherwise. The stored copy
	// gets Version expectedVersion+1 and a fresh expiry.
	SetState(ctx context.Context, state domain.ConversationState, expectedVersion int64) (domain.ConversationState, error)
	// ClearState deletes state whose version equals expectedVersion and
	// returns ErrConflict if another writer moved it. Clearing an absent
	// state succeeds.
	ClearState(ctx context.Context, userID string, expectedVersion int64) error
}

// Leaser grants named, expiring leases.
type Leaser interface {
	// Acquire takes the lease for ttl, returning ErrLeaseHeld if another holder has it.
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) error
	Release(ctx context.Context, name, holder string) error
}

// Backend is everything the pipeline needs from one storage backend.
type Backend interface {
	Queue
	StateStore
	Leaser
}
