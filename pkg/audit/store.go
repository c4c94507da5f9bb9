package audit

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSigningFailure wraps a signer failure that must roll back the
	// surrounding mutation (requireKms or production).
	ErrSigningFailure = errors.New("audit: signing failure")
	// ErrChainIntegrity is returned by the verifier on hash, linkage, or
	// signature mismatch. There is no automatic repair.
	ErrChainIntegrity = errors.New("audit: chain integrity violation")
	// ErrNotFound is returned when an event does not exist.
	ErrNotFound = errors.New("audit: event not found")
)

// Tx is one serialized append attempt against a chain. HeadHashForUpdate
// must lock the head row so concurrent appends serialize.
type Tx interface {
	// HeadHashForUpdate returns the most recent event's hash, locking it
	// against concurrent appends. Empty string means the chain is empty.
	HeadHashForUpdate(ctx context.Context) (string, error)
	// FindByHash returns an existing event with this hash, or nil.
	FindByHash(ctx context.Context, hash string) (*Event, error)
	Insert(ctx context.Context, ev *Event) error
	Commit() error
	Rollback() error
}

// Store provides chain transactions and read access.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	// Events returns committed events ordered by ts ascending.
	Events(ctx context.Context, since time.Time, limit int) ([]Event, error)
	// ByType returns recent committed events of one type, newest first.
	ByType(ctx context.Context, eventType string, limit int) ([]Event, error)
}
