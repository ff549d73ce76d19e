package port

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/record-locks/internal/core/domain"
)

type TxOptions struct {
	ReadOnly bool
	// LockTimeout bounds every exclusive-lock wait inside the transaction.
	LockTimeout time.Duration
}

type RecordStore interface {
	// Begin opens a transaction; exclusive locks taken through it are held until Commit or Rollback.
	Begin(ctx context.Context, opts TxOptions) (StoreTx, error)

	// EnsureSchema creates the products and versioned_products tables if they are missing
	EnsureSchema(ctx context.Context) error

	// Upsert inserts the product or resets it to the given values, outside any scenario transaction
	Upsert(ctx context.Context, product domain.Product) error

	// Get reads the committed row without a transaction
	Get(ctx context.Context, kind domain.Kind, id uuid.UUID) (*domain.Product, error)

	Close() error
}

type StoreTx interface {
	// Read returns the row without locking it, domain.ErrNotFound if absent
	Read(ctx context.Context, kind domain.Kind, id uuid.UUID) (*domain.Product, error)

	// ReadWithLock takes the exclusive row lock as part of the fetch and blocks while another transaction holds it
	ReadWithLock(ctx context.Context, kind domain.Kind, id uuid.UUID) (*domain.Product, error)

	// AcquireExclusive locks an already fetched row and returns its persisted version
	AcquireExclusive(ctx context.Context, kind domain.Kind, id uuid.UUID) (int64, error)

	// Write overwrites the row unconditionally
	Write(ctx context.Context, product domain.Product) error

	// WriteIfVersionMatches persists the product only if the stored version equals expected, bumping it by one
	WriteIfVersionMatches(ctx context.Context, product domain.Product, expected int64) error

	Commit() error
	Rollback() error
}
