package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/rl1809/record-locks/internal/core/domain"
	"github.com/rl1809/record-locks/internal/core/txscope"
)

// ProductRepository fetches products of one kind through the caller's scope.
type ProductRepository struct {
	kind domain.Kind
}

func NewProductRepository(kind domain.Kind) *ProductRepository {
	return &ProductRepository{kind: kind}
}

func (r *ProductRepository) Kind() domain.Kind {
	return r.kind
}

// FindByID reads without asking for a lock. The scope's lock intent still applies.
func (r *ProductRepository) FindByID(ctx context.Context, scope *txscope.Scope, id uuid.UUID) (*txscope.Managed, error) {
	if !scope.Active() {
		return nil, domain.ErrNoActiveTransaction
	}
	return scope.Find(ctx, r.kind, id)
}

// FindByIDLocking requests the exclusive row lock as part of the fetch.
func (r *ProductRepository) FindByIDLocking(ctx context.Context, scope *txscope.Scope, id uuid.UUID) (*txscope.Managed, error) {
	if !scope.Active() {
		return nil, domain.ErrNoActiveTransaction
	}
	return scope.FindLocking(ctx, r.kind, id)
}
