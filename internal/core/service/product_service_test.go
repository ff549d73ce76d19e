package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/record-locks/internal/adapter/storage"
	"github.com/rl1809/record-locks/internal/core/domain"
	"github.com/rl1809/record-locks/internal/core/txscope"
)

func newSeededService(t *testing.T, kinds ...domain.Kind) *ProductService {
	t.Helper()
	svc := NewProductService(storage.NewMemoryStore(), time.Second, nil)
	for _, kind := range kinds {
		_, err := svc.Seed(context.Background(), kind)
		require.NoError(t, err)
	}
	return svc
}

func price(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestInspect_PolicyLockModes(t *testing.T) {
	tests := []struct {
		name       string
		kind       domain.Kind
		policy     domain.Policy
		callerLock domain.LockMode
		want       domain.LockMode
	}{
		{"lock at read", domain.KindPlain, domain.PolicyLockAtRead, domain.LockNone, domain.LockPessimisticWrite},
		{"lock at call", domain.KindPlain, domain.PolicyLockAtCall, domain.LockNone, domain.LockPessimisticWrite},
		{"caller declared nothing", domain.KindPlain, domain.PolicyLockDeclaredByCaller, domain.LockNone, domain.LockNone},
		{"caller declared lock", domain.KindPlain, domain.PolicyLockDeclaredByCaller, domain.LockPessimisticWrite, domain.LockPessimisticWrite},
		{"no lock", domain.KindPlain, domain.PolicyNoLock, domain.LockNone, domain.LockNone},
		{"no lock masks caller", domain.KindPlain, domain.PolicyNoLock, domain.LockPessimisticWrite, domain.LockNone},
		{"explicit lock", domain.KindPlain, domain.PolicyExplicitLock, domain.LockNone, domain.LockPessimisticWrite},
		{"versioned no lock", domain.KindVersioned, domain.PolicyNoLock, domain.LockNone, domain.LockOptimistic},
		{"versioned lock at read", domain.KindVersioned, domain.PolicyLockAtRead, domain.LockNone, domain.LockPessimisticWrite},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newSeededService(t, tt.kind)
			ctx := context.Background()

			err := svc.RunInScope(ctx, txscope.Options{LockIntent: tt.callerLock}, func(scope *txscope.Scope) error {
				out, err := svc.Inspect(ctx, scope, tt.kind, domain.SeedProductID, tt.policy)
				if err != nil {
					return err
				}
				assert.True(t, out.TransactionActive)
				assert.Equal(t, tt.want, out.LockMode)
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestUpdate_NoActiveTransaction(t *testing.T) {
	svc := newSeededService(t, domain.KindVersioned)
	ctx := context.Background()

	for _, policy := range domain.Policies {
		_, err := svc.Update(ctx, nil, domain.KindVersioned, domain.SeedProductID, domain.SetSalePrice(price("999.00")), policy)
		assert.ErrorIs(t, err, domain.ErrNoActiveTransaction, policy.String())
	}

	scope, err := svc.OpenScope(ctx, txscope.Options{})
	require.NoError(t, err)
	require.NoError(t, scope.Commit())

	_, err = svc.Update(ctx, scope, domain.KindVersioned, domain.SeedProductID, domain.SetSalePrice(price("999.00")), domain.PolicyNoLock)
	assert.ErrorIs(t, err, domain.ErrNoActiveTransaction)

	got, err := svc.Get(ctx, domain.KindVersioned, domain.SeedProductID)
	require.NoError(t, err)
	assert.True(t, got.SalePrice.Equal(price("150.00")))
	assert.Equal(t, int64(0), got.Version)
}

func TestUpdate_NotFound(t *testing.T) {
	svc := newSeededService(t, domain.KindPlain)

	_, err := svc.UpdateInScope(context.Background(), txscope.Options{}, domain.KindPlain,
		domain.SeedProductID, domain.SetSalePrice(price("1.00")), domain.PolicyLockAtRead)
	require.NoError(t, err)

	_, err = svc.UpdateInScope(context.Background(), txscope.Options{}, domain.KindVersioned,
		domain.SeedProductID, domain.SetSalePrice(price("1.00")), domain.PolicyNoLock)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInspect_ReadOnlyScopeDetaches(t *testing.T) {
	svc := newSeededService(t, domain.KindPlain)
	ctx := context.Background()

	for _, policy := range []domain.Policy{domain.PolicyLockAtRead, domain.PolicyNoLock, domain.PolicyExplicitLock} {
		err := svc.RunInScope(ctx, txscope.Options{ReadOnly: true}, func(scope *txscope.Scope) error {
			_, err := svc.Inspect(ctx, scope, domain.KindPlain, domain.SeedProductID, policy)
			return err
		})
		assert.ErrorIs(t, err, domain.ErrInconsistentState, policy.String())
	}
}

func TestUpdate_VersionIncrementsByOne(t *testing.T) {
	svc := newSeededService(t, domain.KindVersioned)
	ctx := context.Background()

	before, err := svc.Get(ctx, domain.KindVersioned, domain.SeedProductID)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		policy := domain.Policies[i%len(domain.Policies)]
		out, err := svc.UpdateInScope(ctx, txscope.Options{}, domain.KindVersioned,
			domain.SeedProductID, domain.AddSalePrice(price("10.00")), policy)
		require.NoError(t, err, policy.String())
		assert.Equal(t, before.Version+int64(i)+1, out.Product.Version)
	}

	after, err := svc.Get(ctx, domain.KindVersioned, domain.SeedProductID)
	require.NoError(t, err)
	assert.Equal(t, before.Version+5, after.Version)
	assert.True(t, after.SalePrice.Equal(price("200.00")))
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt) || after.UpdatedAt.Equal(before.UpdatedAt))
}

func TestUpdate_StaleVersionConflicts(t *testing.T) {
	svc := newSeededService(t, domain.KindVersioned)
	ctx := context.Background()

	first, err := svc.OpenScope(ctx, txscope.Options{})
	require.NoError(t, err)
	stale, err := first.Find(ctx, domain.KindVersioned, domain.SeedProductID)
	require.NoError(t, err)

	_, err = svc.UpdateInScope(ctx, txscope.Options{}, domain.KindVersioned,
		domain.SeedProductID, domain.SetSalePrice(price("200.00")), domain.PolicyNoLock)
	require.NoError(t, err)

	stale.SalePrice = price("300.00")
	err = first.Save(ctx, stale)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
	assert.ErrorIs(t, first.Close(err), domain.ErrVersionConflict)

	got, err := svc.Get(ctx, domain.KindVersioned, domain.SeedProductID)
	require.NoError(t, err)
	assert.True(t, got.SalePrice.Equal(price("200.00")))
	assert.Equal(t, int64(1), got.Version)
}

func TestUpdate_ExplicitLockOnStaleCopy(t *testing.T) {
	svc := newSeededService(t, domain.KindVersioned)
	ctx := context.Background()

	scope, err := svc.OpenScope(ctx, txscope.Options{})
	require.NoError(t, err)
	defer scope.Rollback()

	copyBefore, err := scope.Find(ctx, domain.KindVersioned, domain.SeedProductID)
	require.NoError(t, err)

	_, err = svc.UpdateInScope(ctx, txscope.Options{}, domain.KindVersioned,
		domain.SeedProductID, domain.SetSalePrice(price("175.00")), domain.PolicyNoLock)
	require.NoError(t, err)

	err = scope.Lock(ctx, copyBefore, domain.LockPessimisticWrite)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
}

func TestUpdate_LockAtReadSerializes(t *testing.T) {
	svc := newSeededService(t, domain.KindPlain)
	ctx := context.Background()

	holder, err := svc.OpenScope(ctx, txscope.Options{})
	require.NoError(t, err)
	_, err = svc.Update(ctx, holder, domain.KindPlain, domain.SeedProductID,
		domain.AddSalePrice(price("50.00")), domain.PolicyLockAtRead)
	require.NoError(t, err)

	var finished atomic.Bool
	var wg sync.WaitGroup
	var out Outcome
	var waitErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		out, waitErr = svc.UpdateInScope(ctx, txscope.Options{}, domain.KindPlain,
			domain.SeedProductID, domain.AddSalePrice(price("50.00")), domain.PolicyLockAtRead)
		finished.Store(true)
	}()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, finished.Load(), "second locked read must wait for the holder")

	require.NoError(t, holder.Commit())
	wg.Wait()

	require.NoError(t, waitErr)
	assert.Equal(t, domain.LockPessimisticWrite, out.LockMode)
	assert.True(t, out.Product.SalePrice.Equal(price("250.00")))
}

func TestUpdate_LockTimeout(t *testing.T) {
	svc := newSeededService(t, domain.KindPlain)
	ctx := context.Background()

	holder, err := svc.OpenScope(ctx, txscope.Options{})
	require.NoError(t, err)
	defer holder.Rollback()
	_, err = svc.Inspect(ctx, holder, domain.KindPlain, domain.SeedProductID, domain.PolicyExplicitLock)
	require.NoError(t, err)

	_, err = svc.UpdateInScope(ctx, txscope.Options{LockTimeout: 20 * time.Millisecond}, domain.KindPlain,
		domain.SeedProductID, domain.SetSalePrice(price("1.00")), domain.PolicyLockAtCall)
	assert.ErrorIs(t, err, domain.ErrLockTimeout)
}

func TestRunInScope_ReleasesLocksOnError(t *testing.T) {
	svc := newSeededService(t, domain.KindPlain)
	ctx := context.Background()
	boom := errors.New("boom")

	err := svc.RunInScope(ctx, txscope.Options{}, func(scope *txscope.Scope) error {
		if _, err := svc.Update(ctx, scope, domain.KindPlain, domain.SeedProductID,
			domain.SetSalePrice(price("1.00")), domain.PolicyLockAtRead); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	out, err := svc.UpdateInScope(ctx, txscope.Options{LockTimeout: 100 * time.Millisecond}, domain.KindPlain,
		domain.SeedProductID, domain.AddSalePrice(price("0.50")), domain.PolicyLockAtRead)
	require.NoError(t, err)
	assert.True(t, out.Product.SalePrice.Equal(price("150.50")), "rolled back write must not be visible")
}

func TestRunInScope_ReturnsErrorAfterCommit(t *testing.T) {
	svc := newSeededService(t, domain.KindPlain)
	ctx := context.Background()
	boom := errors.New("boom")

	err := svc.RunInScope(ctx, txscope.Options{}, func(scope *txscope.Scope) error {
		if err := scope.Commit(); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
}
