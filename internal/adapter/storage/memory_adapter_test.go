package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/record-locks/internal/core/domain"
	"github.com/rl1809/record-locks/internal/port"
)

func TestMemoryGet_NotFound(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get(context.Background(), domain.KindPlain, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryWriteIfVersionMatches(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seed := domain.SeedProduct(domain.KindVersioned)
	require.NoError(t, store.Upsert(ctx, seed))

	tx, err := store.Begin(ctx, port.TxOptions{})
	require.NoError(t, err)

	p := seed
	p.SalePrice = decimal.RequireFromString("90.00")
	require.NoError(t, tx.WriteIfVersionMatches(ctx, p, 0))

	// own writes are visible before commit, others are not
	own, err := tx.Read(ctx, domain.KindVersioned, seed.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), own.Version)
	committed, err := store.Get(ctx, domain.KindVersioned, seed.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), committed.Version)

	require.NoError(t, tx.Commit())

	tx, err = store.Begin(ctx, port.TxOptions{})
	require.NoError(t, err)
	defer tx.Rollback()
	err = tx.WriteIfVersionMatches(ctx, p, 0) // stale
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
}

func TestMemoryWrite_LastWriterWins(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seed := domain.SeedProduct(domain.KindPlain)
	require.NoError(t, store.Upsert(ctx, seed))

	for _, v := range []string{"200.00", "300.00"} {
		tx, err := store.Begin(ctx, port.TxOptions{})
		require.NoError(t, err)
		p := seed
		p.SalePrice = decimal.RequireFromString(v)
		require.NoError(t, tx.Write(ctx, p))
		require.NoError(t, tx.Commit())
	}

	got, err := store.Get(ctx, domain.KindPlain, seed.ID)
	require.NoError(t, err)
	assert.Equal(t, "300", got.SalePrice.String())
}

func TestMemoryReadWithLock_BlocksUntilRelease(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seed := domain.SeedProduct(domain.KindPlain)
	require.NoError(t, store.Upsert(ctx, seed))

	first, err := store.Begin(ctx, port.TxOptions{})
	require.NoError(t, err)
	_, err = first.ReadWithLock(ctx, domain.KindPlain, seed.ID)
	require.NoError(t, err)

	// re-entrant for the owner
	_, err = first.AcquireExclusive(ctx, domain.KindPlain, seed.ID)
	require.NoError(t, err)

	acquired := make(chan time.Time, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		second, err := store.Begin(ctx, port.TxOptions{})
		if !assert.NoError(t, err) {
			return
		}
		defer second.Rollback()
		_, err = second.ReadWithLock(ctx, domain.KindPlain, seed.ID)
		assert.NoError(t, err)
		acquired <- time.Now()
	}()

	time.Sleep(30 * time.Millisecond)
	released := time.Now()
	require.NoError(t, first.Rollback())
	wg.Wait()

	assert.False(t, (<-acquired).Before(released))
}

func TestMemoryLockTimeout(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seed := domain.SeedProduct(domain.KindPlain)
	require.NoError(t, store.Upsert(ctx, seed))

	first, err := store.Begin(ctx, port.TxOptions{})
	require.NoError(t, err)
	defer first.Rollback()
	_, err = first.ReadWithLock(ctx, domain.KindPlain, seed.ID)
	require.NoError(t, err)

	second, err := store.Begin(ctx, port.TxOptions{LockTimeout: 10 * time.Millisecond})
	require.NoError(t, err)
	defer second.Rollback()
	_, err = second.ReadWithLock(ctx, domain.KindPlain, seed.ID)
	assert.ErrorIs(t, err, domain.ErrLockTimeout)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = second.AcquireExclusive(cancelled, domain.KindPlain, seed.ID)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryReadOnlyTx(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seed := domain.SeedProduct(domain.KindPlain)
	require.NoError(t, store.Upsert(ctx, seed))

	tx, err := store.Begin(ctx, port.TxOptions{ReadOnly: true})
	require.NoError(t, err)
	defer tx.Rollback()

	assert.ErrorIs(t, tx.Write(ctx, seed), domain.ErrReadOnlyTransaction)
}

func TestMemoryTxDone(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	tx, err := store.Begin(ctx, port.TxOptions{})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Error(t, tx.Commit())
	assert.Error(t, tx.Rollback())
	_, err = tx.Read(ctx, domain.KindPlain, domain.SeedProductID)
	assert.Error(t, err)
}
