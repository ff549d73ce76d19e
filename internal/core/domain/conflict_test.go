package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveVersionedWrite_Match(t *testing.T) {
	for _, v := range []int64{0, 1, 41} {
		next, err := ResolveVersionedWrite(v, v)
		require.NoError(t, err)
		assert.Equal(t, v+1, next)
	}
}

func TestResolveVersionedWrite_Stale(t *testing.T) {
	next, err := ResolveVersionedWrite(1, 0)
	assert.True(t, errors.Is(err, ErrVersionConflict))
	assert.Equal(t, int64(1), next)
}

func TestResolve_SameStartingVersionHasOneWinner(t *testing.T) {
	persisted := int64(0)

	first := Resolve(KindVersioned, persisted, 0)
	require.True(t, first.Accepted)
	persisted = first.NextVersion

	second := Resolve(KindVersioned, persisted, 0)
	assert.False(t, second.Accepted)
	assert.ErrorIs(t, second.Err, ErrVersionConflict)
	assert.Equal(t, int64(1), persisted)
}

func TestResolve_PlainNeverConflicts(t *testing.T) {
	d := Resolve(KindPlain, 7, 0)
	assert.True(t, d.Accepted)
	assert.NoError(t, d.Err)
	assert.Equal(t, int64(7), d.NextVersion)
}

func TestCheckLockUpgrade(t *testing.T) {
	assert.NoError(t, CheckLockUpgrade(KindVersioned, 3, 3))
	assert.ErrorIs(t, CheckLockUpgrade(KindVersioned, 3, 4), ErrVersionConflict)
	assert.NoError(t, CheckLockUpgrade(KindPlain, 3, 4))
}

func TestSeedProduct(t *testing.T) {
	p := SeedProduct(KindVersioned)
	assert.Equal(t, SeedProductID, p.ID)
	assert.True(t, p.Versioned())
	assert.Equal(t, "150", p.SalePrice.String())
	assert.Equal(t, int64(0), p.Version)
	assert.Equal(t, "versioned_products", p.Kind.Table())
	assert.Equal(t, "products", KindPlain.Table())
}
