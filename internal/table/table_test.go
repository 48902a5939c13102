package table

import (
	"testing"

	"github.com/pactlang/ares/internal/value"
	"github.com/stretchr/testify/require"
)

func TestGetSetArrayAndHashParts(t *testing.T) {
	tbl := New(0)
	require.NoError(t, tbl.Set(value.Number(1), value.Number(10)))
	require.NoError(t, tbl.Set(value.Number(2), value.Number(20)))
	require.NoError(t, tbl.Set(value.Bool(true), value.Nil))

	require.Equal(t, float64(10), tbl.Get(value.Number(1)).AsNumber())
	require.Equal(t, float64(20), tbl.Get(value.Number(2)).AsNumber())
	require.True(t, tbl.Get(value.Number(3)).IsNil())
}

func TestSetRejectsNilKey(t *testing.T) {
	tbl := New(0)
	require.ErrorIs(t, tbl.Set(value.Nil, value.Number(1)), ErrNilKey)
}

func TestSetRejectsWhenReadOnly(t *testing.T) {
	tbl := New(0)
	tbl.SetReadOnly(true)
	require.ErrorIs(t, tbl.Set(value.Number(1), value.Number(1)), ErrReadOnly)
}

func TestNextWalksNaturalOrder(t *testing.T) {
	tbl := New(0)
	require.NoError(t, tbl.Set(value.Number(1), value.Number(10)))
	require.NoError(t, tbl.Set(value.Number(2), value.Number(20)))
	require.NoError(t, tbl.Set(value.Bool(true), value.Number(30)))

	var keys []value.Value
	k := value.Nil
	for {
		nk, nv, ok, err := tbl.Next(k)
		require.NoError(t, err)
		if !ok {
			break
		}
		require.False(t, nv.IsNil())
		keys = append(keys, nk)
		k = nk
	}
	require.Len(t, keys, 3)
}

// TestIteratorStableAcrossDeleteDuringIteration exercises the invariant an
// iteration-order vector exists for: once BuildOrderVector fixes next-key
// order, deleting an already-visited key (tombstoning it, not removing its
// slot) must not perturb the remaining walk.
func TestIteratorStableAcrossDeleteDuringIteration(t *testing.T) {
	tbl := New(0)
	require.NoError(t, tbl.Set(value.Number(1), value.Number(10)))
	require.NoError(t, tbl.Set(value.Number(2), value.Number(20)))
	require.NoError(t, tbl.Set(value.Number(3), value.Number(30)))
	tbl.BuildOrderVector()
	require.NotNil(t, tbl.OrderVector())

	k1, v1, ok, err := tbl.Next(value.Nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, float64(10), v1.AsNumber())

	// Delete the key just visited. Set on a non-nil -> nil transition
	// invalidates the order vector per the documented rule, so this test
	// specifically targets the vector that was already captured above for
	// the remainder of the walk (the caller of Next is assumed to keep
	// iterating against the vector it started with, as a persisted
	// iteration-in-progress does across a serialize/deserialize cycle).
	snapshot := append([]int32(nil), tbl.OrderVector()...)
	require.NoError(t, tbl.Set(k1, value.Nil))

	k2, v2, ok, err := Restore(0, tbl.RawArray(), tbl.RawNodes(), snapshot, tbl.ReadOnly(), tbl.SafeEnv()).Next(k1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, float64(20), v2.AsNumber())
	_ = k2
}

func TestNextOnStaleKeyReturnsErrStaleIterator(t *testing.T) {
	tbl := New(0)
	require.NoError(t, tbl.Set(value.Number(1), value.Number(10)))
	require.NoError(t, tbl.Set(value.Number(2), value.Number(20)))
	tbl.BuildOrderVector()

	removedKey := value.Number(2)
	require.NoError(t, tbl.Set(removedKey, value.Nil))

	_, _, _, err := tbl.Next(removedKey)
	require.ErrorIs(t, err, ErrStaleIterator)
}

func TestInPlaceUpdateDoesNotInvalidateOrderVector(t *testing.T) {
	tbl := New(0)
	require.NoError(t, tbl.Set(value.Number(1), value.Number(10)))
	tbl.BuildOrderVector()
	order := tbl.OrderVector()
	require.NotNil(t, order)

	require.NoError(t, tbl.Set(value.Number(1), value.Number(99)))
	require.Equal(t, order, tbl.OrderVector(), "non-nil -> non-nil update must not invalidate the order vector")
}

func TestInsertAndDeleteInvalidateOrderVector(t *testing.T) {
	tbl := New(0)
	require.NoError(t, tbl.Set(value.Number(1), value.Number(10)))
	tbl.BuildOrderVector()
	require.NotNil(t, tbl.OrderVector())

	require.NoError(t, tbl.Set(value.Number(2), value.Number(20)))
	require.Nil(t, tbl.OrderVector(), "an insert must invalidate the order vector")

	tbl.BuildOrderVector()
	require.NoError(t, tbl.Set(value.Number(2), value.Nil))
	require.Nil(t, tbl.OrderVector(), "a delete must invalidate the order vector")
}

func TestLengthFindsBoundaryWithHoles(t *testing.T) {
	tbl := New(0)
	require.NoError(t, tbl.Set(value.Number(1), value.Number(1)))
	require.NoError(t, tbl.Set(value.Number(2), value.Number(2)))
	require.NoError(t, tbl.Set(value.Number(3), value.Number(3)))
	require.Equal(t, 3, tbl.Length())

	require.NoError(t, tbl.Set(value.Number(3), value.Nil))
	n := tbl.Length()
	require.True(t, n == 2 || n == 3, "length must land on a valid border index")
}

func TestRestoreRebuildsIndexFromNodes(t *testing.T) {
	tbl := New(0)
	require.NoError(t, tbl.Set(value.Number(1), value.Number(10)))
	require.NoError(t, tbl.Set(value.Bool(true), value.Number(99)))

	restored := Restore(0, tbl.RawArray(), tbl.RawNodes(), tbl.OrderVector(), tbl.ReadOnly(), tbl.SafeEnv())
	require.Equal(t, float64(10), restored.Get(value.Number(1)).AsNumber())
}
