package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireUnownedName(t *testing.T) {
	r := New()
	res, err := r.Acquire(1, "com.example.foo", 0)
	require.NoError(t, err)
	require.Equal(t, ResultPrimaryOwner, res)

	id, isActivator, ok := r.Lookup("com.example.foo")
	require.True(t, ok)
	require.False(t, isActivator)
	require.Equal(t, uint64(1), id)
}

func TestAcquireConflictWithoutQueueOrReplace(t *testing.T) {
	r := New()
	_, err := r.Acquire(1, "com.example.foo", 0)
	require.NoError(t, err)

	_, err = r.Acquire(2, "com.example.foo", 0)
	require.ErrorIs(t, err, ErrNameInUse)
}

func TestQueueAndPromotionOnRelease(t *testing.T) {
	r := New()
	_, _ = r.Acquire(1, "com.example.foo", Queue)
	res, err := r.Acquire(2, "com.example.foo", Queue)
	require.NoError(t, err)
	require.Equal(t, ResultInQueue, res)

	require.True(t, r.Release(1, "com.example.foo"))
	id, _, ok := r.Lookup("com.example.foo")
	require.True(t, ok)
	require.Equal(t, uint64(2), id, "queued waiter promoted to owner")
}

func TestReplaceExistingRequiresAllowReplacement(t *testing.T) {
	r := New()
	_, _ = r.Acquire(1, "com.example.foo", 0) // no AllowReplacement
	_, err := r.Acquire(2, "com.example.foo", ReplaceExisting)
	require.ErrorIs(t, err, ErrNameInUse)

	r2 := New()
	_, _ = r2.Acquire(1, "com.example.foo", AllowReplacement|Queue)
	res, err := r2.Acquire(2, "com.example.foo", ReplaceExisting)
	require.NoError(t, err)
	require.Equal(t, ResultPrimaryOwner, res)

	id, _, ok := r2.Lookup("com.example.foo")
	require.True(t, ok)
	require.Equal(t, uint64(2), id)

	// The displaced owner asked to queue, so it should be back in line —
	// and at the front, since it was evicted rather than yielding.
	require.True(t, r2.Release(2, "com.example.foo"))
	id, _, ok = r2.Lookup("com.example.foo")
	require.True(t, ok)
	require.Equal(t, uint64(1), id)
}

func TestActivatorFallsBackWhenUnowned(t *testing.T) {
	r := New()
	res, err := r.Acquire(9, "com.example.foo", Activator)
	require.NoError(t, err)
	require.Equal(t, ResultActivator, res)

	id, isActivator, ok := r.Lookup("com.example.foo")
	require.True(t, ok)
	require.True(t, isActivator)
	require.Equal(t, uint64(9), id)
}

func TestRealOwnerTakesPrecedenceOverActivator(t *testing.T) {
	r := New()
	_, _ = r.Acquire(9, "com.example.foo", Activator)
	_, err := r.Acquire(1, "com.example.foo", 0)
	require.NoError(t, err)

	id, isActivator, ok := r.Lookup("com.example.foo")
	require.True(t, ok)
	require.False(t, isActivator)
	require.Equal(t, uint64(1), id)
}

func TestRemoveByConnCleansUpEverything(t *testing.T) {
	r := New()
	_, _ = r.Acquire(1, "com.example.foo", 0)
	_, _ = r.Acquire(1, "com.example.bar", 0)
	_, _ = r.Acquire(2, "com.example.foo", Queue)

	affected := r.RemoveByConn(1)
	require.ElementsMatch(t, []string{"com.example.foo", "com.example.bar"}, affected)

	id, _, ok := r.Lookup("com.example.foo")
	require.True(t, ok)
	require.Equal(t, uint64(2), id, "queued waiter promoted after owner disconnects")

	_, _, ok = r.Lookup("com.example.bar")
	require.False(t, ok, "name with no remaining claimants is gone")
}

func TestNamesOwnedBy(t *testing.T) {
	r := New()
	_, _ = r.Acquire(1, "com.example.foo", 0)
	_, _ = r.Acquire(1, "com.example.bar", 0)
	_, _ = r.Acquire(2, "com.example.foo", Queue)

	require.ElementsMatch(t, []string{"com.example.foo", "com.example.bar"}, r.NamesOwnedBy(1))
	require.Empty(t, r.NamesOwnedBy(2), "queued, not owning")
}
