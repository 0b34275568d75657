package idem

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/eventstore"
)

func openIndex(t *testing.T, ttl time.Duration) *SQLiteIndex {
	t.Helper()
	store, err := eventstore.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewSQLiteIndex(store.DB(), ttl)
}

func TestReserveBindsOnce(t *testing.T) {
	index := openIndex(t, DefaultTTL)
	ctx := context.Background()
	now := time.Now()
	key := Key{ClientID: "acct-1", ClientOrderID: "c-1"}

	first, err := index.Reserve(ctx, key, "ord-1", now)
	require.NoError(t, err)
	assert.False(t, first.Existing)
	assert.Equal(t, "ord-1", first.OrderID)

	retry, err := index.Reserve(ctx, key, "ord-2", now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, retry.Existing)
	assert.Equal(t, "ord-1", retry.OrderID)

	bound, ok, err := index.Lookup(ctx, key, now.Add(time.Second))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ord-1", bound)
}

func TestReserveSeparateKeys(t *testing.T) {
	index := openIndex(t, DefaultTTL)
	ctx := context.Background()
	now := time.Now()

	a, err := index.Reserve(ctx, Key{ClientID: "acct-1", ClientOrderID: "c-1"}, "ord-1", now)
	require.NoError(t, err)
	b, err := index.Reserve(ctx, Key{ClientID: "acct-2", ClientOrderID: "c-1"}, "ord-2", now)
	require.NoError(t, err)
	c, err := index.Reserve(ctx, Key{ClientID: "acct-1", ClientOrderID: "c-2"}, "ord-3", now)
	require.NoError(t, err)

	assert.False(t, a.Existing)
	assert.False(t, b.Existing)
	assert.False(t, c.Existing)
}

func TestReserveConcurrentSingleWinner(t *testing.T) {
	index := openIndex(t, DefaultTTL)
	ctx := context.Background()
	now := time.Now()
	key := Key{ClientID: "acct-1", ClientOrderID: "burst"}

	const callers = 10
	var wg sync.WaitGroup
	results := make([]Reservation, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = index.Reserve(ctx, key, "ord-"+string(rune('a'+i)), now)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	var winners int
	var winner string
	for _, r := range results {
		if !r.Existing {
			winners++
			winner = r.OrderID
		}
	}
	require.Equal(t, 1, winners, "exactly one caller wins the key")
	for _, r := range results {
		assert.Equal(t, winner, r.OrderID, "losers observe the winner's order id")
	}
}

func TestReserveAfterExpiry(t *testing.T) {
	index := openIndex(t, time.Minute)
	ctx := context.Background()
	now := time.Now()
	key := Key{ClientID: "acct-1", ClientOrderID: "c-1"}

	_, err := index.Reserve(ctx, key, "ord-1", now)
	require.NoError(t, err)

	// inside the TTL the key stays bound
	within, err := index.Reserve(ctx, key, "ord-2", now.Add(30*time.Second))
	require.NoError(t, err)
	assert.True(t, within.Existing)

	// past the TTL the same key intentionally starts a new order
	later, err := index.Reserve(ctx, key, "ord-3", now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, later.Existing)
	assert.Equal(t, "ord-3", later.OrderID)

	_, ok, err := index.Lookup(ctx, key, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseUnbindsKey(t *testing.T) {
	index := openIndex(t, DefaultTTL)
	ctx := context.Background()
	now := time.Now()
	key := Key{ClientID: "acct-1", ClientOrderID: "c-1"}

	_, err := index.Reserve(ctx, key, "ord-1", now)
	require.NoError(t, err)

	// a mismatched order id leaves the binding alone
	require.NoError(t, index.Release(ctx, key, "someone-else"))
	still, err := index.Reserve(ctx, key, "ord-2", now)
	require.NoError(t, err)
	assert.True(t, still.Existing)
	assert.Equal(t, "ord-1", still.OrderID)

	// releasing the bound order frees the key for a retry
	require.NoError(t, index.Release(ctx, key, "ord-1"))
	retry, err := index.Reserve(ctx, key, "ord-2", now)
	require.NoError(t, err)
	assert.False(t, retry.Existing)
	assert.Equal(t, "ord-2", retry.OrderID)
}

func TestPurgeExpired(t *testing.T) {
	index := openIndex(t, time.Minute)
	ctx := context.Background()
	now := time.Now()

	_, err := index.Reserve(ctx, Key{ClientID: "acct-1", ClientOrderID: "old"}, "ord-1", now)
	require.NoError(t, err)
	_, err = index.Reserve(ctx, Key{ClientID: "acct-1", ClientOrderID: "fresh"}, "ord-2", now.Add(90*time.Second))
	require.NoError(t, err)

	purged, err := index.PurgeExpired(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, ok, err := index.Lookup(ctx, Key{ClientID: "acct-1", ClientOrderID: "fresh"}, now.Add(100*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
}
