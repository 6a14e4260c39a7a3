package credential

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) *RedisStateStore {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStateStore(context.Background(), RedisOptions{
		Addr:   mr.Addr(),
		Prefix: "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisStateStoreRoundTrip(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	st := &PersistedState{
		State:               StateQuarantined,
		QuarantineUntil:     time.Now().Add(30 * time.Second).UTC().Truncate(time.Second),
		ConsecutiveFailures: 1,
		TotalRequests:       4,
		SuccessCount:        3,
	}
	require.NoError(t, store.Persist(ctx, "cred-r", st))

	got, err := store.Restore(ctx, "cred-r")
	require.NoError(t, err)
	require.Equal(t, StateQuarantined, got.State)
	require.True(t, st.QuarantineUntil.Equal(got.QuarantineUntil))
	require.Equal(t, int64(4), got.TotalRequests)
}

func TestRedisStateStoreMissingKey(t *testing.T) {
	store := newTestRedisStore(t)

	got, err := store.Restore(context.Background(), "cred-none")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestRedisStateStoreDelete(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Persist(ctx, "cred-d", &PersistedState{State: StateActive}))
	require.NoError(t, store.Delete(ctx, "cred-d"))

	got, err := store.Restore(ctx, "cred-d")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestRedisStateStoreBadAddr(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := NewRedisStateStore(ctx, RedisOptions{Addr: "127.0.0.1:1"})
	require.Error(t, err)
}
