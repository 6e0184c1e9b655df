package dmq

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDedupStoreMarkAndCheck(t *testing.T) {
	defer leaktest.Check(t)()

	store := NewMemoryDedupStore(time.Hour)
	defer store.Close()

	ctx := context.Background()

	processed, err := store.Processed(ctx, "tx-1")
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, store.MarkProcessed(ctx, "tx-1"))

	processed, err = store.Processed(ctx, "tx-1")
	require.NoError(t, err)
	assert.True(t, processed)

	processed, err = store.Processed(ctx, "tx-2")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestMemoryDedupStoreExpiry(t *testing.T) {
	defer leaktest.Check(t)()

	store := NewMemoryDedupStore(20 * time.Millisecond)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.MarkProcessed(ctx, "tx-1"))

	assert.Eventually(t, func() bool {
		processed, err := store.Processed(ctx, "tx-1")
		return err == nil && !processed
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryDedupStoreCloseIsIdempotent(t *testing.T) {
	store := NewMemoryDedupStore(time.Hour)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())
}

func TestRedisDedupStoreMarkAndCheck(t *testing.T) {
	server := miniredis.RunT(t)

	store, err := NewRedisDedupStore(nil, &DedupConfig{
		RetentionHours: 24,
		RedisAddr:      server.Addr(),
	}, "donation-service")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()

	processed, err := store.Processed(ctx, "tx-1")
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, store.MarkProcessed(ctx, "tx-1"))

	processed, err = store.Processed(ctx, "tx-1")
	require.NoError(t, err)
	assert.True(t, processed)

	// Stored with the retention TTL under the consumer's namespace.
	ttl := server.TTL("dedup:donation-service:tx-1")
	assert.Equal(t, 24*time.Hour, ttl)
}

func TestRedisDedupStoreNamespacesPerConsumer(t *testing.T) {
	server := miniredis.RunT(t)

	donationStore, err := NewRedisDedupStore(nil, &DedupConfig{RedisAddr: server.Addr()}, "donation-service")
	require.NoError(t, err)
	defer donationStore.Close()

	campaignStore, err := NewRedisDedupStore(nil, &DedupConfig{RedisAddr: server.Addr()}, "campaign-service")
	require.NoError(t, err)
	defer campaignStore.Close()

	ctx := context.Background()
	require.NoError(t, donationStore.MarkProcessed(ctx, "tx-1"))

	processed, err := campaignStore.Processed(ctx, "tx-1")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestRedisDedupStoreExpiry(t *testing.T) {
	server := miniredis.RunT(t)

	store, err := NewRedisDedupStore(nil, &DedupConfig{
		RetentionHours: 1,
		RedisAddr:      server.Addr(),
	}, "donation-service")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.MarkProcessed(ctx, "tx-1"))

	server.FastForward(2 * time.Hour)

	processed, err := store.Processed(ctx, "tx-1")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestRedisDedupStoreUnreachable(t *testing.T) {
	_, err := NewRedisDedupStore(nil, &DedupConfig{
		RedisAddr:      "127.0.0.1:1",
		ConnectTimeout: 1,
	}, "donation-service")
	require.Error(t, err)
}

func TestNewDedupStoreSelectsImplementation(t *testing.T) {
	server := miniredis.RunT(t)

	memory, err := NewDedupStore(nil, &DedupConfig{}, "donation-service")
	require.NoError(t, err)
	defer memory.Close()
	_, isMemory := memory.(*memoryDedupStore)
	assert.True(t, isMemory)

	shared, err := NewDedupStore(nil, &DedupConfig{RedisAddr: server.Addr()}, "donation-service")
	require.NoError(t, err)
	defer shared.Close()
	_, isRedis := shared.(*redisDedupStore)
	assert.True(t, isRedis)
}
