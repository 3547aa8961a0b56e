package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Manager) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	manager, err := NewManager(Config{
		Addr:       mr.Addr(),
		DefaultTTL: time.Minute,
	}, zap.NewNop())
	require.NoError(t, err)

	t.Cleanup(func() {
		manager.Close()
		mr.Close()
	})
	return mr, manager
}

func TestSetAndGet(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "context:sales_db:ts", "previous run text", time.Minute))

	value, err := manager.Get(ctx, "context:sales_db:ts")
	require.NoError(t, err)
	assert.Equal(t, "previous run text", value)
}

func TestGetMissingKeyIsCacheMiss(t *testing.T) {
	_, manager := setupTestRedis(t)

	value, err := manager.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.True(t, IsCacheMiss(err))
	assert.Empty(t, value)
}

func TestSetZeroTTLUsesDefault(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "k", "v", 0))

	// Alive before the default TTL, gone after.
	mr.FastForward(30 * time.Second)
	_, err := manager.Get(ctx, "k")
	require.NoError(t, err)

	mr.FastForward(time.Minute)
	_, err = manager.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestDelete(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "k", "v", time.Minute))
	require.NoError(t, manager.Delete(ctx, "k"))

	_, err := manager.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestJSONRoundTrip(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	type runSummary struct {
		Prefix string `json:"prefix"`
		Tokens int    `json:"tokens"`
	}

	require.NoError(t, manager.SetJSON(ctx, "run", runSummary{Prefix: "sales_db", Tokens: 1234}, time.Minute))

	var got runSummary
	require.NoError(t, manager.GetJSON(ctx, "run", &got))
	assert.Equal(t, "sales_db", got.Prefix)
	assert.Equal(t, 1234, got.Tokens)
}

func TestGetJSONRejectsMalformedValue(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "bad", "not json", time.Minute))

	var got map[string]any
	assert.Error(t, manager.GetJSON(ctx, "bad", &got))
}

func TestTTLExpiry(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "short", "v", 100*time.Millisecond))

	value, err := manager.Get(ctx, "short")
	require.NoError(t, err)
	assert.Equal(t, "v", value)

	mr.FastForward(200 * time.Millisecond)
	_, err = manager.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestPing(t *testing.T) {
	_, manager := setupTestRedis(t)
	assert.NoError(t, manager.Ping(context.Background()))
}

func TestNewManagerUnreachableRedis(t *testing.T) {
	manager, err := NewManager(Config{Addr: "localhost:1"}, zap.NewNop())
	assert.Nil(t, manager)
	assert.Error(t, err)
}

func TestClosedManagerRejectsOperations(t *testing.T) {
	_, manager := setupTestRedis(t)
	require.NoError(t, manager.Close())

	_, err := manager.Get(context.Background(), "k")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrCacheMiss)
	assert.Error(t, manager.Set(context.Background(), "k", "v", time.Minute))
	// Close is idempotent.
	assert.NoError(t, manager.Close())
}
