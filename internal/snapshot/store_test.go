package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, true, 5*time.Hour), mr
}

func TestRecentSnapshots_NumericOrder(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	// 999 sorts after 1000 lexically; ordering must be by timestamp
	for _, ms := range []int64{1000, 999, 3000, 2000, 5000, 4000} {
		require.NoError(t, store.AddSnapshot(ctx, "BTCUSDT", "1h", ms, Candle{Close: float64(ms)}, nil))
	}
	require.NoError(t, store.AddSnapshot(ctx, "BTCUSDT", "4h", 6000, Candle{}, nil))

	keys, err := store.RecentSnapshots(ctx, "BTCUSDT", "1h", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"BTCUSDT:1h:1000",
		"BTCUSDT:1h:2000",
		"BTCUSDT:1h:3000",
		"BTCUSDT:1h:4000",
		"BTCUSDT:1h:5000",
	}, keys)

	keys, err = store.RecentSnapshots(ctx, "ETHUSDT", "1h", 5)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestAddSnapshot_FieldsAndExpiry(t *testing.T) {
	store, mr := setupStore(t)
	ctx := context.Background()

	candle := Candle{Open: 1, High: 3, Low: 0.5, Close: 2, NumTrades: 42, Date: 1000}
	require.NoError(t, store.AddSnapshot(ctx, "BTCUSDT", "1h", 1000, candle, map[string]float64{"EMA_500": 105.5}))

	key := Key("BTCUSDT", "1h", 1000)
	assert.Equal(t, 5*time.Hour, mr.TTL(key))

	got, err := store.Candle(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, candle, *got)

	v, err := store.SnapshotField(ctx, key, "EMA_500")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, 105.5, *v)

	v, err = store.SnapshotField(ctx, key, "RSI_14")
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = store.Candle(ctx, Key("BTCUSDT", "1h", 2000))
	assert.ErrorIs(t, err, ErrNoCandle)
}

func TestSnapshotField_NullResult(t *testing.T) {
	store, mr := setupStore(t)
	key := Key("BTCUSDT", "1h", 1000)
	mr.HSet(key, "EMA_500", `{"result": null}`)

	v, err := store.SnapshotField(context.Background(), key, "EMA_500")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestWaterMarks(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	_, ok, err := store.HighWaterMark(ctx, "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.False(t, ok)

	for _, p := range []float64{100, 105, 103, 110, 90} {
		require.NoError(t, store.SetHighWaterMark(ctx, "BTCUSDT", "1h", p))
		require.NoError(t, store.SetLowWaterMark(ctx, "BTCUSDT", "1h", p))
	}

	high, ok, err := store.HighWaterMark(ctx, "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 110.0, high)

	low, ok, err := store.LowWaterMark(ctx, "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 90.0, low)

	require.NoError(t, store.ClearHighWaterMark(ctx, "BTCUSDT", "1h"))
	_, ok, err = store.HighWaterMark(ctx, "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.ClearLowWaterMark(ctx, "BTCUSDT", "1h"))
	_, ok, err = store.LowWaterMark(ctx, "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.False(t, ok)
}
