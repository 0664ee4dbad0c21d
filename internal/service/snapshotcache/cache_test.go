package snapshotcache

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RevEngine/internal/domain/models"
	"RevEngine/internal/repository"
	"RevEngine/pkg/cache"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func snap(symbol string, offset time.Duration, price float64) models.Snapshot {
	return models.Snapshot{
		Source:    "binance",
		Symbol:    symbol,
		Timestamp: base.Add(offset),
		Price:     models.Float(price),
	}
}

func newCache(opts ...Option) *Cache {
	return New(append([]Option{WithClock(func() time.Time { return base.Add(time.Hour) })}, opts...)...)
}

func TestPutThenGetReturnsIdenticalSnapshot(t *testing.T) {
	ctx := context.Background()
	c := newCache()
	in := models.Snapshot{
		Source:        "binance",
		Symbol:        "BTC",
		Timestamp:     base,
		Price:         models.Float(110),
		MovingAverage: models.Float(100),
		Volume:        models.Float(500),
		AverageVolume: models.Float(300),
		Extra:         map[string]float64{"spread": 0.5},
	}

	require.NoError(t, c.Put(ctx, in))
	got, err := c.Get(ctx, "binance", "BTC")
	require.NoError(t, err)
	assert.Equal(t, in, got)
}

func TestStoredSnapshotIsImmutable(t *testing.T) {
	ctx := context.Background()
	c := newCache()
	in := snap("BTC", 0, 100)
	require.NoError(t, c.Put(ctx, in))

	*in.Price = 1
	got, err := c.Get(ctx, "binance", "BTC")
	require.NoError(t, err)
	assert.Equal(t, 100.0, *got.Price)

	*got.Price = 2
	again, err := c.Get(ctx, "binance", "BTC")
	require.NoError(t, err)
	assert.Equal(t, 100.0, *again.Price)
}

func TestGetUnknownSeries(t *testing.T) {
	_, err := newCache().Get(context.Background(), "binance", "DOGE")
	assert.ErrorIs(t, err, models.ErrSnapshotNotFound)
}

func TestPutRejectsMissingIdentity(t *testing.T) {
	err := newCache().Put(context.Background(), models.Snapshot{Source: "binance", Timestamp: base})
	var dq *models.DataQualityError
	require.ErrorAs(t, err, &dq)
	assert.Equal(t, "symbol", dq.Field)
}

func TestPutSameIdentityOverwrites(t *testing.T) {
	ctx := context.Background()
	c := newCache()
	require.NoError(t, c.Put(ctx, snap("BTC", 0, 100)))
	require.NoError(t, c.Put(ctx, snap("BTC", 0, 105)))

	assert.Equal(t, 1, c.Len("binance", "BTC"))
	got, err := c.Get(ctx, "binance", "BTC")
	require.NoError(t, err)
	assert.Equal(t, 105.0, *got.Price)
}

func TestLatestIsByTimestampNotArrival(t *testing.T) {
	ctx := context.Background()
	c := newCache()
	require.NoError(t, c.Put(ctx, snap("BTC", 2*time.Minute, 102)))
	require.NoError(t, c.Put(ctx, snap("BTC", time.Minute, 101)))

	got, err := c.Get(ctx, "binance", "BTC")
	require.NoError(t, err)
	assert.Equal(t, 102.0, *got.Price)
}

func TestHistoryIsDescendingBoundedAndRestartable(t *testing.T) {
	ctx := context.Background()
	c := newCache()
	for i := range 5 {
		require.NoError(t, c.Put(ctx, snap("BTC", time.Duration(i)*time.Minute, float64(100+i))))
	}

	seq := c.History("binance", "BTC", 3)
	prices := func() []float64 {
		var out []float64
		for s := range seq {
			out = append(out, *s.Price)
		}
		return out
	}

	assert.Equal(t, []float64{104, 103, 102}, prices())
	assert.Equal(t, []float64{104, 103, 102}, prices())

	require.NoError(t, c.Put(ctx, snap("BTC", 10*time.Minute, 110)))
	assert.Equal(t, []float64{110, 104, 103}, prices())
}

func TestHistoryStopsEarly(t *testing.T) {
	ctx := context.Background()
	c := newCache()
	for i := range 4 {
		require.NoError(t, c.Put(ctx, snap("ETH", time.Duration(i)*time.Second, float64(i))))
	}
	n := 0
	for range c.History("binance", "ETH", 10) {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
	assert.Empty(t, slices.Collect(c.History("binance", "ETH", 0)))
	assert.Empty(t, slices.Collect(c.History("binance", "NOPE", 5)))
}

func TestRetentionEvictsLazilyOnWrite(t *testing.T) {
	ctx := context.Background()
	now := base
	c := New(WithRetention(10*time.Minute), WithClock(func() time.Time { return now }))

	require.NoError(t, c.Put(ctx, snap("BTC", 0, 100)))
	require.NoError(t, c.Put(ctx, snap("BTC", 5*time.Minute, 101)))

	now = base.Add(30 * time.Minute)
	assert.Equal(t, 2, c.Len("binance", "BTC"))

	require.NoError(t, c.Put(ctx, snap("BTC", 25*time.Minute, 102)))
	assert.Equal(t, 1, c.Len("binance", "BTC"))
}

func TestPutRejectsSnapshotOutsideRetention(t *testing.T) {
	ctx := context.Background()
	c := New(WithClock(func() time.Time { return base }))

	err := c.Put(ctx, snap("BTC", -48*time.Hour, 100))
	var dq *models.DataQualityError
	require.ErrorAs(t, err, &dq)
	assert.Equal(t, "timestamp", dq.Field)
	assert.Equal(t, "outside retention", dq.Reason)

	_, err = c.Get(ctx, "binance", "BTC")
	assert.ErrorIs(t, err, models.ErrSnapshotNotFound)
	assert.Zero(t, c.Len("binance", "BTC"))

	require.NoError(t, c.Put(ctx, snap("BTC", -time.Hour, 100)))
	assert.Equal(t, 1, c.Len("binance", "BTC"))
}

func TestMaxPerSeriesDropsOldest(t *testing.T) {
	ctx := context.Background()
	c := newCache(WithRetention(0), WithMaxPerSeries(2))
	for i := range 3 {
		require.NoError(t, c.Put(ctx, snap("BTC", time.Duration(i)*time.Minute, float64(i))))
	}
	var got []float64
	for s := range c.History("binance", "BTC", 10) {
		got = append(got, *s.Price)
	}
	assert.Equal(t, []float64{2, 1}, got)
}

func TestMirrorWriteThroughAndReadThrough(t *testing.T) {
	ctx := context.Background()
	shared := repository.NewCacheMirror(cache.NewMemoryCache(), time.Minute)

	writer := newCache(WithMirror(shared))
	reader := newCache(WithMirror(shared))

	require.NoError(t, writer.Put(ctx, snap("BTC", time.Minute, 101)))
	require.NoError(t, writer.Put(ctx, snap("BTC", 0, 100)))

	got, err := reader.Get(ctx, "binance", "BTC")
	require.NoError(t, err)
	assert.Equal(t, 101.0, *got.Price)

	_, err = reader.Get(ctx, "binance", "ETH")
	assert.ErrorIs(t, err, models.ErrSnapshotNotFound)
}

func TestConcurrentPutsAcrossSeries(t *testing.T) {
	ctx := context.Background()
	c := newCache(WithRetention(0))
	symbols := []string{"BTC", "ETH", "SOL", "ADA"}

	var wg sync.WaitGroup
	for _, sym := range symbols {
		for i := range 50 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, c.Put(ctx, snap(sym, time.Duration(i)*time.Second, float64(i))))
			}()
		}
	}
	wg.Wait()

	for _, sym := range symbols {
		assert.Equal(t, 50, c.Len("binance", sym))
		got, err := c.Get(ctx, "binance", sym)
		require.NoError(t, err)
		assert.Equal(t, 49.0, *got.Price)
	}
}
