package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RevEngine/internal/domain/models"
	"RevEngine/internal/repository"
	"RevEngine/internal/service/snapshotcache"
	"RevEngine/internal/services/detection"
	"RevEngine/internal/services/lifecycle"
	"RevEngine/pkg/logger"
	"RevEngine/pkg/metrics"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newEngine(autoPropose bool) (*Engine, *lifecycle.Manager, *repository.MemorySink) {
	sink := repository.NewMemorySink(128)
	cache := snapshotcache.New(snapshotcache.WithRetention(0))
	lm := lifecycle.NewManager(lifecycle.WithEventSink(sink))
	det := detection.NewDetector(detection.DefaultRules(),
		detection.WithHistory(cache),
		detection.WithActiveChecker(lm),
		detection.WithEventSink(sink))
	e := NewEngine(EngineConfig{AutoPropose: autoPropose, RecentSize: 3}, cache, det, lm, sink, metrics.Nop{}, logger.Nop())
	return e, lm, sink
}

func btc(offset time.Duration) models.Snapshot {
	return models.Snapshot{
		Source:        "binance",
		Symbol:        "BTC",
		Timestamp:     t0.Add(offset),
		Price:         models.Float(110),
		MovingAverage: models.Float(100),
		Volume:        models.Float(500),
		AverageVolume: models.Float(300),
	}
}

func TestIngestProposesOneStrategyPerOpportunity(t *testing.T) {
	ctx := context.Background()
	e, lm, _ := newEngine(true)

	res, err := e.Ingest(ctx, btc(0))
	require.NoError(t, err)
	assert.Len(t, res.Opportunities, 2)
	require.Len(t, res.Proposed, 2)
	for _, s := range res.Proposed {
		assert.Equal(t, models.StateProposed, s.State)
	}

	latest, err := e.Latest(ctx, "binance", "BTC")
	require.NoError(t, err)
	assert.Equal(t, btc(0), latest)

	res, err = e.Ingest(ctx, btc(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, res.Opportunities, "open strategies already cover both kinds")
	assert.Len(t, lm.List(ctx), 2)
}

func TestIngestWithoutAutoPropose(t *testing.T) {
	e, lm, _ := newEngine(false)
	res, err := e.Ingest(context.Background(), btc(0))
	require.NoError(t, err)
	assert.Len(t, res.Opportunities, 2)
	assert.Empty(t, res.Proposed)
	assert.Empty(t, lm.List(context.Background()))
}

func TestIngestRejectsSnapshotWithoutIdentity(t *testing.T) {
	e, _, _ := newEngine(true)
	_, err := e.Ingest(context.Background(), models.Snapshot{Source: "binance"})
	var dq *models.DataQualityError
	assert.ErrorAs(t, err, &dq)
}

func TestRecentIsBoundedNewestFirst(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newEngine(false)
	for i, sym := range []string{"A", "B", "C"} {
		s := btc(time.Duration(i) * time.Minute)
		s.Symbol = sym
		_, err := e.Ingest(ctx, s)
		require.NoError(t, err)
	}

	recent := e.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "C", recent[0].Symbol)
	assert.Equal(t, "B", recent[2].Symbol)
	assert.Len(t, e.Recent(1), 1)
}

func TestHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newEngine(false)
	for i := range 3 {
		_, err := e.Ingest(ctx, btc(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}
	h := e.History("binance", "BTC", 2)
	require.Len(t, h, 2)
	assert.True(t, h[0].Timestamp.After(h[1].Timestamp))
}

func TestIngestStaleSnapshotSkipsDetection(t *testing.T) {
	ctx := context.Background()
	sink := repository.NewMemorySink(32)
	cache := snapshotcache.New(snapshotcache.WithRetention(time.Hour), snapshotcache.WithClock(func() time.Time { return t0 }))
	lm := lifecycle.NewManager(lifecycle.WithEventSink(sink))
	det := detection.NewDetector(detection.DefaultRules(), detection.WithHistory(cache), detection.WithActiveChecker(lm))
	e := NewEngine(EngineConfig{AutoPropose: true}, cache, det, lm, sink, metrics.Nop{}, logger.Nop())

	_, err := e.Ingest(ctx, btc(-2*time.Hour))
	var dq *models.DataQualityError
	require.ErrorAs(t, err, &dq)
	assert.Equal(t, "timestamp", dq.Field)
	assert.Empty(t, lm.List(ctx))
	assert.Empty(t, e.Recent(10))
}
