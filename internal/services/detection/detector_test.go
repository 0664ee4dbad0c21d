package detection

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RevEngine/internal/domain/models"
	"RevEngine/internal/domain/service"
	"RevEngine/internal/repository"
	"RevEngine/internal/service/snapshotcache"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type activeSet map[models.ClaimKey]bool

func (a activeSet) HasActive(symbol string, kind models.OpportunityKind) bool {
	return a[models.ClaimKey{Symbol: symbol, Kind: kind}]
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("opp-%d", n)
	}
}

func fullSnapshot() models.Snapshot {
	return models.Snapshot{
		Source:        "binance",
		Symbol:        "BTC",
		Timestamp:     t0,
		Price:         models.Float(110),
		MovingAverage: models.Float(100),
		Volume:        models.Float(500),
		AverageVolume: models.Float(300),
	}
}

func kinds(opps []models.Opportunity) []models.OpportunityKind {
	out := make([]models.OpportunityKind, len(opps))
	for i, o := range opps {
		out[i] = o.Kind
	}
	return out
}

func TestDetectEmitsTradingAndArbitrage(t *testing.T) {
	sink := repository.NewMemorySink(16)
	d := NewDetector(DefaultRules(), WithEventSink(sink), WithIDGenerator(sequentialIDs()), WithClock(func() time.Time { return t0 }))

	opps, err := d.Detect(context.Background(), fullSnapshot())
	require.NoError(t, err)
	require.Len(t, opps, 2)
	assert.Equal(t, []models.OpportunityKind{models.KindTrading, models.KindArbitrage}, kinds(opps))

	trading := opps[0]
	assert.Equal(t, "opp-1", trading.ID)
	assert.Equal(t, RulePriceAboveMA, trading.Rule)
	assert.Equal(t, fullSnapshot().Key(), trading.Snapshot)
	assert.Greater(t, trading.Confidence, 0.0)
	assert.Less(t, trading.Confidence, 1.0)

	assert.Len(t, sink.Events("", models.EventOpportunity), 2)
	assert.Empty(t, sink.Events("", models.EventRuleSkipped))
}

func TestDetectMissingFieldSkipsOnlyThatRule(t *testing.T) {
	sink := repository.NewMemorySink(16)
	d := NewDetector(DefaultRules(), WithEventSink(sink))

	snap := fullSnapshot()
	snap.MovingAverage = nil

	opps, err := d.Detect(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, []models.OpportunityKind{models.KindArbitrage}, kinds(opps))

	skipped := sink.Events("", models.EventRuleSkipped)
	require.Len(t, skipped, 1)
	assert.Equal(t, RulePriceAboveMA, skipped[0].Detail["rule"])
	assert.Equal(t, models.FieldMovingAverage, skipped[0].Detail["field"])
	assert.Equal(t, snap.Key().String(), skipped[0].EntityID)
}

func TestDetectNeverTreatsMissingAsZero(t *testing.T) {
	snap := fullSnapshot()
	snap.MovingAverage = nil
	snap.AverageVolume = nil

	opps, err := NewDetector(DefaultRules()).Detect(context.Background(), snap)
	require.NoError(t, err)
	assert.Empty(t, opps)
}

func TestDetectZeroAverageIsDataQuality(t *testing.T) {
	sink := repository.NewMemorySink(16)
	snap := fullSnapshot()
	snap.AverageVolume = models.Float(0)

	opps, err := NewDetector(DefaultRules(), WithEventSink(sink)).Detect(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, []models.OpportunityKind{models.KindTrading}, kinds(opps))
	assert.Len(t, sink.Events("", models.EventRuleSkipped), 1)
}

func TestDetectBelowThresholdEmitsNothing(t *testing.T) {
	snap := fullSnapshot()
	snap.Price = models.Float(100)
	snap.Volume = models.Float(299)

	opps, err := NewDetector(DefaultRules()).Detect(context.Background(), snap)
	require.NoError(t, err)
	assert.Empty(t, opps)
}

func TestDetectDedupsAgainstActiveStrategies(t *testing.T) {
	active := activeSet{{Symbol: "BTC", Kind: models.KindTrading}: true}
	opps, err := NewDetector(DefaultRules(), WithActiveChecker(active)).Detect(context.Background(), fullSnapshot())
	require.NoError(t, err)
	assert.Equal(t, []models.OpportunityKind{models.KindArbitrage}, kinds(opps))
}

func TestDetectDedupsWithinPass(t *testing.T) {
	rules := []service.Rule{NewPriceAboveMA(1), NewPriceAboveMA(1.05)}
	opps, err := NewDetector(rules).Detect(context.Background(), fullSnapshot())
	require.NoError(t, err)
	assert.Len(t, opps, 1)
}

type brokenRule struct{}

func (brokenRule) Name() string                 { return "broken" }
func (brokenRule) Kind() models.OpportunityKind { return models.KindTrading }
func (brokenRule) Evaluate(models.Snapshot, iter.Seq[models.Snapshot]) (*service.Signal, error) {
	return nil, errors.New("model unavailable")
}

func TestDetectRuleFailureIsReportedAndOthersRun(t *testing.T) {
	sink := repository.NewMemorySink(16)
	rules := []service.Rule{brokenRule{}, NewVolumeAboveAverage(1)}

	opps, err := NewDetector(rules, WithEventSink(sink)).Detect(context.Background(), fullSnapshot())
	require.NoError(t, err)
	assert.Equal(t, []models.OpportunityKind{models.KindArbitrage}, kinds(opps))

	failed := sink.Events("", models.EventRuleFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "model unavailable", failed[0].Detail["error"])
}

func TestDetectRejectsSnapshotWithoutIdentity(t *testing.T) {
	_, err := NewDetector(DefaultRules()).Detect(context.Background(), models.Snapshot{Symbol: "BTC"})
	var dq *models.DataQualityError
	assert.ErrorAs(t, err, &dq)
}

func TestDetectHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewDetector(DefaultRules()).Detect(ctx, fullSnapshot())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBreakoutUsesCachedHistory(t *testing.T) {
	ctx := context.Background()
	cache := snapshotcache.New(snapshotcache.WithRetention(0))
	for i, p := range []float64{100, 104, 102} {
		require.NoError(t, cache.Put(ctx, models.Snapshot{
			Source: "binance", Symbol: "ETH", Timestamp: t0.Add(time.Duration(i) * time.Minute), Price: models.Float(p),
		}))
	}
	d := NewDetector([]service.Rule{NewBreakout(3)}, WithHistory(cache))

	current := models.Snapshot{Source: "binance", Symbol: "ETH", Timestamp: t0.Add(3 * time.Minute), Price: models.Float(105)}
	require.NoError(t, cache.Put(ctx, current))

	opps, err := d.Detect(ctx, current)
	require.NoError(t, err)
	require.Len(t, opps, 1)
	assert.Equal(t, models.KindMarketEntry, opps[0].Kind)

	current.Price = models.Float(104)
	opps, err = d.Detect(ctx, current)
	require.NoError(t, err)
	assert.Empty(t, opps)
}

func TestBreakoutWaitsForEnoughHistory(t *testing.T) {
	ctx := context.Background()
	cache := snapshotcache.New(snapshotcache.WithRetention(0))
	require.NoError(t, cache.Put(ctx, models.Snapshot{Source: "binance", Symbol: "ETH", Timestamp: t0, Price: models.Float(1)}))

	d := NewDetector([]service.Rule{NewBreakout(5)}, WithHistory(cache))
	opps, err := d.Detect(ctx, models.Snapshot{Source: "binance", Symbol: "ETH", Timestamp: t0.Add(time.Minute), Price: models.Float(50)})
	require.NoError(t, err)
	assert.Empty(t, opps)
}

func TestBuildRules(t *testing.T) {
	rules, err := BuildRules([]RuleConfig{
		{Name: RuleVolumeAboveAverage, Enabled: true, MinRatio: 1.5},
		{Name: RulePriceAboveMA, Enabled: false},
		{Name: RuleBreakout, Enabled: true, Lookback: 10},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{RuleVolumeAboveAverage, RuleBreakout}, NewDetector(rules).Rules())

	_, err = BuildRules([]RuleConfig{{Name: "moon_phase", Enabled: true}})
	assert.Error(t, err)
}
