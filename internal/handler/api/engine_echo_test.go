package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RevEngine/internal/domain/models"
	"RevEngine/internal/middleware"
	"RevEngine/internal/repository"
	"RevEngine/internal/service/snapshotcache"
	"RevEngine/internal/services/detection"
	"RevEngine/internal/services/lifecycle"
	"RevEngine/internal/services/optimizer"
	"RevEngine/internal/usecase"
	"RevEngine/pkg/logger"
	"RevEngine/pkg/metrics"
)

type rejectingExecutor struct{ symbol string }

func (r rejectingExecutor) OnImplement(_ context.Context, s models.Strategy) error {
	if s.Symbol == r.symbol {
		return errors.New("venue closed")
	}
	return nil
}

type fixture struct {
	e    *echo.Echo
	lm   *lifecycle.Manager
	sink *repository.MemorySink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sink := repository.NewMemorySink(256)
	cache := snapshotcache.New(snapshotcache.WithRetention(0))
	lm := lifecycle.NewManager(
		lifecycle.WithEventSink(sink),
		lifecycle.WithExecutor(rejectingExecutor{symbol: "DOGE"}),
		lifecycle.WithMinObservations(1),
	)
	det := detection.NewDetector(detection.DefaultRules(),
		detection.WithHistory(cache),
		detection.WithActiveChecker(lm),
		detection.WithEventSink(sink))
	engine := usecase.NewEngine(usecase.EngineConfig{AutoPropose: true}, cache, det, lm, sink, metrics.Nop{}, logger.Nop())
	pipe := middleware.NewIngestPipeline(engine, metrics.Nop{}, middleware.WithMaxRPS(1, 2))
	opt := optimizer.New(lm, optimizer.NewMeanScorer(optimizer.MetricPnL), optimizer.WithMinSamples(1), optimizer.WithEventSink(sink))
	sched := optimizer.NewScheduler(opt, time.Hour, logger.Nop())
	lm.Subscribe(sched.OnTransition)

	e := echo.New()
	NewEngineEchoHandler(logger.Nop(), pipe, engine, lm, sched, sink).RegisterRoutes(e)
	return &fixture{e: e, lm: lm, sink: sink}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, json.RawMessage) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)

	var env struct {
		Status int             `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	if strings.HasPrefix(rec.Body.String(), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec.Code, env.Data
}

func snapshotBody(symbol string, ts time.Time) string {
	b, _ := json.Marshal(models.Snapshot{
		Source:        "binance",
		Symbol:        symbol,
		Timestamp:     ts,
		Price:         models.Float(110),
		MovingAverage: models.Float(100),
		Volume:        models.Float(500),
		AverageVolume: models.Float(300),
	})
	return string(b)
}

func errorCode(t *testing.T, data json.RawMessage) string {
	t.Helper()
	var errs []struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(data, &errs))
	require.NotEmpty(t, errs)
	return errs[0].Code
}

func TestIngestAndStrategyLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC().Truncate(time.Second)

	code, data := f.do(t, http.MethodPost, "/api/snapshots", snapshotBody("BTC", now))
	require.Equal(t, http.StatusOK, code)
	var res usecase.IngestResult
	require.NoError(t, json.Unmarshal(data, &res))
	require.Len(t, res.Proposed, 2)

	code, data = f.do(t, http.MethodGet, "/api/snapshots/binance/BTC/latest", "")
	require.Equal(t, http.StatusOK, code)
	var latest models.Snapshot
	require.NoError(t, json.Unmarshal(data, &latest))
	assert.True(t, now.Equal(latest.Timestamp))

	var trading models.Strategy
	for _, s := range res.Proposed {
		if s.Kind == models.KindTrading {
			trading = s
		}
	}
	require.NotEmpty(t, trading.ID)
	base := "/api/strategies/" + trading.ID

	code, _ = f.do(t, http.MethodPost, base+"/implement", `{"parameters":{"size":10}}`)
	require.Equal(t, http.StatusOK, code)

	code, data = f.do(t, http.MethodPost, base+"/metrics", `{"values":{"pnl":2}}`)
	require.Equal(t, http.StatusOK, code)
	var s models.Strategy
	require.NoError(t, json.Unmarshal(data, &s))
	assert.Equal(t, models.StateMonitored, s.State)

	code, data = f.do(t, http.MethodPost, base+"/optimize", "")
	require.Equal(t, http.StatusOK, code)
	var opt optimizer.Result
	require.NoError(t, json.Unmarshal(data, &opt))
	assert.Equal(t, optimizer.OutcomeApplied, opt.Outcome)

	code, data = f.do(t, http.MethodPost, base+"/parameters", `{"parameters":{"size":1},"based_on_version":1}`)
	require.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "ERR_STALE_VERSION", errorCode(t, data))

	code, _ = f.do(t, http.MethodPost, base+"/close", `{"reason":"target hit"}`)
	require.Equal(t, http.StatusOK, code)

	code, data = f.do(t, http.MethodPost, base+"/close", "")
	require.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "ERR_INVALID_TRANSITION", errorCode(t, data))

	code, data = f.do(t, http.MethodGet, "/api/strategies?state=closed", "")
	require.Equal(t, http.StatusOK, code)
	var list struct {
		Rows  []models.Strategy `json:"rows"`
		Total int64             `json:"total"`
	}
	require.NoError(t, json.Unmarshal(data, &list))
	assert.EqualValues(t, 1, list.Total)
	assert.Equal(t, trading.ID, list.Rows[0].ID)

	code, data = f.do(t, http.MethodGet, "/api/events?entity_id="+trading.ID, "")
	require.Equal(t, http.StatusOK, code)
	var events struct {
		Rows []models.Event `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(data, &events))
	assert.NotEmpty(t, events.Rows)
}

func TestErrorMappings(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()

	code, data := f.do(t, http.MethodGet, "/api/strategies/nope", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "ERR_NOT_FOUND", errorCode(t, data))

	code, _ = f.do(t, http.MethodGet, "/api/snapshots/binance/ETH/latest", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, data = f.do(t, http.MethodPost, "/api/snapshots", `{"source":"binance","symbol":"BTC","timestamp":"`+now.Format(time.RFC3339)+`","price":-1}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "ERR_DATA_QUALITY", errorCode(t, data))

	code, _ = f.do(t, http.MethodGet, "/api/strategies?state=bogus", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, data = f.do(t, http.MethodPost, "/api/strategies/x/metrics", `{"values":{}}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "ERR_MIN", errorCode(t, data))
}

func TestExecutorRejectionIsBadGateway(t *testing.T) {
	f := newFixture(t)
	code, data := f.do(t, http.MethodPost, "/api/snapshots", snapshotBody("DOGE", time.Now().UTC()))
	require.Equal(t, http.StatusOK, code)
	var res usecase.IngestResult
	require.NoError(t, json.Unmarshal(data, &res))
	require.NotEmpty(t, res.Proposed)
	id := res.Proposed[0].ID

	code, data = f.do(t, http.MethodPost, "/api/strategies/"+id+"/implement", "")
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, "ERR_UPSTREAM", errorCode(t, data))

	got, err := f.lm.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, got.State)
}

func TestIngestThrottledPerSeries(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()

	for i := range 2 {
		code, _ := f.do(t, http.MethodPost, "/api/snapshots", snapshotBody("ETH", now.Add(time.Duration(i)*time.Millisecond)))
		require.Equal(t, http.StatusOK, code)
	}
	code, data := f.do(t, http.MethodPost, "/api/snapshots", snapshotBody("ETH", now.Add(3*time.Millisecond)))
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "ERR_THROTTLED", errorCode(t, data))

	// other series keep their own budget
	code, _ = f.do(t, http.MethodPost, "/api/snapshots", snapshotBody("SOL", now))
	assert.Equal(t, http.StatusOK, code)
}

func TestOpportunitiesListsRecentDetections(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodPost, "/api/snapshots", snapshotBody("BTC", time.Now().UTC()))
	require.Equal(t, http.StatusOK, code)

	code, data := f.do(t, http.MethodGet, "/api/opportunities?limit=1", "")
	require.Equal(t, http.StatusOK, code)
	var list struct {
		Rows []models.Opportunity `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Len(t, list.Rows, 1)
}
