package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"RevEngine/internal/domain/models"
	"RevEngine/internal/services/optimizer"
	"RevEngine/internal/usecase"
	xhttp "RevEngine/pkg/http"
	xlogger "RevEngine/pkg/logger"
)

// Ingester is the guarded ingest entry point.
type Ingester interface {
	Process(ctx context.Context, snap models.Snapshot) (usecase.IngestResult, error)
}

// MarketReader serves cached market data and recent detections.
type MarketReader interface {
	Latest(ctx context.Context, source, symbol string) (models.Snapshot, error)
	History(source, symbol string, limit int) []models.Snapshot
	Recent(limit int) []models.Opportunity
}

// Lifecycle is the strategy API of the lifecycle manager.
type Lifecycle interface {
	Get(ctx context.Context, id string) (models.Strategy, error)
	List(ctx context.Context, states ...models.StrategyState) []models.Strategy
	Implement(ctx context.Context, id string, params map[string]float64) (models.Strategy, error)
	RecordMetrics(ctx context.Context, id string, sample models.MetricSample) (models.Strategy, error)
	AdjustParameters(ctx context.Context, id string, params map[string]float64, basedOnVersion uint64) (models.Strategy, error)
	Close(ctx context.Context, id, reason string) (models.Strategy, error)
	Fail(ctx context.Context, id, reason string) (models.Strategy, error)
}

type Optimizer interface {
	Optimize(ctx context.Context, id string) (optimizer.Result, error)
}

// EventReader reads the event trail.
type EventReader interface {
	Query(ctx context.Context, entityID string, since time.Time, limit int) ([]models.Event, error)
}

// EngineEchoHandler exposes the engine over HTTP.
type EngineEchoHandler struct {
	logger    *xlogger.Logger
	ingest    Ingester
	market    MarketReader
	lifecycle Lifecycle
	optimizer Optimizer
	events    EventReader
}

func NewEngineEchoHandler(logger *xlogger.Logger, ingest Ingester, market MarketReader, lc Lifecycle, opt Optimizer, events EventReader) *EngineEchoHandler {
	return &EngineEchoHandler{
		logger:    logger.With(xlogger.String("component", "api")),
		ingest:    ingest,
		market:    market,
		lifecycle: lc,
		optimizer: opt,
		events:    events,
	}
}

func (h *EngineEchoHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	g := e.Group("/api")
	g.POST("/snapshots", h.IngestSnapshot)
	g.GET("/snapshots/:source/:symbol/latest", h.LatestSnapshot)
	g.GET("/snapshots/:source/:symbol/history", h.SnapshotHistory)
	g.GET("/opportunities", h.Opportunities)
	g.GET("/events", h.Events)

	s := g.Group("/strategies")
	s.GET("", h.ListStrategies)
	s.GET("/:id", h.GetStrategy)
	s.POST("/:id/implement", h.Implement)
	s.POST("/:id/metrics", h.RecordMetrics)
	s.POST("/:id/parameters", h.AdjustParameters)
	s.POST("/:id/close", h.Close)
	s.POST("/:id/fail", h.Fail)
	s.POST("/:id/optimize", h.Optimize)
}

type implementRequest struct {
	Parameters map[string]float64 `json:"parameters"`
}

type metricsRequest struct {
	At     time.Time          `json:"at"`
	Values map[string]float64 `json:"values" validate:"required,min=1"`
}

type adjustRequest struct {
	Parameters     map[string]float64 `json:"parameters" validate:"required"`
	BasedOnVersion uint64             `json:"based_on_version" validate:"required"`
}

type reasonRequest struct {
	Reason string `json:"reason" default:"operator request" validate:"max=256"`
}

func (h *EngineEchoHandler) IngestSnapshot(c echo.Context) error {
	var snap models.Snapshot
	if err := c.Bind(&snap); err != nil {
		return xhttp.BadRequestResponse(c, []xhttp.ValidationError{{Code: "ERR_DECODE", Message: err.Error()}})
	}
	res, err := h.ingest.Process(c.Request().Context(), snap)
	if err != nil && res.Snapshot.Source == "" {
		return h.fail(c, "ingest", err)
	}
	if err != nil {
		// stored and detected, some proposals failed
		h.logger.Warn("ingest partially failed", xlogger.String("symbol", snap.Symbol), xlogger.Error(err))
	}
	return xhttp.SuccessResponse(c, res)
}

func (h *EngineEchoHandler) LatestSnapshot(c echo.Context) error {
	snap, err := h.market.Latest(c.Request().Context(), c.Param("source"), c.Param("symbol"))
	if err != nil {
		return h.fail(c, "latest", err)
	}
	return xhttp.SuccessResponse(c, snap)
}

func (h *EngineEchoHandler) SnapshotHistory(c echo.Context) error {
	limit := xhttp.ParseIntDefault(c.QueryParam("limit"), 100)
	rows := h.market.History(c.Param("source"), c.Param("symbol"), limit)
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

func (h *EngineEchoHandler) Opportunities(c echo.Context) error {
	rows := h.market.Recent(xhttp.ParseIntDefault(c.QueryParam("limit"), 50))
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

func (h *EngineEchoHandler) Events(c echo.Context) error {
	since := xhttp.ParseTimeDefault(c.QueryParam("since"), time.Time{})
	limit := xhttp.ParseIntDefault(c.QueryParam("limit"), 100)
	rows, err := h.events.Query(c.Request().Context(), c.QueryParam("entity_id"), since, limit)
	if err != nil {
		return h.fail(c, "events", err)
	}
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

// ListStrategies accepts ?state=PROPOSED,MONITORED.
func (h *EngineEchoHandler) ListStrategies(c echo.Context) error {
	var states []models.StrategyState
	if raw := c.QueryParam("state"); raw != "" {
		for _, p := range strings.Split(raw, ",") {
			st := models.StrategyState(strings.ToUpper(strings.TrimSpace(p)))
			if !st.Valid() {
				return xhttp.AppErrorResponse(c, xhttp.BadRequestErrorf("unknown state %q", p))
			}
			states = append(states, st)
		}
	}
	rows := h.lifecycle.List(c.Request().Context(), states...)
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

func (h *EngineEchoHandler) GetStrategy(c echo.Context) error {
	s, err := h.lifecycle.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, "get", err)
	}
	return xhttp.SuccessResponse(c, s)
}

func (h *EngineEchoHandler) Implement(c echo.Context) error {
	req := &implementRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	s, err := h.lifecycle.Implement(c.Request().Context(), c.Param("id"), req.Parameters)
	if err != nil {
		return h.fail(c, "implement", err)
	}
	return xhttp.SuccessResponse(c, s)
}

func (h *EngineEchoHandler) RecordMetrics(c echo.Context) error {
	req := &metricsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	s, err := h.lifecycle.RecordMetrics(c.Request().Context(), c.Param("id"), models.MetricSample{At: req.At, Values: req.Values})
	if err != nil {
		return h.fail(c, "record_metrics", err)
	}
	return xhttp.SuccessResponse(c, s)
}

func (h *EngineEchoHandler) AdjustParameters(c echo.Context) error {
	req := &adjustRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	s, err := h.lifecycle.AdjustParameters(c.Request().Context(), c.Param("id"), req.Parameters, req.BasedOnVersion)
	if err != nil {
		return h.fail(c, "adjust", err)
	}
	return xhttp.SuccessResponse(c, s)
}

func (h *EngineEchoHandler) Close(c echo.Context) error {
	return h.terminate(c, "close", h.lifecycle.Close)
}

func (h *EngineEchoHandler) Fail(c echo.Context) error {
	return h.terminate(c, "fail", h.lifecycle.Fail)
}

func (h *EngineEchoHandler) terminate(c echo.Context, op string, fn func(context.Context, string, string) (models.Strategy, error)) error {
	req := &reasonRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	s, err := fn(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return h.fail(c, op, err)
	}
	return xhttp.SuccessResponse(c, s)
}

func (h *EngineEchoHandler) Optimize(c echo.Context) error {
	res, err := h.optimizer.Optimize(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, "optimize", err)
	}
	return xhttp.SuccessResponse(c, res)
}

func (h *EngineEchoHandler) fail(c echo.Context, op string, err error) error {
	appErr := toAppError(err)
	if appErr.Status >= http.StatusInternalServerError {
		h.logger.Error("api "+op+" error", xlogger.Error(err))
	}
	return xhttp.AppErrorResponse(c, appErr)
}

// toAppError maps domain errors to HTTP statuses.
func toAppError(err error) *xhttp.AppError {
	var (
		dq       *models.DataQualityError
		dup      *models.DuplicateStrategyError
		invalid  *models.InvalidTransitionError
		stale    *models.StaleUpdateError
		transErr *models.TransientIngestionError
		execErr  *models.ExecutionRejectedError
	)
	switch {
	case errors.As(err, &dq):
		return xhttp.NewAppError("ERR_DATA_QUALITY", dq.Field, dq.Error(), http.StatusBadRequest)
	case errors.As(err, &dup):
		return xhttp.ConflictError("ERR_DUPLICATE", dup.Error()).WithParam("existing_id", dup.ExistingID)
	case errors.As(err, &invalid):
		return xhttp.ConflictError("ERR_INVALID_TRANSITION", invalid.Error()).WithParam("state", string(invalid.From))
	case errors.As(err, &stale):
		return xhttp.ConflictError("ERR_STALE_VERSION", stale.Error()).WithParam("version", stale.Actual)
	case errors.As(err, &transErr):
		return xhttp.ServiceUnavailableError(transErr.Error())
	case errors.As(err, &execErr):
		return xhttp.BadGatewayError(execErr.Error())
	case errors.Is(err, models.ErrStrategyNotFound), errors.Is(err, models.ErrSnapshotNotFound):
		return xhttp.NotFoundError(err.Error())
	case errors.Is(err, models.ErrThrottled):
		return xhttp.TooManyRequestsError(err.Error())
	default:
		return xhttp.InternalError("internal error").WithError(err)
	}
}
