package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	applogger "RevEngine/pkg/logger"
)

type routes func(e *echo.Echo)

func (r routes) RegisterRoutes(e *echo.Echo) { r(e) }

type createReq struct {
	Symbol string  `json:"symbol" validate:"required"`
	Size   float64 `json:"size" default:"1" validate:"gt=0"`
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewServer(routes(func(e *echo.Echo) {
		e.GET("/panic", func(echo.Context) error { panic("boom") })
		e.GET("/missing", func(c echo.Context) error { return AppErrorResponse(c, NotFoundError("strategy not found")) })
		e.POST("/create", func(c echo.Context) error {
			var req createReq
			if errs := ReadAndValidateRequest(c, &req); errs != nil {
				return BadRequestResponse(c, errs)
			}
			return CreatedResponse(c, req)
		})
	}), applogger.Nop(), WithRegistry(reg, reg))
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func TestServerRecoversPanics(t *testing.T) {
	rec := serve(newTestServer(t), httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAppErrorResponseUsesErrorStatus(t *testing.T) {
	rec := serve(newTestServer(t), httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, http.StatusNotFound, body.Status)
}

func TestReadAndValidateRequest(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/create", strings.NewReader(`{"symbol":"BTC"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := serve(s, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"size":1`)

	req = httptest.NewRequest(http.MethodPost, "/create", strings.NewReader(`{"size":-2}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = serve(s, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body struct {
		Data []ValidationError `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 2)
	assert.Equal(t, "symbol", body.Data[0].Field)
	assert.Equal(t, "ERR_REQUIRED", body.Data[0].Code)
	assert.Equal(t, "size", body.Data[1].Field)
}

func TestCORSPreflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/create", nil)
	req.Header.Set(echo.HeaderOrigin, "http://dash.local")
	rec := serve(newTestServer(t), req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://dash.local", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
}

func TestMetricsEndpointExposesRequestCounters(t *testing.T) {
	s := newTestServer(t)
	serve(s, httptest.NewRequest(http.MethodGet, "/missing", nil))

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `revengine_http_requests_total{method="GET",route="/missing",status="404"} 1`)
}
