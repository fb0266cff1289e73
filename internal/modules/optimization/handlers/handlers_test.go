package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/importfolio/internal/modules/optimization"
)

// staticSource serves a deterministic synthetic price path per ticker.
type staticSource struct{}

func (staticSource) GetPriceSeries(ctx context.Context, ticker string, start, end time.Time) (optimization.PriceSeries, error) {
	phase := float64(len(ticker)) + float64(ticker[0])
	s := optimization.PriceSeries{Ticker: ticker}
	price := 100.0
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 120; i++ {
		s.Points = append(s.Points, optimization.PricePoint{
			Date:  base.AddDate(0, 0, i),
			Close: price,
		})
		price *= 1 + 0.0005 + 0.012*math.Sin(float64(i)*0.7+phase)
	}
	return s, nil
}

func newTestRouter(t *testing.T) *chi.Mux {
	t.Helper()
	log := zerolog.New(nil).Level(zerolog.Disabled)
	service := optimization.NewOptimizerService(staticSource{}, log)
	handler := NewHandler(service, log)

	router := chi.NewRouter()
	router.Route("/api", func(r chi.Router) {
		handler.RegisterRoutes(r)
	})
	return router
}

func postOptimize(t *testing.T, router http.Handler, body map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/optimize/", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func validBody() map[string]interface{} {
	return map[string]interface{}{
		"tickers":         []string{"AAA", "BBB", "CCC"},
		"start_date":      "2024-01-01",
		"end_date":        "2024-06-01",
		"risk_free_rate":  0.02,
		"num_simulations": 100,
		"grid_points":     10,
		"seed":            7,
	}
}

func TestHandleOptimize_Success(t *testing.T) {
	router := newTestRouter(t)

	rec := postOptimize(t, router, validBody())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report optimization.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))

	assert.NotEmpty(t, report.ID)
	assert.Equal(t, []string{"AAA", "BBB", "CCC"}, report.Tickers)
	assert.Len(t, report.Weights, 3)
	assert.NotEmpty(t, report.Frontier.Points)
	assert.Equal(t, 100, report.MonteCarlo.Requested)
}

func TestHandleOptimize_NormalizesTickers(t *testing.T) {
	router := newTestRouter(t)

	body := validBody()
	body["tickers"] = []string{" aaa ", "bbb", "", "CCC"}
	rec := postOptimize(t, router, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report optimization.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, []string{"AAA", "BBB", "CCC"}, report.Tickers)
}

func TestHandleOptimize_MissingFields(t *testing.T) {
	router := newTestRouter(t)

	for _, field := range []string{"tickers", "start_date", "end_date", "risk_free_rate", "num_simulations"} {
		t.Run(field, func(t *testing.T) {
			body := validBody()
			delete(body, field)
			rec := postOptimize(t, router, body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHandleOptimize_BadDates(t *testing.T) {
	router := newTestRouter(t)

	body := validBody()
	body["start_date"] = "01/02/2024"
	rec := postOptimize(t, router, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body = validBody()
	body["start_date"] = "2024-06-01"
	body["end_date"] = "2024-01-01"
	rec = postOptimize(t, router, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleOptimize_InvalidJSON(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/optimize/", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleOptimize_SimulationsOutOfRange(t *testing.T) {
	router := newTestRouter(t)

	body := validBody()
	body["num_simulations"] = optimization.MaxSimulations + 1
	rec := postOptimize(t, router, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var errResp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Contains(t, errResp["error"], fmt.Sprintf("%d", optimization.MaxSimulations))
}

func TestHandleOptimize_RiskFreeRateAboveReturns(t *testing.T) {
	router := newTestRouter(t)

	body := validBody()
	body["risk_free_rate"] = 0.5
	rec := postOptimize(t, router, body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandleGetLastReport(t *testing.T) {
	router := newTestRouter(t)

	// Empty before any run.
	req := httptest.NewRequest(http.MethodGet, "/api/optimize/last", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = postOptimize(t, router, validBody())
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/optimize/last", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp, "report")
	assert.Contains(t, resp, "generated_at")
}

func TestStatusForError(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest,
		statusForError(&optimization.ValidationError{Param: "tickers", Reason: "too many"}))
	assert.Equal(t, http.StatusUnprocessableEntity,
		statusForError(&optimization.InsufficientAssetsError{Provided: 1, Required: 2}))
	assert.Equal(t, http.StatusInternalServerError,
		statusForError(&optimization.QPInfeasibleError{TargetReturn: 0.1, Reason: "singular"}))

	// Anything outside the taxonomy is a server-side failure, not a
	// client error.
	assert.Equal(t, http.StatusInternalServerError,
		statusForError(errors.New("every frontier grid point failed to solve")))
}

func TestHandleValidationConstants_ReflectsConfiguredLimits(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	service := optimization.NewOptimizerService(staticSource{}, log)
	limits := optimization.DefaultLimits()
	limits.MaxTickers = 5
	limits.MaxSimulations = 2500
	service.SetLimits(limits)

	router := chi.NewRouter()
	router.Route("/api", func(r chi.Router) {
		NewHandler(service, log).RegisterRoutes(r)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/validation-constants", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var constants map[string]float64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &constants))
	assert.Equal(t, 5.0, constants["MAX_TICKERS"])
	assert.Equal(t, 2500.0, constants["MAX_SIMULATIONS"])
}

func TestHandleValidationConstants(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/validation-constants", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var constants map[string]float64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &constants))

	assert.Equal(t, float64(optimization.MinSimulations), constants["MIN_SIMULATIONS"])
	assert.Equal(t, float64(optimization.MaxSimulations), constants["MAX_SIMULATIONS"])
	assert.Equal(t, float64(optimization.MinTickers), constants["MIN_TICKERS"])
	assert.Equal(t, float64(optimization.MaxTickers), constants["MAX_TICKERS"])
	assert.Equal(t, float64(optimization.MinHistoricalDays), constants["MIN_HISTORICAL_DAYS"])
	assert.Equal(t, optimization.MaxRiskFreeRate, constants["MAX_RISK_FREE_RATE"])
}
