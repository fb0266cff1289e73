// Package handlers provides HTTP handlers for portfolio optimization requests.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/importfolio/internal/modules/optimization"
)

// reportCache stores the last successful optimization report.
type reportCache struct {
	mu          sync.RWMutex
	lastReport  *optimization.Report
	lastUpdated time.Time
}

// Handler handles HTTP requests for the optimization module.
type Handler struct {
	service *optimization.OptimizerService
	cache   *reportCache
	log     zerolog.Logger
}

// NewHandler creates a new optimization handler.
func NewHandler(service *optimization.OptimizerService, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		cache:   &reportCache{},
		log:     log.With().Str("handler", "optimization").Logger(),
	}
}

// optimizeRequest is the JSON body of POST /api/optimize. Dates arrive as
// YYYY-MM-DD strings.
type optimizeRequest struct {
	Tickers      []string `json:"tickers"`
	StartDate    string   `json:"start_date"`
	EndDate      string   `json:"end_date"`
	RiskFreeRate *float64 `json:"risk_free_rate"`
	Simulations  *int     `json:"num_simulations"`
	GridPoints   int      `json:"grid_points,omitempty"`
	Policy       string   `json:"policy,omitempty"`
	Convention   string   `json:"convention,omitempty"`
	Seed         uint64   `json:"seed,omitempty"`
}

// HandleOptimize handles POST /api/optimize - runs the full pipeline and
// returns the report.
func (h *Handler) HandleOptimize(w http.ResponseWriter, r *http.Request) {
	var body optimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid JSON body: "+err.Error())
		return
	}

	if body.RiskFreeRate == nil || body.Simulations == nil || len(body.Tickers) == 0 || body.StartDate == "" || body.EndDate == "" {
		h.writeError(w, http.StatusBadRequest, "tickers, start_date, end_date, risk_free_rate and num_simulations are required")
		return
	}

	start, err := time.Parse("2006-01-02", body.StartDate)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid start_date, expected YYYY-MM-DD")
		return
	}
	end, err := time.Parse("2006-01-02", body.EndDate)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid end_date, expected YYYY-MM-DD")
		return
	}

	tickers := make([]string, 0, len(body.Tickers))
	for _, t := range body.Tickers {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t != "" {
			tickers = append(tickers, t)
		}
	}

	req := optimization.Request{
		Tickers:      tickers,
		StartDate:    start,
		EndDate:      end,
		RiskFreeRate: *body.RiskFreeRate,
		Simulations:  *body.Simulations,
		GridPoints:   body.GridPoints,
		Policy:       optimization.ConstraintPolicy(body.Policy),
		Convention:   optimization.ReturnConvention(body.Convention),
		Seed:         body.Seed,
	}

	h.log.Info().
		Strs("tickers", tickers).
		Str("start", body.StartDate).
		Str("end", body.EndDate).
		Int("simulations", *body.Simulations).
		Msg("Running portfolio optimization")

	report, err := h.service.Run(r.Context(), req)
	if err != nil {
		status := statusForError(err)
		if status >= http.StatusInternalServerError {
			h.log.Error().Err(err).Msg("Optimization failed")
		} else {
			h.log.Warn().Err(err).Msg("Optimization rejected")
		}
		h.writeError(w, status, err.Error())
		return
	}

	h.cache.mu.Lock()
	h.cache.lastReport = report
	h.cache.lastUpdated = time.Now()
	h.cache.mu.Unlock()

	h.writeJSON(w, http.StatusOK, report)
}

// HandleGetLastReport handles GET /api/optimize/last - returns the most
// recent report, if any.
func (h *Handler) HandleGetLastReport(w http.ResponseWriter, r *http.Request) {
	h.cache.mu.RLock()
	defer h.cache.mu.RUnlock()

	if h.cache.lastReport == nil {
		h.writeError(w, http.StatusNotFound, "No optimization has been run yet")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"report":       h.cache.lastReport,
		"generated_at": h.cache.lastUpdated.Format(time.RFC3339),
	})
}

// HandleValidationConstants handles GET /api/validation-constants - exposes
// request bounds so clients can validate before submitting.
func (h *Handler) HandleValidationConstants(w http.ResponseWriter, r *http.Request) {
	limits := h.service.Limits()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"MIN_SIMULATIONS":     limits.MinSimulations,
		"MAX_SIMULATIONS":     limits.MaxSimulations,
		"MIN_TICKERS":         limits.MinTickers,
		"MAX_TICKERS":         limits.MaxTickers,
		"MIN_HISTORICAL_DAYS": limits.MinHistoricalDays,
		"MAX_RISK_FREE_RATE":  limits.MaxRiskFreeRate,
	})
}

// statusForError maps pipeline errors to HTTP statuses: parameter errors
// are 400, data problems are 422, anything unrecognized is a server-side
// failure.
func statusForError(err error) int {
	var valErr *optimization.ValidationError
	var insufAssets *optimization.InsufficientAssetsError
	var insufHist *optimization.InsufficientHistoryError
	var invalidPrice *optimization.InvalidPriceError
	var noExcess *optimization.NoPositiveExcessReturnError

	switch {
	case errors.As(err, &valErr):
		return http.StatusBadRequest
	case errors.As(err, &insufAssets),
		errors.As(err, &insufHist),
		errors.As(err, &invalidPrice),
		errors.As(err, &noExcess):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// HTTP helpers

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]interface{}{
		"error": message,
	})
}
