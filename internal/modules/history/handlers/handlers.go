// Package handlers provides HTTP handlers for price history operations.
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/importfolio/internal/modules/history"
	"github.com/aristath/importfolio/internal/modules/optimization"
)

// Handler handles price history HTTP requests.
type Handler struct {
	store *history.Store
	log   zerolog.Logger
}

// NewHandler creates a new price history handler.
func NewHandler(store *history.Store, log zerolog.Logger) *Handler {
	return &Handler{
		store: store,
		log:   log.With().Str("handler", "history").Logger(),
	}
}

// pricePoint is one imported observation. Dates arrive as YYYY-MM-DD.
type pricePoint struct {
	Date  string  `json:"date"`
	Close float64 `json:"close"`
}

// importRequest is the JSON body of POST /api/prices.
type importRequest struct {
	Ticker string       `json:"ticker"`
	Prices []pricePoint `json:"prices"`
}

// HandleImportPrices handles POST /api/prices - bulk upsert of daily closes
// for one ticker.
func (h *Handler) HandleImportPrices(w http.ResponseWriter, r *http.Request) {
	var body importRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid JSON body: "+err.Error())
		return
	}

	ticker := strings.ToUpper(strings.TrimSpace(body.Ticker))
	if ticker == "" || len(body.Prices) == 0 {
		h.writeError(w, http.StatusBadRequest, "ticker and prices are required")
		return
	}

	points := make([]optimization.PricePoint, 0, len(body.Prices))
	for _, p := range body.Prices {
		date, err := time.Parse("2006-01-02", p.Date)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid date "+p.Date+", expected YYYY-MM-DD")
			return
		}
		if p.Close <= 0 {
			h.writeError(w, http.StatusBadRequest, "Prices must be positive, got "+p.Date)
			return
		}
		points = append(points, optimization.PricePoint{Date: date, Close: p.Close})
	}

	if err := h.store.SavePrices(r.Context(), ticker, points); err != nil {
		h.log.Error().Err(err).Str("ticker", ticker).Msg("Failed to save prices")
		h.writeError(w, http.StatusInternalServerError, "Failed to save prices")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ticker":   ticker,
		"imported": len(points),
	})
}

// HandleListTickers handles GET /api/prices - lists tickers with stored data
// and their observation counts.
func (h *Handler) HandleListTickers(w http.ResponseWriter, r *http.Request) {
	tickers, err := h.store.ListTickers(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list tickers")
		h.writeError(w, http.StatusInternalServerError, "Failed to list tickers")
		return
	}

	counts := make(map[string]int, len(tickers))
	for _, t := range tickers {
		n, err := h.store.CountObservations(r.Context(), t)
		if err != nil {
			h.log.Warn().Err(err).Str("ticker", t).Msg("Failed to count observations")
			continue
		}
		counts[t] = n
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tickers": tickers,
		"counts":  counts,
	})
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
