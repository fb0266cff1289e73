package optimization

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
)

// ReturnSeriesBuilder converts raw price series into an aligned matrix of
// periodic returns. Asset column order always matches the input order.
type ReturnSeriesBuilder struct {
	minHistory int
	log        zerolog.Logger
}

// NewReturnSeriesBuilder creates a new return series builder.
func NewReturnSeriesBuilder(log zerolog.Logger) *ReturnSeriesBuilder {
	return &ReturnSeriesBuilder{
		minHistory: MinHistoricalDays,
		log:        log.With().Str("component", "returns_builder").Logger(),
	}
}

// ValidateSeries checks a single price series against its invariants:
// strictly increasing timestamps and strictly positive finite prices.
func ValidateSeries(s PriceSeries) error {
	for i, p := range s.Points {
		if p.Close <= 0 || math.IsNaN(p.Close) || math.IsInf(p.Close, 0) {
			return &InvalidPriceError{
				Ticker: s.Ticker,
				Date:   p.Date.Format("2006-01-02"),
				Price:  p.Close,
			}
		}
		if i > 0 && !s.Points[i-1].Date.Before(p.Date) {
			return fmt.Errorf("price series for %s not strictly increasing at %s", s.Ticker, p.Date.Format("2006-01-02"))
		}
	}
	return nil
}

// Build inner-joins the series on their timestamps and computes periodic
// returns using the given convention. The first aligned period is dropped
// (no prior price). Requires at least MinTickers assets and at least
// MinHistoricalDays aligned price observations.
func (b *ReturnSeriesBuilder) Build(series []PriceSeries, convention ReturnConvention) (*ReturnMatrix, error) {
	n := len(series)
	if n < MinTickers {
		return nil, &InsufficientAssetsError{Provided: n, Required: MinTickers}
	}

	switch convention {
	case SimpleReturns, LogReturns:
	default:
		return nil, fmt.Errorf("unknown return convention: %q", convention)
	}

	tickers := make([]string, n)
	for i, s := range series {
		tickers[i] = s.Ticker
		if err := ValidateSeries(s); err != nil {
			return nil, err
		}
	}

	// Inner join: keep only timestamps present in every series.
	counts := make(map[int64]int)
	priceByTS := make([]map[int64]float64, n)
	for i, s := range series {
		priceByTS[i] = make(map[int64]float64, len(s.Points))
		for _, p := range s.Points {
			ts := p.Date.Unix()
			counts[ts]++
			priceByTS[i][ts] = p.Close
		}
	}

	// Walking the first (already sorted) series preserves chronological
	// order for the joined index.
	var timestamps []int64
	for _, p := range series[0].Points {
		if counts[p.Date.Unix()] == n {
			timestamps = append(timestamps, p.Date.Unix())
		}
	}

	if len(timestamps) < b.minHistory {
		return nil, &InsufficientHistoryError{Observations: len(timestamps), Required: b.minHistory}
	}

	periods := len(timestamps) - 1
	data := mat.NewDense(periods, n, nil)
	dates := make([]time.Time, periods)
	for t := 1; t < len(timestamps); t++ {
		dates[t-1] = time.Unix(timestamps[t], 0).UTC()
		for i := 0; i < n; i++ {
			prev := priceByTS[i][timestamps[t-1]]
			cur := priceByTS[i][timestamps[t]]
			var r float64
			if convention == LogReturns {
				r = math.Log(cur / prev)
			} else {
				r = (cur - prev) / prev
			}
			data.Set(t-1, i, r)
		}
	}

	b.log.Debug().
		Int("num_assets", n).
		Int("aligned_observations", len(timestamps)).
		Int("periods", periods).
		Str("convention", string(convention)).
		Msg("Built return matrix")

	return &ReturnMatrix{
		Tickers: tickers,
		Dates:   dates,
		Data:    data,
	}, nil
}
