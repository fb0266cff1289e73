package optimization

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/aristath/importfolio/internal/modules/calculations"
)

// fakeSource serves canned price series and injectable per-ticker errors.
type fakeSource struct {
	series map[string]PriceSeries
	errs   map[string]error
	calls  int
}

func (f *fakeSource) GetPriceSeries(ctx context.Context, ticker string, start, end time.Time) (PriceSeries, error) {
	f.calls++
	if err, ok := f.errs[ticker]; ok {
		return PriceSeries{}, err
	}
	s, ok := f.series[ticker]
	if !ok {
		return PriceSeries{}, fmt.Errorf("no price data for %s", ticker)
	}
	return s, nil
}

// syntheticSeries builds a deterministic wiggly price path. Distinct phases
// give each asset its own return profile without degenerate correlation.
func syntheticSeries(ticker string, days int, drift, amplitude, phase float64) PriceSeries {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := PriceSeries{Ticker: ticker}
	price := 100.0
	for i := 0; i < days; i++ {
		s.Points = append(s.Points, PricePoint{
			Date:  start.AddDate(0, 0, i),
			Close: price,
		})
		price *= 1 + drift + amplitude*math.Sin(float64(i)*0.7+phase)
	}
	return s
}

func newTestSource() *fakeSource {
	return &fakeSource{
		series: map[string]PriceSeries{
			"AAA": syntheticSeries("AAA", 120, 0.0004, 0.010, 0.0),
			"BBB": syntheticSeries("BBB", 120, 0.0006, 0.015, 1.3),
			"CCC": syntheticSeries("CCC", 120, 0.0008, 0.020, 2.6),
		},
		errs: map[string]error{},
	}
}

func newTestRequest(tickers ...string) Request {
	return Request{
		Tickers:      tickers,
		StartDate:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:      time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		RiskFreeRate: 0.02,
		Simulations:  200,
		GridPoints:   15,
		Seed:         42,
	}
}

func TestRun_EndToEnd(t *testing.T) {
	service := NewOptimizerService(newTestSource(), testLogger())

	report, err := service.Run(context.Background(), newTestRequest("AAA", "BBB", "CCC"))
	require.NoError(t, err)

	assert.NotEmpty(t, report.ID)
	assert.False(t, report.GeneratedAt.IsZero())
	assert.Equal(t, []string{"AAA", "BBB", "CCC"}, report.Tickers)
	assert.Empty(t, report.DroppedTickers)

	// Optimal weights: complete, long-only, sum one.
	require.Len(t, report.Weights, 3)
	sum := 0.0
	for ticker, w := range report.Weights {
		assert.Contains(t, report.Tickers, ticker)
		assert.GreaterOrEqual(t, w, -1e-9)
		sum += w
	}
	assert.InDelta(t, 1.0, sum, WeightSumTolerance)

	assert.NotEmpty(t, report.Frontier.Points)
	assert.Equal(t, 200, report.MonteCarlo.Requested)
	assert.Len(t, report.Cloud, report.MonteCarlo.Produced)

	// The analytic optimum dominates the sampled cloud.
	for _, p := range report.Cloud {
		assert.GreaterOrEqual(t, report.Metrics.SharpeRatio, p.SharpeRatio-1e-9)
	}
}

func TestRun_SeededIdempotence(t *testing.T) {
	service := NewOptimizerService(newTestSource(), testLogger())
	req := newTestRequest("AAA", "BBB", "CCC")

	first, err := service.Run(context.Background(), req)
	require.NoError(t, err)
	second, err := service.Run(context.Background(), req)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID, "report identity is per run")
	assert.Equal(t, first.Weights, second.Weights)
	assert.Equal(t, first.Metrics, second.Metrics)
	assert.Equal(t, first.Cloud, second.Cloud, "seeded sampling must reproduce the cloud")
	require.Equal(t, len(first.Frontier.Points), len(second.Frontier.Points))
	for i := range first.Frontier.Points {
		assert.InDelta(t, first.Frontier.Points[i].AchievedVolatility,
			second.Frontier.Points[i].AchievedVolatility, 1e-12)
	}
}

func TestRun_DropsFailingTicker(t *testing.T) {
	source := newTestSource()
	source.errs["BBB"] = fmt.Errorf("upstream timeout")
	service := NewOptimizerService(source, testLogger())

	report, err := service.Run(context.Background(), newTestRequest("AAA", "BBB", "CCC"))
	require.NoError(t, err)

	assert.Equal(t, []string{"AAA", "CCC"}, report.Tickers)
	assert.Equal(t, []string{"BBB"}, report.DroppedTickers)

	found := false
	for _, d := range report.Diagnostics {
		if d.Code == DiagTickerDropped {
			found = true
			assert.Contains(t, d.Message, "BBB")
		}
	}
	assert.True(t, found, "dropping a ticker must leave a diagnostic")
}

func TestRun_DropsTickerWithBadPrices(t *testing.T) {
	source := newTestSource()
	bad := source.series["CCC"]
	bad.Points[5].Close = -1
	source.series["CCC"] = bad
	service := NewOptimizerService(source, testLogger())

	report, err := service.Run(context.Background(), newTestRequest("AAA", "BBB", "CCC"))
	require.NoError(t, err)

	assert.Equal(t, []string{"AAA", "BBB"}, report.Tickers)
	assert.Equal(t, []string{"CCC"}, report.DroppedTickers)
}

func TestRun_TooFewSurvivingTickers(t *testing.T) {
	source := newTestSource()
	source.errs["AAA"] = fmt.Errorf("no data")
	service := NewOptimizerService(source, testLogger())

	_, err := service.Run(context.Background(), newTestRequest("AAA", "BBB"))

	var insufErr *InsufficientAssetsError
	require.ErrorAs(t, err, &insufErr)
	assert.Equal(t, 1, insufErr.Provided)
}

func TestRun_ValidationRejectsBadRequests(t *testing.T) {
	service := NewOptimizerService(newTestSource(), testLogger())
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"one ticker", func(r *Request) { r.Tickers = []string{"AAA"} }},
		{"too many tickers", func(r *Request) {
			r.Tickers = make([]string, MaxTickers+1)
			for i := range r.Tickers {
				r.Tickers[i] = fmt.Sprintf("T%02d", i)
			}
		}},
		{"zero simulations", func(r *Request) { r.Simulations = 0 }},
		{"too many simulations", func(r *Request) { r.Simulations = MaxSimulations + 1 }},
		{"negative risk-free rate", func(r *Request) { r.RiskFreeRate = -0.01 }},
		{"excessive risk-free rate", func(r *Request) { r.RiskFreeRate = 0.51 }},
		{"start after end", func(r *Request) { r.StartDate, r.EndDate = r.EndDate, r.StartDate }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := newTestRequest("AAA", "BBB", "CCC")
			tc.mutate(&req)
			_, err := service.Run(ctx, req)
			assert.Error(t, err)
		})
	}
}

func TestRun_RiskFreeRateAboveAllReturns(t *testing.T) {
	service := NewOptimizerService(newTestSource(), testLogger())
	req := newTestRequest("AAA", "BBB", "CCC")
	req.RiskFreeRate = 0.5

	_, err := service.Run(context.Background(), req)

	var noExcess *NoPositiveExcessReturnError
	assert.ErrorAs(t, err, &noExcess)
}

func TestRun_MomentCacheRoundTrip(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	cache, err := calculations.NewCache(db, testLogger())
	require.NoError(t, err)

	service := NewOptimizerService(newTestSource(), testLogger())
	service.SetCache(cache)
	req := newTestRequest("AAA", "BBB", "CCC")

	first, err := service.Run(context.Background(), req)
	require.NoError(t, err)

	// Second run hits the cached moments and must produce the same report.
	second, err := service.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.Weights, second.Weights)
	assert.Equal(t, first.Metrics, second.Metrics)
	assert.Equal(t, len(first.Diagnostics), len(second.Diagnostics),
		"cache hits must reproduce conditioning diagnostics")
}

func TestRequest_Defaults(t *testing.T) {
	svc := NewOptimizerService(&fakeSource{}, testLogger())
	req := svc.withDefaults(Request{})

	assert.Equal(t, SimpleReturns, req.Convention)
	assert.Equal(t, LongOnly, req.Policy)
	assert.Equal(t, float64(TradingDaysPerYear), req.AnnualizationFactor)
	assert.Equal(t, DefaultGridPoints, req.GridPoints)
}

func TestRun_ConfiguredLimitsEnforced(t *testing.T) {
	svc := NewOptimizerService(newTestSource(), testLogger())
	limits := DefaultLimits()
	limits.MaxTickers = 2
	svc.SetLimits(limits)

	_, err := svc.Run(context.Background(), newTestRequest("AAA", "BBB", "CCC"))
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "tickers", valErr.Param)
}

func TestRun_ConfiguredMinHistoryEnforced(t *testing.T) {
	svc := NewOptimizerService(newTestSource(), testLogger())
	limits := DefaultLimits()
	limits.MinHistoricalDays = 500
	svc.SetLimits(limits)

	_, err := svc.Run(context.Background(), newTestRequest("AAA", "BBB", "CCC"))
	var histErr *InsufficientHistoryError
	require.ErrorAs(t, err, &histErr)
	assert.Equal(t, 500, histErr.Required)
}
