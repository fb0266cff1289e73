// Package optimization provides mean-variance portfolio optimization:
// return series construction, moment estimation, efficient frontier and
// max-Sharpe solves, and Monte Carlo cross-checking.
package optimization

import (
	"time"

	"gonum.org/v1/gonum/mat"
)

// ReturnConvention selects how period returns are computed from prices.
type ReturnConvention string

const (
	// SimpleReturns computes (p_t - p_{t-1}) / p_{t-1}.
	SimpleReturns ReturnConvention = "simple"
	// LogReturns computes ln(p_t / p_{t-1}).
	LogReturns ReturnConvention = "log"
)

// ConstraintPolicy selects the feasible weight set.
type ConstraintPolicy string

const (
	// LongOnly restricts weights to [0, 1].
	LongOnly ConstraintPolicy = "long_only"
	// AllowShort permits negative weights within configured bounds.
	AllowShort ConstraintPolicy = "allow_short"
)

// Default parameters. Bounds mirror the validation constants exposed to clients.
const (
	TradingDaysPerYear = 252
	MinTickers         = 2
	MaxTickers         = 10
	MinSimulations     = 1
	MaxSimulations     = 10000
	MinHistoricalDays  = 30
	MaxRiskFreeRate    = 0.5

	DefaultGridPoints = 50
	MaxGridPoints     = 500

	// WeightSumTolerance is the accepted deviation of sum(w) from 1.
	WeightSumTolerance = 1e-6

	// ShortReturnCeiling caps the frontier's upper return bound under
	// allow-short, where the achievable return is otherwise unbounded.
	ShortReturnCeiling = 1.0

	// Allow-short sampling bounds (per-asset weight).
	ShortWeightFloor   = -1.0
	ShortWeightCeiling = 2.0
)

// Limits bounds the parameters a request may carry. Deployments override
// individual fields through configuration; the zero value is unusable,
// start from DefaultLimits.
type Limits struct {
	MinTickers        int
	MaxTickers        int
	MinSimulations    int
	MaxSimulations    int
	MinHistoricalDays int
	MaxRiskFreeRate   float64
	DefaultGridPoints int
	MaxGridPoints     int
	AnnualizationDays int
}

// DefaultLimits returns the standard request limits.
func DefaultLimits() Limits {
	return Limits{
		MinTickers:        MinTickers,
		MaxTickers:        MaxTickers,
		MinSimulations:    MinSimulations,
		MaxSimulations:    MaxSimulations,
		MinHistoricalDays: MinHistoricalDays,
		MaxRiskFreeRate:   MaxRiskFreeRate,
		DefaultGridPoints: DefaultGridPoints,
		MaxGridPoints:     MaxGridPoints,
		AnnualizationDays: TradingDaysPerYear,
	}
}

// PricePoint is a single (date, close) observation.
type PricePoint struct {
	Date  time.Time `json:"date"`
	Close float64   `json:"close"`
}

// PriceSeries holds the ordered price history of one asset. Dates are
// strictly increasing; the series is never mutated after construction.
type PriceSeries struct {
	Ticker string       `json:"ticker"`
	Points []PricePoint `json:"points"`
}

// ReturnMatrix is the aligned table of period returns: rows are time
// periods, columns are assets in the caller-supplied ticker order.
type ReturnMatrix struct {
	Tickers []string
	Dates   []time.Time // period-end dates, len == row count
	Data    *mat.Dense  // rows = periods, cols = assets
}

// Rows returns the number of aligned periods.
func (rm *ReturnMatrix) Rows() int {
	r, _ := rm.Data.Dims()
	return r
}

// Column returns a copy of asset i's return series.
func (rm *ReturnMatrix) Column(i int) []float64 {
	r, _ := rm.Data.Dims()
	out := make([]float64, r)
	mat.Col(out, i, rm.Data)
	return out
}

// MomentEstimates holds annualized expected returns and covariance.
// Tickers carries the index-to-ticker mapping so every downstream weight
// vector stays aligned with the assets that produced it.
type MomentEstimates struct {
	Tickers         []string
	ExpectedReturns []float64     // annualized, same order as Tickers
	Covariance      *mat.SymDense // annualized, symmetric PSD after conditioning

	// Conditioning diagnostics.
	Conditioned        bool
	ShrinkageIntensity float64
}

// NumAssets returns the asset count N.
func (m *MomentEstimates) NumAssets() int {
	return len(m.Tickers)
}

// PortfolioReturn computes mu' w.
func (m *MomentEstimates) PortfolioReturn(w []float64) float64 {
	var r float64
	for i, wi := range w {
		r += m.ExpectedReturns[i] * wi
	}
	return r
}

// PortfolioVariance computes w' Sigma w.
func (m *MomentEstimates) PortfolioVariance(w []float64) float64 {
	n := len(w)
	var v float64
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v += w[i] * w[j] * m.Covariance.At(i, j)
		}
	}
	return v
}

// PortfolioMetrics are derived from a weight vector and the moment
// estimates that produced it, never stored independently of either.
type PortfolioMetrics struct {
	ExpectedReturn float64 `json:"expected_return"`
	Volatility     float64 `json:"volatility"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
}

// FrontierPoint is one solved point on the efficient frontier.
type FrontierPoint struct {
	TargetReturn       float64   `json:"target_return"`
	AchievedVolatility float64   `json:"achieved_volatility"`
	Weights            []float64 `json:"weights"`
}

// FrontierCurve is an ordered sequence of frontier points, non-decreasing
// in volatility as the target return rises past the minimum-variance point.
type FrontierCurve struct {
	Points        []FrontierPoint `json:"points"`
	DroppedPoints int             `json:"dropped_points"`
}

// SampledPortfolio is one Monte Carlo draw with its derived metrics.
type SampledPortfolio struct {
	Weights []float64        `json:"weights"`
	Metrics PortfolioMetrics `json:"metrics"`
}

// SampleSummary is the envelope of the sampled cloud.
type SampleSummary struct {
	Requested     int     `json:"requested"`
	Produced      int     `json:"produced"`
	Shortfall     int     `json:"shortfall"`
	MinVolatility float64 `json:"min_volatility"`
	MaxVolatility float64 `json:"max_volatility"`
	MinSharpe     float64 `json:"min_sharpe"`
	MaxSharpe     float64 `json:"max_sharpe"`
}

// CloudPoint is a sampled portfolio reduced to its plottable metrics.
type CloudPoint struct {
	Volatility     float64 `json:"volatility"`
	ExpectedReturn float64 `json:"expected_return"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
}

// Diagnostic severities.
const (
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// Diagnostic codes for non-fatal degradations attached to a report.
const (
	DiagCovarianceConditioning = "covariance_conditioning"
	DiagFrontierPointsDropped  = "frontier_points_dropped"
	DiagSamplingShortfall      = "sampling_shortfall"
	DiagTickerDropped          = "ticker_dropped"
)

// Diagnostic records a non-fatal degradation encountered during a run.
type Diagnostic struct {
	Stage    string `json:"stage"`
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Count    int    `json:"count,omitempty"`
}

// Request carries the parameters of one optimization run.
type Request struct {
	Tickers             []string         `json:"tickers"`
	StartDate           time.Time        `json:"start_date"`
	EndDate             time.Time        `json:"end_date"`
	RiskFreeRate        float64          `json:"risk_free_rate"`
	Simulations         int              `json:"simulations"`
	GridPoints          int              `json:"grid_points"`
	Policy              ConstraintPolicy `json:"policy"`
	Convention          ReturnConvention `json:"convention"`
	AnnualizationFactor float64          `json:"annualization_factor"`
	Seed                uint64           `json:"seed"`
}

// Report is the immutable aggregate of one optimization run.
type Report struct {
	ID          string    `json:"id"`
	GeneratedAt time.Time `json:"generated_at"`

	Tickers        []string `json:"tickers"`
	DroppedTickers []string `json:"dropped_tickers,omitempty"`

	// Max-Sharpe optimum.
	Weights map[string]float64 `json:"weights"`
	Metrics PortfolioMetrics   `json:"metrics"`

	Frontier FrontierCurve `json:"frontier"`

	MonteCarlo SampleSummary `json:"monte_carlo"`
	Cloud      []CloudPoint  `json:"cloud,omitempty"`

	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
}
