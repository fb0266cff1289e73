package optimization

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/aristath/importfolio/internal/modules/calculations"
)

// PriceSource supplies historical prices for one ticker over a date range.
// This is the boundary contract with the external market-data collaborator.
type PriceSource interface {
	GetPriceSeries(ctx context.Context, ticker string, start, end time.Time) (PriceSeries, error)
}

// OptimizerService runs the full allocation pipeline:
// prices -> returns -> moments -> {frontier, max-Sharpe, Monte Carlo} -> report.
type OptimizerService struct {
	source    PriceSource
	builder   *ReturnSeriesBuilder
	estimator *StatisticsEstimator
	frontier  *FrontierSolver
	maxSharpe *MaxSharpeSolver
	sampler   *MonteCarloSampler
	cache     *calculations.Cache // optional
	limits    Limits
	log       zerolog.Logger
}

// NewOptimizerService creates a fully wired optimizer service.
func NewOptimizerService(source PriceSource, log zerolog.Logger) *OptimizerService {
	return &OptimizerService{
		source:    source,
		builder:   NewReturnSeriesBuilder(log),
		estimator: NewStatisticsEstimator(log),
		frontier:  NewFrontierSolver(log),
		maxSharpe: NewMaxSharpeSolver(log),
		sampler:   NewMonteCarloSampler(log),
		limits:    DefaultLimits(),
		log:       log.With().Str("component", "optimizer_service").Logger(),
	}
}

// SetCache enables moment-estimate caching. Optional; without it every
// request estimates fresh.
func (s *OptimizerService) SetCache(cache *calculations.Cache) {
	s.cache = cache
}

// SetLimits overrides the default request limits, typically from
// deployment configuration.
func (s *OptimizerService) SetLimits(limits Limits) {
	s.limits = limits
	s.builder.minHistory = limits.MinHistoricalDays
}

// Limits returns the request limits the service enforces.
func (s *OptimizerService) Limits() Limits {
	return s.limits
}

// withDefaults fills unset request fields from the configured limits.
func (s *OptimizerService) withDefaults(req Request) Request {
	if req.Convention == "" {
		req.Convention = SimpleReturns
	}
	if req.Policy == "" {
		req.Policy = LongOnly
	}
	if req.AnnualizationFactor <= 0 {
		req.AnnualizationFactor = float64(s.limits.AnnualizationDays)
	}
	if req.GridPoints <= 0 {
		req.GridPoints = s.limits.DefaultGridPoints
	}
	return req
}

// Validate checks request parameters against the given bounds.
func (req Request) Validate(limits Limits) error {
	if len(req.Tickers) < limits.MinTickers {
		return &InsufficientAssetsError{Provided: len(req.Tickers), Required: limits.MinTickers}
	}
	if len(req.Tickers) > limits.MaxTickers {
		return &ValidationError{
			Param:  "tickers",
			Reason: fmt.Sprintf("at most %d tickers allowed, got %d", limits.MaxTickers, len(req.Tickers)),
		}
	}
	if req.Simulations < limits.MinSimulations || req.Simulations > limits.MaxSimulations {
		return &ValidationError{
			Param:  "num_simulations",
			Reason: fmt.Sprintf("must be between %d and %d, got %d", limits.MinSimulations, limits.MaxSimulations, req.Simulations),
		}
	}
	if req.RiskFreeRate < 0 || req.RiskFreeRate > limits.MaxRiskFreeRate {
		return &ValidationError{
			Param:  "risk_free_rate",
			Reason: fmt.Sprintf("must be between 0 and %v, got %v", limits.MaxRiskFreeRate, req.RiskFreeRate),
		}
	}
	if req.GridPoints > limits.MaxGridPoints {
		return &ValidationError{
			Param:  "grid_points",
			Reason: fmt.Sprintf("at most %d grid points allowed, got %d", limits.MaxGridPoints, req.GridPoints),
		}
	}
	if !req.StartDate.Before(req.EndDate) {
		return &ValidationError{Param: "date_range", Reason: "start date must be before end date"}
	}
	return nil
}

// Run executes the pipeline to completion and returns an immutable report.
// Per-ticker data failures degrade gracefully (the ticker is dropped with a
// diagnostic) as long as at least MinTickers remain; pipeline-stage
// failures abort the request with a typed error naming the failed stage.
func (s *OptimizerService) Run(ctx context.Context, req Request) (*Report, error) {
	req = s.withDefaults(req)
	if err := req.Validate(s.limits); err != nil {
		return nil, err
	}

	started := time.Now()
	var diagnostics []Diagnostic

	// 1. Fetch prices; drop tickers whose data is missing or malformed.
	series := make([]PriceSeries, 0, len(req.Tickers))
	var dropped []string
	for _, ticker := range req.Tickers {
		ps, err := s.source.GetPriceSeries(ctx, ticker, req.StartDate, req.EndDate)
		if err == nil {
			err = ValidateSeries(ps)
		}
		if err != nil {
			s.log.Warn().Err(err).Str("ticker", ticker).Msg("Dropping ticker")
			dropped = append(dropped, ticker)
			diagnostics = append(diagnostics, Diagnostic{
				Stage:    "data",
				Code:     DiagTickerDropped,
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("%s: %v", ticker, err),
			})
			continue
		}
		series = append(series, ps)
	}
	if len(series) < s.limits.MinTickers {
		return nil, &InsufficientAssetsError{Provided: len(series), Required: s.limits.MinTickers}
	}

	// 2. Aligned return matrix.
	rm, err := s.builder.Build(series, req.Convention)
	if err != nil {
		return nil, err
	}

	// 3. Moment estimates (cached when an identical input set was already
	// estimated recently).
	est, estDiags, err := s.estimateMoments(rm, req)
	if err != nil {
		return nil, err
	}
	diagnostics = append(diagnostics, estDiags...)

	// 4. Frontier, max-Sharpe and Monte Carlo read the same immutable
	// estimates and write private outputs; run them concurrently.
	var (
		curve      FrontierCurve
		optWeights []float64
		optMetrics PortfolioMetrics
		samples    []SampledPortfolio
		mcSummary  SampleSummary
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var ferr error
		curve, ferr = s.frontier.Solve(gctx, est, req.Policy, req.GridPoints)
		return ferr
	})
	g.Go(func() error {
		var merr error
		optWeights, optMetrics, merr = s.maxSharpe.Solve(est, req.RiskFreeRate, req.Policy)
		return merr
	})
	g.Go(func() error {
		var serr error
		samples, mcSummary, serr = s.sampler.Sample(gctx, est, req.RiskFreeRate, req.Simulations, req.Policy, req.Seed)
		return serr
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if curve.DroppedPoints > 0 {
		diagnostics = append(diagnostics, Diagnostic{
			Stage:    "frontier",
			Code:     DiagFrontierPointsDropped,
			Severity: SeverityWarning,
			Message:  "some frontier grid points did not solve; curve is partial",
			Count:    curve.DroppedPoints,
		})
	}
	if mcSummary.Shortfall > 0 {
		diagnostics = append(diagnostics, Diagnostic{
			Stage:    "monte_carlo",
			Code:     DiagSamplingShortfall,
			Severity: SeverityWarning,
			Message:  "some Monte Carlo draws exhausted the rejection retry cap",
			Count:    mcSummary.Shortfall,
		})
	}

	// 5. Aggregate. No additional computation here; upstream failures have
	// already surfaced.
	weights := make(map[string]float64, len(est.Tickers))
	for i, ticker := range est.Tickers {
		weights[ticker] = optWeights[i]
	}
	cloud := make([]CloudPoint, len(samples))
	for i, sp := range samples {
		cloud[i] = CloudPoint{
			Volatility:     sp.Metrics.Volatility,
			ExpectedReturn: sp.Metrics.ExpectedReturn,
			SharpeRatio:    sp.Metrics.SharpeRatio,
		}
	}

	report := &Report{
		ID:             uuid.NewString(),
		GeneratedAt:    time.Now().UTC(),
		Tickers:        est.Tickers,
		DroppedTickers: dropped,
		Weights:        weights,
		Metrics:        optMetrics,
		Frontier:       curve,
		MonteCarlo:     mcSummary,
		Cloud:          cloud,
		Diagnostics:    diagnostics,
	}

	s.log.Info().
		Str("report_id", report.ID).
		Int("num_assets", len(est.Tickers)).
		Int("frontier_points", len(curve.Points)).
		Int("samples", mcSummary.Produced).
		Dur("elapsed", time.Since(started)).
		Msg("Optimization complete")

	return report, nil
}

// cachedMoments is the msgpack-serializable form of MomentEstimates.
type cachedMoments struct {
	Tickers            []string    `msgpack:"tickers"`
	ExpectedReturns    []float64   `msgpack:"expected_returns"`
	Covariance         [][]float64 `msgpack:"covariance"`
	Conditioned        bool        `msgpack:"conditioned"`
	ShrinkageIntensity float64     `msgpack:"shrinkage_intensity"`
}

// estimateMoments computes (or recalls) the moment estimates for a return
// matrix. Conditioning diagnostics are reproduced on cache hits so the
// report is identical either way.
func (s *OptimizerService) estimateMoments(rm *ReturnMatrix, req Request) (*MomentEstimates, []Diagnostic, error) {
	key := momentsCacheKey(rm, req)

	if s.cache != nil {
		if data, ok := s.cache.Get("moments", key); ok {
			var cm cachedMoments
			if err := msgpack.Unmarshal(data, &cm); err == nil {
				s.log.Debug().Str("hash", key[:8]).Msg("Using cached moment estimates")
				return rebuildMoments(cm)
			}
			s.log.Warn().Msg("Failed to decode cached moment estimates, recalculating")
		}
	}

	est, diags, err := s.estimator.Estimate(rm, req.AnnualizationFactor)
	if err != nil {
		return nil, nil, err
	}

	if s.cache != nil {
		n := est.NumAssets()
		cm := cachedMoments{
			Tickers:            est.Tickers,
			ExpectedReturns:    est.ExpectedReturns,
			Covariance:         make([][]float64, n),
			Conditioned:        est.Conditioned,
			ShrinkageIntensity: est.ShrinkageIntensity,
		}
		for i := 0; i < n; i++ {
			cm.Covariance[i] = make([]float64, n)
			for j := 0; j < n; j++ {
				cm.Covariance[i][j] = est.Covariance.At(i, j)
			}
		}
		if data, err := msgpack.Marshal(cm); err == nil {
			if err := s.cache.Set("moments", key, data, calculations.TTLOptimizer); err != nil {
				s.log.Warn().Err(err).Msg("Failed to cache moment estimates")
			}
		}
	}

	return est, diags, nil
}

// rebuildMoments reconstructs MomentEstimates (and its conditioning
// diagnostic, if any) from the cached form.
func rebuildMoments(cm cachedMoments) (*MomentEstimates, []Diagnostic, error) {
	n := len(cm.Tickers)
	if len(cm.ExpectedReturns) != n || len(cm.Covariance) != n {
		return nil, nil, fmt.Errorf("cached moment estimates are inconsistent")
	}
	sigma := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		if len(cm.Covariance[i]) != n {
			return nil, nil, fmt.Errorf("cached covariance row %d has wrong length", i)
		}
		for j := i; j < n; j++ {
			sigma.SetSym(i, j, cm.Covariance[i][j])
		}
	}
	var diags []Diagnostic
	if cm.Conditioned {
		diags = append(diags, Diagnostic{
			Stage:    "estimator",
			Code:     DiagCovarianceConditioning,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("sample covariance was singular or ill-conditioned; blended %.2f%% toward scaled identity", cm.ShrinkageIntensity*100),
		})
	}
	return &MomentEstimates{
		Tickers:            cm.Tickers,
		ExpectedReturns:    cm.ExpectedReturns,
		Covariance:         sigma,
		Conditioned:        cm.Conditioned,
		ShrinkageIntensity: cm.ShrinkageIntensity,
	}, diags, nil
}

// momentsCacheKey hashes the inputs that determine the moment estimates:
// ticker order, aligned window, convention and annualization.
func momentsCacheKey(rm *ReturnMatrix, req Request) string {
	var sb strings.Builder
	sb.WriteString(strings.Join(rm.Tickers, ","))
	sb.WriteString("|")
	if len(rm.Dates) > 0 {
		sb.WriteString(rm.Dates[0].Format("2006-01-02"))
		sb.WriteString("|")
		sb.WriteString(rm.Dates[len(rm.Dates)-1].Format("2006-01-02"))
	}
	fmt.Fprintf(&sb, "|%d|%s|%g", rm.Rows(), req.Convention, req.AnnualizationFactor)
	h := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(h[:16])
}
