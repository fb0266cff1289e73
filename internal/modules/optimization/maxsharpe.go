package optimization

import (
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
)

const (
	// kappaTolerance rejects max-Sharpe recoveries where the substitution
	// scale collapses and w = y/kappa would blow up.
	kappaTolerance = 1e-10
	// volatilityFloor rejects solutions that claim (near) riskless excess
	// return, an artifact of an over-shrunk covariance.
	volatilityFloor = 1e-8
)

// MaxSharpeSolver finds the portfolio maximizing the Sharpe ratio
// (mu'w - rf) / sqrt(w' Sigma w) over the constrained weight set.
//
// The fractional objective is reduced to a quadratic program with the
// substitution y = kappa*w, kappa = 1/(mu'w - rf):
//
//	minimize    y' Sigma y
//	subject to  (mu - rf*1)' y = 1
//	            y >= 0             (long-only)
//
// and the portfolio is recovered as w = y / sum(y).
type MaxSharpeSolver struct {
	log zerolog.Logger
}

// NewMaxSharpeSolver creates a new max-Sharpe solver.
func NewMaxSharpeSolver(log zerolog.Logger) *MaxSharpeSolver {
	return &MaxSharpeSolver{
		log: log.With().Str("component", "max_sharpe_solver").Logger(),
	}
}

// Solve returns the tangency portfolio weights and their metrics.
func (s *MaxSharpeSolver) Solve(est *MomentEstimates, riskFreeRate float64, policy ConstraintPolicy) ([]float64, PortfolioMetrics, error) {
	n := est.NumAssets()

	excess := make([]float64, n)
	best := math.Inf(-1)
	minExcess, maxExcess := math.Inf(1), math.Inf(-1)
	for i, r := range est.ExpectedReturns {
		excess[i] = r - riskFreeRate
		if r > best {
			best = r
		}
		if excess[i] < minExcess {
			minExcess = excess[i]
		}
		if excess[i] > maxExcess {
			maxExcess = excess[i]
		}
	}

	// Feasibility of a positive excess return. Long-only needs one asset
	// above the risk-free rate. Allow-short also admits spread positions
	// whenever the excess returns are not all identical.
	feasible := maxExcess > 0
	if !feasible && policy == AllowShort {
		feasible = maxExcess-minExcess > 1e-12
	}
	if !feasible {
		return nil, PortfolioMetrics{}, &NoPositiveExcessReturnError{
			RiskFreeRate: riskFreeRate,
			BestReturn:   best,
		}
	}

	qp := &qpProblem{
		Sigma:  est.Covariance,
		A:      mat.NewDense(1, n, excess),
		B:      []float64{1},
		NonNeg: policy == LongOnly,
	}
	y, err := qp.solve()
	if err != nil {
		return nil, PortfolioMetrics{}, &DegenerateSolutionError{Reason: err.Error()}
	}

	kappa := 0.0
	for _, yi := range y {
		kappa += yi
	}
	if math.Abs(kappa) < kappaTolerance {
		return nil, PortfolioMetrics{}, &DegenerateSolutionError{Reason: "substitution scale kappa is numerically zero"}
	}
	if kappa < 0 {
		return nil, PortfolioMetrics{}, &DegenerateSolutionError{Reason: "substitution scale kappa is negative"}
	}

	w := make([]float64, n)
	for i, yi := range y {
		w[i] = yi / kappa
	}

	ret := est.PortfolioReturn(w)
	vol := math.Sqrt(math.Max(est.PortfolioVariance(w), 0))
	if vol < volatilityFloor {
		return nil, PortfolioMetrics{}, &DegenerateSolutionError{Reason: "optimal portfolio volatility is numerically zero"}
	}

	metrics := PortfolioMetrics{
		ExpectedReturn: ret,
		Volatility:     vol,
		SharpeRatio:    (ret - riskFreeRate) / vol,
	}

	s.log.Debug().
		Float64("expected_return", metrics.ExpectedReturn).
		Float64("volatility", metrics.Volatility).
		Float64("sharpe_ratio", metrics.SharpeRatio).
		Msg("Solved max-Sharpe portfolio")

	return w, metrics, nil
}
