package optimization

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// FrontierSolver traces the efficient frontier: for a grid of target
// returns it solves the minimum-variance QP subject to the budget and
// target-return constraints, optionally with no short sales.
type FrontierSolver struct {
	log zerolog.Logger
}

// NewFrontierSolver creates a new efficient frontier solver.
func NewFrontierSolver(log zerolog.Logger) *FrontierSolver {
	return &FrontierSolver{
		log: log.With().Str("component", "frontier_solver").Logger(),
	}
}

// MinimumVariance solves the global minimum-variance portfolio under the
// given constraint policy.
func (s *FrontierSolver) MinimumVariance(est *MomentEstimates, policy ConstraintPolicy) ([]float64, error) {
	n := est.NumAssets()
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}
	qp := &qpProblem{
		Sigma:  est.Covariance,
		A:      mat.NewDense(1, n, ones),
		B:      []float64{1},
		NonNeg: policy == LongOnly,
	}
	w, err := qp.solve()
	if err != nil {
		return nil, fmt.Errorf("minimum-variance solve failed: %w", err)
	}
	return w, nil
}

// returnBounds computes the feasible target-return span [rMin, rMax].
// rMin is the minimum-variance portfolio's return. Under long-only the
// maximum achievable return is the best single asset's; under allow-short
// it is open and capped at ShortReturnCeiling to keep the grid finite.
func (s *FrontierSolver) returnBounds(est *MomentEstimates, gmv []float64, policy ConstraintPolicy) (float64, float64) {
	rMin := est.PortfolioReturn(gmv)

	var rMax float64
	if policy == AllowShort {
		rMax = ShortReturnCeiling
	} else {
		rMax = est.ExpectedReturns[0]
		for _, r := range est.ExpectedReturns[1:] {
			if r > rMax {
				rMax = r
			}
		}
	}
	if rMax < rMin {
		rMax = rMin
	}
	return rMin, rMax
}

// Solve traces the frontier with k grid points between the minimum-variance
// return and the maximum achievable return. Grid points whose QP fails are
// dropped and counted; the curve is returned partial rather than failing
// the request. Points are solved in parallel; each writes to a private slot.
func (s *FrontierSolver) Solve(ctx context.Context, est *MomentEstimates, policy ConstraintPolicy, k int) (FrontierCurve, error) {
	if k < 2 {
		k = 2
	}
	n := est.NumAssets()

	gmv, err := s.MinimumVariance(est, policy)
	if err != nil {
		return FrontierCurve{}, err
	}
	rMin, rMax := s.returnBounds(est, gmv, policy)
	span := rMax - rMin

	if span < 1e-12 {
		// All feasible portfolios share one expected return; the frontier
		// collapses to the minimum-variance point.
		return FrontierCurve{
			Points: []FrontierPoint{{
				TargetReturn:       rMin,
				AchievedVolatility: math.Sqrt(est.PortfolioVariance(gmv)),
				Weights:            gmv,
			}},
		}, nil
	}

	// The exact upper endpoint concentrates all weight on one asset and
	// makes the KKT system rank-deficient; clamp just inside the span.
	clamp := func(r float64) float64 {
		lo, hi := rMin, rMax-1e-9*span
		if r < lo {
			return lo
		}
		if r > hi {
			return hi
		}
		return r
	}

	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}

	results := make([]*FrontierPoint, k)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	for i := 0; i < k; i++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			target := clamp(rMin + span*float64(i)/float64(k-1))

			a := mat.NewDense(2, n, nil)
			for j := 0; j < n; j++ {
				a.Set(0, j, 1)
				a.Set(1, j, est.ExpectedReturns[j])
			}
			qp := &qpProblem{
				Sigma:  est.Covariance,
				A:      a,
				B:      []float64{1, target},
				NonNeg: policy == LongOnly,
			}

			w, err := qp.solve()
			if err != nil {
				// Dropped point, not a request failure.
				s.log.Debug().Err(&QPInfeasibleError{TargetReturn: target, Reason: err.Error()}).
					Msg("Dropping frontier grid point")
				return nil
			}
			results[i] = &FrontierPoint{
				TargetReturn:       target,
				AchievedVolatility: math.Sqrt(math.Max(est.PortfolioVariance(w), 0)),
				Weights:            w,
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return FrontierCurve{}, err
	}

	curve := FrontierCurve{Points: make([]FrontierPoint, 0, k)}
	for _, p := range results {
		if p == nil {
			curve.DroppedPoints++
			continue
		}
		curve.Points = append(curve.Points, *p)
	}

	if curve.DroppedPoints > 0 {
		s.log.Warn().
			Int("dropped", curve.DroppedPoints).
			Int("requested", k).
			Msg("Frontier curve is partial")
	}
	if len(curve.Points) == 0 {
		return curve, fmt.Errorf("every frontier grid point failed to solve")
	}

	s.log.Debug().
		Int("points", len(curve.Points)).
		Float64("r_min", rMin).
		Float64("r_max", rMax).
		Msg("Traced efficient frontier")

	return curve, nil
}
