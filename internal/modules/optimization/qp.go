package optimization

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// qpProblem is a convex quadratic program over portfolio weights:
//
//	minimize    w' Sigma w
//	subject to  A w = b
//	            w >= 0   (when NonNeg is set)
//
// Sigma must be positive-definite (guaranteed by covariance conditioning),
// which makes the optimum unique.
type qpProblem struct {
	Sigma  *mat.SymDense
	A      *mat.Dense // m x n equality constraint rows
	B      []float64  // length m
	NonNeg bool
}

const (
	qpTolerance     = 1e-9
	qpResidualTol   = 1e-6
	qpPenaltyWeight = 1000.0
)

// solve runs the active-set KKT solver and, if that fails, retries once
// with a penalized gradient-descent formulation before giving up.
func (p *qpProblem) solve() ([]float64, error) {
	w, err := p.solveActiveSet()
	if err == nil {
		return w, nil
	}

	// Bounded re-attempt with adjusted formulation rather than a hard
	// failure: penalized BFGS with projection, as a last resort.
	w, perr := p.solvePenalty()
	if perr != nil {
		return nil, fmt.Errorf("qp solve failed: %w (penalty fallback: %v)", err, perr)
	}
	return w, nil
}

// solveActiveSet solves the problem exactly. Without bounds this is a
// single KKT linear solve; with w >= 0 it iterates an active set, pinning
// negative weights to zero and releasing pinned weights whose Lagrange
// multiplier turns negative.
func (p *qpProblem) solveActiveSet() ([]float64, error) {
	m, n := p.A.Dims()

	if !p.NonNeg {
		w, _, err := p.solveEqualityKKT(nil)
		return w, err
	}

	pinned := make([]bool, n)
	maxIter := 3*n + 10

	for iter := 0; iter < maxIter; iter++ {
		w, lambda, err := p.solveEqualityKKT(pinned)
		if err != nil {
			return nil, err
		}

		// Pin the most negative free weight, if any.
		worst, worstIdx := -qpTolerance, -1
		for i := 0; i < n; i++ {
			if !pinned[i] && w[i] < worst {
				worst, worstIdx = w[i], i
			}
		}
		if worstIdx >= 0 {
			pinned[worstIdx] = true
			continue
		}

		// Clip numerical dust before the release check.
		for i := range w {
			if w[i] < 0 {
				w[i] = 0
			}
		}

		// KKT optimality for pinned weights: the bound multiplier
		// (Sigma w + A' lambda)_i must be non-negative.
		grad := make([]float64, n)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				grad[i] += p.Sigma.At(i, j) * w[j]
			}
			for k := 0; k < m; k++ {
				grad[i] += p.A.At(k, i) * lambda[k]
			}
		}
		release, releaseIdx := -qpTolerance, -1
		for i := 0; i < n; i++ {
			if pinned[i] && grad[i] < release {
				release, releaseIdx = grad[i], i
			}
		}
		if releaseIdx >= 0 {
			pinned[releaseIdx] = false
			continue
		}

		if err := p.checkResiduals(w); err != nil {
			return nil, err
		}
		return w, nil
	}

	return nil, fmt.Errorf("active-set iteration cap reached (%d iterations)", maxIter)
}

// solveEqualityKKT solves the equality-constrained subproblem with the
// pinned variables fixed at zero, via the KKT linear system
//
//	[ Sigma_ff  A_f' ] [w_f]   [0]
//	[ A_f       0    ] [l  ] = [b]
//
// Returns the full-length weight vector and the constraint multipliers.
func (p *qpProblem) solveEqualityKKT(pinned []bool) ([]float64, []float64, error) {
	m, n := p.A.Dims()

	var free []int
	for i := 0; i < n; i++ {
		if pinned == nil || !pinned[i] {
			free = append(free, i)
		}
	}
	nf := len(free)
	if nf == 0 {
		return nil, nil, fmt.Errorf("all variables pinned")
	}

	size := nf + m
	kkt := mat.NewDense(size, size, nil)
	rhs := mat.NewVecDense(size, nil)

	for a, i := range free {
		for bIdx, j := range free {
			kkt.Set(a, bIdx, p.Sigma.At(i, j))
		}
		for k := 0; k < m; k++ {
			kkt.Set(a, nf+k, p.A.At(k, i))
			kkt.Set(nf+k, a, p.A.At(k, i))
		}
	}
	for k := 0; k < m; k++ {
		rhs.SetVec(nf+k, p.B[k])
	}

	var sol mat.VecDense
	if err := sol.SolveVec(kkt, rhs); err != nil {
		return nil, nil, fmt.Errorf("singular KKT system: %w", err)
	}

	w := make([]float64, n)
	for a, i := range free {
		w[i] = sol.AtVec(a)
	}
	lambda := make([]float64, m)
	for k := 0; k < m; k++ {
		lambda[k] = sol.AtVec(nf + k)
	}
	return w, lambda, nil
}

// checkResiduals verifies the equality constraints hold at the solution.
func (p *qpProblem) checkResiduals(w []float64) error {
	m, n := p.A.Dims()
	for k := 0; k < m; k++ {
		res := -p.B[k]
		for i := 0; i < n; i++ {
			res += p.A.At(k, i) * w[i]
		}
		if math.Abs(res) > qpResidualTol {
			return fmt.Errorf("constraint %d violated by %v", k, res)
		}
	}
	return nil
}

// solvePenalty minimizes the objective with quadratic penalties on the
// equality constraints, projecting to the bound set each evaluation.
// Tries BFGS first, then Nelder-Mead.
func (p *qpProblem) solvePenalty() ([]float64, error) {
	m, n := p.A.Dims()

	project := func(x []float64) []float64 {
		proj := make([]float64, len(x))
		copy(proj, x)
		if p.NonNeg {
			for i := range proj {
				if proj[i] < 0 {
					proj[i] = 0
				}
			}
		}
		return proj
	}

	residuals := func(x []float64) []float64 {
		res := make([]float64, m)
		for k := 0; k < m; k++ {
			res[k] = -p.B[k]
			for i := 0; i < n; i++ {
				res[k] += p.A.At(k, i) * x[i]
			}
		}
		return res
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			xp := project(x)
			var obj float64
			for i := 0; i < n; i++ {
				for j := 0; j < n; j++ {
					obj += xp[i] * xp[j] * p.Sigma.At(i, j)
				}
			}
			for _, r := range residuals(xp) {
				obj += qpPenaltyWeight * r * r
			}
			return obj
		},
		Grad: func(grad, x []float64) {
			xp := project(x)
			res := residuals(xp)
			for i := 0; i < n; i++ {
				grad[i] = 0
				for j := 0; j < n; j++ {
					grad[i] += 2 * p.Sigma.At(i, j) * xp[j]
				}
				for k := 0; k < m; k++ {
					grad[i] += 2 * qpPenaltyWeight * res[k] * p.A.At(k, i)
				}
			}
		},
	}

	initial := make([]float64, n)
	for i := range initial {
		initial[i] = 1.0 / float64(n)
	}

	successStatuses := map[optimize.Status]bool{
		optimize.Success:             true,
		optimize.GradientThreshold:   true,
		optimize.FunctionConvergence: true,
	}

	result, err := optimize.Minimize(problem, initial, &optimize.Settings{}, &optimize.BFGS{})
	if err != nil || !successStatuses[result.Status] {
		result, err = optimize.Minimize(problem, initial, &optimize.Settings{}, &optimize.NelderMead{})
		if err != nil {
			return nil, fmt.Errorf("optimization failed: %w", err)
		}
		if !successStatuses[result.Status] {
			return nil, fmt.Errorf("optimization did not converge: status=%v", result.Status)
		}
	}

	w := project(result.X)
	if err := p.checkResiduals(w); err != nil {
		return nil, err
	}
	return w, nil
}
