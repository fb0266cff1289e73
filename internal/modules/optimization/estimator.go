package optimization

import (
	"fmt"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Conditioning thresholds. A sample covariance whose condition number
// exceeds MaxConditionNumber (or with a non-positive eigenvalue) is shrunk
// toward a scaled identity until its condition number is at most
// TargetConditionNumber.
const (
	MaxConditionNumber    = 1e8
	TargetConditionNumber = 1e6
)

// StatisticsEstimator computes annualized moment estimates from a return
// matrix, conditioning the covariance so that every downstream solve sees
// a positive-definite matrix.
type StatisticsEstimator struct {
	log zerolog.Logger
}

// NewStatisticsEstimator creates a new statistics estimator.
func NewStatisticsEstimator(log zerolog.Logger) *StatisticsEstimator {
	return &StatisticsEstimator{
		log: log.With().Str("component", "estimator").Logger(),
	}
}

// Estimate computes the annualized expected-return vector and covariance
// matrix. The returned diagnostics carry a covariance-conditioning warning
// when shrinkage had to engage; conditioning is never a hard failure.
func (e *StatisticsEstimator) Estimate(rm *ReturnMatrix, annualization float64) (*MomentEstimates, []Diagnostic, error) {
	if annualization <= 0 {
		return nil, nil, fmt.Errorf("annualization factor must be positive, got %v", annualization)
	}

	n := len(rm.Tickers)
	periods := rm.Rows()
	if periods < 2 {
		return nil, nil, fmt.Errorf("need at least 2 return observations, got %d", periods)
	}

	cols := make([][]float64, n)
	for i := 0; i < n; i++ {
		cols[i] = rm.Column(i)
	}

	mu := make([]float64, n)
	for i := 0; i < n; i++ {
		mu[i] = stat.Mean(cols[i], nil) * annualization
	}

	// Sample covariance (N-1 denominator), annualized.
	sigma := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sigma.SetSym(i, j, stat.Covariance(cols[i], cols[j], nil)*annualization)
		}
	}

	conditioned, intensity := conditionCovariance(sigma)

	var diags []Diagnostic
	if conditioned {
		e.log.Warn().
			Float64("shrinkage_intensity", intensity).
			Int("num_assets", n).
			Msg("Covariance matrix ill-conditioned, applied identity shrinkage")
		diags = append(diags, Diagnostic{
			Stage:    "estimator",
			Code:     DiagCovarianceConditioning,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("sample covariance was singular or ill-conditioned; blended %.2f%% toward scaled identity", intensity*100),
		})
	}

	e.log.Debug().
		Int("num_assets", n).
		Int("observations", periods).
		Float64("annualization", annualization).
		Msg("Estimated moments")

	return &MomentEstimates{
		Tickers:            append([]string(nil), rm.Tickers...),
		ExpectedReturns:    mu,
		Covariance:         sigma,
		Conditioned:        conditioned,
		ShrinkageIntensity: intensity,
	}, diags, nil
}

// conditionCovariance checks the eigenvalue spectrum of sigma and, when it
// is singular or ill-conditioned, blends it in place with avgVar*I:
//
//	Sigma' = (1-delta)*Sigma + delta*avgVar*I
//
// Blending with the identity shifts every eigenvalue toward the average
// variance, so the intensity delta restoring the target condition number
// has a closed form; no solve-and-retry loop is needed.
func conditionCovariance(sigma *mat.SymDense) (bool, float64) {
	n := sigma.SymmetricDim()

	var es mat.EigenSym
	if !es.Factorize(sigma, false) {
		// Factorization failure is treated as maximal ill-conditioning.
		return applyIdentityShrinkage(sigma, 1.0), 1.0
	}
	vals := es.Values(nil)

	lambdaMin, lambdaMax := vals[0], vals[0]
	for _, v := range vals[1:] {
		if v < lambdaMin {
			lambdaMin = v
		}
		if v > lambdaMax {
			lambdaMax = v
		}
	}

	if lambdaMax <= 0 {
		// Degenerate spectrum (all-zero returns): fall back to a pure
		// identity with a tiny uniform variance.
		for i := 0; i < n; i++ {
			sigma.SetSym(i, i, 1e-10)
			for j := i + 1; j < n; j++ {
				sigma.SetSym(i, j, 0)
			}
		}
		return true, 1.0
	}

	if lambdaMin > 0 && lambdaMax/lambdaMin <= MaxConditionNumber {
		return false, 0
	}

	avgVar := 0.0
	for i := 0; i < n; i++ {
		avgVar += sigma.At(i, i)
	}
	avgVar /= float64(n)

	// Solve (1-d)*lmin + d*avgVar = r*((1-d)*lmax + d*avgVar) for d,
	// with r the reciprocal target condition number.
	r := 1.0 / TargetConditionNumber
	num := r*lambdaMax - lambdaMin
	den := avgVar*(1-r) - lambdaMin + r*lambdaMax
	delta := 1.0
	if den > 0 {
		delta = num / den
	}
	// Headroom against floating-point slack in the eigensolve.
	delta = delta*1.05 + 1e-6
	if delta > 1 {
		delta = 1
	}
	if delta < 0 {
		delta = 0
	}

	return applyIdentityShrinkage(sigma, delta), delta
}

// applyIdentityShrinkage blends sigma in place toward avgVar*I with the
// given intensity. Returns true when any blending occurred.
func applyIdentityShrinkage(sigma *mat.SymDense, delta float64) bool {
	if delta <= 0 {
		return false
	}
	n := sigma.SymmetricDim()
	avgVar := 0.0
	for i := 0; i < n; i++ {
		avgVar += sigma.At(i, i)
	}
	avgVar /= float64(n)
	if avgVar <= 0 {
		avgVar = 1e-10
	}

	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			target := 0.0
			if i == j {
				target = avgVar
			}
			sigma.SetSym(i, j, (1-delta)*sigma.At(i, j)+delta*target)
		}
	}
	return true
}
