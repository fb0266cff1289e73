package optimization

import (
	"context"
	"math"
	"math/rand/v2"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	// mcWorkers is fixed (not NumCPU) so a seeded run produces identical
	// output on any machine.
	mcWorkers = 8
	// mcRetryCap bounds rejection sampling per draw under allow-short.
	mcRetryCap = 100
)

// MonteCarloSampler draws random feasible portfolios as an exploratory
// overlay on the analytic frontier. It never produces the canonical
// optimum. Draws are i.i.d. given the policy and seed.
type MonteCarloSampler struct {
	log zerolog.Logger
}

// NewMonteCarloSampler creates a new Monte Carlo sampler.
func NewMonteCarloSampler(log zerolog.Logger) *MonteCarloSampler {
	return &MonteCarloSampler{
		log: log.With().Str("component", "monte_carlo").Logger(),
	}
}

// Sample draws count random feasible weight vectors and computes each
// one's metrics. Long-only weights are uniform over the simplex
// (Dirichlet(1,...,1) via normalized unit exponentials); allow-short
// weights are symmetric normal draws renormalized to sum 1, rejected when
// outside the per-asset bounds, with a retry cap per draw. Rejected draws
// past the cap are skipped and counted as shortfall.
//
// The work is split into fixed chunks with per-chunk derived seeds, so a
// given seed always yields the same cloud regardless of scheduling.
func (s *MonteCarloSampler) Sample(
	ctx context.Context,
	est *MomentEstimates,
	riskFreeRate float64,
	count int,
	policy ConstraintPolicy,
	seed uint64,
) ([]SampledPortfolio, SampleSummary, error) {
	summary := SampleSummary{Requested: count}
	if count <= 0 {
		return nil, summary, nil
	}

	n := est.NumAssets()
	chunkSize := (count + mcWorkers - 1) / mcWorkers

	chunks := make([][]SampledPortfolio, mcWorkers)
	shortfalls := make([]int, mcWorkers)

	g, ctx := errgroup.WithContext(ctx)
	for c := 0; c < mcWorkers; c++ {
		g.Go(func() error {
			start := c * chunkSize
			end := start + chunkSize
			if end > count {
				end = count
			}
			if start >= end {
				return nil
			}

			src := rand.NewPCG(seed, uint64(c)+1)
			expDist := distuv.Exponential{Rate: 1, Src: src}
			normDist := distuv.Normal{Mu: 0, Sigma: 1, Src: src}

			out := make([]SampledPortfolio, 0, end-start)
			for d := start; d < end; d++ {
				if d%256 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}

				var w []float64
				if policy == AllowShort {
					w = drawBounded(normDist, n)
					if w == nil {
						shortfalls[c]++
						continue
					}
				} else {
					w = drawSimplex(expDist, n)
				}

				ret := est.PortfolioReturn(w)
				vol := math.Sqrt(math.Max(est.PortfolioVariance(w), 0))
				var sharpe float64
				if vol > 0 {
					sharpe = (ret - riskFreeRate) / vol
				}
				out = append(out, SampledPortfolio{
					Weights: w,
					Metrics: PortfolioMetrics{
						ExpectedReturn: ret,
						Volatility:     vol,
						SharpeRatio:    sharpe,
					},
				})
			}
			chunks[c] = out
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, summary, err
	}

	var samples []SampledPortfolio
	for c := 0; c < mcWorkers; c++ {
		samples = append(samples, chunks[c]...)
		summary.Shortfall += shortfalls[c]
	}
	summary.Produced = len(samples)

	if len(samples) > 0 {
		summary.MinVolatility = math.Inf(1)
		summary.MaxVolatility = math.Inf(-1)
		summary.MinSharpe = math.Inf(1)
		summary.MaxSharpe = math.Inf(-1)
		for _, sp := range samples {
			summary.MinVolatility = math.Min(summary.MinVolatility, sp.Metrics.Volatility)
			summary.MaxVolatility = math.Max(summary.MaxVolatility, sp.Metrics.Volatility)
			summary.MinSharpe = math.Min(summary.MinSharpe, sp.Metrics.SharpeRatio)
			summary.MaxSharpe = math.Max(summary.MaxSharpe, sp.Metrics.SharpeRatio)
		}
	}

	if summary.Shortfall > 0 {
		s.log.Warn().
			Int("shortfall", summary.Shortfall).
			Int("requested", count).
			Msg("Sampling shortfall: some draws exhausted the rejection retry cap")
	}

	s.log.Debug().
		Int("produced", summary.Produced).
		Str("policy", string(policy)).
		Msg("Sampled random portfolios")

	return samples, summary, nil
}

// drawSimplex draws a weight vector uniformly over the unit simplex.
func drawSimplex(dist distuv.Exponential, n int) []float64 {
	w := make([]float64, n)
	sum := 0.0
	for i := 0; i < n; i++ {
		w[i] = dist.Rand()
		sum += w[i]
	}
	for i := range w {
		w[i] /= sum
	}
	return w
}

// drawBounded draws a sum-1 weight vector with possibly negative entries,
// rejecting draws outside [ShortWeightFloor, ShortWeightCeiling]. Returns
// nil when the retry cap is exhausted.
func drawBounded(dist distuv.Normal, n int) []float64 {
	for attempt := 0; attempt < mcRetryCap; attempt++ {
		w := make([]float64, n)
		sum := 0.0
		for i := 0; i < n; i++ {
			w[i] = dist.Rand()
			sum += w[i]
		}
		if math.Abs(sum) < 1e-8 {
			continue
		}
		ok := true
		for i := range w {
			w[i] /= sum
			if w[i] < ShortWeightFloor || w[i] > ShortWeightCeiling {
				ok = false
			}
		}
		if ok {
			return w
		}
	}
	return nil
}
