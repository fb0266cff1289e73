package optimization

import "fmt"

// ValidationError indicates a request parameter outside its documented
// bounds. Rejected before any price data is touched.
type ValidationError struct {
	Param  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Param, e.Reason)
}

// InsufficientAssetsError indicates fewer than the minimum number of
// assets survived input validation. Fatal for the whole request.
type InsufficientAssetsError struct {
	Provided int
	Required int
}

func (e *InsufficientAssetsError) Error() string {
	return fmt.Sprintf("insufficient assets: got %d, need at least %d", e.Provided, e.Required)
}

// InsufficientHistoryError indicates the aligned return history is too
// short for reliable estimation. Fatal for the whole request.
type InsufficientHistoryError struct {
	Observations int
	Required     int
}

func (e *InsufficientHistoryError) Error() string {
	return fmt.Sprintf("insufficient history: only %d aligned observations, need at least %d", e.Observations, e.Required)
}

// InvalidPriceError indicates a non-positive price in one asset's series.
// Per-asset: the service drops the ticker and continues when enough remain.
type InvalidPriceError struct {
	Ticker string
	Date   string
	Price  float64
}

func (e *InvalidPriceError) Error() string {
	return fmt.Sprintf("invalid price for %s on %s: %v", e.Ticker, e.Date, e.Price)
}

// QPInfeasibleError indicates a single grid-point solve failed. Non-fatal:
// the point is dropped and counted on the frontier curve.
type QPInfeasibleError struct {
	TargetReturn float64
	Reason       string
}

func (e *QPInfeasibleError) Error() string {
	return fmt.Sprintf("quadratic program infeasible at target return %.6f: %s", e.TargetReturn, e.Reason)
}

// NoPositiveExcessReturnError indicates no feasible portfolio earns more
// than the risk-free rate, so the max-Sharpe objective is undefined.
type NoPositiveExcessReturnError struct {
	RiskFreeRate float64
	BestReturn   float64
}

func (e *NoPositiveExcessReturnError) Error() string {
	return fmt.Sprintf("no feasible portfolio exceeds the risk-free rate: best expected return %.4f <= risk-free rate %.4f", e.BestReturn, e.RiskFreeRate)
}

// DegenerateSolutionError indicates the max-Sharpe recovery step produced
// a numerically meaningless portfolio (kappa or volatility near zero).
type DegenerateSolutionError struct {
	Reason string
}

func (e *DegenerateSolutionError) Error() string {
	return fmt.Sprintf("degenerate max-sharpe solution: %s", e.Reason)
}
