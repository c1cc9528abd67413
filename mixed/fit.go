package mixed

import (
	"errors"
	"fmt"
	"log"
	"math"

	"gonum.org/v1/gonum/optimize"
)

// OptStatus is the termination status reported by a Minimizer.
type OptStatus int

// Termination codes of a Minimizer.
const (
	NotRun OptStatus = iota
	Success
	RoundoffLimited
	Failure
	InvalidArgs
	OutOfMemory
	ForcedStop
	MaxEvalReached
)

var optStatusNames = map[OptStatus]string{
	NotRun:          "NotRun",
	Success:         "Success",
	RoundoffLimited: "RoundoffLimited",
	Failure:         "Failure",
	InvalidArgs:     "InvalidArgs",
	OutOfMemory:     "OutOfMemory",
	ForcedStop:      "ForcedStop",
	MaxEvalReached:  "MaxEvalReached",
}

func (s OptStatus) String() string {
	if na, ok := optStatusNames[s]; ok {
		return na
	}
	return fmt.Sprintf("OptStatus(%d)", int(s))
}

// MinResult is the result of a minimization.
type MinResult struct {

	// The minimizing point
	X []float64

	// The objective value at X
	F float64

	// Number of objective evaluations
	FEval int

	Status OptStatus
}

// Minimizer minimizes a function subject to lower bounds on its
// arguments.  The objective may return +Inf at points where it cannot
// be evaluated.
type Minimizer interface {
	Minimize(f func([]float64) float64, x0, lower []float64) (MinResult, error)
}

// NelderMead is a Minimizer using the Nelder-Mead simplex method of the
// gonum optimize package.  Points below the lower bounds are projected
// onto the bounds before the objective is evaluated.
type NelderMead struct {

	// Maximum number of objective evaluations
	MaxFeval int

	// The minimization stops when the best objective value improves by
	// less than FTolAbs over a run of iterations
	FTolAbs float64

	// Size of the initial simplex, 0.5 if zero
	SimplexSize float64
}

// Minimize implements the Minimizer interface.
func (nm *NelderMead) Minimize(f func([]float64) float64, x0, lower []float64) (MinResult, error) {

	if len(x0) != len(lower) {
		return MinResult{Status: InvalidArgs}, fmt.Errorf("%d starting values, %d bounds: %w", len(x0), len(lower), ErrDimension)
	}
	if len(x0) == 0 {
		return MinResult{Status: InvalidArgs}, fmt.Errorf("no parameters to optimize: %w", ErrDimension)
	}

	proj := make([]float64, len(x0))
	project := func(x []float64) []float64 {
		for i, v := range x {
			proj[i] = math.Max(v, lower[i])
		}
		return proj
	}

	p := optimize.Problem{
		Func: func(x []float64) float64 {
			y := f(project(x))
			if math.IsNaN(y) {
				return math.Inf(1)
			}
			return y
		},
	}

	settings := &optimize.Settings{
		FuncEvaluations: nm.MaxFeval,
		Converger: &optimize.FunctionConverge{
			Absolute:   nm.FTolAbs,
			Iterations: 100,
		},
	}

	size := nm.SimplexSize
	if size <= 0 {
		size = 0.5
	}

	res, err := optimize.Minimize(p, x0, settings, &optimize.NelderMead{SimplexSize: size})
	if res == nil {
		return MinResult{Status: Failure}, err
	}

	mr := MinResult{
		X:      append([]float64(nil), project(res.X)...),
		F:      res.F,
		FEval:  res.FuncEvaluations,
		Status: fromGonumStatus(res.Status),
	}
	if err != nil && mr.Status == Success {
		mr.Status = Failure
	}

	return mr, nil
}

func fromGonumStatus(s optimize.Status) OptStatus {
	switch s {
	case optimize.Success, optimize.FunctionConvergence, optimize.MethodConverge,
		optimize.StepConvergence, optimize.FunctionThreshold:
		return Success
	case optimize.FunctionEvaluationLimit, optimize.IterationLimit, optimize.RuntimeLimit:
		return MaxEvalReached
	default:
		return Failure
	}
}

// FitLogEntry records one evaluation of the objective.
type FitLogEntry struct {
	X []float64
	F float64
}

// OptSummary records the settings and results of an optimization.
type OptSummary struct {

	// Starting values and lower bounds of the parameters
	Initial     []float64
	LowerBounds []float64

	// Objective at the starting values
	FInitial float64

	// The parameters and objective value at the optimum
	Final []float64
	FMin  float64

	// Number of objective evaluations, zero before fitting
	FEval int

	Status OptStatus

	// Number of quadrature nodes, 1 for the Laplace approximation,
	// 0 for linear mixed models
	NAGQ int

	REML bool

	// Every evaluation of the objective, in order
	FitLog []FitLogEntry
}

func newOptSummary(initial, lower []float64) *OptSummary {
	return &OptSummary{
		Initial:     append([]float64(nil), initial...),
		LowerBounds: append([]float64(nil), lower...),
		Final:       append([]float64(nil), initial...),
		FInitial:    math.Inf(1),
		FMin:        math.Inf(1),
	}
}

func (osum *OptSummary) reset() {
	osum.Final = append(osum.Final[:0], osum.Initial...)
	osum.FInitial = math.Inf(1)
	osum.FMin = math.Inf(1)
	osum.FEval = 0
	osum.Status = NotRun
	osum.FitLog = nil
}

func (osum *OptSummary) record(x []float64, f float64) {
	osum.FitLog = append(osum.FitLog, FitLogEntry{X: append([]float64(nil), x...), F: f})
}

// best returns the point in the fit log with the smallest objective.
func (osum *OptSummary) best() ([]float64, float64) {
	x, f := osum.Initial, osum.FInitial
	for _, e := range osum.FitLog {
		if e.F < f {
			x, f = e.X, e.F
		}
	}
	return append([]float64(nil), x...), f
}

// started returns true if the objective has been evaluated since the
// last reset.
func (osum *OptSummary) started() bool {
	return len(osum.FitLog) > 0
}

// statusWarning returns a warning for a termination status, or an empty
// string.
func statusWarning(s OptStatus) string {
	switch s {
	case Success, NotRun:
		return ""
	case RoundoffLimited:
		return "optimization was limited by roundoff errors, the results may be inaccurate"
	case MaxEvalReached:
		return "maximum number of objective evaluations reached"
	default:
		return fmt.Sprintf("optimization failed with status %s", s)
	}
}

// minimize runs the minimizer on the objective eval, starting from the
// initial values in osum, then tries to move parameters that are close to
// a zero lower bound onto the bound.  The optimum is returned and
// recorded in osum.  The model must be installed at the optimum by the
// caller.
func minimize(osum *OptSummary, mz Minimizer, eval func([]float64) (float64, error), lg *log.Logger, verbose bool) ([]float64, error) {

	finitial, err := eval(osum.Initial)
	if err != nil {
		return nil, err
	}
	osum.FInitial = finitial
	osum.record(osum.Initial, finitial)
	if verbose && lg != nil {
		lg.Printf("initial objective %f at %v", finitial, osum.Initial)
	}

	feval := 1
	var ferr error
	f := func(x []float64) float64 {
		feval++
		v, err := eval(x)
		if err != nil {
			if errors.Is(err, ErrNotPosDef) {
				v = finitial
			} else {
				if ferr == nil {
					ferr = err
				}
				return math.Inf(1)
			}
		}
		osum.record(x, v)
		if verbose && lg != nil {
			lg.Printf("objective %f at %v", v, x)
		}
		return v
	}

	res, err := mz.Minimize(f, osum.Initial, osum.LowerBounds)
	if ferr != nil {
		return nil, ferr
	}
	if err != nil || len(res.X) != len(osum.Initial) {
		// Fall back to the best point evaluated.
		if lg != nil {
			lg.Printf("minimizer error: %v", err)
		}
		res.X, res.F = osum.best()
		if res.Status == Success || res.Status == NotRun {
			res.Status = Failure
		}
	}

	xmin := append([]float64(nil), res.X...)
	fmin := res.F

	// Try parameters near a zero bound at the bound.
	xz := append([]float64(nil), xmin...)
	var moved bool
	for i, v := range xz {
		if osum.LowerBounds[i] == 0 && v > 0 && v < BoundarySnap {
			xz[i] = 0
			moved = true
		}
	}
	if moved {
		if fz := f(xz); fz <= fmin+SnapTol {
			xmin, fmin = xz, fz
		}
		if ferr != nil {
			return nil, ferr
		}
	}

	osum.Final = xmin
	osum.FMin = fmin
	osum.FEval = feval
	osum.Status = res.Status

	return xmin, nil
}

// Fit estimates the covariance parameters by minimizing the objective,
// and installs the model at the optimum.  Non-fatal problems are
// reported through Warnings.
func (m *LMM) Fit() error {

	if m.optsum.started() {
		return ErrAlreadyFitted
	}

	xmin, err := minimize(m.optsum, m.config.Minimizer, m.evalObjective, m.config.Log, m.config.Verbose)
	if err != nil {
		return err
	}

	if _, err := m.evalObjective(xmin); err != nil {
		return err
	}

	if msg := statusWarning(m.optsum.Status); msg != "" {
		m.warn(msg)
	}

	if m.config.Log != nil {
		m.config.Log.Printf("fitted in %d evaluations, objective %f", m.optsum.FEval, m.optsum.FMin)
	}

	return nil
}
