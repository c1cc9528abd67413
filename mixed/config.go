package mixed

import (
	"log"

	"github.com/kshedden/mixedmodel/glm"
)

const (
	// DefaultDenseFillThreshold is the fraction of nonzero blocks above
	// which the cross-product of two random-effects terms is stored as a
	// dense matrix.
	DefaultDenseFillThreshold = 0.25

	// RankTol is the relative tolerance on the diagonal of the pivoted
	// QR decomposition used to determine the rank of the fixed-effects
	// design.
	RankTol = 1e-8

	// BoundarySnap is the distance from a zero lower bound within which
	// a fitted parameter is tried at the bound.
	BoundarySnap = 0.001

	// SnapTol is the increase in the objective allowed when snapping a
	// parameter to its bound.
	SnapTol = 1e-5

	// PIRLSTol is the absolute change in the PIRLS objective that
	// signals convergence.
	PIRLSTol = 1e-5

	// MaxHalvings is the maximum number of step-halvings in one PIRLS
	// iteration.
	MaxHalvings = 10

	// DefaultMaxPIRLSIter is the default maximum number of PIRLS
	// iterations.
	DefaultMaxPIRLSIter = 10

	// DefaultMaxFeval is the default limit on objective evaluations.
	DefaultMaxFeval = 10000

	// DefaultFTolAbs is the default absolute tolerance on the change in
	// the objective used by the default minimizer.
	DefaultFTolAbs = 1e-8
)

// LMMConfig defines configuration parameters for a linear mixed model.
type LMMConfig struct {

	// Use the REML criterion rather than maximum likelihood
	REML bool

	// Prior case weights, all weights are 1 if nil
	Weights []float64

	// A logger to which warnings and fitting information are written,
	// if nil nothing is logged
	Log *log.Logger

	// Log every objective evaluation
	Verbose bool

	// Random-effects cross-products with a larger fraction of nonzero
	// blocks are stored densely
	DenseFillThreshold float64

	// Grouping factors whose random-effects terms have uncorrelated
	// components
	ZeroCorr []string

	// The optimizer, NelderMead is used if nil
	Minimizer Minimizer

	// Maximum number of objective evaluations
	MaxFeval int

	// Absolute tolerance on the change in the objective
	FTolAbs float64
}

// DefaultLMMConfig returns default configuration values for a linear
// mixed model.
func DefaultLMMConfig() *LMMConfig {
	return &LMMConfig{
		DenseFillThreshold: DefaultDenseFillThreshold,
		MaxFeval:           DefaultMaxFeval,
		FTolAbs:            DefaultFTolAbs,
	}
}

// GLMMConfig defines configuration parameters for a generalized linear
// mixed model.  The REML field of the embedded LMMConfig is ignored.
type GLMMConfig struct {
	LMMConfig

	// The response family, required
	Family *glm.Family

	// The link function, the canonical link of the family is used if nil
	Link *glm.Link

	// Offset added to the linear predictor, omitted if nil
	Offset []float64

	// Number of adaptive Gauss-Hermite quadrature nodes, 1 gives the
	// Laplace approximation
	NAGQ int

	// Optimize over θ only, obtaining the fixed effects by PIRLS
	Fast bool

	// Maximum number of PIRLS iterations
	MaxPIRLSIter int
}

// DefaultGLMMConfig returns default configuration values for a
// generalized linear mixed model of the given family.
func DefaultGLMMConfig(fam *glm.Family) *GLMMConfig {
	return &GLMMConfig{
		LMMConfig:    *DefaultLMMConfig(),
		Family:       fam,
		NAGQ:         1,
		MaxPIRLSIter: DefaultMaxPIRLSIter,
	}
}

// fillDefaults replaces unset numeric fields with their defaults.
func (c *LMMConfig) fillDefaults() {
	if c.DenseFillThreshold <= 0 {
		c.DenseFillThreshold = DefaultDenseFillThreshold
	}
	if c.MaxFeval <= 0 {
		c.MaxFeval = DefaultMaxFeval
	}
	if c.FTolAbs <= 0 {
		c.FTolAbs = DefaultFTolAbs
	}
	if c.Minimizer == nil {
		c.Minimizer = &NelderMead{MaxFeval: c.MaxFeval, FTolAbs: c.FTolAbs}
	}
}
