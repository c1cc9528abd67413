package glm

import (
	"fmt"
	"log"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/kshedden/mixedmodel/statmodel"
)

// GLM represents a generalized linear model.
type GLM struct {

	// The covariates, stored by column
	xdat [][]float64

	// The covariate names
	xnames []string

	// The response, carrying the family, link, weights and offset
	resp *Response

	// The GLM variance function
	vari *Variance

	// Maximum number of IRLS iterations
	maxiter int

	// IRLS convergence tolerance for the change in deviance
	dtol float64

	// If not nil, write log messages here
	log *log.Logger

	// Use concurrent calculations in IRLS if the sample size is at least
	// as large as this value.
	concurrentIRLS int
}

// GLMConfig defines configuration parameters for a GLM.
type GLMConfig struct {

	// The family, the Gaussian family is used if nil
	Family *Family

	// The link function, the canonical link of the family is used if nil
	Link *Link

	// The variance function, the family variance is used if nil
	VarFunc *Variance

	// Frequency weights, all weights are 1 if nil
	Weights []float64

	// Offset added to the linear predictor, omitted if nil
	Offset []float64

	// Maximum number of IRLS iterations
	MaxIter int

	// IRLS stops when the deviance changes by less than DevTol
	DevTol float64

	// Use concurrent calculations in IRLS if the sample size is at least
	// as large as this value.
	ConcurrentIRLS int

	// A logger to which logging information is written
	Log *log.Logger
}

// DefaultGLMConfig returns default configuration values for a GLM.
func DefaultGLMConfig() *GLMConfig {
	return &GLMConfig{
		Family:         NewFamily(GaussianFamily),
		MaxIter:        20,
		DevTol:         1e-8,
		ConcurrentIRLS: 1000,
	}
}

// NewGLM returns a GLM for the response y and the covariates x, which
// are given by column.
func NewGLM(y []float64, x [][]float64, xnames []string, config *GLMConfig) (*GLM, error) {

	if config == nil {
		config = DefaultGLMConfig()
	}

	if len(xnames) != len(x) {
		return nil, fmt.Errorf("glm: %d covariate names for %d covariates", len(xnames), len(x))
	}
	for j := range x {
		if len(x[j]) != len(y) {
			return nil, fmt.Errorf("glm: covariate '%s' has length %d, response has length %d", xnames[j], len(x[j]), len(y))
		}
	}

	fam := config.Family
	if fam == nil {
		fam = NewFamily(GaussianFamily)
	}

	resp, err := NewResponse(y, fam, config.Link, config.VarFunc, config.Weights, config.Offset)
	if err != nil {
		return nil, err
	}

	maxiter := config.MaxIter
	if maxiter <= 0 {
		maxiter = 20
	}
	dtol := config.DevTol
	if dtol <= 0 {
		dtol = 1e-8
	}

	vari := config.VarFunc
	if vari == nil {
		vari = fam.Variance()
	}

	return &GLM{
		xdat:           x,
		xnames:         xnames,
		resp:           resp,
		vari:           vari,
		maxiter:        maxiter,
		dtol:           dtol,
		log:            config.Log,
		concurrentIRLS: config.ConcurrentIRLS,
	}, nil
}

// NumParams returns the number of covariates in the model.
func (glm *GLM) NumParams() int {
	return len(glm.xdat)
}

// NumObs returns the number of observations.
func (glm *GLM) NumObs() int {
	return glm.resp.Len()
}

// Response returns the response state, evaluated at the most recent
// parameter values.
func (glm *GLM) Response() *Response {
	return glm.resp
}

// linpred writes the linear predictor at params, excluding the
// offset, into lp.
func (glm *GLM) linpred(params, lp []float64) {
	zero(lp)
	for j, x := range glm.xdat {
		floats.AddScaled(lp, params[j], x)
	}
}

// LogLike returns the log-likelihood value for the generalized linear
// model at the given parameter values and scale.
func (glm *GLM) LogLike(params []float64, scale float64) float64 {

	lp := make([]float64, glm.NumObs())
	glm.linpred(params, lp)
	glm.resp.Update(lp)

	r := glm.resp
	return r.fam.LogLike(r.Y, r.Mu, r.Weights, scale, true)
}

// EstimateScale returns an estimate of the GLM scale parameter at the
// given parameter values, using the Pearson statistic.
func (glm *GLM) EstimateScale(params []float64) float64 {

	if !glm.resp.HasDispersion() {
		return 1
	}

	lp := make([]float64, glm.NumObs())
	glm.linpred(params, lp)
	glm.resp.Update(lp)

	ws := float64(glm.NumObs())
	if glm.resp.Weights != nil {
		ws = floats.Sum(glm.resp.Weights)
	}

	return glm.resp.PearsonChi2() / (ws - float64(glm.NumParams()))
}

// GLMResults describes the results of a fitted generalized linear model.
type GLMResults struct {
	statmodel.BaseResults

	glm *GLM

	scale float64
}

// Scale returns the estimated scale parameter.
func (rslt *GLMResults) Scale() float64 {
	return rslt.scale
}

// Fit estimates the parameters of the GLM using IRLS, and returns a
// results object.
func (glm *GLM) Fit() (*GLMResults, error) {

	if glm.log != nil {
		glm.log.Print("Unregularized fitting using IRLS\n")
	}

	params, err := glm.fitIRLS(glm.maxiter)
	if err != nil {
		return nil, err
	}

	scale := glm.EstimateScale(params)

	// The inverse of the expected information, evaluated at the
	// estimates.
	nvar := glm.NumParams()
	xtx := make([]float64, nvar*nvar)
	xty := make([]float64, nvar)
	glm.irlsXprod(glm.resp.WrkResp, glm.resp.WrkWt, xty, xtx)
	symmetrize(xtx, nvar)
	vcov := make([]float64, nvar*nvar)
	vm := mat.NewDense(nvar, nvar, vcov)
	if err := vm.Inverse(mat.NewDense(nvar, nvar, xtx)); err != nil {
		return nil, fmt.Errorf("glm: can't invert information matrix: %w", err)
	}
	floats.Scale(scale, vcov)

	ll := glm.LogLike(params, scale)

	results := &GLMResults{
		BaseResults: statmodel.NewBaseResults(ll, params, glm.xnames, vcov),
		glm:         glm,
		scale:       scale,
	}

	return results, nil
}

// resize returns a float64 slice of length n, using the initial
// subslice of x if it is big enough.
func resize(x []float64, n int) []float64 {
	if cap(x) >= n {
		return x[0:n]
	}
	return make([]float64, n)
}

// zero sets all elements of the slice to 0
func zero(x []float64) {
	for i := range x {
		x[i] = 0
	}
}

// one sets all elements of the slice to 1
func one(x []float64) {
	for i := range x {
		x[i] = 1
	}
}

// GLMSummary summarizes a fitted generalized linear model.
type GLMSummary struct {
	results *GLMResults
}

// String returns a string representation of a summary table for the model.
func (gs *GLMSummary) String() string {

	glm := gs.results.glm

	sum := &statmodel.SummaryTable{
		Title: "Generalized linear model analysis",
		Top: []string{
			fmt.Sprintf("Family:   %s", glm.resp.fam.Name),
			fmt.Sprintf("Link:     %s", glm.resp.link.Name),
			fmt.Sprintf("Variance: %s", glm.vari.Name),
			fmt.Sprintf("Num obs:  %d", glm.NumObs()),
			fmt.Sprintf("Scale:    %f", gs.results.scale),
		},
	}

	fs := statmodel.FmtStrings
	fn := statmodel.FmtFloats

	// Approximate 95% confidence limits
	pax := gs.results.Params()
	se := gs.results.StdErr()
	lcb := make([]float64, len(pax))
	ucb := make([]float64, len(pax))
	for j := range pax {
		lcb[j] = pax[j] - 2*se[j]
		ucb[j] = pax[j] + 2*se[j]
	}

	sum.ColNames = []string{"Variable   ", "Parameter", "SE", "LCB", "UCB", "Z-score", "P-value"}
	sum.ColFmt = []statmodel.Fmter{fs, fn, fn, fn, fn, fn, fn}
	sum.Cols = []interface{}{
		gs.results.Names(),
		pax,
		se,
		lcb,
		ucb,
		gs.results.ZScores(),
		gs.results.PValues(),
	}

	return sum.String()
}

// Summary displays a summary table of the model results.
func (rslt *GLMResults) Summary() *GLMSummary {
	return &GLMSummary{
		results: rslt,
	}
}
