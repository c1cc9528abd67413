package mixed

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/kshedden/mixedmodel/glm"
)

// PIRLSStatus describes how a run of PIRLS ended.
type PIRLSStatus int

const (
	// PIRLSConverged means the objective changed by less than PIRLSTol.
	PIRLSConverged PIRLSStatus = iota

	// PIRLSAccepted means the iteration limit was reached.
	PIRLSAccepted

	// PIRLSDiverged means step halving failed in the first iteration.
	PIRLSDiverged
)

func (s PIRLSStatus) String() string {
	switch s {
	case PIRLSConverged:
		return "Converged"
	case PIRLSAccepted:
		return "Accepted"
	case PIRLSDiverged:
		return "Diverged"
	}
	return fmt.Sprintf("PIRLSStatus(%d)", int(s))
}

// GLMM is a generalized linear mixed model.  An inner linear mixed
// model holds the working response and working weights of the current
// PIRLS iteration.
type GLMM struct {

	lmm *LMM

	resp *glm.Response

	// Fixed effects of the full-rank columns, and the previous iterate
	beta, beta0 []float64

	// The starting values of the fixed effects
	betaStart []float64

	// Spherical random effects, the previous iterate, and b = Λu
	u, u0, b [][]float64

	// The linear predictor without the offset
	eta []float64

	// Per-level deviance components and scratch for quadrature
	devc, devc0, sd, mult []float64

	// Square roots of the working weights
	sw []float64

	config GLMMConfig

	optsum *OptSummary

	pirlsStatus PIRLSStatus

	// The PIRLS objective after each accepted iteration of the most
	// recent PIRLS run
	pirlsTrace []float64

	warnings []string
}

// NewGLMM returns a generalized linear mixed model for the response y,
// with the fixed-effects design x whose columns are named by xnames, and
// the given random-effects terms.  The family must be set in config.
// The fixed effects are started at the estimates of a GLM without random
// effects.
func NewGLMM(y []float64, x mat.Matrix, xnames []string, terms []*ReMat, config *GLMMConfig) (*GLMM, error) {

	if config == nil || config.Family == nil {
		return nil, fmt.Errorf("mixed: a response family is required")
	}
	cfg := *config
	cfg.fillDefaults()
	if cfg.NAGQ <= 0 {
		cfg.NAGQ = 1
	}
	if cfg.MaxPIRLSIter <= 0 {
		cfg.MaxPIRLSIter = DefaultMaxPIRLSIter
	}

	// The inner model is unweighted until the working weights are
	// installed, and always uses maximum likelihood.
	lcfg := cfg.LMMConfig
	lcfg.REML = false
	lcfg.Weights = nil
	lmm, err := NewLMM(y, x, xnames, terms, &lcfg)
	if err != nil {
		return nil, err
	}

	resp, err := glm.NewResponse(y, cfg.Family, cfg.Link, nil, cfg.Weights, cfg.Offset)
	if err != nil {
		return nil, err
	}

	m := &GLMM{
		lmm:    lmm,
		resp:   resp,
		config: cfg,
		eta:    make([]float64, len(y)),
	}
	m.warnings = append(m.warnings, lmm.warnings...)

	if cfg.Family.HasDispersion() {
		m.warn(fmt.Sprintf("the %s family has a dispersion parameter, results may not be reliable", cfg.Family.Name))
	}

	for _, re := range lmm.reterms {
		q := re.NRanef()
		m.u = append(m.u, make([]float64, q))
		m.u0 = append(m.u0, make([]float64, q))
		m.b = append(m.b, make([]float64, q))
	}

	if m.beta, err = m.startValues(y); err != nil {
		return nil, err
	}
	m.beta0 = append([]float64(nil), m.beta...)
	m.betaStart = append([]float64(nil), m.beta...)

	m.optsum = newOptSummary(m.initialParams(), m.lowerBounds())
	m.optsum.NAGQ = cfg.NAGQ

	if _, err := m.devianceUpdate(1); err != nil {
		return nil, err
	}

	return m, nil
}

// startValues fits a GLM without random effects to the full-rank
// columns of the fixed-effects design.
func (m *GLMM) startValues(y []float64) ([]float64, error) {

	fe := m.lmm.fe
	if fe.rank == 0 {
		return nil, nil
	}

	gc := glm.DefaultGLMConfig()
	gc.Family = m.config.Family
	gc.Link = m.config.Link
	gc.Weights = m.config.Weights
	gc.Offset = m.config.Offset
	gc.Log = m.config.Log

	g, err := glm.NewGLM(y, fe.fullRankCols(), fe.cnames[0:fe.rank], gc)
	if err != nil {
		return nil, err
	}
	rslt, err := g.Fit()
	if err != nil {
		return nil, fmt.Errorf("mixed: fitting starting values: %w", err)
	}
	if m.config.Verbose && m.config.Log != nil {
		m.config.Log.Printf("starting values:\n%s", rslt.Summary())
	}

	return append([]float64(nil), rslt.Params()...), nil
}

// initialParams returns the starting values of the optimization
// parameters: θ for a fast fit, and β followed by θ otherwise.
func (m *GLMM) initialParams() []float64 {
	theta := m.lmm.optsum.Initial
	if m.config.Fast {
		return append([]float64(nil), theta...)
	}
	return append(append([]float64(nil), m.beta...), theta...)
}

func (m *GLMM) lowerBounds() []float64 {
	lb := m.lmm.LowerBounds()
	if m.config.Fast {
		return lb
	}
	blb := make([]float64, len(m.beta))
	for i := range blb {
		blb[i] = math.Inf(-1)
	}
	return append(blb, lb...)
}

// updateEta sets b = Λu, the linear predictor Xβ + Zb and the response.
func (m *GLMM) updateEta() {
	for j, re := range m.lmm.reterms {
		re.mulLambda(m.b[j], m.u[j])
	}
	linearPredictor(m.lmm.fe, m.beta, m.lmm.reterms, m.b, m.eta)
	m.resp.Update(m.eta)
}

// devianceUpdate updates the linear predictor, installs the working
// response and working weights in the inner model, refactors it, and
// returns the deviance.
func (m *GLMM) devianceUpdate(nagq int) (float64, error) {

	m.updateEta()
	m.lmm.xy.setY(m.resp.WrkResp)

	m.sw = resize(m.sw, len(m.resp.WrkWt))
	for i, w := range m.resp.WrkWt {
		m.sw[i] = math.Sqrt(w)
	}
	if err := m.lmm.reweight(m.sw); err != nil {
		return 0, err
	}

	return m.deviance(nagq)
}

// laplace returns the Laplace approximation to the deviance at the
// current state.
func (m *GLMM) laplace() float64 {
	val := m.resp.Deviance() + m.lmm.logdet()
	for _, u := range m.u {
		val += floats.Dot(u, u)
	}
	return val
}

// deviance returns the Laplace approximation to the deviance if nagq is
// 1, and the adaptive Gauss-Hermite approximation otherwise.
func (m *GLMM) deviance(nagq int) (float64, error) {
	if nagq <= 1 {
		return m.laplace(), nil
	}
	return m.agqDeviance(nagq)
}

// pirls finds the conditional modes of the random effects, and of the
// fixed effects if varyBeta is true, by penalized iteratively reweighted
// least squares.
func (m *GLMM) pirls(varyBeta bool) (PIRLSStatus, error) {

	for j := range m.u {
		zero(m.u[j])
		zero(m.u0[j])
	}
	copy(m.beta0, m.beta)
	m.pirlsTrace = m.pirlsTrace[:0]

	obj0, err := m.devianceUpdate(1)
	if err != nil {
		return PIRLSDiverged, err
	}
	obj0 *= 1.0001

	for iter := 1; iter <= m.config.MaxPIRLSIter; iter++ {

		if varyBeta {
			copy(m.beta, m.lmm.Fixef())
		}
		m.lmm.ranefInto(m.u, m.beta, true)
		obj, err := m.devianceUpdate(1)
		if err != nil {
			return PIRLSDiverged, err
		}

		var nhalf int
		for obj > obj0 {
			nhalf++
			if nhalf > MaxHalvings {
				if iter == 1 {
					m.pirlsStatus = PIRLSDiverged
					return PIRLSDiverged, ErrStepHalving
				}
				break
			}
			for j := range m.u {
				average(m.u[j], m.u0[j])
			}
			if varyBeta {
				average(m.beta, m.beta0)
			}
			if obj, err = m.devianceUpdate(1); err != nil {
				return PIRLSDiverged, err
			}
		}

		m.pirlsTrace = append(m.pirlsTrace, obj)
		if math.Abs(obj-obj0) < PIRLSTol {
			m.pirlsStatus = PIRLSConverged
			return PIRLSConverged, nil
		}

		for j := range m.u {
			copy(m.u0[j], m.u[j])
		}
		copy(m.beta0, m.beta)
		obj0 = obj
	}

	m.pirlsStatus = PIRLSAccepted
	return PIRLSAccepted, nil
}

// average sets x to the midpoint of x and y.
func average(x, y []float64) {
	for i := range x {
		x[i] = (x[i] + y[i]) / 2
	}
}

func zero(x []float64) {
	for i := range x {
		x[i] = 0
	}
}

// setParams installs the optimization parameters.
func (m *GLMM) setParams(x []float64) error {
	theta := x
	if !m.config.Fast {
		p := len(m.beta)
		copy(m.beta, x[0:p])
		theta = x[p:]
	}
	return m.lmm.setTheta(theta)
}

// evalObjective installs the parameters, runs PIRLS and returns the
// deviance.
func (m *GLMM) evalObjective(x []float64) (float64, error) {
	if err := m.setParams(x); err != nil {
		return 0, err
	}
	if _, err := m.pirls(m.config.Fast); err != nil {
		return 0, err
	}
	return m.deviance(m.config.NAGQ)
}

// fitObjective is the objective seen by the minimizer.  Points where
// PIRLS cannot get started have an infinite objective.
func (m *GLMM) fitObjective(x []float64) (float64, error) {
	v, err := m.evalObjective(x)
	if errors.Is(err, ErrStepHalving) {
		return math.Inf(1), nil
	}
	return v, err
}

// Fit estimates the parameters, and installs the model at the optimum.
// With the Fast option only θ is optimized, and the fixed effects are
// found by PIRLS.  Otherwise the fixed effects and θ are optimized
// jointly.
func (m *GLMM) Fit() error {

	if m.optsum.started() {
		return ErrAlreadyFitted
	}
	if err := m.checkAGQ(m.config.NAGQ); err != nil {
		return err
	}

	lg := m.config.Log
	xmin, err := minimize(m.optsum, m.config.Minimizer, m.fitObjective, lg, m.config.Verbose)
	if err != nil {
		return err
	}

	if _, err := m.evalObjective(xmin); err != nil {
		return err
	}

	if msg := statusWarning(m.optsum.Status); msg != "" {
		m.warn(msg)
	}
	if m.pirlsStatus != PIRLSConverged {
		m.warn(fmt.Sprintf("PIRLS at the optimum ended with status %s", m.pirlsStatus))
	}
	if lg != nil {
		lg.Printf("fitted in %d evaluations, deviance %f", m.optsum.FEval, m.optsum.FMin)
	}

	return nil
}

// checkAGQ returns ErrAGQ if quadrature with nagq nodes is not available
// for the model.
func (m *GLMM) checkAGQ(nagq int) error {
	if nagq <= 1 {
		return nil
	}
	re := m.lmm.reterms
	if len(re) != 1 || re[0].s != 1 {
		return ErrAGQ
	}
	return nil
}

// Deviance returns the objective at the current parameter values, using
// the configured number of quadrature nodes.
func (m *GLMM) Deviance() (float64, error) {
	if err := m.checkAGQ(m.config.NAGQ); err != nil {
		return 0, err
	}
	return m.deviance(m.config.NAGQ)
}

// Objective returns the Laplace approximation to the deviance at the
// current parameter values.
func (m *GLMM) Objective() float64 {
	return m.laplace()
}

// LogLik returns the Laplace approximation to the log-likelihood.
func (m *GLMM) LogLik() float64 {
	v := m.lmm.logdet()
	for _, u := range m.u {
		v += floats.Dot(u, u)
	}
	return m.resp.LogLike() - v/2
}

// Fixef returns the fixed effects of the full-rank columns of the
// design, in pivoted order.
func (m *GLMM) Fixef() []float64 {
	return append([]float64(nil), m.beta...)
}

// FixefNames returns the names of the coefficients returned by Fixef.
func (m *GLMM) FixefNames() []string {
	return m.lmm.FixefNames()
}

// Coef returns the fixed effects in the original column order, with -0
// for columns dropped due to rank deficiency.
func (m *GLMM) Coef() []float64 {
	return unpivot(m.lmm.fe, m.beta)
}

// Theta returns the covariance parameters.
func (m *GLMM) Theta() []float64 {
	return m.lmm.Theta()
}

// Dispersion returns the estimated dispersion parameter, which is 1 for
// families without a dispersion parameter.
func (m *GLMM) Dispersion() float64 {
	if !m.resp.HasDispersion() {
		return 1
	}
	return m.resp.PearsonChi2() / float64(m.NObs()-len(m.beta))
}

// Sigma returns the square root of the dispersion.
func (m *GLMM) Sigma() float64 {
	return math.Sqrt(m.Dispersion())
}

// Vcov returns the estimated covariance matrix of the coefficients
// returned by Fixef.
func (m *GLMM) Vcov() *mat.SymDense {
	v := unscaledVcov(m.lmm.lkk(), len(m.beta))
	if v != nil {
		v.ScaleSym(m.Dispersion(), v)
	}
	return v
}

// StdErr returns the standard errors of the coefficients returned by
// Fixef.
func (m *GLMM) StdErr() []float64 {
	return stdErr(m.Vcov(), len(m.beta))
}

// Ranef returns the conditional modes of the random effects, one s×k
// matrix per term.  If uscale is true the spherical random effects are
// returned, otherwise b = Λu.
func (m *GLMM) Ranef(uscale bool) []*mat.Dense {
	if uscale {
		return ranefMatrices(m.lmm.reterms, m.u)
	}
	return ranefMatrices(m.lmm.reterms, m.b)
}

// FittedValues returns the conditional means of the response.
func (m *GLMM) FittedValues() []float64 {
	return append([]float64(nil), m.resp.Mu...)
}

// LinearPredictor returns the conditional linear predictor, including
// the offset.
func (m *GLMM) LinearPredictor() []float64 {
	return append([]float64(nil), m.resp.Eta...)
}

// Residuals returns the response minus the conditional means.
func (m *GLMM) Residuals() []float64 {
	r := make([]float64, m.NObs())
	floats.SubTo(r, m.resp.Y, m.resp.Mu)
	return r
}

// NObs returns the number of observations.
func (m *GLMM) NObs() int {
	return m.lmm.NObs()
}

// DOF returns the number of model parameters.
func (m *GLMM) DOF() int {
	d := len(m.beta) + m.lmm.NTheta()
	if m.resp.HasDispersion() {
		d++
	}
	return d
}

// AIC returns the Akaike information criterion.
func (m *GLMM) AIC() float64 {
	return -2*m.LogLik() + 2*float64(m.DOF())
}

// BIC returns the Bayesian information criterion.
func (m *GLMM) BIC() float64 {
	return -2*m.LogLik() + float64(m.DOF())*math.Log(float64(m.NObs()))
}

// PIRLSStatus returns the status of the most recent PIRLS run.
func (m *GLMM) PIRLSStatus() PIRLSStatus {
	return m.pirlsStatus
}

// ReTerms returns the random-effects terms of the model.
func (m *GLMM) ReTerms() []*ReMat {
	return m.lmm.reterms
}

// FeMat returns the fixed-effects design.
func (m *GLMM) FeMat() *FeMat {
	return m.lmm.fe
}

// Family returns the response family.
func (m *GLMM) Family() *glm.Family {
	return m.resp.Family()
}

// OptSummary returns the optimization summary.
func (m *GLMM) OptSummary() *OptSummary {
	return m.optsum
}

// Warnings returns the non-fatal diagnostics raised by the model.
func (m *GLMM) Warnings() []string {
	return m.warnings
}

func (m *GLMM) warn(msg string) {
	m.warnings = append(m.warnings, msg)
	if m.config.Log != nil {
		m.config.Log.Printf("warning: %s", msg)
	}
}

// Reset clears the results of a fit and restores the starting values.
func (m *GLMM) Reset() error {
	m.optsum.reset()
	copy(m.beta, m.betaStart)
	return m.setParams(m.optsum.Initial)
}
