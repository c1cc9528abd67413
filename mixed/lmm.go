package mixed

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// LMM is a linear mixed model.
type LMM struct {

	// The fixed-effects design
	fe *FeMat

	// The full-rank columns of the fixed-effects design followed by
	// the response
	xy *FeMat

	// The random-effects terms, amalgamated by grouping factor and
	// sorted by decreasing number of levels
	reterms []*ReMat

	// The response
	y []float64

	// Square roots of the case weights, nil if unweighted
	sqrtwts []float64

	// Lower triangles of the blocked cross-product matrix and its
	// Cholesky factor, indexed by blk
	A []mat.Matrix
	L []mat.Matrix

	config LMMConfig

	optsum *OptSummary

	// Scratch for the scale-inflate kernel and for b = Λu
	work, bwork []float64

	warnings []string
}

// blk returns the position of block (i, j), i >= j, in the packed lower
// triangle of a blocked matrix.
func blk(i, j int) int {
	return i*(i+1)/2 + j
}

// NewLMM returns a linear mixed model for the response y, with the
// fixed-effects design x whose columns are named by xnames, and the
// given random-effects terms.  Terms with the same grouping factor name
// are combined into a single term.  If config is nil a default
// configuration is used.
func NewLMM(y []float64, x mat.Matrix, xnames []string, terms []*ReMat, config *LMMConfig) (*LMM, error) {

	if config == nil {
		config = DefaultLMMConfig()
	}
	cfg := *config
	cfg.fillDefaults()

	fe, err := NewFeMat(x, xnames)
	if err != nil {
		return nil, err
	}
	n := len(y)
	if fe.nobs != n {
		return nil, fmt.Errorf("design has %d rows, response has length %d: %w", fe.nobs, n, ErrDimension)
	}

	if len(terms) == 0 {
		return nil, fmt.Errorf("at least one random-effects term is required: %w", ErrDimension)
	}
	cl := make([]*ReMat, len(terms))
	for j, re := range terms {
		if re.NObs() != n {
			return nil, fmt.Errorf("term %s has %d observations, response has %d: %w", re.name, re.NObs(), n, ErrDimension)
		}
		cl[j] = re.clone()
	}
	reterms, err := amalgamate(cl)
	if err != nil {
		return nil, err
	}

	for _, na := range cfg.ZeroCorr {
		var found bool
		for _, re := range reterms {
			if re.name == na {
				re.ZeroCorr()
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("no random-effects term for %s: %w", na, ErrDimension)
		}
	}

	sort.SliceStable(reterms, func(i, j int) bool {
		return reterms[i].NLevels() > reterms[j].NLevels()
	})

	xy, err := newXy(fe, y)
	if err != nil {
		return nil, err
	}

	m := &LMM{
		fe:      fe,
		xy:      xy,
		reterms: reterms,
		y:       append([]float64(nil), y...),
		config:  cfg,
	}

	if fe.warning != "" {
		m.warn(fe.warning)
	}

	if cfg.Weights != nil {
		sw, err := sqrtWeights(cfg.Weights, n)
		if err != nil {
			return nil, err
		}
		if err := m.setWeights(sw); err != nil {
			return nil, err
		}
	}

	m.createAL()

	theta := m.Theta()
	m.optsum = newOptSummary(theta, m.LowerBounds())
	m.optsum.REML = cfg.REML

	if err := m.updateL(); err != nil {
		return nil, err
	}

	return m, nil
}

// sqrtWeights returns the square roots of case weights, which must be
// non-negative.
func sqrtWeights(wts []float64, n int) ([]float64, error) {
	if len(wts) != n {
		return nil, fmt.Errorf("%d weights for %d observations: %w", len(wts), n, ErrDimension)
	}
	sw := make([]float64, n)
	for i, w := range wts {
		if w < 0 || math.IsNaN(w) {
			return nil, fmt.Errorf("invalid weight %v at position %d", w, i)
		}
		sw[i] = math.Sqrt(w)
	}
	return sw, nil
}

// setWeights applies the square roots of the case weights to all blocks
// of the model matrix.  The cross-products are not updated.
func (m *LMM) setWeights(sqrtwts []float64) error {
	m.sqrtwts = sqrtwts
	if err := m.xy.reweight(sqrtwts); err != nil {
		return err
	}
	for _, re := range m.reterms {
		if err := re.reweight(sqrtwts); err != nil {
			return err
		}
	}
	return nil
}

// reweight installs new case weights given as square roots, and updates
// the cross-products and the Cholesky factor.
func (m *LMM) reweight(sqrtwts []float64) error {
	if err := m.setWeights(sqrtwts); err != nil {
		return err
	}
	if err := m.updateA(); err != nil {
		return err
	}
	return m.updateL()
}

// createAL allocates and fills the cross-product blocks, and allocates
// the Cholesky factor blocks.  A diagonal block of L keeps the
// structured storage of A only if the grouping factors of all earlier
// terms are nested within its grouping factor, otherwise fill-in makes
// it dense.
func (m *LMM) createAL() {

	k := len(m.reterms)
	nb := blk(k, k) + 1
	m.A = make([]mat.Matrix, nb)
	m.L = make([]mat.Matrix, nb)
	thresh := m.config.DenseFillThreshold

	for i, ri := range m.reterms {
		for j := 0; j < i; j++ {
			m.A[blk(i, j)] = crossProduct(ri, m.reterms[j], thresh)
		}
		m.A[blk(i, i)] = ri.selfProduct()
	}

	p1 := m.xy.ncol
	for j, re := range m.reterms {
		d := mat.NewDense(p1, re.NRanef(), nil)
		xyCrossProductInto(d, m.xy, re)
		m.A[blk(k, j)] = d
	}
	xx := mat.NewDense(p1, p1, nil)
	wx := m.xy.Wtx()
	xx.Mul(wx.T(), wx)
	m.A[blk(k, k)] = xx

	diagStructured := make([]bool, k)
	for j := range diagStructured {
		diagStructured[j] = true
		for jj := 0; jj < j; jj++ {
			if !diagStructured[jj] || !isNested(m.reterms[jj], m.reterms[j]) {
				diagStructured[j] = false
				break
			}
		}
	}

	for i := 0; i <= k; i++ {
		for j := 0; j <= i; j++ {
			a := m.A[blk(i, j)]
			switch {
			case i == j && i < k && diagStructured[i]:
				m.L[blk(i, j)] = cloneBlock(a)
			case i > j && i < k && j == 0:
				m.L[blk(i, j)] = cloneBlock(a)
			default:
				m.L[blk(i, j)] = densify(a)
			}
		}
	}
}

// updateA recomputes the cross-product blocks from the weighted model
// matrices, keeping their storage.
func (m *LMM) updateA() error {

	k := len(m.reterms)
	for i, ri := range m.reterms {
		for j := 0; j < i; j++ {
			if err := crossProductInto(m.A[blk(i, j)], ri, m.reterms[j]); err != nil {
				return err
			}
		}
		ri.selfProductInto(m.A[blk(i, i)])
	}

	for j, re := range m.reterms {
		xyCrossProductInto(m.A[blk(k, j)].(*mat.Dense), m.xy, re)
	}
	wx := m.xy.Wtx()
	m.A[blk(k, k)].(*mat.Dense).Mul(wx.T(), wx)

	return nil
}

// updateL recomputes the blocked Cholesky factor L from A and the
// current values of θ.
func (m *LMM) updateL() error {

	k := len(m.reterms)

	for j, rj := range m.reterms {
		m.work = resize(m.work, rj.s*rj.s)
		if err := scaleInflate(m.L[blk(j, j)], m.A[blk(j, j)], rj.lambda, m.work); err != nil {
			return err
		}
		for i := j + 1; i <= k; i++ {
			lij := m.L[blk(i, j)]
			if err := copyBlock(lij, m.A[blk(i, j)]); err != nil {
				return err
			}
			if err := rmulLambda(lij, rj); err != nil {
				return err
			}
		}
		for jj := 0; jj < j; jj++ {
			if err := lmulLambdaT(rj, m.L[blk(j, jj)]); err != nil {
				return err
			}
		}
	}
	if err := copyBlock(m.L[blk(k, k)], m.A[blk(k, k)]); err != nil {
		return err
	}

	for j := 0; j <= k; j++ {
		ljj := m.L[blk(j, j)]
		for jj := 0; jj < j; jj++ {
			if err := rankUpdate(ljj, m.L[blk(j, jj)]); err != nil {
				return err
			}
		}
		if err := cholesky(ljj); err != nil {
			return err
		}
		for i := j + 1; i <= k; i++ {
			lij := m.L[blk(i, j)]
			if j > 0 {
				d := lij.(*mat.Dense)
				for jj := 0; jj < j; jj++ {
					if err := mulABtSub(d, m.L[blk(i, jj)], m.L[blk(j, jj)]); err != nil {
						return err
					}
				}
			}
			if err := rdivLt(lij, ljj); err != nil {
				return err
			}
		}
	}

	return nil
}

// Theta returns the covariance parameters of all random-effects terms.
func (m *LMM) Theta() []float64 {
	var theta []float64
	for _, re := range m.reterms {
		theta = append(theta, re.Theta(nil)...)
	}
	return theta
}

// NTheta returns the number of covariance parameters.
func (m *LMM) NTheta() int {
	var n int
	for _, re := range m.reterms {
		n += re.NTheta()
	}
	return n
}

// setTheta installs the covariance parameters into the terms.  The
// Cholesky factor is not updated.
func (m *LMM) setTheta(theta []float64) error {
	if len(theta) != m.NTheta() {
		return fmt.Errorf("%d covariance parameters, expected %d: %w", len(theta), m.NTheta(), ErrDimension)
	}
	var pos int
	for _, re := range m.reterms {
		nt := re.NTheta()
		if err := re.SetTheta(theta[pos : pos+nt]); err != nil {
			return err
		}
		pos += nt
	}
	return nil
}

// LowerBounds returns the lower bounds of the covariance parameters.
func (m *LMM) LowerBounds() []float64 {
	var lb []float64
	for _, re := range m.reterms {
		lb = append(lb, re.LowerBounds()...)
	}
	return lb
}

// evalObjective installs θ, updates the Cholesky factor and returns the
// objective.
func (m *LMM) evalObjective(theta []float64) (float64, error) {
	if err := m.setTheta(theta); err != nil {
		return 0, err
	}
	if err := m.updateL(); err != nil {
		return 0, err
	}
	return m.Objective(), nil
}

// lkk returns the last diagonal block of L.
func (m *LMM) lkk() *mat.Dense {
	k := len(m.reterms)
	return m.L[blk(k, k)].(*mat.Dense)
}

// logdet returns the log determinant of ΛᵀZᵀWZΛ + I, plus that of the
// fixed-effects block for REML.
func (m *LMM) logdet() float64 {
	var ld float64
	for j := range m.reterms {
		ld += logDiag(m.L[blk(j, j)])
	}
	if m.config.REML {
		lkk := m.lkk()
		for i := 0; i < m.fe.rank; i++ {
			ld += math.Log(lkk.At(i, i))
		}
	}
	return 2 * ld
}

// pwrss returns the penalized, weighted residual sum of squares.
func (m *LMM) pwrss() float64 {
	p := m.fe.rank
	v := m.lkk().At(p, p)
	return v * v
}

// dof returns the denominator degrees of freedom of the residual
// variance estimate.
func (m *LMM) dof() float64 {
	if m.config.REML {
		return float64(m.fe.nobs - m.fe.rank)
	}
	return float64(m.fe.nobs)
}

// Objective returns the profiled deviance, or the REML criterion, at the
// current value of θ.
func (m *LMM) Objective() float64 {
	dof := m.dof()
	val := m.logdet() + dof*(1+math.Log(2*math.Pi)+math.Log(m.pwrss()/dof))
	if m.sqrtwts != nil {
		for _, w := range m.sqrtwts {
			val -= 2 * math.Log(w)
		}
	}
	return val
}

// Sigma returns the estimated residual standard deviation.
func (m *LMM) Sigma() float64 {
	return math.Sqrt(m.pwrss() / m.dof())
}

// Fixef returns the estimated coefficients of the full-rank columns of
// the fixed-effects design, in pivoted order.
func (m *LMM) Fixef() []float64 {

	p := m.fe.rank
	beta := make([]float64, p)
	if p == 0 {
		return beta
	}

	lkk := m.lkk().RawMatrix()
	copy(beta, lkk.Data[p*lkk.Stride:p*lkk.Stride+p])
	lxx := blas64.General{Rows: p, Cols: p, Stride: lkk.Stride, Data: lkk.Data}
	blas64.Trsv(blas.Trans, lowerTri(lxx), blas64.Vector{N: p, Inc: 1, Data: beta})

	return beta
}

// FixefNames returns the names of the coefficients returned by Fixef.
func (m *LMM) FixefNames() []string {
	return m.fe.cnames[0:m.fe.rank]
}

// Coef returns the fixed-effects coefficients in the original column
// order.  Coefficients of columns dropped due to rank deficiency are -0.
func (m *LMM) Coef() []float64 {
	return unpivot(m.fe, m.Fixef())
}

// unpivot places pivoted coefficients in original column order, filling
// dropped columns with negative zero.
func unpivot(fe *FeMat, beta []float64) []float64 {
	coef := make([]float64, fe.ncol)
	for j, k := range fe.piv {
		if j < fe.rank {
			coef[k] = beta[j]
		} else {
			coef[k] = math.Copysign(0, -1)
		}
	}
	return coef
}

// unscaledVcov returns (L_XX L_XXᵀ)⁻¹ for the leading p×p block of lkk.
func unscaledVcov(lkk *mat.Dense, p int) *mat.SymDense {

	if p == 0 {
		return nil
	}

	lower := mat.NewTriDense(p, mat.Lower, nil)
	lower.Copy(lkk.Slice(0, p, 0, p))
	var inv mat.TriDense
	if err := inv.InverseTri(lower); err != nil {
		// Ill-conditioned factors still produce an inverse.
		var c mat.Condition
		if !errors.As(err, &c) || math.IsInf(float64(c), 1) {
			nan := make([]float64, p*p)
			for i := range nan {
				nan[i] = math.NaN()
			}
			return mat.NewSymDense(p, nan)
		}
	}

	v := mat.NewSymDense(p, nil)
	v.SymOuterK(1, inv.T())

	return v
}

// Vcov returns the estimated covariance matrix of the coefficients
// returned by Fixef.
func (m *LMM) Vcov() *mat.SymDense {
	v := unscaledVcov(m.lkk(), m.fe.rank)
	if v != nil {
		s := m.Sigma()
		v.ScaleSym(s*s, v)
	}
	return v
}

// StdErr returns the standard errors of the coefficients returned by
// Fixef.
func (m *LMM) StdErr() []float64 {
	return stdErr(m.Vcov(), m.fe.rank)
}

func stdErr(v *mat.SymDense, p int) []float64 {
	se := make([]float64, p)
	for i := range se {
		se[i] = math.Sqrt(v.At(i, i))
	}
	return se
}

// Ranef returns the conditional modes of the random effects, one s×k
// matrix per term with a column for each level.  If uscale is true the
// spherical random effects u are returned, otherwise b = Λu.
func (m *LMM) Ranef(uscale bool) []*mat.Dense {
	v := m.ranef(m.Fixef(), uscale)
	return ranefMatrices(m.reterms, v)
}

func ranefMatrices(reterms []*ReMat, v [][]float64) []*mat.Dense {
	out := make([]*mat.Dense, len(reterms))
	for j, re := range reterms {
		s, k := re.s, re.NLevels()
		d := mat.NewDense(s, k, nil)
		for l := 0; l < k; l++ {
			for r := 0; r < s; r++ {
				d.Set(r, l, v[j][l*s+r])
			}
		}
		out[j] = d
	}
	return out
}

// ranef returns the conditional modes of the random effects given the
// fixed effects beta, as flat vectors indexed by level*s + component.
func (m *LMM) ranef(beta []float64, uscale bool) [][]float64 {
	v := make([][]float64, len(m.reterms))
	for j, re := range m.reterms {
		v[j] = make([]float64, re.NRanef())
	}
	m.ranefInto(v, beta, uscale)
	return v
}

// ranefInto solves Lᵀu = c for the spherical random effects, where c is
// formed from the response row of L and beta.
func (m *LMM) ranefInto(v [][]float64, beta []float64, uscale bool) {

	k := len(m.reterms)
	p := len(beta)

	for j := range m.reterms {
		lkj := m.L[blk(k, j)].(*mat.Dense)
		copy(v[j], lkj.RawRowView(p))
		if p > 0 {
			q := len(v[j])
			mulAtVecSub(v[j], lkj.Slice(0, p, 0, q), beta)
		}
	}

	for i := k - 1; i >= 0; i-- {
		ldivLt(m.L[blk(i, i)], v[i])
		for j := 0; j < i; j++ {
			mulAtVecSub(v[j], m.L[blk(i, j)], v[i])
		}
	}

	if uscale {
		return
	}
	for j, re := range m.reterms {
		m.bwork = resize(m.bwork, len(v[j]))
		re.mulLambda(m.bwork, v[j])
		copy(v[j], m.bwork)
	}
}

// linearPredictor returns Xβ + Zb using unweighted model matrices.
func linearPredictor(fe *FeMat, beta []float64, reterms []*ReMat, b [][]float64, eta []float64) {

	for i := range eta {
		eta[i] = 0
	}
	if p := len(beta); p > 0 {
		x := fe.x.Slice(0, fe.nobs, 0, p)
		etav := mat.NewVecDense(len(eta), eta)
		etav.MulVec(x, mat.NewVecDense(p, beta))
	}
	for j, re := range reterms {
		re.addZb(eta, b[j])
	}
}

// FittedValues returns the conditional fitted values Xβ + Zb.
func (m *LMM) FittedValues() []float64 {
	eta := make([]float64, m.fe.nobs)
	beta := m.Fixef()
	linearPredictor(m.fe, beta, m.reterms, m.ranef(beta, false), eta)
	return eta
}

// Residuals returns the response minus the conditional fitted values.
func (m *LMM) Residuals() []float64 {
	r := m.FittedValues()
	floats.SubTo(r, m.y, r)
	return r
}

// NObs returns the number of observations.
func (m *LMM) NObs() int {
	return m.fe.nobs
}

// DOF returns the number of model parameters: the fixed effects, the
// covariance parameters and the residual variance.
func (m *LMM) DOF() int {
	return m.fe.rank + m.NTheta() + 1
}

// Deviance returns the objective at the current θ, which is the
// deviance for a maximum likelihood fit.
func (m *LMM) Deviance() float64 {
	return m.Objective()
}

// LogLik returns the log-likelihood, or the REML log-criterion for a
// REML fit.
func (m *LMM) LogLik() float64 {
	return -m.Objective() / 2
}

// AIC returns the Akaike information criterion.
func (m *LMM) AIC() float64 {
	return m.Objective() + 2*float64(m.DOF())
}

// BIC returns the Bayesian information criterion.
func (m *LMM) BIC() float64 {
	return m.Objective() + float64(m.DOF())*math.Log(float64(m.NObs()))
}

// IsREML returns true if the model uses the REML criterion.
func (m *LMM) IsREML() bool {
	return m.config.REML
}

// ReTerms returns the random-effects terms of the model, after
// amalgamation and sorting.
func (m *LMM) ReTerms() []*ReMat {
	return m.reterms
}

// FeMat returns the fixed-effects design.
func (m *LMM) FeMat() *FeMat {
	return m.fe
}

// OptSummary returns the optimization summary.
func (m *LMM) OptSummary() *OptSummary {
	return m.optsum
}

// Warnings returns the non-fatal diagnostics raised by the model.
func (m *LMM) Warnings() []string {
	return m.warnings
}

func (m *LMM) warn(msg string) {
	m.warnings = append(m.warnings, msg)
	if m.config.Log != nil {
		m.config.Log.Printf("warning: %s", msg)
	}
}

// Reset clears the results of a fit and restores the initial θ, so that
// the model can be fitted again.
func (m *LMM) Reset() error {
	m.optsum.reset()
	if err := m.setTheta(m.optsum.Initial); err != nil {
		return err
	}
	return m.updateL()
}

// Refit replaces the response and fits the model again, starting from
// the initial θ.
func (m *LMM) Refit(y []float64) error {

	if len(y) != m.fe.nobs {
		return fmt.Errorf("response has length %d, expected %d: %w", len(y), m.fe.nobs, ErrDimension)
	}
	copy(m.y, y)
	m.xy.setY(y)
	if m.sqrtwts != nil {
		if err := m.xy.reweight(m.sqrtwts); err != nil {
			return err
		}
	}
	if err := m.updateA(); err != nil {
		return err
	}
	if err := m.Reset(); err != nil {
		return err
	}

	return m.Fit()
}
