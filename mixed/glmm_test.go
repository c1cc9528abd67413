package mixed

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/kshedden/mixedmodel/glm"
)

// simulateBernoulli returns binary data with a random intercept for each
// of k groups.
func simulateBernoulli(t *testing.T, n, k int, rng *rand.Rand) ([]float64, *mat.Dense, []string, *ReMat) {

	x, xnames := designMatrix(n, 2, rng)
	re := makeTerm(t, "g", blockRefs(n, k), k, 1, rng)

	b := make([]float64, k)
	for l := range b {
		b[l] = rng.NormFloat64()
	}

	y := make([]float64, n)
	for i := range y {
		eta := -0.5 + x.At(i, 1) + b[re.refs[i]]
		if rng.Float64() < 1/(1+math.Exp(-eta)) {
			y[i] = 1
		}
	}

	return y, x, xnames, re
}

func bernoulliModel(t *testing.T, seed int64, fast bool, nagq int) *GLMM {
	rng := rand.New(rand.NewSource(seed))
	y, x, xnames, re := simulateBernoulli(t, 300, 10, rng)
	cfg := DefaultGLMMConfig(glm.NewFamily(glm.BinomialFamily))
	cfg.Fast = fast
	cfg.NAGQ = nagq
	m, err := NewGLMM(y, x, xnames, []*ReMat{re}, cfg)
	require.NoError(t, err)
	return m
}

func TestGHNorm(t *testing.T) {

	gh, err := GHNorm(1)
	require.NoError(t, err)
	assert.Equal(t, []float64{0}, gh.Z)
	assert.Equal(t, []float64{1}, gh.W)

	gh, err = GHNorm(3)
	require.NoError(t, err)
	assert.True(t, floats.EqualApprox([]float64{-math.Sqrt(3), 0, math.Sqrt(3)}, gh.Z, 1e-12))
	assert.True(t, floats.EqualApprox([]float64{1.0 / 6, 2.0 / 3, 1.0 / 6}, gh.W, 1e-12))

	for _, k := range []int{2, 4, 5, 9, 15, 25} {
		gh, err := GHNorm(k)
		require.NoError(t, err)
		require.Len(t, gh.Z, k)

		// The rule integrates low-order moments of the standard normal
		// exactly.
		var m0, m1, m2, m4 float64
		for i, z := range gh.Z {
			w := gh.W[i]
			m0 += w
			m1 += w * z
			m2 += w * z * z
			m4 += w * z * z * z * z
		}
		assert.InDelta(t, 1, m0, 1e-12)
		assert.InDelta(t, 0, m1, 1e-12)
		assert.InDelta(t, 1, m2, 1e-10)
		if k >= 3 {
			assert.InDelta(t, 3, m4, 1e-9)
		}

		for i := 1; i < k; i++ {
			assert.True(t, gh.Z[i] > gh.Z[i-1])
			assert.Equal(t, -gh.Z[i], gh.Z[k-1-i])
			assert.Equal(t, gh.W[i], gh.W[k-1-i])
		}
	}

	_, err = GHNorm(0)
	assert.Error(t, err)
}

func TestPIRLS(t *testing.T) {

	for _, varyBeta := range []bool{false, true} {
		m := bernoulliModel(t, 20, varyBeta, 1)

		st, err := m.pirls(varyBeta)
		require.NoError(t, err)
		assert.Equal(t, PIRLSConverged, st)
		assert.Equal(t, PIRLSConverged, m.PIRLSStatus())

		tr := m.pirlsTrace
		require.True(t, len(tr) >= 2)
		for i := 1; i < len(tr); i++ {
			assert.True(t, tr[i] <= tr[i-1], "trace increased at %d: %v", i, tr)
		}
		assert.InDelta(t, tr[len(tr)-1], m.laplace(), 1e-10)
	}
}

func TestAGQLaplace(t *testing.T) {

	m := bernoulliModel(t, 21, false, 1)
	_, err := m.pirls(false)
	require.NoError(t, err)

	lp := m.laplace()
	d1, err := m.agqDeviance(1)
	require.NoError(t, err)
	assert.InDelta(t, lp, d1, 1e-8)

	// The state is restored.
	assert.Equal(t, lp, m.laplace())

	d, err := m.deviance(1)
	require.NoError(t, err)
	assert.Equal(t, lp, d)
}

func TestAGQIntegral(t *testing.T) {

	m := bernoulliModel(t, 22, false, 1)
	require.NoError(t, m.setParams(append(m.Fixef(), 1.3)))
	_, err := m.pirls(false)
	require.NoError(t, err)

	re := m.lmm.reterms[0]
	k := re.NLevels()
	u := m.u[0]
	u0 := append([]float64(nil), u...)

	devc0 := make([]float64, k)
	devc := make([]float64, k)
	m.levelDeviance(devc0, re, u)

	// The integrals over each random effect by the trapezoid rule,
	// relative to the integrand at the mode
	h := 0.005
	ngrid := 3201
	integ := make([]float64, k)
	for j := 0; j < ngrid; j++ {
		v := -8 + float64(j)*h
		for l := range u {
			u[l] = u0[l] + v
		}
		m.updateEta()
		m.levelDeviance(devc, re, u)
		c := h
		if j == 0 || j == ngrid-1 {
			c = h / 2
		}
		for l := range integ {
			integ[l] += c * math.Exp(-(devc[l]-devc0[l])/2)
		}
	}
	copy(u, u0)
	m.updateEta()

	want := floats.Sum(devc0)
	for _, v := range integ {
		want -= 2 * math.Log(v/math.Sqrt(2*math.Pi))
	}

	d25, err := m.agqDeviance(25)
	require.NoError(t, err)
	assert.InDelta(t, want, d25, 1e-5)

	d15, err := m.agqDeviance(15)
	require.NoError(t, err)
	assert.InDelta(t, d25, d15, 1e-4)

	// The Laplace approximation is close but not exact.
	d1, err := m.agqDeviance(1)
	require.NoError(t, err)
	assert.InDelta(t, want, d1, 1)
	assert.NotEqual(t, want, d1)

	assert.Equal(t, u0, m.u[0])
}

func TestGLMMFit(t *testing.T) {

	mf := bernoulliModel(t, 23, true, 1)
	require.NoError(t, mf.Fit())
	assert.ErrorIs(t, mf.Fit(), ErrAlreadyFitted)
	assert.Equal(t, PIRLSConverged, mf.PIRLSStatus())
	assert.Equal(t, Success, mf.OptSummary().Status)
	assert.Len(t, mf.OptSummary().Final, 1)
	assert.Equal(t, 1, mf.OptSummary().NAGQ)

	m := bernoulliModel(t, 23, false, 1)
	require.NoError(t, m.Fit())
	osum := m.OptSummary()
	assert.Len(t, osum.Final, 3)
	assert.Equal(t, []float64{math.Inf(-1), math.Inf(-1), 0}, osum.LowerBounds)
	assert.Equal(t, PIRLSConverged, m.PIRLSStatus())

	// The joint optimum is at least as good as the fast one.
	assert.True(t, m.Objective() <= mf.Objective()+1e-3)
	assert.InDelta(t, mf.Objective(), m.Objective(), 0.5)
	assert.InDelta(t, osum.FMin, m.Objective(), 1e-6)
	assert.InDelta(t, mf.Theta()[0], m.Theta()[0], 0.1)
	assert.True(t, floats.EqualApprox(mf.Fixef(), m.Fixef(), 0.1))

	// Loose checks of the estimates against the generating values
	beta := m.Coef()
	assert.InDelta(t, -0.5, beta[0], 1)
	assert.InDelta(t, 1, beta[1], 0.5)
	assert.True(t, m.Theta()[0] > 0)

	// For binary data the Laplace log-likelihood is minus half the
	// Laplace deviance.
	assert.InDelta(t, -m.Objective()/2, m.LogLik(), 1e-8)
	assert.Equal(t, 3, m.DOF())
	assert.InDelta(t, m.Objective()+6, m.AIC(), 1e-8)
	assert.Equal(t, 1.0, m.Dispersion())
	assert.Equal(t, 1.0, m.Sigma())
	assert.True(t, math.IsNaN(m.VarCorr().Residual))
	assert.InDelta(t, m.Theta()[0], m.VarCorr().Terms[0].SD[0], 1e-12)

	se := m.StdErr()
	require.Len(t, se, 2)
	for _, v := range se {
		assert.True(t, v > 0 && v < 1)
	}

	// The fitted values are the inverse link of the linear predictor.
	eta := m.LinearPredictor()
	mu := m.FittedValues()
	res := m.Residuals()
	for i := range mu {
		assert.InDelta(t, 1/(1+math.Exp(-eta[i])), mu[i], 1e-8)
		assert.InDelta(t, m.resp.Y[i]-mu[i], res[i], 1e-12)
	}

	// The random effects are Λu.
	u := m.Ranef(true)[0]
	b := m.Ranef(false)[0]
	for l := 0; l < 10; l++ {
		assert.InDelta(t, m.Theta()[0]*u.At(0, l), b.At(0, l), 1e-12)
	}

	// Fitting again after a reset reproduces the fit.
	obj := m.Objective()
	require.NoError(t, m.Reset())
	assert.Equal(t, 0, m.OptSummary().FEval)
	require.NoError(t, m.Fit())
	assert.InDelta(t, obj, m.Objective(), 1e-8)
}

func TestGLMMAGQFit(t *testing.T) {

	m := bernoulliModel(t, 24, false, 9)
	require.NoError(t, m.Fit())
	assert.Equal(t, 9, m.OptSummary().NAGQ)

	d, err := m.Deviance()
	require.NoError(t, err)
	assert.InDelta(t, m.OptSummary().FMin, d, 1e-6)

	ml := bernoulliModel(t, 24, false, 1)
	require.NoError(t, ml.Fit())
	assert.InDelta(t, ml.Theta()[0], m.Theta()[0], 0.1)
	assert.InDelta(t, ml.Objective(), d, 1)
}

func TestGLMMErrAGQ(t *testing.T) {

	rng := rand.New(rand.NewSource(25))
	y, x, xnames, re := simulateBernoulli(t, 120, 6, rng)
	other := makeTerm(t, "h", randomRefs(120, 4, rng), 4, 1, rng)
	slope := makeTerm(t, "g", blockRefs(120, 6), 6, 2, rng)

	for _, terms := range [][]*ReMat{{re, other}, {slope}} {
		cfg := DefaultGLMMConfig(glm.NewFamily(glm.BinomialFamily))
		cfg.NAGQ = 5
		m, err := NewGLMM(y, x, xnames, terms, cfg)
		require.NoError(t, err)
		assert.ErrorIs(t, m.Fit(), ErrAGQ)
		_, err = m.Deviance()
		assert.ErrorIs(t, err, ErrAGQ)
		_, err = m.agqDeviance(5)
		assert.ErrorIs(t, err, ErrAGQ)
	}

	_, err := NewGLMM(y, x, xnames, []*ReMat{re}, nil)
	assert.Error(t, err)
	_, err = NewGLMM(y, x, xnames, []*ReMat{re}, &GLMMConfig{})
	assert.Error(t, err)
}

func TestGLMMPoissonOffset(t *testing.T) {

	rng := rand.New(rand.NewSource(26))
	n := 200
	x, xnames := designMatrix(n, 2, rng)
	re := makeTerm(t, "g", cyclicRefs(n, 8), 8, 1, rng)
	b := make([]float64, 8)
	for l := range b {
		b[l] = 0.5 * rng.NormFloat64()
	}

	off := make([]float64, n)
	y := make([]float64, n)
	for i := range y {
		off[i] = math.Log(1 + rng.Float64())
		mu := math.Exp(off[i] + 0.2 + 0.3*x.At(i, 1) + b[re.refs[i]])

		// Inversion sampling of a Poisson count
		u := rng.Float64()
		p := math.Exp(-mu)
		c := p
		for u > c {
			y[i]++
			p *= mu / y[i]
			c += p
		}
	}

	cfg := DefaultGLMMConfig(glm.NewFamily(glm.PoissonFamily))
	cfg.Offset = off
	cfg.Fast = true
	m, err := NewGLMM(y, x, xnames, []*ReMat{re}, cfg)
	require.NoError(t, err)
	require.NoError(t, m.Fit())
	assert.Equal(t, "Poisson", m.Family().Name)

	eta := m.LinearPredictor()
	mu := m.FittedValues()
	for i := range mu {
		assert.InDelta(t, math.Exp(eta[i]), mu[i], 1e-8*mu[i])
	}
	assert.InDelta(t, 0.3, m.Coef()[1], 0.3)
}

func TestGLMMDispersionWarning(t *testing.T) {

	rng := rand.New(rand.NewSource(27))
	n := 100
	x, xnames := designMatrix(n, 2, rng)
	re := makeTerm(t, "g", cyclicRefs(n, 5), 5, 1, rng)
	y := simulateLMM(x, []*ReMat{re}, 1, rng)

	cfg := DefaultGLMMConfig(glm.NewFamily(glm.GaussianFamily))
	m, err := NewGLMM(y, x, xnames, []*ReMat{re}, cfg)
	require.NoError(t, err)
	require.Len(t, m.Warnings(), 1)
	assert.Contains(t, m.Warnings()[0], "dispersion")
	assert.Equal(t, 4, m.DOF())
}

// devShift wraps the binomial family so that the deviance residuals are
// shifted by a large constant whenever when returns true.  The argument
// of when counts calls since the last reset of calls.
type devShift struct {
	calls int
	when  func(calls int) bool
}

func (d *devShift) family() *glm.Family {
	fam := *glm.NewFamily(glm.BinomialFamily)
	dr := fam.DevResid
	fam.DevResid = func(y, mn, r []float64) {
		dr(y, mn, r)
		if d.when == nil {
			return
		}
		d.calls++
		if d.when(d.calls) {
			for i := range r {
				r[i] += 1e6
			}
		}
	}
	return &fam
}

func shiftedModel(t *testing.T, seed int64) (*GLMM, *devShift) {
	rng := rand.New(rand.NewSource(seed))
	y, x, xnames, re := simulateBernoulli(t, 300, 10, rng)
	ds := &devShift{}
	cfg := DefaultGLMMConfig(ds.family())
	cfg.Fast = true
	m, err := NewGLMM(y, x, xnames, []*ReMat{re}, cfg)
	require.NoError(t, err)
	return m, ds
}

func TestPIRLSHalvingFirstIteration(t *testing.T) {

	m, ds := shiftedModel(t, 50)

	// Every update after the initial one is worse than the start.
	ds.calls = 0
	ds.when = func(c int) bool { return c >= 2 }
	st, err := m.pirls(false)
	assert.ErrorIs(t, err, ErrStepHalving)
	assert.Equal(t, PIRLSDiverged, st)
	assert.Equal(t, PIRLSDiverged, m.PIRLSStatus())
	assert.Empty(t, m.pirlsTrace)

	// The minimizer sees an infinite objective rather than an error.
	ds.calls = 0
	_, err = m.evalObjective(m.OptSummary().Initial)
	assert.ErrorIs(t, err, ErrStepHalving)
	ds.calls = 0
	v, err := m.fitObjective(m.OptSummary().Initial)
	require.NoError(t, err)
	assert.True(t, math.IsInf(v, 1))
}

func TestPIRLSHalvingLaterIteration(t *testing.T) {

	m, ds := shiftedModel(t, 51)

	// The shift starts with the second iteration, so that its halvings
	// are exhausted.  PIRLS carries on from the halved step.
	ds.when = func(int) bool { return len(m.pirlsTrace) >= 1 }
	st, err := m.pirls(false)
	require.NoError(t, err)
	assert.NotEqual(t, PIRLSDiverged, st)

	tr := m.pirlsTrace
	require.True(t, len(tr) >= 3, "trace: %v", tr)
	assert.True(t, tr[0] < 1e6)
	assert.True(t, tr[1] > 1e6)
	for i := 2; i < len(tr); i++ {
		assert.True(t, tr[i] <= tr[i-1], "trace increased at %d: %v", i, tr)
	}
	assert.InDelta(t, tr[len(tr)-1], m.laplace(), 1e-6)

	// The modes continue to move after the failed iteration, and reach
	// those found without the shift.
	ref, _ := shiftedModel(t, 51)
	_, err = ref.pirls(false)
	require.NoError(t, err)
	assert.True(t, floats.EqualApprox(ref.u[0], m.u[0], 1e-3))
}

func TestGLMMInterceptOnly(t *testing.T) {

	rng := rand.New(rand.NewSource(52))
	n, k := 300, 10
	re := makeTerm(t, "g", blockRefs(n, k), k, 1, rng)
	b := make([]float64, k)
	for l := range b {
		b[l] = rng.NormFloat64()
	}
	y := make([]float64, n)
	x := mat.NewDense(n, 1, nil)
	for i := range y {
		x.Set(i, 0, 1)
		if rng.Float64() < 1/(1+math.Exp(-(0.3+b[re.refs[i]]))) {
			y[i] = 1
		}
	}

	cfg := DefaultGLMMConfig(glm.NewFamily(glm.BinomialFamily))
	cfg.Fast = true
	m, err := NewGLMM(y, x, []string{"(Intercept)"}, []*ReMat{re}, cfg)
	require.NoError(t, err)
	require.NoError(t, m.Fit())

	assert.Equal(t, Success, m.OptSummary().Status)
	assert.Equal(t, PIRLSConverged, m.PIRLSStatus())
	assert.True(t, m.OptSummary().FEval < DefaultMaxFeval)
	assert.Empty(t, m.Warnings())

	lambda := m.ReTerms()[0].Lambda()
	if r, c := lambda.Dims(); r != 1 || c != 1 {
		t.Fatalf("covariance factor is %d×%d", r, c)
	}
	assert.True(t, lambda.At(0, 0) >= 0)
	assert.Equal(t, []float64{lambda.At(0, 0)}, m.Theta())
	assert.Len(t, m.Coef(), 1)
}
