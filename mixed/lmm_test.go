package mixed

import (
	"bytes"
	"log"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// denseFactor assembles the blocked Cholesky factor of a model into a
// single lower-triangular matrix.
func denseFactor(m *LMM) *mat.Dense {

	k := len(m.reterms)
	off := make([]int, k+2)
	for j, re := range m.reterms {
		off[j+1] = off[j] + re.NRanef()
	}
	off[k+1] = off[k] + m.xy.ncol
	nt := off[k+1]

	l := mat.NewDense(nt, nt, nil)
	for i := 0; i <= k; i++ {
		for j := 0; j <= i; j++ {
			b := m.L[blk(i, j)]
			r, c := b.Dims()
			for ii := 0; ii < r; ii++ {
				for jj := 0; jj < c; jj++ {
					l.Set(off[i]+ii, off[j]+jj, b.At(ii, jj))
				}
			}
		}
	}

	return l
}

// checkDense compares the factor, objective and conditional modes of a
// model with a dense computation from the full model matrices.
func checkDense(t *testing.T, m *LMM) {

	n := m.NObs()
	p := m.fe.rank

	// The weighted [ZΛ Xy]
	var zl []*mat.Dense
	q := 0
	for _, re := range m.reterms {
		var d mat.Dense
		d.Mul(denseZ(re), denseLambda(re))
		zl = append(zl, &d)
		q += re.NRanef()
	}
	nt := q + p + 1
	d := mat.NewDense(n, nt, nil)
	var c int
	for _, z := range zl {
		_, w := z.Dims()
		d.Slice(0, n, c, c+w).(*mat.Dense).Copy(z)
		c += w
	}
	d.Slice(0, n, q, nt).(*mat.Dense).Copy(m.xy.Wtx())

	a := mat.NewSymDense(nt, nil)
	a.SymOuterK(1, d.T())
	for i := 0; i < q; i++ {
		a.SetSym(i, i, a.At(i, i)+1)
	}

	var chol mat.Cholesky
	require.True(t, chol.Factorize(a))
	var lt mat.TriDense
	chol.LTo(&lt)

	lm := denseFactor(m)
	scale := 1 + mat.Norm(&lt, math.Inf(1))
	assert.True(t, maxAbsDiff(&lt, lm) < 1e-9*scale, "factor differs by %g", maxAbsDiff(&lt, lm))

	// The objective from the dense factor
	var ld float64
	for i := 0; i < q; i++ {
		ld += math.Log(lt.At(i, i))
	}
	if m.config.REML {
		for i := q; i < q+p; i++ {
			ld += math.Log(lt.At(i, i))
		}
	}
	r := lt.At(nt-1, nt-1)
	dof := float64(n)
	if m.config.REML {
		dof -= float64(p)
	}
	obj := 2*ld + dof*(1+math.Log(2*math.Pi*r*r/dof))
	for _, w := range m.sqrtwts {
		obj -= 2 * math.Log(w)
	}
	assert.InDelta(t, obj, m.Objective(), 1e-8*math.Abs(obj))

	// The penalized least squares solution for u and β
	s := nt - 1
	lhs := mat.NewDense(s, s, nil)
	rhs := mat.NewVecDense(s, nil)
	for i := 0; i < s; i++ {
		for j := 0; j < s; j++ {
			lhs.Set(i, j, a.At(i, j))
		}
		rhs.SetVec(i, a.At(i, s))
	}
	var sol mat.VecDense
	require.NoError(t, sol.SolveVec(lhs, rhs))

	beta := m.Fixef()
	for j := 0; j < p; j++ {
		assert.InDelta(t, sol.AtVec(q+j), beta[j], 1e-7*(1+math.Abs(beta[j])))
	}

	var pos int
	for j, u := range m.Ranef(true) {
		re := m.reterms[j]
		for l := 0; l < re.NLevels(); l++ {
			for c := 0; c < re.s; c++ {
				assert.InDelta(t, sol.AtVec(pos), u.At(c, l), 1e-7)
				pos++
			}
		}
	}
}

type denseCase struct {
	name    string
	terms   func(n int, rng *rand.Rand) []*ReMat
	thresh  float64
	weights bool
	reml    bool
}

func denseCases(t *testing.T) []denseCase {

	scalar := func(n int, rng *rand.Rand) []*ReMat {
		return []*ReMat{makeTerm(t, "g", randomRefs(n, 7, rng), 7, 1, rng)}
	}
	vector := func(n int, rng *rand.Rand) []*ReMat {
		return []*ReMat{makeTerm(t, "g", randomRefs(n, 6, rng), 6, 2, rng)}
	}
	vector3 := func(n int, rng *rand.Rand) []*ReMat {
		return []*ReMat{makeTerm(t, "g", randomRefs(n, 5, rng), 5, 3, rng)}
	}
	crossed := func(n int, rng *rand.Rand) []*ReMat {
		return []*ReMat{
			makeTerm(t, "a", randomRefs(n, 9, rng), 9, 1, rng),
			makeTerm(t, "b", randomRefs(n, 4, rng), 4, 2, rng),
		}
	}
	nested := func(n int, rng *rand.Rand) []*ReMat {
		sub := randomRefs(n, 12, rng)
		grp := make([]int, n)
		for i, r := range sub {
			grp[i] = r / 3
		}
		return []*ReMat{
			makeTerm(t, "grp", grp, 4, 1, rng),
			makeTerm(t, "sub", sub, 12, 2, rng),
		}
	}
	three := func(n int, rng *rand.Rand) []*ReMat {
		return []*ReMat{
			makeTerm(t, "a", randomRefs(n, 10, rng), 10, 1, rng),
			makeTerm(t, "b", randomRefs(n, 6, rng), 6, 2, rng),
			makeTerm(t, "c", randomRefs(n, 3, rng), 3, 1, rng),
		}
	}

	var cases []denseCase
	for _, c := range []denseCase{
		{name: "scalar", terms: scalar},
		{name: "vector", terms: vector},
		{name: "vector3", terms: vector3},
		{name: "crossed", terms: crossed},
		{name: "nested", terms: nested},
		{name: "three", terms: three},
	} {
		for _, thresh := range []float64{0.01, 1} {
			for _, w := range []bool{false, true} {
				c.thresh = thresh
				c.weights = w
				c.reml = w
				cases = append(cases, c)
			}
		}
	}

	return cases
}

func TestLMMDenseReference(t *testing.T) {

	rng := rand.New(rand.NewSource(10))
	n := 80

	for _, dc := range denseCases(t) {
		t.Run(dc.name, func(t *testing.T) {
			terms := dc.terms(n, rng)
			x, xnames := designMatrix(n, 3, rng)
			y := simulateLMM(x, terms, 1, rng)

			cfg := DefaultLMMConfig()
			cfg.DenseFillThreshold = dc.thresh
			cfg.REML = dc.reml
			if dc.weights {
				cfg.Weights = make([]float64, n)
				for i := range cfg.Weights {
					cfg.Weights[i] = 0.5 + rng.Float64()
				}
			}

			m, err := NewLMM(y, x, xnames, terms, cfg)
			require.NoError(t, err)
			checkDense(t, m)

			theta := m.Theta()
			lb := m.LowerBounds()
			for i := range theta {
				if lb[i] == 0 {
					theta[i] = 0.3 + rng.Float64()
				} else {
					theta[i] = rng.NormFloat64() / 2
				}
			}
			_, err = m.evalObjective(theta)
			require.NoError(t, err)
			checkDense(t, m)

			// A zero diagonal element gives a singular Λ.
			theta[0] = 0
			_, err = m.evalObjective(theta)
			require.NoError(t, err)
			checkDense(t, m)
		})
	}
}

func TestLMMNestedStorage(t *testing.T) {

	rng := rand.New(rand.NewSource(11))
	n := 60
	sub := randomRefs(n, 12, rng)
	grp := make([]int, n)
	for i, r := range sub {
		grp[i] = r / 3
	}
	terms := []*ReMat{
		makeTerm(t, "grp", grp, 4, 1, rng),
		makeTerm(t, "sub", sub, 12, 1, rng),
	}
	x, xnames := designMatrix(n, 2, rng)
	y := simulateLMM(x, terms, 1, rng)

	m, err := NewLMM(y, x, xnames, terms, nil)
	require.NoError(t, err)

	// Sorted by decreasing number of levels
	assert.Equal(t, "sub", m.ReTerms()[0].Name())
	assert.Equal(t, "grp", m.ReTerms()[1].Name())

	// The nested factor keeps diagonal storage for both diagonal blocks.
	assert.IsType(t, &Diagonal{}, m.L[blk(0, 0)])
	assert.IsType(t, &Diagonal{}, m.L[blk(1, 1)])
	assert.IsType(t, &BlockedSparse{}, m.L[blk(1, 0)])

	// Crossed factors produce a dense block.
	terms[0] = makeTerm(t, "grp", randomRefs(n, 4, rng), 4, 1, rng)
	m, err = NewLMM(y, x, xnames, terms, nil)
	require.NoError(t, err)
	assert.IsType(t, &Diagonal{}, m.L[blk(0, 0)])
	assert.IsType(t, &mat.Dense{}, m.L[blk(1, 1)])
}

func TestLMMErrors(t *testing.T) {

	y, x, terms := dyestuff(t)

	_, err := NewLMM(y[1:], x, []string{"(Intercept)"}, terms, nil)
	assert.ErrorIs(t, err, ErrDimension)

	_, err = NewLMM(y, x, []string{"(Intercept)"}, nil, nil)
	assert.ErrorIs(t, err, ErrDimension)

	cfg := DefaultLMMConfig()
	cfg.ZeroCorr = []string{"plate"}
	_, err = NewLMM(y, x, []string{"(Intercept)"}, terms, cfg)
	assert.ErrorIs(t, err, ErrDimension)

	cfg = DefaultLMMConfig()
	cfg.Weights = make([]float64, len(y)-1)
	_, err = NewLMM(y, x, []string{"(Intercept)"}, terms, cfg)
	assert.ErrorIs(t, err, ErrDimension)

	cfg.Weights = make([]float64, len(y))
	cfg.Weights[3] = -1
	_, err = NewLMM(y, x, []string{"(Intercept)"}, terms, cfg)
	assert.Error(t, err)
}

func TestDyestuffML(t *testing.T) {

	y, x, terms := dyestuff(t)
	var buf bytes.Buffer
	cfg := DefaultLMMConfig()
	cfg.Log = log.New(&buf, "", 0)

	m, err := NewLMM(y, x, []string{"(Intercept)"}, terms, cfg)
	require.NoError(t, err)

	// The objective at fixed values of θ
	for _, v := range []struct{ theta, obj float64 }{
		{1, 327.7670216},
		{0, 332.72988597},
		{0.752580712, 327.3270598811},
	} {
		f, err := m.evalObjective([]float64{v.theta})
		require.NoError(t, err)
		assert.InDelta(t, v.obj, f, 1e-6)
	}
	require.NoError(t, m.Reset())

	require.NoError(t, m.Fit())
	assert.ErrorIs(t, m.Fit(), ErrAlreadyFitted)

	assert.InDelta(t, 0.752580712, m.Theta()[0], 1e-4)
	assert.InDelta(t, 327.3270598811, m.Objective(), 1e-6)
	assert.InDelta(t, 1527.5, m.Fixef()[0], 1e-6)
	assert.InDelta(t, 49.5101, m.Sigma(), 5e-3)
	assert.InDelta(t, 17.69455, m.StdErr()[0], 5e-3)
	assert.InDelta(t, 37.2603, m.VarCorr().Terms[0].SD[0], 5e-3)
	assert.InDelta(t, -327.3270598811/2, m.LogLik(), 1e-6)
	assert.Equal(t, 3, m.DOF())
	assert.InDelta(t, 327.3270598811+6, m.AIC(), 1e-6)
	assert.InDelta(t, 327.3270598811+3*math.Log(30), m.BIC(), 1e-6)
	assert.False(t, m.IsREML())
	assert.Empty(t, m.Warnings())

	b := []float64{-16.6282, 0.3695, 26.9747, -21.8014, 53.5798, -42.4943}
	re := m.Ranef(false)[0]
	for l, v := range b {
		assert.InDelta(t, v, re.At(0, l), 1e-2)
	}

	// The fitted values and residuals decompose the response.
	fv := m.FittedValues()
	res := m.Residuals()
	for i := range y {
		assert.InDelta(t, y[i], fv[i]+res[i], 1e-9)
		assert.InDelta(t, 1527.5+b[i/5], fv[i], 1e-2)
	}

	osum := m.OptSummary()
	assert.Equal(t, Success, osum.Status)
	assert.True(t, osum.FEval > 1)
	assert.Len(t, osum.FitLog, osum.FEval)
	assert.InDelta(t, 327.7670216, osum.FInitial, 1e-6)
	assert.Equal(t, []float64{1}, osum.Initial)
	assert.Equal(t, []float64{0}, osum.LowerBounds)
	assert.InDelta(t, osum.FMin, m.Objective(), 1e-12)
	assert.Contains(t, buf.String(), "fitted in")

	// The objective is stationary at the optimum.
	grad := fd.Gradient(nil, func(x []float64) float64 {
		f, err := m.evalObjective(x)
		require.NoError(t, err)
		return f
	}, m.Theta(), nil)
	assert.InDelta(t, 0, grad[0], 1e-2)
}

func TestDyestuffREML(t *testing.T) {

	y, x, terms := dyestuff(t)
	cfg := DefaultLMMConfig()
	cfg.REML = true

	m, err := NewLMM(y, x, []string{"(Intercept)"}, terms, cfg)
	require.NoError(t, err)

	f, err := m.evalObjective([]float64{1})
	require.NoError(t, err)
	assert.InDelta(t, 319.792389042, f, 1e-6)
	require.NoError(t, m.Reset())

	require.NoError(t, m.Fit())
	assert.True(t, m.IsREML())
	assert.InDelta(t, 0.848323824, m.Theta()[0], 1e-4)
	assert.InDelta(t, 319.6542768423, m.Objective(), 1e-6)
	assert.InDelta(t, 1527.5, m.Fixef()[0], 1e-6)
	assert.InDelta(t, 49.5101, m.Sigma(), 5e-3)
	assert.InDelta(t, 19.38341, m.StdErr()[0], 5e-3)
	assert.InDelta(t, 42.0006, m.VarCorr().Terms[0].SD[0], 5e-3)
	assert.True(t, m.OptSummary().REML)
}

func TestLMMResetRefit(t *testing.T) {

	y, x, terms := dyestuff(t)
	m, err := NewLMM(y, x, []string{"(Intercept)"}, terms, nil)
	require.NoError(t, err)
	require.NoError(t, m.Fit())
	theta := m.Theta()[0]
	obj := m.Objective()

	require.NoError(t, m.Reset())
	assert.Equal(t, 0, m.OptSummary().FEval)
	assert.Equal(t, []float64{1}, m.Theta())
	require.NoError(t, m.Fit())
	assert.InDelta(t, theta, m.Theta()[0], 1e-8)
	assert.InDelta(t, obj, m.Objective(), 1e-10)

	// Shifting the response shifts the intercept only.
	y2 := append([]float64(nil), y...)
	floats.AddConst(100, y2)
	require.NoError(t, m.Refit(y2))
	assert.InDelta(t, 1627.5, m.Fixef()[0], 1e-6)
	assert.InDelta(t, theta, m.Theta()[0], 1e-4)
	assert.InDelta(t, obj, m.Objective(), 1e-6)

	assert.ErrorIs(t, m.Refit(y2[1:]), ErrDimension)
}

func TestLMMBoundary(t *testing.T) {

	// Every group holds the same values, so there is no between-group
	// variation and the estimate of θ is on the boundary.
	vals := []float64{3.1, 4.7, 2.2, 5.9, 4.1}
	n := 6 * len(vals)
	y := make([]float64, n)
	for i := range y {
		g := i / len(vals)
		y[i] = vals[(i+g)%len(vals)]
	}
	x := mat.NewDense(n, 1, nil)
	z := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		x.Set(i, 0, 1)
		z.Set(i, 0, 1)
	}
	re, err := NewReMat("g", levelNames(6), blockRefs(n, 6), z, []string{"(Intercept)"})
	require.NoError(t, err)

	m, err := NewLMM(y, x, []string{"(Intercept)"}, []*ReMat{re}, nil)
	require.NoError(t, err)
	require.NoError(t, m.Fit())

	assert.Equal(t, 0.0, m.Theta()[0])
	assert.InDelta(t, floats.Sum(vals)/5, m.Fixef()[0], 1e-10)
	assert.Equal(t, 0.0, m.VarCorr().Terms[0].SD[0])
	for _, b := range mat.Row(nil, 0, m.Ranef(false)[0]) {
		assert.Equal(t, 0.0, b)
	}
}

func TestLMMRankDeficient(t *testing.T) {

	rng := rand.New(rand.NewSource(12))
	n := 60
	terms := []*ReMat{makeTerm(t, "g", randomRefs(n, 6, rng), 6, 1, rng)}
	x, _ := designMatrix(n, 3, rng)
	y := simulateLMM(x, terms, 1, rng)

	// Append a copy of the second column.
	xd := mat.NewDense(n, 4, nil)
	xd.Slice(0, n, 0, 3).(*mat.Dense).Copy(x)
	xd.SetCol(3, mat.Col(nil, 1, x))
	xnames := []string{"(Intercept)", "x1", "x2", "x1copy"}

	m, err := NewLMM(y, xd, xnames, terms, nil)
	require.NoError(t, err)
	require.Len(t, m.Warnings(), 1)
	require.NoError(t, m.Fit())

	// The full-rank model gives the same fit.
	m0, err := NewLMM(y, x, xnames[0:3], terms, nil)
	require.NoError(t, err)
	require.NoError(t, m0.Fit())
	assert.InDelta(t, m0.Objective(), m.Objective(), 1e-6)

	coef := m.Coef()
	require.Len(t, coef, 4)
	var dropped int
	for j, v := range coef {
		if v == 0 && math.Signbit(v) {
			dropped++
			assert.Contains(t, []int{1, 3}, j)
		}
	}
	assert.Equal(t, 1, dropped)
	assert.InDelta(t, m0.Coef()[1], coef[1]+coef[3], 1e-4)
	assert.InDelta(t, m0.Coef()[0], coef[0], 1e-4)
	assert.Len(t, m.Fixef(), 3)
	assert.Len(t, m.FixefNames(), 3)
	assert.Equal(t, 5, m.DOF())
}

func TestLMMZeroCorr(t *testing.T) {

	rng := rand.New(rand.NewSource(13))
	n := 100
	terms := []*ReMat{makeTerm(t, "g", randomRefs(n, 10, rng), 10, 2, rng)}
	x, xnames := designMatrix(n, 2, rng)
	y := simulateLMM(x, terms, 1, rng)

	cfg := DefaultLMMConfig()
	cfg.ZeroCorr = []string{"g"}
	m, err := NewLMM(y, x, xnames, terms, cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, m.NTheta())
	require.NoError(t, m.Fit())
	checkDense(t, m)

	vc := m.VarCorr()
	assert.Equal(t, 0.0, vc.Terms[0].Corr.At(0, 1))
	assert.Equal(t, 0.0, m.ReTerms()[0].Lambda().At(1, 0))
}
