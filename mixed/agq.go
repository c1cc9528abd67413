package mixed

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// GHRule is a Gauss-Hermite quadrature rule for integrals against the
// standard normal density.  The nodes are increasing and symmetric about
// zero, and the weights sum to 1.
type GHRule struct {
	Z []float64
	W []float64
}

// GHNorm returns the k-point Gauss-Hermite rule for the standard normal
// density, computed by the Golub-Welsch algorithm.
func GHNorm(k int) (*GHRule, error) {

	if k < 1 {
		return nil, fmt.Errorf("mixed: %d quadrature nodes", k)
	}
	if k == 1 {
		return &GHRule{Z: []float64{0}, W: []float64{1}}, nil
	}

	// The Jacobi matrix of the probabilists' Hermite polynomials
	jm := mat.NewSymDense(k, nil)
	for i := 1; i < k; i++ {
		jm.SetSym(i-1, i, math.Sqrt(float64(i)))
	}

	var es mat.EigenSym
	if ok := es.Factorize(jm, true); !ok {
		return nil, fmt.Errorf("mixed: eigendecomposition failed for %d quadrature nodes", k)
	}
	z := es.Values(nil)
	var ev mat.Dense
	es.VectorsTo(&ev)

	w := make([]float64, k)
	for j := range w {
		v := ev.At(0, j)
		w[j] = v * v
	}

	// Enforce exact symmetry.
	zs := make([]float64, k)
	ws := make([]float64, k)
	for i := 0; i < k; i++ {
		zs[i] = (z[i] - z[k-1-i]) / 2
		ws[i] = (w[i] + w[k-1-i]) / 2
	}

	return &GHRule{Z: zs, W: ws}, nil
}

// levelDeviance sets dst[l] to the sum of the weighted deviance residuals
// of the observations at level l of the term, plus u[l]².
func (m *GLMM) levelDeviance(dst []float64, re *ReMat, u []float64) {
	for l, v := range u {
		dst[l] = v * v
	}
	dr := m.resp.DevResid
	wts := m.resp.Weights
	for i, l := range re.refs {
		if wts != nil {
			dst[l] += wts[i] * dr[i]
		} else {
			dst[l] += dr[i]
		}
	}
}

// agqDeviance returns the adaptive Gauss-Hermite approximation to the
// deviance with nagq nodes, for a model with a single scalar
// random-effects term.  The conditional modes are taken as the current
// values of u, and the model state is restored before returning.
func (m *GLMM) agqDeviance(nagq int) (float64, error) {

	if err := m.checkAGQ(nagq); err != nil {
		return 0, err
	}
	gh, err := GHNorm(nagq)
	if err != nil {
		return 0, err
	}

	re := m.lmm.reterms[0]
	k := re.NLevels()
	u := m.u[0]

	m.devc0 = resize(m.devc0, k)
	m.devc = resize(m.devc, k)
	m.sd = resize(m.sd, k)
	m.mult = resize(m.mult, k)
	u0 := m.u0[0]
	copy(u0, u)

	m.levelDeviance(m.devc0, re, u)
	l00 := m.lmm.L[blk(0, 0)].(*Diagonal)
	for l, d := range l00.d {
		m.sd[l] = 1 / d
	}
	zero(m.mult)

	for i, z := range gh.Z {
		w := gh.W[i]
		switch {
		case w == 0:
			continue
		case z == 0:
			for l := range m.mult {
				m.mult[l] += w
			}
			continue
		}
		for l := range u {
			u[l] = u0[l] + z*m.sd[l]
		}
		m.updateEta()
		m.levelDeviance(m.devc, re, u)
		for l := range m.mult {
			m.mult[l] += w * math.Exp((z*z+m.devc0[l]-m.devc[l])/2)
		}
	}

	copy(u, u0)
	m.updateEta()

	var lm, ls float64
	for l := range m.mult {
		lm += math.Log(m.mult[l])
		ls += math.Log(m.sd[l])
	}

	return floats.Sum(m.devc0) - 2*(lm+ls), nil
}

// resize returns a slice of length n, reusing the storage of x if
// possible.
func resize(x []float64, n int) []float64 {
	if cap(x) < n {
		return make([]float64, n)
	}
	return x[0:n]
}
