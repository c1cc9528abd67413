package mixed

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func levelNames(k int) []string {
	var na []string
	for l := 0; l < k; l++ {
		na = append(na, fmt.Sprintf("L%d", l))
	}
	return na
}

// makeTerm returns a random-effects term with an intercept and s-1
// random covariates.
func makeTerm(t *testing.T, name string, refs []int, k, s int, rng *rand.Rand) *ReMat {
	n := len(refs)
	z := mat.NewDense(n, s, nil)
	cnames := []string{"(Intercept)"}
	for j := 1; j < s; j++ {
		cnames = append(cnames, fmt.Sprintf("z%d", j))
	}
	for i := 0; i < n; i++ {
		z.Set(i, 0, 1)
		for j := 1; j < s; j++ {
			z.Set(i, j, rng.NormFloat64())
		}
	}
	re, err := NewReMat(name, levelNames(k), refs, z, cnames)
	require.NoError(t, err)
	return re
}

// denseZ returns the n×q model matrix of a term, using the weighted
// values if present.
func denseZ(re *ReMat) *mat.Dense {
	wz := re.Wtz()
	n := re.NObs()
	s := re.s
	z := mat.NewDense(n, re.NRanef(), nil)
	for i, l := range re.refs {
		for c := 0; c < s; c++ {
			z.Set(i, l*s+c, wz.At(c, i))
		}
	}
	return z
}

// denseLambda returns the block-diagonal q×q relative covariance factor
// of a term.
func denseLambda(re *ReMat) *mat.Dense {
	s := re.s
	q := re.NRanef()
	lam := mat.NewDense(q, q, nil)
	for l := 0; l < re.NLevels(); l++ {
		for i := 0; i < s; i++ {
			for j := 0; j <= i; j++ {
				lam.Set(l*s+i, l*s+j, re.lambda.At(i, j))
			}
		}
	}
	return lam
}

// cyclicRefs assigns n observations to k levels cyclically.
func cyclicRefs(n, k int) []int {
	refs := make([]int, n)
	for i := range refs {
		refs[i] = i % k
	}
	return refs
}

// blockRefs assigns n observations to k levels in contiguous runs.
func blockRefs(n, k int) []int {
	refs := make([]int, n)
	m := (n + k - 1) / k
	for i := range refs {
		refs[i] = i / m
	}
	return refs
}

// randomRefs assigns n observations to k levels at random, ensuring that
// every level is used.
func randomRefs(n, k int, rng *rand.Rand) []int {
	refs := make([]int, n)
	for i := range refs {
		if i < k {
			refs[i] = i
		} else {
			refs[i] = rng.Intn(k)
		}
	}
	return refs
}

// designMatrix returns an n×p design with an intercept and p-1 normal
// covariates.
func designMatrix(n, p int, rng *rand.Rand) (*mat.Dense, []string) {
	x := mat.NewDense(n, p, nil)
	names := []string{"(Intercept)"}
	for j := 1; j < p; j++ {
		names = append(names, fmt.Sprintf("x%d", j))
	}
	for i := 0; i < n; i++ {
		x.Set(i, 0, 1)
		for j := 1; j < p; j++ {
			x.Set(i, j, rng.NormFloat64())
		}
	}
	return x, names
}

// simulateLMM returns a response from a linear mixed model with unit
// coefficients, random effects of standard deviation sd for each
// term, and residual standard deviation 1.
func simulateLMM(x *mat.Dense, terms []*ReMat, sd float64, rng *rand.Rand) []float64 {
	n, p := x.Dims()
	y := make([]float64, n)
	for i := range y {
		for j := 0; j < p; j++ {
			y[i] += x.At(i, j)
		}
		y[i] += rng.NormFloat64()
	}
	for _, re := range terms {
		b := make([]float64, re.NRanef())
		for i := range b {
			b[i] = sd * rng.NormFloat64()
		}
		re.addZb(y, b)
	}
	return y
}

// dyestuff returns the yield of dyestuff for 6 batches of an
// intermediate product, 5 preparations per batch.
func dyestuff(t *testing.T) ([]float64, *mat.Dense, []*ReMat) {
	y := []float64{
		1545, 1440, 1440, 1520, 1580,
		1540, 1555, 1490, 1560, 1495,
		1595, 1550, 1605, 1510, 1560,
		1445, 1440, 1595, 1465, 1545,
		1595, 1630, 1515, 1635, 1625,
		1520, 1455, 1450, 1480, 1445,
	}
	n := len(y)
	x := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		x.Set(i, 0, 1)
	}
	z := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		z.Set(i, 0, 1)
	}
	re, err := NewReMat("batch", []string{"A", "B", "C", "D", "E", "F"}, blockRefs(n, 6), z, []string{"(Intercept)"})
	require.NoError(t, err)
	return y, x, []*ReMat{re}
}

func maxAbsDiff(a, b mat.Matrix) float64 {
	r, c := a.Dims()
	var m float64
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m = math.Max(m, math.Abs(a.At(i, j)-b.At(i, j)))
		}
	}
	return m
}
