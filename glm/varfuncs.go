package glm

import (
	"fmt"
	"math"
)

// VarianceType is used to specify a GLM variance function.
type VarianceType uint8

const (
	BinomialVar VarianceType = iota
	IdentityVar
	ConstantVar
	SquaredVar
	CubedVar
)

// Variance is a GLM variance function V(μ), the variance of the
// response as a multiple of the dispersion.
type Variance struct {
	Name string
	Var  VecFunc
}

var variances = map[VarianceType]*Variance{
	BinomialVar: {Name: "Binomial", Var: elementwise(func(mu float64) float64 { return mu * (1 - mu) })},
	IdentityVar: {Name: "Identity", Var: func(mu, v []float64) { copy(v, mu) }},
	ConstantVar: {Name: "Constant", Var: func(_, v []float64) { one(v) }},
	SquaredVar:  {Name: "Squared", Var: powerVar(2)},
	CubedVar:    {Name: "Cubed", Var: powerVar(3)},
}

// NewVariance returns the variance function of the given type.
func NewVariance(vartype VarianceType) *Variance {
	va, ok := variances[vartype]
	if !ok {
		panic(fmt.Sprintf("Unknown variance function: %d\n", vartype))
	}
	return va
}

// powerVar returns the variance function μ^p.
func powerVar(p float64) VecFunc {
	return elementwise(func(mu float64) float64 {
		return math.Pow(mu, p)
	})
}
