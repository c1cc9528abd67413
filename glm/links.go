package glm

import (
	"fmt"
	"math"
)

// VecFunc evaluates a function elementwise, writing f(x[i]) into y[i].
type VecFunc func(x, y []float64)

// muEps keeps the means produced by the links for a binomial response
// away from 0 and 1, so that deviance residuals and working weights
// stay finite for extreme linear predictors.
const muEps = 1e-10

// Link is a GLM link function g, mapping the mean μ to the linear
// predictor η = g(μ).
type Link struct {
	Name string

	TypeCode LinkType

	// Link computes η = g(μ).
	Link VecFunc

	// InvLink computes μ = g⁻¹(η).  For the links of a probability
	// the result lies in [muEps, 1-muEps].
	InvLink VecFunc

	// Deriv computes g'(μ).
	Deriv VecFunc

	// MuEta computes dμ/dη as a function of η.
	MuEta VecFunc
}

// LinkType is used to specify a GLM link function.
type LinkType uint8

// LogLink, etc. indicate the different link functions.
const (
	LogLink LinkType = iota
	IdentityLink
	LogitLink
	CloglogLink
	RecipLink
	RecipSquaredLink
)

var links = map[LinkType]*Link{
	LogLink: {
		Name:     "Log",
		TypeCode: LogLink,
		Link:     elementwise(math.Log),
		InvLink:  elementwise(math.Exp),
		Deriv:    elementwise(func(mu float64) float64 { return 1 / mu }),
		MuEta:    elementwise(math.Exp),
	},
	IdentityLink: {
		Name:     "Identity",
		TypeCode: IdentityLink,
		Link:     func(x, y []float64) { copy(y, x) },
		InvLink:  func(x, y []float64) { copy(y, x) },
		Deriv:    func(_, y []float64) { one(y) },
		MuEta:    func(_, y []float64) { one(y) },
	},
	LogitLink: {
		Name:     "Logit",
		TypeCode: LogitLink,
		Link:     elementwise(func(mu float64) float64 { return math.Log(mu / (1 - mu)) }),
		InvLink:  elementwise(expit),
		Deriv:    elementwise(func(mu float64) float64 { return 1 / (mu * (1 - mu)) }),
		MuEta:    elementwise(logitMuEta),
	},
	CloglogLink: {
		Name:     "CLogLog",
		TypeCode: CloglogLink,
		Link:     elementwise(func(mu float64) float64 { return math.Log(-math.Log1p(-mu)) }),
		InvLink:  elementwise(cloglogInv),
		Deriv:    elementwise(func(mu float64) float64 { return 1 / ((mu - 1) * math.Log1p(-mu)) }),
		MuEta:    elementwise(cloglogMuEta),
	},
	RecipLink: {
		Name:     "Recip",
		TypeCode: RecipLink,
		Link:     powerFunc(-1, 1),
		InvLink:  powerFunc(-1, 1),
		Deriv:    powerFunc(-2, -1),
		MuEta:    powerFunc(-2, -1),
	},
	RecipSquaredLink: {
		Name:     "RecipSquared",
		TypeCode: RecipSquaredLink,
		Link:     powerFunc(-2, 1),
		InvLink:  powerFunc(-0.5, 1),
		Deriv:    powerFunc(-3, -2),
		MuEta:    powerFunc(-1.5, -0.5),
	},
}

// NewLink returns the link function of the given type.
func NewLink(link LinkType) *Link {
	lk, ok := links[link]
	if !ok {
		panic(fmt.Sprintf("Link unknown: %v\n", link))
	}
	return lk
}

func elementwise(f func(float64) float64) VecFunc {
	return func(x, y []float64) {
		for i, v := range x {
			y[i] = f(v)
		}
	}
}

// powerFunc returns the function s·x^p.
func powerFunc(p, s float64) VecFunc {
	return elementwise(func(x float64) float64 {
		return s * math.Pow(x, p)
	})
}

// clampProb moves a probability into [muEps, 1-muEps].
func clampProb(mu float64) float64 {
	return math.Min(math.Max(mu, muEps), 1-muEps)
}

func expit(eta float64) float64 {
	return clampProb(1 / (1 + math.Exp(-eta)))
}

// logitMuEta is the logistic density, evaluated so that it does not
// overflow for large |η|.  Like the mean it is bounded below by muEps.
func logitMuEta(eta float64) float64 {
	e := math.Exp(-math.Abs(eta))
	f := 1 + e
	return math.Max(e/(f*f), muEps)
}

func cloglogInv(eta float64) float64 {
	return clampProb(-math.Expm1(-math.Exp(eta)))
}

func cloglogMuEta(eta float64) float64 {
	return math.Max(math.Exp(eta-math.Exp(eta)), muEps)
}
