package glm

import (
	"fmt"
	"math"
)

// FamilyType is the type of GLM family used in a model.
type FamilyType uint8

// BinomialFamily, ... are families for a GLM.
const (
	BinomialFamily FamilyType = iota
	PoissonFamily
	QuasiPoissonFamily
	GaussianFamily
	GammaFamily
	InvGaussianFamily
)

// DispersionForm indicates how the dispersion (scale) parameter of a
// family is handled.
type DispersionForm uint8

// DispersionFixed means that the scale parameter is fixed at a known
// value, DispersionFree means that it is estimated from the data.
const (
	DispersionFixed DispersionForm = iota
	DispersionFree
)

// LogLikeFunc evaluates and returns the log-likelihood for a GLM.  The arguments
// are the data, the mean values, the weights, the scale parameter, and the 'exact flag'.
// If the exact flag is false, multiplicative factors that are constant with respect to
// the mean may be omitted.  The weights may be nil in which case all weights are taken to be 1.
type LogLikeFunc func([]float64, []float64, []float64, float64, bool) float64

// DevianceFunc evaluates and returns the deviance for a GLM.  The arguments
// are the data, the mean values, the weights, and the scale parameter.  The weights
// may be nil in which case all weights are taken to be 1.
type DevianceFunc func([]float64, []float64, []float64, float64) float64

// DevResidFunc writes the unweighted per-observation deviance
// residuals for data y at mean values mn into dr.
type DevResidFunc func(y, mn, dr []float64)

// Family represents a generalized linear model family.
type Family struct {

	// The name of the family
	Name string

	// The numeric code for the family
	TypeCode FamilyType

	// The log-likelihood function for the family
	LogLike LogLikeFunc

	// The deviance function for the family
	Deviance DevianceFunc

	// The per-observation deviance contributions
	DevResid DevResidFunc

	// The default approach for handling the dispersion if not set explicitly.
	dispersionDefaultMethod DispersionForm

	// The names of valid links for this family.  The first listed
	// link should be the canonical link.
	validLinks []LinkType

	// The variance function matching the family
	varType VarianceType
}

// NewFamily returns a family object corresponding to the given type.
func NewFamily(fam FamilyType) *Family {

	switch fam {
	case PoissonFamily:
		return &poisson
	case QuasiPoissonFamily:
		return &quasiPoisson
	case BinomialFamily:
		return &binomial
	case GaussianFamily:
		return &gaussian
	case GammaFamily:
		return &gamma
	case InvGaussianFamily:
		return &invGaussian
	default:
		msg := fmt.Sprintf("Unknown family: %v\n", fam)
		panic(msg)
	}
}

var poisson = Family{
	Name:                    "Poisson",
	TypeCode:                PoissonFamily,
	LogLike:                 poissonLogLike,
	Deviance:                devianceFrom(poissonDevResid),
	DevResid:                poissonDevResid,
	validLinks:              []LinkType{LogLink, IdentityLink},
	dispersionDefaultMethod: DispersionFixed,
	varType:                 IdentityVar,
}

// QuasiPoisson is the same as Poisson, except that the scale parameter is estimated.
var quasiPoisson = Family{
	Name:                    "QuasiPoisson",
	TypeCode:                QuasiPoissonFamily,
	LogLike:                 poissonLogLike,
	Deviance:                devianceFrom(poissonDevResid),
	DevResid:                poissonDevResid,
	validLinks:              []LinkType{LogLink, IdentityLink},
	dispersionDefaultMethod: DispersionFree,
	varType:                 IdentityVar,
}

var binomial = Family{
	Name:                    "Binomial",
	TypeCode:                BinomialFamily,
	LogLike:                 binomialLogLike,
	Deviance:                devianceFrom(binomialDevResid),
	DevResid:                binomialDevResid,
	validLinks:              []LinkType{LogitLink, CloglogLink, LogLink, IdentityLink},
	dispersionDefaultMethod: DispersionFixed,
	varType:                 BinomialVar,
}

var gaussian = Family{
	Name:                    "Gaussian",
	TypeCode:                GaussianFamily,
	LogLike:                 gaussianLogLike,
	Deviance:                devianceFrom(gaussianDevResid),
	DevResid:                gaussianDevResid,
	validLinks:              []LinkType{IdentityLink, LogLink, RecipLink},
	dispersionDefaultMethod: DispersionFree,
	varType:                 ConstantVar,
}

var gamma = Family{
	Name:                    "Gamma",
	TypeCode:                GammaFamily,
	LogLike:                 gammaLogLike,
	Deviance:                devianceFrom(gammaDevResid),
	DevResid:                gammaDevResid,
	validLinks:              []LinkType{RecipLink, LogLink, IdentityLink},
	dispersionDefaultMethod: DispersionFree,
	varType:                 SquaredVar,
}

var invGaussian = Family{
	Name:                    "InvGaussian",
	TypeCode:                InvGaussianFamily,
	LogLike:                 invGaussLogLike,
	Deviance:                devianceFrom(invGaussDevResid),
	DevResid:                invGaussDevResid,
	validLinks:              []LinkType{RecipSquaredLink, RecipLink, LogLink, IdentityLink},
	dispersionDefaultMethod: DispersionFree,
	varType:                 CubedVar,
}

// IsValidLink returns true or false based on whether the link is
// valid for the family.
func (fam *Family) IsValidLink(link *Link) bool {

	for _, q := range fam.validLinks {
		if link.TypeCode == q {
			return true
		}
	}

	return false
}

// CanonicalLink returns the canonical link for the family.
func (fam *Family) CanonicalLink() *Link {
	return NewLink(fam.validLinks[0])
}

// Variance returns the variance function of the family.
func (fam *Family) Variance() *Variance {
	return NewVariance(fam.varType)
}

// HasDispersion returns true if the family has a free dispersion
// (scale) parameter.
func (fam *Family) HasDispersion() bool {
	return fam.dispersionDefaultMethod == DispersionFree
}

// devianceFrom returns a deviance function that sums the weighted
// deviance residuals and divides by the scale.
func devianceFrom(dr DevResidFunc) DevianceFunc {
	return func(y, mn, wgt []float64, scale float64) float64 {
		var dev float64
		var w float64 = 1
		r := make([]float64, len(y))
		dr(y, mn, r)
		for i := range r {
			if wgt != nil {
				w = wgt[i]
			}
			dev += w * r[i]
		}
		return dev / scale
	}
}

// xlogy returns x*log(y), defined as 0 when x is 0.
func xlogy(x, y float64) float64 {
	if x == 0 {
		return 0
	}
	return x * math.Log(y)
}

func poissonLogLike(y, mn, wt []float64, scale float64, exact bool) float64 {

	var ll float64
	var w float64 = 1
	for i := range y {
		if wt != nil {
			w = wt[i]
		}
		ll += w * (xlogy(y[i], mn[i]) - mn[i])
	}

	if exact {
		for i := range y {
			if wt != nil {
				w = wt[i]
			}
			g, _ := math.Lgamma(y[i] + 1)
			ll -= w * g
		}
	}

	return ll
}

func binomialLogLike(y, mn, wt []float64, scale float64, exact bool) float64 {
	var ll float64
	var w float64 = 1
	for i := range y {
		if wt != nil {
			w = wt[i]
		}
		ll += w * (xlogy(y[i], mn[i]) + xlogy(1-y[i], 1-mn[i]))
	}
	return ll
}

func gaussianLogLike(y, mn, wt []float64, scale float64, exact bool) float64 {
	var ll float64
	var w float64 = 1
	var ws float64
	for i := range y {
		if wt != nil {
			w = wt[i]
		}
		r := y[i] - mn[i]
		ll -= w * r * r / (2 * scale)
		ws += w
	}
	ll -= ws * math.Log(2*math.Pi*scale) / 2
	return ll
}

func gammaLogLike(y, mn, wt []float64, scale float64, exact bool) float64 {

	var ll float64
	var w float64 = 1
	for i := range y {
		if wt != nil {
			w = wt[i]
		}

		v := y[i]/mn[i] + math.Log(mn[i])
		ll -= w * v / scale
	}

	if exact {
		g, _ := math.Lgamma(1 / scale)
		for i := range y {
			if wt != nil {
				w = wt[i]
			}

			v := (scale - 1) * math.Log(y[i])
			v += math.Log(scale) + scale*g
			ll -= w * v / scale
		}
	}

	return ll
}

func invGaussLogLike(y, mn, wt []float64, scale float64, exact bool) float64 {

	var ll float64
	var w float64 = 1
	var ws float64
	for i := range y {
		if wt != nil {
			w = wt[i]
		}

		r := y[i] - mn[i]
		v := r * r / (y[i] * mn[i] * mn[i] * scale)

		ll -= 0.5 * w * v
		ws += w
	}
	ll -= 0.5 * ws * math.Log(2*math.Pi)

	if exact {
		for i := range y {
			if wt != nil {
				w = wt[i]
			}
			ll -= 0.5 * w * math.Log(scale*y[i]*y[i]*y[i])
		}
	}

	return ll
}

func poissonDevResid(y, mn, dr []float64) {
	for i := range y {
		dr[i] = 2 * (xlogy(y[i], y[i]/mn[i]) - (y[i] - mn[i]))
	}
}

func binomialDevResid(y, mn, dr []float64) {
	for i := range y {
		dr[i] = 2 * (xlogy(y[i], y[i]/mn[i]) + xlogy(1-y[i], (1-y[i])/(1-mn[i])))
	}
}

func gaussianDevResid(y, mn, dr []float64) {
	for i := range y {
		r := y[i] - mn[i]
		dr[i] = r * r
	}
}

func gammaDevResid(y, mn, dr []float64) {
	for i := range y {
		dr[i] = -2 * (math.Log(y[i]/mn[i]) - (y[i]-mn[i])/mn[i])
	}
}

func invGaussDevResid(y, mn, dr []float64) {
	for i := range y {
		r := y[i] - mn[i]
		dr[i] = r * r / (y[i] * mn[i] * mn[i])
	}
}
