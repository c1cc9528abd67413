package glm

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Response holds the per-observation state of a GLM response at a
// given linear predictor: the mean, the deviance residuals, and the
// working response and weights used by iteratively reweighted least
// squares.
type Response struct {

	// The observed data
	Y []float64

	// Prior weights, nil if all weights are 1
	Weights []float64

	// Offset, nil if absent
	Offset []float64

	// The linear predictor, including the offset
	Eta []float64

	// The fitted mean
	Mu []float64

	// Unweighted deviance residuals
	DevResid []float64

	// The working response, excluding the offset
	WrkResp []float64

	// The working weights, including the prior weights
	WrkWt []float64

	fam  *Family
	link *Link
	vari *Variance

	// Scratch for dμ/dη and the variance
	mueta []float64
	va    []float64
}

// NewResponse returns a Response for the given data.  If link or
// vari are nil the canonical link and the family variance function are
// used.  The weights and offset may be nil.
func NewResponse(y []float64, fam *Family, link *Link, vari *Variance, wts, off []float64) (*Response, error) {

	n := len(y)
	if wts != nil && len(wts) != n {
		return nil, fmt.Errorf("glm: weights have length %d, response has length %d", len(wts), n)
	}
	if off != nil && len(off) != n {
		return nil, fmt.Errorf("glm: offset has length %d, response has length %d", len(off), n)
	}

	if link == nil {
		link = fam.CanonicalLink()
	} else if !fam.IsValidLink(link) {
		return nil, fmt.Errorf("glm: link %s is not valid for family %s", link.Name, fam.Name)
	}
	if vari == nil {
		vari = fam.Variance()
	}

	return &Response{
		Y:        y,
		Weights:  wts,
		Offset:   off,
		Eta:      make([]float64, n),
		Mu:       make([]float64, n),
		DevResid: make([]float64, n),
		WrkResp:  make([]float64, n),
		WrkWt:    make([]float64, n),
		fam:      fam,
		link:     link,
		vari:     vari,
		mueta:    make([]float64, n),
		va:       make([]float64, n),
	}, nil
}

// Family returns the response family.
func (r *Response) Family() *Family {
	return r.fam
}

// Link returns the link function.
func (r *Response) Link() *Link {
	return r.link
}

// Len returns the number of observations.
func (r *Response) Len() int {
	return len(r.Y)
}

// HasDispersion returns true if the response family has a free
// dispersion parameter.
func (r *Response) HasDispersion() bool {
	return r.fam.HasDispersion()
}

// Update sets the linear predictor to eta plus the offset and refreshes
// the mean, deviance residuals, working response and working weights.
// The slice eta excludes the offset.
func (r *Response) Update(eta []float64) {

	copy(r.Eta, eta)
	if r.Offset != nil {
		floats.Add(r.Eta, r.Offset)
	}

	r.link.InvLink(r.Eta, r.Mu)
	r.refresh()
}

// UpdateMu sets the mean directly, as is done to start IRLS, and
// refreshes the linear predictor and the derived quantities.
func (r *Response) UpdateMu(mu []float64) {
	copy(r.Mu, mu)
	r.link.Link(r.Mu, r.Eta)
	r.refresh()
}

func (r *Response) refresh() {

	r.fam.DevResid(r.Y, r.Mu, r.DevResid)
	r.link.MuEta(r.Eta, r.mueta)
	r.vari.Var(r.Mu, r.va)

	for i := range r.Y {
		d := r.mueta[i]
		r.WrkResp[i] = r.Eta[i] + (r.Y[i]-r.Mu[i])/d
		if r.Offset != nil {
			r.WrkResp[i] -= r.Offset[i]
		}
		w := d * d / r.va[i]
		if r.Weights != nil {
			w *= r.Weights[i]
		}
		r.WrkWt[i] = w
	}
}

// Deviance returns the weighted sum of the deviance residuals.
func (r *Response) Deviance() float64 {
	if r.Weights == nil {
		return floats.Sum(r.DevResid)
	}
	return floats.Dot(r.Weights, r.DevResid)
}

// LogLike returns the exact log-likelihood at the current mean.  For
// families with a free dispersion parameter, the scale is estimated as
// the deviance divided by the total weight.
func (r *Response) LogLike() float64 {

	scale := 1.0
	if r.HasDispersion() {
		ws := float64(len(r.Y))
		if r.Weights != nil {
			ws = floats.Sum(r.Weights)
		}
		scale = r.Deviance() / ws
	}

	return r.fam.LogLike(r.Y, r.Mu, r.Weights, scale, true)
}

// PearsonChi2 returns the weighted sum of squared Pearson residuals.
func (r *Response) PearsonChi2() float64 {
	var s float64
	for i, y := range r.Y {
		e := y - r.Mu[i]
		v := e * e / r.va[i]
		if r.Weights != nil {
			v *= r.Weights[i]
		}
		s += v
	}
	return s
}
