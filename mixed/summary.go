package mixed

import (
	"bytes"
	"fmt"
	"math"
	"strings"

	"github.com/olekukonko/tablewriter"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/kshedden/mixedmodel/statmodel"
)

// VarCompTerm holds the estimated variance components of one
// random-effects term.
type VarCompTerm struct {

	// The grouping factor
	Group string

	// Names of the random effects
	Names []string

	// Standard deviations of the random effects
	SD []float64

	// Correlations of the random effects
	Corr *mat.Dense
}

// VarCorr holds the estimated variance components of a fitted model.
type VarCorr struct {
	Terms []VarCompTerm

	// The residual standard deviation, NaN if the model has no residual
	// scale
	Residual float64
}

func varCorr(reterms []*ReMat, sigma, residual float64) *VarCorr {
	vc := &VarCorr{Residual: residual}
	for _, re := range reterms {
		vc.Terms = append(vc.Terms, VarCompTerm{
			Group: re.name,
			Names: re.cnames,
			SD:    re.sigmas(sigma),
			Corr:  re.corr(),
		})
	}
	return vc
}

// VarCorr returns the estimated variance components.
func (m *LMM) VarCorr() *VarCorr {
	s := m.Sigma()
	return varCorr(m.reterms, s, s)
}

// VarCorr returns the estimated variance components.  The residual
// standard deviation is only reported for families with a dispersion
// parameter.
func (m *GLMM) VarCorr() *VarCorr {
	res := math.NaN()
	if m.resp.HasDispersion() {
		res = m.Sigma()
	}
	return varCorr(m.lmm.reterms, 1, res)
}

// String formats the variance components as a table.
func (vc *VarCorr) String() string {

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetHeader([]string{"Group", "Name", "Std.Dev.", "Corr."})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetAutoWrapText(false)

	for _, t := range vc.Terms {
		for i, na := range t.Names {
			group := ""
			if i == 0 {
				group = t.Group
			}
			var corr []string
			for j := 0; j < i; j++ {
				corr = append(corr, fmt.Sprintf("%+.2f", t.Corr.At(i, j)))
			}
			table.Append([]string{group, na, fmt.Sprintf("%.4f", t.SD[i]), strings.Join(corr, " ")})
		}
	}
	if !math.IsNaN(vc.Residual) {
		table.Append([]string{"Residual", "", fmt.Sprintf("%.4f", vc.Residual), ""})
	}

	table.Render()
	return buf.String()
}

// coefResults returns the fixed-effects estimates in the original column
// order, with NaN variances for dropped columns.
func coefResults(fe *FeMat, beta []float64, v *mat.SymDense, ll float64) statmodel.BaseResults {

	p := fe.ncol
	coef := unpivot(fe, beta)
	vcov := make([]float64, p*p)
	for i := range vcov {
		vcov[i] = math.NaN()
	}
	for i := 0; i < fe.rank; i++ {
		for j := 0; j < fe.rank; j++ {
			vcov[fe.piv[i]*p+fe.piv[j]] = v.At(i, j)
		}
	}

	names := make([]string, p)
	for j, k := range fe.piv {
		names[k] = fe.cnames[j]
	}

	return statmodel.NewBaseResults(ll, coef, names, vcov)
}

func coefSummary(title string, top []string, rslt statmodel.BaseResults, vc *VarCorr, msgs []string) string {

	fs := statmodel.FmtStrings
	fn := statmodel.FmtFloats

	sum := &statmodel.SummaryTable{
		Title:    title,
		Top:      top,
		ColNames: []string{"Variable   ", "Estimate", "SE", "Z-score", "P-value"},
		ColFmt:   []statmodel.Fmter{fs, fn, fn, fn, fn},
		Cols: []interface{}{
			rslt.Names(),
			rslt.Params(),
			rslt.StdErr(),
			rslt.ZScores(),
			rslt.PValues(),
		},
		Msg: append([]string{"Variance components:", vc.String()}, msgs...),
	}

	return sum.String()
}

// Summary returns a table of the fixed-effects estimates and the
// variance components.
func (m *LMM) Summary() string {

	crit := "ML"
	if m.config.REML {
		crit = "REML"
	}

	top := []string{
		fmt.Sprintf("Criterion: %s", crit),
		fmt.Sprintf("Num obs:   %d", m.NObs()),
		fmt.Sprintf("Objective: %.4f", m.Objective()),
		fmt.Sprintf("AIC:       %.4f", m.AIC()),
		fmt.Sprintf("BIC:       %.4f", m.BIC()),
		fmt.Sprintf("Sigma:     %.4f", m.Sigma()),
	}

	var v *mat.SymDense
	if m.fe.rank > 0 {
		v = m.Vcov()
	}
	rslt := coefResults(m.fe, m.Fixef(), v, m.LogLik())

	return coefSummary("Linear mixed model analysis", top, rslt, m.VarCorr(), m.warnings)
}

// Summary returns a table of the fixed-effects estimates and the
// variance components.
func (m *GLMM) Summary() string {

	top := []string{
		fmt.Sprintf("Family:   %s", m.resp.Family().Name),
		fmt.Sprintf("Link:     %s", m.resp.Link().Name),
		fmt.Sprintf("Num obs:  %d", m.NObs()),
		fmt.Sprintf("NAGQ:     %d", m.config.NAGQ),
		fmt.Sprintf("LogLik:   %.4f", m.LogLik()),
		fmt.Sprintf("AIC:      %.4f", m.AIC()),
	}

	var v *mat.SymDense
	if len(m.beta) > 0 {
		v = m.Vcov()
	}
	rslt := coefResults(m.lmm.fe, m.beta, v, m.LogLik())

	return coefSummary("Generalized linear mixed model analysis", top, rslt, m.VarCorr(), m.warnings)
}

// Model is a fitted model that can be compared by a likelihood ratio
// test.
type Model interface {
	LogLik() float64
	DOF() int
	NObs() int
}

// LRTResult is the result of a likelihood ratio test.
type LRTResult struct {

	// Twice the difference in log-likelihoods
	Stat float64

	// Difference in the number of parameters
	DF int

	PValue float64
}

// LikelihoodRatioTest compares the nested model m0 to the larger model
// m1.  Models fitted by REML are not comparable in general and are
// rejected.
func LikelihoodRatioTest(m0, m1 Model) (*LRTResult, error) {

	for _, m := range []Model{m0, m1} {
		if r, ok := m.(interface{ IsREML() bool }); ok && r.IsREML() {
			return nil, fmt.Errorf("mixed: likelihood ratio tests require maximum likelihood fits")
		}
	}
	if m0.NObs() != m1.NObs() {
		return nil, fmt.Errorf("models have %d and %d observations: %w", m0.NObs(), m1.NObs(), ErrDimension)
	}

	df := m1.DOF() - m0.DOF()
	if df <= 0 {
		return nil, fmt.Errorf("the second model must have more parameters than the first: %w", ErrDimension)
	}

	stat := 2 * (m1.LogLik() - m0.LogLik())
	chi := distuv.ChiSquared{K: float64(df)}

	return &LRTResult{
		Stat:   stat,
		DF:     df,
		PValue: chi.Survival(math.Max(stat, 0)),
	}, nil
}
