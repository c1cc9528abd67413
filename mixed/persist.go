package mixed

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"gonum.org/v1/gonum/mat"
)

// FitSummary is a self-contained record of a fitted model, which can be
// stored and loaded using CBOR.  Coefficients are in the original column
// order of the fixed-effects design.
type FitSummary struct {
	Model    string   `cbor:"model"`
	Family   string   `cbor:"family,omitempty"`
	Link     string   `cbor:"link,omitempty"`
	REML     bool     `cbor:"reml"`
	NAGQ     int      `cbor:"nagq,omitempty"`
	NObs     int      `cbor:"nobs"`
	Rank     int      `cbor:"rank"`
	DOF      int      `cbor:"dof"`
	Warnings []string `cbor:"warnings,omitempty"`

	CoefNames []string  `cbor:"coef_names"`
	Coef      []float64 `cbor:"coef"`
	StdErr    []float64 `cbor:"stderr"`

	Theta     []float64 `cbor:"theta"`
	Sigma     float64   `cbor:"sigma"`
	Objective float64   `cbor:"objective"`
	LogLik    float64   `cbor:"loglik"`
	AIC       float64   `cbor:"aic"`
	BIC       float64   `cbor:"bic"`

	Terms []TermSummary `cbor:"terms"`

	FInitial float64   `cbor:"finitial"`
	FMin     float64   `cbor:"fmin"`
	FEval    int       `cbor:"feval"`
	Status   string    `cbor:"status"`
	Initial  []float64 `cbor:"initial"`
	Final    []float64 `cbor:"final"`
}

// TermSummary records the estimates for one random-effects term.
type TermSummary struct {
	Group  string    `cbor:"group"`
	Names  []string  `cbor:"names"`
	Levels []string  `cbor:"levels"`
	SD     []float64 `cbor:"sd"`

	// Row-major correlation matrix
	Corr []float64 `cbor:"corr"`

	// Conditional modes b, level by level
	Ranef []float64 `cbor:"ranef"`
}

func termSummaries(reterms []*ReMat, vc *VarCorr, ranef []*mat.Dense) []TermSummary {
	var ts []TermSummary
	for j, re := range reterms {
		t := vc.Terms[j]
		s := re.s
		corr := make([]float64, 0, s*s)
		for i := 0; i < s; i++ {
			corr = append(corr, t.Corr.RawRowView(i)...)
		}
		var b []float64
		for l := 0; l < re.NLevels(); l++ {
			for r := 0; r < s; r++ {
				b = append(b, ranef[j].At(r, l))
			}
		}
		ts = append(ts, TermSummary{
			Group:  re.name,
			Names:  re.cnames,
			Levels: re.levels,
			SD:     t.SD,
			Corr:   corr,
			Ranef:  b,
		})
	}
	return ts
}

func (fs *FitSummary) setOpt(osum *OptSummary) {
	fs.FInitial = osum.FInitial
	fs.FMin = osum.FMin
	fs.FEval = osum.FEval
	fs.Status = osum.Status.String()
	fs.Initial = osum.Initial
	fs.Final = osum.Final
}

// FitSummary returns a record of the fitted model.
func (m *LMM) FitSummary() *FitSummary {

	var v *mat.SymDense
	if m.fe.rank > 0 {
		v = m.Vcov()
	}
	rslt := coefResults(m.fe, m.Fixef(), v, m.LogLik())

	fs := &FitSummary{
		Model:     "LMM",
		REML:      m.config.REML,
		NObs:      m.NObs(),
		Rank:      m.fe.rank,
		DOF:       m.DOF(),
		Warnings:  m.warnings,
		CoefNames: rslt.Names(),
		Coef:      rslt.Params(),
		StdErr:    rslt.StdErr(),
		Theta:     m.Theta(),
		Sigma:     m.Sigma(),
		Objective: m.Objective(),
		LogLik:    m.LogLik(),
		AIC:       m.AIC(),
		BIC:       m.BIC(),
		Terms:     termSummaries(m.reterms, m.VarCorr(), m.Ranef(false)),
	}
	fs.setOpt(m.optsum)

	return fs
}

// FitSummary returns a record of the fitted model.  The objective is the
// Laplace approximation to the deviance.
func (m *GLMM) FitSummary() *FitSummary {

	var v *mat.SymDense
	if len(m.beta) > 0 {
		v = m.Vcov()
	}
	rslt := coefResults(m.lmm.fe, m.beta, v, m.LogLik())

	fs := &FitSummary{
		Model:     "GLMM",
		Family:    m.resp.Family().Name,
		Link:      m.resp.Link().Name,
		NAGQ:      m.config.NAGQ,
		NObs:      m.NObs(),
		Rank:      len(m.beta),
		DOF:       m.DOF(),
		Warnings:  m.warnings,
		CoefNames: rslt.Names(),
		Coef:      rslt.Params(),
		StdErr:    rslt.StdErr(),
		Theta:     m.Theta(),
		Sigma:     m.Sigma(),
		Objective: m.Objective(),
		LogLik:    m.LogLik(),
		AIC:       m.AIC(),
		BIC:       m.BIC(),
		Terms:     termSummaries(m.lmm.reterms, m.VarCorr(), m.Ranef(false)),
	}
	fs.setOpt(m.optsum)

	return fs
}

// Encode returns the CBOR encoding of the summary.
func (fs *FitSummary) Encode() ([]byte, error) {
	b, err := cbor.Marshal(fs)
	if err != nil {
		return nil, fmt.Errorf("mixed: encoding fit summary: %w", err)
	}
	return b, nil
}

// DecodeFitSummary decodes a summary produced by Encode.
func DecodeFitSummary(b []byte) (*FitSummary, error) {
	var fs FitSummary
	if err := cbor.Unmarshal(b, &fs); err != nil {
		return nil, fmt.Errorf("mixed: decoding fit summary: %w", err)
	}
	return &fs, nil
}

// Save writes the CBOR encoding of the summary to w.
func (fs *FitSummary) Save(w io.Writer) error {
	return cbor.NewEncoder(w).Encode(fs)
}

// LoadFitSummary reads a CBOR-encoded summary from r.
func LoadFitSummary(r io.Reader) (*FitSummary, error) {
	var fs FitSummary
	if err := cbor.NewDecoder(r).Decode(&fs); err != nil {
		return nil, fmt.Errorf("mixed: reading fit summary: %w", err)
	}
	return &fs, nil
}
