package mixed

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ReMat is a random-effects term: the model matrix of one or more random
// effects attached to a grouping factor, together with the relative
// covariance factor Λ of the effects.
type ReMat struct {

	// The name of the grouping factor
	name string

	// The distinct levels of the grouping factor
	levels []string

	// refs[i] is the level of observation i
	refs []int

	// Names of the columns of the model matrix
	cnames []string

	// Number of random effects per level
	s int

	// The transposed model matrix, s×n
	z *mat.Dense

	// The weighted transposed model matrix, used once weights are applied
	wtz *mat.Dense

	weighted bool

	// The lower-triangular relative covariance factor, s×s
	lambda *mat.Dense

	// Column-major linear indices into lambda of the free parameters
	inds []int
}

// NewReMat returns a random-effects term for the grouping factor with
// the given name.  The levels of the factor are given by levels, and
// refs[i] is the index in levels of the level of observation i.  The
// n×s matrix z holds the model matrix, for a random intercept it is a
// single column of ones.  The covariance factor is initialized to the
// identity, with all lower-triangular elements free.
func NewReMat(name string, levels []string, refs []int, z mat.Matrix, cnames []string) (*ReMat, error) {

	n, s := z.Dims()
	if n == 0 || s == 0 {
		return nil, fmt.Errorf("term %s: empty model matrix: %w", name, ErrDimension)
	}
	if len(refs) != n {
		return nil, fmt.Errorf("term %s: %d refs for %d rows: %w", name, len(refs), n, ErrDimension)
	}
	if len(cnames) != s {
		return nil, fmt.Errorf("term %s: %d column names for %d columns: %w", name, len(cnames), s, ErrDimension)
	}
	if len(levels) == 0 {
		return nil, fmt.Errorf("term %s has no levels: %w", name, ErrDimension)
	}
	for _, r := range refs {
		if r < 0 || r >= len(levels) {
			return nil, fmt.Errorf("term %s: level index %d out of range: %w", name, r, ErrDimension)
		}
	}

	zt := mat.DenseCopyOf(z.T())

	lambda := mat.NewDense(s, s, nil)
	var inds []int
	for j := 0; j < s; j++ {
		lambda.Set(j, j, 1)
		for i := j; i < s; i++ {
			inds = append(inds, j*s+i)
		}
	}

	return &ReMat{
		name:   name,
		levels: append([]string(nil), levels...),
		refs:   append([]int(nil), refs...),
		cnames: append([]string(nil), cnames...),
		s:      s,
		z:      zt,
		lambda: lambda,
		inds:   inds,
	}, nil
}

// Name returns the name of the grouping factor.
func (re *ReMat) Name() string {
	return re.name
}

// Levels returns the levels of the grouping factor.
func (re *ReMat) Levels() []string {
	return re.levels
}

// Refs returns the level index of each observation.
func (re *ReMat) Refs() []int {
	return re.refs
}

// ColumnNames returns the names of the columns of the model matrix.
func (re *ReMat) ColumnNames() []string {
	return re.cnames
}

// BlockSize returns the number of random effects per level.
func (re *ReMat) BlockSize() int {
	return re.s
}

// NLevels returns the number of levels of the grouping factor.
func (re *ReMat) NLevels() int {
	return len(re.levels)
}

// NObs returns the number of observations.
func (re *ReMat) NObs() int {
	return len(re.refs)
}

// NRanef returns the total number of random effects.
func (re *ReMat) NRanef() int {
	return re.s * len(re.levels)
}

// Lambda returns the relative covariance factor.  It is owned by the
// term.
func (re *ReMat) Lambda() *mat.Dense {
	return re.lambda
}

// Inds returns the column-major linear indices into Λ of the free
// parameters.
func (re *ReMat) Inds() []int {
	return re.inds
}

// NTheta returns the number of free parameters in Λ.
func (re *ReMat) NTheta() int {
	return len(re.inds)
}

// Theta copies the free parameters of Λ into dst, which is allocated if
// nil, and returns it.
func (re *ReMat) Theta(dst []float64) []float64 {
	if dst == nil {
		dst = make([]float64, len(re.inds))
	}
	for k, ind := range re.inds {
		dst[k] = re.lambda.At(ind%re.s, ind/re.s)
	}
	return dst
}

// SetTheta installs the given parameter values into Λ.
func (re *ReMat) SetTheta(theta []float64) error {
	if len(theta) != len(re.inds) {
		return fmt.Errorf("term %s: %d parameters, expected %d: %w", re.name, len(theta), len(re.inds), ErrDimension)
	}
	for k, ind := range re.inds {
		re.lambda.Set(ind%re.s, ind/re.s, theta[k])
	}
	return nil
}

// LowerBounds returns the lower bounds of the free parameters, zero for
// diagonal elements of Λ and -Inf otherwise.
func (re *ReMat) LowerBounds() []float64 {
	lb := make([]float64, len(re.inds))
	for k, ind := range re.inds {
		if ind%re.s == ind/re.s {
			lb[k] = 0
		} else {
			lb[k] = math.Inf(-1)
		}
	}
	return lb
}

// ZeroCorr restricts Λ to be diagonal, so that the random effects of each
// level are uncorrelated.
func (re *ReMat) ZeroCorr() {
	var inds []int
	for _, ind := range re.inds {
		i, j := ind%re.s, ind/re.s
		if i == j {
			inds = append(inds, ind)
		} else {
			re.lambda.Set(i, j, 0)
		}
	}
	re.inds = inds
}

// Wtz returns the weighted transposed model matrix, which is the
// unweighted matrix until weights have been applied.
func (re *ReMat) Wtz() *mat.Dense {
	if re.weighted {
		return re.wtz
	}
	return re.z
}

// reweight applies the square roots of the case weights to the columns
// of the transposed model matrix.
func (re *ReMat) reweight(sqrtwts []float64) error {

	if len(sqrtwts) == 0 {
		return nil
	}
	n := len(re.refs)
	if len(sqrtwts) != n {
		return fmt.Errorf("term %s: %d weights for %d observations: %w", re.name, len(sqrtwts), n, ErrDimension)
	}

	if !re.weighted {
		re.wtz = mat.NewDense(re.s, n, nil)
		re.weighted = true
	}

	for r := 0; r < re.s; r++ {
		src := re.z.RawRowView(r)
		dst := re.wtz.RawRowView(r)
		floats.MulTo(dst, src, sqrtwts)
	}

	return nil
}

// clone returns a copy of the term that does not share Λ.
func (re *ReMat) clone() *ReMat {
	c := *re
	c.lambda = mat.DenseCopyOf(re.lambda)
	c.inds = append([]int(nil), re.inds...)
	if re.weighted {
		c.wtz = mat.DenseCopyOf(re.wtz)
	}
	return &c
}

// isNested returns true if every level of a occurs with a single level
// of b, that is, if the grouping factor of a is nested within that of b.
func isNested(a, b *ReMat) bool {

	if len(a.refs) != len(b.refs) {
		return false
	}

	seen := make([]int, a.NLevels())
	for i := range seen {
		seen[i] = -1
	}

	for i, ra := range a.refs {
		rb := b.refs[i]
		switch seen[ra] {
		case -1:
			seen[ra] = rb
		case rb:
		default:
			return false
		}
	}

	return true
}

// amalgamate merges terms with the same grouping factor name into a
// single term, whose Λ is block diagonal.  The merged terms must have
// identical levels and refs.  The order of first appearance is kept.
func amalgamate(terms []*ReMat) ([]*ReMat, error) {

	var names []string
	groups := make(map[string][]*ReMat)
	for _, re := range terms {
		if _, ok := groups[re.name]; !ok {
			names = append(names, re.name)
		}
		groups[re.name] = append(groups[re.name], re)
	}

	var out []*ReMat
	for _, na := range names {
		g := groups[na]
		if len(g) == 1 {
			out = append(out, g[0])
			continue
		}
		re, err := mergeTerms(g)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}

	return out, nil
}

func mergeTerms(g []*ReMat) (*ReMat, error) {

	first := g[0]
	n := len(first.refs)

	var s int
	for _, re := range g {
		if len(re.levels) != len(first.levels) || len(re.refs) != n {
			return nil, fmt.Errorf("terms for %s have different levels: %w", first.name, ErrDimension)
		}
		for i, r := range re.refs {
			if r != first.refs[i] {
				return nil, fmt.Errorf("terms for %s have different refs: %w", first.name, ErrDimension)
			}
		}
		s += re.s
	}

	z := mat.NewDense(s, n, nil)
	lambda := mat.NewDense(s, s, nil)
	var cnames []string
	var inds []int
	var off int
	for _, re := range g {
		z.Slice(off, off+re.s, 0, n).(*mat.Dense).Copy(re.z)
		lambda.Slice(off, off+re.s, off, off+re.s).(*mat.Dense).Copy(re.lambda)
		cnames = append(cnames, re.cnames...)
		for _, ind := range re.inds {
			i, j := ind%re.s, ind/re.s
			inds = append(inds, (off+j)*s+off+i)
		}
		off += re.s
	}
	sort.Ints(inds)

	return &ReMat{
		name:   first.name,
		levels: first.levels,
		refs:   first.refs,
		cnames: cnames,
		s:      s,
		z:      z,
		lambda: lambda,
		inds:   inds,
	}, nil
}

// selfProduct returns ZᵀWZ for the term, which is block diagonal.
func (re *ReMat) selfProduct() mat.Matrix {
	var m mat.Matrix
	if re.s == 1 {
		m = &Diagonal{d: make([]float64, re.NLevels())}
	} else {
		m = NewUniformBlockDiag(re.s, re.NLevels())
	}
	re.selfProductInto(m)
	return m
}

// selfProductInto overwrites the structured matrix m with ZᵀWZ.
func (re *ReMat) selfProductInto(m mat.Matrix) {

	s, _, d, _ := structured(m)
	for i := range d {
		d[i] = 0
	}

	z := re.Wtz().RawMatrix()
	for i, l := range re.refs {
		o := l * s * s
		for a := 0; a < s; a++ {
			za := z.Data[a*z.Stride+i]
			for b := 0; b < s; b++ {
				d[o+a*s+b] += za * z.Data[b*z.Stride+i]
			}
		}
	}
}

// crossProduct returns Z_aᵀWZ_b.  It is stored as a dense matrix if the
// fraction of nonzero blocks exceeds thresh, and as a blocked-sparse
// matrix otherwise.
func crossProduct(a, b *ReMat, thresh float64) mat.Matrix {

	ka, kb := a.NLevels(), b.NLevels()

	// The distinct (block column, block row) pairs, column-major.
	n := len(a.refs)
	keys := make([]int, n)
	for i := range keys {
		keys[i] = b.refs[i]*ka + a.refs[i]
	}
	sort.Ints(keys)
	var nnz int
	for i, k := range keys {
		if i == 0 || k != keys[i-1] {
			keys[nnz] = k
			nnz++
		}
	}
	keys = keys[0:nnz]

	var m mat.Matrix
	if float64(nnz) > thresh*float64(ka)*float64(kb) {
		m = mat.NewDense(ka*a.s, kb*b.s, nil)
	} else {
		colptr := make([]int, kb+1)
		rowval := make([]int, nnz)
		for i, k := range keys {
			colptr[k/ka+1]++
			rowval[i] = k % ka
		}
		for j := 0; j < kb; j++ {
			colptr[j+1] += colptr[j]
		}
		m = &BlockedSparse{
			r:      a.s,
			c:      b.s,
			nbrow:  ka,
			nbcol:  kb,
			colptr: colptr,
			rowval: rowval,
			nzval:  make([]float64, nnz*a.s*b.s),
		}
	}

	if err := crossProductInto(m, a, b); err != nil {
		// The pattern was built from the same refs.
		panic(err)
	}

	return m
}

// crossProductInto overwrites m with Z_aᵀWZ_b, keeping the pattern of m.
func crossProductInto(m mat.Matrix, a, b *ReMat) error {

	za := a.Wtz().RawMatrix()
	zb := b.Wtz().RawMatrix()
	sa, sb := a.s, b.s

	switch m := m.(type) {
	case *mat.Dense:
		m.Zero()
		g := m.RawMatrix()
		for i := range a.refs {
			ro, co := a.refs[i]*sa, b.refs[i]*sb
			for r := 0; r < sa; r++ {
				v := za.Data[r*za.Stride+i]
				for c := 0; c < sb; c++ {
					g.Data[(ro+r)*g.Stride+co+c] += v * zb.Data[c*zb.Stride+i]
				}
			}
		}
	case *BlockedSparse:
		for i := range m.nzval {
			m.nzval[i] = 0
		}
		for i := range a.refs {
			k := m.find(a.refs[i], b.refs[i])
			if k < 0 {
				return fmt.Errorf("cross-product of %s and %s: %w", a.name, b.name, ErrPattern)
			}
			blk := m.nzval[k*sa*sb : (k+1)*sa*sb]
			for r := 0; r < sa; r++ {
				v := za.Data[r*za.Stride+i]
				for c := 0; c < sb; c++ {
					blk[r*sb+c] += v * zb.Data[c*zb.Stride+i]
				}
			}
		}
	default:
		return fmt.Errorf("cross-product into %T: %w", m, ErrPattern)
	}

	return nil
}

// xyCrossProductInto overwrites the dense (p+1)×q matrix m with XyᵀWZ.
func xyCrossProductInto(m *mat.Dense, xy *FeMat, re *ReMat) {

	m.Zero()
	g := m.RawMatrix()
	x := xy.Wtx().RawMatrix()
	z := re.Wtz().RawMatrix()
	s := re.s

	for i, l := range re.refs {
		xrow := x.Data[i*x.Stride : i*x.Stride+x.Cols]
		for c := 0; c < s; c++ {
			zv := z.Data[c*z.Stride+i]
			if zv == 0 {
				continue
			}
			col := l*s + c
			for r, xv := range xrow {
				g.Data[r*g.Stride+col] += xv * zv
			}
		}
	}
}

// mulLambda sets b to Λu, level by level.  Both vectors are indexed by
// level*s + component.
func (re *ReMat) mulLambda(b, u []float64) {
	s := re.s
	lam := re.lambda.RawMatrix()
	for l := 0; l < re.NLevels(); l++ {
		o := l * s
		for i := 0; i < s; i++ {
			var v float64
			for j := 0; j <= i; j++ {
				v += lam.Data[i*lam.Stride+j] * u[o+j]
			}
			b[o+i] = v
		}
	}
}

// addZb adds Zb to eta, using the unweighted model matrix.
func (re *ReMat) addZb(eta, b []float64) {
	z := re.z.RawMatrix()
	s := re.s
	for i, l := range re.refs {
		for c := 0; c < s; c++ {
			eta[i] += z.Data[c*z.Stride+i] * b[l*s+c]
		}
	}
}

// sigmas returns the standard deviations of the random effects, given
// the residual standard deviation.
func (re *ReMat) sigmas(sigma float64) []float64 {
	sd := make([]float64, re.s)
	for i := range sd {
		sd[i] = sigma * floats.Norm(re.lambda.RawRowView(i), 2)
	}
	return sd
}

// corr returns the correlation matrix of the random effects.  The
// correlation of two effects is zero if the free elements of their rows
// of Λ share no column.
func (re *ReMat) corr() *mat.Dense {

	s := re.s
	free := make([]bool, s*s)
	for _, ind := range re.inds {
		free[(ind%s)*s+ind/s] = true
	}

	c := mat.NewDense(s, s, nil)
	for i := 0; i < s; i++ {
		c.Set(i, i, 1)
		ri := re.lambda.RawRowView(i)
		ni := floats.Norm(ri, 2)
		for j := 0; j < i; j++ {
			var shared bool
			for k := 0; k < s; k++ {
				if free[i*s+k] && free[j*s+k] {
					shared = true
					break
				}
			}
			if !shared {
				continue
			}
			rj := re.lambda.RawRowView(j)
			v := floats.Dot(ri, rj) / (ni * floats.Norm(rj, 2))
			c.Set(i, j, v)
			c.Set(j, i, v)
		}
	}

	return c
}
