package mixed

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/lapack/gonum"
	"gonum.org/v1/gonum/mat"
)

// FeMat is a fixed-effects design matrix.  The columns are pivoted so
// that linearly dependent columns follow the first Rank columns.
type FeMat struct {

	// Number of rows and columns
	nobs, ncol int

	// The pivoted design matrix, nil if there are no columns
	x *mat.Dense

	// The weighted design matrix, only allocated once nontrivial
	// weights have been applied
	wtx *mat.Dense

	// True if wtx is in use
	weighted bool

	// piv[j] is the original column index of pivoted column j
	piv []int

	rank int

	// Column names, in pivoted order
	cnames []string

	// Non-fatal diagnostic produced during construction
	warning string
}

// NewFeMat returns a FeMat for the design matrix x with the given
// column names.  The numerical rank of x is determined by a pivoted QR
// decomposition, and rank-deficient columns are moved to the end.
func NewFeMat(x mat.Matrix, cnames []string) (*FeMat, error) {

	n, p := x.Dims()
	if len(cnames) != p {
		return nil, fmt.Errorf("%d column names for %d columns: %w", len(cnames), p, ErrDimension)
	}

	fe := &FeMat{
		nobs:   n,
		ncol:   p,
		cnames: append([]string(nil), cnames...),
	}

	// All columns have been dropped
	if p == 0 {
		return fe, nil
	}

	// Without observations no column is estimable.
	if n == 0 {
		fe.piv = make([]int, p)
		for j := range fe.piv {
			fe.piv[j] = j
		}
		return fe, nil
	}

	xd := mat.DenseCopyOf(x)
	rank, piv := pivotedRank(xd)
	fe.rank = rank
	fe.piv = piv

	if rank < p {
		// Permute the columns and their names.
		xp := mat.NewDense(n, p, nil)
		for j, k := range piv {
			for i := 0; i < n; i++ {
				xp.Set(i, j, xd.At(i, k))
			}
			fe.cnames[j] = cnames[k]
		}
		xd = xp

		// A single column can only be deficient if it is zero, which
		// arises with placeholder responses.
		if p > 1 {
			fe.warning = fmt.Sprintf("fixed-effects matrix is rank deficient: rank %d with %d columns", rank, p)
		}
	}
	fe.x = xd

	return fe, nil
}

// pivotedRank returns the numerical rank of x, and a column pivot that
// places a set of linearly independent columns first, each group in
// increasing order.
func pivotedRank(x *mat.Dense) (int, []int) {

	n, p := x.Dims()
	piv := make([]int, p)
	if n == 0 || p == 0 {
		for j := range piv {
			piv[j] = j
		}
		return 0, piv
	}

	a := mat.DenseCopyOf(x)
	raw := a.RawMatrix()

	jpvt := make([]int, p)
	for j := range jpvt {
		jpvt[j] = -1
	}
	k := min(n, p)
	tau := make([]float64, k)

	// Workspace query
	impl := gonum.Implementation{}
	work := make([]float64, 1)
	impl.Dgeqp3(n, p, raw.Data, raw.Stride, jpvt, tau, work, -1)
	work = make([]float64, int(work[0]))
	impl.Dgeqp3(n, p, raw.Data, raw.Stride, jpvt, tau, work, len(work))

	r0 := math.Abs(raw.Data[0])
	var rank int
	for i := 0; i < k; i++ {
		if math.Abs(raw.Data[i*raw.Stride+i]) <= RankTol*r0 {
			break
		}
		rank++
	}

	if rank == p {
		for j := range piv {
			piv[j] = j
		}
		return rank, piv
	}

	copy(piv, jpvt)
	sort.Ints(piv[0:rank])
	sort.Ints(piv[rank:])

	return rank, piv
}

// newXy returns the concatenation of the full-rank columns of fe with
// the response y.  The result is treated as having full rank.
func newXy(fe *FeMat, y []float64) (*FeMat, error) {

	n := fe.nobs
	if len(y) != n {
		return nil, fmt.Errorf("response has length %d, design has %d rows: %w", len(y), n, ErrDimension)
	}

	p := fe.rank
	x := mat.NewDense(n, p+1, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < p; j++ {
			x.Set(i, j, fe.x.At(i, j))
		}
		x.Set(i, p, y[i])
	}

	piv := make([]int, p+1)
	for j := range piv {
		piv[j] = j
	}

	cnames := append(append([]string(nil), fe.cnames[0:p]...), "(response)")

	return &FeMat{
		nobs:   n,
		ncol:   p + 1,
		x:      x,
		piv:    piv,
		rank:   p + 1,
		cnames: cnames,
	}, nil
}

// setY replaces the last column of the matrix, which holds the
// response in an Xy matrix.  The weighted copy is refreshed by the
// next call to reweight.
func (fe *FeMat) setY(y []float64) {
	p := fe.ncol - 1
	for i, v := range y {
		fe.x.Set(i, p, v)
	}
}

// reweight applies the square roots of the case weights to the rows of
// the design.  An empty weight vector leaves the design unchanged.
func (fe *FeMat) reweight(sqrtwts []float64) error {

	if len(sqrtwts) == 0 {
		return nil
	}
	if len(sqrtwts) != fe.nobs {
		return fmt.Errorf("%d weights for %d observations: %w", len(sqrtwts), fe.nobs, ErrDimension)
	}
	if fe.ncol == 0 {
		return nil
	}

	if !fe.weighted {
		fe.wtx = mat.NewDense(fe.nobs, fe.ncol, nil)
		fe.weighted = true
	}

	for i, w := range sqrtwts {
		for j := 0; j < fe.ncol; j++ {
			fe.wtx.Set(i, j, w*fe.x.At(i, j))
		}
	}

	return nil
}

// Dims returns the number of rows and columns of the design.
func (fe *FeMat) Dims() (int, int) {
	return fe.nobs, fe.ncol
}

// Rank returns the numerical rank of the design.
func (fe *FeMat) Rank() int {
	return fe.rank
}

// Pivot returns the column permutation, where Pivot()[j] is the
// original index of pivoted column j.
func (fe *FeMat) Pivot() []int {
	return fe.piv
}

// ColumnNames returns the column names in pivoted order.
func (fe *FeMat) ColumnNames() []string {
	return fe.cnames
}

// X returns the pivoted design matrix, or nil if it has no columns or
// no rows.
func (fe *FeMat) X() *mat.Dense {
	return fe.x
}

// Wtx returns the weighted design matrix.  This is the same matrix as
// X until nontrivial weights have been applied.
func (fe *FeMat) Wtx() *mat.Dense {
	if fe.weighted {
		return fe.wtx
	}
	return fe.x
}

// Weighted returns true if a weighted copy of the design is in use.
func (fe *FeMat) Weighted() bool {
	return fe.weighted
}

// Warning returns a message describing rank deficiency, or an empty
// string.
func (fe *FeMat) Warning() string {
	return fe.warning
}

// fullRankCols returns the first Rank columns of the design as row-major
// column slices.
func (fe *FeMat) fullRankCols() [][]float64 {
	cols := make([][]float64, fe.rank)
	for j := range cols {
		cols[j] = mat.Col(nil, j, fe.x)
	}
	return cols
}
