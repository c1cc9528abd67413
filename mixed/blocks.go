package mixed

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/mat"
)

// The blocks of the cross-product matrix A and of its blocked Cholesky
// factor L are mat.Matrix values with one of the concrete types
// *Diagonal, *UniformBlockDiag, *mat.Dense or *BlockedSparse.

// Diagonal is a diagonal matrix.  It holds the cross-product and
// Cholesky blocks of a random-effects term with one column.
type Diagonal struct {
	d []float64
}

// NewDiagonal returns a diagonal matrix with the given diagonal.
func NewDiagonal(d []float64) *Diagonal {
	return &Diagonal{d: d}
}

// Dims returns the dimensions of the matrix.
func (m *Diagonal) Dims() (int, int) {
	return len(m.d), len(m.d)
}

// At returns the value at row i, column j.
func (m *Diagonal) At(i, j int) float64 {
	if i != j {
		return 0
	}
	return m.d[i]
}

// T returns the transpose, which is the matrix itself.
func (m *Diagonal) T() mat.Matrix {
	return m
}

// Diag returns the diagonal, which is owned by the matrix.
func (m *Diagonal) Diag() []float64 {
	return m.d
}

// UniformBlockDiag is a block-diagonal matrix with k square blocks of
// size s.  Each block is stored in row-major order.
type UniformBlockDiag struct {
	s, k int
	data []float64
}

// NewUniformBlockDiag returns a zero block-diagonal matrix with k blocks
// of size s.
func NewUniformBlockDiag(s, k int) *UniformBlockDiag {
	return &UniformBlockDiag{
		s:    s,
		k:    k,
		data: make([]float64, s*s*k),
	}
}

// Dims returns the dimensions of the matrix.
func (m *UniformBlockDiag) Dims() (int, int) {
	return m.s * m.k, m.s * m.k
}

// At returns the value at row i, column j.
func (m *UniformBlockDiag) At(i, j int) float64 {
	s := m.s
	l := i / s
	if j/s != l {
		return 0
	}
	return m.data[l*s*s+(i%s)*s+j%s]
}

// T returns the transpose of the matrix.
func (m *UniformBlockDiag) T() mat.Matrix {
	return mat.Transpose{Matrix: m}
}

// Block returns the l'th diagonal block as a view.
func (m *UniformBlockDiag) Block(l int) *mat.Dense {
	s := m.s
	return mat.NewDense(s, s, m.data[l*s*s:(l+1)*s*s])
}

// BlockedSparse is a sparse matrix made of dense r×c blocks, stored in
// compressed sparse column format by block column.  The block rows in
// each block column are sorted.
type BlockedSparse struct {

	// Block dimensions
	r, c int

	// Number of block rows and block columns
	nbrow, nbcol int

	// colptr[j]:colptr[j+1] indexes the blocks of block column j
	colptr []int

	// The block row of each stored block
	rowval []int

	// Block values, each block in row-major order
	nzval []float64
}

// Dims returns the dimensions of the matrix.
func (m *BlockedSparse) Dims() (int, int) {
	return m.nbrow * m.r, m.nbcol * m.c
}

// At returns the value at row i, column j.
func (m *BlockedSparse) At(i, j int) float64 {
	k := m.find(i/m.r, j/m.c)
	if k < 0 {
		return 0
	}
	return m.nzval[k*m.r*m.c+(i%m.r)*m.c+j%m.c]
}

// T returns the transpose of the matrix.
func (m *BlockedSparse) T() mat.Matrix {
	return mat.Transpose{Matrix: m}
}

// NNZBlocks returns the number of stored blocks.
func (m *BlockedSparse) NNZBlocks() int {
	return len(m.rowval)
}

// find returns the storage index of block (br, bc), or -1 if the block
// is not in the pattern.
func (m *BlockedSparse) find(br, bc int) int {
	lo, hi := m.colptr[bc], m.colptr[bc+1]
	rv := m.rowval[lo:hi]
	k := sort.SearchInts(rv, br)
	if k < len(rv) && rv[k] == br {
		return lo + k
	}
	return -1
}

// block returns stored block k as a general matrix.
func (m *BlockedSparse) block(k int) blas64.General {
	rc := m.r * m.c
	return blas64.General{
		Rows:   m.r,
		Cols:   m.c,
		Stride: m.c,
		Data:   m.nzval[k*rc : (k+1)*rc],
	}
}

// clone returns a deep copy of the matrix.
func (m *BlockedSparse) clone() *BlockedSparse {
	return &BlockedSparse{
		r:      m.r,
		c:      m.c,
		nbrow:  m.nbrow,
		nbcol:  m.nbcol,
		colptr: append([]int(nil), m.colptr...),
		rowval: append([]int(nil), m.rowval...),
		nzval:  append([]float64(nil), m.nzval...),
	}
}

// structured returns the block size, number of blocks and storage of a
// Diagonal or UniformBlockDiag matrix.  A Diagonal matrix has the same
// storage as a UniformBlockDiag matrix with blocks of size 1.
func structured(m mat.Matrix) (s, k int, data []float64, ok bool) {
	switch m := m.(type) {
	case *Diagonal:
		return 1, len(m.d), m.d, true
	case *UniformBlockDiag:
		return m.s, m.k, m.data, true
	}
	return 0, 0, nil, false
}

// subGeneral returns a view of the r×c submatrix of g with upper-left
// element (i, j).
func subGeneral(g blas64.General, i, j, r, c int) blas64.General {
	return blas64.General{
		Rows:   r,
		Cols:   c,
		Stride: g.Stride,
		Data:   g.Data[i*g.Stride+j:],
	}
}

// squareGeneral returns the square block of structured storage starting
// at offset o.
func squareGeneral(data []float64, o, s int) blas64.General {
	return blas64.General{
		Rows:   s,
		Cols:   s,
		Stride: s,
		Data:   data[o : o+s*s],
	}
}

// lowerTri returns a lower-triangular view of a square general matrix.
func lowerTri(g blas64.General) blas64.Triangular {
	return blas64.Triangular{
		Uplo:   blas.Lower,
		Diag:   blas.NonUnit,
		N:      g.Rows,
		Stride: g.Stride,
		Data:   g.Data,
	}
}

// cloneBlock returns a deep copy of a block, preserving its storage type.
func cloneBlock(m mat.Matrix) mat.Matrix {
	switch m := m.(type) {
	case *Diagonal:
		return &Diagonal{d: append([]float64(nil), m.d...)}
	case *UniformBlockDiag:
		return &UniformBlockDiag{s: m.s, k: m.k, data: append([]float64(nil), m.data...)}
	case *BlockedSparse:
		return m.clone()
	case *mat.Dense:
		return mat.DenseCopyOf(m)
	default:
		panic(fmt.Sprintf("unknown block type %T", m))
	}
}

// copyBlock copies src into dst.  If the types agree the storage is
// copied, which requires identical patterns.  A dense dst accepts any
// source.
func copyBlock(dst, src mat.Matrix) error {

	switch dst := dst.(type) {
	case *mat.Dense:
		if s, ok := src.(*mat.Dense); ok {
			dst.Copy(s)
			return nil
		}
		dst.Zero()
		addInto(dst, src)
		return nil
	case *BlockedSparse:
		s, ok := src.(*BlockedSparse)
		if !ok || len(s.nzval) != len(dst.nzval) || s.r != dst.r || s.c != dst.c {
			return fmt.Errorf("copy %T into blocked sparse: %w", src, ErrPattern)
		}
		copy(dst.nzval, s.nzval)
		return nil
	}

	_, _, dd, ok1 := structured(dst)
	_, _, sd, ok2 := structured(src)
	if !ok1 || !ok2 || len(dd) != len(sd) {
		return fmt.Errorf("copy %T into %T: %w", src, dst, ErrPattern)
	}
	copy(dd, sd)
	return nil
}

// addInto adds the values of the structured or sparse matrix src into
// the dense matrix dst.
func addInto(dst *mat.Dense, src mat.Matrix) {

	if s, k, data, ok := structured(src); ok {
		for l := 0; l < k; l++ {
			for i := 0; i < s; i++ {
				for j := 0; j < s; j++ {
					r, c := l*s+i, l*s+j
					dst.Set(r, c, dst.At(r, c)+data[l*s*s+i*s+j])
				}
			}
		}
		return
	}

	switch src := src.(type) {
	case *BlockedSparse:
		for bc := 0; bc < src.nbcol; bc++ {
			for k := src.colptr[bc]; k < src.colptr[bc+1]; k++ {
				br := src.rowval[k]
				blk := src.block(k)
				for i := 0; i < src.r; i++ {
					for j := 0; j < src.c; j++ {
						r, c := br*src.r+i, bc*src.c+j
						dst.Set(r, c, dst.At(r, c)+blk.Data[i*src.c+j])
					}
				}
			}
		}
	case *mat.Dense:
		dst.Add(dst, src)
	default:
		panic(fmt.Sprintf("unknown block type %T", src))
	}
}

// densify returns a dense copy of a block.
func densify(m mat.Matrix) *mat.Dense {
	if d, ok := m.(*mat.Dense); ok {
		return mat.DenseCopyOf(d)
	}
	r, c := m.Dims()
	d := mat.NewDense(r, c, nil)
	addInto(d, m)
	return d
}
