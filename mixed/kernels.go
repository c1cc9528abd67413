package mixed

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/lapack/lapack64"
	"gonum.org/v1/gonum/mat"
)

// Kernels operating on the blocks of A and L.  Each kernel dispatches on
// the concrete storage types of its arguments.

// scaleInflate sets dst to ΛᵀAΛ + I, where src holds the diagonal block
// A of a random-effects term with relative covariance factor lambda.
// The scratch slice work must have length at least s², where s is the
// block size.
func scaleInflate(dst, src mat.Matrix, lambda *mat.Dense, work []float64) error {

	s, k, a, ok := structured(src)
	if !ok {
		return fmt.Errorf("scaleInflate source %T: %w", src, ErrPattern)
	}
	lam := lambda.RawMatrix()

	if s == 1 {
		l2 := lam.Data[0] * lam.Data[0]
		switch dst := dst.(type) {
		case *Diagonal:
			for i, v := range a {
				dst.d[i] = l2*v + 1
			}
		case *mat.Dense:
			dst.Zero()
			for i, v := range a {
				dst.Set(i, i, l2*v+1)
			}
		default:
			return fmt.Errorf("scaleInflate into %T: %w", dst, ErrPattern)
		}
		return nil
	}

	if len(work) < s*s {
		return fmt.Errorf("scaleInflate scratch length %d for block size %d: %w", len(work), s, ErrDimension)
	}
	tmp := blas64.General{Rows: s, Cols: s, Stride: s, Data: work[0 : s*s]}
	var d []float64
	var dd blas64.General
	switch dst := dst.(type) {
	case *UniformBlockDiag:
		if dst.s != s || dst.k != k {
			return fmt.Errorf("scaleInflate block size: %w", ErrDimension)
		}
		d = dst.data
	case *mat.Dense:
		dst.Zero()
		dd = dst.RawMatrix()
	default:
		return fmt.Errorf("scaleInflate into %T: %w", dst, ErrPattern)
	}

	for l := 0; l < k; l++ {
		o := l * s * s
		blas64.Gemm(blas.NoTrans, blas.NoTrans, 1, squareGeneral(a, o, s), lam, 0, tmp)
		var db blas64.General
		if d != nil {
			db = squareGeneral(d, o, s)
		} else {
			db = subGeneral(dd, l*s, l*s, s, s)
		}
		blas64.Gemm(blas.Trans, blas.NoTrans, 1, lam, tmp, 0, db)
		for i := 0; i < s; i++ {
			db.Data[i*db.Stride+i]++
		}
	}

	return nil
}

// rmulLambda sets m to mΛ, where the columns of m are those of a
// random-effects term.
func rmulLambda(m mat.Matrix, re *ReMat) error {

	s := re.s
	lam := lowerTri(re.lambda.RawMatrix())

	switch m := m.(type) {
	case *mat.Dense:
		g := m.RawMatrix()
		if s == 1 {
			m.Scale(lam.Data[0], m)
			return nil
		}
		for l := 0; l < re.NLevels(); l++ {
			blas64.Trmm(blas.Right, blas.NoTrans, 1, lam, subGeneral(g, 0, l*s, g.Rows, s))
		}
	case *BlockedSparse:
		if m.c != s {
			return fmt.Errorf("rmulLambda block width %d, term size %d: %w", m.c, s, ErrDimension)
		}
		for k := range m.rowval {
			blas64.Trmm(blas.Right, blas.NoTrans, 1, lam, m.block(k))
		}
	default:
		return fmt.Errorf("rmulLambda on %T: %w", m, ErrPattern)
	}

	return nil
}

// lmulLambdaT sets m to Λᵀm, where the rows of m are those of a
// random-effects term.
func lmulLambdaT(re *ReMat, m mat.Matrix) error {

	s := re.s
	lam := lowerTri(re.lambda.RawMatrix())

	switch m := m.(type) {
	case *mat.Dense:
		g := m.RawMatrix()
		if s == 1 {
			m.Scale(lam.Data[0], m)
			return nil
		}
		for l := 0; l < re.NLevels(); l++ {
			blas64.Trmm(blas.Left, blas.Trans, 1, lam, subGeneral(g, l*s, 0, s, g.Cols))
		}
	case *BlockedSparse:
		if m.r != s {
			return fmt.Errorf("lmulLambdaT block height %d, term size %d: %w", m.r, s, ErrDimension)
		}
		for k := range m.rowval {
			blas64.Trmm(blas.Left, blas.Trans, 1, lam, m.block(k))
		}
	default:
		return fmt.Errorf("lmulLambdaT on %T: %w", m, ErrPattern)
	}

	return nil
}

// rankUpdate sets c to c - aaᵀ.  Only the lower triangle of a dense c
// is guaranteed to be updated.  A structured c can only absorb columns
// of a that touch a single diagonal block, otherwise ErrPattern is
// returned.
func rankUpdate(c, a mat.Matrix) error {

	if s, _, cd, ok := structured(c); ok {
		return rankUpdateStructured(s, cd, a)
	}

	cm, ok := c.(*mat.Dense)
	if !ok {
		return fmt.Errorf("rankUpdate into %T: %w", c, ErrPattern)
	}
	cg := cm.RawMatrix()

	switch a := a.(type) {
	case *mat.Dense:
		cs := blas64.Symmetric{Uplo: blas.Lower, N: cg.Rows, Stride: cg.Stride, Data: cg.Data}
		blas64.Syrk(blas.NoTrans, -1, a.RawMatrix(), 1, cs)
	case *BlockedSparse:
		// Blocks sharing a block column contribute to c.
		for bc := 0; bc < a.nbcol; bc++ {
			for k1 := a.colptr[bc]; k1 < a.colptr[bc+1]; k1++ {
				for k2 := a.colptr[bc]; k2 <= k1; k2++ {
					r1, r2 := a.rowval[k1], a.rowval[k2]
					sub := subGeneral(cg, r1*a.r, r2*a.r, a.r, a.r)
					blas64.Gemm(blas.NoTrans, blas.Trans, -1, a.block(k1), a.block(k2), 1, sub)
				}
			}
		}
	default:
		return fmt.Errorf("rankUpdate from %T: %w", a, ErrPattern)
	}

	return nil
}

func rankUpdateStructured(s int, cd []float64, a mat.Matrix) error {

	switch a := a.(type) {
	case *BlockedSparse:
		if a.r != s {
			return fmt.Errorf("rankUpdate block height %d, target block %d: %w", a.r, s, ErrDimension)
		}
		for bc := 0; bc < a.nbcol; bc++ {
			lo, hi := a.colptr[bc], a.colptr[bc+1]
			if hi-lo > 1 {
				return fmt.Errorf("rankUpdate of a structured block: %w", ErrPattern)
			}
			if hi == lo {
				continue
			}
			blk := a.block(lo)
			blas64.Gemm(blas.NoTrans, blas.Trans, -1, blk, blk, 1, squareGeneral(cd, a.rowval[lo]*s*s, s))
		}
	case *mat.Dense:
		g := a.RawMatrix()
		v := make([]float64, s)
		for j := 0; j < g.Cols; j++ {
			// Locate the single row block holding the nonzeros of column j.
			rb := -1
			for i := 0; i < g.Rows; i++ {
				if g.Data[i*g.Stride+j] == 0 {
					continue
				}
				if rb == -1 {
					rb = i / s
				} else if i/s != rb {
					return fmt.Errorf("rankUpdate of a structured block: %w", ErrPattern)
				}
			}
			if rb == -1 {
				continue
			}
			for i := range v {
				v[i] = g.Data[(rb*s+i)*g.Stride+j]
			}
			o := rb * s * s
			for i1 := 0; i1 < s; i1++ {
				for i2 := 0; i2 < s; i2++ {
					cd[o+i1*s+i2] -= v[i1] * v[i2]
				}
			}
		}
	default:
		return fmt.Errorf("rankUpdate from %T: %w", a, ErrPattern)
	}

	return nil
}

// cholesky replaces the lower triangle of m with its Cholesky factor and
// sets the strict upper triangle to zero.
func cholesky(m mat.Matrix) error {

	if s, k, d, ok := structured(m); ok {
		if s == 1 {
			for i, v := range d {
				if !(v > 0) {
					return ErrNotPosDef
				}
				d[i] = math.Sqrt(v)
			}
			return nil
		}
		for l := 0; l < k; l++ {
			g := squareGeneral(d, l*s*s, s)
			if err := potrf(g); err != nil {
				return err
			}
		}
		return nil
	}

	dm, ok := m.(*mat.Dense)
	if !ok {
		return fmt.Errorf("cholesky of %T: %w", m, ErrPattern)
	}
	return potrf(dm.RawMatrix())
}

// potrf factors the square matrix g in place using its lower triangle.
func potrf(g blas64.General) error {
	a := blas64.Symmetric{Uplo: blas.Lower, N: g.Rows, Stride: g.Stride, Data: g.Data}
	if _, ok := lapack64.Potrf(a); !ok {
		return ErrNotPosDef
	}
	for i := 0; i < g.Rows; i++ {
		for j := i + 1; j < g.Cols; j++ {
			g.Data[i*g.Stride+j] = 0
		}
	}
	return nil
}

// mulABtSub sets c to c - abᵀ.
func mulABtSub(c *mat.Dense, a, b mat.Matrix) error {

	cg := c.RawMatrix()

	switch a := a.(type) {
	case *mat.Dense:
		ag := a.RawMatrix()
		switch b := b.(type) {
		case *mat.Dense:
			blas64.Gemm(blas.NoTrans, blas.Trans, -1, ag, b.RawMatrix(), 1, cg)
		case *BlockedSparse:
			for bc := 0; bc < b.nbcol; bc++ {
				asub := subGeneral(ag, 0, bc*b.c, ag.Rows, b.c)
				for k := b.colptr[bc]; k < b.colptr[bc+1]; k++ {
					csub := subGeneral(cg, 0, b.rowval[k]*b.r, cg.Rows, b.r)
					blas64.Gemm(blas.NoTrans, blas.Trans, -1, asub, b.block(k), 1, csub)
				}
			}
		default:
			return fmt.Errorf("mulABtSub with %T: %w", b, ErrPattern)
		}
	case *BlockedSparse:
		switch b := b.(type) {
		case *mat.Dense:
			bg := b.RawMatrix()
			for bc := 0; bc < a.nbcol; bc++ {
				bsub := subGeneral(bg, 0, bc*a.c, bg.Rows, a.c)
				for k := a.colptr[bc]; k < a.colptr[bc+1]; k++ {
					csub := subGeneral(cg, a.rowval[k]*a.r, 0, a.r, cg.Cols)
					blas64.Gemm(blas.NoTrans, blas.Trans, -1, a.block(k), bsub, 1, csub)
				}
			}
		case *BlockedSparse:
			for bc := 0; bc < a.nbcol; bc++ {
				for ka := a.colptr[bc]; ka < a.colptr[bc+1]; ka++ {
					for kb := b.colptr[bc]; kb < b.colptr[bc+1]; kb++ {
						csub := subGeneral(cg, a.rowval[ka]*a.r, b.rowval[kb]*b.r, a.r, b.r)
						blas64.Gemm(blas.NoTrans, blas.Trans, -1, a.block(ka), b.block(kb), 1, csub)
					}
				}
			}
		default:
			return fmt.Errorf("mulABtSub with %T: %w", b, ErrPattern)
		}
	default:
		return fmt.Errorf("mulABtSub with %T: %w", a, ErrPattern)
	}

	return nil
}

// rdivLt sets b to bL⁻ᵀ, where l is a lower-triangular diagonal block of
// the Cholesky factor.
func rdivLt(b, l mat.Matrix) error {

	if s, k, ld, ok := structured(l); ok {
		switch b := b.(type) {
		case *mat.Dense:
			g := b.RawMatrix()
			for j := 0; j < k; j++ {
				sub := subGeneral(g, 0, j*s, g.Rows, s)
				if s == 1 {
					for i := 0; i < g.Rows; i++ {
						sub.Data[i*g.Stride] /= ld[j]
					}
					continue
				}
				blas64.Trsm(blas.Right, blas.Trans, 1, lowerTri(squareGeneral(ld, j*s*s, s)), sub)
			}
		case *BlockedSparse:
			if b.c != s {
				return fmt.Errorf("rdivLt block width %d, factor block %d: %w", b.c, s, ErrDimension)
			}
			for bc := 0; bc < b.nbcol; bc++ {
				lt := lowerTri(squareGeneral(ld, bc*s*s, s))
				for kb := b.colptr[bc]; kb < b.colptr[bc+1]; kb++ {
					blas64.Trsm(blas.Right, blas.Trans, 1, lt, b.block(kb))
				}
			}
		default:
			return fmt.Errorf("rdivLt on %T: %w", b, ErrPattern)
		}
		return nil
	}

	lm, ok := l.(*mat.Dense)
	if !ok {
		return fmt.Errorf("rdivLt by %T: %w", l, ErrPattern)
	}
	bm, ok := b.(*mat.Dense)
	if !ok {
		return fmt.Errorf("rdivLt of %T by a dense factor: %w", b, ErrPattern)
	}
	blas64.Trsm(blas.Right, blas.Trans, 1, lowerTri(lm.RawMatrix()), bm.RawMatrix())

	return nil
}

// ldivLt sets v to L⁻ᵀv, where l is a lower-triangular diagonal block of
// the Cholesky factor.
func ldivLt(l mat.Matrix, v []float64) {

	if s, k, ld, ok := structured(l); ok {
		if s == 1 {
			for i := range v {
				v[i] /= ld[i]
			}
			return
		}
		for j := 0; j < k; j++ {
			x := blas64.Vector{N: s, Inc: 1, Data: v[j*s:]}
			blas64.Trsv(blas.Trans, lowerTri(squareGeneral(ld, j*s*s, s)), x)
		}
		return
	}

	lm := l.(*mat.Dense)
	blas64.Trsv(blas.Trans, lowerTri(lm.RawMatrix()), blas64.Vector{N: len(v), Inc: 1, Data: v})
}

// mulAtVecSub sets v to v - aᵀx.
func mulAtVecSub(v []float64, a mat.Matrix, x []float64) {

	switch a := a.(type) {
	case *mat.Dense:
		blas64.Gemv(blas.Trans, -1, a.RawMatrix(), blas64.Vector{N: len(x), Inc: 1, Data: x},
			1, blas64.Vector{N: len(v), Inc: 1, Data: v})
	case *BlockedSparse:
		for bc := 0; bc < a.nbcol; bc++ {
			for k := a.colptr[bc]; k < a.colptr[bc+1]; k++ {
				blk := a.block(k)
				xo := a.rowval[k] * a.r
				for i := 0; i < a.r; i++ {
					for j := 0; j < a.c; j++ {
						v[bc*a.c+j] -= blk.Data[i*a.c+j] * x[xo+i]
					}
				}
			}
		}
	default:
		panic(fmt.Sprintf("mulAtVecSub: unknown block type %T", a))
	}
}

// logDiag returns the sum of the logarithms of the diagonal elements of a
// diagonal block of the Cholesky factor.
func logDiag(l mat.Matrix) float64 {

	var ld float64
	if s, k, d, ok := structured(l); ok {
		for j := 0; j < k; j++ {
			for i := 0; i < s; i++ {
				ld += math.Log(d[j*s*s+i*s+i])
			}
		}
		return ld
	}

	r, _ := l.Dims()
	for i := 0; i < r; i++ {
		ld += math.Log(l.At(i, i))
	}
	return ld
}
