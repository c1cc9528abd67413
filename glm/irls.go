package glm

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
)

func (glm *GLM) fitIRLS(maxiter int) ([]float64, error) {

	n := glm.NumObs()
	nvar := glm.NumParams()

	var linpred, mn []float64
	linpred = resize(linpred, n)
	mn = resize(mn, n)

	var nparam mat.VecDense

	xty := make([]float64, nvar)
	xtx := make([]float64, nvar*nvar)
	params := make([]float64, nvar)

	var dev []float64

	resp := glm.resp

	// IRLS iterations
	for iter := 0; iter < maxiter; iter++ {

		if iter == 0 {
			glm.startingMu(resp.Y, mn)
			resp.UpdateMu(mn)
		} else {
			glm.linpred(params, linpred)
			resp.Update(linpred)
		}

		devi := resp.Deviance()

		// Update the weighted moment matrices.  For large data sets, this is by far the
		// most expensive step.
		zero(xtx)
		zero(xty)
		glm.irlsXprod(resp.WrkResp, resp.WrkWt, xty, xtx)
		symmetrize(xtx, nvar)

		// Update the parameters
		xtxm := mat.NewDense(nvar, nvar, xtx)
		xtyv := mat.NewVecDense(nvar, xty)
		if err := nparam.SolveVec(xtxm, xtyv); err != nil {
			return nil, fmt.Errorf("glm: IRLS iteration %d: %w", iter+1, err)
		}
		copy(params, nparam.RawVector().Data)

		if glm.log != nil {
			msg := fmt.Sprintf("Iteration %d: deviance=%.10f\n", iter+1, devi)
			glm.log.Print(msg)
		}

		// Check convergence
		dev = append(dev, devi)
		if len(dev) > 3 && math.Abs(dev[len(dev)-1]-dev[len(dev)-2]) < glm.dtol {
			break
		}
	}

	if glm.log != nil {
		glm.log.Print("IRLS converged\n")
	}

	// Leave the response at the final estimates.
	glm.linpred(params, linpred)
	resp.Update(linpred)

	return params, nil
}

// symmetrize fills in the upper triangle of the row-major nvar x nvar
// matrix xtx from its lower triangle.
func symmetrize(xtx []float64, nvar int) {
	for j1 := 0; j1 < nvar; j1++ {
		for j2 := j1 + 1; j2 < nvar; j2++ {
			xtx[j1*nvar+j2] = xtx[j2*nvar+j1]
		}
	}
}

func (glm *GLM) irlsXprod(adjy, irlsw, xty, xtx []float64) {

	if glm.concurrentIRLS > 0 && len(adjy) >= glm.concurrentIRLS {
		glm.irlsXprodConcurrent(adjy, irlsw, xty, xtx)
		return
	}

	xdat := glm.xdat
	nvar := len(xdat)

	for j1 := range xdat {

		// Update x' w^-1 yadj
		xda := xdat[j1]
		var u float64
		for i := range adjy {
			u += adjy[i] * xda[i] * irlsw[i]
		}
		xty[j1] += u

		// Update x' w^-1 x
		for j2 := 0; j2 <= j1; j2++ {
			xdb := xdat[j2]
			var u float64
			for i := range xda {
				u += xda[i] * xdb[i] * irlsw[i]
			}
			xtx[j1*nvar+j2] += u
		}
	}
}

// irlsXprodConcurrent is a concurrent version of irlsXprod
func (glm *GLM) irlsXprodConcurrent(adjy, irlsw, xty, xtx []float64) {

	xdat := glm.xdat
	nvar := len(xdat)

	var wg sync.WaitGroup

	for j1 := range xdat {

		// Update x' w^-1 yadj
		xda := xdat[j1]
		wg.Add(1)
		go func(j1 int) {
			var u float64
			for i := range adjy {
				u += adjy[i] * xda[i] * irlsw[i]
			}
			xty[j1] += u
			wg.Done()
		}(j1)

		// Update x' w^-1 x
		for j2 := 0; j2 <= j1; j2++ {
			xdb := xdat[j2]
			wg.Add(1)
			go func(j1, j2 int) {
				var u float64
				for i := range xda {
					u += xda[i] * xdb[i] * irlsw[i]
				}
				xtx[j1*nvar+j2] += u
				wg.Done()
			}(j1, j2)
		}
	}

	wg.Wait()
}

func (glm *GLM) startingMu(y []float64, mn []float64) {

	var q float64
	if glm.resp.fam.TypeCode == BinomialFamily {
		q = 0.5
	} else {
		for i := range y {
			q += y[i]
		}
		q /= float64(len(y))
	}
	for i := range mn {
		mn[i] = (y[i] + q) / 2
		if mn[i] < 0.1 {
			mn[i] = 0.1
		}
	}
}
