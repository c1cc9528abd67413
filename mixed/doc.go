/*
Package mixed fits linear and generalized linear mixed-effects models.

A model is assembled from a fixed-effects design (FeMat) and one or more
random-effects terms (ReMat), each of which is tied to a grouping factor.
The relative covariance factor of each term is a lower-triangular matrix
Λ, whose free elements form the parameter vector θ.

Linear mixed models (LMM) are fitted by minimizing the profiled
deviance, or the REML criterion, over θ.  For each θ the objective is
obtained from a blocked Cholesky factor of

	[ΛᵀZᵀWZΛ + I   ΛᵀZᵀWX   ΛᵀZᵀWy]
	[XᵀWZΛ         XᵀWX     XᵀWy  ]
	[yᵀWZΛ         yᵀWX     yᵀWy  ]

whose blocks are stored as diagonal, uniform block-diagonal, dense or
blocked-sparse matrices depending on the structure of the grouping
factors.

Generalized linear mixed models (GLMM) are fitted using penalized
iteratively reweighted least squares (PIRLS) to find the conditional
modes of the random effects, and the Laplace approximation or adaptive
Gauss-Hermite quadrature to evaluate the deviance.

The response families and link functions are provided by the glm
package.  The optimizer that minimizes the objective is pluggable, see
Minimizer.  The default uses the Nelder-Mead method from gonum.
*/
package mixed
