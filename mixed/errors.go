package mixed

import "errors"

var (
	// ErrAlreadyFitted is returned when Fit is called on a model that
	// has already been fitted.  Call Reset first to refit.
	ErrAlreadyFitted = errors.New("mixed: model has already been fitted, call Reset to refit")

	// ErrDimension is returned when the dimensions of cooperating
	// blocks, parameter vectors or weights disagree.
	ErrDimension = errors.New("mixed: dimension mismatch")

	// ErrPattern is returned when an update to a cross-product or
	// factor block would change its fixed nonzero pattern.
	ErrPattern = errors.New("mixed: nonzero pattern mismatch")

	// ErrStepHalving is returned when PIRLS needs more than MaxHalvings
	// step-halvings in its first iteration.
	ErrStepHalving = errors.New("mixed: number of averaging steps exceeds limit")

	// ErrNotPosDef is returned when a diagonal block of the blocked
	// Cholesky factor is not positive definite.
	ErrNotPosDef = errors.New("mixed: matrix is not positive definite")

	// ErrAGQ is returned when adaptive Gauss-Hermite quadrature is
	// requested for a model that is not a single scalar random-effects
	// term.
	ErrAGQ = errors.New("mixed: adaptive Gauss-Hermite quadrature requires a single scalar random-effects term")
)
