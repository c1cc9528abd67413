/*
Package glm implements generalized linear model families, link functions
and variance functions, together with a Response type that evaluates the
mean, deviance residuals, working response and working weights at a
given linear predictor.

The Response type is used by the mixed package to fit generalized linear
mixed models.  The GLM type fits fixed-effects-only models using
iteratively reweighted least squares, and provides the starting values
for the mixed model fits.
*/
package glm
