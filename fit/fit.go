// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package fit implements a small variable-metric minimizer over the
// gradient.Function interface: a quasi-Newton descent with rank-two
// inverse-Hessian updates, a backtracking line search, and the
// estimated-distance-to-minimum convergence criterion of the Minuit
// family. It is deliberately deterministic: given the same function
// values and derivatives, every run takes the same path, which is
// what lets a parallel fit be compared bit for bit against its
// serial twin.
package fit

import (
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/mpfit/gradient"
	"gonum.org/v1/gonum/mat"
)

// Options configure a minimization.
type Options struct {
	// MaxIterations bounds the outer descent iterations.
	MaxIterations int
	// EDMTolerance is the convergence threshold on the estimated
	// distance to minimum.
	EDMTolerance float64
	// ErrorLevel is the minimizer's UP parameter, used to scale
	// parameter errors (0.5 for negative log-likelihoods).
	ErrorLevel float64
}

// DefaultOptions returns the standard settings.
func DefaultOptions() Options {
	return Options{MaxIterations: 200, EDMTolerance: 1e-3, ErrorLevel: 0.5}
}

// A Result describes a finished minimization.
type Result struct {
	// MinValue is the function value at the minimum.
	MinValue float64
	// X holds the parameter values at the minimum, including
	// constant parameters at their fixed values.
	X []float64
	// Errors holds the per-parameter uncertainty estimates from the
	// final covariance estimate; constant parameters report zero.
	Errors []float64
	// EDM is the final estimated distance to minimum.
	EDM float64
	// NCalls counts function evaluations.
	NCalls int
	// Converged reports whether EDM fell below tolerance within the
	// iteration budget.
	Converged bool
}

// Minimize runs the variable-metric descent from the function's
// current parameter settings.
func Minimize(fcn gradient.Function, opts Options) (Result, error) {
	settings := fcn.ParameterSettings()
	n := fcn.NDim()
	var free []int
	for i := 0; i < n; i++ {
		if !settings[i].Constant {
			free = append(free, i)
		}
	}
	nf := len(free)
	if nf == 0 {
		return Result{}, errors.E(errors.Invalid, "fit: no free parameters")
	}

	x := make([]float64, n)
	for i := range settings {
		x[i] = settings[i].Value
	}
	var ncalls int
	eval := func(x []float64) float64 {
		ncalls++
		return fcn.DoEval(x)
	}

	// Seed the inverse-Hessian estimate from the derivator's second
	// derivatives and collect the starting gradient.
	g := mat.NewVecDense(nf, nil)
	v := mat.NewSymDense(nf, nil)
	for a, i := range free {
		g.SetVec(a, fcn.DoDerivative(x, i))
		g2 := fcn.DoSecondDerivative(x, i)
		if g2 <= 0 || math.IsNaN(g2) {
			g2 = 1
		}
		v.SetSym(a, a, 1/g2)
	}
	fval := eval(x)

	result := Result{X: x, Errors: make([]float64, n)}
	edm := edmOf(g, v)

	dir := mat.NewVecDense(nf, nil)
	xTrial := make([]float64, n)
	gNew := mat.NewVecDense(nf, nil)
	for iter := 0; iter < opts.MaxIterations; iter++ {
		if edm < opts.EDMTolerance {
			result.Converged = true
			break
		}
		// d = -V g
		dir.MulVec(v, g)
		dir.ScaleVec(-1, dir)

		// Backtracking line search with the Armijo condition.
		gd := mat.Dot(g, dir)
		if gd >= 0 {
			// The metric lost positive definiteness; reset it to the
			// scaled identity and retry along the raw gradient.
			log.Debug.Printf("fit: resetting metric at iteration %d", iter)
			for a := 0; a < nf; a++ {
				for b := 0; b < nf; b++ {
					v.SetSym(a, b, 0)
				}
				v.SetSym(a, a, 1)
			}
			dir.ScaleVec(-1, g)
			gd = mat.Dot(g, dir)
		}
		alpha := 1.0
		var fTrial float64
		for {
			copy(xTrial, x)
			for a, i := range free {
				xi := x[i] + alpha*dir.AtVec(a)
				if settings[i].Bounded {
					if xi < settings[i].LowerBound {
						xi = settings[i].LowerBound
					}
					if xi > settings[i].UpperBound {
						xi = settings[i].UpperBound
					}
				}
				xTrial[i] = xi
			}
			fTrial = eval(xTrial)
			if fTrial <= fval+1e-4*alpha*gd || alpha < 1e-10 {
				break
			}
			alpha *= 0.5
		}

		// s = xTrial - x, y = gNew - g.
		s := mat.NewVecDense(nf, nil)
		var moved bool
		for a, i := range free {
			s.SetVec(a, xTrial[i]-x[i])
			moved = moved || xTrial[i] != x[i]
		}
		if !moved {
			// Stalled: the step was clamped away entirely, usually by
			// a parameter pinned at its bound.
			break
		}
		copy(x, xTrial)
		fval = fTrial
		for a, i := range free {
			gNew.SetVec(a, fcn.DoDerivative(x, i))
		}
		y := mat.NewVecDense(nf, nil)
		y.SubVec(gNew, g)
		g.CopyVec(gNew)

		updateMetric(v, s, y)
		edm = edmOf(g, v)
	}

	result.MinValue = fval
	result.EDM = edm
	result.NCalls = ncalls
	copy(result.X, x)
	for a, i := range free {
		result.Errors[i] = math.Sqrt(2 * opts.ErrorLevel * math.Abs(v.At(a, a)))
	}
	return result, nil
}

// updateMetric applies the rank-two BFGS update to the inverse
// metric: V ← (I − ρ s yᵀ) V (I − ρ y sᵀ) + ρ s sᵀ with ρ = 1/yᵀs.
// A non-positive yᵀs would destroy positive definiteness, so the
// update is skipped in that case.
func updateMetric(v *mat.SymDense, s, y *mat.VecDense) {
	ys := mat.Dot(y, s)
	if ys <= 0 || math.IsNaN(ys) {
		return
	}
	nf := s.Len()
	rho := 1 / ys

	// t = V y
	t := mat.NewVecDense(nf, nil)
	t.MulVec(v, y)
	yvy := mat.Dot(y, t)

	for a := 0; a < nf; a++ {
		for b := a; b < nf; b++ {
			val := v.At(a, b) -
				rho*(s.AtVec(a)*t.AtVec(b)+t.AtVec(a)*s.AtVec(b)) +
				rho*rho*yvy*s.AtVec(a)*s.AtVec(b) +
				rho*s.AtVec(a)*s.AtVec(b)
			v.SetSym(a, b, val)
		}
	}
}

// edmOf computes the estimated distance to minimum, ½ gᵀVg.
func edmOf(g *mat.VecDense, v *mat.SymDense) float64 {
	t := mat.NewVecDense(g.Len(), nil)
	t.MulVec(v, g)
	return 0.5 * mat.Dot(g, t)
}
