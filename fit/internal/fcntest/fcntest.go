// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package fcntest provides analytic test functions implementing the
// minimizer's function interface.
package fcntest

import "github.com/grailbio/mpfit"

// Quadratic is f(x) = Σ a_i (x_i − c_i)² with analytic derivatives.
type Quadratic struct {
	a, c     []float64
	settings []mpfit.ParameterSettings
}

// NewQuadratic returns a quadratic over the given coefficients,
// centers, and parameter settings.
func NewQuadratic(a, c []float64, settings []mpfit.ParameterSettings) *Quadratic {
	return &Quadratic{a: a, c: c, settings: settings}
}

// NDim returns the dimension.
func (q *Quadratic) NDim() int { return len(q.a) }

// DoEval evaluates the quadratic.
func (q *Quadratic) DoEval(x []float64) float64 {
	var sum float64
	for i := range x {
		d := x[i] - q.c[i]
		sum += q.a[i] * d * d
	}
	return sum
}

// DoDerivative returns 2 a_i (x_i − c_i).
func (q *Quadratic) DoDerivative(x []float64, i int) float64 {
	return 2 * q.a[i] * (x[i] - q.c[i])
}

// DoSecondDerivative returns 2 a_i.
func (q *Quadratic) DoSecondDerivative(x []float64, i int) float64 {
	return 2 * q.a[i]
}

// DoStepSize returns the configured step size.
func (q *Quadratic) DoStepSize(x []float64, i int) float64 {
	return q.settings[i].StepSize
}

// ReturnsInMinuit2ParameterSpace implements gradient.Function.
func (q *Quadratic) ReturnsInMinuit2ParameterSpace() bool { return true }

// ParameterSettings implements gradient.Function.
func (q *Quadratic) ParameterSettings() []mpfit.ParameterSettings {
	return q.settings
}
