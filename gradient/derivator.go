// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package gradient implements numerical differentiation of the
// objective and its distribution over the fleet: a serial derivator
// kernel compatible with the Minuit2 finite-difference rules, a job
// that computes one gradient component per task, and the
// minimizer-facing function interface.
package gradient

import (
	"math"

	"github.com/grailbio/mpfit"
)

// Machine precision constants matching the Minuit2 defaults: eps is
// the effective machine precision used by the step heuristics, eps2
// its square-root scale.
var (
	eps  = 4 * 2.220446049250313e-16
	eps2 = 2 * math.Sqrt(eps)
)

// Config holds the derivator settings. StepTolerance stops the
// per-cycle refinement when the step stabilizes; GradTolerance stops
// it when the derivative stabilizes; NCycles bounds the refinement;
// ErrorLevel is the minimizer's UP parameter (0.5 for negative
// log-likelihoods, 1 for chi-square).
type Config struct {
	StepTolerance float64
	GradTolerance float64
	NCycles       int
	ErrorLevel    float64
}

// DefaultConfig returns the settings of the default minimizer
// strategy: step tolerance 0.3, gradient tolerance 0.05, 3 cycles,
// error level 0.5.
func DefaultConfig() Config {
	return Config{StepTolerance: 0.3, GradTolerance: 0.05, NCycles: 3, ErrorLevel: 0.5}
}

// ConfigFrom extracts the derivator settings from a runtime
// configuration, falling back to defaults for unset fields.
func ConfigFrom(cfg mpfit.Config) Config {
	c := DefaultConfig()
	if cfg.StepTolerance > 0 {
		c.StepTolerance = cfg.StepTolerance
	}
	if cfg.GradTolerance > 0 {
		c.GradTolerance = cfg.GradTolerance
	}
	if cfg.NCycles > 0 {
		c.NCycles = cfg.NCycles
	}
	if cfg.ErrorLevel > 0 {
		c.ErrorLevel = cfg.ErrorLevel
	}
	return c
}

// A Derivator computes per-component (∂f/∂x_j, ∂²f/∂x_j², step_j)
// triples with symmetric central differences and an adaptive step,
// following the Minuit2 refinement rules. All three outputs come out
// of one pass, amortizing the function evaluations.
//
// Every refinement reseeds its component from the initial-gradient
// formula before cycling. A gradient task must produce the same
// triple no matter which worker executes it, so the refinement may
// depend only on the function, the point, and the parameter
// settings, never on which components this derivator refined
// before.
type Derivator struct {
	cfg Config

	grad  []float64
	g2    []float64
	gstep []float64
}

// NewDerivator returns a derivator for an n-dimensional function.
func NewDerivator(cfg Config, n int) *Derivator {
	return &Derivator{
		cfg:   cfg,
		grad:  make([]float64, n),
		g2:    make([]float64, n),
		gstep: make([]float64, n),
	}
}

// SetInitialGradient seeds the per-component state from the
// parameter settings, the way the Minuit2 initial gradient
// calculator does: the step size gives a trial direction d, the
// curvature is 2·up/d², the refinement step max(gsmin, 0.1·d).
func (d *Derivator) SetInitialGradient(settings []mpfit.ParameterSettings, x []float64) {
	for i := range settings {
		d.seed(settings, x, i)
	}
}

func (d *Derivator) seed(settings []mpfit.ParameterSettings, x []float64, i int) {
	werr := settings[i].StepSize
	if werr == 0 {
		werr = 1e-3
	}
	gsmin := 8 * eps2 * (math.Abs(x[i]) + eps2)
	dirin := werr
	g2 := 2 * d.cfg.ErrorLevel / (dirin * dirin)
	gstep := math.Max(gsmin, 0.1*dirin)
	if settings[i].Bounded && gstep > 0.5 {
		gstep = 0.5
	}
	d.grad[i] = g2 * dirin
	d.g2[i] = g2
	d.gstep[i] = gstep
}

// PartialDerivative refines component i of the gradient of f at x,
// returning (gradient, second derivative, step). The slice x is used
// as scratch for the offset evaluations and is restored before
// returning.
func (d *Derivator) PartialDerivative(f func([]float64) float64, x []float64, settings []mpfit.ParameterSettings, i int) (float64, float64, float64) {
	fval := f(x)
	return d.refine(f, x, settings, i, fval)
}

// PartialDerivativeAt is PartialDerivative with the central value
// already known, saving one function evaluation.
func (d *Derivator) PartialDerivativeAt(f func([]float64) float64, x []float64, settings []mpfit.ParameterSettings, i int, fval float64) (float64, float64, float64) {
	return d.refine(f, x, settings, i, fval)
}

func (d *Derivator) refine(f func([]float64) float64, x []float64, settings []mpfit.ParameterSettings, i int, fval float64) (float64, float64, float64) {
	d.seed(settings, x, i)
	dfmin := 8 * eps2 * (math.Abs(fval) + d.cfg.ErrorLevel)
	vrysml := 8 * eps * eps

	xtf := x[i]
	epspri := eps2 + math.Abs(d.grad[i])*eps2
	stepb4 := 0.0
	for cycle := 0; cycle < d.cfg.NCycles; cycle++ {
		optstp := math.Sqrt(dfmin / (math.Abs(d.g2[i]) + epspri))
		step := math.Max(optstp, math.Abs(0.1*d.gstep[i]))
		if settings[i].Bounded && step > 0.5 {
			step = 0.5
		}
		stpmax := 10 * math.Abs(d.gstep[i])
		if step > stpmax {
			step = stpmax
		}
		stpmin := math.Max(vrysml, 8*math.Abs(eps2*x[i]))
		if step < stpmin {
			step = stpmin
		}
		if math.Abs((step-stepb4)/step) < d.cfg.StepTolerance {
			break
		}
		d.gstep[i] = step
		stepb4 = step

		x[i] = xtf + step
		fs1 := f(x)
		x[i] = xtf - step
		fs2 := f(x)
		x[i] = xtf

		grdb4 := d.grad[i]
		d.grad[i] = 0.5 * (fs1 - fs2) / step
		d.g2[i] = (fs1 + fs2 - 2*fval) / (step * step)

		if math.Abs(grdb4-d.grad[i])/(math.Abs(d.grad[i])+dfmin/step) < d.cfg.GradTolerance {
			break
		}
	}
	return d.grad[i], d.g2[i], d.gstep[i]
}

// Grad returns the current gradient estimate for component i.
func (d *Derivator) Grad(i int) float64 { return d.grad[i] }

// G2 returns the current curvature estimate for component i.
func (d *Derivator) G2(i int) float64 { return d.g2[i] }

// Gstep returns the current step for component i.
func (d *Derivator) Gstep(i int) float64 { return d.gstep[i] }
