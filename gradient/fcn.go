// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gradient

import (
	"math"

	"github.com/grailbio/base/log"
	"github.com/grailbio/mpfit"
	"github.com/grailbio/mpfit/engine"
	"github.com/grailbio/mpfit/likelihood"
)

// Function is the multi-dimensional differentiable function
// interface consumed by the minimizer: values, per-component
// derivatives, second derivatives, and step sizes, all at a
// parameter point x.
type Function interface {
	NDim() int
	DoEval(x []float64) float64
	DoDerivative(x []float64, i int) float64
	DoSecondDerivative(x []float64, i int) float64
	DoStepSize(x []float64, i int) float64
	ReturnsInMinuit2ParameterSpace() bool
	ParameterSettings() []mpfit.ParameterSettings
}

// An Fcn adapts a likelihood job and a gradient job into the
// minimizer's Function interface. It owns the parameter
// synchronization between minimizer calls: whenever the minimizer
// presents a changed point, the change is broadcast to the fleet and
// the per-component derivative cache is invalidated, so that
// repeated derivative, second-derivative, and step queries at the
// same point trigger exactly one gradient computation.
//
// Numerical failures are surfaced the way the minimizer expects: the
// evaluation returns the largest value seen so far plus one, forcing
// the descent to back out of the bad region, and a bounded number of
// diagnostics is printed.
type Fcn struct {
	m    *engine.Manager
	nll  *likelihood.NLLJob
	grad *Job

	gradParams []float64
	calculated []bool
	noneCalc   bool

	maxFCN          float64
	numBadNLL       int
	printEvalErrors int
	evalErrorWall   bool
	evalCounter     int
}

// NewFcn builds the minimizer-facing function over a likelihood job
// and its gradient job.
func NewFcn(m *engine.Manager, nll *likelihood.NLLJob, grad *Job) *Fcn {
	n := m.Params().N()
	f := &Fcn{
		m:               m,
		nll:             nll,
		grad:            grad,
		gradParams:      m.Params().Values(),
		calculated:      make([]bool, n),
		noneCalc:        true,
		maxFCN:          -1e30,
		printEvalErrors: 10,
		evalErrorWall:   true,
	}
	return f
}

// NDim returns the parameter dimension.
func (f *Fcn) NDim() int { return f.m.Params().N() }

// ReturnsInMinuit2ParameterSpace reports that derivatives are
// produced in the minimizer's parameter space.
func (f *Fcn) ReturnsInMinuit2ParameterSpace() bool { return true }

// ParameterSettings returns the current settings of every parameter.
func (f *Fcn) ParameterSettings() []mpfit.ParameterSettings {
	return f.m.Params().AllSettings()
}

// SetEvalErrorWall toggles clamping of failed evaluations to
// maxFCN+1.
func (f *Fcn) SetEvalErrorWall(flag bool) { f.evalErrorWall = flag }

// SetPrintEvalErrors sets the budget of evaluation-error
// diagnostics; a negative budget silences them.
func (f *Fcn) SetPrintEvalErrors(n int) { f.printEvalErrors = n }

// NumBadNLL returns the count of failed evaluations seen so far.
func (f *Fcn) NumBadNLL() int { return f.numBadNLL }

// EvalCount returns the number of DoEval calls.
func (f *Fcn) EvalCount() int { return f.evalCounter }

// DoEval evaluates the likelihood at x, distributing the work over
// the fleet.
func (f *Fcn) DoEval(x []float64) float64 {
	if _, err := f.m.SyncParams(x); err != nil {
		log.Error.Printf("fcn: parameter sync: %v", err)
		return f.maxFCN + 1
	}
	value, err := f.nll.Evaluate()
	if err != nil {
		log.Error.Printf("fcn: evaluate: %v", err)
		return f.maxFCN + 1
	}
	f.evalCounter++
	evalErrs := f.nll.EvalErrors()
	if len(evalErrs) > 0 || math.IsNaN(value) || value > 1e30 {
		if f.printEvalErrors >= 0 {
			budget := f.printEvalErrors
			for _, e := range evalErrs {
				if budget == 0 {
					break
				}
				log.Error.Printf("fcn: %v", e)
				budget--
			}
			if f.evalErrorWall {
				log.Error.Printf("fcn: function has error status; returning maximum value so far (%g) to force the minimizer to back out", f.maxFCN)
			}
		}
		f.numBadNLL++
		if f.evalErrorWall {
			return f.maxFCN + 1
		}
		return value
	}
	if value > f.maxFCN {
		f.maxFCN = value
	}
	return value
}

// syncParameters diffs x against the last gradient point. A change
// broadcasts the new values to the fleet and invalidates the
// per-component cache.
func (f *Fcn) syncParameters(x []float64) {
	var synced bool
	for i := range x {
		if f.gradParams[i] != x[i] {
			f.gradParams[i] = x[i]
			synced = true
		}
	}
	if !synced {
		return
	}
	if _, err := f.m.SyncParams(x); err != nil {
		log.Error.Printf("fcn: parameter sync: %v", err)
	}
	if !f.noneCalc {
		for i := range f.calculated {
			f.calculated[i] = false
		}
		f.noneCalc = true
	}
}

// runDerivator ensures component i's triple is current, computing
// the whole gradient in one fleet round if the cache is cold. Second
// derivative and step queries reuse the same cache.
func (f *Fcn) runDerivator(i int) {
	if f.calculated[i] {
		return
	}
	if err := f.grad.Compute(); err != nil {
		log.Error.Printf("fcn: gradient: %v", err)
		return
	}
	for _, ix := range f.m.Params().FreeIndices() {
		f.calculated[ix] = true
	}
	f.noneCalc = false
}

// DoDerivative returns ∂f/∂x_i at x.
func (f *Fcn) DoDerivative(x []float64, i int) float64 {
	f.syncParameters(x)
	f.runDerivator(i)
	return f.grad.Triple(i).Grad
}

// DoSecondDerivative returns ∂²f/∂x_i² at x.
func (f *Fcn) DoSecondDerivative(x []float64, i int) float64 {
	f.syncParameters(x)
	f.runDerivator(i)
	return f.grad.Triple(i).G2
}

// DoStepSize returns the derivator's step for component i at x.
func (f *Fcn) DoStepSize(x []float64, i int) float64 {
	f.syncParameters(x)
	f.runDerivator(i)
	return f.grad.Triple(i).Gstep
}

// SynchronizeParameterSettings replaces the parameter settings ahead
// of a minimization, broadcasting values and constness to the fleet.
// The vector's shape is frozen, so the settings must match in length
// and order.
func (f *Fcn) SynchronizeParameterSettings(settings []mpfit.ParameterSettings) (bool, error) {
	v := f.m.Params()
	var changed bool
	for i := range settings {
		cur := v.Settings(i)
		if cur.Value != settings[i].Value || cur.Constant != settings[i].Constant {
			if err := f.m.UpdateParameter(i, settings[i].Value, settings[i].Constant); err != nil {
				return changed, err
			}
			changed = true
		}
	}
	if changed {
		copy(f.gradParams, v.Values())
		for i := range f.calculated {
			f.calculated[i] = false
		}
		f.noneCalc = true
	}
	return changed, nil
}

// SynchronizeWithMinimizer applies the minimizer's derivator options.
func (f *Fcn) SynchronizeWithMinimizer(cfg Config) {
	f.grad.deriv.cfg = cfg
}

// SerialFcn is the serial twin of Fcn: the same canonical
// partitioned likelihood and the same derivator rules, executed in
// process. A minimization driven by a SerialFcn reproduces a
// parallel minimization bit for bit, which is how the engine's
// parallel-equivalence property is checked end to end.
type SerialFcn struct {
	m    *engine.Manager
	nll  *likelihood.NLLJob
	grad *Job

	gradParams  []float64
	calculated  []bool
	evalCounter int
}

// NewSerialFcn builds a serial function over the same jobs.
func NewSerialFcn(m *engine.Manager, nll *likelihood.NLLJob, grad *Job) *SerialFcn {
	return &SerialFcn{
		m:          m,
		nll:        nll,
		grad:       grad,
		gradParams: m.Params().Values(),
		calculated: make([]bool, m.Params().N()),
	}
}

// NDim returns the parameter dimension.
func (f *SerialFcn) NDim() int { return f.m.Params().N() }

// ReturnsInMinuit2ParameterSpace reports that derivatives are
// produced in the minimizer's parameter space.
func (f *SerialFcn) ReturnsInMinuit2ParameterSpace() bool { return true }

// ParameterSettings returns the current settings of every parameter.
func (f *SerialFcn) ParameterSettings() []mpfit.ParameterSettings {
	return f.m.Params().AllSettings()
}

// EvalCount returns the number of DoEval calls.
func (f *SerialFcn) EvalCount() int { return f.evalCounter }

// DoEval evaluates the likelihood at x in process.
func (f *SerialFcn) DoEval(x []float64) float64 {
	f.m.Params().SetAll(x)
	f.evalCounter++
	return f.nll.EvaluateSerial()
}

func (f *SerialFcn) sync(x []float64) {
	var synced bool
	for i := range x {
		if f.gradParams[i] != x[i] {
			f.gradParams[i] = x[i]
			synced = true
		}
	}
	if synced {
		f.m.Params().SetAll(x)
		for i := range f.calculated {
			f.calculated[i] = false
		}
	}
}

func (f *SerialFcn) run(i int) {
	if f.calculated[i] {
		return
	}
	f.grad.ComputeSerial()
	for _, ix := range f.m.Params().FreeIndices() {
		f.calculated[ix] = true
	}
}

// DoDerivative returns ∂f/∂x_i at x.
func (f *SerialFcn) DoDerivative(x []float64, i int) float64 {
	f.sync(x)
	f.run(i)
	return f.grad.Triple(i).Grad
}

// DoSecondDerivative returns ∂²f/∂x_i² at x.
func (f *SerialFcn) DoSecondDerivative(x []float64, i int) float64 {
	f.sync(x)
	f.run(i)
	return f.grad.Triple(i).G2
}

// DoStepSize returns the derivator's step for component i at x.
func (f *SerialFcn) DoStepSize(x []float64, i int) float64 {
	f.sync(x)
	f.run(i)
	return f.grad.Triple(i).Gstep
}
