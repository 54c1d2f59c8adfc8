// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package fit_test

import (
	"math"
	"os"
	"testing"

	"github.com/grailbio/mpfit"
	"github.com/grailbio/mpfit/engine"
	"github.com/grailbio/mpfit/fit"
	"github.com/grailbio/mpfit/fit/internal/fcntest"
	"github.com/grailbio/mpfit/gradient"
	"github.com/grailbio/mpfit/likelihood"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	engine.ChildMain()
	os.Exit(m.Run())
}

func TestMinimizeQuadratic(t *testing.T) {
	// f = Σ a_i (x_i − c_i)², minimum at c with V_ii = 1/(2 a_i).
	fcn := fcntest.NewQuadratic(
		[]float64{1, 2.5},
		[]float64{0.3, -1.2},
		[]mpfit.ParameterSettings{
			{Name: "p0", Value: 2, StepSize: 0.1},
			{Name: "p1", Value: 2, StepSize: 0.1},
		},
	)
	opts := fit.DefaultOptions()
	result, err := fit.Minimize(fcn, opts)
	require.NoError(t, err)
	require.True(t, result.Converged)
	require.InDelta(t, 0.3, result.X[0], 1e-4)
	require.InDelta(t, -1.2, result.X[1], 1e-4)
	require.InDelta(t, 0, result.MinValue, 1e-6)
	require.Less(t, result.EDM, opts.EDMTolerance)
}

func TestMinimizeRespectsConstants(t *testing.T) {
	fcn := fcntest.NewQuadratic(
		[]float64{1, 1},
		[]float64{1, 1},
		[]mpfit.ParameterSettings{
			{Name: "free", Value: 0, StepSize: 0.1},
			{Name: "fixed", Value: 0, StepSize: 0.1, Constant: true},
		},
	)
	result, err := fit.Minimize(fcn, fit.DefaultOptions())
	require.NoError(t, err)
	require.InDelta(t, 1, result.X[0], 1e-4)
	require.Equal(t, 0.0, result.X[1], "constant parameter moved")
	require.Equal(t, 0.0, result.Errors[1])
}

func TestMinimizeRespectsBounds(t *testing.T) {
	// Minimum at 2, but the parameter is bounded to [-1, 1].
	fcn := fcntest.NewQuadratic(
		[]float64{1},
		[]float64{2},
		[]mpfit.ParameterSettings{
			{Name: "p", Value: 0, StepSize: 0.1, Bounded: true, LowerBound: -1, UpperBound: 1},
		},
	)
	result, err := fit.Minimize(fcn, fit.DefaultOptions())
	require.NoError(t, err)
	require.LessOrEqual(t, result.X[0], 1.0)
	require.InDelta(t, 1.0, result.X[0], 1e-3)
}

// fitGauss holds the jobs of the minimization-parity setup: the
// Gaussian dataset of the reference scenario (seed 3, 10000 events),
// μ starting at −2.9.
var fitGauss struct {
	nll  *likelihood.NLLJob
	grad *gradient.Job
}

func fitGaussSetup(m *engine.Manager) error {
	params := mpfit.NewVector(
		mpfit.ParameterSettings{Name: "mu", Value: -2.9, StepSize: 0.1, Bounded: true, LowerBound: -3, UpperBound: 3},
		mpfit.ParameterSettings{Name: "sigma", Value: 1, StepSize: 0.1, Constant: true},
	)
	m.BindParams(params)
	data := likelihood.GenerateGaussian(3, 10000, 0, 1)
	obj := likelihood.NewGaussian(params, 0, 1, data)
	var err error
	if fitGauss.nll, err = likelihood.NewNLLJob(m, obj); err != nil {
		return err
	}
	fitGauss.grad, err = gradient.NewJob(m, fitGauss.nll)
	return err
}

func init() {
	engine.RegisterSetup("fit-test-gauss", fitGaussSetup)
}

func fitConfig() mpfit.Config {
	cfg := mpfit.DefaultConfig()
	cfg.Workers = 2
	return cfg
}

type fitOutcome struct {
	minNLL, mu, muErr, edm float64
	ncalls                 int
}

func outcomeOf(r fit.Result) fitOutcome {
	return fitOutcome{minNLL: r.MinValue, mu: r.X[0], muErr: r.Errors[0], edm: r.EDM, ncalls: r.NCalls}
}

func TestMinimizationParity(t *testing.T) {
	// A descent driven by the serial twin and one driven by the
	// fleet must agree to the last bit in value, position, error,
	// and EDM, and must take the same number of calls.
	cfg := fitConfig()

	serialM, err := engine.Local("fit-test-gauss", cfg)
	require.NoError(t, err)
	serialFcn := gradient.NewSerialFcn(serialM, fitGauss.nll, fitGauss.grad)
	serialResult, err := fit.Minimize(serialFcn, fit.DefaultOptions())
	require.NoError(t, err)
	require.True(t, serialResult.Converged)
	// The fitted mean lands near the sample mean of N(0,1).
	require.InDelta(t, 0, serialResult.X[0], 0.05)

	m, err := engine.Start("fit-test-gauss", cfg)
	require.NoError(t, err)
	parallelFcn := gradient.NewFcn(m, fitGauss.nll, fitGauss.grad)
	parallelResult, err := fit.Minimize(parallelFcn, fit.DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, m.Terminate())

	want, got := outcomeOf(serialResult), outcomeOf(parallelResult)
	require.Equal(t, math.Float64bits(want.minNLL), math.Float64bits(got.minNLL), "min NLL differs")
	require.Equal(t, math.Float64bits(want.mu), math.Float64bits(got.mu), "fitted mu differs")
	require.Equal(t, math.Float64bits(want.muErr), math.Float64bits(got.muErr), "mu error differs")
	require.Equal(t, math.Float64bits(want.edm), math.Float64bits(got.edm), "EDM differs")
	require.Equal(t, want.ncalls, got.ncalls, "call count differs")
}

func TestRepeatedMinimize(t *testing.T) {
	// Two minimizations on the same engine, with a parameter reset
	// in between, give the same answers as two minimizations on
	// independent engines.
	cfg := fitConfig()
	start := []mpfit.ParameterSettings{
		{Name: "mu", Value: -2.9, StepSize: 0.1, Bounded: true, LowerBound: -3, UpperBound: 3},
		{Name: "sigma", Value: 1, StepSize: 0.1, Constant: true},
	}

	runTwice := func() (fitOutcome, fitOutcome) {
		m, err := engine.Start("fit-test-gauss", cfg)
		require.NoError(t, err)
		defer m.Terminate()
		fcn := gradient.NewFcn(m, fitGauss.nll, fitGauss.grad)

		r1, err := fit.Minimize(fcn, fit.DefaultOptions())
		require.NoError(t, err)
		_, err = fcn.SynchronizeParameterSettings(start)
		require.NoError(t, err)
		r2, err := fit.Minimize(fcn, fit.DefaultOptions())
		require.NoError(t, err)
		return outcomeOf(r1), outcomeOf(r2)
	}

	a1, a2 := runTwice()
	b1, b2 := runTwice()
	require.Equal(t, a1, b1, "first runs differ between engines")
	require.Equal(t, a2, b2, "second runs differ between engines")
	require.Equal(t, math.Float64bits(a1.mu), math.Float64bits(a2.mu), "repeat run moved the minimum")
	require.Equal(t, math.Float64bits(a1.muErr), math.Float64bits(a2.muErr))
}
