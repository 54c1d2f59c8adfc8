// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gradient_test

import (
	"fmt"
	"os"
	"testing"

	"github.com/grailbio/mpfit"
	"github.com/grailbio/mpfit/engine"
	"github.com/grailbio/mpfit/gradient"
	"github.com/grailbio/mpfit/likelihood"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	engine.ChildMain()
	os.Exit(m.Run())
}

// countingEval counts objective evaluations so tests can assert the
// gradient cache works.
type countingEval struct {
	inner gradient.Evaluator
	calls int
}

func (c *countingEval) ValueAt(x []float64) float64 {
	c.calls++
	return c.inner.ValueAt(x)
}

var setupCounter int

func localGauss(t *testing.T, events int) (*engine.Manager, *likelihood.NLLJob, *countingEval, *gradient.Job) {
	t.Helper()
	setupCounter++
	name := fmt.Sprintf("%s-%d", t.Name(), setupCounter)
	var (
		nll     *likelihood.NLLJob
		counter *countingEval
		job     *gradient.Job
	)
	engine.RegisterSetup(name, func(m *engine.Manager) error {
		params := mpfit.NewVector(
			mpfit.ParameterSettings{Name: "mu", Value: 0.2, StepSize: 0.1},
			mpfit.ParameterSettings{Name: "sigma", Value: 1.1, StepSize: 0.1},
		)
		m.BindParams(params)
		data := likelihood.GenerateGaussian(17, events, 0, 1)
		obj := likelihood.NewGaussian(params, 0, 1, data)
		var err error
		if nll, err = likelihood.NewNLLJob(m, obj); err != nil {
			return err
		}
		counter = &countingEval{inner: nll}
		job, err = gradient.NewJob(m, counter)
		return err
	})
	cfg := mpfit.DefaultConfig()
	cfg.Workers = 2
	cfg.LikelihoodOffsetting = false
	m, err := engine.Local(name, cfg)
	require.NoError(t, err)
	return m, nll, counter, job
}

func TestGradientCaching(t *testing.T) {
	m, nll, counter, job := localGauss(t, 100)
	fcn := gradient.NewSerialFcn(m, nll, job)
	x := m.Params().Values()

	g0 := fcn.DoDerivative(x, 0)
	afterFirst := counter.calls
	require.Greater(t, afterFirst, 0)

	// Same point: second-derivative, step, and repeated derivative
	// queries must all come from the cache.
	_ = fcn.DoDerivative(x, 1)
	_ = fcn.DoSecondDerivative(x, 0)
	_ = fcn.DoStepSize(x, 1)
	require.Equal(t, afterFirst, counter.calls, "cache miss on unchanged parameters")

	// A changed point invalidates the cache.
	x[0] += 0.05
	g1 := fcn.DoDerivative(x, 0)
	require.Greater(t, counter.calls, afterFirst)
	require.NotEqual(t, g0, g1)
}

func TestGradientSignAtOffsetPoint(t *testing.T) {
	// Starting μ above the sample mean, the NLL gradient in μ must
	// be positive (descending lowers μ).
	m, nll, _, job := localGauss(t, 1000)
	fcn := gradient.NewSerialFcn(m, nll, job)
	x := m.Params().Values()
	x[0] = 0.5
	g := fcn.DoDerivative(x, 0)
	require.Greater(t, g, 0.0)
}

var parGrad struct {
	nll *likelihood.NLLJob
	job *gradient.Job
}

func parGradSetup(m *engine.Manager) error {
	params := mpfit.NewVector(
		mpfit.ParameterSettings{Name: "mu", Value: 0.2, StepSize: 0.1},
		mpfit.ParameterSettings{Name: "sigma", Value: 1.1, StepSize: 0.1},
	)
	m.BindParams(params)
	data := likelihood.GenerateGaussian(17, 500, 0, 1)
	obj := likelihood.NewGaussian(params, 0, 1, data)
	var err error
	if parGrad.nll, err = likelihood.NewNLLJob(m, obj); err != nil {
		return err
	}
	parGrad.job, err = gradient.NewJob(m, parGrad.nll)
	return err
}

func init() {
	engine.RegisterSetup("gradient-test-parallel", parGradSetup)
}

func TestParallelGradientEqualsSerial(t *testing.T) {
	// One task per free parameter over the fleet must reproduce the
	// serial derivator bit for bit.
	cfg := mpfit.DefaultConfig()
	cfg.Workers = 2
	cfg.LikelihoodOffsetting = false

	_, err := engine.Local("gradient-test-parallel", cfg)
	require.NoError(t, err)
	parGrad.job.ComputeSerial()
	want := []gradient.Triple{parGrad.job.Triple(0), parGrad.job.Triple(1)}

	m, err := engine.Start("gradient-test-parallel", cfg)
	require.NoError(t, err)
	require.NoError(t, parGrad.job.Compute())
	got := []gradient.Triple{parGrad.job.Triple(0), parGrad.job.Triple(1)}
	require.NoError(t, m.Terminate())

	require.Equal(t, want, got)
}
