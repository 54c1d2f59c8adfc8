// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gradient

import (
	"math"
	"testing"

	"github.com/grailbio/mpfit"
	"github.com/stretchr/testify/require"
)

func quadratic(a, c []float64) func([]float64) float64 {
	return func(x []float64) float64 {
		var sum float64
		for i := range x {
			d := x[i] - c[i]
			sum += a[i] * d * d
		}
		return sum
	}
}

func settingsFor(n int, step float64) []mpfit.ParameterSettings {
	s := make([]mpfit.ParameterSettings, n)
	for i := range s {
		s[i] = mpfit.ParameterSettings{StepSize: step}
	}
	return s
}

func TestPartialDerivativeQuadratic(t *testing.T) {
	// Central differences are exact for quadratics up to rounding,
	// so both the gradient and the curvature come out tight.
	a := []float64{1, 2.5, 0.5}
	c := []float64{0, -1, 3}
	f := quadratic(a, c)
	x := []float64{0.7, 0.3, -1.2}
	settings := settingsFor(3, 0.1)

	d := NewDerivator(DefaultConfig(), 3)
	for i := 0; i < 3; i++ {
		g, g2, step := d.PartialDerivative(f, x, settings, i)
		wantG := 2 * a[i] * (x[i] - c[i])
		wantG2 := 2 * a[i]
		require.InDelta(t, wantG, g, 1e-5*math.Max(1, math.Abs(wantG)), "component %d gradient", i)
		require.InDelta(t, wantG2, g2, 1e-3*wantG2, "component %d curvature", i)
		require.Greater(t, step, 0.0)
	}
	// The scratch point must be restored.
	require.Equal(t, []float64{0.7, 0.3, -1.2}, x)
}

func TestPartialDerivativeDeterministic(t *testing.T) {
	// The same (function, point, settings) must give bit-identical
	// triples from independent derivators: a gradient task's answer
	// may not depend on which worker computed it or on what it
	// computed before.
	f := quadratic([]float64{1, 3}, []float64{0.5, -0.5})
	x := []float64{1.25, 0.75}
	settings := settingsFor(2, 0.1)

	d1 := NewDerivator(DefaultConfig(), 2)
	d2 := NewDerivator(DefaultConfig(), 2)
	// d2 computes component 0 first, perturbing any cross-call
	// state it might carry.
	d2.PartialDerivative(f, x, settings, 0)

	g1, g21, s1 := d1.PartialDerivative(f, x, settings, 1)
	g2, g22, s2 := d2.PartialDerivative(f, x, settings, 1)
	require.Equal(t, math.Float64bits(g1), math.Float64bits(g2))
	require.Equal(t, math.Float64bits(g21), math.Float64bits(g22))
	require.Equal(t, math.Float64bits(s1), math.Float64bits(s2))
}

func TestPartialDerivativeGaussianNLL(t *testing.T) {
	// A 1-D Gaussian NLL in μ: analytic derivative is
	// Σ (μ − x_i)/σ².
	data := []float64{-0.3, 0.1, 0.25, -1.2, 0.8}
	f := func(x []float64) float64 {
		mu := x[0]
		var sum float64
		for _, xi := range data {
			d := xi - mu
			sum += 0.5 * d * d
		}
		return sum
	}
	x := []float64{0.4}
	settings := settingsFor(1, 0.1)
	d := NewDerivator(DefaultConfig(), 1)
	g, _, _ := d.PartialDerivative(f, x, settings, 0)

	var want float64
	for _, xi := range data {
		want += x[0] - xi
	}
	require.InDelta(t, want, g, 1e-6)
}

func TestConfigFrom(t *testing.T) {
	cfg := mpfit.DefaultConfig()
	c := ConfigFrom(cfg)
	require.Equal(t, DefaultConfig().StepTolerance, c.StepTolerance)

	cfg.NCycles = 5
	cfg.GradTolerance = 0.02
	c = ConfigFrom(cfg)
	require.Equal(t, 5, c.NCycles)
	require.Equal(t, 0.02, c.GradTolerance)
}
