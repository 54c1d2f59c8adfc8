// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package likelihood

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/grailbio/mpfit"
)

const logTwoPi = 1.8378770664093454836 // log(2π)

// A Gaussian is an unbinned Gaussian model over a one-dimensional
// dataset, reading its μ and σ from a parameter vector. It is the
// reference objective used by the tests and by the demo driver.
type Gaussian struct {
	params   *mpfit.Vector
	muIdx    int
	sigmaIdx int
	yieldIdx int // -1: expected events = sum of weights

	data    []float64
	weights []float64 // nil means unit weights

	sumW float64
	errs []mpfit.EvalError
}

// NewGaussian returns a Gaussian objective over data, with μ and σ
// at the given parameter indices.
func NewGaussian(params *mpfit.Vector, muIdx, sigmaIdx int, data []float64) *Gaussian {
	return &Gaussian{
		params:   params,
		muIdx:    muIdx,
		sigmaIdx: sigmaIdx,
		yieldIdx: -1,
		data:     data,
		sumW:     float64(len(data)),
	}
}

// SetWeights attaches per-event weights.
func (g *Gaussian) SetWeights(w []float64) {
	g.weights = w
	g.sumW = 0
	for _, wi := range w {
		g.sumW += wi
	}
}

// SetYield designates a parameter as the expected event count for
// extended likelihoods.
func (g *Gaussian) SetYield(idx int) { g.yieldIdx = idx }

// NumEvents implements Objective.
func (g *Gaussian) NumEvents() uint64 { return uint64(len(g.data)) }

// LogProb implements Objective. A non-positive σ is an evaluation
// error: it is recorded and a large negative log-probability is
// returned so the minimizer backs out of the region.
func (g *Gaussian) LogProb(i uint64) float64 {
	mu := g.params.Get(g.muIdx)
	sigma := g.params.Get(g.sigmaIdx)
	if sigma <= 0 || math.IsNaN(sigma) {
		g.errs = append(g.errs, mpfit.EvalError{
			ArgID:   g.sigmaIdx,
			Message: "gaussian: non-positive sigma",
			Value:   sigma,
		})
		return -math.MaxFloat64 / float64(len(g.data)+1)
	}
	z := (g.data[i] - mu) / sigma
	return -0.5*z*z - math.Log(sigma) - 0.5*logTwoPi
}

// Weight implements Objective.
func (g *Gaussian) Weight(i uint64) float64 {
	if g.weights == nil {
		return 1
	}
	return g.weights[i]
}

// WeightSquared implements Objective.
func (g *Gaussian) WeightSquared(i uint64) float64 {
	w := g.Weight(i)
	return w * w
}

// ExpectedEvents implements Objective.
func (g *Gaussian) ExpectedEvents() float64 {
	if g.yieldIdx >= 0 {
		return g.params.Get(g.yieldIdx)
	}
	return g.sumW
}

// SumWeights implements Objective.
func (g *Gaussian) SumWeights() float64 { return g.sumW }

// DrainEvalErrors implements Objective.
func (g *Gaussian) DrainEvalErrors() []mpfit.EvalError {
	errs := g.errs
	g.errs = nil
	return errs
}

// GenerateGaussian draws n samples from N(mu, sigma) under a fixed
// seed. Fleet children regenerate the same dataset from the same
// seed, which is the re-exec equivalent of inheriting it through
// fork.
func GenerateGaussian(seed uint64, n int, mu, sigma float64) []float64 {
	dist := distuv.Normal{Mu: mu, Sigma: sigma, Src: rand.NewSource(seed)}
	data := make([]float64, n)
	for i := range data {
		data[i] = dist.Rand()
	}
	return data
}
