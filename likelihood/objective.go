// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package likelihood implements the partitioned negative
// log-likelihood job: a scalar objective over an event dataset,
// split across tasks by a partition strategy and reduced with
// Kahan-compensated sums in a canonical order, so that the parallel
// value is bit-identical to the serial one.
package likelihood

import (
	"github.com/grailbio/mpfit"
)

// An Objective is the opaque PDF/dataset collaborator evaluated by a
// likelihood job. Implementations read the current parameter values
// from the process-local shadow vector; the engine keeps shadows in
// sync with the master.
//
// LogProb may fail numerically (log of zero, invalid parameter
// region). Implementations record such failures and report the event
// through DrainEvalErrors; the job carries the errors inside task
// results so the master can surface them to the minimizer.
type Objective interface {
	// NumEvents returns the dataset size.
	NumEvents() uint64
	// LogProb returns log p(x_i | θ) for event i at the current
	// parameter values.
	LogProb(i uint64) float64
	// Weight returns event i's weight.
	Weight(i uint64) float64
	// WeightSquared returns event i's squared weight.
	WeightSquared(i uint64) float64
	// ExpectedEvents returns the expected event count of the model,
	// used by the extended likelihood term.
	ExpectedEvents() float64
	// SumWeights returns the summed event weights.
	SumWeights() float64
	// DrainEvalErrors returns the evaluation errors recorded since
	// the previous drain, clearing them.
	DrainEvalErrors() []mpfit.EvalError
}
