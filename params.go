// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mpfit

import (
	"fmt"
)

// ParameterSettings describes a single fit parameter: its starting
// value, the initial step size used by the numerical derivator, and
// optional bounds. Parameters are identified by their index in the
// vector; names are informational only.
type ParameterSettings struct {
	Name       string
	Value      float64
	StepSize   float64
	LowerBound float64
	UpperBound float64
	Bounded    bool
	Constant   bool
}

// A Vector is an ordered set of fit parameters together with their
// settings. The master process owns the authoritative copy; every
// other process in a fleet holds a shadow that is kept in sync
// through parameter-update broadcasts.
//
// A Vector freezes when the first job is registered against it:
// after that point parameters may change value or constness, but they
// may not be added, removed, or reordered.
type Vector struct {
	settings []ParameterSettings
	values   []float64
	frozen   bool
}

// NewVector returns a vector holding the provided parameters, in
// order.
func NewVector(settings ...ParameterSettings) *Vector {
	v := &Vector{settings: settings}
	v.values = make([]float64, len(settings))
	for i := range settings {
		v.values[i] = settings[i].Value
	}
	return v
}

// Add appends a parameter and returns its index. Add panics if the
// vector is frozen.
func (v *Vector) Add(s ParameterSettings) int {
	if v.frozen {
		panic("mpfit: parameter added to frozen vector")
	}
	v.settings = append(v.settings, s)
	v.values = append(v.values, s.Value)
	return len(v.values) - 1
}

// Freeze marks the vector immutable in shape. Value mutations remain
// allowed.
func (v *Vector) Freeze() { v.frozen = true }

// Frozen tells whether the vector's shape is frozen.
func (v *Vector) Frozen() bool { return v.frozen }

// N returns the number of parameters.
func (v *Vector) N() int { return len(v.values) }

// NumFree returns the number of non-constant parameters.
func (v *Vector) NumFree() int {
	var n int
	for i := range v.settings {
		if !v.settings[i].Constant {
			n++
		}
	}
	return n
}

// FreeIndices returns the indices of the non-constant parameters in
// ascending order.
func (v *Vector) FreeIndices() []int {
	ix := make([]int, 0, len(v.settings))
	for i := range v.settings {
		if !v.settings[i].Constant {
			ix = append(ix, i)
		}
	}
	return ix
}

// Get returns the value of parameter i.
func (v *Vector) Get(i int) float64 { return v.values[i] }

// Set assigns the value of parameter i, reporting whether the value
// changed.
func (v *Vector) Set(i int, x float64) bool {
	if v.values[i] == x {
		return false
	}
	v.values[i] = x
	return true
}

// SetConstant toggles the constness of parameter i.
func (v *Vector) SetConstant(i int, constant bool) {
	v.settings[i].Constant = constant
}

// Settings returns the settings of parameter i.
func (v *Vector) Settings(i int) ParameterSettings {
	s := v.settings[i]
	s.Value = v.values[i]
	return s
}

// AllSettings returns a copy of the settings of every parameter with
// current values filled in.
func (v *Vector) AllSettings() []ParameterSettings {
	all := make([]ParameterSettings, v.N())
	for i := range all {
		all[i] = v.Settings(i)
	}
	return all
}

// Values returns a copy of the current parameter values.
func (v *Vector) Values() []float64 {
	x := make([]float64, len(v.values))
	copy(x, v.values)
	return x
}

// SetAll assigns all parameter values from x, which must have length
// N.
func (v *Vector) SetAll(x []float64) {
	if len(x) != len(v.values) {
		panic(fmt.Sprintf("mpfit: SetAll with %d values on vector of %d", len(x), len(v.values)))
	}
	copy(v.values, x)
}

// An EvalError records a numerical evaluation failure observed while
// computing an objective on a worker. Errors are carried inside task
// results and drained on the master.
type EvalError struct {
	ArgID   int
	Message string
	Value   float64
}

func (e EvalError) Error() string {
	return fmt.Sprintf("eval error for arg %d (value %g): %s", e.ArgID, e.Value, e.Message)
}
