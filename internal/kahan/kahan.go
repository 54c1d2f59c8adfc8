// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package kahan implements compensated floating-point summation.
// Likelihood sums add many terms of disparate magnitude; tracking a
// running low-order correction keeps the result reproducible and
// close to the exactly rounded sum. The reduction order is fixed by
// the caller: for a given order, sums are bit-identical across runs
// and across processes.
package kahan

// A Sum is a Kahan-compensated accumulator. The zero value is an
// empty sum.
type Sum struct {
	sum   float64
	carry float64
}

// Add folds x into the sum.
func (s *Sum) Add(x float64) {
	y := x - s.carry
	t := s.sum + y
	s.carry = (t - s.sum) - y
	s.sum = t
}

// AddCompensated folds a partial sum together with its compensation
// term, as produced by another accumulator's Value and Carry. This is
// the reduction step used when combining per-task sums on the master.
func (s *Sum) AddCompensated(x, carry float64) {
	y := x - (s.carry + carry)
	t := s.sum + y
	s.carry = (t - s.sum) - y
	s.sum = t
}

// Sub folds -x into the sum, compensating with the provided carry.
func (s *Sum) Sub(x, carry float64) {
	y := -x - (s.carry + carry)
	t := s.sum + y
	s.carry = (t - s.sum) - y
	s.sum = t
}

// Value returns the accumulated sum.
func (s *Sum) Value() float64 { return s.sum }

// Carry returns the current compensation term.
func (s *Sum) Carry() float64 { return s.carry }
