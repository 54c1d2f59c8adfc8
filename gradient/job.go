// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gradient

import (
	"bytes"
	"encoding/gob"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/mpfit/engine"
)

// An Evaluator produces the objective value at an arbitrary
// parameter point. On workers this is the serial, canonically
// partitioned likelihood evaluation; the derivator drives it for the
// offset function evaluations.
type Evaluator interface {
	ValueAt(x []float64) float64
}

// A Triple is one component's derivative bundle.
type Triple struct {
	Grad  float64
	G2    float64
	Gstep float64
}

// A Job computes the objective's gradient with one task per free
// parameter: task j runs the numerical derivator for parameter index
// j, which is free, at the worker's current parameter shadow. The master
// reassembles the triples in index order.
type Job struct {
	m     *engine.Manager
	id    uint64
	eval  Evaluator
	deriv *Derivator

	// results buffers triples on workers and on the queue, keyed by
	// task id; a task id is the parameter index it differentiates.
	results map[uint64]Triple

	triples []Triple // master-side answer, by parameter index
}

// NewJob registers a gradient job whose tasks differentiate eval.
func NewJob(m *engine.Manager, eval Evaluator) (*Job, error) {
	cfg := ConfigFrom(m.Config())
	j := &Job{
		m:       m,
		eval:    eval,
		deriv:   NewDerivator(cfg, m.Params().N()),
		results: make(map[uint64]Triple),
		triples: make([]Triple, m.Params().N()),
	}
	j.deriv.SetInitialGradient(m.Params().AllSettings(), m.Params().Values())
	var err error
	if j.id, err = m.Register(j); err != nil {
		return nil, err
	}
	return j, nil
}

// ID returns the job's id.
func (j *Job) ID() uint64 { return j.id }

// Partition yields one task per free parameter, in ascending
// parameter-index order.
func (j *Job) Partition() []uint64 {
	free := j.m.Params().FreeIndices()
	tasks := make([]uint64, len(free))
	for i, ix := range free {
		tasks[i] = uint64(ix)
	}
	return tasks
}

// ExecuteTask runs the derivator for one parameter component at the
// worker's current shadow values.
func (j *Job) ExecuteTask(taskID uint64) {
	v := j.m.Params()
	x := v.Values()
	g, g2, step := j.deriv.PartialDerivative(j.eval.ValueAt, x, v.AllSettings(), int(taskID))
	j.results[taskID] = Triple{Grad: g, G2: g2, Gstep: step}
}

// MarshalTaskResult implements engine.Job.
func (j *Job) MarshalTaskResult(taskID uint64) ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(j.results[taskID])
	return buf.Bytes(), err
}

// UnmarshalTaskResult implements engine.Job.
func (j *Job) UnmarshalTaskResult(taskID uint64, p []byte) error {
	var t Triple
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&t); err != nil {
		return err
	}
	j.results[taskID] = t
	return nil
}

type gradResults struct {
	Tasks   []uint64
	Triples []Triple
}

// MarshalResults implements engine.Job.
func (j *Job) MarshalResults() ([]byte, error) {
	var list gradResults
	for task := range j.results {
		list.Tasks = append(list.Tasks, task)
	}
	sort.Slice(list.Tasks, func(a, b int) bool { return list.Tasks[a] < list.Tasks[b] })
	list.Triples = make([]Triple, len(list.Tasks))
	for i, task := range list.Tasks {
		list.Triples[i] = j.results[task]
	}
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(list)
	return buf.Bytes(), err
}

// UnmarshalResults implements engine.Job: triples land at their
// parameter index. An empty bundle leaves the previous answer alone.
func (j *Job) UnmarshalResults(p []byte) error {
	var list gradResults
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&list); err != nil {
		return err
	}
	if len(list.Tasks) == 0 {
		return nil
	}
	if len(list.Tasks) != j.m.Params().NumFree() {
		return errors.E(errors.Fatal, "gradient: incomplete result bundle")
	}
	for i, task := range list.Tasks {
		j.triples[task] = list.Triples[i]
	}
	return nil
}

// ClearResults implements engine.Job.
func (j *Job) ClearResults() {
	j.results = make(map[uint64]Triple)
}

// Compute submits one task per free parameter and retrieves the
// assembled gradient.
func (j *Job) Compute() error {
	if err := j.m.Submit(j.id); err != nil {
		return err
	}
	return j.m.Retrieve()
}

// ComputeSerial runs the derivator locally for every free component,
// producing the same triples a fleet would.
func (j *Job) ComputeSerial() {
	v := j.m.Params()
	x := v.Values()
	settings := v.AllSettings()
	for _, ix := range v.FreeIndices() {
		g, g2, step := j.deriv.PartialDerivative(j.eval.ValueAt, x, settings, ix)
		j.triples[ix] = Triple{Grad: g, G2: g2, Gstep: step}
	}
}

// Triple returns the assembled triple for parameter index i.
func (j *Job) Triple(i int) Triple { return j.triples[i] }
