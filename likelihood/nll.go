// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package likelihood

import (
	"bytes"
	"encoding/gob"
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/mpfit"
	"github.com/grailbio/mpfit/engine"
	"github.com/grailbio/mpfit/internal/kahan"
)

// A TaskPartial is one task's contribution to the likelihood: a
// Kahan sum with its compensation term, plus any evaluation errors
// recorded while computing it.
type TaskPartial struct {
	Sum        float64
	Carry      float64
	EvalErrors []mpfit.EvalError
}

// An NLLJob computes Σ −w_e·log p(x_e|θ) over an event dataset,
// partitioned across tasks. It implements engine.Job; the same
// object exists on every fleet process.
type NLLJob struct {
	m   *engine.Manager
	id  uint64
	obj Objective

	strategy mpfit.Strategy
	ntasks   uint64
	extended bool
	applyW2  bool

	// offsetting captures a one-shot offset at the first non-zero
	// evaluation on the master and subtracts it thereafter, to
	// improve the floating-point conditioning of the minimization.
	offsetting  bool
	offset      float64
	offsetCarry float64
	offsetSet   bool

	// results buffers task partials: on workers until shipped, on
	// the queue until retrieved.
	results map[uint64]TaskPartial

	// Master-side answer of the last evaluation.
	value      float64
	carry      float64
	evalErrors []mpfit.EvalError
}

// NewNLLJob registers a likelihood job over obj, taking the
// partition strategy, extended mode, weight handling, and offsetting
// from the manager's configuration.
func NewNLLJob(m *engine.Manager, obj Objective) (*NLLJob, error) {
	cfg := m.Config()
	j := &NLLJob{
		m:          m,
		obj:        obj,
		strategy:   cfg.PartitionStrategy,
		ntasks:     numTasks(cfg.PartitionStrategy, obj.NumEvents(), cfg.Workers),
		extended:   cfg.ExtendedLikelihood,
		applyW2:    cfg.ApplyWeightSquared,
		offsetting: cfg.LikelihoodOffsetting,
		results:    make(map[uint64]TaskPartial),
	}
	var err error
	if j.id, err = m.Register(j); err != nil {
		return nil, err
	}
	return j, nil
}

// ID returns the job's id.
func (j *NLLJob) ID() uint64 { return j.id }

// SetApplyWeightSquared toggles the squared-weight likelihood form.
// Toggling discards the captured offset, so the next evaluation
// captures a fresh one for the new form.
func (j *NLLJob) SetApplyWeightSquared(flag bool) {
	if flag == j.applyW2 {
		return
	}
	j.applyW2 = flag
	j.offset, j.offsetCarry = 0, 0
	j.offsetSet = false
}

// Partition yields one task id per partition, ascending. The
// ascending order is the job's canonical reduction order.
func (j *NLLJob) Partition() []uint64 {
	tasks := make([]uint64, j.ntasks)
	for i := range tasks {
		tasks[i] = uint64(i)
	}
	return tasks
}

// ExecuteTask computes one task's partial sum on a worker.
func (j *NLLJob) ExecuteTask(taskID uint64) {
	j.results[taskID] = j.taskPartial(taskID)
}

// taskPartial evaluates the Kahan-compensated sum over the task's
// event subset; extended mode adds the extended term on task 0.
func (j *NLLJob) taskPartial(taskID uint64) TaskPartial {
	var sum kahan.Sum
	taskEvents(j.strategy, j.ntasks, taskID, j.obj.NumEvents(), func(i uint64) {
		w := j.obj.Weight(i)
		if w*w == 0 {
			return
		}
		if j.applyW2 {
			w = j.obj.WeightSquared(i)
		}
		sum.Add(-w * j.obj.LogProb(i))
	})
	if j.extended && taskID == 0 {
		sum.Add(j.extendedTerm())
	}
	return TaskPartial{
		Sum:        sum.Value(),
		Carry:      sum.Carry(),
		EvalErrors: j.obj.DrainEvalErrors(),
	}
}

// extendedTerm computes the extended maximum-likelihood
// contribution. In the squared-weight form the Poisson term is
// rescaled by sum[w]/sum[w²] so that the expected count keeps its
// estimate but acquires the variance appropriate for weighted data:
// the term becomes expected·sumW²/sumW − sumW²·log(expected).
func (j *NLLJob) extendedTerm() float64 {
	expected := j.obj.ExpectedEvents()
	if j.applyW2 {
		var sumW2 kahan.Sum
		for i := uint64(0); i < j.obj.NumEvents(); i++ {
			sumW2.Add(j.obj.WeightSquared(i))
		}
		sumW := j.obj.SumWeights()
		expectedW2 := expected * sumW2.Value() / sumW
		return expectedW2 - sumW2.Value()*math.Log(expected)
	}
	return expected - j.obj.SumWeights()*math.Log(expected)
}

// MarshalTaskResult implements engine.Job.
func (j *NLLJob) MarshalTaskResult(taskID uint64) ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(j.results[taskID])
	return buf.Bytes(), err
}

// UnmarshalTaskResult implements engine.Job.
func (j *NLLJob) UnmarshalTaskResult(taskID uint64, p []byte) error {
	var partial TaskPartial
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&partial); err != nil {
		return err
	}
	j.results[taskID] = partial
	return nil
}

// resultList is the queue-to-master bundle: task partials in
// ascending task order.
type resultList struct {
	Tasks    []uint64
	Partials []TaskPartial
}

// MarshalResults implements engine.Job.
func (j *NLLJob) MarshalResults() ([]byte, error) {
	var list resultList
	list.Tasks = make([]uint64, 0, len(j.results))
	for task := range j.results {
		list.Tasks = append(list.Tasks, task)
	}
	sort.Slice(list.Tasks, func(a, b int) bool { return list.Tasks[a] < list.Tasks[b] })
	list.Partials = make([]TaskPartial, len(list.Tasks))
	for i, task := range list.Tasks {
		list.Partials[i] = j.results[task]
	}
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(list)
	return buf.Bytes(), err
}

// UnmarshalResults implements engine.Job: it folds the bundle, in
// ascending task order, into the job's answer. An empty bundle (the
// job had no tasks outstanding) leaves the previous answer alone.
func (j *NLLJob) UnmarshalResults(p []byte) error {
	var list resultList
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&list); err != nil {
		return err
	}
	if len(list.Tasks) == 0 {
		return nil
	}
	if uint64(len(list.Tasks)) != j.ntasks {
		return errors.E(errors.Fatal, "likelihood: incomplete result bundle")
	}
	j.combine(list.Partials)
	return nil
}

// combine folds task partials in canonical (ascending task) order
// and applies offsetting.
func (j *NLLJob) combine(partials []TaskPartial) {
	var sum kahan.Sum
	j.evalErrors = j.evalErrors[:0]
	for i := range partials {
		sum.AddCompensated(partials[i].Sum, partials[i].Carry)
		j.evalErrors = append(j.evalErrors, partials[i].EvalErrors...)
	}
	if j.offsetting {
		if !j.offsetSet && sum.Value() != 0 {
			j.offset = sum.Value()
			j.offsetCarry = sum.Carry()
			j.offsetSet = true
		}
		sum.Sub(j.offset, j.offsetCarry)
	}
	j.value = sum.Value()
	j.carry = sum.Carry()
}

// ClearResults implements engine.Job.
func (j *NLLJob) ClearResults() {
	j.results = make(map[uint64]TaskPartial)
}

// Evaluate computes the NLL at the current parameter values by
// submitting the job's tasks to the fleet and retrieving the reduced
// answer. An empty partition short-circuits: the value is zero, or
// the bare extended term in extended mode.
func (j *NLLJob) Evaluate() (float64, error) {
	if j.ntasks == 0 {
		partials := []TaskPartial{}
		if j.extended {
			partials = append(partials, TaskPartial{Sum: j.extendedTerm()})
		} else {
			partials = append(partials, TaskPartial{})
		}
		j.combine(partials)
		return j.value, nil
	}
	if err := j.m.Submit(j.id); err != nil {
		return 0, err
	}
	if err := j.m.Retrieve(); err != nil {
		return 0, err
	}
	return j.value, nil
}

// EvaluateSerial computes the NLL locally using the same canonical
// partitioning and reduction as the parallel path. For a fixed
// strategy and task count, the result is bit-identical to Evaluate.
func (j *NLLJob) EvaluateSerial() float64 {
	partials := make([]TaskPartial, j.ntasks)
	for task := uint64(0); task < j.ntasks; task++ {
		partials[task] = j.taskPartial(task)
	}
	if j.ntasks == 0 && j.extended {
		partials = append(partials, TaskPartial{Sum: j.extendedTerm()})
	}
	j.combine(partials)
	return j.value
}

// ValueAt evaluates the canonical partitioned NLL, without
// offsetting, at parameter values x, restoring the shadow
// afterwards. The numerical derivator drives this from gradient
// tasks on workers.
func (j *NLLJob) ValueAt(x []float64) float64 {
	v := j.m.Params()
	saved := v.Values()
	v.SetAll(x)
	var sum kahan.Sum
	for task := uint64(0); task < j.ntasks; task++ {
		p := j.taskPartial(task)
		sum.AddCompensated(p.Sum, p.Carry)
	}
	v.SetAll(saved)
	return sum.Value()
}

// Value returns the most recently reduced NLL.
func (j *NLLJob) Value() float64 { return j.value }

// Carry returns the compensation term of the last reduction.
func (j *NLLJob) Carry() float64 { return j.carry }

// EvalErrors returns the evaluation errors carried by the last
// reduction.
func (j *NLLJob) EvalErrors() []mpfit.EvalError { return j.evalErrors }

// Offset returns the captured likelihood offset, if any.
func (j *NLLJob) Offset() (float64, bool) { return j.offset, j.offsetSet }
