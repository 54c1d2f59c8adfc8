// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package engine_test

import (
	"bytes"
	"encoding/gob"
	"os"
	"sort"
	"syscall"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/mpfit"
	"github.com/grailbio/mpfit/engine"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	// Fleet children re-execute this binary; hijack them into their
	// role loops before any tests run.
	engine.ChildMain()
	os.Exit(m.Run())
}

// xsqJob computes x_i² + b over a fixed vector, one task per
// element. b lives in the parameter vector, so the job doubles as a
// check of state updates reaching worker shadows.
type xsqJob struct {
	m       *engine.Manager
	id      uint64
	bIndex  int
	x       []float64
	results map[uint64]float64
	out     []float64
}

func newXsqJob(m *engine.Manager, bIndex int, x []float64) (*xsqJob, error) {
	j := &xsqJob{
		m:       m,
		bIndex:  bIndex,
		x:       x,
		results: make(map[uint64]float64),
		out:     make([]float64, len(x)),
	}
	var err error
	j.id, err = m.Register(j)
	return j, err
}

func (j *xsqJob) Partition() []uint64 {
	tasks := make([]uint64, len(j.x))
	for i := range tasks {
		tasks[i] = uint64(i)
	}
	return tasks
}

func (j *xsqJob) ExecuteTask(taskID uint64) {
	b := j.m.Params().Get(j.bIndex)
	j.results[taskID] = j.x[taskID]*j.x[taskID] + b
}

func (j *xsqJob) MarshalTaskResult(taskID uint64) ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(j.results[taskID])
	return buf.Bytes(), err
}

func (j *xsqJob) UnmarshalTaskResult(taskID uint64, p []byte) error {
	var v float64
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&v); err != nil {
		return err
	}
	j.results[taskID] = v
	return nil
}

type xsqResults struct {
	Tasks  []uint64
	Values []float64
}

func (j *xsqJob) MarshalResults() ([]byte, error) {
	var list xsqResults
	for task := range j.results {
		list.Tasks = append(list.Tasks, task)
	}
	sort.Slice(list.Tasks, func(a, b int) bool { return list.Tasks[a] < list.Tasks[b] })
	for _, task := range list.Tasks {
		list.Values = append(list.Values, j.results[task])
	}
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(list)
	return buf.Bytes(), err
}

func (j *xsqJob) UnmarshalResults(p []byte) error {
	var list xsqResults
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&list); err != nil {
		return err
	}
	for i, task := range list.Tasks {
		j.out[task] = list.Values[i]
	}
	return nil
}

func (j *xsqJob) ClearResults() { j.results = make(map[uint64]float64) }

var testJobs struct {
	first, second *xsqJob
}

func xsqSetup(m *engine.Manager) error {
	params := mpfit.NewVector(
		mpfit.ParameterSettings{Name: "b", Value: 3, StepSize: 0.1},
		mpfit.ParameterSettings{Name: "b2", Value: 4, StepSize: 0.1},
	)
	m.BindParams(params)
	x := []float64{0, 1, 2, 3}
	var err error
	if testJobs.first, err = newXsqJob(m, 0, x); err != nil {
		return err
	}
	testJobs.second, err = newXsqJob(m, 1, x)
	return err
}

func init() {
	engine.RegisterSetup("engine-test-xsq", xsqSetup)
}

func start(t *testing.T, workers int) *engine.Manager {
	t.Helper()
	cfg := mpfit.DefaultConfig()
	cfg.Workers = workers
	m, err := engine.Start("engine-test-xsq", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { m.Terminate() })
	return m
}

func TestSingleJob(t *testing.T) {
	want := []float64{3, 4, 7, 12}
	for _, workers := range []int{1, 2, 3} {
		m := start(t, workers)
		job := testJobs.first
		require.NoError(t, m.Submit(job.id))
		require.NoError(t, m.Retrieve())
		require.Equal(t, want, job.out, "workers=%d", workers)
		require.NoError(t, m.Terminate())
	}
}

func TestMultiJob(t *testing.T) {
	// Two concurrently registered jobs complete within one
	// activation and one retrieve.
	for _, workers := range []int{2, 1, 3} {
		m := start(t, workers)
		require.NoError(t, m.Submit(testJobs.first.id))
		require.NoError(t, m.Submit(testJobs.second.id))
		require.NoError(t, m.Retrieve())
		require.Equal(t, []float64{3, 4, 7, 12}, testJobs.first.out, "workers=%d", workers)
		require.Equal(t, []float64{4, 5, 8, 13}, testJobs.second.out, "workers=%d", workers)
		require.NoError(t, m.Terminate())
	}
}

func TestParameterUpdateReachesWorkers(t *testing.T) {
	m := start(t, 2)
	require.NoError(t, m.UpdateParameter(0, 10, false))
	require.NoError(t, m.Submit(testJobs.first.id))
	require.NoError(t, m.Retrieve())
	require.Equal(t, []float64{10, 11, 14, 19}, testJobs.first.out)
}

func TestRepeatedSubmissions(t *testing.T) {
	// The same engine evaluates repeatedly with parameter updates in
	// between; results track the updates.
	m := start(t, 2)
	for i, b := range []float64{3, 5, 3} {
		require.NoError(t, m.UpdateParameter(0, b, false))
		require.NoError(t, m.Submit(testJobs.first.id))
		require.NoError(t, m.Retrieve())
		require.Equal(t, []float64{b, 1 + b, 4 + b, 9 + b}, testJobs.first.out, "round %d", i)
	}
}

func TestRegisterAfterActivate(t *testing.T) {
	m := start(t, 1)
	_, err := newXsqJob(m, 0, []float64{1})
	require.Error(t, err)
	require.Equal(t, errors.Fatal, errors.Recover(err).Severity, "want fatal, got %v", err)
}

func TestRetrieveWithoutTasks(t *testing.T) {
	m := start(t, 1)
	err := m.Retrieve()
	require.Error(t, err)
	require.Equal(t, errors.Fatal, errors.Recover(err).Severity, "want fatal, got %v", err)
}

func TestTeardown(t *testing.T) {
	m := start(t, 3)
	require.NoError(t, m.Submit(testJobs.first.id))
	require.NoError(t, m.Retrieve())
	require.NoError(t, m.Terminate())
	require.Equal(t, 0, m.Fleet().Alive(), "children survived TERMINATE")
}

func TestSigtermTerminatesFleet(t *testing.T) {
	m := start(t, 2)
	require.NoError(t, m.Submit(testJobs.first.id))

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))
	// The handler is asynchronous; give it a beat to set the flag.
	deadline := time.Now().Add(5 * time.Second)
	for !m.Fleet().SigtermReceived() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.True(t, m.Fleet().SigtermReceived())

	err := m.Retrieve()
	require.Error(t, err)
	require.Equal(t, 0, m.Fleet().Alive(), "children survived SIGTERM teardown")
}
