// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package engine schedules mpfit jobs over a process fleet. A
// Manager owns the fleet, the messenger, and the set of registered
// jobs; exactly one Manager exists per master process for the
// lifetime of its jobs.
//
// The manager's life is linear: UNINITIALIZED until Start forks the
// fleet, ACTIVATED while jobs run, TERMINATED after teardown.
// Forking happens at most once, and only after all jobs intended for
// the first activation have registered; registering a job afterwards
// is a fatal configuration error, since the job would not exist on
// the already-running children.
package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/mpfit"
	"github.com/grailbio/mpfit/fleet"
	"github.com/grailbio/mpfit/messenger"
)

// State tracks the manager's linear lifecycle.
type State int

const (
	// Uninitialized means no fleet exists yet; jobs may register.
	Uninitialized State = iota
	// Activated means the fleet is running and jobs may submit
	// tasks.
	Activated
	// Terminated means the fleet has been torn down.
	Terminated
)

var stateNames = [...]string{
	Uninitialized: "UNINITIALIZED",
	Activated:     "ACTIVATED",
	Terminated:    "TERMINATED",
}

// String returns the state's name.
func (s State) String() string { return stateNames[s] }

// sendTimeout bounds master sends after the handshake when the
// configuration asks for non-blocking mode. A peer that does not
// drain its socket within this window is wedged, and the error is
// more useful than the hang.
const sendTimeout = 30 * time.Second

// terminateGrace bounds how long teardown waits for children to
// honor TERMINATE before killing them.
const terminateGrace = 5 * time.Second

// A Manager registers jobs, owns the fleet, and orchestrates task
// submission and retrieval. Obtain one with Start on the master;
// children are hijacked into their role loops by ChildMain and never
// see a Manager outside their setup function.
type Manager struct {
	cfg       mpfit.Config
	setupName string

	f    *fleet.Fleet
	msgr *messenger.Messenger

	jobs   []Job
	params *mpfit.Vector
	state  State

	// Queue-process scheduling state.
	queue      taskQueue
	ntasks     int
	ncompleted int
	idle       []bool

	// Master-side status display.
	status *status.Status
	group  *status.Group
	open   map[uint64]*status.Task
}

func newManager(cfg mpfit.Config, setupName string) *Manager {
	m := &Manager{cfg: cfg, setupName: setupName, open: make(map[uint64]*status.Task)}
	m.status = new(status.Status)
	m.group = m.status.Group("engine")
	return m
}

// Config returns the manager's configuration.
func (m *Manager) Config() mpfit.Config { return m.cfg }

// State returns the manager's lifecycle state.
func (m *Manager) State() State { return m.state }

// Status returns the master's status object for display embedding.
func (m *Manager) Status() *status.Status { return m.status }

// NumWorkers returns the fleet's worker count.
func (m *Manager) NumWorkers() int { return m.cfg.Workers }

// IsMaster reports whether this process is the master. Before
// activation the answer comes from the environment, so that setup
// code can branch on role if it must.
func (m *Manager) IsMaster() bool {
	if m.f != nil {
		return m.f.IsMaster()
	}
	return os.Getenv(fleet.EnvRole) == ""
}

// IsWorker reports whether this process is a worker.
func (m *Manager) IsWorker() bool { return m.f != nil && m.f.IsWorker() }

// WorkerID returns this process's worker id, or -1 off-worker.
func (m *Manager) WorkerID() int {
	if m.f == nil {
		return -1
	}
	return m.f.WorkerID()
}

// BindParams attaches the fleet's parameter vector. Every process
// constructs the vector in its setup; the master's copy is
// authoritative and shadows are synced through parameter-update
// broadcasts. BindParams must be called before any job registers.
func (m *Manager) BindParams(v *mpfit.Vector) {
	if len(m.jobs) > 0 {
		panic("engine: BindParams after job registration")
	}
	m.params = v
}

// Params returns the process-local parameter vector.
func (m *Manager) Params() *mpfit.Vector { return m.params }

// Register adds a job and returns its id. Ids are assigned
// monotonically in registration order, which is why setup code must
// register jobs in deterministic order: the ids route tasks and
// results across the fleet. Registering after activation is a fatal
// configuration error.
func (m *Manager) Register(job Job) (uint64, error) {
	if m.state != Uninitialized {
		return 0, errors.E(errors.Fatal,
			"engine: job registered after activation; forking has already taken place")
	}
	if m.params != nil {
		m.params.Freeze()
	}
	m.jobs = append(m.jobs, job)
	return uint64(len(m.jobs) - 1), nil
}

// Job returns the job registered under id.
func (m *Manager) Job(id uint64) Job { return m.jobs[id] }

// activate forks the fleet (on the master), establishes the
// messenger topology, and dispatches to the role loop. On the master
// it returns once the handshake has passed; on the queue and on
// workers it runs the role loop and never returns: those processes
// exit through os.Exit immediately after closing their endpoints, so
// that no master-owned state is torn down on a child.
func (m *Manager) activate(ctx context.Context) error {
	if m.state != Uninitialized {
		return errors.E(errors.Fatal, fmt.Sprintf("engine: activate in state %s", m.state))
	}
	child, isChild, err := fleet.FromEnv()
	if err != nil {
		return err
	}
	if isChild {
		m.f = child
	} else {
		config, err := m.cfg.MarshalString()
		if err != nil {
			return errors.E(errors.Fatal, "engine: marshal config", err)
		}
		if m.f, err = fleet.New(m.cfg.Workers, m.setupName, config); err != nil {
			return err
		}
	}
	if m.msgr, err = messenger.New(ctx, m.f); err != nil {
		if m.f.IsMaster() {
			m.f.Kill()
		}
		return err
	}
	var st time.Duration
	if m.cfg.SendNonblocking && m.f.IsMaster() {
		st = sendTimeout
	}
	if err := m.msgr.TestConnections(st); err != nil {
		if m.f.IsMaster() {
			m.f.Kill()
		}
		return err
	}
	m.state = Activated
	switch m.f.Role() {
	case fleet.Master:
		m.group.Printf("fleet up: %d workers", m.f.NumWorkers())
		return nil
	case fleet.Queue:
		m.queueLoop()
		m.msgr.CloseQueueWorker()
		m.msgr.CloseMasterQueue()
		os.Exit(0)
	case fleet.Worker:
		m.workerLoop()
		m.msgr.CloseQueueWorker()
		os.Exit(0)
	}
	panic("engine: unreachable")
}

// SubmitTasks enqueues a job's tasks, in the job's canonical order,
// onto the queue process.
func (m *Manager) SubmitTasks(jobID uint64, tasks []uint64) error {
	if m.state != Activated {
		return errors.E(errors.Fatal, fmt.Sprintf("engine: submit in state %s", m.state))
	}
	for _, task := range tasks {
		err := m.msgr.SendFromMasterToQueue(messenger.M2QEnqueue, messenger.JobTask{Job: jobID, Task: task})
		if err != nil {
			return errors.E(errors.Fatal, "engine: enqueue", err)
		}
		tasksEnqueued.Inc()
	}
	m.open[jobID] = m.group.Startf("job(%d): %d tasks", jobID, len(tasks))
	return nil
}

// Submit enqueues all tasks of the registered job id.
func (m *Manager) Submit(jobID uint64) error {
	return m.SubmitTasks(jobID, m.jobs[jobID].Partition())
}

// Retrieve runs the master-side retrieve handshake until the queue
// ships all results, then dispatches each job's bundle to the job.
// The master spins on RETRIEVE_LATER; RETRIEVE_REJECTED means no
// tasks were submitted and is a protocol bug, hence fatal. A
// transport failure here usually means a child died; that, too, is
// fatal: there is no task re-execution.
func (m *Manager) Retrieve() error {
	if m.state != Activated {
		return errors.E(errors.Fatal, fmt.Sprintf("engine: retrieve in state %s", m.state))
	}
	begin := time.Now()
	for {
		if m.f.SigtermReceived() {
			m.Terminate()
			return errors.E(errors.Fatal, "engine: SIGTERM received during retrieve")
		}
		if err := m.msgr.SendFromMasterToQueue(messenger.M2QRetrieve); err != nil {
			return errors.E(errors.Fatal, "engine: retrieve send", err)
		}
		verb, err := m.msgr.ReceiveFromQueueOnMaster()
		if err != nil {
			return errors.E(errors.Fatal, "engine: fleet failed during retrieve", err)
		}
		switch verb {
		case Q2MLater:
			continue
		case Q2MAccepted:
			var njobs uint64
			if err := m.msgr.ReadFromQueueOnMaster(&njobs); err != nil {
				return errors.E(errors.Fatal, "engine: retrieve read", err)
			}
			for i := uint64(0); i < njobs; i++ {
				var bundle messenger.JobResults
				if err := m.msgr.ReadFromQueueOnMaster(&bundle); err != nil {
					return errors.E(errors.Fatal, "engine: retrieve read", err)
				}
				if err := m.jobs[bundle.Job].UnmarshalResults(bundle.Payload); err != nil {
					return errors.E(errors.Fatal, fmt.Sprintf("engine: job %d results", bundle.Job), err)
				}
			}
			retrieves.Inc()
			retrieveLatency.Observe(time.Since(begin).Seconds())
			for id, task := range m.open {
				task.Done()
				delete(m.open, id)
			}
			return nil
		case Q2MRejected:
			return errors.E(errors.Fatal,
				"engine: RETRIEVE rejected: no tasks were submitted")
		default:
			return errors.E(errors.Fatal, fmt.Sprintf("engine: unexpected verb %s during retrieve", verb))
		}
	}
}

// SyncParams diffs x against the master's parameter vector and
// broadcasts one update per changed index, returning whether
// anything changed. Updates are serialized through the queue loop,
// so every broadcast completes before the next task is dispatched.
func (m *Manager) SyncParams(x []float64) (bool, error) {
	var changed bool
	for i := range x {
		if !m.params.Set(i, x[i]) {
			continue
		}
		changed = true
		if err := m.broadcastParam(i); err != nil {
			return changed, err
		}
	}
	return changed, nil
}

// UpdateParameter sets one parameter's value and constness on the
// master and broadcasts the change to every worker's shadow.
func (m *Manager) UpdateParameter(i int, value float64, constant bool) error {
	m.params.Set(i, value)
	m.params.SetConstant(i, constant)
	return m.broadcastParam(i)
}

func (m *Manager) broadcastParam(i int) error {
	if m.state != Activated {
		return nil // pre-activation mutation; shadows sync at first evaluate
	}
	upd := messenger.ParamUpdate{
		Index:    i,
		Value:    m.params.Get(i),
		Constant: m.params.Settings(i).Constant,
	}
	if err := m.msgr.SendFromMasterToQueue(messenger.M2QUpdateReal, upd); err != nil {
		return errors.E(errors.Fatal, "engine: parameter update", err)
	}
	paramUpdates.Inc()
	return nil
}

// Terminate tears the fleet down: TERMINATE goes down the
// master-queue pipe, the queue forwards it to every worker, and all
// children exit. Terminate then reaps the children within a bounded
// grace period. After Terminate no worker process remains.
func (m *Manager) Terminate() error {
	if m.state != Activated || !m.f.IsMaster() {
		return nil
	}
	m.state = Terminated
	err := m.msgr.SendFromMasterToQueue(messenger.M2QTerminate)
	m.msgr.CloseMasterQueue()
	if werr := m.f.Wait(terminateGrace); err == nil {
		err = werr
	}
	m.group.Printf("fleet terminated")
	if err != nil {
		log.Error.Printf("engine: terminate: %v", err)
	}
	return err
}

// Fleet returns the manager's fleet. It is nil before activation.
func (m *Manager) Fleet() *fleet.Fleet { return m.f }

// Verb aliases keep the switch in Retrieve readable.
const (
	Q2MAccepted = messenger.Q2MRetrieveAccepted
	Q2MLater    = messenger.Q2MRetrieveLater
	Q2MRejected = messenger.Q2MRetrieveRejected
)
