// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package fleet spawns and tracks the processes of an mpfit fleet:
// the master (the calling process), one queue process, and W worker
// processes. Go cannot fork without exec, so children are
// re-executions of the current binary with their role encoded in the
// environment; the engine package arranges for children to run the
// same setup code as the master and then hijacks them into their
// role loop.
//
// Teardown is asymmetric. The master owns the fleet: it broadcasts
// termination through the messenger, reaps the children, and removes
// the rendezvous directory. Children exit through os.Exit immediately
// after closing their endpoints; no deferred cleanup runs on a
// child's exit path, since a child shares no OS resources with the
// master beyond its own endpoints.
package fleet

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/spaolacci/murmur3"
)

// Role identifies a fleet process.
type Role int

const (
	// Master is the driver process: it registers jobs, submits tasks,
	// and retrieves results.
	Master Role = iota
	// Queue is the scheduler process: it buffers tasks from the
	// master and dispatches them to idle workers.
	Queue
	// Worker processes execute tasks.
	Worker
)

var roles = [...]string{
	Master: "master",
	Queue:  "queue",
	Worker: "worker",
}

// String returns the role's name.
func (r Role) String() string { return roles[r] }

// Environment keys used to pass fleet identity to children.
const (
	EnvRole     = "MPFIT_ROLE"
	EnvWorkerID = "MPFIT_WORKER_ID"
	EnvWorkers  = "MPFIT_WORKERS"
	EnvDir      = "MPFIT_DIR"
	EnvSetup    = "MPFIT_SETUP"
	EnvConfig   = "MPFIT_CONFIG"
)

// A Fleet describes this process's place in a running fleet and, on
// the master, owns the child processes.
type Fleet struct {
	role     Role
	workerID int
	workers  int
	dir      string

	procs   []*exec.Cmd // master only: queue, then workers ascending
	sigterm uint32
	wakes   []func()
}

// MasterQueueSocket returns the rendezvous path for the master-queue
// channel.
func (f *Fleet) MasterQueueSocket() string { return filepath.Join(f.dir, "mq.sock") }

// QueueWorkerSocket returns the rendezvous path for the channel
// between the queue and worker i.
func (f *Fleet) QueueWorkerSocket(i int) string {
	return filepath.Join(f.dir, fmt.Sprintf("qw_%d.sock", i))
}

// FromEnv reconstructs fleet identity on a child process. It reports
// false when the environment carries no role, i.e. on the master.
func FromEnv() (*Fleet, bool, error) {
	role := os.Getenv(EnvRole)
	if role == "" {
		return nil, false, nil
	}
	f := &Fleet{dir: os.Getenv(EnvDir)}
	var err error
	if f.workers, err = strconv.Atoi(os.Getenv(EnvWorkers)); err != nil {
		return nil, true, errors.E(errors.Fatal, "fleet: bad "+EnvWorkers, err)
	}
	switch role {
	case "queue":
		f.role = Queue
		f.workerID = -1
	case "worker":
		f.role = Worker
		if f.workerID, err = strconv.Atoi(os.Getenv(EnvWorkerID)); err != nil {
			return nil, true, errors.E(errors.Fatal, "fleet: bad "+EnvWorkerID, err)
		}
	default:
		return nil, true, errors.E(errors.Fatal, fmt.Sprintf("fleet: unknown role %q", role))
	}
	f.notifySigterm()
	return f, true, nil
}

// New spawns a fleet of one queue process and workers worker
// processes, re-executing the current binary. The setup name and the
// serialized configuration are passed through to the children so
// that engine.ChildMain can rebuild the same jobs there. New is
// called on the master only; children reconstruct their identity
// with FromEnv.
func New(workers int, setup, config string) (*Fleet, error) {
	if workers <= 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("fleet: %d workers", workers))
	}
	id := uuid.New().String()
	dir, err := os.MkdirTemp("", fmt.Sprintf("mpfit-%08x-", murmur3.Sum32([]byte(id))))
	if err != nil {
		return nil, errors.E(errors.Fatal, "fleet: rendezvous dir", err)
	}
	f := &Fleet{
		role:     Master,
		workerID: -1,
		workers:  workers,
		dir:      dir,
	}
	f.notifySigterm()

	spawn := func(role string, workerID int) (*exec.Cmd, error) {
		cmd := exec.Command(os.Args[0])
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = append(os.Environ(),
			EnvRole+"="+role,
			EnvWorkerID+"="+strconv.Itoa(workerID),
			EnvWorkers+"="+strconv.Itoa(workers),
			EnvDir+"="+dir,
			EnvSetup+"="+setup,
			EnvConfig+"="+config,
		)
		if err := cmd.Start(); err != nil {
			return nil, errors.E(errors.Fatal, fmt.Sprintf("fleet: spawn %s", role), err)
		}
		return cmd, nil
	}
	// procs holds the queue at slot 0 and workers ascending after
	// it; Wait relies on this order. Spawns proceed concurrently.
	f.procs = make([]*exec.Cmd, 1+workers)
	var g errgroup.Group
	g.Go(func() error {
		cmd, err := spawn("queue", -1)
		f.procs[0] = cmd
		return err
	})
	for i := 0; i < workers; i++ {
		i := i
		g.Go(func() error {
			cmd, err := spawn("worker", i)
			f.procs[1+i] = cmd
			return err
		})
	}
	if err := g.Wait(); err != nil {
		f.Kill()
		f.cleanup()
		return nil, err
	}
	log.Debug.Printf("fleet: spawned queue + %d workers, rendezvous %s", workers, dir)
	return f, nil
}

// Role returns this process's role.
func (f *Fleet) Role() Role { return f.role }

// IsMaster tells whether this process is the master.
func (f *Fleet) IsMaster() bool { return f.role == Master }

// IsQueue tells whether this process is the queue.
func (f *Fleet) IsQueue() bool { return f.role == Queue }

// IsWorker tells whether this process is a worker.
func (f *Fleet) IsWorker() bool { return f.role == Worker }

// WorkerID returns the worker index in [0, NumWorkers) on workers and
// -1 elsewhere.
func (f *Fleet) WorkerID() int { return f.workerID }

// NumWorkers returns W.
func (f *Fleet) NumWorkers() int { return f.workers }

// Dir returns the fleet's rendezvous directory.
func (f *Fleet) Dir() string { return f.dir }

func (f *Fleet) notifySigterm() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGTERM)
	go func() {
		for range c {
			atomic.StoreUint32(&f.sigterm, 1)
			for _, wake := range f.wakes {
				wake()
			}
		}
	}()
}

// SigtermReceived reports whether a SIGTERM has been observed.
// Termination is cooperative: loops check this flag at every poll
// wake-up.
func (f *Fleet) SigtermReceived() bool {
	return atomic.LoadUint32(&f.sigterm) == 1
}

// OnSigterm registers a wake function invoked from the signal
// handler, typically a Poller.Wake. Registration must happen before
// the role loop starts.
func (f *Fleet) OnSigterm(wake func()) {
	f.wakes = append(f.wakes, wake)
}

// Wait reaps all children, giving them together up to grace to exit
// after a TERMINATE broadcast, then killing stragglers. It returns
// an error if any child had to be killed or exited nonzero.
func (f *Fleet) Wait(grace time.Duration) error {
	if f.role != Master {
		return nil
	}
	var firstErr error
	deadline := time.Now().Add(grace)
	for _, cmd := range f.procs {
		if cmd == nil {
			continue
		}
		cmd := cmd
		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		select {
		case err := <-done:
			if err != nil && firstErr == nil {
				firstErr = errors.E(fmt.Sprintf("fleet: %s exited", cmd.Path), err)
			}
		case <-time.After(remaining):
			log.Error.Printf("fleet: killing pid %d after %s grace", cmd.Process.Pid, grace)
			cmd.Process.Kill()
			<-done
			if firstErr == nil {
				firstErr = errors.E(errors.Fatal, fmt.Sprintf("fleet: pid %d did not honor TERMINATE", cmd.Process.Pid))
			}
		}
	}
	f.cleanup()
	f.procs = nil
	return firstErr
}

// Kill forcibly terminates all children. It is the error path; the
// orderly path is a TERMINATE broadcast followed by Wait.
func (f *Fleet) Kill() {
	for _, cmd := range f.procs {
		if cmd != nil && cmd.Process != nil {
			cmd.Process.Kill()
			cmd.Wait()
		}
	}
	f.procs = nil
}

// Alive reports how many children are still running. It is used by
// teardown tests.
func (f *Fleet) Alive() int {
	var n int
	for _, cmd := range f.procs {
		if cmd == nil || cmd.Process == nil {
			continue
		}
		if cmd.ProcessState == nil && cmd.Process.Signal(syscall.Signal(0)) == nil {
			n++
		}
	}
	return n
}

func (f *Fleet) cleanup() {
	if f.role == Master && f.dir != "" {
		os.RemoveAll(f.dir)
	}
}
