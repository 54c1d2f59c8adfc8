// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package engine

import (
	"io"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/mpfit/messenger"
)

// queueLoop is the queue-process main routine. It suspends in poll
// until an endpoint is readable and services ready endpoints in
// priority order: the master first (control has priority over data),
// then workers in ascending id, which makes scheduling decisions
// replayable. One message is consumed per ready endpoint per round;
// endpoints with more buffered messages stay readable and are
// serviced on the next round.
//
// queueLoop returns on TERMINATE; the caller closes the endpoints
// and exits the process. Abnormal conditions (worker EOF, transport
// faults) exit the process directly with a nonzero status after
// escalating to the master by closing the master pipe.
func (m *Manager) queueLoop() {
	poller, err := m.msgr.QueuePoller()
	if err != nil {
		log.Error.Printf("queue: poller: %v", err)
		os.Exit(1)
	}
	m.f.OnSigterm(poller.Wake)
	m.idle = make([]bool, m.f.NumWorkers())
	for {
		ready, err := poller.Poll(-1)
		if err != nil {
			log.Error.Printf("queue: poll: %v", err)
			m.crash()
		}
		if m.f.SigtermReceived() {
			log.Printf("queue: SIGTERM, terminating workers")
			m.terminateWorkers()
			return
		}
		for _, r := range ready {
			if r.Index == 0 {
				if !m.serviceMaster() {
					return
				}
				continue
			}
			if !m.serviceWorker(r.Index - 1) {
				m.crash()
			}
		}
	}
}

// serviceMaster consumes one master verb. It reports false on
// TERMINATE, after forwarding it to every worker.
func (m *Manager) serviceMaster() bool {
	verb, err := m.msgr.ReceiveFromMasterOnQueue()
	if err != nil {
		// Master gone without TERMINATE: tear down the workers and
		// exit abnormally.
		log.Error.Printf("queue: lost master: %v", err)
		m.terminateWorkers()
		os.Exit(1)
	}
	switch verb {
	case messenger.M2QTerminate:
		m.terminateWorkers()
		return false
	case messenger.M2QEnqueue:
		var jt messenger.JobTask
		if err := m.msgr.ReadFromMasterOnQueue(&jt); err != nil {
			log.Error.Printf("queue: read enqueue: %v", err)
			m.crash()
		}
		m.queue.Push(jt)
		m.ntasks++
		m.dispatchIdle()
	case messenger.M2QRetrieve:
		m.serviceRetrieve()
	case messenger.M2QUpdateReal:
		var upd messenger.ParamUpdate
		if err := m.msgr.ReadFromMasterOnQueue(&upd); err != nil {
			log.Error.Printf("queue: read update: %v", err)
			m.crash()
		}
		m.applyParam(upd)
		for i := 0; i < m.f.NumWorkers(); i++ {
			if err := m.msgr.SendFromQueueToWorker(i, messenger.Q2WUpdateReal, upd); err != nil {
				log.Error.Printf("queue: forward update to worker %d: %v", i, err)
				m.crash()
			}
		}
	default:
		log.Error.Printf("queue: unexpected master verb %s", verb)
		m.crash()
	}
	return true
}

// serviceRetrieve answers one RETRIEVE: rejected if nothing was ever
// submitted this round, later while tasks are outstanding, accepted
// with each job's bundle once every task has returned. Shipping
// clears the buffers and resets the round.
func (m *Manager) serviceRetrieve() {
	switch {
	case m.ntasks == 0:
		m.replyRetrieve(messenger.Q2MRetrieveRejected)
	case m.ncompleted < m.ntasks:
		m.replyRetrieve(messenger.Q2MRetrieveLater)
	default:
		m.replyRetrieve(messenger.Q2MRetrieveAccepted, uint64(len(m.jobs)))
		for id, job := range m.jobs {
			payload, err := job.MarshalResults()
			if err != nil {
				log.Error.Printf("queue: marshal job %d results: %v", id, err)
				m.crash()
			}
			bundle := messenger.JobResults{Job: uint64(id), Payload: payload}
			if err := m.msgr.SendPayloadFromQueueToMaster(bundle); err != nil {
				log.Error.Printf("queue: ship job %d results: %v", id, err)
				m.crash()
			}
			job.ClearResults()
		}
		m.ntasks, m.ncompleted = 0, 0
	}
}

func (m *Manager) replyRetrieve(verb messenger.Q2M, payload ...interface{}) {
	if err := m.msgr.SendFromQueueToMaster(verb, payload...); err != nil {
		log.Error.Printf("queue: retrieve reply: %v", err)
		m.crash()
	}
}

// serviceWorker consumes one verb from worker id, reporting false if
// the worker's pipe is broken (a worker crash).
func (m *Manager) serviceWorker(id int) bool {
	verb, err := m.msgr.ReceiveFromWorkerOnQueue(id)
	if err == io.EOF {
		log.Error.Printf("queue: worker %d hung up", id)
		return false
	}
	if err != nil {
		log.Error.Printf("queue: receive from worker %d: %v", id, err)
		return false
	}
	switch verb {
	case messenger.W2QDequeue:
		if jt, ok := m.queue.Pop(); ok {
			if err := m.msgr.SendFromQueueToWorker(id, messenger.Q2WDequeueAccepted, jt); err != nil {
				return false
			}
			tasksDispatched.Inc()
		} else {
			if err := m.msgr.SendFromQueueToWorker(id, messenger.Q2WDequeueRejected); err != nil {
				return false
			}
			m.idle[id] = true
		}
	case messenger.W2QSendResult:
		var res messenger.TaskResult
		if err := m.msgr.ReadFromWorkerOnQueue(id, &res); err != nil {
			return false
		}
		if err := m.jobs[res.Job].UnmarshalTaskResult(res.Task, res.Payload); err != nil {
			log.Error.Printf("queue: store result %d/%d: %v", res.Job, res.Task, err)
			m.crash()
		}
		m.ncompleted++
		tasksCompleted.Inc()
		if err := m.msgr.SendFromQueueToWorker(id, messenger.Q2WResultReceived); err != nil {
			return false
		}
	default:
		log.Error.Printf("queue: unexpected worker %d verb %s", id, verb)
		m.crash()
	}
	return true
}

// dispatchIdle pushes queued tasks to workers that went idle after a
// rejected DEQUEUE, lowest id first. A worker that received pushed
// work resumes the normal dequeue cycle when it finishes.
func (m *Manager) dispatchIdle() {
	for id := range m.idle {
		if !m.idle[id] {
			continue
		}
		jt, ok := m.queue.Pop()
		if !ok {
			return
		}
		if err := m.msgr.SendFromQueueToWorker(id, messenger.Q2WDequeueAccepted, jt); err != nil {
			log.Error.Printf("queue: dispatch to worker %d: %v", id, err)
			m.crash()
		}
		m.idle[id] = false
		tasksDispatched.Inc()
	}
}

// terminateWorkers forwards TERMINATE to every worker.
func (m *Manager) terminateWorkers() {
	for i := 0; i < m.f.NumWorkers(); i++ {
		if err := m.msgr.SendFromQueueToWorker(i, messenger.Q2WTerminate); err != nil {
			log.Error.Printf("queue: terminate worker %d: %v", i, err)
		}
	}
}

// crash is the queue's abnormal exit: terminate the workers, close
// the master pipe so the master's pending receive fails fast, and
// exit nonzero. It does not return.
func (m *Manager) crash() {
	m.terminateWorkers()
	m.msgr.CloseQueueWorker()
	m.msgr.CloseMasterQueue()
	os.Exit(1)
}

func (m *Manager) applyParam(upd messenger.ParamUpdate) {
	if m.params == nil {
		return
	}
	m.params.Set(upd.Index, upd.Value)
	m.params.SetConstant(upd.Index, upd.Constant)
}

// workerLoop is the worker-process main routine: a verb-driven state
// machine around the dequeue-execute-report cycle. The worker
// suspends in poll while the queue has nothing for it; parameter
// updates apply to the local shadow before the next execute, and
// TERMINATE is a normal transition to the terminal state.
func (m *Manager) workerLoop() {
	poller, err := m.msgr.WorkerPoller()
	if err != nil {
		log.Error.Printf("worker %d: poller: %v", m.f.WorkerID(), err)
		os.Exit(1)
	}
	m.f.OnSigterm(poller.Wake)
	needDequeue := true
	for {
		if needDequeue {
			if err := m.msgr.SendFromWorkerToQueue(messenger.W2QDequeue); err != nil {
				// The queue may have forwarded TERMINATE and exited
				// while this worker was still taking its last
				// acknowledgement; a buffered TERMINATE is honored.
				if verb, rerr := m.msgr.ReceiveFromQueueOnWorker(); rerr == nil && verb == messenger.Q2WTerminate {
					return
				}
				log.Error.Printf("worker %d: dequeue send: %v", m.f.WorkerID(), err)
				os.Exit(1)
			}
			needDequeue = false
		}
		ready, err := poller.Poll(-1)
		if err != nil {
			log.Error.Printf("worker %d: poll: %v", m.f.WorkerID(), err)
			os.Exit(1)
		}
		if len(ready) == 0 {
			// Wake with nothing readable: cooperative SIGTERM check.
			if m.f.SigtermReceived() {
				return
			}
			continue
		}
		verb, err := m.msgr.ReceiveFromQueueOnWorker()
		if err != nil {
			log.Error.Printf("worker %d: lost queue: %v", m.f.WorkerID(), err)
			os.Exit(1)
		}
		switch verb {
		case messenger.Q2WTerminate:
			return
		case messenger.Q2WUpdateReal:
			var upd messenger.ParamUpdate
			if err := m.msgr.ReadFromQueueOnWorker(&upd); err != nil {
				log.Error.Printf("worker %d: read update: %v", m.f.WorkerID(), err)
				os.Exit(1)
			}
			m.applyParam(upd)
		case messenger.Q2WDequeueRejected:
			// Queue empty: stay suspended until it pushes work.
		case messenger.Q2WDequeueAccepted:
			var jt messenger.JobTask
			if err := m.msgr.ReadFromQueueOnWorker(&jt); err != nil {
				log.Error.Printf("worker %d: read task: %v", m.f.WorkerID(), err)
				os.Exit(1)
			}
			job := m.jobs[jt.Job]
			job.ExecuteTask(jt.Task)
			payload, err := job.MarshalTaskResult(jt.Task)
			if err != nil {
				log.Error.Printf("worker %d: marshal result %d/%d: %v", m.f.WorkerID(), jt.Job, jt.Task, err)
				os.Exit(1)
			}
			res := messenger.TaskResult{JobTask: jt, Payload: payload}
			if err := m.msgr.SendFromWorkerToQueue(messenger.W2QSendResult, res); err != nil {
				log.Error.Printf("worker %d: send result: %v", m.f.WorkerID(), err)
				os.Exit(1)
			}
		case messenger.Q2WResultReceived:
			needDequeue = true
		default:
			log.Error.Printf("worker %d: unexpected verb %s", m.f.WorkerID(), verb)
			os.Exit(1)
		}
	}
}
