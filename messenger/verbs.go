// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package messenger

// Control verbs are small closed sets, one type per route. Each
// typed send helper accepts only its own verb type, so a message on
// the wrong route is a compile error.

// M2Q is a control verb from the master to the queue.
type M2Q uint8

const (
	// M2QTerminate tells the queue to forward TERMINATE to every
	// worker and exit.
	M2QTerminate M2Q = iota + 1
	// M2QEnqueue is followed by a JobTask to push.
	M2QEnqueue
	// M2QRetrieve asks for all completed results.
	M2QRetrieve
	// M2QUpdateReal is followed by a ParamUpdate to broadcast to
	// every worker.
	M2QUpdateReal
)

var m2qNames = [...]string{
	M2QTerminate:  "TERMINATE",
	M2QEnqueue:    "ENQUEUE",
	M2QRetrieve:   "RETRIEVE",
	M2QUpdateReal: "UPDATE_REAL",
}

func (v M2Q) String() string { return verbName(uint8(v), m2qNames[:]) }

// Q2M is the queue's reply to a master RETRIEVE.
type Q2M uint8

const (
	// Q2MRetrieveAccepted is followed by the result bundle.
	Q2MRetrieveAccepted Q2M = iota + 1
	// Q2MRetrieveLater means tasks are still outstanding.
	Q2MRetrieveLater
	// Q2MRetrieveRejected means no tasks were submitted since the
	// last accepted retrieve; the master treats this as fatal.
	Q2MRetrieveRejected
)

var q2mNames = [...]string{
	Q2MRetrieveAccepted: "RETRIEVE_ACCEPTED",
	Q2MRetrieveLater:    "RETRIEVE_LATER",
	Q2MRetrieveRejected: "RETRIEVE_REJECTED",
}

func (v Q2M) String() string { return verbName(uint8(v), q2mNames[:]) }

// Q2W is a control verb from the queue to a worker.
type Q2W uint8

const (
	// Q2WTerminate tells the worker to close its endpoints and exit.
	Q2WTerminate Q2W = iota + 1
	// Q2WDequeueRejected answers a DEQUEUE when the queue is empty;
	// the worker then blocks until the queue pushes work.
	Q2WDequeueRejected
	// Q2WDequeueAccepted is followed by the JobTask to execute.
	Q2WDequeueAccepted
	// Q2WUpdateReal is followed by a ParamUpdate to apply to the
	// worker's parameter shadow.
	Q2WUpdateReal
	// Q2WResultReceived acknowledges a SEND_RESULT.
	Q2WResultReceived
)

var q2wNames = [...]string{
	Q2WTerminate:       "TERMINATE",
	Q2WDequeueRejected: "DEQUEUE_REJECTED",
	Q2WDequeueAccepted: "DEQUEUE_ACCEPTED",
	Q2WUpdateReal:      "UPDATE_REAL",
	Q2WResultReceived:  "RESULT_RECEIVED",
}

func (v Q2W) String() string { return verbName(uint8(v), q2wNames[:]) }

// W2Q is a control verb from a worker to the queue.
type W2Q uint8

const (
	// W2QDequeue asks for a task.
	W2QDequeue W2Q = iota + 1
	// W2QSendResult is followed by the JobTask and the serialized
	// task result.
	W2QSendResult
)

var w2qNames = [...]string{
	W2QDequeue:    "DEQUEUE",
	W2QSendResult: "SEND_RESULT",
}

func (v W2Q) String() string { return verbName(uint8(v), w2qNames[:]) }

// X2X is the ping/pong verb used only by the connection handshake.
type X2X uint8

const (
	// Ping probes a pipe direction.
	Ping X2X = iota + 1
	// Pong answers a ping.
	Pong
)

func (v X2X) String() string {
	switch v {
	case Ping:
		return "PING"
	case Pong:
		return "PONG"
	}
	return "X2X(?)"
}

func verbName(v uint8, names []string) string {
	if int(v) < len(names) && names[v] != "" {
		return names[v]
	}
	return "verb(?)"
}

// A JobTask identifies one unit of work: the job it belongs to and
// the job-defined task id.
type JobTask struct {
	Job  uint64
	Task uint64
}

// A ParamUpdate carries one parameter change from the master to
// every worker's shadow vector.
type ParamUpdate struct {
	Index    int
	Value    float64
	Constant bool
}

// A TaskResult carries one task's serialized result from a worker to
// the queue.
type TaskResult struct {
	JobTask
	Payload []byte
}

// A JobResults bundle carries one job's buffered results from the
// queue to the master during a retrieve.
type JobResults struct {
	Job     uint64
	Payload []byte
}
