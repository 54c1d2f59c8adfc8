// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package engine

// A Job is a parallelizable computation registered with a Manager.
// Jobs exist on every process of the fleet: the same setup code runs
// on master, queue, and workers, so a job's state is replicated and
// its id is identical everywhere.
//
// The scheduler treats task ids as opaque; their meaning is defined
// by the owning job (an event-range index for likelihood jobs, a
// parameter index for gradient jobs).
type Job interface {
	// Partition yields the job's task ids in canonical order, once
	// per submission. Tasks are enqueued in the order yielded, and
	// the canonical order also fixes the master-side reduction, which
	// is what makes parallel reductions bit-identical to serial ones.
	Partition() []uint64

	// ExecuteTask runs one task on a worker against the local
	// parameter shadow and buffers the result locally. It must be
	// deterministic given the shadow.
	ExecuteTask(taskID uint64)

	// MarshalTaskResult serializes one locally buffered task result
	// for shipment from worker to queue.
	MarshalTaskResult(taskID uint64) ([]byte, error)

	// UnmarshalTaskResult stores a task result received from a
	// worker into the queue-side buffer.
	UnmarshalTaskResult(taskID uint64, p []byte) error

	// MarshalResults serializes all buffered results for shipment
	// from queue to master during a retrieve.
	MarshalResults() ([]byte, error)

	// UnmarshalResults receives the queue's bundle on the master and
	// folds it, in the job's canonical order, into the job's answer.
	UnmarshalResults(p []byte) error

	// ClearResults empties the queue-side buffer after a retrieve
	// has shipped it.
	ClearResults()
}
