// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package engine

import "github.com/grailbio/mpfit/messenger"

// A taskQueue is the FIFO of (job, task) pairs resident on the queue
// process. The queue process is single-threaded, so no locking is
// needed.
type taskQueue struct {
	tasks []messenger.JobTask
}

// Push appends a task from the master.
func (q *taskQueue) Push(jt messenger.JobTask) {
	q.tasks = append(q.tasks, jt)
	queueDepth.Set(float64(len(q.tasks)))
}

// Pop removes and returns the oldest task, reporting false when the
// queue is empty.
func (q *taskQueue) Pop() (messenger.JobTask, bool) {
	if len(q.tasks) == 0 {
		return messenger.JobTask{}, false
	}
	jt := q.tasks[0]
	q.tasks = q.tasks[1:]
	queueDepth.Set(float64(len(q.tasks)))
	return jt, true
}

// Size returns the number of queued tasks.
func (q *taskQueue) Size() int { return len(q.tasks) }
