// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package likelihood

import "github.com/grailbio/mpfit"

// numTasks returns the task count for a strategy over nevents events
// with nworkers workers: W tasks for bulk and interleaved, one per
// event otherwise.
func numTasks(strategy mpfit.Strategy, nevents uint64, nworkers int) uint64 {
	if strategy == mpfit.PerEvent {
		return nevents
	}
	return uint64(nworkers)
}

// taskEvents calls fn for each event index of the given task, in
// ascending order. The mapping is a pure function of (strategy,
// ntasks, nevents), never of runtime scheduling; this is what pins
// the canonical reduction order to the partition strategy.
func taskEvents(strategy mpfit.Strategy, ntasks, task, nevents uint64, fn func(i uint64)) {
	switch strategy {
	case mpfit.Bulk:
		per := (nevents + ntasks - 1) / ntasks
		lo, hi := task*per, (task+1)*per
		if hi > nevents {
			hi = nevents
		}
		for i := lo; i < hi && i < nevents; i++ {
			fn(i)
		}
	case mpfit.Interleaved:
		for i := task; i < nevents; i += ntasks {
			fn(i)
		}
	case mpfit.PerEvent:
		if task < nevents {
			fn(task)
		}
	}
}
