// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package engine

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Scheduler metrics. Counters are updated on the process where the
// event occurs: dispatch/completion/depth on the queue process,
// enqueue/retrieve/parameter updates on the master. Each process
// exposes its own view.
var (
	tasksEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mpfit",
		Subsystem: "engine",
		Name:      "tasks_enqueued_total",
		Help:      "Tasks pushed onto the queue by the master.",
	})
	tasksDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mpfit",
		Subsystem: "engine",
		Name:      "tasks_dispatched_total",
		Help:      "Tasks handed to workers.",
	})
	tasksCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mpfit",
		Subsystem: "engine",
		Name:      "tasks_completed_total",
		Help:      "Task results received from workers.",
	})
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mpfit",
		Subsystem: "engine",
		Name:      "queue_depth",
		Help:      "Tasks currently waiting in the queue.",
	})
	retrieves = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mpfit",
		Subsystem: "engine",
		Name:      "retrieves_total",
		Help:      "Completed master retrieve handshakes.",
	})
	retrieveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mpfit",
		Subsystem: "engine",
		Name:      "retrieve_seconds",
		Help:      "Wall time of the master retrieve handshake.",
		Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 12),
	})
	paramUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mpfit",
		Subsystem: "engine",
		Name:      "param_updates_total",
		Help:      "Parameter updates broadcast to workers.",
	})
)

// HandleDebug adds the engine's metrics handler to the provided mux.
func HandleDebug(mux *http.ServeMux) {
	mux.Handle("/debug/metrics", promhttp.Handler())
}
