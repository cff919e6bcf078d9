// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opennode/waldur-openstack-sub000/internal/backenderr"
	"github.com/opennode/waldur-openstack-sub000/internal/monitoring"
)

type Monitor struct {
	// Duration of whole operations by name.
	runTimer *prometheus.HistogramVec
	// Failures by operation and error kind.
	runErrors *prometheus.CounterVec
}

func NewTaskMonitor(registry *monitoring.Registry) Monitor {
	runTimer := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orchestrator_operation_duration_seconds",
		Help:    "Duration of orchestration operations.",
		Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
	}, []string{"operation"})
	runErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_operation_errors_total",
		Help: "Failed orchestration operations by error kind.",
	}, []string{"operation", "kind"})
	registry.MustRegister(runTimer, runErrors)
	return Monitor{runTimer: runTimer, runErrors: runErrors}
}

func (m Monitor) started(op string) func() {
	if m.runTimer == nil {
		return func() {}
	}
	timer := prometheus.NewTimer(m.runTimer.WithLabelValues(op))
	return func() { timer.ObserveDuration() }
}

func (m Monitor) failed(op string, kind backenderr.Kind) {
	if m.runErrors == nil {
		return
	}
	m.runErrors.WithLabelValues(op, string(kind)).Inc()
}
