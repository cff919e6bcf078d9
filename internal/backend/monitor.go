// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opennode/waldur-openstack-sub000/internal/backenderr"
	"github.com/opennode/waldur-openstack-sub000/internal/monitoring"
)

type Monitor struct {
	// Duration of backend calls by operation.
	requestTimer *prometheus.HistogramVec
	// Failed backend calls by operation and error kind.
	requestErrors *prometheus.CounterVec
}

func NewBackendMonitor(registry *monitoring.Registry) Monitor {
	requestTimer := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orchestrator_backend_request_duration_seconds",
		Help:    "Duration of cloud backend requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
	requestErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_backend_request_errors_total",
		Help: "Failed cloud backend requests by error kind.",
	}, []string{"operation", "kind"})
	registry.MustRegister(requestTimer, requestErrors)
	return Monitor{requestTimer: requestTimer, requestErrors: requestErrors}
}

func (m Monitor) observe(op string) func() {
	if m.requestTimer == nil {
		return func() {}
	}
	timer := prometheus.NewTimer(m.requestTimer.WithLabelValues(op))
	return func() { timer.ObserveDuration() }
}

func (m Monitor) failed(op string, kind backenderr.Kind) {
	if m.requestErrors == nil {
		return
	}
	m.requestErrors.WithLabelValues(op, string(kind)).Inc()
}
