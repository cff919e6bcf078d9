// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package recon

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opennode/waldur-openstack-sub000/internal/monitoring"
)

type Monitor struct {
	// Duration of reconciliation rounds by category.
	roundTimer *prometheus.HistogramVec
	// Rounds that changed the local inventory, by category.
	roundChanges *prometheus.CounterVec
	// Failed rounds by category.
	roundErrors *prometheus.CounterVec
}

func NewReconMonitor(registry *monitoring.Registry) Monitor {
	roundTimer := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orchestrator_recon_duration_seconds",
		Help:    "Duration of reconciliation rounds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"category"})
	roundChanges := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_recon_changes_total",
		Help: "Reconciliation rounds that changed the local inventory.",
	}, []string{"category"})
	roundErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_recon_errors_total",
		Help: "Failed reconciliation rounds.",
	}, []string{"category"})
	registry.MustRegister(roundTimer, roundChanges, roundErrors)
	return Monitor{
		roundTimer:   roundTimer,
		roundChanges: roundChanges,
		roundErrors:  roundErrors,
	}
}

func (m Monitor) started(category string) func() {
	if m.roundTimer == nil {
		return func() {}
	}
	timer := prometheus.NewTimer(m.roundTimer.WithLabelValues(category))
	return func() { timer.ObserveDuration() }
}

func (m Monitor) changed(category string) {
	if m.roundChanges == nil {
		return
	}
	m.roundChanges.WithLabelValues(category).Inc()
}

func (m Monitor) failed(category string) {
	if m.roundErrors == nil {
		return
	}
	m.roundErrors.WithLabelValues(category).Inc()
}
