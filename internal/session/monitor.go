// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opennode/waldur-openstack-sub000/internal/monitoring"
)

type Monitor struct {
	// Observes which cache tier served each session lookup.
	lookups *prometheus.CounterVec
}

func NewSessionMonitor(registry *monitoring.Registry) Monitor {
	lookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_session_lookups_total",
		Help: "Session cache lookups by the tier that served them.",
	}, []string{"tier"})
	registry.MustRegister(lookups)
	return Monitor{lookups: lookups}
}

func (m Monitor) hit(tier string) {
	if m.lookups == nil {
		return
	}
	m.lookups.WithLabelValues(tier).Inc()
}
