// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opennode/waldur-openstack-sub000/internal/monitoring"
)

type Monitor struct {
	connectionAttempts prometheus.Counter
}

func NewDBMonitor(registry *monitoring.Registry) Monitor {
	connectionAttempts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_db_connection_attempts_total",
		Help: "Total number of attempts to connect to the database",
	})
	registry.MustRegister(connectionAttempts)
	return Monitor{
		connectionAttempts: connectionAttempts,
	}
}

func (m Monitor) connectionAttempted() {
	if m.connectionAttempts == nil {
		return
	}
	m.connectionAttempts.Inc()
}
