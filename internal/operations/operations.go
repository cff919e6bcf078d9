// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

// Package operations is the trigger boundary of the orchestrator. Each
// operation validates its preconditions, persists the scheduled rows,
// and then runs a task graph against the cloud backend on its own
// goroutine. The continuations settle the rows afterwards: success
// moves them to OK, failure either rolls back rows that never reached
// the backend or marks the rest as erred.
package operations

import (
	"context"
	"fmt"
	"time"

	"github.com/opennode/waldur-openstack-sub000/internal/backend"
	"github.com/opennode/waldur-openstack-sub000/internal/conf"
	"github.com/opennode/waldur-openstack-sub000/internal/models"
	"github.com/opennode/waldur-openstack-sub000/internal/mqtt"
	"github.com/opennode/waldur-openstack-sub000/internal/recon"
	"github.com/opennode/waldur-openstack-sub000/internal/store"
	"github.com/opennode/waldur-openstack-sub000/internal/tasks"
)

type Service struct {
	// Local inventory.
	Store *store.Store
	// Runs the operation graphs.
	Exec *tasks.Executor
	// Poll budgets per resource kind.
	Polls conf.PollConfig
	// MQTT client to publish completion triggers.
	MqttClient mqtt.Client
	// Builds the backend adapter for a tenant. Swapped for a mock in
	// tests.
	NewBackend func(tenant *models.Tenant) backend.TenantBackend
	// Backend adapter with admin scope, for tenant management.
	AdminBackend backend.TenantBackend
	// Reconciler used to pull remote state right after a tenant is
	// provisioned. Optional; the periodic loop covers it otherwise.
	Recon *recon.Reconciler
}

// Settle a resource after its operation failed. Rows that never made
// it to the backend are deleted locally, which also rolls back their
// quota usage; rows with a backend counterpart are kept and marked
// erred so an operator can decide.
func (s *Service) markFailed(tenantID string, r models.Resource, cause error) error {
	meta := r.Meta()
	if meta.BackendID == "" {
		return s.Store.DeleteResource(tenantID, r)
	}
	meta.SetErred(cause.Error())
	return s.Store.Update(r)
}

// Fetch the tenant a resource belongs to, for operations keyed by the
// resource alone.
func (s *Service) tenant(tenantID string) (*models.Tenant, error) {
	tenant, err := store.Get[models.Tenant](s.Store, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, fmt.Errorf("tenant %q is not tracked", tenantID)
	}
	return tenant, nil
}

// Put a fresh row into the scheduled state before it is persisted.
// Scheduling is not a transition: the row has no prior state.
func scheduleCreation(meta *models.ResourceMeta) {
	meta.State = models.StateCreationScheduled
	meta.StateChangedAt = time.Now().Unix()
}

// A step that persists the given rows.
func (s *Service) update(objs ...any) tasks.Step {
	return func(context.Context) error {
		return s.Store.Update(objs...)
	}
}

// Publish a completion trigger on its own goroutine, the same way the
// reconciler announces changes.
func (s *Service) publish(topic, payload string) {
	go s.MqttClient.Publish(topic, payload)
}
