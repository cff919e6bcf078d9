// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

// Package recon diffs the local inventory against what the cloud
// backend actually holds and converges the local side: objects created
// out of band are adopted, locally tracked objects that vanished are
// dropped, and divergent fields are overwritten with the backend
// values.
package recon

import (
	"context"
	"errors"
	"log/slog"

	"github.com/opennode/waldur-openstack-sub000/internal/backend"
	"github.com/opennode/waldur-openstack-sub000/internal/db"
	"github.com/opennode/waldur-openstack-sub000/internal/models"
	"github.com/opennode/waldur-openstack-sub000/internal/mqtt"
	"github.com/opennode/waldur-openstack-sub000/internal/store"
)

// Reconciler converges the local inventory for one tenant at a time.
type Reconciler struct {
	// Local inventory to converge.
	Store *store.Store
	// Monitor to track reconciliation rounds.
	Mon Monitor
	// MQTT client to publish triggers when something changed.
	MqttClient mqtt.Client
	// Builds the backend adapter for a tenant. Swapped for a mock in
	// tests.
	NewBackend func(tenant *models.Tenant) backend.TenantBackend
}

// Tenant runs all reconciliation categories for one tenant. Categories
// are independent; a failing one does not stop the others.
func (r *Reconciler) Tenant(ctx context.Context, tenant *models.Tenant) error {
	be := r.NewBackend(tenant)

	type category struct {
		name    string
		trigger string
		run     func(context.Context, backend.TenantBackend, *models.Tenant) (bool, error)
	}
	categories := []category{
		{"security_groups", TriggerSecurityGroupsReconciled, r.SecurityGroups},
		{"floating_ips", TriggerFloatingIPsReconciled, r.FloatingIPs},
		{"quotas", TriggerQuotasReconciled, r.Quotas},
	}

	var errs []error
	for _, c := range categories {
		timer := r.Mon.started(c.name)
		changed, err := c.run(ctx, be, tenant)
		timer()
		if err != nil {
			slog.Error("reconciliation failed",
				"category", c.name, "tenant", tenant.ID, "error", err)
			r.Mon.failed(c.name)
			errs = append(errs, err)
			continue
		}
		if changed {
			r.Mon.changed(c.name)
			go r.MqttClient.Publish(c.trigger, tenant.ID)
		}
	}
	return errors.Join(errs...)
}

// Catalog refreshes the shared flavor and image tables from the
// backend, replacing them wholesale.
func (r *Reconciler) Catalog(ctx context.Context, be backend.TenantBackend) error {
	timer := r.Mon.started("catalog")
	defer timer()

	flavors, err := be.PullFlavors(ctx)
	if err != nil {
		r.Mon.failed("catalog")
		return err
	}
	if err := db.ReplaceAll(r.Store.DB, flavors...); err != nil {
		return err
	}
	images, err := be.PullImages(ctx)
	if err != nil {
		r.Mon.failed("catalog")
		return err
	}
	if err := db.ReplaceAll(r.Store.DB, images...); err != nil {
		return err
	}
	go r.MqttClient.Publish(TriggerCatalogReconciled, "")
	return nil
}
