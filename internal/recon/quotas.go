// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package recon

import (
	"context"

	"github.com/opennode/waldur-openstack-sub000/internal/backend"
	"github.com/opennode/waldur-openstack-sub000/internal/models"
)

// Quotas overwrites the local quota rows with the values the backend
// reports. The backend is authoritative for both limits and usages;
// local bookkeeping between two rounds only keeps the values fresh.
func (r *Reconciler) Quotas(ctx context.Context, be backend.TenantBackend, tenant *models.Tenant) (bool, error) {
	values, err := be.PullQuotas(ctx)
	if err != nil {
		return false, err
	}
	changed := false
	for name, value := range values {
		current, err := r.Store.Quota(tenant.ID, name)
		if err != nil {
			return changed, err
		}
		if current.Limit == value.Limit && current.Usage == value.Usage {
			continue
		}
		if err := r.Store.SetQuotaLimit(tenant.ID, name, value.Limit); err != nil {
			return changed, err
		}
		if err := r.Store.SetQuotaUsage(tenant.ID, name, value.Usage); err != nil {
			return changed, err
		}
		changed = true
	}
	return changed, nil
}
