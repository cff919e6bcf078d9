// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package recon

import (
	"context"

	"github.com/go-gorp/gorp"
	"github.com/google/uuid"

	"github.com/opennode/waldur-openstack-sub000/internal/backend"
	"github.com/opennode/waldur-openstack-sub000/internal/db"
	"github.com/opennode/waldur-openstack-sub000/internal/models"
	"github.com/opennode/waldur-openstack-sub000/internal/store"
)

// FloatingIPs converges the tenant's floating IPs against the backend.
// IPs allocated out of band are adopted and vanished ones dropped. An
// IP booked locally for an instance that is still provisioning is not
// demoted when the backend still reports it as DOWN: the backend has
// no notion of a booking, so DOWN is exactly what a booked IP looks
// like from its side. Quota usage moves together with the status, once
// per crossing of the DOWN boundary.
func (r *Reconciler) FloatingIPs(ctx context.Context, be backend.TenantBackend, tenant *models.Tenant) (bool, error) {
	remote, err := be.ListFloatingIPs(ctx)
	if err != nil {
		return false, err
	}
	local, err := r.Store.TenantFloatingIPs(tenant.ID)
	if err != nil {
		return false, err
	}
	localByBackendID := make(map[string]*models.FloatingIP, len(local))
	for i := range local {
		localByBackendID[local[i].BackendID] = &local[i]
	}

	changed := false
	err = db.RunInTransaction(r.Store.DB, func(tx *gorp.Transaction) error {
		seen := make(map[string]bool, len(remote))
		for _, remoteIP := range remote {
			seen[remoteIP.BackendID] = true
			localIP, ok := localByBackendID[remoteIP.BackendID]
			if !ok {
				if err := adoptFloatingIP(tx, tenant.ID, remoteIP); err != nil {
					return err
				}
				changed = true
				continue
			}
			if floatingIPsEqual(localIP, remoteIP) {
				continue
			}
			if err := overwriteFloatingIP(tx, localIP, remoteIP); err != nil {
				return err
			}
			changed = true
		}
		for i := range local {
			localIP := &local[i]
			if seen[localIP.BackendID] {
				continue
			}
			if err := dropFloatingIP(tx, localIP); err != nil {
				return err
			}
			changed = true
		}
		return nil
	})
	return changed, err
}

func adoptFloatingIP(tx *gorp.Transaction, tenantID string, remoteIP backend.RemoteFloatingIP) error {
	fip := &models.FloatingIP{
		ID:               uuid.NewString(),
		TenantID:         tenantID,
		Address:          remoteIP.Address,
		Status:           remoteIP.Status,
		BackendID:        remoteIP.BackendID,
		BackendNetworkID: remoteIP.BackendNetworkID,
	}
	if err := tx.Insert(fip); err != nil {
		return err
	}
	if !fip.CountsAgainstQuota() {
		return nil
	}
	return store.AdjustQuotaUsageTx(tx, tenantID,
		models.QuotaDelta{Name: models.QuotaFloatingIPs, Delta: 1})
}

func overwriteFloatingIP(tx *gorp.Transaction, localIP *models.FloatingIP, remoteIP backend.RemoteFloatingIP) error {
	countedBefore := localIP.CountsAgainstQuota()
	localIP.Address = remoteIP.Address
	localIP.BackendNetworkID = remoteIP.BackendNetworkID
	if !bookingShadowsRemoteStatus(localIP, remoteIP) {
		localIP.Status = remoteIP.Status
	}
	countedAfter := localIP.CountsAgainstQuota()
	if _, err := tx.Update(localIP); err != nil {
		return err
	}
	var delta int64
	switch {
	case !countedBefore && countedAfter:
		delta = 1
	case countedBefore && !countedAfter:
		delta = -1
	default:
		return nil
	}
	return store.AdjustQuotaUsageTx(tx, localIP.TenantID,
		models.QuotaDelta{Name: models.QuotaFloatingIPs, Delta: delta})
}

func dropFloatingIP(tx *gorp.Transaction, localIP *models.FloatingIP) error {
	if _, err := tx.Delete(localIP); err != nil {
		return err
	}
	if !localIP.CountsAgainstQuota() {
		return nil
	}
	return store.AdjustQuotaUsageTx(tx, localIP.TenantID,
		models.QuotaDelta{Name: models.QuotaFloatingIPs, Delta: -1})
}

func bookingShadowsRemoteStatus(localIP *models.FloatingIP, remoteIP backend.RemoteFloatingIP) bool {
	return localIP.Status == models.FloatingIPStatusBooked &&
		remoteIP.Status == models.FloatingIPStatusDown
}

func floatingIPsEqual(localIP *models.FloatingIP, remoteIP backend.RemoteFloatingIP) bool {
	return localIP.Address == remoteIP.Address &&
		localIP.BackendNetworkID == remoteIP.BackendNetworkID &&
		(localIP.Status == remoteIP.Status || bookingShadowsRemoteStatus(localIP, remoteIP))
}
