// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"reflect"

	blockquotasets "github.com/gophercloud/gophercloud/v2/openstack/blockstorage/v3/quotasets"
	computequotasets "github.com/gophercloud/gophercloud/v2/openstack/compute/v2/quotasets"
	networkquotas "github.com/gophercloud/gophercloud/v2/openstack/networking/v2/extensions/quotas"

	"github.com/opennode/waldur-openstack-sub000/internal/models"
)

// PullQuotas aggregates the tenant's quota limits and usages across the
// compute, block storage and networking services into the local quota
// names. Sizes come back in MiB.
func (b *tenantBackend) PullQuotas(ctx context.Context) (map[string]QuotaValue, error) {
	result := map[string]QuotaValue{}
	err := b.do(ctx, "pull quotas", func(ctx context.Context) error {
		projectID := b.tenant.BackendID

		compute, err := b.clients.compute(ctx)
		if err != nil {
			return err
		}
		computeQuotas, err := computequotasets.GetDetail(ctx, compute, projectID).Extract()
		if err != nil {
			return err
		}
		result[models.QuotaInstances] = QuotaValue{
			Limit: int64(computeQuotas.Instances.Limit),
			Usage: int64(computeQuotas.Instances.InUse),
		}
		result[models.QuotaVCPU] = QuotaValue{
			Limit: int64(computeQuotas.Cores.Limit),
			Usage: int64(computeQuotas.Cores.InUse),
		}
		result[models.QuotaRAM] = QuotaValue{
			Limit: int64(computeQuotas.RAM.Limit),
			Usage: int64(computeQuotas.RAM.InUse),
		}

		blockStorage, err := b.clients.blockStorage(ctx)
		if err != nil {
			return err
		}
		storageQuotas, err := blockquotasets.GetUsage(ctx, blockStorage, projectID).Extract()
		if err != nil {
			return err
		}
		result[models.QuotaVolumes] = QuotaValue{
			Limit: int64(storageQuotas.Volumes.Limit),
			Usage: int64(storageQuotas.Volumes.InUse),
		}
		result[models.QuotaSnapshots] = QuotaValue{
			Limit: int64(storageQuotas.Snapshots.Limit),
			Usage: int64(storageQuotas.Snapshots.InUse),
		}
		result[models.QuotaStorage] = QuotaValue{
			Limit: scaleGiBLimit(storageQuotas.Gigabytes.Limit),
			Usage: GiBToMiB(storageQuotas.Gigabytes.InUse),
		}

		networking, err := b.clients.networking(ctx)
		if err != nil {
			return err
		}
		networkQuotas, err := networkquotas.GetDetail(ctx, networking, projectID).Extract()
		if err != nil {
			return err
		}
		result[models.QuotaFloatingIPs] = QuotaValue{
			Limit: int64(networkQuotas.FloatingIP.Limit),
			Usage: int64(networkQuotas.FloatingIP.Used),
		}
		result[models.QuotaSecurityGroups] = QuotaValue{
			Limit: int64(networkQuotas.SecurityGroup.Limit),
			Usage: int64(networkQuotas.SecurityGroup.Used),
		}
		result[models.QuotaSecurityGroupRules] = QuotaValue{
			Limit: int64(networkQuotas.SecurityGroupRule.Limit),
			Usage: int64(networkQuotas.SecurityGroupRule.Used),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PushQuotas writes the given limits, keyed by the local quota names,
// to the owning services. Absent names are left untouched. Sizes are
// given in MiB.
func (b *tenantBackend) PushQuotas(ctx context.Context, limits map[string]int64) error {
	return b.do(ctx, "push quotas", func(ctx context.Context) error {
		projectID := b.tenant.BackendID

		computeOpts := computequotasets.UpdateOpts{
			Instances: intLimit(limits, models.QuotaInstances),
			Cores:     intLimit(limits, models.QuotaVCPU),
			RAM:       intLimit(limits, models.QuotaRAM),
		}
		if computeOpts != (computequotasets.UpdateOpts{}) {
			compute, err := b.clients.compute(ctx)
			if err != nil {
				return err
			}
			_, err = computequotasets.Update(ctx, compute, projectID, computeOpts).Extract()
			if err != nil {
				return err
			}
		}

		storageOpts := blockquotasets.UpdateOpts{
			Volumes:   intLimit(limits, models.QuotaVolumes),
			Snapshots: intLimit(limits, models.QuotaSnapshots),
		}
		if storage, ok := limits[models.QuotaStorage]; ok {
			gigabytes := MiBToGiB(storage)
			if storage < 0 {
				gigabytes = int(storage)
			}
			storageOpts.Gigabytes = &gigabytes
		}
		if !reflect.DeepEqual(storageOpts, blockquotasets.UpdateOpts{}) {
			blockStorage, err := b.clients.blockStorage(ctx)
			if err != nil {
				return err
			}
			_, err = blockquotasets.Update(ctx, blockStorage, projectID, storageOpts).Extract()
			if err != nil {
				return err
			}
		}

		networkOpts := networkquotas.UpdateOpts{
			FloatingIP:        intLimit(limits, models.QuotaFloatingIPs),
			SecurityGroup:     intLimit(limits, models.QuotaSecurityGroups),
			SecurityGroupRule: intLimit(limits, models.QuotaSecurityGroupRules),
		}
		if networkOpts != (networkquotas.UpdateOpts{}) {
			networking, err := b.clients.networking(ctx)
			if err != nil {
				return err
			}
			_, err = networkquotas.Update(ctx, networking, projectID, networkOpts).Extract()
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// An unlimited quota stays -1 rather than being scaled.
func scaleGiBLimit(limit int) int64 {
	if limit < 0 {
		return int64(limit)
	}
	return GiBToMiB(limit)
}

func intLimit(limits map[string]int64, name string) *int {
	value, ok := limits[name]
	if !ok {
		return nil
	}
	i := int(value)
	return &i
}
