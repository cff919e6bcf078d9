// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"database/sql"
	"errors"

	"github.com/go-gorp/gorp"

	"github.com/opennode/waldur-openstack-sub000/internal/backenderr"
	"github.com/opennode/waldur-openstack-sub000/internal/db"
	"github.com/opennode/waldur-openstack-sub000/internal/models"
)

// Quota limits default to unlimited until the backend values are
// pulled for the first time.
const QuotaUnlimited = -1

func (s *Store) Quota(tenantID, name string) (models.TenantQuota, error) {
	var quota models.TenantQuota
	err := s.DB.SelectOne(&quota, `
		SELECT * FROM tenant_quotas WHERE tenant_id = :tenant_id AND name = :name`,
		map[string]any{"tenant_id": tenantID, "name": name},
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TenantQuota{
			TenantID: tenantID, Name: name, Limit: QuotaUnlimited,
		}, nil
	}
	return quota, err
}

func (s *Store) Quotas(tenantID string) ([]models.TenantQuota, error) {
	var quotas []models.TenantQuota
	_, err := s.DB.Select(&quotas, `
		SELECT * FROM tenant_quotas WHERE tenant_id = :tenant_id ORDER BY name`,
		map[string]any{"tenant_id": tenantID},
	)
	return quotas, err
}

// Set the configured limit of one quota, keeping its usage.
func (s *Store) SetQuotaLimit(tenantID, name string, limit int64) error {
	quota, err := s.Quota(tenantID, name)
	if err != nil {
		return err
	}
	quota.Limit = limit
	return db.Upsert(s.DB, &quota)
}

// Overwrite the usage of one quota with the authoritative backend
// value.
func (s *Store) SetQuotaUsage(tenantID, name string, usage int64) error {
	quota, err := s.Quota(tenantID, name)
	if err != nil {
		return err
	}
	quota.Usage = usage
	return db.Upsert(s.DB, &quota)
}

// Check that the given deltas fit under the tenant's quota limits.
// Returns a precondition violation naming the first exhausted quota.
func (s *Store) CheckQuotaHeadroom(tenantID string, deltas ...models.QuotaDelta) error {
	for _, delta := range deltas {
		if delta.Delta <= 0 {
			continue
		}
		quota, err := s.Quota(tenantID, delta.Name)
		if err != nil {
			return err
		}
		if quota.Limit == QuotaUnlimited {
			continue
		}
		if quota.Usage+delta.Delta > quota.Limit {
			return backenderr.New(
				backenderr.KindPreconditionViolation, "check quota",
				"quota %q exhausted: usage %d + %d exceeds limit %d",
				delta.Name, quota.Usage, delta.Delta, quota.Limit,
			)
		}
	}
	return nil
}

// AdjustQuotaUsage applies the deltas to the tenant's quota usages in
// one transaction of its own.
func (s *Store) AdjustQuotaUsage(tenantID string, deltas ...models.QuotaDelta) error {
	return db.RunInTransaction(s.DB, func(tx *gorp.Transaction) error {
		return adjustQuotaUsage(tx, tenantID, deltas, +1)
	})
}

// AdjustQuotaUsageTx applies the deltas to the tenant's quota usage as
// part of a surrounding transaction, for callers that change resources
// and their quota bookkeeping atomically.
func AdjustQuotaUsageTx(tx *gorp.Transaction, tenantID string, deltas ...models.QuotaDelta) error {
	return adjustQuotaUsage(tx, tenantID, deltas, +1)
}

// Apply the deltas multiplied by sign to the tenant's quota usage.
// Usage never drops below zero, so replayed releases stay safe.
func adjustQuotaUsage(tx *gorp.Transaction, tenantID string, deltas []models.QuotaDelta, sign int64) error {
	for _, delta := range deltas {
		var quota models.TenantQuota
		err := tx.SelectOne(&quota, `
			SELECT * FROM tenant_quotas WHERE tenant_id = :tenant_id AND name = :name`,
			map[string]any{"tenant_id": tenantID, "name": delta.Name},
		)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			quota = models.TenantQuota{
				TenantID: tenantID, Name: delta.Name, Limit: QuotaUnlimited,
			}
			if err := tx.Insert(&quota); err != nil {
				return err
			}
		case err != nil:
			return err
		}
		quota.Usage += sign * delta.Delta
		if quota.Usage < 0 {
			quota.Usage = 0
		}
		if _, err := tx.Update(&quota); err != nil {
			return err
		}
	}
	return nil
}
