// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

// Package store holds the local inventory of tracked resources and the
// per-tenant quota bookkeeping that goes with it.
package store

import (
	"database/sql"
	"errors"

	"github.com/go-gorp/gorp"

	"github.com/opennode/waldur-openstack-sub000/internal/db"
	"github.com/opennode/waldur-openstack-sub000/internal/models"
)

type Store struct {
	DB db.DB
}

func New(database db.DB) *Store {
	return &Store{DB: database}
}

// Register all model tables and create them if they don't exist yet.
func (s *Store) Init() error {
	tables := []db.Table{
		models.Tenant{},
		models.TenantQuota{},
		models.Instance{},
		models.InstanceSecurityGroup{},
		models.Volume{},
		models.Snapshot{},
		models.SecurityGroup{},
		models.SecurityGroupRule{},
		models.FloatingIP{},
		models.VolumeBackup{},
		models.DRBackup{},
		models.Backup{},
		models.BackupSchedule{},
		models.Flavor{},
		models.Image{},
	}
	maps := make([]*gorp.TableMap, len(tables))
	for i, t := range tables {
		maps[i] = s.DB.AddTable(t)
	}
	return s.DB.CreateTable(maps...)
}

// Fetch one row by primary key. Returns nil without error when the row
// does not exist.
func Get[T any](s *Store, keys ...any) (*T, error) {
	obj, err := s.DB.Get(new(T), keys...)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, nil
	}
	return obj.(*T), nil
}

func (s *Store) Insert(objs ...any) error {
	return s.DB.Insert(objs...)
}

func (s *Store) Update(objs ...any) error {
	_, err := s.DB.DbMap.Update(objs...)
	return err
}

func (s *Store) Delete(objs ...any) error {
	_, err := s.DB.DbMap.Delete(objs...)
	return err
}

// Insert a resource and count its usage against the tenant quotas, in
// one transaction.
func (s *Store) CreateResource(tenantID string, r models.Resource) error {
	return db.RunInTransaction(s.DB, func(tx *gorp.Transaction) error {
		if err := tx.Insert(r); err != nil {
			return err
		}
		return adjustQuotaUsage(tx, tenantID, r.QuotaDeltas(), +1)
	})
}

// Delete a resource and release its quota usage, in one transaction.
func (s *Store) DeleteResource(tenantID string, r models.Resource) error {
	return db.RunInTransaction(s.DB, func(tx *gorp.Transaction) error {
		if _, err := tx.Delete(r); err != nil {
			return err
		}
		return adjustQuotaUsage(tx, tenantID, r.QuotaDeltas(), -1)
	})
}

// Tenants that are in a stable state and have a backend counterpart,
// i.e. those worth reconciling.
func (s *Store) TenantsToReconcile() ([]models.Tenant, error) {
	var tenants []models.Tenant
	_, err := s.DB.Select(&tenants, `
		SELECT * FROM tenants
		WHERE state IN (:ok, :erred) AND backend_id != ''`,
		map[string]any{"ok": string(models.StateOK), "erred": string(models.StateErred)},
	)
	return tenants, err
}

func (s *Store) InstanceVolumes(instanceID string) ([]models.Volume, error) {
	var volumes []models.Volume
	_, err := s.DB.Select(&volumes, `
		SELECT * FROM volumes WHERE instance_id = :id AND dr_backup_id = ''`,
		map[string]any{"id": instanceID},
	)
	return volumes, err
}

// Security groups of the tenant, excluding those still being created.
// Groups in transient creation states have no backend counterpart yet
// and must not take part in reconciliation.
func (s *Store) TenantSecurityGroups(tenantID string) ([]models.SecurityGroup, error) {
	var groups []models.SecurityGroup
	_, err := s.DB.Select(&groups, `
		SELECT * FROM security_groups
		WHERE tenant_id = :tenant_id AND state NOT IN (:scheduled, :creating)`,
		map[string]any{
			"tenant_id": tenantID,
			"scheduled": string(models.StateCreationScheduled),
			"creating":  string(models.StateCreating),
		},
	)
	return groups, err
}

func (s *Store) GroupRules(groupID string) ([]models.SecurityGroupRule, error) {
	var rules []models.SecurityGroupRule
	_, err := s.DB.Select(&rules, `
		SELECT * FROM security_group_rules WHERE group_id = :id`,
		map[string]any{"id": groupID},
	)
	return rules, err
}

func (s *Store) TenantFloatingIPs(tenantID string) ([]models.FloatingIP, error) {
	var fips []models.FloatingIP
	_, err := s.DB.Select(&fips, `
		SELECT * FROM floating_ips WHERE tenant_id = :id`,
		map[string]any{"id": tenantID},
	)
	return fips, err
}

// A floating IP of the tenant that is free to be booked, if any.
func (s *Store) FreeFloatingIP(tenantID string) (*models.FloatingIP, error) {
	var fip models.FloatingIP
	err := s.DB.SelectOne(&fip, `
		SELECT * FROM floating_ips WHERE tenant_id = :id AND status = :down`,
		map[string]any{"id": tenantID, "down": models.FloatingIPStatusDown},
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &fip, nil
}

// Move a floating IP to the given status, adjusting the tenant's
// floating IP quota usage exactly once when the DOWN boundary is
// crossed in either direction.
func (s *Store) SetFloatingIPStatus(fip *models.FloatingIP, status string) error {
	before := fip.CountsAgainstQuota()
	fip.Status = status
	after := fip.CountsAgainstQuota()
	return db.RunInTransaction(s.DB, func(tx *gorp.Transaction) error {
		if _, err := tx.Update(fip); err != nil {
			return err
		}
		deltas := []models.QuotaDelta{{Name: models.QuotaFloatingIPs, Delta: 1}}
		switch {
		case !before && after:
			return adjustQuotaUsage(tx, fip.TenantID, deltas, +1)
		case before && !after:
			return adjustQuotaUsage(tx, fip.TenantID, deltas, -1)
		default:
			return nil
		}
	})
}

func (s *Store) DueBackupSchedules(nowUnix int64) ([]models.BackupSchedule, error) {
	var schedules []models.BackupSchedule
	_, err := s.DB.Select(&schedules, `
		SELECT * FROM backup_schedules
		WHERE is_active AND next_trigger_at <= :now`,
		map[string]any{"now": nowUnix},
	)
	return schedules, err
}

func (s *Store) ScheduleBackups(scheduleID string) ([]models.Backup, error) {
	var backups []models.Backup
	_, err := s.DB.Select(&backups, `
		SELECT * FROM backups WHERE schedule_id = :id ORDER BY created_at`,
		map[string]any{"id": scheduleID},
	)
	return backups, err
}

func (s *Store) ScheduleDRBackups(scheduleID string) ([]models.DRBackup, error) {
	var backups []models.DRBackup
	_, err := s.DB.Select(&backups, `
		SELECT * FROM dr_backups WHERE schedule_id = :id ORDER BY state_changed_at`,
		map[string]any{"id": scheduleID},
	)
	return backups, err
}

func (s *Store) ExpiredBackups(nowUnix int64) ([]models.Backup, error) {
	var backups []models.Backup
	_, err := s.DB.Select(&backups, `
		SELECT * FROM backups
		WHERE kept_until != 0 AND kept_until <= :now AND state = :ok`,
		map[string]any{"now": nowUnix, "ok": string(models.StateOK)},
	)
	return backups, err
}

func (s *Store) ExpiredDRBackups(nowUnix int64) ([]models.DRBackup, error) {
	var backups []models.DRBackup
	_, err := s.DB.Select(&backups, `
		SELECT * FROM dr_backups
		WHERE kept_until != 0 AND kept_until <= :now AND state = :ok`,
		map[string]any{"now": nowUnix, "ok": string(models.StateOK)},
	)
	return backups, err
}

// Scaffolding rows of a consistent backup.
func (s *Store) DRBackupSnapshots(drBackupID string) ([]models.Snapshot, error) {
	var snapshots []models.Snapshot
	_, err := s.DB.Select(&snapshots, `
		SELECT * FROM snapshots WHERE dr_backup_id = :id`,
		map[string]any{"id": drBackupID},
	)
	return snapshots, err
}

func (s *Store) DRBackupVolumes(drBackupID string) ([]models.Volume, error) {
	var volumes []models.Volume
	_, err := s.DB.Select(&volumes, `
		SELECT * FROM volumes WHERE dr_backup_id = :id`,
		map[string]any{"id": drBackupID},
	)
	return volumes, err
}

func (s *Store) DRBackupVolumeBackups(drBackupID string) ([]models.VolumeBackup, error) {
	var backups []models.VolumeBackup
	_, err := s.DB.Select(&backups, `
		SELECT * FROM volume_backups WHERE dr_backup_id = :id`,
		map[string]any{"id": drBackupID},
	)
	return backups, err
}

func (s *Store) BackupSnapshots(backupID string) ([]models.Snapshot, error) {
	var snapshots []models.Snapshot
	_, err := s.DB.Select(&snapshots, `
		SELECT * FROM snapshots WHERE backup_id = :id`,
		map[string]any{"id": backupID},
	)
	return snapshots, err
}

// PurgeTenant drops everything tracked for the tenant, including the
// tenant row itself, in one transaction. Used after the backend
// project was removed.
func (s *Store) PurgeTenant(tenantID string) error {
	return db.RunInTransaction(s.DB, func(tx *gorp.Transaction) error {
		stmts := []string{
			`DELETE FROM security_group_rules WHERE group_id IN
				(SELECT id FROM security_groups WHERE tenant_id = :id)`,
			`DELETE FROM instance_security_groups WHERE instance_id IN
				(SELECT id FROM instances WHERE tenant_id = :id)`,
			`DELETE FROM backup_schedules WHERE instance_id IN
				(SELECT id FROM instances WHERE tenant_id = :id)`,
			`DELETE FROM instances WHERE tenant_id = :id`,
			`DELETE FROM volumes WHERE tenant_id = :id`,
			`DELETE FROM snapshots WHERE tenant_id = :id`,
			`DELETE FROM security_groups WHERE tenant_id = :id`,
			`DELETE FROM floating_ips WHERE tenant_id = :id`,
			`DELETE FROM volume_backups WHERE tenant_id = :id`,
			`DELETE FROM dr_backups WHERE tenant_id = :id`,
			`DELETE FROM backups WHERE tenant_id = :id`,
			`DELETE FROM tenant_quotas WHERE tenant_id = :id`,
			`DELETE FROM tenants WHERE id = :id`,
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(stmt, map[string]any{"id": tenantID}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Tables whose rows carry the shared lifecycle columns.
var lifecycleTables = []string{
	"tenants", "instances", "volumes", "snapshots",
	"security_groups", "volume_backups", "dr_backups", "backups",
}

// Mark resources that have been in an in-progress state since before
// the cutoff as erred. Returns the number of rows changed.
func (s *Store) MarkStuckResources(cutoffUnix int64) (int64, error) {
	var total int64
	for _, table := range lifecycleTables {
		res, err := s.DB.Exec(`
			UPDATE `+table+`
			SET state = :erred, error_message = :message
			WHERE state IN (:creating, :updating, :deleting)
			AND state_changed_at < :cutoff`,
			map[string]any{
				"erred":    string(models.StateErred),
				"message":  "stuck in a transient state",
				"creating": string(models.StateCreating),
				"updating": string(models.StateUpdating),
				"deleting": string(models.StateDeleting),
				"cutoff":   cutoffUnix,
			},
		)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
