// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

// Package scheduler drives the periodic work of the orchestrator:
// reconciling tenants against the backend, evaluating backup
// schedules, cleaning up expired backups and flagging resources that
// are stuck in a transient state.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/sapcc/go-bits/jobloop"

	"github.com/opennode/waldur-openstack-sub000/internal/backend"
	"github.com/opennode/waldur-openstack-sub000/internal/conf"
	"github.com/opennode/waldur-openstack-sub000/internal/models"
	"github.com/opennode/waldur-openstack-sub000/internal/operations"
	"github.com/opennode/waldur-openstack-sub000/internal/recon"
	"github.com/opennode/waldur-openstack-sub000/internal/store"
)

type Scheduler struct {
	Store *store.Store
	Recon *recon.Reconciler
	Ops   *operations.Service
	// Backend adapter with admin scope, for the shared catalog.
	AdminBackend backend.TenantBackend
	Conf         conf.ReconConfig
}

// Run starts the periodic loops and blocks until the context is done.
func (s *Scheduler) Run(ctx context.Context) {
	go s.loop(ctx, "reconcile", s.Conf.IntervalSeconds, s.ReconcileRound)
	go s.loop(ctx, "backups", s.Conf.BackupIntervalSeconds, func(ctx context.Context) {
		now := time.Now()
		s.BackupRound(ctx, now)
		s.CleanupRound(ctx, now)
	})
	<-ctx.Done()
}

func (s *Scheduler) loop(ctx context.Context, name string, intervalSeconds int, round func(context.Context)) {
	interval := time.Duration(intervalSeconds) * time.Second
	for {
		round(ctx)
		select {
		case <-ctx.Done():
			slog.Info("scheduler loop stopped", "loop", name)
			return
		case <-time.After(jobloop.DefaultJitter(interval)):
		}
	}
}

// ReconcileRound reconciles every stable tenant and the shared
// catalog, then marks resources that have been in a transient state
// for too long as erred.
func (s *Scheduler) ReconcileRound(ctx context.Context) {
	tenants, err := s.Store.TenantsToReconcile()
	if err != nil {
		slog.Error("failed to list tenants to reconcile", "error", err)
		return
	}
	for i := range tenants {
		if err := s.Recon.Tenant(ctx, &tenants[i]); err != nil {
			slog.Error("tenant reconciliation failed",
				"tenant", tenants[i].ID, "error", err)
		}
	}
	if err := s.Recon.Catalog(ctx, s.AdminBackend); err != nil {
		slog.Error("catalog reconciliation failed", "error", err)
	}

	if s.Conf.StuckAfterMinutes > 0 {
		cutoff := time.Now().Add(-time.Duration(s.Conf.StuckAfterMinutes) * time.Minute)
		marked, err := s.Store.MarkStuckResources(cutoff.Unix())
		if err != nil {
			slog.Error("failed to mark stuck resources", "error", err)
		} else if marked > 0 {
			slog.Warn("marked stuck resources as erred", "count", marked)
		}
	}
}

// BackupRound evaluates all due backup schedules: each one triggers a
// backup of its instance, is advanced to its next slot, and has its
// oldest backups pruned down to the configured maximum.
func (s *Scheduler) BackupRound(ctx context.Context, now time.Time) {
	due, err := s.Store.DueBackupSchedules(now.Unix())
	if err != nil {
		slog.Error("failed to list due backup schedules", "error", err)
		return
	}
	for i := range due {
		s.runSchedule(ctx, &due[i], now)
	}
}

func (s *Scheduler) runSchedule(ctx context.Context, schedule *models.BackupSchedule, now time.Time) {
	instance, err := store.Get[models.Instance](s.Store, schedule.InstanceID)
	if err != nil {
		slog.Error("failed to look up the schedule's instance",
			"schedule", schedule.ID, "error", err)
		return
	}
	if instance == nil {
		// Nothing left to back up.
		schedule.IsActive = false
		schedule.ErrorMessage = "instance no longer exists"
		if err := s.Store.Update(schedule); err != nil {
			slog.Error("failed to deactivate the orphaned schedule",
				"schedule", schedule.ID, "error", err)
		}
		return
	}

	switch schedule.BackupType {
	case models.BackupTypeDR:
		drBackup := &models.DRBackup{
			InstanceID: schedule.InstanceID,
			ScheduleID: schedule.ID,
		}
		drBackup.Name = instance.Name + "-dr-" + now.Format("20060102-150405")
		err = s.Ops.CreateDRBackup(ctx, drBackup, schedule.RetentionDays)
	default:
		backup := &models.Backup{
			InstanceID: schedule.InstanceID,
			ScheduleID: schedule.ID,
		}
		backup.Name = instance.Name + "-" + now.Format("20060102-150405")
		err = s.Ops.CreateBackup(ctx, backup, schedule.RetentionDays)
	}
	if err != nil {
		slog.Error("scheduled backup failed",
			"schedule", schedule.ID, "instance", schedule.InstanceID, "error", err)
		schedule.ErrorMessage = err.Error()
	} else {
		schedule.ErrorMessage = ""
	}

	// Advance past now even if rounds were missed.
	interval := schedule.IntervalHours * 3600
	if interval <= 0 {
		interval = 24 * 3600
	}
	next := schedule.NextTriggerAt
	for next <= now.Unix() {
		next += interval
	}
	schedule.NextTriggerAt = next
	if err := s.Store.Update(schedule); err != nil {
		slog.Error("failed to advance the schedule",
			"schedule", schedule.ID, "error", err)
		return
	}

	if err == nil && schedule.MaxBackups > 0 {
		s.pruneSchedule(ctx, schedule)
	}
}

// Drop the oldest settled backups of the schedule until at most
// MaxBackups remain, counting the one just triggered.
func (s *Scheduler) pruneSchedule(ctx context.Context, schedule *models.BackupSchedule) {
	if schedule.BackupType == models.BackupTypeDR {
		backups, err := s.Store.ScheduleDRBackups(schedule.ID)
		if err != nil {
			slog.Error("failed to list the schedule's backups",
				"schedule", schedule.ID, "error", err)
			return
		}
		excess := int64(len(backups)) - schedule.MaxBackups
		for i := range backups {
			if excess <= 0 {
				break
			}
			if backups[i].State != models.StateOK {
				continue
			}
			if err := s.Ops.DeleteDRBackup(ctx, &backups[i]); err != nil {
				slog.Error("failed to prune a dr backup",
					"backup", backups[i].ID, "error", err)
				continue
			}
			excess--
		}
		return
	}

	backups, err := s.Store.ScheduleBackups(schedule.ID)
	if err != nil {
		slog.Error("failed to list the schedule's backups",
			"schedule", schedule.ID, "error", err)
		return
	}
	excess := int64(len(backups)) - schedule.MaxBackups
	for i := range backups {
		if excess <= 0 {
			break
		}
		if backups[i].State != models.StateOK {
			continue
		}
		if err := s.Ops.DeleteBackup(ctx, &backups[i]); err != nil {
			slog.Error("failed to prune a backup",
				"backup", backups[i].ID, "error", err)
			continue
		}
		excess--
	}
}

// CleanupRound deletes backups whose retention has run out.
func (s *Scheduler) CleanupRound(ctx context.Context, now time.Time) {
	backups, err := s.Store.ExpiredBackups(now.Unix())
	if err != nil {
		slog.Error("failed to list expired backups", "error", err)
	} else {
		for i := range backups {
			if err := s.Ops.DeleteBackup(ctx, &backups[i]); err != nil {
				slog.Error("failed to delete an expired backup",
					"backup", backups[i].ID, "error", err)
			}
		}
	}

	drBackups, err := s.Store.ExpiredDRBackups(now.Unix())
	if err != nil {
		slog.Error("failed to list expired dr backups", "error", err)
		return
	}
	for i := range drBackups {
		if err := s.Ops.DeleteDRBackup(ctx, &drBackups[i]); err != nil {
			slog.Error("failed to delete an expired dr backup",
				"backup", drBackups[i].ID, "error", err)
		}
	}
}
