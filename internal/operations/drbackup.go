// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package operations

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opennode/waldur-openstack-sub000/internal/backend"
	"github.com/opennode/waldur-openstack-sub000/internal/backenderr"
	"github.com/opennode/waldur-openstack-sub000/internal/models"
	"github.com/opennode/waldur-openstack-sub000/internal/store"
	"github.com/opennode/waldur-openstack-sub000/internal/tasks"
)

// The scaffolding rows one instance volume needs for a crash
// consistent volume backup: a temporary snapshot of the live volume, a
// temporary volume cloned from that snapshot, and the volume backup
// taken from the clone. Snapshot and clone are torn down again once
// the backup record is exported.
type drScaffolding struct {
	source   models.Volume
	snapshot *models.Snapshot
	volume   *models.Volume
	backup   *models.VolumeBackup
	// Set once the scaffolding rows are gone, so the failure
	// continuation does not settle them a second time.
	volumeDropped   bool
	snapshotDropped bool
}

// CreateDRBackup backs up every volume of the instance into portable
// volume backup records. The instance keeps running; consistency comes
// from snapshotting first and backing up the snapshot clone.
func (s *Service) CreateDRBackup(ctx context.Context, drBackup *models.DRBackup, retentionDays int64) error {
	instance, err := store.Get[models.Instance](s.Store, drBackup.InstanceID)
	if err != nil {
		return err
	}
	if instance == nil {
		return fmt.Errorf("instance %q is not tracked", drBackup.InstanceID)
	}
	tenant, err := s.tenant(instance.TenantID)
	if err != nil {
		return err
	}
	volumes, err := s.Store.InstanceVolumes(instance.ID)
	if err != nil {
		return err
	}
	if len(volumes) == 0 {
		return fmt.Errorf("instance %q has no volumes to back up", instance.ID)
	}
	if drBackup.ID == "" {
		drBackup.ID = uuid.NewString()
	}

	scaffolds := make([]*drScaffolding, 0, len(volumes))
	deltas := []models.QuotaDelta{}
	for i := range volumes {
		sc := s.newScaffolding(drBackup, volumes[i])
		scaffolds = append(scaffolds, sc)
		deltas = append(deltas, sc.snapshot.QuotaDeltas()...)
		deltas = append(deltas, sc.volume.QuotaDeltas()...)
		deltas = append(deltas, sc.backup.QuotaDeltas()...)
	}
	if err := s.Store.CheckQuotaHeadroom(instance.TenantID, deltas...); err != nil {
		return err
	}

	drBackup.TenantID = instance.TenantID
	drBackup.MetadataJSON, err = metadataFor(instance, volumes)
	if err != nil {
		return err
	}
	if retentionDays > 0 {
		drBackup.KeptUntil = time.Now().Unix() + retentionDays*24*3600
	}
	scheduleCreation(&drBackup.ResourceMeta)
	if err := s.Store.CreateResource(instance.TenantID, drBackup); err != nil {
		return err
	}
	for _, sc := range scaffolds {
		for _, r := range []models.Resource{sc.snapshot, sc.volume, sc.backup} {
			scheduleCreation(r.Meta())
			if err := s.Store.CreateResource(instance.TenantID, r); err != nil {
				return err
			}
		}
	}

	be := s.NewBackend(tenant)
	members := make([]tasks.Step, 0, len(scaffolds))
	for _, sc := range scaffolds {
		members = append(members, s.backUpVolume(be, sc))
	}
	s.Exec.Go(ctx, tasks.Graph{
		Name: "dr backup create",
		Main: tasks.Chain(
			func(context.Context) error {
				drBackup.BeginCreating()
				return s.Store.Update(drBackup)
			},
			tasks.Group(members...),
		),
		OnSuccess: func(context.Context) error {
			defer s.publish(TriggerDRBackupSettled, drBackup.ID)
			for _, sc := range scaffolds {
				sc.backup.SetOK()
				if err := s.Store.Update(sc.backup); err != nil {
					return err
				}
			}
			drBackup.SetOK()
			return s.Store.Update(drBackup)
		},
		OnFailure: func(_ context.Context, cause error) error {
			defer s.publish(TriggerDRBackupSettled, drBackup.ID)
			for _, sc := range scaffolds {
				if !sc.snapshotDropped {
					if err := s.markFailed(drBackup.TenantID, sc.snapshot, cause); err != nil {
						return err
					}
				}
				if !sc.volumeDropped {
					if err := s.markFailed(drBackup.TenantID, sc.volume, cause); err != nil {
						return err
					}
				}
				if err := s.markFailed(drBackup.TenantID, sc.backup, cause); err != nil {
					return err
				}
			}
			return s.markFailed(drBackup.TenantID, drBackup, cause)
		},
	})
	return nil
}

func (s *Service) newScaffolding(drBackup *models.DRBackup, source models.Volume) *drScaffolding {
	sc := &drScaffolding{
		source: source,
		snapshot: &models.Snapshot{
			TenantID:       source.TenantID,
			SourceVolumeID: source.ID,
			Size:           source.Size,
			DRBackupID:     drBackup.ID,
		},
		volume: &models.Volume{
			TenantID:   source.TenantID,
			Size:       source.Size,
			Type:       source.Type,
			DRBackupID: drBackup.ID,
		},
		backup: &models.VolumeBackup{
			TenantID:       source.TenantID,
			SourceVolumeID: source.ID,
			DRBackupID:     drBackup.ID,
			Size:           source.Size,
		},
	}
	sc.snapshot.ID = uuid.NewString()
	sc.snapshot.Name = source.Name + "-dr-snap"
	sc.volume.ID = uuid.NewString()
	sc.volume.Name = source.Name + "-dr-tmp"
	sc.volume.SourceSnapshotID = sc.snapshot.ID
	sc.backup.ID = uuid.NewString()
	sc.backup.Name = source.Name + "-dr-backup"
	return sc
}

// The full chain for one volume: snapshot, clone, back up the clone,
// export the record, then tear the scaffolding down again.
func (s *Service) backUpVolume(be backend.TenantBackend, sc *drScaffolding) tasks.Step {
	return tasks.Chain(
		s.provisionSnapshot(be, sc.snapshot, sc.source.BackendID),
		s.provisionVolume(be, sc.volume),
		s.provisionVolumeBackup(be, sc.backup, sc.volume),
		func(ctx context.Context) error {
			return be.ExportVolumeBackupRecord(ctx, sc.backup)
		},
		s.update(sc.backup),
		s.dropScaffolding(be, sc),
	)
}

// Tear down the temporary clone and snapshot, backend first.
func (s *Service) dropScaffolding(be backend.TenantBackend, sc *drScaffolding) tasks.Step {
	return func(ctx context.Context) error {
		sc.volume.SetOK()
		sc.volume.ScheduleDeleting()
		if err := s.Store.Update(sc.volume); err != nil {
			return err
		}
		if err := s.removeVolume(be, sc.volume)(ctx); err != nil {
			return err
		}
		if err := s.Store.DeleteResource(sc.volume.TenantID, sc.volume); err != nil {
			return err
		}
		sc.volumeDropped = true
		sc.snapshot.SetOK()
		sc.snapshot.ScheduleDeleting()
		if err := s.Store.Update(sc.snapshot); err != nil {
			return err
		}
		if err := s.removeSnapshot(be, sc.snapshot)(ctx); err != nil {
			return err
		}
		if err := s.Store.DeleteResource(sc.snapshot.TenantID, sc.snapshot); err != nil {
			return err
		}
		sc.snapshotDropped = true
		return nil
	}
}

func (s *Service) provisionVolumeBackup(be backend.TenantBackend, vb *models.VolumeBackup, source *models.Volume) tasks.Step {
	return tasks.Chain(
		func(context.Context) error {
			vb.BeginCreating()
			return s.Store.Update(vb)
		},
		func(ctx context.Context) error {
			if err := be.CreateVolumeBackup(ctx, vb, source.BackendID); err != nil {
				return err
			}
			return s.Store.Update(vb)
		},
		tasks.Poll(s.Polls.Backup, "create volume backup",
			func(ctx context.Context) (string, error) {
				state, err := be.GetVolumeBackupRuntimeState(ctx, vb)
				if err != nil {
					return "", err
				}
				if state != vb.RuntimeState {
					vb.RuntimeState = state
					if err := s.Store.Update(vb); err != nil {
						return "", err
					}
				}
				return state, nil
			},
			[]string{backend.VolumeStateAvailable},
			[]string{backend.VolumeStateError},
		),
	)
}

// DeleteDRBackup removes the volume backups from the backend and any
// scaffolding a failed run may have left behind, then drops the set.
func (s *Service) DeleteDRBackup(ctx context.Context, drBackup *models.DRBackup) error {
	drBackup.ScheduleDeleting()
	if err := s.Store.Update(drBackup); err != nil {
		return err
	}
	tenant, err := s.tenant(drBackup.TenantID)
	if err != nil {
		return err
	}
	backups, err := s.Store.DRBackupVolumeBackups(drBackup.ID)
	if err != nil {
		return err
	}
	leftoverVolumes, err := s.Store.DRBackupVolumes(drBackup.ID)
	if err != nil {
		return err
	}
	leftoverSnapshots, err := s.Store.DRBackupSnapshots(drBackup.ID)
	if err != nil {
		return err
	}

	be := s.NewBackend(tenant)
	s.Exec.Go(ctx, tasks.Graph{
		Name: "dr backup delete",
		Main: tasks.Chain(
			func(context.Context) error {
				drBackup.BeginDeleting()
				return s.Store.Update(drBackup)
			},
			func(ctx context.Context) error {
				for i := range backups {
					vb := &backups[i]
					vb.ScheduleDeleting()
					if err := s.Store.Update(vb); err != nil {
						return err
					}
					if err := s.removeVolumeBackup(be, vb)(ctx); err != nil {
						return err
					}
					if err := s.Store.DeleteResource(drBackup.TenantID, vb); err != nil {
						return err
					}
				}
				return nil
			},
			func(ctx context.Context) error {
				for i := range leftoverVolumes {
					volume := &leftoverVolumes[i]
					if volume.BackendID != "" {
						if err := be.DeleteVolume(ctx, volume); err != nil {
							return err
						}
					}
					if err := s.Store.DeleteResource(drBackup.TenantID, volume); err != nil {
						return err
					}
				}
				for i := range leftoverSnapshots {
					snapshot := &leftoverSnapshots[i]
					if snapshot.BackendID != "" {
						if err := be.DeleteSnapshot(ctx, snapshot); err != nil {
							return err
						}
					}
					if err := s.Store.DeleteResource(drBackup.TenantID, snapshot); err != nil {
						return err
					}
				}
				return nil
			},
		),
		OnSuccess: func(context.Context) error {
			defer s.publish(TriggerDRBackupSettled, drBackup.ID)
			return s.Store.DeleteResource(drBackup.TenantID, drBackup)
		},
		OnFailure: func(_ context.Context, cause error) error {
			defer s.publish(TriggerDRBackupSettled, drBackup.ID)
			return s.markFailed(drBackup.TenantID, drBackup, cause)
		},
	})
	return nil
}

func (s *Service) removeVolumeBackup(be backend.TenantBackend, vb *models.VolumeBackup) tasks.Step {
	return tasks.Chain(
		func(context.Context) error {
			vb.BeginDeleting()
			return s.Store.Update(vb)
		},
		func(ctx context.Context) error {
			return be.DeleteVolumeBackup(ctx, vb)
		},
		tasks.PollGone(s.Polls.GoneCheck, "delete volume backup",
			func(ctx context.Context) (bool, error) {
				return be.VolumeBackupGone(ctx, vb)
			}),
	)
}

// RestoreDRBackup rebuilds the backed-up instance: every volume backup
// record is imported and restored onto a fresh volume carrying the
// original volume's name, and a new server is booted from the restored
// volumes with the configuration captured at backup time. The given
// instance shell receives the restored configuration; an empty name
// falls back to the original instance name.
func (s *Service) RestoreDRBackup(ctx context.Context, drBackup *models.DRBackup, instance *models.Instance) error {
	tenant, err := s.tenant(drBackup.TenantID)
	if err != nil {
		return err
	}
	var meta backupMetadata
	if err := json.Unmarshal([]byte(drBackup.MetadataJSON), &meta); err != nil {
		return fmt.Errorf("dr backup %q has unreadable metadata: %w", drBackup.ID, err)
	}
	backups, err := s.Store.DRBackupVolumeBackups(drBackup.ID)
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		return backenderr.New(backenderr.KindPreconditionViolation, "restore dr backup",
			"dr backup %q has no volume backups", drBackup.ID)
	}

	if instance.ID == "" {
		instance.ID = uuid.NewString()
	}
	if instance.Name == "" {
		instance.Name = meta.InstanceName
	}
	instance.TenantID = drBackup.TenantID
	instance.FlavorName = meta.FlavorName
	instance.FlavorBackendID = meta.FlavorBackendID
	instance.Cores = meta.Cores
	instance.RAM = meta.RAM
	instance.KeyName = meta.KeyName
	instance.UserData = meta.UserData

	var system, data *models.Volume
	volumes := make([]*models.Volume, 0, len(backups))
	for i := range backups {
		vm, ok := volumeMetadataFor(meta, backups[i].SourceVolumeID)
		if !ok {
			return backenderr.New(backenderr.KindPreconditionViolation, "restore dr backup",
				"no volume metadata for source volume %q", backups[i].SourceVolumeID)
		}
		volume := &models.Volume{
			TenantID:   drBackup.TenantID,
			InstanceID: instance.ID,
			Size:       vm.Size,
			Bootable:   vm.Bootable,
			Type:       vm.Type,
			Device:     vm.Device,
		}
		volume.ID = uuid.NewString()
		volume.Name = vm.Name
		volumes = append(volumes, volume)
		if vm.Bootable {
			system = volume
		} else {
			data = volume
		}
	}
	if system == nil || data == nil || len(volumes) != 2 {
		return backenderr.New(backenderr.KindPreconditionViolation, "restore dr backup",
			"dr backup %q does not describe a bootable system and a data volume", drBackup.ID)
	}

	deltas := instance.QuotaDeltas()
	for _, volume := range volumes {
		deltas = append(deltas, volume.QuotaDeltas()...)
	}
	if err := s.Store.CheckQuotaHeadroom(drBackup.TenantID, deltas...); err != nil {
		return err
	}
	scheduleCreation(&instance.ResourceMeta)
	if err := s.Store.CreateResource(drBackup.TenantID, instance); err != nil {
		return err
	}
	for _, volume := range volumes {
		scheduleCreation(&volume.ResourceMeta)
		if err := s.Store.CreateResource(drBackup.TenantID, volume); err != nil {
			return err
		}
	}

	be := s.NewBackend(tenant)
	members := make([]tasks.Step, 0, len(volumes))
	for i := range volumes {
		members = append(members, s.restoreVolume(be, &backups[i], volumes[i]))
	}
	s.Exec.Go(ctx, tasks.Graph{
		Name: "dr backup restore",
		Main: tasks.Chain(
			tasks.Group(members...),
			func(ctx context.Context) error {
				instance.BeginCreating()
				if err := s.Store.Update(instance); err != nil {
					return err
				}
				if err := be.CreateServer(ctx, instance, system, data, nil); err != nil {
					return err
				}
				return s.Store.Update(instance)
			},
			s.pollServer(be, instance, backend.ServerStateActive),
			func(ctx context.Context) error {
				if err := be.PullServer(ctx, instance); err != nil {
					return err
				}
				return s.Store.Update(instance)
			},
		),
		OnSuccess: func(context.Context) error {
			defer s.publish(TriggerDRBackupSettled, drBackup.ID)
			for _, volume := range volumes {
				volume.SetOK()
				if err := s.Store.Update(volume); err != nil {
					return err
				}
			}
			instance.SetOK()
			return s.Store.Update(instance)
		},
		OnFailure: func(_ context.Context, cause error) error {
			defer s.publish(TriggerDRBackupSettled, drBackup.ID)
			for _, volume := range volumes {
				if err := s.markFailed(drBackup.TenantID, volume, cause); err != nil {
					return err
				}
			}
			return s.markFailed(drBackup.TenantID, instance, cause)
		},
	})
	return nil
}

func volumeMetadataFor(meta backupMetadata, sourceVolumeID string) (volumeMetadata, bool) {
	for _, vm := range meta.Volumes {
		if vm.SourceVolumeID == sourceVolumeID {
			return vm, true
		}
	}
	return volumeMetadata{}, false
}

// Import the portable record and restore it onto the fresh volume.
func (s *Service) restoreVolume(be backend.TenantBackend, vb *models.VolumeBackup, volume *models.Volume) tasks.Step {
	return tasks.Chain(
		func(ctx context.Context) error {
			volume.BeginCreating()
			if err := s.Store.Update(volume); err != nil {
				return err
			}
			// A record exported by another deployment has no backend id
			// here yet; importing registers it.
			if vb.BackendID == "" {
				if err := be.ImportVolumeBackupRecord(ctx, vb); err != nil {
					return err
				}
				if err := s.Store.Update(vb); err != nil {
					return err
				}
			}
			if err := be.RestoreVolumeBackup(ctx, vb, volume); err != nil {
				return err
			}
			return s.Store.Update(volume)
		},
		s.pollVolume(be, volume),
	)
}
