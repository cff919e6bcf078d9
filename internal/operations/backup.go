// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package operations

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opennode/waldur-openstack-sub000/internal/models"
	"github.com/opennode/waldur-openstack-sub000/internal/store"
	"github.com/opennode/waldur-openstack-sub000/internal/tasks"
)

// Instance configuration captured at backup time, enough to recreate a
// matching instance on restore.
type backupMetadata struct {
	InstanceName    string           `json:"instance_name"`
	FlavorName      string           `json:"flavor_name"`
	FlavorBackendID string           `json:"flavor_backend_id"`
	Cores           int64            `json:"cores"`
	RAM             int64            `json:"ram"`
	KeyName         string           `json:"key_name,omitempty"`
	UserData        string           `json:"user_data,omitempty"`
	Volumes         []volumeMetadata `json:"volumes"`
}

type volumeMetadata struct {
	SourceVolumeID string `json:"source_volume_id"`
	Name           string `json:"name"`
	Size           int64  `json:"size"`
	Bootable       bool   `json:"bootable"`
	Type           string `json:"type,omitempty"`
	Device         string `json:"device,omitempty"`
}

func metadataFor(instance *models.Instance, volumes []models.Volume) (string, error) {
	meta := backupMetadata{
		InstanceName:    instance.Name,
		FlavorName:      instance.FlavorName,
		FlavorBackendID: instance.FlavorBackendID,
		Cores:           instance.Cores,
		RAM:             instance.RAM,
		KeyName:         instance.KeyName,
		UserData:        instance.UserData,
	}
	for i := range volumes {
		meta.Volumes = append(meta.Volumes, volumeMetadata{
			SourceVolumeID: volumes[i].ID,
			Name:           volumes[i].Name,
			Size:           volumes[i].Size,
			Bootable:       volumes[i].Bootable,
			Type:           volumes[i].Type,
			Device:         volumes[i].Device,
		})
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// CreateBackup snapshots every volume of the instance as one backup
// set. retentionDays of zero keeps the backup until deleted explicitly.
func (s *Service) CreateBackup(ctx context.Context, backup *models.Backup, retentionDays int64) error {
	instance, err := store.Get[models.Instance](s.Store, backup.InstanceID)
	if err != nil {
		return err
	}
	if instance == nil {
		return fmt.Errorf("instance %q is not tracked", backup.InstanceID)
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
	if backup.ID == "" {
		backup.ID = uuid.NewString()
	}

	snapshots := make([]*models.Snapshot, 0, len(volumes))
	deltas := []models.QuotaDelta{}
	for i := range volumes {
		snapshot := &models.Snapshot{
			TenantID:       instance.TenantID,
			SourceVolumeID: volumes[i].ID,
			Size:           volumes[i].Size,
			BackupID:       backup.ID,
		}
		snapshot.ID = uuid.NewString()
		snapshot.Name = fmt.Sprintf("%s-backup-%s", volumes[i].Name, backup.ID)
		snapshots = append(snapshots, snapshot)
		deltas = append(deltas, snapshot.QuotaDeltas()...)
	}
	if err := s.Store.CheckQuotaHeadroom(instance.TenantID, deltas...); err != nil {
		return err
	}

	backup.TenantID = instance.TenantID
	backup.MetadataJSON, err = metadataFor(instance, volumes)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	backup.CreatedAt = now
	if retentionDays > 0 {
		backup.KeptUntil = now + retentionDays*24*3600
	}
	scheduleCreation(&backup.ResourceMeta)
	if err := s.Store.CreateResource(instance.TenantID, backup); err != nil {
		return err
	}
	for _, snapshot := range snapshots {
		scheduleCreation(&snapshot.ResourceMeta)
		if err := s.Store.CreateResource(instance.TenantID, snapshot); err != nil {
			return err
		}
	}

	be := s.NewBackend(tenant)
	members := make([]tasks.Step, 0, len(snapshots))
	for i := range snapshots {
		members = append(members, s.provisionSnapshot(be, snapshots[i], volumes[i].BackendID))
	}
	s.Exec.Go(ctx, tasks.Graph{
		Name: "backup create",
		Main: tasks.Chain(
			func(context.Context) error {
				backup.BeginCreating()
				return s.Store.Update(backup)
			},
			tasks.Group(members...),
		),
		OnSuccess: func(context.Context) error {
			defer s.publish(TriggerBackupSettled, backup.ID)
			for _, snapshot := range snapshots {
				snapshot.SetOK()
				if err := s.Store.Update(snapshot); err != nil {
					return err
				}
			}
			backup.SetOK()
			return s.Store.Update(backup)
		},
		OnFailure: func(_ context.Context, cause error) error {
			defer s.publish(TriggerBackupSettled, backup.ID)
			for _, snapshot := range snapshots {
				if err := s.markFailed(instance.TenantID, snapshot, cause); err != nil {
					return err
				}
			}
			return s.markFailed(instance.TenantID, backup, cause)
		},
	})
	return nil
}

// DeleteBackup removes the backup's member snapshots from the backend
// and then drops the set locally.
func (s *Service) DeleteBackup(ctx context.Context, backup *models.Backup) error {
	backup.ScheduleDeleting()
	if err := s.Store.Update(backup); err != nil {
		return err
	}
	tenant, err := s.tenant(backup.TenantID)
	if err != nil {
		return err
	}
	snapshots, err := s.Store.BackupSnapshots(backup.ID)
	if err != nil {
		return err
	}

	be := s.NewBackend(tenant)
	s.Exec.Go(ctx, tasks.Graph{
		Name: "backup delete",
		Main: tasks.Chain(
			func(context.Context) error {
				backup.BeginDeleting()
				return s.Store.Update(backup)
			},
			func(ctx context.Context) error {
				for i := range snapshots {
					snapshot := &snapshots[i]
					snapshot.ScheduleDeleting()
					if err := s.Store.Update(snapshot); err != nil {
						return err
					}
					if err := s.removeSnapshot(be, snapshot)(ctx); err != nil {
						return err
					}
					if err := s.Store.DeleteResource(backup.TenantID, snapshot); err != nil {
						return err
					}
				}
				return nil
			},
		),
		OnSuccess: func(context.Context) error {
			defer s.publish(TriggerBackupSettled, backup.ID)
			return s.Store.DeleteResource(backup.TenantID, backup)
		},
		OnFailure: func(_ context.Context, cause error) error {
			defer s.publish(TriggerBackupSettled, backup.ID)
			return s.markFailed(backup.TenantID, backup, cause)
		},
	})
	return nil
}
