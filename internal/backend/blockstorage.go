// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"

	"github.com/gophercloud/gophercloud/v2/openstack/blockstorage/v3/backups"
	"github.com/gophercloud/gophercloud/v2/openstack/blockstorage/v3/snapshots"
	"github.com/gophercloud/gophercloud/v2/openstack/blockstorage/v3/volumes"

	"github.com/opennode/waldur-openstack-sub000/internal/models"
)

// Runtime states reported by the block storage service that the task
// graphs poll for.
const (
	VolumeStateAvailable = "available"
	VolumeStateInUse     = "in-use"
	VolumeStateError     = "error"
)

func (b *tenantBackend) CreateVolume(ctx context.Context, volume *models.Volume, sourceSnapshotBackendID string) error {
	return b.do(ctx, "create volume", func(ctx context.Context) error {
		sc, err := b.clients.blockStorage(ctx)
		if err != nil {
			return err
		}
		opts := volumes.CreateOpts{
			Size:        MiBToGiB(volume.Size),
			Name:        volume.Name,
			Description: volume.Description,
			VolumeType:  volume.Type,
			SnapshotID:  sourceSnapshotBackendID,
			ImageID:     volume.ImageBackendID,
		}
		if b.tenant != nil {
			opts.AvailabilityZone = b.tenant.AvailabilityZone
		}
		created, err := volumes.Create(ctx, sc, opts, nil).Extract()
		if err != nil {
			return err
		}
		volume.BackendID = created.ID
		volume.RuntimeState = created.Status
		return nil
	})
}

func (b *tenantBackend) DeleteVolume(ctx context.Context, volume *models.Volume) error {
	return b.do(ctx, "delete volume", func(ctx context.Context) error {
		sc, err := b.clients.blockStorage(ctx)
		if err != nil {
			return err
		}
		err = volumes.Delete(ctx, sc, volume.BackendID, volumes.DeleteOpts{}).ExtractErr()
		if isNotFound(err) {
			return nil
		}
		return err
	})
}

func (b *tenantBackend) VolumeGone(ctx context.Context, volume *models.Volume) (bool, error) {
	var gone bool
	err := b.do(ctx, "check volume", func(ctx context.Context) error {
		sc, err := b.clients.blockStorage(ctx)
		if err != nil {
			return err
		}
		_, err = volumes.Get(ctx, sc, volume.BackendID).Extract()
		if isNotFound(err) {
			gone = true
			return nil
		}
		return err
	})
	return gone, err
}

func (b *tenantBackend) GetVolumeRuntimeState(ctx context.Context, volume *models.Volume) (string, error) {
	var state string
	err := b.do(ctx, "get volume state", func(ctx context.Context) error {
		sc, err := b.clients.blockStorage(ctx)
		if err != nil {
			return err
		}
		found, err := volumes.Get(ctx, sc, volume.BackendID).Extract()
		if err != nil {
			return err
		}
		state = found.Status
		return nil
	})
	return state, err
}

func (b *tenantBackend) ExtendVolume(ctx context.Context, volume *models.Volume, newSizeMiB int64) error {
	return b.do(ctx, "extend volume", func(ctx context.Context) error {
		sc, err := b.clients.blockStorage(ctx)
		if err != nil {
			return err
		}
		return volumes.ExtendSize(ctx, sc, volume.BackendID, volumes.ExtendSizeOpts{
			NewSize: MiBToGiB(newSizeMiB),
		}).ExtractErr()
	})
}

func (b *tenantBackend) CreateSnapshot(ctx context.Context, snapshot *models.Snapshot, sourceBackendID string) error {
	return b.do(ctx, "create snapshot", func(ctx context.Context) error {
		sc, err := b.clients.blockStorage(ctx)
		if err != nil {
			return err
		}
		created, err := snapshots.Create(ctx, sc, snapshots.CreateOpts{
			VolumeID:    sourceBackendID,
			Name:        snapshot.Name,
			Description: snapshot.Description,
			// Snapshots of attached volumes need force, the volumes of
			// a running instance are in-use.
			Force: true,
		}).Extract()
		if err != nil {
			return err
		}
		snapshot.BackendID = created.ID
		snapshot.RuntimeState = created.Status
		return nil
	})
}

func (b *tenantBackend) DeleteSnapshot(ctx context.Context, snapshot *models.Snapshot) error {
	return b.do(ctx, "delete snapshot", func(ctx context.Context) error {
		sc, err := b.clients.blockStorage(ctx)
		if err != nil {
			return err
		}
		err = snapshots.Delete(ctx, sc, snapshot.BackendID).ExtractErr()
		if isNotFound(err) {
			return nil
		}
		return err
	})
}

func (b *tenantBackend) SnapshotGone(ctx context.Context, snapshot *models.Snapshot) (bool, error) {
	var gone bool
	err := b.do(ctx, "check snapshot", func(ctx context.Context) error {
		sc, err := b.clients.blockStorage(ctx)
		if err != nil {
			return err
		}
		_, err = snapshots.Get(ctx, sc, snapshot.BackendID).Extract()
		if isNotFound(err) {
			gone = true
			return nil
		}
		return err
	})
	return gone, err
}

func (b *tenantBackend) GetSnapshotRuntimeState(ctx context.Context, snapshot *models.Snapshot) (string, error) {
	var state string
	err := b.do(ctx, "get snapshot state", func(ctx context.Context) error {
		sc, err := b.clients.blockStorage(ctx)
		if err != nil {
			return err
		}
		found, err := snapshots.Get(ctx, sc, snapshot.BackendID).Extract()
		if err != nil {
			return err
		}
		state = found.Status
		return nil
	})
	return state, err
}

func (b *tenantBackend) CreateVolumeBackup(ctx context.Context, backup *models.VolumeBackup, sourceBackendID string) error {
	return b.do(ctx, "create volume backup", func(ctx context.Context) error {
		sc, err := b.clients.blockStorage(ctx)
		if err != nil {
			return err
		}
		created, err := backups.Create(ctx, sc, backups.CreateOpts{
			VolumeID:    sourceBackendID,
			Name:        backup.Name,
			Description: backup.Description,
		}).Extract()
		if err != nil {
			return err
		}
		backup.BackendID = created.ID
		backup.RuntimeState = created.Status
		return nil
	})
}

func (b *tenantBackend) DeleteVolumeBackup(ctx context.Context, backup *models.VolumeBackup) error {
	return b.do(ctx, "delete volume backup", func(ctx context.Context) error {
		sc, err := b.clients.blockStorage(ctx)
		if err != nil {
			return err
		}
		err = backups.Delete(ctx, sc, backup.BackendID).ExtractErr()
		if isNotFound(err) {
			return nil
		}
		return err
	})
}

func (b *tenantBackend) VolumeBackupGone(ctx context.Context, backup *models.VolumeBackup) (bool, error) {
	var gone bool
	err := b.do(ctx, "check volume backup", func(ctx context.Context) error {
		sc, err := b.clients.blockStorage(ctx)
		if err != nil {
			return err
		}
		_, err = backups.Get(ctx, sc, backup.BackendID).Extract()
		if isNotFound(err) {
			gone = true
			return nil
		}
		return err
	})
	return gone, err
}

func (b *tenantBackend) GetVolumeBackupRuntimeState(ctx context.Context, backup *models.VolumeBackup) (string, error) {
	var state string
	err := b.do(ctx, "get volume backup state", func(ctx context.Context) error {
		sc, err := b.clients.blockStorage(ctx)
		if err != nil {
			return err
		}
		found, err := backups.Get(ctx, sc, backup.BackendID).Extract()
		if err != nil {
			return err
		}
		state = found.Status
		return nil
	})
	return state, err
}

// Export the portable backup record so the backup can be imported into
// another deployment. The record is stored on the local backup row.
func (b *tenantBackend) ExportVolumeBackupRecord(ctx context.Context, backup *models.VolumeBackup) error {
	return b.do(ctx, "export volume backup record", func(ctx context.Context) error {
		sc, err := b.clients.blockStorage(ctx)
		if err != nil {
			return err
		}
		record, err := backups.Export(ctx, sc, backup.BackendID).Extract()
		if err != nil {
			return err
		}
		backup.RecordService = record.BackupService
		backup.RecordURL = string(record.BackupURL)
		return nil
	})
}

// Register a previously exported backup record with the backend,
// assigning the backup a fresh backend id.
func (b *tenantBackend) ImportVolumeBackupRecord(ctx context.Context, backup *models.VolumeBackup) error {
	return b.do(ctx, "import volume backup record", func(ctx context.Context) error {
		sc, err := b.clients.blockStorage(ctx)
		if err != nil {
			return err
		}
		imported, err := backups.Import(ctx, sc, backups.ImportOpts{
			BackupService: backup.RecordService,
			BackupURL:     []byte(backup.RecordURL),
		}).Extract()
		if err != nil {
			return err
		}
		backup.BackendID = imported.ID
		return nil
	})
}

// Restore the backup into a new volume; the created volume's backend
// id is set on the target model.
func (b *tenantBackend) RestoreVolumeBackup(ctx context.Context, backup *models.VolumeBackup, into *models.Volume) error {
	return b.do(ctx, "restore volume backup", func(ctx context.Context) error {
		sc, err := b.clients.blockStorage(ctx)
		if err != nil {
			return err
		}
		restored, err := backups.RestoreFromBackup(ctx, sc, backup.BackendID, backups.RestoreOpts{
			Name: into.Name,
		}).Extract()
		if err != nil {
			return err
		}
		into.BackendID = restored.VolumeID
		return nil
	})
}
