// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package operations

import (
	"context"
	"fmt"

	"github.com/opennode/waldur-openstack-sub000/internal/backend"
	"github.com/opennode/waldur-openstack-sub000/internal/backenderr"
	"github.com/opennode/waldur-openstack-sub000/internal/models"
	"github.com/opennode/waldur-openstack-sub000/internal/store"
	"github.com/opennode/waldur-openstack-sub000/internal/tasks"
)

// CreateVolume schedules a standalone volume and provisions it on the
// backend. Returns once the volume is persisted in its scheduled
// state; the graph settles it asynchronously.
func (s *Service) CreateVolume(ctx context.Context, tenantID string, volume *models.Volume) error {
	tenant, err := s.tenant(tenantID)
	if err != nil {
		return err
	}
	if err := s.Store.CheckQuotaHeadroom(tenantID, volume.QuotaDeltas()...); err != nil {
		return err
	}
	scheduleCreation(&volume.ResourceMeta)
	volume.TenantID = tenantID
	if err := s.Store.CreateResource(tenantID, volume); err != nil {
		return err
	}

	be := s.NewBackend(tenant)
	s.Exec.Go(ctx, tasks.Graph{
		Name: "volume create",
		Main: s.provisionVolume(be, volume),
		OnSuccess: func(context.Context) error {
			volume.SetOK()
			defer s.publish(TriggerVolumeSettled, volume.ID)
			return s.Store.Update(volume)
		},
		OnFailure: func(_ context.Context, cause error) error {
			defer s.publish(TriggerVolumeSettled, volume.ID)
			return s.markFailed(tenantID, volume, cause)
		},
	})
	return nil
}

// The chain that provisions one already persisted volume on the
// backend: transition, create, wait until it is available. Shared by
// standalone volumes, instance provisioning and backup scaffolding.
func (s *Service) provisionVolume(be backend.TenantBackend, volume *models.Volume) tasks.Step {
	return tasks.Chain(
		func(context.Context) error {
			volume.BeginCreating()
			return s.Store.Update(volume)
		},
		func(ctx context.Context) error {
			sourceSnapshotBackendID, err := s.snapshotBackendID(volume.SourceSnapshotID)
			if err != nil {
				return err
			}
			if err := be.CreateVolume(ctx, volume, sourceSnapshotBackendID); err != nil {
				return err
			}
			return s.Store.Update(volume)
		},
		s.pollVolume(be, volume),
	)
}

// Wait until the volume has settled on the backend, keeping the local
// runtime state current.
func (s *Service) pollVolume(be backend.TenantBackend, volume *models.Volume) tasks.Step {
	return tasks.Poll(s.Polls.Volume, "create volume",
		func(ctx context.Context) (string, error) {
			state, err := be.GetVolumeRuntimeState(ctx, volume)
			if err != nil {
				return "", err
			}
			if state != volume.RuntimeState {
				volume.RuntimeState = state
				if err := s.Store.Update(volume); err != nil {
					return "", err
				}
			}
			return state, nil
		},
		[]string{backend.VolumeStateAvailable, backend.VolumeStateInUse},
		[]string{backend.VolumeStateError},
	)
}

// Resolve a local snapshot id to its backend id. Empty in, empty out.
func (s *Service) snapshotBackendID(snapshotID string) (string, error) {
	if snapshotID == "" {
		return "", nil
	}
	snapshot, err := store.Get[models.Snapshot](s.Store, snapshotID)
	if err != nil {
		return "", err
	}
	if snapshot == nil {
		return "", fmt.Errorf("source snapshot %q is not tracked", snapshotID)
	}
	return snapshot.BackendID, nil
}

// DeleteVolume removes the volume from the backend and then locally,
// releasing its quota usage.
func (s *Service) DeleteVolume(ctx context.Context, volume *models.Volume) error {
	volume.ScheduleDeleting()
	if err := s.Store.Update(volume); err != nil {
		return err
	}
	tenant, err := s.tenant(volume.TenantID)
	if err != nil {
		return err
	}
	be := s.NewBackend(tenant)
	s.Exec.Go(ctx, tasks.Graph{
		Name: "volume delete",
		Main: s.removeVolume(be, volume),
		OnSuccess: func(context.Context) error {
			defer s.publish(TriggerVolumeSettled, volume.ID)
			return s.Store.DeleteResource(volume.TenantID, volume)
		},
		OnFailure: func(_ context.Context, cause error) error {
			defer s.publish(TriggerVolumeSettled, volume.ID)
			return s.markFailed(volume.TenantID, volume, cause)
		},
	})
	return nil
}

// The chain that removes one volume from the backend and waits until
// it is gone. The local row stays; deleting it is the success
// continuation's business.
func (s *Service) removeVolume(be backend.TenantBackend, volume *models.Volume) tasks.Step {
	return tasks.Chain(
		func(context.Context) error {
			volume.BeginDeleting()
			return s.Store.Update(volume)
		},
		func(ctx context.Context) error {
			return be.DeleteVolume(ctx, volume)
		},
		tasks.PollGone(s.Polls.GoneCheck, "delete volume",
			func(ctx context.Context) (bool, error) {
				return be.VolumeGone(ctx, volume)
			}),
	)
}

// ExtendVolume grows the volume to the given size. Shrinking is not
// supported by the backend.
func (s *Service) ExtendVolume(ctx context.Context, volume *models.Volume, newSizeMiB int64) error {
	if newSizeMiB <= volume.Size {
		return backenderr.New(backenderr.KindPreconditionViolation, "extend volume",
			"new size %d MiB must exceed the current %d MiB", newSizeMiB, volume.Size)
	}
	growth := newSizeMiB - volume.Size
	if err := s.Store.CheckQuotaHeadroom(volume.TenantID,
		models.QuotaDelta{Name: models.QuotaStorage, Delta: growth}); err != nil {
		return err
	}
	volume.ScheduleUpdating()
	if err := s.Store.Update(volume); err != nil {
		return err
	}
	tenant, err := s.tenant(volume.TenantID)
	if err != nil {
		return err
	}
	be := s.NewBackend(tenant)
	s.Exec.Go(ctx, tasks.Graph{
		Name: "volume extend",
		Main: tasks.Chain(
			func(context.Context) error {
				volume.BeginUpdating()
				return s.Store.Update(volume)
			},
			func(ctx context.Context) error {
				return be.ExtendVolume(ctx, volume, newSizeMiB)
			},
			s.pollVolume(be, volume),
		),
		OnSuccess: func(context.Context) error {
			volume.Size = newSizeMiB
			volume.SetOK()
			defer s.publish(TriggerVolumeSettled, volume.ID)
			if err := s.Store.Update(volume); err != nil {
				return err
			}
			return s.Store.AdjustQuotaUsage(volume.TenantID,
				models.QuotaDelta{Name: models.QuotaStorage, Delta: growth})
		},
		OnFailure: func(_ context.Context, cause error) error {
			defer s.publish(TriggerVolumeSettled, volume.ID)
			return s.markFailed(volume.TenantID, volume, cause)
		},
	})
	return nil
}
