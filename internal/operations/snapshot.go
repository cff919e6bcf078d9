// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package operations

import (
	"context"
	"fmt"

	"github.com/opennode/waldur-openstack-sub000/internal/backend"
	"github.com/opennode/waldur-openstack-sub000/internal/models"
	"github.com/opennode/waldur-openstack-sub000/internal/store"
	"github.com/opennode/waldur-openstack-sub000/internal/tasks"
)

// CreateSnapshot schedules a point-in-time snapshot of a volume.
func (s *Service) CreateSnapshot(ctx context.Context, tenantID string, snapshot *models.Snapshot) error {
	tenant, err := s.tenant(tenantID)
	if err != nil {
		return err
	}
	source, err := store.Get[models.Volume](s.Store, snapshot.SourceVolumeID)
	if err != nil {
		return err
	}
	if source == nil {
		return fmt.Errorf("source volume %q is not tracked", snapshot.SourceVolumeID)
	}
	snapshot.Size = source.Size
	if err := s.Store.CheckQuotaHeadroom(tenantID, snapshot.QuotaDeltas()...); err != nil {
		return err
	}
	scheduleCreation(&snapshot.ResourceMeta)
	snapshot.TenantID = tenantID
	if err := s.Store.CreateResource(tenantID, snapshot); err != nil {
		return err
	}

	be := s.NewBackend(tenant)
	s.Exec.Go(ctx, tasks.Graph{
		Name: "snapshot create",
		Main: s.provisionSnapshot(be, snapshot, source.BackendID),
		OnSuccess: func(context.Context) error {
			snapshot.SetOK()
			defer s.publish(TriggerSnapshotSettled, snapshot.ID)
			return s.Store.Update(snapshot)
		},
		OnFailure: func(_ context.Context, cause error) error {
			defer s.publish(TriggerSnapshotSettled, snapshot.ID)
			return s.markFailed(tenantID, snapshot, cause)
		},
	})
	return nil
}

// The chain that snapshots one volume on the backend and waits until
// the snapshot is available. Shared with the backup scaffolding.
func (s *Service) provisionSnapshot(be backend.TenantBackend, snapshot *models.Snapshot, sourceBackendID string) tasks.Step {
	return tasks.Chain(
		func(context.Context) error {
			snapshot.BeginCreating()
			return s.Store.Update(snapshot)
		},
		func(ctx context.Context) error {
			if err := be.CreateSnapshot(ctx, snapshot, sourceBackendID); err != nil {
				return err
			}
			return s.Store.Update(snapshot)
		},
		tasks.Poll(s.Polls.Snapshot, "create snapshot",
			func(ctx context.Context) (string, error) {
				state, err := be.GetSnapshotRuntimeState(ctx, snapshot)
				if err != nil {
					return "", err
				}
				if state != snapshot.RuntimeState {
					snapshot.RuntimeState = state
					if err := s.Store.Update(snapshot); err != nil {
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

// DeleteSnapshot removes the snapshot from the backend and then
// locally, releasing its quota usage.
func (s *Service) DeleteSnapshot(ctx context.Context, snapshot *models.Snapshot) error {
	snapshot.ScheduleDeleting()
	if err := s.Store.Update(snapshot); err != nil {
		return err
	}
	tenant, err := s.tenant(snapshot.TenantID)
	if err != nil {
		return err
	}
	be := s.NewBackend(tenant)
	s.Exec.Go(ctx, tasks.Graph{
		Name: "snapshot delete",
		Main: s.removeSnapshot(be, snapshot),
		OnSuccess: func(context.Context) error {
			defer s.publish(TriggerSnapshotSettled, snapshot.ID)
			return s.Store.DeleteResource(snapshot.TenantID, snapshot)
		},
		OnFailure: func(_ context.Context, cause error) error {
			defer s.publish(TriggerSnapshotSettled, snapshot.ID)
			return s.markFailed(snapshot.TenantID, snapshot, cause)
		},
	})
	return nil
}

func (s *Service) removeSnapshot(be backend.TenantBackend, snapshot *models.Snapshot) tasks.Step {
	return tasks.Chain(
		func(context.Context) error {
			snapshot.BeginDeleting()
			return s.Store.Update(snapshot)
		},
		func(ctx context.Context) error {
			return be.DeleteSnapshot(ctx, snapshot)
		},
		tasks.PollGone(s.Polls.GoneCheck, "delete snapshot",
			func(ctx context.Context) (bool, error) {
				return be.SnapshotGone(ctx, snapshot)
			}),
	)
}
