// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package operations

import (
	"context"

	"github.com/google/uuid"

	"github.com/opennode/waldur-openstack-sub000/internal/backend"
	"github.com/opennode/waldur-openstack-sub000/internal/backenderr"
	"github.com/opennode/waldur-openstack-sub000/internal/models"
	"github.com/opennode/waldur-openstack-sub000/internal/store"
	"github.com/opennode/waldur-openstack-sub000/internal/tasks"
)

// CreateInstance provisions a virtual machine. An instance is always
// built from exactly two volumes: a bootable system volume and a data
// volume. The volumes are provisioned concurrently, then the server is
// booted from them; an external address can be assigned from the
// tenant's floating IP pool. Returns once the scheduled rows are
// persisted; the graph settles them asynchronously.
func (s *Service) CreateInstance(ctx context.Context, tenantID string, instance *models.Instance, volumes []*models.Volume, groupIDs []string, assignFloatingIP bool) error {
	system, data, err := splitInstanceVolumes(volumes)
	if err != nil {
		return err
	}

	deltas := instance.QuotaDeltas()
	deltas = append(deltas, system.QuotaDeltas()...)
	deltas = append(deltas, data.QuotaDeltas()...)
	if err := s.Store.CheckQuotaHeadroom(tenantID, deltas...); err != nil {
		return err
	}

	tenant, err := s.tenant(tenantID)
	if err != nil {
		return err
	}
	groupBackendIDs, err := s.groupBackendIDs(groupIDs)
	if err != nil {
		return err
	}

	scheduleCreation(&instance.ResourceMeta)
	instance.TenantID = tenantID
	if err := s.Store.CreateResource(tenantID, instance); err != nil {
		return err
	}
	for _, volume := range volumes {
		scheduleCreation(&volume.ResourceMeta)
		volume.TenantID = tenantID
		volume.InstanceID = instance.ID
		if err := s.Store.CreateResource(tenantID, volume); err != nil {
			return err
		}
	}
	for _, groupID := range groupIDs {
		err := s.Store.Insert(&models.InstanceSecurityGroup{
			InstanceID: instance.ID, GroupID: groupID,
		})
		if err != nil {
			return err
		}
	}

	var fip *models.FloatingIP
	if assignFloatingIP {
		fip, err = s.bookFloatingIP(tenantID)
		if err != nil {
			return err
		}
	}

	be := s.NewBackend(tenant)
	s.Exec.Go(ctx, tasks.Graph{
		Name: "instance create",
		Main: tasks.Chain(
			tasks.Group(
				s.provisionVolume(be, system),
				s.provisionVolume(be, data),
			),
			// Volumes are ready, boot the server from them.
			func(ctx context.Context) error {
				instance.BeginCreating()
				if err := s.Store.Update(instance); err != nil {
					return err
				}
				if err := be.CreateServer(ctx, instance, system, data, groupBackendIDs); err != nil {
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
			s.assignFloatingIP(be, instance, fip),
		),
		OnSuccess: func(context.Context) error {
			defer s.publish(TriggerInstanceSettled, instance.ID)
			system.SetOK()
			data.SetOK()
			instance.SetOK()
			return s.Store.Update(system, data, instance)
		},
		OnFailure: func(_ context.Context, cause error) error {
			defer s.publish(TriggerInstanceSettled, instance.ID)
			if fip != nil {
				if err := s.Store.SetFloatingIPStatus(fip, models.FloatingIPStatusDown); err != nil {
					return err
				}
				// An IP that was only ever booked locally leaves nothing
				// behind on the backend.
				if fip.BackendID == "" {
					if err := s.Store.Delete(fip); err != nil {
						return err
					}
				}
			}
			for _, volume := range volumes {
				if err := s.markFailed(tenantID, volume, cause); err != nil {
					return err
				}
			}
			return s.markFailed(tenantID, instance, cause)
		},
	})
	return nil
}

// Exactly two volumes, exactly one of them bootable.
func splitInstanceVolumes(volumes []*models.Volume) (system, data *models.Volume, err error) {
	if len(volumes) != 2 {
		return nil, nil, backenderr.New(backenderr.KindPreconditionViolation,
			"create instance", "an instance takes exactly 2 volumes, got %d", len(volumes))
	}
	for _, volume := range volumes {
		if volume.Bootable {
			if system != nil {
				return nil, nil, backenderr.New(backenderr.KindPreconditionViolation,
					"create instance", "exactly one volume must be bootable")
			}
			system = volume
		} else {
			data = volume
		}
	}
	if system == nil || data == nil {
		return nil, nil, backenderr.New(backenderr.KindPreconditionViolation,
			"create instance", "exactly one volume must be bootable")
	}
	return system, data, nil
}

func (s *Service) groupBackendIDs(groupIDs []string) ([]string, error) {
	backendIDs := make([]string, 0, len(groupIDs))
	for _, groupID := range groupIDs {
		group, err := store.Get[models.SecurityGroup](s.Store, groupID)
		if err != nil {
			return nil, err
		}
		if group == nil || group.BackendID == "" {
			return nil, backenderr.New(backenderr.KindPreconditionViolation,
				"create instance", "security group %q is not provisioned", groupID)
		}
		backendIDs = append(backendIDs, group.BackendID)
	}
	return backendIDs, nil
}

// Book a floating IP for an instance that is about to be provisioned.
// A free IP of the tenant is reused; otherwise a fresh one is booked
// locally, to be allocated on the backend during provisioning. The
// quota is checked before anything is touched, so exhaustion surfaces
// before the first remote call.
func (s *Service) bookFloatingIP(tenantID string) (*models.FloatingIP, error) {
	fip, err := s.Store.FreeFloatingIP(tenantID)
	if err != nil {
		return nil, err
	}
	if fip == nil {
		err := s.Store.CheckQuotaHeadroom(tenantID,
			models.QuotaDelta{Name: models.QuotaFloatingIPs, Delta: 1})
		if err != nil {
			return nil, err
		}
		fip = &models.FloatingIP{
			ID:       uuid.NewString(),
			TenantID: tenantID,
			Status:   models.FloatingIPStatusDown,
		}
		if err := s.Store.Insert(fip); err != nil {
			return nil, err
		}
	}
	if err := s.Store.SetFloatingIPStatus(fip, models.FloatingIPStatusBooked); err != nil {
		return nil, err
	}
	return fip, nil
}

// The steps that turn a booked floating IP into the instance's
// external address. A noop when no IP was requested.
func (s *Service) assignFloatingIP(be backend.TenantBackend, instance *models.Instance, fip *models.FloatingIP) tasks.Step {
	if fip == nil {
		return tasks.Noop
	}
	return tasks.Chain(
		func(ctx context.Context) error {
			if fip.BackendID != "" {
				return nil
			}
			if err := be.AllocateFloatingIP(ctx, fip); err != nil {
				return err
			}
			// Allocation reports DOWN; the local booking stands until
			// the IP is attached.
			fip.Status = models.FloatingIPStatusBooked
			return s.Store.Update(fip)
		},
		func(ctx context.Context) error {
			if err := be.AssociateFloatingIP(ctx, fip, instance); err != nil {
				return err
			}
			if err := s.Store.SetFloatingIPStatus(fip, models.FloatingIPStatusActive); err != nil {
				return err
			}
			instance.ExternalIP = fip.Address
			return s.Store.Update(instance)
		},
	)
}

// Wait until the server has settled on the backend, keeping the local
// runtime state current.
func (s *Service) pollServer(be backend.TenantBackend, instance *models.Instance, target string) tasks.Step {
	return tasks.Poll(s.Polls.Instance, "poll server",
		func(ctx context.Context) (string, error) {
			state, err := be.GetServerRuntimeState(ctx, instance)
			if err != nil {
				return "", err
			}
			if state != instance.RuntimeState {
				instance.RuntimeState = state
				if err := s.Store.Update(instance); err != nil {
					return "", err
				}
			}
			return state, nil
		},
		[]string{target},
		[]string{backend.ServerStateError},
	)
}

// DeleteInstance removes the server, waits until it is gone and then
// removes its volumes, releasing the instance's external address back
// into the tenant's pool.
func (s *Service) DeleteInstance(ctx context.Context, instance *models.Instance) error {
	instance.ScheduleDeleting()
	if err := s.Store.Update(instance); err != nil {
		return err
	}
	tenant, err := s.tenant(instance.TenantID)
	if err != nil {
		return err
	}
	volumes, err := s.Store.InstanceVolumes(instance.ID)
	if err != nil {
		return err
	}

	be := s.NewBackend(tenant)
	s.Exec.Go(ctx, tasks.Graph{
		Name: "instance delete",
		Main: tasks.Chain(
			func(context.Context) error {
				instance.BeginDeleting()
				return s.Store.Update(instance)
			},
			func(ctx context.Context) error {
				return be.DeleteServer(ctx, instance)
			},
			tasks.PollGone(s.Polls.GoneCheck, "delete server",
				func(ctx context.Context) (bool, error) {
					return be.ServerGone(ctx, instance)
				}),
			func(ctx context.Context) error {
				// The server is gone, its volumes are detached now.
				for i := range volumes {
					volume := &volumes[i]
					volume.ScheduleDeleting()
					if err := s.Store.Update(volume); err != nil {
						return err
					}
					if err := s.removeVolume(be, volume)(ctx); err != nil {
						return err
					}
					if err := s.Store.DeleteResource(instance.TenantID, volume); err != nil {
						return err
					}
				}
				return nil
			},
		),
		OnSuccess: func(context.Context) error {
			defer s.publish(TriggerInstanceSettled, instance.ID)
			if err := s.releaseInstanceAddress(instance); err != nil {
				return err
			}
			return s.Store.DeleteResource(instance.TenantID, instance)
		},
		OnFailure: func(_ context.Context, cause error) error {
			defer s.publish(TriggerInstanceSettled, instance.ID)
			return s.markFailed(instance.TenantID, instance, cause)
		},
	})
	return nil
}

// Put the floating IP that carried the instance's external address
// back into the pool.
func (s *Service) releaseInstanceAddress(instance *models.Instance) error {
	if instance.ExternalIP == "" {
		return nil
	}
	fips, err := s.Store.TenantFloatingIPs(instance.TenantID)
	if err != nil {
		return err
	}
	for i := range fips {
		if fips[i].Address != instance.ExternalIP {
			continue
		}
		return s.Store.SetFloatingIPStatus(&fips[i], models.FloatingIPStatusDown)
	}
	return nil
}

// StartInstance powers the server on.
func (s *Service) StartInstance(ctx context.Context, instance *models.Instance) error {
	return s.serverAction(ctx, instance, "instance start",
		backend.TenantBackend.StartServer, backend.ServerStateActive)
}

// StopInstance powers the server off.
func (s *Service) StopInstance(ctx context.Context, instance *models.Instance) error {
	return s.serverAction(ctx, instance, "instance stop",
		backend.TenantBackend.StopServer, backend.ServerStateShutoff)
}

// RestartInstance reboots the server.
func (s *Service) RestartInstance(ctx context.Context, instance *models.Instance) error {
	return s.serverAction(ctx, instance, "instance restart",
		backend.TenantBackend.RebootServer, backend.ServerStateActive)
}

// A power action is an update: the instance is locked in UPDATING
// while the backend works, then polled until the target state.
func (s *Service) serverAction(ctx context.Context, instance *models.Instance, name string, action func(backend.TenantBackend, context.Context, *models.Instance) error, target string) error {
	instance.ScheduleUpdating()
	if err := s.Store.Update(instance); err != nil {
		return err
	}
	tenant, err := s.tenant(instance.TenantID)
	if err != nil {
		return err
	}
	be := s.NewBackend(tenant)
	s.Exec.Go(ctx, tasks.Graph{
		Name: name,
		Main: tasks.Chain(
			func(context.Context) error {
				instance.BeginUpdating()
				return s.Store.Update(instance)
			},
			func(ctx context.Context) error {
				return action(be, ctx, instance)
			},
			s.pollServer(be, instance, target),
		),
		OnSuccess: func(context.Context) error {
			instance.SetOK()
			defer s.publish(TriggerInstanceSettled, instance.ID)
			return s.Store.Update(instance)
		},
		OnFailure: func(_ context.Context, cause error) error {
			defer s.publish(TriggerInstanceSettled, instance.ID)
			return s.markFailed(instance.TenantID, instance, cause)
		},
	})
	return nil
}

// ResizeInstance moves the server to another flavor and confirms the
// resize once the backend has staged it.
func (s *Service) ResizeInstance(ctx context.Context, instance *models.Instance, flavor models.Flavor) error {
	coreGrowth := flavor.Cores - instance.Cores
	ramGrowth := flavor.RAM - instance.RAM
	err := s.Store.CheckQuotaHeadroom(instance.TenantID,
		models.QuotaDelta{Name: models.QuotaVCPU, Delta: coreGrowth},
		models.QuotaDelta{Name: models.QuotaRAM, Delta: ramGrowth},
	)
	if err != nil {
		return err
	}
	instance.ScheduleUpdating()
	if err := s.Store.Update(instance); err != nil {
		return err
	}
	tenant, err := s.tenant(instance.TenantID)
	if err != nil {
		return err
	}
	be := s.NewBackend(tenant)
	s.Exec.Go(ctx, tasks.Graph{
		Name: "instance resize",
		Main: tasks.Chain(
			func(context.Context) error {
				instance.BeginUpdating()
				return s.Store.Update(instance)
			},
			func(ctx context.Context) error {
				return be.ResizeServer(ctx, instance, flavor.BackendID)
			},
			s.pollServer(be, instance, backend.ServerStateVerifyResize),
			func(ctx context.Context) error {
				return be.ConfirmServerResize(ctx, instance)
			},
			s.pollServer(be, instance, backend.ServerStateActive),
		),
		OnSuccess: func(context.Context) error {
			defer s.publish(TriggerInstanceSettled, instance.ID)
			instance.FlavorName = flavor.Name
			instance.FlavorBackendID = flavor.BackendID
			instance.Cores = flavor.Cores
			instance.RAM = flavor.RAM
			instance.SetOK()
			if err := s.Store.Update(instance); err != nil {
				return err
			}
			return s.Store.AdjustQuotaUsage(instance.TenantID,
				models.QuotaDelta{Name: models.QuotaVCPU, Delta: coreGrowth},
				models.QuotaDelta{Name: models.QuotaRAM, Delta: ramGrowth},
			)
		},
		OnFailure: func(_ context.Context, cause error) error {
			defer s.publish(TriggerInstanceSettled, instance.ID)
			return s.markFailed(instance.TenantID, instance, cause)
		},
	})
	return nil
}
