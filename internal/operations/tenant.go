// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package operations

import (
	"context"

	"github.com/opennode/waldur-openstack-sub000/internal/backenderr"
	"github.com/opennode/waldur-openstack-sub000/internal/models"
	"github.com/opennode/waldur-openstack-sub000/internal/tasks"
)

// CreateTenant provisions a new project on the backend: the project
// itself and its service user with admin scope, then the tenant's
// internal network wired to the provider's external network, and
// finally the configured quota limits. The quotaLimits are stored as
// the local limits and pushed to the backend, keyed by the local quota
// names.
func (s *Service) CreateTenant(ctx context.Context, tenant *models.Tenant, quotaLimits map[string]int64) error {
	scheduleCreation(&tenant.ResourceMeta)
	if err := s.Store.CreateResource(tenant.ID, tenant); err != nil {
		return err
	}
	for name, limit := range quotaLimits {
		if err := s.Store.SetQuotaLimit(tenant.ID, name, limit); err != nil {
			return err
		}
	}

	s.Exec.Go(ctx, tasks.Graph{
		Name: "tenant create",
		Main: tasks.Chain(
			func(ctx context.Context) error {
				tenant.BeginCreating()
				if err := s.Store.Update(tenant); err != nil {
					return err
				}
				if err := s.AdminBackend.CreateTenant(ctx, tenant); err != nil {
					return err
				}
				return s.Store.Update(tenant)
			},
			func(ctx context.Context) error {
				if err := s.AdminBackend.CreateTenantUser(ctx, tenant); err != nil {
					return err
				}
				return s.Store.Update(tenant)
			},
			// From here on the tenant's own scope works.
			func(ctx context.Context) error {
				be := s.NewBackend(tenant)
				if err := be.CreateInternalNetwork(ctx, tenant); err != nil {
					return err
				}
				if err := s.Store.Update(tenant); err != nil {
					return err
				}
				if err := be.ConnectToExternalNetwork(ctx, tenant); err != nil {
					return err
				}
				if err := s.Store.Update(tenant); err != nil {
					return err
				}
				if len(quotaLimits) == 0 {
					return nil
				}
				return be.PushQuotas(ctx, quotaLimits)
			},
			// Adopt whatever the provider pre-seeds for a fresh project,
			// typically the default security group.
			func(ctx context.Context) error {
				if s.Recon == nil {
					return nil
				}
				be := s.NewBackend(tenant)
				if _, err := s.Recon.SecurityGroups(ctx, be, tenant); err != nil {
					return err
				}
				_, err := s.Recon.Quotas(ctx, be, tenant)
				return err
			},
		),
		OnSuccess: func(context.Context) error {
			tenant.SetOK()
			defer s.publish(TriggerTenantSettled, tenant.ID)
			return s.Store.Update(tenant)
		},
		OnFailure: func(_ context.Context, cause error) error {
			defer s.publish(TriggerTenantSettled, tenant.ID)
			return s.markFailed(tenant.ID, tenant, cause)
		},
	})
	return nil
}

// UpdateTenant pushes the tenant's name and description to the
// backend.
func (s *Service) UpdateTenant(ctx context.Context, tenant *models.Tenant) error {
	tenant.ScheduleUpdating()
	if err := s.Store.Update(tenant); err != nil {
		return err
	}
	s.Exec.Go(ctx, tasks.Graph{
		Name: "tenant update",
		Main: tasks.Chain(
			func(context.Context) error {
				tenant.BeginUpdating()
				return s.Store.Update(tenant)
			},
			func(ctx context.Context) error {
				return s.AdminBackend.UpdateTenant(ctx, tenant)
			},
		),
		OnSuccess: func(context.Context) error {
			tenant.SetOK()
			defer s.publish(TriggerTenantSettled, tenant.ID)
			return s.Store.Update(tenant)
		},
		OnFailure: func(_ context.Context, cause error) error {
			defer s.publish(TriggerTenantSettled, tenant.ID)
			return s.markFailed(tenant.ID, tenant, cause)
		},
	})
	return nil
}

// DeleteTenant removes the backend project, which takes all its
// servers, volumes and networks with it, and then purges everything
// tracked locally for the tenant.
func (s *Service) DeleteTenant(ctx context.Context, tenant *models.Tenant) error {
	tenant.ScheduleDeleting()
	if err := s.Store.Update(tenant); err != nil {
		return err
	}
	s.Exec.Go(ctx, tasks.Graph{
		Name: "tenant delete",
		Main: tasks.Chain(
			func(context.Context) error {
				tenant.BeginDeleting()
				return s.Store.Update(tenant)
			},
			func(ctx context.Context) error {
				return s.AdminBackend.DeleteTenant(ctx, tenant)
			},
			tasks.PollGone(s.Polls.GoneCheck, "delete tenant",
				func(ctx context.Context) (bool, error) {
					return s.AdminBackend.TenantGone(ctx, tenant)
				}),
		),
		OnSuccess: func(context.Context) error {
			defer s.publish(TriggerTenantSettled, tenant.ID)
			return s.Store.PurgeTenant(tenant.ID)
		},
		OnFailure: func(_ context.Context, cause error) error {
			defer s.publish(TriggerTenantSettled, tenant.ID)
			return s.markFailed(tenant.ID, tenant, cause)
		},
	})
	return nil
}

// ChangeTenantUserPassword rotates the tenant service user's password
// and drops the sessions cached under the old one.
func (s *Service) ChangeTenantUserPassword(ctx context.Context, tenant *models.Tenant, newPassword string) error {
	tenant.UserPassword = newPassword
	if err := s.AdminBackend.ChangeTenantUserPassword(ctx, tenant); err != nil {
		return err
	}
	return s.Store.Update(tenant)
}

// AllocateFloatingIP reserves a fresh floating IP in the tenant's
// external network, without attaching it to anything.
func (s *Service) AllocateFloatingIP(ctx context.Context, tenant *models.Tenant) (*models.FloatingIP, error) {
	fip, err := s.bookFloatingIP(tenant.ID)
	if err != nil {
		return nil, err
	}
	if fip.BackendID == "" {
		be := s.NewBackend(tenant)
		if err := be.AllocateFloatingIP(ctx, fip); err != nil {
			// The booking never reached the backend; roll it back.
			if rollbackErr := s.Store.SetFloatingIPStatus(fip, models.FloatingIPStatusDown); rollbackErr == nil {
				_ = s.Store.Delete(fip) //nolint:errcheck // best-effort rollback
			}
			return nil, err
		}
		if err := s.Store.Update(fip); err != nil {
			return nil, err
		}
	}
	// Allocated but unattached: free for the next instance.
	if err := s.Store.SetFloatingIPStatus(fip, models.FloatingIPStatusDown); err != nil {
		return nil, err
	}
	return fip, nil
}

// PushQuotaLimits stores the given limits and pushes them to the
// owning backend services.
func (s *Service) PushQuotaLimits(ctx context.Context, tenant *models.Tenant, limits map[string]int64) error {
	for name, limit := range limits {
		if err := s.Store.SetQuotaLimit(tenant.ID, name, limit); err != nil {
			return err
		}
	}
	be := s.NewBackend(tenant)
	return be.PushQuotas(ctx, limits)
}

// RecoverTenant verifies that an erred tenant still has its backend
// project and moves it back to OK.
func (s *Service) RecoverTenant(ctx context.Context, tenant *models.Tenant) error {
	gone, err := s.AdminBackend.TenantGone(ctx, tenant)
	if err != nil {
		return err
	}
	if gone {
		return backenderr.New(backenderr.KindRuntimeStateError, "recover tenant",
			"tenant %q no longer exists on the backend", tenant.ID)
	}
	tenant.Recover()
	return s.Store.Update(tenant)
}
