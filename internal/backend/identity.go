// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"fmt"

	"github.com/gophercloud/gophercloud/v2/openstack/identity/v3/projects"
	"github.com/gophercloud/gophercloud/v2/openstack/identity/v3/roles"
	"github.com/gophercloud/gophercloud/v2/openstack/identity/v3/users"

	"github.com/opennode/waldur-openstack-sub000/internal/backenderr"
	"github.com/opennode/waldur-openstack-sub000/internal/models"
)

// Role granted to tenant service users on their project.
const tenantUserRole = "member"

func (b *tenantBackend) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	return b.do(ctx, "create tenant", func(ctx context.Context) error {
		sc, err := b.clients.identity(ctx)
		if err != nil {
			return err
		}
		enabled := true
		project, err := projects.Create(ctx, sc, projects.CreateOpts{
			Name:        tenant.Name,
			Description: tenant.Description,
			Enabled:     &enabled,
		}).Extract()
		if err != nil {
			return err
		}
		tenant.BackendID = project.ID
		return nil
	})
}

func (b *tenantBackend) UpdateTenant(ctx context.Context, tenant *models.Tenant) error {
	return b.do(ctx, "update tenant", func(ctx context.Context) error {
		sc, err := b.clients.identity(ctx)
		if err != nil {
			return err
		}
		description := tenant.Description
		_, err = projects.Update(ctx, sc, tenant.BackendID, projects.UpdateOpts{
			Name:        tenant.Name,
			Description: &description,
		}).Extract()
		return err
	})
}

func (b *tenantBackend) DeleteTenant(ctx context.Context, tenant *models.Tenant) error {
	return b.do(ctx, "delete tenant", func(ctx context.Context) error {
		sc, err := b.clients.identity(ctx)
		if err != nil {
			return err
		}
		err = projects.Delete(ctx, sc, tenant.BackendID).ExtractErr()
		if isNotFound(err) {
			// Deleting something already gone is a success.
			return nil
		}
		return err
	})
}

func (b *tenantBackend) TenantGone(ctx context.Context, tenant *models.Tenant) (bool, error) {
	var gone bool
	err := b.do(ctx, "check tenant", func(ctx context.Context) error {
		sc, err := b.clients.identity(ctx)
		if err != nil {
			return err
		}
		_, err = projects.Get(ctx, sc, tenant.BackendID).Extract()
		if isNotFound(err) {
			gone = true
			return nil
		}
		return err
	})
	return gone, err
}

// Create the tenant's service user and grant it the member role on the
// tenant's project. The credentials must already be set on the tenant.
func (b *tenantBackend) CreateTenantUser(ctx context.Context, tenant *models.Tenant) error {
	return b.do(ctx, "create tenant user", func(ctx context.Context) error {
		sc, err := b.clients.identity(ctx)
		if err != nil {
			return err
		}
		enabled := true
		user, err := users.Create(ctx, sc, users.CreateOpts{
			Name:             tenant.UserUsername,
			Password:         tenant.UserPassword,
			DefaultProjectID: tenant.BackendID,
			Enabled:          &enabled,
		}).Extract()
		if err != nil {
			return err
		}
		allPages, err := roles.List(sc, roles.ListOpts{Name: tenantUserRole}).AllPages(ctx)
		if err != nil {
			return err
		}
		found, err := roles.ExtractRoles(allPages)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return backenderr.New(backenderr.KindBackendError, "create tenant user",
				"role %q not found", tenantUserRole)
		}
		return roles.Assign(ctx, sc, found[0].ID, roles.AssignOpts{
			UserID:    user.ID,
			ProjectID: tenant.BackendID,
		}).ExtractErr()
	})
}

func (b *tenantBackend) ChangeTenantUserPassword(ctx context.Context, tenant *models.Tenant) error {
	return b.do(ctx, "change tenant user password", func(ctx context.Context) error {
		sc, err := b.clients.identity(ctx)
		if err != nil {
			return err
		}
		allPages, err := users.List(sc, users.ListOpts{Name: tenant.UserUsername}).AllPages(ctx)
		if err != nil {
			return err
		}
		found, err := users.ExtractUsers(allPages)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return fmt.Errorf("user %q not found", tenant.UserUsername)
		}
		_, err = users.Update(ctx, sc, found[0].ID, users.UpdateOpts{
			Password: tenant.UserPassword,
		}).Extract()
		return err
	})
}
