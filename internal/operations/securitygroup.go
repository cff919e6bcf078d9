// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package operations

import (
	"context"

	"github.com/opennode/waldur-openstack-sub000/internal/models"
	"github.com/opennode/waldur-openstack-sub000/internal/tasks"
)

// CreateSecurityGroup schedules a security group with its rules and
// pushes them to the backend. Rules live and die with their group.
func (s *Service) CreateSecurityGroup(ctx context.Context, tenantID string, group *models.SecurityGroup, rules []models.SecurityGroupRule) error {
	deltas := append(group.QuotaDeltas(),
		models.QuotaDelta{Name: models.QuotaSecurityGroupRules, Delta: int64(len(rules))})
	if err := s.Store.CheckQuotaHeadroom(tenantID, deltas...); err != nil {
		return err
	}
	tenant, err := s.tenant(tenantID)
	if err != nil {
		return err
	}
	scheduleCreation(&group.ResourceMeta)
	group.TenantID = tenantID
	if err := s.Store.CreateResource(tenantID, group); err != nil {
		return err
	}
	for i := range rules {
		rules[i].GroupID = group.ID
		if err := s.Store.Insert(&rules[i]); err != nil {
			return err
		}
	}
	if err := s.Store.AdjustQuotaUsage(tenantID,
		models.QuotaDelta{Name: models.QuotaSecurityGroupRules, Delta: int64(len(rules))}); err != nil {
		return err
	}

	be := s.NewBackend(tenant)
	s.Exec.Go(ctx, tasks.Graph{
		Name: "security group create",
		Main: tasks.Chain(
			func(context.Context) error {
				group.BeginCreating()
				return s.Store.Update(group)
			},
			func(ctx context.Context) error {
				if err := be.CreateSecurityGroup(ctx, group, rules); err != nil {
					return err
				}
				// The backend filled in the rule backend ids.
				objs := []any{group}
				for i := range rules {
					objs = append(objs, &rules[i])
				}
				return s.Store.Update(objs...)
			},
		),
		OnSuccess: func(context.Context) error {
			group.SetOK()
			defer s.publish(TriggerSecurityGroupSettled, group.ID)
			return s.Store.Update(group)
		},
		OnFailure: func(_ context.Context, cause error) error {
			defer s.publish(TriggerSecurityGroupSettled, group.ID)
			if group.BackendID == "" {
				// Rolling back the group releases its quota; the rules
				// and their quota go with it.
				for i := range rules {
					if err := s.Store.Delete(&rules[i]); err != nil {
						return err
					}
				}
				if err := s.Store.AdjustQuotaUsage(tenantID,
					models.QuotaDelta{Name: models.QuotaSecurityGroupRules, Delta: -int64(len(rules))}); err != nil {
					return err
				}
			}
			return s.markFailed(tenantID, group, cause)
		},
	})
	return nil
}

// UpdateSecurityGroup pushes the group's current local content, name
// and rules alike, to the backend.
func (s *Service) UpdateSecurityGroup(ctx context.Context, group *models.SecurityGroup) error {
	group.ScheduleUpdating()
	if err := s.Store.Update(group); err != nil {
		return err
	}
	tenant, err := s.tenant(group.TenantID)
	if err != nil {
		return err
	}
	rules, err := s.Store.GroupRules(group.ID)
	if err != nil {
		return err
	}
	be := s.NewBackend(tenant)
	s.Exec.Go(ctx, tasks.Graph{
		Name: "security group update",
		Main: tasks.Chain(
			func(context.Context) error {
				group.BeginUpdating()
				return s.Store.Update(group)
			},
			func(ctx context.Context) error {
				if err := be.UpdateSecurityGroup(ctx, group, rules); err != nil {
					return err
				}
				objs := make([]any, 0, len(rules))
				for i := range rules {
					objs = append(objs, &rules[i])
				}
				return s.Store.Update(objs...)
			},
		),
		OnSuccess: func(context.Context) error {
			group.SetOK()
			defer s.publish(TriggerSecurityGroupSettled, group.ID)
			return s.Store.Update(group)
		},
		OnFailure: func(_ context.Context, cause error) error {
			defer s.publish(TriggerSecurityGroupSettled, group.ID)
			return s.markFailed(group.TenantID, group, cause)
		},
	})
	return nil
}

// DeleteSecurityGroup removes the group from the backend and then
// locally together with its rules.
func (s *Service) DeleteSecurityGroup(ctx context.Context, group *models.SecurityGroup) error {
	group.ScheduleDeleting()
	if err := s.Store.Update(group); err != nil {
		return err
	}
	tenant, err := s.tenant(group.TenantID)
	if err != nil {
		return err
	}
	be := s.NewBackend(tenant)
	s.Exec.Go(ctx, tasks.Graph{
		Name: "security group delete",
		Main: tasks.Chain(
			func(context.Context) error {
				group.BeginDeleting()
				return s.Store.Update(group)
			},
			func(ctx context.Context) error {
				return be.DeleteSecurityGroup(ctx, group)
			},
		),
		OnSuccess: func(context.Context) error {
			defer s.publish(TriggerSecurityGroupSettled, group.ID)
			rules, err := s.Store.GroupRules(group.ID)
			if err != nil {
				return err
			}
			for i := range rules {
				if err := s.Store.Delete(&rules[i]); err != nil {
					return err
				}
			}
			if len(rules) > 0 {
				if err := s.Store.AdjustQuotaUsage(group.TenantID,
					models.QuotaDelta{Name: models.QuotaSecurityGroupRules, Delta: -int64(len(rules))}); err != nil {
					return err
				}
			}
			return s.Store.DeleteResource(group.TenantID, group)
		},
		OnFailure: func(_ context.Context, cause error) error {
			defer s.publish(TriggerSecurityGroupSettled, group.ID)
			return s.markFailed(group.TenantID, group, cause)
		},
	})
	return nil
}
