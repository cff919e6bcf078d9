// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package recon

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/go-gorp/gorp"
	"github.com/google/uuid"

	"github.com/opennode/waldur-openstack-sub000/internal/backend"
	"github.com/opennode/waldur-openstack-sub000/internal/db"
	"github.com/opennode/waldur-openstack-sub000/internal/models"
	"github.com/opennode/waldur-openstack-sub000/internal/store"
)

// SecurityGroups converges the tenant's security groups against the
// backend. Groups created out of band are adopted, groups that
// vanished are dropped with their rules, and groups present on both
// sides are overwritten with the backend values when their content
// differs. All local changes of one round land in one transaction.
func (r *Reconciler) SecurityGroups(ctx context.Context, be backend.TenantBackend, tenant *models.Tenant) (bool, error) {
	remote, err := be.ListSecurityGroups(ctx)
	if err != nil {
		return false, err
	}
	local, err := r.Store.TenantSecurityGroups(tenant.ID)
	if err != nil {
		return false, err
	}
	localRules := make(map[string][]models.SecurityGroupRule, len(local))
	for _, group := range local {
		rules, err := r.Store.GroupRules(group.ID)
		if err != nil {
			return false, err
		}
		localRules[group.ID] = rules
	}

	localByBackendID := make(map[string]*models.SecurityGroup, len(local))
	for i := range local {
		localByBackendID[local[i].BackendID] = &local[i]
	}

	changed := false
	err = db.RunInTransaction(r.Store.DB, func(tx *gorp.Transaction) error {
		seen := make(map[string]bool, len(remote))
		for _, remoteGroup := range remote {
			seen[remoteGroup.BackendID] = true
			localGroup, ok := localByBackendID[remoteGroup.BackendID]
			if !ok {
				if err := adoptGroup(tx, tenant.ID, remoteGroup); err != nil {
					return err
				}
				changed = true
				continue
			}
			// An update of this group is already underway locally; the
			// local content is ahead of the backend, not behind it.
			if localGroup.State == models.StateUpdateScheduled ||
				localGroup.State == models.StateUpdating {
				continue
			}
			if groupsEqual(localGroup, localRules[localGroup.ID], remoteGroup) {
				continue
			}
			if err := overwriteGroup(tx, tenant.ID, localGroup, localRules[localGroup.ID], remoteGroup); err != nil {
				return err
			}
			changed = true
		}
		for i := range local {
			localGroup := &local[i]
			if seen[localGroup.BackendID] || localGroup.State.IsInProgress() ||
				localGroup.State.IsScheduled() {
				continue
			}
			if err := dropGroup(tx, tenant.ID, localGroup, localRules[localGroup.ID]); err != nil {
				return err
			}
			changed = true
		}
		return nil
	})
	return changed, err
}

// Adopt a group that exists on the backend but not locally.
func adoptGroup(tx *gorp.Transaction, tenantID string, remoteGroup backend.RemoteSecurityGroup) error {
	group := &models.SecurityGroup{
		ResourceMeta: models.ResourceMeta{
			ID:             uuid.NewString(),
			Name:           remoteGroup.Name,
			Description:    remoteGroup.Description,
			BackendID:      remoteGroup.BackendID,
			State:          models.StateOK,
			StateChangedAt: time.Now().Unix(),
		},
		TenantID: tenantID,
	}
	if err := tx.Insert(group); err != nil {
		return err
	}
	for _, remoteRule := range remoteGroup.Rules {
		rule := localRuleFrom(group.ID, remoteRule)
		if err := tx.Insert(&rule); err != nil {
			return err
		}
	}
	deltas := append(group.QuotaDeltas(),
		models.QuotaDelta{Name: models.QuotaSecurityGroupRules, Delta: int64(len(remoteGroup.Rules))})
	return store.AdjustQuotaUsageTx(tx, tenantID, deltas...)
}

// Overwrite a diverged local group with the backend content. The rule
// set is replaced wholesale; diffing single rules buys nothing since
// rules have no local state of their own.
func overwriteGroup(tx *gorp.Transaction, tenantID string, localGroup *models.SecurityGroup, oldRules []models.SecurityGroupRule, remoteGroup backend.RemoteSecurityGroup) error {
	localGroup.Name = remoteGroup.Name
	localGroup.Description = remoteGroup.Description
	if _, err := tx.Update(localGroup); err != nil {
		return err
	}
	for i := range oldRules {
		if _, err := tx.Delete(&oldRules[i]); err != nil {
			return err
		}
	}
	for _, remoteRule := range remoteGroup.Rules {
		rule := localRuleFrom(localGroup.ID, remoteRule)
		if err := tx.Insert(&rule); err != nil {
			return err
		}
	}
	ruleDelta := int64(len(remoteGroup.Rules) - len(oldRules))
	if ruleDelta == 0 {
		return nil
	}
	return store.AdjustQuotaUsageTx(tx, tenantID,
		models.QuotaDelta{Name: models.QuotaSecurityGroupRules, Delta: ruleDelta})
}

// Drop a local group whose backend counterpart vanished.
func dropGroup(tx *gorp.Transaction, tenantID string, localGroup *models.SecurityGroup, rules []models.SecurityGroupRule) error {
	for i := range rules {
		if _, err := tx.Delete(&rules[i]); err != nil {
			return err
		}
	}
	if _, err := tx.Delete(localGroup); err != nil {
		return err
	}
	deltas := []models.QuotaDelta{
		{Name: models.QuotaSecurityGroups, Delta: -1},
		{Name: models.QuotaSecurityGroupRules, Delta: -int64(len(rules))},
	}
	return store.AdjustQuotaUsageTx(tx, tenantID, deltas...)
}

func localRuleFrom(groupID string, remoteRule backend.RemoteRule) models.SecurityGroupRule {
	return models.SecurityGroupRule{
		ID:        uuid.NewString(),
		GroupID:   groupID,
		BackendID: remoteRule.BackendID,
		Protocol:  remoteRule.Protocol,
		FromPort:  remoteRule.FromPort,
		ToPort:    remoteRule.ToPort,
		CIDR:      remoteRule.CIDR,
	}
}

// One rule reduced to the fields that define it, normalized for
// comparison.
type ruleKey struct {
	Protocol string
	FromPort int64
	ToPort   int64
	CIDR     string
}

func (k ruleKey) compare(other ruleKey) int {
	if c := strings.Compare(k.Protocol, other.Protocol); c != 0 {
		return c
	}
	if k.FromPort != other.FromPort {
		if k.FromPort < other.FromPort {
			return -1
		}
		return 1
	}
	if k.ToPort != other.ToPort {
		if k.ToPort < other.ToPort {
			return -1
		}
		return 1
	}
	return strings.Compare(k.CIDR, other.CIDR)
}

func normalizeCIDR(cidr string) string {
	if cidr == "" {
		return backend.AnyCIDR
	}
	return cidr
}

// Whether the local group matches the backend content: same name and
// the same rule multiset. Both sides are sorted by (protocol,
// from port, to port, cidr) before pairing so that rule order, which
// neither side guarantees, cannot produce spurious differences.
func groupsEqual(localGroup *models.SecurityGroup, localRules []models.SecurityGroupRule, remoteGroup backend.RemoteSecurityGroup) bool {
	if localGroup.Name != remoteGroup.Name {
		return false
	}
	if len(localRules) != len(remoteGroup.Rules) {
		return false
	}
	localKeys := make([]ruleKey, len(localRules))
	for i, rule := range localRules {
		localKeys[i] = ruleKey{rule.Protocol, rule.FromPort, rule.ToPort, normalizeCIDR(rule.CIDR)}
	}
	remoteKeys := make([]ruleKey, len(remoteGroup.Rules))
	for i, rule := range remoteGroup.Rules {
		remoteKeys[i] = ruleKey{rule.Protocol, rule.FromPort, rule.ToPort, normalizeCIDR(rule.CIDR)}
	}
	slices.SortFunc(localKeys, ruleKey.compare)
	slices.SortFunc(remoteKeys, ruleKey.compare)
	return slices.Equal(localKeys, remoteKeys)
}
