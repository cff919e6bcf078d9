// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package recon

import (
	"context"
	"testing"

	"github.com/opennode/waldur-openstack-sub000/internal/backend"
	"github.com/opennode/waldur-openstack-sub000/internal/models"
	"github.com/opennode/waldur-openstack-sub000/internal/store"
	testlibBackend "github.com/opennode/waldur-openstack-sub000/testlib/backend"
	testlibDB "github.com/opennode/waldur-openstack-sub000/testlib/db"
	testlibMQTT "github.com/opennode/waldur-openstack-sub000/testlib/mqtt"
)

func setupReconciler(t *testing.T, mock *testlibBackend.MockBackend) (*Reconciler, *store.Store, *models.Tenant) {
	env := testlibDB.SetupDBEnv(t)
	t.Cleanup(env.Close)
	s := store.New(*env.DB)
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	tenant := &models.Tenant{
		ResourceMeta: models.ResourceMeta{
			ID:        "tenant-1",
			Name:      "tenant-1",
			BackendID: "project-1",
			State:     models.StateOK,
		},
	}
	if err := s.Insert(tenant); err != nil {
		t.Fatal(err)
	}
	r := &Reconciler{
		Store:      s,
		MqttClient: &testlibMQTT.MockClient{},
		NewBackend: func(*models.Tenant) backend.TenantBackend { return mock },
	}
	return r, s, tenant
}

func TestSecurityGroupsAdoptsRemoteGroup(t *testing.T) {
	mock := &testlibBackend.MockBackend{
		ListSecurityGroupsFunc: func(context.Context) ([]backend.RemoteSecurityGroup, error) {
			return []backend.RemoteSecurityGroup{{
				BackendID: "sg-1",
				Name:      "web",
				Rules: []backend.RemoteRule{
					{BackendID: "r-1", Protocol: "tcp", FromPort: 80, ToPort: 80, CIDR: "0.0.0.0/0"},
					{BackendID: "r-2", Protocol: "tcp", FromPort: 443, ToPort: 443, CIDR: "0.0.0.0/0"},
				},
			}}, nil
		},
	}
	r, s, tenant := setupReconciler(t, mock)

	changed, err := r.SecurityGroups(t.Context(), mock, tenant)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("expected the adoption to report a change")
	}
	groups, err := s.TenantSecurityGroups(tenant.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || groups[0].Name != "web" || groups[0].State != models.StateOK {
		t.Fatalf("unexpected groups after adoption: %+v", groups)
	}
	rules, err := s.GroupRules(groups[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 2 {
		t.Errorf("adopted %d rules, want 2", len(rules))
	}
	groupQuota, err := s.Quota(tenant.ID, models.QuotaSecurityGroups)
	if err != nil {
		t.Fatal(err)
	}
	if groupQuota.Usage != 1 {
		t.Errorf("group quota usage = %d, want 1", groupQuota.Usage)
	}
	ruleQuota, err := s.Quota(tenant.ID, models.QuotaSecurityGroupRules)
	if err != nil {
		t.Fatal(err)
	}
	if ruleQuota.Usage != 2 {
		t.Errorf("rule quota usage = %d, want 2", ruleQuota.Usage)
	}
}

func TestSecurityGroupsRuleOrderDoesNotMatter(t *testing.T) {
	mock := &testlibBackend.MockBackend{
		ListSecurityGroupsFunc: func(context.Context) ([]backend.RemoteSecurityGroup, error) {
			return []backend.RemoteSecurityGroup{{
				BackendID: "sg-1",
				Name:      "web",
				Rules: []backend.RemoteRule{
					// Reversed relative to the local rows below.
					{Protocol: "tcp", FromPort: 443, ToPort: 443, CIDR: "0.0.0.0/0"},
					{Protocol: "tcp", FromPort: 80, ToPort: 80, CIDR: "0.0.0.0/0"},
				},
			}}, nil
		},
	}
	r, s, tenant := setupReconciler(t, mock)
	group := &models.SecurityGroup{
		ResourceMeta: models.ResourceMeta{
			ID: "g-1", Name: "web", BackendID: "sg-1", State: models.StateOK,
		},
		TenantID: tenant.ID,
	}
	if err := s.Insert(group); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(
		&models.SecurityGroupRule{ID: "lr-1", GroupID: "g-1", Protocol: "tcp", FromPort: 80, ToPort: 80, CIDR: "0.0.0.0/0"},
		&models.SecurityGroupRule{ID: "lr-2", GroupID: "g-1", Protocol: "tcp", FromPort: 443, ToPort: 443, CIDR: "0.0.0.0/0"},
	); err != nil {
		t.Fatal(err)
	}

	changed, err := r.SecurityGroups(t.Context(), mock, tenant)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("equal rule sets in a different order must not be a difference")
	}
}

func TestSecurityGroupsDropsVanishedGroup(t *testing.T) {
	mock := &testlibBackend.MockBackend{}
	r, s, tenant := setupReconciler(t, mock)
	group := &models.SecurityGroup{
		ResourceMeta: models.ResourceMeta{
			ID: "g-1", Name: "web", BackendID: "sg-1", State: models.StateOK,
		},
		TenantID: tenant.ID,
	}
	if err := s.CreateResource(tenant.ID, group); err != nil {
		t.Fatal(err)
	}

	changed, err := r.SecurityGroups(t.Context(), mock, tenant)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("expected the drop to report a change")
	}
	groups, err := s.TenantSecurityGroups(tenant.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 0 {
		t.Fatalf("group not dropped: %+v", groups)
	}
	quota, err := s.Quota(tenant.ID, models.QuotaSecurityGroups)
	if err != nil {
		t.Fatal(err)
	}
	if quota.Usage != 0 {
		t.Errorf("group quota usage = %d, want 0", quota.Usage)
	}
}

func TestSecurityGroupsSkipsGroupsBeingUpdated(t *testing.T) {
	mock := &testlibBackend.MockBackend{
		ListSecurityGroupsFunc: func(context.Context) ([]backend.RemoteSecurityGroup, error) {
			return []backend.RemoteSecurityGroup{{
				BackendID: "sg-1", Name: "renamed-remotely",
			}}, nil
		},
	}
	r, s, tenant := setupReconciler(t, mock)
	group := &models.SecurityGroup{
		ResourceMeta: models.ResourceMeta{
			ID: "g-1", Name: "web", BackendID: "sg-1", State: models.StateUpdateScheduled,
		},
		TenantID: tenant.ID,
	}
	if err := s.Insert(group); err != nil {
		t.Fatal(err)
	}

	changed, err := r.SecurityGroups(t.Context(), mock, tenant)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("a group with a pending local update must not be overwritten")
	}
	kept, err := store.Get[models.SecurityGroup](s, "g-1")
	if err != nil {
		t.Fatal(err)
	}
	if kept.Name != "web" {
		t.Errorf("local name overwritten to %q", kept.Name)
	}
}

func TestFloatingIPsBookedSurvivesRemoteDown(t *testing.T) {
	mock := &testlibBackend.MockBackend{
		ListFloatingIPsFunc: func(context.Context) ([]backend.RemoteFloatingIP, error) {
			return []backend.RemoteFloatingIP{{
				BackendID: "fip-1", Address: "203.0.113.9",
				Status: models.FloatingIPStatusDown,
			}}, nil
		},
	}
	r, s, tenant := setupReconciler(t, mock)
	fip := &models.FloatingIP{
		ID: "f-1", TenantID: tenant.ID, Address: "203.0.113.9",
		Status: models.FloatingIPStatusBooked, BackendID: "fip-1",
	}
	if err := s.Insert(fip); err != nil {
		t.Fatal(err)
	}

	changed, err := r.FloatingIPs(t.Context(), mock, tenant)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("a booked IP reported DOWN must not be a difference")
	}
	kept, err := store.Get[models.FloatingIP](s, "f-1")
	if err != nil {
		t.Fatal(err)
	}
	if kept.Status != models.FloatingIPStatusBooked {
		t.Errorf("status = %q, want BOOKED", kept.Status)
	}
}

func TestFloatingIPsAdoptionCountsQuotaOnce(t *testing.T) {
	mock := &testlibBackend.MockBackend{
		ListFloatingIPsFunc: func(context.Context) ([]backend.RemoteFloatingIP, error) {
			return []backend.RemoteFloatingIP{
				{BackendID: "fip-1", Address: "203.0.113.9", Status: models.FloatingIPStatusActive},
				{BackendID: "fip-2", Address: "203.0.113.10", Status: models.FloatingIPStatusDown},
			}, nil
		},
	}
	r, s, tenant := setupReconciler(t, mock)

	// Two rounds: the second must not change anything, in particular
	// not double-count the quota usage.
	for round := 0; round < 2; round++ {
		changed, err := r.FloatingIPs(t.Context(), mock, tenant)
		if err != nil {
			t.Fatal(err)
		}
		if changed != (round == 0) {
			t.Errorf("round %d changed=%v", round, changed)
		}
	}
	quota, err := s.Quota(tenant.ID, models.QuotaFloatingIPs)
	if err != nil {
		t.Fatal(err)
	}
	// Only the ACTIVE IP counts.
	if quota.Usage != 1 {
		t.Errorf("floating ip quota usage = %d, want 1", quota.Usage)
	}
}

func TestFloatingIPsDropsVanishedIP(t *testing.T) {
	mock := &testlibBackend.MockBackend{}
	r, s, tenant := setupReconciler(t, mock)
	fip := &models.FloatingIP{
		ID: "f-1", TenantID: tenant.ID, Address: "203.0.113.9",
		Status: models.FloatingIPStatusActive, BackendID: "fip-1",
	}
	if err := s.Insert(fip); err != nil {
		t.Fatal(err)
	}
	if err := s.SetQuotaUsage(tenant.ID, models.QuotaFloatingIPs, 1); err != nil {
		t.Fatal(err)
	}

	changed, err := r.FloatingIPs(t.Context(), mock, tenant)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("expected the drop to report a change")
	}
	quota, err := s.Quota(tenant.ID, models.QuotaFloatingIPs)
	if err != nil {
		t.Fatal(err)
	}
	if quota.Usage != 0 {
		t.Errorf("quota usage = %d, want 0", quota.Usage)
	}
}

func TestQuotasOverwritesLocalValues(t *testing.T) {
	mock := &testlibBackend.MockBackend{
		PullQuotasFunc: func(context.Context) (map[string]backend.QuotaValue, error) {
			return map[string]backend.QuotaValue{
				models.QuotaInstances: {Limit: 10, Usage: 3},
				models.QuotaStorage:   {Limit: 102400, Usage: 20480},
			}, nil
		},
	}
	r, s, tenant := setupReconciler(t, mock)

	changed, err := r.Quotas(t.Context(), mock, tenant)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("expected fresh quota values to report a change")
	}
	quota, err := s.Quota(tenant.ID, models.QuotaInstances)
	if err != nil {
		t.Fatal(err)
	}
	if quota.Limit != 10 || quota.Usage != 3 {
		t.Errorf("instances quota = %+v, want limit 10 usage 3", quota)
	}

	// Unchanged values must not report a change.
	changed, err = r.Quotas(t.Context(), mock, tenant)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("unchanged quota values reported a change")
	}
}
