// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"testing"
	"time"

	"github.com/opennode/waldur-openstack-sub000/internal/backenderr"
	"github.com/opennode/waldur-openstack-sub000/internal/models"
	testlibDB "github.com/opennode/waldur-openstack-sub000/testlib/db"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	env := testlibDB.SetupDBEnv(t)
	t.Cleanup(env.Close)
	s := New(*env.DB)
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	return s
}

func usage(t *testing.T, s *Store, tenantID, name string) int64 {
	t.Helper()
	quota, err := s.Quota(tenantID, name)
	if err != nil {
		t.Fatal(err)
	}
	return quota.Usage
}

func TestCreateDeleteResourceQuotaConservation(t *testing.T) {
	s := setupStore(t)
	instance := &models.Instance{
		ResourceMeta: models.ResourceMeta{ID: "i1", State: models.StateCreationScheduled},
		TenantID:     "t1",
		Cores:        2,
		RAM:          4096,
	}
	if err := s.CreateResource("t1", instance); err != nil {
		t.Fatal(err)
	}
	if got := usage(t, s, "t1", models.QuotaInstances); got != 1 {
		t.Errorf("expected instance usage 1, got %d", got)
	}
	if got := usage(t, s, "t1", models.QuotaRAM); got != 4096 {
		t.Errorf("expected ram usage 4096, got %d", got)
	}

	if err := s.DeleteResource("t1", instance); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{models.QuotaInstances, models.QuotaRAM, models.QuotaVCPU} {
		if got := usage(t, s, "t1", name); got != 0 {
			t.Errorf("expected %s usage 0 after delete, got %d", name, got)
		}
	}
}

func TestCheckQuotaHeadroom(t *testing.T) {
	s := setupStore(t)
	if err := s.SetQuotaLimit("t1", models.QuotaFloatingIPs, 1); err != nil {
		t.Fatal(err)
	}
	if err := s.SetQuotaUsage("t1", models.QuotaFloatingIPs, 1); err != nil {
		t.Fatal(err)
	}
	err := s.CheckQuotaHeadroom("t1", models.QuotaDelta{Name: models.QuotaFloatingIPs, Delta: 1})
	if err == nil {
		t.Fatal("expected quota exhaustion error")
	}
	if !backenderr.Is(err, backenderr.KindPreconditionViolation) {
		t.Errorf("expected precondition violation, got %v", err)
	}

	// Unlimited quotas never block.
	err = s.CheckQuotaHeadroom("t1", models.QuotaDelta{Name: models.QuotaVolumes, Delta: 100})
	if err != nil {
		t.Errorf("expected headroom on unlimited quota, got %v", err)
	}
}

func TestSetFloatingIPStatusQuotaBoundary(t *testing.T) {
	s := setupStore(t)
	fip := &models.FloatingIP{
		ID: "f1", TenantID: "t1",
		Address: "10.0.0.5", Status: models.FloatingIPStatusDown,
	}
	if err := s.Insert(fip); err != nil {
		t.Fatal(err)
	}

	// DOWN -> BOOKED crosses the boundary once.
	if err := s.SetFloatingIPStatus(fip, models.FloatingIPStatusBooked); err != nil {
		t.Fatal(err)
	}
	if got := usage(t, s, "t1", models.QuotaFloatingIPs); got != 1 {
		t.Errorf("expected usage 1 after booking, got %d", got)
	}

	// BOOKED -> ACTIVE stays on the same side, no adjustment.
	if err := s.SetFloatingIPStatus(fip, models.FloatingIPStatusActive); err != nil {
		t.Fatal(err)
	}
	if got := usage(t, s, "t1", models.QuotaFloatingIPs); got != 1 {
		t.Errorf("expected usage 1 after activation, got %d", got)
	}

	// ACTIVE -> DOWN releases the usage.
	if err := s.SetFloatingIPStatus(fip, models.FloatingIPStatusDown); err != nil {
		t.Fatal(err)
	}
	if got := usage(t, s, "t1", models.QuotaFloatingIPs); got != 0 {
		t.Errorf("expected usage 0 after release, got %d", got)
	}
}

func TestMarkStuckResources(t *testing.T) {
	s := setupStore(t)
	old := time.Now().Add(-2 * time.Hour).Unix()
	stuck := &models.Volume{
		ResourceMeta: models.ResourceMeta{
			ID: "v1", State: models.StateCreating, StateChangedAt: old,
		},
		TenantID: "t1",
	}
	fresh := &models.Volume{
		ResourceMeta: models.ResourceMeta{
			ID: "v2", State: models.StateCreating, StateChangedAt: time.Now().Unix(),
		},
		TenantID: "t1",
	}
	settled := &models.Volume{
		ResourceMeta: models.ResourceMeta{
			ID: "v3", State: models.StateOK, StateChangedAt: old,
		},
		TenantID: "t1",
	}
	if err := s.Insert(stuck, fresh, settled); err != nil {
		t.Fatal(err)
	}

	n, err := s.MarkStuckResources(time.Now().Add(-30 * time.Minute).Unix())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 stuck resource, got %d", n)
	}
	got, err := Get[models.Volume](s, "v1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != models.StateErred {
		t.Errorf("expected v1 erred, got %s", got.State)
	}
	got, err = Get[models.Volume](s, "v2")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != models.StateCreating {
		t.Errorf("expected v2 untouched, got %s", got.State)
	}
}

func TestFreeFloatingIP(t *testing.T) {
	s := setupStore(t)
	if err := s.Insert(
		&models.FloatingIP{ID: "f1", TenantID: "t1", Status: models.FloatingIPStatusActive},
		&models.FloatingIP{ID: "f2", TenantID: "t1", Status: models.FloatingIPStatusDown},
	); err != nil {
		t.Fatal(err)
	}
	fip, err := s.FreeFloatingIP("t1")
	if err != nil {
		t.Fatal(err)
	}
	if fip == nil || fip.ID != "f2" {
		t.Errorf("expected f2 to be free, got %+v", fip)
	}
	fip, err = s.FreeFloatingIP("t2")
	if err != nil {
		t.Fatal(err)
	}
	if fip != nil {
		t.Errorf("expected no free IP for other tenant, got %+v", fip)
	}
}
