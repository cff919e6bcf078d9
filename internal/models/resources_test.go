// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package models

import "testing"

func TestInstanceQuotaDeltas(t *testing.T) {
	instance := Instance{Cores: 4, RAM: 8192}
	deltas := map[string]int64{}
	for _, d := range instance.QuotaDeltas() {
		deltas[d.Name] = d.Delta
	}
	if deltas[QuotaInstances] != 1 || deltas[QuotaVCPU] != 4 || deltas[QuotaRAM] != 8192 {
		t.Errorf("unexpected instance deltas: %v", deltas)
	}
}

func TestVolumeQuotaDeltas(t *testing.T) {
	volume := Volume{Size: 10240}
	deltas := map[string]int64{}
	for _, d := range volume.QuotaDeltas() {
		deltas[d.Name] = d.Delta
	}
	if deltas[QuotaVolumes] != 1 || deltas[QuotaStorage] != 10240 {
		t.Errorf("unexpected volume deltas: %v", deltas)
	}
}

func TestFloatingIPQuotaCounting(t *testing.T) {
	if (FloatingIP{Status: FloatingIPStatusDown}).CountsAgainstQuota() {
		t.Error("DOWN floating IPs must not count against the quota")
	}
	if !(FloatingIP{Status: FloatingIPStatusActive}).CountsAgainstQuota() {
		t.Error("ACTIVE floating IPs must count against the quota")
	}
	if !(FloatingIP{Status: FloatingIPStatusBooked}).CountsAgainstQuota() {
		t.Error("BOOKED floating IPs must count against the quota")
	}
}

// The closed set of orchestrated resource kinds.
func TestResourceInterface(t *testing.T) {
	resources := []Resource{
		&Tenant{}, &Instance{}, &Volume{}, &Snapshot{},
		&SecurityGroup{}, &VolumeBackup{}, &DRBackup{}, &Backup{},
	}
	seen := map[string]bool{}
	for _, r := range resources {
		name := r.TableName()
		if seen[name] {
			t.Errorf("duplicate table name %s", name)
		}
		seen[name] = true
		if r.Meta() == nil {
			t.Errorf("%s: nil meta", name)
		}
	}
}
