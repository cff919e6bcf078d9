// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package operations

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/opennode/waldur-openstack-sub000/internal/backend"
	"github.com/opennode/waldur-openstack-sub000/internal/backenderr"
	"github.com/opennode/waldur-openstack-sub000/internal/conf"
	"github.com/opennode/waldur-openstack-sub000/internal/models"
	"github.com/opennode/waldur-openstack-sub000/internal/store"
	"github.com/opennode/waldur-openstack-sub000/internal/tasks"
	testlibBackend "github.com/opennode/waldur-openstack-sub000/testlib/backend"
	testlibDB "github.com/opennode/waldur-openstack-sub000/testlib/db"
	testlibMQTT "github.com/opennode/waldur-openstack-sub000/testlib/mqtt"
)

// Budgets without sleeps, so exhausted polls fail fast.
func testPolls() conf.PollConfig {
	budget := conf.PollBudget{IntervalSeconds: 0, MaxAttempts: 5}
	return conf.PollConfig{
		Instance: budget, Volume: budget, Snapshot: budget,
		Backup: budget, GoneCheck: budget,
	}
}

func setupService(t *testing.T, mock *testlibBackend.MockBackend) (*Service, *store.Store, *models.Tenant) {
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
	svc := &Service{
		Store:        s,
		Exec:         tasks.NewExecutor(tasks.Monitor{}),
		Polls:        testPolls(),
		MqttClient:   &testlibMQTT.MockClient{},
		NewBackend:   func(*models.Tenant) backend.TenantBackend { return mock },
		AdminBackend: mock,
	}
	return svc, s, tenant
}

func instanceVolumes() (*models.Instance, []*models.Volume) {
	instance := &models.Instance{
		FlavorName: "m1.small", FlavorBackendID: "flavor-1",
		Cores: 2, RAM: 2048,
	}
	instance.ID = "i-1"
	instance.Name = "vm"
	system := &models.Volume{Size: 10240, Bootable: true, ImageBackendID: "img-1"}
	system.ID = "v-sys"
	system.Name = "vm-system"
	data := &models.Volume{Size: 20480}
	data.ID = "v-data"
	data.Name = "vm-data"
	return instance, []*models.Volume{system, data}
}

// A mock whose create calls hand out backend ids and whose runtime
// state lookups settle immediately.
func happyMock() *testlibBackend.MockBackend {
	return &testlibBackend.MockBackend{
		CreateVolumeFunc: func(_ context.Context, volume *models.Volume, _ string) error {
			volume.BackendID = "os-" + volume.ID
			return nil
		},
		GetVolumeRuntimeStateFunc: func(context.Context, *models.Volume) (string, error) {
			return backend.VolumeStateAvailable, nil
		},
		CreateServerFunc: func(_ context.Context, instance *models.Instance, _, _ *models.Volume, _ []string) error {
			instance.BackendID = "os-" + instance.ID
			return nil
		},
		GetServerRuntimeStateFunc: func(context.Context, *models.Instance) (string, error) {
			return backend.ServerStateActive, nil
		},
		PullServerFunc: func(_ context.Context, instance *models.Instance) error {
			instance.InternalIP = "192.168.42.10"
			return nil
		},
		CreateSnapshotFunc: func(_ context.Context, snapshot *models.Snapshot, _ string) error {
			snapshot.BackendID = "os-" + snapshot.ID
			return nil
		},
		GetSnapshotRuntimeStateFunc: func(context.Context, *models.Snapshot) (string, error) {
			return backend.VolumeStateAvailable, nil
		},
		CreateVolumeBackupFunc: func(_ context.Context, vb *models.VolumeBackup, _ string) error {
			vb.BackendID = "os-" + vb.ID
			return nil
		},
		GetVolumeBackupRuntimeStateFunc: func(context.Context, *models.VolumeBackup) (string, error) {
			return backend.VolumeStateAvailable, nil
		},
		ExportVolumeBackupRecordFunc: func(_ context.Context, vb *models.VolumeBackup) error {
			vb.RecordService = "cinder"
			vb.RecordURL = "record://" + vb.ID
			return nil
		},
	}
}

func TestCreateInstanceProvisionsEverything(t *testing.T) {
	mock := happyMock()
	svc, s, tenant := setupService(t, mock)
	instance, volumes := instanceVolumes()

	err := svc.CreateInstance(t.Context(), tenant.ID, instance, volumes, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	svc.Exec.Drain()

	got, err := store.Get[models.Instance](s, instance.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.State != models.StateOK {
		t.Fatalf("instance not settled OK: %+v", got)
	}
	if got.BackendID != "os-i-1" || got.InternalIP != "192.168.42.10" {
		t.Errorf("instance not filled from the backend: %+v", got)
	}
	for _, id := range []string{"v-sys", "v-data"} {
		volume, err := store.Get[models.Volume](s, id)
		if err != nil {
			t.Fatal(err)
		}
		if volume == nil || volume.State != models.StateOK || volume.InstanceID != instance.ID {
			t.Errorf("volume %s not settled: %+v", id, volume)
		}
	}

	for name, want := range map[string]int64{
		models.QuotaInstances: 1,
		models.QuotaVCPU:      2,
		models.QuotaRAM:       2048,
		models.QuotaVolumes:   2,
		models.QuotaStorage:   10240 + 20480,
	} {
		quota, err := s.Quota(tenant.ID, name)
		if err != nil {
			t.Fatal(err)
		}
		if quota.Usage != want {
			t.Errorf("quota %s: usage %d, want %d", name, quota.Usage, want)
		}
	}
}

func TestCreateInstanceRequiresExactlyTwoVolumes(t *testing.T) {
	svc, _, tenant := setupService(t, happyMock())
	instance, volumes := instanceVolumes()

	err := svc.CreateInstance(t.Context(), tenant.ID, instance, volumes[:1], nil, false)
	if backenderr.KindOf(err) != backenderr.KindPreconditionViolation {
		t.Fatalf("expected a precondition violation, got %v", err)
	}

	both := []*models.Volume{volumes[0], volumes[1]}
	both[1].Bootable = true
	err = svc.CreateInstance(t.Context(), tenant.ID, instance, both, nil, false)
	if backenderr.KindOf(err) != backenderr.KindPreconditionViolation {
		t.Fatalf("expected a precondition violation, got %v", err)
	}
}

func TestCreateInstanceFloatingIPQuotaCheckedBeforeBackend(t *testing.T) {
	var backendCalls atomic.Int64
	mock := happyMock()
	base := mock.CreateVolumeFunc
	mock.CreateVolumeFunc = func(ctx context.Context, volume *models.Volume, src string) error {
		backendCalls.Add(1)
		return base(ctx, volume, src)
	}
	svc, s, tenant := setupService(t, mock)
	if err := s.SetQuotaLimit(tenant.ID, models.QuotaFloatingIPs, 0); err != nil {
		t.Fatal(err)
	}
	instance, volumes := instanceVolumes()

	err := svc.CreateInstance(t.Context(), tenant.ID, instance, volumes, nil, true)
	svc.Exec.Drain()
	if backenderr.KindOf(err) != backenderr.KindPreconditionViolation {
		t.Fatalf("expected a precondition violation, got %v", err)
	}
	if n := backendCalls.Load(); n != 0 {
		t.Errorf("backend was called %d times before the quota check failed", n)
	}
}

func TestCreateVolumeFailureRollsBackScheduledRow(t *testing.T) {
	mock := happyMock()
	mock.CreateVolumeFunc = func(context.Context, *models.Volume, string) error {
		return errors.New("boom")
	}
	svc, s, tenant := setupService(t, mock)

	volume := &models.Volume{Size: 10240}
	volume.ID = "v-1"
	volume.Name = "orphan"
	if err := svc.CreateVolume(t.Context(), tenant.ID, volume); err != nil {
		t.Fatal(err)
	}
	svc.Exec.Drain()

	got, err := store.Get[models.Volume](s, volume.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("row without a backend counterpart should be rolled back, got %+v", got)
	}
	quota, err := s.Quota(tenant.ID, models.QuotaStorage)
	if err != nil {
		t.Fatal(err)
	}
	if quota.Usage != 0 {
		t.Errorf("storage usage not rolled back: %d", quota.Usage)
	}
}

func TestCreateVolumeErredStateMarksRow(t *testing.T) {
	mock := happyMock()
	mock.GetVolumeRuntimeStateFunc = func(context.Context, *models.Volume) (string, error) {
		return backend.VolumeStateError, nil
	}
	svc, s, tenant := setupService(t, mock)

	volume := &models.Volume{Size: 10240}
	volume.ID = "v-1"
	volume.Name = "broken"
	if err := svc.CreateVolume(t.Context(), tenant.ID, volume); err != nil {
		t.Fatal(err)
	}
	svc.Exec.Drain()

	got, err := store.Get[models.Volume](s, volume.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.State != models.StateErred {
		t.Fatalf("row with a backend counterpart should be erred, got %+v", got)
	}
	if got.ErrorMessage == "" {
		t.Error("erred row carries no error message")
	}
	// The backend object exists, so the usage stays booked.
	quota, err := s.Quota(tenant.ID, models.QuotaStorage)
	if err != nil {
		t.Fatal(err)
	}
	if quota.Usage != 10240 {
		t.Errorf("storage usage of the erred volume dropped: %d", quota.Usage)
	}
}

func TestDeleteInstanceReleasesEverything(t *testing.T) {
	mock := happyMock()
	svc, s, tenant := setupService(t, mock)
	instance, volumes := instanceVolumes()
	if err := svc.CreateInstance(t.Context(), tenant.ID, instance, volumes, nil, false); err != nil {
		t.Fatal(err)
	}
	svc.Exec.Drain()

	if err := svc.DeleteInstance(t.Context(), instance); err != nil {
		t.Fatal(err)
	}
	svc.Exec.Drain()

	got, err := store.Get[models.Instance](s, instance.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("instance row survived its deletion: %+v", got)
	}
	for _, name := range []string{
		models.QuotaInstances, models.QuotaVCPU, models.QuotaRAM,
		models.QuotaVolumes, models.QuotaStorage,
	} {
		quota, err := s.Quota(tenant.ID, name)
		if err != nil {
			t.Fatal(err)
		}
		if quota.Usage != 0 {
			t.Errorf("quota %s not released: usage %d", name, quota.Usage)
		}
	}
}

func TestCreateBackupSnapshotsAllVolumes(t *testing.T) {
	mock := happyMock()
	svc, s, tenant := setupService(t, mock)
	instance, volumes := instanceVolumes()
	if err := svc.CreateInstance(t.Context(), tenant.ID, instance, volumes, nil, false); err != nil {
		t.Fatal(err)
	}
	svc.Exec.Drain()

	backup := &models.Backup{InstanceID: instance.ID}
	backup.ID = "b-1"
	backup.Name = "nightly"
	if err := svc.CreateBackup(t.Context(), backup, 7); err != nil {
		t.Fatal(err)
	}
	svc.Exec.Drain()

	got, err := store.Get[models.Backup](s, backup.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.State != models.StateOK {
		t.Fatalf("backup not settled OK: %+v", got)
	}
	if got.KeptUntil <= got.CreatedAt {
		t.Errorf("retention not applied: created %d, kept until %d", got.CreatedAt, got.KeptUntil)
	}
	snapshots, err := s.BackupSnapshots(backup.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(snapshots) != 2 {
		t.Fatalf("expected one snapshot per volume, got %d", len(snapshots))
	}
	for _, snapshot := range snapshots {
		if snapshot.State != models.StateOK || snapshot.BackendID == "" {
			t.Errorf("member snapshot not settled: %+v", snapshot)
		}
	}
}

func TestCreateDRBackupCleansScaffolding(t *testing.T) {
	mock := happyMock()
	svc, s, tenant := setupService(t, mock)
	instance, volumes := instanceVolumes()
	if err := svc.CreateInstance(t.Context(), tenant.ID, instance, volumes, nil, false); err != nil {
		t.Fatal(err)
	}
	svc.Exec.Drain()

	drBackup := &models.DRBackup{InstanceID: instance.ID}
	drBackup.Name = "dr"
	if err := svc.CreateDRBackup(t.Context(), drBackup, 0); err != nil {
		t.Fatal(err)
	}
	svc.Exec.Drain()

	got, err := store.Get[models.DRBackup](s, drBackup.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.State != models.StateOK {
		t.Fatalf("dr backup not settled OK: %+v", got)
	}
	backups, err := s.DRBackupVolumeBackups(drBackup.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != 2 {
		t.Fatalf("expected one volume backup per volume, got %d", len(backups))
	}
	for _, vb := range backups {
		if vb.State != models.StateOK || vb.RecordURL == "" {
			t.Errorf("volume backup not settled with a record: %+v", vb)
		}
	}
	leftoverVolumes, err := s.DRBackupVolumes(drBackup.ID)
	if err != nil {
		t.Fatal(err)
	}
	leftoverSnapshots, err := s.DRBackupSnapshots(drBackup.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(leftoverVolumes) != 0 || len(leftoverSnapshots) != 0 {
		t.Errorf("scaffolding survived: %d volumes, %d snapshots",
			len(leftoverVolumes), len(leftoverSnapshots))
	}
	// Instance + 2 volumes remain, scaffolding usage is gone, only the
	// backup records still count against storage.
	quota, err := s.Quota(tenant.ID, models.QuotaSnapshots)
	if err != nil {
		t.Fatal(err)
	}
	if quota.Usage != 0 {
		t.Errorf("snapshot usage of the scaffolding not released: %d", quota.Usage)
	}
}

func TestCreateDRBackupFailureSettlesScaffolding(t *testing.T) {
	mock := happyMock()
	mock.CreateVolumeBackupFunc = func(context.Context, *models.VolumeBackup, string) error {
		return errors.New("backup service down")
	}
	svc, s, tenant := setupService(t, mock)
	instance, volumes := instanceVolumes()
	if err := svc.CreateInstance(t.Context(), tenant.ID, instance, volumes, nil, false); err != nil {
		t.Fatal(err)
	}
	svc.Exec.Drain()

	drBackup := &models.DRBackup{InstanceID: instance.ID}
	drBackup.Name = "dr"
	if err := svc.CreateDRBackup(t.Context(), drBackup, 0); err != nil {
		t.Fatal(err)
	}
	svc.Exec.Drain()

	got, err := store.Get[models.DRBackup](s, drBackup.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.State != models.StateErred {
		t.Fatalf("failed dr backup should be erred, got %+v", got)
	}
	// The volume backups never got a backend id and are rolled back;
	// the scaffolding reached the backend and is kept erred for manual
	// cleanup via deletion.
	backups, err := s.DRBackupVolumeBackups(drBackup.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != 0 {
		t.Errorf("volume backups without backend ids survived: %d", len(backups))
	}
	leftoverVolumes, err := s.DRBackupVolumes(drBackup.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, volume := range leftoverVolumes {
		if volume.State != models.StateErred {
			t.Errorf("scaffolding volume not erred: %+v", volume)
		}
	}

	// Deleting the failed set clears the leftovers.
	if err := svc.DeleteDRBackup(t.Context(), got); err != nil {
		t.Fatal(err)
	}
	svc.Exec.Drain()
	leftoverVolumes, err = s.DRBackupVolumes(drBackup.ID)
	if err != nil {
		t.Fatal(err)
	}
	leftoverSnapshots, err := s.DRBackupSnapshots(drBackup.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(leftoverVolumes) != 0 || len(leftoverSnapshots) != 0 {
		t.Errorf("scaffolding survived the deletion: %d volumes, %d snapshots",
			len(leftoverVolumes), len(leftoverSnapshots))
	}
}

func TestRestoreDRBackupBootsMatchingInstance(t *testing.T) {
	mock := happyMock()
	mock.RestoreVolumeBackupFunc = func(_ context.Context, _ *models.VolumeBackup, into *models.Volume) error {
		into.BackendID = "os-restored-" + into.ID
		return nil
	}
	svc, s, tenant := setupService(t, mock)
	instance, volumes := instanceVolumes()
	if err := svc.CreateInstance(t.Context(), tenant.ID, instance, volumes, nil, false); err != nil {
		t.Fatal(err)
	}
	svc.Exec.Drain()

	drBackup := &models.DRBackup{InstanceID: instance.ID}
	drBackup.Name = "dr"
	if err := svc.CreateDRBackup(t.Context(), drBackup, 0); err != nil {
		t.Fatal(err)
	}
	svc.Exec.Drain()

	restored := &models.Instance{}
	if err := svc.RestoreDRBackup(t.Context(), drBackup, restored); err != nil {
		t.Fatal(err)
	}
	svc.Exec.Drain()

	got, err := store.Get[models.Instance](s, restored.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.State != models.StateOK {
		t.Fatalf("restored instance not settled OK: %+v", got)
	}
	if got.Name != instance.Name || got.FlavorBackendID != instance.FlavorBackendID {
		t.Errorf("restored instance does not match the original: %+v", got)
	}
	restoredVolumes, err := s.InstanceVolumes(restored.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(restoredVolumes) != 2 {
		t.Fatalf("expected 2 restored volumes, got %d", len(restoredVolumes))
	}
	names := map[string]bool{}
	for _, volume := range restoredVolumes {
		if volume.State != models.StateOK {
			t.Errorf("restored volume not settled: %+v", volume)
		}
		names[volume.Name] = true
	}
	if !names["vm-system"] || !names["vm-data"] {
		t.Errorf("restored volumes do not carry the original names: %v", names)
	}
}

func TestCreateTenantChain(t *testing.T) {
	var order []string
	mock := &testlibBackend.MockBackend{
		CreateTenantFunc: func(_ context.Context, tenant *models.Tenant) error {
			order = append(order, "tenant")
			tenant.BackendID = "project-2"
			return nil
		},
		CreateTenantUserFunc: func(context.Context, *models.Tenant) error {
			order = append(order, "user")
			return nil
		},
		CreateInternalNetworkFunc: func(_ context.Context, tenant *models.Tenant) error {
			order = append(order, "network")
			tenant.InternalNetworkID = "net-1"
			return nil
		},
		ConnectToExternalNetworkFunc: func(context.Context, *models.Tenant) error {
			order = append(order, "router")
			return nil
		},
		PushQuotasFunc: func(context.Context, map[string]int64) error {
			order = append(order, "quotas")
			return nil
		},
	}
	svc, s, _ := setupService(t, mock)
	tenant := &models.Tenant{}
	tenant.ID = "tenant-2"
	tenant.Name = "second"
	err := svc.CreateTenant(t.Context(), tenant, map[string]int64{models.QuotaInstances: 10})
	if err != nil {
		t.Fatal(err)
	}
	svc.Exec.Drain()

	got, err := store.Get[models.Tenant](s, tenant.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.State != models.StateOK || got.BackendID != "project-2" {
		t.Fatalf("tenant not settled OK: %+v", got)
	}
	want := []string{"tenant", "user", "network", "router", "quotas"}
	if len(order) != len(want) {
		t.Fatalf("chain ran %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("chain ran %v, want %v", order, want)
		}
	}
	quota, err := s.Quota(tenant.ID, models.QuotaInstances)
	if err != nil {
		t.Fatal(err)
	}
	if quota.Limit != 10 {
		t.Errorf("configured limit not stored: %+v", quota)
	}
}

func TestDeleteTenantPurgesLocalState(t *testing.T) {
	mock := happyMock()
	svc, s, tenant := setupService(t, mock)
	instance, volumes := instanceVolumes()
	if err := svc.CreateInstance(t.Context(), tenant.ID, instance, volumes, nil, false); err != nil {
		t.Fatal(err)
	}
	svc.Exec.Drain()

	if err := svc.DeleteTenant(t.Context(), tenant); err != nil {
		t.Fatal(err)
	}
	svc.Exec.Drain()

	got, err := store.Get[models.Tenant](s, tenant.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("tenant row survived its deletion: %+v", got)
	}
	gotInstance, err := store.Get[models.Instance](s, instance.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotInstance != nil {
		t.Errorf("tenant purge left the instance behind: %+v", gotInstance)
	}
}
