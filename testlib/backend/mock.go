// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

// Test mock for the cloud backend adapter. Behavior is injected per
// method through function fields; unset fields succeed and return zero
// values.
package backend

import (
	"context"

	"github.com/opennode/waldur-openstack-sub000/internal/backend"
	"github.com/opennode/waldur-openstack-sub000/internal/models"
)

type MockBackend struct {
	CreateTenantFunc             func(ctx context.Context, tenant *models.Tenant) error
	UpdateTenantFunc             func(ctx context.Context, tenant *models.Tenant) error
	DeleteTenantFunc             func(ctx context.Context, tenant *models.Tenant) error
	TenantGoneFunc               func(ctx context.Context, tenant *models.Tenant) (bool, error)
	CreateTenantUserFunc         func(ctx context.Context, tenant *models.Tenant) error
	ChangeTenantUserPasswordFunc func(ctx context.Context, tenant *models.Tenant) error

	CreateServerFunc          func(ctx context.Context, instance *models.Instance, system, data *models.Volume, groupBackendIDs []string) error
	DeleteServerFunc          func(ctx context.Context, instance *models.Instance) error
	ServerGoneFunc            func(ctx context.Context, instance *models.Instance) (bool, error)
	GetServerRuntimeStateFunc func(ctx context.Context, instance *models.Instance) (string, error)
	PullServerFunc            func(ctx context.Context, instance *models.Instance) error
	StartServerFunc           func(ctx context.Context, instance *models.Instance) error
	StopServerFunc            func(ctx context.Context, instance *models.Instance) error
	RebootServerFunc          func(ctx context.Context, instance *models.Instance) error
	ResizeServerFunc          func(ctx context.Context, instance *models.Instance, flavorBackendID string) error
	ConfirmServerResizeFunc   func(ctx context.Context, instance *models.Instance) error
	PullFlavorsFunc           func(ctx context.Context) ([]models.Flavor, error)
	PullImagesFunc            func(ctx context.Context) ([]models.Image, error)

	CreateVolumeFunc                func(ctx context.Context, volume *models.Volume, sourceSnapshotBackendID string) error
	DeleteVolumeFunc                func(ctx context.Context, volume *models.Volume) error
	VolumeGoneFunc                  func(ctx context.Context, volume *models.Volume) (bool, error)
	GetVolumeRuntimeStateFunc       func(ctx context.Context, volume *models.Volume) (string, error)
	ExtendVolumeFunc                func(ctx context.Context, volume *models.Volume, newSizeMiB int64) error
	CreateSnapshotFunc              func(ctx context.Context, snapshot *models.Snapshot, sourceBackendID string) error
	DeleteSnapshotFunc              func(ctx context.Context, snapshot *models.Snapshot) error
	SnapshotGoneFunc                func(ctx context.Context, snapshot *models.Snapshot) (bool, error)
	GetSnapshotRuntimeStateFunc     func(ctx context.Context, snapshot *models.Snapshot) (string, error)
	CreateVolumeBackupFunc          func(ctx context.Context, backup *models.VolumeBackup, sourceBackendID string) error
	DeleteVolumeBackupFunc          func(ctx context.Context, backup *models.VolumeBackup) error
	VolumeBackupGoneFunc            func(ctx context.Context, backup *models.VolumeBackup) (bool, error)
	GetVolumeBackupRuntimeStateFunc func(ctx context.Context, backup *models.VolumeBackup) (string, error)
	ExportVolumeBackupRecordFunc    func(ctx context.Context, backup *models.VolumeBackup) error
	ImportVolumeBackupRecordFunc    func(ctx context.Context, backup *models.VolumeBackup) error
	RestoreVolumeBackupFunc         func(ctx context.Context, backup *models.VolumeBackup, into *models.Volume) error

	CreateSecurityGroupFunc      func(ctx context.Context, group *models.SecurityGroup, rules []models.SecurityGroupRule) error
	UpdateSecurityGroupFunc      func(ctx context.Context, group *models.SecurityGroup, rules []models.SecurityGroupRule) error
	DeleteSecurityGroupFunc      func(ctx context.Context, group *models.SecurityGroup) error
	ListSecurityGroupsFunc       func(ctx context.Context) ([]backend.RemoteSecurityGroup, error)
	ListFloatingIPsFunc          func(ctx context.Context) ([]backend.RemoteFloatingIP, error)
	AllocateFloatingIPFunc       func(ctx context.Context, fip *models.FloatingIP) error
	AssociateFloatingIPFunc      func(ctx context.Context, fip *models.FloatingIP, instance *models.Instance) error
	ReleaseFloatingIPFunc        func(ctx context.Context, fip *models.FloatingIP) error
	CreateInternalNetworkFunc    func(ctx context.Context, tenant *models.Tenant) error
	ConnectToExternalNetworkFunc func(ctx context.Context, tenant *models.Tenant) error
	PullQuotasFunc               func(ctx context.Context) (map[string]backend.QuotaValue, error)
	PushQuotasFunc               func(ctx context.Context, limits map[string]int64) error

	InstanceSamplesFunc func(ctx context.Context, instance *models.Instance, meter, start, end string) ([]backend.Sample, error)
}

func (m *MockBackend) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	if m.CreateTenantFunc == nil {
		return nil
	}
	return m.CreateTenantFunc(ctx, tenant)
}

func (m *MockBackend) UpdateTenant(ctx context.Context, tenant *models.Tenant) error {
	if m.UpdateTenantFunc == nil {
		return nil
	}
	return m.UpdateTenantFunc(ctx, tenant)
}

func (m *MockBackend) DeleteTenant(ctx context.Context, tenant *models.Tenant) error {
	if m.DeleteTenantFunc == nil {
		return nil
	}
	return m.DeleteTenantFunc(ctx, tenant)
}

func (m *MockBackend) TenantGone(ctx context.Context, tenant *models.Tenant) (bool, error) {
	if m.TenantGoneFunc == nil {
		return true, nil
	}
	return m.TenantGoneFunc(ctx, tenant)
}

func (m *MockBackend) CreateTenantUser(ctx context.Context, tenant *models.Tenant) error {
	if m.CreateTenantUserFunc == nil {
		return nil
	}
	return m.CreateTenantUserFunc(ctx, tenant)
}

func (m *MockBackend) ChangeTenantUserPassword(ctx context.Context, tenant *models.Tenant) error {
	if m.ChangeTenantUserPasswordFunc == nil {
		return nil
	}
	return m.ChangeTenantUserPasswordFunc(ctx, tenant)
}

func (m *MockBackend) CreateServer(ctx context.Context, instance *models.Instance, system, data *models.Volume, groupBackendIDs []string) error {
	if m.CreateServerFunc == nil {
		return nil
	}
	return m.CreateServerFunc(ctx, instance, system, data, groupBackendIDs)
}

func (m *MockBackend) DeleteServer(ctx context.Context, instance *models.Instance) error {
	if m.DeleteServerFunc == nil {
		return nil
	}
	return m.DeleteServerFunc(ctx, instance)
}

func (m *MockBackend) ServerGone(ctx context.Context, instance *models.Instance) (bool, error) {
	if m.ServerGoneFunc == nil {
		return true, nil
	}
	return m.ServerGoneFunc(ctx, instance)
}

func (m *MockBackend) GetServerRuntimeState(ctx context.Context, instance *models.Instance) (string, error) {
	if m.GetServerRuntimeStateFunc == nil {
		return "", nil
	}
	return m.GetServerRuntimeStateFunc(ctx, instance)
}

func (m *MockBackend) PullServer(ctx context.Context, instance *models.Instance) error {
	if m.PullServerFunc == nil {
		return nil
	}
	return m.PullServerFunc(ctx, instance)
}

func (m *MockBackend) StartServer(ctx context.Context, instance *models.Instance) error {
	if m.StartServerFunc == nil {
		return nil
	}
	return m.StartServerFunc(ctx, instance)
}

func (m *MockBackend) StopServer(ctx context.Context, instance *models.Instance) error {
	if m.StopServerFunc == nil {
		return nil
	}
	return m.StopServerFunc(ctx, instance)
}

func (m *MockBackend) RebootServer(ctx context.Context, instance *models.Instance) error {
	if m.RebootServerFunc == nil {
		return nil
	}
	return m.RebootServerFunc(ctx, instance)
}

func (m *MockBackend) ResizeServer(ctx context.Context, instance *models.Instance, flavorBackendID string) error {
	if m.ResizeServerFunc == nil {
		return nil
	}
	return m.ResizeServerFunc(ctx, instance, flavorBackendID)
}

func (m *MockBackend) ConfirmServerResize(ctx context.Context, instance *models.Instance) error {
	if m.ConfirmServerResizeFunc == nil {
		return nil
	}
	return m.ConfirmServerResizeFunc(ctx, instance)
}

func (m *MockBackend) PullFlavors(ctx context.Context) ([]models.Flavor, error) {
	if m.PullFlavorsFunc == nil {
		return nil, nil
	}
	return m.PullFlavorsFunc(ctx)
}

func (m *MockBackend) PullImages(ctx context.Context) ([]models.Image, error) {
	if m.PullImagesFunc == nil {
		return nil, nil
	}
	return m.PullImagesFunc(ctx)
}

func (m *MockBackend) CreateVolume(ctx context.Context, volume *models.Volume, sourceSnapshotBackendID string) error {
	if m.CreateVolumeFunc == nil {
		return nil
	}
	return m.CreateVolumeFunc(ctx, volume, sourceSnapshotBackendID)
}

func (m *MockBackend) DeleteVolume(ctx context.Context, volume *models.Volume) error {
	if m.DeleteVolumeFunc == nil {
		return nil
	}
	return m.DeleteVolumeFunc(ctx, volume)
}

func (m *MockBackend) VolumeGone(ctx context.Context, volume *models.Volume) (bool, error) {
	if m.VolumeGoneFunc == nil {
		return true, nil
	}
	return m.VolumeGoneFunc(ctx, volume)
}

func (m *MockBackend) GetVolumeRuntimeState(ctx context.Context, volume *models.Volume) (string, error) {
	if m.GetVolumeRuntimeStateFunc == nil {
		return "", nil
	}
	return m.GetVolumeRuntimeStateFunc(ctx, volume)
}

func (m *MockBackend) ExtendVolume(ctx context.Context, volume *models.Volume, newSizeMiB int64) error {
	if m.ExtendVolumeFunc == nil {
		return nil
	}
	return m.ExtendVolumeFunc(ctx, volume, newSizeMiB)
}

func (m *MockBackend) CreateSnapshot(ctx context.Context, snapshot *models.Snapshot, sourceBackendID string) error {
	if m.CreateSnapshotFunc == nil {
		return nil
	}
	return m.CreateSnapshotFunc(ctx, snapshot, sourceBackendID)
}

func (m *MockBackend) DeleteSnapshot(ctx context.Context, snapshot *models.Snapshot) error {
	if m.DeleteSnapshotFunc == nil {
		return nil
	}
	return m.DeleteSnapshotFunc(ctx, snapshot)
}

func (m *MockBackend) SnapshotGone(ctx context.Context, snapshot *models.Snapshot) (bool, error) {
	if m.SnapshotGoneFunc == nil {
		return true, nil
	}
	return m.SnapshotGoneFunc(ctx, snapshot)
}

func (m *MockBackend) GetSnapshotRuntimeState(ctx context.Context, snapshot *models.Snapshot) (string, error) {
	if m.GetSnapshotRuntimeStateFunc == nil {
		return "", nil
	}
	return m.GetSnapshotRuntimeStateFunc(ctx, snapshot)
}

func (m *MockBackend) CreateVolumeBackup(ctx context.Context, backup *models.VolumeBackup, sourceBackendID string) error {
	if m.CreateVolumeBackupFunc == nil {
		return nil
	}
	return m.CreateVolumeBackupFunc(ctx, backup, sourceBackendID)
}

func (m *MockBackend) DeleteVolumeBackup(ctx context.Context, backup *models.VolumeBackup) error {
	if m.DeleteVolumeBackupFunc == nil {
		return nil
	}
	return m.DeleteVolumeBackupFunc(ctx, backup)
}

func (m *MockBackend) VolumeBackupGone(ctx context.Context, backup *models.VolumeBackup) (bool, error) {
	if m.VolumeBackupGoneFunc == nil {
		return true, nil
	}
	return m.VolumeBackupGoneFunc(ctx, backup)
}

func (m *MockBackend) GetVolumeBackupRuntimeState(ctx context.Context, backup *models.VolumeBackup) (string, error) {
	if m.GetVolumeBackupRuntimeStateFunc == nil {
		return "", nil
	}
	return m.GetVolumeBackupRuntimeStateFunc(ctx, backup)
}

func (m *MockBackend) ExportVolumeBackupRecord(ctx context.Context, backup *models.VolumeBackup) error {
	if m.ExportVolumeBackupRecordFunc == nil {
		return nil
	}
	return m.ExportVolumeBackupRecordFunc(ctx, backup)
}

func (m *MockBackend) ImportVolumeBackupRecord(ctx context.Context, backup *models.VolumeBackup) error {
	if m.ImportVolumeBackupRecordFunc == nil {
		return nil
	}
	return m.ImportVolumeBackupRecordFunc(ctx, backup)
}

func (m *MockBackend) RestoreVolumeBackup(ctx context.Context, backup *models.VolumeBackup, into *models.Volume) error {
	if m.RestoreVolumeBackupFunc == nil {
		return nil
	}
	return m.RestoreVolumeBackupFunc(ctx, backup, into)
}

func (m *MockBackend) CreateSecurityGroup(ctx context.Context, group *models.SecurityGroup, rules []models.SecurityGroupRule) error {
	if m.CreateSecurityGroupFunc == nil {
		return nil
	}
	return m.CreateSecurityGroupFunc(ctx, group, rules)
}

func (m *MockBackend) UpdateSecurityGroup(ctx context.Context, group *models.SecurityGroup, rules []models.SecurityGroupRule) error {
	if m.UpdateSecurityGroupFunc == nil {
		return nil
	}
	return m.UpdateSecurityGroupFunc(ctx, group, rules)
}

func (m *MockBackend) DeleteSecurityGroup(ctx context.Context, group *models.SecurityGroup) error {
	if m.DeleteSecurityGroupFunc == nil {
		return nil
	}
	return m.DeleteSecurityGroupFunc(ctx, group)
}

func (m *MockBackend) ListSecurityGroups(ctx context.Context) ([]backend.RemoteSecurityGroup, error) {
	if m.ListSecurityGroupsFunc == nil {
		return nil, nil
	}
	return m.ListSecurityGroupsFunc(ctx)
}

func (m *MockBackend) ListFloatingIPs(ctx context.Context) ([]backend.RemoteFloatingIP, error) {
	if m.ListFloatingIPsFunc == nil {
		return nil, nil
	}
	return m.ListFloatingIPsFunc(ctx)
}

func (m *MockBackend) AllocateFloatingIP(ctx context.Context, fip *models.FloatingIP) error {
	if m.AllocateFloatingIPFunc == nil {
		return nil
	}
	return m.AllocateFloatingIPFunc(ctx, fip)
}

func (m *MockBackend) AssociateFloatingIP(ctx context.Context, fip *models.FloatingIP, instance *models.Instance) error {
	if m.AssociateFloatingIPFunc == nil {
		return nil
	}
	return m.AssociateFloatingIPFunc(ctx, fip, instance)
}

func (m *MockBackend) ReleaseFloatingIP(ctx context.Context, fip *models.FloatingIP) error {
	if m.ReleaseFloatingIPFunc == nil {
		return nil
	}
	return m.ReleaseFloatingIPFunc(ctx, fip)
}

func (m *MockBackend) CreateInternalNetwork(ctx context.Context, tenant *models.Tenant) error {
	if m.CreateInternalNetworkFunc == nil {
		return nil
	}
	return m.CreateInternalNetworkFunc(ctx, tenant)
}

func (m *MockBackend) ConnectToExternalNetwork(ctx context.Context, tenant *models.Tenant) error {
	if m.ConnectToExternalNetworkFunc == nil {
		return nil
	}
	return m.ConnectToExternalNetworkFunc(ctx, tenant)
}

func (m *MockBackend) PullQuotas(ctx context.Context) (map[string]backend.QuotaValue, error) {
	if m.PullQuotasFunc == nil {
		return nil, nil
	}
	return m.PullQuotasFunc(ctx)
}

func (m *MockBackend) PushQuotas(ctx context.Context, limits map[string]int64) error {
	if m.PushQuotasFunc == nil {
		return nil
	}
	return m.PushQuotasFunc(ctx, limits)
}

func (m *MockBackend) InstanceSamples(ctx context.Context, instance *models.Instance, meter, start, end string) ([]backend.Sample, error) {
	if m.InstanceSamplesFunc == nil {
		return nil, nil
	}
	return m.InstanceSamplesFunc(ctx, instance, meter, start, end)
}
