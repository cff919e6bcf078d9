// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

// Package backend adapts the cloud provider APIs (identity, compute,
// block storage, networking, telemetry) to the orchestrator's local
// models. All methods translate provider failures into the classified
// error taxonomy and retry exactly once after an expired session.
package backend

import (
	"context"

	"github.com/gophercloud/gophercloud/v2"

	"github.com/opennode/waldur-openstack-sub000/internal/backenderr"
	"github.com/opennode/waldur-openstack-sub000/internal/conf"
	"github.com/opennode/waldur-openstack-sub000/internal/models"
	"github.com/opennode/waldur-openstack-sub000/internal/session"
)

// The value of one remote quota.
type QuotaValue struct {
	Limit int64
	Usage int64
}

// Snapshot of a remote security group rule, normalized for comparison.
type RemoteRule struct {
	BackendID string
	Protocol  string
	FromPort  int64
	ToPort    int64
	CIDR      string
}

// Snapshot of a remote security group with its rules.
type RemoteSecurityGroup struct {
	BackendID   string
	Name        string
	Description string
	Rules       []RemoteRule
}

// Snapshot of a remote floating IP.
type RemoteFloatingIP struct {
	BackendID        string
	Address          string
	Status           string
	BackendNetworkID string
}

// A single telemetry sample for a resource meter.
type Sample struct {
	Timestamp string  `json:"timestamp"`
	Meter     string  `json:"counter_name"`
	Value     float64 `json:"counter_volume"`
	Unit      string  `json:"counter_unit"`
}

// TenantBackend is the adapter over all provider sub-services, scoped
// to one tenant. Implementations mutate the passed models (backend
// ids, runtime states) but never persist them; persistence stays with
// the caller.
type TenantBackend interface {
	IdentityBackend
	ComputeBackend
	BlockStorageBackend
	NetworkingBackend
	TelemetryBackend
}

type IdentityBackend interface {
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
	UpdateTenant(ctx context.Context, tenant *models.Tenant) error
	DeleteTenant(ctx context.Context, tenant *models.Tenant) error
	TenantGone(ctx context.Context, tenant *models.Tenant) (bool, error)
	CreateTenantUser(ctx context.Context, tenant *models.Tenant) error
	ChangeTenantUserPassword(ctx context.Context, tenant *models.Tenant) error
}

type ComputeBackend interface {
	// Boot a server from the given bootable system volume with the
	// data volume attached.
	CreateServer(ctx context.Context, instance *models.Instance, system, data *models.Volume, groupBackendIDs []string) error
	DeleteServer(ctx context.Context, instance *models.Instance) error
	ServerGone(ctx context.Context, instance *models.Instance) (bool, error)
	GetServerRuntimeState(ctx context.Context, instance *models.Instance) (string, error)
	PullServer(ctx context.Context, instance *models.Instance) error
	StartServer(ctx context.Context, instance *models.Instance) error
	StopServer(ctx context.Context, instance *models.Instance) error
	RebootServer(ctx context.Context, instance *models.Instance) error
	ResizeServer(ctx context.Context, instance *models.Instance, flavorBackendID string) error
	ConfirmServerResize(ctx context.Context, instance *models.Instance) error
	PullFlavors(ctx context.Context) ([]models.Flavor, error)
	PullImages(ctx context.Context) ([]models.Image, error)
}

type BlockStorageBackend interface {
	// Create a volume, optionally from an image (volume.ImageBackendID)
	// or from a snapshot (by its backend id).
	CreateVolume(ctx context.Context, volume *models.Volume, sourceSnapshotBackendID string) error
	DeleteVolume(ctx context.Context, volume *models.Volume) error
	VolumeGone(ctx context.Context, volume *models.Volume) (bool, error)
	GetVolumeRuntimeState(ctx context.Context, volume *models.Volume) (string, error)
	ExtendVolume(ctx context.Context, volume *models.Volume, newSizeMiB int64) error
	// Snapshot the volume with the given backend id.
	CreateSnapshot(ctx context.Context, snapshot *models.Snapshot, sourceBackendID string) error
	DeleteSnapshot(ctx context.Context, snapshot *models.Snapshot) error
	SnapshotGone(ctx context.Context, snapshot *models.Snapshot) (bool, error)
	GetSnapshotRuntimeState(ctx context.Context, snapshot *models.Snapshot) (string, error)
	CreateVolumeBackup(ctx context.Context, backup *models.VolumeBackup, sourceBackendID string) error
	DeleteVolumeBackup(ctx context.Context, backup *models.VolumeBackup) error
	VolumeBackupGone(ctx context.Context, backup *models.VolumeBackup) (bool, error)
	GetVolumeBackupRuntimeState(ctx context.Context, backup *models.VolumeBackup) (string, error)
	ExportVolumeBackupRecord(ctx context.Context, backup *models.VolumeBackup) error
	ImportVolumeBackupRecord(ctx context.Context, backup *models.VolumeBackup) error
	RestoreVolumeBackup(ctx context.Context, backup *models.VolumeBackup, into *models.Volume) error
}

type NetworkingBackend interface {
	CreateSecurityGroup(ctx context.Context, group *models.SecurityGroup, rules []models.SecurityGroupRule) error
	UpdateSecurityGroup(ctx context.Context, group *models.SecurityGroup, rules []models.SecurityGroupRule) error
	DeleteSecurityGroup(ctx context.Context, group *models.SecurityGroup) error
	ListSecurityGroups(ctx context.Context) ([]RemoteSecurityGroup, error)
	ListFloatingIPs(ctx context.Context) ([]RemoteFloatingIP, error)
	AllocateFloatingIP(ctx context.Context, fip *models.FloatingIP) error
	// Attach the floating IP to the instance's port.
	AssociateFloatingIP(ctx context.Context, fip *models.FloatingIP, instance *models.Instance) error
	ReleaseFloatingIP(ctx context.Context, fip *models.FloatingIP) error
	CreateInternalNetwork(ctx context.Context, tenant *models.Tenant) error
	ConnectToExternalNetwork(ctx context.Context, tenant *models.Tenant) error
	PullQuotas(ctx context.Context) (map[string]QuotaValue, error)
	PushQuotas(ctx context.Context, limits map[string]int64) error
}

type TelemetryBackend interface {
	// Samples recorded for the given instance meter in the interval.
	InstanceSamples(ctx context.Context, instance *models.Instance, meter, start, end string) ([]Sample, error)
}

// TenantBackend implementation over gophercloud.
type tenantBackend struct {
	tenant   *models.Tenant
	keystone conf.KeystoneConfig
	sessions *session.Cache
	clients  *clientSet
	mon      Monitor
}

// New creates the backend adapter for one tenant. Sub-service clients
// are constructed lazily from the cached session on first use.
func New(tenant *models.Tenant, keystone conf.KeystoneConfig, sessions *session.Cache, mon Monitor) TenantBackend {
	creds := session.TenantCredentials(keystone, tenant)
	return &tenantBackend{
		tenant:   tenant,
		keystone: keystone,
		sessions: sessions,
		clients:  newClientSet(creds, keystone.Availability, sessions),
		mon:      mon,
	}
}

// NewAdmin creates a backend adapter with provider-level admin scope,
// used for tenant management and the shared catalog.
func NewAdmin(keystone conf.KeystoneConfig, sessions *session.Cache, mon Monitor) TenantBackend {
	creds := session.AdminCredentials(keystone)
	return &tenantBackend{
		keystone: keystone,
		sessions: sessions,
		clients:  newClientSet(creds, keystone.Availability, sessions),
		mon:      mon,
	}
}

// Run one backend call, classifying its failure. When an established
// session is rejected, the session is evicted from the cache and the
// call is retried exactly once with a fresh one.
func (b *tenantBackend) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	timer := b.mon.observe(op)
	defer timer()

	err := fn(ctx)
	if err == nil {
		return nil
	}
	if gophercloud.ResponseCodeIs(err, 401) {
		b.sessions.Invalidate(b.clients.creds)
		b.clients.reset()
		if err = fn(ctx); err == nil {
			return nil
		}
		err = backenderr.Wrap(backenderr.KindSessionExpired, op, err)
	}
	err = translate(op, err)
	b.mon.failed(op, backenderr.KindOf(err))
	return err
}

// Classify a provider error.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if gophercloud.ResponseCodeIs(err, 403) {
		return backenderr.Wrap(backenderr.KindAuthorizationFailed, op, err)
	}
	return backenderr.Wrap(backenderr.KindBackendError, op, err)
}

// Whether the error is the provider saying the object does not exist.
// Existence checks turn this into a boolean result instead of an
// error.
func isNotFound(err error) bool {
	return gophercloud.ResponseCodeIs(err, 404)
}
