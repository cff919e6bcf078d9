// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package models

// Quota names tracked per tenant. RAM and storage are in MiB.
const (
	QuotaInstances          = "instances"
	QuotaRAM                = "ram"
	QuotaVCPU               = "vcpu"
	QuotaStorage            = "storage"
	QuotaVolumes            = "volumes"
	QuotaSnapshots          = "snapshots"
	QuotaSecurityGroups     = "security_group_count"
	QuotaSecurityGroupRules = "security_group_rule_count"
	QuotaFloatingIPs        = "floating_ip_count"
)

// A usage adjustment on one tenant quota. Applied when a resource is
// created and reversed when it is deleted.
type QuotaDelta struct {
	Name  string
	Delta int64
}

// A tracked resource that lives in the local database and mirrors an
// object on the cloud backend.
type Resource interface {
	TableName() string
	Meta() *ResourceMeta
	// The usage this resource counts against its tenant's quotas.
	QuotaDeltas() []QuotaDelta
}

// One row per tenant quota, tracking both the configured limit and the
// current usage. A limit of -1 means unlimited.
type TenantQuota struct {
	TenantID string `db:"tenant_id,primarykey"`
	Name     string `db:"name,primarykey"`
	Limit    int64  `db:"limit_value"`
	Usage    int64  `db:"usage_value"`
}

func (TenantQuota) TableName() string { return "tenant_quotas" }

// A tenant (OpenStack project) managed by this service. The tenant
// carries its own service user whose credentials are used for all
// non-admin calls.
type Tenant struct {
	ResourceMeta
	AvailabilityZone  string `db:"availability_zone"`
	InternalNetworkID string `db:"internal_network_id"`
	ExternalNetworkID string `db:"external_network_id"`
	SubnetCIDR        string `db:"subnet_cidr"`
	UserUsername      string `db:"user_username"`
	UserPassword      string `db:"user_password"`
}

func (Tenant) TableName() string        { return "tenants" }
func (Tenant) QuotaDeltas() []QuotaDelta { return nil }

// A virtual machine. RAM is in MiB.
type Instance struct {
	ResourceMeta
	TenantID        string `db:"tenant_id"`
	FlavorName      string `db:"flavor_name"`
	FlavorBackendID string `db:"flavor_backend_id"`
	Cores           int64  `db:"cores"`
	RAM             int64  `db:"ram"`
	KeyName         string `db:"key_name"`
	UserData        string `db:"user_data"`
	InternalIP      string `db:"internal_ip"`
	ExternalIP      string `db:"external_ip"`
}

func (Instance) TableName() string { return "instances" }

func (i Instance) QuotaDeltas() []QuotaDelta {
	return []QuotaDelta{
		{QuotaInstances, 1},
		{QuotaRAM, i.RAM},
		{QuotaVCPU, i.Cores},
	}
}

// Join table between instances and security groups.
type InstanceSecurityGroup struct {
	InstanceID string `db:"instance_id,primarykey"`
	GroupID    string `db:"group_id,primarykey"`
}

func (InstanceSecurityGroup) TableName() string { return "instance_security_groups" }

// A block storage volume. Size is in MiB.
type Volume struct {
	ResourceMeta
	TenantID string `db:"tenant_id"`
	// Instance the volume is attached to, if any.
	InstanceID string `db:"instance_id"`
	Size       int64  `db:"size"`
	Bootable   bool   `db:"bootable"`
	Type       string `db:"type"`
	Device     string `db:"device"`
	// Image the volume was created from, if any.
	ImageBackendID string `db:"image_backend_id"`
	// Snapshot the volume was created from, if any.
	SourceSnapshotID string `db:"source_snapshot_id"`
	// Set on temporary volumes that only exist as scaffolding for a
	// consistent backup.
	DRBackupID string `db:"dr_backup_id"`
}

func (Volume) TableName() string { return "volumes" }

func (v Volume) QuotaDeltas() []QuotaDelta {
	return []QuotaDelta{
		{QuotaVolumes, 1},
		{QuotaStorage, v.Size},
	}
}

// A point-in-time snapshot of a volume. Size is in MiB.
type Snapshot struct {
	ResourceMeta
	TenantID       string `db:"tenant_id"`
	SourceVolumeID string `db:"source_volume_id"`
	Size           int64  `db:"size"`
	// Set on temporary snapshots that only exist as scaffolding for a
	// consistent backup.
	DRBackupID string `db:"dr_backup_id"`
	// Set on snapshots that belong to a regular backup.
	BackupID string `db:"backup_id"`
}

func (Snapshot) TableName() string { return "snapshots" }

func (s Snapshot) QuotaDeltas() []QuotaDelta {
	return []QuotaDelta{
		{QuotaSnapshots, 1},
		{QuotaStorage, s.Size},
	}
}

// A security group with its rules held in security_group_rules.
type SecurityGroup struct {
	ResourceMeta
	TenantID string `db:"tenant_id"`
}

func (SecurityGroup) TableName() string { return "security_groups" }

func (SecurityGroup) QuotaDeltas() []QuotaDelta {
	return []QuotaDelta{{QuotaSecurityGroups, 1}}
}

// A single security group rule. Rules have no lifecycle of their own,
// they are pushed and pulled together with their group.
type SecurityGroupRule struct {
	ID        string `db:"id,primarykey"`
	GroupID   string `db:"group_id"`
	BackendID string `db:"backend_id"`
	// Empty protocol means any protocol.
	Protocol string `db:"protocol"`
	FromPort int64  `db:"from_port"`
	ToPort   int64  `db:"to_port"`
	CIDR     string `db:"cidr"`
}

func (SecurityGroupRule) TableName() string { return "security_group_rules" }

// Floating IP statuses as reported by the backend, plus BOOKED which
// exists only locally while an IP is reserved for an instance that is
// still provisioning.
const (
	FloatingIPStatusDown   = "DOWN"
	FloatingIPStatusActive = "ACTIVE"
	FloatingIPStatusBooked = "BOOKED"
)

// A floating IP in the tenant's external network. Floating IPs have no
// orchestrated lifecycle; they are kept in sync with the backend and
// booked locally during instance provisioning.
type FloatingIP struct {
	ID               string `db:"id,primarykey"`
	TenantID         string `db:"tenant_id"`
	Address          string `db:"address"`
	Status           string `db:"status"`
	BackendID        string `db:"backend_id"`
	BackendNetworkID string `db:"backend_network_id"`
}

func (FloatingIP) TableName() string { return "floating_ips" }

// Whether the IP counts against the tenant's floating IP quota.
func (f FloatingIP) CountsAgainstQuota() bool {
	return f.Status != FloatingIPStatusDown
}

// A backup of a single volume, exportable as a portable record. Size
// is in MiB.
type VolumeBackup struct {
	ResourceMeta
	TenantID       string `db:"tenant_id"`
	SourceVolumeID string `db:"source_volume_id"`
	DRBackupID     string `db:"dr_backup_id"`
	Size           int64  `db:"size"`
	// Portable record returned by the backend export, allowing the
	// backup to be imported into another deployment.
	RecordService string `db:"record_service"`
	RecordURL     string `db:"record_url"`
}

func (VolumeBackup) TableName() string { return "volume_backups" }

func (b VolumeBackup) QuotaDeltas() []QuotaDelta {
	return []QuotaDelta{{QuotaStorage, b.Size}}
}

// A disaster recovery backup of an instance: one volume backup per
// instance volume, created through temporary snapshot and volume
// scaffolding so the backups are crash consistent.
type DRBackup struct {
	ResourceMeta
	TenantID   string `db:"tenant_id"`
	InstanceID string `db:"instance_id"`
	ScheduleID string `db:"schedule_id"`
	// Snapshot of the instance configuration at backup time, used to
	// restore a matching instance later.
	MetadataJSON string `db:"metadata_json"`
	// Unix seconds after which the backup may be deleted. Zero keeps
	// the backup until it is deleted explicitly.
	KeptUntil int64 `db:"kept_until"`
}

func (DRBackup) TableName() string        { return "dr_backups" }
func (DRBackup) QuotaDeltas() []QuotaDelta { return nil }

// A regular snapshot-based backup of an instance. Its snapshots link
// back via Snapshot.BackupID.
type Backup struct {
	ResourceMeta
	TenantID     string `db:"tenant_id"`
	InstanceID   string `db:"instance_id"`
	ScheduleID   string `db:"schedule_id"`
	MetadataJSON string `db:"metadata_json"`
	KeptUntil    int64  `db:"kept_until"`
	CreatedAt    int64  `db:"created_at"`
}

func (Backup) TableName() string        { return "backups" }
func (Backup) QuotaDeltas() []QuotaDelta { return nil }

// Backup schedule types.
const (
	BackupTypeRegular = "Regular"
	BackupTypeDR      = "DR"
)

// Periodic trigger that creates backups for one instance and prunes
// old ones by retention time and count.
type BackupSchedule struct {
	ID         string `db:"id,primarykey"`
	InstanceID string `db:"instance_id"`
	BackupType string `db:"backup_type"`
	// Hours between two backups.
	IntervalHours int64 `db:"interval_hours"`
	// Days a backup is kept before it expires. Zero keeps backups
	// until pruned by MaxBackups.
	RetentionDays int64 `db:"retention_days"`
	// Maximum number of backups kept for this schedule.
	MaxBackups int64 `db:"max_backups"`
	// Unix seconds of the next scheduled run.
	NextTriggerAt int64  `db:"next_trigger_at"`
	IsActive      bool   `db:"is_active"`
	ErrorMessage  string `db:"error_message"`
}

func (BackupSchedule) TableName() string { return "backup_schedules" }

// A flavor from the shared provider catalog. RAM and disk are in MiB.
type Flavor struct {
	BackendID string `db:"backend_id,primarykey"`
	Name      string `db:"name"`
	Cores     int64  `db:"cores"`
	RAM       int64  `db:"ram"`
	Disk      int64  `db:"disk"`
}

func (Flavor) TableName() string { return "flavors" }

// An image from the shared provider catalog. MinDisk and MinRAM are
// in MiB.
type Image struct {
	BackendID string `db:"backend_id,primarykey"`
	Name      string `db:"name"`
	MinDisk   int64  `db:"min_disk"`
	MinRAM    int64  `db:"min_ram"`
}

func (Image) TableName() string { return "images" }
