// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package operations

// Triggered when an operation graph has settled, successfully or not.
// The payload is the id of the resource the operation ran on.
const (
	TriggerInstanceSettled      = "triggers/operations/instances"
	TriggerVolumeSettled        = "triggers/operations/volumes"
	TriggerSnapshotSettled      = "triggers/operations/snapshots"
	TriggerSecurityGroupSettled = "triggers/operations/security-groups"
	TriggerTenantSettled        = "triggers/operations/tenants"
	TriggerBackupSettled        = "triggers/operations/backups"
	TriggerDRBackupSettled      = "triggers/operations/dr-backups"
)
