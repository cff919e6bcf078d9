// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package recon

// Triggered when a tenant's security groups changed during
// reconciliation. The payload is the tenant id.
const TriggerSecurityGroupsReconciled = "triggers/recon/security-groups"

// Triggered when a tenant's floating IPs changed during reconciliation.
// The payload is the tenant id.
const TriggerFloatingIPsReconciled = "triggers/recon/floating-ips"

// Triggered when a tenant's quota values changed during reconciliation.
// The payload is the tenant id.
const TriggerQuotasReconciled = "triggers/recon/quotas"

// Triggered when the shared flavor/image catalog was refreshed.
const TriggerCatalogReconciled = "triggers/recon/catalog"
