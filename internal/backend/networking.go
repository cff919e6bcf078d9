// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"fmt"

	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/extensions/external"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/extensions/layer3/floatingips"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/extensions/layer3/routers"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/extensions/security/groups"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/extensions/security/rules"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/networks"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/ports"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/subnets"

	"github.com/opennode/waldur-openstack-sub000/internal/backenderr"
	"github.com/opennode/waldur-openstack-sub000/internal/models"
)

// The catch-all CIDR used when the backend reports a rule without a
// remote prefix.
const AnyCIDR = "0.0.0.0/0"

// Subnet handed to tenants that don't configure their own.
const defaultSubnetCIDR = "192.168.42.0/24"

func (b *tenantBackend) CreateSecurityGroup(ctx context.Context, group *models.SecurityGroup, groupRules []models.SecurityGroupRule) error {
	return b.do(ctx, "create security group", func(ctx context.Context) error {
		sc, err := b.clients.networking(ctx)
		if err != nil {
			return err
		}
		created, err := groups.Create(ctx, sc, groups.CreateOpts{
			Name:        group.Name,
			Description: group.Description,
		}).Extract()
		if err != nil {
			return err
		}
		group.BackendID = created.ID
		for i := range groupRules {
			if err := b.createRule(ctx, sc, group.BackendID, &groupRules[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *tenantBackend) createRule(ctx context.Context, sc *gophercloud.ServiceClient, groupBackendID string, rule *models.SecurityGroupRule) error {
	opts := rules.CreateOpts{
		Direction:      rules.DirIngress,
		EtherType:      rules.EtherType4,
		SecGroupID:     groupBackendID,
		Protocol:       rules.RuleProtocol(rule.Protocol),
		RemoteIPPrefix: rule.CIDR,
	}
	if rule.FromPort > 0 {
		opts.PortRangeMin = int(rule.FromPort)
	}
	if rule.ToPort > 0 {
		opts.PortRangeMax = int(rule.ToPort)
	}
	created, err := rules.Create(ctx, sc, opts).Extract()
	if err != nil {
		return err
	}
	rule.BackendID = created.ID
	return nil
}

// Push the group's name, description and full rule set. Remote rules
// that are no longer wanted locally are removed, missing ones created.
func (b *tenantBackend) UpdateSecurityGroup(ctx context.Context, group *models.SecurityGroup, groupRules []models.SecurityGroupRule) error {
	return b.do(ctx, "update security group", func(ctx context.Context) error {
		sc, err := b.clients.networking(ctx)
		if err != nil {
			return err
		}
		description := group.Description
		_, err = groups.Update(ctx, sc, group.BackendID, groups.UpdateOpts{
			Name:        group.Name,
			Description: &description,
		}).Extract()
		if err != nil {
			return err
		}

		remote, err := groups.Get(ctx, sc, group.BackendID).Extract()
		if err != nil {
			return err
		}
		wanted := map[string]bool{}
		for _, rule := range groupRules {
			wanted[ruleFingerprint(rule.Protocol, rule.FromPort, rule.ToPort, rule.CIDR)] = true
		}
		present := map[string]bool{}
		for _, remoteRule := range remote.Rules {
			if remoteRule.Direction != string(rules.DirIngress) ||
				remoteRule.EtherType != string(rules.EtherType4) {
				continue
			}
			normalized := normalizeRemoteRule(remoteRule)
			fp := ruleFingerprint(normalized.Protocol, normalized.FromPort, normalized.ToPort, normalized.CIDR)
			if wanted[fp] {
				present[fp] = true
				continue
			}
			if err := rules.Delete(ctx, sc, remoteRule.ID).ExtractErr(); err != nil && !isNotFound(err) {
				return err
			}
		}
		for i := range groupRules {
			rule := &groupRules[i]
			if present[ruleFingerprint(rule.Protocol, rule.FromPort, rule.ToPort, rule.CIDR)] {
				continue
			}
			if err := b.createRule(ctx, sc, group.BackendID, rule); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *tenantBackend) DeleteSecurityGroup(ctx context.Context, group *models.SecurityGroup) error {
	return b.do(ctx, "delete security group", func(ctx context.Context) error {
		sc, err := b.clients.networking(ctx)
		if err != nil {
			return err
		}
		err = groups.Delete(ctx, sc, group.BackendID).ExtractErr()
		if isNotFound(err) {
			return nil
		}
		return err
	})
}

// The tenant's security groups as the backend sees them, with their
// ingress IPv4 rules normalized for comparison.
func (b *tenantBackend) ListSecurityGroups(ctx context.Context) ([]RemoteSecurityGroup, error) {
	var result []RemoteSecurityGroup
	err := b.do(ctx, "list security groups", func(ctx context.Context) error {
		sc, err := b.clients.networking(ctx)
		if err != nil {
			return err
		}
		allPages, err := groups.List(sc, groups.ListOpts{
			TenantID: b.tenant.BackendID,
		}).AllPages(ctx)
		if err != nil {
			return err
		}
		found, err := groups.ExtractGroups(allPages)
		if err != nil {
			return err
		}
		result = make([]RemoteSecurityGroup, 0, len(found))
		for _, remoteGroup := range found {
			remote := RemoteSecurityGroup{
				BackendID:   remoteGroup.ID,
				Name:        remoteGroup.Name,
				Description: remoteGroup.Description,
			}
			for _, remoteRule := range remoteGroup.Rules {
				if remoteRule.Direction != string(rules.DirIngress) ||
					remoteRule.EtherType != string(rules.EtherType4) {
					continue
				}
				remote.Rules = append(remote.Rules, normalizeRemoteRule(remoteRule))
			}
			result = append(result, remote)
		}
		return nil
	})
	return result, err
}

// Backends report "any protocol" as an absent protocol and "anywhere"
// as an absent prefix; both are normalized so comparisons are
// field-wise.
func normalizeRemoteRule(remoteRule rules.SecGroupRule) RemoteRule {
	cidr := remoteRule.RemoteIPPrefix
	if cidr == "" {
		cidr = AnyCIDR
	}
	return RemoteRule{
		BackendID: remoteRule.ID,
		Protocol:  remoteRule.Protocol,
		FromPort:  int64(remoteRule.PortRangeMin),
		ToPort:    int64(remoteRule.PortRangeMax),
		CIDR:      cidr,
	}
}

func ruleFingerprint(protocol string, fromPort, toPort int64, cidr string) string {
	if cidr == "" {
		cidr = AnyCIDR
	}
	return fmt.Sprintf("%s|%d|%d|%s", protocol, fromPort, toPort, cidr)
}

func (b *tenantBackend) ListFloatingIPs(ctx context.Context) ([]RemoteFloatingIP, error) {
	var result []RemoteFloatingIP
	err := b.do(ctx, "list floating ips", func(ctx context.Context) error {
		sc, err := b.clients.networking(ctx)
		if err != nil {
			return err
		}
		allPages, err := floatingips.List(sc, floatingips.ListOpts{
			TenantID: b.tenant.BackendID,
		}).AllPages(ctx)
		if err != nil {
			return err
		}
		found, err := floatingips.ExtractFloatingIPs(allPages)
		if err != nil {
			return err
		}
		result = make([]RemoteFloatingIP, 0, len(found))
		for _, fip := range found {
			result = append(result, RemoteFloatingIP{
				BackendID:        fip.ID,
				Address:          fip.FloatingIP,
				Status:           fip.Status,
				BackendNetworkID: fip.FloatingNetworkID,
			})
		}
		return nil
	})
	return result, err
}

func (b *tenantBackend) AllocateFloatingIP(ctx context.Context, fip *models.FloatingIP) error {
	return b.do(ctx, "allocate floating ip", func(ctx context.Context) error {
		sc, err := b.clients.networking(ctx)
		if err != nil {
			return err
		}
		created, err := floatingips.Create(ctx, sc, floatingips.CreateOpts{
			FloatingNetworkID: b.tenant.ExternalNetworkID,
		}).Extract()
		if err != nil {
			return err
		}
		fip.BackendID = created.ID
		fip.Address = created.FloatingIP
		fip.Status = created.Status
		fip.BackendNetworkID = created.FloatingNetworkID
		return nil
	})
}

// AssociateFloatingIP attaches the floating IP to the port the
// instance holds on the tenant's internal network.
func (b *tenantBackend) AssociateFloatingIP(ctx context.Context, fip *models.FloatingIP, instance *models.Instance) error {
	return b.do(ctx, "associate floating ip", func(ctx context.Context) error {
		sc, err := b.clients.networking(ctx)
		if err != nil {
			return err
		}
		allPages, err := ports.List(sc, ports.ListOpts{
			DeviceID: instance.BackendID,
		}).AllPages(ctx)
		if err != nil {
			return err
		}
		found, err := ports.ExtractPorts(allPages)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return backenderr.New(backenderr.KindBackendError,
				"associate floating ip", "server %s has no port", instance.BackendID)
		}
		portID := found[0].ID
		updated, err := floatingips.Update(ctx, sc, fip.BackendID, floatingips.UpdateOpts{
			PortID: &portID,
		}).Extract()
		if err != nil {
			return err
		}
		fip.Status = updated.Status
		return nil
	})
}

func (b *tenantBackend) ReleaseFloatingIP(ctx context.Context, fip *models.FloatingIP) error {
	return b.do(ctx, "release floating ip", func(ctx context.Context) error {
		sc, err := b.clients.networking(ctx)
		if err != nil {
			return err
		}
		err = floatingips.Delete(ctx, sc, fip.BackendID).ExtractErr()
		if isNotFound(err) {
			return nil
		}
		return err
	})
}

// Create the tenant's internal network and subnet.
func (b *tenantBackend) CreateInternalNetwork(ctx context.Context, tenant *models.Tenant) error {
	return b.do(ctx, "create internal network", func(ctx context.Context) error {
		sc, err := b.clients.networking(ctx)
		if err != nil {
			return err
		}
		network, err := networks.Create(ctx, sc, networks.CreateOpts{
			Name: tenant.Name + "-int-net",
		}).Extract()
		if err != nil {
			return err
		}
		tenant.InternalNetworkID = network.ID
		cidr := tenant.SubnetCIDR
		if cidr == "" {
			cidr = defaultSubnetCIDR
			tenant.SubnetCIDR = cidr
		}
		_, err = subnets.Create(ctx, sc, subnets.CreateOpts{
			NetworkID: network.ID,
			Name:      tenant.Name + "-subnet",
			CIDR:      cidr,
			IPVersion: gophercloud.IPv4,
		}).Extract()
		return err
	})
}

// Route the tenant's internal network to the provider's external
// network, detecting the external network if not configured.
func (b *tenantBackend) ConnectToExternalNetwork(ctx context.Context, tenant *models.Tenant) error {
	return b.do(ctx, "connect to external network", func(ctx context.Context) error {
		sc, err := b.clients.networking(ctx)
		if err != nil {
			return err
		}
		if tenant.ExternalNetworkID == "" {
			externalNetworkID, err := detectExternalNetwork(ctx, sc)
			if err != nil {
				return err
			}
			tenant.ExternalNetworkID = externalNetworkID
		}
		router, err := routers.Create(ctx, sc, routers.CreateOpts{
			Name: tenant.Name + "-router",
			GatewayInfo: &routers.GatewayInfo{
				NetworkID: tenant.ExternalNetworkID,
			},
		}).Extract()
		if err != nil {
			return err
		}
		subnetID, err := findSubnet(ctx, sc, tenant.InternalNetworkID)
		if err != nil {
			return err
		}
		_, err = routers.AddInterface(ctx, sc, router.ID, routers.AddInterfaceOpts{
			SubnetID: subnetID,
		}).Extract()
		return err
	})
}

func detectExternalNetwork(ctx context.Context, sc *gophercloud.ServiceClient) (string, error) {
	isExternal := true
	allPages, err := networks.List(sc, external.ListOptsExt{
		ListOptsBuilder: networks.ListOpts{},
		External:        &isExternal,
	}).AllPages(ctx)
	if err != nil {
		return "", err
	}
	found, err := networks.ExtractNetworks(allPages)
	if err != nil {
		return "", err
	}
	if len(found) == 0 {
		return "", backenderr.New(backenderr.KindBackendError,
			"connect to external network", "no external network available")
	}
	return found[0].ID, nil
}

func findSubnet(ctx context.Context, sc *gophercloud.ServiceClient, networkID string) (string, error) {
	allPages, err := subnets.List(sc, subnets.ListOpts{NetworkID: networkID}).AllPages(ctx)
	if err != nil {
		return "", err
	}
	found, err := subnets.ExtractSubnets(allPages)
	if err != nil {
		return "", err
	}
	if len(found) == 0 {
		return "", backenderr.New(backenderr.KindBackendError,
			"connect to external network", "network %s has no subnet", networkID)
	}
	return found[0].ID, nil
}
