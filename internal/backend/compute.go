// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"

	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/flavors"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/servers"
	"github.com/gophercloud/gophercloud/v2/openstack/image/v2/images"

	"github.com/opennode/waldur-openstack-sub000/internal/backenderr"
	"github.com/opennode/waldur-openstack-sub000/internal/models"
)

// Runtime states reported by the compute service that the task graphs
// poll for.
const (
	ServerStateActive       = "ACTIVE"
	ServerStateError        = "ERROR"
	ServerStateShutoff      = "SHUTOFF"
	ServerStateVerifyResize = "VERIFY_RESIZE"
)

// Boot a server from the bootable system volume, with the data volume
// attached through the block device mapping. Both volumes must already
// exist on the backend.
func (b *tenantBackend) CreateServer(ctx context.Context, instance *models.Instance, system, data *models.Volume, groupBackendIDs []string) error {
	return b.do(ctx, "create server", func(ctx context.Context) error {
		sc, err := b.clients.compute(ctx)
		if err != nil {
			return err
		}
		if !system.Bootable {
			return backenderr.New(backenderr.KindPreconditionViolation,
				"create server", "system volume %q is not bootable", system.ID)
		}
		opts := servers.CreateOpts{
			Name:             instance.Name,
			FlavorRef:        instance.FlavorBackendID,
			AvailabilityZone: b.tenant.AvailabilityZone,
			SecurityGroups:   groupBackendIDs,
			UserData:         []byte(instance.UserData),
			Networks: []servers.Network{
				{UUID: b.tenant.InternalNetworkID},
			},
			BlockDevice: []servers.BlockDevice{
				{
					BootIndex:           0,
					UUID:                system.BackendID,
					SourceType:          servers.SourceVolume,
					DestinationType:     servers.DestinationVolume,
					DeleteOnTermination: false,
				},
				{
					BootIndex:           -1,
					UUID:                data.BackendID,
					SourceType:          servers.SourceVolume,
					DestinationType:     servers.DestinationVolume,
					DeleteOnTermination: false,
				},
			},
		}
		server, err := servers.Create(ctx, sc, opts, nil).Extract()
		if err != nil {
			return err
		}
		instance.BackendID = server.ID
		instance.RuntimeState = server.Status
		return nil
	})
}

func (b *tenantBackend) DeleteServer(ctx context.Context, instance *models.Instance) error {
	return b.do(ctx, "delete server", func(ctx context.Context) error {
		sc, err := b.clients.compute(ctx)
		if err != nil {
			return err
		}
		err = servers.Delete(ctx, sc, instance.BackendID).ExtractErr()
		if isNotFound(err) {
			return nil
		}
		return err
	})
}

func (b *tenantBackend) ServerGone(ctx context.Context, instance *models.Instance) (bool, error) {
	var gone bool
	err := b.do(ctx, "check server", func(ctx context.Context) error {
		sc, err := b.clients.compute(ctx)
		if err != nil {
			return err
		}
		_, err = servers.Get(ctx, sc, instance.BackendID).Extract()
		if isNotFound(err) {
			gone = true
			return nil
		}
		return err
	})
	return gone, err
}

func (b *tenantBackend) GetServerRuntimeState(ctx context.Context, instance *models.Instance) (string, error) {
	var state string
	err := b.do(ctx, "get server state", func(ctx context.Context) error {
		sc, err := b.clients.compute(ctx)
		if err != nil {
			return err
		}
		server, err := servers.Get(ctx, sc, instance.BackendID).Extract()
		if err != nil {
			return err
		}
		state = server.Status
		return nil
	})
	return state, err
}

// Refresh the instance's runtime state and addresses from the backend.
func (b *tenantBackend) PullServer(ctx context.Context, instance *models.Instance) error {
	return b.do(ctx, "pull server", func(ctx context.Context) error {
		sc, err := b.clients.compute(ctx)
		if err != nil {
			return err
		}
		server, err := servers.Get(ctx, sc, instance.BackendID).Extract()
		if err != nil {
			return err
		}
		instance.RuntimeState = server.Status
		internal, external := parseServerAddresses(server.Addresses)
		if internal != "" {
			instance.InternalIP = internal
		}
		if external != "" {
			instance.ExternalIP = external
		}
		return nil
	})
}

// Addresses come as {network: [{addr, OS-EXT-IPS:type}, ...]}. The
// fixed address is internal, the floating one external.
func parseServerAddresses(addresses map[string]any) (internal, external string) {
	for _, entries := range addresses {
		list, ok := entries.([]any)
		if !ok {
			continue
		}
		for _, entry := range list {
			fields, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			addr, _ := fields["addr"].(string)
			switch fields["OS-EXT-IPS:type"] {
			case "floating":
				external = addr
			default:
				internal = addr
			}
		}
	}
	return internal, external
}

func (b *tenantBackend) StartServer(ctx context.Context, instance *models.Instance) error {
	return b.do(ctx, "start server", func(ctx context.Context) error {
		sc, err := b.clients.compute(ctx)
		if err != nil {
			return err
		}
		return servers.Start(ctx, sc, instance.BackendID).ExtractErr()
	})
}

func (b *tenantBackend) StopServer(ctx context.Context, instance *models.Instance) error {
	return b.do(ctx, "stop server", func(ctx context.Context) error {
		sc, err := b.clients.compute(ctx)
		if err != nil {
			return err
		}
		return servers.Stop(ctx, sc, instance.BackendID).ExtractErr()
	})
}

func (b *tenantBackend) RebootServer(ctx context.Context, instance *models.Instance) error {
	return b.do(ctx, "reboot server", func(ctx context.Context) error {
		sc, err := b.clients.compute(ctx)
		if err != nil {
			return err
		}
		return servers.Reboot(ctx, sc, instance.BackendID, servers.RebootOpts{
			Type: servers.SoftReboot,
		}).ExtractErr()
	})
}

func (b *tenantBackend) ResizeServer(ctx context.Context, instance *models.Instance, flavorBackendID string) error {
	return b.do(ctx, "resize server", func(ctx context.Context) error {
		sc, err := b.clients.compute(ctx)
		if err != nil {
			return err
		}
		return servers.Resize(ctx, sc, instance.BackendID, servers.ResizeOpts{
			FlavorRef: flavorBackendID,
		}).ExtractErr()
	})
}

func (b *tenantBackend) ConfirmServerResize(ctx context.Context, instance *models.Instance) error {
	return b.do(ctx, "confirm server resize", func(ctx context.Context) error {
		sc, err := b.clients.compute(ctx)
		if err != nil {
			return err
		}
		return servers.ConfirmResize(ctx, sc, instance.BackendID).ExtractErr()
	})
}

// Pull the shared flavor catalog. Disk comes back in GiB and is stored
// in MiB like all local sizes.
func (b *tenantBackend) PullFlavors(ctx context.Context) ([]models.Flavor, error) {
	var result []models.Flavor
	err := b.do(ctx, "pull flavors", func(ctx context.Context) error {
		sc, err := b.clients.compute(ctx)
		if err != nil {
			return err
		}
		allPages, err := flavors.ListDetail(sc, flavors.ListOpts{}).AllPages(ctx)
		if err != nil {
			return err
		}
		found, err := flavors.ExtractFlavors(allPages)
		if err != nil {
			return err
		}
		result = make([]models.Flavor, 0, len(found))
		for _, flavor := range found {
			result = append(result, models.Flavor{
				BackendID: flavor.ID,
				Name:      flavor.Name,
				Cores:     int64(flavor.VCPUs),
				RAM:       int64(flavor.RAM),
				Disk:      GiBToMiB(flavor.Disk),
			})
		}
		return nil
	})
	return result, err
}

// Pull the shared image catalog. Only active images are offered.
func (b *tenantBackend) PullImages(ctx context.Context) ([]models.Image, error) {
	var result []models.Image
	err := b.do(ctx, "pull images", func(ctx context.Context) error {
		sc, err := b.clients.image(ctx)
		if err != nil {
			return err
		}
		allPages, err := images.List(sc, images.ListOpts{
			Status: images.ImageStatusActive,
		}).AllPages(ctx)
		if err != nil {
			return err
		}
		found, err := images.ExtractImages(allPages)
		if err != nil {
			return err
		}
		result = make([]models.Image, 0, len(found))
		for _, image := range found {
			result = append(result, models.Image{
				BackendID: image.ID,
				Name:      image.Name,
				MinDisk:   GiBToMiB(image.MinDiskGigabytes),
				MinRAM:    int64(image.MinRAMMegabytes),
			})
		}
		return nil
	})
	return result, err
}
