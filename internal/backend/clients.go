// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"sync"

	"github.com/gophercloud/gophercloud/v2"

	"github.com/opennode/waldur-openstack-sub000/internal/session"
)

// Service types and microversions of the sub-services we talk to.
const (
	// Since microversion 2.61, the extra_specs are returned in the
	// flavor details.
	novaMicroversion = "2.61"
	// Since microversion 3.70, transfers are available for encrypted
	// volumes; also covers backup import/export.
	cinderMicroversion = "3.70"
)

// Lazily constructed gophercloud service clients sharing one cached
// session. The clients are memoized until reset, which happens when a
// session is invalidated.
type clientSet struct {
	creds        session.Credentials
	availability string
	sessions     *session.Cache

	mu      sync.Mutex
	clients map[string]*gophercloud.ServiceClient
}

func newClientSet(creds session.Credentials, availability string, sessions *session.Cache) *clientSet {
	if availability == "" {
		availability = "public"
	}
	return &clientSet{
		creds:        creds,
		availability: availability,
		sessions:     sessions,
		clients:      make(map[string]*gophercloud.ServiceClient),
	}
}

// Drop all memoized clients so the next use resolves a fresh session.
func (c *clientSet) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients = make(map[string]*gophercloud.ServiceClient)
}

// Get the service client for the given catalog service type,
// authenticating through the session cache if needed.
func (c *clientSet) get(ctx context.Context, serviceType, microversion string) (*gophercloud.ServiceClient, error) {
	c.mu.Lock()
	if sc, ok := c.clients[serviceType]; ok {
		c.mu.Unlock()
		return sc, nil
	}
	c.mu.Unlock()

	provider, err := c.sessions.Provider(ctx, c.creds)
	if err != nil {
		return nil, err
	}
	// Fetch the endpoint from the keystone service catalog.
	url, err := provider.EndpointLocator(gophercloud.EndpointOpts{
		Type:         serviceType,
		Availability: gophercloud.Availability(c.availability),
	})
	if err != nil {
		return nil, translate("locate "+serviceType+" endpoint", err)
	}
	sc := &gophercloud.ServiceClient{
		ProviderClient: provider,
		Endpoint:       url,
		Type:           serviceType,
		Microversion:   microversion,
	}
	c.mu.Lock()
	c.clients[serviceType] = sc
	c.mu.Unlock()
	return sc, nil
}

func (c *clientSet) identity(ctx context.Context) (*gophercloud.ServiceClient, error) {
	return c.get(ctx, "identity", "")
}

func (c *clientSet) compute(ctx context.Context) (*gophercloud.ServiceClient, error) {
	return c.get(ctx, "compute", novaMicroversion)
}

func (c *clientSet) blockStorage(ctx context.Context) (*gophercloud.ServiceClient, error) {
	return c.get(ctx, "volumev3", cinderMicroversion)
}

func (c *clientSet) networking(ctx context.Context) (*gophercloud.ServiceClient, error) {
	return c.get(ctx, "network", "")
}

func (c *clientSet) image(ctx context.Context) (*gophercloud.ServiceClient, error) {
	return c.get(ctx, "image", "")
}

func (c *clientSet) telemetry(ctx context.Context) (*gophercloud.ServiceClient, error) {
	return c.get(ctx, "metering", "")
}
