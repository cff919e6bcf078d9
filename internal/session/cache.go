// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack"
	"github.com/gophercloud/gophercloud/v2/openstack/identity/v3/tokens"

	"github.com/opennode/waldur-openstack-sub000/internal/backenderr"
	"github.com/opennode/waldur-openstack-sub000/internal/conf"
	"github.com/opennode/waldur-openstack-sub000/internal/db"
	"github.com/opennode/waldur-openstack-sub000/internal/models"
)

// Cache hands out authenticated provider clients. Lookups go through
// two tiers: an in-process map, then the shared database table. Only
// when both miss is a fresh password authentication performed.
type Cache struct {
	DB   db.DB
	Conf conf.SessionConfig
	Mon  Monitor

	mu    sync.Mutex
	local map[string]*gophercloud.ProviderClient
}

func NewCache(database db.DB, config conf.SessionConfig, mon Monitor) *Cache {
	return &Cache{
		DB:    database,
		Conf:  config.WithDefaults(),
		Mon:   mon,
		local: make(map[string]*gophercloud.ProviderClient),
	}
}

// Register and create the shared session table.
func (c *Cache) Init() error {
	return c.DB.CreateTable(c.DB.AddTable(Record{}))
}

// Credentials for a provider-level admin session.
func AdminCredentials(keystone conf.KeystoneConfig) Credentials {
	return Credentials{
		AuthURL:           keystone.URL,
		Username:          keystone.OSUsername,
		Password:          keystone.OSPassword,
		UserDomainName:    keystone.OSUserDomainName,
		ProjectName:       keystone.OSProjectName,
		ProjectDomainName: keystone.OSProjectDomainName,
		Admin:             true,
	}
}

// Credentials scoped to the given tenant, using its service user.
func TenantCredentials(keystone conf.KeystoneConfig, tenant *models.Tenant) Credentials {
	creds := Credentials{
		AuthURL:        keystone.URL,
		Username:       tenant.UserUsername,
		Password:       tenant.UserPassword,
		UserDomainName: keystone.OSUserDomainName,
		ProjectID:      tenant.BackendID,
		TenantID:       tenant.ID,
	}
	if creds.Username == "" {
		// Tenants without their own service user fall back to the
		// admin user, scoped to the tenant's project.
		creds.Username = keystone.OSUsername
		creds.Password = keystone.OSPassword
		creds.Admin = true
	}
	return creds
}

// Provider returns an authenticated client for the given credentials,
// reusing cached sessions where possible.
func (c *Cache) Provider(ctx context.Context, creds Credentials) (*gophercloud.ProviderClient, error) {
	key := creds.cacheKey()

	c.mu.Lock()
	if provider, ok := c.local[key]; ok {
		c.mu.Unlock()
		c.Mon.hit("local")
		return provider, nil
	}
	c.mu.Unlock()

	// Try to recover a shared session before authenticating.
	if session, ok := c.lookupShared(key); ok {
		provider, err := c.recover(ctx, creds, session)
		if err == nil {
			c.Mon.hit("shared")
			c.remember(key, provider)
			return provider, nil
		}
		slog.Warn("recovered session was rejected, re-authenticating",
			"tenant", creds.TenantID, "error", err)
		c.evictShared(key)
	}

	provider, session, err := c.authenticate(ctx, creds)
	if err != nil {
		return nil, err
	}
	c.Mon.hit("miss")
	c.storeShared(key, session)
	c.remember(key, provider)
	return provider, nil
}

// Invalidate drops the session from both tiers, forcing the next
// Provider call to authenticate from scratch. Called after the backend
// rejects a cached token.
func (c *Cache) Invalidate(creds Credentials) {
	key := creds.cacheKey()
	c.mu.Lock()
	delete(c.local, key)
	c.mu.Unlock()
	c.evictShared(key)
}

func (c *Cache) remember(key string, provider *gophercloud.ProviderClient) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local[key] = provider
}

// Look up a shared session that is not about to expire. Sessions
// within the expiry margin are treated as misses so that a session
// never dies mid-operation.
func (c *Cache) lookupShared(key string) (Session, bool) {
	var record Record
	err := c.DB.SelectOne(&record, `
		SELECT * FROM openstack_sessions WHERE key = :key`,
		map[string]any{"key": key},
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false
	}
	if err != nil {
		slog.Error("failed to look up shared session", "error", err)
		return Session{}, false
	}
	margin := time.Duration(c.Conf.ExpiryMarginMinutes) * time.Minute
	expiresAt := time.Unix(record.ExpiresAt, 0)
	if time.Now().Add(margin).After(expiresAt) {
		return Session{}, false
	}
	return Session{
		Token:     record.Token,
		ExpiresAt: expiresAt,
		ProjectID: record.ProjectID,
		AuthURL:   record.AuthURL,
	}, true
}

func (c *Cache) storeShared(key string, session Session) {
	// The shared entry lives until the token expires, capped by the
	// configured TTL.
	ttl := time.Duration(c.Conf.SharedTTLHours) * time.Hour
	expiresAt := session.ExpiresAt
	if capped := time.Now().Add(ttl); capped.Before(expiresAt) {
		expiresAt = capped
	}
	record := Record{
		Key:       key,
		Token:     session.Token,
		ProjectID: session.ProjectID,
		AuthURL:   session.AuthURL,
		ExpiresAt: expiresAt.Unix(),
		CreatedAt: time.Now().Unix(),
	}
	if err := db.Upsert(c.DB, &record); err != nil {
		slog.Error("failed to store shared session", "error", err)
	}
}

func (c *Cache) evictShared(key string) {
	if _, err := c.DB.Exec(`
		DELETE FROM openstack_sessions WHERE key = :key`,
		map[string]any{"key": key},
	); err != nil {
		slog.Error("failed to evict shared session", "error", err)
	}
}

// Authenticate with a password and extract the issued token, so it can
// be shared with other workers.
func (c *Cache) authenticate(ctx context.Context, creds Credentials) (*gophercloud.ProviderClient, Session, error) {
	slog.Info("authenticating against openstack",
		"url", creds.AuthURL, "tenant", creds.TenantID, "admin", creds.Admin)
	authOptions := gophercloud.AuthOptions{
		IdentityEndpoint: creds.AuthURL,
		Username:         creds.Username,
		DomainName:       creds.UserDomainName,
		Password:         creds.Password,
		AllowReauth:      true,
		Scope:            creds.authScope(),
	}
	provider, err := openstack.NewClient(authOptions.IdentityEndpoint)
	if err != nil {
		return nil, Session{}, backenderr.Wrap(backenderr.KindBackendError, "authenticate", err)
	}
	if err := openstack.Authenticate(ctx, provider, authOptions); err != nil {
		return nil, Session{}, classifyAuthError(err)
	}
	session := Session{Token: provider.Token(), AuthURL: creds.AuthURL, ProjectID: creds.ProjectID}
	if result, ok := provider.GetAuthResult().(tokens.CreateResult); ok {
		if token, err := result.ExtractToken(); err == nil {
			session.ExpiresAt = token.ExpiresAt
		}
	}
	if session.ExpiresAt.IsZero() {
		ttl := time.Duration(c.Conf.SharedTTLHours) * time.Hour
		session.ExpiresAt = time.Now().Add(ttl)
	}
	return provider, session, nil
}

// Rebuild a provider client from a recovered token. Token sessions
// cannot re-authenticate themselves, which is fine: the cache drops
// them close to expiry.
func (c *Cache) recover(ctx context.Context, creds Credentials, session Session) (*gophercloud.ProviderClient, error) {
	provider, err := openstack.NewClient(session.AuthURL)
	if err != nil {
		return nil, err
	}
	authOptions := gophercloud.AuthOptions{
		IdentityEndpoint: session.AuthURL,
		TokenID:          session.Token,
		Scope:            creds.authScope(),
	}
	if err := openstack.Authenticate(ctx, provider, authOptions); err != nil {
		return nil, backenderr.Wrap(backenderr.KindSessionExpired, "recover session", err)
	}
	return provider, nil
}

func (c Credentials) authScope() *gophercloud.AuthScope {
	if c.ProjectID != "" {
		return &gophercloud.AuthScope{ProjectID: c.ProjectID}
	}
	if c.ProjectName != "" {
		return &gophercloud.AuthScope{
			ProjectName: c.ProjectName,
			DomainName:  c.ProjectDomainName,
		}
	}
	return nil
}

func classifyAuthError(err error) error {
	if gophercloud.ResponseCodeIs(err, 401) || gophercloud.ResponseCodeIs(err, 403) {
		return backenderr.Wrap(backenderr.KindAuthorizationFailed, "authenticate", err)
	}
	return backenderr.Wrap(backenderr.KindBackendError, "authenticate", err)
}
