// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"testing"
	"time"

	"github.com/opennode/waldur-openstack-sub000/internal/conf"
	"github.com/opennode/waldur-openstack-sub000/internal/models"
	testlibDB "github.com/opennode/waldur-openstack-sub000/testlib/db"
)

func setupCache(t *testing.T) *Cache {
	t.Helper()
	env := testlibDB.SetupDBEnv(t)
	t.Cleanup(env.Close)
	cache := NewCache(*env.DB, conf.SessionConfig{}, Monitor{})
	if err := cache.Init(); err != nil {
		t.Fatal(err)
	}
	return cache
}

func TestCacheKeyDistinguishesScopes(t *testing.T) {
	base := Credentials{AuthURL: "https://keystone:5000/v3", Username: "admin", Password: "pw"}

	tenant := base
	tenant.TenantID = "t1"
	if base.cacheKey() == tenant.cacheKey() {
		t.Error("tenant scope must produce a different key")
	}

	admin := tenant
	admin.Admin = true
	if tenant.cacheKey() == admin.cacheKey() {
		t.Error("admin flag must produce a different key")
	}

	rotated := base
	rotated.Password = "pw2"
	if base.cacheKey() == rotated.cacheKey() {
		t.Error("password rotation must produce a different key")
	}

	same := Credentials{AuthURL: "https://keystone:5000/v3", Username: "admin", Password: "pw"}
	if base.cacheKey() != same.cacheKey() {
		t.Error("identical credentials must produce the same key")
	}
}

func TestSharedSessionRoundTrip(t *testing.T) {
	cache := setupCache(t)
	session := Session{
		Token:     "tok-1",
		ExpiresAt: time.Now().Add(2 * time.Hour),
		ProjectID: "p1",
		AuthURL:   "https://keystone:5000/v3",
	}
	cache.storeShared("k1", session)

	got, ok := cache.lookupShared("k1")
	if !ok {
		t.Fatal("expected shared session to be found")
	}
	if got.Token != "tok-1" || got.ProjectID != "p1" {
		t.Errorf("unexpected session %+v", got)
	}

	cache.evictShared("k1")
	if _, ok := cache.lookupShared("k1"); ok {
		t.Error("expected session to be gone after eviction")
	}
}

func TestLookupSharedRespectsExpiryMargin(t *testing.T) {
	cache := setupCache(t)
	// Expires in 5 minutes, inside the default 10 minute margin.
	cache.storeShared("k1", Session{
		Token:     "tok-1",
		ExpiresAt: time.Now().Add(5 * time.Minute),
		AuthURL:   "https://keystone:5000/v3",
	})
	if _, ok := cache.lookupShared("k1"); ok {
		t.Error("sessions inside the expiry margin must not be reused")
	}
}

func TestStoreSharedCapsTTL(t *testing.T) {
	cache := setupCache(t)
	// Token claims to live for a week; the shared entry must still be
	// capped to the configured TTL.
	cache.storeShared("k1", Session{
		Token:     "tok-1",
		ExpiresAt: time.Now().Add(7 * 24 * time.Hour),
		AuthURL:   "https://keystone:5000/v3",
	})
	var record Record
	if err := cache.DB.SelectOne(&record, `
		SELECT * FROM openstack_sessions WHERE key = :key`,
		map[string]any{"key": "k1"},
	); err != nil {
		t.Fatal(err)
	}
	maxExpiry := time.Now().Add(25 * time.Hour).Unix()
	if record.ExpiresAt > maxExpiry {
		t.Errorf("expected TTL cap of 24h, got expiry %d", record.ExpiresAt)
	}
}

func TestTenantCredentialsFallBackToAdmin(t *testing.T) {
	keystone := conf.KeystoneConfig{
		URL: "https://keystone:5000/v3", OSUsername: "admin", OSPassword: "pw",
	}
	tenant := &models.Tenant{
		ResourceMeta: models.ResourceMeta{ID: "t1", BackendID: "proj-1"},
	}
	creds := TenantCredentials(keystone, tenant)
	if creds.Username != "admin" || !creds.Admin {
		t.Errorf("expected admin fallback, got %+v", creds)
	}
	if creds.ProjectID != "proj-1" || creds.TenantID != "t1" {
		t.Errorf("expected tenant scope, got %+v", creds)
	}

	tenant.UserUsername = "svc-t1"
	tenant.UserPassword = "svc-pw"
	creds = TenantCredentials(keystone, tenant)
	if creds.Username != "svc-t1" || creds.Admin {
		t.Errorf("expected tenant service user, got %+v", creds)
	}
}
