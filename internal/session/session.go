// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

// Package session authenticates against keystone and caches the
// resulting sessions, both in-process and in a shared database table
// so that restarts and sibling workers can reuse tokens instead of
// re-authenticating.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Credentials identify one authentication scope. Admin credentials
// come from the service configuration, tenant credentials from the
// tenant's own service user.
type Credentials struct {
	AuthURL        string
	Username       string
	Password       string
	UserDomainName string

	// Project scope. ProjectID is preferred when set; admin sessions
	// scope by name and domain instead.
	ProjectID         string
	ProjectName       string
	ProjectDomainName string

	// Local tenant the session belongs to, empty for provider-level
	// admin sessions.
	TenantID string
	Admin    bool
}

// Sessions are keyed by a digest of the credentials, the tenant and
// the admin flag, so password rotations and scope changes never reuse
// a stale entry.
func (c Credentials) cacheKey() string {
	sum := sha256.Sum256([]byte(c.AuthURL + c.Username + c.Password))
	return fmt.Sprintf("%s/%s/admin=%t", hex.EncodeToString(sum[:]), c.TenantID, c.Admin)
}

// A recovered or freshly created keystone session.
type Session struct {
	Token     string
	ExpiresAt time.Time
	ProjectID string
	AuthURL   string
}

// Shared session rows stored in the database.
type Record struct {
	Key       string `db:"key,primarykey"`
	Token     string `db:"token"`
	ProjectID string `db:"project_id"`
	AuthURL   string `db:"auth_url"`
	// Unix seconds after which the token must not be reused.
	ExpiresAt int64 `db:"expires_at"`
	CreatedAt int64 `db:"created_at"`
}

func (Record) TableName() string { return "openstack_sessions" }
