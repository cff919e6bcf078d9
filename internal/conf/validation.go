// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package conf

import "errors"

// Fill in the defaults for loop intervals that are not configured.
func (c ReconConfig) WithDefaults() ReconConfig {
	if c.IntervalSeconds == 0 {
		c.IntervalSeconds = 300
	}
	if c.StuckAfterMinutes == 0 {
		c.StuckAfterMinutes = 30
	}
	if c.BackupIntervalSeconds == 0 {
		c.BackupIntervalSeconds = 600
	}
	return c
}

// Fill in the defaults for the session cache.
func (c SessionConfig) WithDefaults() SessionConfig {
	if c.SharedTTLHours == 0 {
		c.SharedTTLHours = 24
	}
	if c.ExpiryMarginMinutes == 0 {
		c.ExpiryMarginMinutes = 10
	}
	return c
}

// Check if the configuration is valid.
func (c *config) Validate() error {
	if c.KeystoneConfig.URL == "" {
		return errors.New("keystone: missing url")
	}
	if c.KeystoneConfig.OSUsername == "" {
		return errors.New("keystone: missing username")
	}
	if c.KeystoneConfig.OSPassword == "" {
		return errors.New("keystone: missing password")
	}
	if c.DBConfig.Host == "" {
		return errors.New("db: missing host")
	}
	return nil
}
