// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package conf

import "testing"

func TestNewConfigFromBytes(t *testing.T) {
	content := `
logging:
  level: debug
  format: json
db:
  host: localhost
  port: "5432"
  database: orchestrator
  user: postgres
  password: secret
keystone:
  url: https://keystone.example.com:5000/v3
  availability: public
  username: admin
  password: hunter2
  projectName: admin
  userDomainName: Default
  projectDomainName: Default
poll:
  volume:
    intervalSeconds: 5
    maxAttempts: 10
`
	c := newConfigFromBytes([]byte(content))
	if err := c.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	if c.GetLoggingConfig().LevelStr != "debug" {
		t.Errorf("expected debug log level, got %s", c.GetLoggingConfig().LevelStr)
	}
	if c.GetKeystoneConfig().OSUsername != "admin" {
		t.Errorf("unexpected keystone username %s", c.GetKeystoneConfig().OSUsername)
	}
	poll := c.GetPollConfig()
	if poll.Volume.IntervalSeconds != 5 || poll.Volume.MaxAttempts != 10 {
		t.Errorf("expected configured volume budget, got %+v", poll.Volume)
	}
	// Unset budgets fall back to defaults.
	if poll.Instance.IntervalSeconds != 3 || poll.Instance.MaxAttempts != 300 {
		t.Errorf("expected default instance budget, got %+v", poll.Instance)
	}
	if poll.GoneCheck.MaxAttempts != 60 {
		t.Errorf("expected default gone check budget, got %+v", poll.GoneCheck)
	}
	sessions := c.GetSessionConfig()
	if sessions.SharedTTLHours != 24 || sessions.ExpiryMarginMinutes != 10 {
		t.Errorf("expected default session config, got %+v", sessions)
	}
}

func TestValidateMissingKeystone(t *testing.T) {
	c := newConfigFromBytes([]byte(`
db:
  host: localhost
`))
	if err := c.Validate(); err == nil {
		t.Error("expected validation error for missing keystone config")
	}
}
