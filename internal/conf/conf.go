// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package conf

import (
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Configuration for structured logging.
type LoggingConfig struct {
	// The log level to use (debug, info, warn, error).
	LevelStr string `yaml:"level"`
	// The log format to use (json, text).
	Format string `yaml:"format"`
}

// Database configuration.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Configuration for the monitoring module.
type MonitoringConfig struct {
	// The labels to add to all metrics.
	Labels map[string]string `yaml:"labels"`

	// The port to expose the metrics on.
	Port int `yaml:"port"`
}

// Configuration for the mqtt client.
type MQTTConfig struct {
	// The URL of the MQTT broker to use for mqtt.
	URL string `yaml:"url"`
	// Credentials for the MQTT broker.
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Configuration for the keystone admin authentication.
type KeystoneConfig struct {
	// The URL of the keystone service.
	URL string `yaml:"url"`
	// Availability of the keystone service, such as "public", "internal", or "admin".
	Availability string `yaml:"availability"`
	// The OpenStack username (OS_USERNAME in openstack cli).
	OSUsername string `yaml:"username"`
	// The OpenStack password (OS_PASSWORD in openstack cli).
	OSPassword string `yaml:"password"`
	// The OpenStack project name (OS_PROJECT_NAME in openstack cli).
	OSProjectName string `yaml:"projectName"`
	// The OpenStack user domain name (OS_USER_DOMAIN_NAME in openstack cli).
	OSUserDomainName string `yaml:"userDomainName"`
	// The OpenStack project domain name (OS_PROJECT_DOMAIN_NAME in openstack cli).
	OSProjectDomainName string `yaml:"projectDomainName"`
}

// Configuration for the session cache.
type SessionConfig struct {
	// How long recovered sessions stay in the shared store.
	SharedTTLHours int `yaml:"sharedTTLHours"`
	// Sessions closer to expiry than this margin are not reused.
	ExpiryMarginMinutes int `yaml:"expiryMarginMinutes"`
}

// Attempt budget for a single polling step.
type PollBudget struct {
	// Seconds to wait between two backend lookups.
	IntervalSeconds int `yaml:"intervalSeconds"`
	// How often to look before giving up with a timeout.
	MaxAttempts int `yaml:"maxAttempts"`
}

// Polling budgets per resource kind.
type PollConfig struct {
	Instance  PollBudget `yaml:"instance"`
	Volume    PollBudget `yaml:"volume"`
	Snapshot  PollBudget `yaml:"snapshot"`
	Backup    PollBudget `yaml:"backup"`
	GoneCheck PollBudget `yaml:"goneCheck"`
}

// Fill in the defaults for budgets that are not configured.
func (c PollConfig) WithDefaults() PollConfig {
	fill := func(b *PollBudget, interval, attempts int) {
		if b.IntervalSeconds == 0 {
			b.IntervalSeconds = interval
		}
		if b.MaxAttempts == 0 {
			b.MaxAttempts = attempts
		}
	}
	fill(&c.Instance, 3, 300)
	fill(&c.Volume, 30, 300)
	fill(&c.Snapshot, 10, 300)
	fill(&c.Backup, 50, 300)
	fill(&c.GoneCheck, 5, 60)
	return c
}

// Configuration for the reconciliation loops.
type ReconConfig struct {
	// Seconds between two reconciliation rounds over all tenants.
	IntervalSeconds int `yaml:"intervalSeconds"`
	// Resources provisioning for longer than this are marked as erred.
	StuckAfterMinutes int `yaml:"stuckAfterMinutes"`
	// Seconds between two backup schedule rounds.
	BackupIntervalSeconds int `yaml:"backupIntervalSeconds"`
}

// Configuration for the orchestration service.
type Config interface {
	GetLoggingConfig() LoggingConfig
	GetDBConfig() DBConfig
	GetMonitoringConfig() MonitoringConfig
	GetMQTTConfig() MQTTConfig
	GetKeystoneConfig() KeystoneConfig
	GetSessionConfig() SessionConfig
	GetPollConfig() PollConfig
	GetReconConfig() ReconConfig
	// Check if the configuration is valid.
	Validate() error
}

type config struct {
	LoggingConfig    `yaml:"logging"`
	DBConfig         `yaml:"db"`
	MonitoringConfig `yaml:"monitoring"`
	MQTTConfig       `yaml:"mqtt"`
	KeystoneConfig   `yaml:"keystone"`
	SessionConfig    `yaml:"sessions"`
	PollConfig       `yaml:"poll"`
	ReconConfig      `yaml:"recon"`
}

// Create a new configuration from the default config yaml file.
func NewConfig() Config {
	filepath := os.Getenv("CONFIG_FILE")
	if filepath == "" {
		filepath = "/etc/config/conf.yaml"
	}
	return newConfigFromFile(filepath)
}

// Create a new configuration from the given file.
func newConfigFromFile(filepath string) Config {
	file, err := os.Open(filepath)
	if err != nil {
		panic(err)
	}
	defer file.Close()
	bytes, err := io.ReadAll(file)
	if err != nil {
		panic(err)
	}
	return newConfigFromBytes(bytes)
}

// Create a new configuration from the given bytes.
func newConfigFromBytes(bytes []byte) Config {
	var c config
	if err := yaml.Unmarshal(bytes, &c); err != nil {
		panic(err)
	}
	return &c
}

func (c *config) GetLoggingConfig() LoggingConfig       { return c.LoggingConfig }
func (c *config) GetDBConfig() DBConfig                 { return c.DBConfig }
func (c *config) GetMonitoringConfig() MonitoringConfig { return c.MonitoringConfig }
func (c *config) GetMQTTConfig() MQTTConfig             { return c.MQTTConfig }
func (c *config) GetKeystoneConfig() KeystoneConfig     { return c.KeystoneConfig }
func (c *config) GetSessionConfig() SessionConfig       { return c.SessionConfig.WithDefaults() }
func (c *config) GetPollConfig() PollConfig             { return c.PollConfig.WithDefaults() }
func (c *config) GetReconConfig() ReconConfig           { return c.ReconConfig.WithDefaults() }
