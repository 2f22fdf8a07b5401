// Package config provides configuration management for brypt.
package config

import (
	"time"
)

// Config is the root application configuration, loaded from YAML with
// environment-variable overrides layered on top. It is distinct from the
// per-peer JSON bootstrap/persistence files described in node's option
// catalog (base_path/configuration_filename/peers_filename) — those are
// written by the running service, this is read once at startup.
type Config struct {
	Environment string      `yaml:"environment" json:"environment"`
	Node        NodeConfig  `yaml:"node" json:"node"`
	Logging     LoggingConfig `yaml:"logging" json:"logging"`
	Metrics     MetricsConfig `yaml:"metrics" json:"metrics"`
	Health      HealthConfig  `yaml:"health" json:"health"`
}

// NodeConfig mirrors the Service option catalog so a YAML/env file can
// seed every `set_option` value a host would otherwise set in code.
type NodeConfig struct {
	UseBootstraps           bool          `yaml:"use_bootstraps" json:"use_bootstraps"`
	ConnectionTimeout       time.Duration `yaml:"connection_timeout" json:"connection_timeout"`
	ConnectionRetryInterval time.Duration `yaml:"connection_retry_interval" json:"connection_retry_interval"`
	ConnectRetryThreshold   int           `yaml:"connect_retry_threshold" json:"connect_retry_threshold"`
	CoreThreads             int           `yaml:"core_threads" json:"core_threads"`
	BasePath                string        `yaml:"base_path" json:"base_path"`
	ConfigurationFilename   string        `yaml:"configuration_filename" json:"configuration_filename"`
	PeersFilename           string        `yaml:"peers_filename" json:"peers_filename"`
	NetworkToken            string        `yaml:"network_token" json:"network_token"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
}

// HealthConfig represents health check configuration
type HealthConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Port    int      `yaml:"port" json:"port"`
	Path    string   `yaml:"path" json:"path"`
	Checks  []string `yaml:"checks" json:"checks"`
}
