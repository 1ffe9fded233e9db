// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config loads the agent configuration. Values are read from a
// YAML file; anything absent falls back to the defaults the agent has
// always shipped with. Periods are expressed in seconds, matching the
// service configuration files this agent is deployed with.
package config

import (
	"os"
	"time"

	"github.com/juju/errors"
	yaml "gopkg.in/yaml.v2"
)

// Defaults.
const (
	DefaultNumThreads                   = 1
	DefaultPollTimePeriodSeconds        = 1800
	DefaultPollOperationPeriodSeconds   = 120
	DefaultRetrieveBulkSize             = 10
	DefaultMessageBulkSize              = 10000
	DefaultRetries                      = 100
	DefaultMaxNumberWorkers             = 3
	DefaultCleanLockingThresholdSeconds = 3600
)

// Config carries the recognised agent options.
type Config struct {
	NumThreads                   int            `yaml:"num_threads"`
	PollTimePeriodSeconds        int            `yaml:"poll_time_period"`
	PollOperationPeriodSeconds   int            `yaml:"poll_operation_time_period"`
	RetrieveBulkSize             int            `yaml:"retrieve_bulk_size"`
	MessageBulkSize              int            `yaml:"message_bulk_size"`
	Retries                      int            `yaml:"retries"`
	MaxNumberWorkers             int            `yaml:"max_number_workers"`
	CleanLockingThresholdSeconds int            `yaml:"clean_locking_threshold"`
	AgentAttributes              map[string]any `yaml:"agent_attributes"`

	DatabasePath string `yaml:"database_path"`
}

// Default returns the configuration with every option at its default.
func Default() Config {
	return Config{
		NumThreads:                   DefaultNumThreads,
		PollTimePeriodSeconds:        DefaultPollTimePeriodSeconds,
		PollOperationPeriodSeconds:   DefaultPollOperationPeriodSeconds,
		RetrieveBulkSize:             DefaultRetrieveBulkSize,
		MessageBulkSize:              DefaultMessageBulkSize,
		Retries:                      DefaultRetries,
		MaxNumberWorkers:             DefaultMaxNumberWorkers,
		CleanLockingThresholdSeconds: DefaultCleanLockingThresholdSeconds,
	}
}

// Load reads the YAML file at path over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Trace(err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Annotatef(err, "parsing %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

// Validate checks the options make sense together.
func (c Config) Validate() error {
	if c.MaxNumberWorkers <= 0 {
		return errors.NotValidf("max_number_workers %d", c.MaxNumberWorkers)
	}
	if c.RetrieveBulkSize <= 0 {
		return errors.NotValidf("retrieve_bulk_size %d", c.RetrieveBulkSize)
	}
	if c.PollTimePeriodSeconds <= 0 {
		return errors.NotValidf("poll_time_period %d", c.PollTimePeriodSeconds)
	}
	if c.PollOperationPeriodSeconds <= 0 {
		return errors.NotValidf("poll_operation_time_period %d", c.PollOperationPeriodSeconds)
	}
	return nil
}

// PollTimePeriod is the normal re-examination spacing.
func (c Config) PollTimePeriod() time.Duration {
	return time.Duration(c.PollTimePeriodSeconds) * time.Second
}

// PollOperationTimePeriod is the spacing used while an operator
// request is in flight.
func (c Config) PollOperationTimePeriod() time.Duration {
	return time.Duration(c.PollOperationPeriodSeconds) * time.Second
}

// CleanLockingThreshold is the age beyond which an orphaned row lock
// is cleared.
func (c Config) CleanLockingThreshold() time.Duration {
	return time.Duration(c.CleanLockingThresholdSeconds) * time.Second
}
