// Copyright 2026 Google LLC. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the registry configuration from YAML.
package config

import (
	"fmt"
	"os"

	"github.com/google/idstate/merkle/hashers"
	"gopkg.in/yaml.v2"
)

const (
	// DefaultTreeDepth is the tree depth used when none is configured.
	DefaultTreeDepth = 40
	// DefaultHashStrategy is the hash strategy used when none is configured.
	DefaultHashStrategy = "POSEIDON"
	// DefaultStorageSystem is the storage provider used when none is
	// configured.
	DefaultStorageSystem = "memory"
	// DefaultMigrationPageSize is the number of legacy records read per
	// migration page when none is configured.
	DefaultMigrationPageSize = 100

	maxTreeDepth = 256
)

// Config holds the registry settings.
type Config struct {
	// TreeDepth is the number of key bits used as the tree path.
	TreeDepth uint `yaml:"tree_depth"`
	// HashStrategy names the node hasher, see hashers.ParseHashStrategy.
	HashStrategy string `yaml:"hash_strategy"`
	// StorageSystem names a registered storage provider. Connection
	// settings for SQL providers are passed by flags.
	StorageSystem string `yaml:"storage_system"`

	Migration MigrationConfig `yaml:"migration"`
}

// MigrationConfig holds the legacy log replay settings.
type MigrationConfig struct {
	PageSize int `yaml:"page_size"`
	// LegacyTable is the table read by the SQL legacy source.
	LegacyTable string `yaml:"legacy_table"`
}

// Default returns the configuration used for unset fields.
func Default() *Config {
	return &Config{
		TreeDepth:     DefaultTreeDepth,
		HashStrategy:  DefaultHashStrategy,
		StorageSystem: DefaultStorageSystem,
		Migration: MigrationConfig{
			PageSize:    DefaultMigrationPageSize,
			LegacyTable: "StateTransitions",
		},
	}
}

// Parse reads a YAML configuration, fills in defaults and validates it.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Validate checks that all settings are usable.
func (c *Config) Validate() error {
	if c.TreeDepth < 1 || c.TreeDepth > maxTreeDepth {
		return fmt.Errorf("config: tree_depth %d outside [1, %d]", c.TreeDepth, maxTreeDepth)
	}
	if _, err := c.Strategy(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.StorageSystem == "" {
		return fmt.Errorf("config: storage_system is empty")
	}
	if c.Migration.PageSize <= 0 {
		return fmt.Errorf("config: migration page_size %d must be positive", c.Migration.PageSize)
	}
	return nil
}

// Strategy returns the configured hash strategy.
func (c *Config) Strategy() (hashers.HashStrategy, error) {
	return hashers.ParseHashStrategy(c.HashStrategy)
}

// Marshal returns the YAML form of c.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
