// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	EnvPrefix = "DUGOUT_"
	// EnvFile names the YAML file to load when path is empty.
	EnvFile = "DUGOUT_CONFIG"
)

// Load layers, lowest precedence first: defaults, the YAML file at path (or
// $DUGOUT_CONFIG), then DUGOUT_* environment variables. DUGOUT_RAFT_BIND maps
// to raft_bind.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		path = os.Getenv(EnvFile)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		if s == EnvFile || s == EnvPrefix+"MASTER_KEY" {
			return ""
		}
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := New()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that cannot be repaired with a default.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	}
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir must not be empty", ErrInvalidConfig)
	}
	if hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		return fmt.Errorf("%w: unknown log_level %q", ErrInvalidConfig, c.LogLevel)
	}
	if c.StatsCacheSize <= 0 {
		return fmt.Errorf("%w: stats_cache_size must be positive", ErrInvalidConfig)
	}
	if _, err := c.IdleTimeout(); err != nil {
		return fmt.Errorf("%w: hub_idle_timeout: %v", ErrInvalidConfig, err)
	}
	if c.RaftEnabled {
		if c.RaftAdvertise == "" {
			return fmt.Errorf("%w: raft_advertise is required when raft is enabled", ErrInvalidConfig)
		}
		if c.RaftSecret == "" {
			return fmt.Errorf("%w: raft_secret is required when raft is enabled", ErrInvalidConfig)
		}
		if c.ClusterAdvertise == "" {
			return fmt.Errorf("%w: cluster_advertise is required when raft is enabled", ErrInvalidConfig)
		}
	}
	return nil
}

// IdleTimeout parses HubIdleTimeout.
func (c *Config) IdleTimeout() (time.Duration, error) {
	return time.ParseDuration(c.HubIdleTimeout)
}

// Logger returns the root hclog logger at the configured level.
func (c *Config) Logger(name string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:  name,
		Level: hclog.LevelFromString(c.LogLevel),
	})
}
