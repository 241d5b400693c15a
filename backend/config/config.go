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

// Package config defines the dugout server configuration and its loader.
package config

import "errors"

var ErrInvalidConfig = errors.New("invalid config")

// Config holds process configuration. Command line flags take precedence over
// every value loaded here.
type Config struct {
	// LogLevel is the hclog level for component diagnostics: trace, debug,
	// info, warn or error.
	LogLevel string `koanf:"log_level"`

	Addr    string `koanf:"addr"`
	DataDir string `koanf:"data_dir"`
	TLSCert string `koanf:"tls_cert"`
	TLSKey  string `koanf:"tls_key"`
	Debug   bool   `koanf:"debug"`

	UseMockAuth    bool   `koanf:"use_mock_auth"`
	AuthCookieName string `koanf:"auth_cookie_name"`
	// AuthJWKSURL is the JWKS endpoint used to verify auth tokens.
	AuthJWKSURL    string `koanf:"auth_jwks_url"`
	BootstrapAdmin string `koanf:"admin"`

	RaftEnabled   bool   `koanf:"raft"`
	RaftBind      string `koanf:"raft_bind"`
	RaftAdvertise string `koanf:"raft_advertise"`
	RaftSecret    string `koanf:"raft_secret"`
	RaftBootstrap bool   `koanf:"raft_bootstrap"`
	// RaftJoin is the HTTP base URL of a cluster member to join at startup.
	RaftJoin string `koanf:"raft_join"`
	// ClusterAdvertise is this node's HTTP base URL as seen by its peers.
	// Writes received by followers are forwarded to the leader's.
	ClusterAdvertise string `koanf:"cluster_advertise"`

	// StatsCacheSize is the number of per-game stat sheets kept in memory.
	StatsCacheSize int `koanf:"stats_cache_size"`
	// HubIdleTimeout is how long a live game hub lingers with no clients.
	HubIdleTimeout string `koanf:"hub_idle_timeout"`
}

// New returns a Config with defaults.
func New() *Config {
	return &Config{
		LogLevel:       "info",
		Addr:           ":8080",
		DataDir:        "data",
		AuthCookieName: "dugout_auth",
		RaftBind:       ":8081",
		StatsCacheSize: 256,
		HubIdleTimeout: "5m",
	}
}
