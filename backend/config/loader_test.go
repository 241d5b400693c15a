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

package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"
	"github.com/ttbt-io/dugout/backend/config"
)

func clearEnv() {
	for _, k := range []string{
		config.EnvFile, "DUGOUT_ADDR", "DUGOUT_LOG_LEVEL", "DUGOUT_MASTER_KEY",
		"DUGOUT_RAFT", "DUGOUT_RAFT_ADVERTISE", "DUGOUT_RAFT_SECRET", "DUGOUT_CLUSTER_ADVERTISE",
	} {
		_ = os.Unsetenv(k)
	}
}

func TestLoad(t *testing.T) {
	t.Cleanup(clearEnv)
	convey.Convey("Given a config loader", t, func() {
		clearEnv()

		convey.Convey("Defaults load when nothing is set", func() {
			cfg, err := config.Load("")
			convey.So(err, convey.ShouldBeNil)
			convey.So(cfg.Addr, convey.ShouldEqual, ":8080")
			convey.So(cfg.DataDir, convey.ShouldEqual, "data")
			convey.So(cfg.AuthCookieName, convey.ShouldEqual, "dugout_auth")
			convey.So(cfg.StatsCacheSize, convey.ShouldEqual, 256)
			d, err := cfg.IdleTimeout()
			convey.So(err, convey.ShouldBeNil)
			convey.So(d, convey.ShouldEqual, 5*time.Minute)
		})

		convey.Convey("A YAML file overrides defaults", func() {
			path := filepath.Join(t.TempDir(), "dugout.yaml")
			err := os.WriteFile(path, []byte("addr: \":9090\"\ndata_dir: /srv/dugout\nuse_mock_auth: true\nstats_cache_size: 10\n"), 0o600)
			convey.So(err, convey.ShouldBeNil)

			cfg, err := config.Load(path)
			convey.So(err, convey.ShouldBeNil)
			convey.So(cfg.Addr, convey.ShouldEqual, ":9090")
			convey.So(cfg.DataDir, convey.ShouldEqual, "/srv/dugout")
			convey.So(cfg.UseMockAuth, convey.ShouldBeTrue)
			convey.So(cfg.StatsCacheSize, convey.ShouldEqual, 10)
			convey.So(cfg.LogLevel, convey.ShouldEqual, "info")

			convey.Convey("And environment variables override the file", func() {
				os.Setenv("DUGOUT_ADDR", ":7070")
				os.Setenv("DUGOUT_LOG_LEVEL", "debug")
				cfg, err := config.Load(path)
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":7070")
				convey.So(cfg.LogLevel, convey.ShouldEqual, "debug")
				convey.So(cfg.DataDir, convey.ShouldEqual, "/srv/dugout")
			})
		})

		convey.Convey("The master key passphrase is never read into the config", func() {
			os.Setenv("DUGOUT_MASTER_KEY", "hunter2")
			_, err := config.Load("")
			convey.So(err, convey.ShouldBeNil)
		})

		convey.Convey("A missing file is an error", func() {
			_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
			convey.So(err, convey.ShouldNotBeNil)
		})

		convey.Convey("Invalid values are rejected", func() {
			os.Setenv("DUGOUT_LOG_LEVEL", "loud")
			_, err := config.Load("")
			convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
		})

		convey.Convey("Raft requires advertise addresses and a secret", func() {
			os.Setenv("DUGOUT_RAFT", "true")
			_, err := config.Load("")
			convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)

			os.Setenv("DUGOUT_RAFT_ADVERTISE", "10.0.0.1:8081")
			os.Setenv("DUGOUT_RAFT_SECRET", "s3cret")
			_, err = config.Load("")
			convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)

			os.Setenv("DUGOUT_CLUSTER_ADVERTISE", "https://10.0.0.1:8080")
			cfg, err := config.Load("")
			convey.So(err, convey.ShouldBeNil)
			convey.So(cfg.RaftEnabled, convey.ShouldBeTrue)
			convey.So(cfg.RaftBind, convey.ShouldEqual, ":8081")
			convey.So(cfg.ClusterAdvertise, convey.ShouldEqual, "https://10.0.0.1:8080")
		})
	})
}
