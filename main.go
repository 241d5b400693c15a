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

package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"
	"github.com/ttbt-io/dugout/backend"
	"github.com/ttbt-io/dugout/backend/config"
)

var (
	configPath       = flag.String("config", "", "Path to a YAML config file (default $DUGOUT_CONFIG)")
	addr             = flag.String("addr", ":8080", "The TCP address to listen to")
	useMockAuth      = flag.Bool("use-mock-auth", false, "Use Mock Authentication. For testing purposes only.")
	debugMode        = flag.Bool("debug", false, "Enable debug mode")
	raftEnabled      = flag.Bool("raft", false, "Enable Raft consensus")
	raftBind         = flag.String("raft-bind", ":8081", "Address for Raft TCP transport")
	raftAdvertise    = flag.String("raft-advertise", "", "Public address for Raft traffic")
	raftJoin         = flag.String("raft-join", "", "HTTP URL of a cluster member to join")
	clusterAdvertise = flag.String("cluster-advertise", "", "HTTP URL peers use to reach this node")
	raftSecret       = flag.String("raft-secret", "", "Shared secret for cluster authentication")
	raftBootstrap    = flag.Bool("raft-bootstrap", false, "Bootstrap the Raft cluster (only for first node)")
	dataDir          = flag.String("data-dir", "data", "Directory for game and team data")
	tlsCert          = flag.String("tls-cert", "", "Path to main HTTP TLS certificate")
	tlsKey           = flag.String("tls-key", "", "Path to main HTTP TLS key")
	authCookieName   = flag.String("auth-cookie-name", "dugout_auth", "Name of the cookie containing the JWT")
	authJWKSURL      = flag.String("auth-jwks-url", "", "URL of the JWKS endpoint used to verify tokens")
	bootstrapAdmin   = flag.String("admin", "", "Email of temporary admin user for bootstrapping access policy")
	logLevel         = flag.String("log-level", "info", "Component log level: trace, debug, info, warn or error")
)

// applyFlags overrides cfg with the flags given on the command line.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = *addr
		case "use-mock-auth":
			cfg.UseMockAuth = *useMockAuth
		case "debug":
			cfg.Debug = *debugMode
		case "raft":
			cfg.RaftEnabled = *raftEnabled
		case "raft-bind":
			cfg.RaftBind = *raftBind
		case "raft-advertise":
			cfg.RaftAdvertise = *raftAdvertise
		case "raft-join":
			cfg.RaftJoin = *raftJoin
		case "cluster-advertise":
			cfg.ClusterAdvertise = *clusterAdvertise
		case "raft-secret":
			cfg.RaftSecret = *raftSecret
		case "raft-bootstrap":
			cfg.RaftBootstrap = *raftBootstrap
		case "data-dir":
			cfg.DataDir = *dataDir
		case "tls-cert":
			cfg.TLSCert = *tlsCert
		case "tls-key":
			cfg.TLSKey = *tlsKey
		case "auth-cookie-name":
			cfg.AuthCookieName = *authCookieName
		case "auth-jwks-url":
			cfg.AuthJWKSURL = *authJWKSURL
		case "admin":
			cfg.BootstrapAdmin = *bootstrapAdmin
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})
}

// loadMasterKey opens or creates the storage key protected by the
// DUGOUT_MASTER_KEY passphrase. Without a passphrase, data is stored in the
// clear unless a key file already exists.
func loadMasterKey(dir string) crypto.MasterKey {
	keyFile := filepath.Join(dir, "master.key")
	passphrase := os.Getenv("DUGOUT_MASTER_KEY")
	if passphrase == "" {
		if _, err := os.Stat(keyFile); err == nil {
			log.Fatalf("Critical Security Error: %s exists but DUGOUT_MASTER_KEY is not set. Refusing to start in unencrypted mode to prevent data corruption or exposure.", keyFile)
		}
		log.Println("Warning: No DUGOUT_MASTER_KEY provided. Data will be stored UNENCRYPTED.")
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}
	masterKey, err := crypto.ReadMasterKey([]byte(passphrase), keyFile)
	if os.IsNotExist(err) {
		log.Println("Initializing new master encryption key...")
		if masterKey, err = crypto.CreateMasterKey(); err != nil {
			log.Fatalf("Failed to create master key: %v", err)
		}
		if err := masterKey.Save([]byte(passphrase), keyFile); err != nil {
			log.Fatalf("Failed to save master key: %v", err)
		}
		return masterKey
	}
	if err != nil {
		log.Fatalf("Failed to read master key: %v", err)
	}
	log.Println("Loaded master encryption key.")
	return masterKey
}

// main starts the web server and registers the API handlers.
func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	idleTimeout, _ := cfg.IdleTimeout()

	var mainTLSCert *tls.Certificate
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			log.Fatalf("Failed to load main TLS cert/key: %v", err)
		}
		mainTLSCert = &cert
	}

	masterKey := loadMasterKey(cfg.DataDir)
	store := storage.New(cfg.DataDir, masterKey)
	store.EnableCompression(true)

	server, err := backend.StartServer(backend.Options{
		Addr:                  cfg.Addr,
		Cert:                  mainTLSCert,
		DataDir:               cfg.DataDir,
		UseMockAuth:           cfg.UseMockAuth,
		Debug:                 cfg.Debug,
		Storage:               store,
		MasterKey:             masterKey,
		Logger:                cfg.Logger("dugout"),
		RaftEnabled:           cfg.RaftEnabled,
		RaftBind:              cfg.RaftBind,
		RaftAdvertise:         cfg.RaftAdvertise,
		RaftSecret:            cfg.RaftSecret,
		RaftJoin:              cfg.RaftJoin,
		RaftBootstrap:         cfg.RaftBootstrap,
		ClusterAdvertise:      cfg.ClusterAdvertise,
		UseProductionTimeouts: true,
		AuthCookieName:        cfg.AuthCookieName,
		AuthJWKSURL:           cfg.AuthJWKSURL,
		BootstrapAdmin:        cfg.BootstrapAdmin,
		StatsCacheSize:        cfg.StatsCacheSize,
		HubIdleTimeout:        idleTimeout,
	})
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	// Wait for interrupt signal
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	} else {
		log.Println("Gracefully stopped.")
	}
}
