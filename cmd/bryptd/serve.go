// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/brypt-io/brypt-go/config"
	"github.com/brypt-io/brypt-go/crypto/vault"
	"github.com/brypt-io/brypt-go/internal/logger"
	"github.com/brypt-io/brypt-go/node"
	"github.com/brypt-io/brypt-go/pkg/health"
	"github.com/brypt-io/brypt-go/transport/tcp"
	"github.com/brypt-io/brypt-go/transport/ws"
)

var (
	configDir          string
	listenTCP          string
	listenWS           string
	connectAddr        []string
	identityPassphrase string
	ephemeralIdentity  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start a brypt node and serve until interrupted",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&configDir, "config-dir", "config", "directory holding {environment}.yaml / default.yaml")
	serveCmd.Flags().StringVar(&listenTCP, "listen-tcp", "", "address to bind the TCP Endpoint (host:port), empty disables it")
	serveCmd.Flags().StringVar(&listenWS, "listen-ws", "", "address to bind the WebSocket Endpoint (host:port), empty disables it")
	serveCmd.Flags().StringArrayVar(&connectAddr, "connect", nil, "tcp://host:port or ws://host:port peer to dial after startup, repeatable")
	serveCmd.Flags().StringVar(&identityPassphrase, "identity-passphrase", "", "passphrase protecting the node's persisted identity key (env BRYPT_IDENTITY_PASSPHRASE if unset)")
	serveCmd.Flags().BoolVar(&ephemeralIdentity, "ephemeral-identity", false, "generate a fresh identifier every startup instead of loading/persisting one")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(config.LoaderOptions{ConfigDir: configDir})
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log := logger.NewLogger(os.Stdout, parseLevel(cfg.Logging.Level))

	opts := node.DefaultOptions()
	opts.UseBootstraps = cfg.Node.UseBootstraps
	opts.CoreThreads = cfg.Node.CoreThreads
	opts.BasePath = orDefault(cfg.Node.BasePath, opts.BasePath)
	opts.ConfigurationFilename = orDefault(cfg.Node.ConfigurationFilename, opts.ConfigurationFilename)
	opts.PeersFilename = orDefault(cfg.Node.PeersFilename, opts.PeersFilename)
	opts.NetworkToken = cfg.Node.NetworkToken
	if cfg.Node.ConnectionTimeout > 0 {
		opts.ConnectionTimeout = cfg.Node.ConnectionTimeout
	}
	if cfg.Node.ConnectionRetryInterval > 0 {
		opts.ConnectionRetryInterval = cfg.Node.ConnectionRetryInterval
	}
	if cfg.Node.ConnectRetryThreshold > 0 {
		opts.ConnectRetryThreshold = cfg.Node.ConnectRetryThreshold
	}

	id, err := resolveIdentity(opts.BasePath)
	if err != nil {
		return fmt.Errorf("resolve node identifier: %w", err)
	}

	svc := node.NewService(id, opts)
	svc.RegisterLogger(log)

	// An example route exercising the embedding surface end to end: a
	// handler that simply echoes its payload back.
	_ = svc.Route("/ping", node.HandlerFunc(func(source node.Identifier, requestKey node.RequestKey, payload []byte, next node.Next) error {
		return next.Respond(node.StatusOK, payload)
	}))

	unsubscribe := svc.Subscribe(func(ev node.Event) {
		log.Info("event", logger.String("kind", string(ev.Kind)), logger.String("peer", ev.PeerID.String()))
	})
	defer unsubscribe()

	if listenTCP != "" {
		ep := tcp.NewEndpoint(opts.ConnectionTimeout)
		if err := svc.AttachEndpoint(ep, listenTCP); err != nil {
			return fmt.Errorf("attach tcp endpoint: %w", err)
		}
	}
	if listenWS != "" {
		ep := ws.NewEndpoint(opts.ConnectionTimeout, 60*time.Second, 30*time.Second)
		if err := svc.AttachEndpoint(ep, listenWS); err != nil {
			return fmt.Errorf("attach ws endpoint: %w", err)
		}
	}

	if cfg.Health.Enabled {
		checker := health.NewHealthChecker(10 * time.Second)
		checker.RegisterCheck("node", func(ctx context.Context) error {
			if svc.IsRunning() {
				return nil
			}
			return errors.New("service is not running")
		})
		checker.RegisterCheck("persistence", health.PersistenceHealthCheck(func(ctx context.Context) error {
			return checkBasePathWritable(opts.BasePath)
		}))
		if !ephemeralIdentity {
			checker.RegisterCheck("identity-vault", health.KeyVaultHealthCheck(func() error {
				return checkIdentityVaultReachable(opts.BasePath)
			}))
		}
		server := health.NewServer(checker, log, cfg.Health.Port)
		if err := server.Start(); err != nil {
			return fmt.Errorf("start health server: %w", err)
		}
		defer func() { _ = server.Stop(context.Background()) }()
	}

	if err := svc.Startup(); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	log.Info("node started", logger.String("identifier", id.String()))

	for _, raw := range connectAddr {
		addr, err := parseConnectFlag(raw)
		if err != nil {
			log.Warn("skipping malformed --connect address", logger.String("address", raw), logger.Error(err))
			continue
		}
		if err := svc.Connect(addr); err != nil {
			log.Warn("dial failed", logger.String("address", raw), logger.Error(err))
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	return svc.Shutdown()
}

func parseLevel(level string) logger.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return logger.DebugLevel
	case "WARN":
		return logger.WarnLevel
	case "ERROR":
		return logger.ErrorLevel
	default:
		return logger.InfoLevel
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// resolveIdentity returns the node's Identifier: an ephemeral one when
// --ephemeral-identity is set, otherwise the long-term identity
// persisted (encrypted under a passphrase) in a vault under
// basePath/identity, generating one on first run.
func resolveIdentity(basePath string) (node.Identifier, error) {
	if ephemeralIdentity {
		return node.NewEphemeralIdentifier()
	}
	passphrase := identityPassphrase
	if passphrase == "" {
		passphrase = os.Getenv("BRYPT_IDENTITY_PASSPHRASE")
	}
	v, err := vault.NewFileVault(filepath.Join(basePath, "identity"))
	if err != nil {
		return node.Identifier{}, fmt.Errorf("open identity vault: %w", err)
	}
	return node.LoadOrCreatePersistentIdentity(v, passphrase)
}

// checkBasePathWritable probes that basePath exists and accepts writes,
// the same assumption the bootstrap and configuration persistence paths
// make on every save.
func checkBasePathWritable(basePath string) error {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return fmt.Errorf("base path %q not writable: %w", basePath, err)
	}
	probe := filepath.Join(basePath, ".health-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("base path %q not writable: %w", basePath, err)
	}
	return os.Remove(probe)
}

// checkIdentityVaultReachable confirms the vault backing the node's
// persisted identity still opens and lists its directory; it does not
// attempt to decrypt anything, so it needs no passphrase.
func checkIdentityVaultReachable(basePath string) error {
	v, err := vault.NewFileVault(filepath.Join(basePath, "identity"))
	if err != nil {
		return fmt.Errorf("open identity vault: %w", err)
	}
	if len(v.ListKeys()) == 0 {
		return errors.New("identity vault has no persisted identity")
	}
	return nil
}

func parseConnectFlag(raw string) (node.Address, error) {
	switch {
	case strings.HasPrefix(raw, "tcp://"):
		return node.ParseAddress(node.ProtocolTCP, strings.TrimPrefix(raw, "tcp://"), true)
	case strings.HasPrefix(raw, "ws://"), strings.HasPrefix(raw, "wss://"):
		return node.ParseAddress(node.ProtocolWebSocket, raw, true)
	default:
		return node.Address{}, fmt.Errorf("address %q must start with tcp://, ws:// or wss://", raw)
	}
}
