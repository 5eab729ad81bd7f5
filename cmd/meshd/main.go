// Command meshd is a standalone harness for exercising a full mesh node —
// backbone or edge — without a host process embedding the pluginhost
// package. It is not an operator CLI; it exists only so the module is
// runnable and testable on its own.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/pluginhost"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/schema"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/tools"
)

var (
	version = "dev"
	commit  = "none"
)

type config struct {
	nodeID        string
	tier          string
	listenAddr    string
	peerURL       string
	backbonePeers string
	stateDir      string
	ticketSecret  string
	adminAgentID  string
	authMode      string
	logLevel      string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "meshd",
		Short: "meshd — standalone ansible-mesh node harness",
		Long: `meshd runs one node of the ansible coordination mesh: the shared
CRDT document, the two-tier sync transport, the dispatcher, the coordinator
sweeps, and the tool surface, wired together by internal/pluginhost.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.nodeID, "node-id", envOrDefault("MESHD_NODE_ID", ""), "this node's identity (required)")
	root.PersistentFlags().StringVar(&cfg.tier, "tier", envOrDefault("MESHD_TIER", "backbone"), "backbone or edge")
	root.PersistentFlags().StringVar(&cfg.listenAddr, "listen-addr", envOrDefault("MESHD_LISTEN_ADDR", ":7420"), "backbone sync transport listen address")
	root.PersistentFlags().StringVar(&cfg.peerURL, "peer-url", envOrDefault("MESHD_PEER_URL", ""), "backbone URL an edge node dials (ws:// or wss://)")
	root.PersistentFlags().StringVar(&cfg.backbonePeers, "backbone-peers", envOrDefault("MESHD_BACKBONE_PEERS", ""), "comma-separated backbone URLs this backbone also dials, forming a full mesh")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", envOrDefault("MESHD_STATE_DIR", "./data"), "directory for the persisted CRDT snapshot and session locks")
	root.PersistentFlags().StringVar(&cfg.ticketSecret, "ticket-secret", envOrDefault("MESHD_TICKET_SECRET", ""), "backbone WS ticket signing secret (required for backbone)")
	root.PersistentFlags().StringVar(&cfg.adminAgentID, "admin-agent", envOrDefault("MESHD_ADMIN_AGENT", ""), "agent id admitted to admin operations (its node must also have the admin capability)")
	root.PersistentFlags().StringVar(&cfg.authMode, "auth-mode", envOrDefault("MESHD_AUTH_MODE", "mixed"), "legacy, mixed, or token-required")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("MESHD_LOG_LEVEL", "info"), "debug, info, warn, or error")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("meshd %s (commit: %s)\n", version, commit)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.nodeID == "" {
		return fmt.Errorf("--node-id is required")
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting meshd",
		zap.String("version", version),
		zap.String("node_id", cfg.nodeID),
		zap.String("tier", cfg.tier),
	)

	host, err := pluginhost.Init(pluginhost.Config{
		NodeID:        cfg.nodeID,
		Tier:          schema.Tier(cfg.tier),
		StateDir:      cfg.stateDir,
		ListenAddr:    cfg.listenAddr,
		PeerURL:       cfg.peerURL,
		BackbonePeers: splitPeers(cfg.backbonePeers),
		TicketSecret:  []byte(cfg.ticketSecret),
		AdminAgentID:  cfg.adminAgentID,
		AuthMode:      tools.AuthMode(cfg.authMode),
	}, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("failed to init mesh host: %w", err)
	}

	if err := host.LoadPersisted(); err != nil {
		return fmt.Errorf("failed to load persisted state: %w", err)
	}
	if err := host.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect sync transport: %w", err)
	}
	if err := host.StartServices(); err != nil {
		return fmt.Errorf("failed to start mesh services: %w", err)
	}

	logger.Info("meshd running, awaiting shutdown signal")
	<-ctx.Done()
	logger.Info("shutting down meshd")

	if err := host.Stop(); err != nil {
		logger.Warn("mesh host shutdown reported errors", zap.Error(err))
	}

	logger.Info("meshd stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func splitPeers(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	peers := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}
