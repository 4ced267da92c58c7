package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"nhbchain/cmd/internal/passphrase"
	"nhbchain/config"
	"nhbchain/core"
	"nhbchain/core/state"
	"nhbchain/journal"
	"nhbchain/observability"
	"nhbchain/observability/logging"
	"nhbchain/observability/telemetry"
	"nhbchain/rpc"
	"nhbchain/storage"
)

const moderatorPassEnv = "P2PESCROW_MODERATOR_PASS"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	passSource := passphrase.NewSource(moderatorPassEnv, "moderator keystore")
	cfg, err := config.Load(*configFile, config.WithKeystorePassphraseSource(passSource.Get))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	level, _ := cfg.Level()
	env := strings.TrimSpace(os.Getenv("P2PESCROW_ENV"))
	if env == "" {
		env = cfg.Environment
	}
	logger := logging.New(logging.Output(logging.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}), "escrowd", env, level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "escrowd",
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Traces:      cfg.Telemetry.Traces,
		Metrics:     cfg.Telemetry.Metrics,
	})
	if err != nil {
		logger.Error("telemetry init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(flushCtx)
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("escrowd stopped", slog.Any("error", err))
		stop()
		os.Exit(1)
	}
	logger.Info("escrowd stopped")
}

// node bundles the collaborators assembled from a configuration.
type node struct {
	db         storage.Database
	journal    *journal.Store
	hub        *rpc.EventHub
	dispatcher *core.Dispatcher
	server     *rpc.Server
}

func (n *node) Close() error {
	var err error
	if n.journal != nil {
		err = n.journal.Close()
	}
	if n.db != nil {
		n.db.Close()
	}
	return err
}

func newNode(cfg *config.Config, db storage.Database, logger *slog.Logger) (*node, error) {
	moderator, err := cfg.ModeratorAddress()
	if err != nil {
		return nil, err
	}
	policy, err := cfg.Fees.Policy()
	if err != nil {
		return nil, err
	}
	manager := state.NewManager(db)
	ledger, err := manager.OpenLedger(moderator)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	n := &node{db: db, hub: rpc.NewEventHub(cfg.Events.Buffer)}
	if dsn := strings.TrimSpace(cfg.Journal.DSN); dsn != "" {
		n.journal, err = journal.Open(cfg.Journal.Driver, dsn)
		if err != nil {
			return nil, err
		}
	}
	n.dispatcher, err = core.NewDispatcher(ledger, policy,
		core.WithStore(manager),
		core.WithEmitter(n.hub),
		core.WithLogger(logger),
		core.WithMetrics(observability.Escrow()),
	)
	if err != nil {
		if n.journal != nil {
			_ = n.journal.Close()
		}
		return nil, err
	}

	opts := []rpc.ServerOption{
		rpc.WithEventHub(n.hub),
		rpc.WithAuthenticator(rpc.NewAuthenticator(rpc.AuthConfig{
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
		})),
	}
	if n.journal != nil {
		opts = append(opts, rpc.WithJournal(n.journal))
	}
	limit := rpc.RateLimit{RequestsPerSecond: cfg.RateLimit.RequestsPerSecond, Burst: cfg.RateLimit.Burst}
	n.server = rpc.NewServer(n.dispatcher, limit, logger, opts...)
	if strings.TrimSpace(cfg.Auth.HMACSecret) == "" && !loopbackListener(cfg.ListenAddress) {
		logger.Warn("message submission is unauthenticated on a non-loopback listener",
			slog.String("listen", cfg.ListenAddress))
	}

	info := ledger.Info()
	logger.Info("ledger opened",
		slog.String("moderator", moderator.String()),
		slog.Uint64("deal_counter", uint64(info.DealCounter)),
		slog.String("commissions_pool", info.CommissionsPool.Dec()),
		slog.Uint64("uf_live", uint64(info.UnknownLive)),
		slog.String("network", cfg.NetworkName),
		slog.String("storage", cfg.StorageBackend),
		slog.Bool("journal", n.journal != nil),
		slog.Bool("auth", strings.TrimSpace(cfg.Auth.HMACSecret) != ""),
	)
	return n, nil
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := storage.Open(cfg.StorageBackend, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	n, err := newNode(cfg, db, logger)
	if err != nil {
		db.Close()
		return err
	}
	serveErr := n.server.Serve(ctx, cfg.ListenAddress)
	return errors.Join(serveErr, n.Close())
}

func loopbackListener(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
