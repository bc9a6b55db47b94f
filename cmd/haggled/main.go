package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"haggle/cmd/internal/passphrase"
	"haggle/config"
	"haggle/core"
	"haggle/core/events"
	"haggle/crank"
	"haggle/crypto"
	"haggle/indexer"
	"haggle/integrations/webhooks"
	"haggle/observability"
	"haggle/observability/logging"
	telemetry "haggle/observability/otel"
	"haggle/rpc"
	"haggle/storage"
)

const (
	keystorePassEnv = "HAGGLE_KEYSTORE_PASS"
	envVar          = "HAGGLE_ENV"
	shutdownTimeout = 10 * time.Second
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "export-settlements" {
		if err := runExport(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "export-settlements: %v\n", err)
			os.Exit(1)
		}
		return
	}

	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	env := strings.TrimSpace(os.Getenv(envVar))
	if env == "" {
		env = cfg.Logging.Environment
	}
	logger, logCloser := logging.SetupWithOptions("haggled", env, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, env, logger); err != nil {
		logger.Error("haggled exited", slog.Any("error", err))
		os.Exit(1)
	}
}

// run starts every component described by cfg and blocks until ctx is
// cancelled or the RPC listener fails.
func run(ctx context.Context, cfg *config.Config, env string, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Init(ctx, telemetryConfig(cfg, env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownTelemetry(flushCtx)
	}()

	db, err := openDatabase(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	key, err := loadNodeKey(cfg.KeystorePath, passphrase.NewSource(keystorePassEnv, "node"))
	if err != nil {
		db.Close()
		return fmt.Errorf("load node key: %w", err)
	}
	node, err := core.NewNode(db, key)
	if err != nil {
		db.Close()
		return fmt.Errorf("create node: %w", err)
	}
	defer node.Close()
	node.SetLogger(logger)
	node.EnableFaucet(cfg.RPC.EnableFaucet)

	fanout := events.NewFanout(observability.MetricsEmitter{})

	var history rpc.HistoryStore
	if cfg.Indexer.Enabled {
		store, err := indexer.Open(cfg.Indexer.Driver, indexerDSN(cfg))
		if err != nil {
			return fmt.Errorf("open indexer: %w", err)
		}
		defer store.Close()
		fanout.Add(indexer.NewEmitter(store, logger))
		history = store
	}

	hub := rpc.NewHub(cfg.RPC.AllowedOrigins, logger)
	defer hub.Close()
	fanout.Add(hub)

	if endpoint := strings.TrimSpace(cfg.Webhook.Endpoint); endpoint != "" {
		opts := []webhooks.Option{webhooks.WithLogger(logger)}
		if cfg.Webhook.MaxAttempts > 0 {
			opts = append(opts, webhooks.WithRetryPolicy(cfg.Webhook.MaxAttempts, 0, 0))
		}
		dispatcher, err := webhooks.NewDispatcher(endpoint, []byte(cfg.WebhookSecretValue()), opts...)
		if err != nil {
			return fmt.Errorf("init webhooks: %w", err)
		}
		defer dispatcher.Close()
		fanout.Add(dispatcher)
	}
	node.SetEmitter(fanout)

	authority, err := config.ResolveAddress(cfg.Protocol.Authority, node.Address())
	if err != nil {
		return fmt.Errorf("protocol authority: %w", err)
	}
	treasury, err := config.ResolveAddress(cfg.Protocol.Treasury, node.Address())
	if err != nil {
		return fmt.Errorf("protocol treasury: %w", err)
	}
	if _, err := node.Bootstrap(ctx, authority, treasury, cfg.Protocol.Defaults(), cfg.Protocol.Paused); err != nil {
		return fmt.Errorf("bootstrap registry: %w", err)
	}

	nonces, err := rpc.OpenBoltNonceStore(nonceStorePath(cfg))
	if err != nil {
		return fmt.Errorf("open nonce store: %w", err)
	}
	defer nonces.Close()

	srv, err := rpc.NewServer(node, serverConfig(cfg, nonces, history, hub, logger))
	if err != nil {
		return fmt.Errorf("init rpc: %w", err)
	}
	if err := srv.HydrateNonces(ctx); err != nil {
		return fmt.Errorf("hydrate nonces: %w", err)
	}

	if cfg.Cranker.Enabled {
		cranker := crank.New(node, node.Address(),
			time.Duration(cfg.Cranker.IntervalSeconds)*time.Second, cfg.Cranker.BatchSize)
		cranker.SetLogger(logger)
		go cranker.Run(ctx)
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddress, err)
	}
	errs := make(chan error, 1)
	go func() {
		errs <- srv.Serve(listener)
	}()
	logger.Info("haggled started",
		slog.String("network", cfg.NetworkName),
		slog.String("node", crypto.AddressFromRaw(node.Address()).String()),
		slog.String("listen", listener.Addr().String()))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func telemetryConfig(cfg *config.Config, env string) telemetry.Config {
	headers := telemetry.ParseHeaders(cfg.Telemetry.Headers)
	if raw := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")); raw != "" {
		for k, v := range telemetry.ParseHeaders(raw) {
			headers[k] = v
		}
	}
	endpoint := cfg.Telemetry.Endpoint
	if override := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); override != "" {
		endpoint = override
	}
	return telemetry.Config{
		ServiceName: "haggled",
		Environment: env,
		Endpoint:    endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     headers,
		Traces:      cfg.Telemetry.Traces,
		Metrics:     cfg.Telemetry.Metrics,
		SampleRatio: cfg.Telemetry.SampleRatio,
	}
}

func openDatabase(cfg *config.Config) (storage.Database, error) {
	if cfg.StorageBackend == config.StorageMemory {
		return storage.NewMemDB(), nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	return storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
}

// loadNodeKey opens the node keystore. Keystores written by a fresh config
// carry an empty passphrase; anything else goes through the passphrase source.
func loadNodeKey(path string, source *passphrase.Source) (*crypto.PrivateKey, error) {
	if key, err := crypto.LoadFromKeystore(path, ""); err == nil {
		return key, nil
	}
	pass, err := source.Get()
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(path, pass)
}

func indexerDSN(cfg *config.Config) string {
	dsn := strings.TrimSpace(cfg.Indexer.DSN)
	if dsn == "" && strings.EqualFold(strings.TrimSpace(cfg.Indexer.Driver), "sqlite") && cfg.StorageBackend != config.StorageMemory {
		return filepath.Join(cfg.DataDir, "indexer.db")
	}
	return dsn
}

func nonceStorePath(cfg *config.Config) string {
	if path := strings.TrimSpace(cfg.RPC.NonceStorePath); path != "" {
		return path
	}
	if cfg.StorageBackend == config.StorageMemory {
		return filepath.Join(os.TempDir(), fmt.Sprintf("haggled-nonces-%d.db", os.Getpid()))
	}
	return filepath.Join(cfg.DataDir, "nonces.db")
}

func serverConfig(cfg *config.Config, nonces rpc.NoncePersistence, history rpc.HistoryStore, hub *rpc.Hub, logger *slog.Logger) rpc.ServerConfig {
	return rpc.ServerConfig{
		JWT: rpc.JWTConfig{
			Secret:   cfg.JWTSecretValue(),
			Issuer:   cfg.RPC.JWTIssuer,
			Audience: cfg.RPC.JWTAudience,
		},
		SignatureSkew:      time.Duration(cfg.RPC.SignatureSkewSeconds) * time.Second,
		Nonces:             nonces,
		RateLimitPerSecond: cfg.RPC.RateLimitPerSecond,
		RateLimitBurst:     cfg.RPC.RateLimitBurst,
		AllowedOrigins:     cfg.RPC.AllowedOrigins,
		ReadTimeout:        time.Duration(cfg.RPC.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:       time.Duration(cfg.RPC.WriteTimeoutSeconds) * time.Second,
		Defaults: rpc.CreateDefaults{
			Token:          cfg.Protocol.Token,
			MinOfferBps:    cfg.Protocol.MinOfferBps,
			DeadlineOffset: cfg.Protocol.DeadlineOffsetSeconds,
		},
		FaucetAmount: cfg.RPC.FaucetAmount,
		History:      history,
		Hub:          hub,
		Logger:       logger,
	}
}
