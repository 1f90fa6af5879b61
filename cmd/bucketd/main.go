package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"bucketchain/config"
	"bucketchain/core"
	"bucketchain/core/events"
	"bucketchain/core/genesis"
	"bucketchain/indexer"
	"bucketchain/internal/devnet"
	"bucketchain/observability/logging"
	telemetry "bucketchain/observability/otel"
	"bucketchain/rpc"
	db "bucketchain/storage"
)

const (
	genesisPathEnv = "BUCKETD_GENESIS"
	envNameEnv     = "BUCKETD_ENV"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	genesisFlag := flag.String("genesis", "", "Path to a genesis JSON file (overrides BUCKETD_GENESIS and config GenesisFile)")
	devFlag := flag.Bool("dev", false, "DEV ONLY: start from an empty devnet genesis when no chain or genesis file exists")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	env := strings.TrimSpace(os.Getenv(envNameEnv))
	logger := logging.SetupWithOptions("bucketd", env, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	if err := run(cfg, resolveGenesisPath(*genesisFlag, cfg.GenesisFile), *devFlag, env, logger); err != nil {
		logger.Error("bucketd stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func resolveGenesisPath(flagValue, configValue string) string {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv(genesisPathEnv)); v != "" {
		return v
	}
	return strings.TrimSpace(configValue)
}

func loadGenesis(path string, dev bool) (*genesis.GenesisSpec, error) {
	if path != "" {
		return genesis.LoadGenesisSpec(path)
	}
	if dev {
		return devnet.Spec(nil, nil)
	}
	return nil, nil
}

func run(cfg *config.Config, genesisPath string, dev bool, env string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Endpoint != "" {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			Environment: firstNonEmpty(cfg.Telemetry.Environment, env),
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     cfg.Telemetry.Headers,
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown failed", slog.Any("error", err))
			}
		}()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("prepare data directory: %w", err)
	}
	store, err := db.NewLevelDB(filepath.Join(cfg.DataDir, "chain"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	spec, err := loadGenesis(genesisPath, dev)
	if err != nil {
		return fmt.Errorf("load genesis: %w", err)
	}
	ledger, err := core.Open(store, spec)
	if errors.Is(err, core.ErrNoGenesis) {
		return fmt.Errorf("%w: pass -genesis or -dev", err)
	}
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer ledger.Close()
	ledger.SetLogger(logger)

	jwtSecret := os.Getenv(cfg.RPC.JWTSecretEnv)
	srv := rpc.NewServer(ledger, rpc.ServerConfig{
		RateLimitPerSecond: cfg.RPC.RateLimitPerSecond,
		RateLimitBurst:     cfg.RPC.RateLimitBurst,
		MaxBodyBytes:       cfg.RPC.MaxBodyBytes,
		JWTSecret:          jwtSecret,
		AllowDevMethods:    cfg.RPC.AllowDevMethods,
	}, logger)
	logger.Info("rpc configured",
		slog.Bool("dev_methods", cfg.RPC.AllowDevMethods),
		logging.Secret("jwt_secret", jwtSecret),
		slog.Float64("rate_limit", cfg.RPC.RateLimitPerSecond))

	emitter := events.Fanout{srv.Hub()}
	if cfg.Indexer.Enabled {
		idx, err := indexer.Open(cfg.Indexer.DSN)
		if err != nil {
			return err
		}
		defer idx.Close()
		idx.SetLogger(logger)
		emitter = append(emitter, idx)
		srv.SetEventQuery(idx)
	}
	ledger.SetEmitter(emitter)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.RPC.ReadTimeoutDuration(),
		WriteTimeout: cfg.RPC.WriteTimeoutDuration(),
		IdleTimeout:  cfg.RPC.IdleTimeoutDuration(),
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("rpc listening",
			slog.String("addr", cfg.ListenAddress),
			slog.String("network", cfg.NetworkName),
			slog.Uint64("height", ledger.Height()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if cfg.BlockIntervalMs > 0 {
		go produceBlocks(ctx, ledger, time.Duration(cfg.BlockIntervalMs)*time.Millisecond, logger)
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("rpc server: %w", err)
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// produceBlocks closes the open block every interval until ctx is cancelled.
func produceBlocks(ctx context.Context, ledger *core.Ledger, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			head, err := ledger.AdvanceBlock(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Error("advance block failed", slog.Any("error", err))
				}
				continue
			}
			logger.Debug("block committed",
				slog.Uint64("height", head.Height),
				slog.String("state_root", head.StateRoot.Hex()))
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
