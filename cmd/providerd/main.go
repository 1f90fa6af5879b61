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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/syndtr/goleveldb/leveldb"

	"bucketchain/agent"
	"bucketchain/cmd/internal/passphrase"
	"bucketchain/config"
	"bucketchain/content"
	"bucketchain/crypto"
	"bucketchain/observability/logging"
	telemetry "bucketchain/observability/otel"
	"bucketchain/rpc"
)

func main() {
	configFile := flag.String("config", "./providerd.yaml", "Path to the agent configuration file")
	flag.Parse()

	cfg, err := config.LoadAgentConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	env := strings.TrimSpace(os.Getenv("PROVIDERD_ENV"))
	logger := logging.SetupWithOptions("providerd", env, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err := run(cfg, env, logger); err != nil {
		logger.Error("providerd stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg config.AgentConfig, env string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if tc := cfg.Telemetry; tc.Endpoint != "" {
		environment := tc.Environment
		if environment == "" {
			environment = env
		}
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: tc.ServiceName,
			Environment: environment,
			Endpoint:    tc.Endpoint,
			Insecure:    tc.Insecure,
			Headers:     tc.Headers,
			Metrics:     tc.Metrics,
			Traces:      tc.Traces,
			SampleRatio: tc.SampleRatio,
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

	pass, err := passphrase.NewSource(cfg.PassphraseEnv, "provider keystore").Get()
	if err != nil {
		return err
	}
	key, err := crypto.LoadFromKeystore(cfg.Keystore, pass)
	if err != nil {
		return fmt.Errorf("load keystore: %w", err)
	}

	client := rpc.NewClient(cfg.RPCURL)
	params, err := client.Params(ctx)
	if err != nil {
		return fmt.Errorf("fetch chain params: %w", err)
	}
	if params.ChunkSize != cfg.ChunkSize {
		return fmt.Errorf("chunk_size %d does not match the chain's %d", cfg.ChunkSize, params.ChunkSize)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("prepare data directory: %w", err)
	}
	store, err := content.OpenBoltStore(cfg.ContentPath, nil)
	if err != nil {
		return fmt.Errorf("open content store: %w", err)
	}
	defer store.Close()
	ranges, err := leveldb.OpenFile(filepath.Join(cfg.DataDir, "ranges"), nil)
	if err != nil {
		return fmt.Errorf("open range database: %w", err)
	}
	defer ranges.Close()

	provider := agent.NewProvider(key, store, ranges, cfg.ChunkSize)
	provider.SetLogger(logger)
	sender := agent.NewSender(key, client)
	logger.Info("provider ready",
		slog.String("address", provider.Address().Hex()),
		slog.String("rpc", cfg.RPCURL),
		slog.Uint64("chunk_size", cfg.ChunkSize))

	servers := []*http.Server{{
		Addr:              cfg.ListenAddress,
		Handler:           agent.NewServer(provider, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		servers = append(servers, &http.Server{Addr: cfg.MetricsListen, Handler: mux, ReadHeaderTimeout: 5 * time.Second})
	}
	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		go func() {
			logger.Info("listening", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	defender := agent.NewDefender(provider, client, sender)
	defender.SetInterval(cfg.PollInterval.Duration)
	defender.SetLogger(logger)
	go defender.Run(ctx)

	if len(cfg.Buckets) > 0 {
		signers := []agent.CheckpointSigner{provider}
		for _, peer := range cfg.Peers {
			signers = append(signers, agent.NewPeer(peer))
		}
		cp := agent.NewCheckpointer(provider, agent.NewCollector(signers, logger), client, sender, cfg.Buckets)
		cp.SetInterval(cfg.PollInterval.Duration)
		cp.SetLogger(logger)
		go cp.Run(ctx)
	}

	for _, rep := range cfg.Replicas {
		syncer := agent.NewReplicaSyncer(rep.Bucket, provider, agent.NewPeer(rep.Source), client, sender)
		syncer.SetInterval(cfg.PollInterval.Duration)
		syncer.SetLogger(logger.With(slog.Uint64("bucket", rep.Bucket)))
		go syncer.Run(ctx)
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown failed", slog.String("addr", srv.Addr), slog.Any("error", err))
		}
	}
	return nil
}
