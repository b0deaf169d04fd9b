package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/brojonat/fairswap/service/archive"
	"github.com/brojonat/fairswap/service/config"
	"github.com/brojonat/fairswap/service/db"
	"github.com/brojonat/fairswap/service/decoder"
	"github.com/brojonat/fairswap/service/events"
	"github.com/brojonat/fairswap/service/idl"
	"github.com/brojonat/fairswap/service/indexer"
	"github.com/brojonat/fairswap/service/metrics"
	natspkg "github.com/brojonat/fairswap/service/nats"
	"github.com/brojonat/fairswap/service/resolver"
	"github.com/brojonat/fairswap/service/solana"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load and validate configuration from environment
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting fairswap indexer",
		"indexer_id", cfg.IndexerID,
		"program_id", cfg.ProgramID.String(),
		"rpc_endpoint", extractEndpointFromURL(cfg.SolanaRPCURL),
		"poll_interval", cfg.PollInterval,
		"log_level", cfg.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The decoder cannot run without the program interface.
	schema, err := idl.LoadFromCandidates(cfg.IDLPath)
	if err != nil {
		logger.Error("failed to load program IDL", "error", err)
		os.Exit(1)
	}
	dec, err := decoder.New(schema)
	if err != nil {
		logger.Error("failed to build instruction decoder", "error", err)
		os.Exit(1)
	}
	logger.Info("loaded program IDL", "program", schema.ProgramName())

	dbPool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()
	logger.Info("connected to database")

	if cfg.MigrateOnStart {
		if err := db.Migrate(ctx, dbPool); err != nil {
			logger.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}
		logger.Info("database migrations applied")
	}

	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry
	store := db.NewStore(dbPool, metricsCollector)

	sinks, cache, closeDeps := setupOptionalDeps(ctx, cfg, logger)
	defer closeDeps()
	fanout := events.NewFanout(sinks, metricsCollector, logger)
	defer func() {
		if err := fanout.Close(); err != nil {
			logger.Error("failed to close event sinks", "error", err)
		}
	}()

	chain := solana.NewClient(
		solana.NewRPCClient(cfg.SolanaRPCURL),
		extractEndpointFromURL(cfg.SolanaRPCURL),
		solana.Options{
			Timeout:           cfg.RPCTimeout,
			MaxRetries:        cfg.RPCMaxRetries,
			RetryBackoff:      cfg.RPCRetryBackoff,
			RequestsPerSecond: cfg.RPCRequestsPerSecond,
		},
		metricsCollector,
		logger,
	)

	res := resolver.New(store, chain, dec, cfg.ProgramID, cache, metricsCollector, logger)
	proc := indexer.NewProcessor(store, res, fanout, metricsCollector, logger)
	poller := indexer.NewPoller(indexer.PollerConfig{
		IndexerID:        cfg.IndexerID,
		ProgramID:        cfg.ProgramID,
		PollInterval:     cfg.PollInterval,
		BatchLimit:       cfg.SignatureBatchLimit,
		MaxFetchAttempts: cfg.MaxFetchAttempts,
	}, chain, store, dec, proc, metricsCollector, logger)

	// Ops server: metrics and liveness.
	maxTickAge := 10*cfg.PollInterval + cfg.RPCTimeout
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", metrics.Instrument(metricsCollector, "healthz", healthHandler(poller, maxTickAge)))
	opsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("starting ops HTTP server", "addr", cfg.MetricsAddr)
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown ops server", "error", err)
		}
	}()

	logger.Info("indexer initialized, all dependencies ready",
		"event_sinks", len(sinks),
		"resolver_cache", cache != nil,
	)

	if err := poller.Run(ctx); err != nil {
		logger.Error("poll loop stopped", "error", err)
		stop()
		os.Exit(1)
	}
	logger.Info("shutdown complete", "checkpoint", poller.Checkpoint())
}

// setupOptionalDeps connects the optional event sinks and resolver cache.
// A component whose address is unset is skipped; one that fails to connect is
// logged and skipped so the projection keeps running without it.
func setupOptionalDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]events.Sink, resolver.Cache, func()) {
	var (
		sinks   []events.Sink
		cache   resolver.Cache
		closers []func()
	)

	if cfg.NATSURL != "" {
		publisher, err := natspkg.NewPublisher(cfg.NATSURL, logger)
		if err != nil {
			logger.Warn("NATS unavailable, events will not be published", "url", cfg.NATSURL, "error", err)
		} else {
			sinks = append(sinks, publisher)
			logger.Info("connected to NATS", "url", cfg.NATSURL, "stream", natspkg.StreamName)
		}
	}

	if cfg.ClickHouseAddr != "" {
		arch, err := archive.Open(ctx, archive.Options{
			Addr:     cfg.ClickHouseAddr,
			Database: cfg.ClickHouseDatabase,
			Username: cfg.ClickHouseUsername,
			Password: cfg.ClickHousePassword,
		}, logger)
		if err != nil {
			logger.Warn("ClickHouse unavailable, swaps will not be archived", "addr", cfg.ClickHouseAddr, "error", err)
		} else {
			sinks = append(sinks, arch)
			logger.Info("connected to ClickHouse", "addr", cfg.ClickHouseAddr)
		}
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unavailable, resolver cache disabled", "addr", cfg.RedisAddr, "error", err)
			_ = client.Close()
		} else if rc, err := resolver.NewRedisCache(client, cfg.ResolverCacheTTL); err != nil {
			logger.Warn("failed to create resolver cache", "error", err)
			_ = client.Close()
		} else {
			cache = rc
			closers = append(closers, func() { _ = client.Close() })
			logger.Info("connected to Redis", "addr", cfg.RedisAddr, "ttl", cfg.ResolverCacheTTL)
		}
	}

	return sinks, cache, func() {
		for _, c := range closers {
			c()
		}
	}
}

type healthChecker interface {
	Healthy(maxAge time.Duration) bool
	LastSuccess() time.Time
	Checkpoint() uint64
}

func healthHandler(p healthChecker, maxAge time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status := "ok"
		if !p.Healthy(maxAge) {
			status = "stale"
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		var last string
		if t := p.LastSuccess(); !t.IsZero() {
			last = t.UTC().Format(time.RFC3339)
		}
		_ = writeJSON(w, map[string]any{
			"status":       status,
			"checkpoint":   p.Checkpoint(),
			"last_success": last,
		})
	})
}

func writeJSON(w http.ResponseWriter, v any) error {
	return json.NewEncoder(w).Encode(v)
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// extractEndpointFromURL extracts a short identifier from the Solana RPC URL for metrics labeling.
// Examples:
//   - "https://api.mainnet-beta.solana.com" -> "mainnet"
//   - "https://api.devnet.solana.com" -> "devnet"
//   - "https://mainnet.helius-rpc.com/?api-key=..." -> "helius"
func extractEndpointFromURL(rpcURL string) string {
	parsed, err := url.Parse(rpcURL)
	if err != nil {
		return "unknown"
	}
	host := parsed.Hostname()

	for _, provider := range []string{"helius", "quiknode", "quicknode", "alchemy", "triton", "rpcpool"} {
		if strings.Contains(host, provider) {
			if provider == "quicknode" {
				return "quiknode"
			}
			return provider
		}
	}
	for _, cluster := range []string{"mainnet", "devnet", "testnet", "localhost", "127.0.0.1"} {
		if strings.Contains(host, cluster) {
			if cluster == "127.0.0.1" {
				return "localhost"
			}
			return cluster
		}
	}
	if host == "" {
		return "unknown"
	}
	return host
}
