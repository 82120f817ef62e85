package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/aegis-control/plane/pkg/arbiter"
	"github.com/aegis-control/plane/pkg/audit"
	"github.com/aegis-control/plane/pkg/config"
	"github.com/aegis-control/plane/pkg/gate"
	"github.com/aegis-control/plane/pkg/ingress"
	"github.com/aegis-control/plane/pkg/neural"
	"github.com/aegis-control/plane/pkg/observability"
	"github.com/aegis-control/plane/pkg/policy"
	"github.com/aegis-control/plane/pkg/ratelimit"
)

// runServer wires every subsystem and blocks until SIGINT/SIGTERM, per
// the exit codes documented in the wire protocol: 0 on normal shutdown,
// 64 on bad configuration, 65 on a fatal invariant violation, 69 on an
// irrecoverable storage error.
func runServer(stdout, stderr io.Writer) int {
	fmt.Fprintf(stdout, "%saegisd starting%s\n", colorBold, colorReset)

	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceName = "aegisd"
	obsCfg.Environment = cfg.Environment
	obsCfg.Enabled = cfg.TracingEnabled
	if cfg.OTLPEndpoint != "" {
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		fmt.Fprintf(stderr, "observability init failed: %v\n", err)
		return 64
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	registry := policy.NewRegistry()

	var neuralEval neural.Evaluator = neural.StubEvaluator{}
	if cfg.NeuralServiceURL != "" {
		neuralEval = neural.NewHTTPEvaluator(cfg.NeuralServiceURL, cfg.NeuralTimeout)
	}

	synRuntime, err := newSynapseRuntime(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "synapse init failed: %v\n", err)
		return 69
	}
	defer synRuntime.Close()

	auditStore := audit.NewStore()
	auditPipeline := audit.NewPipeline(auditStore, cfg.AuditQueueCapacity, cfg.AuditEnqueueDeadline)
	defer auditPipeline.Close()

	gateCfg := gate.DefaultConfig()
	gateCfg.NeuralRiskThreshold = cfg.NeuralRiskThreshold
	gateCfg.NeuralBlockThreshold = cfg.NeuralBlockThreshold
	if cfg.NeuralTimeout > 0 {
		gateCfg.NeuralBudget = cfg.NeuralTimeout
	}
	engine := gate.New(registry, nil, neuralEval, auditPipeline, gateCfg)

	limiterStore, closeLimiter := buildRateLimitStore(cfg, logger)
	defer closeLimiter()
	limitPolicy := ratelimit.Policy{RatePerSecond: 200, Burst: 400}

	var lockHandler http.Handler
	var arbiterNode *arbiter.Node
	if cfg.ArbiterEnabled {
		arbiterNode, err = arbiter.NewNode(arbiter.Config{
			NodeID:     cfg.RaftNodeID,
			BindAddr:   cfg.RaftBindAddr,
			DataDir:    cfg.RaftDataDir,
			ShardCount: cfg.IngressShardCount,
			Bootstrap:  cfg.RaftBootstrap,
		})
		if err != nil {
			fmt.Fprintf(stderr, "arbiter init failed: %v\n", err)
			return 69
		}
		defer func() { _ = arbiterNode.Shutdown() }()
		guardCfg := arbiter.DefaultLoopGuardConfig()
		if cfg.Environment == "production" {
			guardCfg = arbiter.StrictLoopGuardConfig()
		}
		lockHandler = arbiter.NewHandler(arbiterNode).WithLoopGuard(arbiter.NewLoopGuard(guardCfg))
		logger.Info("arbiter enabled", "node_id", cfg.RaftNodeID, "bind_addr", cfg.RaftBindAddr)
	}

	workers := ingress.NewWorkerPool(cfg.IngressShardCount, 256)
	defer workers.Close()

	server := ingress.NewServer(engine, workers, limiterStore, limitPolicy, lockHandler)

	mux := http.NewServeMux()
	mux.Handle("/", server)
	mux.HandleFunc("/healthz", healthHandler(auditStore))
	mux.Handle("/metrics", promhttp.HandlerFor(obs.Registry(), promhttp.HandlerOpts{}))

	httpServer := &http.Server{Addr: ":" + cfg.Port, Handler: mux}

	serveErrs := make(chan error, 1)
	go func() {
		logger.Info("ingress listening", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrs <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case err := <-serveErrs:
		fmt.Fprintf(stderr, "ingress server failed: %v\n", err)
		return 69
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(stderr, "graceful shutdown failed: %v\n", err)
		return 69
	}

	fmt.Fprintln(stdout, "aegisd stopped")
	return 0
}

// buildRateLimitStore prefers Redis (so rate limits are shared across
// ingress replicas) and falls back to an in-process store for a
// single-node developer setup, the same DATABASE_URL-absent fallback
// shape the rest of this repo's tooling uses for its own storage layer.
func buildRateLimitStore(cfg *config.Config, logger *slog.Logger) (ratelimit.Store, func()) {
	if cfg.RedisAddr == "" {
		logger.Info("rate limiter: in-memory store (REDIS_ADDR unset)")
		return ratelimit.NewInMemoryStore(), func() {}
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("rate limiter: redis unreachable, falling back to in-memory store", "error", err, "addr", cfg.RedisAddr)
		_ = client.Close()
		return ratelimit.NewInMemoryStore(), func() {}
	}

	logger.Info("rate limiter: redis store", "addr", cfg.RedisAddr)
	return ratelimit.NewRedisStore(client, "aegis:ratelimit"), func() { _ = client.Close() }
}

func healthHandler(store *audit.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","auditEntries":%d}`, store.Len())
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
