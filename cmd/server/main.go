package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/adityaverma/withdrawguard/internal/api"
	"github.com/adityaverma/withdrawguard/internal/audit"
	"github.com/adityaverma/withdrawguard/internal/config"
	"github.com/adityaverma/withdrawguard/internal/gateway"
	"github.com/adityaverma/withdrawguard/internal/idempotency"
	"github.com/adityaverma/withdrawguard/internal/ledger"
	"github.com/adityaverma/withdrawguard/internal/pipeline"
	"github.com/adityaverma/withdrawguard/internal/risk"
)

func main() {
	policyPath := flag.String("policy", "configs/policy.yaml", "Path to policy YAML file")
	flag.Parse()

	_ = godotenv.Load()

	srvCfg, err := config.LoadServer()
	if err != nil {
		slog.Error("failed to load server config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(srvCfg)
	slog.SetDefault(logger)

	// ── Policy ────────────────────────────────────────────────────────────────
	loader, err := config.NewLoader(*policyPath)
	if err != nil {
		logger.Error("failed to load policy", "err", err)
		os.Exit(1)
	}
	policy := loader.Config()
	if err := config.Validate(policy); err != nil {
		logger.Error("policy validation failed", "err", err)
		os.Exit(1)
	}

	limits, err := risk.LimitsFrom(policy)
	if err != nil {
		logger.Error("failed to build risk limits", "err", err)
		os.Exit(1)
	}
	evaluator := risk.NewEvaluator(limits)
	logger.Info("policy loaded", "version", policy.Version,
		"atm_limit", policy.Risk.ATMDailyLimit, "pos_limit", policy.Risk.POSDailyLimit)

	// ── Storage ───────────────────────────────────────────────────────────────
	staleAfter := time.Duration(policy.Idempotency.StaleAfterMs) * time.Millisecond

	var (
		accounts   ledger.Service
		idem       idempotency.Ledger
		auditStore audit.Store
	)
	if srvCfg.PostgresDSN != "" {
		db, err := sql.Open("postgres", srvCfg.PostgresDSN)
		if err != nil {
			logger.Error("failed to open postgres", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := applySchemas(db); err != nil {
			logger.Error("failed to apply schemas", "err", err)
			os.Exit(1)
		}
		accounts = ledger.NewPostgresService(db)
		idem = idempotency.NewPostgresLedger(db, staleAfter)
		auditStore = audit.NewPostgresStore(db)
		logger.Info("using postgres storage")
	} else {
		accounts = ledger.NewMemoryService()
		idem = idempotency.NewMemoryLedger(staleAfter)
		auditStore = audit.NewMemoryStore()
		logger.Warn("using in-memory storage; state will not survive a restart")
	}

	// ── Audit log ─────────────────────────────────────────────────────────────
	var auditOpts []audit.Option
	if len(srvCfg.KafkaBrokers) > 0 {
		publisher := audit.NewKafkaPublisher(srvCfg.KafkaBrokers, srvCfg.KafkaTopic)
		defer publisher.Close()
		auditOpts = append(auditOpts, audit.WithPublisher(publisher))
		logger.Info("audit mirror enabled",
			"brokers", strings.Join(srvCfg.KafkaBrokers, ","), "topic", srvCfg.KafkaTopic)
	}
	auditLog := audit.NewLog(auditStore, logger, auditOpts...)

	// ── Gateway + pipeline ────────────────────────────────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := gateway.New("account-ledger", accounts, gateway.ConfigFrom(policy), logger)
	pipe := pipeline.New(ctx, evaluator, idem, gw, auditLog, pipeline.ConfigFrom(policy), logger)

	// ── Policy hot-reload ─────────────────────────────────────────────────────
	// Only risk limits swap at runtime; concurrency and breaker settings are
	// fixed at startup.
	loader.OnChange(func(newCfg *config.PolicyConfig) {
		newLimits, err := risk.LimitsFrom(newCfg)
		if err != nil {
			logger.Warn("hot-reload skipped: bad limits", "err", err)
			return
		}
		evaluator.SwapLimits(newLimits)
		logger.Info("risk limits hot-reloaded", "version", newCfg.Version)
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		logger.Warn("policy watcher unavailable (hot-reload disabled)", "err", err)
	} else {
		defer stopWatch()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	handler := api.New(pipe, accounts, auditLog, gw, loader, logger)
	srv := &http.Server{
		Addr:         srvCfg.Addr,
		Handler:      handler,
		ReadTimeout:  srvCfg.ReadTimeout,
		WriteTimeout: srvCfg.WriteTimeout,
		IdleTimeout:  srvCfg.IdleTimeout,
	}

	go func() {
		logger.Info("server starting", "addr", srvCfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), srvCfg.ShutdownTimeout)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	cancel() // stop worker pool
	pipe.Shutdown()
	logger.Info("goodbye")
}

func newLogger(cfg config.ServerConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func applySchemas(db *sql.DB) error {
	for _, schema := range []string{ledger.Schema, idempotency.Schema, audit.Schema} {
		if _, err := db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}
