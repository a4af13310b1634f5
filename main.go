package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kocbey434343-ux/AI-sub001/config"
	"github.com/kocbey434343-ux/AI-sub001/internal/api"
	"github.com/kocbey434343-ux/AI-sub001/internal/events"
	"github.com/kocbey434343-ux/AI-sub001/internal/exchange"
	"github.com/kocbey434343-ux/AI-sub001/internal/execution"
	"github.com/kocbey434343-ux/AI-sub001/internal/feed"
	"github.com/kocbey434343-ux/AI-sub001/internal/fsm"
	"github.com/kocbey434343-ux/AI-sub001/internal/guards"
	"github.com/kocbey434343-ux/AI-sub001/internal/idempotency"
	"github.com/kocbey434343-ux/AI-sub001/internal/logging"
	"github.com/kocbey434343-ux/AI-sub001/internal/metrics"
	"github.com/kocbey434343-ux/AI-sub001/internal/reconcile"
	"github.com/kocbey434343-ux/AI-sub001/internal/risk"
	"github.com/kocbey434343-ux/AI-sub001/internal/store"
	"github.com/kocbey434343-ux/AI-sub001/internal/trader"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	sessionID := uuid.New().String()
	eventLog := logging.New(&logging.Config{
		Level:     cfg.LoggingConfig.Level,
		Output:    "stdout",
		SessionID: sessionID,
	})
	eventLog.SetValidator(logging.DefaultSchemas())
	zl := zerolog.New(os.Stderr).With().Timestamp().Str("session_id", sessionID).Logger()

	if dir := filepath.Dir(cfg.StorageConfig.DBPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			eventLog.Error("data_dir_create_failed", "dir", dir, "error", err)
			os.Exit(1)
		}
	}

	st, err := store.Open(cfg.StorageConfig.DBPath, zl)
	if err != nil {
		eventLog.Error("store_open_failed", "path", cfg.StorageConfig.DBPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	var redisClient *redis.Client
	if cfg.RedisConfig.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Addr,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
		})
	}
	posRepo := store.NewPositionStateRepo(redisClient, zl)

	reg := prometheus.NewRegistry()
	metrics.Register(reg)
	rec := metrics.NewRecorder(st, 50, time.Minute, zl)

	halt := guards.NewHaltFlag(cfg.TradingConfig.HaltFlagPath)
	halt.ResetIfNewDay()
	corr := guards.NewCorrelationTracker(cfg.GuardsConfig.Correlation)
	pipeline := guards.NewPipeline(cfg.GuardsConfig, st, halt, corr, eventLog, sessionID)

	// Dry-run trades against the paper gateway; a live binding plugs in the
	// same interface.
	gw := exchange.NewPaperGateway()

	exec := execution.NewEngine(cfg.ExecutionConfig, gw, st, rec, halt, eventLog)
	states := fsm.New(eventLog)
	riskCtrl := risk.NewController(cfg.RiskConfig, cfg.TradingConfig.RiskPerTradePct, st, rec, halt, nil, eventLog)
	bus := events.NewBus()
	idem := idempotency.NewGuard(idempotency.DefaultTTL)

	tr := trader.New(cfg.TraderConfig, pipeline, idem, exec, states, riskCtrl, st, posRepo, bus, eventLog)
	riskCtrl.SetPositionCloser(tr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := tr.Rehydrate(ctx); err != nil {
		eventLog.Warn("rehydrate_failed", "error", err)
	}

	reconciler := reconcile.NewEngine(cfg.ReconcileConfig, gw, exec, states, tr, eventLog)
	go reconciler.Run(ctx)

	go riskPollLoop(ctx, riskCtrl)
	go maintenanceLoop(ctx, st, halt, cfg, eventLog)

	if len(cfg.FeedConfig.Symbols) > 0 {
		priceFeed := feed.New(cfg.FeedConfig, func(ctx context.Context, symbol string, price float64) {
			tr.ProcessPriceUpdate(ctx, symbol, price)
		}, eventLog)
		go priceFeed.Run(ctx)
	}

	srv := api.NewServer(cfg.ServerConfig, tr, riskCtrl, halt, st, reg, sessionID, eventLog)
	go func() {
		if err := srv.Start(); err != nil {
			eventLog.Error("api_server_failed", "error", err)
			stop()
		}
	}()

	eventLog.Event("core_started",
		"session_id", sessionID,
		"dry_run", cfg.TradingConfig.DryRun,
		"symbols", len(cfg.FeedConfig.Symbols))

	<-ctx.Done()
	eventLog.Event("core_stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		eventLog.Warn("api_shutdown_failed", "error", err)
	}
	rec.MaybeFlush(shutdownCtx)
}

// riskPollLoop re-evaluates the escalation level every 30 seconds.
func riskPollLoop(ctx context.Context, riskCtrl *risk.Controller) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			riskCtrl.Poll(ctx)
		}
	}
}

// maintenanceLoop handles the daily halt reset and retention cleanup.
func maintenanceLoop(ctx context.Context, st *store.Store, halt *guards.HaltFlag, cfg *config.Config, log *logging.EventLogger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if halt.ResetIfNewDay() {
				log.Event("halt_flag_daily_reset")
			}
			if n, err := st.CleanupGuardEvents(ctx, cfg.StorageConfig.GuardRetentionDays); err != nil {
				log.Warn("guard_event_cleanup_failed", "error", err)
			} else if n > 0 {
				log.Event("guard_events_cleaned", "rows", n)
			}
			if n, err := st.CleanupMetrics(ctx, cfg.StorageConfig.MetricRetentionDays); err != nil {
				log.Warn("metric_cleanup_failed", "error", err)
			} else if n > 0 {
				log.Event("metrics_cleaned", "rows", n)
			}
		}
	}
}
