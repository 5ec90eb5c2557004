// Newsflow trader — a real-time trading engine for news-alert-driven
// equity momentum strategies.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: routes alerts, quotes, and fills to strategy runtimes
//	strategy/runtime.go  — per-strategy lifecycle: filters → pending entry → buy → active trade → exit
//	alerts/service.go    — HTTP ingestion: parse chat alerts, dedupe, trace, dispatch
//	quotes/provider.go   — bounded priority-aware subscription multiplexer on the vendor WebSocket
//	broker/alpaca.go     — limit orders, positions, and the async fill stream (paper or live)
//	store/postgres.go    — durable state: entries, trades, orders, traces (one tx per transition)
//	api/server.go        — operator status endpoint and Prometheus metrics
//
// How it trades:
//
//	Human-curated alerts arrive over HTTP. Each enabled strategy filters
//	them independently, subscribes to second-resolution quotes, builds
//	one-minute candles, and enters long after a run of green candles.
//	Positions exit on take-profit, stop-loss, trailing stop, or timeout.
//	Restarts recover open positions from Postgres and reconcile against
//	the broker.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"newsflow-trader/internal/alerts"
	"newsflow-trader/internal/api"
	"newsflow-trader/internal/broker"
	"newsflow-trader/internal/config"
	"newsflow-trader/internal/engine"
	"newsflow-trader/internal/store"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("NEWSFLOW_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.OpenPostgres(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	bk := broker.NewAlpaca(cfg.Broker, cfg.Paper, logger)
	go func() {
		if err := bk.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("broker update stream stopped", "error", err)
		}
	}()

	eng, err := engine.New(*cfg, st, bk, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	alertSvc := alerts.NewService(cfg.Alerts, st, eng, logger)
	go func() {
		if err := alertSvc.Start(); err != nil {
			logger.Error("alert service failed", "error", err)
		}
	}()

	var statusSrv *api.Server
	if cfg.Status.Enabled {
		statusSrv = api.NewServer(cfg.Status, eng, logger)
		go func() {
			if err := statusSrv.Start(); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("newsflow trader started",
		"paper", cfg.Paper,
		"strategies", len(cfg.Strategies),
		"alert_port", cfg.Alerts.Port,
		"max_subscriptions", cfg.Quotes.MaxSubscriptions,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if err := alertSvc.Stop(); err != nil {
		logger.Error("failed to stop alert service", "error", err)
	}
	if statusSrv != nil {
		if err := statusSrv.Stop(); err != nil {
			logger.Error("failed to stop status server", "error", err)
		}
	}
	eng.Stop()
	cancel()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
