package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"submission-pipeline/internal/config"
	"submission-pipeline/internal/logging"
	"submission-pipeline/internal/pipeline"
	"submission-pipeline/internal/store/postgres"
	"submission-pipeline/internal/telemetry"
)

// The sweeper reclaims stale task claims on an interval, so a crashed
// worker never stalls a campaign. It runs beside the gateway as its own
// process.
func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := postgres.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Error("migrations", "error", err)
		os.Exit(1)
	}

	manager := pipeline.New(cfg, st, st, nil, log)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", "error", err)
		}
	}()

	log.Info("sweeper started",
		"stale_claim_timeout", cfg.StaleClaimTimeout.String(),
		"sweep_interval", cfg.SweepInterval.String())
	if err := manager.RunSweeper(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("sweeper stopped", "error", err)
		os.Exit(1)
	}
}
