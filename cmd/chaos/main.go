// cmd/chaos/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"libralend/chaos"
	"libralend/internal/clock"
	"libralend/internal/config"
	"libralend/internal/store"
	"libralend/internal/store/memory"
	"libralend/internal/store/postgres"
	"libralend/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(2)
	}
	logger := cfg.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Setup(ctx, "libralend-chaos", cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("telemetry setup failed", "error", err.Error())
		os.Exit(1)
	}
	defer shutdown(context.Background())

	var st store.Store = memory.New()
	if cfg.Store == config.StorePostgres {
		pg, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err.Error())
			os.Exit(1)
		}
		defer pg.Close()
		st = pg
	}

	engine := chaos.NewChaosEngine(st, clock.NewManual(time.Now().UTC()), logger)
	if err := engine.RegisterExperiments(ctx, chaos.DefaultSettings); err != nil {
		logger.Error("failed to seed experiments", "error", err.Error())
		os.Exit(1)
	}

	gameDay := chaos.GameDay{
		Name:      "Weekly Chaos Game Day",
		Date:      time.Now(),
		Scenarios: engine.GetExperiments(),
	}

	if err := engine.ExecuteGameDay(ctx, gameDay); err != nil {
		logger.Error("chaos game day failed", "error", err.Error())
		os.Exit(1)
	}
}
