// cmd/circulation/main.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"libralend/internal/clock"
	"libralend/internal/config"
	"libralend/internal/store"
	"libralend/internal/store/memory"
	"libralend/internal/store/postgres"
	"libralend/internal/telemetry"
)

const serviceName = "libralend-circulation"

// app is the state every subcommand shares once the root has run.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	clock    clock.Clock
	shutdown telemetry.Shutdown
}

func main() {
	a := &app{clock: clock.System{}}
	if err := newRootCommand(a).ExecuteContext(context.Background()); err != nil {
		slog.Error("command failed", "error", err.Error())
		os.Exit(1)
	}
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "circulation",
		Short:         "Library lending coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = cfg.Logger()
			slog.SetDefault(a.logger)

			a.shutdown, err = telemetry.Setup(cmd.Context(), serviceName, cfg.OTLPEndpoint)
			return err
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.shutdown == nil {
				return nil
			}
			return a.shutdown(context.Background())
		},
	}
	root.AddCommand(newServeCommand(a), newSweepCommand(a), newMigrateCommand(a))
	return root
}

// openStore returns the configured store and a function releasing it.
func (a *app) openStore(ctx context.Context) (store.Store, func(), error) {
	switch a.cfg.Store {
	case config.StorePostgres:
		pg, err := postgres.Open(ctx, a.cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return pg, func() { pg.Close() }, nil
	default:
		return memory.New(), func() {}, nil
	}
}
