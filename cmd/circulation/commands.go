package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"libralend/internal/circulation"
	"libralend/internal/config"
	"libralend/internal/membership"
	"libralend/internal/store/memory"
	"libralend/internal/store/postgres"
)

func newServeCommand(a *app) *cobra.Command {
	var demo bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the reservation sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, closeStore, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore()
			if mem, ok := st.(*memory.Store); ok && demo {
				seedDemo(a, mem)
			}

			svc := circulation.NewService(st, a.clock, a.logger)
			var limiter *rate.Limiter
			if a.cfg.RateLimitRPS > 0 {
				limiter = rate.NewLimiter(rate.Limit(a.cfg.RateLimitRPS), a.cfg.RateLimitBurst)
			}
			srv := &http.Server{
				Addr:              ":" + a.cfg.Port,
				Handler:           circulation.NewHandler(svc, limiter, a.logger).Routes(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			sweeper := circulation.NewSweeper(svc, a.clock, a.cfg.SweepInterval, a.logger)
			go sweeper.Run(ctx)

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("circulation service listening", "port", a.cfg.Port, "store", a.cfg.Store)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			a.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().BoolVar(&demo, "demo", false, "seed sample titles and members into the memory store")
	return cmd
}

func newSweepCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire lapsed reservation holds once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, closeStore, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			svc := circulation.NewService(st, a.clock, a.logger)
			n, err := svc.SweepExpiredReservations(cmd.Context(), a.clock.Now())
			a.logger.Info("sweep finished", "expired", n)
			return err
		},
	}
}

func newMigrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.Store != config.StorePostgres {
				return fmt.Errorf("migrate needs STORE=%s", config.StorePostgres)
			}
			pg, err := postgres.Open(cmd.Context(), a.cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("open postgres store: %w", err)
			}
			defer pg.Close()

			if err := pg.Migrate(cmd.Context()); err != nil {
				return err
			}
			a.logger.Info("schema migrated")
			return nil
		},
	}
}

func seedDemo(a *app, st *memory.Store) {
	for _, t := range []struct {
		name   string
		copies int
	}{{"The Left Hand of Darkness", 2}, {"Middlemarch", 1}, {"Invisible Cities", 3}} {
		title := st.SeedTitle(t.name, t.copies)
		a.logger.Info("seeded title", "title_id", title.ID.String(), "name", title.Name, "copies", title.TotalCopies)
	}
	for _, m := range []struct {
		name string
		tier membership.Tier
	}{{"Ada", membership.TierStandard}, {"Grace", membership.TierPremium}, {"Linus", membership.TierStudent}} {
		member := st.SeedMember(m.name, m.tier)
		a.logger.Info("seeded member", "member_id", member.ID.String(), "name", member.Name, "tier", string(member.Tier))
	}
}
