package circulation

import (
	"context"
	"log/slog"
	"time"

	"libralend/internal/clock"
)

// Sweeper expires lapsed reservation holds on a fixed interval.
type Sweeper struct {
	service  Service
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(service Service, clk clock.Clock, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{service: service, clock: clk, interval: interval, logger: logger}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "reservation sweeper started", "interval", s.interval.String())
	for {
		s.SweepOnce(ctx)
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "reservation sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SweepOnce runs a single sweep and reports how many holds expired.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	n, err := s.service.SweepExpiredReservations(ctx, s.clock.Now())
	if err != nil {
		s.logger.ErrorContext(ctx, "reservation sweep incomplete", "expired", n, logAttrError, err.Error())
		return n
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "reservation sweep finished", "expired", n)
	}
	return n
}
