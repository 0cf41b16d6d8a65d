// chaos/experiments.go
package chaos

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"libralend/internal/circulation"
	"libralend/internal/reservation"
)

// Settings sizes the predefined experiments.
type Settings struct {
	Copies    int
	Borrowers int
	Members   int
	Sweepers  int
	Duration  time.Duration
}

// DefaultSettings is the weekly game day load.
var DefaultSettings = Settings{
	Copies:    3,
	Borrowers: 50,
	Members:   40,
	Sweepers:  8,
	Duration:  5 * time.Second,
}

// RegisterExperiments seeds fixtures for and registers all predefined
// experiments with the engine.
func (ce *ChaosEngine) RegisterExperiments(ctx context.Context, s Settings) error {
	race, err := ce.ConcurrentBorrowRace(ctx, s.Copies, s.Borrowers, s.Duration)
	if err != nil {
		return err
	}
	storm, err := ce.ReservationStorm(ctx, s.Members, s.Duration)
	if err != nil {
		return err
	}
	sweep, err := ce.SweepIdempotence(ctx, s.Sweepers, s.Duration)
	if err != nil {
		return err
	}
	ce.RegisterExperiment(race)
	ce.RegisterExperiment(storm)
	ce.RegisterExperiment(sweep)
	return nil
}

// unexpected reports whether err is something other than a rule rejection.
func unexpected(err error) bool {
	return err != nil && !circulation.IsDomainError(err)
}

// ConcurrentBorrowRace has more members than copies borrow the same title at
// once. Exactly copies loans may open.
func (ce *ChaosEngine) ConcurrentBorrowRace(ctx context.Context, copies, borrowers int, d time.Duration) (ChaosExperiment, error) {
	title, err := ce.seedTitle(ctx, "race-title", copies)
	if err != nil {
		return ChaosExperiment{}, err
	}
	members, err := ce.seedMembers(ctx, "racer", borrowers)
	if err != nil {
		return ChaosExperiment{}, err
	}

	var (
		mu     sync.Mutex
		opened []uuid.UUID
	)

	return ChaosExperiment{
		Name:       "concurrent-borrow-race",
		Hypothesis: "Concurrent borrows of one title never open more loans than there are copies",
		SteadyState: []Metric{
			ce.invariantMetric(),
			{
				Name: "over_claims",
				Query: func(context.Context) (float64, error) {
					mu.Lock()
					defer mu.Unlock()
					return float64(max(0, len(opened)-copies)), nil
				},
				Threshold: Threshold{Operator: "==", Value: 0},
			},
		},
		Method: []Action{
			{
				Type:       "concurrent-borrow",
				Target:     "circulation.borrow",
				Parameters: map[string]interface{}{"copies": copies, "borrowers": borrowers},
				Execute: func(ctx context.Context) error {
					var (
						wg       sync.WaitGroup
						failures atomic.Int32
					)
					for _, id := range members {
						wg.Add(1)
						go func(id uuid.UUID) {
							defer wg.Done()
							l, err := ce.service.Borrow(ctx, id, title.ID)
							if unexpected(err) {
								failures.Add(1)
								return
							}
							if err == nil {
								mu.Lock()
								opened = append(opened, l.ID)
								mu.Unlock()
							}
						}(id)
					}
					wg.Wait()
					if n := failures.Load(); n > 0 {
						return fmt.Errorf("%d borrows failed outside the lending rules", n)
					}
					return nil
				},
			},
		},
		Rollback: []Action{
			{
				Type:   "return-loans",
				Target: "circulation.return",
				Execute: func(ctx context.Context) error {
					mu.Lock()
					defer mu.Unlock()
					for _, id := range opened {
						if _, err := ce.service.Return(ctx, id); err != nil {
							return err
						}
					}
					opened = nil
					return nil
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "over_claims",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "No more loans than copies may open",
			},
			{
				Metric:    "invariant_violations",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Copy counts and member counters must stay consistent",
			},
		},
		Duration:    d,
		BlastRadius: 1.0,
	}, nil
}

// ReservationStorm queues many members for a checked-out title at once and
// then cancels half of them concurrently.
func (ce *ChaosEngine) ReservationStorm(ctx context.Context, members int, d time.Duration) (ChaosExperiment, error) {
	title, err := ce.seedTitle(ctx, "storm-title", 1)
	if err != nil {
		return ChaosExperiment{}, err
	}
	ids, err := ce.seedMembers(ctx, "stormer", members+1)
	if err != nil {
		return ChaosExperiment{}, err
	}
	holder, queuers := ids[0], ids[1:]

	var (
		mu         sync.Mutex
		placed     []*reservation.Reservation
		holderLoan uuid.UUID
	)

	concurrently := func(n int, fn func(i int) error) error {
		var (
			wg       sync.WaitGroup
			failures atomic.Int32
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if err := fn(i); unexpected(err) {
					failures.Add(1)
				}
			}(i)
		}
		wg.Wait()
		if f := failures.Load(); f > 0 {
			return fmt.Errorf("%d calls failed outside the lending rules", f)
		}
		return nil
	}

	return ChaosExperiment{
		Name:       "reservation-storm",
		Hypothesis: "Concurrent reserves and cancels keep queue positions contiguous",
		SteadyState: []Metric{
			ce.invariantMetric(),
			{
				Name: "queue_length",
				Query: func(ctx context.Context) (float64, error) {
					n, err := ce.service.QueueLength(ctx, title.ID)
					return float64(n), err
				},
				Threshold: Threshold{Operator: "<=", Value: float64(members)},
			},
		},
		Method: []Action{
			{
				Type:   "checkout",
				Target: "circulation.borrow",
				Execute: func(ctx context.Context) error {
					l, err := ce.service.Borrow(ctx, holder, title.ID)
					if err != nil {
						return err
					}
					holderLoan = l.ID
					return nil
				},
			},
			{
				Type:       "reservation-storm",
				Target:     "circulation.reserve",
				Parameters: map[string]interface{}{"members": members},
				Execute: func(ctx context.Context) error {
					return concurrently(len(queuers), func(i int) error {
						r, err := ce.service.Reserve(ctx, queuers[i], title.ID)
						if err == nil {
							mu.Lock()
							placed = append(placed, r)
							mu.Unlock()
						}
						return err
					})
				},
			},
			{
				Type:   "cancel-storm",
				Target: "circulation.cancel_reservation",
				Execute: func(ctx context.Context) error {
					mu.Lock()
					half := append([]*reservation.Reservation(nil), placed[:len(placed)/2]...)
					mu.Unlock()
					return concurrently(len(half), func(i int) error {
						return ce.service.CancelReservation(ctx, half[i].ID, half[i].MemberID)
					})
				},
			},
		},
		Rollback: []Action{
			{
				Type:   "drain-queue",
				Target: "circulation.cancel_reservation",
				Execute: func(ctx context.Context) error {
					mu.Lock()
					defer mu.Unlock()
					for _, r := range placed[len(placed)/2:] {
						if err := ce.service.CancelReservation(ctx, r.ID, r.MemberID); unexpected(err) {
							return err
						}
					}
					if holderLoan == uuid.Nil {
						return nil
					}
					_, err := ce.service.Return(ctx, holderLoan)
					return err
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "invariant_violations",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Queue positions must stay contiguous from 1",
			},
			{
				Metric:    "queue_length",
				Condition: func(v float64) bool { return v == float64(members-members/2) },
				Message:   "Exactly the uncancelled reservations remain queued",
			},
		},
		Duration:    d,
		BlastRadius: 1.0,
	}, nil
}

// SweepIdempotence lets two holds lapse and runs many sweeps at once. Each
// hold expires exactly once and the next in line is promoted.
func (ce *ChaosEngine) SweepIdempotence(ctx context.Context, sweepers int, d time.Duration) (ChaosExperiment, error) {
	const holds = 2
	title, err := ce.seedTitle(ctx, "sweep-title", holds)
	if err != nil {
		return ChaosExperiment{}, err
	}
	ids, err := ce.seedMembers(ctx, "sweeper", 2*holds+1)
	if err != nil {
		return ChaosExperiment{}, err
	}
	borrowers, waiters := ids[:holds], ids[holds:]

	var expired atomic.Int64

	return ChaosExperiment{
		Name:       "sweep-idempotence",
		Hypothesis: "Concurrent sweeps expire every lapsed hold exactly once",
		SteadyState: []Metric{
			ce.invariantMetric(),
			{
				Name: "extra_expirations",
				Query: func(context.Context) (float64, error) {
					return float64(max(0, expired.Load()-holds)), nil
				},
				Threshold: Threshold{Operator: "==", Value: 0},
			},
		},
		Method: []Action{
			{
				Type:   "lapse-holds",
				Target: "circulation.return",
				Execute: func(ctx context.Context) error {
					var loans []uuid.UUID
					for _, m := range borrowers {
						l, err := ce.service.Borrow(ctx, m, title.ID)
						if err != nil {
							return err
						}
						loans = append(loans, l.ID)
					}
					for _, m := range waiters {
						if _, err := ce.service.Reserve(ctx, m, title.ID); err != nil {
							return err
						}
						ce.clock.Advance(time.Second)
					}
					for _, id := range loans {
						if _, err := ce.service.Return(ctx, id); err != nil {
							return err
						}
					}
					ce.clock.Advance(reservation.HoldPeriod + time.Minute)
					return nil
				},
			},
			{
				Type:       "concurrent-sweep",
				Target:     "circulation.sweep",
				Parameters: map[string]interface{}{"sweepers": sweepers},
				Execute: func(ctx context.Context) error {
					now := ce.clock.Now()
					var (
						wg       sync.WaitGroup
						firstErr error
						errMu    sync.Mutex
					)
					for i := 0; i < sweepers; i++ {
						wg.Add(1)
						go func() {
							defer wg.Done()
							n, err := ce.service.SweepExpiredReservations(ctx, now)
							expired.Add(int64(n))
							if unexpected(err) {
								errMu.Lock()
								if firstErr == nil {
									firstErr = err
								}
								errMu.Unlock()
							}
						}()
					}
					wg.Wait()
					return firstErr
				},
			},
		},
		Rollback: []Action{
			{
				Type:   "release-holds",
				Target: "circulation.cancel_reservation",
				Execute: func(ctx context.Context) error {
					for _, m := range waiters {
						open, err := ce.service.MemberReservations(ctx, m)
						if err != nil {
							return err
						}
						for _, r := range open {
							if err := ce.service.CancelReservation(ctx, r.ID, m); unexpected(err) {
								return err
							}
						}
					}
					return nil
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "extra_expirations",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "No hold may be expired twice",
			},
			{
				Metric:    "invariant_violations",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Promotion after expiry keeps copies and queues consistent",
			},
		},
		Duration:    d,
		BlastRadius: 1.0,
	}, nil
}
