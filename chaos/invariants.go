package chaos

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"libralend/internal/fines"
	"libralend/internal/reservation"
)

// Violations counts broken lending invariants across the seeded fixtures,
// keyed by invariant name.
type Violations map[string]int

func (v Violations) Total() int {
	n := 0
	for _, c := range v {
		n += c
	}
	return n
}

const (
	invCopyBounds      = "copy_bounds"
	invCopiesOut       = "copies_out"
	invEarmarks        = "earmarks"
	invStrandedCopy    = "stranded_copy"
	invQueueGaps       = "queue_gaps"
	invBorrowCounter   = "borrow_counter"
	invOutstandingSums = "outstanding_sums"
)

// CheckInvariants reads every seeded title and member and counts the
// records that disagree with the lending rules.
func (ce *ChaosEngine) CheckInvariants(ctx context.Context) (Violations, error) {
	ce.mu.Lock()
	titles := append([]uuid.UUID(nil), ce.titles...)
	members := append([]uuid.UUID(nil), ce.members...)
	ce.mu.Unlock()

	v := make(Violations)
	active, err := ce.store.ActiveLoans(ctx)
	if err != nil {
		return nil, fmt.Errorf("active loans: %w", err)
	}
	byTitle := make(map[uuid.UUID]int)
	byMember := make(map[uuid.UUID]int)
	for _, l := range active {
		byTitle[l.TitleID]++
		byMember[l.MemberID]++
	}

	for _, id := range titles {
		t, err := ce.store.Title(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("title %s: %w", id, err)
		}
		if !t.Valid() {
			v[invCopyBounds]++
		}
		if t.TotalCopies-t.AvailableCopies != byTitle[id] {
			v[invCopiesOut]++
		}

		open, err := ce.store.OpenReservationsByTitle(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("reservations of %s: %w", id, err)
		}
		q := reservation.NewQueue(id, open)
		if q.Earmarked() > t.AvailableCopies {
			v[invEarmarks]++
		}
		if q.Len() > 0 && t.FreeCopies(q.Earmarked()) > 0 {
			v[invStrandedCopy]++
		}
		for i, r := range q.Pending() {
			if r.QueuePosition != i+1 {
				v[invQueueGaps]++
				break
			}
		}
	}

	for _, id := range members {
		m, err := ce.store.Member(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("member %s: %w", id, err)
		}
		if m.CurrentBorrowed != byMember[id] {
			v[invBorrowCounter]++
		}
		unpaid, err := ce.store.FinesByMember(ctx, id, true)
		if err != nil {
			return nil, fmt.Errorf("fines of %s: %w", id, err)
		}
		if !fines.Outstanding(unpaid).Equal(m.OutstandingFines) {
			v[invOutstandingSums]++
		}
	}
	return v, nil
}

// invariantMetric exposes the total violation count as a steady-state
// metric that must stay at zero.
func (ce *ChaosEngine) invariantMetric() Metric {
	return Metric{
		Name: "invariant_violations",
		Query: func(ctx context.Context) (float64, error) {
			v, err := ce.CheckInvariants(ctx)
			if err != nil {
				return 0, err
			}
			return float64(v.Total()), nil
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}
