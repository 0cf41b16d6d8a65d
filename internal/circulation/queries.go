package circulation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"libralend/internal/fines"
	"libralend/internal/loan"
	"libralend/internal/reservation"
	"libralend/pkg/eventstore"
)

func (s *service) Loan(ctx context.Context, loanID uuid.UUID) (*loan.Loan, error) {
	return s.store.Loan(ctx, loanID)
}

func (s *service) CurrentLoans(ctx context.Context, memberID uuid.UUID) ([]*loan.Loan, error) {
	return s.store.LoansByMember(ctx, memberID, true)
}

func (s *service) LoanHistory(ctx context.Context, memberID uuid.UUID) ([]*loan.Loan, error) {
	return s.store.LoansByMember(ctx, memberID, false)
}

// OverdueLoans lists every active loan whose due date has passed.
func (s *service) OverdueLoans(ctx context.Context) ([]*loan.Loan, error) {
	active, err := s.store.ActiveLoans(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active loans: %w", err)
	}
	return overdue(active, s.clock.Now()), nil
}

func (s *service) OverdueLoansByMember(ctx context.Context, memberID uuid.UUID) ([]*loan.Loan, error) {
	active, err := s.store.LoansByMember(ctx, memberID, true)
	if err != nil {
		return nil, fmt.Errorf("list member loans: %w", err)
	}
	return overdue(active, s.clock.Now()), nil
}

func overdue(active []*loan.Loan, now time.Time) []*loan.Loan {
	out := make([]*loan.Loan, 0, len(active))
	for _, l := range active {
		if l.IsOverdue(now) {
			out = append(out, l)
		}
	}
	return out
}

func (s *service) Reservation(ctx context.Context, reservationID uuid.UUID) (*reservation.Reservation, error) {
	return s.store.Reservation(ctx, reservationID)
}

// MemberReservations lists the member's Pending and Available reservations.
func (s *service) MemberReservations(ctx context.Context, memberID uuid.UUID) ([]*reservation.Reservation, error) {
	return s.store.OpenReservationsByMember(ctx, memberID)
}

// QueuePosition returns the member's place in the title's queue. A member
// whose copy is already waiting for pickup is at position 0.
func (s *service) QueuePosition(ctx context.Context, memberID, titleID uuid.UUID) (int, error) {
	q, err := loadQueue(ctx, s.store, titleID)
	if err != nil {
		return 0, err
	}
	r := q.Holding(memberID)
	if r == nil {
		return 0, fmt.Errorf("queue position: %w", ErrNotFound)
	}
	return r.QueuePosition, nil
}

// QueueLength counts the Pending reservations of a title.
func (s *service) QueueLength(ctx context.Context, titleID uuid.UUID) (int, error) {
	q, err := loadQueue(ctx, s.store, titleID)
	if err != nil {
		return 0, err
	}
	return q.Len(), nil
}

func (s *service) Fine(ctx context.Context, fineID uuid.UUID) (*fines.Fine, error) {
	return s.store.Fine(ctx, fineID)
}

func (s *service) Fines(ctx context.Context, memberID uuid.UUID) ([]*fines.Fine, error) {
	return s.store.FinesByMember(ctx, memberID, false)
}

func (s *service) UnpaidFines(ctx context.Context, memberID uuid.UUID) ([]*fines.Fine, error) {
	return s.store.FinesByMember(ctx, memberID, true)
}

// TotalUnpaid sums the unpaid fine records of a member.
func (s *service) TotalUnpaid(ctx context.Context, memberID uuid.UUID) (decimal.Decimal, error) {
	unpaid, err := s.store.FinesByMember(ctx, memberID, true)
	if err != nil {
		return decimal.Zero, fmt.Errorf("list unpaid fines: %w", err)
	}
	return fines.Outstanding(unpaid), nil
}

func (s *service) AllUnpaidFines(ctx context.Context) ([]*fines.Fine, error) {
	return s.store.UnpaidFines(ctx)
}

func (s *service) FinePolicy() fines.Policy {
	return fines.CurrentPolicy()
}

func (s *service) History(ctx context.Context, aggregateID uuid.UUID) ([]eventstore.Event, error) {
	return s.store.History(ctx, aggregateID)
}

func (s *service) Events(ctx context.Context, afterID int64, limit int) ([]eventstore.Event, error) {
	return s.store.Events(ctx, afterID, limit)
}
