// internal/circulation/implementation.go
package circulation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"libralend/internal/clock"
	"libralend/internal/fines"
	"libralend/internal/inventory"
	"libralend/internal/loan"
	"libralend/internal/membership"
	"libralend/internal/reservation"
	"libralend/internal/store"
)

const (
	attrMemberID      = "member_id"
	attrTitleID       = "title_id"
	attrLoanID        = "loan_id"
	attrReservationID = "reservation_id"
	attrFineID        = "fine_id"
)

// service implements the Service interface.
type service struct {
	store  store.Store
	clock  clock.Clock
	logger *slog.Logger
	tracer trace.Tracer

	operations metric.Int64Counter
	expired    metric.Int64Counter
}

// NewService creates a new lending coordinator over st. A nil logger falls
// back to slog.Default.
func NewService(st store.Store, clk clock.Clock, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter("libralend/circulation")
	operations, _ := meter.Int64Counter("circulation.operations",
		metric.WithDescription("Units of work by operation and outcome"))
	expired, _ := meter.Int64Counter("circulation.reservations.expired",
		metric.WithDescription("Reservations expired by the sweeper"))

	return &service{
		store:      st,
		clock:      clk,
		logger:     logger,
		tracer:     otel.Tracer("libralend/circulation"),
		operations: operations,
		expired:    expired,
	}
}

// loadQueue builds the reservation queue of a title from the open
// reservations visible to tx.
func loadQueue(ctx context.Context, tx store.Reader, titleID uuid.UUID) (*reservation.Queue, error) {
	open, err := tx.OpenReservationsByTitle(ctx, titleID)
	if err != nil {
		return nil, fmt.Errorf("load reservations: %w", err)
	}
	return reservation.NewQueue(titleID, open), nil
}

// saveQueue persists every reservation the queue created or changed.
func saveQueue(ctx context.Context, tx store.Tx, q *reservation.Queue) error {
	for _, r := range q.Added() {
		if err := tx.InsertReservation(ctx, r); err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
	}
	for _, r := range q.Changed() {
		if err := tx.SaveReservation(ctx, r); err != nil {
			return fmt.Errorf("save reservation: %w", err)
		}
	}
	return nil
}

func reservationEvent(r *reservation.Reservation) ReservationEvent {
	return ReservationEvent{
		ReservationID: r.ID,
		MemberID:      r.MemberID,
		TitleID:       r.TitleID,
		Status:        r.Status.String(),
		QueuePosition: r.QueuePosition,
		ExpiresAt:     r.ExpiresAt,
	}
}

func fineEvent(f *fines.Fine) FineEvent {
	return FineEvent{
		FineID:        f.ID,
		MemberID:      f.MemberID,
		LoanID:        f.LoanID,
		Amount:        f.Amount,
		FineType:      f.Type.String(),
		PaymentMethod: f.PaymentMethod,
	}
}

// promoteFreed hands copies that are on the shelf but not earmarked to the
// head of the queue, one reservation per copy.
func promoteFreed(q *reservation.Queue, title *inventory.Title, j *journal) error {
	for q.Len() > 0 && title.FreeCopies(q.Earmarked()) > 0 {
		promoted, err := q.PromoteNext(j.at)
		if err != nil {
			return err
		}
		j.add(promoted.ID, AggregateReservation, EventReservationPromoted, reservationEvent(promoted))
	}
	return nil
}

// Borrow opens a loan for one copy of a title. A member holding an
// Available reservation consumes the copy earmarked for them; everyone
// else may only take copies nobody is waiting to collect.
func (s *service) Borrow(ctx context.Context, memberID, titleID uuid.UUID) (*loan.Loan, error) {
	now := s.clock.Now()
	attrs := []attribute.KeyValue{
		attribute.String(attrMemberID, memberID.String()),
		attribute.String(attrTitleID, titleID.String()),
	}

	var result *loan.Loan
	err := s.runTx(ctx, "borrow", []string{store.TitleKey(titleID), store.MemberKey(memberID)}, attrs,
		func(ctx context.Context, tx store.Tx) error {
			member, err := tx.Member(ctx, memberID)
			if err != nil {
				return fmt.Errorf("borrow: %w", err)
			}
			if err := checkStanding(member); err != nil {
				return fmt.Errorf("borrow: %w", err)
			}

			title, err := tx.Title(ctx, titleID)
			if err != nil {
				return fmt.Errorf("borrow: %w", err)
			}
			q, err := loadQueue(ctx, tx, titleID)
			if err != nil {
				return err
			}

			var fulfilled *reservation.Reservation
			if held := q.Holding(memberID); held != nil && held.Status == reservation.StatusAvailable {
				fulfilled, err = q.Fulfill(memberID)
				if err != nil {
					return fmt.Errorf("borrow: %w", err)
				}
			} else {
				if title.FreeCopies(q.Earmarked()) <= 0 {
					if title.AvailableCopies == 0 {
						return fmt.Errorf("borrow: %w", inventory.ErrUnavailable)
					}
					return fmt.Errorf("borrow: %w", ErrReservedByOther)
				}
				if q.Len() > 0 {
					if fulfilled, err = q.Fulfill(memberID); err != nil {
						return fmt.Errorf("borrow: %w", ErrReservedByOther)
					}
				}
			}

			if err := title.ClaimCopy(); err != nil {
				return fmt.Errorf("borrow: %w", err)
			}
			l := loan.Open(titleID, memberID, now)
			member.LoanOpened()

			if err := tx.SaveTitle(ctx, title); err != nil {
				return fmt.Errorf("save title: %w", err)
			}
			if err := tx.SaveMember(ctx, member); err != nil {
				return fmt.Errorf("save member: %w", err)
			}
			if err := tx.InsertLoan(ctx, l); err != nil {
				return fmt.Errorf("insert loan: %w", err)
			}
			if err := saveQueue(ctx, tx, q); err != nil {
				return err
			}

			j := newJournal(now)
			opened := LoanOpenedEvent{LoanID: l.ID, MemberID: memberID, TitleID: titleID, DueDate: l.DueDate}
			if fulfilled != nil {
				opened.ReservationID = &fulfilled.ID
				j.add(fulfilled.ID, AggregateReservation, EventReservationFulfilled, reservationEvent(fulfilled))
			}
			j.add(l.ID, AggregateLoan, EventLoanOpened, opened)
			if err := j.flush(ctx, tx); err != nil {
				return err
			}

			result = l
			return nil
		})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func checkStanding(m *membership.Member) error {
	switch {
	case !m.Active:
		return ErrMemberInactive
	case m.HasOutstandingFines():
		return ErrInsufficientStanding
	case m.AtBorrowLimit():
		return ErrBorrowLimitReached
	}
	return nil
}

// loanKeys resolves the lock keys of an existing loan.
func (s *service) loanKeys(ctx context.Context, op string, loanID uuid.UUID) ([]string, error) {
	l, err := s.store.Loan(ctx, loanID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return []string{store.TitleKey(l.TitleID), store.MemberKey(l.MemberID)}, nil
}

// Return closes a loan, charges the overdue fine measured before the loan
// closed, and passes the copy to the next reservation in line.
func (s *service) Return(ctx context.Context, loanID uuid.UUID) (*loan.Loan, error) {
	now := s.clock.Now()
	attrs := []attribute.KeyValue{attribute.String(attrLoanID, loanID.String())}

	keys, err := s.loanKeys(ctx, "return", loanID)
	if err != nil {
		return nil, s.fail(ctx, "return", attrs, err)
	}

	var result *loan.Loan
	err = s.runTx(ctx, "return", keys, attrs, func(ctx context.Context, tx store.Tx) error {
		l, err := tx.Loan(ctx, loanID)
		if err != nil {
			return fmt.Errorf("return: %w", err)
		}
		days, err := l.Return(now)
		if err != nil {
			return fmt.Errorf("return: %w", err)
		}

		title, err := tx.Title(ctx, l.TitleID)
		if err != nil {
			return fmt.Errorf("return: %w", err)
		}
		member, err := tx.Member(ctx, l.MemberID)
		if err != nil {
			return fmt.Errorf("return: %w", err)
		}
		if err := title.ReleaseCopy(); err != nil {
			return fmt.Errorf("return: %w", err)
		}
		member.LoanClosed()

		j := newJournal(now)
		j.add(l.ID, AggregateLoan, EventLoanReturned, LoanReturnedEvent{
			LoanID:      l.ID,
			MemberID:    l.MemberID,
			TitleID:     l.TitleID,
			ReturnDate:  *l.ReturnDate,
			DaysOverdue: days,
		})

		if days > 0 {
			amount := fines.ComputeOverdue(days)
			f, err := fines.Assess(member, &l.ID, amount, fines.TypeOverdue, fmt.Sprintf("Overdue by %d days", days), now)
			if err != nil {
				return fmt.Errorf("return: %w", err)
			}
			l.AttachFine(amount)
			if err := tx.InsertFine(ctx, f); err != nil {
				return fmt.Errorf("insert fine: %w", err)
			}
			j.add(f.ID, AggregateFine, EventFineAssessed, fineEvent(f))
		}

		q, err := loadQueue(ctx, tx, l.TitleID)
		if err != nil {
			return err
		}
		if err := promoteFreed(q, title, j); err != nil {
			return fmt.Errorf("return: %w", err)
		}

		if err := tx.SaveLoan(ctx, l); err != nil {
			return fmt.Errorf("save loan: %w", err)
		}
		if err := tx.SaveTitle(ctx, title); err != nil {
			return fmt.Errorf("save title: %w", err)
		}
		if err := tx.SaveMember(ctx, member); err != nil {
			return fmt.Errorf("save member: %w", err)
		}
		if err := saveQueue(ctx, tx, q); err != nil {
			return err
		}
		if err := j.flush(ctx, tx); err != nil {
			return err
		}

		result = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Renew extends an active loan when nobody is queued for the title.
func (s *service) Renew(ctx context.Context, loanID uuid.UUID) (*loan.Loan, error) {
	now := s.clock.Now()
	attrs := []attribute.KeyValue{attribute.String(attrLoanID, loanID.String())}

	keys, err := s.loanKeys(ctx, "renew", loanID)
	if err != nil {
		return nil, s.fail(ctx, "renew", attrs, err)
	}

	var result *loan.Loan
	err = s.runTx(ctx, "renew", keys, attrs, func(ctx context.Context, tx store.Tx) error {
		l, err := tx.Loan(ctx, loanID)
		if err != nil {
			return fmt.Errorf("renew: %w", err)
		}
		q, err := loadQueue(ctx, tx, l.TitleID)
		if err != nil {
			return err
		}
		if err := l.Renew(now, q.Len()); err != nil {
			return fmt.Errorf("renew: %w", err)
		}
		if err := tx.SaveLoan(ctx, l); err != nil {
			return fmt.Errorf("save loan: %w", err)
		}

		j := newJournal(now)
		j.add(l.ID, AggregateLoan, EventLoanRenewed, LoanRenewedEvent{
			LoanID:       l.ID,
			DueDate:      l.DueDate,
			RenewalCount: l.RenewalCount,
		})
		if err := j.flush(ctx, tx); err != nil {
			return err
		}

		result = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MarkLost closes an active loan as lost, retires the copy and charges the
// replacement cost.
func (s *service) MarkLost(ctx context.Context, loanID uuid.UUID, replacementCost decimal.Decimal) (*loan.Loan, error) {
	now := s.clock.Now()
	attrs := []attribute.KeyValue{
		attribute.String(attrLoanID, loanID.String()),
		attribute.String("replacement_cost", replacementCost.StringFixed(2)),
	}

	if replacementCost.IsNegative() {
		return nil, s.fail(ctx, "mark_lost", attrs, fmt.Errorf("mark lost: %w", fines.ErrNegativeAmount))
	}
	keys, err := s.loanKeys(ctx, "mark lost", loanID)
	if err != nil {
		return nil, s.fail(ctx, "mark_lost", attrs, err)
	}

	var result *loan.Loan
	err = s.runTx(ctx, "mark_lost", keys, attrs, func(ctx context.Context, tx store.Tx) error {
		l, err := tx.Loan(ctx, loanID)
		if err != nil {
			return fmt.Errorf("mark lost: %w", err)
		}
		if err := l.MarkLost(); err != nil {
			return fmt.Errorf("mark lost: %w", err)
		}

		title, err := tx.Title(ctx, l.TitleID)
		if err != nil {
			return fmt.Errorf("mark lost: %w", err)
		}
		member, err := tx.Member(ctx, l.MemberID)
		if err != nil {
			return fmt.Errorf("mark lost: %w", err)
		}
		if err := title.RetireCopy(); err != nil {
			return fmt.Errorf("mark lost: %w", err)
		}
		member.LoanClosed()

		j := newJournal(now)
		j.add(l.ID, AggregateLoan, EventLoanLost, LoanLostEvent{
			LoanID:          l.ID,
			MemberID:        l.MemberID,
			TitleID:         l.TitleID,
			ReplacementCost: replacementCost,
		})

		if replacementCost.IsPositive() {
			f, err := fines.Assess(member, &l.ID, replacementCost, fines.TypeLostBook, "Lost book: "+title.Name, now)
			if err != nil {
				return fmt.Errorf("mark lost: %w", err)
			}
			l.AttachFine(replacementCost)
			if err := tx.InsertFine(ctx, f); err != nil {
				return fmt.Errorf("insert fine: %w", err)
			}
			j.add(f.ID, AggregateFine, EventFineAssessed, fineEvent(f))
		}

		if err := tx.SaveLoan(ctx, l); err != nil {
			return fmt.Errorf("save loan: %w", err)
		}
		if err := tx.SaveTitle(ctx, title); err != nil {
			return fmt.Errorf("save title: %w", err)
		}
		if err := tx.SaveMember(ctx, member); err != nil {
			return fmt.Errorf("save member: %w", err)
		}
		if err := j.flush(ctx, tx); err != nil {
			return err
		}

		result = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
