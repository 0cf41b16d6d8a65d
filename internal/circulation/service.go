// internal/circulation/service.go
package circulation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"libralend/internal/fines"
	"libralend/internal/loan"
	"libralend/internal/reservation"
	"libralend/pkg/eventstore"
)

// Service defines the interface for the lending coordinator. Every mutating
// call is one unit of work: it either applies completely or not at all.
type Service interface {
	Borrow(ctx context.Context, memberID, titleID uuid.UUID) (*loan.Loan, error)
	Return(ctx context.Context, loanID uuid.UUID) (*loan.Loan, error)
	Renew(ctx context.Context, loanID uuid.UUID) (*loan.Loan, error)
	MarkLost(ctx context.Context, loanID uuid.UUID, replacementCost decimal.Decimal) (*loan.Loan, error)

	Reserve(ctx context.Context, memberID, titleID uuid.UUID) (*reservation.Reservation, error)
	CancelReservation(ctx context.Context, reservationID, memberID uuid.UUID) error
	SweepExpiredReservations(ctx context.Context, now time.Time) (int, error)

	AssessFine(ctx context.Context, req AssessRequest) (*fines.Fine, error)
	PayFine(ctx context.Context, fineID uuid.UUID, method string) (*fines.Fine, error)
	PayAllFines(ctx context.Context, memberID uuid.UUID, method string) ([]*fines.Fine, error)
	WaiveFine(ctx context.Context, fineID uuid.UUID, reason string) (*fines.Fine, error)

	Queries
}

// Queries are read-only and run outside any unit of work.
type Queries interface {
	Loan(ctx context.Context, loanID uuid.UUID) (*loan.Loan, error)
	CurrentLoans(ctx context.Context, memberID uuid.UUID) ([]*loan.Loan, error)
	LoanHistory(ctx context.Context, memberID uuid.UUID) ([]*loan.Loan, error)
	OverdueLoans(ctx context.Context) ([]*loan.Loan, error)
	OverdueLoansByMember(ctx context.Context, memberID uuid.UUID) ([]*loan.Loan, error)

	Reservation(ctx context.Context, reservationID uuid.UUID) (*reservation.Reservation, error)
	MemberReservations(ctx context.Context, memberID uuid.UUID) ([]*reservation.Reservation, error)
	QueuePosition(ctx context.Context, memberID, titleID uuid.UUID) (int, error)
	QueueLength(ctx context.Context, titleID uuid.UUID) (int, error)

	Fine(ctx context.Context, fineID uuid.UUID) (*fines.Fine, error)
	Fines(ctx context.Context, memberID uuid.UUID) ([]*fines.Fine, error)
	UnpaidFines(ctx context.Context, memberID uuid.UUID) ([]*fines.Fine, error)
	TotalUnpaid(ctx context.Context, memberID uuid.UUID) (decimal.Decimal, error)
	AllUnpaidFines(ctx context.Context) ([]*fines.Fine, error)
	FinePolicy() fines.Policy

	History(ctx context.Context, aggregateID uuid.UUID) ([]eventstore.Event, error)
	Events(ctx context.Context, afterID int64, limit int) ([]eventstore.Event, error)
}

// AssessRequest raises a fine outside the return and loss flows, such as a
// damaged book.
type AssessRequest struct {
	MemberID uuid.UUID       `json:"member_id" validate:"required"`
	LoanID   *uuid.UUID      `json:"loan_id,omitempty"`
	Amount   decimal.Decimal `json:"amount"`
	Type     fines.Type      `json:"fine_type" validate:"required"`
	Note     string          `json:"note" validate:"max=500"`
}
