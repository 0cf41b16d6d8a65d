// internal/circulation/events.go
package circulation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"libralend/internal/store"
	"libralend/pkg/eventstore"
)

const (
	AggregateLoan        = "loan"
	AggregateReservation = "reservation"
	AggregateFine        = "fine"
)

const (
	EventLoanOpened           = "LoanOpened"
	EventLoanReturned         = "LoanReturned"
	EventLoanRenewed          = "LoanRenewed"
	EventLoanLost             = "LoanLost"
	EventReservationPlaced    = "ReservationPlaced"
	EventReservationPromoted  = "ReservationPromoted"
	EventReservationFulfilled = "ReservationFulfilled"
	EventReservationCancelled = "ReservationCancelled"
	EventReservationExpired   = "ReservationExpired"
	EventFineAssessed         = "FineAssessed"
	EventFinePaid             = "FinePaid"
	EventFineWaived           = "FineWaived"
)

// LoanOpenedEvent is journaled when a member borrows a copy.
type LoanOpenedEvent struct {
	LoanID        uuid.UUID  `json:"loan_id"`
	MemberID      uuid.UUID  `json:"member_id"`
	TitleID       uuid.UUID  `json:"title_id"`
	DueDate       time.Time  `json:"due_date"`
	ReservationID *uuid.UUID `json:"reservation_id,omitempty"`
}

// LoanReturnedEvent is journaled when a copy comes back.
type LoanReturnedEvent struct {
	LoanID      uuid.UUID `json:"loan_id"`
	MemberID    uuid.UUID `json:"member_id"`
	TitleID     uuid.UUID `json:"title_id"`
	ReturnDate  time.Time `json:"return_date"`
	DaysOverdue int       `json:"days_overdue"`
}

type LoanRenewedEvent struct {
	LoanID       uuid.UUID `json:"loan_id"`
	DueDate      time.Time `json:"due_date"`
	RenewalCount int       `json:"renewal_count"`
}

type LoanLostEvent struct {
	LoanID          uuid.UUID       `json:"loan_id"`
	MemberID        uuid.UUID       `json:"member_id"`
	TitleID         uuid.UUID       `json:"title_id"`
	ReplacementCost decimal.Decimal `json:"replacement_cost"`
}

// ReservationEvent covers every reservation transition.
type ReservationEvent struct {
	ReservationID uuid.UUID  `json:"reservation_id"`
	MemberID      uuid.UUID  `json:"member_id"`
	TitleID       uuid.UUID  `json:"title_id"`
	Status        string     `json:"status"`
	QueuePosition int        `json:"queue_position,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// FineEvent covers assessment and settlement of a fine.
type FineEvent struct {
	FineID        uuid.UUID       `json:"fine_id"`
	MemberID      uuid.UUID       `json:"member_id"`
	LoanID        *uuid.UUID      `json:"loan_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	FineType      string          `json:"fine_type"`
	PaymentMethod string          `json:"payment_method,omitempty"`
}

// journal collects the events of one unit of work and appends them in a
// single call before the unit of work commits.
type journal struct {
	at     time.Time
	events []eventstore.Event
	err    error
}

func newJournal(at time.Time) *journal {
	return &journal{at: at}
}

func (j *journal) add(aggregateID uuid.UUID, aggregateType, eventType string, payload interface{}) {
	if j.err != nil {
		return
	}
	e, err := eventstore.NewEvent(aggregateID, aggregateType, eventType, payload, j.at)
	if err != nil {
		j.err = err
		return
	}
	j.events = append(j.events, e)
}

func (j *journal) flush(ctx context.Context, tx store.Tx) error {
	if j.err != nil {
		return fmt.Errorf("build events: %w", j.err)
	}
	if len(j.events) == 0 {
		return nil
	}
	return tx.Append(ctx, j.events...)
}
