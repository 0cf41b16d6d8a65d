// internal/loan/domain.go
package loan

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"libralend/internal/clock"
)

const (
	LoanPeriodDays    = 14
	RenewalPeriodDays = 7
	MaxRenewals       = 2
)

var (
	ErrNotActive          = errors.New("loan is not active")
	ErrMaxRenewalsReached = errors.New("maximum renewals reached")
	ErrReservationPending = errors.New("title has pending reservations")
	ErrLoanOverdue        = errors.New("loan is overdue")
)

// Status is the lifecycle state of a loan. Returned and Lost are terminal.
type Status uint8

const (
	StatusActive Status = iota + 1
	StatusReturned
	StatusLost
)

var statusNames = map[Status]string{
	StatusActive:   "active",
	StatusReturned: "returned",
	StatusLost:     "lost",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// ParseStatus maps a stored name back to a Status.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown loan status %q", name)
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusReturned || s == StatusLost
}

// Loan is one member's custody of one copy of a title.
type Loan struct {
	ID           uuid.UUID        `json:"id"`
	TitleID      uuid.UUID        `json:"title_id"`
	MemberID     uuid.UUID        `json:"member_id"`
	BorrowDate   time.Time        `json:"borrow_date"`
	DueDate      time.Time        `json:"due_date"`
	ReturnDate   *time.Time       `json:"return_date,omitempty"`
	Status       Status           `json:"status"`
	RenewalCount int              `json:"renewal_count"`
	FineAmount   *decimal.Decimal `json:"fine_amount,omitempty"`
	FinePaid     *bool            `json:"fine_paid,omitempty"`
	Version      int              `json:"version"`
}

// Open starts an Active loan due LoanPeriodDays after the borrow date.
func Open(titleID, memberID uuid.UUID, now time.Time) *Loan {
	borrowed := clock.Date(now)
	return &Loan{
		ID:         uuid.New(),
		TitleID:    titleID,
		MemberID:   memberID,
		BorrowDate: borrowed,
		DueDate:    borrowed.AddDate(0, 0, LoanPeriodDays),
		Status:     StatusActive,
	}
}

// IsOverdue reports whether the loan is active and today is past the due date.
func (l *Loan) IsOverdue(now time.Time) bool {
	return l.Status == StatusActive && clock.Date(now).After(clock.Date(l.DueDate))
}

// DaysOverdue is zero unless the loan is overdue.
func (l *Loan) DaysOverdue(now time.Time) int {
	if !l.IsOverdue(now) {
		return 0
	}
	return clock.DaysBetween(l.DueDate, now)
}

// Return closes the loan. The overdue day count is measured before the
// transition and handed back so the caller can assess the fine.
func (l *Loan) Return(now time.Time) (daysOverdue int, err error) {
	if l.Status != StatusActive {
		return 0, ErrNotActive
	}
	daysOverdue = l.DaysOverdue(now)
	returned := clock.Date(now)
	l.ReturnDate = &returned
	l.Status = StatusReturned
	return daysOverdue, nil
}

// Renew extends the due date by RenewalPeriodDays.
func (l *Loan) Renew(now time.Time, pendingReservations int) error {
	switch {
	case l.Status != StatusActive:
		return ErrNotActive
	case l.RenewalCount >= MaxRenewals:
		return ErrMaxRenewalsReached
	case pendingReservations > 0:
		return ErrReservationPending
	case l.IsOverdue(now):
		return ErrLoanOverdue
	}
	l.DueDate = l.DueDate.AddDate(0, 0, RenewalPeriodDays)
	l.RenewalCount++
	return nil
}

// MarkLost closes the loan as lost.
func (l *Loan) MarkLost() error {
	if l.Status != StatusActive {
		return ErrNotActive
	}
	l.Status = StatusLost
	return nil
}

// AttachFine records the penalty assessed against this loan.
func (l *Loan) AttachFine(amount decimal.Decimal) {
	paid := false
	l.FineAmount = &amount
	l.FinePaid = &paid
}

// SettleFine flags the attached fine as paid.
func (l *Loan) SettleFine() {
	if l.FineAmount == nil {
		return
	}
	paid := true
	l.FinePaid = &paid
}

// Clone returns a deep copy safe to mutate independently.
func (l *Loan) Clone() *Loan {
	c := *l
	if l.ReturnDate != nil {
		d := *l.ReturnDate
		c.ReturnDate = &d
	}
	if l.FineAmount != nil {
		a := *l.FineAmount
		c.FineAmount = &a
	}
	if l.FinePaid != nil {
		p := *l.FinePaid
		c.FinePaid = &p
	}
	return &c
}
