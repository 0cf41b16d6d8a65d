// internal/fines/domain.go
package fines

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WaiverPrefix marks the payment method of a waived fine.
const WaiverPrefix = "WAIVED: "

var (
	ErrAlreadyPaid          = errors.New("fine is already paid")
	ErrNegativeAmount       = errors.New("fine amount must not be negative")
	ErrMissingPaymentMethod = errors.New("payment method is required")
	ErrMissingWaiverReason  = errors.New("waiver reason is required")
	ErrUnknownType          = errors.New("unknown fine type")
)

// Type classifies why a fine was raised.
type Type uint8

const (
	TypeOverdue Type = iota + 1
	TypeLostBook
	TypeDamagedBook
	TypeOther
)

var typeNames = map[Type]string{
	TypeOverdue:     "overdue",
	TypeLostBook:    "lost_book",
	TypeDamagedBook: "damaged_book",
	TypeOther:       "other",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Known reports whether t is one of the declared fine types.
func (t Type) Known() bool {
	_, ok := typeNames[t]
	return ok
}

// ParseType maps a stored name back to a Type.
func ParseType(name string) (Type, error) {
	for t, n := range typeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w %q", ErrUnknownType, name)
}

func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Type) UnmarshalText(b []byte) error {
	parsed, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Fine is a monetary penalty charged to a member.
type Fine struct {
	ID            uuid.UUID       `json:"id"`
	MemberID      uuid.UUID       `json:"member_id"`
	LoanID        *uuid.UUID      `json:"loan_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Type          Type            `json:"fine_type"`
	Note          string          `json:"note,omitempty"`
	IsPaid        bool            `json:"is_paid"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	Version       int             `json:"version"`
}

// Waived reports whether the fine was settled by a waiver.
func (f *Fine) Waived() bool {
	return f.IsPaid && strings.HasPrefix(f.PaymentMethod, WaiverPrefix)
}

func (f *Fine) settle(method string, now time.Time) error {
	if f.IsPaid {
		return ErrAlreadyPaid
	}
	paidAt := now
	f.IsPaid = true
	f.PaidAt = &paidAt
	f.PaymentMethod = method
	return nil
}

// Clone returns a deep copy safe to mutate independently.
func (f *Fine) Clone() *Fine {
	c := *f
	if f.LoanID != nil {
		id := *f.LoanID
		c.LoanID = &id
	}
	if f.PaidAt != nil {
		p := *f.PaidAt
		c.PaidAt = &p
	}
	return &c
}
