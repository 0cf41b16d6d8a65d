package fines

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"libralend/internal/membership"
)

var (
	DailyRate  = decimal.RequireFromString("0.50")
	MaxPerLoan = decimal.RequireFromString("25.00")
)

// Policy exposes the overdue rate card.
type Policy struct {
	DailyRate  decimal.Decimal `json:"daily_rate"`
	MaxPerLoan decimal.Decimal `json:"max_per_loan"`
}

// CurrentPolicy returns the rates ComputeOverdue applies.
func CurrentPolicy() Policy {
	return Policy{DailyRate: DailyRate, MaxPerLoan: MaxPerLoan}
}

// ComputeOverdue returns min(days × DailyRate, MaxPerLoan).
func ComputeOverdue(daysOverdue int) decimal.Decimal {
	if daysOverdue <= 0 {
		return decimal.Zero
	}
	fine := DailyRate.Mul(decimal.NewFromInt(int64(daysOverdue)))
	return decimal.Min(fine, MaxPerLoan)
}

// Assess raises a fine and charges it to the member. Both records change
// together; the caller persists them in one unit of work.
func Assess(m *membership.Member, loanID *uuid.UUID, amount decimal.Decimal, t Type, note string, now time.Time) (*Fine, error) {
	if amount.IsNegative() {
		return nil, ErrNegativeAmount
	}
	if !t.Known() {
		return nil, ErrUnknownType
	}
	f := &Fine{
		ID:        uuid.New(),
		MemberID:  m.ID,
		LoanID:    loanID,
		Amount:    amount,
		Type:      t,
		Note:      note,
		CreatedAt: now,
	}
	m.Charge(amount)
	return f, nil
}

// Pay settles one fine and credits the member.
func Pay(f *Fine, m *membership.Member, method string, now time.Time) error {
	if method == "" {
		return ErrMissingPaymentMethod
	}
	if err := f.settle(method, now); err != nil {
		return err
	}
	m.Credit(f.Amount)
	return nil
}

// Waive settles one fine without payment.
func Waive(f *Fine, m *membership.Member, reason string, now time.Time) error {
	if reason == "" {
		return ErrMissingWaiverReason
	}
	if err := f.settle(WaiverPrefix+reason, now); err != nil {
		return err
	}
	m.Credit(f.Amount)
	return nil
}

// PayAll settles every unpaid fine and resets the member balance to exactly
// zero, discarding any drift in the cached total.
func PayAll(unpaid []*Fine, m *membership.Member, method string, now time.Time) ([]*Fine, error) {
	if method == "" {
		return nil, ErrMissingPaymentMethod
	}
	settled := make([]*Fine, 0, len(unpaid))
	for _, f := range unpaid {
		if f.IsPaid {
			continue
		}
		if err := f.settle(method, now); err != nil {
			return nil, err
		}
		settled = append(settled, f)
	}
	m.ClearFines()
	return settled, nil
}

// Outstanding sums the unpaid amounts.
func Outstanding(all []*Fine) decimal.Decimal {
	total := decimal.Zero
	for _, f := range all {
		if !f.IsPaid {
			total = total.Add(f.Amount)
		}
	}
	return total
}
