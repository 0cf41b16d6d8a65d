// internal/membership/domain.go
package membership

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Tier is a membership level; it decides how many loans a member may hold.
type Tier string

const (
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
	TierStudent  Tier = "student"
	TierSenior   Tier = "senior"
)

var maxBooksByTier = map[Tier]int{
	TierStandard: 5,
	TierPremium:  10,
	TierStudent:  7,
	TierSenior:   8,
}

// MaxBooks returns the concurrent loan limit of the tier.
func (t Tier) MaxBooks() int {
	return maxBooksByTier[t]
}

// ParseTier validates a stored tier name.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if _, ok := maxBooksByTier[t]; !ok {
		return "", fmt.Errorf("unknown membership tier %q", s)
	}
	return t, nil
}

// Member is the lending projection of a member record. CurrentBorrowed and
// OutstandingFines are materialized counters; they only move inside the unit
// of work that changes the loans or fines they summarize.
type Member struct {
	ID               uuid.UUID       `json:"id"`
	Name             string          `json:"name"`
	Tier             Tier            `json:"membership_tier"`
	Active           bool            `json:"active"`
	MaxBooksAllowed  int             `json:"max_books_allowed"`
	CurrentBorrowed  int             `json:"current_borrowed"`
	OutstandingFines decimal.Decimal `json:"outstanding_fines"`
	Version          int             `json:"version"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// NewMember creates an active member with the tier's loan limit.
func NewMember(id uuid.UUID, name string, tier Tier) *Member {
	return &Member{
		ID:               id,
		Name:             name,
		Tier:             tier,
		Active:           true,
		MaxBooksAllowed:  tier.MaxBooks(),
		OutstandingFines: decimal.Zero,
	}
}

// HasOutstandingFines reports whether any fine is unpaid.
func (m *Member) HasOutstandingFines() bool {
	return m.OutstandingFines.IsPositive()
}

// AtBorrowLimit reports whether another loan would exceed the tier limit.
func (m *Member) AtBorrowLimit() bool {
	return m.CurrentBorrowed >= m.MaxBooksAllowed
}

func (m *Member) LoanOpened() { m.CurrentBorrowed++ }

func (m *Member) LoanClosed() {
	if m.CurrentBorrowed > 0 {
		m.CurrentBorrowed--
	}
}

// Charge adds a new fine to the outstanding balance.
func (m *Member) Charge(amount decimal.Decimal) {
	m.OutstandingFines = m.OutstandingFines.Add(amount)
}

// Credit removes a settled fine from the balance, never going below zero.
func (m *Member) Credit(amount decimal.Decimal) {
	m.OutstandingFines = decimal.Max(decimal.Zero, m.OutstandingFines.Sub(amount))
}

// ClearFines resets the balance after every fine was settled.
func (m *Member) ClearFines() {
	m.OutstandingFines = decimal.Zero
}

// Clone returns a copy safe to mutate independently.
func (m *Member) Clone() *Member {
	c := *m
	return &c
}
