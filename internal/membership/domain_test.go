package membership

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierLimits(t *testing.T) {
	assert.Equal(t, 5, TierStandard.MaxBooks())
	assert.Equal(t, 10, TierPremium.MaxBooks())
	assert.Equal(t, 7, TierStudent.MaxBooks())
	assert.Equal(t, 8, TierSenior.MaxBooks())

	tier, err := ParseTier("student")
	require.NoError(t, err)
	assert.Equal(t, TierStudent, tier)

	_, err = ParseTier("gold")
	assert.Error(t, err)
}

func TestCreditNeverGoesNegative(t *testing.T) {
	m := NewMember(uuid.New(), "Ada", TierStandard)
	m.Charge(decimal.RequireFromString("3.50"))
	m.Credit(decimal.RequireFromString("5.00"))

	assert.True(t, m.OutstandingFines.Equal(decimal.Zero))
	assert.False(t, m.HasOutstandingFines())
}

func TestBorrowCounter(t *testing.T) {
	m := NewMember(uuid.New(), "Ada", TierStandard)
	for i := 0; i < 5; i++ {
		m.LoanOpened()
	}
	assert.True(t, m.AtBorrowLimit())

	m.LoanClosed()
	assert.False(t, m.AtBorrowLimit())

	m.CurrentBorrowed = 0
	m.LoanClosed()
	assert.Equal(t, 0, m.CurrentBorrowed)
}
