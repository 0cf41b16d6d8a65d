package inventory

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimAndReleaseRoundTrip(t *testing.T) {
	title := NewTitle(uuid.New(), "Dune", 2)

	require.NoError(t, title.ClaimCopy())
	require.NoError(t, title.ClaimCopy())
	assert.Equal(t, 0, title.AvailableCopies)
	assert.ErrorIs(t, title.ClaimCopy(), ErrUnavailable)

	require.NoError(t, title.ReleaseCopy())
	require.NoError(t, title.ReleaseCopy())
	assert.Equal(t, 2, title.AvailableCopies)
	assert.ErrorIs(t, title.ReleaseCopy(), ErrOverRelease)
	assert.True(t, title.Valid())
}

func TestRetireCopyLeavesShelfCount(t *testing.T) {
	title := NewTitle(uuid.New(), "Emma", 3)
	require.NoError(t, title.ClaimCopy())

	require.NoError(t, title.RetireCopy())
	assert.Equal(t, 2, title.TotalCopies)
	assert.Equal(t, 2, title.AvailableCopies)
	assert.True(t, title.Valid())

	// every remaining copy is on the shelf, none can be lost
	assert.ErrorIs(t, title.RetireCopy(), ErrWouldGoNegative)
}

func TestRetireCopyGuardsZeroTotal(t *testing.T) {
	title := &Title{ID: uuid.New()}
	assert.ErrorIs(t, title.RetireCopy(), ErrWouldGoNegative)
	assert.Equal(t, 0, title.TotalCopies)
}

func TestFreeCopies(t *testing.T) {
	title := NewTitle(uuid.New(), "Ulysses", 3)
	assert.Equal(t, 1, title.FreeCopies(2))
	assert.Equal(t, 0, title.FreeCopies(5))
}
