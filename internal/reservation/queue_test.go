package reservation

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)

func positions(q *Queue) []int {
	out := make([]int, 0, q.Len())
	for _, r := range q.Pending() {
		out = append(out, r.QueuePosition)
	}
	return out
}

func enqueueN(t *testing.T, q *Queue, n int) []*Reservation {
	t.Helper()
	var out []*Reservation
	for i := 0; i < n; i++ {
		r, err := q.Enqueue(uuid.New(), 0, t0.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		out = append(out, r)
	}
	return out
}

func TestEnqueueAssignsNextPosition(t *testing.T) {
	q := NewQueue(uuid.New(), nil)
	rs := enqueueN(t, q, 3)

	assert.Equal(t, []int{1, 2, 3}, positions(q))
	assert.Equal(t, StatusPending, rs[2].Status)
	assert.Len(t, q.Added(), 3)
	assert.Empty(t, q.Changed())
}

func TestEnqueueRejections(t *testing.T) {
	q := NewQueue(uuid.New(), nil)
	member := uuid.New()

	_, err := q.Enqueue(member, 1, t0)
	assert.ErrorIs(t, err, ErrTitleAvailable)

	_, err = q.Enqueue(member, 0, t0)
	require.NoError(t, err)
	_, err = q.Enqueue(member, 0, t0)
	assert.ErrorIs(t, err, ErrAlreadyQueued)

	// an Available hold also occupies the slot
	_, err = q.PromoteNext(t0)
	require.NoError(t, err)
	_, err = q.Enqueue(member, 0, t0)
	assert.ErrorIs(t, err, ErrAlreadyQueued)
}

func TestNewQueueOrdersByArrival(t *testing.T) {
	title := uuid.New()
	late := &Reservation{ID: uuid.New(), TitleID: title, Status: StatusPending, ReservedAt: t0.Add(time.Hour), QueuePosition: 1}
	early := &Reservation{ID: uuid.New(), TitleID: title, Status: StatusPending, ReservedAt: t0, QueuePosition: 2}
	other := &Reservation{ID: uuid.New(), TitleID: uuid.New(), Status: StatusPending, ReservedAt: t0}
	done := &Reservation{ID: uuid.New(), TitleID: title, Status: StatusFulfilled, ReservedAt: t0}

	q := NewQueue(title, []*Reservation{late, other, early, done})

	require.Equal(t, 2, q.Len())
	assert.Same(t, early, q.Head())
	q.Renumber()
	assert.Equal(t, 1, early.QueuePosition)
	assert.Equal(t, 2, late.QueuePosition)
	assert.Len(t, q.Changed(), 2)
}

func TestPromoteNext(t *testing.T) {
	q := NewQueue(uuid.New(), nil)
	rs := enqueueN(t, q, 2)

	promoted, err := q.PromoteNext(t0)
	require.NoError(t, err)
	assert.Same(t, rs[0], promoted)
	assert.Equal(t, StatusAvailable, promoted.Status)
	require.NotNil(t, promoted.ExpiresAt)
	assert.Equal(t, t0.Add(HoldPeriod), *promoted.ExpiresAt)
	assert.Equal(t, t0, *promoted.NotifiedAt)
	assert.Equal(t, 1, q.Earmarked())
	assert.Equal(t, []int{1}, positions(q))

	_, err = q.PromoteNext(t0)
	require.NoError(t, err)
	_, err = q.PromoteNext(t0)
	assert.ErrorIs(t, err, ErrEmptyQueue)
}

func TestCancelHeadRenumbers(t *testing.T) {
	q := NewQueue(uuid.New(), nil)
	rs := enqueueN(t, q, 2)

	promoted, err := q.Cancel(rs[0].ID, rs[0].MemberID, t0)
	require.NoError(t, err)
	assert.Nil(t, promoted)
	assert.Equal(t, StatusCancelled, rs[0].Status)
	assert.Equal(t, 1, rs[1].QueuePosition)
	assert.Equal(t, []int{1}, positions(q))
}

func TestCancelChecksOwnerAndState(t *testing.T) {
	q := NewQueue(uuid.New(), nil)
	rs := enqueueN(t, q, 1)

	_, err := q.Cancel(rs[0].ID, uuid.New(), t0)
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = q.Cancel(uuid.New(), rs[0].MemberID, t0)
	assert.ErrorIs(t, err, ErrNotCancellable)
}

func TestCancelAvailablePassesCopyOn(t *testing.T) {
	q := NewQueue(uuid.New(), nil)
	rs := enqueueN(t, q, 2)
	_, err := q.PromoteNext(t0)
	require.NoError(t, err)

	promoted, err := q.Cancel(rs[0].ID, rs[0].MemberID, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Same(t, rs[1], promoted)
	assert.Equal(t, StatusAvailable, rs[1].Status)
	assert.Equal(t, 1, q.Earmarked())
	assert.Equal(t, 0, q.Len())
}

func TestFulfill(t *testing.T) {
	q := NewQueue(uuid.New(), nil)
	rs := enqueueN(t, q, 3)

	_, err := q.Fulfill(rs[1].MemberID)
	assert.ErrorIs(t, err, ErrNotHeld)

	got, err := q.Fulfill(rs[0].MemberID)
	require.NoError(t, err)
	assert.Equal(t, StatusFulfilled, got.Status)
	assert.Equal(t, []int{1, 2}, positions(q))

	_, err = q.PromoteNext(t0)
	require.NoError(t, err)
	got, err = q.Fulfill(rs[1].MemberID)
	require.NoError(t, err)
	assert.Same(t, rs[1], got)
	assert.Equal(t, 0, q.Earmarked())
}

func TestExpireStaleCascadesAndIsIdempotent(t *testing.T) {
	q := NewQueue(uuid.New(), nil)
	rs := enqueueN(t, q, 3)
	_, err := q.PromoteNext(t0)
	require.NoError(t, err)

	// still inside the hold window
	expired, _ := q.ExpireStale(t0.Add(HoldPeriod))
	assert.Empty(t, expired)

	later := t0.Add(HoldPeriod + time.Minute)
	expired, promoted := q.ExpireStale(later)
	require.Len(t, expired, 1)
	assert.Same(t, rs[0], expired[0])
	assert.Equal(t, StatusExpired, rs[0].Status)
	require.Len(t, promoted, 1)
	assert.Same(t, rs[1], promoted[0])
	assert.Equal(t, later.Add(HoldPeriod), *rs[1].ExpiresAt)
	assert.Equal(t, []int{1}, positions(q))

	expired, promoted = q.ExpireStale(later)
	assert.Empty(t, expired)
	assert.Empty(t, promoted)
}
