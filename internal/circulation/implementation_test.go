package circulation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libralend/internal/clock"
	"libralend/internal/fines"
	"libralend/internal/inventory"
	"libralend/internal/loan"
	"libralend/internal/membership"
	"libralend/internal/reservation"
	"libralend/internal/store"
	"libralend/internal/store/memory"
)

var ctx = context.Background()

var epoch = time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store *memory.Store
	clock *clock.Manual
	svc   Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	clk := clock.NewManual(epoch)
	return &fixture{store: st, clock: clk, svc: NewService(st, clk, nil)}
}

func (f *fixture) title(t *testing.T, id uuid.UUID) *inventory.Title {
	t.Helper()
	title, err := f.store.Title(ctx, id)
	require.NoError(t, err)
	return title
}

func (f *fixture) member(t *testing.T, id uuid.UUID) *membership.Member {
	t.Helper()
	m, err := f.store.Member(ctx, id)
	require.NoError(t, err)
	return m
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestReturnPromotesQueueAndChargesOverdue(t *testing.T) {
	f := newFixture(t)
	title := f.store.SeedTitle("Dune", 1)
	m1 := f.store.SeedMember("Ada", membership.TierStandard)
	m2 := f.store.SeedMember("Grace", membership.TierStandard)

	l, err := f.svc.Borrow(ctx, m1.ID, title.ID)
	require.NoError(t, err)
	assert.Equal(t, loan.StatusActive, l.Status)
	assert.Equal(t, 0, f.title(t, title.ID).AvailableCopies)

	_, err = f.svc.Borrow(ctx, m2.ID, title.ID)
	assert.ErrorIs(t, err, inventory.ErrUnavailable)

	r, err := f.svc.Reserve(ctx, m2.ID, title.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusPending, r.Status)
	assert.Equal(t, 1, r.QueuePosition)

	// returned 20 days after the 14-day due date
	f.clock.AdvanceDays(loan.LoanPeriodDays + 20)
	returned, err := f.svc.Return(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, loan.StatusReturned, returned.Status)
	require.NotNil(t, returned.FineAmount)
	assert.True(t, dec("10.00").Equal(*returned.FineAmount))

	charged, err := f.svc.Fines(ctx, m1.ID)
	require.NoError(t, err)
	require.Len(t, charged, 1)
	assert.Equal(t, fines.TypeOverdue, charged[0].Type)
	assert.True(t, dec("10.00").Equal(charged[0].Amount))
	assert.True(t, dec("10.00").Equal(f.member(t, m1.ID).OutstandingFines))

	held, err := f.svc.Reservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusAvailable, held.Status)
	require.NotNil(t, held.ExpiresAt)
	assert.Equal(t, f.clock.Now().Add(reservation.HoldPeriod), *held.ExpiresAt)
	assert.Equal(t, 1, f.title(t, title.ID).AvailableCopies)
}

func TestEarmarkedCopyGoesToHolder(t *testing.T) {
	f := newFixture(t)
	title := f.store.SeedTitle("Dune", 1)
	m1 := f.store.SeedMember("Ada", membership.TierStandard)
	m2 := f.store.SeedMember("Grace", membership.TierStandard)
	m3 := f.store.SeedMember("Linus", membership.TierStandard)

	l, err := f.svc.Borrow(ctx, m1.ID, title.ID)
	require.NoError(t, err)
	r, err := f.svc.Reserve(ctx, m2.ID, title.ID)
	require.NoError(t, err)
	_, err = f.svc.Return(ctx, l.ID)
	require.NoError(t, err)

	_, err = f.svc.Borrow(ctx, m3.ID, title.ID)
	assert.ErrorIs(t, err, ErrReservedByOther)

	got, err := f.svc.Borrow(ctx, m2.ID, title.ID)
	require.NoError(t, err)
	assert.Equal(t, m2.ID, got.MemberID)

	fulfilled, err := f.svc.Reservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusFulfilled, fulfilled.Status)
	assert.Equal(t, 0, f.title(t, title.ID).AvailableCopies)
}

func TestOutstandingFinesBlockBorrow(t *testing.T) {
	f := newFixture(t)
	title := f.store.SeedTitle("Dune", 1)
	m := f.store.SeedMember("Ada", membership.TierStandard)

	_, err := f.svc.AssessFine(ctx, AssessRequest{MemberID: m.ID, Amount: dec("5.00"), Type: fines.TypeOther})
	require.NoError(t, err)
	before, err := f.svc.Events(ctx, 0, 100)
	require.NoError(t, err)

	_, err = f.svc.Borrow(ctx, m.ID, title.ID)
	assert.ErrorIs(t, err, ErrInsufficientStanding)
	assert.True(t, IsDomainError(err))

	assert.Equal(t, 1, f.title(t, title.ID).AvailableCopies)
	assert.Equal(t, 0, f.member(t, m.ID).CurrentBorrowed)
	after, err := f.svc.Events(ctx, 0, 100)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}

func TestBorrowLimitAndInactiveMember(t *testing.T) {
	f := newFixture(t)
	title := f.store.SeedTitle("Dune", 10)
	m := f.store.SeedMember("Ada", membership.TierStandard)

	for i := 0; i < membership.TierStandard.MaxBooks(); i++ {
		_, err := f.svc.Borrow(ctx, m.ID, title.ID)
		require.NoError(t, err)
	}
	_, err := f.svc.Borrow(ctx, m.ID, title.ID)
	assert.ErrorIs(t, err, ErrBorrowLimitReached)

	inactive := f.store.SeedMember("Grace", membership.TierPremium)
	inactive.Active = false
	require.NoError(t, f.store.UpsertMember(ctx, inactive))

	_, err = f.svc.Borrow(ctx, inactive.ID, title.ID)
	assert.ErrorIs(t, err, ErrMemberInactive)
	_, err = f.svc.Reserve(ctx, inactive.ID, title.ID)
	assert.ErrorIs(t, err, ErrMemberInactive)
}

func TestRenewRules(t *testing.T) {
	f := newFixture(t)
	title := f.store.SeedTitle("Dune", 1)
	m1 := f.store.SeedMember("Ada", membership.TierStandard)
	l, err := f.svc.Borrow(ctx, m1.ID, title.ID)
	require.NoError(t, err)

	due := l.DueDate
	for i := 1; i <= loan.MaxRenewals; i++ {
		renewed, err := f.svc.Renew(ctx, l.ID)
		require.NoError(t, err)
		assert.Equal(t, i, renewed.RenewalCount)
		assert.Equal(t, due.AddDate(0, 0, i*loan.RenewalPeriodDays), renewed.DueDate)
	}

	_, err = f.svc.Renew(ctx, l.ID)
	assert.ErrorIs(t, err, loan.ErrMaxRenewalsReached)
	current, err := f.svc.Loan(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, due.AddDate(0, 0, loan.MaxRenewals*loan.RenewalPeriodDays), current.DueDate)

	_, err = f.svc.Renew(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRenewBlockedByQueueOrOverdue(t *testing.T) {
	f := newFixture(t)
	title := f.store.SeedTitle("Dune", 1)
	m1 := f.store.SeedMember("Ada", membership.TierStandard)
	m2 := f.store.SeedMember("Grace", membership.TierStandard)

	l, err := f.svc.Borrow(ctx, m1.ID, title.ID)
	require.NoError(t, err)
	r, err := f.svc.Reserve(ctx, m2.ID, title.ID)
	require.NoError(t, err)

	_, err = f.svc.Renew(ctx, l.ID)
	assert.ErrorIs(t, err, loan.ErrReservationPending)

	require.NoError(t, f.svc.CancelReservation(ctx, r.ID, m2.ID))
	f.clock.AdvanceDays(loan.LoanPeriodDays + 1)
	_, err = f.svc.Renew(ctx, l.ID)
	assert.ErrorIs(t, err, loan.ErrLoanOverdue)

	overdue, err := f.svc.OverdueLoans(ctx)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, l.ID, overdue[0].ID)
	mine, err := f.svc.OverdueLoansByMember(ctx, m2.ID)
	require.NoError(t, err)
	assert.Empty(t, mine)
}

func TestCancelHeadRenumbersQueue(t *testing.T) {
	f := newFixture(t)
	title := f.store.SeedTitle("Dune", 1)
	m0 := f.store.SeedMember("Ada", membership.TierStandard)
	m1 := f.store.SeedMember("Grace", membership.TierStandard)
	m2 := f.store.SeedMember("Linus", membership.TierStandard)

	_, err := f.svc.Borrow(ctx, m0.ID, title.ID)
	require.NoError(t, err)
	r1, err := f.svc.Reserve(ctx, m1.ID, title.ID)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	r2, err := f.svc.Reserve(ctx, m2.ID, title.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, r2.QueuePosition)

	err = f.svc.CancelReservation(ctx, r1.ID, m2.ID)
	assert.ErrorIs(t, err, reservation.ErrNotOwner)

	require.NoError(t, f.svc.CancelReservation(ctx, r1.ID, m1.ID))
	pos, err := f.svc.QueuePosition(ctx, m2.ID, title.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
	n, err := f.svc.QueueLength(ctx, title.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	err = f.svc.CancelReservation(ctx, r1.ID, m1.ID)
	assert.ErrorIs(t, err, reservation.ErrNotCancellable)
	_, err = f.svc.QueuePosition(ctx, m1.ID, title.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReserveRejections(t *testing.T) {
	f := newFixture(t)
	title := f.store.SeedTitle("Dune", 1)
	m1 := f.store.SeedMember("Ada", membership.TierStandard)
	m2 := f.store.SeedMember("Grace", membership.TierStandard)

	_, err := f.svc.Reserve(ctx, m1.ID, title.ID)
	assert.ErrorIs(t, err, reservation.ErrTitleAvailable)

	_, err = f.svc.Borrow(ctx, m1.ID, title.ID)
	require.NoError(t, err)
	_, err = f.svc.Reserve(ctx, m2.ID, title.ID)
	require.NoError(t, err)
	_, err = f.svc.Reserve(ctx, m2.ID, title.ID)
	assert.ErrorIs(t, err, reservation.ErrAlreadyQueued)

	_, err = f.svc.Reserve(ctx, m2.ID, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	open, err := f.svc.MemberReservations(ctx, m2.ID)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestMarkLostRetiresCopy(t *testing.T) {
	f := newFixture(t)
	title := f.store.SeedTitle("Dune", 3)
	m := f.store.SeedMember("Ada", membership.TierStandard)

	l, err := f.svc.Borrow(ctx, m.ID, title.ID)
	require.NoError(t, err)
	require.Equal(t, 2, f.title(t, title.ID).AvailableCopies)

	_, err = f.svc.MarkLost(ctx, l.ID, dec("-1"))
	assert.ErrorIs(t, err, fines.ErrNegativeAmount)

	lost, err := f.svc.MarkLost(ctx, l.ID, dec("24.99"))
	require.NoError(t, err)
	assert.Equal(t, loan.StatusLost, lost.Status)

	after := f.title(t, title.ID)
	assert.Equal(t, 2, after.TotalCopies)
	assert.Equal(t, 2, after.AvailableCopies)

	member := f.member(t, m.ID)
	assert.True(t, dec("24.99").Equal(member.OutstandingFines))
	assert.Equal(t, 0, member.CurrentBorrowed)

	unpaid, err := f.svc.UnpaidFines(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, unpaid, 1)
	assert.Equal(t, fines.TypeLostBook, unpaid[0].Type)
	require.NotNil(t, unpaid[0].LoanID)
	assert.Equal(t, l.ID, *unpaid[0].LoanID)

	_, err = f.svc.Return(ctx, l.ID)
	assert.ErrorIs(t, err, loan.ErrNotActive)
}

func TestPayFineSettlesLoan(t *testing.T) {
	f := newFixture(t)
	title := f.store.SeedTitle("Dune", 1)
	m := f.store.SeedMember("Ada", membership.TierStandard)

	l, err := f.svc.Borrow(ctx, m.ID, title.ID)
	require.NoError(t, err)
	f.clock.AdvanceDays(loan.LoanPeriodDays + 3)
	_, err = f.svc.Return(ctx, l.ID)
	require.NoError(t, err)

	unpaid, err := f.svc.UnpaidFines(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, unpaid, 1)

	_, err = f.svc.PayFine(ctx, unpaid[0].ID, "")
	assert.ErrorIs(t, err, fines.ErrMissingPaymentMethod)

	paid, err := f.svc.PayFine(ctx, unpaid[0].ID, "card")
	require.NoError(t, err)
	assert.True(t, paid.IsPaid)
	assert.Equal(t, "card", paid.PaymentMethod)

	_, err = f.svc.PayFine(ctx, unpaid[0].ID, "card")
	assert.ErrorIs(t, err, fines.ErrAlreadyPaid)

	settled, err := f.svc.Loan(ctx, l.ID)
	require.NoError(t, err)
	require.NotNil(t, settled.FinePaid)
	assert.True(t, *settled.FinePaid)

	total, err := f.svc.TotalUnpaid(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, total.IsZero())
	assert.True(t, f.member(t, m.ID).OutstandingFines.IsZero())
}

func TestWaiveAndPayAll(t *testing.T) {
	f := newFixture(t)
	m := f.store.SeedMember("Ada", membership.TierStandard)

	var ids []uuid.UUID
	for _, amount := range []string{"2.50", "4.00", "1.25"} {
		fine, err := f.svc.AssessFine(ctx, AssessRequest{MemberID: m.ID, Amount: dec(amount), Type: fines.TypeDamagedBook, Note: "water damage"})
		require.NoError(t, err)
		ids = append(ids, fine.ID)
	}
	assert.True(t, dec("7.75").Equal(f.member(t, m.ID).OutstandingFines))

	_, err := f.svc.WaiveFine(ctx, ids[0], "")
	assert.ErrorIs(t, err, fines.ErrMissingWaiverReason)
	waived, err := f.svc.WaiveFine(ctx, ids[0], "goodwill")
	require.NoError(t, err)
	assert.Equal(t, fines.WaiverPrefix+"goodwill", waived.PaymentMethod)
	assert.True(t, waived.Waived())
	assert.True(t, dec("5.25").Equal(f.member(t, m.ID).OutstandingFines))

	settled, err := f.svc.PayAllFines(ctx, m.ID, "cash")
	require.NoError(t, err)
	assert.Len(t, settled, 2)
	assert.True(t, f.member(t, m.ID).OutstandingFines.IsZero())

	all, err := f.svc.AllUnpaidFines(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestAssessFineChecksLoanOwner(t *testing.T) {
	f := newFixture(t)
	title := f.store.SeedTitle("Dune", 1)
	m1 := f.store.SeedMember("Ada", membership.TierStandard)
	m2 := f.store.SeedMember("Grace", membership.TierStandard)

	l, err := f.svc.Borrow(ctx, m1.ID, title.ID)
	require.NoError(t, err)

	_, err = f.svc.AssessFine(ctx, AssessRequest{MemberID: m2.ID, LoanID: &l.ID, Amount: dec("3"), Type: fines.TypeDamagedBook})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.AssessFine(ctx, AssessRequest{MemberID: m1.ID, Amount: dec("-3"), Type: fines.TypeOther})
	assert.ErrorIs(t, err, fines.ErrNegativeAmount)

	fine, err := f.svc.AssessFine(ctx, AssessRequest{MemberID: m1.ID, LoanID: &l.ID, Amount: dec("3"), Type: fines.TypeDamagedBook})
	require.NoError(t, err)
	assert.Equal(t, l.ID, *fine.LoanID)
}

func TestSweepExpiresAndPromotes(t *testing.T) {
	f := newFixture(t)
	title := f.store.SeedTitle("Dune", 1)
	m1 := f.store.SeedMember("Ada", membership.TierStandard)
	m2 := f.store.SeedMember("Grace", membership.TierStandard)
	m3 := f.store.SeedMember("Linus", membership.TierStandard)

	l, err := f.svc.Borrow(ctx, m1.ID, title.ID)
	require.NoError(t, err)
	r2, err := f.svc.Reserve(ctx, m2.ID, title.ID)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	r3, err := f.svc.Reserve(ctx, m3.ID, title.ID)
	require.NoError(t, err)
	_, err = f.svc.Return(ctx, l.ID)
	require.NoError(t, err)

	n, err := f.svc.SweepExpiredReservations(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.AdvanceDays(4)
	n, err = f.svc.SweepExpiredReservations(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	expired, err := f.svc.Reservation(ctx, r2.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusExpired, expired.Status)
	next, err := f.svc.Reservation(ctx, r3.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusAvailable, next.Status)

	n, err = f.svc.SweepExpiredReservations(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	history, err := f.svc.History(ctx, r2.ID)
	require.NoError(t, err)
	var types []string
	for _, e := range history {
		types = append(types, e.EventType)
	}
	assert.Equal(t, []string{EventReservationPlaced, EventReservationPromoted, EventReservationExpired}, types)
}

func TestSweeperSweepOnce(t *testing.T) {
	f := newFixture(t)
	title := f.store.SeedTitle("Dune", 1)
	m1 := f.store.SeedMember("Ada", membership.TierStandard)
	m2 := f.store.SeedMember("Grace", membership.TierStandard)

	l, err := f.svc.Borrow(ctx, m1.ID, title.ID)
	require.NoError(t, err)
	_, err = f.svc.Reserve(ctx, m2.ID, title.ID)
	require.NoError(t, err)
	_, err = f.svc.Return(ctx, l.ID)
	require.NoError(t, err)

	sw := NewSweeper(f.svc, f.clock, time.Hour, nil)
	assert.Zero(t, sw.SweepOnce(ctx))
	f.clock.AdvanceDays(3)
	f.clock.Advance(time.Second)
	assert.Equal(t, 1, sw.SweepOnce(ctx))
	assert.Equal(t, 1, f.title(t, title.ID).AvailableCopies)
}

func TestLoanHistoryRecordsEvents(t *testing.T) {
	f := newFixture(t)
	title := f.store.SeedTitle("Dune", 1)
	m := f.store.SeedMember("Ada", membership.TierStandard)

	l, err := f.svc.Borrow(ctx, m.ID, title.ID)
	require.NoError(t, err)
	_, err = f.svc.Renew(ctx, l.ID)
	require.NoError(t, err)
	_, err = f.svc.Return(ctx, l.ID)
	require.NoError(t, err)

	events, err := f.svc.History(ctx, l.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, EventLoanOpened, events[0].EventType)
	assert.Equal(t, EventLoanRenewed, events[1].EventType)
	assert.Equal(t, EventLoanReturned, events[2].EventType)
	assert.Equal(t, 3, events[2].Version)

	var opened LoanOpenedEvent
	require.NoError(t, events[0].Decode(&opened))
	assert.Equal(t, m.ID, opened.MemberID)
	assert.Nil(t, opened.ReservationID)

	current, err := f.svc.CurrentLoans(ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, current)
	past, err := f.svc.LoanHistory(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, past, 1)
}

// flakyStore reports a conflict for the first failures units of work.
type flakyStore struct {
	store.Store
	failures atomic.Int32
}

func (s *flakyStore) WithinTx(ctx context.Context, keys []string, fn func(ctx context.Context, tx store.Tx) error) error {
	if s.failures.Add(-1) >= 0 {
		return store.ErrConflict
	}
	return s.Store.WithinTx(ctx, keys, fn)
}

func TestConflictRetriedOnce(t *testing.T) {
	st := memory.New()
	title := st.SeedTitle("Dune", 1)
	m := st.SeedMember("Ada", membership.TierStandard)
	flaky := &flakyStore{Store: st}
	svc := NewService(flaky, clock.NewManual(epoch), nil)

	flaky.failures.Store(2)
	_, err := svc.Borrow(ctx, m.ID, title.ID)
	assert.ErrorIs(t, err, ErrConflict)
	assert.False(t, IsDomainError(err))
	unchanged, err := st.Title(ctx, title.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, unchanged.AvailableCopies)

	flaky.failures.Store(1)
	l, err := svc.Borrow(ctx, m.ID, title.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, l.MemberID)
}

func TestConcurrentBorrowsOfLastCopy(t *testing.T) {
	f := newFixture(t)
	title := f.store.SeedTitle("Dune", 1)

	const borrowers = 20
	members := make([]uuid.UUID, borrowers)
	for i := range members {
		members[i] = f.store.SeedMember("member", membership.TierStandard).ID
	}

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
	)
	for _, id := range members {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_, err := f.svc.Borrow(ctx, id, title.ID)
			if err == nil {
				succeeded.Add(1)
				return
			}
			assert.ErrorIs(t, err, inventory.ErrUnavailable)
		}(id)
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, 0, f.title(t, title.ID).AvailableCopies)
	active, err := f.store.ActiveLoans(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}
