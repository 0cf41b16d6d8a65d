package circulation

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"libralend/internal/clock"
	"libralend/internal/fines"
	"libralend/internal/loan"
	"libralend/internal/membership"
	"libralend/internal/reservation"
	"libralend/internal/store/memory"
)

// lendingMachine drives the coordinator with random operations and checks
// the bookkeeping after every step.
type lendingMachine struct {
	store   *memory.Store
	clock   *clock.Manual
	svc     Service
	titles  []uuid.UUID
	members []uuid.UUID
}

func newLendingMachine() *lendingMachine {
	st := memory.New()
	clk := clock.NewManual(epoch)
	m := &lendingMachine{store: st, clock: clk, svc: NewService(st, clk, nil)}
	for i, copies := range []int{1, 2} {
		m.titles = append(m.titles, st.SeedTitle([]string{"Dune", "Emma"}[i], copies).ID)
	}
	for _, name := range []string{"Ada", "Grace", "Linus"} {
		m.members = append(m.members, st.SeedMember(name, membership.TierStandard).ID)
	}
	return m
}

// accept fails the run on anything but a rule rejection.
func accept(t *rapid.T, op string, err error) {
	if err != nil && !IsDomainError(err) {
		t.Fatalf("%s: unexpected error: %v", op, err)
	}
}

func (m *lendingMachine) activeLoans(t *rapid.T) []*loan.Loan {
	active, err := m.store.ActiveLoans(ctx)
	if err != nil {
		t.Fatalf("active loans: %v", err)
	}
	return active
}

func (m *lendingMachine) openReservations(t *rapid.T) []*reservation.Reservation {
	var open []*reservation.Reservation
	for _, id := range m.members {
		rs, err := m.store.OpenReservationsByMember(ctx, id)
		if err != nil {
			t.Fatalf("open reservations: %v", err)
		}
		open = append(open, rs...)
	}
	return open
}

func (m *lendingMachine) Borrow(t *rapid.T) {
	member := rapid.SampledFrom(m.members).Draw(t, "member")
	title := rapid.SampledFrom(m.titles).Draw(t, "title")
	_, err := m.svc.Borrow(ctx, member, title)
	accept(t, "borrow", err)
}

func (m *lendingMachine) Return(t *rapid.T) {
	active := m.activeLoans(t)
	if len(active) == 0 {
		t.Skip("no active loans")
	}
	l := rapid.SampledFrom(active).Draw(t, "loan")
	_, err := m.svc.Return(ctx, l.ID)
	accept(t, "return", err)
}

func (m *lendingMachine) Renew(t *rapid.T) {
	active := m.activeLoans(t)
	if len(active) == 0 {
		t.Skip("no active loans")
	}
	l := rapid.SampledFrom(active).Draw(t, "loan")
	_, err := m.svc.Renew(ctx, l.ID)
	accept(t, "renew", err)
}

func (m *lendingMachine) MarkLost(t *rapid.T) {
	active := m.activeLoans(t)
	if len(active) == 0 {
		t.Skip("no active loans")
	}
	l := rapid.SampledFrom(active).Draw(t, "loan")
	cost := decimal.NewFromInt(int64(rapid.IntRange(0, 30).Draw(t, "cost")))
	_, err := m.svc.MarkLost(ctx, l.ID, cost)
	accept(t, "mark lost", err)
}

func (m *lendingMachine) Reserve(t *rapid.T) {
	member := rapid.SampledFrom(m.members).Draw(t, "member")
	title := rapid.SampledFrom(m.titles).Draw(t, "title")
	_, err := m.svc.Reserve(ctx, member, title)
	accept(t, "reserve", err)
}

func (m *lendingMachine) Cancel(t *rapid.T) {
	open := m.openReservations(t)
	if len(open) == 0 {
		t.Skip("no open reservations")
	}
	r := rapid.SampledFrom(open).Draw(t, "reservation")
	accept(t, "cancel", m.svc.CancelReservation(ctx, r.ID, r.MemberID))
}

func (m *lendingMachine) PayAll(t *rapid.T) {
	member := rapid.SampledFrom(m.members).Draw(t, "member")
	_, err := m.svc.PayAllFines(ctx, member, "cash")
	accept(t, "pay all", err)
}

func (m *lendingMachine) Advance(t *rapid.T) {
	m.clock.Advance(time.Duration(rapid.IntRange(1, 96).Draw(t, "hours")) * time.Hour)
}

func (m *lendingMachine) Sweep(t *rapid.T) {
	_, err := m.svc.SweepExpiredReservations(ctx, m.clock.Now())
	accept(t, "sweep", err)
}

func (m *lendingMachine) Check(t *rapid.T) {
	active := m.activeLoans(t)
	loansByTitle := make(map[uuid.UUID]int)
	loansByMember := make(map[uuid.UUID]int)
	for _, l := range active {
		loansByTitle[l.TitleID]++
		loansByMember[l.MemberID]++
	}

	for _, id := range m.titles {
		title, err := m.store.Title(ctx, id)
		if err != nil {
			t.Fatalf("title: %v", err)
		}
		if !title.Valid() {
			t.Fatalf("title %s copy counts out of bounds: %+v", title.Name, title)
		}
		if out := title.TotalCopies - title.AvailableCopies; out != loansByTitle[id] {
			t.Fatalf("title %s has %d copies out but %d active loans", title.Name, out, loansByTitle[id])
		}

		open, err := m.store.OpenReservationsByTitle(ctx, id)
		if err != nil {
			t.Fatalf("reservations: %v", err)
		}
		q := reservation.NewQueue(id, open)
		if q.Earmarked() > title.AvailableCopies {
			t.Fatalf("title %s earmarks %d copies with %d on the shelf", title.Name, q.Earmarked(), title.AvailableCopies)
		}
		if q.Len() > 0 && title.FreeCopies(q.Earmarked()) > 0 {
			t.Fatalf("title %s has a free copy while %d members wait", title.Name, q.Len())
		}
		for i, r := range q.Pending() {
			if r.QueuePosition != i+1 {
				t.Fatalf("title %s pending positions not contiguous at %d: %d", title.Name, i+1, r.QueuePosition)
			}
		}
	}

	for _, id := range m.members {
		member, err := m.store.Member(ctx, id)
		if err != nil {
			t.Fatalf("member: %v", err)
		}
		if member.CurrentBorrowed != loansByMember[id] {
			t.Fatalf("member %s counts %d loans, has %d", member.Name, member.CurrentBorrowed, loansByMember[id])
		}
		if member.CurrentBorrowed > member.MaxBooksAllowed {
			t.Fatalf("member %s over the borrow limit", member.Name)
		}
		unpaid, err := m.store.FinesByMember(ctx, id, true)
		if err != nil {
			t.Fatalf("fines: %v", err)
		}
		if sum := fines.Outstanding(unpaid); !sum.Equal(member.OutstandingFines) {
			t.Fatalf("member %s owes %s but unpaid fines sum to %s", member.Name, member.OutstandingFines, sum)
		}
	}
}

func TestLendingInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := newLendingMachine()
		t.Repeat(map[string]func(*rapid.T){
			"borrow":  m.Borrow,
			"return":  m.Return,
			"renew":   m.Renew,
			"lost":    m.MarkLost,
			"reserve": m.Reserve,
			"cancel":  m.Cancel,
			"pay_all": m.PayAll,
			"advance": m.Advance,
			"sweep":   m.Sweep,
			"":        m.Check,
		})
	})
}
