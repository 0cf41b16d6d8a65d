// Package memory is an in-process implementation of store.Store.
//
// Units of work are serialized per aggregate key through a fixed table of
// striped mutexes. Writes are staged on the transaction and validated
// against the committed versions before they are published.
package memory

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"libralend/internal/fines"
	"libralend/internal/inventory"
	"libralend/internal/loan"
	"libralend/internal/membership"
	"libralend/internal/reservation"
	"libralend/internal/store"
	"libralend/pkg/eventstore"
)

const stripeCount = 256

var _ store.Store = (*Store)(nil)

type Store struct {
	stripes [stripeCount]sync.Mutex

	mu           sync.RWMutex
	titles       *table[inventory.Title]
	members      *table[membership.Member]
	loans        *table[loan.Loan]
	reservations *table[reservation.Reservation]
	fines        *table[fines.Fine]
	journal      *eventstore.Journal
}

func New() *Store {
	return &Store{
		titles: newTable(
			func(t *inventory.Title) *int { return &t.Version },
			(*inventory.Title).Clone,
		),
		members: newTable(
			func(m *membership.Member) *int { return &m.Version },
			(*membership.Member).Clone,
		),
		loans: newTable(
			func(l *loan.Loan) *int { return &l.Version },
			(*loan.Loan).Clone,
		),
		reservations: newTable(
			func(r *reservation.Reservation) *int { return &r.Version },
			(*reservation.Reservation).Clone,
		),
		fines: newTable(
			func(f *fines.Fine) *int { return &f.Version },
			(*fines.Fine).Clone,
		),
		journal: eventstore.NewJournal(),
	}
}

func stripeOf(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % stripeCount)
}

// lock acquires the stripes of keys in ascending order and returns the
// matching unlock.
func (s *Store) lock(keys []string) func() {
	seen := make(map[int]bool, len(keys))
	var idx []int
	for _, k := range store.SortedKeys(keys) {
		i := stripeOf(k)
		if !seen[i] {
			seen[i] = true
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	for _, i := range idx {
		s.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			s.stripes[idx[j]].Unlock()
		}
	}
}

func (s *Store) WithinTx(ctx context.Context, keys []string, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.lock(keys)
	defer unlock()

	tx := newTx(s)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.commit()
}

func (s *Store) History(_ context.Context, aggregateID uuid.UUID) ([]eventstore.Event, error) {
	return s.journal.Load(aggregateID), nil
}

func (s *Store) Events(_ context.Context, afterID int64, limit int) ([]eventstore.Event, error) {
	return s.journal.Stream(afterID, limit), nil
}

func (s *Store) UpsertTitle(_ context.Context, t *inventory.Title) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles.upsert(t.ID, t)
	return nil
}

func (s *Store) UpsertMember(_ context.Context, m *membership.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members.upsert(m.ID, m)
	return nil
}

// SeedTitle registers a title with every copy on the shelf.
func (s *Store) SeedTitle(name string, copies int) *inventory.Title {
	t := inventory.NewTitle(uuid.New(), name, copies)
	_ = s.UpsertTitle(context.Background(), t)
	return t
}

// SeedMember registers an active member of the given tier.
func (s *Store) SeedMember(name string, tier membership.Tier) *membership.Member {
	m := membership.NewMember(uuid.New(), name, tier)
	_ = s.UpsertMember(context.Background(), m)
	return m
}

// reads runs the committed-state queries shared by Store and tx.
type reads struct {
	mu           *sync.RWMutex
	titles       func(uuid.UUID) (*inventory.Title, error)
	members      func(uuid.UUID) (*membership.Member, error)
	loan         func(uuid.UUID) (*loan.Loan, error)
	loans        func(func(*loan.Loan) bool) []*loan.Loan
	reservation  func(uuid.UUID) (*reservation.Reservation, error)
	reservations func(func(*reservation.Reservation) bool) []*reservation.Reservation
	fine         func(uuid.UUID) (*fines.Fine, error)
	fines        func(func(*fines.Fine) bool) []*fines.Fine
}

func (s *Store) reads() reads {
	return reads{
		mu:           &s.mu,
		titles:       s.titles.get,
		members:      s.members.get,
		loan:         s.loans.get,
		loans:        s.loans.filter,
		reservation:  s.reservations.get,
		reservations: s.reservations.filter,
		fine:         s.fines.get,
		fines:        s.fines.filter,
	}
}

func (s *Store) Title(ctx context.Context, id uuid.UUID) (*inventory.Title, error) {
	return s.reads().Title(ctx, id)
}

func (s *Store) Member(ctx context.Context, id uuid.UUID) (*membership.Member, error) {
	return s.reads().Member(ctx, id)
}

func (s *Store) Loan(ctx context.Context, id uuid.UUID) (*loan.Loan, error) {
	return s.reads().Loan(ctx, id)
}

func (s *Store) LoansByMember(ctx context.Context, memberID uuid.UUID, activeOnly bool) ([]*loan.Loan, error) {
	return s.reads().LoansByMember(ctx, memberID, activeOnly)
}

func (s *Store) ActiveLoans(ctx context.Context) ([]*loan.Loan, error) {
	return s.reads().ActiveLoans(ctx)
}

func (s *Store) Reservation(ctx context.Context, id uuid.UUID) (*reservation.Reservation, error) {
	return s.reads().Reservation(ctx, id)
}

func (s *Store) OpenReservationsByTitle(ctx context.Context, titleID uuid.UUID) ([]*reservation.Reservation, error) {
	return s.reads().OpenReservationsByTitle(ctx, titleID)
}

func (s *Store) OpenReservationsByMember(ctx context.Context, memberID uuid.UUID) ([]*reservation.Reservation, error) {
	return s.reads().OpenReservationsByMember(ctx, memberID)
}

func (s *Store) TitlesWithExpiredReservations(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	return s.reads().TitlesWithExpiredReservations(ctx, now)
}

func (s *Store) Fine(ctx context.Context, id uuid.UUID) (*fines.Fine, error) {
	return s.reads().Fine(ctx, id)
}

func (s *Store) FinesByMember(ctx context.Context, memberID uuid.UUID, unpaidOnly bool) ([]*fines.Fine, error) {
	return s.reads().FinesByMember(ctx, memberID, unpaidOnly)
}

func (s *Store) UnpaidFines(ctx context.Context) ([]*fines.Fine, error) {
	return s.reads().UnpaidFines(ctx)
}

func (r reads) Title(_ context.Context, id uuid.UUID) (*inventory.Title, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.titles(id)
}

func (r reads) Member(_ context.Context, id uuid.UUID) (*membership.Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.members(id)
}

func (r reads) Loan(_ context.Context, id uuid.UUID) (*loan.Loan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loan(id)
}

func (r reads) LoansByMember(_ context.Context, memberID uuid.UUID, activeOnly bool) ([]*loan.Loan, error) {
	r.mu.RLock()
	out := r.loans(func(l *loan.Loan) bool {
		return l.MemberID == memberID && (!activeOnly || l.Status == loan.StatusActive)
	})
	r.mu.RUnlock()
	sortLoans(out)
	return out, nil
}

func (r reads) ActiveLoans(_ context.Context) ([]*loan.Loan, error) {
	r.mu.RLock()
	out := r.loans(func(l *loan.Loan) bool { return l.Status == loan.StatusActive })
	r.mu.RUnlock()
	sortLoans(out)
	return out, nil
}

func (r reads) Reservation(_ context.Context, id uuid.UUID) (*reservation.Reservation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reservation(id)
}

func (r reads) OpenReservationsByTitle(_ context.Context, titleID uuid.UUID) ([]*reservation.Reservation, error) {
	r.mu.RLock()
	out := r.reservations(func(res *reservation.Reservation) bool {
		return res.TitleID == titleID && res.Status.Open()
	})
	r.mu.RUnlock()
	sortReservations(out)
	return out, nil
}

func (r reads) OpenReservationsByMember(_ context.Context, memberID uuid.UUID) ([]*reservation.Reservation, error) {
	r.mu.RLock()
	out := r.reservations(func(res *reservation.Reservation) bool {
		return res.MemberID == memberID && res.Status.Open()
	})
	r.mu.RUnlock()
	sortReservations(out)
	return out, nil
}

func (r reads) TitlesWithExpiredReservations(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	r.mu.RLock()
	stale := r.reservations(func(res *reservation.Reservation) bool { return res.Stale(now) })
	r.mu.RUnlock()

	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, res := range stale {
		if !seen[res.TitleID] {
			seen[res.TitleID] = true
			out = append(out, res.TitleID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (r reads) Fine(_ context.Context, id uuid.UUID) (*fines.Fine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fine(id)
}

func (r reads) FinesByMember(_ context.Context, memberID uuid.UUID, unpaidOnly bool) ([]*fines.Fine, error) {
	r.mu.RLock()
	out := r.fines(func(f *fines.Fine) bool {
		return f.MemberID == memberID && (!unpaidOnly || !f.IsPaid)
	})
	r.mu.RUnlock()
	sortFines(out)
	return out, nil
}

func (r reads) UnpaidFines(_ context.Context) ([]*fines.Fine, error) {
	r.mu.RLock()
	out := r.fines(func(f *fines.Fine) bool { return !f.IsPaid })
	r.mu.RUnlock()
	sortFines(out)
	return out, nil
}

func sortLoans(ls []*loan.Loan) {
	sort.Slice(ls, func(i, j int) bool {
		if !ls[i].BorrowDate.Equal(ls[j].BorrowDate) {
			return ls[i].BorrowDate.After(ls[j].BorrowDate)
		}
		return ls[i].ID.String() < ls[j].ID.String()
	})
}

func sortReservations(rs []*reservation.Reservation) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].ReservedAt.Equal(rs[j].ReservedAt) {
			return rs[i].ReservedAt.Before(rs[j].ReservedAt)
		}
		return rs[i].QueuePosition < rs[j].QueuePosition
	})
}

func sortFines(fs []*fines.Fine) {
	sort.Slice(fs, func(i, j int) bool {
		if !fs[i].CreatedAt.Equal(fs[j].CreatedAt) {
			return fs[i].CreatedAt.Before(fs[j].CreatedAt)
		}
		return fs[i].ID.String() < fs[j].ID.String()
	})
}
