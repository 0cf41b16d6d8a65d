package memory

import (
	"context"

	"github.com/google/uuid"

	"libralend/internal/fines"
	"libralend/internal/inventory"
	"libralend/internal/loan"
	"libralend/internal/membership"
	"libralend/internal/reservation"
	"libralend/internal/store"
	"libralend/pkg/eventstore"
)

type tx struct {
	reads
	s *Store

	titles       *staging[inventory.Title]
	members      *staging[membership.Member]
	loans        *staging[loan.Loan]
	reservations *staging[reservation.Reservation]
	fines        *staging[fines.Fine]
	events       []eventstore.Event
}

func newTx(s *Store) *tx {
	t := &tx{
		s:            s,
		titles:       newStaging(s.titles),
		members:      newStaging(s.members),
		loans:        newStaging(s.loans),
		reservations: newStaging(s.reservations),
		fines:        newStaging(s.fines),
	}
	t.reads = reads{
		mu:           &s.mu,
		titles:       t.titles.get,
		members:      t.members.get,
		loan:         t.loans.get,
		loans:        t.loans.filter,
		reservation:  t.reservations.get,
		reservations: t.reservations.filter,
		fine:         t.fines.get,
		fines:        t.fines.filter,
	}
	return t
}

func (t *tx) SaveTitle(_ context.Context, title *inventory.Title) error {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.titles.save(title.ID, title)
}

func (t *tx) SaveMember(_ context.Context, m *membership.Member) error {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.members.save(m.ID, m)
}

func (t *tx) InsertLoan(_ context.Context, l *loan.Loan) error {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.loans.insert(l.ID, l)
}

func (t *tx) SaveLoan(_ context.Context, l *loan.Loan) error {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.loans.save(l.ID, l)
}

func (t *tx) InsertReservation(_ context.Context, r *reservation.Reservation) error {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.reservations.insert(r.ID, r)
}

func (t *tx) SaveReservation(_ context.Context, r *reservation.Reservation) error {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.reservations.save(r.ID, r)
}

func (t *tx) InsertFine(_ context.Context, f *fines.Fine) error {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.fines.insert(f.ID, f)
}

func (t *tx) SaveFine(_ context.Context, f *fines.Fine) error {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.fines.save(f.ID, f)
}

func (t *tx) Append(_ context.Context, events ...eventstore.Event) error {
	for _, e := range events {
		if e.AggregateID == uuid.Nil {
			return eventstore.ErrEmptyAggregate
		}
	}
	t.events = append(t.events, events...)
	return nil
}

// commit validates every staged write against the committed versions and
// publishes all of them, or none.
func (t *tx) commit() error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	for _, validate := range []func() error{
		t.titles.validate,
		t.members.validate,
		t.loans.validate,
		t.reservations.validate,
		t.fines.validate,
	} {
		if err := validate(); err != nil {
			return err
		}
	}
	if err := t.s.journal.Append(t.events); err != nil {
		return err
	}

	t.titles.apply()
	t.members.apply()
	t.loans.apply()
	t.reservations.apply()
	t.fines.apply()
	return nil
}

var _ store.Tx = (*tx)(nil)
