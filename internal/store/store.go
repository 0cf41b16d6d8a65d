// Package store defines the persistence boundary of the lending core.
//
// A unit of work runs through Store.WithinTx. The caller names the aggregate
// roots it will touch (TitleKey, MemberKey); implementations serialize units
// of work that share a key and acquire keys in sorted order, so two units of
// work never deadlock on each other. Every Save checks the record's Version
// and bumps it; a mismatch surfaces as ErrConflict.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"libralend/internal/fines"
	"libralend/internal/inventory"
	"libralend/internal/loan"
	"libralend/internal/membership"
	"libralend/internal/reservation"
	"libralend/pkg/eventstore"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("concurrent modification detected")
)

func TitleKey(id uuid.UUID) string  { return "title:" + id.String() }
func MemberKey(id uuid.UUID) string { return "member:" + id.String() }

// SortedKeys returns the distinct keys in lock order.
func SortedKeys(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Reader is the read side shared by the store and its transactions. Returned
// records are private copies; mutating them has no effect until saved.
type Reader interface {
	Title(ctx context.Context, id uuid.UUID) (*inventory.Title, error)
	Member(ctx context.Context, id uuid.UUID) (*membership.Member, error)

	Loan(ctx context.Context, id uuid.UUID) (*loan.Loan, error)
	// LoansByMember returns the member's loans, newest first.
	LoansByMember(ctx context.Context, memberID uuid.UUID, activeOnly bool) ([]*loan.Loan, error)
	ActiveLoans(ctx context.Context) ([]*loan.Loan, error)

	Reservation(ctx context.Context, id uuid.UUID) (*reservation.Reservation, error)
	// OpenReservationsByTitle returns the Pending and Available
	// reservations of a title.
	OpenReservationsByTitle(ctx context.Context, titleID uuid.UUID) ([]*reservation.Reservation, error)
	OpenReservationsByMember(ctx context.Context, memberID uuid.UUID) ([]*reservation.Reservation, error)
	// TitlesWithExpiredReservations lists titles holding an Available
	// reservation whose hold lapsed before now.
	TitlesWithExpiredReservations(ctx context.Context, now time.Time) ([]uuid.UUID, error)

	Fine(ctx context.Context, id uuid.UUID) (*fines.Fine, error)
	FinesByMember(ctx context.Context, memberID uuid.UUID, unpaidOnly bool) ([]*fines.Fine, error)
	UnpaidFines(ctx context.Context) ([]*fines.Fine, error)
}

// Tx is a unit of work. Writes become visible to other readers only when
// the function passed to WithinTx returns nil.
type Tx interface {
	Reader

	SaveTitle(ctx context.Context, t *inventory.Title) error
	SaveMember(ctx context.Context, m *membership.Member) error
	InsertLoan(ctx context.Context, l *loan.Loan) error
	SaveLoan(ctx context.Context, l *loan.Loan) error
	InsertReservation(ctx context.Context, r *reservation.Reservation) error
	SaveReservation(ctx context.Context, r *reservation.Reservation) error
	InsertFine(ctx context.Context, f *fines.Fine) error
	SaveFine(ctx context.Context, f *fines.Fine) error

	// Append journals events with the state changes of this unit of work.
	Append(ctx context.Context, events ...eventstore.Event) error
}

// Store owns the records and the event journal.
type Store interface {
	Reader

	// WithinTx runs fn while holding the given keys. fn's error aborts
	// every write it made.
	WithinTx(ctx context.Context, keys []string, fn func(ctx context.Context, tx Tx) error) error

	// History returns the journal of one aggregate in version order.
	History(ctx context.Context, aggregateID uuid.UUID) ([]eventstore.Event, error)
	// Events pages through the whole journal by event id.
	Events(ctx context.Context, afterID int64, limit int) ([]eventstore.Event, error)

	UpsertTitle(ctx context.Context, t *inventory.Title) error
	UpsertMember(ctx context.Context, m *membership.Member) error
}
