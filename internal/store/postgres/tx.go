package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"libralend/internal/fines"
	"libralend/internal/inventory"
	"libralend/internal/loan"
	"libralend/internal/membership"
	"libralend/internal/reservation"
	"libralend/internal/store"
	"libralend/pkg/eventstore"
)

var _ store.Tx = (*tx)(nil)

type tx struct {
	queries
	tx     *sqlx.Tx
	events *eventstore.EventStore
}

// update runs a version-guarded UPDATE. No matching row means another
// writer moved the version first.
func (t *tx) update(ctx context.Context, what string, query string, args ...interface{}) error {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", what, translate(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("update %s: %w", what, store.ErrConflict)
	}
	return nil
}

func (t *tx) insert(ctx context.Context, what string, query string, arg interface{}) error {
	if _, err := t.tx.NamedExecContext(ctx, query, arg); err != nil {
		return fmt.Errorf("insert %s: %w", what, translate(err))
	}
	return nil
}

func (t *tx) SaveTitle(ctx context.Context, title *inventory.Title) error {
	err := t.update(ctx, "title "+title.ID.String(), `
		UPDATE titles
		SET total_copies = $1, available_copies = $2, version = version + 1, updated_at = NOW()
		WHERE id = $3 AND version = $4
	`, title.TotalCopies, title.AvailableCopies, title.ID, title.Version)
	if err != nil {
		return err
	}
	title.Version++
	return nil
}

func (t *tx) SaveMember(ctx context.Context, m *membership.Member) error {
	err := t.update(ctx, "member "+m.ID.String(), `
		UPDATE members
		SET current_borrowed = $1, outstanding_fines = $2, active = $3, version = version + 1, updated_at = NOW()
		WHERE id = $4 AND version = $5
	`, m.CurrentBorrowed, m.OutstandingFines, m.Active, m.ID, m.Version)
	if err != nil {
		return err
	}
	m.Version++
	return nil
}

func (t *tx) InsertLoan(ctx context.Context, l *loan.Loan) error {
	l.Version = 1
	return t.insert(ctx, "loan "+l.ID.String(), `
		INSERT INTO loans (id, title_id, member_id, borrow_date, due_date, return_date, status, renewal_count, fine_amount, fine_paid, version)
		VALUES (:id, :title_id, :member_id, :borrow_date, :due_date, :return_date, :status, :renewal_count, :fine_amount, :fine_paid, :version)
	`, newLoanRow(l))
}

func (t *tx) SaveLoan(ctx context.Context, l *loan.Loan) error {
	row := newLoanRow(l)
	err := t.update(ctx, "loan "+l.ID.String(), `
		UPDATE loans
		SET due_date = $1, return_date = $2, status = $3, renewal_count = $4,
		    fine_amount = $5, fine_paid = $6, version = version + 1
		WHERE id = $7 AND version = $8
	`, row.DueDate, row.ReturnDate, row.Status, row.RenewalCount, row.FineAmount, row.FinePaid, row.ID, row.Version)
	if err != nil {
		return err
	}
	l.Version++
	return nil
}

func (t *tx) InsertReservation(ctx context.Context, r *reservation.Reservation) error {
	r.Version = 1
	return t.insert(ctx, "reservation "+r.ID.String(), `
		INSERT INTO reservations (id, title_id, member_id, reserved_at, status, queue_position, notified_at, expires_at, version)
		VALUES (:id, :title_id, :member_id, :reserved_at, :status, :queue_position, :notified_at, :expires_at, :version)
	`, newReservationRow(r))
}

func (t *tx) SaveReservation(ctx context.Context, r *reservation.Reservation) error {
	row := newReservationRow(r)
	err := t.update(ctx, "reservation "+r.ID.String(), `
		UPDATE reservations
		SET status = $1, queue_position = $2, notified_at = $3, expires_at = $4, version = version + 1
		WHERE id = $5 AND version = $6
	`, row.Status, row.QueuePosition, row.NotifiedAt, row.ExpiresAt, row.ID, row.Version)
	if err != nil {
		return err
	}
	r.Version++
	return nil
}

func (t *tx) InsertFine(ctx context.Context, f *fines.Fine) error {
	f.Version = 1
	return t.insert(ctx, "fine "+f.ID.String(), `
		INSERT INTO fines (id, member_id, loan_id, amount, fine_type, note, is_paid, paid_at, payment_method, created_at, version)
		VALUES (:id, :member_id, :loan_id, :amount, :fine_type, :note, :is_paid, :paid_at, :payment_method, :created_at, :version)
	`, newFineRow(f))
}

func (t *tx) SaveFine(ctx context.Context, f *fines.Fine) error {
	err := t.update(ctx, "fine "+f.ID.String(), `
		UPDATE fines
		SET is_paid = $1, paid_at = $2, payment_method = $3, version = version + 1
		WHERE id = $4 AND version = $5
	`, f.IsPaid, nullTime(f.PaidAt), f.PaymentMethod, f.ID, f.Version)
	if err != nil {
		return err
	}
	f.Version++
	return nil
}

func (t *tx) Append(ctx context.Context, events ...eventstore.Event) error {
	if err := t.events.AppendTx(ctx, t.tx, events); err != nil {
		return fmt.Errorf("append events: %w", translate(err))
	}
	return nil
}
