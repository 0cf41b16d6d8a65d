package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"libralend/internal/fines"
	"libralend/internal/inventory"
	"libralend/internal/loan"
	"libralend/internal/membership"
	"libralend/internal/reservation"
)

const dialectPostgres = "postgres"

var (
	dialect    = goqu.Dialect(dialectPostgres)
	openStatus = []string{reservation.StatusPending.String(), reservation.StatusAvailable.String()}
)

// queries implements store.Reader over a pool or a transaction.
type queries struct {
	q sqlx.QueryerContext
}

func (r queries) get(ctx context.Context, dest interface{}, ds *goqu.SelectDataset) error {
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if err := sqlx.GetContext(ctx, r.q, dest, query, args...); err != nil {
		return translate(err)
	}
	return nil
}

func (r queries) selectAll(ctx context.Context, dest interface{}, ds *goqu.SelectDataset) error {
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if err := sqlx.SelectContext(ctx, r.q, dest, query, args...); err != nil {
		return translate(err)
	}
	return nil
}

func (r queries) Title(ctx context.Context, id uuid.UUID) (*inventory.Title, error) {
	var row titleRow
	ds := dialect.From("titles").Select(titleCols...).Where(goqu.Ex{"id": id})
	if err := r.get(ctx, &row, ds); err != nil {
		return nil, fmt.Errorf("load title %s: %w", id, err)
	}
	return row.domain(), nil
}

func (r queries) Member(ctx context.Context, id uuid.UUID) (*membership.Member, error) {
	var row memberRow
	ds := dialect.From("members").Select(memberCols...).Where(goqu.Ex{"id": id})
	if err := r.get(ctx, &row, ds); err != nil {
		return nil, fmt.Errorf("load member %s: %w", id, err)
	}
	return row.domain()
}

func (r queries) Loan(ctx context.Context, id uuid.UUID) (*loan.Loan, error) {
	var row loanRow
	ds := dialect.From("loans").Select(loanCols...).Where(goqu.Ex{"id": id})
	if err := r.get(ctx, &row, ds); err != nil {
		return nil, fmt.Errorf("load loan %s: %w", id, err)
	}
	return row.domain()
}

func (r queries) loans(ctx context.Context, where goqu.Ex) ([]*loan.Loan, error) {
	var rows []loanRow
	ds := dialect.From("loans").Select(loanCols...).Where(where).
		Order(goqu.C("borrow_date").Desc(), goqu.C("id").Asc())
	if err := r.selectAll(ctx, &rows, ds); err != nil {
		return nil, fmt.Errorf("list loans: %w", err)
	}
	out := make([]*loan.Loan, 0, len(rows))
	for _, row := range rows {
		l, err := row.domain()
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func (r queries) LoansByMember(ctx context.Context, memberID uuid.UUID, activeOnly bool) ([]*loan.Loan, error) {
	where := goqu.Ex{"member_id": memberID}
	if activeOnly {
		where["status"] = loan.StatusActive.String()
	}
	return r.loans(ctx, where)
}

func (r queries) ActiveLoans(ctx context.Context) ([]*loan.Loan, error) {
	return r.loans(ctx, goqu.Ex{"status": loan.StatusActive.String()})
}

func (r queries) Reservation(ctx context.Context, id uuid.UUID) (*reservation.Reservation, error) {
	var row reservationRow
	ds := dialect.From("reservations").Select(reservationCols...).Where(goqu.Ex{"id": id})
	if err := r.get(ctx, &row, ds); err != nil {
		return nil, fmt.Errorf("load reservation %s: %w", id, err)
	}
	return row.domain()
}

func (r queries) reservations(ctx context.Context, where goqu.Ex) ([]*reservation.Reservation, error) {
	var rows []reservationRow
	ds := dialect.From("reservations").Select(reservationCols...).Where(where).
		Order(goqu.C("reserved_at").Asc(), goqu.C("queue_position").Asc())
	if err := r.selectAll(ctx, &rows, ds); err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	out := make([]*reservation.Reservation, 0, len(rows))
	for _, row := range rows {
		res, err := row.domain()
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (r queries) OpenReservationsByTitle(ctx context.Context, titleID uuid.UUID) ([]*reservation.Reservation, error) {
	return r.reservations(ctx, goqu.Ex{"title_id": titleID, "status": openStatus})
}

func (r queries) OpenReservationsByMember(ctx context.Context, memberID uuid.UUID) ([]*reservation.Reservation, error) {
	return r.reservations(ctx, goqu.Ex{"member_id": memberID, "status": openStatus})
}

func (r queries) TitlesWithExpiredReservations(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	ds := dialect.From("reservations").Select("title_id").Distinct().
		Where(
			goqu.C("status").Eq(reservation.StatusAvailable.String()),
			goqu.C("expires_at").Lt(now.UTC()),
		).
		Order(goqu.C("title_id").Asc())
	if err := r.selectAll(ctx, &ids, ds); err != nil {
		return nil, fmt.Errorf("list titles with expired holds: %w", err)
	}
	return ids, nil
}

func (r queries) Fine(ctx context.Context, id uuid.UUID) (*fines.Fine, error) {
	var row fineRow
	ds := dialect.From("fines").Select(fineCols...).Where(goqu.Ex{"id": id})
	if err := r.get(ctx, &row, ds); err != nil {
		return nil, fmt.Errorf("load fine %s: %w", id, err)
	}
	return row.domain()
}

func (r queries) fines(ctx context.Context, where goqu.Ex) ([]*fines.Fine, error) {
	var rows []fineRow
	ds := dialect.From("fines").Select(fineCols...).Where(where).
		Order(goqu.C("created_at").Asc(), goqu.C("id").Asc())
	if err := r.selectAll(ctx, &rows, ds); err != nil {
		return nil, fmt.Errorf("list fines: %w", err)
	}
	out := make([]*fines.Fine, 0, len(rows))
	for _, row := range rows {
		f, err := row.domain()
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (r queries) FinesByMember(ctx context.Context, memberID uuid.UUID, unpaidOnly bool) ([]*fines.Fine, error) {
	where := goqu.Ex{"member_id": memberID}
	if unpaidOnly {
		where["is_paid"] = false
	}
	return r.fines(ctx, where)
}

func (r queries) UnpaidFines(ctx context.Context) ([]*fines.Fine, error) {
	return r.fines(ctx, goqu.Ex{"is_paid": false})
}
