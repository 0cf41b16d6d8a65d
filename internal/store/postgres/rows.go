package postgres

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"libralend/internal/fines"
	"libralend/internal/inventory"
	"libralend/internal/loan"
	"libralend/internal/membership"
	"libralend/internal/reservation"
)

var (
	titleCols       = []interface{}{"id", "name", "total_copies", "available_copies", "version", "updated_at"}
	memberCols      = []interface{}{"id", "name", "membership_tier", "active", "max_books_allowed", "current_borrowed", "outstanding_fines", "version", "updated_at"}
	loanCols        = []interface{}{"id", "title_id", "member_id", "borrow_date", "due_date", "return_date", "status", "renewal_count", "fine_amount", "fine_paid", "version"}
	reservationCols = []interface{}{"id", "title_id", "member_id", "reserved_at", "status", "queue_position", "notified_at", "expires_at", "version"}
	fineCols        = []interface{}{"id", "member_id", "loan_id", "amount", "fine_type", "note", "is_paid", "paid_at", "payment_method", "created_at", "version"}
)

type titleRow struct {
	ID              uuid.UUID `db:"id"`
	Name            string    `db:"name"`
	TotalCopies     int       `db:"total_copies"`
	AvailableCopies int       `db:"available_copies"`
	Version         int       `db:"version"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r titleRow) domain() *inventory.Title {
	return &inventory.Title{
		ID:              r.ID,
		Name:            r.Name,
		TotalCopies:     r.TotalCopies,
		AvailableCopies: r.AvailableCopies,
		Version:         r.Version,
		UpdatedAt:       r.UpdatedAt,
	}
}

type memberRow struct {
	ID               uuid.UUID       `db:"id"`
	Name             string          `db:"name"`
	Tier             string          `db:"membership_tier"`
	Active           bool            `db:"active"`
	MaxBooksAllowed  int             `db:"max_books_allowed"`
	CurrentBorrowed  int             `db:"current_borrowed"`
	OutstandingFines decimal.Decimal `db:"outstanding_fines"`
	Version          int             `db:"version"`
	UpdatedAt        time.Time       `db:"updated_at"`
}

func (r memberRow) domain() (*membership.Member, error) {
	tier, err := membership.ParseTier(r.Tier)
	if err != nil {
		return nil, fmt.Errorf("member %s: %w", r.ID, err)
	}
	return &membership.Member{
		ID:               r.ID,
		Name:             r.Name,
		Tier:             tier,
		Active:           r.Active,
		MaxBooksAllowed:  r.MaxBooksAllowed,
		CurrentBorrowed:  r.CurrentBorrowed,
		OutstandingFines: r.OutstandingFines,
		Version:          r.Version,
		UpdatedAt:        r.UpdatedAt,
	}, nil
}

type loanRow struct {
	ID           uuid.UUID           `db:"id"`
	TitleID      uuid.UUID           `db:"title_id"`
	MemberID     uuid.UUID           `db:"member_id"`
	BorrowDate   time.Time           `db:"borrow_date"`
	DueDate      time.Time           `db:"due_date"`
	ReturnDate   sql.NullTime        `db:"return_date"`
	Status       string              `db:"status"`
	RenewalCount int                 `db:"renewal_count"`
	FineAmount   decimal.NullDecimal `db:"fine_amount"`
	FinePaid     sql.NullBool        `db:"fine_paid"`
	Version      int                 `db:"version"`
}

func newLoanRow(l *loan.Loan) loanRow {
	row := loanRow{
		ID:           l.ID,
		TitleID:      l.TitleID,
		MemberID:     l.MemberID,
		BorrowDate:   l.BorrowDate,
		DueDate:      l.DueDate,
		Status:       l.Status.String(),
		RenewalCount: l.RenewalCount,
		Version:      l.Version,
	}
	if l.ReturnDate != nil {
		row.ReturnDate = sql.NullTime{Time: *l.ReturnDate, Valid: true}
	}
	if l.FineAmount != nil {
		row.FineAmount = decimal.NewNullDecimal(*l.FineAmount)
	}
	if l.FinePaid != nil {
		row.FinePaid = sql.NullBool{Bool: *l.FinePaid, Valid: true}
	}
	return row
}

func (r loanRow) domain() (*loan.Loan, error) {
	status, err := loan.ParseStatus(r.Status)
	if err != nil {
		return nil, fmt.Errorf("loan %s: %w", r.ID, err)
	}
	l := &loan.Loan{
		ID:           r.ID,
		TitleID:      r.TitleID,
		MemberID:     r.MemberID,
		BorrowDate:   r.BorrowDate.UTC(),
		DueDate:      r.DueDate.UTC(),
		Status:       status,
		RenewalCount: r.RenewalCount,
		Version:      r.Version,
	}
	if r.ReturnDate.Valid {
		d := r.ReturnDate.Time.UTC()
		l.ReturnDate = &d
	}
	if r.FineAmount.Valid {
		a := r.FineAmount.Decimal
		l.FineAmount = &a
	}
	if r.FinePaid.Valid {
		p := r.FinePaid.Bool
		l.FinePaid = &p
	}
	return l, nil
}

type reservationRow struct {
	ID            uuid.UUID    `db:"id"`
	TitleID       uuid.UUID    `db:"title_id"`
	MemberID      uuid.UUID    `db:"member_id"`
	ReservedAt    time.Time    `db:"reserved_at"`
	Status        string       `db:"status"`
	QueuePosition int          `db:"queue_position"`
	NotifiedAt    sql.NullTime `db:"notified_at"`
	ExpiresAt     sql.NullTime `db:"expires_at"`
	Version       int          `db:"version"`
}

func newReservationRow(r *reservation.Reservation) reservationRow {
	return reservationRow{
		ID:            r.ID,
		TitleID:       r.TitleID,
		MemberID:      r.MemberID,
		ReservedAt:    r.ReservedAt,
		Status:        r.Status.String(),
		QueuePosition: r.QueuePosition,
		NotifiedAt:    nullTime(r.NotifiedAt),
		ExpiresAt:     nullTime(r.ExpiresAt),
		Version:       r.Version,
	}
}

func (r reservationRow) domain() (*reservation.Reservation, error) {
	status, err := reservation.ParseStatus(r.Status)
	if err != nil {
		return nil, fmt.Errorf("reservation %s: %w", r.ID, err)
	}
	return &reservation.Reservation{
		ID:            r.ID,
		TitleID:       r.TitleID,
		MemberID:      r.MemberID,
		ReservedAt:    r.ReservedAt.UTC(),
		Status:        status,
		QueuePosition: r.QueuePosition,
		NotifiedAt:    timePtr(r.NotifiedAt),
		ExpiresAt:     timePtr(r.ExpiresAt),
		Version:       r.Version,
	}, nil
}

type fineRow struct {
	ID            uuid.UUID       `db:"id"`
	MemberID      uuid.UUID       `db:"member_id"`
	LoanID        uuid.NullUUID   `db:"loan_id"`
	Amount        decimal.Decimal `db:"amount"`
	Type          string          `db:"fine_type"`
	Note          string          `db:"note"`
	IsPaid        bool            `db:"is_paid"`
	PaidAt        sql.NullTime    `db:"paid_at"`
	PaymentMethod string          `db:"payment_method"`
	CreatedAt     time.Time       `db:"created_at"`
	Version       int             `db:"version"`
}

func newFineRow(f *fines.Fine) fineRow {
	row := fineRow{
		ID:            f.ID,
		MemberID:      f.MemberID,
		Amount:        f.Amount,
		Type:          f.Type.String(),
		Note:          f.Note,
		IsPaid:        f.IsPaid,
		PaidAt:        nullTime(f.PaidAt),
		PaymentMethod: f.PaymentMethod,
		CreatedAt:     f.CreatedAt,
		Version:       f.Version,
	}
	if f.LoanID != nil {
		row.LoanID = uuid.NullUUID{UUID: *f.LoanID, Valid: true}
	}
	return row
}

func (r fineRow) domain() (*fines.Fine, error) {
	t, err := fines.ParseType(r.Type)
	if err != nil {
		return nil, fmt.Errorf("fine %s: %w", r.ID, err)
	}
	f := &fines.Fine{
		ID:            r.ID,
		MemberID:      r.MemberID,
		Amount:        r.Amount,
		Type:          t,
		Note:          r.Note,
		IsPaid:        r.IsPaid,
		PaidAt:        timePtr(r.PaidAt),
		PaymentMethod: r.PaymentMethod,
		CreatedAt:     r.CreatedAt.UTC(),
		Version:       r.Version,
	}
	if r.LoanID.Valid {
		id := r.LoanID.UUID
		f.LoanID = &id
	}
	return f, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
