// Package postgres is the PostgreSQL implementation of store.Store.
//
// A unit of work is one database transaction. It takes a transaction-scoped
// advisory lock per aggregate key, in sorted order, before running, and
// every update is guarded by the row version.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"libralend/internal/inventory"
	"libralend/internal/membership"
	"libralend/internal/store"
	"libralend/pkg/eventstore"
)

//go:embed schema.sql
var schema string

var _ store.Store = (*Store)(nil)

type Store struct {
	queries
	db     *sqlx.DB
	events *eventstore.EventStore
	tracer trace.Tracer
}

// Open connects to dsn and configures the pool.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return New(db), nil
}

func New(db *sqlx.DB) *Store {
	return &Store{
		queries: queries{q: db},
		db:      db,
		events:  eventstore.NewEventStore(db),
		tracer:  otel.Tracer("libralend/store/postgres"),
	}
}

func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the schema if it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) WithinTx(ctx context.Context, keys []string, fn func(ctx context.Context, tx store.Tx) error) error {
	sorted := store.SortedKeys(keys)
	ctx, span := s.tracer.Start(ctx, "store.tx",
		trace.WithAttributes(attribute.StringSlice("lock.keys", sorted)),
	)
	defer span.End()

	sqlTx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, key := range sorted {
		if _, err := sqlTx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
			return fmt.Errorf("lock %s: %w", key, translate(err))
		}
	}

	if err := fn(ctx, &tx{queries: queries{q: sqlTx}, tx: sqlTx, events: s.events}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", translate(err))
	}
	return nil
}

func (s *Store) History(ctx context.Context, aggregateID uuid.UUID) ([]eventstore.Event, error) {
	return s.events.LoadEvents(ctx, aggregateID, 0, 0)
}

func (s *Store) Events(ctx context.Context, afterID int64, limit int) ([]eventstore.Event, error) {
	return s.events.StreamEvents(ctx, afterID, limit)
}

func (s *Store) UpsertTitle(ctx context.Context, t *inventory.Title) error {
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO titles (id, name, total_copies, available_copies, version, updated_at)
		VALUES ($1, $2, $3, $4, 1, NOW())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    total_copies = EXCLUDED.total_copies,
		    available_copies = EXCLUDED.available_copies,
		    version = titles.version + 1,
		    updated_at = NOW()
		RETURNING version
	`, t.ID, t.Name, t.TotalCopies, t.AvailableCopies).Scan(&t.Version)
	if err != nil {
		return fmt.Errorf("upsert title %s: %w", t.ID, translate(err))
	}
	return nil
}

func (s *Store) UpsertMember(ctx context.Context, m *membership.Member) error {
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO members (id, name, membership_tier, active, max_books_allowed, current_borrowed, outstanding_fines, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, NOW())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    membership_tier = EXCLUDED.membership_tier,
		    active = EXCLUDED.active,
		    max_books_allowed = EXCLUDED.max_books_allowed,
		    version = members.version + 1,
		    updated_at = NOW()
		RETURNING version
	`, m.ID, m.Name, string(m.Tier), m.Active, m.MaxBooksAllowed, m.CurrentBorrowed, m.OutstandingFines).Scan(&m.Version)
	if err != nil {
		return fmt.Errorf("upsert member %s: %w", m.ID, translate(err))
	}
	return nil
}

// translate maps driver errors onto the store sentinels.
func translate(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if errors.Is(err, eventstore.ErrConcurrencyConflict) {
		return store.ErrConflict
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "23505":
			return fmt.Errorf("%w: %s", store.ErrConflict, pqErr.Message)
		}
	}
	return err
}
