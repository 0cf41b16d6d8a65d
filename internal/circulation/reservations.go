package circulation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"libralend/internal/reservation"
	"libralend/internal/store"
)

// Reserve queues the member for the next free copy of a title.
func (s *service) Reserve(ctx context.Context, memberID, titleID uuid.UUID) (*reservation.Reservation, error) {
	now := s.clock.Now()
	attrs := []attribute.KeyValue{
		attribute.String(attrMemberID, memberID.String()),
		attribute.String(attrTitleID, titleID.String()),
	}

	var result *reservation.Reservation
	err := s.runTx(ctx, "reserve", []string{store.TitleKey(titleID)}, attrs, func(ctx context.Context, tx store.Tx) error {
		member, err := tx.Member(ctx, memberID)
		if err != nil {
			return fmt.Errorf("reserve: %w", err)
		}
		if !member.Active {
			return fmt.Errorf("reserve: %w", ErrMemberInactive)
		}
		title, err := tx.Title(ctx, titleID)
		if err != nil {
			return fmt.Errorf("reserve: %w", err)
		}
		q, err := loadQueue(ctx, tx, titleID)
		if err != nil {
			return err
		}

		r, err := q.Enqueue(memberID, title.FreeCopies(q.Earmarked()), now)
		if err != nil {
			return fmt.Errorf("reserve: %w", err)
		}
		if err := saveQueue(ctx, tx, q); err != nil {
			return err
		}

		j := newJournal(now)
		j.add(r.ID, AggregateReservation, EventReservationPlaced, reservationEvent(r))
		if err := j.flush(ctx, tx); err != nil {
			return err
		}

		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CancelReservation withdraws one of the member's open reservations. A
// cancelled Available hold passes its copy to the next in line.
func (s *service) CancelReservation(ctx context.Context, reservationID, memberID uuid.UUID) error {
	now := s.clock.Now()
	attrs := []attribute.KeyValue{
		attribute.String(attrReservationID, reservationID.String()),
		attribute.String(attrMemberID, memberID.String()),
	}

	existing, err := s.store.Reservation(ctx, reservationID)
	if err != nil {
		return s.fail(ctx, "cancel_reservation", attrs, fmt.Errorf("cancel reservation: %w", err))
	}

	return s.runTx(ctx, "cancel_reservation", []string{store.TitleKey(existing.TitleID)}, attrs, func(ctx context.Context, tx store.Tx) error {
		r, err := tx.Reservation(ctx, reservationID)
		if err != nil {
			return fmt.Errorf("cancel reservation: %w", err)
		}
		if r.MemberID != memberID {
			return fmt.Errorf("cancel reservation: %w", reservation.ErrNotOwner)
		}
		q, err := loadQueue(ctx, tx, r.TitleID)
		if err != nil {
			return err
		}
		promoted, err := q.Cancel(reservationID, memberID, now)
		if err != nil {
			return fmt.Errorf("cancel reservation: %w", err)
		}
		if err := saveQueue(ctx, tx, q); err != nil {
			return err
		}

		j := newJournal(now)
		for _, changed := range q.Changed() {
			if changed.ID == reservationID {
				j.add(changed.ID, AggregateReservation, EventReservationCancelled, reservationEvent(changed))
			}
		}
		if promoted != nil {
			j.add(promoted.ID, AggregateReservation, EventReservationPromoted, reservationEvent(promoted))
		}
		return j.flush(ctx, tx)
	})
}

// SweepExpiredReservations expires every Available hold that lapsed before
// now and promotes the next reservation for each released copy. Each title
// is swept in its own unit of work; the count covers the titles that
// committed.
func (s *service) SweepExpiredReservations(ctx context.Context, now time.Time) (int, error) {
	titles, err := s.store.TitlesWithExpiredReservations(ctx, now)
	if err != nil {
		return 0, s.fail(ctx, "sweep", nil, fmt.Errorf("sweep: %w", err))
	}

	total := 0
	var firstErr error
	for _, titleID := range titles {
		n, err := s.sweepTitle(ctx, titleID, now)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		total += n
	}
	if total > 0 {
		s.expired.Add(ctx, int64(total))
	}
	return total, firstErr
}

func (s *service) sweepTitle(ctx context.Context, titleID uuid.UUID, now time.Time) (int, error) {
	attrs := []attribute.KeyValue{attribute.String(attrTitleID, titleID.String())}

	var count int
	err := s.runTx(ctx, "sweep", []string{store.TitleKey(titleID)}, attrs, func(ctx context.Context, tx store.Tx) error {
		q, err := loadQueue(ctx, tx, titleID)
		if err != nil {
			return err
		}
		expired, promoted := q.ExpireStale(now)
		if err := saveQueue(ctx, tx, q); err != nil {
			return err
		}

		j := newJournal(now)
		for _, r := range expired {
			j.add(r.ID, AggregateReservation, EventReservationExpired, reservationEvent(r))
		}
		for _, r := range promoted {
			j.add(r.ID, AggregateReservation, EventReservationPromoted, reservationEvent(r))
		}
		if err := j.flush(ctx, tx); err != nil {
			return err
		}

		count = len(expired)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
