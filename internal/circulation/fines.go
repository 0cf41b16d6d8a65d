package circulation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"libralend/internal/fines"
	"libralend/internal/store"
)

// AssessFine charges a member outside the return and loss flows.
func (s *service) AssessFine(ctx context.Context, req AssessRequest) (*fines.Fine, error) {
	now := s.clock.Now()
	attrs := []attribute.KeyValue{
		attribute.String(attrMemberID, req.MemberID.String()),
		attribute.String("amount", req.Amount.StringFixed(2)),
		attribute.String("fine_type", req.Type.String()),
	}

	var result *fines.Fine
	err := s.runTx(ctx, "assess_fine", []string{store.MemberKey(req.MemberID)}, attrs, func(ctx context.Context, tx store.Tx) error {
		member, err := tx.Member(ctx, req.MemberID)
		if err != nil {
			return fmt.Errorf("assess fine: %w", err)
		}
		if req.LoanID != nil {
			l, err := tx.Loan(ctx, *req.LoanID)
			if err != nil {
				return fmt.Errorf("assess fine: %w", err)
			}
			if l.MemberID != req.MemberID {
				return fmt.Errorf("assess fine: loan %s of another member: %w", l.ID, ErrNotFound)
			}
		}

		f, err := fines.Assess(member, req.LoanID, req.Amount, req.Type, req.Note, now)
		if err != nil {
			return fmt.Errorf("assess fine: %w", err)
		}
		if err := tx.InsertFine(ctx, f); err != nil {
			return fmt.Errorf("insert fine: %w", err)
		}
		if err := tx.SaveMember(ctx, member); err != nil {
			return fmt.Errorf("save member: %w", err)
		}

		j := newJournal(now)
		j.add(f.ID, AggregateFine, EventFineAssessed, fineEvent(f))
		if err := j.flush(ctx, tx); err != nil {
			return err
		}

		result = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// settleOne runs a single-fine settlement. The member key covers both the
// fine and the member balance.
func (s *service) settleOne(ctx context.Context, op string, fineID uuid.UUID, attrs []attribute.KeyValue, eventType string,
	settle func(ctx context.Context, tx store.Tx, f *fines.Fine, now time.Time) error) (*fines.Fine, error) {
	now := s.clock.Now()
	attrs = append(attrs, attribute.String(attrFineID, fineID.String()))

	existing, err := s.store.Fine(ctx, fineID)
	if err != nil {
		return nil, s.fail(ctx, op, attrs, fmt.Errorf("%s: %w", op, err))
	}

	var result *fines.Fine
	err = s.runTx(ctx, op, []string{store.MemberKey(existing.MemberID)}, attrs, func(ctx context.Context, tx store.Tx) error {
		f, err := tx.Fine(ctx, fineID)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if err := settle(ctx, tx, f, now); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if err := tx.SaveFine(ctx, f); err != nil {
			return fmt.Errorf("save fine: %w", err)
		}
		if err := settleLoans(ctx, tx, f.MemberID, []*fines.Fine{f}); err != nil {
			return err
		}

		j := newJournal(now)
		j.add(f.ID, AggregateFine, eventType, fineEvent(f))
		if err := j.flush(ctx, tx); err != nil {
			return err
		}

		result = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PayFine settles one fine with a payment.
func (s *service) PayFine(ctx context.Context, fineID uuid.UUID, method string) (*fines.Fine, error) {
	attrs := []attribute.KeyValue{attribute.String("payment_method", method)}
	return s.settleOne(ctx, "pay_fine", fineID, attrs, EventFinePaid,
		func(ctx context.Context, tx store.Tx, f *fines.Fine, now time.Time) error {
			member, err := tx.Member(ctx, f.MemberID)
			if err != nil {
				return err
			}
			if err := fines.Pay(f, member, method, now); err != nil {
				return err
			}
			return tx.SaveMember(ctx, member)
		})
}

// WaiveFine settles one fine without payment.
func (s *service) WaiveFine(ctx context.Context, fineID uuid.UUID, reason string) (*fines.Fine, error) {
	attrs := []attribute.KeyValue{attribute.String("reason", reason)}
	return s.settleOne(ctx, "waive_fine", fineID, attrs, EventFineWaived,
		func(ctx context.Context, tx store.Tx, f *fines.Fine, now time.Time) error {
			member, err := tx.Member(ctx, f.MemberID)
			if err != nil {
				return err
			}
			if err := fines.Waive(f, member, reason, now); err != nil {
				return err
			}
			return tx.SaveMember(ctx, member)
		})
}

// PayAllFines settles every unpaid fine of the member and resets the
// balance to zero.
func (s *service) PayAllFines(ctx context.Context, memberID uuid.UUID, method string) ([]*fines.Fine, error) {
	now := s.clock.Now()
	attrs := []attribute.KeyValue{
		attribute.String(attrMemberID, memberID.String()),
		attribute.String("payment_method", method),
	}

	var result []*fines.Fine
	err := s.runTx(ctx, "pay_all_fines", []string{store.MemberKey(memberID)}, attrs, func(ctx context.Context, tx store.Tx) error {
		member, err := tx.Member(ctx, memberID)
		if err != nil {
			return fmt.Errorf("pay all fines: %w", err)
		}
		unpaid, err := tx.FinesByMember(ctx, memberID, true)
		if err != nil {
			return fmt.Errorf("load unpaid fines: %w", err)
		}
		settled, err := fines.PayAll(unpaid, member, method, now)
		if err != nil {
			return fmt.Errorf("pay all fines: %w", err)
		}

		j := newJournal(now)
		for _, f := range settled {
			if err := tx.SaveFine(ctx, f); err != nil {
				return fmt.Errorf("save fine: %w", err)
			}
			j.add(f.ID, AggregateFine, EventFinePaid, fineEvent(f))
		}
		if err := tx.SaveMember(ctx, member); err != nil {
			return fmt.Errorf("save member: %w", err)
		}
		if err := settleLoans(ctx, tx, memberID, settled); err != nil {
			return err
		}
		if err := j.flush(ctx, tx); err != nil {
			return err
		}

		result = settled
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// settleLoans flags the fine of every loan touched by settled as paid once
// no unpaid fine for that loan remains. It must run after the settled fines
// were saved.
func settleLoans(ctx context.Context, tx store.Tx, memberID uuid.UUID, settled []*fines.Fine) error {
	loanIDs := make(map[uuid.UUID]bool)
	for _, f := range settled {
		if f.LoanID != nil {
			loanIDs[*f.LoanID] = true
		}
	}
	if len(loanIDs) == 0 {
		return nil
	}

	unpaid, err := tx.FinesByMember(ctx, memberID, true)
	if err != nil {
		return fmt.Errorf("load unpaid fines: %w", err)
	}
	for _, f := range unpaid {
		if f.LoanID != nil {
			delete(loanIDs, *f.LoanID)
		}
	}

	for id := range loanIDs {
		l, err := tx.Loan(ctx, id)
		if err != nil {
			return fmt.Errorf("load loan %s: %w", id, err)
		}
		if l.FineAmount == nil || (l.FinePaid != nil && *l.FinePaid) {
			continue
		}
		l.SettleFine()
		if err := tx.SaveLoan(ctx, l); err != nil {
			return fmt.Errorf("save loan: %w", err)
		}
	}
	return nil
}
