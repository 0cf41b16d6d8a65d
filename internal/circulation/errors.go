package circulation

import (
	"errors"

	"libralend/internal/fines"
	"libralend/internal/inventory"
	"libralend/internal/loan"
	"libralend/internal/reservation"
	"libralend/internal/store"
)

var (
	ErrNotFound             = store.ErrNotFound
	ErrInsufficientStanding = errors.New("member has outstanding fines")
	ErrBorrowLimitReached   = errors.New("member has reached the borrow limit")
	ErrReservedByOther      = errors.New("remaining copies are held for other members")
	ErrMemberInactive       = errors.New("member is not active")
	ErrConflict             = errors.New("concurrent update kept conflicting, try again")
)

var domainErrors = []error{
	ErrNotFound,
	ErrInsufficientStanding,
	ErrBorrowLimitReached,
	ErrReservedByOther,
	ErrMemberInactive,
	inventory.ErrUnavailable,
	loan.ErrNotActive,
	loan.ErrMaxRenewalsReached,
	loan.ErrReservationPending,
	loan.ErrLoanOverdue,
	reservation.ErrAlreadyQueued,
	reservation.ErrTitleAvailable,
	reservation.ErrNotOwner,
	reservation.ErrNotCancellable,
	fines.ErrAlreadyPaid,
	fines.ErrNegativeAmount,
	fines.ErrMissingPaymentMethod,
	fines.ErrMissingWaiverReason,
	fines.ErrUnknownType,
}

// IsDomainError reports whether err is a rule rejection the caller can act
// on, as opposed to an infrastructure failure.
func IsDomainError(err error) bool {
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
