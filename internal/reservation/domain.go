// internal/reservation/domain.go
package reservation

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// HoldPeriod is how long a promoted reservation keeps its copy.
const HoldPeriod = 3 * 24 * time.Hour

var (
	ErrAlreadyQueued  = errors.New("member already holds a reservation for this title")
	ErrTitleAvailable = errors.New("title has free copies, borrow it instead")
	ErrEmptyQueue     = errors.New("no pending reservations")
	ErrNotOwner       = errors.New("reservation belongs to another member")
	ErrNotCancellable = errors.New("reservation cannot be cancelled")
	ErrNotHeld        = errors.New("member holds no reservation for this title")
)

// Status is the lifecycle state of a reservation.
type Status uint8

const (
	StatusPending Status = iota + 1
	StatusAvailable
	StatusFulfilled
	StatusCancelled
	StatusExpired
)

var statusNames = map[Status]string{
	StatusPending:   "pending",
	StatusAvailable: "available",
	StatusFulfilled: "fulfilled",
	StatusCancelled: "cancelled",
	StatusExpired:   "expired",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// ParseStatus maps a stored name back to a Status.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown reservation status %q", name)
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Open reports whether the reservation still occupies the member's slot.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusAvailable
}

// Reservation is a queued claim on the next free copy of a title.
type Reservation struct {
	ID            uuid.UUID  `json:"id"`
	TitleID       uuid.UUID  `json:"title_id"`
	MemberID      uuid.UUID  `json:"member_id"`
	ReservedAt    time.Time  `json:"reserved_at"`
	Status        Status     `json:"status"`
	QueuePosition int        `json:"queue_position,omitempty"`
	NotifiedAt    *time.Time `json:"notified_at,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Version       int        `json:"version"`
}

// Stale reports whether an Available hold lapsed before now.
func (r *Reservation) Stale(now time.Time) bool {
	return r.Status == StatusAvailable && r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

// Clone returns a deep copy safe to mutate independently.
func (r *Reservation) Clone() *Reservation {
	c := *r
	if r.NotifiedAt != nil {
		n := *r.NotifiedAt
		c.NotifiedAt = &n
	}
	if r.ExpiresAt != nil {
		e := *r.ExpiresAt
		c.ExpiresAt = &e
	}
	return &c
}
