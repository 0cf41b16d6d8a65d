package reservation

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Queue is the waitlist of one title, built from its open reservations.
// Every method mutates the reservations in place and remembers which ones
// were created or changed so the caller can persist exactly those.
type Queue struct {
	titleID   uuid.UUID
	pending   []*Reservation
	available []*Reservation

	added   []*Reservation
	changed []*Reservation
	dirty   map[uuid.UUID]bool
}

// NewQueue builds the queue for titleID. Reservations of other titles and
// closed reservations are ignored. Pending ones are ordered by arrival; the
// stored position breaks ties between identical timestamps.
func NewQueue(titleID uuid.UUID, open []*Reservation) *Queue {
	q := &Queue{titleID: titleID, dirty: make(map[uuid.UUID]bool)}
	for _, r := range open {
		if r.TitleID != titleID {
			continue
		}
		switch r.Status {
		case StatusPending:
			q.pending = append(q.pending, r)
		case StatusAvailable:
			q.available = append(q.available, r)
		}
	}
	sort.SliceStable(q.pending, func(i, j int) bool {
		a, b := q.pending[i], q.pending[j]
		if !a.ReservedAt.Equal(b.ReservedAt) {
			return a.ReservedAt.Before(b.ReservedAt)
		}
		if a.QueuePosition != b.QueuePosition {
			return a.QueuePosition < b.QueuePosition
		}
		return a.ID.String() < b.ID.String()
	})
	sort.SliceStable(q.available, func(i, j int) bool {
		a, b := q.available[i].ExpiresAt, q.available[j].ExpiresAt
		return a != nil && (b == nil || a.Before(*b))
	})
	return q
}

func (q *Queue) TitleID() uuid.UUID { return q.titleID }

// Pending returns the waiting reservations in promotion order.
func (q *Queue) Pending() []*Reservation { return q.pending }

// Available returns the reservations currently holding a copy.
func (q *Queue) Available() []*Reservation { return q.available }

// Len is the number of Pending reservations.
func (q *Queue) Len() int { return len(q.pending) }

// Earmarked is the number of shelf copies held for Available reservations.
func (q *Queue) Earmarked() int { return len(q.available) }

// Head returns the first Pending reservation, or nil.
func (q *Queue) Head() *Reservation {
	if len(q.pending) == 0 {
		return nil
	}
	return q.pending[0]
}

// Holding returns the member's open reservation for this title, or nil.
func (q *Queue) Holding(memberID uuid.UUID) *Reservation {
	for _, r := range q.available {
		if r.MemberID == memberID {
			return r
		}
	}
	for _, r := range q.pending {
		if r.MemberID == memberID {
			return r
		}
	}
	return nil
}

// Enqueue appends a Pending reservation for memberID. A member holds at most
// one open reservation per title, and nobody queues while a free copy sits
// on the shelf.
func (q *Queue) Enqueue(memberID uuid.UUID, freeCopies int, now time.Time) (*Reservation, error) {
	if q.Holding(memberID) != nil {
		return nil, ErrAlreadyQueued
	}
	if freeCopies > 0 {
		return nil, ErrTitleAvailable
	}
	r := &Reservation{
		ID:            uuid.New(),
		TitleID:       q.titleID,
		MemberID:      memberID,
		ReservedAt:    now,
		Status:        StatusPending,
		QueuePosition: len(q.pending) + 1,
	}
	q.pending = append(q.pending, r)
	q.added = append(q.added, r)
	q.dirty[r.ID] = true
	return r, nil
}

// PromoteNext hands a freed copy to the head of the queue.
func (q *Queue) PromoteNext(now time.Time) (*Reservation, error) {
	head := q.Head()
	if head == nil {
		return nil, ErrEmptyQueue
	}
	q.pending = q.pending[1:]

	expires := now.Add(HoldPeriod)
	notified := now
	head.Status = StatusAvailable
	head.QueuePosition = 0
	head.NotifiedAt = &notified
	head.ExpiresAt = &expires
	q.available = append(q.available, head)
	q.touch(head)

	q.Renumber()
	return head, nil
}

// Fulfill consumes the member's reservation when they borrow. An Available
// hold is consumed first; otherwise the member must be at the head.
func (q *Queue) Fulfill(memberID uuid.UUID) (*Reservation, error) {
	for i, r := range q.available {
		if r.MemberID == memberID {
			q.available = append(q.available[:i:i], q.available[i+1:]...)
			r.Status = StatusFulfilled
			q.touch(r)
			return r, nil
		}
	}
	head := q.Head()
	if head == nil || head.MemberID != memberID {
		return nil, ErrNotHeld
	}
	q.pending = q.pending[1:]
	head.Status = StatusFulfilled
	head.QueuePosition = 0
	q.touch(head)
	q.Renumber()
	return head, nil
}

// Cancel withdraws an open reservation. When the cancelled reservation was
// holding a copy, the copy passes to the next in line and that reservation
// is returned.
func (q *Queue) Cancel(id, memberID uuid.UUID, now time.Time) (promoted *Reservation, err error) {
	for i, r := range q.available {
		if r.ID != id {
			continue
		}
		if r.MemberID != memberID {
			return nil, ErrNotOwner
		}
		q.available = append(q.available[:i:i], q.available[i+1:]...)
		r.Status = StatusCancelled
		q.touch(r)
		promoted, err = q.PromoteNext(now)
		if err == ErrEmptyQueue {
			return nil, nil
		}
		return promoted, err
	}
	for i, r := range q.pending {
		if r.ID != id {
			continue
		}
		if r.MemberID != memberID {
			return nil, ErrNotOwner
		}
		q.pending = append(q.pending[:i:i], q.pending[i+1:]...)
		r.Status = StatusCancelled
		r.QueuePosition = 0
		q.touch(r)
		q.Renumber()
		return nil, nil
	}
	return nil, ErrNotCancellable
}

// ExpireStale closes every Available hold that lapsed before now and passes
// each released copy to the next Pending reservation.
func (q *Queue) ExpireStale(now time.Time) (expired, promoted []*Reservation) {
	kept := q.available[:0:0]
	for _, r := range q.available {
		if r.Stale(now) {
			r.Status = StatusExpired
			q.touch(r)
			expired = append(expired, r)
			continue
		}
		kept = append(kept, r)
	}
	q.available = kept

	for range expired {
		next, err := q.PromoteNext(now)
		if err != nil {
			break
		}
		promoted = append(promoted, next)
	}
	q.Renumber()
	return expired, promoted
}

// Renumber rewrites Pending positions to 1..N in queue order.
func (q *Queue) Renumber() {
	for i, r := range q.pending {
		if r.QueuePosition != i+1 {
			r.QueuePosition = i + 1
			q.touch(r)
		}
	}
}

// Added returns the reservations created through this queue.
func (q *Queue) Added() []*Reservation { return q.added }

// Changed returns pre-existing reservations modified through this queue, in
// the order they were first touched.
func (q *Queue) Changed() []*Reservation { return q.changed }

func (q *Queue) touch(r *Reservation) {
	if q.dirty[r.ID] {
		return
	}
	q.dirty[r.ID] = true
	q.changed = append(q.changed, r)
}
