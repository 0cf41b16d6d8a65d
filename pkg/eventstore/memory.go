package eventstore

import (
	"sync"

	"github.com/google/uuid"
)

// Journal is an in-process event log with the same versioning rules as
// EventStore. It is safe for concurrent use.
type Journal struct {
	mu     sync.RWMutex
	events []Event
	byAgg  map[uuid.UUID][]int
}

func NewJournal() *Journal {
	return &Journal{byAgg: make(map[uuid.UUID][]int)}
}

// Append assigns ids and per-aggregate versions and stores the events. The
// slice elements are updated in place.
func (j *Journal) Append(events []Event) error {
	for _, e := range events {
		if e.AggregateID == uuid.Nil {
			return ErrEmptyAggregate
		}
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	for i := range events {
		e := &events[i]
		e.ID = int64(len(j.events) + 1)
		e.Version = len(j.byAgg[e.AggregateID]) + 1
		j.byAgg[e.AggregateID] = append(j.byAgg[e.AggregateID], len(j.events))
		j.events = append(j.events, *e)
	}
	return nil
}

// Load returns the events of one aggregate in version order.
func (j *Journal) Load(aggregateID uuid.UUID) []Event {
	j.mu.RLock()
	defer j.mu.RUnlock()

	idx := j.byAgg[aggregateID]
	out := make([]Event, 0, len(idx))
	for _, i := range idx {
		out = append(out, j.events[i])
	}
	return out
}

// Stream returns up to batchSize events with an id above fromID.
func (j *Journal) Stream(fromID int64, batchSize int) []Event {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if fromID < 0 {
		fromID = 0
	}
	if fromID >= int64(len(j.events)) {
		return nil
	}
	end := len(j.events)
	if batchSize > 0 && int(fromID)+batchSize < end {
		end = int(fromID) + batchSize
	}
	out := make([]Event, end-int(fromID))
	copy(out, j.events[fromID:end])
	return out
}

// Len is the number of stored events.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.events)
}
