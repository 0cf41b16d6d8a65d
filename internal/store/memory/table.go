package memory

import (
	"github.com/google/uuid"

	"libralend/internal/store"
)

// table holds the committed rows of one record type.
type table[T any] struct {
	rows  map[uuid.UUID]*T
	ver   func(*T) *int
	clone func(*T) *T
}

func newTable[T any](ver func(*T) *int, clone func(*T) *T) *table[T] {
	return &table[T]{rows: make(map[uuid.UUID]*T), ver: ver, clone: clone}
}

func (t *table[T]) get(id uuid.UUID) (*T, error) {
	row, ok := t.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t.clone(row), nil
}

func (t *table[T]) filter(keep func(*T) bool) []*T {
	var out []*T
	for _, row := range t.rows {
		if keep(row) {
			out = append(out, t.clone(row))
		}
	}
	return out
}

func (t *table[T]) upsert(id uuid.UUID, row *T) {
	version := 1
	if cur, ok := t.rows[id]; ok {
		version = *t.ver(cur) + 1
	}
	*t.ver(row) = version
	t.rows[id] = t.clone(row)
}

// staging buffers the writes a transaction makes to one table. base records
// the committed version each written row had when first touched; zero means
// the row did not exist.
type staging[T any] struct {
	t    *table[T]
	rows map[uuid.UUID]*T
	base map[uuid.UUID]int
}

func newStaging[T any](t *table[T]) *staging[T] {
	return &staging[T]{t: t, rows: make(map[uuid.UUID]*T), base: make(map[uuid.UUID]int)}
}

func (s *staging[T]) view(id uuid.UUID) (*T, bool) {
	if row, ok := s.rows[id]; ok {
		return row, true
	}
	row, ok := s.t.rows[id]
	return row, ok
}

func (s *staging[T]) get(id uuid.UUID) (*T, error) {
	row, ok := s.view(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.t.clone(row), nil
}

func (s *staging[T]) filter(keep func(*T) bool) []*T {
	var out []*T
	for id, row := range s.t.rows {
		if staged, ok := s.rows[id]; ok {
			row = staged
		}
		if keep(row) {
			out = append(out, s.t.clone(row))
		}
	}
	for id, row := range s.rows {
		if _, committed := s.t.rows[id]; !committed && keep(row) {
			out = append(out, s.t.clone(row))
		}
	}
	return out
}

func (s *staging[T]) committedVersion(id uuid.UUID) int {
	if row, ok := s.t.rows[id]; ok {
		return *s.t.ver(row)
	}
	return 0
}

func (s *staging[T]) insert(id uuid.UUID, row *T) error {
	if _, exists := s.view(id); exists {
		return store.ErrConflict
	}
	*s.t.ver(row) = 1
	s.rows[id] = s.t.clone(row)
	if _, touched := s.base[id]; !touched {
		s.base[id] = 0
	}
	return nil
}

func (s *staging[T]) save(id uuid.UUID, row *T) error {
	cur, ok := s.view(id)
	if !ok {
		return store.ErrNotFound
	}
	if *s.t.ver(cur) != *s.t.ver(row) {
		return store.ErrConflict
	}
	if _, touched := s.base[id]; !touched {
		s.base[id] = s.committedVersion(id)
	}
	*s.t.ver(row)++
	s.rows[id] = s.t.clone(row)
	return nil
}

// validate reports whether every written row is still at the version the
// transaction started from.
func (s *staging[T]) validate() error {
	for id, base := range s.base {
		if s.committedVersion(id) != base {
			return store.ErrConflict
		}
	}
	return nil
}

func (s *staging[T]) apply() {
	for id, row := range s.rows {
		s.t.rows[id] = row
	}
}
