// internal/inventory/domain.go
package inventory

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnavailable     = errors.New("no copies available")
	ErrOverRelease     = errors.New("release would exceed total copies")
	ErrWouldGoNegative = errors.New("retiring a copy would drive total copies below zero")
)

// Title is the circulation view of a catalog entry: how many physical
// copies exist and how many are on the shelf right now.
type Title struct {
	ID              uuid.UUID `json:"id"`
	Name            string    `json:"name"`
	TotalCopies     int       `json:"total_copies"`
	AvailableCopies int       `json:"available_copies"`
	Version         int       `json:"version"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NewTitle creates a title with every copy on the shelf.
func NewTitle(id uuid.UUID, name string, copies int) *Title {
	return &Title{
		ID:              id,
		Name:            name,
		TotalCopies:     copies,
		AvailableCopies: copies,
	}
}

// ClaimCopy takes one copy off the shelf for a new loan.
func (t *Title) ClaimCopy() error {
	if t.AvailableCopies <= 0 {
		return ErrUnavailable
	}
	t.AvailableCopies--
	return nil
}

// ReleaseCopy puts a returned copy back on the shelf.
func (t *Title) ReleaseCopy() error {
	if t.AvailableCopies >= t.TotalCopies {
		return ErrOverRelease
	}
	t.AvailableCopies++
	return nil
}

// RetireCopy removes a lost copy from the collection. The copy was checked
// out, so the shelf count is left alone.
func (t *Title) RetireCopy() error {
	if t.TotalCopies <= 0 || t.TotalCopies-1 < t.AvailableCopies {
		return ErrWouldGoNegative
	}
	t.TotalCopies--
	return nil
}

// FreeCopies is the shelf count minus copies held for members with an
// Available reservation.
func (t *Title) FreeCopies(earmarked int) int {
	free := t.AvailableCopies - earmarked
	if free < 0 {
		return 0
	}
	return free
}

// Valid reports whether the copy counts are within bounds.
func (t *Title) Valid() bool {
	return t.TotalCopies >= 0 && t.AvailableCopies >= 0 && t.AvailableCopies <= t.TotalCopies
}

// Clone returns a copy safe to mutate independently.
func (t *Title) Clone() *Title {
	c := *t
	return &c
}
