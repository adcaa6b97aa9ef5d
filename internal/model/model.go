package model

import (
	"errors"
	"time"
)

// Event is both the user-authored template and a persisted instance.
//
// A template carries Recurrence and no series metadata; instances produced by
// the recurrence expander carry SeriesID and Sequence. Every instance owns a
// full copy of the template fields.
type Event struct {
	ID    string `json:"id"`
	Title string `json:"title"`

	// Start / End are stored in UTC. For all-day events the clock is 00:00
	// and only the date part is meaningful.
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	AllDay bool      `json:"all_day"`

	Location    string `json:"location,omitempty"`
	Description string `json:"description,omitempty"`

	// CategoryID is a weak reference. A dangling id is treated as "no category".
	CategoryID string `json:"category_id,omitempty"`

	Recurrence *RecurrenceRule `json:"recurrence,omitempty"`

	SeriesID string `json:"series_id,omitempty"`
	Sequence int    `json:"sequence"`

	// SourceID marks events imported from a subscription feed.
	SourceID string `json:"source_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

var (
	ErrEmptyTitle    = errors.New("event title is empty")
	ErrMissingStart  = errors.New("event start is missing")
	ErrEndBeforeDate = errors.New("event end is before start")
)

// Validate checks the invariants every persisted instance must hold.
func (e Event) Validate() error {
	switch {
	case e.Title == "":
		return ErrEmptyTitle
	case e.Start.IsZero():
		return ErrMissingStart
	case e.End.Before(e.Start):
		return ErrEndBeforeDate
	}
	return nil
}

// Duration is End - Start; never negative.
func (e Event) Duration() time.Duration {
	if e.End.Before(e.Start) {
		return 0
	}
	return e.End.Sub(e.Start)
}

// Category groups events. Events reference categories by ID but never own them.
type Category struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// CategoryIndex maps category IDs to categories.
func CategoryIndex(categories []Category) map[string]Category {
	idx := make(map[string]Category, len(categories))
	for _, c := range categories {
		idx[c.ID] = c
	}
	return idx
}
