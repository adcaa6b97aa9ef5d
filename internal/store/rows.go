package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"calrecur/internal/model"
)

// eventRow is one persisted instance. Times are unix seconds in UTC.
type eventRow struct {
	bun.BaseModel `bun:"table:events"`

	ID          string `bun:"id,pk,notnull"`
	Title       string `bun:"title,notnull"`
	StartDate   int64  `bun:"start_date,notnull"`
	EndDate     int64  `bun:"end_date,notnull"`
	AllDay      bool   `bun:"all_day,notnull"`
	Location    string `bun:"location"`
	Description string `bun:"description"`
	CategoryID  string `bun:"category_id"`
	// Rule is the JSON form of model.RecurrenceRule, empty when not recurring.
	Rule      string `bun:"rule"`
	SeriesID  string `bun:"series_id"`
	Sequence  int    `bun:"sequence,notnull"`
	SourceID  string `bun:"source_id"`
	CreatedAt int64  `bun:"created_at,notnull"`
}

type categoryRow struct {
	bun.BaseModel `bun:"table:categories"`

	ID        string `bun:"id,pk,notnull"`
	Name      string `bun:"name,notnull"`
	Color     string `bun:"color,notnull"`
	Emoji     string `bun:"emoji,notnull"`
	CreatedAt int64  `bun:"created_at,notnull"`
}

func toEventRow(ev model.Event) (eventRow, error) {
	row := eventRow{
		ID:          ev.ID,
		Title:       ev.Title,
		StartDate:   ev.Start.Unix(),
		EndDate:     ev.End.Unix(),
		AllDay:      ev.AllDay,
		Location:    ev.Location,
		Description: ev.Description,
		CategoryID:  ev.CategoryID,
		SeriesID:    ev.SeriesID,
		Sequence:    ev.Sequence,
		SourceID:    ev.SourceID,
		CreatedAt:   ev.CreatedAt.Unix(),
	}
	if ev.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().Unix()
	}
	if ev.Recurrence != nil {
		data, err := json.Marshal(ev.Recurrence)
		if err != nil {
			return eventRow{}, fmt.Errorf("event %s: encode rule: %w", ev.ID, err)
		}
		row.Rule = string(data)
	}
	return row, nil
}

func (r eventRow) event() (model.Event, error) {
	ev := model.Event{
		ID:          r.ID,
		Title:       r.Title,
		Start:       time.Unix(r.StartDate, 0).UTC(),
		End:         time.Unix(r.EndDate, 0).UTC(),
		AllDay:      r.AllDay,
		Location:    r.Location,
		Description: r.Description,
		CategoryID:  r.CategoryID,
		SeriesID:    r.SeriesID,
		Sequence:    r.Sequence,
		SourceID:    r.SourceID,
		CreatedAt:   time.Unix(r.CreatedAt, 0).UTC(),
	}
	if r.Rule != "" {
		var rule model.RecurrenceRule
		if err := json.Unmarshal([]byte(r.Rule), &rule); err != nil {
			return model.Event{}, fmt.Errorf("event %s: decode rule: %w", r.ID, err)
		}
		ev.Recurrence = &rule
	}
	return ev, nil
}

func toCategoryRow(c model.Category) categoryRow {
	row := categoryRow{
		ID:        c.ID,
		Name:      c.Name,
		Color:     c.Color,
		Emoji:     c.Emoji,
		CreatedAt: c.CreatedAt.Unix(),
	}
	if c.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().Unix()
	}
	return row
}

func (r categoryRow) category() model.Category {
	return model.Category{
		ID:        r.ID,
		Name:      r.Name,
		Color:     r.Color,
		Emoji:     r.Emoji,
		CreatedAt: time.Unix(r.CreatedAt, 0).UTC(),
	}
}

func eventsFromRows(rows []eventRow) ([]model.Event, error) {
	out := make([]model.Event, 0, len(rows))
	for _, r := range rows {
		ev, err := r.event()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}
