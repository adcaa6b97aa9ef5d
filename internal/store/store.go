// Package store persists expanded event instances and categories in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"golang.org/x/text/cases"

	"calrecur/internal/ics"
	appLog "calrecur/internal/log"
	"calrecur/internal/model"
)

const memoryDSN = ":memory:"

var (
	ErrNotFound        = errors.New("store: not found")
	ErrInvalidCategory = errors.New("store: category needs a name and an emoji")
)

// Store is safe for concurrent use.
type Store struct {
	db *bun.DB
}

// ImportResult reports what an import wrote.
type ImportResult struct {
	Events int `json:"imported"`
	// Categories counts categories created by the import; names already
	// present are reused.
	Categories int `json:"categories"`
	Skipped    int `json:"skipped"`
}

// Open opens (or creates) the database at dsn and ensures the schema.
// An empty dsn or ":memory:" opens a private in-memory database.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = memoryDSN
	}
	if dsn != memoryDSN && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o700); err != nil {
			return nil, fmt.Errorf("store: create directory: %w", err)
		}
	}

	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if dsn == memoryDSN {
		// Every connection to :memory: is a separate database.
		sqldb.SetMaxOpenConns(1)
	}

	s := &Store{db: bun.NewDB(sqldb, sqlitedialect.New())}
	if err := s.migrate(ctx); err != nil {
		_ = s.db.Close()
		return nil, err
	}
	appLog.Info("store opened", "dsn", dsn)
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, m := range []interface{}{
		(*eventRow)(nil),
		(*categoryRow)(nil),
	} {
		if _, err := s.db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("store: create table: %w", err)
		}
	}
	indexes := []struct{ name, column string }{
		{"events_series_id_idx", "series_id"},
		{"events_start_date_idx", "start_date"},
		{"events_source_id_idx", "source_id"},
	}
	for _, idx := range indexes {
		if _, err := s.db.NewCreateIndex().
			Model((*eventRow)(nil)).
			Index(idx.name).
			Column(idx.column).
			IfNotExists().
			Exec(ctx); err != nil {
			return fmt.Errorf("store: create index %s: %w", idx.name, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveInstances validates every event and upserts them in one transaction.
// Nothing is written if any event is invalid.
func (s *Store) SaveInstances(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	rows, err := eventRows(events)
	if err != nil {
		return err
	}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return upsertEvents(ctx, tx, rows)
	})
}

func eventRows(events []model.Event) ([]eventRow, error) {
	rows := make([]eventRow, 0, len(events))
	for i, ev := range events {
		if ev.ID == "" {
			return nil, fmt.Errorf("event %d: id is empty", i)
		}
		if err := ev.Validate(); err != nil {
			return nil, fmt.Errorf("event %s: %w", ev.ID, err)
		}
		row, err := toEventRow(ev)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func upsertEvents(ctx context.Context, db bun.IDB, rows []eventRow) error {
	if len(rows) == 0 {
		return nil
	}
	if _, err := db.NewInsert().
		Model(&rows).
		On("CONFLICT (id) DO UPDATE").
		Set("title = EXCLUDED.title").
		Set("start_date = EXCLUDED.start_date").
		Set("end_date = EXCLUDED.end_date").
		Set("all_day = EXCLUDED.all_day").
		Set("location = EXCLUDED.location").
		Set("description = EXCLUDED.description").
		Set("category_id = EXCLUDED.category_id").
		Set("rule = EXCLUDED.rule").
		Set("series_id = EXCLUDED.series_id").
		Set("sequence = EXCLUDED.sequence").
		Set("source_id = EXCLUDED.source_id").
		Exec(ctx); err != nil {
		return fmt.Errorf("store: upsert events: %w", err)
	}
	return nil
}

// Events returns instances starting within [from, to], ordered by start
// then sequence.
func (s *Store) Events(ctx context.Context, from, to time.Time) ([]model.Event, error) {
	var rows []eventRow
	if err := s.db.NewSelect().
		Model(&rows).
		Where("start_date >= ?", from.Unix()).
		Where("start_date <= ?", to.Unix()).
		Order("start_date ASC", "sequence ASC", "id ASC").
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	return eventsFromRows(rows)
}

func (s *Store) AllEvents(ctx context.Context) ([]model.Event, error) {
	var rows []eventRow
	if err := s.db.NewSelect().
		Model(&rows).
		Order("start_date ASC", "sequence ASC", "id ASC").
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	return eventsFromRows(rows)
}

func (s *Store) Event(ctx context.Context, id string) (model.Event, error) {
	var row eventRow
	if err := s.db.NewSelect().Model(&row).Where("id = ?", id).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Event{}, ErrNotFound
		}
		return model.Event{}, fmt.Errorf("store: get event: %w", err)
	}
	return row.event()
}

// DeleteEvent removes one instance. Other instances of its series are untouched.
func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	res, err := s.db.NewDelete().Model((*eventRow)(nil)).Where("id = ?", id).Exec(ctx)
	if err != nil {
		return fmt.Errorf("store: delete event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSeries removes every instance sharing seriesID and returns how many
// were deleted.
func (s *Store) DeleteSeries(ctx context.Context, seriesID string) (int, error) {
	if seriesID == "" {
		return 0, ErrNotFound
	}
	res, err := s.db.NewDelete().Model((*eventRow)(nil)).Where("series_id = ?", seriesID).Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: delete series: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return 0, ErrNotFound
	}
	appLog.Debug("series deleted", "series_id", seriesID, "count", n)
	return int(n), nil
}

// SaveCategory creates or updates a category. An empty ID is filled in.
func (s *Store) SaveCategory(ctx context.Context, c model.Category) (model.Category, error) {
	if strings.TrimSpace(c.Name) == "" || c.Emoji == "" {
		return model.Category{}, ErrInvalidCategory
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	row := toCategoryRow(c)
	if _, err := s.db.NewInsert().
		Model(&row).
		On("CONFLICT (id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("color = EXCLUDED.color").
		Set("emoji = EXCLUDED.emoji").
		Exec(ctx); err != nil {
		return model.Category{}, fmt.Errorf("store: save category: %w", err)
	}
	return row.category(), nil
}

func (s *Store) Categories(ctx context.Context) ([]model.Category, error) {
	return categories(ctx, s.db)
}

func categories(ctx context.Context, db bun.IDB) ([]model.Category, error) {
	var rows []categoryRow
	if err := db.NewSelect().Model(&rows).Order("created_at ASC", "name ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("store: list categories: %w", err)
	}
	out := make([]model.Category, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.category())
	}
	return out, nil
}

// DeleteCategory removes a category. Events referring to it keep the id,
// which then resolves to no category.
func (s *Store) DeleteCategory(ctx context.Context, id string) error {
	res, err := s.db.NewDelete().Model((*categoryRow)(nil)).Where("id = ?", id).Exec(ctx)
	if err != nil {
		return fmt.Errorf("store: delete category: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ImportCalendar stores a decoded calendar. Categories are matched to stored
// ones by name; unmatched names are created. Event category ids are remapped
// accordingly.
func (s *Store) ImportCalendar(ctx context.Context, cal *ics.Calendar) (ImportResult, error) {
	var res ImportResult
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		res, err = importTx(ctx, tx, cal)
		return err
	})
	if err != nil {
		return ImportResult{}, err
	}
	return res, nil
}

// ReplaceSource swaps the events previously imported from sourceID for the
// events of cal.
func (s *Store) ReplaceSource(ctx context.Context, sourceID string, cal *ics.Calendar) (ImportResult, error) {
	if sourceID == "" {
		return ImportResult{}, errors.New("store: source id is empty")
	}
	var res ImportResult
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*eventRow)(nil)).
			Where("source_id = ?", sourceID).
			Exec(ctx); err != nil {
			return fmt.Errorf("store: clear source: %w", err)
		}
		for i := range cal.Events {
			cal.Events[i].SourceID = sourceID
		}
		var err error
		res, err = importTx(ctx, tx, cal)
		return err
	})
	if err != nil {
		return ImportResult{}, err
	}
	appLog.Info("source replaced", "source_id", sourceID, "events", res.Events, "new_categories", res.Categories)
	return res, nil
}

// nameKey is the case-folded, trimmed form used to match category names.
func nameKey(fold cases.Caser, name string) string {
	return fold.String(strings.TrimSpace(name))
}

func importTx(ctx context.Context, tx bun.IDB, cal *ics.Calendar) (ImportResult, error) {
	res := ImportResult{Skipped: cal.Skipped}

	existing, err := categories(ctx, tx)
	if err != nil {
		return res, err
	}
	fold := cases.Fold()
	byName := make(map[string]string, len(existing))
	for _, c := range existing {
		byName[nameKey(fold, c.Name)] = c.ID
	}

	remap := make(map[string]string, len(cal.Categories))
	var fresh []categoryRow
	for _, c := range cal.Categories {
		key := nameKey(fold, c.Name)
		if id, ok := byName[key]; ok {
			remap[c.ID] = id
			continue
		}
		byName[key] = c.ID
		remap[c.ID] = c.ID
		fresh = append(fresh, toCategoryRow(c))
	}
	if len(fresh) > 0 {
		if _, err := tx.NewInsert().Model(&fresh).Exec(ctx); err != nil {
			return res, fmt.Errorf("store: insert categories: %w", err)
		}
	}
	res.Categories = len(fresh)

	events := make([]model.Event, len(cal.Events))
	copy(events, cal.Events)
	for i := range events {
		if id, ok := remap[events[i].CategoryID]; ok {
			events[i].CategoryID = id
		}
	}
	rows, err := eventRows(events)
	if err != nil {
		return res, err
	}
	if err := upsertEvents(ctx, tx, rows); err != nil {
		return res, err
	}
	res.Events = len(rows)
	return res, nil
}
