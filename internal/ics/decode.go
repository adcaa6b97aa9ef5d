package ics

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	appLog "calrecur/internal/log"
	"calrecur/internal/model"
)

const maxLineSize = 1 << 20

// ErrMalformedInput is returned when the input cannot be read as lines.
var ErrMalformedInput = errors.New("ics: malformed input")

// Calendar is the result of decoding interchange text.
type Calendar struct {
	// Name is the X-WR-CALNAME of the document, if any.
	Name       string
	Events     []model.Event
	Categories []model.Category
	// Skipped counts VEVENT blocks dropped for lacking a title or start.
	Skipped int
}

// Decoder reads interchange text back into events and categories.
type Decoder struct {
	// Palette is the set of colors assigned to newly seen categories.
	Palette []string
	// DefaultEmoji is given to newly seen categories.
	DefaultEmoji string
	// Pick returns an index in [0, n). Defaults to math/rand.
	Pick func(n int) int
	// NewID generates event and category ids. Defaults to uuid.NewString.
	NewID func() string
	// Now supplies creation timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Decode decodes text with the default Decoder.
func Decode(text string) (*Calendar, error) {
	return Decoder{}.Decode(text)
}

func (d Decoder) Decode(text string) (*Calendar, error) {
	return d.DecodeReader(strings.NewReader(text))
}

// DecodeReader decodes a VCALENDAR stream. Lines may end in CRLF, LF or CR.
// Individual malformed properties are skipped; a VEVENT is kept only when
// it produced both a title and a start date. The only error is
// ErrMalformedInput, when the stream itself cannot be split into lines.
func (d Decoder) DecodeReader(r io.Reader) (*Calendar, error) {
	d = d.withDefaults()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	scanner.Split(scanLines)

	state := &decodeState{
		dec:        d,
		cal:        &Calendar{},
		categories: make(map[string]string),
	}
	for scanner.Scan() {
		state.line(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedInput, err)
	}
	if state.current != nil {
		// Unterminated VEVENT at end of input.
		state.cal.Skipped++
	}

	appLog.Info("ics decode completed",
		"event_count", len(state.cal.Events),
		"skipped", state.cal.Skipped,
		"category_count", len(state.cal.Categories),
	)
	return state.cal, nil
}

func (d Decoder) withDefaults() Decoder {
	if len(d.Palette) == 0 {
		d.Palette = DefaultPalette
	}
	if d.DefaultEmoji == "" {
		d.DefaultEmoji = DefaultEmoji
	}
	if d.Pick == nil {
		d.Pick = rand.IntN
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

type decodeState struct {
	dec     Decoder
	cal     *Calendar
	current *eventBuilder
	// categories maps a category name to its id within this document.
	categories map[string]string
}

type eventBuilder struct {
	ev       model.Event
	hasTitle bool
	hasStart bool
	hasEnd   bool
	rule     *ruleDraft
	// depth counts nested components (VALARM, ...) currently open.
	depth int
}

func (s *decodeState) line(raw string) {
	key, value, ok := strings.Cut(raw, ":")
	if !ok {
		return
	}
	// Text values keep their surrounding spaces; date and rule parsers trim.
	if value == "" {
		return
	}
	name, params := splitKey(key)

	switch name {
	case "BEGIN":
		s.begin(strings.ToUpper(strings.TrimSpace(value)))
		return
	case "END":
		s.end(strings.ToUpper(strings.TrimSpace(value)))
		return
	}

	if s.current == nil {
		if name == "X-WR-CALNAME" {
			s.cal.Name = UnescapeText(value)
		}
		return
	}
	if s.current.depth > 0 {
		return
	}
	s.property(name, params, value)
}

func (s *decodeState) begin(component string) {
	if component != "VEVENT" {
		if s.current != nil {
			s.current.depth++
		}
		return
	}
	if s.current != nil {
		// A VEVENT cannot nest; drop the unfinished one.
		s.cal.Skipped++
	}
	now := s.dec.Now().UTC()
	s.current = &eventBuilder{ev: model.Event{
		ID:        s.dec.NewID(),
		CreatedAt: now,
	}}
}

func (s *decodeState) end(component string) {
	if s.current == nil {
		return
	}
	if component != "VEVENT" {
		if s.current.depth > 0 {
			s.current.depth--
		}
		return
	}

	b := s.current
	s.current = nil
	if !b.hasTitle || !b.hasStart {
		s.cal.Skipped++
		return
	}

	ev := b.ev
	if !b.hasEnd || ev.End.Before(ev.Start) {
		ev.End = ev.Start
	}
	if b.rule != nil {
		rule := b.rule.rule(ev.Start)
		ev.Recurrence = &rule
	}
	s.cal.Events = append(s.cal.Events, ev)
}

func (s *decodeState) property(name string, params map[string]string, value string) {
	b := s.current
	switch name {
	case "SUMMARY":
		b.ev.Title = UnescapeText(value)
		b.hasTitle = b.ev.Title != ""
	case "DESCRIPTION":
		b.ev.Description = UnescapeText(value)
	case "LOCATION":
		b.ev.Location = UnescapeText(value)
	case "DTSTART":
		t, isDate, err := parseDateValue(value, strings.EqualFold(params["VALUE"], "DATE"))
		if err != nil {
			return
		}
		b.ev.Start = t
		b.ev.AllDay = isDate
		b.hasStart = true
	case "DTEND":
		t, _, err := parseDateValue(value, strings.EqualFold(params["VALUE"], "DATE"))
		if err != nil {
			return
		}
		b.ev.End = t
		b.hasEnd = true
	case "CATEGORIES":
		for _, part := range splitEscaped(value, ',') {
			catName := strings.TrimSpace(UnescapeText(part))
			if catName == "" {
				continue
			}
			b.ev.CategoryID = s.category(catName)
		}
	case "RRULE":
		draft := parseRRule(value)
		b.rule = &draft
	}
}

// category returns the id of the named category, minting it on first sight.
func (s *decodeState) category(name string) string {
	if id, ok := s.categories[name]; ok {
		return id
	}
	c := model.Category{
		ID:        s.dec.NewID(),
		Name:      name,
		Color:     s.dec.Palette[s.dec.Pick(len(s.dec.Palette))],
		Emoji:     s.dec.DefaultEmoji,
		CreatedAt: s.dec.Now().UTC(),
	}
	s.categories[name] = c.ID
	s.cal.Categories = append(s.cal.Categories, c)
	return c.ID
}

// splitKey splits "DTSTART;VALUE=DATE" into the upper-cased property name
// and its parameters (names upper-cased, values unquoted).
func splitKey(key string) (string, map[string]string) {
	parts := strings.Split(key, ";")
	name := strings.ToUpper(strings.TrimSpace(parts[0]))
	if len(parts) == 1 {
		return name, nil
	}
	params := make(map[string]string, len(parts)-1)
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		params[strings.ToUpper(strings.TrimSpace(k))] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return name, params
}

// scanLines is a bufio.SplitFunc that accepts CRLF, LF and bare CR.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		if atEOF {
			return i + 1, data[:i], nil
		}
		// A trailing CR may be the first half of CRLF; wait for more.
		return 0, nil, nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
