package ics

import (
	"bytes"
	"errors"
	"strings"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	appLog "calrecur/internal/log"
	"calrecur/internal/model"
)

// feedNamespace scopes ids of events imported from subscriptions so that a
// refresh of the same feed yields the same ids.
var feedNamespace = uuid.MustParse("0c9b7b52-31de-4b8e-bb0e-7f5f8f3f2d14")

// ImportFeed reads a third-party subscription body. Unlike Decode it goes
// through a full iCalendar parser, so folded lines and TZID-qualified times
// are understood. Times are converted to UTC. RRULE values are read with the
// same rule parser Decode uses. Events without a summary or start are
// counted in Skipped.
func (d Decoder) ImportFeed(src Source, body []byte) (*Calendar, error) {
	if len(body) == 0 {
		return nil, errors.New("empty feed body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("feed parse failed", err, "id", src.ID, "url", redactURL(src.URL))
		return nil, err
	}

	state := &decodeState{
		dec:        d.withDefaults(),
		cal:        &Calendar{Name: src.Name},
		categories: make(map[string]string),
	}
	for _, ve := range cal.Events() {
		ev, ok := state.feedEvent(src, ve)
		if !ok {
			state.cal.Skipped++
			continue
		}
		state.cal.Events = append(state.cal.Events, ev)
	}

	appLog.Info("feed import completed",
		"id", src.ID,
		"url", redactURL(src.URL),
		"event_count", len(state.cal.Events),
		"skipped", state.cal.Skipped,
	)
	return state.cal, nil
}

func (s *decodeState) feedEvent(src Source, ve *ical.VEvent) (model.Event, bool) {
	ev := model.Event{
		SourceID:  src.ID,
		CreatedAt: s.dec.Now().UTC(),
	}

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		ev.Title = UnescapeText(p.Value)
	}
	if ev.Title == "" {
		return ev, false
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		ev.Description = UnescapeText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		ev.Location = UnescapeText(p.Value)
	}

	startProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if startProp == nil {
		return ev, false
	}
	if isDateProp(startProp) {
		t, err := parseDate(startProp.Value)
		if err != nil {
			return ev, false
		}
		ev.Start = t
		ev.AllDay = true
	} else {
		t, err := ve.GetStartAt()
		if err != nil {
			return ev, false
		}
		ev.Start = t.UTC()
	}

	ev.End = ev.Start
	if endProp := ve.GetProperty(ical.ComponentPropertyDtEnd); endProp != nil {
		if isDateProp(endProp) {
			if t, err := parseDate(endProp.Value); err == nil {
				ev.End = t
			}
		} else if t, err := ve.GetEndAt(); err == nil {
			ev.End = t.UTC()
		}
	}
	if ev.End.Before(ev.Start) {
		ev.End = ev.Start
	}

	if p := ve.GetProperty(ical.ComponentPropertyCategories); p != nil {
		for _, part := range splitEscaped(p.Value, ',') {
			if name := strings.TrimSpace(UnescapeText(part)); name != "" {
				ev.CategoryID = s.category(name)
			}
		}
	}
	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil && p.Value != "" {
		rule := ParseRRule(p.Value, ev.Start)
		ev.Recurrence = &rule
	}

	uid := ""
	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		uid = p.Value
	}
	if uid == "" {
		ev.ID = s.dec.NewID()
	} else {
		key := src.ID + "|" + uid
		if p := ve.GetProperty(ical.ComponentProperty("RECURRENCE-ID")); p != nil {
			key += "|" + p.Value
		}
		ev.ID = uuid.NewSHA1(feedNamespace, []byte(key)).String()
	}
	return ev, true
}

// isDateProp reports whether a DTSTART/DTEND property holds a DATE value.
func isDateProp(p *ical.IANAProperty) bool {
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

// ImportFeed reads a subscription body with the default Decoder.
func ImportFeed(src Source, body []byte) (*Calendar, error) {
	return Decoder{}.ImportFeed(src, body)
}
