package ics

import (
	"strings"
	"time"

	"calrecur/internal/model"
)

const (
	DefaultProdID    = "-//Calrecur//EN"
	DefaultUIDDomain = "calrecur.local"

	crlf = "\r\n"
)

// ProdID builds a PRODID value from an application name and locale.
func ProdID(app, locale string) string {
	return "-//" + app + "//" + locale
}

// Encoder writes events and categories as interchange text.
type Encoder struct {
	// ProdID is written in the calendar header. Defaults to DefaultProdID.
	ProdID string
	// UIDDomain is appended to event ids to form UIDs.
	UIDDomain string
	// Now supplies DTSTAMP. Defaults to time.Now.
	Now func() time.Time
}

// Encode serializes events with the default Encoder.
func Encode(events []model.Event, categories []model.Category) string {
	return Encoder{}.Encode(events, categories)
}

// Encode writes a VCALENDAR holding one VEVENT per event, in input order.
// It never fails; an event without a title gets an empty SUMMARY.
func (e Encoder) Encode(events []model.Event, categories []model.Category) string {
	prodID := e.ProdID
	if prodID == "" {
		prodID = DefaultProdID
	}
	domain := e.UIDDomain
	if domain == "" {
		domain = DefaultUIDDomain
	}
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	stamp := formatDateTime(now())
	byID := model.CategoryIndex(categories)

	var sb strings.Builder
	line := func(s ...string) {
		for _, p := range s {
			sb.WriteString(p)
		}
		sb.WriteString(crlf)
	}

	line("BEGIN:VCALENDAR")
	line("VERSION:2.0")
	line("PRODID:", prodID)
	line("CALSCALE:GREGORIAN")
	line("METHOD:PUBLISH")

	for _, ev := range events {
		line("BEGIN:VEVENT")
		line("UID:", ev.ID, "@", domain)
		line("DTSTAMP:", stamp)
		if ev.AllDay {
			line("DTSTART;VALUE=DATE:", formatDate(ev.Start))
			line("DTEND;VALUE=DATE:", formatDate(ev.End))
		} else {
			line("DTSTART:", formatDateTime(ev.Start))
			line("DTEND:", formatDateTime(ev.End))
		}
		line("SUMMARY:", EscapeText(ev.Title))
		if ev.Description != "" {
			line("DESCRIPTION:", EscapeText(ev.Description))
		}
		if ev.Location != "" {
			line("LOCATION:", EscapeText(ev.Location))
		}
		if c, ok := byID[ev.CategoryID]; ok && ev.CategoryID != "" {
			line("CATEGORIES:", EscapeText(c.Name))
		}
		if ev.Recurrence != nil {
			if rrule := FormatRRule(*ev.Recurrence); rrule != "" {
				line("RRULE:", rrule)
			}
		}
		line("END:VEVENT")
	}

	line("END:VCALENDAR")
	return sb.String()
}
