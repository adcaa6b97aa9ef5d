package ics

import (
	"strings"
	"time"
)

const (
	dateLayout     = "20060102"
	dateTimeLayout = "20060102T150405"
)

// textEscaper escapes backslash first so the escapes it introduces are not
// escaped again. CRLF and lone CR become \n like LF: the decoder ends a line
// on any of them, so a raw CR would cut the property short.
var textEscaper = strings.NewReplacer(
	`\`, `\\`,
	`;`, `\;`,
	`,`, `\,`,
	"\r\n", `\n`,
	"\r", `\n`,
	"\n", `\n`,
)

// EscapeText escapes a TEXT property value. Line breaks of any style are
// written as \n, so they decode as LF.
func EscapeText(s string) string {
	return textEscaper.Replace(s)
}

// UnescapeText reverses EscapeText: \; -> ;  \, -> ,  \n -> newline and
// \\ -> \. It scans left to right in one pass so an escaped backslash is
// never re-read as the start of another escape. Unknown escapes are kept
// verbatim.
func UnescapeText(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}
		switch next := s[i+1]; next {
		case ';', ',', '\\':
			b.WriteByte(next)
			i++
		case 'n', 'N':
			b.WriteByte('\n')
			i++
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// splitEscaped splits s on sep, ignoring separators preceded by a backslash
// escape. The parts are returned still escaped.
func splitEscaped(s string, sep byte) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case sep:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

func formatDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

func formatDateTime(t time.Time) string {
	return t.UTC().Format(dateTimeLayout) + "Z"
}

// parseDate parses a DATE (YYYYMMDD) value.
func parseDate(v string) (time.Time, error) {
	return time.ParseInLocation(dateLayout, strings.TrimSpace(v), time.UTC)
}

// parseDateTime parses a DATE-TIME value. A trailing Z is accepted and
// ignored; every value is read as UTC.
func parseDateTime(v string) (time.Time, error) {
	v = strings.TrimSuffix(strings.TrimSpace(v), "Z")
	return time.ParseInLocation(dateTimeLayout, v, time.UTC)
}

// parseDateValue reads a DTSTART/DTEND-style value. dateOnly selects the
// DATE form. A DATE-TIME property carrying a bare date is still accepted,
// and reported as date-only.
func parseDateValue(v string, dateOnly bool) (t time.Time, isDate bool, err error) {
	if dateOnly {
		t, err = parseDate(v)
		return t, true, err
	}
	t, err = parseDateTime(v)
	if err == nil {
		return t, false, nil
	}
	if d, derr := parseDate(v); derr == nil {
		return d, true, nil
	}
	return time.Time{}, false, err
}
