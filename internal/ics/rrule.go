package ics

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"calrecur/internal/model"
)

var dayCodes = [...]string{
	time.Sunday:    "SU",
	time.Monday:    "MO",
	time.Tuesday:   "TU",
	time.Wednesday: "WE",
	time.Thursday:  "TH",
	time.Friday:    "FR",
	time.Saturday:  "SA",
}

func weekdayFromCode(code string) (time.Weekday, bool) {
	for d, c := range dayCodes {
		if c == code {
			return time.Weekday(d), true
		}
	}
	return 0, false
}

// ruleFreq maps a rule to its FREQ value. Custom rules use their unit, an
// unknown unit falls back to DAILY.
func ruleFreq(rule model.RecurrenceRule) string {
	switch rule.Frequency {
	case model.Daily:
		return "DAILY"
	case model.Weekly:
		return "WEEKLY"
	case model.Monthly:
		return "MONTHLY"
	case model.Yearly:
		return "YEARLY"
	case model.Custom:
		switch rule.CustomUnit {
		case model.Weeks:
			return "WEEKLY"
		case model.Months:
			return "MONTHLY"
		case model.Years:
			return "YEARLY"
		default:
			return "DAILY"
		}
	}
	return ""
}

// FormatRRule renders rule as an RRULE value:
//
//	FREQ=...[;INTERVAL=n][;BYDAY=xx,yy][;COUNT=n|;UNTIL=<date-time>]
//
// It returns "" for a rule without a supported frequency.
func FormatRRule(rule model.RecurrenceRule) string {
	freq := ruleFreq(rule)
	if freq == "" {
		return ""
	}

	parts := []string{"FREQ=" + freq}
	if rule.Interval > 1 {
		parts = append(parts, fmt.Sprintf("INTERVAL=%d", rule.Interval))
	}
	if rule.Frequency == model.Weekly && len(rule.WeeklyDays) > 0 {
		days := make([]string, 0, len(rule.WeeklyDays))
		for _, d := range rule.WeeklyDays {
			if d >= time.Sunday && d <= time.Saturday {
				days = append(days, dayCodes[d])
			}
		}
		if len(days) > 0 {
			parts = append(parts, "BYDAY="+strings.Join(days, ","))
		}
	}
	switch e := rule.End.(type) {
	case model.After:
		parts = append(parts, fmt.Sprintf("COUNT=%d", e.Count))
	case model.OnDate:
		d := e.Date.UTC()
		until := time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, 0, time.UTC)
		parts = append(parts, "UNTIL="+formatDateTime(until))
	}
	return strings.Join(parts, ";")
}

// ruleDraft collects RRULE parts while a VEVENT is being read. It is turned
// into a RecurrenceRule once DTSTART is known, since the monthly and yearly
// modes default to the start date.
type ruleDraft struct {
	freq       model.Frequency
	interval   int
	days       []time.Weekday
	ordinal    *model.NthWeekday
	monthDay   int
	month      time.Month
	end        model.End
	unknownKey []string
}

// parseRRule reads an RRULE value. It never fails: unknown keys and
// malformed values are skipped. An unrecognized FREQ is read as DAILY.
func parseRRule(value string) ruleDraft {
	d := ruleDraft{interval: 1, end: model.Never{}}

	for _, part := range strings.Split(value, ";") {
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		val = strings.TrimSpace(val)

		switch key {
		case "FREQ":
			switch strings.ToUpper(val) {
			case "DAILY":
				d.freq = model.Daily
			case "WEEKLY":
				d.freq = model.Weekly
			case "MONTHLY":
				d.freq = model.Monthly
			case "YEARLY":
				d.freq = model.Yearly
			default:
				d.freq = model.Daily
				d.unknownKey = append(d.unknownKey, "FREQ="+val)
			}
		case "INTERVAL":
			if n, err := strconv.Atoi(val); err == nil && n > 0 {
				d.interval = n
			}
		case "BYDAY":
			for _, code := range strings.Split(val, ",") {
				code = strings.ToUpper(strings.TrimSpace(code))
				if len(code) < 2 {
					continue
				}
				wd, ok := weekdayFromCode(code[len(code)-2:])
				if !ok {
					continue
				}
				if prefix := code[:len(code)-2]; prefix != "" {
					n, err := strconv.Atoi(strings.TrimPrefix(prefix, "+"))
					if err != nil || n == 0 || n < -1 || n > 4 {
						continue
					}
					d.ordinal = &model.NthWeekday{Week: n, Weekday: wd}
					continue
				}
				d.days = append(d.days, wd)
			}
		case "BYMONTHDAY":
			first, _, _ := strings.Cut(val, ",")
			if n, err := strconv.Atoi(first); err == nil && n >= 1 && n <= 31 {
				d.monthDay = n
			}
		case "BYMONTH":
			first, _, _ := strings.Cut(val, ",")
			if n, err := strconv.Atoi(first); err == nil && n >= 1 && n <= 12 {
				d.month = time.Month(n)
			}
		case "COUNT":
			if n, err := strconv.Atoi(val); err == nil && n > 0 {
				d.end = model.After{Count: n}
			}
		case "UNTIL":
			if t, _, err := parseDateValue(val, false); err == nil {
				d.end = model.OnDate{Date: t}
			}
		default:
			d.unknownKey = append(d.unknownKey, key)
		}
	}
	return d
}

// rule builds the RecurrenceRule for an event starting at start.
func (d ruleDraft) rule(start time.Time) model.RecurrenceRule {
	start = start.UTC()
	switch d.freq {
	case model.Weekly:
		return model.WeeklyRule(d.interval, d.days, d.end)
	case model.Monthly:
		switch {
		case d.ordinal != nil:
			return model.MonthlyRule(d.interval, *d.ordinal, d.end)
		case d.monthDay > 0:
			return model.MonthlyRule(d.interval, model.DayOfMonth{Day: d.monthDay}, d.end)
		default:
			return model.MonthlyRule(d.interval, model.DayOfMonth{Day: start.Day()}, d.end)
		}
	case model.Yearly:
		month := d.month
		if month == 0 {
			month = start.Month()
		}
		switch {
		case d.ordinal != nil:
			return model.YearlyRule(d.interval, model.YearlyNthWeekday{
				Week:    d.ordinal.Week,
				Weekday: d.ordinal.Weekday,
				Month:   month,
			}, d.end)
		case d.monthDay > 0:
			return model.YearlyRule(d.interval, model.FixedDate{Month: month, Day: d.monthDay}, d.end)
		default:
			return model.YearlyRule(d.interval, model.FixedDate{Month: month, Day: start.Day()}, d.end)
		}
	default:
		return model.DailyRule(d.interval, d.end)
	}
}

// ParseRRule reads an RRULE value for an event starting at start.
func ParseRRule(value string, start time.Time) model.RecurrenceRule {
	return parseRRule(value).rule(start)
}
