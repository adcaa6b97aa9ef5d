package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frequency is the base repetition unit of a RecurrenceRule.
type Frequency int

const (
	FrequencyNone Frequency = iota
	Daily
	Weekly
	Monthly
	Yearly
	Custom
)

func (f Frequency) String() string {
	switch f {
	case Daily:
		return "daily"
	case Weekly:
		return "weekly"
	case Monthly:
		return "monthly"
	case Yearly:
		return "yearly"
	case Custom:
		return "custom"
	default:
		return "none"
	}
}

// Valid reports whether f is one of the five supported frequencies.
func (f Frequency) Valid() bool {
	return f >= Daily && f <= Custom
}

func ParseFrequency(s string) Frequency {
	switch s {
	case "daily":
		return Daily
	case "weekly":
		return Weekly
	case "monthly":
		return Monthly
	case "yearly":
		return Yearly
	case "custom":
		return Custom
	default:
		return FrequencyNone
	}
}

// CustomUnit is the step unit of a Custom rule.
type CustomUnit int

const (
	UnitNone CustomUnit = iota
	Days
	Weeks
	Months
	Years
)

func (u CustomUnit) String() string {
	switch u {
	case Days:
		return "days"
	case Weeks:
		return "weeks"
	case Months:
		return "months"
	case Years:
		return "years"
	default:
		return "none"
	}
}

func ParseCustomUnit(s string) CustomUnit {
	switch s {
	case "days":
		return Days
	case "weeks":
		return Weeks
	case "months":
		return Months
	case "years":
		return Years
	default:
		return UnitNone
	}
}

// LastWeek is the week number meaning "last occurrence in the month".
const LastWeek = -1

// MonthlyMode is either DayOfMonth or NthWeekday.
type MonthlyMode interface {
	monthlyMode()
}

// DayOfMonth repeats on a fixed day (1-31) of the month.
type DayOfMonth struct {
	Day int
}

// NthWeekday repeats on the Week-th Weekday of the month.
// Week is 1..4 or LastWeek.
type NthWeekday struct {
	Week    int
	Weekday time.Weekday
}

func (DayOfMonth) monthlyMode() {}
func (NthWeekday) monthlyMode() {}

// YearlyMode is either FixedDate or YearlyNthWeekday.
type YearlyMode interface {
	yearlyMode()
}

type FixedDate struct {
	Month time.Month
	Day   int
}

type YearlyNthWeekday struct {
	Week    int
	Weekday time.Weekday
	Month   time.Month
}

func (FixedDate) yearlyMode()        {}
func (YearlyNthWeekday) yearlyMode() {}

// End is the termination policy: Never, After or OnDate.
type End interface {
	end()
}

type Never struct{}

// After stops once Count occurrences beyond the first have been produced.
type After struct {
	Count int
}

// OnDate stops after the given date (inclusive, through 23:59:59 UTC).
type OnDate struct {
	Date time.Time
}

func (Never) end()  {}
func (After) end()  {}
func (OnDate) end() {}

// RecurrenceRule describes how a template repeats. Exactly one of the mode
// payloads is meaningful for a given Frequency; use the constructors to build
// well-formed rules.
type RecurrenceRule struct {
	Frequency  Frequency
	Interval   int
	WeeklyDays []time.Weekday
	Monthly    MonthlyMode
	Yearly     YearlyMode
	CustomUnit CustomUnit
	End        End
}

func DailyRule(interval int, end End) RecurrenceRule {
	return RecurrenceRule{Frequency: Daily, Interval: interval, End: end}.normalized()
}

func WeeklyRule(interval int, days []time.Weekday, end End) RecurrenceRule {
	return RecurrenceRule{Frequency: Weekly, Interval: interval, WeeklyDays: days, End: end}.normalized()
}

func MonthlyRule(interval int, mode MonthlyMode, end End) RecurrenceRule {
	return RecurrenceRule{Frequency: Monthly, Interval: interval, Monthly: mode, End: end}.normalized()
}

func YearlyRule(interval int, mode YearlyMode, end End) RecurrenceRule {
	return RecurrenceRule{Frequency: Yearly, Interval: interval, Yearly: mode, End: end}.normalized()
}

func CustomRule(interval int, unit CustomUnit, end End) RecurrenceRule {
	return RecurrenceRule{Frequency: Custom, Interval: interval, CustomUnit: unit, End: end}.normalized()
}

// normalized enforces interval >= 1, a non-nil End, and drops payloads that
// do not belong to the rule's frequency.
func (r RecurrenceRule) normalized() RecurrenceRule {
	if r.Interval < 1 {
		r.Interval = 1
	}
	if r.End == nil {
		r.End = Never{}
	}
	if a, ok := r.End.(After); ok && a.Count < 1 {
		r.End = After{Count: 1}
	}
	if r.Frequency != Weekly {
		r.WeeklyDays = nil
	}
	if r.Frequency != Monthly {
		r.Monthly = nil
	}
	if r.Frequency != Yearly {
		r.Yearly = nil
	}
	if r.Frequency != Custom {
		r.CustomUnit = UnitNone
	}
	return r
}

// Normalized returns a copy of r with defaults applied.
func (r RecurrenceRule) Normalized() RecurrenceRule {
	return r.normalized()
}

// ruleJSON is the wire shape of RecurrenceRule. Modes are flattened into a
// "type" tag plus the fields of that variant.
type ruleJSON struct {
	Frequency  string    `json:"frequency"`
	Interval   int       `json:"interval,omitempty"`
	WeeklyDays []int     `json:"weekly_days,omitempty"`
	Monthly    *modeJSON `json:"monthly,omitempty"`
	Yearly     *modeJSON `json:"yearly,omitempty"`
	CustomUnit string    `json:"custom_unit,omitempty"`
	End        *endJSON  `json:"end,omitempty"`
}

type modeJSON struct {
	Type    string `json:"type"`
	Day     int    `json:"day,omitempty"`
	Week    int    `json:"week,omitempty"`
	Weekday int    `json:"weekday"`
	Month   int    `json:"month,omitempty"`
}

type endJSON struct {
	Type  string     `json:"type"`
	Count int        `json:"count,omitempty"`
	Date  *time.Time `json:"date,omitempty"`
}

func (r RecurrenceRule) MarshalJSON() ([]byte, error) {
	out := ruleJSON{
		Frequency: r.Frequency.String(),
		Interval:  r.Interval,
	}
	for _, d := range r.WeeklyDays {
		out.WeeklyDays = append(out.WeeklyDays, int(d))
	}
	switch m := r.Monthly.(type) {
	case DayOfMonth:
		out.Monthly = &modeJSON{Type: "day_of_month", Day: m.Day}
	case NthWeekday:
		out.Monthly = &modeJSON{Type: "nth_weekday", Week: m.Week, Weekday: int(m.Weekday)}
	}
	switch m := r.Yearly.(type) {
	case FixedDate:
		out.Yearly = &modeJSON{Type: "fixed_date", Month: int(m.Month), Day: m.Day}
	case YearlyNthWeekday:
		out.Yearly = &modeJSON{Type: "nth_weekday", Week: m.Week, Weekday: int(m.Weekday), Month: int(m.Month)}
	}
	if r.Frequency == Custom {
		out.CustomUnit = r.CustomUnit.String()
	}
	switch e := r.End.(type) {
	case After:
		out.End = &endJSON{Type: "after", Count: e.Count}
	case OnDate:
		d := e.Date
		out.End = &endJSON{Type: "on_date", Date: &d}
	default:
		out.End = &endJSON{Type: "never"}
	}
	return json.Marshal(out)
}

func (r *RecurrenceRule) UnmarshalJSON(data []byte) error {
	var in ruleJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	rule := RecurrenceRule{
		Frequency:  ParseFrequency(in.Frequency),
		Interval:   in.Interval,
		CustomUnit: ParseCustomUnit(in.CustomUnit),
	}
	for _, d := range in.WeeklyDays {
		if d < 0 || d > 6 {
			return fmt.Errorf("weekly_days: weekday %d out of range", d)
		}
		rule.WeeklyDays = append(rule.WeeklyDays, time.Weekday(d))
	}
	if in.Monthly != nil {
		switch in.Monthly.Type {
		case "day_of_month":
			rule.Monthly = DayOfMonth{Day: in.Monthly.Day}
		case "nth_weekday":
			rule.Monthly = NthWeekday{Week: in.Monthly.Week, Weekday: time.Weekday(in.Monthly.Weekday)}
		default:
			return fmt.Errorf("monthly: unknown mode %q", in.Monthly.Type)
		}
	}
	if in.Yearly != nil {
		switch in.Yearly.Type {
		case "fixed_date":
			rule.Yearly = FixedDate{Month: time.Month(in.Yearly.Month), Day: in.Yearly.Day}
		case "nth_weekday":
			rule.Yearly = YearlyNthWeekday{
				Week:    in.Yearly.Week,
				Weekday: time.Weekday(in.Yearly.Weekday),
				Month:   time.Month(in.Yearly.Month),
			}
		default:
			return fmt.Errorf("yearly: unknown mode %q", in.Yearly.Type)
		}
	}
	if in.End != nil {
		switch in.End.Type {
		case "", "never":
			rule.End = Never{}
		case "after":
			rule.End = After{Count: in.End.Count}
		case "on_date":
			if in.End.Date == nil {
				return fmt.Errorf("end: on_date without date")
			}
			rule.End = OnDate{Date: in.End.Date.UTC()}
		default:
			return fmt.Errorf("end: unknown policy %q", in.End.Type)
		}
	}

	*r = rule.normalized()
	return nil
}
