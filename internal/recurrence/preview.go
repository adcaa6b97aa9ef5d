package recurrence

import (
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"calrecur/internal/model"
)

var ErrNotRecurring = errors.New("event has no recurrence rule")

var rruleWeekdays = [...]rrule.Weekday{
	time.Sunday:    rrule.SU,
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
}

// ROption converts rule into the RFC 5545 option set understood by rrule-go.
//
// The conversion describes the standard interpretation of the rule, which
// differs from Run in two places: RFC month-day rules skip months that lack
// the day instead of clamping, and weekly rules never take the
// 7*interval fallback step.
func ROption(rule model.RecurrenceRule, dtstart time.Time) (rrule.ROption, error) {
	rule = rule.Normalized()
	dtstart = dtstart.UTC()

	opt := rrule.ROption{
		Interval: rule.Interval,
		Dtstart:  dtstart,
		Wkst:     rrule.SU,
	}

	switch rule.Frequency {
	case model.Daily:
		opt.Freq = rrule.DAILY
	case model.Weekly:
		opt.Freq = rrule.WEEKLY
		days := rule.WeeklyDays
		if len(days) == 0 {
			days = []time.Weekday{dtstart.Weekday()}
		}
		for _, d := range days {
			opt.Byweekday = append(opt.Byweekday, rruleWeekdays[d])
		}
	case model.Monthly:
		opt.Freq = rrule.MONTHLY
		switch m := rule.Monthly.(type) {
		case model.NthWeekday:
			opt.Byweekday = []rrule.Weekday{rruleWeekdays[m.Weekday].Nth(m.Week)}
		case model.DayOfMonth:
			opt.Bymonthday = []int{m.Day}
		default:
			opt.Bymonthday = []int{dtstart.Day()}
		}
	case model.Yearly:
		opt.Freq = rrule.YEARLY
		switch m := rule.Yearly.(type) {
		case model.YearlyNthWeekday:
			opt.Bymonth = []int{int(m.Month)}
			opt.Byweekday = []rrule.Weekday{rruleWeekdays[m.Weekday].Nth(m.Week)}
		case model.FixedDate:
			opt.Bymonth = []int{int(m.Month)}
			opt.Bymonthday = []int{m.Day}
		}
	case model.Custom:
		switch rule.CustomUnit {
		case model.Weeks:
			opt.Freq = rrule.WEEKLY
		case model.Months:
			opt.Freq = rrule.MONTHLY
		case model.Years:
			opt.Freq = rrule.YEARLY
		default:
			opt.Freq = rrule.DAILY
		}
	default:
		return opt, fmt.Errorf("rrule option: unsupported frequency %q", rule.Frequency)
	}

	switch e := rule.End.(type) {
	case model.After:
		opt.Count = e.Count + 1
	case model.OnDate:
		opt.Until = endOfDay(e.Date)
	}

	return opt, nil
}

// Preview returns up to n start times of tmpl's rule under the standard
// RFC 5545 interpretation.
func Preview(tmpl model.Event, n int) ([]time.Time, error) {
	r, err := newRRule(tmpl, n)
	if err != nil {
		return nil, err
	}
	return r.All(), nil
}

// Between returns the standard-interpretation start times of tmpl's rule that
// fall within [from, to], bounded by DefaultMaxInstances.
func Between(tmpl model.Event, from, to time.Time) ([]time.Time, error) {
	if to.Before(from) {
		return nil, errors.New("between: to is before from")
	}
	r, err := newRRule(tmpl, 0)
	if err != nil {
		return nil, err
	}
	out := r.Between(from.UTC(), to.UTC(), true)
	if len(out) > DefaultMaxInstances {
		out = out[:DefaultMaxInstances]
	}
	return out, nil
}

func newRRule(tmpl model.Event, n int) (*rrule.RRule, error) {
	if tmpl.Recurrence == nil {
		return nil, ErrNotRecurring
	}
	opt, err := ROption(*tmpl.Recurrence, tmpl.Start)
	if err != nil {
		return nil, err
	}
	if n <= 0 || n > DefaultMaxInstances {
		n = DefaultMaxInstances
	}
	if opt.Count == 0 || opt.Count > n {
		opt.Count = n
	}
	r, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, fmt.Errorf("rrule: %w", err)
	}
	return r, nil
}
