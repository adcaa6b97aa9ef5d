package recurrence

import (
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"

	appLog "calrecur/internal/log"
	"calrecur/internal/model"
)

const (
	// DefaultMaxInstances bounds every expansion, including rules that never end.
	DefaultMaxInstances = 100
)

// seriesNamespace scopes the name-based UUIDs used for series and instance ids.
var seriesNamespace = uuid.MustParse("6f1b5d0e-5c57-4d2f-9a4e-2f3c1c7f0a61")

// Expander turns a template event into its concrete instances.
type Expander struct {
	// MaxInstances caps the number of instances (seed included). Values
	// outside 1..DefaultMaxInstances fall back to DefaultMaxInstances.
	MaxInstances int
}

// Result wraps the expanded instances.
type Result struct {
	Instances []model.Event
	// Truncated is true when the cap stopped the expansion before the
	// rule's own end policy did.
	Truncated bool
}

// Expand expands tmpl with the default cap.
func Expand(tmpl model.Event) []model.Event {
	return Expander{}.Run(tmpl).Instances
}

// Run expands tmpl into an ordered list of instances. The template itself is
// always the first instance (sequence 0). The function is pure: identical
// input yields identical output, ids included.
//
// Monthly DayOfMonth, Yearly FixedDate and the Custom month/year units keep
// the requested day only where the target month has it. Otherwise the
// instance falls on that month's last day: the 31st becomes Apr 30 and
// Feb 29 becomes Feb 28 in a common year.
func (x Expander) Run(tmpl model.Event) Result {
	limit := x.MaxInstances
	if limit < 1 || limit > DefaultMaxInstances {
		limit = DefaultMaxInstances
	}

	tmpl.Start = tmpl.Start.UTC()
	tmpl.End = tmpl.End.UTC()

	if tmpl.Recurrence == nil || !tmpl.Recurrence.Frequency.Valid() {
		single := tmpl
		single.Sequence = 0
		return Result{Instances: []model.Event{single}}
	}

	rule := tmpl.Recurrence.Normalized()
	seriesID := tmpl.SeriesID
	if seriesID == "" {
		seriesID = deriveSeriesID(tmpl)
	}
	duration := tmpl.Duration()
	next := stepper(rule, tmpl.Start)

	instances := []model.Event{instance(tmpl, seriesID, 0, tmpl.Start, duration)}
	prev := tmpl.Start
	truncated := false

	for {
		if a, ok := rule.End.(model.After); ok && len(instances) >= a.Count+1 {
			break
		}
		if len(instances) >= limit {
			truncated = true
			break
		}

		start := next(prev)
		if !start.After(prev) {
			break
		}
		if d, ok := rule.End.(model.OnDate); ok && start.After(endOfDay(d.Date)) {
			break
		}

		instances = append(instances, instance(tmpl, seriesID, len(instances), start, duration))
		prev = start
	}

	if truncated {
		appLog.Debug("expand: hit instance cap", "series_id", seriesID, "cap", limit, "frequency", rule.Frequency.String())
	}

	return Result{Instances: instances, Truncated: truncated}
}

// instance copies tmpl into the seq-th member of the series.
func instance(tmpl model.Event, seriesID string, seq int, start time.Time, duration time.Duration) model.Event {
	ev := tmpl
	ev.Start = start
	ev.End = start.Add(duration)
	ev.SeriesID = seriesID
	ev.Sequence = seq
	if seq > 0 || ev.ID == "" {
		ev.ID = uuid.NewSHA1(uuid.MustParse(seriesID), []byte(strconv.Itoa(seq))).String()
	}
	if ev.Recurrence != nil {
		rule := *ev.Recurrence
		rule.WeeklyDays = slices.Clone(rule.WeeklyDays)
		ev.Recurrence = &rule
	}
	return ev
}

func deriveSeriesID(tmpl model.Event) string {
	key := tmpl.ID
	if key == "" {
		key = tmpl.Title + "|" + tmpl.Start.Format(time.RFC3339Nano)
	}
	return uuid.NewSHA1(seriesNamespace, []byte(key)).String()
}

// stepper returns the function computing the next start from the previous one.
func stepper(rule model.RecurrenceRule, anchor time.Time) func(prev time.Time) time.Time {
	interval := rule.Interval

	switch rule.Frequency {
	case model.Daily:
		return func(prev time.Time) time.Time {
			return prev.AddDate(0, 0, interval)
		}

	case model.Weekly:
		days := rule.WeeklyDays
		if len(days) == 0 {
			days = []time.Weekday{anchor.Weekday()}
		}
		return func(prev time.Time) time.Time {
			return nextWeekly(prev, anchor, days, interval)
		}

	case model.Monthly:
		mode := rule.Monthly
		if mode == nil {
			mode = model.DayOfMonth{Day: anchor.Day()}
		}
		return func(prev time.Time) time.Time {
			switch m := mode.(type) {
			case model.NthWeekday:
				target := time.Date(prev.Year(), prev.Month()+time.Month(interval), 1, 0, 0, 0, 0, time.UTC)
				return withClock(NthWeekdayOfMonth(target.Year(), target.Month(), m.Weekday, m.Week), anchor)
			case model.DayOfMonth:
				return withClock(clampedDate(prev.Year(), prev.Month()+time.Month(interval), m.Day), anchor)
			default:
				return withClock(addMonths(prev, interval), anchor)
			}
		}

	case model.Yearly:
		mode := rule.Yearly
		if mode == nil {
			mode = model.FixedDate{Month: anchor.Month(), Day: anchor.Day()}
		}
		return func(prev time.Time) time.Time {
			year := prev.Year() + interval
			switch m := mode.(type) {
			case model.YearlyNthWeekday:
				return withClock(NthWeekdayOfMonth(year, m.Month, m.Weekday, m.Week), anchor)
			case model.FixedDate:
				return withClock(clampedDate(year, m.Month, m.Day), anchor)
			default:
				return withClock(addMonths(prev, 12*interval), anchor)
			}
		}

	case model.Custom:
		unit := rule.CustomUnit
		return func(prev time.Time) time.Time {
			switch unit {
			case model.Weeks:
				return prev.AddDate(0, 0, 7*interval)
			case model.Months:
				return withClock(clampedDate(prev.Year(), prev.Month()+time.Month(interval), anchor.Day()), anchor)
			case model.Years:
				return withClock(clampedDate(prev.Year()+interval, prev.Month(), anchor.Day()), anchor)
			default:
				return prev.AddDate(0, 0, interval)
			}
		}
	}

	return func(prev time.Time) time.Time { return prev }
}

// nextWeekly scans forward from prev for the next day whose weekday is
// selected and which lies in an active interval-week block counted from the
// anchor's week (weeks start on Sunday). The scan covers 8*interval days; if
// it finds nothing the step falls back to 7*interval days.
func nextWeekly(prev, anchor time.Time, days []time.Weekday, interval int) time.Time {
	anchorWeek := weekStart(anchor)
	limit := 8 * interval

	for i := 1; i <= limit; i++ {
		candidate := prev.AddDate(0, 0, i)
		if !slices.Contains(days, candidate.Weekday()) {
			continue
		}
		block := daysBetween(anchorWeek, weekStart(candidate)) / 7
		if block%interval == 0 {
			return candidate
		}
	}
	return prev.AddDate(0, 0, 7*interval)
}

func weekStart(t time.Time) time.Time {
	d := midnight(t)
	return d.AddDate(0, 0, -int(d.Weekday()))
}

func daysBetween(a, b time.Time) int {
	return int(midnight(b).Sub(midnight(a)).Hours() / 24)
}
