package recurrence

import (
	"reflect"
	"testing"
	"time"

	"calrecur/internal/model"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func template(start time.Time, rule *model.RecurrenceRule) model.Event {
	return model.Event{
		ID:         "tmpl-1",
		Title:      "standup",
		Start:      start,
		End:        start.Add(90 * time.Minute),
		Location:   "room 4",
		CategoryID: "cat-1",
		Recurrence: rule,
	}
}

func startDates(events []model.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Start.Format("2006-01-02")
	}
	return out
}

func TestExpandWithoutRecurrence(t *testing.T) {
	tmpl := template(date(2025, 1, 1), nil)
	tmpl.Sequence = 7

	got := Expand(tmpl)
	if len(got) != 1 {
		t.Fatalf("got %d instances, want 1", len(got))
	}
	if got[0].Sequence != 0 || got[0].ID != "tmpl-1" {
		t.Errorf("unexpected single instance: %+v", got[0])
	}

	tmpl.Recurrence = &model.RecurrenceRule{Frequency: model.Frequency(42)}
	if got := Expand(tmpl); len(got) != 1 {
		t.Errorf("unrecognized frequency: got %d instances, want 1", len(got))
	}
}

func TestExpandDailyCount(t *testing.T) {
	rule := model.DailyRule(2, model.After{Count: 4})
	got := Expand(template(date(2025, 1, 1), &rule))

	want := []string{"2025-01-01", "2025-01-03", "2025-01-05", "2025-01-07", "2025-01-09"}
	if !reflect.DeepEqual(startDates(got), want) {
		t.Fatalf("got %v, want %v", startDates(got), want)
	}
	for i, ev := range got {
		if ev.Sequence != i {
			t.Errorf("instance %d has sequence %d", i, ev.Sequence)
		}
		if ev.SeriesID != got[0].SeriesID {
			t.Errorf("instance %d has series %q, want %q", i, ev.SeriesID, got[0].SeriesID)
		}
	}
	if got[0].ID != "tmpl-1" {
		t.Errorf("seed id = %q, want template id", got[0].ID)
	}
}

func TestExpandHardCap(t *testing.T) {
	rule := model.DailyRule(1, model.Never{})
	res := Expander{}.Run(template(date(2025, 1, 1), &rule))

	if len(res.Instances) != DefaultMaxInstances {
		t.Fatalf("got %d instances, want %d", len(res.Instances), DefaultMaxInstances)
	}
	if !res.Truncated {
		t.Error("expected Truncated")
	}

	big := model.DailyRule(1, model.After{Count: 500})
	if got := Expand(template(date(2025, 1, 1), &big)); len(got) != DefaultMaxInstances {
		t.Errorf("After(500): got %d instances, want %d", len(got), DefaultMaxInstances)
	}

	res = Expander{MaxInstances: 1000}.Run(template(date(2025, 1, 1), &rule))
	if len(res.Instances) != DefaultMaxInstances {
		t.Errorf("cap above default: got %d instances", len(res.Instances))
	}

	res = Expander{MaxInstances: 10}.Run(template(date(2025, 1, 1), &rule))
	if len(res.Instances) != 10 {
		t.Errorf("cap 10: got %d instances", len(res.Instances))
	}
}

func TestExpandWeeklyMultiDay(t *testing.T) {
	rule := model.WeeklyRule(1, []time.Weekday{time.Monday, time.Wednesday, time.Friday}, model.After{Count: 5})
	got := Expand(template(date(2025, 1, 6), &rule))

	want := []string{"2025-01-06", "2025-01-08", "2025-01-10", "2025-01-13", "2025-01-15", "2025-01-17"}
	if !reflect.DeepEqual(startDates(got), want) {
		t.Fatalf("got %v, want %v", startDates(got), want)
	}
}

func TestExpandWeeklyInterval(t *testing.T) {
	// Every other week on Tuesday and Thursday, anchored on Tuesday 2025-01-07.
	rule := model.WeeklyRule(2, []time.Weekday{time.Tuesday, time.Thursday}, model.After{Count: 4})
	got := Expand(template(date(2025, 1, 7), &rule))

	want := []string{"2025-01-07", "2025-01-09", "2025-01-21", "2025-01-23", "2025-02-04"}
	if !reflect.DeepEqual(startDates(got), want) {
		t.Fatalf("got %v, want %v", startDates(got), want)
	}
}

func TestExpandWeeklyDefaultsToAnchorDay(t *testing.T) {
	rule := model.WeeklyRule(1, nil, model.After{Count: 2})
	got := Expand(template(date(2025, 1, 9), &rule))

	want := []string{"2025-01-09", "2025-01-16", "2025-01-23"}
	if !reflect.DeepEqual(startDates(got), want) {
		t.Fatalf("got %v, want %v", startDates(got), want)
	}
}

func TestNextWeeklyFallback(t *testing.T) {
	// No selectable day inside the scan window forces the 7*interval step.
	prev := date(2025, 1, 4)
	got := nextWeekly(prev, prev, []time.Weekday{}, 3)
	if want := prev.AddDate(0, 0, 21); !got.Equal(want) {
		t.Errorf("fallback: got %s, want %s", got, want)
	}
}

func TestNthWeekdayOfMonth(t *testing.T) {
	tests := []struct {
		name    string
		year    int
		month   time.Month
		weekday time.Weekday
		week    int
		want    time.Time
	}{
		{"last monday may 2024", 2024, time.May, time.Monday, model.LastWeek, date(2024, 5, 27)},
		{"first friday march 2024", 2024, time.March, time.Friday, 1, date(2024, 3, 1)},
		{"second tuesday jan 2025", 2025, time.January, time.Tuesday, 2, date(2025, 1, 14)},
		{"fourth thursday nov 2025", 2025, time.November, time.Thursday, 4, date(2025, 11, 27)},
		{"last sunday feb 2025", 2025, time.February, time.Sunday, -1, date(2025, 2, 23)},
		{"last saturday when month ends on it", 2025, time.May, time.Saturday, -1, date(2025, 5, 31)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NthWeekdayOfMonth(tt.year, tt.month, tt.weekday, tt.week)
			if !got.Equal(tt.want) {
				t.Errorf("got %s, want %s", got.Format("2006-01-02"), tt.want.Format("2006-01-02"))
			}
		})
	}
}

func TestExpandMonthly(t *testing.T) {
	t.Run("nth weekday", func(t *testing.T) {
		rule := model.MonthlyRule(1, model.NthWeekday{Week: model.LastWeek, Weekday: time.Monday}, model.After{Count: 2})
		got := Expand(template(date(2024, 4, 29), &rule))
		want := []string{"2024-04-29", "2024-05-27", "2024-06-24"}
		if !reflect.DeepEqual(startDates(got), want) {
			t.Fatalf("got %v, want %v", startDates(got), want)
		}
	})

	t.Run("day of month clamps", func(t *testing.T) {
		rule := model.MonthlyRule(1, model.DayOfMonth{Day: 31}, model.After{Count: 3})
		got := Expand(template(date(2025, 1, 31), &rule))
		want := []string{"2025-01-31", "2025-02-28", "2025-03-31", "2025-04-30"}
		if !reflect.DeepEqual(startDates(got), want) {
			t.Fatalf("got %v, want %v", startDates(got), want)
		}
	})

	t.Run("interval", func(t *testing.T) {
		rule := model.MonthlyRule(3, model.DayOfMonth{Day: 15}, model.After{Count: 2})
		got := Expand(template(date(2025, 11, 15), &rule))
		want := []string{"2025-11-15", "2026-02-15", "2026-05-15"}
		if !reflect.DeepEqual(startDates(got), want) {
			t.Fatalf("got %v, want %v", startDates(got), want)
		}
	})

	t.Run("missing mode uses anchor day", func(t *testing.T) {
		rule := model.RecurrenceRule{Frequency: model.Monthly, Interval: 1, End: model.After{Count: 1}}
		got := Expand(template(date(2025, 3, 10), &rule))
		want := []string{"2025-03-10", "2025-04-10"}
		if !reflect.DeepEqual(startDates(got), want) {
			t.Fatalf("got %v, want %v", startDates(got), want)
		}
	})
}

func TestExpandYearly(t *testing.T) {
	t.Run("fixed date", func(t *testing.T) {
		rule := model.YearlyRule(1, model.FixedDate{Month: time.February, Day: 29}, model.After{Count: 2})
		got := Expand(template(date(2024, 2, 29), &rule))
		want := []string{"2024-02-29", "2025-02-28", "2026-02-28"}
		if !reflect.DeepEqual(startDates(got), want) {
			t.Fatalf("got %v, want %v", startDates(got), want)
		}
	})

	t.Run("nth weekday", func(t *testing.T) {
		// US Thanksgiving.
		rule := model.YearlyRule(1, model.YearlyNthWeekday{Week: 4, Weekday: time.Thursday, Month: time.November}, model.After{Count: 2})
		got := Expand(template(date(2024, 11, 28), &rule))
		want := []string{"2024-11-28", "2025-11-27", "2026-11-26"}
		if !reflect.DeepEqual(startDates(got), want) {
			t.Fatalf("got %v, want %v", startDates(got), want)
		}
	})
}

func TestExpandCustom(t *testing.T) {
	tests := []struct {
		unit model.CustomUnit
		want []string
	}{
		{model.Days, []string{"2025-01-31", "2025-02-03", "2025-02-06"}},
		{model.Weeks, []string{"2025-01-31", "2025-02-21", "2025-03-14"}},
		{model.Months, []string{"2025-01-31", "2025-04-30", "2025-07-31"}},
		{model.Years, []string{"2025-01-31", "2028-01-31", "2031-01-31"}},
		{model.UnitNone, []string{"2025-01-31", "2025-02-03", "2025-02-06"}},
	}
	for _, tt := range tests {
		t.Run(tt.unit.String(), func(t *testing.T) {
			rule := model.CustomRule(3, tt.unit, model.After{Count: 2})
			got := Expand(template(date(2025, 1, 31), &rule))
			if !reflect.DeepEqual(startDates(got), tt.want) {
				t.Fatalf("got %v, want %v", startDates(got), tt.want)
			}
		})
	}
}

func TestExpandOnDateInclusive(t *testing.T) {
	rule := model.DailyRule(1, model.OnDate{Date: date(2025, 1, 5)})
	tmpl := template(time.Date(2025, 1, 1, 18, 30, 0, 0, time.UTC), &rule)
	got := Expand(tmpl)

	want := []string{"2025-01-01", "2025-01-02", "2025-01-03", "2025-01-04", "2025-01-05"}
	if !reflect.DeepEqual(startDates(got), want) {
		t.Fatalf("got %v, want %v", startDates(got), want)
	}
}

func TestExpandPreservesDurationAndFields(t *testing.T) {
	rule := model.DailyRule(1, model.After{Count: 3})
	start := time.Date(2025, 6, 1, 9, 15, 0, 0, time.UTC)
	tmpl := template(start, &rule)
	tmpl.End = start.Add(26 * time.Hour)

	for _, ev := range Expand(tmpl) {
		if d := ev.End.Sub(ev.Start); d != 26*time.Hour {
			t.Errorf("instance %d duration = %s", ev.Sequence, d)
		}
		if h, m, _ := ev.Start.Clock(); h != 9 || m != 15 {
			t.Errorf("instance %d lost its time of day: %s", ev.Sequence, ev.Start)
		}
		if ev.Title != tmpl.Title || ev.Location != tmpl.Location || ev.CategoryID != tmpl.CategoryID {
			t.Errorf("instance %d lost template fields: %+v", ev.Sequence, ev)
		}
	}
}

func TestExpandIsDeterministic(t *testing.T) {
	rule := model.WeeklyRule(1, []time.Weekday{time.Monday, time.Thursday}, model.Never{})
	tmpl := template(date(2025, 1, 6), &rule)
	tmpl.ID = ""

	a := Expand(tmpl)
	b := Expand(tmpl)
	if !reflect.DeepEqual(a, b) {
		t.Fatal("two expansions of the same template differ")
	}

	seen := make(map[string]bool, len(a))
	for _, ev := range a {
		if seen[ev.ID] {
			t.Fatalf("duplicate instance id %q", ev.ID)
		}
		seen[ev.ID] = true
	}
}

func TestExpandDoesNotShareRuleSlices(t *testing.T) {
	rule := model.WeeklyRule(1, []time.Weekday{time.Monday}, model.After{Count: 1})
	got := Expand(template(date(2025, 1, 6), &rule))

	got[1].Recurrence.WeeklyDays[0] = time.Sunday
	if got[0].Recurrence.WeeklyDays[0] != time.Monday {
		t.Error("instances share the weekly day slice")
	}
}
