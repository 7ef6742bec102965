// Package agenda builds the flat list of meetings shown for a single day.
package agenda

import (
	"sort"
	"strings"
	"time"

	"currently/internal/model"
	"currently/internal/recurrence"
)

const (
	TimeLayout = "3:04 PM"
	AllDay     = "All day"

	untitledMeeting = "Untitled meeting"
)

// DayEvent is one agenda row.
type DayEvent struct {
	Type        string              `json:"type"`
	Time        string              `json:"time"`
	EndTime     string              `json:"end_time"`
	Title       string              `json:"title"`
	Project     string              `json:"project,omitempty"`
	InstanceKey string              `json:"instance_key"`
	Start       time.Time           `json:"start"`
	Meeting     model.CalendarEvent `json:"meeting"`
}

func (d DayEvent) IsAllDay() bool { return d.Time == AllDay }

// Diagnostic reports a rule that could not be used (Err set, the event was
// treated as a one-off) or an expansion cut at the occurrence cap.
type Diagnostic struct {
	EventID   string
	Rule      string
	Err       error
	Truncated bool
}

// BuildDay lists the meetings on the selected calendar day in loc.
// Recurring occurrences are pinned to the selected date at the anchor's
// wall-clock time. All-day rows come first, then timed rows by start.
func BuildDay(selected time.Time, events []model.CalendarEvent, projectNames map[string]string, loc *time.Location) ([]DayEvent, []Diagnostic) {
	if loc == nil {
		loc = time.Local
	}
	s := selected.In(loc)
	dayStart := time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, loc)
	dayEnd := dayStart.AddDate(0, 0, 1)

	var (
		out   []DayEvent
		diags []Diagnostic
	)
	for _, ev := range events {
		if ev.StartAt.IsZero() {
			continue
		}
		ev.Normalize()

		rule := ev.Rule()
		if rule == "" {
			if row, ok := single(ev, dayStart, dayEnd, loc, projectNames); ok {
				out = append(out, row)
			}
			continue
		}

		exp := recurrence.Expand(recurrence.Request{
			Rule:     rule,
			Anchor:   recurrence.Span{Start: ev.StartAt, End: ev.EndAt},
			ExDates:  ev.ExDates,
			Window:   recurrence.Span{Start: dayStart, End: dayEnd.Add(-time.Nanosecond)},
			Location: loc,
		})
		if exp.Fallback != nil {
			diags = append(diags, Diagnostic{EventID: ev.ID, Rule: rule, Err: exp.Fallback})
			if row, ok := single(ev, dayStart, dayEnd, loc, projectNames); ok {
				out = append(out, row)
			}
			continue
		}
		if exp.Truncated {
			diags = append(diags, Diagnostic{EventID: ev.ID, Rule: rule, Truncated: true})
		}
		out = append(out, recurring(ev, exp, dayStart, dayEnd, loc, projectNames)...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.IsAllDay() != b.IsAllDay() {
			return a.IsAllDay()
		}
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.Title < b.Title
	})
	return out, diags
}

func single(ev model.CalendarEvent, dayStart, dayEnd time.Time, loc *time.Location, names map[string]string) (DayEvent, bool) {
	if ev.IsAllDay {
		if !ev.StartAt.Before(dayEnd) || !ev.EndAt.After(dayStart) {
			return DayEvent{}, false
		}
		return allDayRow(ev, ev.ID, dayStart, names), true
	}
	if !sameDay(ev.StartAt, dayStart, loc) {
		return DayEvent{}, false
	}
	return timedRow(ev, ev.ID, ev.StartAt, ev.EndAt, loc, names), true
}

func recurring(ev model.CalendarEvent, exp recurrence.Expansion, dayStart, dayEnd time.Time, loc *time.Location, names map[string]string) []DayEvent {
	var out []DayEvent
	if ev.IsAllDay {
		for _, o := range exp.Occurrences {
			if o.Start.Before(dayEnd) && o.End.After(dayStart) {
				return []DayEvent{allDayRow(ev, recurrence.InstanceKey(ev.ID, o.Start), dayStart, names)}
			}
		}
		return nil
	}

	anchor := ev.StartAt.In(loc)
	dur := ev.EndAt.Sub(ev.StartAt)
	for _, o := range exp.Occurrences {
		// Only occurrences that begin on this day; ones spilling in from
		// the previous evening belong to that day's agenda.
		if o.Start.Before(dayStart) {
			continue
		}
		start := time.Date(dayStart.Year(), dayStart.Month(), dayStart.Day(), anchor.Hour(), anchor.Minute(), 0, 0, loc)
		out = append(out, timedRow(ev, recurrence.InstanceKey(ev.ID, o.Start), start, start.Add(dur), loc, names))
	}
	return out
}

func timedRow(ev model.CalendarEvent, key string, start, end time.Time, loc *time.Location, names map[string]string) DayEvent {
	if !end.After(start) {
		end = start.Add(time.Hour)
	}
	return DayEvent{
		Type:        "meeting",
		Time:        start.In(loc).Format(TimeLayout),
		EndTime:     end.In(loc).Format(TimeLayout),
		Title:       title(ev),
		Project:     projectName(ev, names),
		InstanceKey: key,
		Start:       start,
		Meeting:     ev,
	}
}

func allDayRow(ev model.CalendarEvent, key string, dayStart time.Time, names map[string]string) DayEvent {
	return DayEvent{
		Type:        "meeting",
		Time:        AllDay,
		Title:       title(ev),
		Project:     projectName(ev, names),
		InstanceKey: key,
		Start:       dayStart,
		Meeting:     ev,
	}
}

func title(ev model.CalendarEvent) string {
	if t := strings.TrimSpace(ev.Title); t != "" {
		return t
	}
	return untitledMeeting
}

func projectName(ev model.CalendarEvent, names map[string]string) string {
	if ev.ProjectID == nil {
		return ""
	}
	return names[*ev.ProjectID]
}

func sameDay(t, day time.Time, loc *time.Location) bool {
	t = t.In(loc)
	return t.Year() == day.Year() && t.Month() == day.Month() && t.Day() == day.Day()
}
