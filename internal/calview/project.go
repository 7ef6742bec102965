// Package calview projects tasks and calendar events into the coordinates
// of the calendar widget: zoned instants for timed entries and calendar
// dates with an inclusive end for all-day entries.
package calview

import (
	"encoding/json"
	"sort"
	"time"

	"currently/internal/model"
	"currently/internal/recurrence"
	"currently/internal/tasks"
)

type Mode string

const (
	ModeMeetings Mode = "meetings"
	ModeTasks    Mode = "tasks"
	ModeAll      Mode = "all"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeMeetings, ModeTasks, ModeAll:
		return true
	}
	return false
}

const (
	DefaultPastDays   = 14
	DefaultFutureDays = 90

	KindMeeting = "meeting"
	KindTask    = "task"
)

// ProjectedEvent is one widget entry. Timed entries carry Start/End;
// all-day entries carry StartDate/EndDate with EndDate inclusive.
type ProjectedEvent struct {
	ID         string
	Title      string
	AllDay     bool
	Start      ZonedTime
	End        ZonedTime
	StartDate  CalendarDate
	EndDate    CalendarDate
	CalendarID string
	Kind       string
	OriginalID string
}

func (p ProjectedEvent) MarshalJSON() ([]byte, error) {
	out := struct {
		ID         string `json:"id"`
		Title      string `json:"title"`
		Start      string `json:"start"`
		End        string `json:"end"`
		AllDay     bool   `json:"allDay"`
		CalendarID string `json:"calendarId"`
		Kind       string `json:"kind"`
		OriginalID string `json:"originalId"`
	}{
		ID:         p.ID,
		Title:      p.Title,
		AllDay:     p.AllDay,
		CalendarID: p.CalendarID,
		Kind:       p.Kind,
		OriginalID: p.OriginalID,
	}
	if p.AllDay {
		out.Start, out.End = p.StartDate.String(), p.EndDate.String()
	} else {
		out.Start, out.End = p.Start.String(), p.End.String()
	}
	return json.Marshal(out)
}

// sortKey places all-day entries at midnight of their first day.
func (p ProjectedEvent) sortKey(loc *time.Location) time.Time {
	if p.AllDay {
		return p.StartDate.In(loc)
	}
	return p.Start.Time
}

// Diagnostic records a rule that could not be expanded, in which case Err
// is set and the event is projected as a one-off, or an expansion that hit
// the occurrence cap.
type Diagnostic struct {
	EventID   string
	Rule      string
	Err       error
	Truncated bool
}

type Projection struct {
	Events      []ProjectedEvent
	Diagnostics []Diagnostic
}

// Input carries everything Project reads. Window nil means the default
// window around Now.
type Input struct {
	Mode         Mode
	Tasks        []model.Task
	Events       []model.CalendarEvent
	Location     *time.Location
	Window       *recurrence.Span
	ProjectNames map[string]string
	Now          time.Time
	PastDays     int
	FutureDays   int
}

// DefaultWindow spans pastDays before now to futureDays after it.
func DefaultWindow(now time.Time, pastDays, futureDays int) recurrence.Span {
	if pastDays <= 0 {
		pastDays = DefaultPastDays
	}
	if futureDays <= 0 {
		futureDays = DefaultFutureDays
	}
	return recurrence.Span{
		Start: now.Add(-time.Duration(pastDays) * 24 * time.Hour),
		End:   now.Add(time.Duration(futureDays) * 24 * time.Hour),
	}
}

// Project maps the input into widget entries ordered by start. It has no
// side effects and returns the same output for the same input.
func Project(in Input) Projection {
	loc := orLocal(in.Location)
	mode := in.Mode
	if mode == "" {
		mode = ModeMeetings
	}

	var out Projection
	if mode == ModeMeetings || mode == ModeAll {
		window := in.Window
		if window == nil {
			now := in.Now
			if now.IsZero() {
				now = time.Now()
			}
			w := DefaultWindow(now, in.PastDays, in.FutureDays)
			window = &w
		}
		for _, ev := range in.Events {
			evs, diag := projectEvent(ev, *window, loc)
			out.Events = append(out.Events, evs...)
			if diag != nil {
				out.Diagnostics = append(out.Diagnostics, *diag)
			}
		}
	}
	if mode == ModeTasks || mode == ModeAll {
		for _, t := range in.Tasks {
			if pe, ok := projectTask(t, in.ProjectNames, loc); ok {
				out.Events = append(out.Events, pe)
			}
		}
	}

	sort.SliceStable(out.Events, func(i, j int) bool {
		a, b := out.Events[i].sortKey(loc), out.Events[j].sortKey(loc)
		if !a.Equal(b) {
			return a.Before(b)
		}
		return out.Events[i].ID < out.Events[j].ID
	})
	return out
}

func projectEvent(ev model.CalendarEvent, window recurrence.Span, loc *time.Location) ([]ProjectedEvent, *Diagnostic) {
	ev.Normalize()

	var span int
	if ev.IsAllDay {
		_, _, span = InclusiveRange(ev.StartAt, ev.EndAt, loc)
	}

	if ev.Rule() == "" {
		return []ProjectedEvent{meeting(ev, "m-"+ev.ID, ev.StartAt, ev.EndAt, span, loc)}, nil
	}

	occs, exp := recurrence.ExpandEvent(ev, window, loc)
	var diag *Diagnostic
	if exp.Fallback != nil || exp.Truncated {
		diag = &Diagnostic{EventID: ev.ID, Rule: ev.Rule(), Err: exp.Fallback, Truncated: exp.Truncated}
	}
	out := make([]ProjectedEvent, 0, len(occs))
	for _, o := range occs {
		id := "m-" + ev.ID
		if exp.Recurring {
			id = "m-" + o.InstanceKey
		}
		out = append(out, meeting(ev, id, o.Start, o.End, span, loc))
	}
	return out, diag
}

func meeting(ev model.CalendarEvent, id string, start, end time.Time, span int, loc *time.Location) ProjectedEvent {
	pe := ProjectedEvent{
		ID:         id,
		Title:      ev.Title,
		CalendarID: GroupKey(ev.ProjectID),
		Kind:       KindMeeting,
		OriginalID: ev.ID,
	}
	if ev.IsAllDay {
		pe.AllDay = true
		pe.StartDate = DateOf(start, loc)
		pe.EndDate = pe.StartDate.AddDays(span - 1)
		return pe
	}
	pe.Start = Zoned(start, loc)
	pe.End = Zoned(end, loc)
	return pe
}

// projectTask maps a time-blocked task to a timed entry and any other dated
// task to a single all-day entry. Undated tasks are skipped.
func projectTask(t model.Task, projectNames map[string]string, loc *time.Location) (ProjectedEvent, bool) {
	var projectName string
	if t.ProjectID != nil {
		projectName = projectNames[*t.ProjectID]
	}
	pe := ProjectedEvent{
		ID:         "t-" + t.ID,
		CalendarID: GroupKey(t.ProjectID),
		Kind:       KindTask,
		OriginalID: t.ID,
	}

	if t.StartAt != nil && t.EndAt != nil {
		end := safeTimedEnd(*t.StartAt, *t.EndAt)
		pe.Title = tasks.DisplayTitle(t.Title, projectName, &end, loc)
		pe.Start = Zoned(*t.StartAt, loc)
		pe.End = Zoned(end, loc)
		return pe, true
	}

	day := firstSet(t.Deadline, t.StartAt, t.EndAt)
	if day == nil {
		return ProjectedEvent{}, false
	}
	pe.Title = tasks.DisplayTitle(t.Title, projectName, day, loc)
	pe.AllDay = true
	pe.StartDate = DateOf(*day, loc)
	pe.EndDate = pe.StartDate
	return pe, true
}

func safeTimedEnd(start, end time.Time) time.Time {
	if !end.After(start) {
		return start.Add(time.Hour)
	}
	return end
}

func firstSet(ts ...*time.Time) *time.Time {
	for _, t := range ts {
		if t != nil {
			return t
		}
	}
	return nil
}
