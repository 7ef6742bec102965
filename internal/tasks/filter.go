package tasks

import (
	"sort"
	"time"

	"currently/internal/model"
)

// DateRange is the date filter of the task list.
type DateRange string

const (
	RangeAll      DateRange = "all"
	RangeToday    DateRange = "today"
	RangeTomorrow DateRange = "tomorrow"
	RangeWeek     DateRange = "7"
	RangeMonth    DateRange = "30"
)

// Filter selects tasks for the list views. Zero values match everything.
type Filter struct {
	ProjectID string
	Status    model.TaskStatus
	Range     DateRange
}

// Apply keeps the tasks matching f. Date ranges compare calendar days in
// loc between now and the task's last relevant date; tasks without any
// date are excluded from every range except "all".
func Apply(in []model.Task, f Filter, now time.Time, loc *time.Location) []model.Task {
	loc = orLocal(loc)
	out := make([]model.Task, 0, len(in))
	for _, t := range in {
		if f.ProjectID != "" && (t.ProjectID == nil || *t.ProjectID != f.ProjectID) {
			continue
		}
		if f.Status != "" && f.Status != model.StatusAll && t.Status != f.Status {
			continue
		}
		if !inRange(t, f.Range, now, loc) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func inRange(t model.Task, r DateRange, now time.Time, loc *time.Location) bool {
	if r == "" || r == RangeAll {
		return true
	}
	d := LastRelevantDate(t)
	if d == nil {
		return false
	}
	diff := DaysBetween(now, *d, loc)
	switch r {
	case RangeToday:
		return diff == 0
	case RangeTomorrow:
		return diff == 1
	case RangeWeek:
		return diff >= 0 && diff <= 7
	case RangeMonth:
		return diff >= 0 && diff <= 30
	}
	return true
}

// DaysBetween counts calendar days from a to b in loc.
func DaysBetween(a, b time.Time, loc *time.Location) int {
	a, b = a.In(loc), b.In(loc)
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}

// TodayList is every task, newest created first.
func TodayList(in []model.Task) []model.Task {
	out := append([]model.Task(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// UpcomingList drops completed tasks and orders the rest by last relevant
// date; undated tasks go last.
func UpcomingList(in []model.Task) []model.Task {
	out := make([]model.Task, 0, len(in))
	for _, t := range in {
		if t.Status != model.StatusCompleted {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := LastRelevantDate(out[i]), LastRelevantDate(out[j])
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.Before(*b)
	})
	return out
}

// UpcomingDeadlines returns at most three tasks due within the next three days.
func UpcomingDeadlines(in []model.Task, now time.Time) []model.Task {
	out := make([]model.Task, 0, 3)
	for _, t := range in {
		if t.Deadline == nil {
			continue
		}
		diff := t.Deadline.Sub(now)
		if diff >= 0 && diff <= 72*time.Hour {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Deadline.Before(*out[j].Deadline)
	})
	if len(out) > 3 {
		out = out[:3]
	}
	return out
}

// Counts backs the filter chips of the task list.
type Counts struct {
	All       int `json:"all"`
	Important int `json:"important"`
	Notes     int `json:"notes"`
	Links     int `json:"links"`
}

func CountAll(in []model.Task) Counts {
	c := Counts{All: len(in)}
	for _, t := range in {
		if t.Priority == model.PriorityHigh || t.Priority == model.PriorityUrgent {
			c.Important++
		}
		if len(t.Tags) > 0 {
			c.Notes++
		}
		if len(t.Attachments) > 0 {
			c.Links++
		}
	}
	return c
}

// UpcomingMeetings lists events starting 1..daysAhead calendar days after
// now, earliest first.
func UpcomingMeetings(events []model.CalendarEvent, now time.Time, daysAhead int, loc *time.Location) []model.CalendarEvent {
	if daysAhead <= 0 {
		daysAhead = 3
	}
	loc = orLocal(loc)
	out := make([]model.CalendarEvent, 0)
	for _, e := range events {
		if e.StartAt.IsZero() {
			continue
		}
		diff := DaysBetween(now, e.StartAt, loc)
		if diff >= 1 && diff <= daysAhead {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartAt.Before(out[j].StartAt)
	})
	return out
}
