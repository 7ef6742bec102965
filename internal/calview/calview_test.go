package calview

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"currently/internal/model"
	"currently/internal/recurrence"
)

func sp(s string) *string       { return &s }
func tp(t time.Time) *time.Time { return &t }

func TestInclusiveRange_AllDayScenario(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

	first, last, span := InclusiveRange(start, end, time.UTC)
	assert.Equal(t, "2024-03-01", first.String())
	assert.Equal(t, "2024-03-03", last.String())
	assert.Equal(t, 3, span)

	assert.True(t, ExclusiveEnd(last, time.UTC).Equal(end))
}

func TestInclusiveRange_RoundTrip(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	for days := 1; days <= 40; days++ {
		// Covers the March DST change.
		start := time.Date(2024, 2, 20, 0, 0, 0, 0, loc)
		end := start.AddDate(0, 0, days)
		_, last, span := InclusiveRange(start, end, loc)
		assert.Equal(t, days, span)
		assert.True(t, ExclusiveEnd(last, loc).Equal(end), "days=%d", days)
	}
}

func TestInclusiveRange_MinimumSpan(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	first, last, span := InclusiveRange(start, start, time.UTC)
	assert.Equal(t, 1, span)
	assert.Equal(t, first, last)
}

func TestProject_AllDayEvent(t *testing.T) {
	ev := model.CalendarEvent{
		ID:       "e1",
		Title:    "Conference",
		StartAt:  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		EndAt:    time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC),
		IsAllDay: true,
	}

	p := Project(Input{Mode: ModeMeetings, Events: []model.CalendarEvent{ev}, Location: time.UTC, Now: ev.StartAt})
	require.Len(t, p.Events, 1)
	got := p.Events[0]
	assert.True(t, got.AllDay)
	assert.Equal(t, "m-e1", got.ID)
	assert.Equal(t, "2024-03-01", got.StartDate.String())
	assert.Equal(t, "2024-03-03", got.EndDate.String())
	assert.Equal(t, NoneGroup, got.CalendarID)

	b, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"m-e1","title":"Conference","start":"2024-03-01","end":"2024-03-03","allDay":true,"calendarId":"none","kind":"meeting","originalId":"e1"}`, string(b))
}

func TestProject_RecurringTimedEvent(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, loc)
	rule := "FREQ=WEEKLY;INTERVAL=2"
	ev := model.CalendarEvent{
		ID: "e2", Title: "Sync", ProjectID: sp("p1"),
		StartAt: start, EndAt: start.Add(30 * time.Minute), RRule: &rule,
	}
	window := recurrence.Span{Start: time.Date(2024, 1, 1, 0, 0, 0, 0, loc), End: time.Date(2024, 2, 1, 0, 0, 0, 0, loc)}

	p := Project(Input{Mode: ModeMeetings, Events: []model.CalendarEvent{ev}, Location: loc, Window: &window})
	require.Len(t, p.Events, 3)
	assert.Empty(t, p.Diagnostics)

	seen := map[string]bool{}
	for _, pe := range p.Events {
		assert.False(t, seen[pe.ID], "duplicate id %s", pe.ID)
		seen[pe.ID] = true
		assert.Equal(t, "e2", pe.OriginalID)
		assert.Equal(t, "p1", pe.CalendarID)
		assert.Equal(t, 9, pe.Start.Hour())
		assert.Equal(t, 30*time.Minute, pe.End.Sub(pe.Start.Time))
	}
	assert.Equal(t, "2024-01-01T09:00:00-05:00[America/New_York]", p.Events[0].Start.String())
}

func TestProject_RecurringAllDayKeepsSpan(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	rule := "FREQ=WEEKLY;COUNT=2"
	ev := model.CalendarEvent{ID: "e3", StartAt: start, EndAt: start.AddDate(0, 0, 2), IsAllDay: true, RRule: &rule}
	window := recurrence.Span{Start: start, End: start.AddDate(0, 1, 0)}

	p := Project(Input{Events: []model.CalendarEvent{ev}, Location: time.UTC, Window: &window})
	require.Len(t, p.Events, 2)
	assert.Equal(t, "2024-03-08", p.Events[1].StartDate.String())
	assert.Equal(t, "2024-03-09", p.Events[1].EndDate.String())
}

func TestProject_BadRuleFallsBack(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	rule := "FREQ=SOMETIMES"
	ev := model.CalendarEvent{ID: "e4", StartAt: start, EndAt: start, RRule: &rule}
	window := recurrence.Span{Start: start.AddDate(0, 0, -1), End: start.AddDate(0, 0, 1)}

	p := Project(Input{Events: []model.CalendarEvent{ev}, Location: time.UTC, Window: &window})
	require.Len(t, p.Events, 1)
	assert.Equal(t, "m-e4", p.Events[0].ID)
	assert.Equal(t, time.Hour, p.Events[0].End.Sub(p.Events[0].Start.Time))
	require.Len(t, p.Diagnostics, 1)
	assert.Equal(t, "e4", p.Diagnostics[0].EventID)
	assert.Error(t, p.Diagnostics[0].Err)
}

func TestProject_ReportsCappedExpansion(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	rule := "FREQ=MINUTELY"
	ev := model.CalendarEvent{ID: "e5", StartAt: start, EndAt: start.Add(time.Minute), RRule: &rule}
	window := recurrence.Span{Start: start, End: start.AddDate(0, 0, 4)}

	p := Project(Input{Events: []model.CalendarEvent{ev}, Location: time.UTC, Window: &window})
	assert.Len(t, p.Events, 5000)
	require.Len(t, p.Diagnostics, 1)
	assert.Equal(t, "e5", p.Diagnostics[0].EventID)
	assert.True(t, p.Diagnostics[0].Truncated)
	assert.NoError(t, p.Diagnostics[0].Err)
}

func TestProject_DefaultWindow(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	rule := "FREQ=DAILY"
	anchor := now.AddDate(0, 0, -30)
	ev := model.CalendarEvent{ID: "d", StartAt: anchor, EndAt: anchor.Add(time.Hour), RRule: &rule}

	p := Project(Input{Events: []model.CalendarEvent{ev}, Location: time.UTC, Now: now})
	// now-14d .. now+90d, inclusive of both ends at noon.
	assert.Len(t, p.Events, 105)
	assert.False(t, p.Events[0].Start.Before(now.AddDate(0, 0, -14).Add(-time.Hour)))
}

func TestProject_DeadlineTask(t *testing.T) {
	task := model.Task{ID: "t1", Title: "File taxes", Deadline: tp(time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC))}

	p := Project(Input{Mode: ModeTasks, Tasks: []model.Task{task}, Location: time.UTC})
	require.Len(t, p.Events, 1)
	got := p.Events[0]
	assert.Equal(t, "t-t1", got.ID)
	assert.True(t, got.AllDay)
	assert.Equal(t, "2024-05-10", got.StartDate.String())
	assert.Equal(t, got.StartDate, got.EndDate)
	assert.Equal(t, "File taxes · by May 10", got.Title)
}

func TestProject_TimedTask(t *testing.T) {
	start := time.Date(2024, 5, 10, 14, 0, 0, 0, time.UTC)
	tasks := []model.Task{
		{ID: "t2", Title: "Deep work", ProjectID: sp("p1"), StartAt: tp(start), EndAt: tp(start)},
		{ID: "t3", Title: "Undated"},
	}

	p := Project(Input{Mode: ModeTasks, Tasks: tasks, Location: time.UTC, ProjectNames: map[string]string{"p1": "Writing"}})
	require.Len(t, p.Events, 1)
	got := p.Events[0]
	assert.False(t, got.AllDay)
	assert.Equal(t, "Writing · Deep work · by May 10", got.Title)
	assert.Equal(t, start.Add(time.Hour), got.End.Time)
	assert.Equal(t, KindTask, got.Kind)
}

func TestProject_ModeAllOrdersByStart(t *testing.T) {
	day := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	ev := model.CalendarEvent{ID: "e", Title: "Late", StartAt: day.Add(18 * time.Hour), EndAt: day.Add(19 * time.Hour)}
	task := model.Task{ID: "t", Title: "Early", Deadline: tp(day)}

	p := Project(Input{Mode: ModeAll, Events: []model.CalendarEvent{ev}, Tasks: []model.Task{task}, Location: time.UTC, Now: day})
	require.Len(t, p.Events, 2)
	assert.Equal(t, "t-t", p.Events[0].ID)
	assert.Equal(t, "m-e", p.Events[1].ID)
}

func TestPalette(t *testing.T) {
	assert.Equal(t, "#000061", HashColor("a"))
	assert.Equal(t, HashColor("project-42"), HashColor("project-42"))
	assert.Equal(t, "#d9d9d9", Lighten("#000000", 0.85))
	assert.Equal(t, "#ebe1fc", Lighten("#7c3aed", 0.85))
	assert.Equal(t, "red", Lighten("red", 0.85))

	pal := Palette([]model.Project{
		{ID: "p1", Color: sp("#000000")},
		{ID: "p2"},
	}, "")
	assert.Equal(t, DefaultMeetingColor, pal[NoneGroup].LightColors.Main)
	assert.Equal(t, "#ede9fe", pal[NoneGroup].LightColors.Container)
	assert.Equal(t, "#d9d9d9", pal["p1"].LightColors.Container)
	assert.Equal(t, HashColor("p2"), pal["p2"].LightColors.Main)

	assert.Equal(t, "#112233", Palette(nil, "#112233")[NoneGroup].LightColors.Main)
}

func TestViewState(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	fixed := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	v := NewViewState(loc, 0, 0)
	v.now = func() time.Time { return fixed }

	var calls []recurrence.Span
	v.OnChange = func(w recurrence.Span) { calls = append(calls, w) }

	w := v.SetRange("2024-05-01", "2024-05-31T23:59:00+02:00[Europe/Berlin]")
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, loc), w.Start)
	assert.True(t, w.End.Equal(time.Date(2024, 5, 31, 21, 59, 0, 0, time.UTC)))

	w = v.SetRange("garbage", "")
	assert.Equal(t, fixed, w.Start)
	assert.Equal(t, fixed, w.End)

	d, err := ParseDate("2024-07-01")
	require.NoError(t, err)
	w = v.SelectDate(d)
	assert.Equal(t, time.Date(2024, 6, 17, 0, 0, 0, 0, loc), w.Start)
	assert.Equal(t, time.Date(2024, 8, 31, 0, 0, 0, 0, loc), w.End)
	assert.Equal(t, d, v.Selected())
	assert.Equal(t, w, v.Window())

	assert.Len(t, calls, 3)
}

func TestParseZoned(t *testing.T) {
	z, err := ParseZoned("2024-03-01T09:00:00-05:00[America/New_York]")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01T09:00:00-05:00[America/New_York]", z.String())

	_, err = ParseZoned("nope")
	assert.Error(t, err)
}
