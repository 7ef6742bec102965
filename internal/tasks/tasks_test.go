package tasks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"currently/internal/model"
)

func tp(t time.Time) *time.Time { return &t }
func sp(s string) *string       { return &s }

func ids(in []model.Task) []string {
	out := make([]string, 0, len(in))
	for _, t := range in {
		out = append(out, t.ID)
	}
	return out
}

func TestLastRelevantDate(t *testing.T) {
	end := time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC)
	start := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	deadline := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, end, *LastRelevantDate(model.Task{EndAt: &end, StartAt: &start, Deadline: &deadline}))
	assert.Equal(t, start, *LastRelevantDate(model.Task{StartAt: &start, Deadline: &deadline}))
	assert.Equal(t, deadline, *LastRelevantDate(model.Task{Deadline: &deadline}))
	assert.Nil(t, LastRelevantDate(model.Task{}))
}

func TestDisplayTitle(t *testing.T) {
	by := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, "Home · Fix sink · by May 10", DisplayTitle("Fix sink", "Home", &by, time.UTC))
	assert.Equal(t, "Fix sink · by May 10", DisplayTitle("Fix sink", "", &by, time.UTC))
	assert.Equal(t, "Untitled task", DisplayTitle("  ", "", nil, time.UTC))
}

func TestSortByStatus(t *testing.T) {
	in := []model.Task{
		{ID: "a", Status: model.StatusCompleted},
		{ID: "b", Status: "mystery"},
		{ID: "c", Status: model.StatusPending},
		{ID: "d", Status: model.StatusInProgress},
	}
	assert.Equal(t, []string{"d", "c", "a", "b"}, ids(SortByStatus(in)))
}

func TestApply(t *testing.T) {
	loc := time.UTC
	now := time.Date(2024, 5, 10, 22, 0, 0, 0, loc)
	in := []model.Task{
		{ID: "today", ProjectID: sp("p1"), Status: model.StatusPending, Deadline: tp(time.Date(2024, 5, 10, 8, 0, 0, 0, loc))},
		{ID: "tomorrow", Status: model.StatusInProgress, Deadline: tp(time.Date(2024, 5, 11, 1, 0, 0, 0, loc))},
		{ID: "block", ProjectID: sp("p1"), Status: model.StatusPending, StartAt: tp(time.Date(2024, 5, 15, 9, 0, 0, 0, loc)), EndAt: tp(time.Date(2024, 5, 15, 10, 0, 0, 0, loc))},
		{ID: "later", Status: model.StatusPending, Deadline: tp(time.Date(2024, 6, 30, 0, 0, 0, 0, loc))},
		{ID: "undated", Status: model.StatusPending},
	}

	tests := []struct {
		name string
		f    Filter
		want []string
	}{
		{"all", Filter{Range: RangeAll}, []string{"today", "tomorrow", "block", "later", "undated"}},
		{"today", Filter{Range: RangeToday}, []string{"today"}},
		{"tomorrow", Filter{Range: RangeTomorrow}, []string{"tomorrow"}},
		{"week", Filter{Range: RangeWeek}, []string{"today", "tomorrow", "block"}},
		{"month", Filter{Range: RangeMonth}, []string{"today", "tomorrow", "block"}},
		{"project", Filter{ProjectID: "p1"}, []string{"today", "block"}},
		{"status", Filter{Status: model.StatusInProgress}, []string{"tomorrow"}},
		{"status all", Filter{Status: model.StatusAll, Range: RangeToday}, []string{"today"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(Apply(in, tt.f, now, loc)))
		})
	}
}

func TestLists(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	in := []model.Task{
		{ID: "old", CreatedAt: now.Add(-48 * time.Hour), Status: model.StatusPending, Deadline: tp(now.Add(24 * time.Hour)), Priority: model.PriorityUrgent},
		{ID: "new", CreatedAt: now.Add(-time.Hour), Status: model.StatusPending, Tags: []string{"x"}},
		{ID: "done", CreatedAt: now.Add(-2 * time.Hour), Status: model.StatusCompleted, Deadline: tp(now.Add(2 * time.Hour)), Attachments: []string{"a"}},
		{ID: "soon", CreatedAt: now.Add(-3 * time.Hour), Status: model.StatusPending, Deadline: tp(now.Add(3 * time.Hour)), Priority: model.PriorityHigh},
		{ID: "far", CreatedAt: now.Add(-4 * time.Hour), Status: model.StatusPending, Deadline: tp(now.Add(30 * 24 * time.Hour))},
	}

	assert.Equal(t, []string{"new", "done", "soon", "far", "old"}, ids(TodayList(in)))
	assert.Equal(t, []string{"soon", "old", "far", "new"}, ids(UpcomingList(in)))
	assert.Equal(t, []string{"done", "soon", "old"}, ids(UpcomingDeadlines(in, now)))
	assert.Equal(t, Counts{All: 5, Important: 2, Notes: 1, Links: 1}, CountAll(in))
}

func TestUpcomingMeetings(t *testing.T) {
	now := time.Date(2024, 5, 10, 23, 0, 0, 0, time.UTC)
	events := []model.CalendarEvent{
		{ID: "today", StartAt: time.Date(2024, 5, 10, 23, 30, 0, 0, time.UTC)},
		{ID: "in3", StartAt: time.Date(2024, 5, 13, 9, 0, 0, 0, time.UTC)},
		{ID: "in1", StartAt: time.Date(2024, 5, 11, 0, 30, 0, 0, time.UTC)},
		{ID: "in4", StartAt: time.Date(2024, 5, 14, 9, 0, 0, 0, time.UTC)},
	}

	got := UpcomingMeetings(events, now, 3, time.UTC)
	require.Len(t, got, 2)
	assert.Equal(t, "in1", got[0].ID)
	assert.Equal(t, "in3", got[1].ID)
}
