package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"currently/internal/model"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestBuildRule(t *testing.T) {
	tests := []struct {
		preset   Preset
		interval int
		want     string
		ok       bool
	}{
		{PresetNone, 1, "", false},
		{PresetCustom, 3, "", false},
		{PresetDaily, 1, "FREQ=DAILY", true},
		{PresetDaily, 0, "FREQ=DAILY", true},
		{PresetWeekly, 2, "FREQ=WEEKLY;INTERVAL=2", true},
		{PresetWeekdays, 1, "FREQ=WEEKLY;BYDAY=MO,TU,WE,TH,FR", true},
		{PresetWeekdays, 2, "FREQ=WEEKLY;BYDAY=MO,TU,WE,TH,FR;INTERVAL=2", true},
		{PresetMonthly, 6, "FREQ=MONTHLY;INTERVAL=6", true},
	}

	for _, tt := range tests {
		t.Run(string(tt.preset), func(t *testing.T) {
			got, ok := BuildRule(tt.preset, tt.interval)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInferPreset(t *testing.T) {
	tests := []struct {
		name     string
		rule     string
		preset   Preset
		interval int
	}{
		{"empty", "", PresetNone, 1},
		{"blank", "   ", PresetNone, 1},
		{"daily lower case", "freq=daily;interval=3", PresetDaily, 3},
		{"weekdays", "FREQ=WEEKLY;BYDAY=MO,TU,WE,TH,FR", PresetWeekdays, 1},
		{"weekly by other days", "FREQ=WEEKLY;BYDAY=MO,WE", PresetWeekly, 1},
		{"monthly", "FREQ=MONTHLY;INTERVAL=2", PresetMonthly, 2},
		{"yearly is custom", "FREQ=YEARLY;BYMONTH=3", PresetCustom, 1},
		{"interval floored", "FREQ=DAILY;INTERVAL=0", PresetDaily, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := InferPreset(tt.rule)
			assert.Equal(t, tt.preset, got.Preset)
			assert.Equal(t, tt.interval, got.Interval)
		})
	}

	custom := InferPreset(" FREQ=YEARLY;BYMONTH=3;X-NOTE=keep ")
	assert.Equal(t, "FREQ=YEARLY;BYMONTH=3;X-NOTE=keep", custom.RawRule)
}

func TestPresetRoundTrip(t *testing.T) {
	for _, p := range []Preset{PresetDaily, PresetWeekly, PresetWeekdays, PresetMonthly} {
		for interval := 1; interval <= 12; interval++ {
			rule, ok := BuildRule(p, interval)
			require.True(t, ok)
			got := InferPreset(rule)
			assert.Equal(t, p, got.Preset, rule)
			assert.Equal(t, interval, got.Interval, rule)
		}
	}
}

func TestExpand_BiweeklyScenario(t *testing.T) {
	loc := mustLoc(t, "America/New_York")
	rule, _ := BuildRule(PresetWeekly, 2)
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, loc)

	exp := Expand(Request{
		Rule:     rule,
		Anchor:   Span{Start: start, End: start.Add(time.Hour)},
		Window:   Span{Start: time.Date(2024, 1, 1, 0, 0, 0, 0, loc), End: time.Date(2024, 2, 1, 0, 0, 0, 0, loc)},
		Location: loc,
	})

	require.Nil(t, exp.Fallback)
	require.True(t, exp.Recurring)
	require.Len(t, exp.Occurrences, 3)
	for i, day := range []int{1, 15, 29} {
		occ := exp.Occurrences[i].Start.In(loc)
		assert.Equal(t, time.January, occ.Month())
		assert.Equal(t, day, occ.Day())
		assert.Equal(t, 9, occ.Hour())
		assert.Equal(t, 0, occ.Minute())
		assert.Equal(t, time.Hour, exp.Occurrences[i].End.Sub(exp.Occurrences[i].Start))
	}
}

func TestExpand_PreservesWallClockAcrossDST(t *testing.T) {
	loc := mustLoc(t, "America/New_York")
	// US clocks move forward on 2024-03-10.
	start := time.Date(2024, 3, 7, 9, 30, 15, 0, loc)

	exp := Expand(Request{
		Rule:     "FREQ=DAILY",
		Anchor:   Span{Start: start.UTC(), End: start.Add(45 * time.Minute).UTC()},
		Window:   Span{Start: start, End: time.Date(2024, 3, 14, 0, 0, 0, 0, loc)},
		Location: loc,
	})

	require.Len(t, exp.Occurrences, 7)
	offsets := map[int]bool{}
	for _, occ := range exp.Occurrences {
		local := occ.Start.In(loc)
		assert.Equal(t, 9, local.Hour())
		assert.Equal(t, 30, local.Minute())
		assert.Equal(t, 15, local.Second())
		_, off := local.Zone()
		offsets[off] = true
	}
	assert.Len(t, offsets, 2, "window should straddle the DST change")
}

func TestExpand_SkipsExceptionDays(t *testing.T) {
	loc := mustLoc(t, "Europe/Berlin")
	start := time.Date(2024, 5, 1, 18, 0, 0, 0, loc)
	exdates := []time.Time{
		time.Date(2024, 5, 3, 0, 0, 0, 0, loc),  // bare date
		time.Date(2024, 5, 5, 18, 0, 0, 0, loc), // exact instant
		time.Date(2024, 5, 6, 7, 0, 0, 0, loc),  // other time, same day
	}

	exp := Expand(Request{
		Rule:     "FREQ=DAILY;COUNT=10",
		Anchor:   Span{Start: start, End: start.Add(time.Hour)},
		ExDates:  exdates,
		Window:   Span{Start: start, End: start.AddDate(0, 1, 0)},
		Location: loc,
	})

	require.Len(t, exp.Occurrences, 7)
	for _, occ := range exp.Occurrences {
		d := occ.Start.In(loc).Day()
		assert.NotContains(t, []int{3, 5, 6}, d)
	}
}

func TestExpand_AnchorBeforeWindow(t *testing.T) {
	loc := time.UTC
	start := time.Date(2023, 1, 2, 8, 0, 0, 0, loc) // a Monday

	exp := Expand(Request{
		Rule:     "FREQ=WEEKLY",
		Anchor:   Span{Start: start, End: start.Add(30 * time.Minute)},
		Window:   Span{Start: time.Date(2024, 1, 1, 0, 0, 0, 0, loc), End: time.Date(2024, 1, 14, 23, 59, 59, 0, loc)},
		Location: loc,
	})

	require.Len(t, exp.Occurrences, 2)
	assert.Equal(t, time.Date(2024, 1, 1, 8, 0, 0, 0, loc), exp.Occurrences[0].Start)
	assert.Equal(t, time.Date(2024, 1, 8, 8, 0, 0, 0, loc), exp.Occurrences[1].Start)
}

func TestExpand_OccurrenceStartingBeforeWindow(t *testing.T) {
	loc := time.UTC
	start := time.Date(2024, 1, 1, 23, 0, 0, 0, loc)

	exp := Expand(Request{
		Rule:     "FREQ=DAILY",
		Anchor:   Span{Start: start, End: start.Add(2 * time.Hour)},
		Window:   Span{Start: time.Date(2024, 1, 5, 0, 0, 0, 0, loc), End: time.Date(2024, 1, 5, 12, 0, 0, 0, loc)},
		Location: loc,
	})

	require.Len(t, exp.Occurrences, 1)
	assert.Equal(t, time.Date(2024, 1, 4, 23, 0, 0, 0, loc), exp.Occurrences[0].Start)
}

func TestExpand_FallbackOnBadRule(t *testing.T) {
	loc := time.UTC
	start := time.Date(2024, 2, 1, 10, 0, 0, 0, loc)
	anchor := Span{Start: start, End: start.Add(time.Hour)}

	in := Expand(Request{
		Rule:     "FREQ=FORTNIGHTLY",
		Anchor:   anchor,
		Window:   Span{Start: start.AddDate(0, 0, -1), End: start.AddDate(0, 0, 1)},
		Location: loc,
	})
	require.Error(t, in.Fallback)
	assert.False(t, in.Recurring)
	require.Len(t, in.Occurrences, 1)
	assert.Equal(t, anchor, in.Occurrences[0])

	out := Expand(Request{
		Rule:     "not a rule",
		Anchor:   anchor,
		Window:   Span{Start: start.AddDate(0, 1, 0), End: start.AddDate(0, 2, 0)},
		Location: loc,
	})
	require.Error(t, out.Fallback)
	assert.Empty(t, out.Occurrences)
}

func TestExpand_MinimumDuration(t *testing.T) {
	start := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)

	exp := Expand(Request{
		Anchor:   Span{Start: start, End: start},
		Window:   Span{Start: start.Add(-time.Hour), End: start.Add(time.Hour)},
		Location: time.UTC,
	})

	require.Len(t, exp.Occurrences, 1)
	assert.Equal(t, MinDuration, exp.Occurrences[0].End.Sub(exp.Occurrences[0].Start))
}

func TestExpand_AcceptsPrefixedRule(t *testing.T) {
	start := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)

	exp := Expand(Request{
		Rule:     "DTSTART:20240201T100000Z\nRRULE:FREQ=DAILY;COUNT=3",
		Anchor:   Span{Start: start, End: start.Add(time.Hour)},
		Window:   Span{Start: start, End: start.AddDate(0, 0, 10)},
		Location: time.UTC,
	})

	require.Nil(t, exp.Fallback)
	assert.Len(t, exp.Occurrences, 3)
}

func TestExpandEvent_InstanceKeys(t *testing.T) {
	start := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	rule := "FREQ=DAILY;COUNT=2"
	ev := model.CalendarEvent{ID: "ev1", Title: "Standup", StartAt: start, EndAt: start.Add(15 * time.Minute), RRule: &rule}

	occ, exp := ExpandEvent(ev, Span{Start: start, End: start.AddDate(0, 0, 5)}, time.UTC)
	require.True(t, exp.Recurring)
	require.Len(t, occ, 2)
	assert.Equal(t, InstanceKey("ev1", start), occ[0].InstanceKey)
	assert.NotEqual(t, occ[0].InstanceKey, occ[1].InstanceKey)
	assert.Equal(t, "Standup", occ[1].Title)

	ev.RRule = nil
	single, _ := ExpandEvent(ev, Span{Start: start, End: start.AddDate(0, 0, 5)}, time.UTC)
	require.Len(t, single, 1)
	assert.Equal(t, "ev1", single[0].InstanceKey)
}
