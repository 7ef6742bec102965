package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

func seriesFixture() []*calendar.Event {
	return []*calendar.Event{
		{
			Id: "m1", ICalUID: "series@google.com", Summary: "Weekly sync", Status: "confirmed",
			Start:      &calendar.EventDateTime{DateTime: "2024-03-04T10:00:00+01:00", TimeZone: "Europe/Berlin"},
			End:        &calendar.EventDateTime{DateTime: "2024-03-04T10:30:00+01:00", TimeZone: "Europe/Berlin"},
			Recurrence: []string{"RRULE:FREQ=WEEKLY;BYDAY=MO", "EXDATE;TZID=Europe/Berlin:20240318T100000"},
		},
		{
			Id: "m1_20240311T090000Z", RecurringEventId: "m1", Status: "cancelled",
			OriginalStartTime: &calendar.EventDateTime{DateTime: "2024-03-11T10:00:00+01:00"},
		},
		{
			Id: "m1_20240325T090000Z", RecurringEventId: "m1", Status: "confirmed", Summary: "Weekly sync (moved)",
			OriginalStartTime: &calendar.EventDateTime{DateTime: "2024-03-25T10:00:00+01:00"},
			Start:             &calendar.EventDateTime{DateTime: "2024-03-25T14:00:00+01:00"},
			End:               &calendar.EventDateTime{DateTime: "2024-03-25T14:30:00+01:00"},
		},
		{
			Id: "h1", Summary: "", Status: "confirmed",
			Start: &calendar.EventDateTime{Date: "2024-03-08"},
			End:   &calendar.EventDateTime{Date: "2024-03-09"},
		},
		{Id: "gone", Status: "cancelled"},
		{Id: "broken", Status: "confirmed", Start: &calendar.EventDateTime{}},
	}
}

func TestEventsToDrafts(t *testing.T) {
	drafts := EventsToDrafts(seriesFixture(), time.UTC)
	require.Len(t, drafts, 3)

	master := drafts[0]
	assert.Equal(t, Source, master.Source)
	assert.Equal(t, "series@google.com", *master.SourceUID)
	require.NotNil(t, master.RRule)
	assert.Equal(t, "FREQ=WEEKLY;BYDAY=MO", *master.RRule)
	require.Len(t, master.ExDates, 3)
	assert.True(t, master.ExDates[0].Equal(time.Date(2024, 3, 18, 9, 0, 0, 0, time.UTC)))
	assert.True(t, master.ExDates[1].Equal(time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC)))
	assert.NotNil(t, master.RawPayload)

	moved := drafts[1]
	assert.Equal(t, "series@google.com#20240325T090000Z", *moved.SourceUID)
	assert.Nil(t, moved.RRule)
	assert.Equal(t, 13, moved.StartAt.UTC().Hour())

	holiday := drafts[2]
	assert.True(t, holiday.IsAllDay)
	assert.Equal(t, "Untitled meeting", holiday.Title)
	assert.Equal(t, "h1", *holiday.SourceUID)
	assert.Equal(t, time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC), holiday.StartAt)
}

func TestDrafts_ListsEveryPage(t *testing.T) {
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.URL.RawQuery)
		assert.True(t, strings.HasSuffix(r.URL.Path, "/calendars/work/events"), r.URL.Path)
		page := calendar.Events{}
		if r.URL.Query().Get("pageToken") == "" {
			page.Items = seriesFixture()[:1]
			page.NextPageToken = "p2"
		} else {
			page.Items = seriesFixture()[3:4]
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	svc, err := calendar.NewService(context.Background(), option.WithEndpoint(srv.URL+"/"), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	c := NewWithService(svc, []string{"work"}, time.UTC)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	drafts, err := c.Drafts(context.Background(), start, start.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Len(t, drafts, 2)
	require.Len(t, queries, 2)
	assert.Contains(t, queries[0], "singleEvents=false")
	assert.Contains(t, queries[0], "timeMin=2024-03-01T00%3A00%3A00Z")
}

func TestTokenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "token.json")
	require.NoError(t, SaveToken(path, &oauth2.Token{AccessToken: "abc", RefreshToken: "r"}))
	tok, err := TokenFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "abc", tok.AccessToken)
	assert.Equal(t, "r", tok.RefreshToken)
}

func TestNewWithService_DefaultsPrimary(t *testing.T) {
	c := NewWithService(nil, nil, nil)
	assert.Equal(t, []string{"primary"}, c.calendarIDs)
	assert.Equal(t, time.Local, c.loc)
}
