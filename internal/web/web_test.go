package web

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"currently/internal/config"
	"currently/internal/importer"
	"currently/internal/model"
	"currently/internal/state"
	"currently/internal/store"
)

var testNow = time.Date(2024, 3, 11, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}
	cfg.Normalize()

	st, err := store.Open(context.Background(), store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	shopping, err := state.OpenShoppingList(cfg.DataDir)
	require.NoError(t, err)
	prefs, err := state.OpenPreferences(cfg.DataDir)
	require.NoError(t, err)

	s := NewServer(cfg, Deps{
		Store:    st,
		Importer: &importer.Engine{Store: st, Location: cfg.Location()},
		Shopping: shopping,
		Prefs:    prefs,
	})
	s.now = func() time.Time { return testNow }
	return s
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestBasicAuth_HealthStaysOpen(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.BasicAuth = &config.BasicAuthConfig{Username: "me", Password: "secret"}
	})
	h := s.Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/tasks", nil).Code)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.SetBasicAuth("me", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBearerAuth_TokenExchange(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.BasicAuth = &config.BasicAuthConfig{Username: "me", Password: "secret"}
		c.JWTSecret = "test-secret"
	})
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/auth/token", map[string]string{"username": "me", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/auth/token", map[string]string{"username": "me", "password": "secret"})
	require.Equal(t, http.StatusOK, rec.Code)
	token := decode[map[string]string](t, rec)["token"]
	require.NotEmpty(t, token)

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/projects", nil).Code)

	req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	req.Header.Set("Authorization", "Bearer "+token+"x")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTasks_CRUDAndFilters(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/tasks", map[string]any{"title": " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/tasks", map[string]any{
		"title":    "Send invoice",
		"priority": "high",
		"deadline": "2024-03-11T17:00:00Z",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	due := decode[model.Task](t, rec)
	assert.Equal(t, model.StatusPending, due.Status)

	rec = do(t, h, http.MethodPost, "/api/tasks", map[string]any{"title": "Someday"})
	require.Equal(t, http.StatusCreated, rec.Code)
	someday := decode[model.Task](t, rec)

	all := decode[[]model.Task](t, do(t, h, http.MethodGet, "/api/tasks", nil))
	assert.Len(t, all, 2)

	today := decode[[]model.Task](t, do(t, h, http.MethodGet, "/api/tasks?range=today", nil))
	require.Len(t, today, 1)
	assert.Equal(t, due.ID, today[0].ID)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/tasks?range=year", nil).Code)

	rec = do(t, h, http.MethodPut, "/api/tasks/"+due.ID, map[string]any{"status": "completed"})
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decode[model.Task](t, rec)
	assert.Equal(t, model.StatusCompleted, updated.Status)
	assert.Equal(t, "Send invoice", updated.Title)

	summary := decode[taskSummary](t, do(t, h, http.MethodGet, "/api/tasks/summary", nil))
	assert.Equal(t, 2, summary.Counts.All)
	assert.Equal(t, 1, summary.Counts.Important)
	assert.Equal(t, "Someday", summary.Titles[someday.ID])

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/api/tasks/"+due.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/tasks/"+due.ID, nil).Code)
}

func TestEvents_RecurringViewAndAgenda(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/events", map[string]any{
		"title":      "Standup",
		"start_at":   "2024-03-04T09:00:00Z",
		"end_at":     "2024-03-04T09:30:00Z",
		"recurrence": "weekly",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[eventResponse](t, rec)
	require.NotNil(t, created.RRule)
	assert.Equal(t, "FREQ=WEEKLY", *created.RRule)
	assert.Equal(t, model.SourceManual, created.Source)

	got := decode[eventResponse](t, do(t, h, http.MethodGet, "/api/events/"+created.ID, nil))
	assert.Equal(t, "weekly", string(got.Recurrence.Preset))

	type view struct {
		Events []struct {
			ID         string `json:"id"`
			OriginalID string `json:"originalId"`
			Start      string `json:"start"`
		} `json:"events"`
		Calendars map[string]json.RawMessage `json:"calendars"`
	}
	path := "/api/calendar/view?start=2024-03-01&end=2024-03-31&tz=UTC"
	v := decode[view](t, do(t, h, http.MethodGet, path, nil))
	require.Len(t, v.Events, 4)
	for _, e := range v.Events {
		assert.True(t, strings.HasPrefix(e.ID, "m-"+created.ID+"-"), e.ID)
		assert.Equal(t, created.ID, e.OriginalID)
	}
	assert.Contains(t, v.Calendars, "none")

	// A write drops the cached view.
	rec = do(t, h, http.MethodPost, "/api/events", map[string]any{
		"title":    "Dentist",
		"start_at": "2024-03-12T15:00:00Z",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	v = decode[view](t, do(t, h, http.MethodGet, path, nil))
	assert.Len(t, v.Events, 5)

	type day struct {
		Events []struct {
			Title string `json:"title"`
			Time  string `json:"time"`
		} `json:"events"`
	}
	d := decode[day](t, do(t, h, http.MethodGet, "/api/agenda?date=2024-03-11&tz=UTC", nil))
	require.Len(t, d.Events, 1)
	assert.Equal(t, "Standup", d.Events[0].Title)
	assert.Equal(t, "9:00 AM", d.Events[0].Time)

	rec = do(t, h, http.MethodPut, "/api/events/"+created.ID, map[string]any{"recurrence": "none"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decode[eventResponse](t, rec).RRule)

	d = decode[day](t, do(t, h, http.MethodGet, "/api/agenda?date=2024-03-11&tz=UTC", nil))
	assert.Empty(t, d.Events)
}

func TestEvents_AllDayEndDate(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/events?tz=UTC", map[string]any{
		"title":      "Conference",
		"start_at":   "2024-03-01T00:00:00Z",
		"is_all_day": true,
		"end_date":   "2024-03-03",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[eventResponse](t, rec)
	assert.True(t, created.EndAt.Equal(time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)), created.EndAt)

	rec = do(t, h, http.MethodPut, "/api/events/"+created.ID+"?tz=UTC", map[string]any{"end_date": "2024-03-05"})
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decode[eventResponse](t, rec)
	assert.True(t, updated.EndAt.Equal(time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC)), updated.EndAt)
}

func TestViewCache_DropsResponsesComputedBeforeAWrite(t *testing.T) {
	s := newTestServer(t, nil)

	_, gen, ok := s.cachedView("meetings||||")
	require.False(t, ok)
	s.changed("events")
	assert.False(t, s.storeView("meetings||||", viewResponse{at: s.now()}, gen))
	_, _, ok = s.cachedView("meetings||||")
	assert.False(t, ok)

	_, gen, _ = s.cachedView("meetings||||")
	assert.True(t, s.storeView("meetings||||", viewResponse{at: s.now()}, gen))
	_, _, ok = s.cachedView("meetings||||")
	assert.True(t, ok)
}

func multipartRequest(t *testing.T, path string, files map[string][]byte, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, data := range files {
		fw, err := mw.CreateFormFile(name, name+".bin")
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestImport_ICSIsIdempotent(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.Handler()
	body := []byte(strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
		"BEGIN:VEVENT",
		"UID:a@example.com",
		"SUMMARY:Review",
		"DTSTART:20240312T090000Z",
		"DTEND:20240312T100000Z",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:b@example.com",
		"SUMMARY:Offsite",
		"DTSTART;VALUE=DATE:20240315",
		"END:VEVENT",
		"END:VCALENDAR",
	}, "\r\n"))

	run := func() importResponse {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, multipartRequest(t, "/api/calendar/import", map[string][]byte{"ics": body}, map[string]string{"timezone": "UTC"}))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		return decode[importResponse](t, rec)
	}
	first := run()
	assert.Equal(t, 2, first.Inserted)
	assert.Equal(t, 0, first.Updated)

	second := run()
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 2, second.Updated)

	events := decode[[]model.CalendarEvent](t, do(t, h, http.MethodGet, "/api/events?start=2024-03-01&end=2024-04-01", nil))
	assert.Len(t, events, 2)
}

func TestImport_CountsEventsOutsideWindow(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.Handler()
	body := []byte(strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"BEGIN:VEVENT",
		"UID:far@example.com",
		"SUMMARY:Launch",
		"DTSTART:20300105T090000Z",
		"DTEND:20300105T100000Z",
		"END:VEVENT",
		"END:VCALENDAR",
	}, "\r\n"))

	run := func() importResponse {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, multipartRequest(t, "/api/calendar/import", map[string][]byte{"ics": body}, nil))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		return decode[importResponse](t, rec)
	}
	first := run()
	assert.Equal(t, 1, first.Inserted)
	assert.Equal(t, 0, first.Updated)

	second := run()
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 1, second.Updated)
	require.Len(t, second.Events, 1)
	assert.Equal(t, first.Events[0].ID, second.Events[0].ID)
}

func TestImport_Errors(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, multipartRequest(t, "/api/calendar/import", nil, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, multipartRequest(t, "/api/calendar/import", nil, map[string]string{"text": "lunch friday at noon"}))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, multipartRequest(t, "/api/task/process", map[string][]byte{"audio": []byte("x")}, nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodPost, "/api/refresh", nil).Code)
}

func TestShoppingAndTheme(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.Handler()

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/shopping", map[string]string{"text": "   "}).Code)

	rec := do(t, h, http.MethodPost, "/api/shopping", map[string]string{"text": "  oat   milk "})
	require.Equal(t, http.StatusCreated, rec.Code)
	milk := decode[model.ShoppingListItem](t, rec)
	assert.Equal(t, "oat milk", milk.Text)

	rec = do(t, h, http.MethodPost, "/api/shopping", map[string]string{"text": "bread"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/shopping/"+milk.ID+"/toggle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[model.ShoppingListItem](t, rec).Checked)

	list := decode[[]model.ShoppingListItem](t, do(t, h, http.MethodGet, "/api/shopping", nil))
	require.Len(t, list, 2)
	assert.Equal(t, "bread", list[0].Text)
	assert.Equal(t, "oat milk", list[1].Text)

	rec = do(t, h, http.MethodPatch, "/api/shopping/"+milk.ID, map[string]any{"text": "soy milk", "checked": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "soy milk", decode[model.ShoppingListItem](t, rec).Text)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/shopping/nope/toggle", nil).Code)

	do(t, h, http.MethodPost, "/api/shopping/"+milk.ID+"/toggle", nil)
	rec = do(t, h, http.MethodPost, "/api/shopping/clear-checked", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[map[string]int](t, rec)["removed"])

	assert.Equal(t, "light", decode[map[string]string](t, do(t, h, http.MethodGet, "/api/preferences/theme", nil))["theme"])
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPut, "/api/preferences/theme", map[string]string{"theme": "blue"}).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPut, "/api/preferences/theme", map[string]string{"theme": "dark"}).Code)
	assert.Equal(t, "dark", decode[map[string]string](t, do(t, h, http.MethodGet, "/api/preferences/theme", nil))["theme"])
}

func TestWebSocket_BroadcastsChanges(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.Hub().Clients() == 1 }, time.Second, 10*time.Millisecond)

	resp, err := http.Post(srv.URL+"/api/projects", "application/json", strings.NewReader(`{"name":"Home"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "projects.changed", msg.Type)
}
