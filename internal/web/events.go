package web

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"currently/internal/agenda"
	"currently/internal/ai"
	"currently/internal/calview"
	"currently/internal/importer"
	appLog "currently/internal/log"
	"currently/internal/model"
	"currently/internal/recurrence"
	"currently/internal/voice"
)

const (
	maxUploadBytes = 32 << 20
	viewCacheTTL   = time.Minute
)

// eventPayload is the event form. Recurrence, when present, replaces the
// rrule: a preset is turned into a rule, "custom" passes CustomRule through
// and "none" clears it. EndDate is the last included day of an all-day
// event as the widget shows it; it replaces end_at with the exclusive
// boundary.
type eventPayload struct {
	model.CalendarEvent
	Recurrence *recurrence.Preset    `json:"recurrence,omitempty"`
	Interval   int                   `json:"interval,omitempty"`
	CustomRule string                `json:"custom_rule,omitempty"`
	EndDate    *calview.CalendarDate `json:"end_date,omitempty"`
}

func (p eventPayload) apply(ev *model.CalendarEvent, loc *time.Location) {
	if p.EndDate != nil && ev.IsAllDay {
		ev.EndAt = calview.ExclusiveEnd(*p.EndDate, loc)
	}
	if p.Recurrence == nil {
		return
	}
	switch *p.Recurrence {
	case recurrence.PresetCustom:
		ev.RRule = model.StringPtr(p.CustomRule)
	default:
		if rule, ok := recurrence.BuildRule(*p.Recurrence, p.Interval); ok {
			ev.RRule = &rule
		} else {
			ev.RRule = nil
		}
	}
}

// eventResponse adds the preset the form should preselect.
type eventResponse struct {
	model.CalendarEvent
	Recurrence recurrence.Inference `json:"recurrence"`
}

func withPreset(ev model.CalendarEvent) eventResponse {
	return eventResponse{CalendarEvent: ev, Recurrence: recurrence.InferPreset(ev.Rule())}
}

// handleListEvents returns stored events overlapping ?start= .. ?end=,
// unexpanded.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	loc := s.resolveLocation(r.URL.Query().Get("tz"))
	start, end, err := s.parseWindow(r, loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := s.deps.Store.ListEvents(r.Context(), start, end)
	if err != nil {
		writeStoreError(w, "list events", err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.deps.Store.GetEvent(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, "get event", err)
		return
	}
	writeJSON(w, http.StatusOK, withPreset(ev))
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var p eventPayload
	if err := decodeJSON(w, r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if p.StartAt.IsZero() {
		writeError(w, http.StatusBadRequest, "start_at is required")
		return
	}
	ev := p.CalendarEvent
	p.apply(&ev, s.resolveLocation(r.URL.Query().Get("tz")))
	ev.Source = model.SourceManual

	created, err := s.deps.Store.CreateEvent(r.Context(), ev)
	if err != nil {
		writeStoreError(w, "create event", err)
		return
	}
	s.changed("events")
	writeJSON(w, http.StatusCreated, withPreset(created))
}

// handleUpdateEvent merges the body over the stored event. Source fields
// are never changed from the API.
func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	current, err := s.deps.Store.GetEvent(ctx, mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, "get event", err)
		return
	}
	p := eventPayload{CalendarEvent: current}
	if err := decodeJSON(w, r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ev := p.CalendarEvent
	p.apply(&ev, s.resolveLocation(r.URL.Query().Get("tz")))
	ev.ID = current.ID
	ev.Source, ev.SourceUID, ev.RawPayload = current.Source, current.SourceUID, current.RawPayload

	updated, err := s.deps.Store.UpdateEvent(ctx, ev)
	if err != nil {
		writeStoreError(w, "update event", err)
		return
	}
	s.changed("events")
	writeJSON(w, http.StatusOK, withPreset(updated))
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteEvent(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeStoreError(w, "delete event", err)
		return
	}
	s.changed("events")
	w.WriteHeader(http.StatusNoContent)
}

type viewWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// viewResponse is what the calendar widget renders.
type viewResponse struct {
	Mode      calview.Mode              `json:"mode"`
	Window    viewWindow                `json:"window"`
	Selected  calview.CalendarDate      `json:"selected"`
	Events    []calview.ProjectedEvent  `json:"events"`
	Calendars map[string]calview.Group `json:"calendars"`

	at time.Time
}

// handleCalendarView projects meetings and tasks for the widget.
//
// Query: mode (meetings, tasks, all), date (YYYY-MM-DD, opens the wide
// window around it), start and end (widget range parts), tz.
func (s *Server) handleCalendarView(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := calview.Mode(q.Get("mode"))
	if mode == "" {
		mode = calview.ModeMeetings
	}
	if !mode.Valid() {
		writeError(w, http.StatusBadRequest, "unknown mode")
		return
	}
	key := strings.Join([]string{string(mode), q.Get("date"), q.Get("start"), q.Get("end"), q.Get("tz")}, "|")

	cached, gen, ok := s.cachedView(key)
	if ok {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	loc := s.resolveLocation(q.Get("tz"))
	vs := calview.NewViewState(loc, s.cfg.Window.PastDays, s.cfg.Window.FutureDays)
	vs.OnChange = func(win recurrence.Span) {
		appLog.Debug("calendar window changed", "mode", string(mode), "start", win.Start, "end", win.End)
	}
	switch {
	case q.Get("date") != "":
		d, err := calview.ParseDate(q.Get("date"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid date")
			return
		}
		vs.SelectDate(d)
	case q.Get("start") != "" || q.Get("end") != "":
		vs.SetRange(q.Get("start"), q.Get("end"))
	}
	window := vs.Window()

	ctx := r.Context()
	events, err := s.deps.Store.ListEvents(ctx, window.Start, window.End)
	if err != nil {
		writeStoreError(w, "list events", err)
		return
	}
	projects, err := s.deps.Store.ListProjects(ctx)
	if err != nil {
		writeStoreError(w, "list projects", err)
		return
	}
	var taskList []model.Task
	if mode != calview.ModeMeetings {
		if taskList, err = s.deps.Store.ListTasks(ctx); err != nil {
			writeStoreError(w, "list tasks", err)
			return
		}
	}

	proj := calview.Project(calview.Input{
		Mode:         mode,
		Tasks:        taskList,
		Events:       events,
		Location:     loc,
		Window:       &window,
		ProjectNames: projectNames(projects),
		Now:          s.now(),
	})
	for _, d := range proj.Diagnostics {
		logExpansion(d.EventID, d.Rule, d.Err, d.Truncated)
	}

	resp := viewResponse{
		Mode:      mode,
		Window:    viewWindow{Start: window.Start, End: window.End},
		Selected:  vs.Selected(),
		Events:    proj.Events,
		Calendars: calview.Palette(projects, s.cfg.MeetingColor),
		at:        s.now(),
	}
	if resp.Events == nil {
		resp.Events = []calview.ProjectedEvent{}
	}
	s.storeView(key, resp, gen)
	writeJSON(w, http.StatusOK, resp)
}

// cachedView returns a fresh cached response for key, and the write
// generation to pass to storeView on a miss.
func (s *Server) cachedView(key string) (viewResponse, uint64, bool) {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	cached, ok := s.viewCache[key]
	if ok && s.now().Sub(cached.at) < viewCacheTTL {
		return cached, s.viewGen, true
	}
	return viewResponse{}, s.viewGen, false
}

// storeView caches resp unless a write happened since gen was read.
func (s *Server) storeView(key string, resp viewResponse, gen uint64) bool {
	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	if s.viewGen != gen {
		return false
	}
	s.viewCache[key] = resp
	return true
}

// logExpansion reports the non-fatal outcome of expanding one event.
func logExpansion(eventID, rule string, err error, truncated bool) {
	if err != nil {
		appLog.Error("recurrence rule not expandable, shown once", err, "event", eventID, "rrule", rule)
	}
	if truncated {
		appLog.Debug("recurrence expansion truncated at occurrence cap", "event", eventID, "rrule", rule)
	}
}

type agendaResponse struct {
	Date   calview.CalendarDate `json:"date"`
	Events []agenda.DayEvent    `json:"events"`
}

// handleAgenda lists the meetings of ?date= (default today) in ?tz=.
func (s *Server) handleAgenda(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	loc := s.resolveLocation(q.Get("tz"))
	day := calview.DateOf(s.now(), loc)
	if v := q.Get("date"); v != "" {
		d, err := calview.ParseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid date")
			return
		}
		day = d
	}
	dayStart := day.In(loc)

	ctx := r.Context()
	events, err := s.deps.Store.ListEvents(ctx, dayStart, day.AddDays(1).In(loc))
	if err != nil {
		writeStoreError(w, "list events", err)
		return
	}
	projects, err := s.deps.Store.ListProjects(ctx)
	if err != nil {
		writeStoreError(w, "list projects", err)
		return
	}
	rows, diags := agenda.BuildDay(dayStart, events, projectNames(projects), loc)
	for _, d := range diags {
		logExpansion(d.EventID, d.Rule, d.Err, d.Truncated)
	}
	if rows == nil {
		rows = []agenda.DayEvent{}
	}
	writeJSON(w, http.StatusOK, agendaResponse{Date: day, Events: rows})
}

type importResponse struct {
	Inserted int                   `json:"inserted"`
	Updated  int                   `json:"updated"`
	Dropped  []string              `json:"dropped"`
	Events   []model.CalendarEvent `json:"events"`
}

// handleImport accepts a multipart form with one of "ics" (file), "image"
// (file) or "text", plus an optional "timezone" for floating times.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Importer == nil {
		writeError(w, http.StatusServiceUnavailable, "import is not configured")
		return
	}
	if err := parseForm(w, r); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form")
		return
	}

	src := importer.Source{Kind: importer.KindText, Text: r.FormValue("text")}
	if data, _, _, err := formFile(r, "ics"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid ics upload")
		return
	} else if data != nil {
		src = importer.Source{Kind: importer.KindICS, Data: data}
	} else if data, _, mime, err := formFile(r, "image"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid image upload")
		return
	} else if data != nil {
		src = importer.Source{Kind: importer.KindImage, Data: data, MimeType: mime}
	}

	loc := s.resolveLocation(r.FormValue("timezone"))
	engine := *s.deps.Importer
	engine.Location = loc

	out, err := engine.Import(r.Context(), src)
	if err != nil {
		writeImportError(w, err)
		return
	}
	if len(out.Stored) > 0 {
		s.changed("events")
	}
	dropped := out.Dropped
	if dropped == nil {
		dropped = []string{}
	}
	stored := out.Stored
	if stored == nil {
		stored = []model.CalendarEvent{}
	}
	writeJSON(w, http.StatusOK, importResponse{Inserted: out.Inserted, Updated: out.Updated, Dropped: dropped, Events: stored})
}

func writeImportError(w http.ResponseWriter, err error) {
	var svcErr *ai.ServiceError
	switch {
	case errors.Is(err, importer.ErrEmptySource), errors.Is(err, voice.ErrNoAudio):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, importer.ErrNoExtractor):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &svcErr):
		appLog.Error("ai call failed", err, "op", svcErr.Op)
		writeError(w, http.StatusBadGateway, "ai service failed")
	case isValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		appLog.Error("import failed", err)
		writeError(w, http.StatusInternalServerError, "import failed")
	}
}

// handleProcessMeeting turns an "audio" upload into a meeting draft. With
// save=true the meeting is stored as well.
func (s *Server) handleProcessMeeting(w http.ResponseWriter, r *http.Request) {
	if s.deps.Voice == nil {
		writeError(w, http.StatusServiceUnavailable, "voice notes need an AI key")
		return
	}
	audio, ok := readAudio(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	res, err := s.deps.Voice.ProcessMeeting(ctx, audio, s.resolveLocation(r.FormValue("timezone")))
	if err != nil {
		writeImportError(w, err)
		return
	}
	if r.FormValue("save") == "true" {
		created, err := s.deps.Store.CreateEvent(ctx, res.Event)
		if err != nil {
			writeStoreError(w, "create event", err)
			return
		}
		res.Event = created
		s.changed("events")
	}
	writeJSON(w, http.StatusOK, res)
}

// handleProcessTask turns an "audio" upload into a task draft, matching
// the spoken project against stored ones. With save=true the task is
// stored as well.
func (s *Server) handleProcessTask(w http.ResponseWriter, r *http.Request) {
	if s.deps.Voice == nil {
		writeError(w, http.StatusServiceUnavailable, "voice notes need an AI key")
		return
	}
	audio, ok := readAudio(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	projects, err := s.deps.Store.ListProjects(ctx)
	if err != nil {
		writeStoreError(w, "list projects", err)
		return
	}
	res, err := s.deps.Voice.ProcessTask(ctx, audio, projects, s.resolveLocation(r.FormValue("timezone")))
	if err != nil {
		writeImportError(w, err)
		return
	}
	if r.FormValue("save") == "true" {
		created, err := s.deps.Store.CreateTask(ctx, res.Task)
		if err != nil {
			writeStoreError(w, "create task", err)
			return
		}
		res.Task = created
		s.changed("tasks")
	}
	writeJSON(w, http.StatusOK, res)
}

func readAudio(w http.ResponseWriter, r *http.Request) (voice.Audio, bool) {
	if err := parseForm(w, r); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form")
		return voice.Audio{}, false
	}
	data, name, _, err := formFile(r, "audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid audio upload")
		return voice.Audio{}, false
	}
	if data == nil {
		writeError(w, http.StatusBadRequest, voice.ErrNoAudio.Error())
		return voice.Audio{}, false
	}
	return voice.Audio{Data: data, Filename: name}, true
}

// parseForm accepts multipart and urlencoded bodies.
func parseForm(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	err := r.ParseMultipartForm(maxUploadBytes)
	if errors.Is(err, http.ErrNotMultipart) {
		return r.ParseForm()
	}
	return err
}

// formFile reads an optional upload. A missing field yields nil data.
func formFile(r *http.Request, field string) ([]byte, string, string, error) {
	f, hdr, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return nil, "", "", nil
	}
	if err != nil {
		return nil, "", "", err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, "", "", err
	}
	if len(data) == 0 {
		return nil, "", "", nil
	}
	return data, hdr.Filename, hdr.Header.Get("Content-Type"), nil
}
