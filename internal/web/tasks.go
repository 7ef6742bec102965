package web

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"currently/internal/model"
	"currently/internal/tasks"
)

// isValidation reports errors caused by the request body rather than the
// server.
func isValidation(err error) bool {
	return errors.Is(err, model.ErrTitleRequired) ||
		errors.Is(err, model.ErrInvalidStatus) ||
		errors.Is(err, model.ErrInvalidPriority) ||
		errors.Is(err, model.ErrNameRequired)
}

// handleListTasks serves the task list, filtered by ?project=, ?status= and
// ?range= (all, today, tomorrow, 7, 30) and ordered by status.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := tasks.Filter{
		ProjectID: q.Get("project"),
		Status:    model.TaskStatus(q.Get("status")),
		Range:     tasks.DateRange(q.Get("range")),
	}
	if f.Status != "" && !f.Status.ValidFilter() {
		writeError(w, http.StatusBadRequest, "unknown status filter")
		return
	}
	switch f.Range {
	case "", tasks.RangeAll, tasks.RangeToday, tasks.RangeTomorrow, tasks.RangeWeek, tasks.RangeMonth:
	default:
		writeError(w, http.StatusBadRequest, "unknown date range")
		return
	}

	all, err := s.deps.Store.ListTasks(r.Context())
	if err != nil {
		writeStoreError(w, "list tasks", err)
		return
	}
	loc := s.resolveLocation(q.Get("tz"))
	writeJSON(w, http.StatusOK, tasks.SortByStatus(tasks.Apply(all, f, s.now(), loc)))
}

type taskSummary struct {
	Today     []model.Task          `json:"today"`
	Upcoming  []model.Task          `json:"upcoming"`
	Deadlines []model.Task          `json:"deadlines"`
	Counts    tasks.Counts          `json:"counts"`
	Meetings  []model.CalendarEvent `json:"meetings"`
	// Titles holds the dashboard label of every listed task by id.
	Titles map[string]string `json:"titles"`
}

// handleTaskSummary feeds the dashboard: today, upcoming, deadlines, chip
// counts and the meetings of the next days.
func (s *Server) handleTaskSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	all, err := s.deps.Store.ListTasks(ctx)
	if err != nil {
		writeStoreError(w, "list tasks", err)
		return
	}
	now := s.now()
	loc := s.resolveLocation(r.URL.Query().Get("tz"))
	days := parseIntDefault(r.URL.Query().Get("days"), 3)

	events, err := s.deps.Store.ListEvents(ctx, now, now.AddDate(0, 0, days+1))
	if err != nil {
		writeStoreError(w, "list events", err)
		return
	}
	projects, err := s.deps.Store.ListProjects(ctx)
	if err != nil {
		writeStoreError(w, "list projects", err)
		return
	}
	names := projectNames(projects)

	sum := taskSummary{
		Today:     tasks.TodayList(all),
		Upcoming:  tasks.UpcomingList(all),
		Deadlines: tasks.UpcomingDeadlines(all, now),
		Counts:    tasks.CountAll(all),
		Meetings:  tasks.UpcomingMeetings(events, now, days, loc),
		Titles:    map[string]string{},
	}
	for _, list := range [][]model.Task{sum.Today, sum.Upcoming, sum.Deadlines} {
		for _, t := range list {
			name := ""
			if t.ProjectID != nil {
				name = names[*t.ProjectID]
			}
			sum.Titles[t.ID] = tasks.TitleWithMeta(t, name, loc)
		}
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Store.GetTask(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, "get task", err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var t model.Task
	if err := decodeJSON(w, r, &t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	created, err := s.deps.Store.CreateTask(r.Context(), t)
	if err != nil {
		writeStoreError(w, "create task", err)
		return
	}
	s.changed("tasks")
	writeJSON(w, http.StatusCreated, created)
}

// handleUpdateTask replaces the editable fields of a task. Fields absent
// from the body keep their stored values.
func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	current, err := s.deps.Store.GetTask(ctx, mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, "get task", err)
		return
	}
	id, created := current.ID, current.CreatedAt
	if err := decodeJSON(w, r, &current); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	current.ID, current.CreatedAt = id, created

	updated, err := s.deps.Store.UpdateTask(ctx, current)
	if err != nil {
		writeStoreError(w, "update task", err)
		return
	}
	s.changed("tasks")
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteTask(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeStoreError(w, "delete task", err)
		return
	}
	s.changed("tasks")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.deps.Store.ListProjects(r.Context())
	if err != nil {
		writeStoreError(w, "list projects", err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var p model.Project
	if err := decodeJSON(w, r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	created, err := s.deps.Store.CreateProject(r.Context(), p)
	if err != nil {
		writeStoreError(w, "create project", err)
		return
	}
	s.changed("projects")
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	var p model.Project
	if err := decodeJSON(w, r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	p.ID = mux.Vars(r)["id"]
	updated, err := s.deps.Store.UpdateProject(r.Context(), p)
	if err != nil {
		writeStoreError(w, "update project", err)
		return
	}
	s.changed("projects")
	writeJSON(w, http.StatusOK, updated)
}

// handleDeleteProject detaches tasks and events before removing the
// project, so both lists change.
func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteProject(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeStoreError(w, "delete project", err)
		return
	}
	s.changed("projects")
	w.WriteHeader(http.StatusNoContent)
}

// projectNames maps project ids to names for titles and agenda rows.
func projectNames(projects []model.Project) map[string]string {
	out := make(map[string]string, len(projects))
	for _, p := range projects {
		out[p.ID] = p.Name
	}
	return out
}

// parseWindow reads ?start= and ?end= as RFC 3339 instants or plain dates
// in loc. Missing bounds fall back to the configured window around now.
func (s *Server) parseWindow(r *http.Request, loc *time.Location) (time.Time, time.Time, error) {
	now := s.now()
	start := now.AddDate(0, 0, -s.cfg.Window.PastDays)
	end := now.AddDate(0, 0, s.cfg.Window.FutureDays)
	q := r.URL.Query()
	if v := q.Get("start"); v != "" {
		t, err := parseBound(v, loc)
		if err != nil {
			return start, end, err
		}
		start = t
	}
	if v := q.Get("end"); v != "" {
		t, err := parseBound(v, loc)
		if err != nil {
			return start, end, err
		}
		end = t
	}
	if !end.After(start) {
		return start, end, errors.New("end must be after start")
	}
	return start, end, nil
}

func parseBound(v string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", v, loc)
	if err != nil {
		return time.Time{}, errors.New("invalid date " + v)
	}
	return t, nil
}
