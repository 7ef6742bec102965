package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"currently/internal/config"
	"currently/internal/feeds"
	"currently/internal/importer"
	appLog "currently/internal/log"
	"currently/internal/state"
	"currently/internal/store"
	"currently/internal/voice"
)

// Deps are the collaborators behind the API. Voice and Scheduler may be
// nil; their routes then answer 503.
type Deps struct {
	Store     store.Store
	Importer  *importer.Engine
	Voice     *voice.Processor
	Shopping  *state.ShoppingList
	Prefs     *state.Preferences
	Scheduler *feeds.Scheduler
}

// Server provides the HTTP API for tasks, projects, calendar views, imports
// and local state.
type Server struct {
	cfg    *config.Config
	deps   Deps
	loc    *time.Location
	router *mux.Router
	hub    *Hub
	now    func() time.Time

	// Calendar view responses keyed by query; cleared on every write.
	// viewGen counts writes so a response computed before one is not stored.
	viewMu    sync.RWMutex
	viewCache map[string]viewResponse
	viewGen   uint64
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		loc:       cfg.Location(),
		router:    mux.NewRouter(),
		hub:       NewHub(),
		now:       time.Now,
		viewCache: map[string]viewResponse{},
	}
	s.registerRoutes()
	return s
}

// Hub exposes the websocket hub so background jobs can announce changes.
func (s *Server) Hub() *Hub { return s.hub }

// Handler wraps the router with request logging, CORS and auth.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	switch {
	case s.jwtEnabled():
		appLog.Info("HTTP bearer auth enabled")
		h = s.bearerAuthMiddleware(h)
	case s.basicAuthEnabled():
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		h = s.basicAuthMiddleware(h)
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return requestLogger(c.Handler(h))
}

// StartServer serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) StartServer(ctx context.Context) error {
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	srv := &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		appLog.Info("HTTP server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	r := s.router
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/auth/token", s.handleIssueToken).Methods(http.MethodPost)

	r.HandleFunc("/api/tasks", s.handleListTasks).Methods(http.MethodGet)
	r.HandleFunc("/api/tasks", s.handleCreateTask).Methods(http.MethodPost)
	r.HandleFunc("/api/tasks/summary", s.handleTaskSummary).Methods(http.MethodGet)
	r.HandleFunc("/api/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	r.HandleFunc("/api/tasks/{id}", s.handleUpdateTask).Methods(http.MethodPut)
	r.HandleFunc("/api/tasks/{id}", s.handleDeleteTask).Methods(http.MethodDelete)

	r.HandleFunc("/api/projects", s.handleListProjects).Methods(http.MethodGet)
	r.HandleFunc("/api/projects", s.handleCreateProject).Methods(http.MethodPost)
	r.HandleFunc("/api/projects/{id}", s.handleUpdateProject).Methods(http.MethodPut)
	r.HandleFunc("/api/projects/{id}", s.handleDeleteProject).Methods(http.MethodDelete)

	r.HandleFunc("/api/events", s.handleListEvents).Methods(http.MethodGet)
	r.HandleFunc("/api/events", s.handleCreateEvent).Methods(http.MethodPost)
	r.HandleFunc("/api/events/{id}", s.handleGetEvent).Methods(http.MethodGet)
	r.HandleFunc("/api/events/{id}", s.handleUpdateEvent).Methods(http.MethodPut)
	r.HandleFunc("/api/events/{id}", s.handleDeleteEvent).Methods(http.MethodDelete)

	r.HandleFunc("/api/calendar/view", s.handleCalendarView).Methods(http.MethodGet)
	r.HandleFunc("/api/agenda", s.handleAgenda).Methods(http.MethodGet)
	r.HandleFunc("/api/calendar/import", s.handleImport).Methods(http.MethodPost)
	r.HandleFunc("/api/calendar/process-voice", s.handleProcessMeeting).Methods(http.MethodPost)
	r.HandleFunc("/api/task/process", s.handleProcessTask).Methods(http.MethodPost)
	r.HandleFunc("/api/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/api/refresh", s.handleRefreshStatus).Methods(http.MethodGet)

	r.HandleFunc("/api/shopping", s.handleListShopping).Methods(http.MethodGet)
	r.HandleFunc("/api/shopping", s.handleAddShopping).Methods(http.MethodPost)
	r.HandleFunc("/api/shopping/clear-checked", s.handleClearChecked).Methods(http.MethodPost)
	r.HandleFunc("/api/shopping/{id}", s.handleUpdateShopping).Methods(http.MethodPatch)
	r.HandleFunc("/api/shopping/{id}", s.handleRemoveShopping).Methods(http.MethodDelete)
	r.HandleFunc("/api/shopping/{id}/toggle", s.handleToggleShopping).Methods(http.MethodPost)

	r.HandleFunc("/api/preferences/theme", s.handleGetTheme).Methods(http.MethodGet)
	r.HandleFunc("/api/preferences/theme", s.handleSetTheme).Methods(http.MethodPut)

	r.HandleFunc("/api/ws", s.handleWebSocket)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "no feeds configured")
		return
	}
	rep, err := s.deps.Scheduler.RunOnce(r.Context())
	if errors.Is(err, feeds.ErrAlreadyRunning) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		appLog.Error("manual refresh failed", err)
		writeError(w, http.StatusBadGateway, "refresh failed")
		return
	}
	if rep.Stored > 0 {
		s.changed("events")
	}
	writeJSON(w, http.StatusOK, rep)
}

// handleRefreshStatus reports the last completed refresh, or 204 before
// the first one.
func (s *Server) handleRefreshStatus(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "no feeds configured")
		return
	}
	rep, ok := s.deps.Scheduler.Last()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// changed drops cached views and tells websocket clients what moved.
func (s *Server) changed(kind string) {
	s.viewMu.Lock()
	s.viewCache = map[string]viewResponse{}
	s.viewGen++
	s.viewMu.Unlock()
	s.hub.Broadcast(Message{Type: kind + ".changed", Data: map[string]string{"at": s.now().UTC().Format(time.RFC3339)}})
}

// Notify is the hook for background writers such as the feed scheduler.
func (s *Server) Notify(kind string) { s.changed(kind) }

// statusRecorder captures the status code for the response log line.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack keeps websocket upgrades working through the logger.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		appLog.Debug("[req]", "method", r.Method, "url", r.URL.String())
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		appLog.Info("[res]", "method", r.Method, "url", r.URL.Path, "status", rec.status, "elapsed", time.Since(start).String())
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// resolveLocation reads a request timezone, falling back to the server's.
func (s *Server) resolveLocation(name string) *time.Location {
	if name == "" {
		return s.loc
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to configured", err, "name", name)
		return s.loc
	}
	return loc
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

// writeStoreError maps collaborator errors onto status codes.
func writeStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case isValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		appLog.Error("store call failed", err, "op", op)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
