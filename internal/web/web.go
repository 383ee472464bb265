package web

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"kseschedule/internal/config"
	"kseschedule/internal/groups"
	"kseschedule/internal/ics"
	appLog "kseschedule/internal/log"
	"kseschedule/internal/metrics"
	"kseschedule/internal/model"
	"kseschedule/internal/schedule"
	"kseschedule/internal/selection"
)

const (
	calendarName    = "KSE Schedule"
	shutdownTimeout = 10 * time.Second
	maxBodyBytes    = 64 << 10
	dateLayout      = "2006-01-02"
)

// Deps are the collaborators the HTTP API serves.
type Deps struct {
	Coordinator *schedule.Coordinator
	Groups      *groups.Directory
	Selection   *selection.Store
	Metrics     *metrics.Metrics
}

// Server provides the HTTP API over the schedule coordinator, the group
// directory and the persisted selection.
type Server struct {
	cfg       *config.Config
	deps      Deps
	router    *mux.Router
	maxGroups int

	// bgCtx bounds refreshes started in the background after selection
	// changes.
	bgCtx context.Context
	bg    sync.WaitGroup
}

// NewServer constructs a new Server. Background refreshes stop when ctx is
// canceled.
func NewServer(ctx context.Context, cfg *config.Config, deps Deps) *Server {
	if deps.Groups == nil {
		deps.Groups = groups.New(nil)
	}
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		router:    mux.NewRouter(),
		maxGroups: schedule.DefaultMaxGroups,
		bgCtx:     ctx,
	}
	if cfg != nil && cfg.MaxGroups != 0 {
		s.maxGroups = cfg.MaxGroups
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.router)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// Wait blocks until background refreshes have finished.
func (s *Server) Wait() {
	s.bg.Wait()
}

// Run serves on cfg.Listen until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	appLog.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.Wait()
	return nil
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password disables auth.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="KSE Schedule", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.router.Use(s.metricsMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/schedule", s.handleSchedule).Methods(http.MethodGet)
	api.HandleFunc("/schedule.ics", s.handleScheduleICS).Methods(http.MethodGet)
	api.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost)
	api.HandleFunc("/groups", s.handleGroups).Methods(http.MethodGet)
	api.HandleFunc("/selection", s.handleGetSelection).Methods(http.MethodGet)
	api.HandleFunc("/selection", s.handlePutSelection).Methods(http.MethodPut)
	api.HandleFunc("/selection/{id}/toggle", s.handleToggleSelection).Methods(http.MethodPost)
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.written {
		rw.status = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// metricsMiddleware records request counts and latency per route template.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.deps.Metrics.ObserveHTTPRequest(r.Method, route, rw.status, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// scheduleResponse is the JSON response shape for /api/schedule.
type scheduleResponse struct {
	Loading    bool             `json:"loading"`
	UpdatedAt  *time.Time       `json:"updated_at"`
	Generation uint64           `json:"generation"`
	Days       []dayDTO         `json:"days"`
	Issues     []schedule.Issue `json:"issues"`
	LastError  string           `json:"last_error,omitempty"`
}

type dayDTO struct {
	Label  string     `json:"label"`
	Date   string     `json:"date"`
	Events []eventDTO `json:"events"`
}

type eventDTO struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Location    string     `json:"location"`
	Description string     `json:"description"`
	Start       time.Time  `json:"start"`
	End         *time.Time `json:"end"`
}

func newScheduleResponse(st schedule.State) scheduleResponse {
	resp := scheduleResponse{
		Loading:    st.Loading,
		Generation: st.Generation,
		Days:       make([]dayDTO, 0, len(st.Schedule)),
		Issues:     st.Issues,
	}
	if resp.Issues == nil {
		resp.Issues = []schedule.Issue{}
	}
	if !st.UpdatedAt.IsZero() {
		t := st.UpdatedAt
		resp.UpdatedAt = &t
	}
	if st.LastError != nil {
		resp.LastError = st.LastError.Error()
	}

	for _, day := range st.Schedule {
		d := dayDTO{
			Label:  day.Label,
			Date:   day.Date.Format(dateLayout),
			Events: make([]eventDTO, 0, len(day.Events)),
		}
		for _, ev := range day.Events {
			d.Events = append(d.Events, newEventDTO(ev))
		}
		resp.Days = append(resp.Days, d)
	}
	return resp
}

func newEventDTO(ev model.Event) eventDTO {
	dto := eventDTO{
		ID:          ev.ID,
		Title:       ev.Title,
		Location:    ev.Location,
		Description: ev.Description,
		Start:       ev.Start,
	}
	if !ev.End.IsZero() {
		end := ev.End
		dto.End = &end
	}
	return dto
}

// handleSchedule returns the last published schedule.
//
// GET /api/schedule
func (s *Server) handleSchedule(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newScheduleResponse(s.deps.Coordinator.State()))
}

// handleScheduleICS re-serializes the published schedule as iCalendar.
//
// GET /api/schedule.ics
func (s *Server) handleScheduleICS(w http.ResponseWriter, _ *http.Request) {
	st := s.deps.Coordinator.State()

	var buf bytes.Buffer
	if err := ics.Export(&buf, st.Schedule, calendarName, time.Now()); err != nil {
		appLog.Error("ics export failed", err)
		writeError(w, http.StatusInternalServerError, "failed to export schedule")
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="schedule.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// handleRefresh runs a refresh for the stored selection and waits for it.
//
// POST /api/refresh
//   - 200 with the new schedule
//   - 409 if a newer refresh superseded this one
//   - 422 if the stored selection exceeds max_groups
//   - 502 if the schedule could not be retrieved
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	sel := s.deps.Selection.Get()
	appLog.Info("api refresh request", "groups", sel.String())

	_, err := s.deps.Coordinator.Refresh(r.Context(), sel)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, newScheduleResponse(s.deps.Coordinator.State()))
	case errors.Is(err, schedule.ErrStaleRefresh):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, schedule.ErrTooManyGroups):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ics.ErrRetrievalFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type groupDTO struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Selected bool   `json:"selected"`
}

type groupsResponse struct {
	Groups []groupDTO `json:"groups"`
}

// handleGroups searches the group directory.
//
// GET /api/groups?q=econ
func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	sel := s.deps.Selection.Get()
	found := s.deps.Groups.Search(r.URL.Query().Get("q"))

	resp := groupsResponse{Groups: make([]groupDTO, 0, len(found))}
	for _, g := range found {
		resp.Groups = append(resp.Groups, groupDTO{
			ID:       g.ID,
			Name:     g.Name,
			Selected: sel.Contains(g.ID),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type selectionPayload struct {
	Groups []int `json:"groups"`
}

// GET /api/selection
func (s *Server) handleGetSelection(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, selectionPayload{Groups: nonNil(s.deps.Selection.Get())})
}

// handlePutSelection replaces the selection and refreshes in the
// background.
//
// PUT /api/selection  {"groups":[12,7]}
func (s *Server) handlePutSelection(w http.ResponseWriter, r *http.Request) {
	var body selectionPayload
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if unknown := s.unknownGroups(body.Groups); len(unknown) > 0 {
		writeError(w, http.StatusBadRequest, "unknown group ids: "+model.GroupSelection(unknown).String())
		return
	}

	if s.overLimit(len(dedupe(body.Groups))) {
		s.tooManyGroups(w)
		return
	}

	sel, err := s.deps.Selection.Set(model.GroupSelection(body.Groups))
	if err != nil {
		appLog.Error("failed to persist selection", err)
		writeError(w, http.StatusInternalServerError, "failed to save selection")
		return
	}

	s.refreshInBackground()
	writeJSON(w, http.StatusOK, selectionPayload{Groups: nonNil(sel)})
}

// handleToggleSelection flips one group in or out of the selection.
//
// POST /api/selection/{id}/toggle
func (s *Server) handleToggleSelection(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}
	if unknown := s.unknownGroups([]int{id}); len(unknown) > 0 {
		writeError(w, http.StatusNotFound, "unknown group id")
		return
	}

	if cur := s.deps.Selection.Get(); !cur.Contains(id) && s.overLimit(len(cur)+1) {
		s.tooManyGroups(w)
		return
	}

	sel, err := s.deps.Selection.Toggle(id)
	if err != nil {
		appLog.Error("failed to persist selection", err, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to save selection")
		return
	}

	s.refreshInBackground()
	writeJSON(w, http.StatusOK, selectionPayload{Groups: nonNil(sel)})
}

// unknownGroups lists ids missing from the directory. An empty directory
// accepts every id.
func (s *Server) unknownGroups(ids []int) []int {
	if s.deps.Groups.Len() == 0 {
		return nil
	}
	var unknown []int
	for _, id := range ids {
		if _, ok := s.deps.Groups.Lookup(id); !ok {
			unknown = append(unknown, id)
		}
	}
	return unknown
}

// refreshInBackground takes the next generation now, in request order,
// and reads the selection only when the refresh runs, so the newest
// generation always fetches the newest selection.
func (s *Server) refreshInBackground() {
	pending := s.deps.Coordinator.Begin(s.bgCtx)

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		sel := s.deps.Selection.Get()
		_, err := pending.Run(sel)
		if err != nil && !errors.Is(err, schedule.ErrStaleRefresh) {
			appLog.Warn("background refresh failed", "groups", sel.String(), "generation", pending.Generation(), "error", err)
		}
	}()
}

// overLimit reports whether n selected groups exceed max_groups.
func (s *Server) overLimit(n int) bool {
	return s.maxGroups > 0 && n > s.maxGroups
}

func (s *Server) tooManyGroups(w http.ResponseWriter) {
	writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("%s (limit %d)", schedule.ErrTooManyGroups, s.maxGroups))
}

func dedupe(ids []int) []int {
	seen := make(map[int]struct{}, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func nonNil(sel model.GroupSelection) []int {
	if sel == nil {
		return []int{}
	}
	return sel
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
	writeJSON(w, status, errResp{Error: strings.TrimSpace(msg)})
}
