package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"taskrecur/internal/agenda"
	"taskrecur/internal/calendar"
	"taskrecur/internal/config"
	"taskrecur/internal/ics"
	"taskrecur/internal/instkey"
	appLog "taskrecur/internal/log"
	"taskrecur/internal/model"
	"taskrecur/internal/present"
	"taskrecur/internal/recurrence"
	"taskrecur/internal/series"
	"taskrecur/internal/store"
)

const maxBodyBytes = 1 << 20

// Server provides the JSON API over the series manager.
type Server struct {
	cfg    *config.Config
	mgr    *series.Manager
	agenda *agenda.Builder
	mux    *http.ServeMux
	now    func() time.Time
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, mgr *series.Manager) *Server {
	s := &Server{
		cfg:    cfg,
		mgr:    mgr,
		agenda: agenda.NewBuilder(mgr, cfg.Locale),
		mux:    http.NewServeMux(),
		now:    time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// /health 는 항상 무인증으로 노출한다. (systemd/프록시 헬스체크용)
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="taskrecur", charset="UTF-8"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	// NOTE: 길이 비교는 상수시간이 아니다. 길이 노출은 허용한다.
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve runs an HTTP server on cfg.Listen until ctx is canceled, then shuts
// it down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	// ctx 는 이미 취소됐으므로 shutdown 은 별도 timeout context 로 진행.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/templates", s.handleListTemplates)
	s.mux.HandleFunc("POST /api/templates", s.handleCreateTemplate)
	s.mux.HandleFunc("GET /api/templates/{id}", s.handleGetTemplate)
	s.mux.HandleFunc("PUT /api/templates/{id}", s.handleEditSeries)
	s.mux.HandleFunc("DELETE /api/templates/{id}", s.handleDeleteSeries)
	s.mux.HandleFunc("GET /api/templates/{id}/instances", s.handleInstances)
	s.mux.HandleFunc("GET /api/templates/{id}/calendar.ics", s.handleExport)

	s.mux.HandleFunc("GET /api/templates/{id}/occurrences/{key}", s.handleGetOccurrence)
	s.mux.HandleFunc("PATCH /api/templates/{id}/occurrences/{key}", s.handleEditSingle)
	s.mux.HandleFunc("DELETE /api/templates/{id}/occurrences/{key}", s.handleDeleteSingle)
	s.mux.HandleFunc("POST /api/templates/{id}/occurrences/{key}/convert", s.handleConvert)

	s.mux.HandleFunc("GET /api/agenda", s.handleAgenda)
	s.mux.HandleFunc("POST /api/import", s.handleImport)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	ts, err := s.mgr.Templates(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var d series.TemplateDraft
	if !readJSON(w, r, &d) {
		return
	}
	if d.TimeZone == "" {
		d.TimeZone = s.cfg.Timezone
	}
	if d.Rule.WeekStart == "" {
		d.Rule.WeekStart = s.cfg.WeekStart
	}
	t, err := s.mgr.CreateTemplate(r.Context(), d)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.mgr.Template(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type editSeriesRequest struct {
	Version int64 `json:"version"`
	series.TemplateUpdate
}

func (s *Server) handleEditSeries(w http.ResponseWriter, r *http.Request) {
	var req editSeriesRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Version <= 0 {
		writeError(w, http.StatusBadRequest, "version is required")
		return
	}
	t, err := s.mgr.EditSeries(r.Context(), r.PathValue("id"), req.Version, req.TemplateUpdate)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteSeries(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.DeleteSeries(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// instanceView is an instance with its derived presentation.
type instanceView struct {
	model.TaskInstance
	DerivedStatus model.Status `json:"derived_status"`
	Label         string       `json:"label"`
}

type instancesResponse struct {
	TemplateID string         `json:"template_id"`
	TimeZone   string         `json:"time_zone"`
	From       calendar.Date  `json:"from"`
	To         calendar.Date  `json:"to"`
	Instances  []instanceView `json:"instances"`
}

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := s.mgr.Template(ctx, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	from, to, err := s.window(r, t.TimeZone)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	insts, err := s.mgr.Materialize(ctx, t.ID, from, to)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	loc, err := calendar.LoadZone(t.TimeZone)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	now := s.now().In(loc)
	resp := instancesResponse{
		TemplateID: t.ID,
		TimeZone:   t.TimeZone,
		From:       from,
		To:         to,
		Instances:  make([]instanceView, 0, len(insts)),
	}
	for _, inst := range insts {
		label, err := present.Label(inst, s.cfg.Locale, t.TimeZone)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		resp.Instances = append(resp.Instances, instanceView{
			TaskInstance:  inst,
			DerivedStatus: present.StatusOf(inst, now),
			Label:         label,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := s.mgr.Template(ctx, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	from, to, err := s.window(r, t.TimeZone)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	insts, err := s.mgr.Materialize(ctx, t.ID, from, to)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	body, err := ics.ExportInstances(t.Title, insts, t.TimeZone, s.now())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body)
}

func (s *Server) handleGetOccurrence(w http.ResponseWriter, r *http.Request) {
	inst, err := s.mgr.Occurrence(r.Context(), r.PathValue("id"), r.PathValue("key"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleEditSingle(w http.ResponseWriter, r *http.Request) {
	var patch series.InstancePatch
	if !readJSON(w, r, &patch) {
		return
	}
	inst, err := s.mgr.EditSingle(r.Context(), r.PathValue("id"), r.PathValue("key"), patch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleDeleteSingle(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.DeleteSingle(r.Context(), r.PathValue("id"), r.PathValue("key")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type convertRequest struct {
	series.ConvertOptions
	Patch series.InstancePatch `json:"patch"`
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if !readJSON(w, r, &req) {
		return
	}
	inst, err := s.mgr.ConvertToOneTime(r.Context(), r.PathValue("id"), r.PathValue("key"), req.Patch, req.ConvertOptions)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

type agendaResponse struct {
	Days    int            `json:"days"`
	Entries []agenda.Entry `json:"entries"`
	Summary agenda.Summary `json:"summary"`
}

func (s *Server) handleAgenda(w http.ResponseWriter, r *http.Request) {
	days := parseIntDefault(r.URL.Query().Get("days"), s.cfg.HorizonDays)
	if days <= 0 || days > s.cfg.MaxWindowDays {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("days must be in 1..%d", s.cfg.MaxWindowDays))
		return
	}
	backfill := parseIntDefault(r.URL.Query().Get("backfill"), 0)
	entries, err := s.agenda.Build(r.Context(), s.now(), backfill, days)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agendaResponse{
		Days:    days,
		Entries: entries,
		Summary: agenda.Summarize(entries),
	})
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	zone := r.URL.Query().Get("tz")
	if zone == "" {
		zone = s.cfg.Timezone
	}
	created, err := ics.Import(r.Context(), s.mgr, body, zone)
	if err != nil && len(created) == 0 {
		// Unparsable payloads are the caller's problem.
		if statusFor(err) == http.StatusInternalServerError {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.fail(w, r, err)
		return
	}
	if err != nil {
		// Partial import: report what was created alongside the failure.
		appLog.Error("ics import incomplete", err, "created", len(created))
		writeJSON(w, http.StatusMultiStatus, map[string]any{"templates": created, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"templates": created})
}

// window reads from/to query dates, defaulting to the configured horizon
// starting today in zone.
func (s *Server) window(r *http.Request, zone string) (calendar.Date, calendar.Date, error) {
	q := r.URL.Query()
	var from, to calendar.Date
	if v := q.Get("from"); v != "" {
		d, err := calendar.ParseDate(v)
		if err != nil {
			return from, to, fmt.Errorf("%w: from: %v", recurrence.ErrInvalidWindow, err)
		}
		from = d
	} else {
		local, _, err := calendar.ToLocal(s.now(), zone)
		if err != nil {
			return from, to, err
		}
		from = local
	}
	if v := q.Get("to"); v != "" {
		d, err := calendar.ParseDate(v)
		if err != nil {
			return from, to, fmt.Errorf("%w: to: %v", recurrence.ErrInvalidWindow, err)
		}
		to = d
	} else {
		// to 는 inclusive. horizon 7 이면 오늘 포함 7일.
		to = from.AddDays(s.cfg.HorizonDays - 1)
	}
	return from, to, nil
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrTemplateNotFound),
		errors.Is(err, store.ErrInstanceNotFound),
		errors.Is(err, series.ErrUnknownOccurrence):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case isClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func isClientError(err error) bool {
	return errors.Is(err, recurrence.ErrInvalidRule) ||
		errors.Is(err, recurrence.ErrInvalidWindow) ||
		errors.Is(err, instkey.ErrMalformedKey) ||
		errors.Is(err, calendar.ErrInvalidTimeZone) ||
		errors.Is(err, series.ErrNotConfirmed) ||
		errors.Is(err, series.ErrInvalidTemplate) ||
		errors.Is(err, series.ErrInvalidInstance)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	// 5xx 는 내부 에러 문자열을 응답에 싣지 않는다. 로그로만 남긴다.
	if status == http.StatusInternalServerError {
		appLog.Error("request failed", err, "method", r.Method, "path", r.URL.Path)
		writeError(w, status, "internal error")
		return
	}
	appLog.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err.Error())
	writeError(w, status, err.Error())
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
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
