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

	"github.com/google/uuid"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"calrecur/internal/config"
	"calrecur/internal/ics"
	appLog "calrecur/internal/log"
	"calrecur/internal/metrics"
	"calrecur/internal/model"
	"calrecur/internal/recurrence"
	"calrecur/internal/store"
)

const (
	maxBodySize     = 16 << 20
	defaultPreviewN = 10
	defaultWindow   = 30 * 24 * time.Hour
)

// Store is the persistence the API needs.
type Store interface {
	SaveInstances(ctx context.Context, events []model.Event) error
	Events(ctx context.Context, from, to time.Time) ([]model.Event, error)
	AllEvents(ctx context.Context) ([]model.Event, error)
	DeleteEvent(ctx context.Context, id string) error
	DeleteSeries(ctx context.Context, seriesID string) (int, error)
	SaveCategory(ctx context.Context, c model.Category) (model.Category, error)
	Categories(ctx context.Context) ([]model.Category, error)
	DeleteCategory(ctx context.Context, id string) error
	ImportCalendar(ctx context.Context, cal *ics.Calendar) (store.ImportResult, error)
}

// Server provides the HTTP API over the expander, the codec and the store.
type Server struct {
	cfg      *config.Config
	store    Store
	expander recurrence.Expander
	encoder  ics.Encoder
	decoder  ics.Decoder
	dates    *when.Parser
	mux      *http.ServeMux
	now      func() time.Time
	// maxBody caps request bodies; larger ones get 413.
	maxBody int64
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, st Store) *Server {
	dates := when.New(nil)
	dates.Add(en.All...)
	dates.Add(common.All...)

	s := &Server{
		cfg:      cfg,
		store:    st,
		expander: cfg.Expander(),
		encoder:  cfg.Encoder(),
		decoder:  cfg.Decoder(),
		dates:    dates,
		mux:      http.NewServeMux(),
		now:      time.Now,
		maxBody:  maxBodySize,
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
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Calrecur", charset="UTF-8"`)
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

// Serve listens on cfg.Listen until ctx is canceled, then shuts down
// gracefully.
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("POST /api/events", s.handleCreateSeries)
	s.mux.HandleFunc("GET /api/events", s.handleListEvents)
	s.mux.HandleFunc("DELETE /api/events/{id}", s.handleDeleteEvent)
	s.mux.HandleFunc("DELETE /api/series/{id}", s.handleDeleteSeries)
	s.mux.HandleFunc("POST /api/preview", s.handlePreview)

	s.mux.HandleFunc("GET /api/categories", s.handleListCategories)
	s.mux.HandleFunc("POST /api/categories", s.handleSaveCategory)
	s.mux.HandleFunc("DELETE /api/categories/{id}", s.handleDeleteCategory)

	s.mux.HandleFunc("GET /api/export", s.handleExport)
	s.mux.HandleFunc("POST /api/import", s.handleImport)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// seriesResponse is the JSON response shape for POST /api/events.
type seriesResponse struct {
	SeriesID  string        `json:"series_id"`
	Instances []model.Event `json:"instances"`
	Truncated bool          `json:"truncated"`
}

// handleCreateSeries expands a template event and stores every instance.
func (s *Server) handleCreateSeries(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := s.readTemplate(w, r)
	if !ok {
		return
	}

	res := s.expander.Run(tmpl)
	metrics.ObserveExpansion(res)

	if err := s.store.SaveInstances(r.Context(), res.Instances); err != nil {
		appLog.Error("save instances failed", err, "template_id", tmpl.ID)
		writeError(w, http.StatusInternalServerError, "failed to save events")
		return
	}
	appLog.Info("series created",
		"series_id", res.Instances[0].SeriesID,
		"instances", len(res.Instances),
		"truncated", res.Truncated,
	)
	writeJSON(w, http.StatusCreated, seriesResponse{
		SeriesID:  res.Instances[0].SeriesID,
		Instances: res.Instances,
		Truncated: res.Truncated,
	})
}

// readTemplate decodes and validates a template event from the request body.
// It writes the error response itself and reports whether to continue.
func (s *Server) readTemplate(w http.ResponseWriter, r *http.Request) (model.Event, bool) {
	var tmpl model.Event
	dec := json.NewDecoder(s.body(w, r))
	if err := dec.Decode(&tmpl); err != nil {
		if tooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return model.Event{}, false
		}
		writeError(w, http.StatusBadRequest, "invalid event JSON: "+err.Error())
		return model.Event{}, false
	}

	if tmpl.ID == "" {
		tmpl.ID = uuid.NewString()
	}
	if tmpl.CreatedAt.IsZero() {
		tmpl.CreatedAt = s.now().UTC()
	}
	tmpl.Start = tmpl.Start.UTC()
	if tmpl.End.IsZero() {
		tmpl.End = tmpl.Start
	}
	tmpl.End = tmpl.End.UTC()
	if tmpl.Recurrence != nil {
		rule := tmpl.Recurrence.Normalized()
		tmpl.Recurrence = &rule
	}
	if err := tmpl.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return model.Event{}, false
	}
	return tmpl, true
}

// eventsResponse is the JSON response shape for GET /api/events.
type eventsResponse struct {
	Events     []model.Event    `json:"events"`
	Categories []model.Category `json:"categories"`
	RangeStart time.Time        `json:"range_start"`
	RangeEnd   time.Time        `json:"range_end"`
}

// handleListEvents returns stored instances starting within a window.
//
// GET /api/events?from=today&to=next+friday
//   - from: defaults to now
//   - to:   defaults to from + 30 days
//
// Bounds accept YYYY-MM-DD, RFC 3339 or English phrases.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	now := s.now().UTC()

	from, err := s.parseBound(q.Get("from"), now, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "from: "+err.Error())
		return
	}
	to, err := s.parseBound(q.Get("to"), from.Add(defaultWindow), true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "to: "+err.Error())
		return
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "to is before from")
		return
	}

	events, err := s.store.Events(ctx, from, to)
	if err != nil {
		appLog.Error("list events failed", err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	categories, err := s.store.Categories(ctx)
	if err != nil {
		appLog.Error("list categories failed", err)
		writeError(w, http.StatusInternalServerError, "failed to list categories")
		return
	}

	appLog.Debug("api events request",
		"range_start", from.Format(time.RFC3339),
		"range_end", to.Format(time.RFC3339),
		"count", len(events),
	)
	writeJSON(w, http.StatusOK, eventsResponse{
		Events:     events,
		Categories: categories,
		RangeStart: from,
		RangeEnd:   to,
	})
}

// parseBound reads a range bound. A bare date used as an upper bound covers
// the whole day.
func (s *Server) parseBound(v string, def time.Time, upper bool) (time.Time, error) {
	if v == "" {
		return def, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, v, time.UTC); err == nil {
		if upper {
			t = t.Add(24*time.Hour - time.Second)
		}
		return t, nil
	}
	res, err := s.dates.Parse(v, s.now().UTC())
	if err != nil {
		return time.Time{}, err
	}
	if res == nil {
		return time.Time{}, fmt.Errorf("cannot understand %q", v)
	}
	return res.Time.UTC(), nil
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteEvent(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "event not found")
			return
		}
		appLog.Error("delete event failed", err, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to delete event")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteSeries(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n, err := s.store.DeleteSeries(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "series not found")
			return
		}
		appLog.Error("delete series failed", err, "series_id", id)
		writeError(w, http.StatusInternalServerError, "failed to delete series")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// previewResponse is the JSON response shape for POST /api/preview.
type previewResponse struct {
	Dates []time.Time `json:"dates"`
}

// handlePreview lists the next n occurrence starts of a template without
// storing anything.
//
// POST /api/preview?n=10
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	n := parseIntDefault(r.URL.Query().Get("n"), defaultPreviewN)
	if n <= 0 || n > recurrence.DefaultMaxInstances {
		n = defaultPreviewN
	}
	tmpl, ok := s.readTemplate(w, r)
	if !ok {
		return
	}
	dates, err := recurrence.Preview(tmpl, n)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, previewResponse{Dates: dates})
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := s.store.Categories(r.Context())
	if err != nil {
		appLog.Error("list categories failed", err)
		writeError(w, http.StatusInternalServerError, "failed to list categories")
		return
	}
	writeJSON(w, http.StatusOK, categories)
}

func (s *Server) handleSaveCategory(w http.ResponseWriter, r *http.Request) {
	var c model.Category
	if err := json.NewDecoder(s.body(w, r)).Decode(&c); err != nil {
		if tooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid category JSON: "+err.Error())
		return
	}
	if c.Color == "" && len(s.cfg.Palette) > 0 {
		c.Color = s.cfg.Palette[0]
	}
	if c.Emoji == "" {
		c.Emoji = s.cfg.DefaultEmoji
	}
	saved, err := s.store.SaveCategory(r.Context(), c)
	if err != nil {
		if errors.Is(err, store.ErrInvalidCategory) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		appLog.Error("save category failed", err)
		writeError(w, http.StatusInternalServerError, "failed to save category")
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteCategory(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "category not found")
			return
		}
		appLog.Error("delete category failed", err, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to delete category")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleExport serves every stored event as interchange text.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	events, err := s.store.AllEvents(ctx)
	if err != nil {
		appLog.Error("export: list events failed", err)
		writeError(w, http.StatusInternalServerError, "failed to export")
		return
	}
	categories, err := s.store.Categories(ctx)
	if err != nil {
		appLog.Error("export: list categories failed", err)
		writeError(w, http.StatusInternalServerError, "failed to export")
		return
	}

	text := s.encoder.Encode(events, categories)
	metrics.Exports.Inc()
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="calendar.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, text)
}

// handleImport decodes interchange text from the body and stores the result.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	cal, err := s.decoder.DecodeReader(s.body(w, r))
	if err != nil {
		if tooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	metrics.ObserveDecode(len(cal.Events), cal.Skipped)

	res, err := s.store.ImportCalendar(r.Context(), cal)
	if err != nil {
		appLog.Error("import failed", err, "events", len(cal.Events))
		writeError(w, http.StatusInternalServerError, "failed to import")
		return
	}
	appLog.Info("calendar imported", "events", res.Events, "skipped", res.Skipped, "new_categories", res.Categories)
	writeJSON(w, http.StatusOK, res)
}

// body limits the request body to maxBody bytes.
func (s *Server) body(w http.ResponseWriter, r *http.Request) io.Reader {
	return http.MaxBytesReader(w, r.Body, s.maxBody)
}

func tooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
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
