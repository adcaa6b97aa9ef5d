package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"calrecur/internal/config"
	"calrecur/internal/model"
	"calrecur/internal/store"
)

var testNow = time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	s := NewServer(cfg, st)
	s.now = func() time.Time { return testNow }
	return s, st
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const dailyTemplate = `{
  "title": "Water plants",
  "start": "2025-01-01T09:00:00Z",
  "end": "2025-01-01T09:15:00Z",
  "recurrence": {"frequency": "daily", "interval": 2, "end": {"type": "after", "count": 4}}
}`

func TestCreateSeriesAndList(t *testing.T) {
	s, st := newTestServer(t, nil)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/events", dailyTemplate)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var created seriesResponse
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	if len(created.Instances) != 5 || created.Truncated || created.SeriesID == "" {
		t.Fatalf("created = %+v", created)
	}
	wantDays := []int{1, 3, 5, 7, 9}
	for i, ev := range created.Instances {
		if ev.Start.Day() != wantDays[i] || ev.Duration() != 15*time.Minute {
			t.Errorf("instance %d = %s..%s", i, ev.Start, ev.End)
		}
	}

	stored, err := st.AllEvents(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 5 {
		t.Errorf("stored = %d", len(stored))
	}

	rec = do(t, h, http.MethodGet, "/api/events?from=2025-01-02&to=2025-01-07", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var listed eventsResponse
	if err := json.NewDecoder(rec.Body).Decode(&listed); err != nil {
		t.Fatal(err)
	}
	if len(listed.Events) != 3 {
		t.Errorf("listed %d events, want 3 (3rd, 5th, 7th)", len(listed.Events))
	}
}

func TestCreateSeriesValidation(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"no title", `{"start": "2025-01-01T09:00:00Z"}`},
		{"no start", `{"title": "x"}`},
		{"end before start", `{"title": "x", "start": "2025-01-01T09:00:00Z", "end": "2025-01-01T08:00:00Z"}`},
		{"bad rule", `{"title": "x", "start": "2025-01-01T09:00:00Z", "recurrence": {"frequency": "monthly", "monthly": {"type": "sometimes"}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/events", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d body = %s", rec.Code, rec.Body)
			}
		})
	}
}

func TestListEventsBounds(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	if rec := do(t, h, http.MethodGet, "/api/events?from=tomorrow", ""); rec.Code != http.StatusOK {
		t.Errorf("natural language bound: status = %d body = %s", rec.Code, rec.Body)
	}
	if rec := do(t, h, http.MethodGet, "/api/events?from=2025-02-01&to=2025-01-01", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("reversed range: status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/events?from=zzzz", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("garbage bound: status = %d", rec.Code)
	}
}

func TestDeleteSeriesAndEvent(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/events", dailyTemplate)
	var created seriesResponse
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}

	if rec := do(t, h, http.MethodDelete, "/api/events/"+created.Instances[4].ID, ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete event status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/api/events/"+created.Instances[4].ID, ""); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", rec.Code)
	}

	rec = do(t, h, http.MethodDelete, "/api/series/"+created.SeriesID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete series status = %d", rec.Code)
	}
	var out map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["deleted"] != 4 {
		t.Errorf("deleted = %d, want 4", out["deleted"])
	}
}

func TestPreview(t *testing.T) {
	s, st := newTestServer(t, nil)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/preview?n=3", dailyTemplate)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var out previewResponse
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Dates) != 3 || out.Dates[2].Day() != 5 {
		t.Errorf("dates = %v", out.Dates)
	}
	if all, _ := st.AllEvents(context.Background()); len(all) != 0 {
		t.Error("preview must not store anything")
	}

	rec = do(t, h, http.MethodPost, "/api/preview", `{"title": "once", "start": "2025-01-01T09:00:00Z"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("non-recurring preview status = %d", rec.Code)
	}
}

func TestCategoriesAPI(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/categories", `{"name": "Work"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var c model.Category
	if err := json.NewDecoder(rec.Body).Decode(&c); err != nil {
		t.Fatal(err)
	}
	if c.ID == "" || c.Color == "" || c.Emoji == "" {
		t.Errorf("category defaults not applied: %+v", c)
	}

	if rec := do(t, h, http.MethodPost, "/api/categories", `{"name": ""}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty name status = %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/categories", "")
	var list []model.Category
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("categories = %+v", list)
	}

	if rec := do(t, h, http.MethodDelete, "/api/categories/"+c.ID, ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/api/categories/"+c.ID, ""); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", rec.Code)
	}
}

func TestImportExport(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	body := "BEGIN:VCALENDAR\r\n" +
		"BEGIN:VEVENT\r\n" +
		"SUMMARY:Imported\\, nicely\r\n" +
		"DTSTART;VALUE=DATE:20250301\r\n" +
		"CATEGORIES:Trips\r\n" +
		"RRULE:FREQ=YEARLY\r\n" +
		"END:VEVENT\r\n" +
		"BEGIN:VEVENT\r\n" +
		"DTSTART:20250301T100000Z\r\n" +
		"END:VEVENT\r\n" +
		"END:VCALENDAR\r\n"

	rec := do(t, h, http.MethodPost, "/api/import", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var res store.ImportResult
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Events != 1 || res.Skipped != 1 || res.Categories != 1 {
		t.Errorf("result = %+v", res)
	}

	rec = do(t, h, http.MethodGet, "/api/export", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/calendar") {
		t.Errorf("content type = %q", ct)
	}
	out := rec.Body.String()
	for _, want := range []string{
		"PRODID:-//Calrecur//EN\r\n",
		"SUMMARY:Imported\\, nicely\r\n",
		"DTSTART;VALUE=DATE:20250301\r\n",
		"CATEGORIES:Trips\r\n",
		"RRULE:FREQ=YEARLY\r\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("export missing %q:\n%s", want, out)
		}
	}
}

func TestBasicAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "secret"}
	s, _ := newTestServer(t, cfg)
	h := s.Handler()

	if rec := do(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/categories", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/categories", nil)
	req.SetBasicAuth("admin", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated status = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()
	do(t, h, http.MethodPost, "/api/events", dailyTemplate)

	rec := do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "calrecur_expansions_total") {
		t.Error("expansion counter not exported")
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	s, st := newTestServer(t, nil)
	s.maxBody = 256
	h := s.Handler()

	var ics strings.Builder
	ics.WriteString("BEGIN:VCALENDAR\r\n")
	for i := 0; i < 20; i++ {
		ics.WriteString("BEGIN:VEVENT\r\nSUMMARY:Filler\r\nDTSTART:20250301T100000Z\r\nEND:VEVENT\r\n")
	}
	ics.WriteString("END:VCALENDAR\r\n")

	if rec := do(t, h, http.MethodPost, "/api/import", ics.String()); rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("import status = %d body = %s", rec.Code, rec.Body)
	}
	if all, _ := st.AllEvents(context.Background()); len(all) != 0 {
		t.Errorf("truncated import stored %d events", len(all))
	}

	long := `{"title": "` + strings.Repeat("a", 512) + `", "start": "2025-01-01T09:00:00Z"}`
	if rec := do(t, h, http.MethodPost, "/api/events", long); rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("create status = %d body = %s", rec.Code, rec.Body)
	}
	if rec := do(t, h, http.MethodPost, "/api/categories", `{"name": "`+strings.Repeat("b", 512)+`"}`); rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("category status = %d body = %s", rec.Code, rec.Body)
	}

	if rec := do(t, h, http.MethodPost, "/api/events", dailyTemplate); rec.Code != http.StatusCreated {
		t.Errorf("small body status = %d body = %s", rec.Code, rec.Body)
	}
}
