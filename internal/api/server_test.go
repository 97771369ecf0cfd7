package api

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fallmark-data/fallmark/internal/annotation"
	"github.com/fallmark-data/fallmark/internal/session"
	"github.com/fallmark-data/fallmark/internal/store"
	"github.com/fallmark-data/fallmark/internal/telemetry"
	"github.com/fallmark-data/fallmark/internal/testutil"
)

// fakeSource is a session.Source with a scripted status and manually
// driven subscriber channels.
type fakeSource struct {
	status session.Status

	mu   sync.Mutex
	subs map[string]chan telemetry.Reading
	next int
}

func newFakeSource(status session.Status) *fakeSource {
	return &fakeSource{status: status, subs: make(map[string]chan telemetry.Reading)}
}

func (f *fakeSource) Status() session.Status { return f.status }

func (f *fakeSource) Subscribe() (string, chan telemetry.Reading) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := string(rune('a' + f.next))
	ch := make(chan telemetry.Reading)
	f.subs[id] = ch
	return id, ch
}

func (f *fakeSource) Unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[id]; ok {
		close(ch)
		delete(f.subs, id)
	}
}

// push delivers r to every subscriber, blocking until each accepts.
func (f *fakeSource) push(r telemetry.Reading) {
	f.mu.Lock()
	chans := make([]chan telemetry.Reading, 0, len(f.subs))
	for _, ch := range f.subs {
		chans = append(chans, ch)
	}
	f.mu.Unlock()
	for _, ch := range chans {
		ch <- r
	}
}

func (f *fakeSource) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		close(ch)
		delete(f.subs, id)
	}
}

// setupTestServer builds a Server over a fake source, fresh annotation
// state, and a real store in a temp dir.
func setupTestServer(t *testing.T, units string) (*Server, *fakeSource, *store.DB) {
	t.Helper()

	db, err := store.NewDB(filepath.Join(t.TempDir(), "fallmark.db"))
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	source := newFakeSource(session.Status{
		State:    "subscribed",
		SensorID: "223430000278",
		Path:     "/Meas/Acc/13",
		Readings: 42,
	})

	return NewServer(source, annotation.NewState(), db, units), source, db
}

// seedSession stores one finished session with the canned annotated batch.
func seedSession(t *testing.T, db *store.DB, id string) {
	t.Helper()

	startedAt := testutil.SessionStart
	if err := db.StartSession(id, "223430000278", startedAt); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	batch := testutil.FallBatch(startedAt)
	if err := db.ArchiveReadings(id, batch); err != nil {
		t.Fatalf("ArchiveReadings failed: %v", err)
	}
	if err := db.FinishSession(id, "completed", "out.csv", int64(len(batch)), startedAt.Add(time.Minute)); err != nil {
		t.Fatalf("FinishSession failed: %v", err)
	}
}

func TestShowState(t *testing.T) {
	server, _, _ := setupTestServer(t, "mps2")

	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	w := httptest.NewRecorder()
	server.ServeMux().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp stateResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Session.State != "subscribed" {
		t.Errorf("session.state = %q, want subscribed", resp.Session.State)
	}
	if resp.Session.SensorID != "223430000278" {
		t.Errorf("session.sensor_id = %q", resp.Session.SensorID)
	}
	if resp.Annotation.Label != "default" {
		t.Errorf("annotation.label = %q, want default", resp.Annotation.Label)
	}
	if resp.Units != "mps2" {
		t.Errorf("units = %q, want mps2", resp.Units)
	}
}

func TestShowStateConvertsLastReadingToG(t *testing.T) {
	server, source, _ := setupTestServer(t, "g")
	source.status.Last = &telemetry.Reading{SensorTimestamp: 10, AZ: 9.80665}

	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	w := httptest.NewRecorder()
	server.ServeMux().ServeHTTP(w, req)

	var resp stateResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Session.Last == nil {
		t.Fatal("last_reading missing")
	}
	if math.Abs(float64(resp.Session.Last.AZ)-1.0) > 1e-6 {
		t.Errorf("last_reading.az = %v, want 1g", resp.Session.Last.AZ)
	}
}

func TestAnnotationLifecycle(t *testing.T) {
	server, _, _ := setupTestServer(t, "mps2")
	mux := server.ServeMux()

	t.Run("GET_returns_default", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/annotation", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		var resp annotationView
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if resp.Label != annotation.LabelDefault {
			t.Errorf("label = %q, want default", resp.Label)
		}
	})

	t.Run("POST_sets_label", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/annotation", bytes.NewBufferString(`{"label":"Start"}`))
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
		}
		var resp annotationView
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if resp.Label != annotation.LabelStart {
			t.Errorf("label = %q, want Start", resp.Label)
		}
	})

	t.Run("POST_form_sets_label", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/annotation", strings.NewReader("label=Stop"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
		}
		var resp annotationView
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if resp.Label != annotation.LabelStop {
			t.Errorf("label = %q, want Stop", resp.Label)
		}
	})

	t.Run("POST_rejects_unknown_label", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/annotation", bytes.NewBufferString(`{"label":"Falling"}`))
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})

	t.Run("POST_rejects_bad_body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/annotation", bytes.NewBufferString(`not json`))
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})

	t.Run("PUT_method_not_allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPut, "/api/annotation", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", w.Code)
		}
	})
}

func TestListSessions(t *testing.T) {
	server, _, db := setupTestServer(t, "mps2")
	seedSession(t, db, "sess-1")
	seedSession(t, db, "sess-2")

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	w := httptest.NewRecorder()
	server.ServeMux().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var sessions []store.SessionRecord
	if err := json.NewDecoder(w.Body).Decode(&sessions); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("got %d sessions, want 2", len(sessions))
	}
}

func TestListSessionsStoreDisabled(t *testing.T) {
	source := newFakeSource(session.Status{State: "subscribed"})
	server := NewServer(source, annotation.NewState(), nil, "mps2")

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	w := httptest.NewRecorder()
	server.ServeMux().ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestSessionDetail(t *testing.T) {
	server, _, db := setupTestServer(t, "mps2")
	seedSession(t, db, "sess-1")
	mux := server.ServeMux()

	t.Run("existing_session", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/sessions/sess-1", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		var rec store.SessionRecord
		if err := json.NewDecoder(w.Body).Decode(&rec); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if rec.ID != "sess-1" || rec.Outcome != "completed" {
			t.Errorf("record = %+v", rec)
		}
	})

	t.Run("missing_session", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/sessions/nope", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})

	t.Run("unknown_subroute", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/sessions/sess-1/frames", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})
}

func TestSessionReadingsEndpoint(t *testing.T) {
	server, _, db := setupTestServer(t, "g")
	seedSession(t, db, "sess-1")

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/sess-1/readings", nil)
	w := httptest.NewRecorder()
	server.ServeMux().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var readings []telemetry.Reading
	if err := json.NewDecoder(w.Body).Decode(&readings); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(readings) != 3 {
		t.Fatalf("got %d readings, want 3", len(readings))
	}
	// Seeded 9.80665 m/s^2 comes back as 1 g.
	if math.Abs(float64(readings[0].AZ)-1.0) > 1e-6 {
		t.Errorf("readings[0].az = %v, want 1g", readings[0].AZ)
	}
	if readings[1].FallState != "Start" {
		t.Errorf("readings[1].fall_state = %q, want Start", readings[1].FallState)
	}
}

func TestSessionReadingsCSVExport(t *testing.T) {
	server, _, db := setupTestServer(t, "mps2")
	seedSession(t, db, "sess-1")
	mux := server.ServeMux()

	t.Run("format_csv", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/sessions/sess-1/readings?format=csv", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
			t.Errorf("content-type = %s, want text/csv", ct)
		}

		lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
		if len(lines) != 4 {
			t.Fatalf("got %d lines, want header plus 3 rows:\n%s", len(lines), w.Body.String())
		}
		if lines[0] != strings.Join(telemetry.CSVHeader(), ",") {
			t.Errorf("header = %q", lines[0])
		}
		if !strings.Contains(lines[2], "Start") {
			t.Errorf("row 2 = %q, want the Start label", lines[2])
		}
	})

	t.Run("unknown_format_400", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/sessions/sess-1/readings?format=xml", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})
}

func TestSessionStatsEndpoint(t *testing.T) {
	server, _, db := setupTestServer(t, "mps2")
	seedSession(t, db, "sess-1")

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/sess-1/stats", nil)
	w := httptest.NewRecorder()
	server.ServeMux().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var stats store.SessionStats
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if stats.Count != 3 {
		t.Errorf("count = %d, want 3", stats.Count)
	}
	if stats.MaxMagnitude < 9.8 {
		t.Errorf("max_magnitude = %v, want >= 9.8", stats.MaxMagnitude)
	}
}

func TestSessionChart(t *testing.T) {
	server, _, db := setupTestServer(t, "mps2")
	seedSession(t, db, "sess-1")
	mux := server.ServeMux()

	t.Run("renders_html", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/sessions/sess-1/chart", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
			t.Errorf("content-type = %s, want text/html", ct)
		}
		body := w.Body.String()
		if !strings.Contains(body, "Acceleration Trace") {
			t.Error("chart title missing from rendered page")
		}
		if !strings.Contains(body, "echarts") {
			t.Error("echarts assets missing from rendered page")
		}
	})

	t.Run("longer_capture", func(t *testing.T) {
		startedAt := testutil.SessionStart.Add(time.Hour)
		if err := db.StartSession("wave", "223430000278", startedAt); err != nil {
			t.Fatalf("StartSession failed: %v", err)
		}
		if err := db.ArchiveReadings("wave", testutil.Wave(130, startedAt)); err != nil {
			t.Fatalf("ArchiveReadings failed: %v", err)
		}

		req := httptest.NewRequest(http.MethodGet, "/api/sessions/wave/chart", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		if !strings.Contains(w.Body.String(), "echarts") {
			t.Error("echarts assets missing from rendered page")
		}
	})

	t.Run("empty_session_404", func(t *testing.T) {
		startedAt := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
		if err := db.StartSession("empty", "223430000278", startedAt); err != nil {
			t.Fatalf("StartSession failed: %v", err)
		}

		req := httptest.NewRequest(http.MethodGet, "/api/sessions/empty/chart", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})
}

func TestShowVersion(t *testing.T) {
	server, _, _ := setupTestServer(t, "mps2")

	req := httptest.NewRequest(http.MethodGet, "/api/version", nil)
	w := httptest.NewRecorder()
	server.ServeMux().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["version"] == "" {
		t.Error("version missing from response")
	}
}

func TestConvertAcceleration(t *testing.T) {
	if got := convertAcceleration(9.80665, "g"); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("convertAcceleration(9.80665, g) = %v, want 1", got)
	}
	if got := convertAcceleration(3.5, "mps2"); got != 3.5 {
		t.Errorf("convertAcceleration(3.5, mps2) = %v, want 3.5", got)
	}
	if got := convertAcceleration(3.5, "furlongs"); got != 3.5 {
		t.Errorf("unknown units should pass through, got %v", got)
	}
}
