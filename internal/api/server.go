// Package api serves the capture HTTP surface: live session state, the
// annotation label the operator toggles mid-recording, and the archive
// of past sessions with their readings and summary statistics.
package api

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"database/sql"

	"github.com/fallmark-data/fallmark/internal/annotation"
	"github.com/fallmark-data/fallmark/internal/httputil"
	"github.com/fallmark-data/fallmark/internal/monitoring"
	"github.com/fallmark-data/fallmark/internal/session"
	"github.com/fallmark-data/fallmark/internal/store"
	"github.com/fallmark-data/fallmark/internal/telemetry"
	"github.com/fallmark-data/fallmark/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// standardGravity converts between m/s^2 and g.
const standardGravity = 9.80665

// Unit conversion functions
// Readings carry accelerations in m/s^2
func convertAcceleration(mps2 float64, targetUnits string) float64 {
	switch targetUnits {
	case "g":
		return mps2 / standardGravity
	case "mps2":
		return mps2
	default:
		return mps2 // default to m/s^2 if unknown unit
	}
}

// convertReading applies unit conversion to the axes of a reading.
func (s *Server) convertReading(r telemetry.Reading) telemetry.Reading {
	if s.units == "g" {
		r.AX = float32(convertAcceleration(float64(r.AX), s.units))
		r.AY = float32(convertAcceleration(float64(r.AY), s.units))
		r.AZ = float32(convertAcceleration(float64(r.AZ), s.units))
	}
	return r
}

type Server struct {
	source session.Source
	ann    *annotation.State
	db     *store.DB
	units  string
}

// NewServer assembles the API over a running session, the shared
// annotation state, and the session archive. db may be nil when the
// store is disabled; archive routes then answer 503.
func NewServer(source session.Source, ann *annotation.State, db *store.DB, units string) *Server {
	return &Server{
		source: source,
		ann:    ann,
		db:     db,
		units:  units,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400 && statusCode < 500:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 500:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", s.showState)
	mux.HandleFunc("/api/annotation", s.handleAnnotation)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/sessions/", s.sessionSubroutes)
	mux.HandleFunc("/api/live", s.streamLive)
	mux.HandleFunc("/api/version", s.showVersion)
	return mux
}

// annotationView is the wire shape of the current fall label.
type annotationView struct {
	Label     string    `json:"label"`
	UpdatedAt time.Time `json:"updated_at"`
}

// stateResponse combines the session snapshot with the label the next
// reading will carry.
type stateResponse struct {
	Session    session.Status `json:"session"`
	Annotation annotationView `json:"annotation"`
	Units      string         `json:"units"`
}

func (s *Server) showState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	st := s.source.Status()
	if st.Last != nil {
		converted := s.convertReading(*st.Last)
		st.Last = &converted
	}

	httputil.WriteJSONOK(w, stateResponse{
		Session: st,
		Annotation: annotationView{
			Label:     s.ann.Get(),
			UpdatedAt: s.ann.UpdatedAt(),
		},
		Units: s.units,
	})
}

func (s *Server) handleAnnotation(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, annotationView{Label: s.ann.Get(), UpdatedAt: s.ann.UpdatedAt()})

	case http.MethodPost:
		label, err := annotationLabel(r)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if err := s.ann.Set(label); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		monitoring.Logf("annotation set to %q", label)
		httputil.WriteJSONOK(w, annotationView{Label: s.ann.Get(), UpdatedAt: s.ann.UpdatedAt()})

	default:
		httputil.MethodNotAllowed(w)
	}
}

// annotationLabel extracts the requested label from a JSON body or a
// urlencoded form, so both the web UI and plain curl -d label=Start work.
func annotationLabel(r *http.Request) (string, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			return "", errors.New("malformed form body")
		}
		return r.PostFormValue("label"), nil
	}
	var req struct {
		Label string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", errors.New("request body must be JSON with a label field")
	}
	return req.Label, nil
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "session store disabled")
		return
	}

	sessions, err := s.db.Sessions()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list sessions: %v", err))
		return
	}
	if sessions == nil {
		sessions = []store.SessionRecord{}
	}
	httputil.WriteJSONOK(w, sessions)
}

// sessionSubroutes dispatches /api/sessions/{id} and its children:
// /readings, /stats, and /chart.
func (s *Server) sessionSubroutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "session store disabled")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		httputil.NotFound(w, "missing session id")
		return
	}

	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}

	switch sub {
	case "":
		s.showSession(w, id)
	case "readings":
		s.showSessionReadings(w, r, id)
	case "stats":
		s.showSessionStats(w, id)
	case "chart":
		s.showSessionChart(w, id)
	default:
		httputil.NotFound(w, fmt.Sprintf("unknown session route %q", sub))
	}
}

func (s *Server) showSession(w http.ResponseWriter, id string) {
	rec, err := s.db.Session(id)
	if errors.Is(err, sql.ErrNoRows) {
		httputil.NotFound(w, fmt.Sprintf("no session %s", id))
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load session: %v", err))
		return
	}
	httputil.WriteJSONOK(w, rec)
}

func (s *Server) showSessionReadings(w http.ResponseWriter, r *http.Request, id string) {
	format := r.URL.Query().Get("format")
	if format != "" && format != "json" && format != "csv" {
		httputil.BadRequest(w, fmt.Sprintf("unknown format %q, want json or csv", format))
		return
	}

	readings, err := s.db.SessionReadings(id)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load readings: %v", err))
		return
	}
	if readings == nil {
		readings = []telemetry.Reading{}
	}
	for i := range readings {
		readings[i] = s.convertReading(readings[i])
	}

	if format == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".csv"))
		cw := csv.NewWriter(w)
		cw.Write(telemetry.CSVHeader())
		for _, rd := range readings {
			cw.Write(rd.CSVRow())
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			monitoring.Logf("csv export of session %s aborted: %v", id, err)
		}
		return
	}

	httputil.WriteJSONOK(w, readings)
}

func (s *Server) showSessionStats(w http.ResponseWriter, id string) {
	stats, err := s.db.SessionStats(id)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to compute stats: %v", err))
		return
	}
	httputil.WriteJSONOK(w, stats)
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}
