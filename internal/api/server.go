// Package api exposes loaded patient data over HTTP for reporting tools.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/banshee-data/surface.report/internal/sgrt"
	"github.com/banshee-data/surface.report/internal/units"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	collection *sgrt.PatientCollection
	units      string
}

func NewServer(collection *sgrt.PatientCollection, lengthUnits string) *Server {
	if !units.ValidLengthUnit(lengthUnits) {
		lengthUnits = units.UnitCentimeters
	}
	return &Server{
		collection: collection,
		units:      lengthUnits,
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
	case statusCode >= 400:
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
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/patients", s.listPatients)
	mux.HandleFunc("/api/patients/{id}/tree", s.showPatientTree)
	mux.HandleFunc("/api/patients/{id}/calendar", s.showPatientCalendar)
	mux.HandleFunc("/api/report", s.showLoadReport)
	mux.HandleFunc("/api/config", s.showConfig)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// lengthUnits resolves the output unit for a request: the ?units= query
// parameter if present and valid, otherwise the server default.
func (s *Server) lengthUnits(r *http.Request) (string, error) {
	u := r.URL.Query().Get("units")
	if u == "" {
		return s.units, nil
	}
	if !units.ValidLengthUnit(u) {
		return "", fmt.Errorf("unsupported units %q", u)
	}
	return u, nil
}

// PatientAPI is the list-view shape of one loaded patient.
type PatientAPI struct {
	PatientID    string `json:"patient_id"`
	DirName      string `json:"dir_name"`
	FirstName    string `json:"first_name,omitempty"`
	Surname      string `json:"surname,omitempty"`
	SiteCount    int    `json:"site_count"`
	SurfaceCount int    `json:"surface_count"`
	TreatedDays  int    `json:"treated_days"`
}

func patientToAPI(p *sgrt.Patient) PatientAPI {
	out := PatientAPI{
		PatientID:    p.ID,
		DirName:      p.DirName,
		FirstName:    p.Details.FirstName,
		Surname:      p.Details.Surname,
		SiteCount:    len(p.Sites),
		SurfaceCount: len(p.Surfaces()),
	}
	if p.Calendar != nil {
		out.TreatedDays = len(p.Calendar.Days)
	}
	return out
}

func (s *Server) listPatients(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	patients := s.collection.Patients()
	out := make([]PatientAPI, len(patients))
	for i, p := range patients {
		out[i] = patientToAPI(p)
	}

	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write patients")
		return
	}
}

// SurfaceAPI is one capture as reported by both hierarchy views. Magnitudes
// are in the requested length units.
type SurfaceAPI struct {
	SurfaceID     int        `json:"surface_id"`
	Name          string     `json:"name"`
	CapturedAt    *time.Time `json:"captured_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	SampleCount   int        `json:"sample_count"`
	BeamOnSamples int        `json:"beam_on_samples"`
	MaxMagnitude  float64    `json:"max_magnitude"`
	MeanMagnitude float64    `json:"mean_magnitude"`
	Approved      bool       `json:"approved"`
	Suspect       bool       `json:"suspect,omitempty"`
}

func surfaceToAPI(s *sgrt.Surface, id sgrt.SurfaceID, lengthUnits string) SurfaceAPI {
	out := SurfaceAPI{
		SurfaceID: int(id),
		Name:      s.Name,
		Approved:  s.Approved,
		Suspect:   s.Suspect,
	}
	if !s.CapturedAt.IsZero() {
		t := s.CapturedAt
		out.CapturedAt = &t
	}
	if !s.EndedAt.IsZero() {
		t := s.EndedAt
		out.EndedAt = &t
	}
	var sum float64
	for _, d := range s.Deltas {
		if !d.Tracked {
			continue
		}
		out.SampleCount++
		if d.BeamOn {
			out.BeamOnSamples++
		}
		sum += d.Magnitude
		if d.Magnitude > out.MaxMagnitude {
			out.MaxMagnitude = d.Magnitude
		}
	}
	if out.SampleCount > 0 {
		out.MeanMagnitude = sum / float64(out.SampleCount)
	}
	out.MaxMagnitude = units.ConvertLength(out.MaxMagnitude, lengthUnits)
	out.MeanMagnitude = units.ConvertLength(out.MeanMagnitude, lengthUnits)
	return out
}

// FieldAPI, PhaseAPI, SiteAPI and TreeAPI mirror the on-disk hierarchy.
type FieldAPI struct {
	Name     string       `json:"name"`
	Surfaces []SurfaceAPI `json:"surfaces"`
}

type PhaseAPI struct {
	Name   string     `json:"name"`
	Fields []FieldAPI `json:"fields"`
}

type SiteAPI struct {
	Name   string     `json:"name"`
	Phases []PhaseAPI `json:"phases"`
}

type TreeAPI struct {
	PatientID string    `json:"patient_id"`
	Units     string    `json:"units"`
	Sites     []SiteAPI `json:"sites"`
}

func (s *Server) showPatientTree(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	lengthUnits, err := s.lengthUnits(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := s.collection.Patient(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, sgrt.ErrPatientNotFound) {
			s.writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	reg := p.Registry()
	tree := TreeAPI{PatientID: p.ID, Units: lengthUnits, Sites: []SiteAPI{}}
	for _, site := range p.Sites {
		siteAPI := SiteAPI{Name: site.Name, Phases: []PhaseAPI{}}
		for _, phase := range site.Phases {
			phaseAPI := PhaseAPI{Name: phase.Name, Fields: []FieldAPI{}}
			for _, field := range phase.Fields {
				fieldAPI := FieldAPI{Name: field.Name, Surfaces: []SurfaceAPI{}}
				for _, id := range field.Surfaces {
					fieldAPI.Surfaces = append(fieldAPI.Surfaces, surfaceToAPI(reg.Surface(id), id, lengthUnits))
				}
				phaseAPI.Fields = append(phaseAPI.Fields, fieldAPI)
			}
			siteAPI.Phases = append(siteAPI.Phases, phaseAPI)
		}
		tree.Sites = append(tree.Sites, siteAPI)
	}

	if err := json.NewEncoder(w).Encode(tree); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write patient tree")
		return
	}
}

// SessionAPI is one derived treatment session.
type SessionAPI struct {
	Start         time.Time    `json:"start"`
	End           time.Time    `json:"end"`
	SurfaceCount  int          `json:"surface_count"`
	BeamOnSamples int          `json:"beam_on_samples"`
	MaxMagnitude  float64      `json:"max_magnitude"`
	MeanMagnitude float64      `json:"mean_magnitude"`
	Surfaces      []SurfaceAPI `json:"surfaces"`
}

type DayAPI struct {
	Date     string       `json:"date"`
	Sessions []SessionAPI `json:"sessions"`
}

type CalendarAPI struct {
	PatientID string   `json:"patient_id"`
	Units     string   `json:"units"`
	Days      []DayAPI `json:"days"`
	// Skipped lists surfaces that could not be placed on the calendar
	// because their capture timestamp is unknown.
	Skipped []int `json:"skipped_surface_ids,omitempty"`
}

func (s *Server) showPatientCalendar(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	lengthUnits, err := s.lengthUnits(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := s.collection.Patient(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, sgrt.ErrPatientNotFound) {
			s.writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	cal := CalendarAPI{PatientID: p.ID, Units: lengthUnits, Days: []DayAPI{}}
	if p.Calendar != nil {
		reg := p.Registry()
		for _, day := range p.Calendar.Days {
			dayAPI := DayAPI{Date: day.Date.Format("2006-01-02"), Sessions: []SessionAPI{}}
			for _, sess := range day.Sessions {
				sessAPI := SessionAPI{
					Start:         sess.Start,
					End:           sess.End,
					SurfaceCount:  sess.Count,
					BeamOnSamples: sess.BeamOnSamples,
					MaxMagnitude:  units.ConvertLength(sess.MaxMagnitude, lengthUnits),
					MeanMagnitude: units.ConvertLength(sess.MeanMagnitude, lengthUnits),
					Surfaces:      []SurfaceAPI{},
				}
				for _, id := range sess.Surfaces {
					sessAPI.Surfaces = append(sessAPI.Surfaces, surfaceToAPI(reg.Surface(id), id, lengthUnits))
				}
				dayAPI.Sessions = append(dayAPI.Sessions, sessAPI)
			}
			cal.Days = append(cal.Days, dayAPI)
		}
		for _, id := range p.Calendar.Skipped {
			cal.Skipped = append(cal.Skipped, int(id))
		}
	}

	if err := json.NewEncoder(w).Encode(cal); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write patient calendar")
		return
	}
}

// OutcomeAPI is one patient's load outcome in the report view.
type OutcomeAPI struct {
	PatientID    string   `json:"patient_id"`
	DirName      string   `json:"dir_name"`
	Outcome      string   `json:"outcome"`
	Failure      string   `json:"failure,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
	SkippedCount int      `json:"skipped_count"`
	DurationMs   float64  `json:"duration_ms"`
}

type ReportAPI struct {
	ReportID   string       `json:"report_id"`
	Root       string       `json:"root"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Outcomes   []OutcomeAPI `json:"outcomes"`
}

func (s *Server) showLoadReport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	report := s.collection.Report()
	out := ReportAPI{
		ReportID:   report.ID,
		Root:       report.Root,
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		Outcomes:   []OutcomeAPI{},
	}
	for _, id := range sortedOutcomeIDs(report) {
		o := report.Outcomes[id]
		oAPI := OutcomeAPI{
			PatientID:    id,
			DirName:      o.DirName,
			Outcome:      "loaded",
			SkippedCount: len(o.Skipped),
			DurationMs:   float64(o.Duration.Nanoseconds()) / 1e6,
		}
		if o.Failed() {
			oAPI.Outcome = "failed"
			oAPI.Failure = o.Err.Error()
		}
		for _, warning := range o.Warnings {
			oAPI.Warnings = append(oAPI.Warnings, warning.String())
		}
		out.Outcomes = append(out.Outcomes, oAPI)
	}

	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write load report")
		return
	}
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	config := map[string]interface{}{
		"units":     s.units,
		"timezones": units.ClinicTimezones,
	}

	if err := json.NewEncoder(w).Encode(config); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write config")
		return
	}
}

func sortedOutcomeIDs(r *sgrt.LoadReport) []string {
	ids := make([]string, 0, len(r.Outcomes))
	for id := range r.Outcomes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
