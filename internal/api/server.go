// Package api serves the diagnostic HTTP surface: JSON status and history,
// a websocket live feed, and charts.
package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/uwb.report/internal/anchor"
	"github.com/banshee-data/uwb.report/internal/db"
	"github.com/banshee-data/uwb.report/internal/geom"
	"github.com/banshee-data/uwb.report/internal/pipeline"
	"github.com/banshee-data/uwb.report/internal/telemetry"
	"github.com/banshee-data/uwb.report/internal/units"
	"github.com/banshee-data/uwb.report/internal/version"
	"github.com/banshee-data/uwb.report/internal/zone"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const (
	defaultLimit = 100
	maxLimit     = 10000
)

type Server struct {
	engine *pipeline.Engine
	pub    *telemetry.Publisher
	db     *db.DB
	units  string

	// AssetsHost is where chart pages load the echarts scripts from.
	AssetsHost string
}

// NewServer returns a server over engine. pub feeds /api/live; database may
// be nil, in which case history comes from the engine's in-memory buffers.
func NewServer(engine *pipeline.Engine, pub *telemetry.Publisher, database *db.DB, units string) *Server {
	return &Server{
		engine:     engine,
		pub:        pub,
		db:         database,
		units:      units,
		AssetsHost: defaultAssetsHost,
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

// Unwrap lets http.ResponseController reach the hijacker for websockets.
func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter { return lrw.ResponseWriter }

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
		if r.URL.Path == "/api/live" {
			// Hijacked connections cannot be wrapped.
			next.ServeHTTP(w, r)
			return
		}
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
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/anchors", s.listAnchors)
	mux.HandleFunc("/api/zones", s.listZones)
	mux.HandleFunc("/api/events", s.listEvents)
	mux.HandleFunc("/api/positions", s.listPositions)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/live", s.handleLive)
	mux.HandleFunc("/charts/trail", s.handleTrailChart)
	mux.HandleFunc("/charts/distances", s.handleDistanceChart)
	mux.HandleFunc("/report/heatmap.png", s.handleHeatmap)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] failed to write response: %v", err)
	}
}

// getOnly rejects anything but GET and returns false when it did.
func (s *Server) getOnly(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	return true
}

func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > maxLimit {
		return 0, fmt.Errorf("invalid 'limit' parameter, must be 1-%d", maxLimit)
	}
	return n, nil
}

// requestUnits returns the speed units for r, falling back to the server
// default.
func (s *Server) requestUnits(r *http.Request) (string, error) {
	return units.ParseSpeed(r.URL.Query().Get("units"), s.units)
}

// convertRecord expresses the speed fields of rec in u.
func convertRecord(rec telemetry.Record, u string) telemetry.Record {
	rec.Speed = units.ConvertSpeed(rec.Speed, u)
	rec.Velocity = geom.Point{
		X: units.ConvertSpeed(rec.Velocity.X, u),
		Y: units.ConvertSpeed(rec.Velocity.Y, u),
	}
	return rec
}

type statusResponse struct {
	pipeline.Status
	Units     string                   `json:"units"`
	Publisher telemetry.PublisherStats `json:"publisher"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if !s.getOnly(w, r) {
		return
	}
	u, err := s.requestUnits(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	st := s.engine.Status()
	st.Record = convertRecord(st.Record, u)
	resp := statusResponse{Status: st, Units: u}
	if s.pub != nil {
		resp.Publisher = s.pub.Stats()
	}
	s.writeJSON(w, resp)
}

type anchorResponse struct {
	anchor.Status
	DistanceUnits string `json:"distance_units"`
}

func (s *Server) listAnchors(w http.ResponseWriter, r *http.Request) {
	if !s.getOnly(w, r) {
		return
	}
	du, err := units.ParseDistance(r.URL.Query().Get("distance_units"), units.Metres)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	anchors := s.engine.Status().Anchors
	out := make([]anchorResponse, len(anchors))
	for i, a := range anchors {
		a.Distance = units.ConvertDistance(a.Distance, du)
		a.LastRaw = units.ConvertDistance(a.LastRaw, du)
		// Variance scales with the square of the unit.
		scale := units.ConvertDistance(1, du)
		a.Variance *= scale * scale
		out[i] = anchorResponse{Status: a, DistanceUnits: du}
	}
	s.writeJSON(w, out)
}

type zoneResponse struct {
	Name       string     `json:"name"`
	Center     geom.Point `json:"center"`
	Radius     float64    `json:"radius"`
	MinDwellMS int64      `json:"min_dwell_ms"`
	Current    bool       `json:"current"`
	Candidate  bool       `json:"candidate"`
}

func (s *Server) listZones(w http.ResponseWriter, r *http.Request) {
	if !s.getOnly(w, r) {
		return
	}
	st := s.engine.Status()
	zones := s.engine.System().Zones
	out := make([]zoneResponse, len(zones))
	for i, z := range zones {
		out[i] = zoneResponse{
			Name:       z.Name,
			Center:     z.Center,
			Radius:     z.Radius,
			MinDwellMS: z.MinDwell.Milliseconds(),
			Current:    st.Record.Zone == z.Name,
			Candidate:  st.ZoneCandidate == z.Name,
		}
	}
	s.writeJSON(w, out)
}

type eventResponse struct {
	From    string    `json:"from"`
	To      string    `json:"to"`
	At      time.Time `json:"at"`
	DwellMS int64     `json:"dwell_ms"`
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if !s.getOnly(w, r) {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	tz := r.URL.Query().Get("timezone")
	if tz != "" && !units.IsTimezoneValid(tz) {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid timezone %q", tz))
		return
	}

	var events []zone.Event
	if s.db != nil {
		events, err = s.db.ZoneEvents(r.Context(), s.engine.SessionID(), limit)
		if err != nil {
			s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve events: %v", err))
			return
		}
	} else {
		events = s.engine.Events(limit)
	}

	out := make([]eventResponse, len(events))
	for i, ev := range events {
		at, _ := units.ConvertTime(ev.At, tz)
		out[i] = eventResponse{From: ev.From, To: ev.To, At: at, DwellMS: ev.Dwell.Milliseconds()}
	}
	s.writeJSON(w, out)
}

func (s *Server) listPositions(w http.ResponseWriter, r *http.Request) {
	if !s.getOnly(w, r) {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	u, err := s.requestUnits(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.db != nil {
		positions, err := s.db.Positions(r.Context(), s.engine.SessionID(), limit)
		if err != nil {
			s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve positions: %v", err))
			return
		}
		for i := range positions {
			positions[i].VX = units.ConvertSpeed(positions[i].VX, u)
			positions[i].VY = units.ConvertSpeed(positions[i].VY, u)
		}
		s.writeJSON(w, positions)
		return
	}

	trail := s.engine.Trail(limit)
	for i := range trail {
		trail[i].Speed = units.ConvertSpeed(trail[i].Speed, u)
	}
	s.writeJSON(w, trail)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if !s.getOnly(w, r) {
		return
	}
	if s.db == nil {
		s.writeJSONError(w, http.StatusNotFound, "no database configured")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	sessions, err := s.db.Sessions(r.Context(), limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve sessions: %v", err))
		return
	}
	if sessions == nil {
		sessions = []db.Session{}
	}
	s.writeJSON(w, sessions)
}

type anchorConfig struct {
	ID       int        `json:"id"`
	Slot     int        `json:"slot"`
	Position geom.Point `json:"position"`
}

type configResponse struct {
	Profile           string         `json:"profile"`
	TagID             int            `json:"tag_id"`
	SessionID         string         `json:"session_id"`
	Units             string         `json:"units"`
	Anchors           []anchorConfig `json:"anchors"`
	PollOrder         []int          `json:"poll_order"`
	Bounds            geom.Rect      `json:"bounds"`
	CycleMS           int64          `json:"cycle_ms"`
	SlotMS            int64          `json:"slot_ms"`
	ExchangeTimeoutMS int64          `json:"exchange_timeout_ms"`
	StaleTimeoutMS    int64          `json:"stale_timeout_ms"`
	WatchdogTimeoutMS int64          `json:"watchdog_timeout_ms"`
	Build             version.Info   `json:"build"`
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if !s.getOnly(w, r) {
		return
	}
	sys := s.engine.System()
	resp := configResponse{
		Profile:           sys.Profile,
		TagID:             sys.TagID,
		SessionID:         s.engine.SessionID(),
		Units:             s.units,
		Bounds:            sys.Bounds,
		CycleMS:           sys.CycleLength.Milliseconds(),
		SlotMS:            sys.SlotWidth.Milliseconds(),
		ExchangeTimeoutMS: sys.ExchangeDeadline().Milliseconds(),
		StaleTimeoutMS:    sys.AnchorStaleTimeout.Milliseconds(),
		WatchdogTimeoutMS: sys.WatchdogTimeout.Milliseconds(),
		Build:             version.Get(),
	}
	for slot, a := range sys.Anchors {
		resp.Anchors = append(resp.Anchors, anchorConfig{ID: a.ID, Slot: slot, Position: a.Position})
	}
	for _, slot := range sys.SlotOrder {
		resp.PollOrder = append(resp.PollOrder, sys.Anchors[slot].ID)
	}
	s.writeJSON(w, resp)
}
