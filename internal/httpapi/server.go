// Package httpapi is the read-only status surface of the tracker.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"smartbus-tracker/internal/geography"
	"smartbus-tracker/internal/logging"
	"smartbus-tracker/internal/pipeline"
	"smartbus-tracker/internal/refcache"
	"smartbus-tracker/internal/transit"
)

type Snapshots interface {
	Read() *refcache.Snapshot
	Stats() refcache.Stats
}

type Matches interface {
	LastMatch(license string) (pipeline.Match, bool)
	Tracked() int
}

type Server struct {
	snapshots Snapshots
	matches   Matches
	metrics   http.Handler
	loc       *time.Location
	now       func() time.Time
	logger    *slog.Logger
}

type Option func(*Server)

func WithMetricsHandler(h http.Handler) Option { return func(s *Server) { s.metrics = h } }

// WithLocation sets the zone used to turn "now" into a clock time.
func WithLocation(loc *time.Location) Option { return func(s *Server) { s.loc = loc } }

func WithClock(now func() time.Time) Option { return func(s *Server) { s.now = now } }

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

func New(snapshots Snapshots, matches Matches, opts ...Option) *Server {
	s := &Server{
		snapshots: snapshots,
		matches:   matches,
		loc:       time.Local,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Routes() http.Handler {
	router := httprouter.New()
	router.GET("/healthz", s.health)
	router.GET("/v1/snapshot", s.snapshot)
	router.GET("/v1/vehicles/:license", s.vehicle)
	router.GET("/v1/rides/:position", s.ride)
	router.GET("/v1/locate/:direction", s.locate)
	if s.metrics != nil {
		router.Handler(http.MethodGet, "/metrics", s.metrics)
	}
	return s.logRequests(router)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	st := s.snapshots.Stats()
	resp := struct {
		Status  string `json:"status"`
		Version uint64 `json:"version"`
		Stale   bool   `json:"stale"`
	}{Status: "ok", Version: st.Version, Stale: st.Stale}
	code := http.StatusOK
	if st.Version == 0 {
		resp.Status = "not_ready"
		code = http.StatusServiceUnavailable
	}
	s.send(w, code, resp)
}

type snapshotResponse struct {
	refcache.Stats
	Buses           int `json:"buses"`
	Positions       int `json:"positions"`
	Rides           int `json:"rides"`
	NorthStops      int `json:"north_stops"`
	SouthStops      int `json:"south_stops"`
	TrackedVehicles int `json:"tracked_vehicles"`
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	snap := s.snapshots.Read()
	resp := snapshotResponse{
		Stats:           s.snapshots.Stats(),
		Buses:           snap.Roster.Len(),
		Positions:       len(snap.Rides.Positions()),
		Rides:           snap.Rides.Len(),
		NorthStops:      snap.Geography.Len(transit.North),
		SouthStops:      snap.Geography.Len(transit.South),
		TrackedVehicles: s.matches.Tracked(),
	}
	s.send(w, http.StatusOK, resp)
}

func (s *Server) vehicle(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	license := ps.ByName("license")
	bus, rostered := s.snapshots.Read().Roster.Bus(license)
	match, matched := s.matches.LastMatch(license)
	if !rostered && !matched {
		s.sendError(w, http.StatusNotFound, "unknown vehicle")
		return
	}
	resp := struct {
		Bus       *transit.Bus    `json:"bus,omitempty"`
		LastMatch *pipeline.Match `json:"last_match,omitempty"`
	}{}
	if rostered {
		resp.Bus = &bus
	}
	if matched {
		resp.LastMatch = &match
	}
	s.send(w, http.StatusOK, resp)
}

func (s *Server) ride(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	at := transit.ClockOf(s.now().In(s.loc))
	if v := r.URL.Query().Get("at"); v != "" {
		c, err := transit.ParseClock(v)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, "invalid at: "+err.Error())
			return
		}
		at = c
	}
	ride, ok := s.snapshots.Read().Rides.Get(ps.ByName("position"), at)
	if !ok {
		s.sendError(w, http.StatusNotFound, "no active ride")
		return
	}
	s.send(w, http.StatusOK, struct {
		At        transit.Clock          `json:"at"`
		Direction transit.RouteDirection `json:"direction"`
		Ride      *transit.Ride          `json:"ride"`
		Display   string                 `json:"display"`
	}{at, directionOf(ride), ride, ride.String()})
}

func directionOf(r *transit.Ride) transit.RouteDirection {
	d, err := r.Direction()
	if err != nil {
		return transit.DirectionUnknown
	}
	return d
}

func (s *Server) locate(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	dir, err := transit.ParseRouteDirection(ps.ByName("direction"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	pos, err := transit.ParseCoordinate(q.Get("lon"), q.Get("lat"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	bracket, ok := s.snapshots.Read().Geography.Locate(dir, pos)
	if !ok {
		s.sendError(w, http.StatusNotFound, "position outside the "+dir.String()+" route")
		return
	}
	s.send(w, http.StatusOK, struct {
		Direction transit.RouteDirection `json:"direction"`
		Position  transit.Coordinate     `json:"position"`
		geography.Bracket
	}{dir, pos, bracket})
}

func (s *Server) send(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.LogError(s.logger, "failed to encode response", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, code int, text string) {
	s.send(w, code, struct {
		Code int    `json:"code"`
		Text string `json:"text"`
	}{code, text})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logging.LogHTTPRequest(s.logger, r.Method, r.URL.Path, rec.status,
			float64(time.Since(start).Microseconds())/1000,
			slog.String("remote", r.RemoteAddr))
	})
}

// Serve starts the API on addr in the background.
func Serve(addr string, h http.Handler, logger *slog.Logger) *http.Server {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.LogError(logger, "http server error", err, slog.String("addr", addr))
		}
	}()
	logger.Info("http listening", slog.String("addr", addr))
	return srv
}
