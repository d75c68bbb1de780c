package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/db"
	"github.com/thatsimonsguy/hvac-director/internal/director"
	"github.com/thatsimonsguy/hvac-director/internal/model"
	"github.com/thatsimonsguy/hvac-director/internal/signal"
	"github.com/thatsimonsguy/hvac-director/internal/zone"
)

type Server struct {
	db      *sql.DB
	units   map[string]*director.Director
	zones   map[string]*director.Director
	metrics http.Handler
	// AccessLog receives one line per request when set.
	AccessLog io.Writer
}

type ZoneStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Calling   bool      `json:"calling"`
	Demand    float64   `json:"demand"`
	Error     string    `json:"error,omitempty"`
}

type ZoneResponse struct {
	Name     string             `json:"name"`
	Unit     string             `json:"unit"`
	Mode     model.SystemMode   `json:"mode"`
	Settings zone.Settings      `json:"settings"`
	Limits   zone.SetpointRange `json:"limits"`
	Period   string             `json:"period,omitempty"`
	Status   *ZoneStatus        `json:"status,omitempty"`
}

// HoldRequest changes only the fields that are set.
type HoldRequest struct {
	Enabled      *bool    `json:"enabled"`
	Setpoint     *float64 `json:"setpoint"`
	Voting       *bool    `json:"voting"`
	DumpPriority *int     `json:"dump_priority"`
}

type UnitStatusResponse struct {
	Unit    string            `json:"unit"`
	Mode    model.SystemMode  `json:"mode"`
	Status  string            `json:"status,omitempty"`
	Error   string            `json:"error,omitempty"`
	Device  *model.HvacStatus `json:"device,omitempty"`
	Demand  float64           `json:"demand"`
	Calling []string          `json:"calling"`
	Dumped  []string          `json:"dumped"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// NewServer serves the given units. database may be nil, in which case holds
// are not persisted and history is unavailable. metrics, when set, is served
// on /metrics.
func NewServer(database *sql.DB, units []*director.Director, metrics http.Handler) *Server {
	s := &Server{
		db:      database,
		units:   map[string]*director.Director{},
		zones:   map[string]*director.Director{},
		metrics: metrics,
	}
	for _, d := range units {
		s.units[d.Unit()] = d
		for _, name := range d.ZoneNames() {
			s.zones[name] = d
		}
	}
	return s
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.HandleFunc("/api/zones", s.getZones).Methods(http.MethodGet)
	r.HandleFunc("/api/zones/{zone}", s.getZone).Methods(http.MethodGet)
	r.HandleFunc("/api/zones/{zone}/hold", s.setHold).Methods(http.MethodPut)
	r.HandleFunc("/api/zones/{zone}/hold", s.releaseHold).Methods(http.MethodDelete)
	r.HandleFunc("/api/units/{unit}/status", s.getUnitStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/units/{unit}/history", s.getUnitHistory).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusNotFound, "Not found")
	})
	return r
}

// Handler wraps the router with CORS and panic recovery.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.Router()
	h = handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)(h)
	h = handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(h)
	if s.AccessLog != nil {
		h = handlers.LoggingHandler(s.AccessLog, h)
	}
	return h
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", addr).Msg("Starting REST API server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		log.Info().Msg("REST API server stopped")
		return nil
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	for name, d := range s.units {
		select {
		case <-d.Done():
			s.writeError(w, http.StatusServiceUnavailable, "unit "+name+" stopped")
			return
		default:
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getZones(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(s.zones))
	for name := range s.zones {
		names = append(names, name)
	}
	sort.Strings(names)

	response := make([]ZoneResponse, 0, len(names))
	for _, name := range names {
		response = append(response, s.zoneResponse(s.zones[name], name))
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) getZone(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["zone"]
	d, ok := s.zones[name]
	if !ok {
		s.writeError(w, http.StatusNotFound, "Zone not found")
		return
	}
	s.writeJSON(w, http.StatusOK, s.zoneResponse(d, name))
}

func (s *Server) zoneResponse(d *director.Director, name string) ZoneResponse {
	z, _ := d.Zone(name)
	resp := ZoneResponse{
		Name:     name,
		Unit:     d.Unit(),
		Mode:     z.Mode(),
		Settings: z.Settings(),
		Limits:   z.Limits(),
	}
	if p, ok := z.Period(); ok {
		resp.Period = p.String()
	}
	if st, ok := d.ZoneStatus(name); ok {
		zs := &ZoneStatus{Status: st.Status.String(), Timestamp: st.Timestamp}
		if st.Err != nil {
			zs.Error = st.Err.Error()
		}
		if v, ok := st.Lookup(); ok {
			zs.Calling = v.Calling
			zs.Demand = v.Demand
		}
		resp.Status = zs
	}
	return resp
}

func (s *Server) setHold(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["zone"]
	d, ok := s.zones[name]
	if !ok {
		s.writeError(w, http.StatusNotFound, "Zone not found")
		return
	}
	var req HoldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	z, _ := d.Zone(name)
	next := z.Settings()
	if req.Enabled != nil {
		next.Enabled = *req.Enabled
	}
	if req.Setpoint != nil {
		next.Setpoint = *req.Setpoint
	}
	if req.Voting != nil {
		next.Voting = *req.Voting
	}
	if req.DumpPriority != nil {
		next.DumpPriority = *req.DumpPriority
	}
	next.Hold = true

	if err := z.SetSettings(next); err != nil {
		s.writeZoneError(w, name, err)
		return
	}
	if s.db != nil {
		if err := db.SaveHold(s.db, name, next); err != nil {
			log.Error().Err(err).Str("zone", name).Msg("Failed to persist hold")
		}
	}
	log.Info().Str("zone", name).Float64("setpoint", next.Setpoint).Bool("enabled", next.Enabled).Msg("Zone hold set via API")
	s.writeJSON(w, http.StatusOK, s.zoneResponse(d, name))
}

func (s *Server) releaseHold(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["zone"]
	d, ok := s.zones[name]
	if !ok {
		s.writeError(w, http.StatusNotFound, "Zone not found")
		return
	}
	z, _ := d.Zone(name)
	if err := z.ReleaseHold(); err != nil {
		s.writeZoneError(w, name, err)
		return
	}
	if s.db != nil {
		if err := db.DeleteHold(s.db, name); err != nil {
			log.Error().Err(err).Str("zone", name).Msg("Failed to delete persisted hold")
		}
	}
	log.Info().Str("zone", name).Msg("Zone hold released via API")
	s.writeJSON(w, http.StatusOK, s.zoneResponse(d, name))
}

func (s *Server) writeZoneError(w http.ResponseWriter, name string, err error) {
	switch {
	case errors.Is(err, zone.ErrSetpointRange):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, zone.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		log.Error().Err(err).Str("zone", name).Msg("Failed to update zone")
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) getUnitStatus(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["unit"]
	d, ok := s.units[name]
	if !ok {
		s.writeError(w, http.StatusNotFound, "Unit not found")
		return
	}

	resp := UnitStatusResponse{Unit: name, Mode: d.Mode(), Calling: []string{}, Dumped: []string{}}
	if st, ok := d.LastStatus(); ok {
		resp.Status = st.Status.String()
		if st.Err != nil {
			resp.Error = st.Err.Error()
		}
		if st.Status != signal.TotalFailure {
			v := st.Value()
			resp.Device = &v
		}
	}
	if c, ok := d.LastControl(); ok {
		if v, ok := c.Lookup(); ok {
			resp.Demand = v.Demand
			resp.Calling = append(resp.Calling, v.Calling...)
			resp.Dumped = append(resp.Dumped, v.Dumped...)
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getUnitHistory(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["unit"]
	if _, ok := s.units[name]; !ok {
		s.writeError(w, http.StatusNotFound, "Unit not found")
		return
	}
	if s.db == nil {
		s.writeError(w, http.StatusNotImplemented, "History is not recorded")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}
	rows, err := db.GetDeviceStatusHistory(s.db, name, limit)
	if err != nil {
		log.Error().Err(err).Str("unit", name).Msg("Failed to read device history")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rows == nil {
		rows = []db.DeviceStatus{}
	}
	s.writeJSON(w, http.StatusOK, rows)
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, ErrorResponse{Error: message})
}
