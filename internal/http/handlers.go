package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/trip-dispatch/internal/auth"
	"github.com/example/trip-dispatch/internal/broker"
	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/ingest"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/registry"
	"github.com/example/trip-dispatch/internal/trips"
)

type Server struct {
	trips    *trips.Service
	broker   *broker.Broker
	registry registry.Registry
	kafka    *ingest.KafkaProducer // optional location firehose
	wsReg    *dispatch.WSRegistry
	verifier *auth.Verifier
	logger   *slog.Logger
	mux      *mux.Router
}

func NewServer(svc *trips.Service, b *broker.Broker, reg registry.Registry, kp *ingest.KafkaProducer,
	wsReg *dispatch.WSRegistry, verifier *auth.Verifier, logger *slog.Logger) *Server {
	s := &Server{
		trips:    svc,
		broker:   b,
		registry: reg,
		kafka:    kp,
		wsReg:    wsReg,
		verifier: verifier,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.verifier.Middleware)

	api.HandleFunc("/trips", s.requireRole(trips.RolePassenger, s.handleCreateTrip)).Methods("POST")
	api.HandleFunc("/trips/active", s.handleActiveTrip).Methods("GET")
	api.HandleFunc("/trips/{id}", s.handleGetTrip).Methods("GET")
	api.HandleFunc("/trips/{id}/accept", s.requireRole(trips.RoleDriver, s.handleResolve(true))).Methods("POST")
	api.HandleFunc("/trips/{id}/reject", s.requireRole(trips.RoleDriver, s.handleResolve(false))).Methods("POST")
	api.HandleFunc("/trips/{id}/start", s.requireRole(trips.RoleDriver, s.handleStartTrip)).Methods("POST")
	api.HandleFunc("/trips/{id}/complete", s.requireRole(trips.RoleDriver, s.handleCompleteTrip)).Methods("POST")
	api.HandleFunc("/trips/{id}/cancel", s.handleCancelTrip).Methods("POST")

	api.HandleFunc("/drivers/available-trips", s.requireRole(trips.RoleDriver, s.handleAvailableTrip)).Methods("GET")
	api.HandleFunc("/drivers/location", s.requireRole(trips.RoleDriver, s.handleDriverLocation)).Methods("POST")
	api.HandleFunc("/drivers/status", s.requireRole(trips.RoleDriver, s.handleDriverStatus)).Methods("POST")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) requireRole(role string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := auth.FromContext(r.Context())
		if c == nil || c.Role != role {
			writeError(w, http.StatusForbidden, "role "+role+" required")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var in trips.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	in.PassengerID = auth.FromContext(r.Context()).UserID
	t, err := s.trips.Create(r.Context(), in)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleAvailableTrip(w http.ResponseWriter, r *http.Request) {
	driverID := auth.FromContext(r.Context()).UserID
	o, t, ok := s.broker.OfferFor(driverID)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"offer": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offer": o, "trip": t})
}

func (s *Server) handleResolve(accept bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tripID := mux.Vars(r)["id"]
		driverID := auth.FromContext(r.Context()).UserID
		t, err := s.broker.ResolveForDriver(r.Context(), tripID, driverID, accept)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		if !accept {
			writeJSON(w, http.StatusOK, map[string]any{"rejected": true})
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func (s *Server) handleStartTrip(w http.ResponseWriter, r *http.Request) {
	t, err := s.trips.Start(r.Context(), mux.Vars(r)["id"], auth.FromContext(r.Context()).UserID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCompleteTrip(w http.ResponseWriter, r *http.Request) {
	t, err := s.trips.Complete(r.Context(), mux.Vars(r)["id"], auth.FromContext(r.Context()).UserID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancelTrip(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	c := auth.FromContext(r.Context())
	t, err := s.trips.Cancel(r.Context(), mux.Vars(r)["id"], c.UserID, c.Role, body.Reason)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	c := auth.FromContext(r.Context())
	t, hist, err := s.trips.Get(r.Context(), mux.Vars(r)["id"], c.UserID, c.Role)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trip": t, "history": hist})
}

func (s *Server) handleActiveTrip(w http.ResponseWriter, r *http.Request) {
	c := auth.FromContext(r.Context())
	t, err := s.trips.Active(r.Context(), c.UserID, c.Role)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{"trip": nil})
			return
		}
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trip": t})
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var loc models.DriverLocation
	if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	loc.DriverID = auth.FromContext(r.Context()).UserID
	loc.Online = true
	if !loc.Loc.Valid() {
		writeError(w, http.StatusBadRequest, "invalid coordinates")
		return
	}
	if loc.ReportedAt.IsZero() {
		loc.ReportedAt = time.Now()
	}
	if s.kafka != nil {
		if err := s.kafka.PublishReport(loc); err != nil {
			s.logger.Warn("location publish failed", "driver_id", loc.DriverID, "error", err)
		}
	}
	if err := s.registry.Report(r.Context(), loc); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	driverID := auth.FromContext(r.Context()).UserID
	if err := s.registry.SetOnline(r.Context(), driverID, body.Online); err != nil {
		s.writeDomainError(w, err)
		return
	}
	if body.Online {
		observability.DriversOnline.Inc()
	} else {
		observability.DriversOnline.Dec()
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, "upgrade failed")
		return
	}
	s.wsReg.Add(id, conn)
}

// writeDomainError maps the shared error taxonomy onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, models.ErrOfferExpired):
		status = http.StatusGone
	case errors.Is(err, models.ErrAlreadyAssigned),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrDriverBusy):
		status = http.StatusConflict
	case errors.Is(err, models.ErrNoDriversAvailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, models.ErrReasonRequired):
		status = http.StatusBadRequest
	default:
		s.logger.Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
