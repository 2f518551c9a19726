package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/observability"
	"github.com/example/ride-tracking/internal/relay"
	"github.com/example/ride-tracking/internal/storage"
)

// LocationPublisher streams accepted driver locations, e.g. to Kafka.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, ev models.LocationEvent) error
}

// PositionCache is the Redis last-position projection.
type PositionCache interface {
	Record(ctx context.Context, ev models.LocationEvent) error
	Last(ctx context.Context, rideID string) (models.Point, time.Time, bool, error)
	Nearby(ctx context.Context, p models.Point, radius float64, limit int) ([]string, error)
}

// Deps wires the relay API. Locations and Positions are optional.
type Deps struct {
	Store     storage.RideStore
	Hub       *relay.Hub
	Locations LocationPublisher
	Positions PositionCache
	Logger    *slog.Logger
}

type Server struct {
	store     storage.RideStore
	hub       *relay.Hub
	locations LocationPublisher
	positions PositionCache
	logger    *slog.Logger
	validate  *validator.Validate
	mux       *mux.Router
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	s := &Server{
		store:     d.Store,
		hub:       d.Hub,
		locations: d.Locations,
		positions: d.Positions,
		logger:    d.Logger,
		validate:  validator.New(),
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws/rides/{id}", s.handleRideSocket).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/rides", s.handleCreateRide).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/rides/{id}/status", s.handlePutStatus).Methods(http.MethodPut)
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/location", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/vehicles/nearby", s.handleNearby).Methods(http.MethodGet)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleRideSocket(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.hub.ServeWS(r.Context(), w, r, id); err != nil {
		s.logger.WarnContext(r.Context(), "websocket upgrade failed", "ride_id", id, "error", err)
	}
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req models.CreateRideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := errors.Join(req.Pickup.Validate(), req.Destination.Validate()); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	now := time.Now().UTC()
	rec := models.RideRecord{
		ID:          uuid.NewString(),
		DriverID:    req.DriverID,
		PassengerID: req.PassengerID,
		Pickup:      req.Pickup,
		Destination: req.Destination,
		Status:      models.StatusMatched,
		CreatedAt:   now,
		LastUpdated: now,
	}
	if err := s.store.CreateRide(r.Context(), rec); err != nil {
		s.storeError(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "ride created", "ride_id", rec.ID, "driver_id", rec.DriverID)
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.GetRide(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if _, ok := rec.Position(); !ok && s.positions != nil {
		p, at, found, err := s.positions.Last(r.Context(), id)
		if err != nil {
			s.logger.WarnContext(r.Context(), "position cache read failed", "ride_id", id, "error", err)
		} else if found {
			rec.Latitude, rec.Longitude = &p.Lat, &p.Lng
			if at.After(rec.LastUpdated) {
				rec.LastUpdated = at
			}
		}
	}
	writeJSON(w, http.StatusOK, rec)
}

type statusRequest struct {
	Status    models.Status `json:"status" validate:"required"`
	UpdatedBy string        `json:"updated_by"`
}

func (s *Server) handlePutStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := s.store.GetRide(r.Context(), id); err != nil {
		s.storeError(w, r, err)
		return
	}
	if _, err := s.hub.Submit(r.Context(), "rest", models.StatusPatch(id, req.UpdatedBy, req.Status, time.Now().UTC())); err != nil {
		s.storeError(w, r, err)
		return
	}
	rec, err := s.store.GetRide(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var ev models.LocationEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ev.DriverID = mux.Vars(r)["driver_id"]
	if err := s.validate.Struct(ev); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now().UTC()
	}
	ctx := r.Context()

	if ev.RideID != "" {
		p := models.PositionPatch(ev.RideID, ev.DriverID, models.Point{Lat: ev.Latitude, Lng: ev.Longitude}, ev.RecordedAt)
		if _, err := s.hub.Submit(ctx, "rest", p); err != nil {
			s.storeError(w, r, err)
			return
		}
	}
	// With Kafka the consumer maintains the cache; without it we write it here.
	switch {
	case s.locations != nil:
		if err := s.locations.PublishLocation(ctx, ev); err != nil {
			s.logger.WarnContext(ctx, "location publish failed", "driver_id", ev.DriverID, "error", err)
		}
	case s.positions != nil:
		if err := s.positions.Record(ctx, ev); err != nil {
			s.logger.WarnContext(ctx, "position cache write failed", "driver_id", ev.DriverID, "error", err)
		}
	}
	observability.LocationsIngested.Inc()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	if s.positions == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("position cache not configured"))
		return
	}
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(q.Get("lng"), 64)
	if err := errors.Join(err1, err2); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	p := models.Point{Lat: lat, Lng: lng}
	if err := p.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	radius := 2000.0
	if v := q.Get("radius"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			radius = f
		}
	}
	ids, err := s.positions.Nearby(r.Context(), p, radius, 20)
	if err != nil {
		s.logger.WarnContext(r.Context(), "nearby lookup failed", "error", err)
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"driver_ids": ids})
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrExists):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, storage.ErrInvalid):
		writeError(w, http.StatusBadRequest, err)
	default:
		s.logger.ErrorContext(r.Context(), "store failure", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
