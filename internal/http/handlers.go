package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pool"
)

// RiderSeeder is the slice of the account service the operational API needs
// to provision rider balances.
type RiderSeeder interface {
	AddRider(riderID string, balance float64)
}

type Server struct {
	logger     *slog.Logger
	coord      *dispatch.Coordinator
	pool       *pool.Pool
	riders     RiderSeeder
	index      geo.LocationIndex
	heartbeats *ingest.HeartbeatProducer // optional
	hub        *events.Hub               // optional
	mux        *mux.Router
}

func NewServer(logger *slog.Logger, coord *dispatch.Coordinator, pl *pool.Pool, riders RiderSeeder, index geo.LocationIndex, heartbeats *ingest.HeartbeatProducer, hub *events.Hub) *Server {
	s := &Server{
		logger:     logger,
		coord:      coord,
		pool:       pl,
		riders:     riders,
		index:      index,
		heartbeats: heartbeats,
		hub:        hub,
		mux:        mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides/request", s.handleRideRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/start", s.handleRideStart).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/complete", s.handleRideComplete).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/cancel", s.handleRideCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}", s.handleRideGet).Methods("GET")
	s.mux.HandleFunc("/api/v1/drivers/nearby", s.handleNearby).Methods("GET")
	s.mux.HandleFunc("/internal/drivers", s.handleDriverRegister).Methods("POST")
	s.mux.HandleFunc("/internal/riders", s.handleRiderRegister).Methods("POST")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type rideRequestBody struct {
	RiderID string       `json:"rider_id"`
	Pickup  models.Coord `json:"pickup"`
	Dropoff models.Coord `json:"dropoff"`
	Tier    models.Tier  `json:"tier"`
}

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var body rideRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	acc, err := s.coord.RequestRide(r.Context(), body.RiderID, body.Pickup, body.Dropoff, body.Tier)
	if err != nil {
		s.writeRejection(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (s *Server) handleRideStart(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	if err := s.coord.StartRide(r.Context(), rideID); err != nil {
		s.writeRejection(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type completeRideBody struct {
	FinalLocation models.Coord `json:"final_location"`
	DriverRating  *int         `json:"driver_rating,omitempty"`
	RiderRating   *int         `json:"rider_rating,omitempty"`
}

func (s *Server) handleRideComplete(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var body completeRideBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	settle, err := s.coord.CompleteRide(r.Context(), rideID, body.FinalLocation, body.DriverRating, body.RiderRating)
	if err != nil {
		s.writeRejection(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settle)
}

func (s *Server) handleRideCancel(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	if err := s.coord.CancelRide(r.Context(), rideID); err != nil {
		s.writeRejection(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRideGet(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	ride, ok := s.coord.Ride(rideID)
	if !ok {
		s.writeRejection(w, dispatch.ErrUnknownRide)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	lat, errLat := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(r.URL.Query().Get("lon"), 64)
	if errLat != nil || errLon != nil {
		http.Error(w, "lat and lon are required", http.StatusBadRequest)
		return
	}
	if err := (models.Coord{Lat: lat, Lon: lon}).Validate(); err != nil {
		s.writeRejection(w, err)
		return
	}
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.index.Nearby(lat, lon, limit))
}

func (s *Server) handleDriverRegister(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if d.ID == "" || !d.Vehicle.Tier.Valid() {
		http.Error(w, "driver id and a valid vehicle tier are required", http.StatusBadRequest)
		return
	}
	if err := d.Vehicle.Loc.Validate(); err != nil {
		s.writeRejection(w, err)
		return
	}
	s.pool.Upsert(d)
	s.index.Upsert(models.Heartbeat{DriverID: d.ID, Loc: d.Vehicle.Loc, Tier: d.Vehicle.Tier})
	w.WriteHeader(http.StatusNoContent)
}

type riderBody struct {
	ID      string  `json:"id"`
	Balance float64 `json:"balance"`
}

func (s *Server) handleRiderRegister(w http.ResponseWriter, r *http.Request) {
	var body riderBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.ID == "" || body.Balance < 0 {
		http.Error(w, "rider id and a non-negative balance are required", http.StatusBadRequest)
		return
	}
	s.riders.AddRider(body.ID, body.Balance)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var hb models.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := hb.Loc.Validate(); err != nil {
		s.writeRejection(w, err)
		return
	}
	// publish to kafka if configured
	if s.heartbeats != nil {
		if err := s.heartbeats.PublishHeartbeat(hb); err != nil {
			s.logger.Warn("heartbeat publish failed", "driver_id", hb.DriverID, "error", err)
		}
	}
	s.index.Upsert(hb)
	s.pool.UpdateLocation(hb.DriverID, hb.Loc)
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "websocket disabled", http.StatusNotImplemented)
		return
	}
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		s.logger.Warn("websocket upgrade failed", "driver_id", id, "error", err)
		return
	}
	s.hub.Add(id, conn)
	go func() {
		defer s.hub.Remove(id)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// writeRejection maps the coordinator's error taxonomy onto HTTP statuses.
// Every rejection is JSON so API clients can branch on the reason.
func (s *Server) writeRejection(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	reason := "internal"
	switch {
	case errors.Is(err, models.ErrInvalidCoordinate):
		status, reason = http.StatusBadRequest, "invalid_coordinate"
	case errors.Is(err, models.ErrInvalidTier):
		status, reason = http.StatusBadRequest, "invalid_tier"
	case errors.Is(err, models.ErrInvalidRating):
		status, reason = http.StatusBadRequest, "invalid_rating"
	case errors.Is(err, dispatch.ErrInsufficientFunds):
		status, reason = http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, dispatch.ErrNoDriverAvailable):
		status, reason = http.StatusServiceUnavailable, "no_driver_available"
	case errors.Is(err, dispatch.ErrInvalidStateTransition):
		status, reason = http.StatusConflict, "invalid_state_transition"
	case errors.Is(err, dispatch.ErrUnknownRide):
		status, reason = http.StatusNotFound, "unknown_ride"
	case errors.Is(err, dispatch.ErrUnknownDriver):
		status, reason = http.StatusNotFound, "unknown_driver"
	case errors.Is(err, dispatch.ErrUnknownRider):
		status, reason = http.StatusNotFound, "unknown_rider"
	}
	writeJSON(w, status, map[string]string{"reason": reason, "error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
