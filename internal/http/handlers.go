package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/routelock"
)

// VehiclePublisher fans vehicle updates out to other processes.
type VehiclePublisher interface {
	PublishVehicle(ctx context.Context, v models.Vehicle) error
}

type Server struct {
	Rides     *rides.Service
	Vehicles  geo.Directory
	Publisher VehiclePublisher
	WSReg     *notify.WSRegistry
	Loop      *matcher.Loop

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(svc *rides.Service, vehicles geo.Directory, pub VehiclePublisher, ws *notify.WSRegistry, loop *matcher.Loop, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Rides: svc, Vehicles: vehicles, Publisher: pub, WSReg: ws, Loop: loop, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/requests", s.handleCreateRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}", s.handleGetRequest).Methods("GET")
	s.mux.HandleFunc("/api/v1/requests/{id}/cancel", s.handleCancelRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}", s.handleGetRide).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{id}/cancel", s.handleRiderCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/driver/rides/{id}/{action}", s.handleDriverAction).Methods("POST")
	s.mux.HandleFunc("/api/v1/admin/rides/{id}/cancel", s.handleAdminCancel).Methods("POST")
	s.mux.HandleFunc("/internal/vehicles", s.handleVehicleUpdate).Methods("POST")
	s.mux.HandleFunc("/internal/dispatch/stats", s.handleDispatchStats).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{user_type}/{user_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps core errors onto HTTP. Business rejections are never a 500.
func statusFor(err error) int {
	var ae *models.ApplicationError
	switch {
	case errors.As(err, &ae):
		switch ae.Code {
		case models.CodeValidation:
			return http.StatusUnprocessableEntity
		case models.CodeForbidden:
			return http.StatusForbidden
		default:
			return http.StatusConflict
		}
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, routelock.ErrTimeout):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := map[string]any{"error": err.Error()}
	var ae *models.ApplicationError
	if errors.As(err, &ae) {
		body["code"] = ae.Code
		body["error"] = ae.Message
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "error", err)
		body["error"] = "internal error"
	}
	writeJSON(w, status, body)
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var in rides.NewRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	req, err := s.Rides.CreateRequest(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.Rides.GetRequest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.Rides.CancelRequest(r.Context(), mux.Vars(r)["id"], r.Header.Get("X-Rider-ID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Rides.GetRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleRiderCancel(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Rides.RiderCancel(r.Context(), mux.Vars(r)["id"], r.Header.Get("X-Rider-ID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleAdminCancel(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Rides.AdminCancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type driverAction func(ctx context.Context, rideID, driverID string) (*models.Ride, error)

func (s *Server) driverActions() map[string]driverAction {
	return map[string]driverAction{
		"arrive":   s.Rides.Arrive,
		"pickup":   s.Rides.Pickup,
		"complete": s.Rides.Complete,
		"cancel":   s.Rides.DriverCancel,
		"no-show":  s.Rides.NoShow,
	}
}

func (s *Server) handleDriverAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	driverID := r.Header.Get("X-Driver-ID")
	if driverID == "" {
		http.Error(w, "missing X-Driver-ID", 400)
		return
	}
	if vars["action"] == "ack" {
		if err := s.Rides.Ack(r.Context(), vars["id"], driverID); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(204)
		return
	}
	act, ok := s.driverActions()[vars["action"]]
	if !ok {
		http.Error(w, "unknown action", 404)
		return
	}
	ride, err := act(r.Context(), vars["id"], driverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleVehicleUpdate(w http.ResponseWriter, r *http.Request) {
	var v models.Vehicle
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if v.DriverID == "" || v.LocationID == "" {
		http.Error(w, "driver_id and location_id are required", 400)
		return
	}
	if v.Updated.IsZero() {
		v.Updated = time.Now()
	}
	if err := s.Vehicles.Upsert(r.Context(), v); err != nil {
		s.writeError(w, r, err)
		return
	}
	observability.VehicleUpdates.WithLabelValues("http").Inc()
	// publish to kafka if configured
	if s.Publisher != nil {
		if err := s.Publisher.PublishVehicle(r.Context(), v); err != nil {
			s.logger.Warn("publish vehicle update", "driver_id", v.DriverID, "error", err)
		}
	}
	w.WriteHeader(204)
}

func (s *Server) handleDispatchStats(w http.ResponseWriter, r *http.Request) {
	if s.Loop == nil {
		http.Error(w, "dispatch loop not running here", 404)
		return
	}
	st := s.Loop.LastStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"requests":    st.Requests,
		"matched":     st.Matched,
		"retried":     st.Retried,
		"expired":     st.Expired,
		"conflicts":   st.Conflicts,
		"failed":      st.Failed,
		"duration_ms": st.Duration.Milliseconds(),
		"p95_ms":      st.P95.Milliseconds(),
		"p99_ms":      st.P99.Milliseconds(),
	})
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ut := notify.UserType(vars["user_type"])
	if ut != notify.Rider && ut != notify.Driver {
		http.Error(w, "unknown user type", 404)
		return
	}
	id := vars["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "user_id", id, "error", err)
		return
	}
	s.WSReg.Add(ut, id, conn)
	go func() {
		defer s.WSReg.Remove(ut, id, conn)
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
