package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	gorilla "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-pooling/internal/dispatch"
	"github.com/example/ride-pooling/internal/groups"
	"github.com/example/ride-pooling/internal/matcher"
	"github.com/example/ride-pooling/internal/models"
	"github.com/example/ride-pooling/internal/payments"
	"github.com/example/ride-pooling/internal/pools"
	"github.com/example/ride-pooling/internal/rides"
)

// Server exposes the pooling API over HTTP. Identity arrives as headers set
// by the upstream auth proxy: X-User-ID carries the caller, X-User-Role is
// "admin" for operators and empty otherwise.
type Server struct {
	Pools    *pools.Service
	Matcher  *matcher.Service
	Rides    *rides.Service
	Groups   *groups.Projector
	WSReg    *dispatch.WSRegistry
	Payments *payments.StripeClient // optional online card-hold path

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(p *pools.Service, m *matcher.Service, r *rides.Service, g *groups.Projector, ws *dispatch.WSRegistry, logger *slog.Logger) *Server {
	s := &Server{
		Pools:   p,
		Matcher: m,
		Rides:   r,
		Groups:  g,
		WSReg:   ws,
		logger:  logger,
		mux:     mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/pools", s.handleCreatePool).Methods("POST")
	api.HandleFunc("/pools", s.handleListPools).Methods("GET")
	api.HandleFunc("/pools/nearby", s.handleNearbyPools).Methods("GET")
	api.HandleFunc("/pools/{id}", s.handleGetPool).Methods("GET")
	api.HandleFunc("/pools/{id}", s.handleDeletePool).Methods("DELETE")
	api.HandleFunc("/pools/{id}/cancel", s.handleCancelPool).Methods("POST")
	api.HandleFunc("/pools/{id}/complete", s.handleCompletePool).Methods("POST")

	api.HandleFunc("/matches/find", s.handleFindMatches).Methods("POST")
	api.HandleFunc("/matches/accept", s.handleAcceptMatch).Methods("POST")

	api.HandleFunc("/rides", s.handleCreateRide).Methods("POST")
	api.HandleFunc("/rides", s.handleListRides).Methods("GET")
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{id}/close", s.handleCloseRide).Methods("POST")
	api.HandleFunc("/rides/{id}/complete", s.handleCompleteRide).Methods("POST")

	api.HandleFunc("/rides/{id}/seats", s.handleRequestSeat).Methods("POST")
	api.HandleFunc("/rides/{id}/seats/{rider_id}/accept", s.seatAction(s.Rides.Accept)).Methods("POST")
	api.HandleFunc("/rides/{id}/seats/{rider_id}/reject", s.seatAction(s.Rides.Reject)).Methods("POST")
	api.HandleFunc("/rides/{id}/seats/{rider_id}/pending-payment", s.seatAction(s.Rides.MarkPendingPayment)).Methods("POST")
	api.HandleFunc("/rides/{id}/payment-verification", s.handleRequestVerification).Methods("POST")
	api.HandleFunc("/rides/{id}/seats/{rider_id}/verify-payment", s.seatAction(s.Rides.VerifyPayment)).Methods("POST")
	api.HandleFunc("/rides/{id}/seats/{rider_id}/reject-payment", s.seatAction(s.Rides.RejectPayment)).Methods("POST")
	api.HandleFunc("/rides/{id}/seats/{rider_id}/revert-paid", s.seatAction(s.Rides.RevertPaid)).Methods("POST")
	api.HandleFunc("/rides/{id}/hold-payment", s.handleHoldPayment).Methods("POST")

	api.HandleFunc("/groups/{id}/members", s.handleGroupMembers).Methods("GET")

	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Handler wraps the router with CORS for browser clients.
func (s *Server) Handler() http.Handler {
	return gorilla.CORS(
		gorilla.AllowedHeaders([]string{"Content-Type", "X-User-ID", "X-User-Role", "X-Request-ID"}),
		gorilla.AllowedMethods([]string{"GET", "POST", "DELETE", "OPTIONS"}),
		gorilla.AllowedOrigins([]string{"*"}),
	)(s)
}

func actorFrom(r *http.Request) models.Actor {
	return models.Actor{ID: r.Header.Get("X-User-ID"), Role: r.Header.Get("X-User-Role")}
}

// pools

func (s *Server) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	var cmd pools.CreateCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	pr, err := s.Pools.Create(r.Context(), actorFrom(r), cmd)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pr)
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	list, err := s.Pools.ListOwn(r.Context(), actorFrom(r))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	pr, err := s.Pools.Get(r.Context(), actorFrom(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pr)
}

func (s *Server) handleDeletePool(w http.ResponseWriter, r *http.Request) {
	if err := s.Pools.Delete(r.Context(), actorFrom(r), mux.Vars(r)["id"]); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelPool(w http.ResponseWriter, r *http.Request) {
	if err := s.Pools.Cancel(r.Context(), actorFrom(r), mux.Vars(r)["id"]); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCompletePool(w http.ResponseWriter, r *http.Request) {
	if err := s.Pools.Complete(r.Context(), actorFrom(r), mux.Vars(r)["id"]); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNearbyPools(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	if errLat != nil || errLon != nil {
		http.Error(w, "lat and lon are required", http.StatusBadRequest)
		return
	}
	radius := 3000.0
	if v := q.Get("radius_m"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			radius = f
		}
	}
	limit := 20
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	list, err := s.Pools.Nearby(r.Context(), models.GeoPoint{Lat: lat, Lon: lon}, radius, limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// matching

func (s *Server) handleFindMatches(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Pickup          models.Location `json:"pickup"`
		Drop            models.Location `json:"drop"`
		DepartAt        time.Time       `json:"depart_at"`
		PreferredGender models.Gender   `json:"preferred_gender"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	actor := actorFrom(r)
	results, err := s.Matcher.FindMatches(r.Context(), matcher.Query{
		RequesterID:     actor.ID,
		Pickup:          body.Pickup,
		Drop:            body.Drop,
		DepartAt:        body.DepartAt,
		PreferredGender: body.PreferredGender,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": results})
}

func (s *Server) handleAcceptMatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequestID   string `json:"request_id"`
		CandidateID string `json:"candidate_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Matcher.AcceptMatch(r.Context(), actorFrom(r), body.RequestID, body.CandidateID); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// rides and seats

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var cmd rides.CreateRideCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ride, err := s.Rides.CreateRide(r.Context(), actorFrom(r), cmd)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	driverID := r.URL.Query().Get("driver_id")
	if driverID == "" {
		driverID = actorFrom(r).ID
	}
	list, err := s.Rides.ListRidesByDriver(r.Context(), driverID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Rides.GetRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCloseRide(w http.ResponseWriter, r *http.Request) {
	if err := s.Rides.CloseRide(r.Context(), actorFrom(r), mux.Vars(r)["id"]); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	if err := s.Rides.CompleteRide(r.Context(), actorFrom(r), mux.Vars(r)["id"]); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRequestSeat(w http.ResponseWriter, r *http.Request) {
	if err := s.Rides.RequestSeat(r.Context(), actorFrom(r), mux.Vars(r)["id"]); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRequestVerification(w http.ResponseWriter, r *http.Request) {
	if err := s.Rides.RequestPaymentVerification(r.Context(), actorFrom(r), mux.Vars(r)["id"]); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// seatAction adapts the driver-side seat transitions, which all share the
// same (actor, ride, rider) shape.
func (s *Server) seatAction(fn func(ctx context.Context, actor models.Actor, rideID, riderID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		if err := fn(r.Context(), actorFrom(r), vars["id"], vars["rider_id"]); err != nil {
			s.writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleHoldPayment places an optional card hold for a seat's price through
// Stripe and records the intent on the rider's entry, so a later driver
// verification captures it and a rejection releases it. The primary payment
// flow stays off-band; this endpoint only works when STRIPE_API_KEY is set.
func (s *Server) handleHoldPayment(w http.ResponseWriter, r *http.Request) {
	if s.Payments == nil {
		http.Error(w, "online payments not configured", http.StatusNotImplemented)
		return
	}
	actor := actorFrom(r)
	ride, err := s.Rides.GetRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if _, ok := ride.Entry(actor.ID); !ok {
		http.Error(w, "no seat on this ride", http.StatusForbidden)
		return
	}
	intentID, err := s.Payments.HoldSeat(r.Context(), ride.PricePerSeat, "inr", actor.ID)
	if err != nil {
		s.logger.Error("stripe hold failed", "ride_id", ride.ID, "error", err)
		http.Error(w, "payment hold failed", http.StatusBadGateway)
		return
	}
	if err := s.Rides.AttachPaymentIntent(r.Context(), actor, ride.ID, intentID); err != nil {
		// do not leave an orphaned hold on the card
		if rerr := s.Payments.ReleaseSeat(r.Context(), intentID); rerr != nil {
			s.logger.Error("releasing orphaned hold failed", "intent", intentID, "error", rerr)
		}
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"payment_intent_id": intentID})
}

// groups

func (s *Server) handleGroupMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.Groups.Members(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

// websockets

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(id, conn)
}

// plumbing

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pools.ErrBadRequest) || errors.Is(err, matcher.ErrBadRequest) || errors.Is(err, rides.ErrBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, pools.ErrForbidden) || errors.Is(err, matcher.ErrForbidden) || errors.Is(err, rides.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, pools.ErrNotFound) || errors.Is(err, matcher.ErrNotFound) || errors.Is(err, rides.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pools.ErrConflict) || errors.Is(err, matcher.ErrConflict) || errors.Is(err, rides.ErrConflict) || errors.Is(err, rides.ErrInvalidState):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", status)
		return
	}
	http.Error(w, err.Error(), status)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
