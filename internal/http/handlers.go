package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/waste-dispatch/internal/dispatch"
	"github.com/example/waste-dispatch/internal/geo"
	"github.com/example/waste-dispatch/internal/ingest"
	"github.com/example/waste-dispatch/internal/lifecycle"
	"github.com/example/waste-dispatch/internal/models"
	"github.com/example/waste-dispatch/internal/observability"
	"github.com/example/waste-dispatch/internal/pricedrop"
	"github.com/example/waste-dispatch/internal/pricing"
	"github.com/example/waste-dispatch/internal/session"
	"github.com/example/waste-dispatch/internal/storage"
)

type Server struct {
	Geo       geo.Geo
	Store     storage.Store
	Session   *session.Session
	Lifecycle *lifecycle.Controller
	Kafka     *ingest.KafkaProducer
	WSReg     *dispatch.WSRegistry
	PriceDrop *pricedrop.Alerter

	logger *slog.Logger
	mux    *mux.Router
}

// NewServer wires the handler set over already-constructed dependencies.
func NewServer(g geo.Geo, store storage.Store, sess *session.Session, ctrl *lifecycle.Controller,
	kafka *ingest.KafkaProducer, wsreg *dispatch.WSRegistry, alerter *pricedrop.Alerter, logger *slog.Logger) *Server {
	s := &Server{
		Geo: g, Store: store, Session: sess, Lifecycle: ctrl,
		Kafka: kafka, WSReg: wsreg, PriceDrop: alerter,
		logger: logger, mux: mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/worker/locations", s.handleWorkerLocation).Methods("POST")
	s.mux.HandleFunc("/api/v1/workers", s.handleUpsertWorker).Methods("POST")
	s.mux.HandleFunc("/api/v1/requesters", s.handleUpsertRequester).Methods("POST")
	s.mux.HandleFunc("/api/v1/requesters/{id}/location", s.handleRequesterLocation).Methods("POST")
	s.mux.HandleFunc("/api/v1/workers/{id}/availability", s.handleWorkerAvailability).Methods("POST")
	s.mux.HandleFunc("/api/v1/workers/{id}/price", s.handleWorkerPrice).Methods("POST")
	s.mux.HandleFunc("/api/v1/workers/nearby", s.handleNearbyWorkers).Methods("GET")
	s.mux.HandleFunc("/api/v1/pickups/quote", s.handleQuote).Methods("POST")
	s.mux.HandleFunc("/api/v1/pickups", s.handleSubmitPickup).Methods("POST")
	s.mux.HandleFunc("/api/v1/pickups", s.handleListPickups).Methods("GET")
	s.mux.HandleFunc("/api/v1/pickups/{id}", s.handleGetPickup).Methods("GET")
	s.mux.HandleFunc("/api/v1/pickups/{id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/pickups/{id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/pickups/{id}/complete", s.handleComplete).Methods("POST")
	s.mux.HandleFunc("/api/v1/pickups/{id}/review", s.handleReview).Methods("POST")
	s.mux.HandleFunc("/ws/{role}/{id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

/* ------------------------- worker side ------------------------- */

func (s *Server) handleWorkerLocation(w http.ResponseWriter, r *http.Request) {
	var u models.LocationUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if u.WorkerID == "" {
		http.Error(w, "worker_id required", http.StatusBadRequest)
		return
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now()
	}
	ctx := r.Context()
	wk, err := s.Store.GetWorker(ctx, u.WorkerID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, err)
			return
		}
		// not registered yet; index from the update alone
		wk = models.Worker{ID: u.WorkerID, BasePricePerItem: u.BasePrice}
	} else {
		if err := s.Store.UpdateWorkerLocation(ctx, u.WorkerID, u.Location, u.Timestamp); err != nil {
			s.writeError(w, err)
			return
		}
		if wk.Available != u.Available {
			if err := s.Store.SetWorkerAvailability(ctx, u.WorkerID, u.Available); err != nil {
				s.writeError(w, err)
				return
			}
		}
	}
	if wk.Available != u.Available {
		if u.Available {
			observability.WorkersOnline.Inc()
		} else {
			observability.WorkersOnline.Dec()
		}
	}
	// publish to the feed if configured; the consumer keeps remote geo
	// indexes fresh
	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(u); err != nil {
			s.logger.Warn("location publish failed", "worker_id", u.WorkerID, "error", err)
		}
	}
	// local index is refreshed directly
	wk.Available = u.Available
	wk.LastLocation = &models.LocationStamp{Coord: u.Location, Timestamp: u.Timestamp}
	s.Geo.Upsert(wk)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpsertWorker(w http.ResponseWriter, r *http.Request) {
	var wk models.Worker
	if err := json.NewDecoder(r.Body).Decode(&wk); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if wk.ID == "" {
		http.Error(w, "id required", http.StatusBadRequest)
		return
	}
	if err := s.Store.UpsertWorker(r.Context(), wk); err != nil {
		s.writeError(w, err)
		return
	}
	if wk.LastLocation != nil {
		s.Geo.Upsert(wk)
	}
	writeJSON(w, http.StatusOK, wk)
}

func (s *Server) handleUpsertRequester(w http.ResponseWriter, r *http.Request) {
	var rq models.Requester
	if err := json.NewDecoder(r.Body).Decode(&rq); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if rq.ID == "" {
		http.Error(w, "id required", http.StatusBadRequest)
		return
	}
	if err := s.Store.UpsertRequester(r.Context(), rq); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rq)
}

func (s *Server) handleRequesterLocation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Location  models.Coord `json:"location"`
		Timestamp time.Time    `json:"timestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.Timestamp.IsZero() {
		body.Timestamp = time.Now()
	}
	if err := s.Store.UpdateRequesterLocation(r.Context(), id, body.Location, body.Timestamp); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWorkerAvailability(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Available bool `json:"is_available"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	if err := s.Store.SetWorkerAvailability(ctx, id, body.Available); err != nil {
		s.writeError(w, err)
		return
	}
	if wk, err := s.Store.GetWorker(ctx, id); err == nil {
		s.Geo.Upsert(wk)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWorkerPrice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		BasePricePerItem int64 `json:"base_price_per_item"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.BasePricePerItem < 0 {
		http.Error(w, "base_price_per_item must be >= 0", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	old, err := s.Store.UpdateWorkerBasePrice(ctx, id, body.BasePricePerItem)
	if err != nil {
		s.writeError(w, err)
		return
	}
	wk, err := s.Store.GetWorker(ctx, id)
	if err == nil {
		s.Geo.Upsert(wk)
		if s.PriceDrop != nil {
			s.PriceDrop.PriceChanged(ctx, wk, old, body.BasePricePerItem)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

/* ------------------------- requester side ------------------------- */

func (s *Server) handleNearbyWorkers(w http.ResponseWriter, r *http.Request) {
	origin, ok := coordFromQuery(w, r)
	if !ok {
		return
	}
	cands := s.Session.Candidates(r.Context(), origin)
	writeJSON(w, http.StatusOK, map[string]any{
		"workers":  cands.Workers,
		"fallback": cands.Fallback,
	})
}

type quoteRequest struct {
	WorkerID       string         `json:"worker_id"`
	PickupLocation models.Coord   `json:"pickup_location"`
	ItemCount      int            `json:"item_count"`
	JobType        models.JobType `json:"job_type"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	q, err := s.Session.Quote(r.Context(), req.WorkerID, req.PickupLocation, req.ItemCount, req.JobType)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"worker_id":        q.Worker.ID,
		"worker_name":      q.Worker.Name,
		"distance_km":      q.DistanceKm,
		"duration_min":     q.DurationMin,
		"price":            q.Price,
		"routing_degraded": q.RoutingDegraded,
	})
}

type submitRequest struct {
	quoteRequest
	RequesterID      string `json:"requester_id"`
	RequesterName    string `json:"requester_name"`
	RequesterContact string `json:"requester_contact"`
}

func (s *Server) handleSubmitPickup(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.RequesterID == "" {
		http.Error(w, "requester_id required", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	q, err := s.Session.Quote(ctx, req.WorkerID, req.PickupLocation, req.ItemCount, req.JobType)
	if err != nil {
		s.writeError(w, err)
		return
	}
	p, err := s.Session.Submit(ctx, q, session.SubmitRequest{
		RequesterID:      req.RequesterID,
		RequesterName:    req.RequesterName,
		RequesterContact: req.RequesterContact,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListPickups(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	var (
		pickups []models.Pickup
		err     error
	)
	switch {
	case q.Get("requester_id") != "":
		pickups, err = s.Store.ListPickupsByRequester(ctx, q.Get("requester_id"))
	case q.Get("worker_id") != "":
		pickups, err = s.Store.ListPickupsByWorker(ctx, q.Get("worker_id"))
	case q.Get("status") != "":
		pickups, err = s.Store.ListPickupsByStatus(ctx, models.Status(q.Get("status")))
	default:
		http.Error(w, "requester_id, worker_id or status required", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pickups)
}

func (s *Server) handleGetPickup(w http.ResponseWriter, r *http.Request) {
	p, err := s.Store.GetPickup(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

/* ------------------------- lifecycle ------------------------- */

type transitionRequest struct {
	WorkerID string `json:"worker_id"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(id, workerID string) (models.Pickup, error) {
		return s.Lifecycle.Accept(r.Context(), id, workerID)
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(id, workerID string) (models.Pickup, error) {
		return s.Lifecycle.Cancel(r.Context(), id, lifecycle.ActorWorker, workerID)
	})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(id, workerID string) (models.Pickup, error) {
		return s.Lifecycle.Complete(r.Context(), id, workerID)
	})
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, apply func(id, workerID string) (models.Pickup, error)) {
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p, err := apply(mux.Vars(r)["id"], req.WorkerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rating int    `json:"rating"`
		Text   string `json:"review_text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p, err := s.Lifecycle.AttachReview(r.Context(), mux.Vars(r)["id"], req.Rating, req.Text)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

/* ------------------------- websocket ------------------------- */

var upgrader = websocket.Upgrader{}

// handleWS registers a live client session for notification delivery and
// mirrors the client's own pickup changes down the socket until it closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	role := dispatch.Role(vars["role"])
	id := vars["id"]
	if role != dispatch.RoleWorker && role != dispatch.RoleRequester {
		http.Error(w, "role must be worker or requester", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	sess := s.WSReg.Add(role, id, conn)

	filter := storage.PickupFilter{RequesterID: id}
	if role == dispatch.RoleWorker {
		filter = storage.PickupFilter{WorkerID: id}
	}
	sub := s.Store.Subscribe(filter)

	go func() {
		defer func() {
			sub.Cancel()
			s.WSReg.Remove(role, id)
			conn.Close()
		}()
		for change := range sub.C() {
			if err := sess.WriteJSON(change); err != nil {
				return
			}
		}
	}()
	// drain reads to surface client close
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Cancel()
				return
			}
		}
	}()
}

/* ------------------------- helpers ------------------------- */

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pricing.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, lifecycle.ErrNotAuthorized):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, session.ErrWorkerUnavailable):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, storage.ErrUnavailable):
		http.Error(w, "store unavailable, retry", http.StatusServiceUnavailable)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func coordFromQuery(w http.ResponseWriter, r *http.Request) (models.Coord, bool) {
	var c models.Coord
	var err error
	if c.Lat, err = parseFloat(r.URL.Query().Get("lat")); err != nil {
		http.Error(w, "invalid lat", http.StatusBadRequest)
		return c, false
	}
	if c.Lng, err = parseFloat(r.URL.Query().Get("lng")); err != nil {
		http.Error(w, "invalid lng", http.StatusBadRequest)
		return c, false
	}
	return c, true
}

func parseFloat(v string) (float64, error) { return strconv.ParseFloat(v, 64) }
