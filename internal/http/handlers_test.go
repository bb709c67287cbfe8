package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/example/waste-dispatch/internal/dispatch"
	"github.com/example/waste-dispatch/internal/geo"
	"github.com/example/waste-dispatch/internal/lifecycle"
	"github.com/example/waste-dispatch/internal/models"
	"github.com/example/waste-dispatch/internal/pricedrop"
	"github.com/example/waste-dispatch/internal/session"
	"github.com/example/waste-dispatch/internal/storage"
)

type nopNotifier struct{}

func (nopNotifier) Notify(ctx context.Context, role dispatch.Role, id string, ev dispatch.Event) {}

func testServer(t *testing.T) (*Server, *storage.MemoryStore, *geo.Index) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	idx := geo.NewIndex()
	notifier := nopNotifier{}
	sess := session.New(idx, store, nil, nil, notifier, logger, 2)
	ctrl := lifecycle.NewController(store, store, notifier, logger)
	alerter := pricedrop.New(store, notifier, logger, 1)
	srv := NewServer(idx, store, sess, ctrl, nil, dispatch.NewWSRegistry(), alerter, logger)
	return srv, store, idx
}

func seedWorker(t *testing.T, store *storage.MemoryStore, idx *geo.Index) models.Worker {
	t.Helper()
	w := models.Worker{
		ID: "w1", Name: "Bob", BasePricePerItem: 5000, Available: true,
		LastLocation: &models.LocationStamp{Coord: models.Coord{Lat: 0, Lng: 0}, Timestamp: time.Now()},
	}
	if err := store.UpsertWorker(context.Background(), w); err != nil {
		t.Fatalf("seed worker: %v", err)
	}
	idx.Upsert(w)
	return w
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestQuoteEndpoint(t *testing.T) {
	srv, store, idx := testServer(t)
	seedWorker(t, store, idx)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/pickups/quote", map[string]any{
		"worker_id":       "w1",
		"pickup_location": models.Coord{Lat: 0, Lng: 0},
		"item_count":      3,
		"job_type":        "recyclable",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var out struct {
		Price int64 `json:"price"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// 5000 * 3 * 0.8, no distance premium at zero distance
	if out.Price != 12000 {
		t.Fatalf("price = %d, want 12000", out.Price)
	}
}

func TestQuoteEndpointBadInput(t *testing.T) {
	srv, store, idx := testServer(t)
	seedWorker(t, store, idx)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/pickups/quote", map[string]any{
		"worker_id":       "w1",
		"pickup_location": models.Coord{},
		"item_count":      0,
		"job_type":        "recyclable",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestQuoteEndpointUnknownWorkerConflicts(t *testing.T) {
	srv, _, _ := testServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/pickups/quote", map[string]any{
		"worker_id":       "ghost",
		"pickup_location": models.Coord{},
		"item_count":      1,
		"job_type":        "standard",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestSubmitThenLifecycleOverHTTP(t *testing.T) {
	srv, store, idx := testServer(t)
	seedWorker(t, store, idx)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/pickups", map[string]any{
		"worker_id":       "w1",
		"pickup_location": models.Coord{Lat: 0.001, Lng: 0},
		"item_count":      2,
		"job_type":        "standard",
		"requester_id":    "r1",
		"requester_name":  "Alice",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit status = %d body=%s", rec.Code, rec.Body.String())
	}
	var p models.Pickup
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Status != models.StatusPending || p.ID == "" {
		t.Fatalf("pickup = %+v", p)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/pickups/"+p.ID+"/accept", map[string]any{"worker_id": "w1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("accept status = %d body=%s", rec.Code, rec.Body.String())
	}

	// a second accept hits the state guard
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/pickups/"+p.ID+"/accept", map[string]any{"worker_id": "w1"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second accept status = %d, want 409", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/pickups/"+p.ID+"/complete", map[string]any{"worker_id": "w1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("complete status = %d body=%s", rec.Code, rec.Body.String())
	}

	w, _ := store.GetWorker(context.Background(), "w1")
	if w.CompletedJobs != 1 {
		t.Fatalf("completed jobs = %d, want 1", w.CompletedJobs)
	}
}

func TestAcceptByWrongWorkerForbidden(t *testing.T) {
	srv, store, idx := testServer(t)
	seedWorker(t, store, idx)
	_ = store.CreatePickup(context.Background(), &models.Pickup{
		ID: "p1", RequesterID: "r1", WorkerID: "w1",
		Status: models.StatusPending, CreatedAt: time.Now(),
	})

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/pickups/p1/accept", map[string]any{"worker_id": "w2"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestGetPickupNotFound(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/v1/pickups/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestListPickupsRequiresFilter(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/v1/pickups", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWorkerLocationIngestUpdatesIndex(t *testing.T) {
	srv, store, idx := testServer(t)
	seedWorker(t, store, idx)

	rec := doJSON(t, srv, http.MethodPost, "/internal/worker/locations", map[string]any{
		"worker_id":    "w1",
		"location":     models.Coord{Lat: 0.005, Lng: 0},
		"is_available": true,
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}

	near := idx.Nearby(models.Coord{Lat: 0.005, Lng: 0}, 0.1)
	if len(near) != 1 || near[0].ID != "w1" {
		t.Fatalf("nearby = %+v, want moved w1", near)
	}
	w, _ := store.GetWorker(context.Background(), "w1")
	if w.LastLocation == nil || w.LastLocation.Lat != 0.005 {
		t.Fatalf("store location not updated: %+v", w.LastLocation)
	}
}

func TestNearbyWorkersEndpoint(t *testing.T) {
	srv, store, idx := testServer(t)
	seedWorker(t, store, idx)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workers/nearby?lat=0.001&lng=0", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out struct {
		Workers  []models.Worker `json:"workers"`
		Fallback bool            `json:"fallback"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Workers) != 1 || out.Fallback {
		t.Fatalf("out = %+v", out)
	}
}

func TestWorkerPriceDropEndpoint(t *testing.T) {
	srv, store, idx := testServer(t)
	seedWorker(t, store, idx)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/workers/w1/price", map[string]any{"base_price_per_item": 4000})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	w, _ := store.GetWorker(context.Background(), "w1")
	if w.BasePricePerItem != 4000 {
		t.Fatalf("price = %d, want 4000", w.BasePricePerItem)
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []dispatch.Event
}

func (n *recordingNotifier) Notify(ctx context.Context, role dispatch.Role, id string, ev dispatch.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func TestPriceDropFansOutToRegisteredRequester(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	idx := geo.NewIndex()
	notifier := &recordingNotifier{}
	sess := session.New(idx, store, nil, nil, notifier, logger, 2)
	ctrl := lifecycle.NewController(store, store, notifier, logger)
	alerter := pricedrop.New(store, notifier, logger, 1)
	srv := NewServer(idx, store, sess, ctrl, nil, dispatch.NewWSRegistry(), alerter, logger)
	seedWorker(t, store, idx)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/requesters", models.Requester{ID: "r1", Name: "Alice"})
	if rec.Code != http.StatusOK {
		t.Fatalf("register status = %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/requesters/r1/location", map[string]any{
		"location": models.Coord{Lat: 0.001, Lng: 0},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("location status = %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/workers/w1/price", map[string]any{"base_price_per_item": 4000})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("price status = %d", rec.Code)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.events) != 1 || notifier.events[0].Type != dispatch.EventPriceDrop {
		t.Fatalf("events = %+v, want one price_drop", notifier.events)
	}
}
