package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/waste-dispatch/internal/dispatch"
	"github.com/example/waste-dispatch/internal/geo"
	"github.com/example/waste-dispatch/internal/models"
	"github.com/example/waste-dispatch/internal/observability"
	"github.com/example/waste-dispatch/internal/pricing"
	"github.com/example/waste-dispatch/internal/routing"
	"github.com/example/waste-dispatch/internal/storage"
)

// ErrWorkerUnavailable means the selected worker is no longer available (or
// has no known location) at quote or submission time.
var ErrWorkerUnavailable = errors.New("worker unavailable")

// Session runs the requester-side matching flow: find nearby workers, quote
// a selected worker against a pickup location, submit the pickup. A session
// holds no durable state; abandoning it before Submit leaves no trace.
type Session struct {
	Geo      geo.Geo
	Store    storage.Store
	Router   routing.Client // optional road-routing client
	Cache    *routing.Cache // optional route cache
	Notifier dispatch.Notifier
	Logger   *slog.Logger

	SearchRadiusKm float64 // 2 km product rule

	now func() time.Time
}

func New(g geo.Geo, store storage.Store, router routing.Client, cache *routing.Cache, notifier dispatch.Notifier, logger *slog.Logger, radiusKm float64) *Session {
	return &Session{
		Geo: g, Store: store, Router: router, Cache: cache,
		Notifier: notifier, Logger: logger,
		SearchRadiusKm: radiusKm,
		now:            time.Now,
	}
}

// WithClock overrides the session's time source. Tests only.
func (s *Session) WithClock(now func() time.Time) *Session {
	s.now = now
	return s
}

// Candidates holds a nearby-worker query result. When no worker is inside
// the radius, Workers carries the full index contents and Fallback is true
// so the client can offer manual browsing instead of a dead end.
type Candidates struct {
	Workers  []models.Worker
	Fallback bool
}

// Candidates returns available workers within the search radius of origin,
// or every known worker when none qualify.
func (s *Session) Candidates(ctx context.Context, origin models.Coord) Candidates {
	nearby := s.Geo.Nearby(origin, s.SearchRadiusKm)
	if len(nearby) > 0 {
		return Candidates{Workers: nearby}
	}
	return Candidates{Workers: s.Geo.All(), Fallback: true}
}

// Quote is a priced job offer for one worker. Nothing is persisted until
// Submit.
type Quote struct {
	Worker          models.Worker
	PickupLocation  models.Coord
	ItemCount       int
	JobType         models.JobType
	DistanceKm      float64
	DurationMin     float64
	Price           int64
	RoutingDegraded bool // road routing failed, straight-line distance used
}

// Quote prices a job for the selected worker. The worker is re-read from the
// store so a worker who went offline after the candidate listing is caught
// here. Routing failure degrades to haversine distance; pricing still runs.
func (s *Session) Quote(ctx context.Context, workerID string, pickupLoc models.Coord, itemCount int, jobType models.JobType) (Quote, error) {
	start := time.Now()
	defer func() { observability.QuoteLatency.Observe(time.Since(start).Seconds()) }()

	w, err := s.Store.GetWorker(ctx, workerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Quote{}, fmt.Errorf("%w: unknown worker %s", ErrWorkerUnavailable, workerID)
		}
		return Quote{}, err
	}
	if !w.Available || w.LastLocation == nil {
		return Quote{}, fmt.Errorf("%w: worker %s", ErrWorkerUnavailable, workerID)
	}

	distKm, durMin, degraded := s.routeDistance(ctx, w.LastLocation.Coord, pickupLoc)
	price, err := pricing.Quote(w.BasePricePerItem, itemCount, jobType, distKm)
	if err != nil {
		return Quote{}, err
	}
	return Quote{
		Worker:          w,
		PickupLocation:  pickupLoc,
		ItemCount:       itemCount,
		JobType:         jobType,
		DistanceKm:      distKm,
		DurationMin:     durMin,
		Price:           price,
		RoutingDegraded: degraded,
	}, nil
}

func (s *Session) routeDistance(ctx context.Context, from, to models.Coord) (distKm, durMin float64, degraded bool) {
	if s.Router != nil {
		if s.Cache != nil {
			if r, ok := s.Cache.Get(from, to); ok {
				return r.DistanceKm, r.DurationMin, false
			}
		}
		r, err := s.Router.Route(ctx, from, to)
		if err == nil {
			if s.Cache != nil {
				s.Cache.Set(from, to, r)
			}
			return r.DistanceKm, r.DurationMin, false
		}
		observability.RoutingFallbacks.Inc()
		s.Logger.Warn("routing lookup failed, falling back to straight line", "error", err)
	}
	return geo.HaversineKm(from.Lat, from.Lng, to.Lat, to.Lng), 0, true
}

// SubmitRequest carries everything Submit needs besides the quote itself.
type SubmitRequest struct {
	RequesterID      string
	RequesterName    string
	RequesterContact string
}

// Submit re-checks the quoted worker, persists the pickup as pending with
// the quoted price frozen in, and notifies the worker. A store failure is
// surfaced as retryable; the notification is fire-and-forget.
func (s *Session) Submit(ctx context.Context, q Quote, req SubmitRequest) (models.Pickup, error) {
	w, err := s.Store.GetWorker(ctx, q.Worker.ID)
	if err != nil || !w.Available {
		return models.Pickup{}, fmt.Errorf("%w: worker %s", ErrWorkerUnavailable, q.Worker.ID)
	}

	p := models.Pickup{
		RequesterID:      req.RequesterID,
		RequesterName:    req.RequesterName,
		RequesterContact: req.RequesterContact,
		WorkerID:         w.ID,
		WorkerName:       w.Name,
		PickupLocation:   q.PickupLocation,
		WorkerLocation:   q.Worker.LastLocation.Coord,
		ItemCount:        q.ItemCount,
		JobType:          q.JobType,
		DistanceKm:       q.DistanceKm,
		Price:            q.Price,
		Status:           models.StatusPending,
		CreatedAt:        s.now(),
	}
	if err := s.Store.CreatePickup(ctx, &p); err != nil {
		return models.Pickup{}, err
	}
	observability.PickupsCreated.Inc()
	s.Logger.Info("pickup submitted",
		"pickup_id", p.ID, "requester_id", p.RequesterID,
		"worker_id", p.WorkerID, "price", p.Price, "distance_km", p.DistanceKm)
	s.Notifier.Notify(ctx, dispatch.RoleWorker, w.ID,
		dispatch.NewPickupEvent(p.ID, req.RequesterID, req.RequesterName, w.ID))
	return p, nil
}
