package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/example/waste-dispatch/internal/models"
)

// MemoryStore is the in-process Store used by tests and DSN-less runs.
type MemoryStore struct {
	mu         sync.RWMutex
	pickups    map[string]models.Pickup
	workers    map[string]models.Worker
	requesters map[string]models.Requester
	feed       *feed
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pickups:    make(map[string]models.Pickup),
		workers:    make(map[string]models.Worker),
		requesters: make(map[string]models.Requester),
		feed:       newFeed(),
	}
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

/* ------------------------- pickups ------------------------- */

func (m *MemoryStore) CreatePickup(ctx context.Context, p *models.Pickup) error {
	if p.ID == "" {
		p.ID = newID()
	}
	m.mu.Lock()
	if _, exists := m.pickups[p.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("pickup %s already exists", p.ID)
	}
	m.pickups[p.ID] = *p
	m.mu.Unlock()
	m.publish(PickupChange{Kind: ChangeCreated, Pickup: *p})
	return nil
}

func (m *MemoryStore) GetPickup(ctx context.Context, id string) (models.Pickup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pickups[id]
	if !ok {
		return models.Pickup{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) UpdatePickupIf(ctx context.Context, id string, from models.Status, mutate func(*models.Pickup)) (models.Pickup, error) {
	m.mu.Lock()
	p, ok := m.pickups[id]
	if !ok {
		m.mu.Unlock()
		return models.Pickup{}, ErrNotFound
	}
	if p.Status != from {
		m.mu.Unlock()
		return models.Pickup{}, ErrConflict
	}
	mutate(&p)
	m.pickups[id] = p
	m.mu.Unlock()
	m.publish(PickupChange{Kind: ChangeUpdated, Pickup: p})
	return p, nil
}

func (m *MemoryStore) ListPickupsByStatus(ctx context.Context, status models.Status) ([]models.Pickup, error) {
	return m.listPickups(func(p models.Pickup) bool { return p.Status == status })
}

func (m *MemoryStore) ListPickupsByRequester(ctx context.Context, requesterID string) ([]models.Pickup, error) {
	return m.listPickups(func(p models.Pickup) bool { return p.RequesterID == requesterID })
}

func (m *MemoryStore) ListPickupsByWorker(ctx context.Context, workerID string) ([]models.Pickup, error) {
	return m.listPickups(func(p models.Pickup) bool { return p.WorkerID == workerID })
}

func (m *MemoryStore) listPickups(keep func(models.Pickup) bool) ([]models.Pickup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Pickup, 0)
	for _, p := range m.pickups {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

/* ------------------------- change feed ------------------------- */

func (m *MemoryStore) Subscribe(f PickupFilter) *Subscription {
	return m.feed.subscribe(f)
}

func (m *MemoryStore) publish(c PickupChange) {
	m.feed.publish(c)
}

/* ------------------------- workers ------------------------- */

func (m *MemoryStore) GetWorker(ctx context.Context, id string) (models.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	if !ok {
		return models.Worker{}, ErrNotFound
	}
	return w, nil
}

func (m *MemoryStore) UpsertWorker(ctx context.Context, w models.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[w.ID] = w
	return nil
}

func (m *MemoryStore) SetWorkerAvailability(ctx context.Context, id string, available bool) error {
	return m.mutateWorker(id, func(w *models.Worker) { w.Available = available })
}

func (m *MemoryStore) UpdateWorkerLocation(ctx context.Context, id string, loc models.Coord, at time.Time) error {
	return m.mutateWorker(id, func(w *models.Worker) {
		w.LastLocation = &models.LocationStamp{Coord: loc, Timestamp: at}
	})
}

func (m *MemoryStore) UpdateWorkerBasePrice(ctx context.Context, id string, price int64) (int64, error) {
	var old int64
	err := m.mutateWorker(id, func(w *models.Worker) {
		old = w.BasePricePerItem
		w.BasePricePerItem = price
	})
	return old, err
}

// AddWorkerCompletion bumps both completion counters under the store lock,
// so concurrent completions cannot lose an increment.
func (m *MemoryStore) AddWorkerCompletion(ctx context.Context, id string, earnings int64) error {
	return m.mutateWorker(id, func(w *models.Worker) {
		w.CompletedJobs++
		w.TotalEarnings += earnings
	})
}

func (m *MemoryStore) AddWorkerRating(ctx context.Context, id string, rating int) error {
	return m.mutateWorker(id, func(w *models.Worker) {
		w.RatingSum += int64(rating)
		w.RatingCount++
	})
}

func (m *MemoryStore) mutateWorker(id string, mutate func(*models.Worker)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return ErrNotFound
	}
	mutate(&w)
	m.workers[id] = w
	return nil
}

/* ------------------------- requesters ------------------------- */

func (m *MemoryStore) GetRequester(ctx context.Context, id string) (models.Requester, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requesters[id]
	if !ok {
		return models.Requester{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) UpsertRequester(ctx context.Context, r models.Requester) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requesters[r.ID] = r
	return nil
}

func (m *MemoryStore) UpdateRequesterLocation(ctx context.Context, id string, loc models.Coord, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requesters[id]
	if !ok {
		return ErrNotFound
	}
	r.LastLocation = &models.LocationStamp{Coord: loc, Timestamp: at}
	m.requesters[id] = r
	return nil
}

func (m *MemoryStore) ListRequesters(ctx context.Context) ([]models.Requester, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Requester, 0, len(m.requesters))
	for _, r := range m.requesters {
		out = append(out, r)
	}
	return out, nil
}
