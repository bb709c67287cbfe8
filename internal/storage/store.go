package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/waste-dispatch/internal/models"
)

var (
	// ErrNotFound means the referenced document does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict means a guarded update found the pickup in a different
	// state than the caller expected; the update was not applied.
	ErrConflict = errors.New("status conflict")
	// ErrUnavailable wraps I/O failures talking to the backing store.
	// Callers may retry.
	ErrUnavailable = errors.New("store unavailable")
)

// ChangeKind tells a subscriber whether a feed entry is a new document or an
// update to an existing one.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
)

// PickupChange is one entry on the pickup change feed.
type PickupChange struct {
	Kind   ChangeKind
	Pickup models.Pickup
}

// PickupFilter selects which pickup changes a subscription receives. Zero
// fields match everything.
type PickupFilter struct {
	RequesterID string
	WorkerID    string
	Status      models.Status
}

func (f PickupFilter) matches(p models.Pickup) bool {
	if f.RequesterID != "" && p.RequesterID != f.RequesterID {
		return false
	}
	if f.WorkerID != "" && p.WorkerID != f.WorkerID {
		return false
	}
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	return true
}

// Subscription is a cancellable handle on the pickup change feed. Consumers
// must call Cancel when done or the feed entry leaks.
type Subscription struct {
	ch     chan PickupChange
	cancel func()
}

// C is the channel change events arrive on. It is closed by Cancel.
func (s *Subscription) C() <-chan PickupChange { return s.ch }

// Cancel deregisters the subscription and closes its channel.
func (s *Subscription) Cancel() { s.cancel() }

// PickupStore defines persistence operations for pickups. Reads and writes
// are individually atomic; UpdatePickupIf is the compare-and-set primitive
// the lifecycle controller builds its state guard on.
type PickupStore interface {
	CreatePickup(ctx context.Context, p *models.Pickup) error
	GetPickup(ctx context.Context, id string) (models.Pickup, error)
	// UpdatePickupIf applies mutate to the pickup only if its current
	// status equals from, returning the updated document. A status
	// mismatch returns ErrConflict and leaves the document untouched.
	UpdatePickupIf(ctx context.Context, id string, from models.Status, mutate func(*models.Pickup)) (models.Pickup, error)
	ListPickupsByStatus(ctx context.Context, status models.Status) ([]models.Pickup, error)
	ListPickupsByRequester(ctx context.Context, requesterID string) ([]models.Pickup, error)
	ListPickupsByWorker(ctx context.Context, workerID string) ([]models.Pickup, error)
	// Subscribe registers a change-feed listener for pickups matching f.
	Subscribe(f PickupFilter) *Subscription
}

// WorkerStore defines persistence operations for worker profiles.
// AddWorkerCompletion is atomic: concurrent completions never lose an
// increment.
type WorkerStore interface {
	GetWorker(ctx context.Context, id string) (models.Worker, error)
	UpsertWorker(ctx context.Context, w models.Worker) error
	SetWorkerAvailability(ctx context.Context, id string, available bool) error
	UpdateWorkerLocation(ctx context.Context, id string, loc models.Coord, at time.Time) error
	// UpdateWorkerBasePrice sets the new per-item price and returns the
	// previous one so callers can detect price drops.
	UpdateWorkerBasePrice(ctx context.Context, id string, price int64) (int64, error)
	AddWorkerCompletion(ctx context.Context, id string, earnings int64) error
	AddWorkerRating(ctx context.Context, id string, rating int) error
}

// RequesterStore holds the requester slice the core reads: contact, push
// token and last reported location.
type RequesterStore interface {
	GetRequester(ctx context.Context, id string) (models.Requester, error)
	UpsertRequester(ctx context.Context, r models.Requester) error
	UpdateRequesterLocation(ctx context.Context, id string, loc models.Coord, at time.Time) error
	ListRequesters(ctx context.Context) ([]models.Requester, error)
}

// Store is the full document-store surface the dispatch core consumes.
type Store interface {
	PickupStore
	WorkerStore
	RequesterStore
}
