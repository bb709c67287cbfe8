package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/waste-dispatch/internal/dispatch"
	"github.com/example/waste-dispatch/internal/models"
	"github.com/example/waste-dispatch/internal/observability"
	"github.com/example/waste-dispatch/internal/storage"
)

var (
	// ErrInvalidTransition means the pickup was not in the source state the
	// transition requires. The document is left untouched.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNotAuthorized means the caller is not the party allowed to trigger
	// the transition.
	ErrNotAuthorized = errors.New("not authorized for transition")
)

// Actor identifies who asked for a cancellation.
type Actor string

const (
	ActorWorker  Actor = "worker"
	ActorSweeper Actor = "sweeper"
)

// Controller applies pickup lifecycle transitions. The store's
// compare-and-set on status is the serialization point: when two parties
// race on the same pickup, exactly one transition applies and the other is
// rejected with ErrInvalidTransition. The status write is the last pickup
// mutation of every handler, so no error path leaves a pickup half
// transitioned.
type Controller struct {
	store    storage.PickupStore
	workers  storage.WorkerStore
	notifier dispatch.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewController(store storage.PickupStore, workers storage.WorkerStore, notifier dispatch.Notifier, logger *slog.Logger) *Controller {
	return &Controller{store: store, workers: workers, notifier: notifier, logger: logger, now: time.Now}
}

// WithClock overrides the controller's time source. Tests only.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// Accept moves a pending pickup to in-progress on behalf of its worker,
// stamping startedAt and telling the requester the job was accepted.
func (c *Controller) Accept(ctx context.Context, pickupID, workerID string) (models.Pickup, error) {
	if err := c.requireWorker(ctx, pickupID, workerID); err != nil {
		return models.Pickup{}, err
	}
	started := c.now()
	p, err := c.store.UpdatePickupIf(ctx, pickupID, models.StatusPending, func(p *models.Pickup) {
		p.Status = models.StatusInProgress
		p.StartedAt = &started
	})
	if err != nil {
		return models.Pickup{}, c.mapStoreErr(err)
	}
	observability.Transitions.WithLabelValues(string(models.StatusInProgress)).Inc()
	c.logger.Info("pickup accepted", "pickup_id", p.ID, "worker_id", workerID)
	c.notifier.Notify(ctx, dispatch.RoleRequester, p.RequesterID,
		dispatch.PickupInProgressEvent(p.ID, p.WorkerName))
	return p, nil
}

// Cancel moves a pending pickup to cancelled. Only the pickup's worker or
// the expiration sweeper may cancel; an in-progress pickup cannot be
// cancelled at all.
func (c *Controller) Cancel(ctx context.Context, pickupID string, actor Actor, actorID string) (models.Pickup, error) {
	if actor == ActorWorker {
		if err := c.requireWorker(ctx, pickupID, actorID); err != nil {
			return models.Pickup{}, err
		}
	}
	p, err := c.store.UpdatePickupIf(ctx, pickupID, models.StatusPending, func(p *models.Pickup) {
		p.Status = models.StatusCancelled
	})
	if err != nil {
		return models.Pickup{}, c.mapStoreErr(err)
	}
	observability.Transitions.WithLabelValues(string(models.StatusCancelled)).Inc()
	c.logger.Info("pickup cancelled", "pickup_id", p.ID, "actor", string(actor))
	c.notifier.Notify(ctx, dispatch.RoleRequester, p.RequesterID,
		dispatch.PickupCancelledEvent(p.ID))
	return p, nil
}

// Complete moves an in-progress pickup to completed, stamps completedAt and
// credits the worker's counters with the price fixed at creation. The status
// compare-and-set claims the transition first, so the counter increment runs
// exactly once even when completion requests race.
func (c *Controller) Complete(ctx context.Context, pickupID, workerID string) (models.Pickup, error) {
	if err := c.requireWorker(ctx, pickupID, workerID); err != nil {
		return models.Pickup{}, err
	}
	completed := c.now()
	p, err := c.store.UpdatePickupIf(ctx, pickupID, models.StatusInProgress, func(p *models.Pickup) {
		p.Status = models.StatusCompleted
		p.CompletedAt = &completed
	})
	if err != nil {
		return models.Pickup{}, c.mapStoreErr(err)
	}
	observability.Transitions.WithLabelValues(string(models.StatusCompleted)).Inc()

	if err := c.workers.AddWorkerCompletion(ctx, workerID, p.Price); err != nil {
		// transition already happened; the earnings credit is retried by
		// ops tooling, not rolled back
		c.logger.Error("completion counter update failed",
			"pickup_id", p.ID, "worker_id", workerID, "error", err)
	}
	c.logger.Info("pickup completed", "pickup_id", p.ID, "worker_id", workerID, "price", p.Price)
	c.notifier.Notify(ctx, dispatch.RoleRequester, p.RequesterID,
		dispatch.PickupCompletedEvent(p.ID, p.WorkerName))
	return p, nil
}

// AttachReview appends a rating and optional text to a completed pickup on
// behalf of the external review flow, updates the worker's aggregate rating
// and notifies the worker. Any non-completed state is rejected.
func (c *Controller) AttachReview(ctx context.Context, pickupID string, rating int, text string) (models.Pickup, error) {
	if rating < 1 || rating > 5 {
		return models.Pickup{}, fmt.Errorf("%w: rating must be 1..5", ErrInvalidTransition)
	}
	p, err := c.store.UpdatePickupIf(ctx, pickupID, models.StatusCompleted, func(p *models.Pickup) {
		p.Rating = &rating
		if text != "" {
			p.ReviewText = &text
		}
	})
	if err != nil {
		return models.Pickup{}, c.mapStoreErr(err)
	}
	if err := c.workers.AddWorkerRating(ctx, p.WorkerID, rating); err != nil {
		c.logger.Error("worker rating update failed", "pickup_id", p.ID, "error", err)
	}
	c.notifier.Notify(ctx, dispatch.RoleWorker, p.WorkerID,
		dispatch.NewReviewEvent(p.ID, p.RequesterName, rating))
	return p, nil
}

func (c *Controller) requireWorker(ctx context.Context, pickupID, workerID string) error {
	p, err := c.store.GetPickup(ctx, pickupID)
	if err != nil {
		return err
	}
	if p.WorkerID != workerID {
		return fmt.Errorf("%w: pickup %s belongs to another worker", ErrNotAuthorized, pickupID)
	}
	return nil
}

func (c *Controller) mapStoreErr(err error) error {
	if errors.Is(err, storage.ErrConflict) {
		observability.TransitionRejected.Inc()
		return ErrInvalidTransition
	}
	return err
}
