package expire

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/waste-dispatch/internal/lifecycle"
	"github.com/example/waste-dispatch/internal/models"
	"github.com/example/waste-dispatch/internal/observability"
	"github.com/example/waste-dispatch/internal/storage"
)

// Watcher auto-cancels pending pickups that were never accepted. Each sweep
// is best-effort and idempotent: a pickup another party transitioned between
// listing and cancelling just loses the race and is skipped.
type Watcher struct {
	Store     storage.PickupStore
	Lifecycle *lifecycle.Controller
	Logger    *slog.Logger

	Period time.Duration // sweep interval, 60s in production
	MaxAge time.Duration // pending age beyond which a pickup is cancelled, 2h

	now func() time.Time
}

func NewWatcher(store storage.PickupStore, ctrl *lifecycle.Controller, logger *slog.Logger, period, maxAge time.Duration) *Watcher {
	return &Watcher{
		Store: store, Lifecycle: ctrl, Logger: logger,
		Period: period, MaxAge: maxAge,
		now: time.Now,
	}
}

// WithClock overrides the watcher's time source. Tests only.
func (w *Watcher) WithClock(now func() time.Time) *Watcher {
	w.now = now
	return w
}

// Run sweeps on every tick until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep cancels every pending pickup older than MaxAge. One job's failure
// never blocks the rest of the sweep.
func (w *Watcher) Sweep(ctx context.Context) {
	pending, err := w.Store.ListPickupsByStatus(ctx, models.StatusPending)
	if err != nil {
		observability.SweepFailures.Inc()
		w.Logger.Error("expiration sweep list failed", "error", err)
		return
	}
	now := w.now()
	for _, p := range pending {
		if now.Sub(p.CreatedAt) <= w.MaxAge {
			continue
		}
		if _, err := w.Lifecycle.Cancel(ctx, p.ID, lifecycle.ActorSweeper, ""); err != nil {
			if errors.Is(err, lifecycle.ErrInvalidTransition) {
				// someone accepted or cancelled it between list and cancel
				continue
			}
			observability.SweepFailures.Inc()
			w.Logger.Error("expiration cancel failed", "pickup_id", p.ID, "error", err)
			continue
		}
		observability.ExpiredPickups.Inc()
		w.Logger.Info("pickup expired", "pickup_id", p.ID, "age", now.Sub(p.CreatedAt).String())
	}
}
