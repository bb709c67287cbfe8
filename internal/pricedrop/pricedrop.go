package pricedrop

import (
	"context"
	"log/slog"

	"github.com/example/waste-dispatch/internal/dispatch"
	"github.com/example/waste-dispatch/internal/geo"
	"github.com/example/waste-dispatch/internal/models"
	"github.com/example/waste-dispatch/internal/storage"
)

// Alerter tells requesters near a worker when that worker lowers their
// per-item price. Fanout is best-effort: requesters without a recent
// location or push token are simply skipped.
type Alerter struct {
	Requesters storage.RequesterStore
	Notifier   dispatch.Notifier
	Logger     *slog.Logger
	RadiusKm   float64
}

func New(requesters storage.RequesterStore, notifier dispatch.Notifier, logger *slog.Logger, radiusKm float64) *Alerter {
	return &Alerter{Requesters: requesters, Notifier: notifier, Logger: logger, RadiusKm: radiusKm}
}

// PriceChanged compares the old and new price and, on a drop, notifies every
// requester within RadiusKm of the worker's last known position.
func (a *Alerter) PriceChanged(ctx context.Context, w models.Worker, oldPrice, newPrice int64) {
	if newPrice >= oldPrice || w.LastLocation == nil {
		return
	}
	requesters, err := a.Requesters.ListRequesters(ctx)
	if err != nil {
		a.Logger.Warn("price drop fanout skipped", "worker_id", w.ID, "error", err)
		return
	}
	ev := dispatch.PriceDropEvent(w.ID, w.Name, newPrice)
	notified := 0
	for _, r := range requesters {
		if r.LastLocation == nil {
			continue
		}
		d := geo.HaversineKm(w.LastLocation.Lat, w.LastLocation.Lng, r.LastLocation.Lat, r.LastLocation.Lng)
		if d > a.RadiusKm {
			continue
		}
		a.Notifier.Notify(ctx, dispatch.RoleRequester, r.ID, ev)
		notified++
	}
	a.Logger.Info("price drop fanout",
		"worker_id", w.ID, "old_price", oldPrice, "new_price", newPrice, "notified", notified)
}
