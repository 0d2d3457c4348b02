package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"marketplace-order-fulfillment/inventory/internal/models"
	"marketplace-order-fulfillment/shared/errx"
	"marketplace-order-fulfillment/shared/events"
	"marketplace-order-fulfillment/shared/logx"
	"marketplace-order-fulfillment/shared/metricsx"
	"marketplace-order-fulfillment/shared/outboxx"
	"marketplace-order-fulfillment/shared/workflow"
)

type WatcherStore interface {
	Store
	DueReservations(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error)
}

// Watcher expires reservations whose TTL lapsed before payment settled. Each
// expiry restores stock and emits inventory.released with reason "expired" in
// its own transaction, so a crash mid-batch loses nothing.
type Watcher struct {
	store WatcherStore
	batch int
	log   logx.Logger
}

func NewWatcher(store WatcherStore, batch int, log logx.Logger) *Watcher {
	return &Watcher{store: store, batch: batch, log: log}
}

func (w *Watcher) ExpireOnce(ctx context.Context, now time.Time) (int, error) {
	due, err := w.store.DueReservations(ctx, now, w.batch)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, res := range due {
		changed, err := w.expireOne(ctx, res)
		if err != nil {
			w.log.Error(ctx, "expire_failed", "reservation expiry failed",
				slog.String("reservation_id", res.ReservationID.String()),
				logx.OrderID(res.OrderID.String()),
				slog.Any("error", err),
			)
			continue
		}
		if changed {
			expired++
			metricsx.IncReservationExpired()
			w.log.Info(ctx, "reservation_expired", "reservation expired, stock restored",
				slog.String("reservation_id", res.ReservationID.String()),
				logx.OrderID(res.OrderID.String()),
				logx.Correlation(res.CorrelationID.String()),
			)
		}
	}
	return expired, nil
}

func (w *Watcher) expireOne(ctx context.Context, res models.Reservation) (bool, error) {
	current, err := w.store.GetReservation(ctx, res.ReservationID)
	if err != nil {
		return false, err
	}
	released := make([]events.ReleasedItem, 0, len(current.Items))
	for _, item := range current.Items {
		released = append(released, events.ReleasedItem{ProductID: item.ProductID.String(), Quantity: item.Quantity})
	}
	cause := events.Envelope{CorrelationID: current.CorrelationID, CausationID: uuid.Nil}
	rec, err := record(events.SubjectInventoryReleased, events.InventoryReleased{
		ReservationID: res.ReservationID,
		OrderID:       current.OrderID,
		Items:         released,
		Reason:        "expired",
		ReleasedAt:    time.Now().UTC(),
	}, current.OrderID, cause)
	if err != nil {
		return false, err
	}
	_, changed, err := w.store.Release(ctx, res.ReservationID, workflow.ReservationStatusExpired, []outboxx.Record{rec})
	if err != nil && errors.Is(err, errx.ErrBusinessRule) {
		return false, nil
	}
	return changed, err
}
