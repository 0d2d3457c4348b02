// Package service implements the stock-holding side of the fulfillment saga:
// reserve on command, release or confirm on outcome, expire on TTL.
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

type Store interface {
	GetReservation(ctx context.Context, reservationID uuid.UUID) (models.Reservation, error)
	AvailableStock(ctx context.Context, productIDs []uuid.UUID) (map[uuid.UUID]int, error)
	Reserve(ctx context.Context, res models.Reservation, outbox []outboxx.Record) (models.Reservation, bool, error)
	RecordFailure(ctx context.Context, outbox []outboxx.Record) error
	Release(ctx context.Context, reservationID uuid.UUID, toStatus string, outbox []outboxx.Record) (models.Reservation, bool, error)
	Confirm(ctx context.Context, reservationID uuid.UUID) (models.Reservation, bool, error)
}

type Service struct {
	store Store
	ttl   time.Duration
	log   logx.Logger
}

func New(store Store, ttl time.Duration, log logx.Logger) *Service {
	return &Service{store: store, ttl: ttl, log: log}
}

func (s *Service) Handle(ctx context.Context, env events.Envelope) error {
	decoded, err := events.Decode(env)
	if err != nil {
		return err
	}
	switch payload := decoded.(type) {
	case *events.ReserveInventory:
		return s.reserve(ctx, env, payload)
	case *events.ReleaseInventory:
		return s.release(ctx, env, payload)
	case *events.ConfirmReservation:
		return s.confirm(ctx, env, payload)
	default:
		return errx.Validation("subject %s is not routed to inventory", env.EventType)
	}
}

func (s *Service) reserve(ctx context.Context, env events.Envelope, cmd *events.ReserveInventory) error {
	productIDs := make([]uuid.UUID, 0, len(cmd.Items))
	for _, item := range cmd.Items {
		id, err := uuid.Parse(item.ProductID)
		if err != nil {
			return errx.Validation("product_id %q is not a uuid", item.ProductID)
		}
		productIDs = append(productIDs, id)
	}

	available, err := s.store.AvailableStock(ctx, productIDs)
	if err != nil {
		return errx.Transient(err)
	}
	alloc, err := plan(cmd.Items, available)
	if err != nil {
		return errx.Validation("reserve plan: %v", err)
	}
	if !alloc.OK() {
		return s.fail(ctx, env, cmd.OrderID, alloc.Unavailable)
	}

	now := time.Now().UTC()
	res := models.Reservation{
		ReservationID: uuid.New(),
		OrderID:       cmd.OrderID,
		CorrelationID: env.CorrelationID,
		ExpiresAt:     now.Add(s.ttl),
	}
	reserved := make([]events.ReservedItem, 0, len(alloc.Items))
	for _, item := range alloc.Items {
		res.Items = append(res.Items, models.ReservationItem{ProductID: item.ProductID, Quantity: item.Quantity})
		reserved = append(reserved, events.ReservedItem{ProductID: item.ProductID.String(), Quantity: item.Quantity, Reserved: true})
	}

	rec, err := record(events.SubjectInventoryReserved, events.InventoryReserved{
		ReservationID: res.ReservationID,
		OrderID:       cmd.OrderID,
		Items:         reserved,
		ExpiresAt:     res.ExpiresAt,
		ReservedAt:    now,
	}, cmd.OrderID, env)
	if err != nil {
		return err
	}

	_, created, err := s.store.Reserve(ctx, res, []outboxx.Record{rec})
	if err != nil {
		if errors.Is(err, errx.ErrBusinessRule) {
			// stock moved between the read and the conditional update
			return s.fail(ctx, env, cmd.OrderID, nil)
		}
		return errx.Transient(err)
	}
	s.log.Info(ctx, "stock_reserved", "reservation held",
		logx.OrderID(cmd.OrderID.String()),
		logx.Correlation(env.CorrelationID.String()),
		slog.Bool("created", created),
	)
	metricsx.IncEventConsumed(env.EventType, outcomeOf(created))
	return nil
}

func (s *Service) fail(ctx context.Context, env events.Envelope, orderID uuid.UUID, unavailable []events.UnavailableItem) error {
	rec, err := record(events.SubjectInventoryFailed, events.InventoryFailed{
		OrderID:          orderID,
		Reason:           "insufficient_stock",
		UnavailableItems: unavailable,
		FailedAt:         time.Now().UTC(),
	}, orderID, env)
	if err != nil {
		return err
	}
	if err := s.store.RecordFailure(ctx, []outboxx.Record{rec}); err != nil {
		return errx.Transient(err)
	}
	s.log.Warn(ctx, "stock_unavailable", "reserve rejected",
		logx.OrderID(orderID.String()),
		logx.Correlation(env.CorrelationID.String()),
		slog.Int("unavailable_items", len(unavailable)),
	)
	metricsx.IncEventConsumed(env.EventType, "rejected")
	return nil
}

func (s *Service) release(ctx context.Context, env events.Envelope, cmd *events.ReleaseInventory) error {
	reason := cmd.Reason
	if reason == "" {
		reason = "released"
	}
	res, changed, err := s.releaseAs(ctx, env, cmd.ReservationID, workflow.ReservationStatusReleased, reason)
	if err != nil {
		return err
	}
	s.log.Info(ctx, "stock_released", "reservation released",
		logx.OrderID(res.OrderID.String()),
		logx.Correlation(env.CorrelationID.String()),
		slog.String("reason", reason),
		slog.Bool("changed", changed),
	)
	metricsx.IncEventConsumed(env.EventType, outcomeOf(changed))
	return nil
}

func (s *Service) releaseAs(ctx context.Context, env events.Envelope, reservationID uuid.UUID, toStatus string, reason string) (models.Reservation, bool, error) {
	current, err := s.store.GetReservation(ctx, reservationID)
	if err != nil {
		if errors.Is(err, errx.ErrNotFound) {
			return models.Reservation{}, false, errx.Validation("reservation %s not found", reservationID)
		}
		return models.Reservation{}, false, errx.Transient(err)
	}

	// The released event is staged before the transition; the repository only
	// writes it when the reservation actually moves.
	released := make([]events.ReleasedItem, 0, len(current.Items))
	for _, item := range current.Items {
		released = append(released, events.ReleasedItem{ProductID: item.ProductID.String(), Quantity: item.Quantity})
	}
	rec, err := record(events.SubjectInventoryReleased, events.InventoryReleased{
		ReservationID: reservationID,
		OrderID:       current.OrderID,
		Reason:        reason,
		ReleasedAt:    time.Now().UTC(),
		Items:         released,
	}, current.OrderID, env)
	if err != nil {
		return models.Reservation{}, false, err
	}
	res, changed, err := s.store.Release(ctx, reservationID, toStatus, []outboxx.Record{rec})
	if err != nil {
		if errors.Is(err, errx.ErrNotFound) {
			return models.Reservation{}, false, errx.Validation("reservation %s not found", reservationID)
		}
		var invalid *workflow.InvalidTransitionError
		if errors.Is(err, errx.ErrBusinessRule) || errors.As(err, &invalid) {
			return models.Reservation{}, false, err
		}
		return models.Reservation{}, false, errx.Transient(err)
	}
	return res, changed, nil
}

func (s *Service) confirm(ctx context.Context, env events.Envelope, cmd *events.ConfirmReservation) error {
	res, changed, err := s.store.Confirm(ctx, cmd.ReservationID)
	if err != nil {
		if errors.Is(err, errx.ErrNotFound) {
			return errx.Validation("reservation %s not found", cmd.ReservationID)
		}
		var invalid *workflow.InvalidTransitionError
		if errors.As(err, &invalid) {
			return err
		}
		return errx.Transient(err)
	}
	if !changed && res.Status != workflow.ReservationStatusConfirmed {
		s.log.Warn(ctx, "confirm_after_finish", "confirm arrived after reservation finished",
			logx.OrderID(res.OrderID.String()),
			slog.String("status", res.Status),
		)
	}
	metricsx.IncEventConsumed(env.EventType, outcomeOf(changed))
	return nil
}

func outcomeOf(changed bool) string {
	if changed {
		return "applied"
	}
	return "duplicate"
}

func record(subject string, payload any, aggregateID uuid.UUID, cause events.Envelope) (outboxx.Record, error) {
	env, err := events.Emit(subject, payload, cause.CorrelationID, cause.EventID)
	if err != nil {
		return outboxx.Record{}, err
	}
	raw, err := env.Serialize()
	if err != nil {
		return outboxx.Record{}, err
	}
	return outboxx.Record{
		EventID:       env.EventID,
		AggregateType: "reservation",
		AggregateID:   aggregateID,
		Subject:       subject,
		Payload:       raw,
	}, nil
}
