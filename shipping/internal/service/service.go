// Package service books shipments for confirmed orders and tracks them
// through carrier assignment to delivery.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"marketplace-order-fulfillment/shared/errx"
	"marketplace-order-fulfillment/shared/events"
	"marketplace-order-fulfillment/shared/logx"
	"marketplace-order-fulfillment/shared/metricsx"
	"marketplace-order-fulfillment/shared/money"
	"marketplace-order-fulfillment/shared/outboxx"
	"marketplace-order-fulfillment/shared/workflow"
	"marketplace-order-fulfillment/shipping/internal/models"
)

type Store interface {
	Create(ctx context.Context, shipment models.Shipment, outbox []outboxx.Record) (models.Shipment, bool, error)
	GetByID(ctx context.Context, shipmentID uuid.UUID) (models.Shipment, error)
	Transition(ctx context.Context, shipmentID uuid.UUID, toStatus string, updates models.Updates, outbox []outboxx.Record) (models.Shipment, bool, error)
}

type Config struct {
	PickupAddress string
	FlatRate      money.Money
	TransitWindow time.Duration
}

type Service struct {
	store Store
	cfg   Config
	log   logx.Logger
}

func New(store Store, cfg Config, log logx.Logger) *Service {
	return &Service{store: store, cfg: cfg, log: log}
}

func (s *Service) Handle(ctx context.Context, env events.Envelope) error {
	decoded, err := events.Decode(env)
	if err != nil {
		return err
	}
	switch payload := decoded.(type) {
	case *events.OrderConfirmed:
		return s.book(ctx, env, payload)
	case *events.CarrierTracking:
		return s.track(ctx, env, payload)
	default:
		return errx.Validation("subject %s is not routed to shipping", env.EventType)
	}
}

// book opens a shipment when an order is confirmed. Redeliveries find the
// existing shipment row and book nothing.
func (s *Service) book(ctx context.Context, env events.Envelope, confirmed *events.OrderConfirmed) error {
	shipmentID := uuid.New()
	cost := s.cfg.FlatRate
	rec, err := record(events.SubjectShipmentCreated, events.ShipmentCreated{
		ShipmentID:    shipmentID,
		OrderID:       confirmed.OrderID,
		PickupAddress: s.cfg.PickupAddress,
		ShippingCost:  cost,
		CreatedAt:     time.Now().UTC(),
	}, confirmed.OrderID, env.CorrelationID, env.EventID)
	if err != nil {
		return err
	}
	shipment, created, err := s.store.Create(ctx, models.Shipment{
		ShipmentID:    shipmentID,
		OrderID:       confirmed.OrderID,
		PickupAddress: s.cfg.PickupAddress,
		Currency:      cost.Currency(),
		ShippingCost:  cost.Amount().StringFixed(2),
		CorrelationID: env.CorrelationID,
	}, []outboxx.Record{rec})
	if err != nil {
		return errx.Transient(err)
	}
	outcome := "applied"
	if !created {
		outcome = "duplicate"
	}
	s.log.Info(ctx, "shipment_booked", "shipment booked for confirmed order",
		logx.OrderID(confirmed.OrderID.String()),
		logx.Correlation(env.CorrelationID.String()),
		slog.String("shipment_id", shipment.ShipmentID.String()),
		slog.String("outcome", outcome),
	)
	metricsx.IncEventConsumed(env.EventType, outcome)
	return nil
}

// track applies a carrier callback to the shipment. A duplicate callback for
// the current status is absorbed; a callback for a shipment the carrier no
// longer owns is a business-rule failure and goes to the dead letter queue.
func (s *Service) track(ctx context.Context, env events.Envelope, update *events.CarrierTracking) error {
	var err error
	switch update.Status {
	case "picked_up":
		_, err = s.MarkInTransit(ctx, update.ShipmentID)
	case "delivered":
		_, err = s.MarkDelivered(ctx, update.ShipmentID)
	case "failed":
		reason := update.Reason
		if reason == "" {
			reason = "carrier_reported_failure"
		}
		_, err = s.MarkFailed(ctx, update.ShipmentID, reason)
	default:
		return errx.Validation("unknown tracking status %q", update.Status)
	}
	if err != nil {
		if errors.Is(err, errx.ErrNotFound) {
			return errx.Validation("tracking callback for unknown shipment %s", update.ShipmentID)
		}
		return err
	}
	s.log.Info(ctx, "tracking_applied", "carrier callback applied",
		logx.Correlation(env.CorrelationID.String()),
		slog.String("shipment_id", update.ShipmentID.String()),
		slog.String("tracking_status", update.Status),
	)
	metricsx.IncEventConsumed(env.EventType, "applied")
	return nil
}

// Assign hands the shipment to a carrier, records the destination, and sets
// the delivery window.
func (s *Service) Assign(ctx context.Context, shipmentID, carrierID uuid.UUID, deliveryAddress string) (models.Shipment, error) {
	shipment, err := s.store.GetByID(ctx, shipmentID)
	if err != nil {
		return models.Shipment{}, err
	}
	if deliveryAddress == "" {
		return models.Shipment{}, errx.Validation("delivery address is required")
	}
	estimated := time.Now().UTC().Add(s.cfg.TransitWindow)
	return s.transition(ctx, shipment, workflow.ShipmentStatusAssigned,
		models.Updates{CarrierID: &carrierID, DeliveryAddress: &deliveryAddress, EstimatedAt: &estimated}, nil)
}

// MarkInTransit records carrier pickup and emits the in-transit event.
func (s *Service) MarkInTransit(ctx context.Context, shipmentID uuid.UUID) (models.Shipment, error) {
	shipment, err := s.store.GetByID(ctx, shipmentID)
	if err != nil {
		return models.Shipment{}, err
	}
	if shipment.CarrierID == nil {
		return models.Shipment{}, errx.BusinessRule("shipment %s has no carrier assigned", shipmentID)
	}
	rec, err := s.eventFor(shipment, events.SubjectShipmentInTransit, events.ShipmentInTransit{
		ShipmentID: shipment.ShipmentID,
		OrderID:    shipment.OrderID,
		CarrierID:  *shipment.CarrierID,
		PickedUpAt: time.Now().UTC(),
	})
	if err != nil {
		return models.Shipment{}, err
	}
	return s.transition(ctx, shipment, workflow.ShipmentStatusInTransit, models.Updates{}, []outboxx.Record{rec})
}

// MarkDelivered closes the shipment and notifies the saga.
func (s *Service) MarkDelivered(ctx context.Context, shipmentID uuid.UUID) (models.Shipment, error) {
	shipment, err := s.store.GetByID(ctx, shipmentID)
	if err != nil {
		return models.Shipment{}, err
	}
	delivered := time.Now().UTC()
	rec, err := s.eventFor(shipment, events.SubjectShipmentDelivered, events.ShipmentDelivered{
		ShipmentID:  shipment.ShipmentID,
		OrderID:     shipment.OrderID,
		DeliveredAt: delivered,
	})
	if err != nil {
		return models.Shipment{}, err
	}
	return s.transition(ctx, shipment, workflow.ShipmentStatusDelivered,
		models.Updates{DeliveredAt: &delivered}, []outboxx.Record{rec})
}

// MarkFailed is rejected once the shipment is delivered or already failed.
func (s *Service) MarkFailed(ctx context.Context, shipmentID uuid.UUID, reason string) (models.Shipment, error) {
	shipment, err := s.store.GetByID(ctx, shipmentID)
	if err != nil {
		return models.Shipment{}, err
	}
	if shipment.Status == workflow.ShipmentStatusFailed {
		return models.Shipment{}, errx.BusinessRule("shipment %s already failed", shipmentID)
	}
	rec, err := s.eventFor(shipment, events.SubjectShipmentFailed, events.ShipmentFailed{
		ShipmentID: shipment.ShipmentID,
		OrderID:    shipment.OrderID,
		Reason:     reason,
		FailedAt:   time.Now().UTC(),
	})
	if err != nil {
		return models.Shipment{}, err
	}
	return s.transition(ctx, shipment, workflow.ShipmentStatusFailed,
		models.Updates{FailureReason: &reason}, []outboxx.Record{rec})
}

func (s *Service) transition(ctx context.Context, shipment models.Shipment, toStatus string, updates models.Updates, outbox []outboxx.Record) (models.Shipment, error) {
	updated, changed, err := s.store.Transition(ctx, shipment.ShipmentID, toStatus, updates, outbox)
	if err != nil {
		var invalid *workflow.InvalidTransitionError
		if errors.Is(err, errx.ErrBusinessRule) || errors.Is(err, errx.ErrNotFound) || errors.As(err, &invalid) {
			return models.Shipment{}, err
		}
		return models.Shipment{}, errx.Transient(err)
	}
	if changed {
		s.log.Info(ctx, "shipment_transition", "shipment moved",
			logx.OrderID(shipment.OrderID.String()),
			slog.String("shipment_id", shipment.ShipmentID.String()),
			slog.String("from", shipment.Status),
			slog.String("to", toStatus),
		)
	}
	return updated, nil
}

func (s *Service) eventFor(shipment models.Shipment, subject string, payload any) (outboxx.Record, error) {
	return record(subject, payload, shipment.OrderID, shipment.CorrelationID, uuid.Nil)
}

func record(subject string, payload any, aggregateID uuid.UUID, correlationID, causationID uuid.UUID) (outboxx.Record, error) {
	env, err := events.Emit(subject, payload, correlationID, causationID)
	if err != nil {
		return outboxx.Record{}, err
	}
	raw, err := env.Serialize()
	if err != nil {
		return outboxx.Record{}, err
	}
	return outboxx.Record{
		EventID:       env.EventID,
		AggregateType: "shipment",
		AggregateID:   aggregateID,
		Subject:       subject,
		Payload:       raw,
	}, nil
}
