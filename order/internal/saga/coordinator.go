// Package saga drives an order through reservation, payment, and shipping.
// The coordinator owns no business rules of the downstream services; it only
// reacts to their events, moves the order machine, and issues the next
// command through the order service outbox.
package saga

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"marketplace-order-fulfillment/order/internal/models"
	"marketplace-order-fulfillment/order/internal/repos"
	"marketplace-order-fulfillment/shared/errx"
	"marketplace-order-fulfillment/shared/events"
	"marketplace-order-fulfillment/shared/logx"
	"marketplace-order-fulfillment/shared/metricsx"
	"marketplace-order-fulfillment/shared/money"
	"marketplace-order-fulfillment/shared/workflow"
)

const consumerID = "order-coordinator"

type OrderStore interface {
	Apply(ctx context.Context, change repos.Change) (models.Order, bool, error)
	GetByID(ctx context.Context, orderID uuid.UUID) (models.Order, error)
}

type Coordinator struct {
	store OrderStore
	log   logx.Logger
}

func New(store OrderStore, log logx.Logger) *Coordinator {
	return &Coordinator{store: store, log: log}
}

// Handle applies one saga step for the given event. Redelivered events are
// absorbed by the processed-events table inside Apply; stale events that hit
// a terminal order are logged and dropped rather than retried.
func (c *Coordinator) Handle(ctx context.Context, env events.Envelope) error {
	decoded, err := events.Decode(env)
	if err != nil {
		return err
	}

	switch payload := decoded.(type) {
	case *events.OrderCreated:
		return c.onOrderCreated(ctx, env, payload)
	case *events.InventoryReserved:
		return c.onInventoryReserved(ctx, env, payload)
	case *events.InventoryFailed:
		return c.onInventoryFailed(ctx, env, payload)
	case *events.InventoryReleased:
		return c.onInventoryReleased(ctx, env, payload)
	case *events.PaymentConfirmed:
		return c.onPaymentConfirmed(ctx, env, payload)
	case *events.PaymentFailed:
		return c.onPaymentFailed(ctx, env, payload)
	case *events.PaymentRefunded:
		return c.onPaymentRefunded(ctx, env, payload)
	case *events.ShipmentCreated:
		return c.markOnly(ctx, env, payload.OrderID)
	case *events.ShipmentDelivered:
		return c.onShipmentDelivered(ctx, env, payload)
	case *events.ShipmentInTransit:
		return c.onShipment(ctx, env, payload.OrderID, workflow.OrderStatusShipped)
	case *events.ShipmentFailed:
		c.log.Warn(ctx, "shipment_failed", "shipment failed, order left for ops review",
			logx.OrderID(payload.OrderID.String()),
			logx.Correlation(env.CorrelationID.String()),
			slog.String("reason", payload.Reason),
		)
		return c.markOnly(ctx, env, payload.OrderID)
	case *events.CancelOrder:
		return c.Cancel(ctx, payload.OrderID, payload.Reason, env.EventID, env.CorrelationID, env.EventID)
	default:
		return errx.Validation("subject %s is not routed to the coordinator", env.EventType)
	}
}

func (c *Coordinator) onOrderCreated(ctx context.Context, env events.Envelope, payload *events.OrderCreated) error {
	cmd, err := command(events.SubjectReserveInventory, events.ReserveInventory{
		OrderID:    payload.OrderID,
		CustomerID: payload.CustomerID,
		Items:      payload.Items,
	}, payload.OrderID, env)
	if err != nil {
		return err
	}
	_, applied, err := c.store.Apply(ctx, repos.Change{
		Consumer: consumerID,
		EventID:  env.EventID,
		OrderID:  payload.OrderID,
		Outbox:   []outRecord{cmd},
	})
	if err != nil {
		return c.classify(ctx, env, err)
	}
	c.step(ctx, env, payload.OrderID, applied, "reserve requested")
	return nil
}

func (c *Coordinator) onInventoryReserved(ctx context.Context, env events.Envelope, payload *events.InventoryReserved) error {
	order, err := c.store.GetByID(ctx, payload.OrderID)
	if err != nil {
		return c.classify(ctx, env, err)
	}
	amount, err := money.FromString(order.TotalAmount, order.Currency)
	if err != nil {
		return errx.Validation("order %s has malformed total: %v", order.OrderID, err)
	}
	cmd, err := command(events.SubjectChargePayment, events.ChargePayment{
		OrderID:    payload.OrderID,
		CustomerID: order.CustomerID,
		Amount:     amount,
	}, payload.OrderID, env)
	if err != nil {
		return err
	}
	reservationID := payload.ReservationID
	_, applied, err := c.store.Apply(ctx, repos.Change{
		Consumer: consumerID,
		EventID:  env.EventID,
		OrderID:  payload.OrderID,
		Updates:  models.Updates{ReservationID: &reservationID},
		Outbox:   []outRecord{cmd},
	})
	if err != nil {
		return c.classify(ctx, env, err)
	}
	c.step(ctx, env, payload.OrderID, applied, "charge requested")
	return nil
}

func (c *Coordinator) onInventoryFailed(ctx context.Context, env events.Envelope, payload *events.InventoryFailed) error {
	reason := "inventory_unavailable"
	evt, err := command(events.SubjectOrderFailed, events.OrderFailed{
		OrderID:  payload.OrderID,
		Reason:   reason,
		FailedAt: time.Now().UTC(),
	}, payload.OrderID, env)
	if err != nil {
		return err
	}
	_, applied, err := c.store.Apply(ctx, repos.Change{
		Consumer: consumerID,
		EventID:  env.EventID,
		OrderID:  payload.OrderID,
		ToStatus: workflow.OrderStatusFailed,
		Updates:  models.Updates{FailureReason: &reason},
		Outbox:   []outRecord{evt},
	})
	if err != nil {
		return c.classify(ctx, env, err)
	}
	if applied {
		metricsx.IncSagaOutcome(workflow.OrderStatusFailed)
	}
	c.step(ctx, env, payload.OrderID, applied, "order failed on inventory")
	return nil
}

// onInventoryReleased closes a compensation: the order is cancelled only once
// the stock is actually back, never before. Releases caused by an explicit
// cancel or a refund find the order already CANCELLED and are absorbed.
func (c *Coordinator) onInventoryReleased(ctx context.Context, env events.Envelope, payload *events.InventoryReleased) error {
	order, err := c.store.GetByID(ctx, payload.OrderID)
	if err != nil {
		return c.classify(ctx, env, err)
	}
	if order.Status != workflow.OrderStatusPending {
		return c.markOnly(ctx, env, payload.OrderID)
	}

	var reason string
	switch payload.Reason {
	case "expired":
		reason = "reservation_expired"
	case "payment_failed":
		reason = "payment_failed"
		if order.FailureReason != nil && *order.FailureReason != "" {
			reason = *order.FailureReason
		}
	default:
		return c.markOnly(ctx, env, payload.OrderID)
	}

	evt, err := command(events.SubjectOrderCancelled, events.OrderCancelled{
		OrderID:     payload.OrderID,
		Reason:      reason,
		CancelledAt: time.Now().UTC(),
	}, payload.OrderID, env)
	if err != nil {
		return err
	}
	_, applied, err := c.store.Apply(ctx, repos.Change{
		Consumer: consumerID,
		EventID:  env.EventID,
		OrderID:  payload.OrderID,
		ToStatus: workflow.OrderStatusCancelled,
		Updates:  models.Updates{FailureReason: &reason},
		Outbox:   []outRecord{evt},
	})
	if err != nil {
		return c.classify(ctx, env, err)
	}
	if applied {
		metricsx.IncSagaOutcome(workflow.OrderStatusCancelled)
	}
	c.step(ctx, env, payload.OrderID, applied, "order cancelled after inventory release")
	return nil
}

func (c *Coordinator) onPaymentConfirmed(ctx context.Context, env events.Envelope, payload *events.PaymentConfirmed) error {
	order, err := c.store.GetByID(ctx, payload.OrderID)
	if err != nil {
		return c.classify(ctx, env, err)
	}
	evt, err := command(events.SubjectOrderConfirmed, events.OrderConfirmed{
		OrderID:     payload.OrderID,
		CustomerID:  payload.CustomerID,
		PaymentID:   payload.PaymentID,
		TotalAmount: payload.Amount,
		ConfirmedAt: time.Now().UTC(),
	}, payload.OrderID, env)
	if err != nil {
		return err
	}
	var outbox []outRecord
	outbox = append(outbox, evt)
	if order.ReservationID != nil {
		confirm, err := command(events.SubjectConfirmReservation, events.ConfirmReservation{
			ReservationID: *order.ReservationID,
			OrderID:       payload.OrderID,
		}, payload.OrderID, env)
		if err != nil {
			return err
		}
		outbox = append(outbox, confirm)
	}
	txID := payload.TransactionID
	_, applied, err := c.store.Apply(ctx, repos.Change{
		Consumer: consumerID,
		EventID:  env.EventID,
		OrderID:  payload.OrderID,
		ToStatus: workflow.OrderStatusConfirmed,
		Updates:  models.Updates{PaymentTxID: &txID},
		Outbox:   outbox,
	})
	if err != nil {
		return c.classify(ctx, env, err)
	}
	if applied {
		metricsx.IncSagaOutcome(workflow.OrderStatusConfirmed)
	}
	c.step(ctx, env, payload.OrderID, applied, "order confirmed")
	return nil
}

// onPaymentFailed starts the compensation but leaves the order PENDING: the
// terminal CANCELLED transition happens in onInventoryReleased, after the
// release has actually been applied by the inventory service.
func (c *Coordinator) onPaymentFailed(ctx context.Context, env events.Envelope, payload *events.PaymentFailed) error {
	order, err := c.store.GetByID(ctx, payload.OrderID)
	if err != nil {
		return c.classify(ctx, env, err)
	}
	reason := "payment_failed"
	if payload.Reason != "" {
		reason = "payment_failed: " + payload.Reason
	}

	if order.ReservationID == nil {
		// Nothing held, so there is nothing to wait for.
		evt, err := command(events.SubjectOrderCancelled, events.OrderCancelled{
			OrderID:     payload.OrderID,
			Reason:      reason,
			CancelledAt: time.Now().UTC(),
		}, payload.OrderID, env)
		if err != nil {
			return err
		}
		_, applied, err := c.store.Apply(ctx, repos.Change{
			Consumer: consumerID,
			EventID:  env.EventID,
			OrderID:  payload.OrderID,
			ToStatus: workflow.OrderStatusCancelled,
			Updates:  models.Updates{FailureReason: &reason},
			Outbox:   []outRecord{evt},
		})
		if err != nil {
			return c.classify(ctx, env, err)
		}
		if applied {
			metricsx.IncSagaOutcome(workflow.OrderStatusCancelled)
		}
		c.step(ctx, env, payload.OrderID, applied, "order cancelled, no reservation to release")
		return nil
	}

	release, err := command(events.SubjectReleaseInventory, events.ReleaseInventory{
		ReservationID: *order.ReservationID,
		OrderID:       payload.OrderID,
		Reason:        "payment_failed",
	}, payload.OrderID, env)
	if err != nil {
		return err
	}
	_, applied, err := c.store.Apply(ctx, repos.Change{
		Consumer: consumerID,
		EventID:  env.EventID,
		OrderID:  payload.OrderID,
		Updates:  models.Updates{FailureReason: &reason},
		Outbox:   []outRecord{release},
	})
	if err != nil {
		return c.classify(ctx, env, err)
	}
	if applied {
		metricsx.IncCompensation("inventory_release")
	}
	c.step(ctx, env, payload.OrderID, applied, "release requested after payment failure")
	return nil
}

func (c *Coordinator) onPaymentRefunded(ctx context.Context, env events.Envelope, payload *events.PaymentRefunded) error {
	order, err := c.store.GetByID(ctx, payload.OrderID)
	if err != nil {
		return c.classify(ctx, env, err)
	}
	if order.ReservationID == nil {
		return c.markOnly(ctx, env, payload.OrderID)
	}
	release, err := command(events.SubjectReleaseInventory, events.ReleaseInventory{
		ReservationID: *order.ReservationID,
		OrderID:       payload.OrderID,
		Reason:        "refunded",
	}, payload.OrderID, env)
	if err != nil {
		return err
	}
	_, applied, err := c.store.Apply(ctx, repos.Change{
		Consumer: consumerID,
		EventID:  env.EventID,
		OrderID:  payload.OrderID,
		Outbox:   []outRecord{release},
	})
	if err != nil {
		return c.classify(ctx, env, err)
	}
	if applied {
		metricsx.IncCompensation("inventory_release")
	}
	c.step(ctx, env, payload.OrderID, applied, "inventory released after refund")
	return nil
}

func (c *Coordinator) onShipment(ctx context.Context, env events.Envelope, orderID uuid.UUID, toStatus string) error {
	_, applied, err := c.store.Apply(ctx, repos.Change{
		Consumer: consumerID,
		EventID:  env.EventID,
		OrderID:  orderID,
		ToStatus: toStatus,
	})
	if err != nil {
		return c.classify(ctx, env, err)
	}
	c.step(ctx, env, orderID, applied, "order advanced by shipment")
	return nil
}

func (c *Coordinator) onShipmentDelivered(ctx context.Context, env events.Envelope, payload *events.ShipmentDelivered) error {
	_, applied, err := c.store.Apply(ctx, repos.Change{
		Consumer: consumerID,
		EventID:  env.EventID,
		OrderID:  payload.OrderID,
		ToStatus: workflow.OrderStatusDelivered,
	})
	if err != nil {
		return c.classify(ctx, env, err)
	}
	if applied {
		metricsx.IncSagaOutcome(workflow.OrderStatusDelivered)
	}
	c.step(ctx, env, payload.OrderID, applied, "order delivered")
	return nil
}

// Cancel moves an order to CANCELLED and issues the compensations the current
// state requires: release for a held reservation, refund when a charge has
// settled. Orders that already shipped reject the cancel as a business rule.
func (c *Coordinator) Cancel(ctx context.Context, orderID uuid.UUID, reason string, eventID uuid.UUID, correlationID uuid.UUID, causationID uuid.UUID) error {
	order, err := c.store.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "customer_request"
	}
	if order.Status == workflow.OrderStatusShipped {
		return errx.BusinessRule("cannot cancel, already shipped")
	}
	env := events.Envelope{CorrelationID: correlationID, CausationID: causationID}
	if env.CorrelationID == uuid.Nil {
		env.CorrelationID = order.CorrelationID
	}

	evt, err := command(events.SubjectOrderCancelled, events.OrderCancelled{
		OrderID:     orderID,
		Reason:      reason,
		CancelledAt: time.Now().UTC(),
	}, orderID, env)
	if err != nil {
		return err
	}
	outbox := []outRecord{evt}

	if order.ReservationID != nil {
		release, err := command(events.SubjectReleaseInventory, events.ReleaseInventory{
			ReservationID: *order.ReservationID,
			OrderID:       orderID,
			Reason:        "cancelled",
		}, orderID, env)
		if err != nil {
			return err
		}
		outbox = append(outbox, release)
	}
	if order.Status == workflow.OrderStatusConfirmed && order.PaymentTxID != nil {
		refund, err := command(events.SubjectRefundPayment, events.RefundPayment{
			OrderID: orderID,
			Reason:  reason,
		}, orderID, env)
		if err != nil {
			return err
		}
		outbox = append(outbox, refund)
	}

	_, applied, err := c.store.Apply(ctx, repos.Change{
		Consumer: consumerID,
		EventID:  eventID,
		OrderID:  orderID,
		ToStatus: workflow.OrderStatusCancelled,
		Updates:  models.Updates{FailureReason: &reason},
		Outbox:   outbox,
	})
	if err != nil {
		return err
	}
	if applied {
		metricsx.IncSagaOutcome(workflow.OrderStatusCancelled)
		if len(outbox) > 1 {
			metricsx.IncCompensation("cancel")
		}
	}
	return nil
}

// markOnly absorbs an event that needs no order change so redeliveries stay
// deduped.
func (c *Coordinator) markOnly(ctx context.Context, env events.Envelope, orderID uuid.UUID) error {
	_, _, err := c.store.Apply(ctx, repos.Change{
		Consumer: consumerID,
		EventID:  env.EventID,
		OrderID:  orderID,
	})
	if err != nil {
		return c.classify(ctx, env, err)
	}
	return nil
}

// classify keeps stale deliveries out of the retry loop: a transition the
// machine rejects means the saga moved on, so the event is dropped.
func (c *Coordinator) classify(ctx context.Context, env events.Envelope, err error) error {
	var invalid *workflow.InvalidTransitionError
	if errors.Is(err, errx.ErrBusinessRule) || errors.As(err, &invalid) {
		c.log.Warn(ctx, "stale_event_dropped", "event arrived after the order moved on",
			logx.Subject(env.EventType),
			logx.Correlation(env.CorrelationID.String()),
			slog.Any("error", err),
		)
		return nil
	}
	if errors.Is(err, errx.ErrNotFound) {
		return errx.Validation("order not found for %s", env.EventType)
	}
	return errx.Transient(err)
}

func (c *Coordinator) step(ctx context.Context, env events.Envelope, orderID uuid.UUID, applied bool, msg string) {
	outcome := "applied"
	if !applied {
		outcome = "duplicate"
	}
	metricsx.IncEventConsumed(env.EventType, outcome)
	c.log.Info(ctx, "saga_step", msg,
		logx.Subject(env.EventType),
		logx.OrderID(orderID.String()),
		logx.Correlation(env.CorrelationID.String()),
		slog.Bool("applied", applied),
	)
}
