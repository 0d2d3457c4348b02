// Package repos persists shipments. The shipping service is the only writer
// of the shipments table; every status change and its outgoing event commit
// in one transaction.
package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketplace-order-fulfillment/shared/errx"
	"marketplace-order-fulfillment/shared/outboxx"
	"marketplace-order-fulfillment/shared/workflow"
	"marketplace-order-fulfillment/shipping/internal/models"
)

type ShipmentsRepo struct {
	pool   *pgxpool.Pool
	outbox *outboxx.Repo
}

func NewShipmentsRepo(pool *pgxpool.Pool) *ShipmentsRepo {
	return &ShipmentsRepo{pool: pool, outbox: outboxx.NewRepo(pool)}
}

// Create inserts a shipment for an order, or returns the existing one when
// the confirmation event is redelivered. One shipment per order, enforced by
// the order_id unique constraint. The outbox records are written only on the
// first insert.
func (r *ShipmentsRepo) Create(ctx context.Context, shipment models.Shipment, outbox []outboxx.Record) (models.Shipment, bool, error) {
	if shipment.ShipmentID == uuid.Nil {
		shipment.ShipmentID = uuid.New()
	}
	now := time.Now().UTC()
	shipment.Status = workflow.ShipmentStatusPending
	shipment.CreatedAt = now
	shipment.UpdatedAt = now

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return models.Shipment{}, false, err
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, `
		INSERT INTO shipments (shipment_id, order_id, status, pickup_address, delivery_address, currency, shipping_cost, correlation_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (order_id) DO NOTHING
	`, shipment.ShipmentID, shipment.OrderID, shipment.Status, shipment.PickupAddress, shipment.DeliveryAddress,
		shipment.Currency, shipment.ShippingCost, shipment.CorrelationID, shipment.CreatedAt, shipment.UpdatedAt)
	if err != nil {
		return models.Shipment{}, false, err
	}
	if ct.RowsAffected() == 0 {
		existing, getErr := r.GetByOrder(ctx, shipment.OrderID)
		return existing, false, getErr
	}
	for _, rec := range outbox {
		if _, err := r.outbox.Insert(ctx, tx, rec); err != nil {
			return models.Shipment{}, false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Shipment{}, false, err
	}
	return shipment, true, nil
}

func (r *ShipmentsRepo) GetByID(ctx context.Context, shipmentID uuid.UUID) (models.Shipment, error) {
	return r.get(ctx, `WHERE shipment_id = $1`, shipmentID)
}

func (r *ShipmentsRepo) GetByOrder(ctx context.Context, orderID uuid.UUID) (models.Shipment, error) {
	return r.get(ctx, `WHERE order_id = $1`, orderID)
}

func (r *ShipmentsRepo) get(ctx context.Context, where string, arg any) (models.Shipment, error) {
	var s models.Shipment
	err := r.pool.QueryRow(ctx, `
		SELECT shipment_id, order_id, status, pickup_address, delivery_address, currency, shipping_cost,
		       carrier_id, estimated_at, delivered_at, failure_reason, correlation_id, created_at, updated_at
		FROM shipments `+where,
		arg,
	).Scan(&s.ShipmentID, &s.OrderID, &s.Status, &s.PickupAddress, &s.DeliveryAddress, &s.Currency, &s.ShippingCost,
		&s.CarrierID, &s.EstimatedAt, &s.DeliveredAt, &s.FailureReason, &s.CorrelationID, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Shipment{}, errx.ErrNotFound
	}
	if err != nil {
		return models.Shipment{}, err
	}
	return s, nil
}

// Transition moves a shipment to the target status. A same-status write
// commits as a no-op without re-emitting; an illegal transition is a
// business-rule failure.
func (r *ShipmentsRepo) Transition(ctx context.Context, shipmentID uuid.UUID, toStatus string, updates models.Updates, outbox []outboxx.Record) (models.Shipment, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return models.Shipment{}, false, err
	}
	defer tx.Rollback(ctx)

	var s models.Shipment
	err = tx.QueryRow(ctx, `
		SELECT shipment_id, order_id, status, pickup_address, delivery_address, currency, shipping_cost,
		       carrier_id, estimated_at, delivered_at, failure_reason, correlation_id, created_at, updated_at
		FROM shipments WHERE shipment_id = $1 FOR UPDATE
	`, shipmentID).Scan(&s.ShipmentID, &s.OrderID, &s.Status, &s.PickupAddress, &s.DeliveryAddress, &s.Currency, &s.ShippingCost,
		&s.CarrierID, &s.EstimatedAt, &s.DeliveredAt, &s.FailureReason, &s.CorrelationID, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Shipment{}, false, errx.ErrNotFound
	}
	if err != nil {
		return models.Shipment{}, false, err
	}

	if s.Status == toStatus {
		if err := tx.Commit(ctx); err != nil {
			return models.Shipment{}, false, err
		}
		return s, false, nil
	}
	if _, err := workflow.Shipments().Transition(s.Status, toStatus); err != nil {
		return models.Shipment{}, false, err
	}

	s.Status = toStatus
	if updates.CarrierID != nil {
		s.CarrierID = updates.CarrierID
	}
	if updates.DeliveryAddress != nil {
		s.DeliveryAddress = *updates.DeliveryAddress
	}
	if updates.EstimatedAt != nil {
		s.EstimatedAt = updates.EstimatedAt
	}
	if updates.DeliveredAt != nil {
		s.DeliveredAt = updates.DeliveredAt
	}
	if updates.FailureReason != nil {
		s.FailureReason = updates.FailureReason
	}
	s.UpdatedAt = time.Now().UTC()

	_, err = tx.Exec(ctx, `
		UPDATE shipments
		SET status = $2, delivery_address = $3, carrier_id = $4, estimated_at = $5, delivered_at = $6, failure_reason = $7, updated_at = $8
		WHERE shipment_id = $1
	`, s.ShipmentID, s.Status, s.DeliveryAddress, s.CarrierID, s.EstimatedAt, s.DeliveredAt, s.FailureReason, s.UpdatedAt)
	if err != nil {
		return models.Shipment{}, false, err
	}
	for _, rec := range outbox {
		if _, err := r.outbox.Insert(ctx, tx, rec); err != nil {
			return models.Shipment{}, false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Shipment{}, false, err
	}
	return s, true, nil
}
