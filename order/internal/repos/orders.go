package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketplace-order-fulfillment/order/internal/models"
	"marketplace-order-fulfillment/shared/errx"
	"marketplace-order-fulfillment/shared/inboxx"
	"marketplace-order-fulfillment/shared/outboxx"
	"marketplace-order-fulfillment/shared/workflow"
)

const uniqueViolation = "23505"

type OrdersRepo struct {
	pool   *pgxpool.Pool
	outbox *outboxx.Repo
	inbox  *inboxx.Repo
}

func NewOrdersRepo(pool *pgxpool.Pool) *OrdersRepo {
	return &OrdersRepo{
		pool:   pool,
		outbox: outboxx.NewRepo(pool),
		inbox:  inboxx.NewRepo(pool),
	}
}

// Create inserts the order, its items, and the order.created outbox record in
// one transaction. A replayed idempotency key returns the existing order with
// created=false and writes nothing.
func (r *OrdersRepo) Create(ctx context.Context, order models.Order, outbox []outboxx.Record) (models.Order, bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Order{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if order.OrderID == uuid.Nil {
		order.OrderID = uuid.New()
	}
	now := time.Now().UTC()
	order.Status = workflow.OrderStatusPending
	order.CreatedAt = now
	order.UpdatedAt = now

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (order_id, customer_id, status, currency, total_amount, idempotency_key, correlation_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, order.OrderID, order.CustomerID, order.Status, order.Currency, order.TotalAmount, order.IdempotencyKey, order.CorrelationID, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			_ = tx.Rollback(ctx)
			existing, getErr := r.GetByIdempotencyKey(ctx, order.IdempotencyKey)
			if getErr != nil {
				return models.Order{}, false, getErr
			}
			return existing, false, nil
		}
		return models.Order{}, false, err
	}

	for _, item := range order.Items {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_items (order_id, product_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4)
		`, order.OrderID, item.ProductID, item.Quantity, item.UnitPrice)
		if err != nil {
			return models.Order{}, false, err
		}
	}

	for _, rec := range outbox {
		if _, err = r.outbox.Insert(ctx, tx, rec); err != nil {
			return models.Order{}, false, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Order{}, false, err
	}
	return order, true, nil
}

func (r *OrdersRepo) GetByID(ctx context.Context, orderID uuid.UUID) (models.Order, error) {
	var order models.Order
	err := r.pool.QueryRow(ctx, `
		SELECT order_id, customer_id, status, currency, total_amount, reservation_id, payment_tx_id, failure_reason, idempotency_key, correlation_id, created_at, updated_at
		FROM orders
		WHERE order_id = $1
	`, orderID).Scan(
		&order.OrderID, &order.CustomerID, &order.Status, &order.Currency, &order.TotalAmount,
		&order.ReservationID, &order.PaymentTxID, &order.FailureReason, &order.IdempotencyKey, &order.CorrelationID, &order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Order{}, errx.ErrNotFound
		}
		return models.Order{}, err
	}
	order.Items, err = r.itemsOf(ctx, orderID)
	return order, err
}

func (r *OrdersRepo) GetByIdempotencyKey(ctx context.Context, key string) (models.Order, error) {
	var orderID uuid.UUID
	err := r.pool.QueryRow(ctx, `
		SELECT order_id FROM orders WHERE idempotency_key = $1
	`, key).Scan(&orderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Order{}, errx.ErrNotFound
		}
		return models.Order{}, err
	}
	return r.GetByID(ctx, orderID)
}

func (r *OrdersRepo) itemsOf(ctx context.Context, orderID uuid.UUID) ([]models.OrderItem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT product_id, quantity, unit_price
		FROM order_items
		WHERE order_id = $1
		ORDER BY product_id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Apply executes one saga step against the order row: event dedupe, optional
// status transition, side-column writes, and outbox inserts, all in a single
// transaction. applied=false means the event was already processed or the
// order already sits in the target status.
func (r *OrdersRepo) Apply(ctx context.Context, change Change) (models.Order, bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Order{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if change.EventID != uuid.Nil {
		duplicate, markErr := r.inbox.MarkProcessed(ctx, tx, change.Consumer, change.EventID)
		if markErr != nil {
			err = markErr
			return models.Order{}, false, err
		}
		if duplicate {
			_ = tx.Rollback(ctx)
			order, getErr := r.GetByID(ctx, change.OrderID)
			return order, false, getErr
		}
	}

	var order models.Order
	err = tx.QueryRow(ctx, `
		SELECT order_id, customer_id, status, currency, total_amount, reservation_id, payment_tx_id, failure_reason, idempotency_key, correlation_id, created_at, updated_at
		FROM orders
		WHERE order_id = $1
		FOR UPDATE
	`, change.OrderID).Scan(
		&order.OrderID, &order.CustomerID, &order.Status, &order.Currency, &order.TotalAmount,
		&order.ReservationID, &order.PaymentTxID, &order.FailureReason, &order.IdempotencyKey, &order.CorrelationID, &order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = errx.ErrNotFound
		}
		return models.Order{}, false, err
	}

	if change.ToStatus != "" {
		if order.Status == change.ToStatus {
			err = tx.Commit(ctx)
			return order, false, err
		}
		if _, err = workflow.Orders().Transition(order.Status, change.ToStatus); err != nil {
			return models.Order{}, false, err
		}
		order.Status = change.ToStatus
	}

	if change.Updates.ReservationID != nil {
		order.ReservationID = change.Updates.ReservationID
	}
	if change.Updates.PaymentTxID != nil {
		order.PaymentTxID = change.Updates.PaymentTxID
	}
	if change.Updates.FailureReason != nil {
		order.FailureReason = change.Updates.FailureReason
	}
	order.UpdatedAt = time.Now().UTC()

	_, err = tx.Exec(ctx, `
		UPDATE orders
		SET status = $2, reservation_id = $3, payment_tx_id = $4, failure_reason = $5, updated_at = $6
		WHERE order_id = $1
	`, order.OrderID, order.Status, order.ReservationID, order.PaymentTxID, order.FailureReason, order.UpdatedAt)
	if err != nil {
		return models.Order{}, false, err
	}

	for _, rec := range change.Outbox {
		if _, err = r.outbox.Insert(ctx, tx, rec); err != nil {
			return models.Order{}, false, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Order{}, false, err
	}
	return order, true, nil
}

// Change is one atomic saga step against an order.
type Change struct {
	Consumer string
	EventID  uuid.UUID
	OrderID  uuid.UUID
	ToStatus string
	Updates  models.Updates
	Outbox   []outboxx.Record
}
