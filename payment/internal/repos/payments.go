package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketplace-order-fulfillment/payment/internal/models"
	"marketplace-order-fulfillment/shared/errx"
	"marketplace-order-fulfillment/shared/outboxx"
	"marketplace-order-fulfillment/shared/workflow"
)

type PaymentsRepo struct {
	pool   *pgxpool.Pool
	outbox *outboxx.Repo
}

func NewPaymentsRepo(pool *pgxpool.Pool) *PaymentsRepo {
	return &PaymentsRepo{pool: pool, outbox: outboxx.NewRepo(pool)}
}

// Begin opens the payment row for an order, or returns the existing one when
// the charge command is redelivered. One payment per order, enforced by the
// order_id unique constraint.
func (r *PaymentsRepo) Begin(ctx context.Context, payment models.Payment) (models.Payment, bool, error) {
	if payment.PaymentID == uuid.Nil {
		payment.PaymentID = uuid.New()
	}
	now := time.Now().UTC()
	payment.Status = workflow.PaymentStatusProcessing
	payment.CreatedAt = now
	payment.UpdatedAt = now

	ct, err := r.pool.Exec(ctx, `
		INSERT INTO payments (payment_id, order_id, customer_id, status, currency, amount, correlation_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (order_id) DO NOTHING
	`, payment.PaymentID, payment.OrderID, payment.CustomerID, payment.Status, payment.Currency, payment.Amount, payment.CorrelationID, payment.CreatedAt, payment.UpdatedAt)
	if err != nil {
		return models.Payment{}, false, err
	}
	if ct.RowsAffected() == 0 {
		existing, getErr := r.GetByOrder(ctx, payment.OrderID)
		return existing, false, getErr
	}
	return payment, true, nil
}

func (r *PaymentsRepo) GetByOrder(ctx context.Context, orderID uuid.UUID) (models.Payment, error) {
	var p models.Payment
	err := r.pool.QueryRow(ctx, `
		SELECT payment_id, order_id, customer_id, status, currency, amount, transaction_id, refund_id, failure_reason, correlation_id, created_at, updated_at
		FROM payments
		WHERE order_id = $1
	`, orderID).Scan(&p.PaymentID, &p.OrderID, &p.CustomerID, &p.Status, &p.Currency, &p.Amount, &p.TransactionID, &p.RefundID, &p.FailureReason, &p.CorrelationID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Payment{}, errx.ErrNotFound
		}
		return models.Payment{}, err
	}
	return p, nil
}

// Settle moves the payment machine and writes the outcome event in the same
// transaction. A payment already in the target status commits as a no-op.
func (r *PaymentsRepo) Settle(ctx context.Context, paymentID uuid.UUID, toStatus string, updates models.Payment, outbox []outboxx.Record) (models.Payment, bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Payment{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var p models.Payment
	err = tx.QueryRow(ctx, `
		SELECT payment_id, order_id, customer_id, status, currency, amount, transaction_id, refund_id, failure_reason, correlation_id, created_at, updated_at
		FROM payments
		WHERE payment_id = $1
		FOR UPDATE
	`, paymentID).Scan(&p.PaymentID, &p.OrderID, &p.CustomerID, &p.Status, &p.Currency, &p.Amount, &p.TransactionID, &p.RefundID, &p.FailureReason, &p.CorrelationID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = errx.ErrNotFound
		}
		return models.Payment{}, false, err
	}
	if p.Status == toStatus {
		err = tx.Commit(ctx)
		return p, false, err
	}
	if _, err = workflow.Payments().Transition(p.Status, toStatus); err != nil {
		return models.Payment{}, false, err
	}

	p.Status = toStatus
	if updates.TransactionID != nil {
		p.TransactionID = updates.TransactionID
	}
	if updates.RefundID != nil {
		p.RefundID = updates.RefundID
	}
	if updates.FailureReason != nil {
		p.FailureReason = updates.FailureReason
	}
	p.UpdatedAt = time.Now().UTC()

	_, err = tx.Exec(ctx, `
		UPDATE payments
		SET status = $2, transaction_id = $3, refund_id = $4, failure_reason = $5, updated_at = $6
		WHERE payment_id = $1
	`, p.PaymentID, p.Status, p.TransactionID, p.RefundID, p.FailureReason, p.UpdatedAt)
	if err != nil {
		return models.Payment{}, false, err
	}
	for _, rec := range outbox {
		if _, err = r.outbox.Insert(ctx, tx, rec); err != nil {
			return models.Payment{}, false, err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Payment{}, false, err
	}
	return p, true, nil
}
