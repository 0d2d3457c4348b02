// Package service charges and refunds orders against the payment provider
// and reports outcomes back to the saga.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"marketplace-order-fulfillment/payment/internal/models"
	"marketplace-order-fulfillment/shared/clients/psp"
	"marketplace-order-fulfillment/shared/errx"
	"marketplace-order-fulfillment/shared/events"
	"marketplace-order-fulfillment/shared/logx"
	"marketplace-order-fulfillment/shared/metricsx"
	"marketplace-order-fulfillment/shared/money"
	"marketplace-order-fulfillment/shared/outboxx"
	"marketplace-order-fulfillment/shared/workflow"
)

type Store interface {
	Begin(ctx context.Context, payment models.Payment) (models.Payment, bool, error)
	GetByOrder(ctx context.Context, orderID uuid.UUID) (models.Payment, error)
	Settle(ctx context.Context, paymentID uuid.UUID, toStatus string, updates models.Payment, outbox []outboxx.Record) (models.Payment, bool, error)
}

type Provider interface {
	Charge(ctx context.Context, req psp.ChargeRequest) (psp.ChargeResponse, error)
	Refund(ctx context.Context, req psp.RefundRequest) (psp.RefundResponse, error)
}

type Processor struct {
	store    Store
	provider Provider
	log      logx.Logger
}

func New(store Store, provider Provider, log logx.Logger) *Processor {
	return &Processor{store: store, provider: provider, log: log}
}

func (p *Processor) Handle(ctx context.Context, env events.Envelope) error {
	decoded, err := events.Decode(env)
	if err != nil {
		return err
	}
	switch payload := decoded.(type) {
	case *events.ChargePayment:
		return p.charge(ctx, env, payload)
	case *events.RefundPayment:
		return p.refund(ctx, env, payload)
	default:
		return errx.Validation("subject %s is not routed to payments", env.EventType)
	}
}

// charge is safe to redeliver: the payment row is unique per order and the
// provider call carries the order id as idempotency key, so a crash between
// the provider call and the settle cannot double-charge.
func (p *Processor) charge(ctx context.Context, env events.Envelope, cmd *events.ChargePayment) error {
	payment, created, err := p.store.Begin(ctx, models.Payment{
		OrderID:       cmd.OrderID,
		CustomerID:    cmd.CustomerID,
		Currency:      cmd.Amount.Currency(),
		Amount:        cmd.Amount.Amount().StringFixed(2),
		CorrelationID: env.CorrelationID,
	})
	if err != nil {
		return errx.Transient(err)
	}
	if !created && payment.Status != workflow.PaymentStatusProcessing {
		// already settled on a previous delivery
		metricsx.IncEventConsumed(env.EventType, "duplicate")
		return nil
	}

	resp, err := p.provider.Charge(ctx, psp.ChargeRequest{
		OrderID:        cmd.OrderID,
		Amount:         payment.Amount,
		Currency:       payment.Currency,
		IdempotencyKey: cmd.OrderID.String(),
	})
	if err != nil {
		if errors.Is(err, errx.ErrBusinessRule) {
			return p.declined(ctx, env, payment, cmd, err)
		}
		return err
	}

	txID := resp.TransactionID
	rec, err := record(events.SubjectPaymentConfirmed, events.PaymentConfirmed{
		PaymentID:     payment.PaymentID,
		OrderID:       cmd.OrderID,
		CustomerID:    cmd.CustomerID,
		Amount:        cmd.Amount,
		TransactionID: txID,
		ConfirmedAt:   time.Now().UTC(),
	}, cmd.OrderID, env)
	if err != nil {
		return err
	}
	_, changed, err := p.store.Settle(ctx, payment.PaymentID, workflow.PaymentStatusSucceeded,
		models.Payment{TransactionID: &txID}, []outboxx.Record{rec})
	if err != nil {
		return settleErr(err)
	}
	p.log.Info(ctx, "payment_succeeded", "charge settled",
		logx.OrderID(cmd.OrderID.String()),
		logx.Correlation(env.CorrelationID.String()),
		slog.String("transaction_id", txID),
	)
	metricsx.IncEventConsumed(env.EventType, outcomeOf(changed))
	return nil
}

func (p *Processor) declined(ctx context.Context, env events.Envelope, payment models.Payment, cmd *events.ChargePayment, cause error) error {
	reason := cause.Error()
	rec, err := record(events.SubjectPaymentFailed, events.PaymentFailed{
		OrderID:    cmd.OrderID,
		CustomerID: cmd.CustomerID,
		Amount:     cmd.Amount,
		Reason:     "card_declined",
		FailedAt:   time.Now().UTC(),
	}, cmd.OrderID, env)
	if err != nil {
		return err
	}
	_, _, err = p.store.Settle(ctx, payment.PaymentID, workflow.PaymentStatusFailed,
		models.Payment{FailureReason: &reason}, []outboxx.Record{rec})
	if err != nil {
		return settleErr(err)
	}
	p.log.Warn(ctx, "payment_declined", "charge declined",
		logx.OrderID(cmd.OrderID.String()),
		logx.Correlation(env.CorrelationID.String()),
		slog.String("reason", reason),
	)
	metricsx.IncEventConsumed(env.EventType, "rejected")
	return nil
}

// refund compensates a settled charge. Only SUCCEEDED payments move; a
// redelivered refund command finds REFUNDED and commits nothing.
func (p *Processor) refund(ctx context.Context, env events.Envelope, cmd *events.RefundPayment) error {
	payment, err := p.store.GetByOrder(ctx, cmd.OrderID)
	if err != nil {
		if errors.Is(err, errx.ErrNotFound) {
			return errx.Validation("no payment for order %s", cmd.OrderID)
		}
		return errx.Transient(err)
	}
	if payment.Status == workflow.PaymentStatusRefunded {
		metricsx.IncEventConsumed(env.EventType, "duplicate")
		return nil
	}
	if payment.Status != workflow.PaymentStatusSucceeded {
		p.log.Warn(ctx, "refund_skipped", "refund requested for unsettled payment",
			logx.OrderID(cmd.OrderID.String()),
			slog.String("status", payment.Status),
		)
		return nil
	}
	if payment.TransactionID == nil {
		return errx.Validation("payment %s has no provider transaction", payment.PaymentID)
	}

	resp, err := p.provider.Refund(ctx, psp.RefundRequest{
		TransactionID:  *payment.TransactionID,
		Amount:         payment.Amount,
		Currency:       payment.Currency,
		IdempotencyKey: payment.PaymentID.String(),
	})
	if err != nil {
		return err
	}

	amount, err := money.FromString(payment.Amount, payment.Currency)
	if err != nil {
		return errx.Validation("payment %s has malformed amount: %v", payment.PaymentID, err)
	}
	refundID := resp.RefundID
	rec, err := record(events.SubjectPaymentRefunded, events.PaymentRefunded{
		PaymentID:  payment.PaymentID,
		OrderID:    cmd.OrderID,
		Amount:     amount,
		Reason:     cmd.Reason,
		RefundedAt: time.Now().UTC(),
	}, cmd.OrderID, env)
	if err != nil {
		return err
	}
	_, changed, err := p.store.Settle(ctx, payment.PaymentID, workflow.PaymentStatusRefunded,
		models.Payment{RefundID: &refundID}, []outboxx.Record{rec})
	if err != nil {
		return settleErr(err)
	}
	p.log.Info(ctx, "payment_refunded", "refund settled",
		logx.OrderID(cmd.OrderID.String()),
		logx.Correlation(env.CorrelationID.String()),
		slog.String("refund_id", refundID),
	)
	metricsx.IncEventConsumed(env.EventType, outcomeOf(changed))
	metricsx.IncCompensation("payment_refund")
	return nil
}

// settleErr keeps illegal settlement transitions out of the retry lane.
func settleErr(err error) error {
	var invalid *workflow.InvalidTransitionError
	if errors.As(err, &invalid) {
		return err
	}
	return errx.Transient(err)
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
		AggregateType: "payment",
		AggregateID:   aggregateID,
		Subject:       subject,
		Payload:       raw,
	}, nil
}
