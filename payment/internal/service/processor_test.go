package service

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"marketplace-order-fulfillment/payment/internal/models"
	"marketplace-order-fulfillment/shared/clients/psp"
	"marketplace-order-fulfillment/shared/errx"
	"marketplace-order-fulfillment/shared/events"
	"marketplace-order-fulfillment/shared/logx"
	"marketplace-order-fulfillment/shared/money"
	"marketplace-order-fulfillment/shared/outboxx"
	"marketplace-order-fulfillment/shared/workflow"
)

type memStore struct {
	byOrder map[uuid.UUID]*models.Payment
	outbox  []outboxx.Record
}

func newMemStore() *memStore {
	return &memStore{byOrder: map[uuid.UUID]*models.Payment{}}
}

func (s *memStore) Begin(_ context.Context, p models.Payment) (models.Payment, bool, error) {
	if existing, ok := s.byOrder[p.OrderID]; ok {
		return *existing, false, nil
	}
	p.PaymentID = uuid.New()
	p.Status = workflow.PaymentStatusProcessing
	s.byOrder[p.OrderID] = &p
	return p, true, nil
}

func (s *memStore) GetByOrder(_ context.Context, orderID uuid.UUID) (models.Payment, error) {
	p, ok := s.byOrder[orderID]
	if !ok {
		return models.Payment{}, errx.ErrNotFound
	}
	return *p, nil
}

func (s *memStore) Settle(_ context.Context, paymentID uuid.UUID, toStatus string, updates models.Payment, outbox []outboxx.Record) (models.Payment, bool, error) {
	for _, p := range s.byOrder {
		if p.PaymentID != paymentID {
			continue
		}
		if p.Status == toStatus {
			return *p, false, nil
		}
		if _, err := workflow.Payments().Transition(p.Status, toStatus); err != nil {
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
		s.outbox = append(s.outbox, outbox...)
		return *p, true, nil
	}
	return models.Payment{}, false, errx.ErrNotFound
}

type fakePSP struct {
	chargeErr error
	charges   int
	refunds   int
}

func (f *fakePSP) Charge(_ context.Context, req psp.ChargeRequest) (psp.ChargeResponse, error) {
	f.charges++
	if f.chargeErr != nil {
		return psp.ChargeResponse{}, f.chargeErr
	}
	return psp.ChargeResponse{TransactionID: "tx-" + req.IdempotencyKey[:8], Status: "succeeded"}, nil
}

func (f *fakePSP) Refund(_ context.Context, req psp.RefundRequest) (psp.RefundResponse, error) {
	f.refunds++
	return psp.RefundResponse{RefundID: "rf-" + req.IdempotencyKey[:8], Status: "succeeded"}, nil
}

func usd(t *testing.T, amount string) money.Money {
	t.Helper()
	m, err := money.FromString(amount, "USD")
	if err != nil {
		t.Fatalf("money: %v", err)
	}
	return m
}

func chargeCmd(t *testing.T, orderID uuid.UUID, amount money.Money) events.Envelope {
	t.Helper()
	env, err := events.Emit(events.SubjectChargePayment, events.ChargePayment{
		OrderID:    orderID,
		CustomerID: uuid.New(),
		Amount:     amount,
	}, uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	return env
}

func refundCmd(t *testing.T, orderID uuid.UUID) events.Envelope {
	t.Helper()
	env, err := events.Emit(events.SubjectRefundPayment, events.RefundPayment{
		OrderID: orderID,
		Reason:  "order_cancelled",
	}, uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	return env
}

func subjects(recs []outboxx.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Subject)
	}
	return out
}

func TestChargeSucceeds(t *testing.T) {
	store := newMemStore()
	provider := &fakePSP{}
	proc := New(store, provider, logx.New("payment-test", "test", "dev", "error"))
	orderID := uuid.New()

	if err := proc.Handle(context.Background(), chargeCmd(t, orderID, usd(t, "59.90"))); err != nil {
		t.Fatalf("handle: %v", err)
	}
	payment, err := store.GetByOrder(context.Background(), orderID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if payment.Status != workflow.PaymentStatusSucceeded {
		t.Fatalf("status = %s, want SUCCEEDED", payment.Status)
	}
	if payment.TransactionID == nil {
		t.Fatal("expected provider transaction id recorded")
	}
	got := subjects(store.outbox)
	if len(got) != 1 || got[0] != events.SubjectPaymentConfirmed {
		t.Fatalf("outbox = %v, want [%s]", got, events.SubjectPaymentConfirmed)
	}
}

func TestChargeDeclinedSettlesFailed(t *testing.T) {
	store := newMemStore()
	provider := &fakePSP{chargeErr: errx.BusinessRule("charge declined: insufficient_funds")}
	proc := New(store, provider, logx.New("payment-test", "test", "dev", "error"))
	orderID := uuid.New()

	if err := proc.Handle(context.Background(), chargeCmd(t, orderID, usd(t, "12.00"))); err != nil {
		t.Fatalf("declined charge should settle, got %v", err)
	}
	payment, _ := store.GetByOrder(context.Background(), orderID)
	if payment.Status != workflow.PaymentStatusFailed {
		t.Fatalf("status = %s, want FAILED", payment.Status)
	}
	if payment.FailureReason == nil {
		t.Fatal("expected failure reason recorded")
	}
	got := subjects(store.outbox)
	if len(got) != 1 || got[0] != events.SubjectPaymentFailed {
		t.Fatalf("outbox = %v, want [%s]", got, events.SubjectPaymentFailed)
	}
}

func TestChargeTransientErrorRetries(t *testing.T) {
	store := newMemStore()
	provider := &fakePSP{chargeErr: errx.Transient(errors.New("provider timeout"))}
	proc := New(store, provider, logx.New("payment-test", "test", "dev", "error"))
	orderID := uuid.New()
	env := chargeCmd(t, orderID, usd(t, "12.00"))

	err := proc.Handle(context.Background(), env)
	if err == nil {
		t.Fatal("expected error for transient provider failure")
	}
	if !errx.Retryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}

	// redelivery after the provider recovers settles the same payment row
	provider.chargeErr = nil
	if err := proc.Handle(context.Background(), env); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	payment, _ := store.GetByOrder(context.Background(), orderID)
	if payment.Status != workflow.PaymentStatusSucceeded {
		t.Fatalf("status = %s, want SUCCEEDED", payment.Status)
	}
	if len(store.byOrder) != 1 {
		t.Fatalf("payments = %d, want 1", len(store.byOrder))
	}
}

func TestChargeRedeliveryAfterSettleIsAbsorbed(t *testing.T) {
	store := newMemStore()
	provider := &fakePSP{}
	proc := New(store, provider, logx.New("payment-test", "test", "dev", "error"))
	orderID := uuid.New()
	env := chargeCmd(t, orderID, usd(t, "30.00"))

	for i := 0; i < 3; i++ {
		if err := proc.Handle(context.Background(), env); err != nil {
			t.Fatalf("delivery %d: %v", i+1, err)
		}
	}
	if provider.charges != 1 {
		t.Fatalf("provider charges = %d, want 1", provider.charges)
	}
	if got := subjects(store.outbox); len(got) != 1 {
		t.Fatalf("outbox = %v, want one confirmation", got)
	}
}

func TestRefundSettledPayment(t *testing.T) {
	store := newMemStore()
	provider := &fakePSP{}
	proc := New(store, provider, logx.New("payment-test", "test", "dev", "error"))
	orderID := uuid.New()

	if err := proc.Handle(context.Background(), chargeCmd(t, orderID, usd(t, "80.00"))); err != nil {
		t.Fatalf("charge: %v", err)
	}
	if err := proc.Handle(context.Background(), refundCmd(t, orderID)); err != nil {
		t.Fatalf("refund: %v", err)
	}
	payment, _ := store.GetByOrder(context.Background(), orderID)
	if payment.Status != workflow.PaymentStatusRefunded {
		t.Fatalf("status = %s, want REFUNDED", payment.Status)
	}
	if payment.RefundID == nil {
		t.Fatal("expected refund id recorded")
	}
	got := subjects(store.outbox)
	want := []string{events.SubjectPaymentConfirmed, events.SubjectPaymentRefunded}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("outbox = %v, want %v", got, want)
	}
}

func TestRefundRedeliveryIsAbsorbed(t *testing.T) {
	store := newMemStore()
	provider := &fakePSP{}
	proc := New(store, provider, logx.New("payment-test", "test", "dev", "error"))
	orderID := uuid.New()

	if err := proc.Handle(context.Background(), chargeCmd(t, orderID, usd(t, "80.00"))); err != nil {
		t.Fatalf("charge: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := proc.Handle(context.Background(), refundCmd(t, orderID)); err != nil {
			t.Fatalf("refund delivery %d: %v", i+1, err)
		}
	}
	if provider.refunds != 1 {
		t.Fatalf("provider refunds = %d, want 1", provider.refunds)
	}
}

func TestRefundOfFailedPaymentIsSkipped(t *testing.T) {
	store := newMemStore()
	provider := &fakePSP{chargeErr: errx.BusinessRule("charge declined: insufficient_funds")}
	proc := New(store, provider, logx.New("payment-test", "test", "dev", "error"))
	orderID := uuid.New()

	if err := proc.Handle(context.Background(), chargeCmd(t, orderID, usd(t, "10.00"))); err != nil {
		t.Fatalf("charge: %v", err)
	}
	if err := proc.Handle(context.Background(), refundCmd(t, orderID)); err != nil {
		t.Fatalf("refund of failed payment should be a no-op, got %v", err)
	}
	if provider.refunds != 0 {
		t.Fatalf("provider refunds = %d, want 0", provider.refunds)
	}
}
