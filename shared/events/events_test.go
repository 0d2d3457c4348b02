package events

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"marketplace-order-fulfillment/shared/errx"
	"marketplace-order-fulfillment/shared/money"
)

func TestEmitFillsEnvelope(t *testing.T) {
	correlation := uuid.New()
	cause := uuid.New()

	env, err := Emit(SubjectOrderCancelled, OrderCancelled{
		OrderID:     uuid.New(),
		Reason:      "payment declined",
		CancelledAt: time.Now().UTC(),
	}, correlation, cause)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if env.EventID == uuid.Nil {
		t.Error("expected generated event id")
	}
	if env.Version != "v1" {
		t.Errorf("version = %q, want v1", env.Version)
	}
	if env.CorrelationID != correlation || env.CausationID != cause {
		t.Error("correlation/causation ids must be propagated unchanged")
	}
	if env.OccurredAt.Location() != time.UTC {
		t.Error("occurred_at must be UTC")
	}
}

func TestSerializeRoundTripAllCatalogSubjects(t *testing.T) {
	amount, _ := money.FromString("29.99", "USD")
	orderID := uuid.New()
	payloads := map[string]any{
		SubjectOrderCreated: OrderCreated{
			OrderID:    orderID,
			CustomerID: uuid.New(),
			Items: []OrderItem{
				{ProductID: "sku-1", Quantity: 3, UnitPrice: amount},
			},
			TotalAmount: amount,
		},
		SubjectOrderConfirmed:   OrderConfirmed{OrderID: orderID, PaymentID: uuid.New(), TotalAmount: amount, ConfirmedAt: time.Now().UTC()},
		SubjectOrderCancelled:   OrderCancelled{OrderID: orderID, Reason: "payment failed", CancelledAt: time.Now().UTC()},
		SubjectOrderFailed:      OrderFailed{OrderID: orderID, Reason: "insufficient stock", FailedAt: time.Now().UTC()},
		SubjectPaymentConfirmed: PaymentConfirmed{PaymentID: uuid.New(), OrderID: orderID, Amount: amount, ConfirmedAt: time.Now().UTC()},
		SubjectPaymentFailed:    PaymentFailed{OrderID: orderID, Amount: amount, Reason: "card declined", FailedAt: time.Now().UTC()},
		SubjectPaymentRefunded:  PaymentRefunded{PaymentID: uuid.New(), OrderID: orderID, Amount: amount, Reason: "cancel requested", RefundedAt: time.Now().UTC()},
		SubjectInventoryReserved: InventoryReserved{
			ReservationID: uuid.New(),
			OrderID:       orderID,
			Items:         []ReservedItem{{ProductID: "sku-1", Quantity: 3, Reserved: true}},
			ExpiresAt:     time.Now().UTC().Add(15 * time.Minute),
			ReservedAt:    time.Now().UTC(),
		},
		SubjectInventoryFailed: InventoryFailed{
			OrderID:          orderID,
			Reason:           "insufficient stock",
			UnavailableItems: []UnavailableItem{{ProductID: "sku-1", RequestedQuantity: 1000, AvailableQuantity: 50}},
			FailedAt:         time.Now().UTC(),
		},
		SubjectInventoryReleased: InventoryReleased{
			ReservationID: uuid.New(),
			OrderID:       orderID,
			Items:         []ReleasedItem{{ProductID: "sku-1", Quantity: 3}},
			Reason:        "expired",
			ReleasedAt:    time.Now().UTC(),
		},
	}
	if len(payloads) != len(CatalogSubjects()) {
		t.Fatalf("test covers %d subjects, catalog has %d", len(payloads), len(CatalogSubjects()))
	}

	correlation := uuid.New()
	for subject, payload := range payloads {
		t.Run(subject, func(t *testing.T) {
			env, err := Emit(subject, payload, correlation, uuid.New())
			if err != nil {
				t.Fatalf("emit: %v", err)
			}
			raw, err := env.Serialize()
			if err != nil {
				t.Fatalf("serialize: %v", err)
			}
			back, err := Deserialize(raw)
			if err != nil {
				t.Fatalf("deserialize: %v", err)
			}
			if back.EventID != env.EventID || back.EventType != env.EventType ||
				back.CorrelationID != env.CorrelationID || back.CausationID != env.CausationID ||
				!back.OccurredAt.Equal(env.OccurredAt) {
				t.Fatalf("envelope did not round-trip: %+v vs %+v", back, env)
			}
			if string(back.Payload) != string(env.Payload) {
				t.Fatalf("payload did not round-trip")
			}
			if _, err := Decode(back); err != nil {
				t.Fatalf("decode: %v", err)
			}
		})
	}
}

func TestDeserializeRejectsMalformed(t *testing.T) {
	if _, err := Deserialize([]byte(`{notjson`)); !errors.Is(err, errx.ErrValidation) {
		t.Fatalf("malformed json: got %v", err)
	}
	if _, err := Deserialize([]byte(`{"event_type":"order.created.v1"}`)); !errors.Is(err, errx.ErrValidation) {
		t.Fatalf("missing ids: got %v", err)
	}
}

func TestDecodeUnknownSubject(t *testing.T) {
	env, _ := Emit("order.exploded.v1", struct{}{}, uuid.New(), uuid.Nil)
	if _, err := Decode(env); !errors.Is(err, errx.ErrValidation) {
		t.Fatalf("unknown subject: got %v", err)
	}
}

func TestRetryAndDLQSubjects(t *testing.T) {
	if got := RetrySubject(SubjectOrderCreated); got != "order.created.v1.retry" {
		t.Errorf("retry subject = %q", got)
	}
	if got := DLQSubject(SubjectOrderCreated); got != "order.created.v1.dlq" {
		t.Errorf("dlq subject = %q", got)
	}
	if got := BaseSubject("order.created.v1.retry"); got != SubjectOrderCreated {
		t.Errorf("base subject = %q", got)
	}
}
