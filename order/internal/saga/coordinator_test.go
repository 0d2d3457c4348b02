package saga

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"marketplace-order-fulfillment/order/internal/models"
	"marketplace-order-fulfillment/order/internal/repos"
	"marketplace-order-fulfillment/shared/errx"
	"marketplace-order-fulfillment/shared/events"
	"marketplace-order-fulfillment/shared/logx"
	"marketplace-order-fulfillment/shared/money"
	"marketplace-order-fulfillment/shared/outboxx"
	"marketplace-order-fulfillment/shared/workflow"
)

type memStore struct {
	orders    map[uuid.UUID]models.Order
	processed map[uuid.UUID]bool
	outbox    []outboxx.Record
}

func newMemStore() *memStore {
	return &memStore{
		orders:    map[uuid.UUID]models.Order{},
		processed: map[uuid.UUID]bool{},
	}
}

func (s *memStore) GetByID(ctx context.Context, orderID uuid.UUID) (models.Order, error) {
	order, ok := s.orders[orderID]
	if !ok {
		return models.Order{}, errx.ErrNotFound
	}
	return order, nil
}

func (s *memStore) Apply(ctx context.Context, change repos.Change) (models.Order, bool, error) {
	if change.EventID != uuid.Nil && s.processed[change.EventID] {
		return s.orders[change.OrderID], false, nil
	}
	order, ok := s.orders[change.OrderID]
	if !ok {
		return models.Order{}, false, errx.ErrNotFound
	}
	if change.ToStatus != "" {
		if order.Status == change.ToStatus {
			s.processed[change.EventID] = true
			return order, false, nil
		}
		if _, err := workflow.Orders().Transition(order.Status, change.ToStatus); err != nil {
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
	s.orders[change.OrderID] = order
	if change.EventID != uuid.Nil {
		s.processed[change.EventID] = true
	}
	s.outbox = append(s.outbox, change.Outbox...)
	return order, true, nil
}

func (s *memStore) subjects() []string {
	out := make([]string, 0, len(s.outbox))
	for _, rec := range s.outbox {
		out = append(out, rec.Subject)
	}
	return out
}

func testLogger() logx.Logger {
	return logx.New("coordinator", "test", "", "error")
}

func mustDecode(t *testing.T, env events.Envelope) any {
	t.Helper()
	decoded, err := events.Decode(env)
	if err != nil {
		t.Fatalf("decode %s: %v", env.EventType, err)
	}
	return decoded
}

func seedOrder(s *memStore, status string) models.Order {
	order := models.Order{
		OrderID:       uuid.New(),
		CustomerID:    uuid.New(),
		Status:        status,
		Currency:      "USD",
		TotalAmount:   "89.97",
		CorrelationID: uuid.New(),
	}
	s.orders[order.OrderID] = order
	return order
}

func envelope(t *testing.T, subject string, payload any, correlationID uuid.UUID) events.Envelope {
	t.Helper()
	env, err := events.Emit(subject, payload, correlationID, uuid.Nil)
	if err != nil {
		t.Fatalf("emit %s: %v", subject, err)
	}
	return env
}

func usd(t *testing.T, amount string) money.Money {
	t.Helper()
	m, err := money.FromString(amount, "USD")
	if err != nil {
		t.Fatalf("money: %v", err)
	}
	return m
}

func TestHappyPathToConfirmed(t *testing.T) {
	store := newMemStore()
	c := New(store, testLogger())
	order := seedOrder(store, workflow.OrderStatusPending)
	ctx := context.Background()

	created := envelope(t, events.SubjectOrderCreated, events.OrderCreated{
		OrderID:     order.OrderID,
		CustomerID:  order.CustomerID,
		TotalAmount: usd(t, "89.97"),
	}, order.CorrelationID)
	if err := c.Handle(ctx, created); err != nil {
		t.Fatalf("order.created: %v", err)
	}

	reservationID := uuid.New()
	reserved := envelope(t, events.SubjectInventoryReserved, events.InventoryReserved{
		ReservationID: reservationID,
		OrderID:       order.OrderID,
		ExpiresAt:     time.Now().Add(15 * time.Minute),
	}, order.CorrelationID)
	if err := c.Handle(ctx, reserved); err != nil {
		t.Fatalf("inventory.reserved: %v", err)
	}

	confirmed := envelope(t, events.SubjectPaymentConfirmed, events.PaymentConfirmed{
		PaymentID:     uuid.New(),
		OrderID:       order.OrderID,
		CustomerID:    order.CustomerID,
		Amount:        usd(t, "89.97"),
		TransactionID: "tx-1",
	}, order.CorrelationID)
	if err := c.Handle(ctx, confirmed); err != nil {
		t.Fatalf("payment.confirmed: %v", err)
	}

	got := store.orders[order.OrderID]
	if got.Status != workflow.OrderStatusConfirmed {
		t.Fatalf("expected CONFIRMED, got %s", got.Status)
	}
	if got.ReservationID == nil || *got.ReservationID != reservationID {
		t.Fatalf("reservation not recorded: %+v", got)
	}
	if got.PaymentTxID == nil || *got.PaymentTxID != "tx-1" {
		t.Fatalf("payment tx not recorded: %+v", got)
	}

	want := []string{
		events.SubjectReserveInventory,
		events.SubjectChargePayment,
		events.SubjectOrderConfirmed,
		events.SubjectConfirmReservation,
	}
	got2 := store.subjects()
	if len(got2) != len(want) {
		t.Fatalf("expected %v, got %v", want, got2)
	}
	for i := range want {
		if got2[i] != want[i] {
			t.Fatalf("step %d: expected %s, got %s", i, want[i], got2[i])
		}
	}
}

func TestInventoryFailureFailsOrder(t *testing.T) {
	store := newMemStore()
	c := New(store, testLogger())
	order := seedOrder(store, workflow.OrderStatusPending)

	failed := envelope(t, events.SubjectInventoryFailed, events.InventoryFailed{
		OrderID: order.OrderID,
		Reason:  "insufficient_stock",
	}, order.CorrelationID)
	if err := c.Handle(context.Background(), failed); err != nil {
		t.Fatalf("inventory.failed: %v", err)
	}

	got := store.orders[order.OrderID]
	if got.Status != workflow.OrderStatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if len(store.outbox) != 1 || store.outbox[0].Subject != events.SubjectOrderFailed {
		t.Fatalf("expected order.failed event, got %v", store.subjects())
	}
}

func TestPaymentFailureCancelsAfterRelease(t *testing.T) {
	store := newMemStore()
	c := New(store, testLogger())
	order := seedOrder(store, workflow.OrderStatusPending)
	reservationID := uuid.New()
	order.ReservationID = &reservationID
	store.orders[order.OrderID] = order
	ctx := context.Background()

	failed := envelope(t, events.SubjectPaymentFailed, events.PaymentFailed{
		OrderID:    order.OrderID,
		CustomerID: order.CustomerID,
		Amount:     usd(t, "89.97"),
		Reason:     "card_declined",
	}, order.CorrelationID)
	if err := c.Handle(ctx, failed); err != nil {
		t.Fatalf("payment.failed: %v", err)
	}

	got := store.orders[order.OrderID]
	if got.Status != workflow.OrderStatusPending {
		t.Fatalf("order must stay PENDING until the release lands, got %s", got.Status)
	}
	subjects := store.subjects()
	if len(subjects) != 1 || subjects[0] != events.SubjectReleaseInventory {
		t.Fatalf("expected release command only, got %v", subjects)
	}
	relEnv, err := events.Deserialize(store.outbox[0].Payload)
	if err != nil {
		t.Fatalf("deserialize release: %v", err)
	}
	if rel, ok := mustDecode(t, relEnv).(*events.ReleaseInventory); !ok || rel.Reason != "payment_failed" {
		t.Fatalf("expected payment_failed release reason, got %#v", mustDecode(t, relEnv))
	}

	released := envelope(t, events.SubjectInventoryReleased, events.InventoryReleased{
		ReservationID: reservationID,
		OrderID:       order.OrderID,
		Reason:        "payment_failed",
	}, order.CorrelationID)
	if err := c.Handle(ctx, released); err != nil {
		t.Fatalf("inventory.released: %v", err)
	}

	got = store.orders[order.OrderID]
	if got.Status != workflow.OrderStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
	if got.FailureReason == nil || !strings.Contains(*got.FailureReason, "payment") {
		t.Fatalf("expected reason containing payment, got %+v", got.FailureReason)
	}
	subjects = store.subjects()
	if len(subjects) != 2 || subjects[1] != events.SubjectOrderCancelled {
		t.Fatalf("expected release then order.cancelled, got %v", subjects)
	}
}

func TestExpiredReservationCancelsPendingOrder(t *testing.T) {
	store := newMemStore()
	c := New(store, testLogger())
	order := seedOrder(store, workflow.OrderStatusPending)

	released := envelope(t, events.SubjectInventoryReleased, events.InventoryReleased{
		ReservationID: uuid.New(),
		OrderID:       order.OrderID,
		Reason:        "expired",
	}, order.CorrelationID)
	if err := c.Handle(context.Background(), released); err != nil {
		t.Fatalf("inventory.released: %v", err)
	}

	got := store.orders[order.OrderID]
	if got.Status != workflow.OrderStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
	if got.FailureReason == nil || *got.FailureReason != "reservation_expired" {
		t.Fatalf("expected reservation_expired reason, got %+v", got.FailureReason)
	}
	if subjects := store.subjects(); len(subjects) != 1 || subjects[0] != events.SubjectOrderCancelled {
		t.Fatalf("expected order.cancelled, got %v", subjects)
	}
}

func TestExpiredReleaseDoesNotTouchConfirmedOrder(t *testing.T) {
	store := newMemStore()
	c := New(store, testLogger())
	order := seedOrder(store, workflow.OrderStatusConfirmed)

	released := envelope(t, events.SubjectInventoryReleased, events.InventoryReleased{
		ReservationID: uuid.New(),
		OrderID:       order.OrderID,
		Reason:        "expired",
	}, order.CorrelationID)
	if err := c.Handle(context.Background(), released); err != nil {
		t.Fatalf("inventory.released: %v", err)
	}
	if store.orders[order.OrderID].Status != workflow.OrderStatusConfirmed {
		t.Fatal("confirmed order must not be cancelled by a late expiry")
	}
	if len(store.outbox) != 0 {
		t.Fatalf("expected no events, got %v", store.subjects())
	}
}

func TestDuplicateEventIsAbsorbed(t *testing.T) {
	store := newMemStore()
	c := New(store, testLogger())
	order := seedOrder(store, workflow.OrderStatusPending)

	created := envelope(t, events.SubjectOrderCreated, events.OrderCreated{
		OrderID:    order.OrderID,
		CustomerID: order.CustomerID,
	}, order.CorrelationID)
	for i := 0; i < 3; i++ {
		if err := c.Handle(context.Background(), created); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}
	if len(store.outbox) != 1 {
		t.Fatalf("expected one reserve command, got %v", store.subjects())
	}
}

func TestStaleEventAfterTerminalIsDropped(t *testing.T) {
	store := newMemStore()
	c := New(store, testLogger())
	order := seedOrder(store, workflow.OrderStatusCancelled)

	confirmed := envelope(t, events.SubjectPaymentConfirmed, events.PaymentConfirmed{
		PaymentID:  uuid.New(),
		OrderID:    order.OrderID,
		CustomerID: order.CustomerID,
		Amount:     usd(t, "89.97"),
	}, order.CorrelationID)
	if err := c.Handle(context.Background(), confirmed); err != nil {
		t.Fatalf("stale event must be dropped, got %v", err)
	}
	if store.orders[order.OrderID].Status != workflow.OrderStatusCancelled {
		t.Fatal("terminal order must not move")
	}
}

func TestCancelPendingReleasesReservation(t *testing.T) {
	store := newMemStore()
	c := New(store, testLogger())
	order := seedOrder(store, workflow.OrderStatusPending)
	reservationID := uuid.New()
	order.ReservationID = &reservationID
	store.orders[order.OrderID] = order

	err := c.Cancel(context.Background(), order.OrderID, "customer_request", uuid.New(), order.CorrelationID, uuid.Nil)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got := store.orders[order.OrderID]
	if got.Status != workflow.OrderStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
	subjects := store.subjects()
	if len(subjects) != 2 || subjects[0] != events.SubjectOrderCancelled || subjects[1] != events.SubjectReleaseInventory {
		t.Fatalf("expected cancel + release, got %v", subjects)
	}
}

func TestCancelConfirmedRefundsPayment(t *testing.T) {
	store := newMemStore()
	c := New(store, testLogger())
	order := seedOrder(store, workflow.OrderStatusConfirmed)
	txID := "tx-9"
	order.PaymentTxID = &txID
	store.orders[order.OrderID] = order

	err := c.Cancel(context.Background(), order.OrderID, "changed_mind", uuid.New(), order.CorrelationID, uuid.Nil)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}

	subjects := store.subjects()
	if len(subjects) != 2 || subjects[0] != events.SubjectOrderCancelled || subjects[1] != events.SubjectRefundPayment {
		t.Fatalf("expected cancel + refund, got %v", subjects)
	}
}

func TestCancelShippedIsRejected(t *testing.T) {
	store := newMemStore()
	c := New(store, testLogger())
	order := seedOrder(store, workflow.OrderStatusShipped)

	err := c.Cancel(context.Background(), order.OrderID, "too_late", uuid.New(), order.CorrelationID, uuid.Nil)
	if err == nil {
		t.Fatal("expected business rule error")
	}
	if errx.Retryable(err) {
		t.Fatalf("cancel rejection must not be retryable: %v", err)
	}
	if store.orders[order.OrderID].Status != workflow.OrderStatusShipped {
		t.Fatal("shipped order must not move")
	}
}

func TestShipmentEventsAdvanceOrder(t *testing.T) {
	store := newMemStore()
	c := New(store, testLogger())
	order := seedOrder(store, workflow.OrderStatusConfirmed)
	ctx := context.Background()

	created := envelope(t, events.SubjectShipmentCreated, events.ShipmentCreated{
		ShipmentID: uuid.New(),
		OrderID:    order.OrderID,
	}, order.CorrelationID)
	if err := c.Handle(ctx, created); err != nil {
		t.Fatalf("shipment.created: %v", err)
	}
	if store.orders[order.OrderID].Status != workflow.OrderStatusConfirmed {
		t.Fatalf("a booked shipment must keep the order cancellable, got %s", store.orders[order.OrderID].Status)
	}

	inTransit := envelope(t, events.SubjectShipmentInTransit, events.ShipmentInTransit{
		ShipmentID: uuid.New(),
		OrderID:    order.OrderID,
	}, order.CorrelationID)
	if err := c.Handle(ctx, inTransit); err != nil {
		t.Fatalf("shipment.in_transit: %v", err)
	}
	if store.orders[order.OrderID].Status != workflow.OrderStatusShipped {
		t.Fatalf("expected SHIPPED, got %s", store.orders[order.OrderID].Status)
	}

	delivered := envelope(t, events.SubjectShipmentDelivered, events.ShipmentDelivered{
		ShipmentID: uuid.New(),
		OrderID:    order.OrderID,
	}, order.CorrelationID)
	if err := c.Handle(ctx, delivered); err != nil {
		t.Fatalf("shipment.delivered: %v", err)
	}
	if store.orders[order.OrderID].Status != workflow.OrderStatusDelivered {
		t.Fatalf("expected DELIVERED, got %s", store.orders[order.OrderID].Status)
	}
}

func TestCancelDeliveredIsInvalidTransition(t *testing.T) {
	store := newMemStore()
	c := New(store, testLogger())
	order := seedOrder(store, workflow.OrderStatusDelivered)

	err := c.Cancel(context.Background(), order.OrderID, "too_late", uuid.New(), order.CorrelationID, uuid.Nil)
	var invalid *workflow.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if invalid.From != workflow.OrderStatusDelivered || invalid.To != workflow.OrderStatusCancelled {
		t.Fatalf("unexpected transition in error: %+v", invalid)
	}
	if errx.Retryable(err) {
		t.Fatalf("invalid transition must not be retryable: %v", err)
	}
}
