package workflow

import (
	"errors"
	"testing"
)

func TestOrderTransitions(t *testing.T) {
	m := Orders()
	allowed := [][2]string{
		{OrderStatusPending, OrderStatusConfirmed},
		{OrderStatusPending, OrderStatusCancelled},
		{OrderStatusPending, OrderStatusFailed},
		{OrderStatusConfirmed, OrderStatusShipped},
		{OrderStatusConfirmed, OrderStatusCancelled},
		{OrderStatusShipped, OrderStatusDelivered},
	}
	for _, pair := range allowed {
		if !m.CanTransition(pair[0], pair[1]) {
			t.Errorf("expected %s -> %s to be allowed", pair[0], pair[1])
		}
	}
	blocked := [][2]string{
		{OrderStatusPending, OrderStatusShipped},
		{OrderStatusPending, OrderStatusDelivered},
		{OrderStatusShipped, OrderStatusCancelled},
		{OrderStatusDelivered, OrderStatusCancelled},
		{OrderStatusCancelled, OrderStatusConfirmed},
		{OrderStatusFailed, OrderStatusPending},
	}
	for _, pair := range blocked {
		if m.CanTransition(pair[0], pair[1]) {
			t.Errorf("expected %s -> %s to be blocked", pair[0], pair[1])
		}
	}
}

func TestTransitionReturnsTypedError(t *testing.T) {
	_, err := Orders().Transition(OrderStatusDelivered, OrderStatusCancelled)
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected *InvalidTransitionError, got %v", err)
	}
	if invalid.Entity != "order" || invalid.From != OrderStatusDelivered || invalid.To != OrderStatusCancelled {
		t.Fatalf("unexpected error contents: %+v", invalid)
	}
}

func TestTransitionEventNames(t *testing.T) {
	event, err := Payments().Transition(PaymentStatusProcessing, PaymentStatusSucceeded)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if event != "payment_succeeded" {
		t.Fatalf("got event %q", event)
	}
}

func TestReservationTerminalStates(t *testing.T) {
	m := Reservations()
	if m.IsTerminal(ReservationStatusActive) {
		t.Fatal("ACTIVE must not be terminal")
	}
	for _, status := range []string{ReservationStatusConfirmed, ReservationStatusExpired, ReservationStatusReleased} {
		if !m.IsTerminal(status) {
			t.Errorf("expected %s to be terminal", status)
		}
		if m.CanTransition(status, ReservationStatusActive) {
			t.Errorf("expected %s -> ACTIVE to be blocked", status)
		}
	}
}

func TestShipmentFailureRules(t *testing.T) {
	m := Shipments()
	for _, from := range []string{ShipmentStatusPending, ShipmentStatusAssigned, ShipmentStatusInTransit} {
		if !m.CanTransition(from, ShipmentStatusFailed) {
			t.Errorf("expected %s -> FAILED to be allowed", from)
		}
	}
	if m.CanTransition(ShipmentStatusDelivered, ShipmentStatusFailed) {
		t.Error("expected DELIVERED -> FAILED to be rejected")
	}
	if m.CanTransition(ShipmentStatusFailed, ShipmentStatusFailed) {
		t.Error("expected FAILED -> FAILED to be rejected")
	}
}

func TestNormalizeStatus(t *testing.T) {
	if !Orders().CanTransition(" pending ", "confirmed") {
		t.Fatal("normalization should make lookups case-insensitive")
	}
}
