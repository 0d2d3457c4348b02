// Package workflow holds the transition tables for every aggregate in the
// fulfillment saga. Machines are pure lookups; persistence and event emission
// happen in the owning service's repository.
package workflow

import (
	"fmt"
	"strings"
)

const (
	OrderStatusPending   = "PENDING"
	OrderStatusConfirmed = "CONFIRMED"
	OrderStatusShipped   = "SHIPPED"
	OrderStatusDelivered = "DELIVERED"
	OrderStatusCancelled = "CANCELLED"
	OrderStatusFailed    = "FAILED"
)

const (
	PaymentStatusPending    = "PENDING"
	PaymentStatusProcessing = "PROCESSING"
	PaymentStatusSucceeded  = "SUCCEEDED"
	PaymentStatusFailed     = "FAILED"
	PaymentStatusRefunded   = "REFUNDED"
)

const (
	ReservationStatusActive    = "ACTIVE"
	ReservationStatusConfirmed = "CONFIRMED"
	ReservationStatusExpired   = "EXPIRED"
	ReservationStatusReleased  = "RELEASED"
)

const (
	ShipmentStatusPending   = "PENDING"
	ShipmentStatusAssigned  = "ASSIGNED"
	ShipmentStatusInTransit = "IN_TRANSIT"
	ShipmentStatusDelivered = "DELIVERED"
	ShipmentStatusFailed    = "FAILED"
)

// InvalidTransitionError identifies an attempted illegal move on an
// aggregate. It is always rejected and never retried.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition: %s -> %s", e.Entity, e.From, e.To)
}

// Machine is a table-driven state machine. New states are added by extending
// the table, never by touching call sites.
type Machine struct {
	entity      string
	transitions map[string]map[string]string
}

func NormalizeStatus(status string) string {
	return strings.ToUpper(strings.TrimSpace(status))
}

func (m Machine) Entity() string { return m.entity }

func (m Machine) CanTransition(from string, to string) bool {
	next := m.transitions[NormalizeStatus(from)]
	if next == nil {
		return false
	}
	_, ok := next[NormalizeStatus(to)]
	return ok
}

// Transition returns the event name bound to the move, or an
// *InvalidTransitionError when the table does not allow it.
func (m Machine) Transition(from string, to string) (string, error) {
	from = NormalizeStatus(from)
	to = NormalizeStatus(to)
	if next := m.transitions[from]; next != nil {
		if event, ok := next[to]; ok {
			return event, nil
		}
	}
	return "", &InvalidTransitionError{Entity: m.entity, From: from, To: to}
}

// IsTerminal reports whether no transition leaves the given status.
func (m Machine) IsTerminal(status string) bool {
	return len(m.transitions[NormalizeStatus(status)]) == 0
}

var orderMachine = Machine{
	entity: "order",
	transitions: map[string]map[string]string{
		OrderStatusPending: {
			OrderStatusConfirmed: "order_confirmed",
			OrderStatusCancelled: "order_cancelled",
			OrderStatusFailed:    "order_failed",
		},
		OrderStatusConfirmed: {
			OrderStatusShipped:   "order_shipped",
			OrderStatusCancelled: "order_cancelled",
		},
		OrderStatusShipped: {
			OrderStatusDelivered: "order_delivered",
		},
		OrderStatusDelivered: {},
		OrderStatusCancelled: {},
		OrderStatusFailed:    {},
	},
}

var paymentMachine = Machine{
	entity: "payment",
	transitions: map[string]map[string]string{
		PaymentStatusPending: {
			PaymentStatusProcessing: "payment_processing",
			PaymentStatusFailed:     "payment_failed",
		},
		PaymentStatusProcessing: {
			PaymentStatusSucceeded: "payment_succeeded",
			PaymentStatusFailed:    "payment_failed",
		},
		PaymentStatusSucceeded: {
			PaymentStatusRefunded: "payment_refunded",
		},
		PaymentStatusFailed:   {},
		PaymentStatusRefunded: {},
	},
}

var reservationMachine = Machine{
	entity: "reservation",
	transitions: map[string]map[string]string{
		ReservationStatusActive: {
			ReservationStatusConfirmed: "reservation_confirmed",
			ReservationStatusExpired:   "reservation_expired",
			ReservationStatusReleased:  "reservation_released",
		},
		ReservationStatusConfirmed: {},
		ReservationStatusExpired:   {},
		ReservationStatusReleased:  {},
	},
}

var shipmentMachine = Machine{
	entity: "shipment",
	transitions: map[string]map[string]string{
		ShipmentStatusPending: {
			ShipmentStatusAssigned: "shipment_assigned",
			ShipmentStatusFailed:   "shipment_failed",
		},
		ShipmentStatusAssigned: {
			ShipmentStatusInTransit: "shipment_in_transit",
			ShipmentStatusFailed:    "shipment_failed",
		},
		ShipmentStatusInTransit: {
			ShipmentStatusDelivered: "shipment_delivered",
			ShipmentStatusFailed:    "shipment_failed",
		},
		ShipmentStatusDelivered: {},
		ShipmentStatusFailed:    {},
	},
}

func Orders() Machine       { return orderMachine }
func Payments() Machine     { return paymentMachine }
func Reservations() Machine { return reservationMachine }
func Shipments() Machine    { return shipmentMachine }

func AllOrderStatuses() []string {
	return []string{
		OrderStatusPending,
		OrderStatusConfirmed,
		OrderStatusShipped,
		OrderStatusDelivered,
		OrderStatusCancelled,
		OrderStatusFailed,
	}
}
