package models

import (
	"time"

	"github.com/google/uuid"
)

type Shipment struct {
	ShipmentID      uuid.UUID
	OrderID         uuid.UUID
	Status          string
	PickupAddress   string
	DeliveryAddress string
	Currency        string
	ShippingCost    string
	CarrierID       *uuid.UUID
	EstimatedAt     *time.Time
	DeliveredAt     *time.Time
	FailureReason   *string
	CorrelationID   uuid.UUID
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Updates carries the optional columns a transition may set alongside the
// status change. Nil fields are left untouched.
type Updates struct {
	CarrierID       *uuid.UUID
	DeliveryAddress *string
	EstimatedAt     *time.Time
	DeliveredAt     *time.Time
	FailureReason   *string
}
