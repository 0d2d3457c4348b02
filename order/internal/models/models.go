package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Order struct {
	OrderID        uuid.UUID
	CustomerID     uuid.UUID
	Status         string
	Currency       string
	TotalAmount    string
	Items          []OrderItem
	ReservationID  *uuid.UUID
	PaymentTxID    *string
	FailureReason  *string
	IdempotencyKey string
	CorrelationID  uuid.UUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type OrderItem struct {
	ProductID uuid.UUID
	Quantity  int
	UnitPrice string
}

// Updates carries the optional column writes that ride along with a status
// transition.
type Updates struct {
	ReservationID *uuid.UUID
	PaymentTxID   *string
	FailureReason *string
}

type OrderEvent struct {
	EventID   uuid.UUID
	OrderID   uuid.UUID
	EventType string
	Payload   json.RawMessage
	CreatedAt time.Time
}
