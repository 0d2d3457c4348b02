package models

import (
	"time"

	"github.com/google/uuid"
)

type Payment struct {
	PaymentID     uuid.UUID
	OrderID       uuid.UUID
	CustomerID    uuid.UUID
	Status        string
	Currency      string
	Amount        string
	TransactionID *string
	RefundID      *string
	FailureReason *string
	CorrelationID uuid.UUID
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
