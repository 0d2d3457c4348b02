package models

import (
	"time"

	"github.com/google/uuid"
)

type StockItem struct {
	ProductID uuid.UUID
	Available int
	Reserved  int
	UpdatedAt time.Time
}

type Reservation struct {
	ReservationID uuid.UUID
	OrderID       uuid.UUID
	Status        string
	Items         []ReservationItem
	CorrelationID uuid.UUID
	ExpiresAt     time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type ReservationItem struct {
	ProductID uuid.UUID
	Quantity  int
}
