package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"marketplace-order-fulfillment/shared/errx"
	"marketplace-order-fulfillment/shared/money"
)

type OrderItem struct {
	ProductID string      `json:"product_id"`
	Quantity  int         `json:"quantity"`
	UnitPrice money.Money `json:"unit_price"`
}

type OrderCreated struct {
	OrderID     uuid.UUID   `json:"order_id"`
	CustomerID  uuid.UUID   `json:"customer_id"`
	Items       []OrderItem `json:"items"`
	TotalAmount money.Money `json:"total_amount"`
}

type OrderConfirmed struct {
	OrderID     uuid.UUID   `json:"order_id"`
	CustomerID  uuid.UUID   `json:"customer_id"`
	PaymentID   uuid.UUID   `json:"payment_id"`
	TotalAmount money.Money `json:"total_amount"`
	ConfirmedAt time.Time   `json:"confirmed_at"`
}

type OrderCancelled struct {
	OrderID     uuid.UUID `json:"order_id"`
	Reason      string    `json:"reason"`
	CancelledAt time.Time `json:"cancelled_at"`
}

type OrderFailed struct {
	OrderID  uuid.UUID `json:"order_id"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

type ReservedItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Reserved  bool   `json:"reserved"`
}

type InventoryReserved struct {
	ReservationID uuid.UUID      `json:"reservation_id"`
	OrderID       uuid.UUID      `json:"order_id"`
	Items         []ReservedItem `json:"items"`
	ExpiresAt     time.Time      `json:"expires_at"`
	ReservedAt    time.Time      `json:"reserved_at"`
}

type UnavailableItem struct {
	ProductID         string `json:"product_id"`
	RequestedQuantity int    `json:"requested_quantity"`
	AvailableQuantity int    `json:"available_quantity"`
}

type InventoryFailed struct {
	OrderID          uuid.UUID         `json:"order_id"`
	Reason           string            `json:"reason"`
	UnavailableItems []UnavailableItem `json:"unavailable_items"`
	FailedAt         time.Time         `json:"failed_at"`
}

type ReleasedItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type InventoryReleased struct {
	ReservationID uuid.UUID      `json:"reservation_id"`
	OrderID       uuid.UUID      `json:"order_id"`
	Items         []ReleasedItem `json:"items"`
	Reason        string         `json:"reason"`
	ReleasedAt    time.Time      `json:"released_at"`
}

type PaymentConfirmed struct {
	PaymentID     uuid.UUID   `json:"payment_id"`
	OrderID       uuid.UUID   `json:"order_id"`
	CustomerID    uuid.UUID   `json:"customer_id"`
	Amount        money.Money `json:"amount"`
	TransactionID string      `json:"transaction_id,omitempty"`
	ConfirmedAt   time.Time   `json:"confirmed_at"`
}

type PaymentFailed struct {
	OrderID    uuid.UUID   `json:"order_id"`
	CustomerID uuid.UUID   `json:"customer_id"`
	Amount     money.Money `json:"amount"`
	Reason     string      `json:"reason"`
	ErrorCode  string      `json:"error_code,omitempty"`
	FailedAt   time.Time   `json:"failed_at"`
}

type PaymentRefunded struct {
	PaymentID  uuid.UUID   `json:"payment_id"`
	OrderID    uuid.UUID   `json:"order_id"`
	Amount     money.Money `json:"amount"`
	Reason     string      `json:"reason"`
	RefundedAt time.Time   `json:"refunded_at"`
}

type ReserveInventory struct {
	OrderID    uuid.UUID   `json:"order_id"`
	CustomerID uuid.UUID   `json:"customer_id"`
	Items      []OrderItem `json:"items"`
}

type ReleaseInventory struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	OrderID       uuid.UUID `json:"order_id"`
	Reason        string    `json:"reason"`
}

type ConfirmReservation struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	OrderID       uuid.UUID `json:"order_id"`
}

type ChargePayment struct {
	OrderID    uuid.UUID   `json:"order_id"`
	CustomerID uuid.UUID   `json:"customer_id"`
	Amount     money.Money `json:"amount"`
}

type RefundPayment struct {
	PaymentID uuid.UUID `json:"payment_id"`
	OrderID   uuid.UUID `json:"order_id"`
	Reason    string    `json:"reason"`
}

type CancelOrder struct {
	OrderID uuid.UUID `json:"order_id"`
	Reason  string    `json:"reason"`
}

type ShipmentCreated struct {
	ShipmentID      uuid.UUID   `json:"shipment_id"`
	OrderID         uuid.UUID   `json:"order_id"`
	PickupAddress   string      `json:"pickup_address"`
	DeliveryAddress string      `json:"delivery_address"`
	ShippingCost    money.Money `json:"shipping_cost"`
	CreatedAt       time.Time   `json:"created_at"`
}

type ShipmentInTransit struct {
	ShipmentID uuid.UUID `json:"shipment_id"`
	OrderID    uuid.UUID `json:"order_id"`
	CarrierID  uuid.UUID `json:"carrier_id"`
	PickedUpAt time.Time `json:"picked_up_at"`
}

type ShipmentDelivered struct {
	ShipmentID  uuid.UUID `json:"shipment_id"`
	OrderID     uuid.UUID `json:"order_id"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// CarrierTracking is the normalized form of a carrier webhook callback.
// Status is one of picked_up, delivered, failed.
type CarrierTracking struct {
	ShipmentID uuid.UUID `json:"shipment_id"`
	CarrierID  uuid.UUID `json:"carrier_id"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type ShipmentFailed struct {
	ShipmentID uuid.UUID `json:"shipment_id"`
	OrderID    uuid.UUID `json:"order_id"`
	Reason     string    `json:"reason"`
	FailedAt   time.Time `json:"failed_at"`
}

// Decode unmarshals the envelope payload into the type bound to its subject.
// The switch is the closed set of the catalog: an unknown subject is a
// validation failure, never a silent pass-through.
func Decode(env Envelope) (any, error) {
	decode := func(dest any) (any, error) {
		if err := json.Unmarshal(env.Payload, dest); err != nil {
			return nil, errx.Validation("decode %s: %v", env.EventType, err)
		}
		return dest, nil
	}
	switch env.EventType {
	case SubjectOrderCreated:
		return decode(&OrderCreated{})
	case SubjectOrderConfirmed:
		return decode(&OrderConfirmed{})
	case SubjectOrderCancelled:
		return decode(&OrderCancelled{})
	case SubjectOrderFailed:
		return decode(&OrderFailed{})
	case SubjectInventoryReserved:
		return decode(&InventoryReserved{})
	case SubjectInventoryFailed:
		return decode(&InventoryFailed{})
	case SubjectInventoryReleased:
		return decode(&InventoryReleased{})
	case SubjectPaymentConfirmed:
		return decode(&PaymentConfirmed{})
	case SubjectPaymentFailed:
		return decode(&PaymentFailed{})
	case SubjectPaymentRefunded:
		return decode(&PaymentRefunded{})
	case SubjectReserveInventory:
		return decode(&ReserveInventory{})
	case SubjectReleaseInventory:
		return decode(&ReleaseInventory{})
	case SubjectConfirmReservation:
		return decode(&ConfirmReservation{})
	case SubjectChargePayment:
		return decode(&ChargePayment{})
	case SubjectRefundPayment:
		return decode(&RefundPayment{})
	case SubjectCancelOrder:
		return decode(&CancelOrder{})
	case SubjectShipmentCreated:
		return decode(&ShipmentCreated{})
	case SubjectShipmentInTransit:
		return decode(&ShipmentInTransit{})
	case SubjectShipmentDelivered:
		return decode(&ShipmentDelivered{})
	case SubjectShipmentFailed:
		return decode(&ShipmentFailed{})
	case SubjectCarrierTracking:
		return decode(&CarrierTracking{})
	default:
		return nil, errx.Validation("unknown event type %q", env.EventType)
	}
}

// CatalogSubjects lists every domain event subject, used by tests and by the
// DLQ monitor to subscribe to the full paired set.
func CatalogSubjects() []string {
	return []string{
		SubjectOrderCreated,
		SubjectOrderConfirmed,
		SubjectOrderCancelled,
		SubjectOrderFailed,
		SubjectPaymentConfirmed,
		SubjectPaymentFailed,
		SubjectPaymentRefunded,
		SubjectInventoryReserved,
		SubjectInventoryFailed,
		SubjectInventoryReleased,
	}
}
