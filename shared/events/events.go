// Package events defines the versioned envelope every domain event travels in
// and the broker subjects of the fulfillment saga. Consumers pattern-match on
// the subject constant, never on payload shape.
package events

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"marketplace-order-fulfillment/shared/errx"
)

type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	EventType     string          `json:"event_type"`
	Version       string          `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	CausationID   uuid.UUID       `json:"causation_id"`
	Payload       json.RawMessage `json:"payload"`
}

// Domain event subjects. Payload schema changes require a new version suffix;
// old consumers keep decoding the previous version until retired.
const (
	SubjectOrderCreated      = "order.created.v1"
	SubjectOrderConfirmed    = "order.confirmed.v1"
	SubjectOrderCancelled    = "order.cancelled.v1"
	SubjectOrderFailed       = "order.failed.v1"
	SubjectPaymentConfirmed  = "payment.confirmed.v1"
	SubjectPaymentFailed     = "payment.failed.v1"
	SubjectPaymentRefunded   = "payment.refunded.v1"
	SubjectInventoryReserved = "inventory.reserved.v1"
	SubjectInventoryFailed   = "inventory.failed.v1"
	SubjectInventoryReleased = "inventory.released.v1"
)

// Command subjects consumed by saga participants.
const (
	SubjectReserveInventory   = "inventory.reserve.v1"
	SubjectReleaseInventory   = "inventory.release.v1"
	SubjectConfirmReservation = "inventory.confirm.v1"
	SubjectChargePayment      = "payment.charge.v1"
	SubjectRefundPayment      = "payment.refund.v1"
	SubjectCancelOrder        = "order.cancel.v1"
)

// Shipment lifecycle subjects, produced by the shipping service and consumed
// by the coordinator to advance confirmed orders.
const (
	SubjectShipmentCreated   = "shipment.created.v1"
	SubjectShipmentInTransit = "shipment.in_transit.v1"
	SubjectShipmentDelivered = "shipment.delivered.v1"
	SubjectShipmentFailed    = "shipment.failed.v1"
)

// Carrier callbacks ingested by the webhook gateway and consumed by the
// shipping service.
const SubjectCarrierTracking = "carrier.tracking.v1"

// Every subject has a paired re-delivery subject and a dead-letter subject.
func RetrySubject(subject string) string { return subject + ".retry" }
func DLQSubject(subject string) string   { return subject + ".dlq" }

// BaseSubject strips retry/DLQ suffixes back to the canonical subject.
func BaseSubject(subject string) string {
	subject = strings.TrimSuffix(subject, ".retry")
	return strings.TrimSuffix(subject, ".dlq")
}

// Emit wraps a payload in a fresh envelope. causationID is uuid.Nil for the
// first event of a saga instance; correlationID must be propagated unchanged
// through every downstream emit.
func Emit(eventType string, payload any, correlationID uuid.UUID, causationID uuid.UUID) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errx.Validation("marshal %s payload: %v", eventType, err)
	}
	return Envelope{
		EventID:       uuid.New(),
		EventType:     eventType,
		Version:       versionOf(eventType),
		OccurredAt:    time.Now().UTC(),
		CorrelationID: correlationID,
		CausationID:   causationID,
		Payload:       raw,
	}, nil
}

func (e Envelope) Serialize() ([]byte, error) {
	return json.Marshal(e)
}

func Deserialize(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, errx.Validation("malformed envelope: %v", err)
	}
	if env.EventID == uuid.Nil || env.EventType == "" || env.CorrelationID == uuid.Nil {
		return Envelope{}, errx.Validation("envelope missing event_id/event_type/correlation_id")
	}
	return env, nil
}

func versionOf(eventType string) string {
	if i := strings.LastIndex(eventType, "."); i >= 0 {
		return eventType[i+1:]
	}
	return "v1"
}
