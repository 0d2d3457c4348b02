package saga

import (
	"github.com/google/uuid"

	"marketplace-order-fulfillment/shared/events"
	"marketplace-order-fulfillment/shared/outboxx"
)

type outRecord = outboxx.Record

// command wraps a payload in a new envelope caused by the event being
// handled and stages it as an outbox record on the order aggregate.
func command(subject string, payload any, aggregateID uuid.UUID, cause events.Envelope) (outboxx.Record, error) {
	env, err := events.Emit(subject, payload, cause.CorrelationID, cause.EventID)
	if err != nil {
		return outboxx.Record{}, err
	}
	raw, err := env.Serialize()
	if err != nil {
		return outboxx.Record{}, err
	}
	return outboxx.Record{
		EventID:       env.EventID,
		AggregateType: "order",
		AggregateID:   aggregateID,
		Subject:       subject,
		Payload:       raw,
	}, nil
}
