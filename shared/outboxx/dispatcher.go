package outboxx

import (
	"context"
	"log/slog"
	"time"

	"marketplace-order-fulfillment/shared/logx"
	"marketplace-order-fulfillment/shared/metricsx"
)

type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// Dispatcher drains claimed outbox rows to the broker. Each service's worker
// owns one, pointed at that service's database.
type Dispatcher struct {
	Repo        *Repo
	Producer    Publisher
	Owner       string
	BatchSize   int
	MaxAttempts int
	Log         logx.Logger
}

// DispatchOnce claims one batch and publishes it. Publish failures reschedule
// the row with a growing delay until MaxAttempts, then park it dead.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (published int, err error) {
	records, err := d.Repo.ClaimPending(ctx, d.Owner, d.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, rec := range records {
		headers := map[string]string{
			"event_id":       rec.EventID.String(),
			"aggregate_type": rec.AggregateType,
			"aggregate_id":   rec.AggregateID.String(),
			"published_at":   time.Now().UTC().Format(time.RFC3339Nano),
		}
		if err := d.Producer.Publish(ctx, rec.Subject, []byte(rec.AggregateID.String()), rec.Payload, headers); err != nil {
			attempts := rec.Attempts + 1
			nextRetry := time.Now().UTC().Add(RetryDelay(attempts))
			dead := attempts >= d.MaxAttempts
			_ = d.Repo.MarkFailed(ctx, rec.EventID, attempts, &nextRetry, err.Error(), dead)
			if dead {
				metricsx.IncOutboxDead()
				d.Log.Warn(ctx, "outbox_dead", "outbox event moved to dead state",
					slog.String("event_id", rec.EventID.String()),
					logx.Subject(rec.Subject),
					slog.Int("attempts", attempts),
				)
			}
			continue
		}
		if err := d.Repo.MarkDelivered(ctx, rec.EventID); err != nil {
			d.Log.Error(ctx, "outbox_mark_failed", "delivered event not marked",
				slog.String("event_id", rec.EventID.String()),
				slog.Any("error", err),
			)
			continue
		}
		metricsx.IncEventPublished(rec.Subject)
		published++
	}
	if n, err := d.Repo.CountPending(ctx); err == nil {
		metricsx.SetOutboxPending(n)
	}
	return published, nil
}
