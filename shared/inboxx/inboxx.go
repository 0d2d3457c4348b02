package inboxx

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"marketplace-order-fulfillment/shared/outboxx"
)

const uniqueViolation = "23505"

type Repo struct {
	db outboxx.DBTX
}

func NewRepo(db outboxx.DBTX) *Repo {
	return &Repo{db: db}
}

// MarkProcessed records an event id inside the handler's transaction. The
// second delivery of the same event hits the primary key and reports
// duplicate=true, so the handler can commit without reapplying effects.
func (r *Repo) MarkProcessed(ctx context.Context, db outboxx.DBTX, consumer string, eventID uuid.UUID) (duplicate bool, err error) {
	_, err = db.Exec(ctx, `
		INSERT INTO processed_events (consumer, event_id, processed_at)
		VALUES ($1, $2, now())
	`, consumer, eventID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

func (r *Repo) Seen(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error) {
	var one int
	err := r.db.QueryRow(ctx, `
		SELECT 1 FROM processed_events WHERE consumer = $1 AND event_id = $2
	`, consumer, eventID).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
