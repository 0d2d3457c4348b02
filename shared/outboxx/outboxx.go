package outboxx

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	StatusPending   = "pending"
	StatusSending   = "sending"
	StatusDelivered = "delivered"
	StatusDead      = "dead"
)

type Record struct {
	EventID       uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	Subject       string
	Payload       json.RawMessage
	Status        string
	Attempts      int
	NextRetryAt   *time.Time
	LockedAt      *time.Time
	LockedBy      *string
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	PublishedAt   *time.Time
}

type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repo struct {
	db DBTX
}

func NewRepo(db DBTX) *Repo {
	return &Repo{db: db}
}

// Insert appends a serialized envelope to the outbox. Call it on the same
// transaction that mutates the aggregate so the state change and the event
// commit or roll back together.
func (r *Repo) Insert(ctx context.Context, db DBTX, rec Record) (Record, error) {
	if rec.EventID == uuid.Nil {
		rec.EventID = uuid.New()
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}

	err := db.QueryRow(ctx, `
		INSERT INTO outbox_events (
			event_id, aggregate_type, aggregate_id, subject, payload, status, attempts, next_retry_at, locked_at, locked_by, last_error, created_at, updated_at, published_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
		RETURNING event_id, aggregate_type, aggregate_id, subject, payload, status, attempts, next_retry_at, locked_at, locked_by, last_error, created_at, updated_at, published_at
	`, rec.EventID, rec.AggregateType, rec.AggregateID, rec.Subject, rec.Payload, rec.Status, rec.Attempts, rec.NextRetryAt, rec.LockedAt, rec.LockedBy, rec.LastError, rec.CreatedAt, rec.UpdatedAt, rec.PublishedAt).
		Scan(&rec.EventID, &rec.AggregateType, &rec.AggregateID, &rec.Subject, &rec.Payload, &rec.Status, &rec.Attempts, &rec.NextRetryAt, &rec.LockedAt, &rec.LockedBy, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt, &rec.PublishedAt)
	return rec, err
}

// ClaimPending moves due pending rows to sending under SKIP LOCKED so
// concurrent dispatchers never pick the same event.
func (r *Repo) ClaimPending(ctx context.Context, owner string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		WITH candidates AS (
			SELECT event_id
			FROM outbox_events
			WHERE status = $1 AND (next_retry_at IS NULL OR next_retry_at <= now())
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		UPDATE outbox_events o
		SET status = $3, locked_at = now(), locked_by = $4, updated_at = now()
		FROM candidates c
		WHERE o.event_id = c.event_id
		RETURNING o.event_id, o.aggregate_type, o.aggregate_id, o.subject, o.payload, o.status,
			o.attempts, o.next_retry_at, o.locked_at, o.locked_by, o.last_error, o.created_at, o.updated_at, o.published_at
	`, StatusPending, limit, StatusSending, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.EventID, &rec.AggregateType, &rec.AggregateID, &rec.Subject, &rec.Payload, &rec.Status,
			&rec.Attempts, &rec.NextRetryAt, &rec.LockedAt, &rec.LockedBy, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt, &rec.PublishedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *Repo) MarkDelivered(ctx context.Context, eventID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, published_at = now(), updated_at = now()
		WHERE event_id = $1
	`, eventID, StatusDelivered)
	return err
}

func (r *Repo) MarkFailed(ctx context.Context, eventID uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error {
	status := StatusPending
	if dead {
		status = StatusDead
		nextRetryAt = nil
	}
	_, err := r.db.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, attempts = $3, next_retry_at = $4, last_error = $5, updated_at = now()
		WHERE event_id = $1
	`, eventID, status, attempts, nextRetryAt, lastErr)
	return err
}

func (r *Repo) CountPending(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT count(*) FROM outbox_events WHERE status = $1
	`, StatusPending).Scan(&n)
	return n, err
}

// RetryDelay grows with the square of the attempt count, capped at an hour.
func RetryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(attempts*attempts) * time.Second
	if d > time.Hour {
		return time.Hour
	}
	return d
}
