package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketplace-order-fulfillment/inventory/internal/models"
	"marketplace-order-fulfillment/shared/errx"
	"marketplace-order-fulfillment/shared/outboxx"
	"marketplace-order-fulfillment/shared/workflow"
)

type InventoryRepo struct {
	pool   *pgxpool.Pool
	outbox *outboxx.Repo
}

func NewInventoryRepo(pool *pgxpool.Pool) *InventoryRepo {
	return &InventoryRepo{pool: pool, outbox: outboxx.NewRepo(pool)}
}

func (r *InventoryRepo) GetReservation(ctx context.Context, reservationID uuid.UUID) (models.Reservation, error) {
	var res models.Reservation
	err := r.pool.QueryRow(ctx, `
		SELECT reservation_id, order_id, status, correlation_id, expires_at, created_at, updated_at
		FROM reservations
		WHERE reservation_id = $1
	`, reservationID).Scan(&res.ReservationID, &res.OrderID, &res.Status, &res.CorrelationID, &res.ExpiresAt, &res.CreatedAt, &res.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Reservation{}, errx.ErrNotFound
		}
		return models.Reservation{}, err
	}
	res.Items, err = r.itemsOf(ctx, reservationID)
	return res, err
}

func (r *InventoryRepo) GetReservationByOrder(ctx context.Context, orderID uuid.UUID) (models.Reservation, error) {
	var reservationID uuid.UUID
	err := r.pool.QueryRow(ctx, `
		SELECT reservation_id FROM reservations WHERE order_id = $1
	`, orderID).Scan(&reservationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Reservation{}, errx.ErrNotFound
		}
		return models.Reservation{}, err
	}
	return r.GetReservation(ctx, reservationID)
}

func (r *InventoryRepo) AvailableStock(ctx context.Context, productIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT product_id, available FROM stock_items WHERE product_id = ANY($1)
	`, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uuid.UUID]int, len(productIDs))
	for rows.Next() {
		var id uuid.UUID
		var available int
		if err := rows.Scan(&id, &available); err != nil {
			return nil, err
		}
		out[id] = available
	}
	return out, rows.Err()
}

// Reserve holds stock for an order. The order_id unique constraint makes a
// redelivered reserve command return the existing reservation untouched.
// Stock rows are locked in product id order so two concurrent reserves cannot
// deadlock.
func (r *InventoryRepo) Reserve(ctx context.Context, res models.Reservation, outbox []outboxx.Record) (models.Reservation, bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Reservation{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var existingID uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT reservation_id FROM reservations WHERE order_id = $1 FOR UPDATE
	`, res.OrderID).Scan(&existingID)
	if err == nil {
		_ = tx.Rollback(ctx)
		existing, getErr := r.GetReservation(ctx, existingID)
		return existing, false, getErr
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Reservation{}, false, err
	}
	err = nil

	now := time.Now().UTC()
	if res.ReservationID == uuid.Nil {
		res.ReservationID = uuid.New()
	}
	res.Status = workflow.ReservationStatusActive
	res.CreatedAt = now
	res.UpdatedAt = now

	for _, item := range res.Items {
		var tag = "UPDATE stock_items SET available = available - $2, reserved = reserved + $2, updated_at = now() WHERE product_id = $1 AND available >= $2"
		ct, execErr := tx.Exec(ctx, tag, item.ProductID, item.Quantity)
		if execErr != nil {
			err = execErr
			return models.Reservation{}, false, err
		}
		if ct.RowsAffected() == 0 {
			err = errx.BusinessRule("insufficient stock for product %s", item.ProductID)
			return models.Reservation{}, false, err
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO reservations (reservation_id, order_id, status, correlation_id, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, res.ReservationID, res.OrderID, res.Status, res.CorrelationID, res.ExpiresAt, res.CreatedAt, res.UpdatedAt)
	if err != nil {
		return models.Reservation{}, false, err
	}
	for _, item := range res.Items {
		_, err = tx.Exec(ctx, `
			INSERT INTO reservation_items (reservation_id, product_id, quantity)
			VALUES ($1, $2, $3)
		`, res.ReservationID, item.ProductID, item.Quantity)
		if err != nil {
			return models.Reservation{}, false, err
		}
	}
	for _, rec := range outbox {
		if _, err = r.outbox.Insert(ctx, tx, rec); err != nil {
			return models.Reservation{}, false, err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Reservation{}, false, err
	}
	return res, true, nil
}

// RecordFailure appends the inventory.failed event without touching stock.
func (r *InventoryRepo) RecordFailure(ctx context.Context, outbox []outboxx.Record) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	for _, rec := range outbox {
		if _, err = r.outbox.Insert(ctx, tx, rec); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// Release returns held stock. Only ACTIVE reservations move; anything else is
// a no-op so release commands can be redelivered or race the watcher safely.
func (r *InventoryRepo) Release(ctx context.Context, reservationID uuid.UUID, toStatus string, outbox []outboxx.Record) (models.Reservation, bool, error) {
	return r.finish(ctx, reservationID, toStatus, true, outbox)
}

// Confirm pins an ACTIVE reservation for a paid order. The held quantity
// leaves both available and reserved counts for good.
func (r *InventoryRepo) Confirm(ctx context.Context, reservationID uuid.UUID) (models.Reservation, bool, error) {
	return r.finish(ctx, reservationID, workflow.ReservationStatusConfirmed, false, nil)
}

func (r *InventoryRepo) finish(ctx context.Context, reservationID uuid.UUID, toStatus string, restock bool, outbox []outboxx.Record) (models.Reservation, bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Reservation{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var res models.Reservation
	err = tx.QueryRow(ctx, `
		SELECT reservation_id, order_id, status, correlation_id, expires_at, created_at, updated_at
		FROM reservations
		WHERE reservation_id = $1
		FOR UPDATE
	`, reservationID).Scan(&res.ReservationID, &res.OrderID, &res.Status, &res.CorrelationID, &res.ExpiresAt, &res.CreatedAt, &res.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = errx.ErrNotFound
		}
		return models.Reservation{}, false, err
	}
	if res.Status != workflow.ReservationStatusActive {
		err = tx.Commit(ctx)
		return res, false, err
	}
	if _, err = workflow.Reservations().Transition(res.Status, toStatus); err != nil {
		return models.Reservation{}, false, err
	}

	res.Items, err = r.itemsOfTx(ctx, tx, reservationID)
	if err != nil {
		return models.Reservation{}, false, err
	}

	for _, item := range res.Items {
		stmt := "UPDATE stock_items SET reserved = reserved - $2, updated_at = now() WHERE product_id = $1"
		if restock {
			stmt = "UPDATE stock_items SET available = available + $2, reserved = reserved - $2, updated_at = now() WHERE product_id = $1"
		}
		if _, err = tx.Exec(ctx, stmt, item.ProductID, item.Quantity); err != nil {
			return models.Reservation{}, false, err
		}
	}

	res.Status = toStatus
	res.UpdatedAt = time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE reservations SET status = $2, updated_at = $3 WHERE reservation_id = $1
	`, reservationID, res.Status, res.UpdatedAt)
	if err != nil {
		return models.Reservation{}, false, err
	}
	for _, rec := range outbox {
		if _, err = r.outbox.Insert(ctx, tx, rec); err != nil {
			return models.Reservation{}, false, err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Reservation{}, false, err
	}
	return res, true, nil
}

// DueReservations lists ACTIVE reservations whose TTL has lapsed. The watcher
// expires each one through Release so stock restoration and the released
// event stay in one transaction per reservation.
func (r *InventoryRepo) DueReservations(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT reservation_id, order_id, status, correlation_id, expires_at, created_at, updated_at
		FROM reservations
		WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at ASC
		LIMIT $3
	`, workflow.ReservationStatusActive, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Reservation
	for rows.Next() {
		var res models.Reservation
		if err := rows.Scan(&res.ReservationID, &res.OrderID, &res.Status, &res.CorrelationID, &res.ExpiresAt, &res.CreatedAt, &res.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (r *InventoryRepo) itemsOf(ctx context.Context, reservationID uuid.UUID) ([]models.ReservationItem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT product_id, quantity FROM reservation_items WHERE reservation_id = $1 ORDER BY product_id
	`, reservationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

func (r *InventoryRepo) itemsOfTx(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID) ([]models.ReservationItem, error) {
	rows, err := tx.Query(ctx, `
		SELECT product_id, quantity FROM reservation_items WHERE reservation_id = $1 ORDER BY product_id
	`, reservationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

func scanItems(rows pgx.Rows) ([]models.ReservationItem, error) {
	var items []models.ReservationItem
	for rows.Next() {
		var item models.ReservationItem
		if err := rows.Scan(&item.ProductID, &item.Quantity); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
