package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"marketplace-order-fulfillment/inventory/internal/models"
	"marketplace-order-fulfillment/shared/errx"
	"marketplace-order-fulfillment/shared/events"
	"marketplace-order-fulfillment/shared/logx"
	"marketplace-order-fulfillment/shared/outboxx"
	"marketplace-order-fulfillment/shared/workflow"
)

type memStore struct {
	stock        map[uuid.UUID]int
	reserved     map[uuid.UUID]int
	reservations map[uuid.UUID]models.Reservation
	byOrder      map[uuid.UUID]uuid.UUID
	outbox       []outboxx.Record
}

func newMemStore() *memStore {
	return &memStore{
		stock:        map[uuid.UUID]int{},
		reserved:     map[uuid.UUID]int{},
		reservations: map[uuid.UUID]models.Reservation{},
		byOrder:      map[uuid.UUID]uuid.UUID{},
	}
}

func (s *memStore) GetReservation(ctx context.Context, id uuid.UUID) (models.Reservation, error) {
	res, ok := s.reservations[id]
	if !ok {
		return models.Reservation{}, errx.ErrNotFound
	}
	return res, nil
}

func (s *memStore) AvailableStock(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]int, error) {
	out := map[uuid.UUID]int{}
	for _, id := range ids {
		out[id] = s.stock[id]
	}
	return out, nil
}

func (s *memStore) Reserve(ctx context.Context, res models.Reservation, outbox []outboxx.Record) (models.Reservation, bool, error) {
	if existingID, ok := s.byOrder[res.OrderID]; ok {
		return s.reservations[existingID], false, nil
	}
	for _, item := range res.Items {
		if s.stock[item.ProductID] < item.Quantity {
			return models.Reservation{}, false, errx.BusinessRule("insufficient stock")
		}
	}
	for _, item := range res.Items {
		s.stock[item.ProductID] -= item.Quantity
		s.reserved[item.ProductID] += item.Quantity
	}
	res.Status = workflow.ReservationStatusActive
	s.reservations[res.ReservationID] = res
	s.byOrder[res.OrderID] = res.ReservationID
	s.outbox = append(s.outbox, outbox...)
	return res, true, nil
}

func (s *memStore) RecordFailure(ctx context.Context, outbox []outboxx.Record) error {
	s.outbox = append(s.outbox, outbox...)
	return nil
}

func (s *memStore) Release(ctx context.Context, id uuid.UUID, toStatus string, outbox []outboxx.Record) (models.Reservation, bool, error) {
	res, ok := s.reservations[id]
	if !ok {
		return models.Reservation{}, false, errx.ErrNotFound
	}
	if res.Status != workflow.ReservationStatusActive {
		return res, false, nil
	}
	for _, item := range res.Items {
		s.stock[item.ProductID] += item.Quantity
		s.reserved[item.ProductID] -= item.Quantity
	}
	res.Status = toStatus
	s.reservations[id] = res
	s.outbox = append(s.outbox, outbox...)
	return res, true, nil
}

func (s *memStore) Confirm(ctx context.Context, id uuid.UUID) (models.Reservation, bool, error) {
	res, ok := s.reservations[id]
	if !ok {
		return models.Reservation{}, false, errx.ErrNotFound
	}
	if res.Status != workflow.ReservationStatusActive {
		return res, false, nil
	}
	for _, item := range res.Items {
		s.reserved[item.ProductID] -= item.Quantity
	}
	res.Status = workflow.ReservationStatusConfirmed
	s.reservations[id] = res
	return res, true, nil
}

func (s *memStore) DueReservations(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	var out []models.Reservation
	for _, res := range s.reservations {
		if res.Status == workflow.ReservationStatusActive && res.ExpiresAt.Before(now) {
			out = append(out, res)
		}
	}
	return out, nil
}

func testLogger() logx.Logger {
	return logx.New("inventory", "test", "", "error")
}

func reserveCommand(t *testing.T, orderID uuid.UUID, items []events.OrderItem) events.Envelope {
	t.Helper()
	env, err := events.Emit(events.SubjectReserveInventory, events.ReserveInventory{
		OrderID: orderID,
		Items:   items,
	}, uuid.New(), uuid.Nil)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	return env
}

func lastSubject(t *testing.T, store *memStore) string {
	t.Helper()
	if len(store.outbox) == 0 {
		t.Fatal("expected an outbox record")
	}
	return store.outbox[len(store.outbox)-1].Subject
}

func TestReserveHoldsStock(t *testing.T) {
	store := newMemStore()
	product := uuid.New()
	store.stock[product] = 10
	svc := New(store, 15*time.Minute, testLogger())

	orderID := uuid.New()
	env := reserveCommand(t, orderID, []events.OrderItem{{ProductID: product.String(), Quantity: 3}})
	if err := svc.Handle(context.Background(), env); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if store.stock[product] != 7 || store.reserved[product] != 3 {
		t.Fatalf("stock not held: available=%d reserved=%d", store.stock[product], store.reserved[product])
	}
	if got := lastSubject(t, store); got != events.SubjectInventoryReserved {
		t.Fatalf("expected reserved event, got %s", got)
	}

	var payload events.InventoryReserved
	if err := unmarshalEnvelope(store.outbox[0].Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.OrderID != orderID || payload.ExpiresAt.IsZero() {
		t.Fatalf("bad reserved payload: %+v", payload)
	}
}

func TestReserveInsufficientStockEmitsFailure(t *testing.T) {
	store := newMemStore()
	product := uuid.New()
	store.stock[product] = 2
	svc := New(store, 15*time.Minute, testLogger())

	env := reserveCommand(t, uuid.New(), []events.OrderItem{{ProductID: product.String(), Quantity: 5}})
	if err := svc.Handle(context.Background(), env); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if store.stock[product] != 2 {
		t.Fatalf("stock must be untouched, got %d", store.stock[product])
	}
	if got := lastSubject(t, store); got != events.SubjectInventoryFailed {
		t.Fatalf("expected failed event, got %s", got)
	}
	var payload events.InventoryFailed
	if err := unmarshalEnvelope(store.outbox[0].Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if len(payload.UnavailableItems) != 1 || payload.UnavailableItems[0].AvailableQuantity != 2 {
		t.Fatalf("bad shortfall detail: %+v", payload.UnavailableItems)
	}
}

func TestReserveIsIdempotentPerOrder(t *testing.T) {
	store := newMemStore()
	product := uuid.New()
	store.stock[product] = 10
	svc := New(store, 15*time.Minute, testLogger())

	orderID := uuid.New()
	items := []events.OrderItem{{ProductID: product.String(), Quantity: 4}}
	for i := 0; i < 3; i++ {
		if err := svc.Handle(context.Background(), reserveCommand(t, orderID, items)); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}
	if store.stock[product] != 6 {
		t.Fatalf("stock held more than once: %d", store.stock[product])
	}
}

func TestReleaseRestoresStockOnce(t *testing.T) {
	store := newMemStore()
	product := uuid.New()
	store.stock[product] = 10
	svc := New(store, 15*time.Minute, testLogger())

	orderID := uuid.New()
	if err := svc.Handle(context.Background(), reserveCommand(t, orderID, []events.OrderItem{{ProductID: product.String(), Quantity: 4}})); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	reservationID := store.byOrder[orderID]

	release, err := events.Emit(events.SubjectReleaseInventory, events.ReleaseInventory{
		ReservationID: reservationID,
		OrderID:       orderID,
		Reason:        "payment_failed",
	}, uuid.New(), uuid.Nil)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := svc.Handle(context.Background(), release); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}

	if store.stock[product] != 10 || store.reserved[product] != 0 {
		t.Fatalf("stock not restored exactly once: available=%d reserved=%d", store.stock[product], store.reserved[product])
	}
	releasedEvents := 0
	for _, rec := range store.outbox {
		if rec.Subject == events.SubjectInventoryReleased {
			releasedEvents++
		}
	}
	if releasedEvents != 1 {
		t.Fatalf("expected one released event, got %d", releasedEvents)
	}
}

func TestWatcherExpiresOnlyLapsedActive(t *testing.T) {
	store := newMemStore()
	product := uuid.New()
	store.stock[product] = 10
	svc := New(store, time.Minute, testLogger())
	ctx := context.Background()

	lapsedOrder := uuid.New()
	if err := svc.Handle(ctx, reserveCommand(t, lapsedOrder, []events.OrderItem{{ProductID: product.String(), Quantity: 2}})); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	lapsedID := store.byOrder[lapsedOrder]
	lapsed := store.reservations[lapsedID]
	lapsed.ExpiresAt = time.Now().Add(-time.Minute)
	store.reservations[lapsedID] = lapsed

	confirmedOrder := uuid.New()
	if err := svc.Handle(ctx, reserveCommand(t, confirmedOrder, []events.OrderItem{{ProductID: product.String(), Quantity: 3}})); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	confirmedID := store.byOrder[confirmedOrder]
	if _, _, err := store.Confirm(ctx, confirmedID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	confirmed := store.reservations[confirmedID]
	confirmed.ExpiresAt = time.Now().Add(-time.Minute)
	store.reservations[confirmedID] = confirmed

	w := NewWatcher(store, 100, testLogger())
	expired, err := w.ExpireOnce(ctx, time.Now())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expiry, got %d", expired)
	}
	if store.reservations[lapsedID].Status != workflow.ReservationStatusExpired {
		t.Fatalf("lapsed reservation not expired: %s", store.reservations[lapsedID].Status)
	}
	if store.reservations[confirmedID].Status != workflow.ReservationStatusConfirmed {
		t.Fatalf("confirmed reservation must not expire: %s", store.reservations[confirmedID].Status)
	}
	if store.stock[product] != 7 {
		t.Fatalf("expected only the lapsed hold restored, available=%d", store.stock[product])
	}

	var payload events.InventoryReleased
	last := store.outbox[len(store.outbox)-1]
	if last.Subject != events.SubjectInventoryReleased {
		t.Fatalf("expected released event, got %s", last.Subject)
	}
	if err := unmarshalEnvelope(last.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Reason != "expired" || payload.OrderID != lapsedOrder {
		t.Fatalf("bad released payload: %+v", payload)
	}
}

func TestPlanMergesDuplicateLines(t *testing.T) {
	product := uuid.New()
	alloc, err := plan([]events.OrderItem{
		{ProductID: product.String(), Quantity: 2},
		{ProductID: product.String(), Quantity: 3},
	}, map[uuid.UUID]int{product: 5})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !alloc.OK() || len(alloc.Items) != 1 || alloc.Items[0].Quantity != 5 {
		t.Fatalf("expected merged plan of 5, got %+v", alloc)
	}

	alloc, err = plan([]events.OrderItem{
		{ProductID: product.String(), Quantity: 3},
		{ProductID: product.String(), Quantity: 3},
	}, map[uuid.UUID]int{product: 5})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if alloc.OK() {
		t.Fatalf("merged request above stock must be rejected: %+v", alloc)
	}
}

func unmarshalEnvelope(raw json.RawMessage, dest any) error {
	env, err := events.Deserialize(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(env.Payload, dest)
}
