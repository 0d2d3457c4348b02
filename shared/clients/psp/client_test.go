package psp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"marketplace-order-fulfillment/shared/config"
	"marketplace-order-fulfillment/shared/errx"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := config.Config{PSPBaseURL: srv.URL, PSPTimeoutMS: 1000, PSPRetryMax: 1}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestChargeSucceeded(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/charges" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"transaction_id":"tx-1","status":"succeeded"}`))
	})

	out, err := c.Charge(context.Background(), ChargeRequest{OrderID: uuid.New(), Amount: "29.99", Currency: "USD"})
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if out.TransactionID != "tx-1" || out.Status != "succeeded" {
		t.Fatalf("unexpected response: %+v", out)
	}
}

func TestChargeDeclinedIsBusinessRule(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"transaction_id":"tx-2","status":"declined","decline_reason":"insufficient_funds"}`))
	})

	_, err := c.Charge(context.Background(), ChargeRequest{OrderID: uuid.New(), Amount: "29.99", Currency: "USD"})
	if !errors.Is(err, errx.ErrBusinessRule) {
		t.Fatalf("expected business rule error, got %v", err)
	}
	if errx.Retryable(err) {
		t.Fatal("declined charge must not be retryable")
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.Charge(context.Background(), ChargeRequest{OrderID: uuid.New(), Amount: "29.99", Currency: "USD"})
	if !errors.Is(err, errx.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if !errx.Retryable(err) {
		t.Fatal("provider outage must be retryable")
	}
}
