package psp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketplace-order-fulfillment/shared/config"
	"marketplace-order-fulfillment/shared/errx"
	"marketplace-order-fulfillment/shared/metricsx"
)

type Client struct {
	baseURL  string
	apiKey   string
	timeout  time.Duration
	retryMax int
	http     *http.Client
	breaker  *circuitBreaker
}

type ChargeRequest struct {
	OrderID        uuid.UUID `json:"order_id"`
	Amount         string    `json:"amount"`
	Currency       string    `json:"currency"`
	IdempotencyKey string    `json:"idempotency_key"`
}

type ChargeResponse struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	DeclineReason string `json:"decline_reason,omitempty"`
}

type RefundRequest struct {
	TransactionID  string `json:"transaction_id"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	IdempotencyKey string `json:"idempotency_key"`
}

type RefundResponse struct {
	RefundID string `json:"refund_id"`
	Status   string `json:"status"`
}

func New(cfg config.Config) (*Client, error) {
	if cfg.PSPBaseURL == "" {
		return nil, errors.New("PSP_BASE_URL is required")
	}
	timeout := time.Duration(cfg.PSPTimeoutMS) * time.Millisecond
	return &Client{
		baseURL:  cfg.PSPBaseURL,
		apiKey:   cfg.PSPAPIKey,
		timeout:  timeout,
		retryMax: cfg.PSPRetryMax,
		http:     &http.Client{Timeout: timeout},
		breaker:  newCircuitBreaker(5, 30*time.Second),
	}, nil
}

// Charge submits a payment. A declined card comes back as a business-rule
// error so the caller compensates instead of retrying; provider outages come
// back transient.
func (c *Client) Charge(ctx context.Context, req ChargeRequest) (ChargeResponse, error) {
	var out ChargeResponse
	if err := c.call(ctx, "/v1/charges", req, &out); err != nil {
		return ChargeResponse{}, err
	}
	if out.Status == "declined" {
		return out, errx.BusinessRule("payment declined: %s", out.DeclineReason)
	}
	return out, nil
}

func (c *Client) Refund(ctx context.Context, req RefundRequest) (RefundResponse, error) {
	var out RefundResponse
	if err := c.call(ctx, "/v1/refunds", req, &out); err != nil {
		return RefundResponse{}, err
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, path string, payload any, dest any) error {
	if c == nil || c.http == nil {
		return errors.New("psp client not initialized")
	}
	if c.breaker.Open() {
		return errx.Transient(errors.New("psp circuit open"))
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= c.retryMax; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		resp, err := c.http.Do(httpReq)
		if err != nil {
			lastErr = err
			c.breaker.Fail()
			continue
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = errors.New("psp service error")
			c.breaker.Fail()
			continue
		}
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			metricsx.IncPSPFailure()
			return errx.Validation("psp rejected request: status %d", resp.StatusCode)
		}
		err = json.NewDecoder(resp.Body).Decode(dest)
		resp.Body.Close()
		if err != nil {
			c.breaker.Fail()
			metricsx.IncPSPFailure()
			return err
		}
		c.breaker.Success()
		metricsx.ObservePSPLatency(time.Since(start))
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("psp request failed")
	}
	metricsx.IncPSPFailure()
	return errx.Transient(lastErr)
}

type circuitBreaker struct {
	mu            sync.Mutex
	failures      int
	openUntil     time.Time
	threshold     int
	resetDuration time.Duration
}

func newCircuitBreaker(threshold int, reset time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, resetDuration: reset}
}

func (b *circuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return false
	}
	if time.Now().After(b.openUntil) {
		b.openUntil = time.Time{}
		b.failures = 0
		return false
	}
	return true
}

func (b *circuitBreaker) Fail() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = time.Now().Add(b.resetDuration)
	}
}

func (b *circuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}
