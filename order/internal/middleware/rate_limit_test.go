package middleware

import (
	"testing"
	"time"
)

func TestIPRateLimiterBurstThenRefill(t *testing.T) {
	limiter := NewIPRateLimiter(1, 2, time.Minute)

	if !limiter.Allow("10.0.0.1") || !limiter.Allow("10.0.0.1") {
		t.Fatal("burst requests should pass")
	}
	if limiter.Allow("10.0.0.1") {
		t.Fatal("third immediate request should be limited")
	}
	if !limiter.Allow("10.0.0.2") {
		t.Fatal("another client must not share the bucket")
	}
}
