package outboxx

import (
	"testing"
	"time"
)

func TestRetryDelay(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 4 * time.Second},
		{5, 25 * time.Second},
		{100, time.Hour},
	}
	for _, tc := range cases {
		if got := RetryDelay(tc.attempts); got != tc.want {
			t.Fatalf("RetryDelay(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}
