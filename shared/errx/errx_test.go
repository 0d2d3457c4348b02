package errx

import (
	"errors"
	"fmt"
	"testing"

	"marketplace-order-fulfillment/shared/workflow"
)

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"validation", Validation("missing order_id"), false},
		{"business rule", BusinessRule("insufficient stock"), false},
		{"invalid transition", &workflow.InvalidTransitionError{Entity: "order", From: "DELIVERED", To: "CANCELLED"}, false},
		{"wrapped invalid transition", fmt.Errorf("cancel order: %w", &workflow.InvalidTransitionError{Entity: "order", From: "FAILED", To: "CANCELLED"}), false},
		{"transient", Transient(errors.New("broker down")), true},
		{"unclassified", errors.New("connection reset"), true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Retryable(c.err); got != c.want {
				t.Fatalf("Retryable(%v) = %v, want %v", c.err, got, c.want)
			}
		})
	}
}

func TestWrapPreservesKind(t *testing.T) {
	err := Wrap(Transient(errors.New("dial tcp")), "publish release command")
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected wrapped error to stay transient: %v", err)
	}
	if Wrap(nil, "context") != nil {
		t.Fatal("Wrap(nil) should be nil")
	}
}
