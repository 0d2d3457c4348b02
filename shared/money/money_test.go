package money

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNewRoundsHalfAwayFromZero(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"29.99", "29.99 USD"},
		{"10.005", "10.01 USD"},
		{"10.004", "10.00 USD"},
		{"0.015", "0.02 USD"},
	}
	for _, c := range cases {
		m, err := FromString(c.raw, "USD")
		if err != nil {
			t.Fatalf("FromString(%s): %v", c.raw, err)
		}
		if m.String() != c.want {
			t.Errorf("FromString(%s) = %s, want %s", c.raw, m.String(), c.want)
		}
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	if _, err := FromString("100", "usd"); !errors.Is(err, ErrInvalidCurrency) {
		t.Errorf("lowercase currency: got %v, want ErrInvalidCurrency", err)
	}
	if _, err := FromString("100", "EURO"); !errors.Is(err, ErrInvalidCurrency) {
		t.Errorf("4-letter currency: got %v, want ErrInvalidCurrency", err)
	}
	if _, err := FromString("0.004", "USD"); !errors.Is(err, ErrBelowMinimum) {
		t.Errorf("sub-cent amount: got %v, want ErrBelowMinimum", err)
	}
	if _, err := FromString("-5", "USD"); !errors.Is(err, ErrBelowMinimum) {
		t.Errorf("negative amount: got %v, want ErrBelowMinimum", err)
	}
	if _, err := FromString("not-a-number", "USD"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("garbage amount: got %v, want ErrInvalidAmount", err)
	}
}

func TestZeroSeedAccumulates(t *testing.T) {
	total, err := Zero("USD")
	if err != nil {
		t.Fatalf("zero: %v", err)
	}
	unit, _ := FromString("29.99", "USD")
	line, _ := unit.Multiply(3)
	total, err = total.Add(line)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if total.String() != "89.97 USD" {
		t.Fatalf("got %s, want 89.97 USD", total.String())
	}
	if _, err := Zero("us"); !errors.Is(err, ErrInvalidCurrency) {
		t.Fatalf("bad currency: got %v, want ErrInvalidCurrency", err)
	}
}

func TestAddCurrencyMismatch(t *testing.T) {
	usd, _ := FromString("100", "USD")
	eur, _ := FromString("50", "EUR")
	if _, err := usd.Add(eur); !errors.Is(err, ErrCurrencyMismatch) {
		t.Fatalf("got %v, want ErrCurrencyMismatch", err)
	}
}

func TestSubtractToMinimumUnit(t *testing.T) {
	a, _ := FromString("100", "USD")
	b, _ := FromString("99.99", "USD")

	got, err := a.Subtract(b)
	if err != nil {
		t.Fatalf("subtract: %v", err)
	}
	if got.String() != "0.01 USD" {
		t.Fatalf("got %s, want 0.01 USD", got.String())
	}

	cent, _ := FromString("0.01", "USD")
	if _, err := got.Subtract(cent); !errors.Is(err, ErrBelowMinimum) {
		t.Fatalf("subtract below minimum: got %v, want ErrBelowMinimum", err)
	}
}

func TestMultiply(t *testing.T) {
	unit, _ := FromString("29.99", "USD")
	total, err := unit.Multiply(3)
	if err != nil {
		t.Fatalf("multiply: %v", err)
	}
	if total.String() != "89.97 USD" {
		t.Fatalf("got %s, want 89.97 USD", total.String())
	}
}

func TestJSONRoundTrip(t *testing.T) {
	m, _ := FromString("29.99", "USD")
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"amount":"29.99","currency":"USD"}` {
		t.Fatalf("unexpected json: %s", raw)
	}
	var back Money
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !m.Equal(back) {
		t.Fatalf("round trip mismatch: %s vs %s", m, back)
	}
}

func TestZeroValueJSONRoundTrip(t *testing.T) {
	type wrapper struct {
		Amount Money `json:"amount"`
	}
	raw, err := json.Marshal(wrapper{})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"amount":null}` {
		t.Fatalf("unexpected json: %s", raw)
	}
	var back wrapper
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Amount.IsZero() {
		t.Fatalf("expected zero value, got %s", back.Amount)
	}
}
