package money

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidCurrency  = errors.New("currency must be a 3-letter ISO-4217 code")
	ErrInvalidAmount    = errors.New("amount is not a valid decimal")
	ErrCurrencyMismatch = errors.New("currency mismatch")
	ErrBelowMinimum     = errors.New("amount below minimum unit")
)

// minimum representable amount (one cent of any supported currency).
var minUnit = decimal.New(1, -2)

// Money is an immutable monetary value. The zero value is not valid; use New.
// Amounts are normalized to 2 decimal places at construction, rounding ties
// away from zero.
type Money struct {
	amount   decimal.Decimal
	currency string
}

func New(amount decimal.Decimal, currency string) (Money, error) {
	if !validCurrency(currency) {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidCurrency, currency)
	}
	rounded := amount.Round(2)
	if rounded.LessThan(minUnit) {
		return Money{}, fmt.Errorf("%w: %s", ErrBelowMinimum, rounded.String())
	}
	return Money{amount: rounded, currency: currency}, nil
}

func FromString(amount string, currency string) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	return New(d, currency)
}

// Zero is the accumulator seed for summing line totals. It carries the
// currency but no amount, so it is exempt from the minimum-unit floor.
func Zero(currency string) (Money, error) {
	if !validCurrency(currency) {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidCurrency, currency)
	}
	return Money{currency: currency}, nil
}

func FromFloat(amount float64, currency string) (Money, error) {
	return New(decimal.NewFromFloat(amount), currency)
}

func (m Money) Amount() decimal.Decimal { return m.amount }
func (m Money) Currency() string        { return m.currency }
func (m Money) IsZero() bool            { return m.currency == "" }

func (m Money) String() string {
	return m.amount.StringFixed(2) + " " + m.currency
}

func (m Money) Equal(other Money) bool {
	return m.currency == other.currency && m.amount.Equal(other.amount)
}

func (m Money) Add(other Money) (Money, error) {
	if m.currency != other.currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.currency, other.currency)
	}
	return New(m.amount.Add(other.amount), m.currency)
}

func (m Money) Subtract(other Money) (Money, error) {
	if m.currency != other.currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.currency, other.currency)
	}
	result := m.amount.Sub(other.amount)
	if result.LessThan(minUnit) {
		return Money{}, fmt.Errorf("%w: %s", ErrBelowMinimum, result.String())
	}
	return New(result, m.currency)
}

func (m Money) Multiply(factor int64) (Money, error) {
	return New(m.amount.Mul(decimal.NewFromInt(factor)), m.currency)
}

type moneyJSON struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// MarshalJSON writes the zero value as null so events with an unset monetary
// field still round-trip through the envelope codec.
func (m Money) MarshalJSON() ([]byte, error) {
	if m.currency == "" {
		return []byte("null"), nil
	}
	return json.Marshal(moneyJSON{Amount: m.amount.StringFixed(2), Currency: m.currency})
}

func (m *Money) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*m = Money{}
		return nil
	}
	var raw moneyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Amount == "" && raw.Currency == "" {
		*m = Money{}
		return nil
	}
	parsed, err := FromString(raw.Amount, raw.Currency)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

func validCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
