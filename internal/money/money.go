// Package money holds fixed-point currency amounts.
//
// Amounts are stored as integer cents. JSON uses decimal numbers with two
// fraction digits ("price": 10.00) and accepts any decimal number or numeric
// string, rounded half away from zero to the nearest cent.
package money

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

type Cents int64

var ErrOutOfRange = errors.New("amount out of range")

var (
	minCents = decimal.NewFromInt(math.MinInt64)
	maxCents = decimal.NewFromInt(math.MaxInt64)
)

// FromDecimal rounds d to the nearest cent. Amounts that do not fit in
// int64 cents return ErrOutOfRange.
func FromDecimal(d decimal.Decimal) (Cents, error) {
	return fromWhole(d.Round(2).Shift(2))
}

func fromWhole(d decimal.Decimal) (Cents, error) {
	if d.LessThan(minCents) || d.GreaterThan(maxCents) {
		return 0, fmt.Errorf("%w: %s", ErrOutOfRange, d.Shift(-2).String())
	}
	return Cents(d.IntPart()), nil
}

// Parse reads a decimal string such as "79.99" or "10".
func Parse(raw string) (Cents, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	c, err := FromDecimal(d)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	return c, nil
}

func (c Cents) Decimal() decimal.Decimal {
	return decimal.New(int64(c), -2)
}

func (c Cents) String() string {
	return c.Decimal().StringFixed(2)
}

// Times is unchecked. Use MulQty where the inputs come from a client.
func (c Cents) Times(qty int) Cents {
	return c * Cents(qty)
}

func (c Cents) MulQty(qty int) (Cents, error) {
	return fromWhole(decimal.NewFromInt(int64(c)).Mul(decimal.NewFromInt(int64(qty))))
}

func (c Cents) Add(other Cents) (Cents, error) {
	return fromWhole(decimal.NewFromInt(int64(c)).Add(decimal.NewFromInt(int64(other))))
}

func (c Cents) MarshalJSON() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Cents) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("invalid amount: %w", err)
	}
	amount, err := FromDecimal(d)
	if err != nil {
		return fmt.Errorf("invalid amount: %w", err)
	}
	*c = amount
	return nil
}

func (c Cents) Value() (driver.Value, error) {
	return int64(c), nil
}

func (c *Cents) Scan(src any) error {
	switch v := src.(type) {
	case int64:
		*c = Cents(v)
	case int32:
		*c = Cents(v)
	case nil:
		*c = 0
	default:
		return fmt.Errorf("cannot scan %T into money.Cents", src)
	}
	return nil
}
