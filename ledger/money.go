/*
money.go - Fixed-point monetary values

PURPOSE:
  Money is the only representation of monetary value in the system.
  It is a decimal quantized to exactly two fractional digits, rounded
  half-up at construction. Binary floating point never touches a stored
  amount: persistence uses either the canonical 2-decimal string or
  integer minor units (cents).

ROUNDING:
  Half-up (ties away from zero), applied once at the boundary. All
  arithmetic between already-quantized values is exact, so Add/Sub/Neg
  do not re-round.

MINOR UNITS:
  ToMinorUnits/FromMinorUnits convert to and from integer cents. The
  round trip Money -> cents -> Money is the identity.

SEE ALSO:
  - hash.go: canonical string form used in the record digest
  - types.go: entities carrying Money fields
*/
package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - 2-decimal fixed point
// =============================================================================

// Money is a monetary amount with exactly two fractional digits.
// The zero value is R$ 0.00.
type Money struct {
	d decimal.Decimal
}

// NewMoney quantizes d to two decimal places, rounding half-up.
func NewMoney(d decimal.Decimal) Money {
	return Money{d: d.Round(2)}
}

// MoneyFromString parses a decimal string ("10.00", "0.5", "-3").
func MoneyFromString(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return NewMoney(d), nil
}

// MustMoney parses a decimal string and panics on failure.
// For constants and tests only.
func MustMoney(s string) Money {
	m, err := MoneyFromString(s)
	if err != nil {
		panic(err)
	}
	return m
}

// MoneyFromFloat converts a float64. Input is quantized half-up;
// callers should prefer strings or minor units for exact values.
func MoneyFromFloat(f float64) Money {
	return NewMoney(decimal.NewFromFloat(f))
}

// MoneyFromMinorUnits converts integer cents to Money.
func MoneyFromMinorUnits(cents int64) Money {
	return Money{d: decimal.New(cents, -2)}
}

// ZeroMoney returns R$ 0.00.
func ZeroMoney() Money {
	return Money{}
}

func (m Money) Add(o Money) Money { return Money{d: m.d.Add(o.d)} }
func (m Money) Sub(o Money) Money { return Money{d: m.d.Sub(o.d)} }
func (m Money) Neg() Money        { return Money{d: m.d.Neg()} }

func (m Money) IsZero() bool     { return m.d.IsZero() }
func (m Money) IsPositive() bool { return m.d.IsPositive() }
func (m Money) IsNegative() bool { return m.d.IsNegative() }

// Cmp returns -1, 0 or +1.
func (m Money) Cmp(o Money) int { return m.d.Cmp(o.d) }

func (m Money) Equal(o Money) bool              { return m.d.Equal(o.d) }
func (m Money) LessThan(o Money) bool           { return m.d.LessThan(o.d) }
func (m Money) GreaterThan(o Money) bool        { return m.d.GreaterThan(o.d) }
func (m Money) GreaterThanOrEqual(o Money) bool { return m.d.GreaterThanOrEqual(o.d) }

// ToMinorUnits returns the amount as integer cents.
func (m Money) ToMinorUnits() int64 {
	return m.d.Round(2).Mul(decimal.NewFromInt(100)).IntPart()
}

// String returns the canonical 2-decimal form ("10.00", "-0.01").
// This exact form participates in the record hash; changing it breaks
// chain verification.
func (m Money) String() string {
	return m.d.StringFixed(2)
}

// Decimal exposes the underlying decimal for storage drivers.
func (m Money) Decimal() decimal.Decimal {
	return m.d.Round(2)
}
