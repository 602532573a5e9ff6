package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoney_QuantizesHalfUp(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"10", "10.00"},
		{"10.005", "10.01"},
		{"10.004", "10.00"},
		{"-10.005", "-10.01"},
		{"0.1", "0.10"},
		{"123.456", "123.46"},
	}
	for _, tc := range cases {
		m, err := MoneyFromString(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, m.String(), "input %q", tc.in)
	}
}

func TestMoney_RejectsGarbage(t *testing.T) {
	_, err := MoneyFromString("ten dollars")
	assert.Error(t, err)

	_, err = MoneyFromString("")
	assert.Error(t, err)
}

func TestMoney_MinorUnitsRoundTrip(t *testing.T) {
	for _, cents := range []int64{0, 1, -1, 99, 100, 123456789, -50} {
		m := MoneyFromMinorUnits(cents)
		assert.Equal(t, cents, m.ToMinorUnits(), "cents %d", cents)
	}
}

func TestMoney_ArithmeticIsExact(t *testing.T) {
	// The classic float trap: 0.1 + 0.2 must be exactly 0.30.
	sum := MustMoney("0.10").Add(MustMoney("0.20"))
	assert.Equal(t, "0.30", sum.String())

	// Repeated addition stays exact.
	total := ZeroMoney()
	for i := 0; i < 1000; i++ {
		total = total.Add(MustMoney("0.01"))
	}
	assert.Equal(t, "10.00", total.String())
}

func TestMoney_Comparisons(t *testing.T) {
	a := MustMoney("10.00")
	b := MustMoney("10.50")

	assert.True(t, a.LessThan(b))
	assert.True(t, b.GreaterThan(a))
	assert.True(t, a.GreaterThanOrEqual(a))
	assert.True(t, a.Equal(MustMoney("10")))
	assert.Equal(t, -1, a.Cmp(b))
	assert.True(t, a.Sub(a).IsZero())
	assert.True(t, a.Neg().IsNegative())
}

func TestMoney_ZeroValueIsZero(t *testing.T) {
	var m Money
	assert.True(t, m.IsZero())
	assert.Equal(t, "0.00", m.String())
}

func TestMoney_DecimalExposesQuantizedValue(t *testing.T) {
	m := NewMoney(decimal.RequireFromString("7.999"))
	assert.Equal(t, "8.00", m.Decimal().StringFixed(2))
}
