package cart

import (
	"testing"

	"github.com/mymelodiess/food-delivery-microservices/internal/apperr"
	"github.com/mymelodiess/food-delivery-microservices/internal/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrice_AppliesFoodDiscount(t *testing.T) {
	l := Price(1, "Pho", "", money.FromInt(50000), 10, 3)
	assert.Equal(t, "45000", l.UnitPrice.String())
	assert.Equal(t, "135000", l.LineTotal.String())
}

func TestNewQuote_SubtotalIndependentOfOrder(t *testing.T) {
	a := Price(1, "a", "", money.FromInt(50000), 0, 2)
	b := Price(2, "b", "", money.New(12.5), 20, 1)
	c := Price(3, "c", "", money.FromInt(7), 0, 4)

	q1 := NewQuote([]PricedLine{a, b, c})
	q2 := NewQuote([]PricedLine{c, a, b})
	assert.True(t, q1.Subtotal.Equal(q2.Subtotal))
	assert.Equal(t, "100038", q1.Subtotal.String())
}

func TestTotals(t *testing.T) {
	cases := []struct {
		name     string
		subtotal money.Amount
		pct      int
		discount string
		total    string
	}{
		{"no coupon", money.FromInt(100000), 0, "0", "100000"},
		{"fifteen percent", money.FromInt(100000), 15, "15000", "85000"},
		{"full discount", money.FromInt(3000), 100, "3000", "0"},
		{"over hundred clamps", money.FromInt(3000), 150, "3000", "0"},
		{"zero subtotal", money.Zero, 50, "0", "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, total := Totals(tc.subtotal, tc.pct)
			assert.Equal(t, tc.discount, d.String())
			assert.Equal(t, tc.total, total.String())
			assert.True(t, d.Cmp(tc.subtotal) <= 0)
			assert.False(t, total.IsNegative())
		})
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate([]Line{{FoodID: 1, Quantity: 1}}))

	err := Validate(nil)
	assert.Equal(t, apperr.InputInvalid, apperr.KindOf(err))

	err = Validate([]Line{{FoodID: 1, Quantity: 0}})
	assert.Equal(t, apperr.InputInvalid, apperr.KindOf(err))

	err = Validate([]Line{{FoodID: 0, Quantity: 2}})
	assert.Equal(t, apperr.InputInvalid, apperr.KindOf(err))
}
