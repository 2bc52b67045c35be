package cart

import (
	"fmt"

	"github.com/mymelodiess/food-delivery-microservices/internal/apperr"
	"github.com/mymelodiess/food-delivery-microservices/internal/money"
)

// Line is one requested cart entry.
type Line struct {
	FoodID   int64 `json:"food_id" validate:"required,gt=0"`
	Quantity int   `json:"quantity" validate:"required,gt=0"`
}

// PricedLine is a cart line resolved against live catalog data.
type PricedLine struct {
	FoodID    int64        `json:"food_id" dynamodbav:"food_id"`
	Name      string       `json:"name" dynamodbav:"name"`
	ImageURL  string       `json:"image_url,omitempty" dynamodbav:"image_url,omitempty"`
	UnitPrice money.Amount `json:"unit_price" dynamodbav:"unit_price"`
	Quantity  int          `json:"quantity" dynamodbav:"quantity"`
	LineTotal money.Amount `json:"line_total" dynamodbav:"line_total"`
}

// Price builds a PricedLine from a base price and a discount percentage.
func Price(foodID int64, name, imageURL string, basePrice money.Amount, discountPct, qty int) PricedLine {
	unit := basePrice.Discounted(clampPercent(discountPct)).NonNegative()
	return PricedLine{
		FoodID:    foodID,
		Name:      name,
		ImageURL:  imageURL,
		UnitPrice: unit,
		Quantity:  qty,
		LineTotal: unit.Times(qty),
	}
}

// Quote is the priced cart in request order.
type Quote struct {
	Lines    []PricedLine `json:"items"`
	Subtotal money.Amount `json:"subtotal"`
}

// NewQuote sums line totals into a Quote.
func NewQuote(lines []PricedLine) Quote {
	sub := money.Zero
	for _, l := range lines {
		sub = sub.Add(l.LineTotal)
	}
	return Quote{Lines: lines, Subtotal: sub}
}

// Totals applies a coupon percentage to subtotal. discount never exceeds subtotal and total is never negative.
func Totals(subtotal money.Amount, discountPct int) (discount, total money.Amount) {
	if discountPct <= 0 {
		return money.Zero, subtotal.NonNegative()
	}
	discount = subtotal.Percent(clampPercent(discountPct)).NonNegative().Min(subtotal.NonNegative())
	total = subtotal.Sub(discount).NonNegative()
	return discount, total
}

// Validate rejects empty carts and non-positive ids or quantities.
func Validate(lines []Line) error {
	if len(lines) == 0 {
		return apperr.New(apperr.InputInvalid, "cart is empty")
	}
	for i, l := range lines {
		if l.FoodID <= 0 {
			return apperr.New(apperr.InputInvalid, fmt.Sprintf("items[%d]: food_id must be positive", i))
		}
		if l.Quantity <= 0 {
			return apperr.New(apperr.InputInvalid, fmt.Sprintf("items[%d]: quantity must be positive", i))
		}
	}
	return nil
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
