// Package catalog covers the menu/coupon service: the food read model it serves and the
// client the checkout uses to reach it.
package catalog

import (
	"context"
	"errors"

	"github.com/mymelodiess/food-delivery-microservices/internal/money"
)

// Food is the catalog's view of a menu item.
type Food struct {
	ID       int64        `json:"id"`
	Name     string       `json:"name"`
	Price    money.Amount `json:"price"`
	Discount int          `json:"discount"`
	ImageURL string       `json:"image_url,omitempty"`
	BranchID int64        `json:"branch_id"`
}

// ErrBatchUnsupported is returned by Client.GetFoods when the catalog has no batch endpoint.
var ErrBatchUnsupported = errors.New("catalog: batch lookup not supported")

// FoodStore reads foods for the catalog service.
type FoodStore interface {
	// GetFood returns (nil, nil) for unknown ids.
	GetFood(ctx context.Context, id int64) (*Food, error)
	// GetFoods returns the foods that exist among ids, in any order.
	GetFoods(ctx context.Context, ids []int64) ([]Food, error)
}
