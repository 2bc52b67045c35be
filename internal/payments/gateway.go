package payments

import (
	"context"

	"github.com/mymelodiess/food-delivery-microservices/internal/money"
)

// Gateway charges an amount. A declined charge is approved=false with a reason, not an error;
// errors mean the gateway could not give an answer.
type Gateway interface {
	Charge(ctx context.Context, orderID int64, amount money.Amount) (approved bool, reason string, err error)
}

// SimulatedGateway approves every charge unless a decline rule matches.
type SimulatedGateway struct {
	// DeclineOver declines amounts strictly above it when non-zero.
	DeclineOver money.Amount
	// DeclineOrders declines these order ids.
	DeclineOrders map[int64]bool
}

func (g *SimulatedGateway) Charge(ctx context.Context, orderID int64, amount money.Amount) (bool, string, error) {
	if err := ctx.Err(); err != nil {
		return false, "", err
	}
	if g.DeclineOrders[orderID] {
		return false, ReasonDeclined, nil
	}
	if !g.DeclineOver.IsZero() && amount.Cmp(g.DeclineOver) > 0 {
		return false, ReasonDeclined, nil
	}
	return true, "", nil
}
