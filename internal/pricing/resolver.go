// Package pricing turns a cart into priced lines using live catalog data.
package pricing

import (
	"context"
	"errors"

	"github.com/mymelodiess/food-delivery-microservices/internal/apperr"
	"github.com/mymelodiess/food-delivery-microservices/internal/cart"
	"github.com/mymelodiess/food-delivery-microservices/internal/catalog"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// FoodSource is the part of the catalog client the resolver needs.
type FoodSource interface {
	GetFood(ctx context.Context, id int64) (*catalog.Food, error)
	// GetFoods may fail with catalog.ErrBatchUnsupported.
	GetFoods(ctx context.Context, ids []int64) ([]catalog.Food, error)
}

// Resolver prices carts. It holds no state between calls.
type Resolver struct {
	source      FoodSource
	concurrency int
}

func NewResolver(source FoodSource, concurrency int) *Resolver {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Resolver{source: source, concurrency: concurrency}
}

// Resolve prices lines in input order. Any unknown food or catalog failure aborts the whole cart.
func (r *Resolver) Resolve(ctx context.Context, lines []cart.Line) (cart.Quote, error) {
	if err := cart.Validate(lines); err != nil {
		return cart.Quote{}, err
	}

	foods, err := r.lookup(ctx, lines)
	if err != nil {
		return cart.Quote{}, err
	}

	priced := make([]cart.PricedLine, len(lines))
	for i, l := range lines {
		f, ok := foods[l.FoodID]
		if !ok {
			return cart.Quote{}, apperr.Newf(apperr.ItemNotFound, "food %d not found", l.FoodID)
		}
		priced[i] = cart.Price(f.ID, f.Name, f.ImageURL, f.Price, f.Discount, l.Quantity)
	}
	return cart.NewQuote(priced), nil
}

func (r *Resolver) lookup(ctx context.Context, lines []cart.Line) (map[int64]catalog.Food, error) {
	ids := uniqueIDs(lines)

	batch, err := r.source.GetFoods(ctx, ids)
	switch {
	case err == nil:
		out := make(map[int64]catalog.Food, len(batch))
		for _, f := range batch {
			out[f.ID] = f
		}
		return out, nil
	case !errors.Is(err, catalog.ErrBatchUnsupported):
		return nil, err
	}
	log.WithField("items", len(ids)).Debug("catalog has no batch lookup, fetching per item")

	found := make([]catalog.Food, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			f, err := r.source.GetFood(gctx, id)
			if err != nil {
				return err
			}
			found[i] = *f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[int64]catalog.Food, len(found))
	for _, f := range found {
		out[f.ID] = f
	}
	return out, nil
}

func uniqueIDs(lines []cart.Line) []int64 {
	seen := make(map[int64]bool, len(lines))
	ids := make([]int64, 0, len(lines))
	for _, l := range lines {
		if !seen[l.FoodID] {
			seen[l.FoodID] = true
			ids = append(ids, l.FoodID)
		}
	}
	return ids
}
