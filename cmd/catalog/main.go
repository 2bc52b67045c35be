package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/mymelodiess/food-delivery-microservices/internal/app"
	"github.com/mymelodiess/food-delivery-microservices/internal/catalog"
	"github.com/mymelodiess/food-delivery-microservices/internal/config"
	"github.com/mymelodiess/food-delivery-microservices/internal/coupons"
	"github.com/mymelodiess/food-delivery-microservices/internal/logging"
	"github.com/mymelodiess/food-delivery-microservices/internal/money"
	"github.com/mymelodiess/food-delivery-microservices/migrations"
)

const serviceName = "catalog-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logging.Setup(serviceName, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		foods catalog.FoodStore
		store coupons.Store
	)
	if cfg.MemoryStorage() {
		foods, store, err = seedMemory(ctx)
		if err != nil {
			log.WithError(err).Fatal("failed to seed memory catalog")
		}
	} else {
		pool, err := pgxpool.New(ctx, cfg.DB.URL())
		if err != nil {
			log.WithError(err).Fatal("failed to connect to catalog database")
		}
		defer pool.Close()
		if err := migrations.Apply(ctx, pool); err != nil {
			log.WithError(err).Fatal("failed to migrate catalog database")
		}
		foods, store = catalog.NewPgFoodStore(pool), coupons.NewPgStore(pool)
	}

	r := app.NewRouter(serviceName)
	catalog.NewServer(foods, coupons.NewValidator(store)).RegisterRoutes(r, app.Auth(cfg, true))

	log.WithField("storage", cfg.Storage).Info("catalog service starting")
	if err := app.Serve(ctx, cfg, r); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}

// seedMemory gives a local run something to order.
func seedMemory(ctx context.Context) (catalog.FoodStore, coupons.Store, error) {
	foods := catalog.NewMemFoodStore()
	for _, f := range []catalog.Food{
		{Name: "Com tam", Price: money.FromInt(50000), BranchID: 1},
		{Name: "Banh mi", Price: money.FromInt(20000), Discount: 10, BranchID: 1},
		{Name: "Tra da", Price: money.FromInt(5000), BranchID: 1},
	} {
		if err := foods.Insert(ctx, &f); err != nil {
			return nil, nil, err
		}
	}

	store := coupons.NewMemStore()
	now := time.Now().UTC()
	err := coupons.NewValidator(store).Create(ctx, &coupons.Coupon{
		Code:            "GIAMNGAY1",
		DiscountPercent: 15,
		BranchID:        1,
		StartDate:       now.Add(-time.Hour),
		EndDate:         now.AddDate(0, 1, 0),
	})
	return foods, store, err
}
