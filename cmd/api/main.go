package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/mymelodiess/food-delivery-microservices/internal/app"
	"github.com/mymelodiess/food-delivery-microservices/internal/config"
	"github.com/mymelodiess/food-delivery-microservices/internal/handlers"
	"github.com/mymelodiess/food-delivery-microservices/internal/logging"
)

const serviceName = "order-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logging.Setup(serviceName, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := app.NewOrderService(ctx, cfg, true)
	if err != nil {
		log.WithError(err).Fatal("failed to init order service")
	}

	r := app.NewRouter(serviceName, svc.Guards...)
	handlers.RegisterOrdersRoutes(r, handlers.HandlerConfig{
		Orchestrator: svc.Orchestrator,
		Orders:       svc.Orders,
		Idempotency:  svc.Idempotency,
		Auth:         app.Auth(cfg, false),
	})

	log.WithFields(log.Fields{
		"payment_mode":  cfg.Checkout.PaymentMode,
		"strict_coupon": cfg.Checkout.StrictCoupon,
		"storage":       cfg.Storage,
	}).Info("order service starting")
	if err := app.Serve(ctx, cfg, r); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}
