package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/mymelodiess/food-delivery-microservices/internal/app"
	"github.com/mymelodiess/food-delivery-microservices/internal/config"
	"github.com/mymelodiess/food-delivery-microservices/internal/idempotency"
	"github.com/mymelodiess/food-delivery-microservices/internal/logging"
	"github.com/mymelodiess/food-delivery-microservices/internal/orders"
	"github.com/mymelodiess/food-delivery-microservices/internal/payments"
	"github.com/mymelodiess/food-delivery-microservices/internal/resilience"
	"github.com/mymelodiess/food-delivery-microservices/internal/storage"
)

const serviceName = "payment-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logging.Setup(serviceName, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := storage.Open(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to open storage")
	}
	store := payments.NewStore(backend.DynamoDB, cfg.AWS.PaymentsTable, cfg.AWS.CountersTable)
	idem := idempotency.NewStore(backend.DynamoDB, cfg.AWS.IdempotencyTable, cfg.Checkout.IdempotencyTTL)

	var (
		lookup  payments.OrderLookup
		confirm payments.Confirmer
	)
	if cfg.MemoryStorage() {
		// single process demo: read orders from the shared in-memory tables
		lookup = payments.OrderStoreLookup{Store: orders.NewStore(backend.DynamoDB, cfg.AWS.OrdersTable, cfg.AWS.CountersTable, idem)}
	} else {
		oc := payments.NewOrderClient(resilience.NewClient(resilience.ClientOptions{
			BaseURL:    cfg.Services.OrderURL,
			RetryCount: cfg.Services.RetryCount,
			RetryWait:  cfg.Services.RetryWait,
		}))
		lookup = oc
		if cfg.Checkout.PaymentMode == config.PaymentDeferred {
			confirm = oc
		}
	}

	srv := payments.NewServer(payments.NewProcessor(store, lookup, &payments.SimulatedGateway{}), store, idem, confirm)
	r := app.NewRouter(serviceName)
	srv.RegisterRoutes(r, app.Auth(cfg, true))

	log.WithField("payment_mode", cfg.Checkout.PaymentMode).Info("payment service starting")
	if err := app.Serve(ctx, cfg, r); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}
