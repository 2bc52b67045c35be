package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/mymelodiess/food-delivery-microservices/internal/aws"
	"github.com/mymelodiess/food-delivery-microservices/internal/catalog"
	"github.com/mymelodiess/food-delivery-microservices/internal/checkout"
	"github.com/mymelodiess/food-delivery-microservices/internal/config"
	"github.com/mymelodiess/food-delivery-microservices/internal/idempotency"
	"github.com/mymelodiess/food-delivery-microservices/internal/notify"
	"github.com/mymelodiess/food-delivery-microservices/internal/orders"
	"github.com/mymelodiess/food-delivery-microservices/internal/payments"
	"github.com/mymelodiess/food-delivery-microservices/internal/pricing"
	"github.com/mymelodiess/food-delivery-microservices/internal/resilience"
	"github.com/mymelodiess/food-delivery-microservices/internal/storage"
)

// OrderService is the order side of the system: stores, downstream clients and the
// checkout orchestrator. The API and the worker both build one.
type OrderService struct {
	Backend      *storage.Backend
	Idempotency  *idempotency.Store
	Orders       *orders.Store
	Payments     *payments.Store
	Catalog      *catalog.Client
	Orchestrator *checkout.Orchestrator
	// Guards protect the downstream calls; /health reports their breakers.
	Guards []*resilience.Guard
}

// NewOrderService wires the order service. With viaQueue set, new-order events go to the
// orders queue when one is configured and the worker delivers them.
func NewOrderService(ctx context.Context, cfg *config.Config, viaQueue bool) (*OrderService, error) {
	backend, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	var notifier notify.Notifier
	if viaQueue && backend.SQS != nil && cfg.AWS.OrdersQueueURL != "" {
		notifier = notify.NewQueue(aws.NewPublisher(backend.SQS, cfg.AWS.OrdersQueueURL))
	} else if notifier, err = DirectNotifier(cfg); err != nil {
		return nil, err
	}

	idem := idempotency.NewStore(backend.DynamoDB, cfg.AWS.IdempotencyTable, cfg.Checkout.IdempotencyTTL)
	orderStore := orders.NewStore(backend.DynamoDB, cfg.AWS.OrdersTable, cfg.AWS.CountersTable, idem)
	payStore := payments.NewStore(backend.DynamoDB, cfg.AWS.PaymentsTable, cfg.AWS.CountersTable)

	catalogGuard := resilience.NewGuard("catalog", "order-service", 32)
	guards := []*resilience.Guard{catalogGuard}
	catalogClient := catalog.NewClient(
		resilience.NewClient(resilience.ClientOptions{
			BaseURL:    cfg.Services.CatalogURL,
			Timeout:    cfg.Checkout.CatalogTimeout,
			RetryCount: cfg.Services.RetryCount,
			RetryWait:  cfg.Services.RetryWait,
			Headers:    ServiceHeaders(cfg),
		}),
		catalogGuard,
	)

	var payer payments.Payer
	if cfg.Services.PaymentURL == "" {
		log.Info("no payment service configured, charging in process")
		payer = payments.NewProcessor(payStore, payments.OrderStoreLookup{Store: orderStore}, &payments.SimulatedGateway{})
	} else {
		// no resty retries: a repeated POST /pay is answered by the guard record
		payGuard := resilience.NewGuard("payment", "order-service", 32)
		guards = append(guards, payGuard)
		payer = payments.NewClient(
			resilience.NewClient(resilience.ClientOptions{
				BaseURL: cfg.Services.PaymentURL,
				Timeout: cfg.Checkout.PaymentTimeout,
			}),
			payGuard,
		)
	}

	var emitter checkout.Emitter
	if backend.CloudWatch != nil && cfg.AWS.CloudWatchNamespace != "" {
		emitter = aws.NewMetricEmitter(backend.CloudWatch, cfg.AWS.CloudWatchNamespace)
	}

	orch := checkout.New(checkout.Deps{
		Pricer:   pricing.NewResolver(catalogClient, cfg.Checkout.PricingConcurrency),
		Coupons:  catalogClient,
		Orders:   orderStore,
		Claims:   idem,
		Payer:    payer,
		Payments: payStore,
		Notifier: notifier,
		Emitter:  emitter,
	}, checkout.OptionsFrom(cfg.Checkout))

	return &OrderService{
		Backend:      backend,
		Idempotency:  idem,
		Orders:       orderStore,
		Payments:     payStore,
		Catalog:      catalogClient,
		Orchestrator: orch,
		Guards:       guards,
	}, nil
}

// DirectNotifier fans out to the HTTP notification service and Telegram, whichever are configured.
func DirectNotifier(cfg *config.Config) (notify.Notifier, error) {
	var sinks notify.Multi
	if cfg.Services.NotificationURL != "" {
		sinks = append(sinks, notify.NewHTTP(resilience.NewClient(resilience.ClientOptions{
			BaseURL: cfg.Services.NotificationURL,
			Timeout: cfg.Checkout.NotifyTimeout,
		})))
	}
	if cfg.Telegram.Token != "" {
		tg, err := notify.NewTelegramFromToken(cfg.Telegram.Token, cfg.Telegram.Chats, cfg.Checkout.NotifyTimeout)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		sinks = append(sinks, tg)
	}
	if len(sinks) == 0 {
		return notify.Noop{}, nil
	}
	return sinks, nil
}
