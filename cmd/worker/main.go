package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	log "github.com/sirupsen/logrus"

	"github.com/mymelodiess/food-delivery-microservices/internal/app"
	"github.com/mymelodiess/food-delivery-microservices/internal/config"
	"github.com/mymelodiess/food-delivery-microservices/internal/logging"
)

const serviceName = "order-worker"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logging.Setup(serviceName, cfg.LogLevel)
	ctx := context.Background()

	svc, err := app.NewOrderService(ctx, cfg, false)
	if err != nil {
		log.WithError(err).Fatal("failed to init order service")
	}
	sink, err := app.DirectNotifier(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to init notifiers")
	}
	p := NewProcessor(sink, svc.Orchestrator, cfg.Checkout.NotifyTimeout)

	// RUN_LOCAL feeds one payload from LOCAL_EVENT, defaulting to a reconciliation sweep.
	if cfg.RunLocal {
		body := os.Getenv("LOCAL_EVENT")
		if body == "" {
			body = `{"detail-type":"Scheduled Event"}`
		}
		out, err := p.Handle(ctx, json.RawMessage(body))
		if err != nil {
			log.WithError(err).Fatal("local handler error")
		}
		log.WithField("result", out).Info("local event handled")
		return
	}

	lambda.Start(p.Handle)
}
