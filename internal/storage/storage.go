// Package storage picks the DynamoDB backend for a service: the AWS client, or the in-process
// memdynamo when STORAGE=memory.
package storage

import (
	"context"

	"github.com/mymelodiess/food-delivery-microservices/internal/aws"
	"github.com/mymelodiess/food-delivery-microservices/internal/aws/memdynamo"
	"github.com/mymelodiess/food-delivery-microservices/internal/config"
	"github.com/mymelodiess/food-delivery-microservices/internal/orders"
	"github.com/mymelodiess/food-delivery-microservices/internal/payments"
	log "github.com/sirupsen/logrus"
)

// Backend bundles the clients a service needs from AWS.
type Backend struct {
	DynamoDB   aws.DynamoDBAPI
	SQS        aws.SQSAPI
	CloudWatch aws.CloudWatchAPI
}

// Open returns the backend configured by cfg. In memory mode SQS and CloudWatch are nil;
// callers treat a nil publisher or emitter as disabled.
func Open(ctx context.Context, cfg *config.Config) (*Backend, error) {
	if cfg.MemoryStorage() {
		log.WithField("storage", "memory").Warn("using in-process DynamoDB; data is lost on restart")
		return &Backend{DynamoDB: NewMemory(cfg.AWS)}, nil
	}
	clients, err := aws.NewAWSClients(ctx, cfg.AWS.Region, cfg.AWS.EndpointOverride)
	if err != nil {
		return nil, err
	}
	return &Backend{
		DynamoDB:   clients.DynamoDB,
		SQS:        clients.SQS,
		CloudWatch: clients.CloudWatch,
	}, nil
}

// NewMemory builds a memdynamo with every table and index the services use.
func NewMemory(tables config.AWSConfig) *memdynamo.DB {
	return memdynamo.New().
		CreateTable(tables.IdempotencyTable, "idempotency_key", "").
		CreateTable(tables.CountersTable, "name", "").
		CreateTable(tables.OrdersTable, "order_id", "").
		AddIndex(tables.OrdersTable, orders.BranchIndex, "branch_id", "order_id").
		AddIndex(tables.OrdersTable, orders.UserIndex, "user_id", "order_id").
		AddIndex(tables.OrdersTable, orders.StatusIndex, "status", "order_id").
		CreateTable(tables.PaymentsTable, "payment_key", "").
		AddIndex(tables.PaymentsTable, payments.OrderIndex, "order_id", "payment_id").
		AddIndex(tables.PaymentsTable, payments.KindIndex, "record_kind", "payment_id").
		AddIndex(tables.PaymentsTable, payments.OwnerIndex, "owner_id", "method_id")
}
