package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/mymelodiess/food-delivery-microservices/internal/apperr"
	"github.com/mymelodiess/food-delivery-microservices/internal/aws"
	"github.com/mymelodiess/food-delivery-microservices/internal/idempotency"
)

// counterName is the row in the counters table that hands out order ids.
const counterName = "orders"

// maxStatusRetries bounds re-reads when a concurrent writer changes status under us.
const maxStatusRetries = 3

// ErrStatusMismatch is returned by UpdateStatus when the stored status is not the expected one.
var ErrStatusMismatch = errors.New("status mismatch/conditional failed")

// ErrNotFound is returned for operations on an order id that does not exist.
var ErrNotFound = errors.New("order not found")

// Store encapsulates operations on the orders table.
type Store struct {
	client        aws.DynamoDBAPI
	tableName     string
	countersTable string
	idem          *idempotency.Store
	nowFunc       func() time.Time
}

// NewStore creates a new orders Store. idem is the idempotency store order creation is keyed on.
func NewStore(client aws.DynamoDBAPI, tableName, countersTable string, idem *idempotency.Store) *Store {
	return &Store{
		client:        client,
		tableName:     tableName,
		countersTable: countersTable,
		idem:          idem,
		nowFunc:       time.Now,
	}
}

// WithClock overrides the time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.nowFunc = now
	return s
}

// NextID hands out the next order id from an atomic counter.
func (s *Store) NextID(ctx context.Context) (int64, error) {
	return aws.NextSequence(ctx, s.client, s.countersTable, counterName)
}

// CreateWithIdempotencyTransaction atomically creates:
//   - idempotency record in the idempotency table (attribute_not_exists(idempotency_key))
//   - order record in orders table, status PENDING_PAYMENT
//
// When key was already used it returns the order created under it and created=false.
// Ids are taken from the counter before the write, so a replay leaves a gap in the sequence.
func (s *Store) CreateWithIdempotencyTransaction(ctx context.Context, key string, order Order) (*Order, bool, error) {
	id, err := s.NextID(ctx)
	if err != nil {
		return nil, false, err
	}

	now := s.nowFunc().UTC()
	order.OrderID = id
	order.Status = StatusPendingPayment
	order.IdempotencyKey = key
	order.CreatedAt = now
	order.CreatedEpoch = now.Unix()
	order.UpdatedAt = now

	orderMap, err := attributevalue.MarshalMap(order)
	if err != nil {
		return nil, false, fmt.Errorf("marshal order item: %w", err)
	}
	idemPut, err := s.idem.TransactPut(key, id)
	if err != nil {
		return nil, false, err
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			idemPut,
			{
				Put: &types.Put{
					TableName:           &s.tableName,
					Item:                orderMap,
					ConditionExpression: awsString("attribute_not_exists(order_id)"),
				},
			},
		},
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if !errors.As(err, &tce) {
			return nil, false, fmt.Errorf("transact write: %w", err)
		}
		existing, ferr := s.FindByIdempotencyKey(ctx, key)
		if ferr != nil {
			return nil, false, ferr
		}
		if existing == nil {
			return nil, false, fmt.Errorf("transaction canceled but no order under key %s: %w", key, err)
		}
		return existing, false, nil
	}
	return &order, true, nil
}

// FindByIdempotencyKey returns the order created under key, or (nil, nil).
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (*Order, error) {
	rec, err := s.idem.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.OrderID == 0 {
		return nil, nil
	}
	return s.Get(ctx, rec.OrderID)
}

// Get fetches an order by order_id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, orderID int64) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            orderKey(orderID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// List returns orders newest first, narrowed by branch or user.
func (s *Store) List(ctx context.Context, f Filter) ([]Order, error) {
	switch {
	case f.BranchID != nil:
		return s.queryIndex(ctx, BranchIndex, "branch_id", numberValue(*f.BranchID), nil, f.Limit)
	case f.UserID != nil:
		return s.queryIndex(ctx, UserIndex, "user_id", numberValue(*f.UserID), nil, f.Limit)
	default:
		return s.scanAll(ctx, f.Limit)
	}
}

// ListPendingOlderThan returns PENDING_PAYMENT orders created before cutoff.
func (s *Store) ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]Order, error) {
	filter := &filterExpr{
		expr:   "created_epoch < :cutoff",
		values: map[string]types.AttributeValue{":cutoff": numberValue(cutoff.Unix())},
	}
	out, err := s.queryIndex(ctx, StatusIndex, "status", &types.AttributeValueMemberS{Value: StatusPendingPayment}, filter, 0)
	if err != nil {
		return nil, err
	}
	// oldest first so the sweep works through the backlog in order
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

type filterExpr struct {
	expr   string
	values map[string]types.AttributeValue
}

func (s *Store) queryIndex(ctx context.Context, index, hashAttr string, hashValue types.AttributeValue, filter *filterExpr, limit int) ([]Order, error) {
	values := map[string]types.AttributeValue{":h": hashValue}
	in := &dyn.QueryInput{
		TableName:                 &s.tableName,
		IndexName:                 &index,
		KeyConditionExpression:    awsString("#h = :h"),
		ExpressionAttributeNames:  map[string]string{"#h": hashAttr},
		ExpressionAttributeValues: values,
		ScanIndexForward:          awsBool(false),
	}
	if filter != nil {
		in.FilterExpression = &filter.expr
		for k, v := range filter.values {
			values[k] = v
		}
	}

	var out []Order
	for {
		page, err := s.client.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", index, err)
		}
		var batch []Order
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("unmarshal orders: %w", err)
		}
		out = append(out, batch...)
		if len(page.LastEvaluatedKey) == 0 || (limit > 0 && len(out) >= limit) {
			break
		}
		in.ExclusiveStartKey = page.LastEvaluatedKey
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) scanAll(ctx context.Context, limit int) ([]Order, error) {
	in := &dyn.ScanInput{TableName: &s.tableName}
	var out []Order
	for {
		page, err := s.client.Scan(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("scan orders: %w", err)
		}
		var batch []Order
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("unmarshal orders: %w", err)
		}
		out = append(out, batch...)
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = page.LastEvaluatedKey
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID > out[j].OrderID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// StatusOption sets extra attributes alongside a status change.
type StatusOption func(*statusUpdate)

type statusUpdate struct {
	transactionID string
	reason        string
}

// WithTransactionID records the payment transaction that paid the order.
func WithTransactionID(id string) StatusOption {
	return func(u *statusUpdate) { u.transactionID = id }
}

// WithReason records why an order failed or was cancelled.
func WithReason(reason string) StatusOption {
	return func(u *statusUpdate) { u.reason = reason }
}

// SetStatus moves an order to status `to` if the state machine allows it from the stored status.
// Invalid moves fail with apperr.InvalidTransition; missing orders with apperr.NotFound.
func (s *Store) SetStatus(ctx context.Context, orderID int64, to string, opts ...StatusOption) (*Order, error) {
	if !KnownStatus(to) {
		return nil, apperr.Newf(apperr.InputInvalid, "unknown order status %q", to)
	}
	for attempt := 0; attempt < maxStatusRetries; attempt++ {
		cur, err := s.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if cur == nil {
			return nil, apperr.Wrap(apperr.NotFound, fmt.Sprintf("order %d not found", orderID), ErrNotFound)
		}
		if !ValidTransition(cur.Status, to) {
			return nil, apperr.Newf(apperr.InvalidTransition, "order %d cannot move from %s to %s", orderID, cur.Status, to)
		}
		updated, err := s.UpdateStatus(ctx, orderID, cur.Status, to, opts...)
		if errors.Is(err, ErrStatusMismatch) {
			continue
		}
		return updated, err
	}
	return nil, apperr.Newf(apperr.InvalidTransition, "order %d changed concurrently, could not move to %s", orderID, to)
}

// UpdateStatus conditionally updates the order status from expected -> newStatus without
// consulting the state machine. Returns ErrStatusMismatch if the condition failed.
func (s *Store) UpdateStatus(ctx context.Context, orderID int64, expectedStatus, newStatus string, opts ...StatusOption) (*Order, error) {
	var u statusUpdate
	for _, o := range opts {
		o(&u)
	}

	now := s.nowFunc().UTC()
	updateExpr := "SET #s = :new, updated_at = :ua"
	values := map[string]types.AttributeValue{
		":new":      &types.AttributeValueMemberS{Value: newStatus},
		":ua":       &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		":expected": &types.AttributeValueMemberS{Value: expectedStatus},
	}
	if u.transactionID != "" {
		updateExpr += ", transaction_id = :tx"
		values[":tx"] = &types.AttributeValueMemberS{Value: u.transactionID}
	}
	if u.reason != "" {
		updateExpr += ", failure_reason = :r"
		values[":r"] = &types.AttributeValueMemberS{Value: u.reason}
	}

	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       orderKey(orderID),
		UpdateExpression:          &updateExpr,
		ExpressionAttributeNames:  map[string]string{"#s": "status"},
		ExpressionAttributeValues: values,
		ConditionExpression:       awsString("attribute_exists(order_id) AND #s = :expected"),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		if idempotency.IsConditionFailed(err) {
			return nil, ErrStatusMismatch
		}
		return nil, fmt.Errorf("update item: %w", err)
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Attributes, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// IncrementPaymentAttempts increases the payment attempt counter by 1.
func (s *Store) IncrementPaymentAttempts(ctx context.Context, orderID int64) (int, error) {
	now := s.nowFunc().UTC()
	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 orderKey(orderID),
		UpdateExpression:    awsString("SET payment_attempts = if_not_exists(payment_attempts, :zero) + :inc, updated_at = :ua"),
		ConditionExpression: awsString("attribute_exists(order_id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero": &types.AttributeValueMemberN{Value: "0"},
			":inc":  &types.AttributeValueMemberN{Value: "1"},
			":ua":   &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		if idempotency.IsConditionFailed(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("increment payment attempts: %w", err)
	}
	var res struct {
		Attempts int `dynamodbav:"payment_attempts"`
	}
	if err := attributevalue.UnmarshalMap(out.Attributes, &res); err != nil {
		return 0, fmt.Errorf("unmarshal attempts: %w", err)
	}
	return res.Attempts, nil
}

func orderKey(id int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"order_id": numberValue(id)}
}

func numberValue(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func awsString(s string) *string { return &s }

func awsBool(b bool) *bool { return &b }
