package payments

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/mymelodiess/food-delivery-microservices/internal/aws"
)

// ErrAlreadyPaid is returned by Store.Record when the order already has a SUCCESS record.
var ErrAlreadyPaid = errors.New("order already has a successful payment")

// Store keeps payment records, the per-order success guard and saved cards in one table.
//
//	PAYMENT#<id>   payment attempt
//	SUCCESS#<oid>  guard item, written with the order's SUCCESS record
//	METHOD#<id>    saved card
type Store struct {
	client        aws.DynamoDBAPI
	tableName     string
	countersTable string
	nowFunc       func() time.Time
}

func NewStore(client aws.DynamoDBAPI, tableName, countersTable string) *Store {
	return &Store{client: client, tableName: tableName, countersTable: countersTable, nowFunc: time.Now}
}

// WithClock overrides the time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.nowFunc = now
	return s
}

func paymentKey(id int64) string      { return "PAYMENT#" + strconv.FormatInt(id, 10) }
func successKey(orderID int64) string { return "SUCCESS#" + strconv.FormatInt(orderID, 10) }
func methodKey(id int64) string       { return "METHOD#" + strconv.FormatInt(id, 10) }

func keyAttr(k string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"payment_key": &types.AttributeValueMemberS{Value: k}}
}

// Record assigns an id to rec and persists it. A SUCCESS record is written together with the
// order's success guard; a second SUCCESS for the same order fails with ErrAlreadyPaid.
func (s *Store) Record(ctx context.Context, rec Record) (*Record, error) {
	id, err := aws.NextSequence(ctx, s.client, s.countersTable, paymentCounter)
	if err != nil {
		return nil, err
	}
	rec.PaymentID = id
	rec.PaymentKey = paymentKey(id)
	rec.RecordKind = recordKindPayment
	rec.CreatedAt = s.nowFunc().UTC()

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal payment: %w", err)
	}
	put := &types.Put{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(payment_key)"),
	}

	if rec.Status != StatusSuccess {
		_, err := s.client.PutItem(ctx, &dyn.PutItemInput{
			TableName:           put.TableName,
			Item:                put.Item,
			ConditionExpression: put.ConditionExpression,
		})
		if err != nil {
			return nil, fmt.Errorf("put payment: %w", err)
		}
		return &rec, nil
	}

	guard := keyAttr(successKey(rec.OrderID))
	guard["transaction_id"] = &types.AttributeValueMemberS{Value: rec.TransactionID}
	guard["paid_payment_id"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(id, 10)}
	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: put},
			{Put: &types.Put{
				TableName:           &s.tableName,
				Item:                guard,
				ConditionExpression: awsString("attribute_not_exists(payment_key)"),
			}},
		},
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			return nil, ErrAlreadyPaid
		}
		return nil, fmt.Errorf("transact payment: %w", err)
	}
	return &rec, nil
}

// Get returns a payment by id, or (nil, nil).
func (s *Store) Get(ctx context.Context, paymentID int64) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            keyAttr(paymentKey(paymentID)),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal payment: %w", err)
	}
	return &rec, nil
}

// FindSuccess returns the SUCCESS record of an order, or (nil, nil).
func (s *Store) FindSuccess(ctx context.Context, orderID int64) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            keyAttr(successKey(orderID)),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get success guard: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var guard struct {
		PaymentID int64 `dynamodbav:"paid_payment_id"`
	}
	if err := attributevalue.UnmarshalMap(out.Item, &guard); err != nil {
		return nil, fmt.Errorf("unmarshal success guard: %w", err)
	}
	return s.Get(ctx, guard.PaymentID)
}

// List returns every payment, newest first.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	var out []Record
	err := s.query(ctx, KindIndex, "record_kind", &types.AttributeValueMemberS{Value: recordKindPayment}, &out)
	return out, err
}

// ListByOrder returns the attempts for one order, newest first.
func (s *Store) ListByOrder(ctx context.Context, orderID int64) ([]Record, error) {
	var out []Record
	err := s.query(ctx, OrderIndex, "order_id", &types.AttributeValueMemberN{Value: strconv.FormatInt(orderID, 10)}, &out)
	return out, err
}

// SaveMethod stores a card for ownerID. cardNumber is reduced to its last four digits.
func (s *Store) SaveMethod(ctx context.Context, ownerID int64, cardNumber, holder, expiry, bank string) (*Method, error) {
	id, err := aws.NextSequence(ctx, s.client, s.countersTable, methodCounter)
	if err != nil {
		return nil, err
	}
	m := Method{
		PaymentKey: methodKey(id),
		MethodID:   id,
		OwnerID:    ownerID,
		CardLast4:  last4(cardNumber),
		CardHolder: holder,
		ExpiryDate: expiry,
		BankName:   bank,
		RecordKind: recordKindMethod,
		CreatedAt:  s.nowFunc().UTC(),
	}
	item, err := attributevalue.MarshalMap(m)
	if err != nil {
		return nil, fmt.Errorf("marshal method: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(payment_key)"),
	})
	if err != nil {
		return nil, fmt.Errorf("put method: %w", err)
	}
	return &m, nil
}

// ListMethods returns the cards saved by ownerID, newest first.
func (s *Store) ListMethods(ctx context.Context, ownerID int64) ([]Method, error) {
	var out []Method
	err := s.query(ctx, OwnerIndex, "owner_id", &types.AttributeValueMemberN{Value: strconv.FormatInt(ownerID, 10)}, &out)
	return out, err
}

func (s *Store) query(ctx context.Context, index, hashAttr string, hash types.AttributeValue, out interface{}) error {
	in := &dyn.QueryInput{
		TableName:                 &s.tableName,
		IndexName:                 &index,
		KeyConditionExpression:    awsString("#h = :h"),
		ExpressionAttributeNames:  map[string]string{"#h": hashAttr},
		ExpressionAttributeValues: map[string]types.AttributeValue{":h": hash},
		ScanIndexForward:          awsBool(false),
	}
	var items []map[string]types.AttributeValue
	for {
		page, err := s.client.Query(ctx, in)
		if err != nil {
			return fmt.Errorf("query %s: %w", index, err)
		}
		items = append(items, page.Items...)
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = page.LastEvaluatedKey
	}
	if err := attributevalue.UnmarshalListOfMaps(items, out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", index, err)
	}
	return nil
}

func last4(card string) string {
	digits := make([]rune, 0, len(card))
	for _, r := range card {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) > 4 {
		digits = digits[len(digits)-4:]
	}
	return string(digits)
}

func awsString(s string) *string { return &s }

func awsBool(b bool) *bool { return &b }
