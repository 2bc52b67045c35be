package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/mymelodiess/food-delivery-microservices/internal/aws/memdynamo"
)

const table = "idempotency-table"

func newTestStore(now *time.Time) (*Store, *memdynamo.DB) {
	db := memdynamo.New().CreateTable(table, "idempotency_key", "")
	s := NewStore(db, table, 48*time.Hour).WithClock(func() time.Time { return *now })
	return s, db
}

func rawItem(db *memdynamo.DB, key string) map[string]types.AttributeValue {
	return db.Item(table, map[string]types.AttributeValue{"idempotency_key": &types.AttributeValueMemberS{Value: key}})
}

func TestCreateIfNotExists_Get_MarkDone_MarkFailed(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, db := newTestStore(&now)

	ctx := context.Background()
	key := "test-key-1"
	var orderID int64 = 123

	created, err := s.CreateIfNotExists(ctx, key, orderID)
	if err != nil {
		t.Fatalf("CreateIfNotExists error: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true")
	}

	// second create should return created=false (exists)
	created2, err := s.CreateIfNotExists(ctx, key, orderID)
	if err != nil {
		t.Fatalf("second CreateIfNotExists error: %v", err)
	}
	if created2 {
		t.Fatalf("expected created=false on duplicate create")
	}

	rec, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec == nil {
		t.Fatalf("expected record, got nil")
	}
	if rec.Status != StatusInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", rec.Status)
	}
	if rec.OrderID != orderID {
		t.Fatalf("order id mismatch")
	}

	if err := s.MarkDone(ctx, key, "{\"ok\":true}", 201); err != nil {
		t.Fatalf("MarkDone error: %v", err)
	}

	item := rawItem(db, key)
	if st, ok := item["status"].(*types.AttributeValueMemberS); !ok || st.Value != StatusDone {
		t.Fatalf("status not updated to DONE, got %+v", item["status"])
	}
	if rb, ok := item["response_body"].(*types.AttributeValueMemberS); !ok || rb.Value != "{\"ok\":true}" {
		t.Fatalf("response_body not set correctly: %+v", item["response_body"])
	}

	if err := s.MarkFailed(ctx, key, "failed-reason"); err != nil {
		t.Fatalf("MarkFailed error: %v", err)
	}
	item2 := rawItem(db, key)
	if st, ok := item2["status"].(*types.AttributeValueMemberS); !ok || st.Value != StatusFailed {
		t.Fatalf("status not updated to FAILED, got %+v", item2["status"])
	}
	if n, ok := item2["note"].(*types.AttributeValueMemberS); !ok || n.Value != "failed-reason" {
		t.Fatalf("note not set, got %+v", item2["note"])
	}
}

func TestMarkDone_MissingKey(t *testing.T) {
	now := time.Now()
	s, db := newTestStore(&now)
	if err := s.MarkDone(context.Background(), "ghost", "{}", 200); err == nil {
		t.Fatalf("expected error marking a missing key")
	}
	if db.Len(table) != 0 {
		t.Fatalf("MarkDone must not create records")
	}
}

func TestExpiredKeyIsReusable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, _ := newTestStore(&now)
	ctx := context.Background()

	if ok, _ := s.CreateIfNotExists(ctx, "k", 1); !ok {
		t.Fatalf("expected first create to succeed")
	}
	now = now.Add(49 * time.Hour)

	rec, err := s.Get(ctx, "k")
	if err != nil || rec != nil {
		t.Fatalf("expected expired record to read as absent, got %+v, %v", rec, err)
	}
	if ok, err := s.CreateIfNotExists(ctx, "k", 2); err != nil || !ok {
		t.Fatalf("expected expired key to be reusable, got %v, %v", ok, err)
	}
}

func TestTransactPut_ConflictsWithExistingKey(t *testing.T) {
	now := time.Now()
	s, db := newTestStore(&now)
	ctx := context.Background()

	put, err := s.TransactPut("tx-key", 5)
	if err != nil {
		t.Fatalf("TransactPut: %v", err)
	}
	if _, err := db.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: []types.TransactWriteItem{put}}); err != nil {
		t.Fatalf("first transact: %v", err)
	}
	if _, err := db.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: []types.TransactWriteItem{put}}); err == nil {
		t.Fatalf("expected second transact to be cancelled")
	}
}

func TestClaims(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, db := newTestStore(&now)
	ctx := context.Background()
	key := ClaimKey(7, 42)
	if key != "coupon-claim:7:42" {
		t.Fatalf("unexpected claim key %s", key)
	}

	ok, err := s.AcquireClaim(ctx, key, "checkout-a", 15*time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected claim for a, got %v, %v", ok, err)
	}
	if ok, _ := s.AcquireClaim(ctx, key, "checkout-a", 15*time.Minute); !ok {
		t.Fatalf("expected claim to be re-entrant for the same owner")
	}
	if ok, _ := s.AcquireClaim(ctx, key, "checkout-b", 15*time.Minute); ok {
		t.Fatalf("expected claim to be refused for b")
	}

	// releasing someone else's claim is a no-op
	if err := s.ReleaseClaim(ctx, key, "checkout-b"); err != nil {
		t.Fatalf("ReleaseClaim(b): %v", err)
	}
	if db.Len(table) != 1 {
		t.Fatalf("claim of a must survive release by b")
	}

	if err := s.ReleaseClaim(ctx, key, "checkout-a"); err != nil {
		t.Fatalf("ReleaseClaim(a): %v", err)
	}
	if ok, _ := s.AcquireClaim(ctx, key, "checkout-b", 15*time.Minute); !ok {
		t.Fatalf("expected b to claim after release")
	}

	now = now.Add(16 * time.Minute)
	if ok, _ := s.AcquireClaim(ctx, key, "checkout-c", 15*time.Minute); !ok {
		t.Fatalf("expected expired claim to be taken over")
	}
}

func TestAttributevalueMarshal_Unmarshal(t *testing.T) {
	rec := IdempotencyRecord{
		IdempotencyKey: "k1",
		Status:         StatusInProgress,
		OrderID:        1,
		CreatedAt:      time.Now().Round(time.Second),
		UpdatedAt:      time.Now().Round(time.Second),
		ExpiresAt:      time.Now().Add(24 * time.Hour).Unix(),
	}
	m, err := attributevalue.MarshalMap(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, ok := m["order_id"].(*types.AttributeValueMemberN); !ok {
		t.Fatalf("order_id should be stored as a number")
	}
	var out IdempotencyRecord
	if err := attributevalue.UnmarshalMap(m, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.IdempotencyKey != rec.IdempotencyKey || out.OrderID != 1 {
		t.Fatalf("unmarshal mismatch")
	}
}
