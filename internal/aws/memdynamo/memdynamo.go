// Package memdynamo is an in-process stand-in for the DynamoDB operations the stores use.
// It is used by STORAGE=memory local runs and by tests. Condition, key-condition, filter and
// update expressions cover the subset the stores emit.
package memdynamo

import (
	"context"
	"fmt"
	"sort"
	"sync"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type index struct {
	hashKey  string
	rangeKey string
}

type table struct {
	key     index
	indexes map[string]index
	items   map[string]map[string]types.AttributeValue
}

// DB holds tables in memory. It is safe for concurrent use; every call is serialised.
type DB struct {
	mu     sync.Mutex
	tables map[string]*table
}

func New() *DB {
	return &DB{tables: map[string]*table{}}
}

// CreateTable registers a table. rangeKey may be empty.
func (db *DB) CreateTable(name, hashKey, rangeKey string) *DB {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.tables[name] = &table{
		key:     index{hashKey: hashKey, rangeKey: rangeKey},
		indexes: map[string]index{},
		items:   map[string]map[string]types.AttributeValue{},
	}
	return db
}

// AddIndex registers a global secondary index on an existing table.
func (db *DB) AddIndex(tableName, indexName, hashKey, rangeKey string) *DB {
	db.mu.Lock()
	defer db.mu.Unlock()
	if t, ok := db.tables[tableName]; ok {
		t.indexes[indexName] = index{hashKey: hashKey, rangeKey: rangeKey}
	}
	return db
}

// Len returns the number of items in a table.
func (db *DB) Len(tableName string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	if t, ok := db.tables[tableName]; ok {
		return len(t.items)
	}
	return 0
}

// Item returns a copy of the stored item for key, or nil.
func (db *DB) Item(tableName string, key map[string]types.AttributeValue) map[string]types.AttributeValue {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.tables[tableName]
	if !ok {
		return nil
	}
	k, err := t.encodeKey(key)
	if err != nil {
		return nil
	}
	return cloneItem(t.items[k])
}

func (db *DB) table(name *string) (*table, error) {
	if name == nil {
		return nil, fmt.Errorf("table name is required")
	}
	t, ok := db.tables[*name]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: sdkaws.String("Requested resource not found: Table: " + *name + " not found")}
	}
	return t, nil
}

func (t *table) encodeKey(item map[string]types.AttributeValue) (string, error) {
	h, ok := item[t.key.hashKey]
	if !ok {
		return "", fmt.Errorf("missing key attribute %s", t.key.hashKey)
	}
	k := encode(h)
	if t.key.rangeKey != "" {
		r, ok := item[t.key.rangeKey]
		if !ok {
			return "", fmt.Errorf("missing key attribute %s", t.key.rangeKey)
		}
		k += "|" + encode(r)
	}
	return k, nil
}

func (t *table) keyOf(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := map[string]types.AttributeValue{t.key.hashKey: item[t.key.hashKey]}
	if t.key.rangeKey != "" {
		out[t.key.rangeKey] = item[t.key.rangeKey]
	}
	return out
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: sdkaws.String("The conditional request failed")}
}

func check(cond *string, names map[string]string, values map[string]types.AttributeValue, current map[string]types.AttributeValue) (bool, error) {
	if cond == nil {
		return true, nil
	}
	pred, err := compileCondition(*cond, env{names: names, values: values})
	if err != nil {
		return false, err
	}
	if current == nil {
		current = map[string]types.AttributeValue{}
	}
	return pred(current), nil
}

func (db *DB) PutItem(ctx context.Context, in *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, err := db.table(in.TableName)
	if err != nil {
		return nil, err
	}
	k, err := t.encodeKey(in.Item)
	if err != nil {
		return nil, err
	}
	old := t.items[k]
	ok, err := check(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, old)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed()
	}
	t.items[k] = cloneItem(in.Item)
	out := &dyn.PutItemOutput{}
	if in.ReturnValues == types.ReturnValueAllOld {
		out.Attributes = cloneItem(old)
	}
	return out, nil
}

func (db *DB) GetItem(ctx context.Context, in *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, err := db.table(in.TableName)
	if err != nil {
		return nil, err
	}
	k, err := t.encodeKey(in.Key)
	if err != nil {
		return nil, err
	}
	return &dyn.GetItemOutput{Item: cloneItem(t.items[k])}, nil
}

func (db *DB) DeleteItem(ctx context.Context, in *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, err := db.table(in.TableName)
	if err != nil {
		return nil, err
	}
	k, err := t.encodeKey(in.Key)
	if err != nil {
		return nil, err
	}
	old := t.items[k]
	ok, err := check(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, old)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed()
	}
	delete(t.items, k)
	out := &dyn.DeleteItemOutput{}
	if in.ReturnValues == types.ReturnValueAllOld {
		out.Attributes = cloneItem(old)
	}
	return out, nil
}

func (db *DB) UpdateItem(ctx context.Context, in *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, err := db.table(in.TableName)
	if err != nil {
		return nil, err
	}
	old, updated, touched, err := t.applyUpdate(in.Key, in.UpdateExpression, in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}

	out := &dyn.UpdateItemOutput{}
	switch in.ReturnValues {
	case types.ReturnValueAllNew:
		out.Attributes = cloneItem(updated)
	case types.ReturnValueAllOld:
		out.Attributes = cloneItem(old)
	case types.ReturnValueUpdatedNew:
		out.Attributes = map[string]types.AttributeValue{}
		for _, n := range touched {
			if v, ok := updated[n]; ok {
				out.Attributes[n] = clone(v)
			}
		}
	}
	return out, nil
}

// applyUpdate upserts the item at key. Caller holds db.mu.
func (t *table) applyUpdate(key map[string]types.AttributeValue, update, cond *string, names map[string]string, values map[string]types.AttributeValue) (old, updated map[string]types.AttributeValue, touched []string, err error) {
	k, err := t.encodeKey(key)
	if err != nil {
		return nil, nil, nil, err
	}
	old = t.items[k]
	ok, err := check(cond, names, values, old)
	if err != nil {
		return nil, nil, nil, err
	}
	if !ok {
		return nil, nil, nil, conditionFailed()
	}

	updated = cloneItem(old)
	if updated == nil {
		updated = cloneItem(key)
	}
	if update != nil {
		act, err := compileUpdate(*update, env{names: names, values: values})
		if err != nil {
			return nil, nil, nil, err
		}
		if touched, err = act(updated); err != nil {
			return nil, nil, nil, err
		}
	}
	t.items[k] = updated
	return old, updated, touched, nil
}

func (db *DB) Query(ctx context.Context, in *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, err := db.table(in.TableName)
	if err != nil {
		return nil, err
	}
	idx := t.key
	if in.IndexName != nil {
		i, ok := t.indexes[*in.IndexName]
		if !ok {
			return nil, fmt.Errorf("index %s not found on table %s", *in.IndexName, *in.TableName)
		}
		idx = i
	}
	if in.KeyConditionExpression == nil {
		return nil, fmt.Errorf("KeyConditionExpression is required")
	}
	e := env{names: in.ExpressionAttributeNames, values: in.ExpressionAttributeValues}
	keyCond, err := compileCondition(*in.KeyConditionExpression, e)
	if err != nil {
		return nil, err
	}
	var filter predicate
	if in.FilterExpression != nil {
		if filter, err = compileCondition(*in.FilterExpression, e); err != nil {
			return nil, err
		}
	}

	var matched []map[string]types.AttributeValue
	for _, item := range t.items {
		if _, ok := item[idx.hashKey]; !ok {
			continue
		}
		if idx.rangeKey != "" {
			if _, ok := item[idx.rangeKey]; !ok {
				continue
			}
		}
		if keyCond(item) {
			matched = append(matched, item)
		}
	}
	forward := in.ScanIndexForward == nil || *in.ScanIndexForward
	t.sortBy(matched, idx.rangeKey, forward)
	items, last := t.page(matched, idx, in.ExclusiveStartKey, in.Limit, filter)
	return &dyn.QueryOutput{Items: items, Count: int32(len(items)), LastEvaluatedKey: last}, nil
}

func (db *DB) Scan(ctx context.Context, in *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, err := db.table(in.TableName)
	if err != nil {
		return nil, err
	}
	var filter predicate
	if in.FilterExpression != nil {
		filter, err = compileCondition(*in.FilterExpression, env{names: in.ExpressionAttributeNames, values: in.ExpressionAttributeValues})
		if err != nil {
			return nil, err
		}
	}
	all := make([]map[string]types.AttributeValue, 0, len(t.items))
	for _, item := range t.items {
		all = append(all, item)
	}
	t.sortBy(all, t.key.rangeKey, true)
	items, last := t.page(all, t.key, in.ExclusiveStartKey, in.Limit, filter)
	return &dyn.ScanOutput{Items: items, Count: int32(len(items)), LastEvaluatedKey: last}, nil
}

// sortBy orders items by rangeKey, falling back to the primary key so results are deterministic.
func (t *table) sortBy(items []map[string]types.AttributeValue, rangeKey string, forward bool) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if rangeKey != "" {
			if c, ok := compare(a[rangeKey], b[rangeKey]); ok && c != 0 {
				return (c < 0) == forward
			}
		}
		if c, ok := compare(a[t.key.hashKey], b[t.key.hashKey]); ok && c != 0 {
			return (c < 0) == forward
		}
		ka, _ := t.encodeKey(a)
		kb, _ := t.encodeKey(b)
		if ka == kb {
			return false
		}
		return (ka < kb) == forward
	})
}

// page applies ExclusiveStartKey and Limit before the filter, as DynamoDB does.
func (t *table) page(items []map[string]types.AttributeValue, idx index, start map[string]types.AttributeValue, limit *int32, filter predicate) ([]map[string]types.AttributeValue, map[string]types.AttributeValue) {
	if len(start) > 0 {
		sk, err := t.encodeKey(start)
		if err == nil {
			for i, item := range items {
				if k, _ := t.encodeKey(item); k == sk {
					items = items[i+1:]
					break
				}
			}
		}
	}
	var last map[string]types.AttributeValue
	if limit != nil && *limit > 0 && int(*limit) < len(items) {
		items = items[:*limit]
		lastItem := items[len(items)-1]
		last = t.keyOf(lastItem)
		if v, ok := lastItem[idx.hashKey]; ok {
			last[idx.hashKey] = v
		}
		if idx.rangeKey != "" {
			if v, ok := lastItem[idx.rangeKey]; ok {
				last[idx.rangeKey] = v
			}
		}
	}
	out := make([]map[string]types.AttributeValue, 0, len(items))
	for _, item := range items {
		if filter == nil || filter(item) {
			out = append(out, cloneItem(item))
		}
	}
	return out, last
}

// TransactWriteItems checks every condition first and applies nothing unless all pass.
func (db *DB) TransactWriteItems(ctx context.Context, in *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, ti := range in.TransactItems {
		reasons[i] = types.CancellationReason{Code: sdkaws.String("None")}
		var (
			tbl    *string
			key    map[string]types.AttributeValue
			cond   *string
			names  map[string]string
			values map[string]types.AttributeValue
		)
		switch {
		case ti.Put != nil:
			tbl, key, cond, names, values = ti.Put.TableName, ti.Put.Item, ti.Put.ConditionExpression, ti.Put.ExpressionAttributeNames, ti.Put.ExpressionAttributeValues
		case ti.Update != nil:
			tbl, key, cond, names, values = ti.Update.TableName, ti.Update.Key, ti.Update.ConditionExpression, ti.Update.ExpressionAttributeNames, ti.Update.ExpressionAttributeValues
		case ti.Delete != nil:
			tbl, key, cond, names, values = ti.Delete.TableName, ti.Delete.Key, ti.Delete.ConditionExpression, ti.Delete.ExpressionAttributeNames, ti.Delete.ExpressionAttributeValues
		case ti.ConditionCheck != nil:
			tbl, key, cond, names, values = ti.ConditionCheck.TableName, ti.ConditionCheck.Key, ti.ConditionCheck.ConditionExpression, ti.ConditionCheck.ExpressionAttributeNames, ti.ConditionCheck.ExpressionAttributeValues
		default:
			return nil, fmt.Errorf("transact item %d has no operation", i)
		}
		t, err := db.table(tbl)
		if err != nil {
			return nil, err
		}
		k, err := t.encodeKey(key)
		if err != nil {
			return nil, err
		}
		ok, err := check(cond, names, values, t.items[k])
		if err != nil {
			return nil, err
		}
		if !ok {
			failed = true
			reasons[i] = types.CancellationReason{
				Code:    sdkaws.String("ConditionalCheckFailed"),
				Message: sdkaws.String("The conditional request failed"),
			}
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             sdkaws.String("Transaction cancelled, please refer cancellation reasons for specific reasons"),
			CancellationReasons: reasons,
		}
	}

	for _, ti := range in.TransactItems {
		switch {
		case ti.Put != nil:
			t := db.tables[*ti.Put.TableName]
			k, _ := t.encodeKey(ti.Put.Item)
			t.items[k] = cloneItem(ti.Put.Item)
		case ti.Update != nil:
			t := db.tables[*ti.Update.TableName]
			if _, _, _, err := t.applyUpdate(ti.Update.Key, ti.Update.UpdateExpression, nil, ti.Update.ExpressionAttributeNames, ti.Update.ExpressionAttributeValues); err != nil {
				return nil, err
			}
		case ti.Delete != nil:
			t := db.tables[*ti.Delete.TableName]
			k, _ := t.encodeKey(ti.Delete.Key)
			delete(t.items, k)
		}
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}
