package policy

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryDDB fakes the DynamoDB API over a process-local map keyed by
// "name:version".
type memoryDDB struct {
	mu   sync.RWMutex
	rows map[string]map[string]types.AttributeValue
}

func newMemoryDDB() *memoryDDB {
	return &memoryDDB{
		rows: make(map[string]map[string]types.AttributeValue),
	}
}

func itemVersion(item map[string]types.AttributeValue) int64 {
	attr, ok := item["version"].(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	v, _ := strconv.ParseInt(attr.Value, 10, 64)
	return v
}

func (d *memoryDDB) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	name := params.Item["policy_name"].(*types.AttributeValueMemberS).Value
	version := params.Item["version"].(*types.AttributeValueMemberN).Value
	key := name + ":" + version

	if params.ConditionExpression != nil && *params.ConditionExpression == "attribute_not_exists(version)" {
		if _, taken := d.rows[key]; taken {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
		}
	}

	d.rows[key] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (d *memoryDDB) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	name := params.ExpressionAttributeValues[":name"].(*types.AttributeValueMemberS).Value

	var matched []map[string]types.AttributeValue
	for _, row := range d.rows {
		if row["policy_name"].(*types.AttributeValueMemberS).Value == name {
			matched = append(matched, row)
		}
	}

	desc := params.ScanIndexForward != nil && !*params.ScanIndexForward
	sort.Slice(matched, func(i, j int) bool {
		if desc {
			return itemVersion(matched[i]) > itemVersion(matched[j])
		}
		return itemVersion(matched[i]) < itemVersion(matched[j])
	})

	if params.Limit != nil && int(*params.Limit) < len(matched) {
		matched = matched[:*params.Limit]
	}

	return &dynamodb.QueryOutput{Items: matched}, nil
}

func (d *memoryDDB) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	name := params.Key["policy_name"].(*types.AttributeValueMemberS).Value
	version := params.Key["version"].(*types.AttributeValueMemberN).Value
	delete(d.rows, name+":"+version)
	return &dynamodb.DeleteItemOutput{}, nil
}

// staleReadClient hides committed versions from Query, simulating a
// writer racing ahead between the version check and the conditional
// put.
type staleReadClient struct {
	*memoryDDB
}

func (c *staleReadClient) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	return &dynamodb.QueryOutput{}, nil
}

func TestDDBStorePutAndGet(t *testing.T) {
	ctx := context.Background()
	ddb := newMemoryDDB()
	store, err := NewDDBStore(ddb, "basalt-policies")
	require.NoError(t, err)

	cooldownAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Put(ctx, Policy{
		Name:        "cold",
		Version:     1,
		Resource:    "s3_cold",
		CooldownTTL: 48 * time.Hour,
		CooldownAt:  cooldownAt,
	}))

	p, err := store.Get(ctx, "cold")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Version)
	assert.Equal(t, "s3_cold", p.Resource)
	assert.Equal(t, 48*time.Hour, p.CooldownTTL)
	assert.True(t, p.CooldownAt.Equal(cooldownAt))
}

func TestDDBStoreGetMissing(t *testing.T) {
	store, err := NewDDBStore(newMemoryDDB(), "basalt-policies")
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrPolicyNotFound)
}

func TestDDBStoreRejectsStaleVersions(t *testing.T) {
	ctx := context.Background()
	store, err := NewDDBStore(newMemoryDDB(), "basalt-policies")
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, Policy{Name: "cold", Version: 2}))

	assert.ErrorIs(t, store.Put(ctx, Policy{Name: "cold", Version: 1}), ErrStaleVersion)
	assert.ErrorIs(t, store.Put(ctx, Policy{Name: "cold", Version: 2}), ErrStaleVersion)

	// Get keeps returning the highest version.
	require.NoError(t, store.Put(ctx, Policy{Name: "cold", Version: 10}))
	p, err := store.Get(ctx, "cold")
	require.NoError(t, err)
	assert.Equal(t, int64(10), p.Version)
}

func TestDDBStoreConcurrentWriterDetected(t *testing.T) {
	ctx := context.Background()
	ddb := newMemoryDDB()

	committed, err := NewDDBStore(ddb, "basalt-policies")
	require.NoError(t, err)
	require.NoError(t, committed.Put(ctx, Policy{Name: "cold", Version: 1}))

	// This store believes version 1 is still free and falls into the
	// conditional-write conflict.
	racing, err := NewDDBStore(&staleReadClient{ddb}, "basalt-policies")
	require.NoError(t, err)
	assert.ErrorIs(t, racing.Put(ctx, Policy{Name: "cold", Version: 1}), ErrStaleVersion)
}

func TestDDBStoreDeleteRemovesAllVersions(t *testing.T) {
	ctx := context.Background()
	ddb := newMemoryDDB()
	store, err := NewDDBStore(ddb, "basalt-policies")
	require.NoError(t, err)

	for v := int64(1); v <= 3; v++ {
		require.NoError(t, store.Put(ctx, Policy{Name: "cold", Version: v}))
	}
	require.NoError(t, store.Put(ctx, Policy{Name: "warm", Version: 1}))

	require.NoError(t, store.Delete(ctx, "cold"))

	_, err = store.Get(ctx, "cold")
	assert.ErrorIs(t, err, ErrPolicyNotFound)
	assert.Len(t, ddb.rows, 1)

	_, err = store.Get(ctx, "warm")
	assert.NoError(t, err)
}

func TestDDBStoreValidation(t *testing.T) {
	_, err := NewDDBStore(nil, "basalt-policies")
	assert.Error(t, err)

	_, err = NewDDBStore(newMemoryDDB(), "")
	assert.Error(t, err)
}

func TestMgrWithDDBStore(t *testing.T) {
	ctx := context.Background()
	ddb := newMemoryDDB()

	store, err := NewDDBStore(ddb, "basalt-policies")
	require.NoError(t, err)
	m := NewMgr(func(o *Options) {
		o.Store = store
	})

	require.NoError(t, m.Update(ctx, Policy{Name: "cold", Version: 1, Resource: "s3_cold"}))

	// A second manager over the same table sees the committed policy.
	other := NewMgr(func(o *Options) {
		o.Store = store
	})
	p, err := other.Get(ctx, "cold")
	require.NoError(t, err)
	assert.Equal(t, "s3_cold", p.Resource)
}
