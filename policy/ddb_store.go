package policy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the slice of the DynamoDB client the store calls.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DDBStore persists policies in a DynamoDB table so every backend in
// the cluster observes the same versions. Conditional writes give the
// compare-and-swap semantics a shared filesystem lacks.
//
// The table keys policies by policy_name (string partition key) with a
// numeric version sort key, one item per committed version:
//
//	aws dynamodb create-table --table-name basalt-policies \
//	  --attribute-definitions AttributeName=policy_name,AttributeType=S AttributeName=version,AttributeType=N \
//	  --key-schema AttributeName=policy_name,KeyType=HASH AttributeName=version,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type DDBStore struct {
	client    DynamoAPI
	tableName string
}

// NewDDBStore creates a store over an existing DynamoDB table.
func NewDDBStore(client DynamoAPI, tableName string) (*DDBStore, error) {
	if client == nil {
		return nil, errors.New("policy: dynamodb client must not be nil")
	}
	if tableName == "" {
		return nil, errors.New("policy: table name must not be empty")
	}
	return &DDBStore{client: client, tableName: tableName}, nil
}

// NewDDBStoreFromConfig creates a store using the ambient AWS
// configuration (environment, shared config files, instance role).
func NewDDBStoreFromConfig(ctx context.Context, tableName string) (*DDBStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy: load aws config: %w", err)
	}
	return NewDDBStore(dynamodb.NewFromConfig(awsCfg), tableName)
}

// Get implements Store. It returns the highest committed version.
func (s *DDBStore) Get(ctx context.Context, name string) (Policy, error) {
	p, found, err := s.latest(ctx, name)
	if err != nil {
		return Policy{}, err
	}
	if !found {
		return Policy{}, fmt.Errorf("%w: %s", ErrPolicyNotFound, name)
	}
	return p, nil
}

// Put implements Store. The write succeeds only when p.Version exceeds
// the latest stored version and no concurrent writer claimed it first.
func (s *DDBStore) Put(ctx context.Context, p Policy) error {
	cur, found, err := s.latest(ctx, p.Name)
	if err != nil {
		return err
	}
	if found && p.Version <= cur.Version {
		return fmt.Errorf("%w: %s version %d, stored %d", ErrStaleVersion, p.Name, p.Version, cur.Version)
	}

	var cooldownAt int64
	if !p.CooldownAt.IsZero() {
		cooldownAt = p.CooldownAt.Unix()
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"policy_name":          &types.AttributeValueMemberS{Value: p.Name},
			"version":              &types.AttributeValueMemberN{Value: strconv.FormatInt(p.Version, 10)},
			"resource":             &types.AttributeValueMemberS{Value: p.Resource},
			"cooldown_ttl_seconds": &types.AttributeValueMemberN{Value: strconv.FormatInt(int64(p.CooldownTTL/time.Second), 10)},
			"cooldown_at_unix":     &types.AttributeValueMemberN{Value: strconv.FormatInt(cooldownAt, 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("%w: %s version %d already committed", ErrStaleVersion, p.Name, p.Version)
		}
		return fmt.Errorf("policy: commit %s to dynamodb: %w", p.Name, err)
	}

	return nil
}

// Delete implements Store. All stored versions of the policy are
// removed.
func (s *DDBStore) Delete(ctx context.Context, name string) error {
	resp, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("policy_name = :name"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":name": &types.AttributeValueMemberS{Value: name},
		},
	})
	if err != nil {
		return fmt.Errorf("policy: query dynamodb: %w", err)
	}

	for _, item := range resp.Items {
		verAttr, ok := item["version"].(*types.AttributeValueMemberN)
		if !ok {
			return errors.New("policy: invalid version attribute in dynamodb")
		}
		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.tableName),
			Key: map[string]types.AttributeValue{
				"policy_name": &types.AttributeValueMemberS{Value: name},
				"version":     verAttr,
			},
		})
		if err != nil {
			return fmt.Errorf("policy: delete %s from dynamodb: %w", name, err)
		}
	}

	return nil
}

// latest queries DynamoDB for the highest committed version of name.
func (s *DDBStore) latest(ctx context.Context, name string) (Policy, bool, error) {
	resp, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("policy_name = :name"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":name": &types.AttributeValueMemberS{Value: name},
		},
		ScanIndexForward: aws.Bool(false), // newest version first
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return Policy{}, false, fmt.Errorf("policy: query dynamodb: %w", err)
	}

	if len(resp.Items) == 0 {
		return Policy{}, false, nil
	}

	p, err := policyFromItem(name, resp.Items[0])
	if err != nil {
		return Policy{}, false, err
	}
	return p, true, nil
}

func policyFromItem(name string, item map[string]types.AttributeValue) (Policy, error) {
	p := Policy{Name: name}

	verAttr, ok := item["version"].(*types.AttributeValueMemberN)
	if !ok {
		return Policy{}, errors.New("policy: invalid version attribute in dynamodb")
	}
	version, err := strconv.ParseInt(verAttr.Value, 10, 64)
	if err != nil {
		return Policy{}, fmt.Errorf("policy: parse version: %w", err)
	}
	p.Version = version

	if attr, ok := item["resource"].(*types.AttributeValueMemberS); ok {
		p.Resource = attr.Value
	}
	if attr, ok := item["cooldown_ttl_seconds"].(*types.AttributeValueMemberN); ok {
		secs, err := strconv.ParseInt(attr.Value, 10, 64)
		if err != nil {
			return Policy{}, fmt.Errorf("policy: parse cooldown ttl: %w", err)
		}
		p.CooldownTTL = time.Duration(secs) * time.Second
	}
	if attr, ok := item["cooldown_at_unix"].(*types.AttributeValueMemberN); ok {
		unix, err := strconv.ParseInt(attr.Value, 10, 64)
		if err != nil {
			return Policy{}, fmt.Errorf("policy: parse cooldown datetime: %w", err)
		}
		if unix > 0 {
			p.CooldownAt = time.Unix(unix, 0).UTC()
		}
	}

	return p, nil
}
