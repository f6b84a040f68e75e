package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/bleepstore/bleeprelay/internal/config"
	"github.com/bleepstore/bleeprelay/internal/queue"
)

const dynamoTimeFormat = "2006-01-02T15:04:05.000Z"

// DynamoDBStore mirrors metadata into a single DynamoDB table with a
// pk/sk composite key.
type DynamoDBStore struct {
	client    *dynamodb.Client
	tableName string
}

// NewDynamoDBStore creates a DynamoDBStore from configuration.
func NewDynamoDBStore(ctx context.Context, cfg *config.DynamoDBConfig) (*DynamoDBStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("dynamodb config is required")
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb table name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	if cfg.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.EndpointURL)
	}

	return &DynamoDBStore{
		client:    dynamodb.NewFromConfig(awsCfg),
		tableName: cfg.Table,
	}, nil
}

func (s *DynamoDBStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	return err
}

func (s *DynamoDBStore) Close() error {
	return nil
}

func pkBucket(bucket string) string {
	return "BUCKET#" + bucket
}

func pkObject(bucket, key string) string {
	return "OBJECT#" + bucket + "#" + key
}

func skMetadata() string {
	return "#METADATA"
}

func nowISO() string {
	return time.Now().UTC().Format(dynamoTimeFormat)
}

func (s *DynamoDBStore) PutObjectNoVer(ctx context.Context, bucket, key string, md *queue.ObjectMD) error {
	value, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("serializing object metadata: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"pk":          &types.AttributeValueMemberS{Value: pkObject(bucket, key)},
			"sk":          &types.AttributeValueMemberS{Value: skMetadata()},
			"type":        &types.AttributeValueMemberS{Value: "object"},
			"bucket":      &types.AttributeValueMemberS{Value: bucket},
			"key":         &types.AttributeValueMemberS{Value: key},
			"metadata":    &types.AttributeValueMemberS{Value: string(value)},
			"mirrored_at": &types.AttributeValueMemberS{Value: nowISO()},
		},
	})
	if err != nil {
		return fmt.Errorf("putting object record: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) DeleteObjectNoVer(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: pkObject(bucket, key)},
			"sk": &types.AttributeValueMemberS{Value: skMetadata()},
		},
	})
	if err != nil {
		return fmt.Errorf("deleting object record: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) PutBucket(ctx context.Context, name string) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"pk":          &types.AttributeValueMemberS{Value: pkBucket(name)},
			"sk":          &types.AttributeValueMemberS{Value: skMetadata()},
			"type":        &types.AttributeValueMemberS{Value: "bucket"},
			"name":        &types.AttributeValueMemberS{Value: name},
			"mirrored_at": &types.AttributeValueMemberS{Value: nowISO()},
		},
	})
	if err != nil {
		return fmt.Errorf("putting bucket record: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) DeleteBucket(ctx context.Context, name string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: pkBucket(name)},
			"sk": &types.AttributeValueMemberS{Value: skMetadata()},
		},
	})
	if err != nil {
		return fmt.Errorf("deleting bucket record: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) PutBucketMd(ctx context.Context, name string, value []byte) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"pk":          &types.AttributeValueMemberS{Value: pkBucket(name)},
			"sk":          &types.AttributeValueMemberS{Value: "#BUCKETMD"},
			"type":        &types.AttributeValueMemberS{Value: "bucket-md"},
			"name":        &types.AttributeValueMemberS{Value: name},
			"metadata":    &types.AttributeValueMemberS{Value: string(value)},
			"mirrored_at": &types.AttributeValueMemberS{Value: nowISO()},
		},
	})
	if err != nil {
		return fmt.Errorf("putting bucket metadata record: %w", err)
	}
	return nil
}

// Ensure DynamoDBStore implements Store at compile time.
var _ Store = (*DynamoDBStore)(nil)
