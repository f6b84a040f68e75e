package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"

	"github.com/bleepstore/bleeprelay/internal/config"
	"github.com/bleepstore/bleeprelay/internal/queue"
)

const cosmosTimeFormat = "2006-01-02T15:04:05.000Z"

// CosmosStore mirrors metadata into a single Cosmos DB container. Items are
// partitioned by their document ID.
type CosmosStore struct {
	client    *azcosmos.ContainerClient
	database  string
	container string
}

func docIDBucketCosmos(bucket string) string {
	return "bucket_" + bucket
}

func docIDObjectCosmos(bucket, key string) string {
	return "object_" + bucket + "_" + key
}

// NewCosmosStore creates a CosmosStore from configuration.
func NewCosmosStore(ctx context.Context, cfg *config.CosmosConfig) (*CosmosStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cosmos config is required")
	}
	if cfg.Endpoint == "" || cfg.MasterKey == "" {
		return nil, fmt.Errorf("cosmos endpoint and master key are required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("cosmos database name is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("cosmos container name is required")
	}

	cred, err := azcosmos.NewKeyCredential(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("creating cosmos key credential: %w", err)
	}

	client, err := azcosmos.NewClientWithKey(cfg.Endpoint, cred, &azcosmos.ClientOptions{
		ClientOptions: policy.ClientOptions{},
	})
	if err != nil {
		return nil, fmt.Errorf("creating cosmos client: %w", err)
	}

	dbClient, err := client.NewDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("getting database client: %w", err)
	}

	containerClient, err := dbClient.NewContainer(cfg.Container)
	if err != nil {
		return nil, fmt.Errorf("getting container client: %w", err)
	}

	return &CosmosStore{
		client:    containerClient,
		database:  cfg.Database,
		container: cfg.Container,
	}, nil
}

func (s *CosmosStore) Ping(ctx context.Context) error {
	_, err := s.client.Read(ctx, nil)
	return err
}

func (s *CosmosStore) Close() error {
	return nil
}

func cosmosNow() string {
	return time.Now().UTC().Format(cosmosTimeFormat)
}

// cosmosItem is the document shape for all mirrored records.
type cosmosItem struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Bucket     string `json:"bucket,omitempty"`
	Key        string `json:"key,omitempty"`
	Name       string `json:"name,omitempty"`
	Metadata   string `json:"metadata,omitempty"`
	MirroredAt string `json:"mirrored_at"`
}

// upsert writes one item, partitioned by its document ID.
func (s *CosmosStore) upsert(ctx context.Context, item cosmosItem) error {
	item.MirroredAt = cosmosNow()
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("serializing cosmos item: %w", err)
	}

	pk := azcosmos.NewPartitionKeyString(item.ID)
	if _, err := s.client.UpsertItem(ctx, pk, data, nil); err != nil {
		return fmt.Errorf("upserting cosmos item %s: %w", item.ID, err)
	}
	return nil
}

// remove deletes one item by document ID, tolerating not-found.
func (s *CosmosStore) remove(ctx context.Context, id string) error {
	pk := azcosmos.NewPartitionKeyString(id)
	if _, err := s.client.DeleteItem(ctx, pk, id, nil); err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return nil
		}
		return fmt.Errorf("deleting cosmos item %s: %w", id, err)
	}
	return nil
}

func (s *CosmosStore) PutObjectNoVer(ctx context.Context, bucket, key string, md *queue.ObjectMD) error {
	value, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("serializing object metadata: %w", err)
	}
	return s.upsert(ctx, cosmosItem{
		ID:       docIDObjectCosmos(bucket, key),
		Type:     "object",
		Bucket:   bucket,
		Key:      key,
		Metadata: string(value),
	})
}

func (s *CosmosStore) DeleteObjectNoVer(ctx context.Context, bucket, key string) error {
	return s.remove(ctx, docIDObjectCosmos(bucket, key))
}

func (s *CosmosStore) PutBucket(ctx context.Context, name string) error {
	return s.upsert(ctx, cosmosItem{
		ID:   docIDBucketCosmos(name),
		Type: "bucket",
		Name: name,
	})
}

func (s *CosmosStore) DeleteBucket(ctx context.Context, name string) error {
	return s.remove(ctx, docIDBucketCosmos(name))
}

func (s *CosmosStore) PutBucketMd(ctx context.Context, name string, value []byte) error {
	return s.upsert(ctx, cosmosItem{
		ID:       docIDBucketCosmos(name),
		Type:     "bucket",
		Name:     name,
		Metadata: string(value),
	})
}

// Ensure CosmosStore implements Store at compile time.
var _ Store = (*CosmosStore)(nil)
