package mirror

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/bleepstore/bleeprelay/internal/config"
	"github.com/bleepstore/bleeprelay/internal/queue"
)

const firestoreTimeFormat = "2006-01-02T15:04:05.000Z"

// FirestoreStore mirrors metadata into a single Firestore collection.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// encodeKey makes an object key safe for use in a Firestore document ID.
func encodeKey(key string) string {
	return base64.URLEncoding.EncodeToString([]byte(key))
}

func docIDBucket(bucket string) string {
	return "bucket_" + bucket
}

func docIDObject(bucket, key string) string {
	return "object_" + bucket + "_" + encodeKey(key)
}

// NewFirestoreStore creates a FirestoreStore from configuration.
func NewFirestoreStore(ctx context.Context, cfg *config.FirestoreConfig) (*FirestoreStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("firestore config is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "bleeprelay"
	}

	return &FirestoreStore{
		client:     client,
		collection: collection,
	}, nil
}

func (s *FirestoreStore) collectionRef() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

func (s *FirestoreStore) Ping(ctx context.Context) error {
	_, err := s.collectionRef().Limit(1).Documents(ctx).Next()
	if err != nil && err != iterator.Done {
		return err
	}
	return nil
}

func (s *FirestoreStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func firestoreNow() string {
	return time.Now().UTC().Format(firestoreTimeFormat)
}

func (s *FirestoreStore) PutObjectNoVer(ctx context.Context, bucket, key string, md *queue.ObjectMD) error {
	value, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("serializing object metadata: %w", err)
	}

	_, err = s.collectionRef().Doc(docIDObject(bucket, key)).Set(ctx, map[string]interface{}{
		"type":        "object",
		"bucket":      bucket,
		"key":         key,
		"metadata":    string(value),
		"mirrored_at": firestoreNow(),
	})
	if err != nil {
		return fmt.Errorf("putting object record: %w", err)
	}
	return nil
}

func (s *FirestoreStore) DeleteObjectNoVer(ctx context.Context, bucket, key string) error {
	_, err := s.collectionRef().Doc(docIDObject(bucket, key)).Delete(ctx)
	if err != nil {
		return fmt.Errorf("deleting object record: %w", err)
	}
	return nil
}

func (s *FirestoreStore) PutBucket(ctx context.Context, name string) error {
	_, err := s.collectionRef().Doc(docIDBucket(name)).Set(ctx, map[string]interface{}{
		"type":        "bucket",
		"name":        name,
		"mirrored_at": firestoreNow(),
	})
	if err != nil {
		return fmt.Errorf("putting bucket record: %w", err)
	}
	return nil
}

func (s *FirestoreStore) DeleteBucket(ctx context.Context, name string) error {
	_, err := s.collectionRef().Doc(docIDBucket(name)).Delete(ctx)
	if err != nil {
		return fmt.Errorf("deleting bucket record: %w", err)
	}
	return nil
}

func (s *FirestoreStore) PutBucketMd(ctx context.Context, name string, value []byte) error {
	_, err := s.collectionRef().Doc(docIDBucket(name)).Set(ctx, map[string]interface{}{
		"type":        "bucket",
		"name":        name,
		"metadata":    string(value),
		"mirrored_at": firestoreNow(),
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("putting bucket metadata record: %w", err)
	}
	return nil
}

// Ensure FirestoreStore implements Store at compile time.
var _ Store = (*FirestoreStore)(nil)
