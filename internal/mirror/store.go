// Package mirror implements the metadata-mirror processor: it consumes the
// replication log and writes object and bucket metadata into a document
// database, so a remote region can serve listings without reaching the
// source metadata service.
package mirror

import (
	"context"
	"fmt"

	"github.com/bleepstore/bleeprelay/internal/config"
	"github.com/bleepstore/bleeprelay/internal/queue"
)

// Store is the document-database surface the mirror writes through.
// Versioning semantics are preserved in the versioned key, so all writes are
// no-version puts and deletes. Implementations must be safe for concurrent
// use.
type Store interface {
	// PutObjectNoVer upserts one object metadata record.
	PutObjectNoVer(ctx context.Context, bucket, key string, md *queue.ObjectMD) error
	// DeleteObjectNoVer removes one object metadata record. Idempotent.
	DeleteObjectNoVer(ctx context.Context, bucket, key string) error
	// PutBucket records a bucket creation.
	PutBucket(ctx context.Context, name string) error
	// DeleteBucket removes a bucket record. Idempotent.
	DeleteBucket(ctx context.Context, name string) error
	// PutBucketMd upserts serialized bucket metadata.
	PutBucketMd(ctx context.Context, name string, value []byte) error
	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
	// Close releases the store connection.
	Close() error
}

// NewStore builds the Store selected by the mirror configuration.
func NewStore(ctx context.Context, cfg config.MirrorConfig) (Store, error) {
	switch cfg.Engine {
	case "dynamodb":
		return NewDynamoDBStore(ctx, &cfg.DynamoDB)
	case "firestore":
		return NewFirestoreStore(ctx, &cfg.Firestore)
	case "cosmos":
		return NewCosmosStore(ctx, &cfg.Cosmos)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown mirror engine %q", cfg.Engine)
	}
}
