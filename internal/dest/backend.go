// Package dest implements the cross-backend put surface for replication
// destinations.
//
// Each configured site is served by one Backend whose family (generic S3,
// GCP, Azure) selects the multipart discipline: native MPU on S3, temp
// objects plus chained compose on GCS, staged blocks plus a committed block
// list on Azure. All errors are typed replication errors tagged with
// origin=target.
package dest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/bleepstore/bleeprelay/internal/config"
	relayerr "github.com/bleepstore/bleeprelay/internal/errors"
)

// Part is one completed multipart part. NumberSubParts is non-zero only on
// the azure family, where one logical part may be staged as several blocks.
type Part struct {
	PartNumber     int
	ETag           string
	NumberSubParts int
}

// PutMetadata carries the object metadata applied on the destination.
type PutMetadata struct {
	ContentType        string
	CacheControl       string
	ContentDisposition string
	ContentEncoding    string
	UserMetadata       map[string]string
}

// Backend is the destination-side put surface for one replication site.
// All methods must be safe for concurrent use.
type Backend interface {
	// Site returns the site name this backend serves.
	Site() string

	// Family returns the destination family: "generic", "gcp" or "azure".
	Family() string

	// PutObject writes a whole object (or one reduced location part of it)
	// and returns the destination version ID. A nil body with size 0
	// writes a metadata-only object.
	PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64, meta *PutMetadata) (string, error)

	// InitiateMPU starts a multipart upload and returns its upload ID.
	InitiateMPU(ctx context.Context, bucket, key string, meta *PutMetadata) (string, error)

	// PutMPUPart uploads one part and returns its completion record.
	PutMPUPart(ctx context.Context, bucket, key, uploadID string, partNumber int, body io.Reader, size int64) (Part, error)

	// CompleteMPU assembles the ordered parts into the final object and
	// returns the destination version ID.
	CompleteMPU(ctx context.Context, bucket, key, uploadID string, parts []Part) (string, error)

	// AbortMPU cancels the upload and releases any staged data.
	AbortMPU(ctx context.Context, bucket, key, uploadID string) error

	// DeleteObject removes the object; propagates delete markers.
	// Idempotent: missing objects are not an error.
	DeleteObject(ctx context.Context, bucket, key string) error

	// PutObjectTagging replaces the object's tag set and returns the
	// (possibly updated) destination version ID.
	PutObjectTagging(ctx context.Context, bucket, key, versionID string, tags map[string]string) (string, error)

	// DeleteObjectTagging removes the object's tag set and returns the
	// (possibly updated) destination version ID.
	DeleteObjectTagging(ctx context.Context, bucket, key, versionID string) (string, error)

	// Failover advances to the next destination endpoint and rebinds the
	// client. A no-op for single-endpoint families.
	Failover()
}

// New builds the Backend for one destination site from configuration.
func New(ctx context.Context, cfg config.DestinationConfig) (Backend, error) {
	switch cfg.Family {
	case "generic":
		return NewS3Backend(ctx, cfg)
	case "gcp":
		return NewGCPBackend(ctx, cfg)
	case "azure":
		return NewAzureBackend(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown destination family %q for site %q", cfg.Family, cfg.Site)
	}
}

// newLocalUploadID generates an upload ID for families without a server-side
// multipart session (gcp, azure). Fixed 32 hex characters so derived block
// IDs share one length.
func newLocalUploadID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// classifyTarget maps a destination transport failure onto the typed error
// space: 4xx (except throttling) is permanent, everything else retries.
func classifyTarget(err error) error {
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		if code >= 400 && code < 500 && code != 429 && code != 408 {
			return relayerr.ErrPermanentTarget.Wrap(err)
		}
	}
	return relayerr.Transient(relayerr.OriginTarget, err)
}
