// Azure destination backend. Multipart uploads map onto Azure Block Blob
// primitives:
//
//	PutMPUPart   → StageBlock() on the final blob (no temp objects)
//	CompleteMPU  → CommitBlockList() to finalize
//	AbortMPU     → no-op (uncommitted blocks auto-expire in 7 days)
//
// A logical part larger than the staged-block limit is split into sub-blocks
// and the sub-block count travels on the Part record so CompleteMPU can
// rebuild the full block list.
//
// Key mapping on the upstream container:
//
//	Blobs: {source_bucket}/{key}
//
// Credentials are resolved via connection string when configured, otherwise
// DefaultAzureCredential (env vars, managed identity, Azure CLI, etc.).
package dest

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"github.com/bleepstore/bleeprelay/internal/config"
	relayerr "github.com/bleepstore/bleeprelay/internal/errors"
)

// azureMaxBlockSize is the largest payload staged as a single block. Parts
// above this are split into sub-blocks.
const azureMaxBlockSize = 100 * 1024 * 1024

// AzureBlobAPI defines the subset of the Azure Blob Storage client interface
// that the backend uses. This allows mocking in tests.
type AzureBlobAPI interface {
	// UploadBlob uploads data to a blob, overwriting if it already exists.
	UploadBlob(ctx context.Context, containerName, blobName string, data []byte, meta *PutMetadata) error
	// DeleteBlob deletes a blob. Returns an error if the blob does not exist.
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	// GetBlobETag retrieves the current ETag of a blob.
	GetBlobETag(ctx context.Context, containerName, blobName string) (string, error)
	// StageBlock stages a block on a blob for later commit.
	StageBlock(ctx context.Context, containerName, blobName, blockID string, data []byte) error
	// CommitBlockList commits a list of block IDs to finalize a blob.
	CommitBlockList(ctx context.Context, containerName, blobName string, blockIDs []string, meta *PutMetadata) error
	// SetBlobTags replaces the blob's tag set. A nil map clears it.
	SetBlobTags(ctx context.Context, containerName, blobName string, tags map[string]string) error
}

// AzureBackend implements Backend for Azure Blob Storage destinations.
//
// All replicated objects land in a single upstream container, namespaced by
// source bucket.
type AzureBackend struct {
	site       string
	container  string
	accountURL string
	client     AzureBlobAPI
}

// NewAzureBackend creates an AzureBackend for the given destination site.
func NewAzureBackend(ctx context.Context, cfg config.DestinationConfig) (*AzureBackend, error) {
	client, err := newRealAzureClient(cfg.AzureAccountURL, cfg.AzureConnectionString)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client for site %q: %w", cfg.Site, err)
	}

	slog.Info("azure destination backend initialized",
		"site", cfg.Site, "container", cfg.Bucket, "account", cfg.AzureAccountURL)
	return &AzureBackend{
		site:       cfg.Site,
		container:  cfg.Bucket,
		accountURL: cfg.AzureAccountURL,
		client:     client,
	}, nil
}

// NewAzureBackendWithClient creates an AzureBackend with a pre-configured
// client. This is primarily used for testing with mock clients.
func NewAzureBackendWithClient(site, container string, client AzureBlobAPI) *AzureBackend {
	return &AzureBackend{site: site, container: container, client: client}
}

func (b *AzureBackend) Site() string   { return b.site }
func (b *AzureBackend) Family() string { return "azure" }

// Failover is a no-op: the account URL is fixed per site.
func (b *AzureBackend) Failover() {}

// blobName maps a source bucket/key to an upstream Azure blob name.
func (b *AzureBackend) blobName(bucket, key string) string {
	return bucket + "/" + key
}

// blockID generates a block ID for Azure staged blocks. Block IDs must be
// base64-encoded and the same length for all blocks in a blob. Includes
// uploadID to avoid collisions between concurrent uploads to the same key.
func blockID(uploadID string, partNumber, subPart int) string {
	return base64.StdEncoding.EncodeToString(
		[]byte(fmt.Sprintf("%s:%05d:%05d", uploadID, partNumber, subPart)),
	)
}

// PutObject uploads the whole body as one blob; versionID is the resulting
// blob ETag.
func (b *AzureBackend) PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64, meta *PutMetadata) (string, error) {
	blobKey := b.blobName(bucket, key)

	var data []byte
	if body != nil {
		var err error
		data, err = io.ReadAll(body)
		if err != nil {
			return "", err
		}
	}

	if err := b.client.UploadBlob(ctx, b.container, blobKey, data, meta); err != nil {
		return "", classifyAzure(err)
	}

	etag, err := b.client.GetBlobETag(ctx, b.container, blobKey)
	if err != nil {
		return "", classifyAzure(err)
	}
	return etag, nil
}

// InitiateMPU returns a locally generated upload ID: staged blocks carry the
// session, Azure keeps no upload record.
func (b *AzureBackend) InitiateMPU(ctx context.Context, bucket, key string, meta *PutMetadata) (string, error) {
	return newLocalUploadID(), nil
}

// PutMPUPart stages the part as one or more blocks on the final blob,
// splitting at the block size limit. The part MD5 is computed across all
// sub-blocks for the ETag.
func (b *AzureBackend) PutMPUPart(ctx context.Context, bucket, key, uploadID string, partNumber int, body io.Reader, size int64) (Part, error) {
	blobKey := b.blobName(bucket, key)

	h := md5.New()
	subParts := 0
	buf := make([]byte, azureMaxBlockSize)
	for {
		n, readErr := io.ReadFull(body, buf)
		if n > 0 {
			h.Write(buf[:n])
			blkID := blockID(uploadID, partNumber, subParts)
			if err := b.client.StageBlock(ctx, b.container, blobKey, blkID, buf[:n]); err != nil {
				return Part{}, classifyAzure(err)
			}
			subParts++
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return Part{}, readErr
		}
	}

	// Zero-length parts still stage one empty block so the commit list
	// stays aligned with the part list.
	if subParts == 0 {
		blkID := blockID(uploadID, partNumber, 0)
		if err := b.client.StageBlock(ctx, b.container, blobKey, blkID, nil); err != nil {
			return Part{}, classifyAzure(err)
		}
		subParts = 1
	}

	return Part{
		PartNumber:     partNumber,
		ETag:           fmt.Sprintf("%x", h.Sum(nil)),
		NumberSubParts: subParts,
	}, nil
}

// CompleteMPU rebuilds the full block list from the part records and commits
// it; versionID is the committed blob ETag.
func (b *AzureBackend) CompleteMPU(ctx context.Context, bucket, key, uploadID string, parts []Part) (string, error) {
	blobKey := b.blobName(bucket, key)

	var blockIDs []string
	for _, p := range parts {
		subParts := p.NumberSubParts
		if subParts == 0 {
			subParts = 1
		}
		for sub := 0; sub < subParts; sub++ {
			blockIDs = append(blockIDs, blockID(uploadID, p.PartNumber, sub))
		}
	}

	if err := b.client.CommitBlockList(ctx, b.container, blobKey, blockIDs, nil); err != nil {
		return "", classifyAzure(err)
	}

	etag, err := b.client.GetBlobETag(ctx, b.container, blobKey)
	if err != nil {
		return "", classifyAzure(err)
	}
	return etag, nil
}

// AbortMPU is a no-op: Azure garbage-collects uncommitted blocks.
func (b *AzureBackend) AbortMPU(ctx context.Context, bucket, key, uploadID string) error {
	return nil
}

// DeleteObject removes the blob. Idempotent: not-found is success.
func (b *AzureBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	err := b.client.DeleteBlob(ctx, b.container, b.blobName(bucket, key))
	if err != nil && !isAzureNotFound(err) {
		return classifyAzure(err)
	}
	return nil
}

// PutObjectTagging replaces the blob's tag set. Tag writes do not change the
// blob ETag, so the recorded versionID is unchanged.
func (b *AzureBackend) PutObjectTagging(ctx context.Context, bucket, key, versionID string, tags map[string]string) (string, error) {
	if err := b.client.SetBlobTags(ctx, b.container, b.blobName(bucket, key), tags); err != nil {
		return "", classifyAzure(err)
	}
	return versionID, nil
}

// DeleteObjectTagging clears the blob's tag set.
func (b *AzureBackend) DeleteObjectTagging(ctx context.Context, bucket, key, versionID string) (string, error) {
	if err := b.client.SetBlobTags(ctx, b.container, b.blobName(bucket, key), nil); err != nil {
		return "", classifyAzure(err)
	}
	return versionID, nil
}

// classifyAzure maps an Azure failure onto the typed error space.
func classifyAzure(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.StatusCode
		if code >= 400 && code < 500 && code != 429 && code != 408 {
			return relayerr.ErrPermanentTarget.Wrap(err)
		}
		return relayerr.Transient(relayerr.OriginTarget, err)
	}
	return classifyTarget(err)
}

// isAzureNotFound checks if an Azure error is a not-found error.
func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == 404 {
		return true
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not found") || strings.Contains(msg, "404") ||
		strings.Contains(msg, "blobnotfound") || strings.Contains(msg, "containernotfound") ||
		strings.Contains(msg, "the specified blob does not exist") ||
		strings.Contains(msg, "the specified container does not exist") {
		return true
	}
	return false
}

// Ensure AzureBackend implements Backend at compile time.
var _ Backend = (*AzureBackend)(nil)
