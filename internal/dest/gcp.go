// GCP destination backend. GCS has no native multipart upload, so parts are
// staged as temporary objects and assembled with chained 32-way Compose
// calls on completion; the part-count cap of 1024 comes from the compose
// fan-in limit and is enforced by the range planner.
//
// Key mapping on the upstream bucket:
//
//	Objects: {source_bucket}/{key}
//	Parts:   .parts/{upload_id}/{part_number}
//
// Credentials are resolved via Application Default Credentials.
package dest

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/bleepstore/bleeprelay/internal/config"
	relayerr "github.com/bleepstore/bleeprelay/internal/errors"
)

// maxComposeSources is the GCS limit on source objects per Compose call.
const maxComposeSources = 32

// GCSAPI defines the subset of the GCS client interface the backend uses.
// This allows mocking in tests.
type GCSAPI interface {
	// NewWriter returns a writer for the given GCS object, carrying the
	// optional put metadata onto the object attributes.
	NewWriter(ctx context.Context, bucket, object string, meta *PutMetadata) io.WriteCloser
	// Delete deletes the given GCS object.
	Delete(ctx context.Context, bucket, object string) error
	// Attrs returns the attributes of the given GCS object.
	Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error)
	// Compose composes multiple source objects into a destination object,
	// carrying the optional put metadata onto the destination.
	Compose(ctx context.Context, bucket, dstObject string, srcObjects []string, meta *PutMetadata) (*GCSAttrs, error)
	// ListObjects lists object names with the given prefix.
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)
	// UpdateMetadata replaces the object's custom metadata. A nil map means
	// leave-unchanged in the SDK, so callers always pass a non-nil map.
	UpdateMetadata(ctx context.Context, bucket, object string, metadata map[string]string) (*GCSAttrs, error)
}

// GCSAttrs holds object attributes returned from GCS operations.
type GCSAttrs struct {
	Size       int64
	MD5        []byte
	Generation int64
	Metadata   map[string]string
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string, meta *PutMetadata) io.WriteCloser {
	w := c.client.Bucket(bucket).Object(object).NewWriter(ctx)
	if meta != nil {
		w.ContentType = meta.ContentType
		w.CacheControl = meta.CacheControl
		w.ContentDisposition = meta.ContentDisposition
		w.ContentEncoding = meta.ContentEncoding
		if len(meta.UserMetadata) > 0 {
			w.Metadata = meta.UserMetadata
		}
	}
	return w
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error) {
	attrs, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Size: attrs.Size, MD5: attrs.MD5, Generation: attrs.Generation, Metadata: attrs.Metadata}, nil
}

func (c *realGCSClient) Compose(ctx context.Context, bucket, dstObject string, srcObjects []string, meta *PutMetadata) (*GCSAttrs, error) {
	dst := c.client.Bucket(bucket).Object(dstObject)
	var srcs []*gcs.ObjectHandle
	for _, name := range srcObjects {
		srcs = append(srcs, c.client.Bucket(bucket).Object(name))
	}
	composer := dst.ComposerFrom(srcs...)
	if meta != nil {
		composer.ContentType = meta.ContentType
		composer.CacheControl = meta.CacheControl
		composer.ContentDisposition = meta.ContentDisposition
		composer.ContentEncoding = meta.ContentEncoding
		if len(meta.UserMetadata) > 0 {
			composer.Metadata = meta.UserMetadata
		}
	}
	attrs, err := composer.Run(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Size: attrs.Size, MD5: attrs.MD5, Generation: attrs.Generation, Metadata: attrs.Metadata}, nil
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

func (c *realGCSClient) UpdateMetadata(ctx context.Context, bucket, object string, metadata map[string]string) (*GCSAttrs, error) {
	attrs, err := c.client.Bucket(bucket).Object(object).Update(ctx, gcs.ObjectAttrsToUpdate{
		Metadata: metadata,
	})
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Size: attrs.Size, MD5: attrs.MD5, Generation: attrs.Generation, Metadata: attrs.Metadata}, nil
}

// GCPBackend implements Backend for Google Cloud Storage destinations.
type GCPBackend struct {
	site    string
	bucket  string
	project string
	client  GCSAPI

	// uploadMeta carries the metadata captured at InitiateMPU to the final
	// compose, keyed by upload ID.
	uploadMeta sync.Map
}

// NewGCPBackend creates a GCPBackend for the given destination site.
func NewGCPBackend(ctx context.Context, cfg config.DestinationConfig) (*GCPBackend, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client for site %q: %w", cfg.Site, err)
	}

	slog.Info("gcp destination backend initialized",
		"site", cfg.Site, "bucket", cfg.Bucket, "project", cfg.GCPProject)
	return &GCPBackend{
		site:    cfg.Site,
		bucket:  cfg.Bucket,
		project: cfg.GCPProject,
		client:  &realGCSClient{client: client},
	}, nil
}

// NewGCPBackendWithClient creates a GCPBackend with a pre-configured client.
// This is primarily used for testing with mock clients.
func NewGCPBackendWithClient(site, bucket string, client GCSAPI) *GCPBackend {
	return &GCPBackend{site: site, bucket: bucket, client: client}
}

func (b *GCPBackend) Site() string   { return b.site }
func (b *GCPBackend) Family() string { return "gcp" }

// Failover is a no-op: GCS endpoints are managed by the SDK.
func (b *GCPBackend) Failover() {}

// objectName maps a source bucket/key to an upstream GCS object name.
func (b *GCPBackend) objectName(bucket, key string) string {
	return bucket + "/" + key
}

// partName maps an upload part to a temporary GCS object name.
func (b *GCPBackend) partName(uploadID string, partNumber int) string {
	return fmt.Sprintf(".parts/%s/%05d", uploadID, partNumber)
}

// PutObject streams the body into the upstream bucket; versionID is the
// resulting object generation.
func (b *GCPBackend) PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64, meta *PutMetadata) (string, error) {
	name := b.objectName(bucket, key)

	w := b.client.NewWriter(ctx, b.bucket, name, meta)
	if body != nil {
		if _, err := io.Copy(w, body); err != nil {
			_ = w.Close()
			return "", classifyGCS(err)
		}
	}
	if err := w.Close(); err != nil {
		return "", classifyGCS(err)
	}

	attrs, err := b.client.Attrs(ctx, b.bucket, name)
	if err != nil {
		return "", classifyGCS(err)
	}
	return strconv.FormatInt(attrs.Generation, 10), nil
}

// InitiateMPU returns a locally generated upload ID: GCS keeps no
// server-side multipart session. The metadata is held until CompleteMPU
// applies it to the final compose.
func (b *GCPBackend) InitiateMPU(ctx context.Context, bucket, key string, meta *PutMetadata) (string, error) {
	uploadID := newLocalUploadID()
	if meta != nil {
		b.uploadMeta.Store(uploadID, meta)
	}
	return uploadID, nil
}

// PutMPUPart stages one part as a temporary object, computing its MD5 while
// streaming for the part ETag.
func (b *GCPBackend) PutMPUPart(ctx context.Context, bucket, key, uploadID string, partNumber int, body io.Reader, size int64) (Part, error) {
	name := b.partName(uploadID, partNumber)

	h := md5.New()
	w := b.client.NewWriter(ctx, b.bucket, name, nil)
	if body != nil {
		if _, err := io.Copy(io.MultiWriter(w, h), body); err != nil {
			_ = w.Close()
			return Part{}, classifyGCS(err)
		}
	}
	if err := w.Close(); err != nil {
		return Part{}, classifyGCS(err)
	}

	return Part{PartNumber: partNumber, ETag: fmt.Sprintf("%x", h.Sum(nil))}, nil
}

// CompleteMPU composes the staged parts into the final object (chaining
// 32-way composes when needed), deletes the temporaries, and returns the
// final generation.
func (b *GCPBackend) CompleteMPU(ctx context.Context, bucket, key, uploadID string, parts []Part) (string, error) {
	finalName := b.objectName(bucket, key)
	sourceNames := make([]string, len(parts))
	for i, p := range parts {
		sourceNames[i] = b.partName(uploadID, p.PartNumber)
	}

	var meta *PutMetadata
	if v, ok := b.uploadMeta.LoadAndDelete(uploadID); ok {
		meta = v.(*PutMetadata)
	}

	if len(sourceNames) <= maxComposeSources {
		if _, err := b.client.Compose(ctx, b.bucket, finalName, sourceNames, meta); err != nil {
			return "", classifyGCS(err)
		}
	} else {
		intermediates, err := b.chainCompose(ctx, sourceNames, finalName, meta)
		if err != nil {
			return "", classifyGCS(err)
		}
		for _, name := range intermediates {
			if delErr := b.client.Delete(ctx, b.bucket, name); delErr != nil && !isGCSNotFound(delErr) {
				slog.Warn("failed to clean up compose intermediate", "object", name, "error", delErr)
			}
		}
	}

	if err := b.deleteParts(ctx, uploadID); err != nil {
		slog.Warn("failed to clean up staged parts", "upload_id", uploadID, "error", err)
	}

	attrs, err := b.client.Attrs(ctx, b.bucket, finalName)
	if err != nil {
		return "", classifyGCS(err)
	}
	return strconv.FormatInt(attrs.Generation, 10), nil
}

// chainCompose chains compose calls for >32 sources. Only the final compose
// carries the object metadata. Returns the intermediate object names for
// cleanup.
func (b *GCPBackend) chainCompose(ctx context.Context, sourceNames []string, finalName string, meta *PutMetadata) ([]string, error) {
	var allIntermediates []string
	currentSources := sourceNames

	generation := 0
	for len(currentSources) > maxComposeSources {
		var nextSources []string
		for i := 0; i < len(currentSources); i += maxComposeSources {
			end := i + maxComposeSources
			if end > len(currentSources) {
				end = len(currentSources)
			}
			batch := currentSources[i:end]
			if len(batch) == 1 {
				nextSources = append(nextSources, batch[0])
				continue
			}
			intermediateName := fmt.Sprintf("%s.__compose_tmp_%d_%d", finalName, generation, i)
			if _, err := b.client.Compose(ctx, b.bucket, intermediateName, batch, nil); err != nil {
				return allIntermediates, fmt.Errorf("composing intermediate batch (gen=%d, offset=%d): %w", generation, i, err)
			}
			nextSources = append(nextSources, intermediateName)
			allIntermediates = append(allIntermediates, intermediateName)
		}
		currentSources = nextSources
		generation++
	}

	if _, err := b.client.Compose(ctx, b.bucket, finalName, currentSources, meta); err != nil {
		return allIntermediates, fmt.Errorf("final compose: %w", err)
	}
	return allIntermediates, nil
}

// AbortMPU deletes the staged part objects and drops the held metadata.
func (b *GCPBackend) AbortMPU(ctx context.Context, bucket, key, uploadID string) error {
	b.uploadMeta.Delete(uploadID)
	return b.deleteParts(ctx, uploadID)
}

// deleteParts removes all temporary part objects for an upload.
func (b *GCPBackend) deleteParts(ctx context.Context, uploadID string) error {
	prefix := ".parts/" + uploadID + "/"

	names, err := b.client.ListObjects(ctx, b.bucket, prefix)
	if err != nil {
		return classifyGCS(err)
	}
	for _, name := range names {
		if delErr := b.client.Delete(ctx, b.bucket, name); delErr != nil && !isGCSNotFound(delErr) {
			return classifyGCS(delErr)
		}
	}
	return nil
}

// DeleteObject removes the object. Idempotent: not-found is success (GCS
// errors on delete of missing objects, unlike S3).
func (b *GCPBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	err := b.client.Delete(ctx, b.bucket, b.objectName(bucket, key))
	if err != nil && !isGCSNotFound(err) {
		return classifyGCS(err)
	}
	return nil
}

// PutObjectTagging stores the tag set as tag-prefixed custom metadata,
// keeping the object's other metadata keys. Metadata updates bump the
// metageneration only, so the recorded versionID is unchanged.
func (b *GCPBackend) PutObjectTagging(ctx context.Context, bucket, key, versionID string, tags map[string]string) (string, error) {
	name := b.objectName(bucket, key)
	md, err := b.untaggedMetadata(ctx, name)
	if err != nil {
		return "", err
	}
	for k, v := range tags {
		md["tag-"+k] = v
	}
	if _, err := b.client.UpdateMetadata(ctx, b.bucket, name, md); err != nil {
		return "", classifyGCS(err)
	}
	return versionID, nil
}

// DeleteObjectTagging clears the tag metadata, keeping other keys. The map
// handed to the update is always non-nil: the SDK treats nil as
// leave-unchanged.
func (b *GCPBackend) DeleteObjectTagging(ctx context.Context, bucket, key, versionID string) (string, error) {
	name := b.objectName(bucket, key)
	md, err := b.untaggedMetadata(ctx, name)
	if err != nil {
		return "", err
	}
	if _, err := b.client.UpdateMetadata(ctx, b.bucket, name, md); err != nil {
		return "", classifyGCS(err)
	}
	return versionID, nil
}

// untaggedMetadata fetches the object's current custom metadata with the
// tag- keys stripped. The returned map is never nil.
func (b *GCPBackend) untaggedMetadata(ctx context.Context, name string) (map[string]string, error) {
	attrs, err := b.client.Attrs(ctx, b.bucket, name)
	if err != nil {
		return nil, classifyGCS(err)
	}
	md := make(map[string]string)
	for k, v := range attrs.Metadata {
		if !strings.HasPrefix(k, "tag-") {
			md[k] = v
		}
	}
	return md, nil
}

// classifyGCS maps a GCS failure onto the typed error space.
func classifyGCS(err error) error {
	if isGCSNotFound(err) {
		return relayerr.ErrPermanentTarget.Wrap(err)
	}
	return classifyTarget(err)
}

// isGCSNotFound checks if a GCS error is a 404/not-found error.
func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "not found") || strings.Contains(msg, "404") {
			return true
		}
	}
	return false
}

// Ensure GCPBackend implements Backend at compile time.
var _ Backend = (*GCPBackend)(nil)
