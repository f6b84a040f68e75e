// Generic (S3-compatible) destination backend. Objects and parts go through
// native S3 multipart upload via the AWS SDK for Go v2.
//
// Key mapping on the upstream bucket:
//
//	Objects: {source_bucket}/{key}
//
// The backend owns an endpoint Picker; Failover advances it and rebinds a
// freshly constructed client, so a retry after a target-side failure talks
// to the next configured host.
package dest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/bleepstore/bleeprelay/internal/config"
)

// S3DestAPI defines the subset of the S3 client interface the generic
// backend uses. This allows mocking in tests.
type S3DestAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	PutObjectTagging(ctx context.Context, params *s3.PutObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.PutObjectTaggingOutput, error)
	DeleteObjectTagging(ctx context.Context, params *s3.DeleteObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectTaggingOutput, error)
}

// S3Backend implements Backend for generic S3-compatible destinations.
type S3Backend struct {
	site   string
	bucket string
	picker *Picker
	// factory constructs a client bound to one endpoint; Failover uses it
	// to rebind after advancing the picker.
	factory func(endpoint string) S3DestAPI

	mu     sync.Mutex
	client S3DestAPI
}

// NewS3Backend creates an S3Backend for the given destination site.
func NewS3Backend(ctx context.Context, cfg config.DestinationConfig) (*S3Backend, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config for site %q: %w", cfg.Site, err)
	}

	factory := func(endpoint string) S3DestAPI {
		return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
				o.UsePathStyle = true
			}
		})
	}

	b := NewS3BackendWithFactory(cfg.Site, cfg.Bucket, cfg.Endpoints, factory)
	slog.Info("generic destination backend initialized",
		"site", cfg.Site, "bucket", cfg.Bucket, "endpoints", len(cfg.Endpoints))
	return b, nil
}

// NewS3BackendWithFactory creates an S3Backend with a caller-supplied
// client factory. This is primarily used for testing with mock clients.
func NewS3BackendWithFactory(site, bucket string, endpoints []string, factory func(endpoint string) S3DestAPI) *S3Backend {
	if len(endpoints) == 0 {
		endpoints = []string{""}
	}
	picker := NewPicker(endpoints)
	return &S3Backend{
		site:    site,
		bucket:  bucket,
		picker:  picker,
		factory: factory,
		client:  factory(picker.Current()),
	}
}

func (b *S3Backend) Site() string   { return b.site }
func (b *S3Backend) Family() string { return "generic" }

// Failover advances the endpoint picker and rebinds a fresh client.
func (b *S3Backend) Failover() {
	endpoint := b.picker.Advance()
	client := b.factory(endpoint)
	b.mu.Lock()
	b.client = client
	b.mu.Unlock()
	slog.Info("destination failover", "site", b.site, "endpoint", endpoint)
}

func (b *S3Backend) api() S3DestAPI {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client
}

// destKey maps a source bucket/key to an upstream S3 key.
func (b *S3Backend) destKey(bucket, key string) string {
	return bucket + "/" + key
}

// PutObject streams the body to the upstream bucket. A nil body writes a
// zero-length object so metadata-only entries still materialize.
func (b *S3Backend) PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64, meta *PutMetadata) (string, error) {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.destKey(bucket, key)),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	applyS3Metadata(input, meta)

	resp, err := b.api().PutObject(ctx, input)
	if err != nil {
		return "", classifyTarget(err)
	}
	return aws.ToString(resp.VersionId), nil
}

// InitiateMPU starts a native S3 multipart upload.
func (b *S3Backend) InitiateMPU(ctx context.Context, bucket, key string, meta *PutMetadata) (string, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.destKey(bucket, key)),
	}
	if meta != nil {
		if meta.ContentType != "" {
			input.ContentType = aws.String(meta.ContentType)
		}
		if meta.CacheControl != "" {
			input.CacheControl = aws.String(meta.CacheControl)
		}
		if meta.ContentDisposition != "" {
			input.ContentDisposition = aws.String(meta.ContentDisposition)
		}
		if meta.ContentEncoding != "" {
			input.ContentEncoding = aws.String(meta.ContentEncoding)
		}
		if len(meta.UserMetadata) > 0 {
			input.Metadata = meta.UserMetadata
		}
	}

	resp, err := b.api().CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", classifyTarget(err)
	}
	return aws.ToString(resp.UploadId), nil
}

// PutMPUPart streams one part to the upstream upload.
func (b *S3Backend) PutMPUPart(ctx context.Context, bucket, key, uploadID string, partNumber int, body io.Reader, size int64) (Part, error) {
	resp, err := b.api().UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.destKey(bucket, key)),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(int32(partNumber)),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return Part{}, classifyTarget(err)
	}
	return Part{PartNumber: partNumber, ETag: strings.Trim(aws.ToString(resp.ETag), `"`)}, nil
}

// CompleteMPU finalizes the upload with the ordered part list.
func (b *S3Backend) CompleteMPU(ctx context.Context, bucket, key, uploadID string, parts []Part) (string, error) {
	completed := make([]s3types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = s3types.CompletedPart{
			PartNumber: aws.Int32(int32(p.PartNumber)),
			ETag:       aws.String(p.ETag),
		}
	}

	resp, err := b.api().CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(b.destKey(bucket, key)),
		UploadId: aws.String(uploadID),
		MultipartUpload: &s3types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		return "", classifyTarget(err)
	}
	return aws.ToString(resp.VersionId), nil
}

// AbortMPU cancels the upload, releasing uploaded parts.
func (b *S3Backend) AbortMPU(ctx context.Context, bucket, key, uploadID string) error {
	_, err := b.api().AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(b.destKey(bucket, key)),
		UploadId: aws.String(uploadID),
	})
	if err != nil && !isS3NotFound(err) {
		return classifyTarget(err)
	}
	return nil
}

// DeleteObject removes the object. Idempotent: S3 DeleteObject does not
// error on missing keys.
func (b *S3Backend) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := b.api().DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.destKey(bucket, key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil
		}
		return classifyTarget(err)
	}
	return nil
}

// PutObjectTagging replaces the destination tag set.
func (b *S3Backend) PutObjectTagging(ctx context.Context, bucket, key, versionID string, tags map[string]string) (string, error) {
	tagSet := make([]s3types.Tag, 0, len(tags))
	for k, v := range tags {
		tagSet = append(tagSet, s3types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}

	input := &s3.PutObjectTaggingInput{
		Bucket:  aws.String(b.bucket),
		Key:     aws.String(b.destKey(bucket, key)),
		Tagging: &s3types.Tagging{TagSet: tagSet},
	}
	if versionID != "" {
		input.VersionId = aws.String(versionID)
	}

	resp, err := b.api().PutObjectTagging(ctx, input)
	if err != nil {
		return "", classifyTarget(err)
	}
	if resp.VersionId != nil {
		return *resp.VersionId, nil
	}
	return versionID, nil
}

// DeleteObjectTagging removes the destination tag set.
func (b *S3Backend) DeleteObjectTagging(ctx context.Context, bucket, key, versionID string) (string, error) {
	input := &s3.DeleteObjectTaggingInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.destKey(bucket, key)),
	}
	if versionID != "" {
		input.VersionId = aws.String(versionID)
	}

	resp, err := b.api().DeleteObjectTagging(ctx, input)
	if err != nil {
		return "", classifyTarget(err)
	}
	if resp.VersionId != nil {
		return *resp.VersionId, nil
	}
	return versionID, nil
}

// applyS3Metadata copies entry metadata onto a PutObjectInput.
func applyS3Metadata(input *s3.PutObjectInput, meta *PutMetadata) {
	if meta == nil {
		return
	}
	if meta.ContentType != "" {
		input.ContentType = aws.String(meta.ContentType)
	}
	if meta.CacheControl != "" {
		input.CacheControl = aws.String(meta.CacheControl)
	}
	if meta.ContentDisposition != "" {
		input.ContentDisposition = aws.String(meta.ContentDisposition)
	}
	if meta.ContentEncoding != "" {
		input.ContentEncoding = aws.String(meta.ContentEncoding)
	}
	if len(meta.UserMetadata) > 0 {
		input.Metadata = meta.UserMetadata
	}
}

// isS3NotFound checks if an error is a 404/NoSuchKey/NoSuchUpload error.
func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" || code == "NoSuchUpload" {
			return true
		}
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 404
	}
	return false
}

// Ensure S3Backend implements Backend at compile time.
var _ Backend = (*S3Backend)(nil)
