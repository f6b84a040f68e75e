// Package source provides the authenticated gateway to the source object
// service.
//
// The replication workers read everything through this gateway: per-bucket
// replication policy, object metadata for state checks, and ranged object
// data streams. All errors it returns are typed replication errors tagged
// with origin=source so the retry runner and the task outcome handler can
// classify them without inspecting transport details.
//
// Credentials are resolved via the standard AWS credential chain unless
// static keys are configured.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/bleepstore/bleeprelay/internal/config"
	relayerr "github.com/bleepstore/bleeprelay/internal/errors"
)

// SourceAPI defines the subset of the S3 client interface the gateway uses.
// This allows mocking in tests.
type SourceAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetBucketReplication(ctx context.Context, params *s3.GetBucketReplicationInput, optFns ...func(*s3.Options)) (*s3.GetBucketReplicationOutput, error)
}

// ByteRange is an inclusive byte range of a source object. A nil *ByteRange
// requests the whole object.
type ByteRange struct {
	Start int64
	End   int64
}

// header formats the range as an HTTP Range header value.
func (r *ByteRange) header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// ReplicationRule is one rule of a bucket's replication policy.
type ReplicationRule struct {
	// Prefix restricts the rule to keys with this prefix.
	Prefix string
	// Enabled reports whether the rule is active.
	Enabled bool
	// StorageClass names the destination sites, comma-separated.
	StorageClass string
}

// ReplicationPolicy is a bucket's replication configuration.
type ReplicationPolicy struct {
	Role  string
	Rules []ReplicationRule
}

// ObjectMetadata is the source-side object state used for NFS revalidation
// and content classification.
type ObjectMetadata struct {
	ContentLength  int64
	ContentMD5     string
	VersionID      string
	IsDeleteMarker bool
}

// Gateway is the client to the source object service.
type Gateway struct {
	client SourceAPI
}

// NewGateway creates a Gateway from configuration, verifying nothing: the
// first worker call surfaces connectivity errors through the retry runner.
func NewGateway(ctx context.Context, cfg config.SourceConfig) (*Gateway, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	slog.Info("source gateway initialized", "endpoint", cfg.Endpoint, "region", cfg.Region)
	return &Gateway{client: s3.NewFromConfig(awsCfg, s3Opts...)}, nil
}

// NewGatewayWithClient creates a Gateway with a pre-configured client. This
// is primarily used for testing with mock clients.
func NewGatewayWithClient(client SourceAPI) *Gateway {
	return &Gateway{client: client}
}

// GetBucketReplication fetches the bucket's replication policy.
func (g *Gateway) GetBucketReplication(ctx context.Context, bucket string) (*ReplicationPolicy, error) {
	resp, err := g.client.GetBucketReplication(ctx, &s3.GetBucketReplicationInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		return nil, classifyPolicyError(err)
	}
	if resp.ReplicationConfiguration == nil {
		return nil, relayerr.ErrNoSuchEntity
	}

	policy := &ReplicationPolicy{
		Role: aws.ToString(resp.ReplicationConfiguration.Role),
	}
	for _, rule := range resp.ReplicationConfiguration.Rules {
		r := ReplicationRule{
			Enabled: rule.Status == s3types.ReplicationRuleStatusEnabled,
		}
		if rule.Prefix != nil {
			r.Prefix = *rule.Prefix
		} else if rule.Filter != nil && rule.Filter.Prefix != nil {
			r.Prefix = *rule.Filter.Prefix
		}
		if rule.Destination != nil {
			r.StorageClass = string(rule.Destination.StorageClass)
		}
		policy.Rules = append(policy.Rules, r)
	}
	return policy, nil
}

// HeadObject fetches the object's current metadata.
func (g *Gateway) HeadObject(ctx context.Context, bucket, key, versionID string) (*ObjectMetadata, error) {
	input := &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if versionID != "" {
		input.VersionId = aws.String(versionID)
	}

	resp, err := g.client.HeadObject(ctx, input)
	if err != nil {
		if isNotFound(err) {
			return nil, relayerr.ErrObjNotFound
		}
		return nil, classifyError(err)
	}

	md := &ObjectMetadata{
		ContentMD5: strings.Trim(aws.ToString(resp.ETag), `"`),
		VersionID:  aws.ToString(resp.VersionId),
	}
	if resp.ContentLength != nil {
		md.ContentLength = *resp.ContentLength
	}
	if resp.DeleteMarker != nil {
		md.IsDeleteMarker = *resp.DeleteMarker
	}
	return md, nil
}

// GetObject opens a data stream for the object, optionally restricted to a
// byte range. The caller is responsible for closing the returned ReadCloser.
// Errors on the request and on the byte stream unify into one error path:
// the returned reader reports at most one terminal error.
func (g *Gateway) GetObject(ctx context.Context, bucket, key, versionID string, rng *ByteRange) (io.ReadCloser, int64, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if versionID != "" {
		input.VersionId = aws.String(versionID)
	}
	if rng != nil {
		input.Range = aws.String(rng.header())
	}

	resp, err := g.client.GetObject(ctx, input)
	if err != nil {
		if isNotFound(err) {
			return nil, 0, relayerr.ErrObjNotFound
		}
		return nil, 0, classifyError(err)
	}

	var size int64
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	return &sourceStream{body: resp.Body}, size, nil
}

// sourceStream wraps a source body so that stream errors come out as typed
// source errors, first error wins.
type sourceStream struct {
	body io.ReadCloser
	err  error
}

func (s *sourceStream) Read(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	n, err := s.body.Read(p)
	if err != nil && err != io.EOF {
		s.err = relayerr.Transient(relayerr.OriginSource, err)
		return n, s.err
	}
	return n, err
}

func (s *sourceStream) Close() error {
	return s.body.Close()
}

// classifyPolicyError maps replication-policy fetch failures onto the typed
// error space. NoSuchEntity, AccessDenied and BadRole are permanent; the
// rest retry.
func classifyPolicyError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ReplicationConfigurationNotFoundError", "NoSuchEntity", "NoSuchBucket":
			return relayerr.ErrNoSuchEntity.Wrap(err)
		case "AccessDenied":
			return relayerr.ErrAccessDenied.Wrap(err)
		case "InvalidRole", "BadRole":
			return relayerr.ErrBadRole.Wrap(err)
		}
	}
	return classifyError(err)
}

// classifyError maps transport failures onto the typed error space:
// 4xx errors are permanent source errors, everything else retries.
func classifyError(err error) error {
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		if code >= 400 && code < 500 && code != 429 {
			return (&relayerr.ReplicationError{
				Code:    "PermanentSource",
				Message: "the source rejected the request permanently",
				Origin:  relayerr.OriginSource,
			}).Wrap(err)
		}
	}
	return relayerr.Transient(relayerr.OriginSource, err)
}

// isNotFound checks if an error is a 404/NoSuchKey/NotFound error.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" || code == "NoSuchVersion" {
			return true
		}
	}
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 404
	}
	return false
}
