package dest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	relayerr "github.com/bleepstore/bleeprelay/internal/errors"
)

// mockS3APIError implements smithy.APIError for error injection.
type mockS3APIError struct {
	code   string
	status int
}

func (e *mockS3APIError) Error() string                 { return e.code }
func (e *mockS3APIError) ErrorCode() string             { return e.code }
func (e *mockS3APIError) ErrorMessage() string          { return e.code }
func (e *mockS3APIError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }
func (e *mockS3APIError) HTTPStatusCode() int           { return e.status }

// mockS3Client is an in-memory S3DestAPI with call counters.
type mockS3Client struct {
	mu sync.Mutex

	endpoint string
	objects  map[string][]byte
	uploads  map[string]map[int][]byte

	putCalls      int
	deleteCalls   int
	createCalls   int
	uploadCalls   int
	completeCalls int
	abortCalls    int

	putErr error
}

func newMockS3Client(endpoint string) *mockS3Client {
	return &mockS3Client{
		endpoint: endpoint,
		objects:  make(map[string][]byte),
		uploads:  make(map[string]map[int][]byte),
	}
}

func (m *mockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	m.putCalls++
	putErr := m.putErr
	m.mu.Unlock()
	if putErr != nil {
		return nil, putErr
	}

	var data []byte
	if params.Body != nil {
		var err error
		data, err = io.ReadAll(params.Body)
		if err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	m.objects[aws.ToString(params.Key)] = data
	m.mu.Unlock()
	return &s3.PutObjectOutput{VersionId: aws.String("v-put")}, nil
}

func (m *mockS3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls++
	delete(m.objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3Client) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	m.uploads["upl-1"] = make(map[int][]byte)
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("upl-1")}, nil
}

func (m *mockS3Client) UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadCalls++
	upload, ok := m.uploads[aws.ToString(params.UploadId)]
	if !ok {
		return nil, &mockS3APIError{code: "NoSuchUpload", status: 404}
	}
	upload[int(aws.ToInt32(params.PartNumber))] = data
	return &s3.UploadPartOutput{ETag: aws.String(`"etag"`)}, nil
}

func (m *mockS3Client) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completeCalls++
	upload, ok := m.uploads[aws.ToString(params.UploadId)]
	if !ok {
		return nil, &mockS3APIError{code: "NoSuchUpload", status: 404}
	}

	var assembled []byte
	for _, p := range params.MultipartUpload.Parts {
		assembled = append(assembled, upload[int(aws.ToInt32(p.PartNumber))]...)
	}
	m.objects[aws.ToString(params.Key)] = assembled
	delete(m.uploads, aws.ToString(params.UploadId))
	return &s3.CompleteMultipartUploadOutput{VersionId: aws.String("v-mpu")}, nil
}

func (m *mockS3Client) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abortCalls++
	delete(m.uploads, aws.ToString(params.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (m *mockS3Client) PutObjectTagging(ctx context.Context, params *s3.PutObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.PutObjectTaggingOutput, error) {
	return &s3.PutObjectTaggingOutput{VersionId: aws.String("v-tag")}, nil
}

func (m *mockS3Client) DeleteObjectTagging(ctx context.Context, params *s3.DeleteObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectTaggingOutput, error) {
	return &s3.DeleteObjectTaggingOutput{}, nil
}

func TestS3BackendPutObject(t *testing.T) {
	client := newMockS3Client("e1")
	b := NewS3BackendWithFactory("site1", "upstream", []string{"e1"}, func(string) S3DestAPI { return client })

	versionID, err := b.PutObject(context.Background(), "b", "k", strings.NewReader("hello"), 5, nil)
	if err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if versionID != "v-put" {
		t.Errorf("versionID = %q, want v-put", versionID)
	}
	if got := client.objects["b/k"]; !bytes.Equal(got, []byte("hello")) {
		t.Errorf("stored %q at b/k, want hello", got)
	}
}

func TestS3BackendMPUFlow(t *testing.T) {
	client := newMockS3Client("e1")
	b := NewS3BackendWithFactory("site1", "upstream", []string{"e1"}, func(string) S3DestAPI { return client })
	ctx := context.Background()

	uploadID, err := b.InitiateMPU(ctx, "b", "k", nil)
	if err != nil {
		t.Fatalf("InitiateMPU: %v", err)
	}

	var parts []Part
	for i, chunk := range []string{"aa", "bb", "cc"} {
		part, perr := b.PutMPUPart(ctx, "b", "k", uploadID, i+1, strings.NewReader(chunk), 2)
		if perr != nil {
			t.Fatalf("PutMPUPart %d: %v", i+1, perr)
		}
		parts = append(parts, part)
	}

	versionID, err := b.CompleteMPU(ctx, "b", "k", uploadID, parts)
	if err != nil {
		t.Fatalf("CompleteMPU: %v", err)
	}
	if versionID != "v-mpu" {
		t.Errorf("versionID = %q, want v-mpu", versionID)
	}
	if got := client.objects["b/k"]; !bytes.Equal(got, []byte("aabbcc")) {
		t.Errorf("assembled %q, want aabbcc", got)
	}
}

func TestS3BackendAbortTolerant(t *testing.T) {
	client := newMockS3Client("e1")
	b := NewS3BackendWithFactory("site1", "upstream", []string{"e1"}, func(string) S3DestAPI { return client })

	// Aborting an unknown upload is treated as success.
	if err := b.AbortMPU(context.Background(), "b", "k", "missing"); err != nil {
		t.Errorf("AbortMPU of missing upload: %v", err)
	}
}

func TestS3BackendFailoverRebindsClient(t *testing.T) {
	clients := map[string]*mockS3Client{}
	factory := func(endpoint string) S3DestAPI {
		c := newMockS3Client(endpoint)
		clients[endpoint] = c
		return c
	}
	b := NewS3BackendWithFactory("site1", "upstream", []string{"e1", "e2"}, factory)
	ctx := context.Background()

	if _, err := b.PutObject(ctx, "b", "k", strings.NewReader("x"), 1, nil); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if clients["e1"].putCalls != 1 {
		t.Errorf("e1 put calls = %d, want 1", clients["e1"].putCalls)
	}

	b.Failover()

	if _, err := b.PutObject(ctx, "b", "k", strings.NewReader("x"), 1, nil); err != nil {
		t.Fatalf("PutObject after failover: %v", err)
	}
	if clients["e2"] == nil || clients["e2"].putCalls != 1 {
		t.Error("failover did not route the next put to e2")
	}
	if clients["e1"].putCalls != 1 {
		t.Errorf("e1 put calls = %d after failover, want 1", clients["e1"].putCalls)
	}
}

func TestS3BackendClassifiesTargetErrors(t *testing.T) {
	client := newMockS3Client("e1")
	b := NewS3BackendWithFactory("site1", "upstream", []string{"e1"}, func(string) S3DestAPI { return client })
	ctx := context.Background()

	client.putErr = &mockS3APIError{code: "AccessDenied", status: 403}
	_, err := b.PutObject(ctx, "b", "k", strings.NewReader("x"), 1, nil)
	if !errors.Is(err, relayerr.ErrPermanentTarget) {
		t.Errorf("403 error = %v, want ErrPermanentTarget", err)
	}
	if relayerr.IsRetryable(err) {
		t.Error("403 classified retryable")
	}

	client.putErr = &mockS3APIError{code: "SlowDown", status: 503}
	_, err = b.PutObject(ctx, "b", "k", strings.NewReader("x"), 1, nil)
	if !relayerr.IsRetryable(err) {
		t.Errorf("503 error = %v, want retryable", err)
	}
	if relayerr.OriginOf(err) != relayerr.OriginTarget {
		t.Errorf("origin = %q, want target", relayerr.OriginOf(err))
	}

	client.putErr = &mockS3APIError{code: "SlowDown", status: 429}
	_, err = b.PutObject(ctx, "b", "k", strings.NewReader("x"), 1, nil)
	if !relayerr.IsRetryable(err) {
		t.Errorf("429 error = %v, want retryable", err)
	}
}
