package dest

import (
	"bytes"
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
)

// realAzureClient wraps the official Azure SDK client to satisfy AzureBlobAPI.
type realAzureClient struct {
	client *azblob.Client
}

// newRealAzureClient creates a real Azure Blob client. If connectionString is
// non-empty, it uses connection string auth. Otherwise it falls back to
// DefaultAzureCredential.
func newRealAzureClient(accountURL, connectionString string) (*realAzureClient, error) {
	if connectionString != "" {
		client, err := azblob.NewClientFromConnectionString(connectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob client from connection string: %w", err)
		}
		return &realAzureClient{client: client}, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure credential: %w", err)
	}

	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure Blob client: %w", err)
	}

	return &realAzureClient{client: client}, nil
}

// azureMetadata converts put metadata to the SDK's metadata map.
func azureMetadata(meta *PutMetadata) map[string]*string {
	if meta == nil || len(meta.UserMetadata) == 0 {
		return nil
	}
	md := make(map[string]*string, len(meta.UserMetadata))
	for k, v := range meta.UserMetadata {
		val := v
		md[k] = &val
	}
	return md
}

// azureHTTPHeaders converts put metadata to the SDK's blob HTTP headers.
func azureHTTPHeaders(meta *PutMetadata) *blob.HTTPHeaders {
	if meta == nil {
		return nil
	}
	h := &blob.HTTPHeaders{}
	if meta.ContentType != "" {
		h.BlobContentType = &meta.ContentType
	}
	if meta.CacheControl != "" {
		h.BlobCacheControl = &meta.CacheControl
	}
	if meta.ContentDisposition != "" {
		h.BlobContentDisposition = &meta.ContentDisposition
	}
	if meta.ContentEncoding != "" {
		h.BlobContentEncoding = &meta.ContentEncoding
	}
	return h
}

func (c *realAzureClient) UploadBlob(ctx context.Context, containerName, blobName string, data []byte, meta *PutMetadata) error {
	_, err := c.client.UploadBuffer(ctx, containerName, blobName, data, &azblob.UploadBufferOptions{
		Metadata:    azureMetadata(meta),
		HTTPHeaders: azureHTTPHeaders(meta),
	})
	return err
}

func (c *realAzureClient) DeleteBlob(ctx context.Context, containerName, blobName string) error {
	_, err := c.client.DeleteBlob(ctx, containerName, blobName, nil)
	return err
}

func (c *realAzureClient) GetBlobETag(ctx context.Context, containerName, blobName string) (string, error) {
	resp, err := c.client.ServiceClient().NewContainerClient(containerName).NewBlobClient(blobName).GetProperties(ctx, nil)
	if err != nil {
		return "", err
	}
	if resp.ETag != nil {
		return string(*resp.ETag), nil
	}
	return "", nil
}

func (c *realAzureClient) StageBlock(ctx context.Context, containerName, blobName, blockID string, data []byte) error {
	bbClient := c.client.ServiceClient().NewContainerClient(containerName).NewBlockBlobClient(blobName)
	body := streaming.NopCloser(bytes.NewReader(data))
	_, err := bbClient.StageBlock(ctx, blockID, body, nil)
	return err
}

func (c *realAzureClient) CommitBlockList(ctx context.Context, containerName, blobName string, blockIDs []string, meta *PutMetadata) error {
	bbClient := c.client.ServiceClient().NewContainerClient(containerName).NewBlockBlobClient(blobName)
	_, err := bbClient.CommitBlockList(ctx, blockIDs, &blockblob.CommitBlockListOptions{
		Metadata:    azureMetadata(meta),
		HTTPHeaders: azureHTTPHeaders(meta),
	})
	return err
}

func (c *realAzureClient) SetBlobTags(ctx context.Context, containerName, blobName string, tags map[string]string) error {
	blobClient := c.client.ServiceClient().NewContainerClient(containerName).NewBlobClient(blobName)
	if tags == nil {
		tags = map[string]string{}
	}
	_, err := blobClient.SetTags(ctx, tags, nil)
	return err
}
