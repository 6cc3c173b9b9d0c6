package dataplane

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"

	"github.com/dataspace-hub/connector/internal/application/pipeline"
	"github.com/dataspace-hub/connector/internal/domain/transfer"
)

// GCSClient opens objects for reading and writing.
type GCSClient interface {
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	NewWriter(ctx context.Context, bucket, object string) io.WriteCloser
}

// StorageClient adapts a Cloud Storage client to GCSClient.
type StorageClient struct {
	client *storage.Client
}

// NewStorageClient uses application default credentials.
func NewStorageClient(ctx context.Context) (*StorageClient, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &StorageClient{client: client}, nil
}

func (c *StorageClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewReader(ctx)
}

func (c *StorageClient) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	w := c.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	return w
}

func (c *StorageClient) Close() error {
	return c.client.Close()
}

// GCS reads and writes GoogleCloudStorage addresses.
type GCS struct {
	client GCSClient
}

func NewGCS(client GCSClient) *GCS {
	return &GCS{client: client}
}

func (g *GCS) CanHandle(addr transfer.DataAddress) bool {
	return addr.Is(transfer.AddressGCS)
}

func (g *GCS) Open(ctx context.Context, addr transfer.DataAddress) (io.ReadCloser, error) {
	a, err := DecodeGCS(addr)
	if err != nil {
		return nil, err
	}
	r, err := g.client.NewReader(ctx, a.Bucket, a.Object)
	if err != nil {
		return nil, gcsError("gcs read "+a.Bucket+"/"+a.Object, err)
	}
	return r, nil
}

func (g *GCS) Write(ctx context.Context, addr transfer.DataAddress, r io.Reader) error {
	a, err := DecodeGCS(addr)
	if err != nil {
		return err
	}
	op := "gcs write " + a.Bucket + "/" + a.Object
	// Cancelling ctx aborts the upload; Close commits it.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w := g.client.NewWriter(ctx, a.Bucket, a.Object)
	if _, err := io.Copy(w, r); err != nil {
		cancel()
		_ = w.Close()
		return gcsError(op, err)
	}
	if err := w.Close(); err != nil {
		return gcsError(op, err)
	}
	return nil
}

func gcsError(op string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("%w: %w", &pipeline.StatusError{Code: http.StatusNotFound, Op: op}, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
