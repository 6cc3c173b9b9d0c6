package dataplane

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dataspace-hub/connector/internal/domain/transfer"
)

// S3API is the subset of the S3 client the factory uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client loads the default AWS configuration. endpoint is optional and
// switches to path-style addressing for MinIO or LocalStack.
func NewS3Client(ctx context.Context, region, endpoint string) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// S3 reads and writes AmazonS3 addresses.
type S3 struct {
	client S3API
}

func NewS3(client S3API) *S3 {
	return &S3{client: client}
}

func (s *S3) CanHandle(addr transfer.DataAddress) bool {
	return addr.Is(transfer.AddressS3)
}

func (s *S3) Open(ctx context.Context, addr transfer.DataAddress) (io.ReadCloser, error) {
	a, err := DecodeS3(addr)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.Bucket),
		Key:    aws.String(a.Key),
	}, addressOptions(a))
	if err != nil {
		return nil, fmt.Errorf("s3 get %s/%s: %w", a.Bucket, a.Key, err)
	}
	return out.Body, nil
}

// Write buffers r so the SDK can sign a seekable body.
func (s *S3) Write(ctx context.Context, addr transfer.DataAddress, r io.Reader) error {
	a, err := DecodeS3(addr)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.Bucket),
		Key:         aws.String(a.Key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/octet-stream"),
	}, addressOptions(a))
	if err != nil {
		return fmt.Errorf("s3 put %s/%s: %w", a.Bucket, a.Key, err)
	}
	return nil
}

func addressOptions(a S3Address) func(*s3.Options) {
	return func(o *s3.Options) {
		if a.Region != "" {
			o.Region = a.Region
		}
		if a.Endpoint != "" {
			o.BaseEndpoint = aws.String(a.Endpoint)
			o.UsePathStyle = true
		}
	}
}
