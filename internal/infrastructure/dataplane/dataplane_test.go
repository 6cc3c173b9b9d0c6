package dataplane

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"

	"github.com/dataspace-hub/connector/internal/application/pipeline"
	"github.com/dataspace-hub/connector/internal/domain/entity"
	"github.com/dataspace-hub/connector/internal/domain/transfer"
)

func httpAddress(base, path string) transfer.DataAddress {
	return transfer.DataAddress{Type: transfer.AddressHTTP, Properties: map[string]any{
		"baseUrl": base,
		"path":    path,
		"headers": map[string]any{"X-Api-Key": "secret"},
	}}
}

func TestDecode(t *testing.T) {
	a, err := DecodeHTTP(httpAddress("http://host", "/data"))
	require.NoError(t, err)
	assert.Equal(t, "http://host", a.BaseURL)
	assert.Equal(t, "secret", a.Headers["X-Api-Key"])

	_, err = DecodeHTTP(transfer.DataAddress{Type: transfer.AddressHTTP})
	assert.ErrorIs(t, err, entity.ErrInvalid)

	s, err := DecodeS3(transfer.DataAddress{Type: transfer.AddressS3, Properties: map[string]any{
		"bucket": "b", "key": "k", "region": "eu-central-1",
	}})
	require.NoError(t, err)
	assert.Equal(t, S3Address{Bucket: "b", Key: "k", Region: "eu-central-1"}, s)

	_, err = DecodeS3(transfer.DataAddress{Type: transfer.AddressS3, Properties: map[string]any{"bucket": "b"}})
	assert.ErrorIs(t, err, entity.ErrInvalid)

	_, err = DecodeGCS(transfer.DataAddress{Type: transfer.AddressGCS, Properties: map[string]any{"bucket": []int{1}}})
	assert.ErrorIs(t, err, entity.ErrInvalid)
}

func TestHTTP_SourceAndSink(t *testing.T) {
	var received bytes.Buffer
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/data":
			_, _ = w.Write([]byte("payload"))
		case r.Method == http.MethodPost && r.URL.Path == "/upload":
			_, _ = io.Copy(&received, r.Body)
			w.WriteHeader(http.StatusCreated)
		case r.URL.Path == "/gone":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	h := NewHTTP(srv.Client())
	assert.True(t, h.CanHandle(transfer.DataAddress{Type: "httpdata"}))
	assert.False(t, h.CanHandle(transfer.DataAddress{Type: transfer.AddressS3}))

	rc, err := h.Open(context.Background(), httpAddress(srv.URL, "/data"))
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "payload", string(body))

	require.NoError(t, h.Write(context.Background(), httpAddress(srv.URL+"/", "upload"), strings.NewReader("sent")))
	assert.Equal(t, "sent", received.String())

	_, err = h.Open(context.Background(), httpAddress(srv.URL, "/gone"))
	var status *pipeline.StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, http.StatusNotFound, status.Code)
	assert.Equal(t, pipeline.StatusFatal, pipeline.Classify(err))

	err = h.Write(context.Background(), httpAddress(srv.URL, "/other"), strings.NewReader("x"))
	assert.Equal(t, pipeline.StatusRetryable, pipeline.Classify(err))
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	region  string
}

func (f *fakeS3) apply(optFns []func(*s3.Options)) {
	var o s3.Options
	for _, fn := range optFns {
		fn(&o)
	}
	f.region = o.Region
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apply(optFns)
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &pipeline.StatusError{Code: http.StatusNotFound, Op: "get object"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apply(optFns)
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func s3Address(key string) transfer.DataAddress {
	return transfer.DataAddress{Type: transfer.AddressS3, Properties: map[string]any{
		"bucket": "assets", "key": key, "region": "eu-west-1",
	}}
}

func TestS3_RoundTrip(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	s := NewS3(fake)
	assert.True(t, s.CanHandle(s3Address("k")))

	require.NoError(t, s.Write(context.Background(), s3Address("report.csv"), strings.NewReader("a,b\n1,2\n")))
	assert.Equal(t, "eu-west-1", fake.region)

	rc, err := s.Open(context.Background(), s3Address("report.csv"))
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(data))

	_, err = s.Open(context.Background(), s3Address("missing"))
	assert.Equal(t, pipeline.StatusFatal, pipeline.Classify(err))
}

type fakeGCS struct {
	mu      sync.Mutex
	objects map[string][]byte
}

type gcsWriter struct {
	bytes.Buffer
	commit func([]byte)
}

func (w *gcsWriter) Close() error {
	w.commit(w.Bytes())
	return nil
}

func (f *fakeGCS) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[bucket+"/"+object]
	if !ok {
		return nil, storage.ErrObjectNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeGCS) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	return &gcsWriter{commit: func(b []byte) {
		f.mu.Lock()
		f.objects[bucket+"/"+object] = append([]byte(nil), b...)
		f.mu.Unlock()
	}}
}

func gcsAddress(object string) transfer.DataAddress {
	return transfer.DataAddress{Type: transfer.AddressGCS, Properties: map[string]any{"bucket": "lake", "object": object}}
}

func TestGCS_RoundTrip(t *testing.T) {
	fake := &fakeGCS{objects: map[string][]byte{}}
	g := NewGCS(fake)
	assert.True(t, g.CanHandle(gcsAddress("o")))

	require.NoError(t, g.Write(context.Background(), gcsAddress("o"), strings.NewReader("blob")))
	rc, err := g.Open(context.Background(), gcsAddress("o"))
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "blob", string(data))

	_, err = g.Open(context.Background(), gcsAddress("missing"))
	assert.True(t, errors.Is(err, storage.ErrObjectNotExist))
	assert.Equal(t, pipeline.StatusFatal, pipeline.Classify(err))
}

func TestEngine_HTTPToS3(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("asset bytes"))
	}))
	defer srv.Close()

	fake := &fakeS3{objects: map[string][]byte{}}
	engine := pipeline.NewEngine(0, zerolog.Nop())
	engine.RegisterSourceFactory(NewHTTP(srv.Client()))
	engine.RegisterSinkFactory(NewS3(fake))
	engine.RegisterSinkFactory(NewGCS(&fakeGCS{objects: map[string][]byte{}}))

	res := engine.Transfer(context.Background(), pipeline.Request{
		ProcessID:   "tp-1",
		Source:      httpAddress(srv.URL, "/asset"),
		Destination: s3Address("copy"),
	})
	require.NoError(t, res.Err)
	assert.Equal(t, pipeline.StatusSucceeded, res.Status)
	sum := blake2b.Sum256([]byte("asset bytes"))
	assert.Equal(t, hex.EncodeToString(sum[:]), res.Digest)
	assert.Equal(t, []byte("asset bytes"), fake.objects["assets/copy"])
}
