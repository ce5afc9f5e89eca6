// Package s3 provides an S3 implementation of the storage provider.
//
// Objects are spooled in memory while an upload is open and written with a
// single PutObject when it completes, so completed files are visible to
// every relay process sharing the bucket.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/aws/smithy-go"
	s3client "github.com/txn2/mcp-s3/pkg/client"

	"github.com/txn2/inimatic-relay/pkg/storage"
)

// Config holds S3 adapter configuration.
type Config struct {
	Region         string
	Endpoint       string
	AccessKeyID    string
	SecretKey      string
	Bucket         string
	Prefix         string
	UsePathStyle   bool
	ConnectionName string
}

// S3Client defines the S3 operations used by the adapter.
// This interface allows for mocking in tests.
type S3Client interface {
	GetObject(ctx context.Context, bucket, key string) (*s3client.ObjectContent, error)
	GetObjectMetadata(ctx context.Context, bucket, key string) (*s3client.ObjectMetadata, error)
	PutObject(ctx context.Context, input *s3client.PutObjectInput) (*s3client.PutObjectOutput, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	Close() error
}

// Adapter implements storage.Provider using S3.
type Adapter struct {
	cfg    Config
	client S3Client
}

// New creates a new S3 adapter with an existing client.
func New(cfg Config, client S3Client) (*Adapter, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	return &Adapter{
		cfg:    cfg,
		client: client,
	}, nil
}

// NewFromConfig creates a new S3 adapter with a new client from config.
func NewFromConfig(ctx context.Context, cfg Config) (*Adapter, error) {
	clientCfg := &s3client.Config{
		Region:          cfg.Region,
		Endpoint:        cfg.Endpoint,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretKey,
		UsePathStyle:    cfg.UsePathStyle,
		Name:            cfg.ConnectionName,
	}

	client, err := s3client.New(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("creating s3 client: %w", err)
	}
	return New(cfg, client)
}

// Name returns the provider name.
func (*Adapter) Name() string {
	return "s3"
}

// Bucket returns the bucket objects are written to.
func (a *Adapter) Bucket() string {
	return a.cfg.Bucket
}

func (a *Adapter) objectKey(key string) (string, error) {
	if err := storage.ValidateKey(key); err != nil {
		return "", err
	}
	if a.cfg.Prefix == "" {
		return key, nil
	}
	return path.Join(a.cfg.Prefix, key), nil
}

// exists reports whether the object is present.
func (a *Adapter) exists(ctx context.Context, objectKey string) (bool, error) {
	_, err := a.client.GetObjectMetadata(ctx, a.cfg.Bucket, objectKey)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking object: %w", err)
	}
	return true, nil
}

// Create returns a writer that uploads the object when closed.
func (a *Adapter) Create(ctx context.Context, key string) (io.WriteCloser, error) {
	objectKey, err := a.objectKey(key)
	if err != nil {
		return nil, err
	}
	found, err := a.exists(ctx, objectKey)
	if err != nil {
		return nil, err
	}
	if found {
		return nil, fmt.Errorf("%w: %s", storage.ErrExists, key)
	}

	// The upload outlives the chunk that opened it.
	return &objectWriter{ctx: context.WithoutCancel(ctx), adapter: a, key: objectKey}, nil
}

// Open downloads an object.
func (a *Adapter) Open(ctx context.Context, key string) (io.ReadCloser, storage.ObjectInfo, error) {
	objectKey, err := a.objectKey(key)
	if err != nil {
		return nil, storage.ObjectInfo{}, err
	}

	obj, err := a.client.GetObject(ctx, a.cfg.Bucket, objectKey)
	if isNotFound(err) {
		return nil, storage.ObjectInfo{}, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	if err != nil {
		return nil, storage.ObjectInfo{}, fmt.Errorf("opening object: %w", err)
	}

	info := storage.ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.Body)),
		LastModified: obj.LastModified,
	}
	return io.NopCloser(bytes.NewReader(obj.Body)), info, nil
}

// Remove deletes an object. S3 deletes are idempotent, so presence is
// checked first to report ErrNotFound.
func (a *Adapter) Remove(ctx context.Context, key string) error {
	objectKey, err := a.objectKey(key)
	if err != nil {
		return err
	}
	found, err := a.exists(ctx, objectKey)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	if err := a.client.DeleteObject(ctx, a.cfg.Bucket, objectKey); err != nil {
		return fmt.Errorf("removing object: %w", err)
	}
	return nil
}

// Close releases resources.
func (a *Adapter) Close() error {
	if a.client != nil {
		if err := a.client.Close(); err != nil {
			return fmt.Errorf("closing s3 client: %w", err)
		}
	}
	return nil
}

// objectWriter buffers an upload until Close.
type objectWriter struct {
	ctx     context.Context //nolint:containedctx // the upload completes after Create returns
	adapter *Adapter
	key     string

	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (w *objectWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, fmt.Errorf("writing %s: %w", w.key, io.ErrClosedPipe)
	}
	return w.buf.Write(p)
}

// Close uploads the buffered bytes. A second Close is a no-op.
func (w *objectWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	_, err := w.adapter.client.PutObject(w.ctx, &s3client.PutObjectInput{
		Bucket:      w.adapter.cfg.Bucket,
		Key:         w.key,
		Body:        w.buf.Bytes(),
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("uploading object: %w", err)
	}
	return nil
}

// isNotFound reports whether err is S3's missing-object error. HEAD requests
// answer NotFound, GET requests NoSuchKey.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound":
		return true
	default:
		return false
	}
}

// Verify interface compliance.
var _ storage.Provider = (*Adapter)(nil)
