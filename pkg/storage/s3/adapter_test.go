package s3

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	s3client "github.com/txn2/mcp-s3/pkg/client"

	"github.com/txn2/inimatic-relay/pkg/storage"
)

const (
	s3AdapterTestBucket = "relay-uploads"
	s3AdapterTestPrefix = "transfers"
	s3AdapterTestKey    = "3f2504e0-4f89-11d3-9a0c-0305e82c3301/1700000000000000000_a.png"
	s3AdapterTestBody   = "hello, follower"
)

// mockS3Client keeps objects in a map keyed by bucket/key.
type mockS3Client struct {
	objects     map[string][]byte
	modified    time.Time
	putErr      error
	headErr     error
	closeErr    error
	closeCalled bool
	puts        []*s3client.PutObjectInput
	putCtxErr   error
	deleted     []string
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{
		objects:  map[string][]byte{},
		modified: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func notFound(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: "not found"}
}

func (m *mockS3Client) GetObject(_ context.Context, bucket, key string) (*s3client.ObjectContent, error) {
	body, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, errors.Join(errors.New("failed to get object"), notFound("NoSuchKey"))
	}
	return &s3client.ObjectContent{Key: key, Body: body, Size: int64(len(body)), LastModified: m.modified}, nil
}

func (m *mockS3Client) GetObjectMetadata(_ context.Context, bucket, key string) (*s3client.ObjectMetadata, error) {
	if m.headErr != nil {
		return nil, m.headErr
	}
	body, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, errors.Join(errors.New("failed to get object metadata"), notFound("NotFound"))
	}
	return &s3client.ObjectMetadata{Key: key, Size: int64(len(body)), LastModified: m.modified}, nil
}

func (m *mockS3Client) PutObject(ctx context.Context, input *s3client.PutObjectInput) (*s3client.PutObjectOutput, error) {
	m.putCtxErr = ctx.Err()
	m.puts = append(m.puts, input)
	if m.putErr != nil {
		return nil, m.putErr
	}
	m.objects[input.Bucket+"/"+input.Key] = append([]byte(nil), input.Body...)
	return &s3client.PutObjectOutput{}, nil
}

func (m *mockS3Client) DeleteObject(_ context.Context, bucket, key string) error {
	m.deleted = append(m.deleted, key)
	delete(m.objects, bucket+"/"+key)
	return nil
}

func (m *mockS3Client) Close() error {
	m.closeCalled = true
	return m.closeErr
}

func newTestAdapter(t *testing.T, prefix string) (*Adapter, *mockS3Client) {
	t.Helper()
	client := newMockS3Client()
	a, err := New(Config{Bucket: s3AdapterTestBucket, Prefix: prefix}, client)
	require.NoError(t, err)
	return a, client
}

func writeObject(t *testing.T, a *Adapter, key, body string) {
	t.Helper()
	w, err := a.Create(context.Background(), key)
	require.NoError(t, err)
	_, err = io.WriteString(w, body)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestNew(t *testing.T) {
	t.Run("nil client returns error", func(t *testing.T) {
		_, err := New(Config{Bucket: s3AdapterTestBucket}, nil)
		require.Error(t, err)
		assert.Equal(t, "s3 client is required", err.Error())
	})

	t.Run("missing bucket returns error", func(t *testing.T) {
		_, err := New(Config{}, newMockS3Client())
		require.Error(t, err)
		assert.Equal(t, "s3 bucket is required", err.Error())
	})

	t.Run("valid client creates adapter", func(t *testing.T) {
		a, err := New(Config{Bucket: s3AdapterTestBucket}, newMockS3Client())
		require.NoError(t, err)
		assert.Equal(t, "s3", a.Name())
		assert.Equal(t, s3AdapterTestBucket, a.Bucket())
	})
}

func TestCreateOpen_RoundTrip(t *testing.T) {
	a, client := newTestAdapter(t, s3AdapterTestPrefix)
	writeObject(t, a, s3AdapterTestKey, s3AdapterTestBody)

	require.Len(t, client.puts, 1)
	assert.Equal(t, s3AdapterTestBucket, client.puts[0].Bucket)
	assert.Equal(t, s3AdapterTestPrefix+"/"+s3AdapterTestKey, client.puts[0].Key)

	r, info, err := a.Open(context.Background(), s3AdapterTestKey)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, s3AdapterTestBody, string(body))
	assert.Equal(t, s3AdapterTestKey, info.Key)
	assert.Equal(t, int64(len(s3AdapterTestBody)), info.Size)
	assert.Equal(t, client.modified, info.LastModified)
}

func TestCreate_NothingUploadedUntilClose(t *testing.T) {
	a, client := newTestAdapter(t, "")
	w, err := a.Create(context.Background(), s3AdapterTestKey)
	require.NoError(t, err)
	_, err = io.WriteString(w, "AB")
	require.NoError(t, err)
	_, err = io.WriteString(w, "C")
	require.NoError(t, err)
	assert.Empty(t, client.puts)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	require.Len(t, client.puts, 1)
	assert.Equal(t, "ABC", string(client.puts[0].Body))
	assert.Equal(t, s3AdapterTestKey, client.puts[0].Key)

	_, err = w.Write([]byte("D"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestCreate_UploadSurvivesCanceledContext(t *testing.T) {
	a, client := newTestAdapter(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	w, err := a.Create(ctx, s3AdapterTestKey)
	require.NoError(t, err)
	cancel()

	_, err = io.WriteString(w, s3AdapterTestBody)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.NoError(t, client.putCtxErr)
}

func TestCreate_Exists(t *testing.T) {
	a, _ := newTestAdapter(t, "")
	writeObject(t, a, s3AdapterTestKey, s3AdapterTestBody)

	_, err := a.Create(context.Background(), s3AdapterTestKey)
	assert.ErrorIs(t, err, storage.ErrExists)
}

func TestCreate_HeadFailure(t *testing.T) {
	a, client := newTestAdapter(t, "")
	client.headErr = errors.New("access denied")

	_, err := a.Create(context.Background(), s3AdapterTestKey)
	require.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrExists)
	assert.Contains(t, err.Error(), "access denied")
}

func TestCreate_PutFailure(t *testing.T) {
	a, client := newTestAdapter(t, "")
	client.putErr = errors.New("slow down")

	w, err := a.Create(context.Background(), s3AdapterTestKey)
	require.NoError(t, err)
	err = w.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "uploading object")
}

func TestInvalidKeys(t *testing.T) {
	a, client := newTestAdapter(t, "")
	ctx := context.Background()

	for _, key := range []string{"", "/abs/a.png", "s/../a.png", `s\a.png`} {
		_, err := a.Create(ctx, key)
		assert.ErrorIs(t, err, storage.ErrInvalidKey, key)
		_, _, err = a.Open(ctx, key)
		assert.ErrorIs(t, err, storage.ErrInvalidKey, key)
		assert.ErrorIs(t, a.Remove(ctx, key), storage.ErrInvalidKey, key)
	}
	assert.Empty(t, client.puts)
}

func TestOpen_NotFound(t *testing.T) {
	a, _ := newTestAdapter(t, "")
	_, _, err := a.Open(context.Background(), s3AdapterTestKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRemove(t *testing.T) {
	a, client := newTestAdapter(t, s3AdapterTestPrefix)
	writeObject(t, a, s3AdapterTestKey, s3AdapterTestBody)

	require.NoError(t, a.Remove(context.Background(), s3AdapterTestKey))
	assert.Equal(t, []string{s3AdapterTestPrefix + "/" + s3AdapterTestKey}, client.deleted)

	err := a.Remove(context.Background(), s3AdapterTestKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Len(t, client.deleted, 1)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(notFound("NoSuchKey")))
	assert.True(t, isNotFound(notFound("NotFound")))
	assert.False(t, isNotFound(notFound("AccessDenied")))
	assert.False(t, isNotFound(errors.New("NoSuchKey")))
	assert.False(t, isNotFound(nil))
}

func TestClose(t *testing.T) {
	t.Run("closes client", func(t *testing.T) {
		a, client := newTestAdapter(t, "")
		require.NoError(t, a.Close())
		assert.True(t, client.closeCalled)
	})

	t.Run("returns close error", func(t *testing.T) {
		a, client := newTestAdapter(t, "")
		client.closeErr = errors.New("close failed")
		err := a.Close()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "close failed")
	})
}
