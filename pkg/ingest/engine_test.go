package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/inimatic-relay/pkg/storage"
)

const (
	ingestTestSession = "3f2504e0-4f89-11d3-9a0c-0305e82c3301"
	ingestTestFile    = "a.png"
	ingestShortIdle   = 50 * time.Millisecond
	ingestWait        = time.Second
	ingestTick        = 5 * time.Millisecond
)

func newTestEngine(t *testing.T, idle time.Duration) (*Engine, *storage.MemoryProvider) {
	t.Helper()
	p := storage.NewMemoryProvider()
	e := New(p, Config{IdleTimeout: idle})
	t.Cleanup(func() { _ = e.Close() })
	return e, p
}

func readObject(t *testing.T, p storage.Provider, key string) []byte {
	t.Helper()
	r, _, err := p.Open(context.Background(), key)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

func TestIngest_RoundTrip(t *testing.T) {
	e, p := newTestEngine(t, time.Minute)
	ctx := context.Background()

	c, err := e.Ingest(ctx, ingestTestSession, ingestTestFile, []byte("hello "), false)
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.Equal(t, 1, e.Len())

	c, err = e.Ingest(ctx, ingestTestSession, ingestTestFile, []byte("world"), true)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, ingestTestFile, c.FileName)
	assert.NotEmpty(t, c.StorageToken)
	assert.Equal(t, 0, e.Len())

	key, err := storage.Key(ingestTestSession, c.StorageToken, ingestTestFile)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(readObject(t, p, key)))
}

func TestIngest_SingleTerminalChunk(t *testing.T) {
	e, p := newTestEngine(t, time.Minute)

	c, err := e.Ingest(context.Background(), ingestTestSession, ingestTestFile, []byte("all"), true)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Len(t, p.Keys(), 1)
}

func TestIngest_InvalidName(t *testing.T) {
	e, p := newTestEngine(t, time.Minute)

	_, err := e.Ingest(context.Background(), ingestTestSession, "..", []byte("x"), false)
	assert.ErrorIs(t, err, storage.ErrInvalidKey)
	assert.Empty(t, p.Keys())
	assert.Equal(t, 0, e.Len())
}

func TestIngest_IdleEviction(t *testing.T) {
	e, p := newTestEngine(t, ingestShortIdle)
	ctx := context.Background()

	_, err := e.Ingest(ctx, ingestTestSession, ingestTestFile, []byte("partial"), false)
	require.NoError(t, err)
	require.Len(t, p.Keys(), 1)

	require.Eventually(t, func() bool {
		return e.Len() == 0 && len(p.Keys()) == 0
	}, ingestWait, ingestTick, "idle stream and its object should be discarded")

	// A late chunk opens a fresh stream under a new token.
	c, err := e.Ingest(ctx, ingestTestSession, ingestTestFile, []byte("again"), true)
	require.NoError(t, err)
	require.NotNil(t, c)
	keys := p.Keys()
	require.Len(t, keys, 1)
	assert.Equal(t, "again", string(readObject(t, p, keys[0])))
}

func TestIngest_ChunksRearmDeadline(t *testing.T) {
	e, _ := newTestEngine(t, 4*ingestShortIdle)
	ctx := context.Background()

	for range 6 {
		_, err := e.Ingest(ctx, ingestTestSession, ingestTestFile, []byte("x"), false)
		require.NoError(t, err)
		time.Sleep(ingestShortIdle)
	}
	assert.Equal(t, 1, e.Len(), "steady chunks keep the stream alive")

	c, err := e.Ingest(ctx, ingestTestSession, ingestTestFile, nil, true)
	require.NoError(t, err)
	require.NotNil(t, c)
}

func TestIngest_CompletedStreamIgnoresStaleTimer(t *testing.T) {
	e, p := newTestEngine(t, ingestShortIdle)
	ctx := context.Background()

	_, err := e.Ingest(ctx, ingestTestSession, ingestTestFile, []byte("x"), false)
	require.NoError(t, err)
	_, err = e.Ingest(ctx, ingestTestSession, ingestTestFile, []byte("y"), true)
	require.NoError(t, err)

	time.Sleep(3 * ingestShortIdle)
	assert.Len(t, p.Keys(), 1, "a completed object must survive its old deadline")
}

func TestIngest_TokensStrictlyIncrease(t *testing.T) {
	e, _ := newTestEngine(t, time.Minute)
	ctx := context.Background()

	var last int64
	for i := range 100 {
		c, err := e.Ingest(ctx, ingestTestSession, fmt.Sprintf("f%d.bin", i), nil, true)
		require.NoError(t, err)
		tok, err := strconv.ParseInt(c.StorageToken, 10, 64)
		require.NoError(t, err)
		assert.Greater(t, tok, last)
		last = tok
	}
}

func TestIngest_ConcurrentStreams(t *testing.T) {
	e, p := newTestEngine(t, time.Minute)
	ctx := context.Background()
	const files, chunks = 8, 20

	var wg sync.WaitGroup
	for f := range files {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := fmt.Sprintf("file-%d.txt", f)
			for i := range chunks {
				_, err := e.Ingest(ctx, ingestTestSession, name, []byte{byte('a' + f)}, i == chunks-1)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	keys := p.Keys()
	require.Len(t, keys, files)
	for _, k := range keys {
		assert.Len(t, readObject(t, p, k), chunks)
	}
}

func TestDropSession(t *testing.T) {
	e, p := newTestEngine(t, time.Minute)
	ctx := context.Background()
	other := "9b2c6a1e-0000-4000-8000-000000000000"

	_, err := e.Ingest(ctx, ingestTestSession, "a.bin", []byte("a"), false)
	require.NoError(t, err)
	_, err = e.Ingest(ctx, ingestTestSession, "b.bin", []byte("b"), false)
	require.NoError(t, err)
	_, err = e.Ingest(ctx, other, "c.bin", []byte("c"), false)
	require.NoError(t, err)

	e.DropSession(ingestTestSession)

	assert.Equal(t, 1, e.Len())
	keys := p.Keys()
	require.Len(t, keys, 1)
	assert.Contains(t, keys[0], other)
}

func TestAbort(t *testing.T) {
	e, p := newTestEngine(t, time.Minute)
	ctx := context.Background()

	_, err := e.Ingest(ctx, ingestTestSession, "a.bin", []byte("AA"), false)
	require.NoError(t, err)
	_, err = e.Ingest(ctx, ingestTestSession, "b.bin", []byte("b"), false)
	require.NoError(t, err)

	e.Abort(ingestTestSession, "a.bin")

	keys := p.Keys()
	require.Len(t, keys, 1, "the partial object is removed")
	assert.Contains(t, keys[0], "b.bin")

	// The rest of the aborted transfer is swallowed.
	_, err = e.Ingest(ctx, ingestTestSession, "a.bin", []byte("B"), false)
	assert.ErrorIs(t, err, ErrDiscarded)
	c, err := e.Ingest(ctx, ingestTestSession, "a.bin", []byte("C"), true)
	assert.ErrorIs(t, err, ErrDiscarded)
	assert.Nil(t, c)
	assert.Len(t, p.Keys(), 1)
	assert.Equal(t, 1, e.Len(), "only b.bin remains open")

	// The next transfer of the same name starts fresh.
	_, err = e.Ingest(ctx, ingestTestSession, "a.bin", []byte("D"), true)
	require.NoError(t, err)
}

func TestAbort_BeginFrameRestarts(t *testing.T) {
	e, p := newTestEngine(t, time.Minute)
	ctx := context.Background()

	e.Abort(ingestTestSession, ingestTestFile)
	assert.Equal(t, 1, e.Len())
	assert.Empty(t, p.Keys())

	c, err := e.Ingest(ctx, ingestTestSession, ingestTestFile, nil, false)
	require.NoError(t, err)
	assert.Nil(t, c)
	c, err = e.Ingest(ctx, ingestTestSession, ingestTestFile, []byte("fresh"), true)
	require.NoError(t, err)
	require.NotNil(t, c)

	key, err := storage.Key(ingestTestSession, c.StorageToken, ingestTestFile)
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(readObject(t, p, key)))
}

func TestAbort_DiscardingStreamExpires(t *testing.T) {
	e, _ := newTestEngine(t, ingestShortIdle)

	e.Abort(ingestTestSession, ingestTestFile)
	assert.Equal(t, 1, e.Len())
	require.Eventually(t, func() bool { return e.Len() == 0 }, ingestWait, ingestTick)
}

func TestClose(t *testing.T) {
	e, p := newTestEngine(t, time.Minute)
	ctx := context.Background()

	_, err := e.Ingest(ctx, ingestTestSession, ingestTestFile, []byte("a"), false)
	require.NoError(t, err)

	require.NoError(t, e.Close())
	assert.Equal(t, 0, e.Len())
	assert.Empty(t, p.Keys())

	_, err = e.Ingest(ctx, ingestTestSession, ingestTestFile, []byte("a"), false)
	assert.ErrorIs(t, err, ErrClosed)
}

// failingProvider wraps a memory provider and fails on demand.
type failingProvider struct {
	*storage.MemoryProvider
	createErr error
	writeErr  error
}

func (p *failingProvider) Create(ctx context.Context, key string) (io.WriteCloser, error) {
	if p.createErr != nil {
		return nil, p.createErr
	}
	w, err := p.MemoryProvider.Create(ctx, key)
	if err != nil {
		return nil, err
	}
	return &failingWriter{WriteCloser: w, err: p.writeErr}, nil
}

type failingWriter struct {
	io.WriteCloser
	err error
}

func (w *failingWriter) Write(b []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	return w.WriteCloser.Write(b)
}

func TestIngest_CreateFailure(t *testing.T) {
	boom := errors.New("disk full")
	p := &failingProvider{MemoryProvider: storage.NewMemoryProvider(), createErr: boom}
	e := New(p, Config{})
	defer func() { _ = e.Close() }()

	_, err := e.Ingest(context.Background(), ingestTestSession, ingestTestFile, []byte("a"), false)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, e.Len())
}

func TestIngest_WriteFailure(t *testing.T) {
	boom := errors.New("io error")
	p := &failingProvider{MemoryProvider: storage.NewMemoryProvider(), writeErr: boom}
	e := New(p, Config{})
	defer func() { _ = e.Close() }()

	_, err := e.Ingest(context.Background(), ingestTestSession, ingestTestFile, []byte("a"), false)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, e.Len())
	assert.Empty(t, p.Keys(), "partial object is removed")
}
