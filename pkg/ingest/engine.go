package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/txn2/inimatic-relay/pkg/metrics"
	"github.com/txn2/inimatic-relay/pkg/storage"
)

// DefaultIdleTimeout is how long an open stream may wait for its next chunk.
const DefaultIdleTimeout = 30 * time.Second

var (
	// ErrClosed is returned by Ingest after Close.
	ErrClosed = errors.New("ingest: engine closed")

	// ErrDiscarded is returned for chunks of an aborted transfer.
	ErrDiscarded = errors.New("ingest: transfer discarded")
)

// Completion describes an upload that received its terminal chunk.
type Completion struct {
	FileName     string
	StorageToken string
}

// Config configures an Engine.
type Config struct {
	IdleTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

type streamKey struct {
	sessionID string
	fileName  string
}

// upload is one open stream. Its fields are guarded by mu; done is set once
// the stream has left the engine, after which it must not be touched. A
// discarding stream has no object and swallows the rest of an aborted
// transfer.
type upload struct {
	mu        sync.Mutex
	key       streamKey
	objectKey string
	token     string
	w         io.WriteCloser
	timer     *time.Timer
	gen       uint64
	done      bool
	discard   bool
}

// Engine owns every open upload stream of the process.
//
// Lock order is upload.mu before Engine.mu.
type Engine struct {
	provider storage.Provider
	idle     time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu        sync.Mutex
	streams   map[streamKey]*upload
	lastToken int64
	closed    bool
}

// New creates an engine writing to provider.
func New(provider storage.Provider, cfg Config) *Engine {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		provider: provider,
		idle:     cfg.IdleTimeout,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		streams:  make(map[streamKey]*upload),
	}
}

// Ingest appends data to the stream for (sessionID, fileName), opening it on
// the first chunk. When terminal is set the stream is closed and a Completion
// returned; otherwise the result is nil.
func (e *Engine) Ingest(ctx context.Context, sessionID, fileName string, data []byte, terminal bool) (*Completion, error) {
	if _, err := storage.SafeName(fileName); err != nil {
		return nil, err
	}
	key := streamKey{sessionID: sessionID, fileName: fileName}

	up, err := e.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer up.mu.Unlock()

	if up.discard {
		return nil, e.discarded(ctx, up, data, terminal)
	}

	if len(data) > 0 {
		if _, err := up.w.Write(data); err != nil {
			e.abort(up)
			return nil, fmt.Errorf("writing chunk: %w", err)
		}
		e.metrics.RecordUploadBytes(len(data))
	}

	if !terminal {
		e.arm(up)
		return nil, nil //nolint:nilnil // no completion until the terminal chunk
	}

	up.stopTimer()
	e.release(up)
	if err := up.w.Close(); err != nil {
		e.removeObject(up)
		return nil, fmt.Errorf("closing upload: %w", err)
	}

	e.metrics.RecordUploadCompleted()
	e.logger.Debug("upload completed", "session_id", sessionID, "file_name", fileName, "storage_token", up.token)
	return &Completion{FileName: fileName, StorageToken: up.token}, nil
}

// acquire returns the live stream for key with its lock held, opening a new
// stream if none exists.
func (e *Engine) acquire(ctx context.Context, key streamKey) (*upload, error) {
	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return nil, ErrClosed
		}

		if up, ok := e.streams[key]; ok {
			e.mu.Unlock()
			up.mu.Lock()
			if up.done {
				// Completed or evicted while we waited; start over.
				up.mu.Unlock()
				continue
			}
			return up, nil
		}

		up := &upload{key: key, token: e.nextTokenLocked()}
		up.mu.Lock()
		e.streams[key] = up
		e.metrics.SetActiveUploads(len(e.streams))
		e.mu.Unlock()

		if err := e.open(ctx, up); err != nil {
			e.release(up)
			up.mu.Unlock()
			return nil, err
		}
		return up, nil
	}
}

// discarded handles a chunk of an aborted transfer. A begin frame (no data,
// not terminal) starts the transfer over. Callers hold up.mu.
func (e *Engine) discarded(ctx context.Context, up *upload, data []byte, terminal bool) error {
	if len(data) == 0 && !terminal {
		e.mu.Lock()
		up.token = e.nextTokenLocked()
		e.mu.Unlock()
		if err := e.open(ctx, up); err != nil {
			up.stopTimer()
			e.release(up)
			return err
		}
		up.discard = false
		e.arm(up)
		return nil
	}

	if terminal {
		up.stopTimer()
		e.release(up)
	} else {
		e.arm(up)
	}
	return fmt.Errorf("%w: %s", ErrDiscarded, up.key.fileName)
}

func (e *Engine) open(ctx context.Context, up *upload) error {
	objectKey, err := storage.Key(up.key.sessionID, up.token, up.key.fileName)
	if err != nil {
		return err
	}
	w, err := e.provider.Create(ctx, objectKey)
	if err != nil {
		return fmt.Errorf("opening upload: %w", err)
	}
	up.objectKey = objectKey
	up.w = w
	return nil
}

// nextTokenLocked returns a strictly increasing token. Callers hold e.mu.
func (e *Engine) nextTokenLocked() string {
	t := time.Now().UnixNano()
	if t <= e.lastToken {
		t = e.lastToken + 1
	}
	e.lastToken = t
	return strconv.FormatInt(t, 10)
}

// arm re-arms the idle deadline. Callers hold up.mu.
func (e *Engine) arm(up *upload) {
	up.stopTimer()
	up.gen++
	gen := up.gen
	up.timer = time.AfterFunc(e.idle, func() { e.expire(up, gen) })
}

func (up *upload) stopTimer() {
	if up.timer != nil {
		up.timer.Stop()
		up.timer = nil
	}
}

// expire runs when a deadline fires. A stale generation means the stream saw
// a chunk after this timer was armed.
func (e *Engine) expire(up *upload, gen uint64) {
	up.mu.Lock()
	defer up.mu.Unlock()

	if up.done || up.gen != gen {
		return
	}
	e.abort(up)
	e.metrics.RecordUploadExpired()
	e.logger.Debug("upload idle, discarded", "session_id", up.key.sessionID, "file_name", up.key.fileName)
}

// release marks the stream done and drops it from the engine. Callers hold up.mu.
func (e *Engine) release(up *upload) {
	up.done = true

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.streams[up.key] == up {
		delete(e.streams, up.key)
	}
	e.metrics.SetActiveUploads(len(e.streams))
}

// abort destroys the stream and its partial object. Callers hold up.mu.
func (e *Engine) abort(up *upload) {
	up.stopTimer()
	e.release(up)
	if up.w != nil {
		_ = up.w.Close()
	}
	e.removeObject(up)
}

func (e *Engine) removeObject(up *upload) {
	if up.objectKey == "" {
		return
	}
	err := e.provider.Remove(context.Background(), up.objectKey)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.logger.Warn("failed to remove partial upload", "session_id", up.key.sessionID,
			"file_name", up.key.fileName, "error", err)
	}
}

// Len returns the number of open streams.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.streams)
}

// Abort destroys the open stream for (sessionID, fileName), if any, and
// discards the remaining chunks of that transfer until a new begin frame
// arrives or the idle deadline passes. A transfer that lost a chunk can
// never complete.
func (e *Engine) Abort(sessionID, fileName string) {
	key := streamKey{sessionID: sessionID, fileName: fileName}
	e.drop(func(k streamKey) bool { return k == key })

	e.mu.Lock()
	if _, ok := e.streams[key]; ok || e.closed {
		e.mu.Unlock()
		return
	}
	up := &upload{key: key, discard: true}
	e.streams[key] = up
	e.metrics.SetActiveUploads(len(e.streams))
	e.mu.Unlock()

	up.mu.Lock()
	if !up.done {
		e.arm(up)
	}
	up.mu.Unlock()
}

// DropSession destroys every open stream of a session.
func (e *Engine) DropSession(sessionID string) {
	e.drop(func(k streamKey) bool { return k.sessionID == sessionID })
}

// Close destroys every open stream and rejects further chunks.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.drop(func(streamKey) bool { return true })
	return nil
}

func (e *Engine) drop(match func(streamKey) bool) {
	e.mu.Lock()
	var victims []*upload
	for k, up := range e.streams {
		if match(k) {
			victims = append(victims, up)
		}
	}
	e.mu.Unlock()

	for _, up := range victims {
		up.mu.Lock()
		if !up.done {
			e.abort(up)
		}
		up.mu.Unlock()
	}
}
