package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// memoryObject is one stored object.
type memoryObject struct {
	data     []byte
	modified time.Time
}

// MemoryProvider keeps objects in process memory.
type MemoryProvider struct {
	mu      sync.Mutex
	objects map[string]*memoryObject
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{objects: make(map[string]*memoryObject)}
}

// Name returns the provider name.
func (*MemoryProvider) Name() string {
	return "memory"
}

// Create registers an empty object and returns a writer appending to it.
func (p *MemoryProvider) Create(_ context.Context, key string) (io.WriteCloser, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.objects[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, key)
	}
	obj := &memoryObject{modified: time.Now()}
	p.objects[key] = obj
	return &memoryWriter{p: p, obj: obj}, nil
}

// Open returns a reader over a snapshot of the object.
func (p *MemoryProvider) Open(_ context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	obj, ok := p.objects[key]
	if !ok {
		return nil, ObjectInfo{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	data := bytes.Clone(obj.data)
	info := ObjectInfo{Key: key, Size: int64(len(data)), LastModified: obj.modified}
	return io.NopCloser(bytes.NewReader(data)), info, nil
}

// Remove deletes an object.
func (p *MemoryProvider) Remove(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.objects[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	delete(p.objects, key)
	return nil
}

// Keys returns the keys of all stored objects.
func (p *MemoryProvider) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := make([]string, 0, len(p.objects))
	for k := range p.objects {
		keys = append(keys, k)
	}
	return keys
}

// Close drops all objects.
func (p *MemoryProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.objects = make(map[string]*memoryObject)
	return nil
}

// memoryWriter appends to a memoryObject.
type memoryWriter struct {
	p      *MemoryProvider
	obj    *memoryObject
	closed bool
}

func (w *memoryWriter) Write(b []byte) (int, error) {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()

	if w.closed {
		return 0, fmt.Errorf("writing closed object: %w", io.ErrClosedPipe)
	}
	w.obj.data = append(w.obj.data, b...)
	w.obj.modified = time.Now()
	return len(b), nil
}

func (w *memoryWriter) Close() error {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()

	w.closed = true
	return nil
}

// Verify interface compliance.
var _ Provider = (*MemoryProvider)(nil)
