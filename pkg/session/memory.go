package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// memoryEntry pairs a stored record with its absolute expiry.
type memoryEntry struct {
	rec       *Record
	expiresAt time.Time
}

// MemoryStore implements Store using an in-memory map with TTL-based expiration.
// It is intended for single-process deployments and tests.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]memoryEntry
	ttl      time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		sessions: make(map[string]memoryEntry),
		ttl:      ttl,
	}
}

// Create persists a new record.
func (s *MemoryStore) Create(_ context.Context, rec *Record) error {
	if rec.ID == "" {
		return fmt.Errorf("creating session: empty id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[rec.ID] = memoryEntry{rec: rec.Clone(), expiresAt: time.Now().Add(s.ttl)}
	return nil
}

// Get retrieves a record by id. Returns nil, nil if not found or expired.
func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(id)
	if !ok {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	return e.rec.Clone(), nil
}

// Update applies fn under the store lock, which makes the read-modify-write atomic.
func (s *MemoryStore) Update(_ context.Context, id string, fn func(*Record) error) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(id)
	if !ok {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}

	rec := e.rec.Clone()
	if err := fn(rec); err != nil {
		if errors.Is(err, ErrNoUpdate) {
			return e.rec.Clone(), nil
		}
		return nil, err
	}
	rec.ID = id

	e.rec = rec.Clone()
	s.sessions[id] = e
	return rec, nil
}

// Delete removes a record.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

// Ping always succeeds.
func (*MemoryStore) Ping(context.Context) error {
	return nil
}

// Len returns the number of live records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	n := 0
	for _, e := range s.sessions {
		if now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}

// live returns the entry for id if present and unexpired. Callers hold s.mu.
func (s *MemoryStore) live(id string) (memoryEntry, bool) {
	e, ok := s.sessions[id]
	if !ok || !time.Now().Before(e.expiresAt) {
		return memoryEntry{}, false
	}
	return e, true
}

// Cleanup removes expired records.
func (s *MemoryStore) Cleanup(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, e := range s.sessions {
		if !now.Before(e.expiresAt) {
			delete(s.sessions, id)
		}
	}
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically removes
// expired records. The goroutine is stopped when Close is called.
func (s *MemoryStore) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.Cleanup(ctx)
			}
		}
	}()
}

// Close stops the cleanup goroutine and waits for it to exit.
// It is safe to call Close even if StartCleanupRoutine was never called.
func (s *MemoryStore) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
