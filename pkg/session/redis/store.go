// Package redis provides Redis storage for relay sessions.
//
// Each session is a single string key holding the JSON-encoded record. The key
// carries the session TTL; updates are optimistic WATCH/MULTI transactions that
// write with KEEPTTL so the original expiry survives every mutation.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/txn2/inimatic-relay/pkg/session"
)

const (
	// defaultMaxRetries bounds optimistic transaction retries under contention.
	defaultMaxRetries = 32

	// retryBackoff is the pause between conflicting transaction attempts.
	retryBackoff = 2 * time.Millisecond
)

// ErrContention is returned when an update keeps conflicting with concurrent writers.
var ErrContention = errors.New("redis session store: too much contention")

// Config configures the Redis session store.
type Config struct {
	// TTL is the lifetime of a session record. Defaults to session.DefaultTTL.
	TTL time.Duration

	// KeyPrefix is prepended to session ids to form keys.
	KeyPrefix string

	// MaxRetries bounds optimistic update retries.
	MaxRetries int
}

// Store implements session.Store using Redis.
type Store struct {
	client     goredis.UniversalClient
	ttl        time.Duration
	prefix     string
	maxRetries int
}

// New creates a Redis session store over an existing client.
func New(client goredis.UniversalClient, cfg Config) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = session.DefaultTTL
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	return &Store{
		client:     client,
		ttl:        cfg.TTL,
		prefix:     cfg.KeyPrefix,
		maxRetries: cfg.MaxRetries,
	}
}

// NewFromURL creates a client from a redis:// URL and wraps it in a Store.
func NewFromURL(url string, cfg Config) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return New(goredis.NewClient(opts), cfg), nil
}

func (s *Store) key(id string) string {
	return s.prefix + id
}

// Create persists a new record with the store's TTL.
func (s *Store) Create(ctx context.Context, rec *session.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(rec.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("setting session: %w", err)
	}
	return nil
}

// Get retrieves a record by id. Returns nil, nil if not found or expired.
func (s *Store) Get(ctx context.Context, id string) (*session.Record, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	return decode(id, data)
}

// Update performs an optimistic read-modify-write of the record.
func (s *Store) Update(ctx context.Context, id string, fn func(*session.Record) error) (*session.Record, error) {
	key := s.key(id)

	for range s.maxRetries {
		var result *session.Record

		err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, goredis.Nil) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("getting session: %w", err)
			}

			rec, err := decode(id, data)
			if err != nil {
				return err
			}
			current := rec.Clone()

			if err := fn(rec); err != nil {
				if errors.Is(err, session.ErrNoUpdate) {
					result = current
					return nil
				}
				return err
			}

			out, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshaling session: %w", err)
			}

			// XX: a record that expired after the read is not recreated
			// without an expiry.
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.SetArgs(ctx, key, out, goredis.SetArgs{Mode: "XX", KeepTTL: true})
				return nil
			})
			if errors.Is(err, goredis.Nil) {
				return nil
			}
			if err != nil {
				return err //nolint:wrapcheck // TxFailedErr must reach the retry check unwrapped
			}
			result = rec
			return nil
		}, key)

		if errors.Is(err, goredis.TxFailedErr) {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("updating session: %w", ctx.Err())
			case <-time.After(retryBackoff):
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("updating session: %w", err)
		}
		return result, nil
	}

	return nil, ErrContention
}

// Delete removes a record.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// Ping checks connectivity to Redis.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("closing redis client: %w", err)
	}
	return nil
}

func decode(id string, data []byte) (*session.Record, error) {
	var rec session.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", id, err)
	}
	rec.ID = id
	if rec.Followers == nil {
		rec.Followers = make(map[string]string)
	}
	return &rec, nil
}

// Verify interface compliance.
var _ session.Store = (*Store)(nil)
