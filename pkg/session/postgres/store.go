// Package postgres provides PostgreSQL storage for relay sessions.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/txn2/inimatic-relay/pkg/session"
)

const tableName = "relay_sessions"

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store implements session.Store using PostgreSQL. The record is kept as
// jsonb; expires_at is set once at creation and never moved by updates.
type Store struct {
	db     *sql.DB
	ttl    time.Duration
	cancel context.CancelFunc
	done   chan struct{}
}

// Config configures the PostgreSQL session store.
type Config struct {
	TTL time.Duration
}

// New creates a new PostgreSQL session store.
func New(db *sql.DB, cfg Config) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = session.DefaultTTL
	}
	return &Store{
		db:  db,
		ttl: cfg.TTL,
	}
}

// Create persists a new session.
func (s *Store) Create(ctx context.Context, rec *session.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	query, args, err := psq.Insert(tableName).
		Columns("id", "record", "expires_at").
		Values(rec.ID, data, time.Now().Add(s.ttl)).
		ToSql()
	if err != nil {
		return fmt.Errorf("building insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// Get retrieves a session by id. Returns nil, nil if not found or expired.
func (s *Store) Get(ctx context.Context, id string) (*session.Record, error) {
	query, args, err := selectLive(id).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}
	return scanRecord(id, s.db.QueryRowContext(ctx, query, args...))
}

// Update locks the row for the duration of fn and writes the result back in
// the same transaction.
func (s *Store) Update(ctx context.Context, id string, fn func(*session.Record) error) (rec *session.Record, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil || rec == nil {
			_ = tx.Rollback()
		}
	}()

	query, args, err := selectLive(id).Suffix("FOR UPDATE").ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}

	current, err := scanRecord(id, tx.QueryRowContext(ctx, query, args...))
	if err != nil || current == nil {
		return nil, err
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, session.ErrNoUpdate) {
			_ = tx.Rollback()
			return current, nil
		}
		return nil, err
	}

	data, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("marshaling session: %w", err)
	}

	update, uargs, err := psq.Update(tableName).
		Set("record", data).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building update: %w", err)
	}
	if _, err := tx.ExecContext(ctx, update, uargs...); err != nil {
		return nil, fmt.Errorf("updating session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing session update: %w", err)
	}
	return next, nil
}

// Delete removes a session.
func (s *Store) Delete(ctx context.Context, id string) error {
	query, args, err := psq.Delete(tableName).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("building delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	return nil
}

// Cleanup removes expired sessions.
func (s *Store) Cleanup(ctx context.Context) error {
	query := `DELETE FROM relay_sessions WHERE expires_at <= NOW()`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("cleaning up sessions: %w", err)
	}
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically removes
// expired sessions. The goroutine is stopped when Close is called.
func (s *Store) StartCleanupRoutine(interval time.Duration) {
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
				if err := s.Cleanup(ctx); err != nil {
					slog.Warn("session cleanup failed", "error", err)
				}
			}
		}
	}()
}

// Close stops the cleanup goroutine and waits for it to exit.
// It is safe to call Close even if StartCleanupRoutine was never called.
// The database handle is owned by the caller.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

func selectLive(id string) sq.SelectBuilder {
	return psq.Select("record").
		From(tableName).
		Where(sq.Eq{"id": id}).
		Where("expires_at > NOW()")
}

// scanRecord decodes a single record row.
func scanRecord(id string, row *sql.Row) (*session.Record, error) {
	var data []byte
	err := row.Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

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
