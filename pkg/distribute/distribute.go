// Package distribute streams a session's completed uploads to a follower.
package distribute

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/txn2/inimatic-relay/pkg/hub"
	"github.com/txn2/inimatic-relay/pkg/metrics"
	"github.com/txn2/inimatic-relay/pkg/protocol"
	"github.com/txn2/inimatic-relay/pkg/session"
	"github.com/txn2/inimatic-relay/pkg/storage"
)

// DefaultChunkSize is the largest content frame sent to a follower.
const DefaultChunkSize = 64 * 1024

// Config configures a Distributor.
type Config struct {
	ChunkSize int
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Distributor sends stored files as acknowledged frames.
type Distributor struct {
	provider  storage.Provider
	chunkSize int
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// New creates a distributor reading from provider.
func New(provider storage.Provider, cfg Config) *Distributor {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Distributor{
		provider:  provider,
		chunkSize: cfg.ChunkSize,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

// Distribute sends every manifest entry to conn in order. Each file is a begin
// frame, its content in chunks and an end frame; every frame waits for the
// receiver's acknowledgement. Missing objects are skipped. A failed send ends
// the distribution.
func (d *Distributor) Distribute(ctx context.Context, conn hub.Conn, sessionID string, manifest []session.ManifestEntry) error {
	start := time.Now()
	defer func() { d.metrics.RecordDistribution(time.Since(start).Seconds()) }()

	for _, entry := range manifest {
		err := d.sendFile(ctx, conn, sessionID, entry)
		if errors.Is(err, storage.ErrNotFound) {
			d.logger.Warn("manifest object missing, skipped", "session_id", sessionID,
				"conn_id", conn.ID(), "file_name", entry.FileName)
			continue
		}
		if err != nil {
			return fmt.Errorf("distributing %s: %w", entry.FileName, err)
		}
	}
	return nil
}

func (d *Distributor) sendFile(ctx context.Context, conn hub.Conn, sessionID string, entry session.ManifestEntry) error {
	key, err := storage.Key(sessionID, entry.StorageToken, entry.FileName)
	if err != nil {
		return err
	}
	r, info, err := d.provider.Open(ctx, key)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	if err := d.send(ctx, conn, protocol.NewFileFrame(entry.FileName, info.Size)); err != nil {
		return err
	}

	buf := make([]byte, d.chunkSize)
	for {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			frame := protocol.NewFileFrame(entry.FileName, info.Size)
			frame.Content = protocol.Content(buf[:n])
			if err := d.send(ctx, conn, frame); err != nil {
				return err
			}
		}
		if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
			break
		}
		if rerr != nil {
			return fmt.Errorf("reading object: %w", rerr)
		}
	}

	end := protocol.NewFileFrame(entry.FileName, info.Size)
	end.End = true
	if err := d.send(ctx, conn, end); err != nil {
		return err
	}

	d.metrics.RecordFileDistributed(info.Size)
	return nil
}

func (*Distributor) send(ctx context.Context, conn hub.Conn, frame protocol.FileFrame) error {
	if _, err := conn.EmitWithAck(ctx, protocol.EventDelivery, frame); err != nil {
		return fmt.Errorf("sending frame: %w", err)
	}
	return nil
}
