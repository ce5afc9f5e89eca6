// Package relay implements the session protocol: initiators create sessions,
// followers join and leave them, and conductor payloads (including file
// frames in public sessions) are relayed between the two sides.
//
// Session records live in a session.Store and are only ever changed through
// Store.Update, so concurrent joins, leaves and uploads never lose each
// other's writes. Room membership is local to the process and owned by the hub.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/txn2/inimatic-relay/pkg/distribute"
	"github.com/txn2/inimatic-relay/pkg/hub"
	"github.com/txn2/inimatic-relay/pkg/ingest"
	"github.com/txn2/inimatic-relay/pkg/metrics"
	"github.com/txn2/inimatic-relay/pkg/protocol"
	"github.com/txn2/inimatic-relay/pkg/session"
	"github.com/txn2/inimatic-relay/pkg/storage"
)

const (
	slogKeySession  = "session_id"
	slogKeyConn     = "conn_id"
	slogKeyFileName = "file_name"
	slogKeyError    = "error"
)

var (
	// ErrInvalidSession is returned for requests carrying a malformed session id.
	ErrInvalidSession = errors.New("relay: malformed session id")

	// ErrSessionEnded is returned when relaying into a session that no longer exists.
	ErrSessionEnded = errors.New("relay: session ended")
)

// Config holds the collaborators of a Service.
type Config struct {
	Store       session.Store
	Hub         *hub.Hub
	Ingest      *ingest.Engine
	Distributor *distribute.Distributor
	Storage     storage.Provider
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Service runs the session protocol.
type Service struct {
	store   session.Store
	hub     *hub.Hub
	ingest  *ingest.Engine
	dist    *distribute.Distributor
	storage storage.Provider
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Service.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		store:   cfg.Store,
		hub:     cfg.Hub,
		ingest:  cfg.Ingest,
		dist:    cfg.Distributor,
		storage: cfg.Storage,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Connect registers a new connection.
func (s *Service) Connect(conn hub.Conn) {
	s.hub.Register(conn)
}

// CreateSession starts a session with conn as its initiator and sends the
// new id to conn.
func (s *Service) CreateSession(ctx context.Context, conn hub.Conn, kind session.Kind) (string, error) {
	rec := session.NewRecord(session.NewID(), kind, conn.ID())
	if err := s.store.Create(ctx, rec); err != nil {
		return "", s.storeFailed("create", rec.ID, err)
	}

	s.leavePrevious(ctx, conn, rec.ID)
	if err := s.hub.Join(conn.ID(), rec.ID); err != nil {
		return "", fmt.Errorf("joining room: %w", err)
	}
	s.notify(ctx, conn, protocol.EventSessionCreated, rec.ID)

	s.metrics.RecordSessionCreated()
	s.logger.Info("session created", slogKeySession, rec.ID, slogKeyConn, conn.ID(), "type", rec.Type)
	return rec.ID, nil
}

// JoinSession adds conn to a session as a follower named followerName. The
// initiator is told about the new follower and, in public sessions, every
// completed upload is streamed to conn.
func (s *Service) JoinSession(ctx context.Context, conn hub.Conn, sessionID, followerName string) error {
	if !session.ValidID(sessionID) {
		return nil
	}

	rec, err := s.store.Update(ctx, sessionID, func(r *session.Record) error {
		r.AddFollower(conn.ID(), followerName)
		return nil
	})
	if err != nil {
		return s.storeFailed("update", sessionID, err)
	}
	if rec == nil {
		s.notify(ctx, conn, protocol.EventSessionEnded, nil)
		return nil
	}

	s.leavePrevious(ctx, conn, sessionID)
	if err := s.hub.Join(conn.ID(), sessionID); err != nil {
		return fmt.Errorf("joining room: %w", err)
	}
	s.notifyID(ctx, rec.InitiatorID, protocol.EventFollowerJoined, followerName)
	s.metrics.RecordFollowerJoined()
	s.logger.Info("follower joined", slogKeySession, sessionID, slogKeyConn, conn.ID(), "follower", followerName)

	if rec.IsPublic() && len(rec.Manifest) > 0 {
		if err := s.dist.Distribute(ctx, conn, sessionID, rec.Manifest); err != nil {
			s.logger.Debug("file distribution aborted", slogKeySession, sessionID, slogKeyConn, conn.ID(), slogKeyError, err)
		}
	}
	return nil
}

// LeaveSession removes a follower. With isInitiator set, conn acts as the
// initiator and the first follower named followerName is removed; otherwise
// conn removes itself.
func (s *Service) LeaveSession(ctx context.Context, conn hub.Conn, sessionID, followerName string, isInitiator bool) error {
	if !session.ValidID(sessionID) {
		return nil
	}
	if isInitiator {
		return s.removeByName(ctx, conn, sessionID, followerName)
	}
	return s.removeSelf(ctx, conn, sessionID, followerName)
}

func (s *Service) removeByName(ctx context.Context, conn hub.Conn, sessionID, followerName string) error {
	var removed string
	rec, err := s.store.Update(ctx, sessionID, func(r *session.Record) error {
		removed = ""
		id, ok := r.FollowerNamed(followerName)
		if !ok {
			return session.ErrNoUpdate
		}
		r.RemoveFollower(id)
		removed = id
		return nil
	})
	if err != nil {
		return s.storeFailed("update", sessionID, err)
	}
	if rec == nil {
		s.notify(ctx, conn, protocol.EventSessionEnded, nil)
		return nil
	}
	if removed == "" {
		return nil
	}

	s.hub.Leave(removed, sessionID)
	s.notifyID(ctx, removed, protocol.EventSessionEnded, nil)
	s.notify(ctx, conn, protocol.EventFollowerLeft, followerName)

	s.metrics.RecordFollowerLeft("removed")
	s.logger.Info("follower removed", slogKeySession, sessionID, slogKeyConn, removed, "follower", followerName)
	return nil
}

func (s *Service) removeSelf(ctx context.Context, conn hub.Conn, sessionID, followerName string) error {
	var present bool
	rec, err := s.store.Update(ctx, sessionID, func(r *session.Record) error {
		_, present = r.RemoveFollower(conn.ID())
		if !present {
			return session.ErrNoUpdate
		}
		return nil
	})
	if err != nil {
		return s.storeFailed("update", sessionID, err)
	}
	if rec == nil {
		s.notify(ctx, conn, protocol.EventSessionEnded, nil)
		return nil
	}

	s.hub.Leave(conn.ID(), sessionID)
	s.notify(ctx, conn, protocol.EventSessionEnded, nil)
	if !present {
		return nil
	}

	s.notifyID(ctx, rec.InitiatorID, protocol.EventFollowerLeft, followerName)
	s.metrics.RecordFollowerLeft("leave")
	s.logger.Info("follower left", slogKeySession, sessionID, slogKeyConn, conn.ID(), "follower", followerName)
	return nil
}

// HandleDisconnect cleans up after a closed connection. An initiator's
// departure ends its session; a follower's removes it from the followers.
func (s *Service) HandleDisconnect(ctx context.Context, conn hub.Conn) error {
	sessionID, ok := s.hub.Unregister(conn.ID())
	if !ok {
		return nil
	}
	return s.depart(ctx, conn, sessionID, "disconnect")
}

// leavePrevious releases the session conn belongs to before it moves to
// next: an initiator's old session ends, a follower's old entry is removed.
// Failures are logged; the move goes ahead.
func (s *Service) leavePrevious(ctx context.Context, conn hub.Conn, next string) {
	prev, ok := s.hub.RoomOf(conn.ID())
	if !ok || prev == next {
		return
	}
	s.hub.Leave(conn.ID(), prev)
	if err := s.depart(ctx, conn, prev, "moved"); err != nil {
		s.logger.Warn("leaving previous session failed", slogKeySession, prev, slogKeyConn, conn.ID(), slogKeyError, err)
	}
}

// depart removes conn from the record of sessionID after it left the room.
func (s *Service) depart(ctx context.Context, conn hub.Conn, sessionID, reason string) error {
	rec, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return s.storeFailed("get", sessionID, err)
	}
	if rec == nil {
		s.hub.Broadcast(ctx, sessionID, conn.ID(), protocol.EventSessionEnded, nil)
		return nil
	}

	if rec.InitiatorID == conn.ID() {
		return s.endSession(ctx, rec)
	}

	var name string
	var present bool
	rec, err = s.store.Update(ctx, sessionID, func(r *session.Record) error {
		name, present = r.RemoveFollower(conn.ID())
		if !present {
			return session.ErrNoUpdate
		}
		return nil
	})
	if err != nil {
		return s.storeFailed("update", sessionID, err)
	}
	if rec == nil || !present {
		return nil
	}

	s.notifyID(ctx, rec.InitiatorID, protocol.EventFollowerLeft, name)
	s.metrics.RecordFollowerLeft(reason)
	s.logger.Info("follower departed", slogKeySession, sessionID, slogKeyConn, conn.ID(), "follower", name, "reason", reason)
	return nil
}

// endSession tears a session down after its initiator left.
func (s *Service) endSession(ctx context.Context, rec *session.Record) error {
	sessionID := rec.ID

	if err := s.store.Delete(ctx, sessionID); err != nil {
		return s.storeFailed("delete", sessionID, err)
	}
	s.ingest.DropSession(sessionID)

	if rec.IsPublic() {
		s.removeObjects(ctx, sessionID, rec.Manifest)
	}

	s.hub.Broadcast(ctx, sessionID, rec.InitiatorID, protocol.EventSessionEnded, nil)
	s.hub.CloseRoom(sessionID)

	s.metrics.RecordSessionEnded()
	s.logger.Info("session ended", slogKeySession, sessionID, "followers", len(rec.Followers), "files", len(rec.Manifest))
	return nil
}

// removeObjects deletes manifest objects concurrently. Failures are logged.
func (s *Service) removeObjects(ctx context.Context, sessionID string, manifest []session.ManifestEntry) {
	var wg sync.WaitGroup
	for _, entry := range manifest {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.removeObject(ctx, sessionID, entry)
		}()
	}
	wg.Wait()
}

func (s *Service) removeObject(ctx context.Context, sessionID string, entry session.ManifestEntry) {
	key, err := storage.Key(sessionID, entry.StorageToken, entry.FileName)
	if err == nil {
		err = s.storage.Remove(ctx, key)
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("failed to remove session file", slogKeySession, sessionID,
			slogKeyFileName, entry.FileName, slogKeyError, err)
	}
}

// Relay forwards a conductor payload. From the initiator it goes to every
// other member of the room; from a follower it goes to the initiator. File
// frames of public sessions are stored first. Relay returns once every
// recipient acknowledged (or failed).
func (s *Service) Relay(ctx context.Context, conn hub.Conn, isInitiator bool, sessionID string, payload json.RawMessage) error {
	if !session.ValidID(sessionID) {
		return ErrInvalidSession
	}

	rec, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return s.storeFailed("get", sessionID, err)
	}
	if rec == nil {
		s.hub.Broadcast(ctx, sessionID, conn.ID(), protocol.EventSessionEnded, nil)
		return ErrSessionEnded
	}

	if rec.IsPublic() {
		frame, err := protocol.DecodeFileFrame(payload)
		if err != nil {
			// A lost chunk would corrupt the saved file; discard the transfer.
			s.ingest.Abort(sessionID, frame.FileName)
			s.logger.Warn("malformed file frame, transfer discarded", slogKeySession, sessionID,
				slogKeyFileName, frame.FileName, slogKeyError, err)
			return err
		}
		if frame != nil {
			if err := s.ingestFrame(ctx, rec, frame); err != nil {
				return err
			}
		}
	}

	if isInitiator {
		if err := s.hub.BroadcastWithAck(ctx, sessionID, conn.ID(), protocol.EventDelivery, payload); err != nil {
			s.logger.Debug("relay to followers incomplete", slogKeySession, sessionID, slogKeyError, err)
		}
		s.metrics.RecordRelay("to_followers")
		return nil
	}

	if _, err := s.hub.EmitWithAck(ctx, rec.InitiatorID, protocol.EventDelivery, payload); err != nil {
		s.logger.Debug("relay to initiator failed", slogKeySession, sessionID, slogKeyError, err)
	}
	s.metrics.RecordRelay("to_initiator")
	return nil
}

func (s *Service) ingestFrame(ctx context.Context, rec *session.Record, frame *protocol.FileFrame) error {
	done, err := s.ingest.Ingest(ctx, rec.ID, frame.FileName, frame.Content, frame.End)
	if err != nil {
		return fmt.Errorf("storing %s: %w", frame.FileName, err)
	}
	if done == nil {
		return nil
	}

	entry := session.ManifestEntry{FileName: done.FileName, StorageToken: done.StorageToken}
	updated, err := s.store.Update(ctx, rec.ID, func(r *session.Record) error {
		r.AppendFile(entry)
		return nil
	})
	if err != nil || updated == nil {
		// Nothing references the object any more.
		s.removeObject(context.WithoutCancel(ctx), rec.ID, entry)
		if err != nil {
			return s.storeFailed("update", rec.ID, err)
		}
		return nil
	}

	s.notifyID(ctx, updated.InitiatorID, protocol.EventFileSaved, done.FileName)
	s.logger.Info("file saved", slogKeySession, rec.ID, slogKeyFileName, done.FileName)
	return nil
}

func (s *Service) notify(ctx context.Context, conn hub.Conn, event string, data any) {
	if err := conn.Emit(ctx, event, data); err != nil {
		s.logger.Debug("notice not delivered", slogKeyConn, conn.ID(), "event", event, slogKeyError, err)
	}
}

func (s *Service) notifyID(ctx context.Context, connID, event string, data any) {
	if err := s.hub.Emit(ctx, connID, event, data); err != nil {
		s.logger.Debug("notice not delivered", slogKeyConn, connID, "event", event, slogKeyError, err)
	}
}

func (s *Service) storeFailed(op, sessionID string, err error) error {
	s.metrics.RecordStoreError(op)
	s.logger.Error("session store failed", "op", op, slogKeySession, sessionID, slogKeyError, err)
	return fmt.Errorf("session %s: %w", op, err)
}
