package relay

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/txn2/inimatic-relay/pkg/protocol"
	"github.com/txn2/inimatic-relay/pkg/session"
	"github.com/txn2/inimatic-relay/pkg/socket"
)

// Register binds the protocol events to mux and the connection lifecycle
// to srv.
func (s *Service) Register(mux *socket.Mux, srv *socket.Server) {
	mux.On(protocol.EventCreateSession, s.onCreate)
	mux.On(protocol.EventJoinSession, s.onJoin)
	mux.On(protocol.EventLeaveSession, s.onLeave)
	mux.On(protocol.EventRelay, s.onRelay)

	srv.OnConnect(func(_ context.Context, c *socket.Conn) {
		s.Connect(c)
	})
	srv.OnDisconnect(func(ctx context.Context, c *socket.Conn) {
		if err := s.HandleDisconnect(ctx, c); err != nil {
			s.logger.Warn("disconnect cleanup failed", slogKeyConn, c.ID(), slogKeyError, err)
		}
	})
}

func (s *Service) onCreate(ctx context.Context, c *socket.Conn, data json.RawMessage) (any, error) {
	var kind string
	// Anything that is not the string "private" makes a public session.
	_ = json.Unmarshal(data, &kind)
	return s.CreateSession(ctx, c, session.ParseKind(kind))
}

func (s *Service) onJoin(ctx context.Context, c *socket.Conn, data json.RawMessage) (any, error) {
	var req protocol.JoinRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, socket.ErrNoAck
	}
	return nil, s.JoinSession(ctx, c, req.SessionID, req.FollowerName)
}

func (s *Service) onLeave(ctx context.Context, c *socket.Conn, data json.RawMessage) (any, error) {
	var req protocol.LeaveRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, socket.ErrNoAck
	}
	return nil, s.LeaveSession(ctx, c, req.SessionID, req.FollowerName, req.IsInitiator)
}

func (s *Service) onRelay(ctx context.Context, c *socket.Conn, data json.RawMessage) (any, error) {
	var req protocol.RelayRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, socket.ErrNoAck
	}

	err := s.Relay(ctx, c, req.IsInitiator, req.SessionID, req.Data)
	if errors.Is(err, ErrInvalidSession) || errors.Is(err, ErrSessionEnded) {
		return nil, socket.ErrNoAck
	}
	if err != nil {
		return nil, err
	}
	return protocol.RelayAck, nil
}
