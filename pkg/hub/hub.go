// Package hub tracks live connections and the rooms they belong to. A room is
// named by a session id; a connection is in at most one room at a time.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrUnknownConnection is returned when addressing a connection that is not registered.
var ErrUnknownConnection = errors.New("hub: unknown connection")

// Conn is a connection the hub can deliver events to.
type Conn interface {
	// ID returns the connection id, unique for the life of the process.
	ID() string

	// Emit sends an event without waiting for the peer.
	Emit(ctx context.Context, event string, data any) error

	// EmitWithAck sends an event and blocks until the peer acknowledges it,
	// the connection closes or ctx is done.
	EmitWithAck(ctx context.Context, event string, data any) (json.RawMessage, error)
}

// Hub is safe for concurrent use.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]Conn
	roomOf map[string]string
	rooms  map[string]map[string]struct{}
	logger *slog.Logger
}

// New creates an empty hub.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:  make(map[string]Conn),
		roomOf: make(map[string]string),
		rooms:  make(map[string]map[string]struct{}),
		logger: logger,
	}
}

// Register adds a connection.
func (h *Hub) Register(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.ID()] = c
}

// Unregister removes a connection and its room membership. It returns the
// room the connection was in, if any.
func (h *Hub) Unregister(connID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.leaveLocked(connID)
	delete(h.conns, connID)
	return room, ok
}

// Conn returns a registered connection.
func (h *Hub) Conn(connID string) (Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connID]
	return c, ok
}

// Len returns the number of registered connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Join places a connection in a room, leaving any previous room first.
func (h *Hub) Join(connID, room string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[connID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	h.leaveLocked(connID)

	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		h.rooms[room] = members
	}
	members[connID] = struct{}{}
	h.roomOf[connID] = room
	return nil
}

// Leave removes a connection from the given room. It is a no-op if the
// connection is elsewhere or nowhere.
func (h *Hub) Leave(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.roomOf[connID] == room {
		h.leaveLocked(connID)
	}
}

// leaveLocked drops connID from its room. Callers hold h.mu.
func (h *Hub) leaveLocked(connID string) (string, bool) {
	room, ok := h.roomOf[connID]
	if !ok {
		return "", false
	}
	delete(h.roomOf, connID)
	if members := h.rooms[room]; members != nil {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	return room, true
}

// RoomOf returns the room a connection is in.
func (h *Hub) RoomOf(connID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room, ok := h.roomOf[connID]
	return room, ok
}

// Members returns the connection ids in a room, sorted.
func (h *Hub) Members(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseRoom removes every member from a room. Connections stay registered.
func (h *Hub) CloseRoom(room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id := range h.rooms[room] {
		delete(h.roomOf, id)
	}
	delete(h.rooms, room)
}

// Emit sends an event to one connection.
func (h *Hub) Emit(ctx context.Context, connID, event string, data any) error {
	c, ok := h.Conn(connID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	return c.Emit(ctx, event, data)
}

// EmitWithAck sends an event to one connection and waits for its acknowledgement.
func (h *Hub) EmitWithAck(ctx context.Context, connID, event string, data any) (json.RawMessage, error) {
	c, ok := h.Conn(connID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	return c.EmitWithAck(ctx, event, data)
}

// recipients resolves the live members of a room other than except.
func (h *Hub) recipients(room, except string) []Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Conn, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		if id == except {
			continue
		}
		if c, ok := h.conns[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Broadcast sends an event to every member of a room except the sender.
// Deliveries are independent: a failed send is logged and the rest proceed.
func (h *Hub) Broadcast(ctx context.Context, room, except, event string, data any) {
	for _, c := range h.recipients(room, except) {
		if err := c.Emit(ctx, event, data); err != nil {
			h.logger.Debug("broadcast delivery failed",
				"session_id", room, "conn_id", c.ID(), "event", event, "error", err)
		}
	}
}

// BroadcastWithAck sends an event to every member of a room except the sender
// and waits for all acknowledgements. Deliveries run concurrently; the
// returned error joins every failed delivery.
func (h *Hub) BroadcastWithAck(ctx context.Context, room, except, event string, data any) error {
	targets := h.recipients(room, except)

	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, c := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.EmitWithAck(ctx, event, data); err != nil {
				errs[i] = fmt.Errorf("conn %s: %w", c.ID(), err)
			}
		}()
	}
	wg.Wait()

	err := errors.Join(errs...)
	if err != nil {
		h.logger.Debug("broadcast acknowledgement failed", "session_id", room, "event", event, "error", err)
	}
	return err
}
