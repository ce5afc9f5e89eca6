package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	hubTestRoom  = "room-1"
	hubTestEvent = "connection"
)

type sent struct {
	event string
	data  any
}

type fakeConn struct {
	id      string
	failErr error

	mu   sync.Mutex
	sent []sent
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Emit(_ context.Context, event string, data any) error {
	if c.failErr != nil {
		return c.failErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sent{event: event, data: data})
	return nil
}

func (c *fakeConn) EmitWithAck(ctx context.Context, event string, data any) (json.RawMessage, error) {
	if err := c.Emit(ctx, event, data); err != nil {
		return nil, err
	}
	return json.RawMessage("1"), nil
}

func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, s := range c.sent {
		out = append(out, s.event)
	}
	return out
}

func newTestHub(conns ...*fakeConn) *Hub {
	h := New(nil)
	for _, c := range conns {
		h.Register(c)
	}
	return h
}

func TestJoin_UnknownConnection(t *testing.T) {
	h := newTestHub()
	err := h.Join("ghost", hubTestRoom)
	assert.ErrorIs(t, err, ErrUnknownConnection)
}

func TestJoin_MovesBetweenRooms(t *testing.T) {
	a := newFakeConn("a")
	h := newTestHub(a)

	require.NoError(t, h.Join("a", "room-1"))
	require.NoError(t, h.Join("a", "room-2"))

	room, ok := h.RoomOf("a")
	require.True(t, ok)
	assert.Equal(t, "room-2", room)
	assert.Empty(t, h.Members("room-1"))
	assert.Equal(t, []string{"a"}, h.Members("room-2"))
}

func TestLeave(t *testing.T) {
	a := newFakeConn("a")
	h := newTestHub(a)
	require.NoError(t, h.Join("a", hubTestRoom))

	h.Leave("a", "other-room")
	_, ok := h.RoomOf("a")
	assert.True(t, ok, "leaving a different room is a no-op")

	h.Leave("a", hubTestRoom)
	_, ok = h.RoomOf("a")
	assert.False(t, ok)
	assert.Empty(t, h.Members(hubTestRoom))

	h.Leave("a", hubTestRoom)
}

func TestUnregister(t *testing.T) {
	a := newFakeConn("a")
	h := newTestHub(a)
	require.NoError(t, h.Join("a", hubTestRoom))

	room, ok := h.Unregister("a")
	assert.True(t, ok)
	assert.Equal(t, hubTestRoom, room)
	assert.Equal(t, 0, h.Len())
	assert.Empty(t, h.Members(hubTestRoom))

	_, ok = h.Unregister("a")
	assert.False(t, ok)
}

func TestCloseRoom(t *testing.T) {
	a, b := newFakeConn("a"), newFakeConn("b")
	h := newTestHub(a, b)
	require.NoError(t, h.Join("a", hubTestRoom))
	require.NoError(t, h.Join("b", hubTestRoom))

	h.CloseRoom(hubTestRoom)

	assert.Empty(t, h.Members(hubTestRoom))
	_, ok := h.RoomOf("a")
	assert.False(t, ok)
	assert.Equal(t, 2, h.Len(), "connections stay registered")
}

func TestEmit(t *testing.T) {
	a := newFakeConn("a")
	h := newTestHub(a)

	require.NoError(t, h.Emit(context.Background(), "a", "session_id", "x"))
	assert.Equal(t, []string{"session_id"}, a.events())

	err := h.Emit(context.Background(), "ghost", "session_id", "x")
	assert.ErrorIs(t, err, ErrUnknownConnection)

	_, err = h.EmitWithAck(context.Background(), "ghost", hubTestEvent, nil)
	assert.ErrorIs(t, err, ErrUnknownConnection)

	ack, err := h.EmitWithAck(context.Background(), "a", hubTestEvent, nil)
	require.NoError(t, err)
	assert.JSONEq(t, "1", string(ack))
}

func TestBroadcast_SkipsSenderAndSurvivesFailures(t *testing.T) {
	sender, ok1, bad, ok2 := newFakeConn("s"), newFakeConn("a"), newFakeConn("b"), newFakeConn("c")
	bad.failErr = errors.New("broken pipe")
	outsider := newFakeConn("z")
	h := newTestHub(sender, ok1, bad, ok2, outsider)
	for _, id := range []string{"s", "a", "b", "c"} {
		require.NoError(t, h.Join(id, hubTestRoom))
	}

	h.Broadcast(context.Background(), hubTestRoom, "s", hubTestEvent, "payload")

	assert.Empty(t, sender.events())
	assert.Equal(t, []string{hubTestEvent}, ok1.events())
	assert.Equal(t, []string{hubTestEvent}, ok2.events())
	assert.Empty(t, outsider.events())
}

func TestBroadcastWithAck(t *testing.T) {
	sender, a, b := newFakeConn("s"), newFakeConn("a"), newFakeConn("b")
	h := newTestHub(sender, a, b)
	for _, id := range []string{"s", "a", "b"} {
		require.NoError(t, h.Join(id, hubTestRoom))
	}

	require.NoError(t, h.BroadcastWithAck(context.Background(), hubTestRoom, "s", hubTestEvent, "payload"))
	assert.Equal(t, []string{hubTestEvent}, a.events())
	assert.Equal(t, []string{hubTestEvent}, b.events())
	assert.Empty(t, sender.events())
}

func TestBroadcastWithAck_JoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	a, b := newFakeConn("a"), newFakeConn("b")
	b.failErr = boom
	h := newTestHub(a, b)
	require.NoError(t, h.Join("a", hubTestRoom))
	require.NoError(t, h.Join("b", hubTestRoom))

	err := h.BroadcastWithAck(context.Background(), hubTestRoom, "", hubTestEvent, nil)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "conn b")
	assert.Equal(t, []string{hubTestEvent}, a.events(), "a failure never aborts the others")
}

func TestBroadcastWithAck_EmptyRoom(t *testing.T) {
	h := newTestHub()
	assert.NoError(t, h.BroadcastWithAck(context.Background(), hubTestRoom, "", hubTestEvent, nil))
}

func TestConcurrentMembership(t *testing.T) {
	h := New(nil)
	var wg sync.WaitGroup
	for i := range 50 {
		c := newFakeConn(string(rune('A' + i)))
		h.Register(c)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Join(c.ID(), hubTestRoom)
			h.Broadcast(context.Background(), hubTestRoom, c.ID(), hubTestEvent, nil)
			_, _ = h.Unregister(c.ID())
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, h.Len())
	assert.Empty(t, h.Members(hubTestRoom))
}
