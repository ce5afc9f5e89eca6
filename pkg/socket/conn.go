package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// ErrClosed is returned when sending on, or waiting for an acknowledgement
// from, a connection that has closed.
var ErrClosed = errors.New("socket: connection closed")

// ErrNoAck may be returned by a handler to leave the event unacknowledged.
var ErrNoAck = errors.New("socket: no acknowledgement")

// errQueueFull ends a connection whose peer outpaces its handlers.
var errQueueFull = errors.New("socket: inbound queue full")

// AckError is an error acknowledgement returned by the peer.
type AckError struct {
	Message string
}

func (e *AckError) Error() string {
	return "socket: peer error: " + e.Message
}

type envelope struct {
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	ID    int64           `json:"id,omitempty"`
	Ack   int64           `json:"ack,omitempty"`
	Error string          `json:"error,omitempty"`
}

type ackResult struct {
	data json.RawMessage
	err  error
}

type connOptions struct {
	mux          *Mux
	pingInterval time.Duration
	pingTimeout  time.Duration
	maxPending   int
	logger       *slog.Logger
	onEvent      func(event string)
}

// Conn is one end of a socket connection.
type Conn struct {
	id     string
	remote string
	ws     *websocket.Conn
	opts   connOptions

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	closed  bool
	nextID  int64
	pending map[int64]chan ackResult
	queue   []envelope
	wake    chan struct{}
}

func newConn(ws *websocket.Conn, remote string, opts connOptions) *Conn {
	if opts.logger == nil {
		opts.logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:      uuid.NewString(),
		remote:  remote,
		ws:      ws,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		pending: make(map[int64]chan ackResult),
		wake:    make(chan struct{}, 1),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the peer address as seen when the connection was opened.
func (c *Conn) RemoteAddr() string {
	return c.remote
}

// Context is canceled when the connection closes.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// Done is closed once the connection has shut down and its handlers returned.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection with a normal closure.
func (c *Conn) Close() error {
	return c.closeWith(websocket.StatusNormalClosure, "")
}

func (c *Conn) closeWith(code websocket.StatusCode, reason string) error {
	err := c.ws.Close(code, reason)
	if err != nil && !isClosedErr(err) {
		return fmt.Errorf("closing connection: %w", err)
	}
	return nil
}

// Emit sends an event without requesting an acknowledgement.
func (c *Conn) Emit(ctx context.Context, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", event, err)
	}
	return c.write(ctx, envelope{Event: event, Data: raw})
}

// EmitWithAck sends an event and waits for the peer's acknowledgement. It
// returns ErrClosed if the connection closes first.
func (c *Conn) EmitWithAck(ctx context.Context, event string, data any) (json.RawMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", event, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan ackResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(ctx, envelope{Event: event, Data: raw, ID: id}); err != nil {
		c.forget(id)
		return nil, err
	}

	select {
	case res := <-ch:
		return res.data, res.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Conn) write(ctx context.Context, env envelope) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	if err := wsjson.Write(ctx, c.ws, env); err != nil {
		if c.ctx.Err() != nil || isClosedErr(err) {
			return ErrClosed
		}
		return fmt.Errorf("writing %s: %w", env.Event, err)
	}
	return nil
}

func (c *Conn) forget(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// run serves the connection until it closes and the worker has drained.
func (c *Conn) run() {
	defer close(c.done)

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		c.work()
	}()
	if c.opts.pingInterval > 0 {
		go c.pingLoop()
	}

	err := c.readLoop()
	switch {
	case errors.Is(err, errQueueFull):
		c.opts.logger.Warn("closing connection: inbound queue full", "conn_id", c.id)
		_ = c.closeWith(websocket.StatusPolicyViolation, "too many pending events")
	case isClosedErr(err):
	default:
		c.opts.logger.Debug("connection read failed", "conn_id", c.id, "error", err)
		_ = c.ws.CloseNow()
	}

	c.shutdown()
	<-workerDone
}

func (c *Conn) readLoop() error {
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			return err
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.opts.logger.Debug("dropping malformed frame", "conn_id", c.id, "error", err)
			continue
		}

		switch {
		case env.Ack > 0:
			c.resolve(env)
		case env.Event != "":
			if !c.enqueue(env) {
				return errQueueFull
			}
		default:
			c.opts.logger.Debug("dropping frame without event", "conn_id", c.id)
		}
	}
}

func (c *Conn) resolve(env envelope) {
	c.mu.Lock()
	ch, ok := c.pending[env.Ack]
	delete(c.pending, env.Ack)
	c.mu.Unlock()

	if !ok {
		return
	}
	if env.Error != "" {
		ch <- ackResult{err: &AckError{Message: env.Error}}
		return
	}
	ch <- ackResult{data: env.Data}
}

func (c *Conn) enqueue(env envelope) bool {
	c.mu.Lock()
	if c.opts.maxPending > 0 && len(c.queue) >= c.opts.maxPending {
		c.mu.Unlock()
		return false
	}
	c.queue = append(c.queue, env)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

func (c *Conn) dequeue() (envelope, bool) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return envelope{}, false
		}
		if len(c.queue) > 0 {
			env := c.queue[0]
			c.queue[0] = envelope{}
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return env, true
		}
		c.mu.Unlock()

		select {
		case <-c.wake:
		case <-c.ctx.Done():
		}
	}
}

func (c *Conn) work() {
	for {
		env, ok := c.dequeue()
		if !ok {
			return
		}
		c.dispatch(env)
	}
}

func (c *Conn) dispatch(env envelope) {
	if c.opts.onEvent != nil {
		c.opts.onEvent(env.Event)
	}

	h, ok := c.opts.mux.lookup(env.Event)
	if !ok {
		c.opts.logger.Debug("no handler for event", "conn_id", c.id, "event", env.Event)
		c.reply(env, nil, fmt.Errorf("unknown event %q", env.Event))
		return
	}

	res, err := c.call(h, env)
	if err != nil && env.ID == 0 && !errors.Is(err, ErrNoAck) {
		c.opts.logger.Debug("event handler failed", "conn_id", c.id, "event", env.Event, "error", err)
	}
	c.reply(env, res, err)
}

func (c *Conn) call(h HandlerFunc, env envelope) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.opts.logger.Error("event handler panicked", "conn_id", c.id, "event", env.Event, "panic", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(c.ctx, c, env.Data)
}

func (c *Conn) reply(env envelope, res any, err error) {
	if env.ID == 0 || errors.Is(err, ErrNoAck) {
		return
	}

	ack := envelope{Ack: env.ID}
	if err != nil {
		ack.Error = err.Error()
	} else if res != nil {
		raw, merr := json.Marshal(res)
		if merr != nil {
			ack.Error = "encoding ack: " + merr.Error()
		} else {
			ack.Data = raw
		}
	}

	if werr := c.write(c.ctx, ack); werr != nil && !errors.Is(werr, ErrClosed) {
		c.opts.logger.Debug("failed to send ack", "conn_id", c.id, "event", env.Event, "error", werr)
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.opts.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, c.opts.pingTimeout)
			err := c.ws.Ping(ctx)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					c.opts.logger.Debug("ping failed, closing connection", "conn_id", c.id, "error", err)
					_ = c.ws.CloseNow()
				}
				return
			}
		}
	}
}

// shutdown fails every pending acknowledgement and drops queued events.
func (c *Conn) shutdown() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[int64]chan ackResult)
	c.queue = nil
	c.mu.Unlock()

	c.cancel()
	for _, ch := range pending {
		ch <- ackResult{err: ErrClosed}
	}
}

func isClosedErr(err error) bool {
	if err == nil {
		return false
	}
	if websocket.CloseStatus(err) != -1 {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed)
}
