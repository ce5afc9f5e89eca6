package socket

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/txn2/inimatic-relay/pkg/metrics"
)

// Defaults for Config.
const (
	DefaultPingInterval      = 10 * time.Second
	DefaultPingTimeout       = 10 * time.Second
	DefaultReadLimit         = 16 << 20
	DefaultMaxPending        = 1024
	DefaultDisconnectTimeout = 30 * time.Second
)

// Config configures a Server.
type Config struct {
	// PingInterval is how often the server pings each peer. Negative disables pings.
	PingInterval time.Duration

	// PingTimeout bounds the wait for a pong before the connection is dropped.
	PingTimeout time.Duration

	// OriginPatterns lists the allowed browser origins. Defaults to any.
	OriginPatterns []string

	// ReadLimit caps the size of one inbound frame in bytes.
	ReadLimit int64

	// MaxPending caps inbound events waiting for their handler.
	MaxPending int

	// DisconnectTimeout bounds the disconnect callback.
	DisconnectTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c *Config) applyDefaults() {
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	if len(c.OriginPatterns) == 0 {
		c.OriginPatterns = []string{"*"}
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = DefaultReadLimit
	}
	if c.MaxPending <= 0 {
		c.MaxPending = DefaultMaxPending
	}
	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Server accepts WebSocket connections and dispatches their events.
type Server struct {
	mux *Mux
	cfg Config

	onConnect    func(ctx context.Context, c *Conn)
	onDisconnect func(ctx context.Context, c *Conn)

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a server routing events through mux.
func NewServer(mux *Mux, cfg Config) *Server {
	cfg.applyDefaults()
	return &Server{
		mux:   mux,
		cfg:   cfg,
		conns: make(map[string]*Conn),
	}
}

// OnConnect sets a callback run before the first event of each connection.
func (s *Server) OnConnect(fn func(ctx context.Context, c *Conn)) {
	s.onConnect = fn
}

// OnDisconnect sets a callback run after a connection has closed and its
// last handler returned. Its context is bounded by DisconnectTimeout.
func (s *Server) OnDisconnect(fn func(ctx context.Context, c *Conn)) {
	s.onDisconnect = fn
}

// Len returns the number of open connections.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.cfg.Logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(s.cfg.ReadLimit)

	pingInterval := s.cfg.PingInterval
	if pingInterval < 0 {
		pingInterval = 0
	}
	c := newConn(ws, r.RemoteAddr, connOptions{
		mux:          s.mux,
		pingInterval: pingInterval,
		pingTimeout:  s.cfg.PingTimeout,
		maxPending:   s.cfg.MaxPending,
		logger:       s.cfg.Logger,
		onEvent:      s.cfg.Metrics.RecordEvent,
	})

	if !s.track(c) {
		_ = c.closeWith(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.wg.Done()

	s.cfg.Metrics.ConnectionOpened()
	defer s.cfg.Metrics.ConnectionClosed()
	s.cfg.Logger.Debug("connection opened", "conn_id", c.ID(), "remote_addr", c.RemoteAddr())

	if s.onConnect != nil {
		s.onConnect(c.Context(), c)
	}

	c.run()
	s.untrack(c)

	if s.onDisconnect != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DisconnectTimeout)
		s.onDisconnect(ctx, c)
		cancel()
	}
	s.cfg.Logger.Debug("connection closed", "conn_id", c.ID())
}

func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c.ID()] = c
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c.ID())
}

// Close closes every connection and waits for their disconnect callbacks.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.closeWith(websocket.StatusGoingAway, "server shutting down")
	}
	s.wg.Wait()
	return nil
}
