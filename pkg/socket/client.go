package socket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// DialOptions configures Dial.
type DialOptions struct {
	// Mux handles events sent by the server. May be nil.
	Mux *Mux

	HTTPHeader   http.Header
	PingInterval time.Duration
	PingTimeout  time.Duration
	ReadLimit    int64
	Logger       *slog.Logger
}

// Dial connects to a socket server. The returned connection is served in the
// background until it is closed.
func Dial(ctx context.Context, url string, opts DialOptions) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: opts.HTTPHeader})
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}

	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = DefaultPingTimeout
	}
	ws.SetReadLimit(opts.ReadLimit)

	c := newConn(ws, url, connOptions{
		mux:          opts.Mux,
		pingInterval: opts.PingInterval,
		pingTimeout:  opts.PingTimeout,
		logger:       opts.Logger,
	})
	go c.run()
	return c, nil
}
