package socket

import (
	"context"
	"encoding/json"
	"sync"
)

// HandlerFunc handles one inbound event. When the peer requested an
// acknowledgement, the result (or the error) is sent back as the ack.
type HandlerFunc func(ctx context.Context, c *Conn, data json.RawMessage) (any, error)

// Mux routes events to handlers by name.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewMux returns an empty router.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]HandlerFunc)}
}

// On registers the handler for an event, replacing any previous one.
func (m *Mux) On(event string, h HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = h
}

func (m *Mux) lookup(event string) (HandlerFunc, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[event]
	return h, ok
}
