package qfeature

import (
	"context"
	"sync"
	"sync/atomic"
)

// ConnID identifies a connection for the lifetime of the process.
type ConnID uint64

var lastConnID atomic.Uint64

// NextConnID returns a new process-unique connection ID.
func NextConnID() ConnID {
	return ConnID(lastConnID.Add(1))
}

// Conn is a live session on the hub as seen by feature managers.
type Conn interface {
	// ID returns the connection identity. It never changes.
	ID() ConnID

	// Addr returns the full address bound to this session.
	Addr() Addr

	// Handle registers a request handler on the connection's dispatcher.
	Handle(key HandlerKey, mode Mode, fn HandlerFunc) (unregister func())

	// SendAndAwait sends a request and blocks until the matching response arrives,
	// the reply timeout passes, the connection fails or ctx is done.
	SendAndAwait(ctx context.Context, req *Message) (*Message, error)

	// OnClose registers fn to run once when the connection closes.
	// If the connection is already closed fn runs immediately.
	OnClose(fn func())
}

// ConnRegistry notifies listeners when connections are created.
// Applications register listeners during startup; connections call Created.
type ConnRegistry struct {
	mu        sync.RWMutex
	listeners []func(Conn)
}

// NewConnRegistry returns an empty registry.
func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{}
}

// OnCreate adds a listener called for every connection created after this call.
func (r *ConnRegistry) OnCreate(fn func(Conn)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Created calls every listener with c. It may be called concurrently for distinct connections.
func (r *ConnRegistry) Created(c Conn) {
	if r == nil {
		return
	}
	r.mu.RLock()
	listeners := make([]func(Conn), len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	for _, fn := range listeners {
		fn(c)
	}
}

// CloseHooks runs registered functions once. Conn implementations use it for OnClose.
type CloseHooks struct {
	mu     sync.Mutex
	closed bool
	fns    []func()
}

// Add registers fn, running it immediately if Run was already called.
func (h *CloseHooks) Add(fn func()) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		fn()
		return
	}
	h.fns = append(h.fns, fn)
	h.mu.Unlock()
}

// Run marks the hooks closed and runs them. Returns false if already run.
func (h *CloseHooks) Run() bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.closed = true
	fns := h.fns
	h.fns = nil
	h.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return true
}
