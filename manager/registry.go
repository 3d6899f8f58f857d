// Package manager keeps one manager instance per live connection.
//
// A Registry is an arena keyed by qfeature.ConnID. Instances are created on
// first use, either from an explicit InstanceFor call or from a connection
// creation notification, and evicted by the connection's close hook.
package manager

import (
	"sync"

	"github.com/kardianos/qfeature"
	"go.uber.org/zap"
)

// Registry maps each live connection to its manager instance.
type Registry[M any] struct {
	newFn func(qfeature.Conn) M
	log   *zap.Logger

	mu    sync.Mutex
	slots map[qfeature.ConnID]*slot[M]
}

type slot[M any] struct {
	m M
}

// Option configures a Registry.
type Option func(*options)

type options struct {
	log *zap.Logger
}

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// New returns a registry that builds instances with newFn.
// newFn runs inside the registry's critical section; it must not call back
// into the same registry.
func New[M any](newFn func(qfeature.Conn) M, opts ...Option) *Registry[M] {
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Registry[M]{
		newFn: newFn,
		log:   o.log,
		slots: make(map[qfeature.ConnID]*slot[M]),
	}
}

// InstanceFor returns the instance for conn, creating it on first use.
// Concurrent callers for the same connection all receive the same instance
// and newFn runs exactly once.
func (r *Registry[M]) InstanceFor(conn qfeature.Conn) M {
	id := conn.ID()

	r.mu.Lock()
	if s, ok := r.slots[id]; ok {
		r.mu.Unlock()
		return s.m
	}
	s := &slot[M]{m: r.newFn(conn)}
	r.slots[id] = s
	r.mu.Unlock()

	r.log.Debug("instance created", zap.Uint64("conn", uint64(id)))

	// Registered outside the lock: a closed connection runs the hook inline.
	conn.OnClose(func() { r.evict(id, s) })
	return s.m
}

// Lookup returns the instance for id without creating one.
func (r *Registry[M]) Lookup(id qfeature.ConnID) (M, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[id]
	if !ok {
		var zero M
		return zero, false
	}
	return s.m, true
}

// Len returns the number of live instances.
func (r *Registry[M]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

// Attach creates an instance for every connection announced by cr from now on.
func (r *Registry[M]) Attach(cr *qfeature.ConnRegistry) {
	cr.OnCreate(func(c qfeature.Conn) {
		r.InstanceFor(c)
	})
}

func (r *Registry[M]) evict(id qfeature.ConnID, s *slot[M]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slots[id] == s {
		delete(r.slots, id)
		r.log.Debug("instance evicted", zap.Uint64("conn", uint64(id)))
	}
}
