// Package entitytime lets a connection tell peers its local time and ask
// peers for theirs.
//
// One Manager exists per connection. While enabled it advertises
// urn:xmpp:time through the connection's capability registry and answers
// time requests; while disabled it answers them with not-acceptable.
package entitytime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/kardianos/qfeature"
	"github.com/kardianos/qfeature/manager"
	"go.uber.org/zap"
)

// Namespace is the feature advertised by an enabled Manager.
const Namespace = "urn:xmpp:time"

// Element of time requests and responses.
const Element = "time"

// RequestKey is the handler key time requests are dispatched by.
var RequestKey = qfeature.HandlerKey{Element: Element, Namespace: Namespace, Type: qfeature.TypeGet}

// Discovery is the per-connection capability registry a Manager advertises through.
type Discovery interface {
	AddFeature(feature string)
	RemoveFeature(feature string)
	SupportsFeature(ctx context.Context, peer qfeature.Addr, feature string) (bool, error)
}

// DiscoveryFunc returns the capability registry of a connection.
type DiscoveryFunc func(qfeature.Conn) Discovery

// Manager implements entity time for one connection.
type Manager struct {
	conn    qfeature.Conn
	disco   Discovery
	clock   clock.Clock
	metrics *Metrics
	log     *zap.Logger

	mu      sync.Mutex // Serializes Enable and Disable.
	enabled atomic.Bool
}

func newManager(conn qfeature.Conn, disco Discovery, o *options, autoEnable bool) *Manager {
	m := &Manager{
		conn:    conn,
		disco:   disco,
		clock:   o.clock,
		metrics: o.metrics,
		log:     o.log.With(zap.Stringer("addr", conn.Addr())),
	}
	if autoEnable {
		m.Enable()
	}
	conn.Handle(RequestKey, qfeature.ModeAsync, m.serveTime)
	conn.OnClose(m.connClosed)
	return m
}

// connClosed disables the Manager with its connection.
func (m *Manager) connClosed() {
	m.Disable()
}

// Enable advertises the feature and starts answering requests with the local time.
// Calling Enable on an enabled Manager does nothing.
func (m *Manager) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enabled.Load() {
		return
	}
	m.disco.AddFeature(Namespace)
	m.enabled.Store(true)
	m.metrics.enabledDelta(1)
	m.log.Debug("entity time enabled")
}

// Disable stops advertising the feature. Requests are then refused with not-acceptable.
// Calling Disable on a disabled Manager does nothing.
func (m *Manager) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled.Load() {
		return
	}
	m.disco.RemoveFeature(Namespace)
	m.enabled.Store(false)
	m.metrics.enabledDelta(-1)
	m.log.Debug("entity time disabled")
}

// IsEnabled reports whether the Manager currently answers with the local time.
func (m *Manager) IsEnabled() bool {
	return m.enabled.Load()
}

// serveTime answers a time request. A request racing with Disable may be
// answered either way.
func (m *Manager) serveTime(ctx context.Context, req *qfeature.Message) *qfeature.Message {
	if !m.enabled.Load() {
		m.metrics.inboundResult("rejected")
		return qfeature.ErrorFor(req, qfeature.ConditionNotAcceptable)
	}
	resp, err := NewResponse(req, m.clock.Now())
	if err != nil {
		m.log.Error("encode time", zap.Error(err))
		m.metrics.inboundResult("error")
		return qfeature.ErrorFor(req, qfeature.ConditionInternalServerError)
	}
	m.metrics.inboundResult("answered")
	return resp
}

// IsTimeSupported asks the capability registry whether peer advertises entity time.
// This may cost a network round trip; its errors are returned unchanged.
func (m *Manager) IsTimeSupported(ctx context.Context, peer qfeature.Addr) (bool, error) {
	return m.disco.SupportsFeature(ctx, peer, Namespace)
}

// GetTime asks peer for its time. It blocks until the response arrives or the
// request fails.
//
// If peer does not advertise entity time the error is a
// *qfeature.FeatureNotSupportedError and nothing is sent. Discovery and
// request errors are returned unchanged.
func (m *Manager) GetTime(ctx context.Context, peer qfeature.Addr) (*Response, error) {
	ok, err := m.IsTimeSupported(ctx, peer)
	if err != nil {
		m.metrics.outboundResult("error")
		return nil, err
	}
	if !ok {
		m.metrics.outboundResult("unsupported")
		return nil, &qfeature.FeatureNotSupportedError{Feature: Namespace, Peer: peer}
	}

	resp, err := m.conn.SendAndAwait(ctx, NewRequest(peer))
	if err != nil {
		m.metrics.outboundResult("error")
		return nil, err
	}
	r, err := DecodeResponse(resp)
	if err != nil {
		m.metrics.outboundResult("error")
		return nil, err
	}
	m.metrics.outboundResult("ok")
	return r, nil
}

// Option configures a Registry.
type Option func(*options)

type options struct {
	autoEnable bool
	clock      clock.Clock
	metrics    *Metrics
	log        *zap.Logger
}

// WithAutoEnable sets whether new Managers enable themselves. Default true.
func WithAutoEnable(enable bool) Option {
	return func(o *options) { o.autoEnable = enable }
}

// WithClock sets the clock responses are built from.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithMetrics records request counts in m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// ErrNoDiscovery is returned by NewRegistry without a DiscoveryFunc.
var ErrNoDiscovery = errors.New("entitytime: discovery is required")

// Registry holds one Manager per connection.
type Registry struct {
	discovery  DiscoveryFunc
	opts       options
	autoEnable atomic.Bool
	reg        *manager.Registry[*Manager]
}

// NewRegistry returns an empty registry. discovery supplies each connection's
// capability registry.
func NewRegistry(discovery DiscoveryFunc, opts ...Option) (*Registry, error) {
	if discovery == nil {
		return nil, ErrNoDiscovery
	}
	o := options{
		autoEnable: true,
		clock:      clock.New(),
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	r := &Registry{
		discovery: discovery,
		opts:      o,
	}
	r.autoEnable.Store(o.autoEnable)
	r.reg = manager.New(r.newManager, manager.WithLogger(o.log.Named("entitytime")))
	return r, nil
}

func (r *Registry) newManager(c qfeature.Conn) *Manager {
	return newManager(c, r.discovery(c), &r.opts, r.autoEnable.Load())
}

// SetAutoEnable changes whether Managers created from now on enable themselves.
// Existing Managers are not affected.
func (r *Registry) SetAutoEnable(enable bool) {
	r.autoEnable.Store(enable)
}

// InstanceFor returns the Manager for conn, creating it on first use.
func (r *Registry) InstanceFor(conn qfeature.Conn) *Manager {
	return r.reg.InstanceFor(conn)
}

// Attach creates a Manager for every new connection announced by cr.
func (r *Registry) Attach(cr *qfeature.ConnRegistry) {
	r.reg.Attach(cr)
}

// Len returns the number of live Managers.
func (r *Registry) Len() int {
	return r.reg.Len()
}
