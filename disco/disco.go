// Package disco is the per-connection capability registry.
//
// Each connection advertises a set of features. Peers ask for that set with
// an info query; local code asks peers the same way through SupportsFeature.
// Answers from peers are cached per peer address.
package disco

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/kardianos/qfeature"
	"github.com/kardianos/qfeature/capscache"
	"github.com/kardianos/qfeature/manager"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"
)

// Namespace of the info query.
const Namespace = "http://jabber.org/protocol/disco#info"

// Element of the info query.
const Element = "query"

// InfoKey is the handler key of the info query.
var InfoKey = qfeature.HandlerKey{Element: Element, Namespace: Namespace, Type: qfeature.TypeGet}

// Identity describes what kind of entity answers.
type Identity struct {
	Category string `cbor:"1,keyasint"`
	Type     string `cbor:"2,keyasint"`
	Name     string `cbor:"3,keyasint,omitempty"`
}

func (id Identity) String() string {
	return id.Category + "/" + id.Type + "/" + id.Name
}

// DefaultIdentity is used when none is configured.
var DefaultIdentity = Identity{Category: "client", Type: "pc", Name: "qfeature"}

// Info is the payload of an info response.
type Info struct {
	Identities []Identity `cbor:"1,keyasint,omitempty"`
	Features   []string   `cbor:"2,keyasint,omitempty"`
	Ver        string     `cbor:"3,keyasint,omitempty"`
}

// Has returns true if the info lists feature.
func (i *Info) Has(feature string) bool {
	for _, f := range i.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// Manager holds the features advertised on one connection.
type Manager struct {
	conn     qfeature.Conn
	identity Identity
	cache    capscache.Cache
	log      *zap.Logger

	mu       sync.RWMutex
	features map[string]struct{}

	group singleflight.Group
}

func newManager(conn qfeature.Conn, o *options) *Manager {
	m := &Manager{
		conn:     conn,
		identity: o.identity,
		cache:    o.cache,
		log:      o.log.With(zap.Stringer("addr", conn.Addr())),
		features: map[string]struct{}{Namespace: {}},
	}
	conn.Handle(InfoKey, qfeature.ModeAsync, m.serveInfo)
	return m
}

// AddFeature advertises feature. Adding a feature twice keeps one entry.
func (m *Manager) AddFeature(feature string) {
	m.mu.Lock()
	m.features[feature] = struct{}{}
	m.mu.Unlock()
	m.log.Debug("feature added", zap.String("feature", feature))
}

// RemoveFeature stops advertising feature.
func (m *Manager) RemoveFeature(feature string) {
	m.mu.Lock()
	delete(m.features, feature)
	m.mu.Unlock()
	m.log.Debug("feature removed", zap.String("feature", feature))
}

// IncludesFeature returns true if feature is advertised locally.
func (m *Manager) IncludesFeature(feature string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.features[feature]
	return ok
}

// Features returns the advertised features, sorted.
func (m *Manager) Features() []string {
	m.mu.RLock()
	list := make([]string, 0, len(m.features))
	for f := range m.features {
		list = append(list, f)
	}
	m.mu.RUnlock()
	sort.Strings(list)
	return list
}

// Info returns the local info as sent to peers.
func (m *Manager) Info() *Info {
	features := m.Features()
	ids := []Identity{m.identity}
	return &Info{
		Identities: ids,
		Features:   features,
		Ver:        Ver(ids, features),
	}
}

// Ver hashes identities and features into a short verification string.
// Equal sets hash equal regardless of order.
func Ver(ids []Identity, features []string) string {
	idList := make([]string, len(ids))
	for i, id := range ids {
		idList[i] = id.String()
	}
	sort.Strings(idList)
	fList := append([]string(nil), features...)
	sort.Strings(fList)

	var b strings.Builder
	for _, s := range idList {
		b.WriteString(s)
		b.WriteByte('<')
	}
	for _, s := range fList {
		b.WriteString(s)
		b.WriteByte('<')
	}
	sum := blake2b.Sum256([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(sum[:16])
}

func (m *Manager) serveInfo(ctx context.Context, req *qfeature.Message) *qfeature.Message {
	raw, err := cbor.Marshal(m.Info())
	if err != nil {
		m.log.Error("encode info", zap.Error(err))
		return qfeature.ErrorFor(req, qfeature.ConditionInternalServerError)
	}
	resp := qfeature.ResultFor(req)
	resp.Payload = raw
	return resp
}

// DiscoverInfo asks peer for its info, using the cache when it has an entry.
// Concurrent calls for the same peer share one request. Each caller waits
// on its own ctx; cancelling one does not fail the others.
// Errors from the connection are returned unchanged.
func (m *Manager) DiscoverInfo(ctx context.Context, peer qfeature.Addr) (*Info, error) {
	key := peer.String()
	if m.cache != nil {
		if e, ok := m.cache.Get(key); ok {
			return &Info{Features: e.Features, Ver: e.Ver}, nil
		}
	}

	// The reply timeout bounds the shared query.
	ch := m.group.DoChan(key, func() (any, error) {
		return m.queryInfo(context.WithoutCancel(ctx), peer)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Info), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", qfeature.ErrInterrupted, ctx.Err())
	}
}

func (m *Manager) queryInfo(ctx context.Context, peer qfeature.Addr) (*Info, error) {
	req := &qfeature.Message{
		To:        peer,
		Element:   Element,
		Namespace: Namespace,
		Type:      qfeature.TypeGet,
	}
	resp, err := m.conn.SendAndAwait(ctx, req)
	if err != nil {
		return nil, err
	}

	info := &Info{}
	if len(resp.Payload) > 0 {
		if err := cbor.Unmarshal(resp.Payload, info); err != nil {
			return nil, fmt.Errorf("disco: decode info from %s: %w", peer, err)
		}
	}
	if m.cache != nil {
		m.cache.Put(peer.String(), capscache.Entry{Features: info.Features, Ver: info.Ver})
	}
	m.log.Debug("discovered info", zap.Stringer("peer", peer), zap.Int("features", len(info.Features)))
	return info, nil
}

// SupportsFeature returns true if peer advertises feature.
func (m *Manager) SupportsFeature(ctx context.Context, peer qfeature.Addr, feature string) (bool, error) {
	info, err := m.DiscoverInfo(ctx, peer)
	if err != nil {
		return false, err
	}
	return info.Has(feature), nil
}

// Forget drops the cached info for peer.
func (m *Manager) Forget(peer qfeature.Addr) {
	if m.cache != nil {
		m.cache.Remove(peer.String())
	}
}

// Option configures a Registry.
type Option func(*options)

type options struct {
	identity Identity
	cache    capscache.Cache
	log      *zap.Logger
}

// WithIdentity sets the identity sent in info responses.
func WithIdentity(id Identity) Option {
	return func(o *options) { o.identity = id }
}

// WithCache sets the peer info cache. Without one every check queries the peer.
func WithCache(c capscache.Cache) Option {
	return func(o *options) { o.cache = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// Registry holds one Manager per connection.
type Registry struct {
	reg *manager.Registry[*Manager]
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	o := &options{
		identity: DefaultIdentity,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return &Registry{
		reg: manager.New(func(c qfeature.Conn) *Manager {
			return newManager(c, o)
		}, manager.WithLogger(o.log.Named("disco"))),
	}
}

// InstanceFor returns the Manager for conn, creating it on first use.
func (r *Registry) InstanceFor(conn qfeature.Conn) *Manager {
	return r.reg.InstanceFor(conn)
}

// Attach creates a Manager for every new connection announced by cr.
func (r *Registry) Attach(cr *qfeature.ConnRegistry) {
	r.reg.Attach(cr)
}

// Len returns the number of live managers.
func (r *Registry) Len() int {
	return r.reg.Len()
}
