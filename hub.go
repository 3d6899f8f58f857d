package qfeature

import (
	"context"
	"crypto/tls"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"go.uber.org/zap"
)

// DefaultMaxMsgSize is the default per-message size limit on the hub.
const DefaultMaxMsgSize = 1 << 20 // 1 MB

// HubOpt configures a Hub.
type HubOpt struct {
	// TLS holds the hub certificate and the client CA pool.
	// Client certificates are required; see BuildHubTLS.
	TLS *tls.Config

	// RequestTimeout bounds how long a forwarded request waits for its answer
	// before the hub replies with remote-server-timeout.
	RequestTimeout time.Duration

	// KeepalivePeriod sets the QUIC keepalive interval.
	KeepalivePeriod time.Duration

	// MaxMsgSize is the maximum encoded message size. Default is DefaultMaxMsgSize.
	MaxMsgSize int64

	Logger *zap.Logger
}

// Hub accepts sessions and routes requests between them.
type Hub struct {
	tlsCfg          *tls.Config
	requestTimeout  time.Duration
	keepAlivePeriod time.Duration
	maxMsgSize      int64
	log             *zap.Logger

	mu       sync.RWMutex
	sessions map[string]map[string]*hubConn // machine -> resource -> conn

	routeMu sync.Mutex
	routes  map[routeKey]*pendingRoute
	nextID  atomic.Uint64

	dispatch Dispatcher
}

type routeKey struct {
	target ConnID
	id     MessageID
}

type pendingRoute struct {
	origin   *hubConn
	originID MessageID
	to       Addr
	deadline time.Time
}

// NewHub creates a new Hub.
func NewHub(opt HubOpt) (*Hub, error) {
	if opt.TLS == nil {
		return nil, ErrNoTLS
	}
	timeout := opt.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	keepalive := opt.KeepalivePeriod
	if keepalive <= 0 {
		keepalive = defaultKeepalivePeriod
	}
	maxMsg := opt.MaxMsgSize
	if maxMsg <= 0 {
		maxMsg = DefaultMaxMsgSize
	}
	log := opt.Logger
	if log == nil {
		log = zap.NewNop()
	}

	tlsCfg := opt.TLS.Clone()
	if len(tlsCfg.NextProtos) == 0 {
		tlsCfg.NextProtos = []string{ALPN}
	}

	h := &Hub{
		tlsCfg:          tlsCfg,
		requestTimeout:  timeout,
		keepAlivePeriod: keepalive,
		maxMsgSize:      maxMsg,
		log:             log,
		sessions:        make(map[string]map[string]*hubConn),
		routes:          make(map[routeKey]*pendingRoute),
	}
	h.dispatch.Logger = log
	return h, nil
}

// Handle registers a handler for requests addressed to the hub itself.
func (h *Hub) Handle(key HandlerKey, mode Mode, fn HandlerFunc) func() {
	return h.dispatch.Register(key, mode, fn)
}

// Sessions returns the addresses of all bound sessions, sorted.
func (h *Hub) Sessions() []Addr {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var list []Addr
	for machine, rs := range h.sessions {
		for resource := range rs {
			list = append(list, Addr{Machine: machine, Resource: resource})
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].String() < list[j].String() })
	return list
}

// Serve accepts sessions on conn until ctx is done.
func (h *Hub) Serve(ctx context.Context, conn net.PacketConn) error {
	listener, err := quic.Listen(conn, h.tlsCfg, &quic.Config{
		KeepAlivePeriod: h.keepAlivePeriod,
	})
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		_ = listener.Close()
		h.closeAll()
	}()

	go h.checkRouteTimeouts(ctx)

	for {
		quicConn, err := listener.Accept(ctx)
		if err != nil {
			return nil
		}
		go h.handleConnection(ctx, quicConn)
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	var conns []*hubConn
	for _, rs := range h.sessions {
		for _, c := range rs {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range conns {
		_ = c.quicConn.CloseWithError(0, "hub shutting down")
	}
}

func (h *Hub) handleConnection(ctx context.Context, quicConn *quic.Conn) {
	certs := quicConn.ConnectionState().TLS.PeerCertificates
	if len(certs) == 0 {
		quicConn.CloseWithError(1, ErrNoClientCert.Error())
		return
	}
	machine := certs[0].Subject.CommonName
	if !validMachine(machine) {
		quicConn.CloseWithError(1, ErrInvalidMachine.Error())
		return
	}

	stream, err := quicConn.AcceptStream(ctx)
	if err != nil {
		quicConn.CloseWithError(2, "stream error")
		return
	}

	conn := &hubConn{
		id:       NextConnID(),
		quicConn: quicConn,
		stream:   stream,
		enc:      cbor.NewEncoder(stream),
		limitedR: newLimitedReader(stream, h.maxMsgSize),
	}
	conn.dec = cbor.NewDecoder(conn.limitedR)

	var bind Message
	if err := conn.dec.Decode(&bind); err != nil || bind.Action != ActionBind {
		quicConn.CloseWithError(1, ErrBindFailed.Error())
		return
	}
	resource := bind.From.Resource
	if resource == "" {
		resource = uuid.NewString()[:8]
	}
	conn.addr = Addr{Machine: machine, Resource: resource}
	if conn.addr.Validate() != nil {
		h.rejectBind(conn, ConditionBadRequest)
		return
	}

	h.mu.Lock()
	rs := h.sessions[machine]
	if rs == nil {
		rs = make(map[string]*hubConn)
		h.sessions[machine] = rs
	}
	if _, exists := rs[resource]; exists {
		h.mu.Unlock()
		h.rejectBind(conn, ConditionConflict)
		return
	}
	rs[resource] = conn
	h.mu.Unlock()

	log := h.log.With(zap.Stringer("addr", conn.addr))
	if err := conn.deliver(&Message{Action: ActionBind, To: conn.addr}); err != nil {
		log.Debug("bind response failed", zap.Error(err))
	} else {
		log.Info("session bound")
		h.readLoop(ctx, conn)
	}

	h.mu.Lock()
	if rs := h.sessions[machine]; rs[resource] == conn {
		delete(rs, resource)
		if len(rs) == 0 {
			delete(h.sessions, machine)
		}
	}
	h.mu.Unlock()
	h.failRoutesTo(conn)
	_ = quicConn.CloseWithError(0, "session closed")
	log.Info("session closed")
}

// rejectBind answers a bind with an error and waits for the client to hang up
// so the answer is not lost with the connection.
func (h *Hub) rejectBind(conn *hubConn, cond Condition) {
	_ = conn.deliver(&Message{Action: ActionBind, Type: TypeError, Error: &StanzaError{Condition: cond}})
	_ = conn.stream.Close()
	select {
	case <-conn.quicConn.Context().Done():
	case <-time.After(time.Second):
	}
	_ = conn.quicConn.CloseWithError(1, ErrBindFailed.Error())
	h.log.Debug("bind rejected", zap.Stringer("addr", conn.addr), zap.String("condition", string(cond)))
}

func validMachine(m string) bool {
	return m != "" && m != HubMachine && !strings.Contains(m, "/")
}

func (h *Hub) readLoop(ctx context.Context, conn *hubConn) {
	for {
		conn.limitedR.Reset()

		msg := new(Message)
		if err := conn.dec.Decode(msg); err != nil {
			return
		}

		switch msg.Action {
		case ActionRequest:
			h.handleRequest(ctx, conn, msg)
		case ActionResponse:
			h.handleResponse(conn, msg)
		default:
			h.log.Debug("invalid action", zap.Stringer("from", conn.addr), zap.Uint8("action", uint8(msg.Action)))
		}
	}
}

func (h *Hub) handleRequest(ctx context.Context, origin *hubConn, msg *Message) {
	// Never trust the sender's idea of its own address.
	msg.From = origin.addr

	if msg.To.Machine == HubMachine {
		h.dispatch.Dispatch(ctx, msg, origin.deliver)
		return
	}

	target := h.resolve(msg.To)
	if target == nil {
		_ = origin.deliver(ErrorFor(msg, ConditionRecipientUnavailable))
		return
	}

	targetID := MessageID(h.nextID.Add(1))

	h.routeMu.Lock()
	h.routes[routeKey{target.id, targetID}] = &pendingRoute{
		origin:   origin,
		originID: msg.ID,
		to:       msg.To,
		deadline: time.Now().Add(h.requestTimeout),
	}
	h.routeMu.Unlock()

	fwd := *msg
	fwd.ID = targetID
	if err := target.deliver(&fwd); err != nil {
		h.routeMu.Lock()
		delete(h.routes, routeKey{target.id, targetID})
		h.routeMu.Unlock()
		_ = origin.deliver(ErrorFor(msg, ConditionRecipientUnavailable))
	}
}

// resolve finds the session for a destination.
// A bare address picks any session of the machine.
func (h *Hub) resolve(to Addr) *hubConn {
	if to.Validate() != nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	rs := h.sessions[to.Machine]
	if to.Resource != "" {
		return rs[to.Resource]
	}
	for _, c := range rs {
		return c
	}
	return nil
}

func (h *Hub) handleResponse(conn *hubConn, msg *Message) {
	key := routeKey{conn.id, msg.ID}

	h.routeMu.Lock()
	route, ok := h.routes[key]
	if ok {
		delete(h.routes, key)
	}
	h.routeMu.Unlock()

	if !ok {
		return
	}

	resp := *msg
	resp.ID = route.originID
	resp.From = conn.addr
	resp.To = route.origin.addr
	_ = route.origin.deliver(&resp)
}

// failRoutesTo answers every request still waiting on conn.
func (h *Hub) failRoutesTo(conn *hubConn) {
	var failed []*pendingRoute
	h.routeMu.Lock()
	for key, route := range h.routes {
		if key.target == conn.id {
			failed = append(failed, route)
			delete(h.routes, key)
		}
	}
	h.routeMu.Unlock()

	for _, route := range failed {
		h.sendRouteError(route, ConditionRecipientUnavailable)
	}
}

func (h *Hub) sendRouteError(route *pendingRoute, cond Condition) {
	_ = route.origin.deliver(&Message{
		ID:     route.originID,
		Action: ActionResponse,
		Type:   TypeError,
		To:     route.origin.addr,
		From:   route.to,
		Error:  &StanzaError{Condition: cond},
	})
}

func (h *Hub) checkRouteTimeouts(ctx context.Context) {
	ticker := time.NewTicker(h.requestTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.expireRoutes(time.Now())
		}
	}
}

func (h *Hub) expireRoutes(now time.Time) {
	var expired []*pendingRoute

	h.routeMu.Lock()
	for key, route := range h.routes {
		if now.After(route.deadline) {
			expired = append(expired, route)
			delete(h.routes, key)
		}
	}
	h.routeMu.Unlock()

	for _, route := range expired {
		h.sendRouteError(route, ConditionRemoteServerTimeout)
	}
}
