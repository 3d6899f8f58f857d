package qfeature

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/kardianos/qfeature/qstate"
	"github.com/quic-go/quic-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// defaultKeepalivePeriod for quic protocol.
const defaultKeepalivePeriod = 45 * time.Second

// DefaultReplyTimeout is how long SendAndAwait waits for a response.
const DefaultReplyTimeout = 5 * time.Second

// SessionState is the lifecycle state of a Client.
type SessionState uint8

const (
	StateBinding SessionState = iota
	StateBound
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateBinding:
		return "binding"
	case StateBound:
		return "bound"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var sessionTransitions = []qstate.Transition[SessionState]{
	{From: StateBinding, To: StateBound, Name: "bind"},
	{From: StateBinding, To: StateClosed, Name: "bind failed"},
	{From: StateBound, To: StateClosed, Name: "close"},
}

// ClientOpt configures a Client.
type ClientOpt struct {
	// HubAddr is the hub address to connect to, host:port.
	// If Resolver is set it maps this to the address dialed.
	HubAddr string

	// TLS holds the client certificate and the roots used to verify the hub.
	// The certificate CommonName becomes the session machine name.
	TLS *tls.Config

	// Resource requests a resource name for the session. The hub picks one if empty.
	Resource string

	// Registry is notified once the session is bound.
	Registry *ConnRegistry

	// Resolver optionally resolves HubAddr before connecting.
	Resolver Resolver

	// ReplyTimeout bounds SendAndAwait. Defaults to DefaultReplyTimeout.
	ReplyTimeout time.Duration

	// KeepalivePeriod sets the QUIC keepalive interval.
	KeepalivePeriod time.Duration

	Logger *zap.Logger
}

// Client is a session on a hub. It implements Conn.
type Client struct {
	id   ConnID
	addr Addr

	quicConn *quic.Conn
	stream   *quic.Stream
	enc      *cbor.Encoder
	dec      *cbor.Decoder

	sendMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[MessageID]chan *Message
	nextID    atomic.Uint64

	dispatch     Dispatcher
	replyTimeout time.Duration
	log          *zap.Logger

	state     *qstate.Machine[SessionState]
	hooks     CloseHooks
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ Conn = (*Client)(nil)

// NewClient connects to a hub and binds a session.
func NewClient(ctx context.Context, opt ClientOpt) (*Client, error) {
	if opt.TLS == nil {
		return nil, ErrNoTLS
	}
	log := opt.Logger
	if log == nil {
		log = zap.NewNop()
	}

	hubAddr := opt.HubAddr
	if opt.Resolver != nil {
		resolved, err := opt.Resolver.Resolve(ctx, opt.HubAddr)
		if err != nil {
			return nil, err
		}
		hubAddr = resolved
	}

	tlsCfg := opt.TLS.Clone()
	if len(tlsCfg.NextProtos) == 0 {
		tlsCfg.NextProtos = []string{ALPN}
	}

	keepalive := opt.KeepalivePeriod
	if keepalive <= 0 {
		keepalive = defaultKeepalivePeriod
	}
	replyTimeout := opt.ReplyTimeout
	if replyTimeout <= 0 {
		replyTimeout = DefaultReplyTimeout
	}

	quicConn, err := quic.DialAddr(ctx, hubAddr, tlsCfg, &quic.Config{
		KeepAlivePeriod: keepalive,
	})
	if err != nil {
		return nil, err
	}

	stream, err := quicConn.OpenStreamSync(ctx)
	if err != nil {
		quicConn.CloseWithError(1, "stream error")
		return nil, err
	}

	c := &Client{
		id:           NextConnID(),
		quicConn:     quicConn,
		stream:       stream,
		enc:          cbor.NewEncoder(stream),
		dec:          cbor.NewDecoder(stream),
		pending:      make(map[MessageID]chan *Message),
		replyTimeout: replyTimeout,
		done:         make(chan struct{}),
		log:          log,
	}
	c.state = qstate.New(StateBinding, sessionTransitions, func(t qstate.Transition[SessionState]) {
		c.log.Debug("session state", zap.Stringer("from", t.From), zap.Stringer("to", t.To), zap.String("event", t.Name))
	})

	if err := c.bind(opt.Resource); err != nil {
		_ = c.state.To(StateClosed)
		quicConn.CloseWithError(1, "bind failed")
		return nil, err
	}
	c.log = log.With(zap.Stringer("addr", c.addr), zap.Uint64("conn", uint64(c.id)))
	c.dispatch.Logger = c.log
	if err := c.state.To(StateBound); err != nil {
		quicConn.CloseWithError(1, "bind failed")
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.readLoop(loopCtx)

	c.log.Debug("session bound", zap.String("hub", hubAddr))
	opt.Registry.Created(c)
	return c, nil
}

// bind asks the hub for a full address. The hub always answers a bind first.
func (c *Client) bind(resource string) error {
	req := &Message{
		Action: ActionBind,
		From:   Addr{Resource: resource},
	}
	if err := c.enc.Encode(req); err != nil {
		return err
	}
	var resp Message
	if err := c.dec.Decode(&resp); err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if resp.Action != ActionBind || resp.To.Validate() != nil {
		return ErrBindFailed
	}
	c.addr = resp.To
	return nil
}

// ID returns the connection identity.
func (c *Client) ID() ConnID {
	return c.id
}

// Addr returns the full address bound by the hub.
func (c *Client) Addr() Addr {
	return c.addr
}

// Handle registers a request handler for this session.
func (c *Client) Handle(key HandlerKey, mode Mode, fn HandlerFunc) func() {
	return c.dispatch.Register(key, mode, fn)
}

// OnClose registers fn to run once when the session ends.
func (c *Client) OnClose(fn func()) {
	c.hooks.Add(fn)
}

// State returns the session lifecycle state.
func (c *Client) State() SessionState {
	return c.state.Current()
}

// Done is closed when the session ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close ends the session.
func (c *Client) Close() error {
	c.shutdown(nil)
	return c.closeErr
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.state.To(StateClosed); err != nil {
			c.log.Warn("close", zap.Error(err))
		}
		if c.cancel != nil {
			c.cancel()
		}
		if cause != nil {
			c.log.Debug("session lost", zap.Error(cause))
		}
		c.closeErr = multierr.Combine(
			c.stream.Close(),
			c.quicConn.CloseWithError(0, "client closing"),
		)
		c.hooks.Run()
	})
}

// SendAndAwait sends req and waits for the response with the same ID.
// The request ID and From are assigned here.
//
// An error response is returned as *StanzaError. A missing response is a
// *NoResponseError. If ctx ends first the error matches ErrInterrupted and the
// context error.
func (c *Client) SendAndAwait(ctx context.Context, req *Message) (*Message, error) {
	select {
	case <-c.done:
		return nil, ErrNotConnected
	default:
	}
	if err := req.To.Validate(); err != nil {
		return nil, err
	}

	id := MessageID(c.nextID.Add(1))
	req.ID = id
	req.Action = ActionRequest
	req.From = c.addr

	respChan := make(chan *Message, 1)

	c.pendingMu.Lock()
	c.pending[id] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.send(req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.replyTimeout)
	defer timer.Stop()

	select {
	case r := <-respChan:
		if r.Type == TypeError {
			if r.Error == nil {
				return nil, &StanzaError{Condition: ConditionInternalServerError}
			}
			return nil, r.Error
		}
		return r, nil
	case <-timer.C:
		return nil, &NoResponseError{ID: id, To: req.To, Timeout: c.replyTimeout}
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	case <-c.done:
		return nil, ErrNotConnected
	}
}

func (c *Client) send(msg *Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.enc.Encode(msg)
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		msg := new(Message)
		if err := c.dec.Decode(msg); err != nil {
			c.shutdown(err)
			return
		}

		switch msg.Action {
		case ActionResponse:
			c.handleResponse(msg)
		case ActionRequest:
			c.dispatch.Dispatch(ctx, msg, c.send)
		default:
			c.log.Debug("dropping message", zap.Uint8("action", uint8(msg.Action)))
		}
	}
}

func (c *Client) handleResponse(msg *Message) {
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.ID]
	c.pendingMu.Unlock()

	if !ok {
		return
	}

	select {
	case ch <- msg:
	default:
	}
}
