// Package qmock provides in-memory connections and collaborators for tests.
package qmock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kardianos/qfeature"
)

// Network routes requests between in-memory connections the way a hub does.
type Network struct {
	// Registry, if set, is notified of every connection from Dial.
	Registry *qfeature.ConnRegistry

	// ReplyTimeout bounds SendAndAwait. Defaults to qfeature.DefaultReplyTimeout.
	ReplyTimeout time.Duration

	mu      sync.RWMutex
	conns   map[qfeature.Addr]*Conn
	lastRes int
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{conns: make(map[qfeature.Addr]*Conn)}
}

// Dial binds a new session for machine and announces it to the Registry.
func (n *Network) Dial(machine string) *Conn {
	n.mu.Lock()
	n.lastRes++
	c := &Conn{
		net:  n,
		id:   qfeature.NextConnID(),
		addr: qfeature.Addr{Machine: machine, Resource: fmt.Sprintf("r%d", n.lastRes)},
		done: make(chan struct{}),
	}
	n.conns[c.addr] = c
	n.mu.Unlock()

	n.Registry.Created(c)
	return c
}

func (n *Network) resolve(to qfeature.Addr) *Conn {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !to.IsBare() {
		return n.conns[to]
	}
	for addr, c := range n.conns {
		if addr.Machine == to.Machine {
			return c
		}
	}
	return nil
}

func (n *Network) remove(c *Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conns[c.addr] == c {
		delete(n.conns, c.addr)
	}
}

func (n *Network) replyTimeout() time.Duration {
	if n.ReplyTimeout > 0 {
		return n.ReplyTimeout
	}
	return qfeature.DefaultReplyTimeout
}

// Conn is an in-memory session. It implements qfeature.Conn.
type Conn struct {
	net  *Network
	id   qfeature.ConnID
	addr qfeature.Addr

	dispatch qfeature.Dispatcher
	hooks    qfeature.CloseHooks

	done      chan struct{}
	closeOnce sync.Once

	nextID atomic.Uint64
	sent   atomic.Int64
	silent atomic.Bool
}

var _ qfeature.Conn = (*Conn)(nil)

func (c *Conn) ID() qfeature.ConnID { return c.id }

func (c *Conn) Addr() qfeature.Addr { return c.addr }

func (c *Conn) Handle(key qfeature.HandlerKey, mode qfeature.Mode, fn qfeature.HandlerFunc) func() {
	return c.dispatch.Register(key, mode, fn)
}

func (c *Conn) OnClose(fn func()) { c.hooks.Add(fn) }

// Registered returns true if a handler is installed for key.
func (c *Conn) Registered(key qfeature.HandlerKey) bool {
	return c.dispatch.Registered(key)
}

// Sent returns how many requests were sent through SendAndAwait.
func (c *Conn) Sent() int64 { return c.sent.Load() }

// SetSilent makes the connection drop inbound requests without answering.
func (c *Conn) SetSilent(silent bool) { c.silent.Store(silent) }

// Close ends the session and runs the close hooks.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.net.remove(c)
		c.hooks.Run()
	})
	return nil
}

// Deliver hands req to this connection's handlers as if it came from req.From
// and waits for the answer.
func (c *Conn) Deliver(ctx context.Context, req *qfeature.Message) *qfeature.Message {
	req.Action = qfeature.ActionRequest
	req.To = c.addr
	ch := make(chan *qfeature.Message, 1)
	c.dispatch.Dispatch(ctx, req, func(resp *qfeature.Message) error {
		ch <- resp
		return nil
	})
	select {
	case resp := <-ch:
		return resp
	case <-ctx.Done():
		return nil
	}
}

// SendAndAwait routes req to its destination on the network and waits for the answer.
// Errors mirror qfeature.Client.
func (c *Conn) SendAndAwait(ctx context.Context, req *qfeature.Message) (*qfeature.Message, error) {
	select {
	case <-c.done:
		return nil, qfeature.ErrNotConnected
	default:
	}
	if err := req.To.Validate(); err != nil {
		return nil, err
	}

	c.sent.Add(1)
	req.ID = qfeature.MessageID(c.nextID.Add(1))
	req.Action = qfeature.ActionRequest
	req.From = c.addr

	target := c.net.resolve(req.To)
	if target == nil {
		return nil, &qfeature.StanzaError{Condition: qfeature.ConditionRecipientUnavailable}
	}

	respChan := make(chan *qfeature.Message, 1)
	if !target.silent.Load() {
		fwd := *req
		target.dispatch.Dispatch(ctx, &fwd, func(resp *qfeature.Message) error {
			resp.From = target.addr
			resp.To = c.addr
			respChan <- resp
			return nil
		})
	}

	timeout := c.net.replyTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-respChan:
		if r.Type == qfeature.TypeError {
			if r.Error == nil {
				return nil, &qfeature.StanzaError{Condition: qfeature.ConditionInternalServerError}
			}
			return nil, r.Error
		}
		return r, nil
	case <-timer.C:
		return nil, &qfeature.NoResponseError{ID: req.ID, To: req.To, Timeout: timeout}
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", qfeature.ErrInterrupted, ctx.Err())
	case <-c.done:
		return nil, qfeature.ErrNotConnected
	}
}
