package qfeature

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// HandlerKey selects the handler for an inbound request.
type HandlerKey struct {
	Element   string
	Namespace string
	Type      Type
}

func (k HandlerKey) String() string {
	return fmt.Sprintf("%s/%s (%s)", k.Element, k.Namespace, k.Type)
}

// Mode selects how a handler is scheduled.
type Mode uint8

const (
	// ModeAsync runs each request in its own goroutine.
	ModeAsync Mode = iota
	// ModeSync runs requests for all sync handlers of a dispatcher one at a time.
	ModeSync
)

// HandlerFunc answers a request. The returned message is either a result
// (see ResultFor) or an error response (see ErrorFor).
type HandlerFunc func(ctx context.Context, req *Message) *Message

// ReplyFunc sends a response back to the requester.
type ReplyFunc func(resp *Message) error

type handlerEntry struct {
	mode Mode
	fn   HandlerFunc
}

// Dispatcher routes inbound requests to registered handlers.
// The zero value is ready to use.
type Dispatcher struct {
	Logger *zap.Logger

	mu       sync.RWMutex
	handlers map[HandlerKey]*handlerEntry

	syncMu sync.Mutex
	wg     sync.WaitGroup
}

// Register installs fn for key, replacing any previous handler.
// The returned function removes the handler if it is still the registered one.
func (d *Dispatcher) Register(key HandlerKey, mode Mode, fn HandlerFunc) (unregister func()) {
	e := &handlerEntry{mode: mode, fn: fn}

	d.mu.Lock()
	if d.handlers == nil {
		d.handlers = make(map[HandlerKey]*handlerEntry)
	}
	d.handlers[key] = e
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.handlers[key] == e {
			delete(d.handlers, key)
		}
	}
}

// Registered returns true if a handler is installed for key.
func (d *Dispatcher) Registered(key HandlerKey) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[key]
	return ok
}

// Dispatch finds the handler for req and schedules it. It never blocks on the handler.
// Requests without a handler are answered with feature-not-implemented.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Message, reply ReplyFunc) {
	d.mu.RLock()
	e := d.handlers[req.Key()]
	d.mu.RUnlock()

	if e == nil {
		d.send(reply, ErrorFor(req, ConditionFeatureNotImplemented))
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if e.mode == ModeSync {
			d.syncMu.Lock()
			defer d.syncMu.Unlock()
		}
		d.send(reply, d.call(ctx, e.fn, req))
	}()
}

// Wait blocks until all scheduled handlers have returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) call(ctx context.Context, fn HandlerFunc, req *Message) (resp *Message) {
	// Recover from panics in handlers so the requester still gets an answer.
	defer func() {
		if p := recover(); p != nil {
			d.logger().Error("handler panic", zap.Stringer("key", req.Key()), zap.Any("panic", p))
			resp = ErrorFor(req, ConditionInternalServerError)
		}
	}()

	resp = fn(ctx, req)
	if resp == nil {
		d.logger().Warn("handler returned no response", zap.Stringer("key", req.Key()))
		return ErrorFor(req, ConditionInternalServerError)
	}
	resp.ID = req.ID
	resp.Action = ActionResponse
	return resp
}

func (d *Dispatcher) send(reply ReplyFunc, resp *Message) {
	if err := reply(resp); err != nil {
		d.logger().Debug("send response failed", zap.Uint64("id", uint64(resp.ID)), zap.Error(err))
	}
}

func (d *Dispatcher) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}
