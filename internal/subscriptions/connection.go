package subscriptions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hanpama/graphgate/internal/graphql"
)

var errEmptyResponse = errors.New("subscriptions: executor returned no result")

// Connection states. The created-to-initialized transition happens at
// most once, guarded by CompareAndSwap rather than a lock.
const (
	stateCreated int32 = iota
	stateInitialized
	stateTerminated
)

// InitFunc accepts or rejects a connection based on the init payload.
// A non-nil error closes the connection as unauthorized.
type InitFunc func(ctx context.Context, payload json.RawMessage) error

// ConnectionOptions configure one Connection.
type ConnectionOptions struct {
	// InitTimeout bounds the wait for the client's init message. Zero
	// or negative disables the timeout.
	InitTimeout time.Duration
	// KeepAliveInterval is the keep-alive period after init. Zero or
	// negative disables keep-alives.
	KeepAliveInterval time.Duration
	// SmartKeepAlive suppresses keep-alives while other traffic is
	// flowing, rescheduling off the last outbound send instead of a
	// fixed tick. Some legacy clients expect the fixed behavior, so
	// this is opt-in.
	SmartKeepAlive bool
	// DisconnectOnErrorEvent closes the whole connection after a
	// subscription delivers a terminal error message.
	DisconnectOnErrorEvent bool
	// DisconnectOnAnyError closes the whole connection after the first
	// event whose execution result carries any error.
	DisconnectOnAnyError bool
	// OnConnectionInit authenticates the init payload.
	OnConnectionInit InitFunc
}

type ConnectionOption func(*ConnectionOptions)

func WithInitTimeout(d time.Duration) ConnectionOption {
	return func(o *ConnectionOptions) { o.InitTimeout = d }
}

func WithKeepAliveInterval(d time.Duration) ConnectionOption {
	return func(o *ConnectionOptions) { o.KeepAliveInterval = d }
}

func WithSmartKeepAlive() ConnectionOption {
	return func(o *ConnectionOptions) { o.SmartKeepAlive = true }
}

func WithDisconnectOnErrorEvent() ConnectionOption {
	return func(o *ConnectionOptions) { o.DisconnectOnErrorEvent = true }
}

func WithDisconnectOnAnyError() ConnectionOption {
	return func(o *ConnectionOptions) { o.DisconnectOnAnyError = true }
}

func WithConnectionInit(f InitFunc) ConnectionOption {
	return func(o *ConnectionOptions) { o.OnConnectionInit = f }
}

// Connection drives one subscription protocol session over a Transport.
// It implements Processor; the transport's read loop feeds it one
// message at a time while subscription events and keep-alives arrive
// concurrently from their own goroutines.
type Connection struct {
	transport *Transport
	dialect   Dialect
	executor  graphql.Executor
	registry  *Registry
	opts      ConnectionOptions

	ctx    context.Context
	cancel context.CancelFunc

	state     atomic.Int32
	initTimer *time.Timer
}

func NewConnection(ctx context.Context, transport *Transport, dialect Dialect, executor graphql.Executor, opts ...ConnectionOption) *Connection {
	opt := ConnectionOptions{
		InitTimeout:       10 * time.Second,
		KeepAliveInterval: 30 * time.Second,
	}
	for _, o := range opts {
		o(&opt)
	}
	cctx, cancel := context.WithCancel(ctx)
	return &Connection{
		transport: transport,
		dialect:   dialect,
		executor:  executor,
		registry:  NewRegistry(cctx),
		opts:      opt,
		ctx:       cctx,
		cancel:    cancel,
	}
}

// InitializeConnection arms the init-wait timer. Call once, before the
// transport read loop starts.
func (c *Connection) InitializeConnection() error {
	if d := c.opts.InitTimeout; d > 0 {
		c.initTimer = time.AfterFunc(d, func() {
			c.transport.CloseConnection(CloseInitTimeout, "connection initialization timeout")
		})
	}
	return nil
}

func (c *Connection) OnMessageReceived(msg *Message) error {
	op := c.dialect.Decode(msg)
	switch op.kind {
	case opInit:
		return c.handleInit(op)
	case opPing:
		if pong := c.dialect.Pong(op.payload); pong != nil {
			c.transport.Send(pong)
		}
		return nil
	case opPong:
		return nil
	case opTerminate:
		c.transport.CloseConnection(CloseNormal, "terminated")
		return nil
	case opSubscribe:
		if c.state.Load() != stateInitialized {
			return &ProtocolError{Code: CloseUnauthorized, Reason: "unauthorized"}
		}
		return c.subscribe(op)
	case opStop:
		if c.state.Load() != stateInitialized {
			return &ProtocolError{Code: CloseUnauthorized, Reason: "unauthorized"}
		}
		c.unsubscribe(op.id)
		return nil
	}
	if c.state.Load() != stateInitialized {
		return &ProtocolError{Code: CloseUnauthorized, Reason: "unauthorized"}
	}
	return &ProtocolError{Code: CloseBadRequest, Reason: fmt.Sprintf("unrecognized message type %q", msg.Type)}
}

func (c *Connection) handleInit(op inboundOp) error {
	if !c.state.CompareAndSwap(stateCreated, stateInitialized) {
		return &ProtocolError{Code: CloseTooManyInitRequests, Reason: "too many initialization requests"}
	}
	if c.initTimer != nil {
		c.initTimer.Stop()
	}
	if f := c.opts.OnConnectionInit; f != nil {
		if err := f(c.ctx, op.payload); err != nil {
			return &ProtocolError{Code: CloseUnauthorized, Reason: "unauthorized"}
		}
	}
	c.transport.Send(c.dialect.Ack())
	c.startKeepAlive()
	return nil
}

func (c *Connection) startKeepAlive() {
	d := c.opts.KeepAliveInterval
	if d <= 0 {
		return
	}
	if c.opts.SmartKeepAlive {
		go c.smartKeepAlive(d)
		return
	}
	// Legacy clients expect the first keep-alive right after the ack.
	c.transport.Send(c.dialect.KeepAlive())
	go c.fixedKeepAlive(d)
}

func (c *Connection) fixedKeepAlive(d time.Duration) {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			c.transport.Send(c.dialect.KeepAlive())
		}
	}
}

func (c *Connection) smartKeepAlive(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			if last := c.transport.LastSend(); !last.IsZero() {
				if idle := time.Since(last); idle < d {
					t.Reset(d - idle)
					continue
				}
			}
			c.transport.Send(c.dialect.KeepAlive())
			t.Reset(d)
		}
	}
}

func (c *Connection) subscribe(op inboundOp) error {
	if op.id == "" {
		return &ProtocolError{Code: CloseBadRequest, Reason: "subscription id is required"}
	}
	var req graphql.Request
	if len(op.payload) > 0 {
		if err := json.Unmarshal(op.payload, &req); err != nil {
			return &ProtocolError{Code: CloseBadRequest, Reason: "invalid subscribe payload"}
		}
	}

	// Register a placeholder before calling the executor so an
	// unsubscribe arriving mid-setup has something to remove.
	placeholder := NewHandle(func() {})
	if c.dialect.SubscriptionOverwrite() {
		if err := c.registry.Set(op.id, placeholder); err != nil {
			return nil
		}
	} else {
		ok, err := c.registry.TryAdd(op.id, placeholder)
		if err != nil {
			return nil
		}
		if !ok {
			return &ProtocolError{Code: CloseSubscriberExists, Reason: fmt.Sprintf("subscriber for %s already exists", op.id)}
		}
	}

	go c.run(op.id, placeholder, &req)
	return nil
}

func (c *Connection) run(id string, placeholder *Handle, req *graphql.Request) {
	resp, err := c.executor.Execute(c.ctx, req)
	if err == nil && (resp == nil || resp.Result == nil && resp.Stream == nil) {
		err = errEmptyResponse
	}
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		// The client may have unsubscribed while setup was running;
		// then the failure has no audience.
		if c.registry.RemoveIfSame(id, placeholder) {
			c.sendError(id, graphql.ErrorResult(err).Errors)
		}
		return
	}

	if resp.Stream == nil {
		c.deliverSingle(id, placeholder, resp.Result)
		return
	}

	obs := &connObserver{conn: c, id: id, setup: placeholder}
	unsubscribe, err := resp.Stream.Subscribe(c.ctx, graphql.TerminalOnce(obs))
	if err != nil {
		if c.registry.RemoveIfSame(id, placeholder) {
			c.sendError(id, graphql.ErrorResult(err).Errors)
		}
		return
	}
	live := NewHandle(unsubscribe)
	obs.live.Store(live)
	swapped, cerr := c.registry.CompareExchange(id, placeholder, live)
	if cerr != nil || !swapped {
		// Unsubscribed (or the connection died) while the stream was
		// being set up; the fresh handle must not leak its source.
		live.Dispose()
	}
}

func (c *Connection) deliverSingle(id string, placeholder *Handle, res *graphql.ExecutionResult) {
	if res != nil && res.Data == nil && res.HasErrors() {
		if c.registry.RemoveIfSame(id, placeholder) {
			c.sendError(id, res.Errors)
		}
		return
	}
	if !c.registry.ContainsHandle(id, placeholder) {
		return
	}
	if msg, err := c.dialect.Next(id, res); err == nil {
		c.transport.Send(msg)
	}
	if c.registry.RemoveIfSame(id, placeholder) {
		c.transport.Send(c.dialect.Complete(id))
	}
}

func (c *Connection) sendError(id string, errs []graphql.GraphQLError) {
	if msg, err := c.dialect.Error(id, errs); err == nil {
		c.transport.Send(msg)
	}
	if c.opts.DisconnectOnErrorEvent {
		c.transport.CloseConnection(CloseNormal, "")
	}
}

func (c *Connection) unsubscribe(id string) {
	c.registry.Remove(id)
}

// Dispose tears the connection down: cancels the context, stops timers,
// and disposes every live subscription. Safe to call from concurrent
// teardown races.
func (c *Connection) Dispose() {
	c.state.Store(stateTerminated)
	if c.initTimer != nil {
		c.initTimer.Stop()
	}
	c.cancel()
	c.registry.Dispose()
}

// connObserver forwards stream events for one subscription. Events are
// gated on the registry still holding this subscription's handle, which
// during setup is the placeholder and afterwards the live handle.
type connObserver struct {
	conn  *Connection
	id    string
	setup *Handle
	live  atomic.Pointer[Handle]
}

func (o *connObserver) active() bool {
	if o.conn.registry.ContainsHandle(o.id, o.setup) {
		return true
	}
	if h := o.live.Load(); h != nil && o.conn.registry.ContainsHandle(o.id, h) {
		return true
	}
	return false
}

func (o *connObserver) remove() bool {
	if o.conn.registry.RemoveIfSame(o.id, o.setup) {
		return true
	}
	if h := o.live.Load(); h != nil && o.conn.registry.RemoveIfSame(o.id, h) {
		return true
	}
	return false
}

func (o *connObserver) OnNext(res *graphql.ExecutionResult) {
	if !o.active() {
		return
	}
	if msg, err := o.conn.dialect.Next(o.id, res); err == nil {
		o.conn.transport.Send(msg)
	}
	if o.conn.opts.DisconnectOnAnyError && res != nil && res.HasErrors() {
		o.conn.transport.CloseConnection(CloseNormal, "")
	}
}

func (o *connObserver) OnError(err error) {
	if !o.remove() {
		return
	}
	o.conn.sendError(o.id, graphql.ErrorResult(err).Errors)
}

func (o *connObserver) OnComplete() {
	if !o.remove() {
		return
	}
	o.conn.transport.Send(o.conn.dialect.Complete(o.id))
}
