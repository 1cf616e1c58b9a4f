package subscriptions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// CloseError is the peer's close frame surfacing from Socket.Read.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("subscriptions: connection closed %d: %s", e.Code, e.Reason)
}

// Socket is a duplex message socket. Read delivers the inbound stream in
// fragments; a peer-initiated close surfaces as *CloseError.
type Socket interface {
	// Read fills buf with the next fragment of the current inbound
	// message and reports whether that fragment ends the message.
	Read(ctx context.Context, buf []byte) (n int, end bool, err error)
	// Write sends one complete text message.
	Write(ctx context.Context, data []byte) error
	// Close starts or completes the closing handshake. Idempotent.
	Close(code int, reason string) error
	// Terminate force-closes the underlying connection without a
	// closing handshake, unblocking any pending Read.
	Terminate() error
}

// Processor consumes the decoded inbound messages of one connection.
type Processor interface {
	// OnMessageReceived handles one message. Returning *ProtocolError
	// closes the connection with that code; any other error closes it
	// as a bad request.
	OnMessageReceived(msg *Message) error
	// Dispose tears the processor down. Idempotent; called when the
	// socket closes from either side.
	Dispose()
}

// ProtocolError is a connection-fatal protocol violation.
type ProtocolError struct {
	Code   int
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("subscriptions: protocol error %d: %s", e.Code, e.Reason)
}

// TransportOptions configure a Transport.
//
// Defaults: BlockSize 4096, CloseGrace 10s.
type TransportOptions struct {
	// BlockSize is the read buffer size; messages larger than one block
	// are accumulated across reads.
	BlockSize int
	// CloseGrace bounds the wait for the close handshake to flush.
	CloseGrace time.Duration
}

type TransportOption func(*TransportOptions)

func WithBlockSize(n int) TransportOption {
	return func(o *TransportOptions) { o.BlockSize = n }
}

func WithCloseGrace(d time.Duration) TransportOption {
	return func(o *TransportOptions) { o.CloseGrace = d }
}

// Transport owns one Socket: it runs the read loop, reassembles
// fragmented messages, and serializes every outbound send and close
// through a Pump so they interleave safely no matter which goroutine
// issued them.
type Transport struct {
	sock Socket
	opt  TransportOptions

	pump       *Pump
	ctx        context.Context
	lastSend   atomic.Int64 // unix nanos of the last completed write
	closing    atomic.Bool
	executed   atomic.Bool
	closed     chan struct{}
	closeTimer atomic.Pointer[time.Timer]
}

type outMessage struct{ msg *Message }

type outClose struct {
	code   int
	reason string
}

func NewTransport(sock Socket, opts ...TransportOption) *Transport {
	opt := TransportOptions{BlockSize: 4096, CloseGrace: 10 * time.Second}
	for _, o := range opts {
		o(&opt)
	}
	t := &Transport{
		sock:   sock,
		opt:    opt,
		ctx:    context.Background(),
		closed: make(chan struct{}),
	}
	t.pump = NewPump(t.processOut)
	return t
}

func (t *Transport) processOut(item any) error {
	switch out := item.(type) {
	case outMessage:
		data, err := json.Marshal(out.msg)
		if err != nil {
			return err
		}
		if err := t.sock.Write(t.ctx, data); err != nil {
			return err
		}
		t.lastSend.Store(time.Now().UnixNano())
	case outClose:
		err := t.sock.Close(out.code, out.reason)
		select {
		case <-t.closed:
		default:
			close(t.closed)
		}
		// A peer that ignores the close frame must not pin the read
		// loop; hard-close the socket once the grace expires. The read
		// loop stops the timer when it exits first.
		t.closeTimer.Store(time.AfterFunc(t.opt.CloseGrace, func() {
			_ = t.sock.Terminate()
		}))
		return err
	}
	return nil
}

// Send queues msg for delivery. Messages posted after a close was
// requested are dropped.
func (t *Transport) Send(msg *Message) {
	if msg == nil || t.closing.Load() {
		return
	}
	t.pump.Post(outMessage{msg: msg})
}

// CloseConnection requests a graceful close. Only the first request
// wins; messages already queued still flush ahead of the close frame.
func (t *Transport) CloseConnection(code int, reason string) {
	if !t.closing.CompareAndSwap(false, true) {
		return
	}
	t.pump.Post(outClose{code: code, reason: reason})
}

// LastSend reports when the last outbound write completed, for
// activity-aware keep-alive scheduling. Zero before the first send.
func (t *Transport) LastSend() time.Time {
	n := t.lastSend.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Execute runs the read loop until the socket is closed on both ends or
// ctx is canceled. Inbound dispatch is sequential: the next frame is not
// read until proc finished the current message. Execute may be called
// at most once; a second call is a programming error.
func (t *Transport) Execute(ctx context.Context, proc Processor) error {
	if !t.executed.CompareAndSwap(false, true) {
		panic("subscriptions: transport executed twice")
	}
	t.ctx = ctx
	defer proc.Dispose()
	defer func() {
		if tm := t.closeTimer.Load(); tm != nil {
			tm.Stop()
		}
	}()

	block := make([]byte, t.opt.BlockSize)
	var spill bytes.Buffer

	for {
		n, end, err := t.sock.Read(ctx, block)
		if err != nil {
			if ce, ok := err.(*CloseError); ok {
				// Stop the application side first so nothing sends into
				// the handshake, then answer the close if we did not
				// start it.
				proc.Dispose()
				t.CloseConnection(ce.Code, ce.Reason)
				t.awaitClose(ctx)
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Ungraceful disconnect: not an application error.
			return nil
		}

		var payload []byte
		switch {
		case end && spill.Len() == 0 && n > 0:
			// Whole message in one block, decode in place.
			payload = block[:n]
		case n > 0 && !end:
			spill.Write(block[:n])
			continue
		case end && spill.Len() > 0:
			spill.Write(block[:n])
			payload = spill.Bytes()
		default:
			// Zero-length fragment, nothing to decode.
			continue
		}

		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			spill.Reset()
			t.CloseConnection(CloseBadRequest, "invalid message")
			continue
		}
		spill.Reset()

		if err := proc.OnMessageReceived(&msg); err != nil {
			var pe *ProtocolError
			if !errors.As(err, &pe) {
				pe = &ProtocolError{Code: CloseBadRequest, Reason: err.Error()}
			}
			t.CloseConnection(pe.Code, pe.Reason)
		}
	}
}

func (t *Transport) awaitClose(ctx context.Context) {
	select {
	case <-t.closed:
	case <-time.After(t.opt.CloseGrace):
	case <-ctx.Done():
	}
}
