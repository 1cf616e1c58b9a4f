package subscriptions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeSocket scripts inbound frames through a channel and records
// outbound writes and the close frame. A silent fake never answers the
// server's close frame, like a stalled or hostile client.
type fakeSocket struct {
	in     chan socketFrame
	silent bool

	mu          sync.Mutex
	writes      []Message
	closeCode   int
	closeReason string
	closeDone   chan struct{}
	closeOnce   sync.Once
	terminated  chan struct{}
	termOnce    sync.Once
}

type socketFrame struct {
	data []byte
	end  bool
	err  error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:         make(chan socketFrame, 64),
		closeDone:  make(chan struct{}),
		terminated: make(chan struct{}),
	}
}

func (s *fakeSocket) Read(ctx context.Context, buf []byte) (int, bool, error) {
	echo := s.closeDone
	if s.silent {
		echo = nil
	}
	select {
	case f := <-s.in:
		if f.err != nil {
			return 0, false, f.err
		}
		return copy(buf, f.data), f.end, nil
	case <-echo:
		// Once we sent a close frame the peer echoes it back.
		s.mu.Lock()
		code, reason := s.closeCode, s.closeReason
		s.mu.Unlock()
		return 0, false, &CloseError{Code: code, Reason: reason}
	case <-s.terminated:
		return 0, false, errors.New("use of closed connection")
	case <-ctx.Done():
		return 0, false, ctx.Err()
	}
}

func (s *fakeSocket) Write(_ context.Context, data []byte) error {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	s.mu.Lock()
	s.writes = append(s.writes, msg)
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) Close(code int, reason string) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeCode, s.closeReason = code, reason
		s.mu.Unlock()
		close(s.closeDone)
	})
	return nil
}

func (s *fakeSocket) Terminate() error {
	s.termOnce.Do(func() { close(s.terminated) })
	return nil
}

func (s *fakeSocket) wasTerminated() bool {
	select {
	case <-s.terminated:
		return true
	default:
		return false
	}
}

func (s *fakeSocket) push(t *testing.T, msg *Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	s.in <- socketFrame{data: data, end: true}
}

func (s *fakeSocket) pushClose(code int, reason string) {
	s.in <- socketFrame{err: &CloseError{Code: code, Reason: reason}}
}

func (s *fakeSocket) sentMessages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.writes...)
}

func (s *fakeSocket) closedWith() (int, string, bool) {
	select {
	case <-s.closeDone:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.closeCode, s.closeReason, true
	default:
		return 0, "", false
	}
}

// recordingProcessor collects dispatched messages and scripts a reply
// error per message type.
type recordingProcessor struct {
	mu       sync.Mutex
	msgs     []Message
	disposed int
	fail     map[string]error
}

func newRecordingProcessor() *recordingProcessor {
	return &recordingProcessor{fail: map[string]error{}}
}

func (p *recordingProcessor) OnMessageReceived(msg *Message) error {
	p.mu.Lock()
	p.msgs = append(p.msgs, *msg)
	err := p.fail[msg.Type]
	p.mu.Unlock()
	return err
}

func (p *recordingProcessor) Dispose() {
	p.mu.Lock()
	p.disposed++
	p.mu.Unlock()
}

func (p *recordingProcessor) received() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.msgs...)
}

func (p *recordingProcessor) disposeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disposed
}

func waitCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTransportDispatchesMessages(t *testing.T) {
	sock := newFakeSocket()
	tr := NewTransport(sock)
	proc := newRecordingProcessor()

	done := make(chan error, 1)
	go func() { done <- tr.Execute(context.Background(), proc) }()

	sock.push(t, &Message{ID: "1", Type: "subscribe", Payload: json.RawMessage(`{"query":"{ me }"}`)})
	waitCond(t, "dispatch", func() bool { return len(proc.received()) == 1 })

	got := proc.received()[0]
	if got.ID != "1" || got.Type != "subscribe" {
		t.Fatalf("dispatched %+v", got)
	}

	sock.pushClose(CloseNormal, "bye")
	if err := <-done; err != nil {
		t.Fatalf("Execute() = %v", err)
	}
	if code, _, ok := sock.closedWith(); !ok || code != CloseNormal {
		t.Fatalf("close frame = %d, %v", code, ok)
	}
	if proc.disposeCount() == 0 {
		t.Fatal("processor not disposed")
	}
}

func TestTransportReassemblesFragments(t *testing.T) {
	sock := newFakeSocket()
	tr := NewTransport(sock)
	proc := newRecordingProcessor()

	go tr.Execute(context.Background(), proc)

	raw := []byte(`{"id":"7","type":"ping"}`)
	sock.in <- socketFrame{data: raw[:5]}
	sock.in <- socketFrame{data: raw[5:12]}
	sock.in <- socketFrame{data: raw[12:], end: true}

	waitCond(t, "reassembly", func() bool { return len(proc.received()) == 1 })
	got := proc.received()[0]
	if got.ID != "7" || got.Type != "ping" {
		t.Fatalf("reassembled %+v", got)
	}
}

func TestTransportSkipsEmptyFragments(t *testing.T) {
	sock := newFakeSocket()
	tr := NewTransport(sock)
	proc := newRecordingProcessor()

	go tr.Execute(context.Background(), proc)

	sock.in <- socketFrame{end: true} // zero-length message
	sock.push(t, &Message{Type: "ping"})

	waitCond(t, "dispatch", func() bool { return len(proc.received()) == 1 })
	if got := proc.received()[0]; got.Type != "ping" {
		t.Fatalf("dispatched %+v", got)
	}
}

func TestTransportInvalidJSONClosesBadRequest(t *testing.T) {
	sock := newFakeSocket()
	tr := NewTransport(sock)
	proc := newRecordingProcessor()

	done := make(chan error, 1)
	go func() { done <- tr.Execute(context.Background(), proc) }()

	sock.in <- socketFrame{data: []byte("not json"), end: true}

	if err := <-done; err != nil {
		t.Fatalf("Execute() = %v", err)
	}
	if code, _, ok := sock.closedWith(); !ok || code != CloseBadRequest {
		t.Fatalf("close code = %d, want %d", code, CloseBadRequest)
	}
	if len(proc.received()) != 0 {
		t.Fatal("malformed message reached the processor")
	}
}

func TestTransportProtocolErrorCloses(t *testing.T) {
	sock := newFakeSocket()
	tr := NewTransport(sock)
	proc := newRecordingProcessor()
	proc.fail["subscribe"] = &ProtocolError{Code: CloseSubscriberExists, Reason: "subscriber for 1 already exists"}

	done := make(chan error, 1)
	go func() { done <- tr.Execute(context.Background(), proc) }()

	sock.push(t, &Message{ID: "1", Type: "subscribe"})

	if err := <-done; err != nil {
		t.Fatalf("Execute() = %v", err)
	}
	code, reason, ok := sock.closedWith()
	if !ok || code != CloseSubscriberExists {
		t.Fatalf("close code = %d, want %d", code, CloseSubscriberExists)
	}
	if reason != "subscriber for 1 already exists" {
		t.Fatalf("close reason = %q", reason)
	}
}

func TestTransportSendsInOrder(t *testing.T) {
	sock := newFakeSocket()
	tr := NewTransport(sock)

	go tr.Execute(context.Background(), newRecordingProcessor())

	for i := 0; i < 20; i++ {
		tr.Send(&Message{ID: string(rune('a' + i)), Type: "next"})
	}
	waitCond(t, "sends", func() bool { return len(sock.sentMessages()) == 20 })

	for i, msg := range sock.sentMessages() {
		if msg.ID != string(rune('a'+i)) {
			t.Fatalf("message %d sent out of order: %q", i, msg.ID)
		}
	}
	if tr.LastSend().IsZero() {
		t.Fatal("LastSend() not tracked")
	}
}

func TestTransportDropsSendsAfterClose(t *testing.T) {
	sock := newFakeSocket()
	tr := NewTransport(sock)

	go tr.Execute(context.Background(), newRecordingProcessor())

	tr.CloseConnection(CloseUnauthorized, "unauthorized")
	waitCond(t, "close", func() bool { _, _, ok := sock.closedWith(); return ok })

	tr.Send(&Message{Type: "next"})
	time.Sleep(10 * time.Millisecond)
	if n := len(sock.sentMessages()); n != 0 {
		t.Fatalf("%d messages sent after close", n)
	}

	// Only the first close wins.
	tr.CloseConnection(CloseNormal, "")
	if code, _, _ := sock.closedWith(); code != CloseUnauthorized {
		t.Fatalf("close code = %d, want %d", code, CloseUnauthorized)
	}
}

func TestTransportHardClosesSilentPeer(t *testing.T) {
	sock := newFakeSocket()
	sock.silent = true
	tr := NewTransport(sock, WithCloseGrace(50*time.Millisecond))
	proc := newRecordingProcessor()

	done := make(chan error, 1)
	go func() { done <- tr.Execute(context.Background(), proc) }()

	tr.CloseConnection(CloseInitTimeout, "connection initialization timeout")
	waitCond(t, "close frame", func() bool { _, _, ok := sock.closedWith(); return ok })

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Execute() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read loop still blocked after the close grace expired")
	}
	if !sock.wasTerminated() {
		t.Fatal("socket was not terminated")
	}
	if proc.disposeCount() == 0 {
		t.Fatal("processor not disposed")
	}
}

func TestTransportPropagatesCancellation(t *testing.T) {
	sock := newFakeSocket()
	tr := NewTransport(sock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Execute(ctx, newRecordingProcessor()) }()

	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("Execute() = %v, want context.Canceled", err)
	}
}

func TestTransportExecuteTwicePanics(t *testing.T) {
	sock := newFakeSocket()
	tr := NewTransport(sock)

	done := make(chan error, 1)
	go func() { done <- tr.Execute(context.Background(), newRecordingProcessor()) }()
	sock.pushClose(CloseNormal, "")
	if err := <-done; err != nil {
		t.Fatalf("Execute() = %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("second Execute() did not panic")
		}
	}()
	tr.Execute(context.Background(), newRecordingProcessor())
}
