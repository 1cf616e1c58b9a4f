package graphql

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingObserver struct {
	mu        sync.Mutex
	next      []*ExecutionResult
	errs      []error
	completes int
}

func (r *recordingObserver) OnNext(res *ExecutionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next = append(r.next, res)
}

func (r *recordingObserver) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingObserver) OnComplete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completes++
}

func (r *recordingObserver) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.next), len(r.errs), r.completes
}

func TestTerminalOnce(t *testing.T) {
	rec := &recordingObserver{}
	obs := TerminalOnce(rec)

	obs.OnNext(&ExecutionResult{})
	obs.OnComplete()
	obs.OnComplete()
	obs.OnError(errors.New("late"))
	obs.OnNext(&ExecutionResult{})

	n, e, c := rec.counts()
	if n != 1 || e != 0 || c != 1 {
		t.Fatalf("got next=%d errors=%d completes=%d", n, e, c)
	}
}

func TestTerminalOnceErrorWins(t *testing.T) {
	rec := &recordingObserver{}
	obs := TerminalOnce(rec)

	obs.OnError(errors.New("boom"))
	obs.OnComplete()

	_, e, c := rec.counts()
	if e != 1 || c != 0 {
		t.Fatalf("got errors=%d completes=%d", e, c)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestChannelSourceForwardsAndCompletes(t *testing.T) {
	ch := make(chan *ExecutionResult, 2)
	rec := &recordingObserver{}
	unsub, err := ChannelSource(ch).Subscribe(context.Background(), rec)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	ch <- &ExecutionResult{Data: map[string]any{"a": 1}}
	ch <- &ExecutionResult{Data: map[string]any{"a": 2}}
	close(ch)

	waitFor(t, func() bool { _, _, c := rec.counts(); return c == 1 })
	n, _, _ := rec.counts()
	if n != 2 {
		t.Fatalf("expected 2 events, got %d", n)
	}
}

func TestChannelSourceUnsubscribe(t *testing.T) {
	ch := make(chan *ExecutionResult)
	rec := &recordingObserver{}
	unsub, err := ChannelSource(ch).Subscribe(context.Background(), rec)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	unsub()
	waitFor(t, func() bool { _, _, c := rec.counts(); return c == 1 })
}

func TestMockExecutorScripting(t *testing.T) {
	m := NewMockExecutor()
	m.SetResult("q", &ExecutionResult{Data: "ok"})
	m.SetError("bad", errors.New("nope"))

	resp, err := m.Execute(context.Background(), &Request{Query: "{ x }", OperationName: "q"})
	if err != nil || resp.Result == nil || resp.Result.Data != "ok" {
		t.Fatalf("unexpected response %v err %v", resp, err)
	}
	if _, err := m.Execute(context.Background(), &Request{OperationName: "bad"}); err == nil {
		t.Fatalf("expected scripted error")
	}
	if len(m.Calls()) != 2 {
		t.Fatalf("expected 2 recorded calls, got %d", len(m.Calls()))
	}
}
