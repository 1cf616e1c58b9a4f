package graphql

import (
	"context"
	"fmt"
	"sync"
)

// MockExecutor implements Executor with scripted responses for tests.
// Responses are keyed by operation name, falling back to the raw query
// string, so tests can script several operations at once.
type MockExecutor struct {
	mu        sync.Mutex
	responses map[string]*Response
	errs      map[string]error
	calls     []*Request
}

func NewMockExecutor() *MockExecutor {
	return &MockExecutor{
		responses: make(map[string]*Response),
		errs:      make(map[string]error),
	}
}

// SetResult scripts a single-result response for key.
func (m *MockExecutor) SetResult(key string, res *ExecutionResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[key] = &Response{Result: res}
}

// SetStream scripts a streaming response for key.
func (m *MockExecutor) SetStream(key string, src Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[key] = &Response{Stream: src}
}

// SetError scripts an execution error for key.
func (m *MockExecutor) SetError(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[key] = err
}

// Calls returns a copy of every request seen so far.
func (m *MockExecutor) Calls() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Request(nil), m.calls...)
}

func (m *MockExecutor) Execute(ctx context.Context, req *Request) (*Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	err, errOK := m.errs[req.OperationName]
	if !errOK {
		err, errOK = m.errs[req.Query]
	}
	resp, ok := m.responses[req.OperationName]
	if !ok {
		resp, ok = m.responses[req.Query]
	}
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if errOK {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("mock executor: no response for %q", req.Query)
	}
	return resp, nil
}

// MockSource is a manually driven Source for tests: Emit, Fail and Complete
// push events to every current subscriber.
type MockSource struct {
	mu        sync.Mutex
	observers map[int]Observer
	nextID    int
	unsubs    int
}

func NewMockSource() *MockSource {
	return &MockSource{observers: make(map[int]Observer)}
}

func (s *MockSource) Subscribe(ctx context.Context, obs Observer) (func(), error) {
	obs = TerminalOnce(obs)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.observers[id] = obs
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		if _, ok := s.observers[id]; ok {
			delete(s.observers, id)
			s.unsubs++
		}
		s.mu.Unlock()
	}, nil
}

func (s *MockSource) snapshot() []Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		out = append(out, o)
	}
	return out
}

func (s *MockSource) Emit(res *ExecutionResult) {
	for _, o := range s.snapshot() {
		o.OnNext(res)
	}
}

func (s *MockSource) Fail(err error) {
	for _, o := range s.snapshot() {
		o.OnError(err)
	}
}

func (s *MockSource) Complete() {
	for _, o := range s.snapshot() {
		o.OnComplete()
	}
}

// SubscriberCount reports the number of currently attached observers.
func (s *MockSource) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers)
}

// Unsubscribes reports how many subscribers detached themselves.
func (s *MockSource) Unsubscribes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubs
}
