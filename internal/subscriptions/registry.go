package subscriptions

import (
	"context"
	"errors"
	"sync"
)

// Disposable is an opaque cancellation handle stored in the Registry.
type Disposable interface {
	Dispose()
}

// Handle is a Disposable over a function, disposed at most once. The
// zero function is a valid placeholder handle.
type Handle struct {
	once sync.Once
	f    func()
}

func NewHandle(f func()) *Handle { return &Handle{f: f} }

func (h *Handle) Dispose() {
	h.once.Do(func() {
		if h.f != nil {
			h.f()
		}
	})
}

// ErrConnectionClosed is returned by registry mutations after the owning
// connection's cancellation signal fired.
var ErrConnectionClosed = errors.New("subscriptions: connection closed")

// Registry is the per-connection map from subscription id to its
// cancellation handle. Observer completion callbacks and inbound
// subscribe/unsubscribe messages mutate it concurrently; every mutation
// goes through its lock and fails fast once the connection is canceled.
type Registry struct {
	ctx context.Context

	mu       sync.Mutex
	entries  map[string]Disposable
	disposed bool
}

// NewRegistry creates a registry owned by the connection whose
// cancellation signal is ctx.
func NewRegistry(ctx context.Context) *Registry {
	return &Registry{ctx: ctx, entries: map[string]Disposable{}}
}

func (r *Registry) closed() bool {
	return r.disposed || r.ctx.Err() != nil
}

// TryAdd inserts handle under id only if the id is free. It reports
// false on conflict and leaves the existing handle untouched.
func (r *Registry) TryAdd(id string, handle Disposable) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed() {
		return false, ErrConnectionClosed
	}
	if _, exists := r.entries[id]; exists {
		return false, nil
	}
	r.entries[id] = handle
	return true, nil
}

// Set stores handle under id unconditionally, disposing any previous
// handle. Only the legacy dialect uses this.
func (r *Registry) Set(id string, handle Disposable) error {
	r.mu.Lock()
	prev := r.entries[id]
	if r.closed() {
		r.mu.Unlock()
		return ErrConnectionClosed
	}
	r.entries[id] = handle
	r.mu.Unlock()
	if prev != nil {
		prev.Dispose()
	}
	return nil
}

// CompareExchange stores newHandle under id only while the current value
// is reference-identical to expected. It reports whether the swap
// happened; on a lost race the registry is left unchanged and the caller
// owns disposal of newHandle.
func (r *Registry) CompareExchange(id string, expected, newHandle Disposable) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed() {
		return false, ErrConnectionClosed
	}
	current, exists := r.entries[id]
	if !exists || current != expected {
		return false, nil
	}
	r.entries[id] = newHandle
	return true, nil
}

// Remove deletes and disposes the entry under id. It reports whether an
// entry existed; removal after teardown began is a no-op.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	if r.closed() {
		r.mu.Unlock()
		return false
	}
	handle, exists := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if exists {
		handle.Dispose()
	}
	return exists
}

// RemoveIfSame removes and disposes the entry under id only while it is
// still reference-identical to expected, so a handle superseded by a
// replace cannot be torn down by a stale caller.
func (r *Registry) RemoveIfSame(id string, expected Disposable) bool {
	r.mu.Lock()
	if r.closed() {
		r.mu.Unlock()
		return false
	}
	current, exists := r.entries[id]
	if !exists || current != expected {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, id)
	r.mu.Unlock()
	current.Dispose()
	return true
}

// Contains reports whether any entry exists under id.
func (r *Registry) Contains(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.entries[id]
	return exists
}

// ContainsHandle reports whether the entry under id is still
// reference-identical to handle. Send paths use it to avoid emitting
// events for a subscription that was torn down or replaced.
func (r *Registry) ContainsHandle(id string, handle Disposable) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, exists := r.entries[id]
	return exists && current == handle
}

// Dispose empties the registry, disposing every handle. Idempotent;
// called once when the owning connection terminates, but safe under the
// teardown races (client close vs server close vs host shutdown).
func (r *Registry) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	entries := r.entries
	r.entries = map[string]Disposable{}
	r.mu.Unlock()
	for _, handle := range entries {
		handle.Dispose()
	}
}
