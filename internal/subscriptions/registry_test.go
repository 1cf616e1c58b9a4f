package subscriptions

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

func TestRegistryTryAddConflict(t *testing.T) {
	r := NewRegistry(context.Background())

	first := NewHandle(func() {})
	ok, err := r.TryAdd("1", first)
	if err != nil || !ok {
		t.Fatalf("TryAdd() = %v, %v, want true, nil", ok, err)
	}

	var disposed atomic.Bool
	second := NewHandle(func() { disposed.Store(true) })
	ok, err = r.TryAdd("1", second)
	if err != nil {
		t.Fatalf("TryAdd() error: %v", err)
	}
	if ok {
		t.Fatal("TryAdd() accepted a duplicate id")
	}
	if disposed.Load() {
		t.Fatal("TryAdd() disposed the rejected handle")
	}
	if !r.ContainsHandle("1", first) {
		t.Fatal("conflicting TryAdd replaced the existing handle")
	}
}

func TestRegistrySetDisposesPrevious(t *testing.T) {
	r := NewRegistry(context.Background())

	var disposed atomic.Bool
	if err := r.Set("1", NewHandle(func() { disposed.Store(true) })); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	replacement := NewHandle(func() {})
	if err := r.Set("1", replacement); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if !disposed.Load() {
		t.Fatal("Set() did not dispose the previous handle")
	}
	if !r.ContainsHandle("1", replacement) {
		t.Fatal("Set() did not store the replacement")
	}
}

func TestRegistryCompareExchange(t *testing.T) {
	r := NewRegistry(context.Background())

	placeholder := NewHandle(func() {})
	live := NewHandle(func() {})
	if _, err := r.TryAdd("1", placeholder); err != nil {
		t.Fatalf("TryAdd() error: %v", err)
	}

	swapped, err := r.CompareExchange("1", placeholder, live)
	if err != nil || !swapped {
		t.Fatalf("CompareExchange() = %v, %v, want true, nil", swapped, err)
	}
	if !r.ContainsHandle("1", live) {
		t.Fatal("CompareExchange() did not store the new handle")
	}

	// A stale caller still holding the placeholder must lose.
	swapped, err = r.CompareExchange("1", placeholder, NewHandle(func() {}))
	if err != nil {
		t.Fatalf("CompareExchange() error: %v", err)
	}
	if swapped {
		t.Fatal("CompareExchange() swapped against a stale expected handle")
	}

	swapped, err = r.CompareExchange("missing", placeholder, live)
	if err != nil || swapped {
		t.Fatalf("CompareExchange(missing) = %v, %v, want false, nil", swapped, err)
	}
}

func TestRegistryRemoveIfSame(t *testing.T) {
	r := NewRegistry(context.Background())

	var disposed atomic.Bool
	current := NewHandle(func() { disposed.Store(true) })
	if err := r.Set("1", current); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	if r.RemoveIfSame("1", NewHandle(func() {})) {
		t.Fatal("RemoveIfSame() removed with a mismatched handle")
	}
	if !r.RemoveIfSame("1", current) {
		t.Fatal("RemoveIfSame() did not remove the matching handle")
	}
	if !disposed.Load() {
		t.Fatal("RemoveIfSame() did not dispose the handle")
	}
	if r.RemoveIfSame("1", current) {
		t.Fatal("RemoveIfSame() reported a second removal")
	}
}

func TestRegistryRemoveIdempotent(t *testing.T) {
	r := NewRegistry(context.Background())
	if _, err := r.TryAdd("1", NewHandle(func() {})); err != nil {
		t.Fatalf("TryAdd() error: %v", err)
	}
	if !r.Remove("1") {
		t.Fatal("Remove() missed an existing entry")
	}
	if r.Remove("1") {
		t.Fatal("Remove() reported a second removal")
	}
}

func TestRegistryDispose(t *testing.T) {
	r := NewRegistry(context.Background())

	var count atomic.Int32
	for _, id := range []string{"1", "2", "3"} {
		if _, err := r.TryAdd(id, NewHandle(func() { count.Add(1) })); err != nil {
			t.Fatalf("TryAdd(%s) error: %v", id, err)
		}
	}

	r.Dispose()
	r.Dispose()
	if got := count.Load(); got != 3 {
		t.Fatalf("disposed %d handles, want 3", got)
	}

	if _, err := r.TryAdd("4", NewHandle(func() {})); err != ErrConnectionClosed {
		t.Fatalf("TryAdd() after Dispose = %v, want ErrConnectionClosed", err)
	}
	if err := r.Set("4", NewHandle(func() {})); err != ErrConnectionClosed {
		t.Fatalf("Set() after Dispose = %v, want ErrConnectionClosed", err)
	}
	if _, err := r.CompareExchange("1", nil, nil); err != ErrConnectionClosed {
		t.Fatalf("CompareExchange() after Dispose = %v, want ErrConnectionClosed", err)
	}
}

func TestRegistryFailsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRegistry(ctx)
	cancel()

	if _, err := r.TryAdd("1", NewHandle(func() {})); err != ErrConnectionClosed {
		t.Fatalf("TryAdd() after cancel = %v, want ErrConnectionClosed", err)
	}
}

func TestRegistryRemoveFailsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRegistry(ctx)

	var disposed atomic.Bool
	current := NewHandle(func() { disposed.Store(true) })
	if _, err := r.TryAdd("1", current); err != nil {
		t.Fatalf("TryAdd() error: %v", err)
	}

	cancel()
	if r.Remove("1") {
		t.Fatal("Remove() mutated a canceled registry")
	}
	if r.RemoveIfSame("1", current) {
		t.Fatal("RemoveIfSame() mutated a canceled registry")
	}
	if disposed.Load() {
		t.Fatal("removal after cancel disposed the handle")
	}

	// Teardown still owns disposal of the surviving entry.
	r.Dispose()
	if !disposed.Load() {
		t.Fatal("Dispose() did not dispose the surviving handle")
	}
}

func TestHandleDisposesOnce(t *testing.T) {
	var count atomic.Int32
	h := NewHandle(func() { count.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Dispose()
		}()
	}
	wg.Wait()
	if got := count.Load(); got != 1 {
		t.Fatalf("handle disposed %d times, want 1", got)
	}
}
