package graphql

import (
	"context"
	"sync/atomic"
)

// Observer receives the events of one subscription stream.
// OnError and OnComplete are terminal; a Source must call at most one of
// them, at most once, and never after unsubscribe returned.
type Observer interface {
	OnNext(res *ExecutionResult)
	OnError(err error)
	OnComplete()
}

// Source is a live subscription event stream.
//
// Subscribe attaches obs and returns a function that detaches it. The
// stream also ends when ctx is canceled. Detaching is idempotent.
type Source interface {
	Subscribe(ctx context.Context, obs Observer) (unsubscribe func(), err error)
}

// TerminalOnce wraps obs so that only the first terminal call (OnError or
// OnComplete) gets through and no events are delivered afterwards. Sources
// with racy completion paths can rely on it instead of synchronizing.
func TerminalOnce(obs Observer) Observer {
	return &onceObserver{inner: obs}
}

type onceObserver struct {
	inner Observer
	done  atomic.Bool
}

func (o *onceObserver) OnNext(res *ExecutionResult) {
	if !o.done.Load() {
		o.inner.OnNext(res)
	}
}

func (o *onceObserver) OnError(err error) {
	if o.done.CompareAndSwap(false, true) {
		o.inner.OnError(err)
	}
}

func (o *onceObserver) OnComplete() {
	if o.done.CompareAndSwap(false, true) {
		o.inner.OnComplete()
	}
}

// ChannelSource adapts a result channel to a Source. The stream completes
// when ch is closed and errors never (hosts signal errors as results with
// an Errors list, the dgraph convention for polled subscriptions).
type ChannelSource <-chan *ExecutionResult

func (c ChannelSource) Subscribe(ctx context.Context, obs Observer) (func(), error) {
	obs = TerminalOnce(obs)
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				obs.OnComplete()
				return
			case res, ok := <-c:
				if !ok {
					obs.OnComplete()
					return
				}
				obs.OnNext(res)
			}
		}
	}()
	return cancel, nil
}
