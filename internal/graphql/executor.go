package graphql

import "context"

// Response is what an Executor produces for one request. Exactly one of
// Result and Stream is set: queries and mutations yield a Result, live
// subscriptions yield a Stream of results.
type Response struct {
	Result *ExecutionResult
	Stream Source
}

// Executor runs validated GraphQL requests. Implementations live in the
// host; this package only fixes the contract the transports call through.
//
// Execute must honor ctx cancellation: a canceled context ends any stream
// the returned Response carries.
type Executor interface {
	Execute(ctx context.Context, req *Request) (*Response, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req *Request) (*Response, error)

func (f ExecutorFunc) Execute(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
