package graphql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"google.golang.org/grpc/metadata"
)

// HTTPExecutor forwards requests to an upstream GraphQL endpoint over
// HTTP POST. Outgoing gRPC metadata on the context, as populated by the
// server's header forwarding, is carried upstream as HTTP headers.
//
// The upstream contract is request/response only; subscription
// operations must be executed by a streaming-capable Executor instead.
type HTTPExecutor struct {
	url    string
	client *http.Client
}

type HTTPExecutorOption func(*HTTPExecutor)

func WithHTTPClient(c *http.Client) HTTPExecutorOption {
	return func(e *HTTPExecutor) { e.client = c }
}

func NewHTTPExecutor(url string, opts ...HTTPExecutorOption) *HTTPExecutor {
	e := &HTTPExecutor{url: url, client: &http.Client{Timeout: 30 * time.Second}}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *HTTPExecutor) Execute(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if md, ok := metadata.FromOutgoingContext(ctx); ok {
		for k, vs := range md {
			for _, v := range vs {
				httpReq.Header.Add(k, v)
			}
		}
	}

	httpRes, err := e.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpRes.Body.Close()

	data, err := io.ReadAll(httpRes.Body)
	if err != nil {
		return nil, err
	}
	var result ExecutionResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("upstream returned status %d with non-GraphQL body", httpRes.StatusCode)
	}
	return &Response{Result: &result}, nil
}
