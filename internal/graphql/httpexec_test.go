package graphql

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"google.golang.org/grpc/metadata"
)

func TestHTTPExecutorForwardsRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding upstream request: %v", err)
		}
		if req.Query != "{ hello }" {
			t.Errorf("upstream saw query %q", req.Query)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("content type = %q", got)
		}
		json.NewEncoder(w).Encode(ExecutionResult{Data: map[string]any{"hello": "world"}})
	}))
	defer upstream.Close()

	exec := NewHTTPExecutor(upstream.URL)
	resp, err := exec.Execute(context.Background(), &Request{Query: "{ hello }"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Result == nil || resp.Result.Data == nil {
		t.Fatalf("expected data, got %+v", resp)
	}
	data := resp.Result.Data.(map[string]any)
	if data["hello"] != "world" {
		t.Errorf("data = %v", data)
	}
}

func TestHTTPExecutorForwardsMetadata(t *testing.T) {
	var seen http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		json.NewEncoder(w).Encode(ExecutionResult{})
	}))
	defer upstream.Close()

	exec := NewHTTPExecutor(upstream.URL)
	ctx := metadata.NewOutgoingContext(context.Background(), metadata.Pairs(
		"authorization", "Bearer abc",
		"graphql-request-id", "rid-1",
	))
	if _, err := exec.Execute(ctx, &Request{Query: "{ hello }"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := seen.Get("Authorization"); got != "Bearer abc" {
		t.Errorf("authorization header = %q", got)
	}
	if got := seen.Get("Graphql-Request-Id"); got != "rid-1" {
		t.Errorf("request id header = %q", got)
	}
}

func TestHTTPExecutorUpstreamErrors(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ExecutionResult{Errors: []GraphQLError{{Message: "boom"}}})
	}))
	defer upstream.Close()

	exec := NewHTTPExecutor(upstream.URL)
	resp, err := exec.Execute(context.Background(), &Request{Query: "{ nope }"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !resp.Result.HasErrors() || resp.Result.Errors[0].Message != "boom" {
		t.Errorf("result = %+v", resp.Result)
	}
}

func TestHTTPExecutorNonGraphQLBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>bad gateway</html>"))
	}))
	defer upstream.Close()

	exec := NewHTTPExecutor(upstream.URL)
	if _, err := exec.Execute(context.Background(), &Request{Query: "{ hello }"}); err == nil {
		t.Fatal("expected error for non-JSON upstream body")
	}
}
