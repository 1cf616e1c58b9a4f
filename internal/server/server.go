package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	auth "github.com/hanpama/graphgate/internal/auth"
	eventbus "github.com/hanpama/graphgate/internal/eventbus"
	events "github.com/hanpama/graphgate/internal/events"
	graphql "github.com/hanpama/graphgate/internal/graphql"
	httpauth "github.com/hanpama/graphgate/internal/httpauth"
	language "github.com/hanpama/graphgate/internal/language"
	reqid "github.com/hanpama/graphgate/internal/reqid"
	subscriptions "github.com/hanpama/graphgate/internal/subscriptions"
	"google.golang.org/grpc/metadata"
)

// Handler is an http.Handler that serves a GraphQL endpoint. It parses
// requests, validates them against the schema's authorization
// requirements for the caller's principal, and forwards the surviving
// operations to the executor. GET requests carrying a websocket upgrade
// are handed off to the subscription protocol.
type Handler struct {
	schema    *language.Schema
	exec      graphql.Executor
	reqs      auth.Requirements
	evaluator auth.PolicyEvaluator
	extractor httpauth.Extractor
	opt       Options
}

type Options struct {
	// Timeout sets a default timeout if the incoming request context has none.
	// 0 means no default timeout.
	Timeout time.Duration

	// Pretty enables indented JSON responses (useful for dev).
	Pretty bool

	// MaxBodyBytes limits the size of the request body. 0 means unlimited.
	MaxBodyBytes int64

	// CORS configuration. If AllowedOrigins is empty, CORS is disabled.
	CORS CORSOptions

	// CSRFHeaders lists header names of which at least one must be
	// present on requests that a browser can issue cross-site without a
	// preflight. Empty disables the check.
	CSRFHeaders []string

	// MetadataHeaders lists HTTP headers to forward into gRPC metadata
	// for downstream services. Header names are case-insensitive.
	// Default is none.
	MetadataHeaders []string

	// GraphiQL enables the in-browser IDE when true.
	GraphiQL bool

	// WS configures the per-connection subscription protocol options.
	WS []subscriptions.ConnectionOption

	// WSInitAuth authenticates the connection_init payload. When it
	// returns a principal, that principal replaces the one extracted
	// from the upgrade request for the rest of the connection.
	WSInitAuth func(ctx context.Context, payload json.RawMessage) (*auth.Principal, error)
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithPretty() Option                 { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option    { return func(o *Options) { o.MaxBodyBytes = n } }
func WithCORS(origins ...string) Option {
	return func(o *Options) { o.CORS.AllowedOrigins = origins }
}
func WithCSRFHeaders(headers ...string) Option {
	return func(o *Options) { o.CSRFHeaders = headers }
}
func WithMetadataHeaders(headers ...string) Option {
	return func(o *Options) { o.MetadataHeaders = headers }
}
func WithGraphiQL(enable bool) Option { return func(o *Options) { o.GraphiQL = enable } }
func WithWSOptions(opts ...subscriptions.ConnectionOption) Option {
	return func(o *Options) { o.WS = append(o.WS, opts...) }
}
func WithWSInitAuth(f func(ctx context.Context, payload json.RawMessage) (*auth.Principal, error)) Option {
	return func(o *Options) { o.WSInitAuth = f }
}

// CORSOptions holds simple CORS settings.
type CORSOptions struct {
	AllowedOrigins []string
}

// Config wires the handler's collaborators. Schema and Executor are
// required; the rest default to directive-derived requirements, no
// policy evaluator, and anonymous principals.
type Config struct {
	Schema       *language.Schema
	Executor     graphql.Executor
	Requirements auth.Requirements
	Evaluator    auth.PolicyEvaluator
	Extractor    httpauth.Extractor
}

// New creates a new GraphQL HTTP handler.
func New(cfg Config, opts ...Option) (*Handler, error) {
	op := Options{Timeout: 10 * time.Second, GraphiQL: true}
	for _, f := range opts {
		f(&op)
	}
	reqs := cfg.Requirements
	if reqs == nil {
		reqs = auth.NewDirectiveRequirements(cfg.Schema)
	}
	extractor := cfg.Extractor
	if extractor == nil {
		extractor = httpauth.AnonymousExtractor()
	}
	return &Handler{
		schema:    cfg.Schema,
		exec:      cfg.Executor,
		reqs:      reqs,
		evaluator: cfg.Evaluator,
		extractor: extractor,
		opt:       op,
	}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && isWebSocketUpgrade(r) {
		h.serveWS(w, r)
		return
	}

	ctx := r.Context()
	if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
		defer cancel()
	}

	ctx, rid := reqid.NewContext(ctx)
	status := http.StatusOK
	start := time.Now()
	eventbus.Publish(ctx, events.HTTPStart{Request: r})
	defer func() {
		eventbus.Publish(ctx, events.HTTPFinish{Request: r, Status: status, Duration: time.Since(start)})
	}()

	if r.Method == http.MethodOptions {
		if len(h.opt.CORS.AllowedOrigins) > 0 {
			setCORSHeaders(w, r, h.opt.CORS)
		}
		status = http.StatusNoContent
		w.WriteHeader(status)
		return
	}

	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, errorResponse("method not allowed"), h.opt.Pretty)
		return
	}

	if !h.csrfOK(r) {
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse("cross-site request rejected: required header missing"), h.opt.Pretty)
		return
	}

	// Serve GraphiQL IDE when enabled and the client expects HTML.
	if r.Method == http.MethodGet && h.opt.GraphiQL && acceptsHTML(r.Header.Get("Accept")) && r.URL.Query().Get("query") == "" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(graphiqlPage)
		return
	}

	principal, err := h.extractor.Principal(r)
	if err != nil {
		status = http.StatusUnauthorized
		writeJSON(w, status, errorResponse("invalid credentials"), h.opt.Pretty)
		return
	}
	ctx = auth.NewContext(ctx, principal)

	// Map configured headers into metadata for downstream services.
	md := metadata.MD{}
	if len(h.opt.MetadataHeaders) > 0 {
		allowed := make(map[string]struct{}, len(h.opt.MetadataHeaders))
		for _, hdr := range h.opt.MetadataHeaders {
			allowed[strings.ToLower(hdr)] = struct{}{}
		}
		for k, v := range r.Header {
			if _, ok := allowed[strings.ToLower(k)]; ok {
				md[strings.ToLower(k)] = v
			}
		}
	}
	md["graphql-request-id"] = []string{rid}
	ctx = metadata.NewOutgoingContext(ctx, md)

	req, batch, berr := parseRequest(r, h.opt.MaxBodyBytes)
	if berr != "" {
		status = http.StatusBadRequest
		if berr == errBodyTooLargeMessage {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, errorResponse(berr), h.opt.Pretty)
		return
	}

	if len(h.opt.CORS.AllowedOrigins) > 0 {
		setCORSHeaders(w, r, h.opt.CORS)
	}

	if batch != nil {
		// Batched requests share one status line, so authorization
		// failures stay inside the per-request payloads.
		op := make([]any, len(batch))
		for i := range batch {
			res, _ := h.executeOne(ctx, batch[i], principal)
			op[i] = res
		}
		writeJSON(w, status, op, h.opt.Pretty)
		return
	}

	res, denied := h.executeOne(ctx, req, principal)
	if denied {
		status = http.StatusForbidden
		if !principal.Authenticated {
			status = http.StatusUnauthorized
		}
	}
	writeJSON(w, status, res, h.opt.Pretty)
}

// executeOne runs one request through parse, authorization and the
// executor. The second return reports an authorization rejection so the
// caller can pick the status code.
func (h *Handler) executeOne(ctx context.Context, req *graphql.Request, principal *auth.Principal) (*graphql.ExecutionResult, bool) {
	doc, errs := language.LoadQuery(h.schema, req.Query)
	if len(errs) > 0 {
		return listResult(errs), false
	}

	opDef := doc.Operations.ForName(req.OperationName)
	if opDef == nil && len(doc.Operations) == 1 {
		opDef = doc.Operations[0]
	}
	opType := ""
	if opDef != nil {
		opType = string(opDef.Operation)
	}

	if errs := auth.Validate(ctx, h.schema, doc, req.OperationName, req.Variables, principal, h.reqs, h.evaluator); len(errs) > 0 {
		eventbus.Publish(ctx, events.AuthorizationDenied{
			Subject:       principal.Subject,
			Authenticated: principal.Authenticated,
			OperationName: req.OperationName,
			Errors:        listErrs(errs),
		})
		return listResult(errs), true
	}

	start := time.Now()
	eventbus.Publish(ctx, events.GraphQLStart{Query: req.Query, OperationName: req.OperationName, OperationType: opType})
	resp, err := h.exec.Execute(ctx, req)
	var result *graphql.ExecutionResult
	switch {
	case err != nil:
		result = graphql.ErrorResult(err)
	case resp == nil || resp.Result == nil && resp.Stream == nil:
		result = graphql.ErrorResult(errEmptyResponse)
	case resp.Stream != nil:
		result = graphql.ErrorResult(errSubscriptionOverHTTP)
	default:
		result = resp.Result
	}
	finishErrs := make([]error, len(result.Errors))
	for i := range result.Errors {
		finishErrs[i] = result.Errors[i]
	}
	eventbus.Publish(ctx, events.GraphQLFinish{
		Query:         req.Query,
		OperationName: req.OperationName,
		OperationType: opType,
		Errors:        finishErrs,
		Duration:      time.Since(start),
	})
	return result, false
}

func (h *Handler) csrfOK(r *http.Request) bool {
	if len(h.opt.CSRFHeaders) == 0 {
		return true
	}
	ct := r.Header.Get("Content-Type")
	if r.Method == http.MethodPost && (ct == "application/json" || startsWith(ct, "application/json;")) {
		// JSON bodies already force a preflight.
		return true
	}
	for _, name := range h.opt.CSRFHeaders {
		if r.Header.Get(name) != "" {
			return true
		}
	}
	return false
}

// ------------------ Request parsing ------------------

func parseRequest(r *http.Request, maxBody int64) (*graphql.Request, []*graphql.Request, string) {
	if r.Method == http.MethodGet {
		q := r.URL.Query().Get("query")
		if q == "" {
			return nil, nil, "missing 'query'"
		}
		vars := map[string]any{}
		if v := r.URL.Query().Get("variables"); v != "" {
			if err := json.Unmarshal([]byte(v), &vars); err != nil {
				return nil, nil, "invalid 'variables' JSON"
			}
		}
		op := r.URL.Query().Get("operationName")
		return &graphql.Request{Query: q, Variables: vars, OperationName: op}, nil, ""
	}

	// POST
	ct := r.Header.Get("Content-Type")
	if ct == "" || ct == "application/json" || startsWith(ct, "application/json;") {
		reader := io.Reader(r.Body)
		if maxBody > 0 {
			reader = io.LimitReader(r.Body, maxBody+1)
		}
		body, err := io.ReadAll(reader)
		if err != nil {
			return nil, nil, "failed to read body"
		}
		defer r.Body.Close()
		if maxBody > 0 && int64(len(body)) > maxBody {
			return nil, nil, errBodyTooLargeMessage
		}

		// Try array (batch)
		var arr []*graphql.Request
		if len(body) > 0 && body[0] == '[' {
			if err := json.Unmarshal(body, &arr); err != nil {
				return nil, nil, "invalid JSON"
			}
			if len(arr) == 0 {
				return nil, nil, "empty batch"
			}
			return nil, arr, ""
		}
		// Single
		var req graphql.Request
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, nil, "invalid JSON"
		}
		if req.Query == "" {
			return nil, nil, "missing 'query'"
		}
		if req.Variables == nil {
			req.Variables = map[string]any{}
		}
		return &req, nil, ""
	}

	return nil, nil, "unsupported Content-Type"
}

// ------------------ Response formatting ------------------

func errorResponse(message string) *graphql.ExecutionResult {
	return &graphql.ExecutionResult{Errors: []graphql.GraphQLError{{Message: message}}}
}

// listResult maps parse or validation errors onto the response shape,
// keeping their locations and extensions.
func listResult(errs language.ErrorList) *graphql.ExecutionResult {
	out := &graphql.ExecutionResult{Errors: make([]graphql.GraphQLError, len(errs))}
	for i, e := range errs {
		ge := graphql.GraphQLError{Message: e.Message, Extensions: e.Extensions}
		for _, loc := range e.Locations {
			ge.Locations = append(ge.Locations, graphql.Location{Line: loc.Line, Column: loc.Column})
		}
		for _, p := range e.Path {
			ge.Path = append(ge.Path, p)
		}
		out.Errors[i] = ge
	}
	return out
}

func listErrs(errs language.ErrorList) []error {
	out := make([]error, len(errs))
	for i, e := range errs {
		out[i] = e
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any, pretty bool) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}

func startsWith(s, prefix string) bool { return len(s) >= len(prefix) && s[:len(prefix)] == prefix }

const errBodyTooLargeMessage = "body too large"

var (
	errSubscriptionOverHTTP = errors.New("subscriptions are only supported over websocket connections")
	errEmptyResponse        = errors.New("executor returned no result")
)

func setCORSHeaders(w http.ResponseWriter, r *http.Request, opts CORSOptions) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	allowed := false
	for _, o := range opts.AllowedOrigins {
		if o == "*" || o == origin {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}
	if contains(opts.AllowedOrigins, "*") {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			w.Header().Set("Access-Control-Allow-Headers", hdr)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func acceptsHTML(accept string) bool {
	if accept == "" {
		return false
	}
	parts := strings.Split(accept, ",")
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if startsWith(p, "text/html") || p == "*/*" {
			return true
		}
	}
	return false
}
