package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	auth "github.com/hanpama/graphgate/internal/auth"
	eventbus "github.com/hanpama/graphgate/internal/eventbus"
	events "github.com/hanpama/graphgate/internal/events"
	graphql "github.com/hanpama/graphgate/internal/graphql"
	language "github.com/hanpama/graphgate/internal/language"
	reqid "github.com/hanpama/graphgate/internal/reqid"
	subscriptions "github.com/hanpama/graphgate/internal/subscriptions"

	"github.com/gorilla/websocket"
)

func isWebSocketUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

func (h *Handler) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    subscriptions.Subprotocols(),
		CheckOrigin: func(r *http.Request) bool {
			if len(h.opt.CORS.AllowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, o := range h.opt.CORS.AllowedOrigins {
				if o == "*" || o == origin {
					return true
				}
			}
			return false
		},
	}
}

func (h *Handler) serveWS(w http.ResponseWriter, r *http.Request) {
	principal, err := h.extractor.Principal(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse("invalid credentials"), h.opt.Pretty)
		return
	}

	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer conn.Close()

	dialect, ok := subscriptions.DialectFor(conn.Subprotocol())
	if !ok {
		// No mutually supported subprotocol; fall back to the modern
		// dialect for clients that omit the header entirely.
		dialect, _ = subscriptions.DialectFor(subscriptions.SubprotocolGraphQLTransportWS)
	}

	ctx, rid := reqid.NewContext(r.Context())
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	start := time.Now()
	eventbus.Publish(ctx, events.WSConnect{Request: r, ConnectionID: rid, Protocol: dialect.Name()})
	defer func() {
		eventbus.Publish(ctx, events.WSDisconnect{ConnectionID: rid, Protocol: dialect.Name(), Duration: time.Since(start)})
	}()

	holder := &principalHolder{principal: principal}
	exec := &wsExecutor{handler: h, holder: holder}

	transport := subscriptions.NewTransport(subscriptions.NewGorillaSocket(conn))
	wsOpts := append([]subscriptions.ConnectionOption{
		subscriptions.WithConnectionInit(h.wsInit(holder)),
	}, h.opt.WS...)
	proc := subscriptions.NewConnection(ctx, transport, dialect, exec, wsOpts...)
	if err := proc.InitializeConnection(); err != nil {
		return
	}
	_ = transport.Execute(ctx, proc)
}

// wsInit accepts the connection_init payload, replacing the connection
// principal when the configured authenticator yields one.
func (h *Handler) wsInit(holder *principalHolder) subscriptions.InitFunc {
	return func(ctx context.Context, payload json.RawMessage) error {
		if h.opt.WSInitAuth == nil {
			return nil
		}
		p, err := h.opt.WSInitAuth(ctx, payload)
		if err != nil {
			return err
		}
		if p != nil {
			holder.set(p)
		}
		return nil
	}
}

// principalHolder carries the connection principal across the init
// handshake and every later subscribe.
type principalHolder struct {
	mu        sync.Mutex
	principal *auth.Principal
}

func (p *principalHolder) set(principal *auth.Principal) {
	p.mu.Lock()
	p.principal = principal
	p.mu.Unlock()
}

func (p *principalHolder) get() *auth.Principal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.principal
}

// wsExecutor authorizes each subscribed operation for the connection
// principal before handing it to the host executor.
type wsExecutor struct {
	handler *Handler
	holder  *principalHolder
}

func (e *wsExecutor) Execute(ctx context.Context, req *graphql.Request) (*graphql.Response, error) {
	h := e.handler
	principal := e.holder.get()

	doc, errs := language.LoadQuery(h.schema, req.Query)
	if len(errs) > 0 {
		return &graphql.Response{Result: listResult(errs)}, nil
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
		return &graphql.Response{Result: listResult(errs)}, nil
	}

	ctx = auth.NewContext(ctx, principal)
	start := time.Now()
	eventbus.Publish(ctx, events.GraphQLStart{Query: req.Query, OperationName: req.OperationName, OperationType: opType})
	resp, err := h.exec.Execute(ctx, req)
	var finishErrs []error
	if err != nil {
		finishErrs = []error{err}
	} else if resp != nil && resp.Result != nil {
		for i := range resp.Result.Errors {
			finishErrs = append(finishErrs, resp.Result.Errors[i])
		}
	}
	eventbus.Publish(ctx, events.GraphQLFinish{
		Query:         req.Query,
		OperationName: req.OperationName,
		OperationType: opType,
		Errors:        finishErrs,
		Duration:      time.Since(start),
	})
	return resp, err
}
