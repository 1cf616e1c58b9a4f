// Command server runs an in-memory chat backend behind the gateway,
// exercising queries, mutations and websocket subscriptions in both
// dialects. Connect with any graphql-transport-ws or graphql-ws client:
//
//	subscription { messages(room: "lobby") { from text at } }
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/hanpama/graphgate/internal/auth"
	"github.com/hanpama/graphgate/internal/eventbus"
	"github.com/hanpama/graphgate/internal/graphql"
	"github.com/hanpama/graphgate/internal/httpauth"
	"github.com/hanpama/graphgate/internal/language"
	"github.com/hanpama/graphgate/internal/server"
	"github.com/hanpama/graphgate/internal/subscriptions"
)

const chatSDL = `
type Message {
  room: String!
  from: String!
  text: String!
  at: String!
}

type Query {
  rooms: [String!]!
  history(room: String!): [Message!]!
}

type Mutation {
  post(room: String!, from: String!, text: String!): Message!
  clear(room: String!): Boolean! @authorize(roles: ["moderator"])
}

type Subscription {
  messages(room: String!): Message!
}
`

type message struct {
	Room string `json:"room"`
	From string `json:"from"`
	Text string `json:"text"`
	At   string `json:"at"`
}

type hub struct {
	mu      sync.Mutex
	history map[string][]message
	subs    map[string]map[int]graphql.Observer
	nextSub int
}

func newHub() *hub {
	return &hub{
		history: map[string][]message{},
		subs:    map[string]map[int]graphql.Observer{},
	}
}

func (h *hub) rooms() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.history))
	for name := range h.history {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *hub) roomHistory(room string) []message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]message(nil), h.history[room]...)
}

func (h *hub) post(room, from, text string) message {
	msg := message{Room: room, From: from, Text: text, At: time.Now().Format(time.RFC3339)}
	h.mu.Lock()
	h.history[room] = append(h.history[room], msg)
	observers := make([]graphql.Observer, 0, len(h.subs[room]))
	for _, obs := range h.subs[room] {
		observers = append(observers, obs)
	}
	h.mu.Unlock()
	for _, obs := range observers {
		obs.OnNext(&graphql.ExecutionResult{Data: map[string]any{"messages": msg}})
	}
	return msg
}

func (h *hub) clear(room string) {
	h.mu.Lock()
	delete(h.history, room)
	h.mu.Unlock()
}

func (h *hub) attach(room string, obs graphql.Observer) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextSub++
	if h.subs[room] == nil {
		h.subs[room] = map[int]graphql.Observer{}
	}
	h.subs[room][h.nextSub] = obs
	return h.nextSub
}

func (h *hub) detach(room string, id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[room], id)
}

// roomSource streams every message posted to one room.
type roomSource struct {
	hub  *hub
	room string
}

func (s *roomSource) Subscribe(ctx context.Context, obs graphql.Observer) (func(), error) {
	obs = graphql.TerminalOnce(obs)
	id := s.hub.attach(s.room, obs)
	stop := context.AfterFunc(ctx, func() {
		s.hub.detach(s.room, id)
		obs.OnComplete()
	})
	return func() {
		stop()
		s.hub.detach(s.room, id)
	}, nil
}

// chatExecutor resolves the chat schema directly against the hub. It
// returns whole message objects regardless of the selection set, which
// is enough for a demo backend.
type chatExecutor struct {
	hub *hub
}

func (e *chatExecutor) Execute(ctx context.Context, req *graphql.Request) (*graphql.Response, error) {
	doc, err := language.ParseQuery(req.Query)
	if err != nil {
		return nil, err
	}
	op := doc.Operations.ForName(req.OperationName)
	if op == nil && req.OperationName == "" && len(doc.Operations) == 1 {
		op = doc.Operations[0]
	}
	if op == nil {
		return nil, fmt.Errorf("operation %q not found", req.OperationName)
	}

	switch op.Operation {
	case language.Subscription:
		for _, sel := range op.SelectionSet {
			f, ok := sel.(*language.Field)
			if !ok || f.Name != "messages" {
				continue
			}
			room := argString(f, req.Variables, "room")
			if room == "" {
				return nil, fmt.Errorf("room is required")
			}
			return &graphql.Response{Stream: &roomSource{hub: e.hub, room: room}}, nil
		}
		return nil, fmt.Errorf("unsupported subscription")
	case language.Mutation:
		data := map[string]any{}
		for _, sel := range op.SelectionSet {
			f, ok := sel.(*language.Field)
			if !ok {
				continue
			}
			switch f.Name {
			case "post":
				msg := e.hub.post(
					argString(f, req.Variables, "room"),
					argString(f, req.Variables, "from"),
					argString(f, req.Variables, "text"),
				)
				data[f.Alias] = msg
			case "clear":
				e.hub.clear(argString(f, req.Variables, "room"))
				data[f.Alias] = true
			}
		}
		return &graphql.Response{Result: &graphql.ExecutionResult{Data: data}}, nil
	default:
		data := map[string]any{}
		for _, sel := range op.SelectionSet {
			f, ok := sel.(*language.Field)
			if !ok {
				continue
			}
			switch f.Name {
			case "rooms":
				data[f.Alias] = e.hub.rooms()
			case "history":
				data[f.Alias] = e.hub.roomHistory(argString(f, req.Variables, "room"))
			case "__typename":
				data[f.Alias] = "Query"
			}
		}
		return &graphql.Response{Result: &graphql.ExecutionResult{Data: data}}, nil
	}
}

func argString(f *language.Field, vars map[string]any, name string) string {
	arg := f.Arguments.ForName(name)
	if arg == nil || arg.Value == nil {
		return ""
	}
	if arg.Value.Kind == language.Variable {
		if v, ok := vars[arg.Value.Raw].(string); ok {
			return v
		}
		return ""
	}
	return arg.Value.Raw
}

func main() {
	addr := flag.String("addr", ":8080", "the address to listen on")
	jwtSecret := flag.String("jwt-secret", "chat-demo-secret", "HMAC secret for moderator tokens")
	flag.Parse()

	schema, err := language.LoadSchema("chat.graphql", auth.DirectiveSDL+chatSDL)
	if err != nil {
		log.Fatalf("load schema: %v", err)
	}

	h := newHub()
	h.post("lobby", "system", "welcome to the lobby")

	eventbus.Use(eventbus.New())

	jwt := httpauth.NewJWT([]byte(*jwtSecret))
	handler, err := server.New(server.Config{
		Schema:    schema,
		Executor:  &chatExecutor{hub: h},
		Extractor: jwt,
	},
		server.WithWSInitAuth(httpauth.PayloadTokenAuth(jwt)),
		server.WithWSOptions(subscriptions.WithKeepAliveInterval(15*time.Second)),
		server.WithPretty(),
	)
	if err != nil {
		log.Fatalf("server init: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/graphql", handler)

	log.Printf("chat server listening on %s", *addr)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		log.Fatal(err)
	}
}
