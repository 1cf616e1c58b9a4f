package subscriptions

import (
	"encoding/json"
	"fmt"

	graphql "github.com/hanpama/graphgate/internal/graphql"
)

// Message is the dialect-agnostic wire envelope shared by both
// sub-protocols. Immutable once constructed.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Supported sub-protocol names, in preference order.
const (
	// SubprotocolGraphQLTransportWS is the modern graphql-ws dialect
	// (graphql-ws npm package).
	SubprotocolGraphQLTransportWS = "graphql-transport-ws"
	// SubprotocolGraphQLWS is the legacy Apollo
	// subscriptions-transport-ws dialect.
	SubprotocolGraphQLWS = "graphql-ws"
)

// Close codes. 1000 is the normal websocket closure; the 44xx range is
// reserved for protocol and authorization failures during setup.
const (
	CloseNormal              = 1000
	CloseBadRequest          = 4400
	CloseUnauthorized        = 4401
	CloseInitTimeout         = 4408
	CloseSubscriberExists    = 4409
	CloseTooManyInitRequests = 4429
)

// Inbound message types, modern dialect.
const (
	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgPing           = "ping"
	msgPong           = "pong"
	msgSubscribe      = "subscribe"
	msgNext           = "next"
	msgError          = "error"
	msgComplete       = "complete"
)

// Additional legacy dialect types. connection_init, connection_ack,
// error and complete are shared spellings.
const (
	msgStart               = "start"
	msgStop                = "stop"
	msgData                = "data"
	msgKeepAlive           = "ka"
	msgConnectionTerminate = "connection_terminate"
)

// opKind classifies an inbound message into the abstract operations both
// dialects share.
type opKind int

const (
	opUnknown opKind = iota
	opInit
	opPing
	opPong
	opSubscribe
	opStop
	opTerminate
)

type inboundOp struct {
	kind    opKind
	id      string
	payload json.RawMessage
}

// Dialect maps the abstract protocol operations onto one sub-protocol's
// message vocabulary.
type Dialect interface {
	Name() string
	Decode(msg *Message) inboundOp
	Ack() *Message
	// KeepAlive is the server-initiated liveness message.
	KeepAlive() *Message
	Pong(payload json.RawMessage) *Message
	Next(id string, res *graphql.ExecutionResult) (*Message, error)
	// Error is the terminal error message for one subscription. The
	// modern dialect emits the bare errors array, the legacy one wraps
	// a full execution result.
	Error(id string, errs []graphql.GraphQLError) (*Message, error)
	Complete(id string) *Message
	// SubscriptionOverwrite reports whether a subscribe for an id in
	// use replaces the previous subscription instead of being
	// rejected.
	SubscriptionOverwrite() bool
}

// Subprotocols lists the advertised sub-protocol names in preference
// order, for the websocket handshake.
func Subprotocols() []string {
	return []string{SubprotocolGraphQLTransportWS, SubprotocolGraphQLWS}
}

// DialectFor returns the dialect negotiated for the given sub-protocol
// name.
func DialectFor(protocol string) (Dialect, bool) {
	switch protocol {
	case SubprotocolGraphQLTransportWS:
		return transportWSDialect{}, true
	case SubprotocolGraphQLWS:
		return legacyWSDialect{}, true
	}
	return nil, false
}

func mustMarshal(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("subscriptions: encode payload: %w", err)
	}
	return data, nil
}

// ---------------- modern dialect ----------------

type transportWSDialect struct{}

func (transportWSDialect) Name() string { return SubprotocolGraphQLTransportWS }

func (transportWSDialect) Decode(msg *Message) inboundOp {
	switch msg.Type {
	case msgConnectionInit:
		return inboundOp{kind: opInit, payload: msg.Payload}
	case msgPing:
		return inboundOp{kind: opPing, payload: msg.Payload}
	case msgPong:
		return inboundOp{kind: opPong}
	case msgSubscribe:
		return inboundOp{kind: opSubscribe, id: msg.ID, payload: msg.Payload}
	case msgComplete:
		return inboundOp{kind: opStop, id: msg.ID}
	}
	return inboundOp{kind: opUnknown}
}

func (transportWSDialect) Ack() *Message       { return &Message{Type: msgConnectionAck} }
func (transportWSDialect) KeepAlive() *Message { return &Message{Type: msgPing} }

func (transportWSDialect) Pong(payload json.RawMessage) *Message {
	return &Message{Type: msgPong, Payload: payload}
}

func (transportWSDialect) Next(id string, res *graphql.ExecutionResult) (*Message, error) {
	payload, err := mustMarshal(res)
	if err != nil {
		return nil, err
	}
	return &Message{ID: id, Type: msgNext, Payload: payload}, nil
}

func (transportWSDialect) Error(id string, errs []graphql.GraphQLError) (*Message, error) {
	payload, err := mustMarshal(errs)
	if err != nil {
		return nil, err
	}
	return &Message{ID: id, Type: msgError, Payload: payload}, nil
}

func (transportWSDialect) Complete(id string) *Message {
	return &Message{ID: id, Type: msgComplete}
}

func (transportWSDialect) SubscriptionOverwrite() bool { return false }

// ---------------- legacy dialect ----------------

type legacyWSDialect struct{}

func (legacyWSDialect) Name() string { return SubprotocolGraphQLWS }

func (legacyWSDialect) Decode(msg *Message) inboundOp {
	switch msg.Type {
	case msgConnectionInit:
		return inboundOp{kind: opInit, payload: msg.Payload}
	case msgStart:
		return inboundOp{kind: opSubscribe, id: msg.ID, payload: msg.Payload}
	case msgStop:
		return inboundOp{kind: opStop, id: msg.ID}
	case msgConnectionTerminate:
		return inboundOp{kind: opTerminate}
	}
	return inboundOp{kind: opUnknown}
}

func (legacyWSDialect) Ack() *Message       { return &Message{Type: msgConnectionAck} }
func (legacyWSDialect) KeepAlive() *Message { return &Message{Type: msgKeepAlive} }

func (legacyWSDialect) Pong(json.RawMessage) *Message { return nil }

func (legacyWSDialect) Next(id string, res *graphql.ExecutionResult) (*Message, error) {
	payload, err := mustMarshal(res)
	if err != nil {
		return nil, err
	}
	return &Message{ID: id, Type: msgData, Payload: payload}, nil
}

func (legacyWSDialect) Error(id string, errs []graphql.GraphQLError) (*Message, error) {
	payload, err := mustMarshal(&graphql.ExecutionResult{Errors: errs})
	if err != nil {
		return nil, err
	}
	return &Message{ID: id, Type: msgError, Payload: payload}, nil
}

func (legacyWSDialect) Complete(id string) *Message {
	return &Message{ID: id, Type: msgComplete}
}

func (legacyWSDialect) SubscriptionOverwrite() bool { return true }
