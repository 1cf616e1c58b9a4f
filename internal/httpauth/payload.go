package httpauth

import (
	"context"
	"encoding/json"
	"strings"

	auth "github.com/hanpama/graphgate/internal/auth"
)

// PayloadTokenAuth adapts a JWT extractor to the websocket
// connection_init handshake: the client carries its bearer token in the
// init payload, under "authorization" (or "Authorization"), because
// browsers cannot set headers on a websocket upgrade. A payload without
// a token yields a nil principal, leaving the connection anonymous.
func PayloadTokenAuth(j *JWT) func(ctx context.Context, payload json.RawMessage) (*auth.Principal, error) {
	return func(ctx context.Context, payload json.RawMessage) (*auth.Principal, error) {
		if len(payload) == 0 {
			return nil, nil
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, err
		}
		raw, ok := fields["authorization"]
		if !ok {
			raw, ok = fields["Authorization"]
		}
		if !ok {
			return nil, nil
		}
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, err
		}
		if scheme, token, ok := strings.Cut(value, " "); ok && strings.EqualFold(scheme, "Bearer") {
			value = token
		}
		if value == "" {
			return nil, nil
		}
		return j.FromToken(value)
	}
}
