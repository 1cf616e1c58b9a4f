// Package httpauth extracts the request principal from transport-level
// credentials. The default extractor reads HS256-signed bearer tokens.
package httpauth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	auth "github.com/hanpama/graphgate/internal/auth"
)

// Extractor derives the principal for one request. Returning an error
// rejects the request with 401 before any GraphQL processing.
type Extractor interface {
	Principal(r *http.Request) (*auth.Principal, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(r *http.Request) (*auth.Principal, error)

func (f ExtractorFunc) Principal(r *http.Request) (*auth.Principal, error) { return f(r) }

// AnonymousExtractor yields the anonymous principal for every request.
func AnonymousExtractor() Extractor {
	return ExtractorFunc(func(*http.Request) (*auth.Principal, error) {
		return auth.Anonymous(), nil
	})
}

var errBadAuthorizationHeader = errors.New("httpauth: malformed Authorization header")

// JWT validates HMAC-signed bearer tokens from the Authorization header.
// Requests without the header proceed as anonymous; a present but invalid
// token is an error.
type JWT struct {
	secret     []byte
	rolesClaim string
}

// JWTOption configures a JWT extractor.
type JWTOption func(*JWT)

// WithRolesClaim sets the claim holding the role list. Default "roles".
func WithRolesClaim(name string) JWTOption {
	return func(j *JWT) { j.rolesClaim = name }
}

func NewJWT(secret []byte, opts ...JWTOption) *JWT {
	j := &JWT{secret: secret, rolesClaim: "roles"}
	for _, o := range opts {
		o(j)
	}
	return j
}

func (j *JWT) Principal(r *http.Request) (*auth.Principal, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return auth.Anonymous(), nil
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return nil, errBadAuthorizationHeader
	}
	return j.FromToken(token)
}

// FromToken validates a raw compact JWT. The WebSocket transport calls
// this with the token carried in the connection_init payload.
func (j *JWT) FromToken(token string) (*auth.Principal, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("httpauth: unexpected signing method %v", t.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("httpauth: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("httpauth: invalid token")
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, errors.New("httpauth: token has no subject")
	}
	p := &auth.Principal{
		Subject:       sub,
		Authenticated: true,
		Claims:        map[string]any(claims),
	}
	if raw, ok := claims[j.rolesClaim]; ok {
		p.Roles = toStrings(raw)
	}
	return p, nil
}

func toStrings(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{list}
	}
	return nil
}
