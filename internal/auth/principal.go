package auth

import "context"

// Principal is the identity one request or connection runs as. It is
// supplied by the host transport and read-only afterwards.
type Principal struct {
	// Subject identifies the principal. Required when Authenticated.
	Subject string
	// Roles are the role claims attached to the principal.
	Roles []string
	// Authenticated reports whether the principal carries a verified
	// identity. The zero Principal is the anonymous principal.
	Authenticated bool
	// Claims holds any further claims for policy evaluation.
	Claims map[string]any
}

// Anonymous is the principal used when no credentials were presented.
func Anonymous() *Principal { return &Principal{} }

// HasRole reports whether the principal carries the given role claim.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type principalKey struct{}

// NewContext returns a copy of parent carrying p.
func NewContext(parent context.Context, p *Principal) context.Context {
	return context.WithValue(parent, principalKey{}, p)
}

// FromContext extracts the principal from ctx, or the anonymous principal
// if none was stored.
func FromContext(ctx context.Context) *Principal {
	if p, ok := ctx.Value(principalKey{}).(*Principal); ok && p != nil {
		return p
	}
	return Anonymous()
}
