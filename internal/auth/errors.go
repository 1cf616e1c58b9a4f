package auth

import (
	"fmt"

	language "github.com/hanpama/graphgate/internal/language"
)

// CodeAccessDenied is the extensions.code carried by every authorization
// failure, so transport-level formatters can recognize them.
const CodeAccessDenied = "ACCESS_DENIED"

// Extension keys of access-denied errors.
const (
	extResource      = "resource"
	extRequiredRoles = "requiredRoles"
	extPolicy        = "policy"
	extPolicyResult  = "policyResult"
)

func accessDeniedError(resource string, pos *language.Position) *language.Error {
	err := &language.Error{
		Message: fmt.Sprintf("access denied for %s", resource),
		Extensions: map[string]any{
			"code":      CodeAccessDenied,
			extResource: resource,
		},
	}
	if pos != nil {
		err.Locations = append(err.Locations, language.ErrorLocation{Line: pos.Line, Column: pos.Column})
	}
	return err
}

func roleError(resource string, pos *language.Position, roles []string) *language.Error {
	err := accessDeniedError(resource, pos)
	err.Extensions[extRequiredRoles] = roles
	return err
}

func policyError(policy string, result *PolicyResult, resources []string) *language.Error {
	ext := map[string]any{"code": CodeAccessDenied}
	ext[extPolicy] = policy
	ext[extPolicyResult] = result
	ext[extResource] = joinResources(resources)
	ext["resources"] = resources
	return &language.Error{
		Message:    fmt.Sprintf("access denied by policy %q for %s", policy, joinResources(resources)),
		Extensions: ext,
	}
}

func joinResources(resources []string) string {
	switch len(resources) {
	case 0:
		return ""
	case 1:
		return resources[0]
	}
	out := resources[0]
	for _, r := range resources[1:] {
		out += ", " + r
	}
	return out
}

// IsAccessDenied reports whether err carries the access-denied code.
func IsAccessDenied(err *language.Error) bool {
	if err == nil || err.Extensions == nil {
		return false
	}
	code, _ := err.Extensions["code"].(string)
	return code == CodeAccessDenied
}
