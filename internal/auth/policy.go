package auth

import "context"

// PolicyResult is the outcome of evaluating one named policy against a
// principal.
type PolicyResult struct {
	Succeeded bool
	// FailedRequirements names the unmet requirements of the policy,
	// for error payloads. Empty on success.
	FailedRequirements []string
}

// PolicyEvaluator evaluates named, host-defined authorization policies.
// Evaluation may involve I/O (an external authorization service); the
// visitor calls it at most once per distinct policy name per request.
type PolicyEvaluator interface {
	Authorize(ctx context.Context, principal *Principal, policy string) (*PolicyResult, error)
}

// PolicyEvaluatorFunc adapts a function to the PolicyEvaluator interface.
type PolicyEvaluatorFunc func(ctx context.Context, principal *Principal, policy string) (*PolicyResult, error)

func (f PolicyEvaluatorFunc) Authorize(ctx context.Context, principal *Principal, policy string) (*PolicyResult, error) {
	return f(ctx, principal, policy)
}
