// Package policy evaluates named authorization policies as CEL
// expressions over the request principal.
package policy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/google/cel-go/cel"

	auth "github.com/hanpama/graphgate/internal/auth"
)

// Evaluator implements auth.PolicyEvaluator with one compiled CEL
// expression per policy name. Expressions see the principal as:
//
//	subject       string
//	authenticated bool
//	roles         list(string)
//	claims        map(string, dyn)
//
// and must evaluate to a bool.
type Evaluator struct {
	programs map[string]cel.Program
	sources  map[string]string
}

// New compiles the given name→expression set.
func New(policies map[string]string) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("subject", cel.StringType),
		cel.Variable("authenticated", cel.BoolType),
		cel.Variable("roles", cel.ListType(cel.StringType)),
		cel.Variable("claims", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: env: %w", err)
	}
	e := &Evaluator{
		programs: make(map[string]cel.Program, len(policies)),
		sources:  make(map[string]string, len(policies)),
	}
	for name, expr := range policies {
		ast, iss := env.Compile(expr)
		if iss.Err() != nil {
			return nil, fmt.Errorf("policy %q: %w", name, iss.Err())
		}
		if !reflect.DeepEqual(ast.OutputType(), cel.BoolType) {
			return nil, fmt.Errorf("policy %q: expression must be boolean, got %s", name, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", name, err)
		}
		e.programs[name] = prg
		e.sources[name] = expr
	}
	return e, nil
}

// Parse reads "name = expression" lines (blank lines and #-comments
// ignored) and compiles them, the format the serve command accepts.
func Parse(r io.Reader) (*Evaluator, error) {
	policies := map[string]string{}
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		name, expr, ok := strings.Cut(text, "=")
		name, expr = strings.TrimSpace(name), strings.TrimSpace(expr)
		if !ok || name == "" || expr == "" {
			return nil, fmt.Errorf("policy: line %d: want name = expression", line)
		}
		if _, dup := policies[name]; dup {
			return nil, fmt.Errorf("policy: line %d: duplicate policy %q", line, name)
		}
		policies[name] = expr
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	return New(policies)
}

// Has reports whether a policy with the given name is defined.
func (e *Evaluator) Has(name string) bool {
	_, ok := e.programs[name]
	return ok
}

// Authorize evaluates the named policy against principal.
func (e *Evaluator) Authorize(ctx context.Context, principal *auth.Principal, policy string) (*auth.PolicyResult, error) {
	prg, ok := e.programs[policy]
	if !ok {
		return nil, fmt.Errorf("policy: unknown policy %q", policy)
	}
	roles := principal.Roles
	if roles == nil {
		roles = []string{}
	}
	claims := principal.Claims
	if claims == nil {
		claims = map[string]any{}
	}
	out, _, err := prg.ContextEval(ctx, map[string]any{
		"subject":       principal.Subject,
		"authenticated": principal.Authenticated,
		"roles":         roles,
		"claims":        claims,
	})
	if err != nil {
		return nil, fmt.Errorf("policy %q: %w", policy, err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return nil, fmt.Errorf("policy %q: non-boolean result %v", policy, out.Value())
	}
	if ok {
		return &auth.PolicyResult{Succeeded: true}, nil
	}
	return &auth.PolicyResult{FailedRequirements: []string{e.sources[policy]}}, nil
}
