package auth

import (
	"context"
	"fmt"

	language "github.com/hanpama/graphgate/internal/language"
)

// Validate walks the selected operation of doc and reports every
// authorization violation as an access-denied error. It returns nil when
// nothing in the schema demands authorization or when every check passes.
//
// The walk itself is synchronous; policy evaluation is collected during
// the walk and each distinct policy name is evaluated exactly once at the
// end, with one merged error per unsatisfied policy.
//
// A nil principal, an authenticated principal without a subject, or a
// missing evaluator when policies are in play are host misconfigurations
// and panic rather than producing GraphQL errors.
func Validate(
	ctx context.Context,
	schema *language.Schema,
	doc *language.QueryDocument,
	operationName string,
	variables map[string]any,
	principal *Principal,
	reqs Requirements,
	eval PolicyEvaluator,
) language.ErrorList {
	if reqs == nil || !reqs.HasAny() {
		return nil
	}
	if principal == nil {
		panic("auth: principal is required")
	}
	if principal.Authenticated && principal.Subject == "" {
		panic("auth: authenticated principal has no subject")
	}

	op := doc.Operations.ForName(operationName)
	if op == nil && len(doc.Operations) == 1 {
		op = doc.Operations[0]
	}
	if op == nil {
		return nil
	}

	v := &visitor{
		ctx:           ctx,
		schema:        schema,
		doc:           doc,
		variables:     variables,
		principal:     principal,
		reqs:          reqs,
		eval:          eval,
		authenticated: principal.Authenticated,
		fragments:     map[string]*typeInfo{},
		policyNodes:   map[string][]string{},
		policyMemo:    map[string]*PolicyResult{},
		roleMemo:      map[string]bool{},
	}

	// Schema-level check runs once, before any traversal. A failure here
	// short-circuits the whole validation.
	if !v.validateSchema() {
		return v.errs
	}

	v.walkOperation(op)
	for _, frag := range language.ReferencedFragments(doc, op) {
		v.walkFragment(frag)
	}
	v.finish()
	return v.errs
}

// typeInfo accumulates what one selection set selected: whether anything
// demands an authenticated principal, whether anything is explicitly
// anonymous, and which fragment spreads are not yet resolved.
type typeInfo struct {
	anyAuthenticated bool
	anyAnonymous     bool
	waiting          []string
}

func (ti *typeInfo) merge(other *typeInfo) {
	ti.anyAuthenticated = ti.anyAuthenticated || other.anyAuthenticated
	ti.anyAnonymous = ti.anyAnonymous || other.anyAnonymous
	ti.waiting = append(ti.waiting, other.waiting...)
}

// pendingType is a type validation whose outcome depends on fragments
// not visited yet.
type pendingType struct {
	def      *language.Definition
	resource string
	pos      *language.Position
	info     *typeInfo
	merged   map[string]bool
}

type pendingAuthItem struct {
	resource string
	pos      *language.Position
}

type visitor struct {
	ctx           context.Context
	schema        *language.Schema
	doc           *language.QueryDocument
	variables     map[string]any
	principal     *Principal
	reqs          Requirements
	eval          PolicyEvaluator
	authenticated bool

	frames       []*typeInfo
	fragments    map[string]*typeInfo
	pendingTypes []*pendingType
	pendingAuth  []pendingAuthItem
	policyNodes  map[string][]string
	policyOrder  []string
	policyMemo   map[string]*PolicyResult
	roleMemo     map[string]bool

	errs language.ErrorList
}

func (v *visitor) push() *typeInfo {
	ti := &typeInfo{}
	v.frames = append(v.frames, ti)
	return ti
}

func (v *visitor) pop() *typeInfo {
	ti := v.frames[len(v.frames)-1]
	v.frames = v.frames[:len(v.frames)-1]
	return ti
}

func (v *visitor) top() *typeInfo {
	return v.frames[len(v.frames)-1]
}

// ---------------- traversal ----------------

func (v *visitor) walkOperation(op *language.OperationDefinition) {
	v.push()
	v.walkSelectionSet(op.SelectionSet)
	info := v.pop()

	var rootDef *language.Definition
	switch op.Operation {
	case language.Mutation:
		rootDef = v.schema.Mutation
	case language.Subscription:
		rootDef = v.schema.Subscription
	default:
		rootDef = v.schema.Query
	}
	if rootDef == nil {
		return
	}
	name := op.Name
	if name == "" {
		name = "(anonymous)"
	}
	resource := fmt.Sprintf("type '%s' for %s operation '%s'", rootDef.Name, op.Operation, name)
	v.decide(info, rootDef, resource, op.Position)
}

func (v *visitor) walkFragment(frag *language.FragmentDefinition) {
	v.push()
	v.walkSelectionSet(frag.SelectionSet)
	info := v.pop()

	// The fragment's target type is enforced where the fragment spreads
	// in, through the enclosing field's type check; recording the frame
	// and flushing waiters is all a definition contributes.
	v.fragments[frag.Name] = info
	v.flushPending()
}

func (v *visitor) walkSelectionSet(set language.SelectionSet) {
	for _, sel := range set {
		switch s := sel.(type) {
		case *language.Field:
			v.enterField(s)
		case *language.FragmentSpread:
			if v.skipNode(s.Directives) {
				continue
			}
			info := v.top()
			if frag, ok := v.fragments[s.Name]; ok {
				info.merge(frag)
			} else {
				info.waiting = append(info.waiting, s.Name)
			}
		case *language.InlineFragment:
			if v.skipNode(s.Directives) {
				continue
			}
			v.walkSelectionSet(s.SelectionSet)
		}
	}
}

func (v *visitor) enterField(field *language.Field) {
	if v.skipNode(field.Directives) {
		return
	}
	switch field.Name {
	case "__typename":
		return
	case "__schema", "__type":
		// Introspection is anonymous on its own; mixing it with
		// authenticated selections is caught by the enclosing frame.
		v.top().anyAnonymous = true
		return
	}

	parent := field.ObjectDefinition
	fieldDef := field.Definition
	req := v.reqs.Field(parent, fieldDef)

	if req != nil && req.AllowAnonymous {
		v.top().anyAnonymous = true
	} else {
		v.top().anyAuthenticated = true
		v.validateTarget(req, fieldResource(parent, field), field.Position)
	}

	for _, arg := range field.Arguments {
		var argDef *language.ArgumentDefinition
		if fieldDef != nil {
			argDef = fieldDef.Arguments.ForName(arg.Name)
		}
		if argDef == nil {
			continue
		}
		// Arguments have no anonymous exemption.
		v.validateTarget(v.reqs.Argument(parent, fieldDef, argDef), argumentResource(parent, field, arg), arg.Position)
	}

	v.push()
	v.walkSelectionSet(field.SelectionSet)
	info := v.pop()

	if fieldDef == nil {
		return
	}
	if named := v.schema.Types[fieldDef.Type.Name()]; named != nil {
		v.decide(info, named, fmt.Sprintf("type '%s'", named.Name), field.Position)
	}
}

// decide finalizes one frame against the type it selected from: the type
// requirement applies when anything authenticated was selected, or when
// nothing anonymous was selected and no fragment is outstanding. Frames
// still waiting on fragments are parked until those resolve.
func (v *visitor) decide(info *typeInfo, def *language.Definition, resource string, pos *language.Position) {
	if len(info.waiting) > 0 && !info.anyAuthenticated {
		v.pendingTypes = append(v.pendingTypes, &pendingType{
			def:      def,
			resource: resource,
			pos:      pos,
			info:     info,
			merged:   map[string]bool{},
		})
		return
	}
	if info.anyAuthenticated || !info.anyAnonymous {
		v.validateTarget(v.reqs.Type(def), resource, pos)
	}
}

// flushPending merges newly resolved fragments into parked type checks
// and finalizes every check whose dependencies are all in.
func (v *visitor) flushPending() {
	changed := true
	for changed {
		changed = false
		remaining := v.pendingTypes[:0]
		for _, p := range v.pendingTypes {
			var still []string
			for _, name := range p.info.waiting {
				frag, ok := v.fragments[name]
				if !ok {
					still = append(still, name)
					continue
				}
				if p.merged[name] {
					continue
				}
				p.merged[name] = true
				p.info.anyAuthenticated = p.info.anyAuthenticated || frag.anyAuthenticated
				p.info.anyAnonymous = p.info.anyAnonymous || frag.anyAnonymous
				still = append(still, frag.waiting...)
				changed = true
			}
			p.info.waiting = still
			if len(still) == 0 || p.info.anyAuthenticated {
				if p.info.anyAuthenticated || !p.info.anyAnonymous {
					v.validateTarget(v.reqs.Type(p.def), p.resource, p.pos)
				}
				changed = true
				continue
			}
			remaining = append(remaining, p)
		}
		v.pendingTypes = remaining
	}
}

// ---------------- checks ----------------

func (v *visitor) validateSchema() bool {
	req := v.reqs.Schema()
	if !req.RequiresAuthorization() {
		return true
	}
	for _, name := range req.Policies {
		res := v.evaluatePolicy(name)
		if !res.Succeeded {
			v.errs = append(v.errs, policyError(name, res, []string{"schema"}))
			return false
		}
	}
	if len(req.Roles) > 0 && !v.anyRoleMatches(req.Roles) {
		v.errs = append(v.errs, roleError("schema", nil, req.Roles))
		return false
	}
	if req.Authenticated && len(req.Roles) == 0 && len(req.Policies) == 0 && !v.authenticated {
		v.errs = append(v.errs, accessDeniedError("schema", nil))
		return false
	}
	return true
}

// validateTarget applies one node's requirement: policies are collected
// for the batch phase, role mismatches error immediately, and bare
// authentication failures are deferred to finish.
func (v *visitor) validateTarget(req *Requirement, resource string, pos *language.Position) {
	if !req.RequiresAuthorization() {
		return
	}
	for _, name := range req.Policies {
		if v.eval == nil {
			panic("auth: policy evaluator is required")
		}
		if _, ok := v.policyNodes[name]; !ok {
			v.policyOrder = append(v.policyOrder, name)
		}
		v.policyNodes[name] = append(v.policyNodes[name], resource)
	}
	if len(req.Roles) > 0 {
		if !v.anyRoleMatches(req.Roles) {
			v.errs = append(v.errs, roleError(resource, pos, req.Roles))
		}
		return
	}
	if req.Authenticated && len(req.Policies) == 0 && !v.authenticated {
		v.pendingAuth = append(v.pendingAuth, pendingAuthItem{resource: resource, pos: pos})
	}
}

func (v *visitor) anyRoleMatches(roles []string) bool {
	for _, role := range roles {
		matched, ok := v.roleMemo[role]
		if !ok {
			matched = v.principal.HasRole(role)
			v.roleMemo[role] = matched
		}
		if matched {
			return true
		}
	}
	return false
}

func (v *visitor) evaluatePolicy(name string) *PolicyResult {
	if res, ok := v.policyMemo[name]; ok {
		return res
	}
	if v.eval == nil {
		panic("auth: policy evaluator is required")
	}
	res, err := v.eval.Authorize(v.ctx, v.principal, name)
	if err != nil {
		res = &PolicyResult{FailedRequirements: []string{err.Error()}}
	}
	if res == nil {
		res = &PolicyResult{}
	}
	v.policyMemo[name] = res
	return res
}

// finish runs once the walk is over: it settles the remaining parked type
// checks, reports the deferred authentication failures, and evaluates
// every collected policy exactly once.
func (v *visitor) finish() {
	v.flushPending()
	// Anything still waiting names a fragment the document never defines;
	// standard validation reports those, nothing to do here.

	for _, item := range v.pendingAuth {
		v.errs = append(v.errs, accessDeniedError(item.resource, item.pos))
	}

	for _, name := range v.policyOrder {
		res := v.evaluatePolicy(name)
		if !res.Succeeded {
			v.errs = append(v.errs, policyError(name, res, v.policyNodes[name]))
		}
	}
}

// ---------------- directives ----------------

// skipNode honors literal or variable-bound @skip/@include conditions, so
// statically excluded selections are not authorized.
func (v *visitor) skipNode(dirs language.DirectiveList) bool {
	for _, d := range dirs {
		switch d.Name {
		case "skip":
			if b, ok := v.boolArg(d, "if"); ok && b {
				return true
			}
		case "include":
			if b, ok := v.boolArg(d, "if"); ok && !b {
				return true
			}
		}
	}
	return false
}

func (v *visitor) boolArg(d *language.Directive, name string) (bool, bool) {
	arg := d.Arguments.ForName(name)
	if arg == nil || arg.Value == nil {
		return false, false
	}
	switch arg.Value.Kind {
	case language.BooleanValue:
		return arg.Value.Raw == "true", true
	case language.Variable:
		if val, ok := v.variables[arg.Value.Raw]; ok {
			b, isBool := val.(bool)
			return b, isBool
		}
	}
	return false, false
}

// ---------------- resources ----------------

func fieldResource(parent *language.Definition, field *language.Field) string {
	if parent == nil {
		return fmt.Sprintf("field '%s'", field.Name)
	}
	return fmt.Sprintf("field '%s' on type '%s'", field.Name, parent.Name)
}

func argumentResource(parent *language.Definition, field *language.Field, arg *language.Argument) string {
	if parent == nil {
		return fmt.Sprintf("argument '%s' for field '%s'", arg.Name, field.Name)
	}
	return fmt.Sprintf("argument '%s' for field '%s' on type '%s'", arg.Name, field.Name, parent.Name)
}
