package auth

import (
	language "github.com/hanpama/graphgate/internal/language"
)

// Requirement is the authorization metadata attached to a schema, type,
// field or argument. The kinds are independent and cumulative: everything
// present must pass.
type Requirement struct {
	// Authenticated demands a verified identity.
	Authenticated bool
	// Roles pass when the principal holds at least one of them.
	Roles []string
	// Policies pass when every named policy evaluates to success.
	Policies []string
	// AllowAnonymous exempts a field from the enclosing type's
	// requirement. Ignored on arguments.
	AllowAnonymous bool
}

// RequiresAuthorization reports whether the requirement demands any check.
func (r *Requirement) RequiresAuthorization() bool {
	return r != nil && (r.Authenticated || len(r.Roles) > 0 || len(r.Policies) > 0)
}

// Requirements resolves the requirement metadata for schema nodes.
// A nil return means the node demands nothing.
type Requirements interface {
	Schema() *Requirement
	Type(def *language.Definition) *Requirement
	Field(parent *language.Definition, def *language.FieldDefinition) *Requirement
	Argument(parent *language.Definition, field *language.FieldDefinition, arg *language.ArgumentDefinition) *Requirement
	// HasAny reports whether anything in the schema carries a
	// requirement at all; when false no validation visitor is needed.
	HasAny() bool
}

const (
	authorizeDirective      = "authorize"
	allowAnonymousDirective = "allowAnonymous"
)

// DirectiveSDL is the schema snippet declaring the directives read by
// NewDirectiveRequirements. Hosts append it to their SDL.
const DirectiveSDL = `
directive @authorize(roles: [String!], policies: [String!]) on SCHEMA | OBJECT | INTERFACE | FIELD_DEFINITION | ARGUMENT_DEFINITION
directive @allowAnonymous on FIELD_DEFINITION
`

// directiveRequirements reads @authorize and @allowAnonymous directives
// off the SDL schema.
type directiveRequirements struct {
	schema    *language.Schema
	schemaReq *Requirement
	hasAny    bool
}

// DirectiveOption configures NewDirectiveRequirements.
type DirectiveOption func(*directiveRequirements)

// WithSchemaRequirement attaches a requirement to the schema itself,
// evaluated once per request before any traversal.
func WithSchemaRequirement(req *Requirement) DirectiveOption {
	return func(d *directiveRequirements) { d.schemaReq = req }
}

// NewDirectiveRequirements builds a Requirements provider over the
// directives of schema.
func NewDirectiveRequirements(schema *language.Schema, opts ...DirectiveOption) Requirements {
	d := &directiveRequirements{schema: schema}
	for _, o := range opts {
		o(d)
	}
	d.hasAny = d.schemaReq.RequiresAuthorization() || scanSchema(schema)
	return d
}

func scanSchema(schema *language.Schema) bool {
	for _, def := range schema.Types {
		if fromDirectives(def.Directives) != nil {
			return true
		}
		for _, f := range def.Fields {
			if fromDirectives(f.Directives) != nil {
				return true
			}
			for _, a := range f.Arguments {
				if fromDirectives(a.Directives) != nil {
					return true
				}
			}
		}
	}
	return false
}

func (d *directiveRequirements) Schema() *Requirement { return d.schemaReq }
func (d *directiveRequirements) HasAny() bool         { return d.hasAny }

func (d *directiveRequirements) Type(def *language.Definition) *Requirement {
	if def == nil {
		return nil
	}
	return fromDirectives(def.Directives)
}

func (d *directiveRequirements) Field(parent *language.Definition, def *language.FieldDefinition) *Requirement {
	if def == nil {
		return nil
	}
	return fromDirectives(def.Directives)
}

func (d *directiveRequirements) Argument(parent *language.Definition, field *language.FieldDefinition, arg *language.ArgumentDefinition) *Requirement {
	if arg == nil {
		return nil
	}
	return fromDirectives(arg.Directives)
}

func fromDirectives(list language.DirectiveList) *Requirement {
	var req *Requirement
	for _, dir := range list {
		switch dir.Name {
		case authorizeDirective:
			if req == nil {
				req = &Requirement{}
			}
			req.Roles = append(req.Roles, stringList(dir.Arguments.ForName("roles"))...)
			req.Policies = append(req.Policies, stringList(dir.Arguments.ForName("policies"))...)
			if len(req.Roles) == 0 && len(req.Policies) == 0 {
				req.Authenticated = true
			}
		case allowAnonymousDirective:
			if req == nil {
				req = &Requirement{}
			}
			req.AllowAnonymous = true
		}
	}
	return req
}

func stringList(arg *language.Argument) []string {
	if arg == nil || arg.Value == nil {
		return nil
	}
	var out []string
	for _, child := range arg.Value.Children {
		if child.Value != nil {
			out = append(out, child.Value.Raw)
		}
	}
	return out
}

// StaticRequirements is a Requirements provider backed by explicit maps,
// for hosts that attach metadata programmatically instead of via SDL
// directives. Keys are "Type", "Type.field" and "Type.field.arg".
type StaticRequirements struct {
	SchemaReq *Requirement
	ByType    map[string]*Requirement
	ByField   map[string]*Requirement
	ByArg     map[string]*Requirement
}

func (s *StaticRequirements) Schema() *Requirement { return s.SchemaReq }

func (s *StaticRequirements) Type(def *language.Definition) *Requirement {
	if def == nil {
		return nil
	}
	return s.ByType[def.Name]
}

func (s *StaticRequirements) Field(parent *language.Definition, def *language.FieldDefinition) *Requirement {
	if parent == nil || def == nil {
		return nil
	}
	return s.ByField[parent.Name+"."+def.Name]
}

func (s *StaticRequirements) Argument(parent *language.Definition, field *language.FieldDefinition, arg *language.ArgumentDefinition) *Requirement {
	if parent == nil || field == nil || arg == nil {
		return nil
	}
	return s.ByArg[parent.Name+"."+field.Name+"."+arg.Name]
}

func (s *StaticRequirements) HasAny() bool {
	return s.SchemaReq.RequiresAuthorization() || len(s.ByType) > 0 || len(s.ByField) > 0 || len(s.ByArg) > 0
}
