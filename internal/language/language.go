package language

import (
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/parser"
)

type (
	Error         = gqlerror.Error
	ErrorList     = gqlerror.List
	ErrorLocation = gqlerror.Location
)

func ParseQuery(source string) (*QueryDocument, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// LoadSchema parses and validates an SDL document, including the prelude.
func LoadSchema(name, source string) (*Schema, error) {
	return gqlparser.LoadSchema(&ast.Source{Name: name, Input: source})
}

// LoadQuery parses source and validates it against schema using the
// standard validation rules. Field and fragment definitions on the
// returned document are resolved.
func LoadQuery(schema *Schema, source string) (*QueryDocument, ErrorList) {
	return gqlparser.LoadQuery(schema, source)
}

// ReferencedFragments returns the fragment definitions transitively
// reachable from op, in first-reference order. Spreads naming unknown
// fragments are ignored; standard validation reports those.
func ReferencedFragments(doc *QueryDocument, op *OperationDefinition) []*FragmentDefinition {
	var out []*FragmentDefinition
	seen := map[string]bool{}
	var walk func(set SelectionSet)
	walk = func(set SelectionSet) {
		for _, sel := range set {
			switch s := sel.(type) {
			case *Field:
				walk(s.SelectionSet)
			case *InlineFragment:
				walk(s.SelectionSet)
			case *FragmentSpread:
				if seen[s.Name] {
					continue
				}
				seen[s.Name] = true
				frag := doc.Fragments.ForName(s.Name)
				if frag == nil {
					continue
				}
				out = append(out, frag)
				walk(frag.SelectionSet)
			}
		}
	}
	walk(op.SelectionSet)
	return out
}
