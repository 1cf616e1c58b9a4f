package graphql

// Location points at a position in the request document.
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// GraphQLError is the spec-shaped error entry of an execution result.
type GraphQLError struct {
	Message    string         `json:"message"`
	Locations  []Location     `json:"locations,omitempty"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func (e GraphQLError) Error() string {
	return e.Message
}

// ExecutionResult is one GraphQL response: the single response of a query or
// mutation, or one event of a subscription stream.
type ExecutionResult struct {
	Data       any            `json:"data"`
	Errors     []GraphQLError `json:"errors,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// HasErrors reports whether the result carries any GraphQL-level error.
func (r *ExecutionResult) HasErrors() bool {
	return r != nil && len(r.Errors) > 0
}

// ErrorResult wraps err into a result with a single error entry.
func ErrorResult(err error) *ExecutionResult {
	if ge, ok := err.(GraphQLError); ok {
		return &ExecutionResult{Errors: []GraphQLError{ge}}
	}
	return &ExecutionResult{Errors: []GraphQLError{{Message: err.Error()}}}
}
