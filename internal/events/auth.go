package events

// AuthorizationDenied is emitted when document validation rejects an
// operation for the current principal.
type AuthorizationDenied struct {
	Subject       string
	Authenticated bool
	OperationName string
	Errors        []error
}
