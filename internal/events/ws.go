package events

import (
	"net/http"
	"time"
)

// WSConnect is emitted when a websocket connection is accepted.
// Context carries the connection context with its request ID.
type WSConnect struct {
	Request      *http.Request
	ConnectionID string
	Protocol     string
}

// WSDisconnect is emitted when the websocket read loop ends.
type WSDisconnect struct {
	ConnectionID string
	Protocol     string
	Duration     time.Duration
}
