package minion

import "fmt"

// ExitKind classifies why a minion stopped. The overlord maps kinds to
// exclusion durations before the relay may be picked again.
type ExitKind int

const (
	// ExitGeneric is any failure with no more specific classification.
	ExitGeneric ExitKind = iota
	// ExitHandshakeStatus means the websocket upgrade was answered with a
	// non-switching HTTP status; HTTPStatus carries it.
	ExitHandshakeStatus
	// ExitConnReset means the peer dropped the connection without a
	// closing handshake.
	ExitConnReset
	// ExitRelayRejected means the relay told us to go away at the
	// application level.
	ExitRelayRejected
)

// ExitError is the typed result a minion task ends with on failure.
type ExitError struct {
	Kind       ExitKind
	HTTPStatus int
	Err        error
}

func (e *ExitError) Error() string {
	switch e.Kind {
	case ExitHandshakeStatus:
		return fmt.Sprintf("websocket handshake failed with status %d: %v", e.HTTPStatus, e.Err)
	case ExitConnReset:
		return fmt.Sprintf("connection reset without closing handshake: %v", e.Err)
	case ExitRelayRejected:
		return fmt.Sprintf("relay rejected us: %v", e.Err)
	}
	return fmt.Sprintf("minion error: %v", e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}
