package protocol

import "errors"

// Local errors. None of these is ever written to the wire; a failure
// reported by the peer surfaces as *jsonrpc.Error instead.
var (
	// ErrNotConnected is returned when no transport is bound.
	ErrNotConnected = errors.New("not connected")
	// ErrConnectionClosed rejects requests pending on a transport that closed.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrRequestTimeout rejects a request whose timeout elapsed.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrRequestCancelled rejects a request cancelled by its caller.
	ErrRequestCancelled = errors.New("request cancelled")
	// ErrCapabilityNotSupported is returned when the negotiated capabilities
	// do not permit a locally initiated request or notification.
	ErrCapabilityNotSupported = errors.New("capability not supported")
	// ErrSendFailed wraps a transport send failure.
	ErrSendFailed = errors.New("send failed")
	// ErrHandlerExists is returned when registering a second handler for a
	// method. Remove the existing one first to replace it.
	ErrHandlerExists = errors.New("handler already registered")
	// ErrResultInvalid is returned when a result fails schema validation.
	ErrResultInvalid = errors.New("result failed validation")
	// ErrTasksNotConfigured is returned by task operations on an engine
	// without a task store.
	ErrTasksNotConfigured = errors.New("task support not configured")
)
