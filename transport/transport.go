// Package transport defines the boundary between the correlation engine and
// a concrete channel: an ordered, bidirectional stream of discrete JSON-RPC
// messages with lifecycle callbacks. No correlation logic lives here.
package transport

import (
	"context"
	"errors"
	"net/http"

	"github.com/ggoodman/mcp-protocol-go/auth"
	"github.com/ggoodman/mcp-protocol-go/jsonrpc"
)

var (
	// ErrClosed is returned when sending on or starting a closed transport.
	ErrClosed = errors.New("transport closed")
	// ErrNotStarted is returned when sending before Start.
	ErrNotStarted = errors.New("transport not started")
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("transport already started")
)

// MessageInfo carries out-of-band data about an inbound message.
type MessageInfo struct {
	// User is the authenticated principal, when the transport authenticates.
	User auth.UserInfo
	// Header holds the HTTP headers of the carrying request, if any.
	Header http.Header
}

// Callbacks receive transport events. OnMessage is invoked for one message at
// a time in wire arrival order. OnClose fires exactly once.
type Callbacks struct {
	OnMessage func(ctx context.Context, msg jsonrpc.Message, info MessageInfo)
	OnClose   func()
	OnError   func(err error)
}

// SendOptions route an outbound message.
type SendOptions struct {
	// RelatedRequestID ties a request or notification to the inbound request
	// being served, so multiplexing transports write it to that request's
	// stream.
	RelatedRequestID *jsonrpc.RequestID
}

// Transport is a bidirectional message channel.
type Transport interface {
	// Start begins delivering inbound messages to cb.
	Start(ctx context.Context, cb Callbacks) error
	// Send writes one message.
	Send(ctx context.Context, msg jsonrpc.Message, opts SendOptions) error
	// Close terminates the channel and fires OnClose.
	Close() error
	// SessionID returns the session identifier, or "" when the transport has
	// no notion of sessions.
	SessionID() string
}
