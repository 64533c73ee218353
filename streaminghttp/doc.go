// Package streaminghttp implements the Streamable HTTP transport of the Model
// Context Protocol as a standard net/http handler.
//
// Each MCP session is a transport.Transport (see Session) handed to a
// ConnectFunc, which usually creates a protocol engine and connects it:
//
//	h, err := streaminghttp.New(func(ctx context.Context, t transport.Transport) error {
//	    return mcpserver.New(info).Connect(ctx, t)
//	}, streaminghttp.WithUUIDSessionIDs())
//
// # Modes
//
// Without a session id option the handler is stateless: every POST runs in a
// throwaway session and GET and DELETE answer 405. With WithUUIDSessionIDs,
// WithSessionIDGenerator or WithSignedSessionIDs the initialize POST creates a
// session whose id is returned in the Mcp-Session-Id header and must be
// presented on every later request. Sessions are bound to the authenticated
// user that created them.
//
// # Streams
//
// A POST carrying requests is answered with an SSE stream that ends after the
// last response (or with a single JSON body under WithJSONResponse). A GET
// opens the standalone stream for server-initiated messages. With an event
// store configured every event carries an id, POST streams start with a
// priming event, and a client may reconnect with Last-Event-ID to replay what
// it missed. CloseSSEStream ends a response early so that the client polls.
//
// # Authorization
//
// WithAuthenticator requires a bearer token; failures are answered with an
// RFC 6750 challenge pointing at the protected resource metadata configured
// with WithProtectedResourceMetadata, which the handler also serves.
package streaminghttp
