package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ggoodman/mcp-protocol-go/internal/logctx"
	"github.com/ggoodman/mcp-protocol-go/jsonrpc"
	"github.com/ggoodman/mcp-protocol-go/mcp"
	"github.com/ggoodman/mcp-protocol-go/protocol"
	"github.com/ggoodman/mcp-protocol-go/tasks"
	"github.com/ggoodman/mcp-protocol-go/transport"
)

// Option configures a Server.
type Option func(*config)

type config struct {
	log          *slog.Logger
	instructions string
	tools        *Tools
	store        tasks.Store
	queue        tasks.MessageQueue
	onClose      func(sessionID string)
	protoOpts    []protocol.Option
}

// WithLogger sets the logger of the server and its engine.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}

// WithInstructions sets the instructions returned by initialize.
func WithInstructions(instr string) Option {
	return func(c *config) { c.instructions = instr }
}

// WithTools serves tools/list and tools/call from ts.
func WithTools(ts *Tools) Option {
	return func(c *config) { c.tools = ts }
}

// WithTaskStore enables tasks. Share one store (and queue) across the
// servers of all sessions so that tasks survive reconnects.
func WithTaskStore(store tasks.Store, queue tasks.MessageQueue) Option {
	return func(c *config) { c.store, c.queue = store, queue }
}

// WithCloseHandler is called when the connected transport closes.
func WithCloseHandler(fn func(sessionID string)) Option {
	return func(c *config) { c.onClose = fn }
}

// WithProtocolOptions passes options to the underlying engine. Logger,
// capability, task store and close handler options are set by the server.
func WithProtocolOptions(opts ...protocol.Option) Option {
	return func(c *config) { c.protoOpts = append(c.protoOpts, opts...) }
}

// Server is the server side of one MCP session: it answers initialize,
// gates methods by the negotiated capabilities and serves tools. Create
// one Server per session.
type Server struct {
	info mcp.Implementation
	cfg  config
	log  *slog.Logger
	p    *protocol.Protocol

	mu          sync.Mutex
	clientInfo  *mcp.Implementation
	clientCaps  *mcp.ClientCapabilities
	version     string
	initialized bool
	stop        func()
}

// New builds a Server announcing info.
func New(info mcp.Implementation, opts ...Option) *Server {
	cfg := config{log: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{info: info, cfg: cfg, log: logctx.Wrap(cfg.log)}

	popts := append([]protocol.Option{}, cfg.protoOpts...)
	popts = append(popts,
		protocol.WithLogger(cfg.log),
		protocol.WithCapabilities(s),
		protocol.WithStrictCapabilities(),
		protocol.WithCloseHandler(s.closed),
	)
	if cfg.store != nil {
		popts = append(popts, protocol.WithTaskStore(cfg.store), protocol.WithTaskMessageQueue(cfg.queue))
	}
	s.p = protocol.New(popts...)

	mustHandle(s.p.SetRequestHandler(string(mcp.InitializeMethod), s.handleInitialize))
	mustHandle(s.p.SetNotificationHandler(string(mcp.InitializedNotificationMethod), s.handleInitialized))
	if cfg.tools != nil {
		mustHandle(s.p.SetRequestHandler(string(mcp.ToolsListMethod), s.handleListTools))
		mustHandle(s.p.SetRequestHandler(string(mcp.ToolsCallMethod), s.handleCallTool))
	}
	return s
}

func mustHandle(err error) {
	if err != nil {
		panic(err)
	}
}

// Connect attaches the server to t.
func (s *Server) Connect(ctx context.Context, t transport.Transport) error {
	return s.p.Connect(ctx, t)
}

// Close closes the connected transport.
func (s *Server) Close() error {
	return s.p.Close()
}

// Protocol returns the engine, for sending requests and notifications to
// the client.
func (s *Server) Protocol() *protocol.Protocol {
	return s.p
}

// Handle registers h for method.
func (s *Server) Handle(method string, h protocol.RequestHandler) error {
	return s.p.SetRequestHandler(method, h)
}

// HandleNotification registers h for the notification method.
func (s *Server) HandleNotification(method string, h protocol.NotificationHandler) error {
	return s.p.SetNotificationHandler(method, h)
}

// ClientCapabilities returns the capabilities the client sent in
// initialize, or nil before initialize.
func (s *Server) ClientCapabilities() *mcp.ClientCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientCaps
}

// ClientInfo returns the client implementation, or nil before initialize.
func (s *Server) ClientInfo() *mcp.Implementation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientInfo
}

// ProtocolVersion returns the negotiated protocol version.
func (s *Server) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Capabilities returns what the server advertises in initialize.
func (s *Server) Capabilities() mcp.ServerCapabilities {
	var caps mcp.ServerCapabilities
	if s.cfg.tools != nil {
		caps.Tools = &struct {
			ListChanged bool `json:"listChanged"`
		}{ListChanged: true}
	}
	if s.cfg.store != nil {
		caps.Tasks = &mcp.TasksCapability{List: &struct{}{}, Cancel: &struct{}{}}
		if s.cfg.tools != nil {
			caps.Tasks.Requests = []string{string(mcp.ToolsCallMethod)}
		}
	}
	return caps
}

// negotiate picks the version answered to a client requesting requested.
func negotiate(requested string) string {
	if mcp.IsSupportedProtocolVersion(requested) {
		return requested
	}
	return mcp.LatestProtocolVersion
}

func (s *Server) handleInitialize(ctx context.Context, rc *protocol.RequestContext) (any, error) {
	var req mcp.InitializeRequest
	if err := rc.Bind(&req); err != nil {
		return nil, err
	}
	version := negotiate(req.ProtocolVersion)

	s.mu.Lock()
	s.clientInfo = &req.ClientInfo
	s.clientCaps = &req.Capabilities
	s.version = version
	s.mu.Unlock()

	s.log.InfoContext(ctx, "mcpserver.initialize",
		slog.String("client", req.ClientInfo.Name),
		slog.String("client_version", req.ProtocolVersion),
		slog.String("negotiated", version))

	return &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    s.Capabilities(),
		ServerInfo:      s.info,
		Instructions:    s.cfg.instructions,
	}, nil
}

func (s *Server) handleInitialized(ctx context.Context, nc *protocol.NotificationContext) error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.initialized = true
	s.mu.Unlock()

	if s.cfg.tools != nil {
		s.forwardToolChanges(context.WithoutCancel(ctx))
	}
	return nil
}

// forwardToolChanges announces every change of the tool set to the client
// until the transport closes.
func (s *Server) forwardToolChanges(ctx context.Context) {
	ch, unsubscribe := s.cfg.tools.subscribe()
	s.mu.Lock()
	s.stop = unsubscribe
	s.mu.Unlock()

	go func() {
		for range ch {
			if err := s.p.Notification(ctx, string(mcp.ToolsListChangedNotificationMethod), nil); err != nil {
				s.log.InfoContext(ctx, "mcpserver.tools.list_changed_fail", slog.String("err", err.Error()))
				if errors.Is(err, protocol.ErrNotConnected) || errors.Is(err, protocol.ErrConnectionClosed) {
					unsubscribe()
				}
			}
		}
	}()
}

func (s *Server) closed(sessionID string) {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	if s.cfg.onClose != nil {
		s.cfg.onClose(sessionID)
	}
}

func (s *Server) handleListTools(ctx context.Context, rc *protocol.RequestContext) (any, error) {
	var params mcp.ListToolsParams
	if err := rc.Bind(&params); err != nil {
		return nil, err
	}
	return s.cfg.tools.list(params.Cursor)
}

// handleCallTool runs the tool inline, or as a task when the request is
// task-augmented and the tool allows it. A tool that forbids tasks ignores
// the augmentation; a tool that requires one rejects plain calls.
func (s *Server) handleCallTool(ctx context.Context, rc *protocol.RequestContext) (any, error) {
	var params mcp.CallToolParams
	if err := rc.Bind(&params); err != nil {
		return nil, err
	}
	desc, h, ok := s.cfg.tools.lookup(params.Name)
	if !ok {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "unknown tool: " + params.Name}
	}
	call := &ToolCall{Name: params.Name, Arguments: params.Arguments, RequestContext: rc}
	support := desc.TaskSupport()

	if rc.Task == nil || support == mcp.TaskSupportForbidden {
		if support == mcp.TaskSupportRequired {
			return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeMethodNotFound, Message: fmt.Sprintf("tool %s must be called as a task", params.Name)}
		}
		return h(ctx, call)
	}
	return rc.Task.Start(ctx, func(ctx context.Context, run *protocol.TaskRun) (any, error) {
		call.Run = run
		return h(ctx, call)
	})
}

// AssertCapabilityForMethod checks requests sent to the client against the
// capabilities it declared.
func (s *Server) AssertCapabilityForMethod(method string) error {
	caps := s.ClientCapabilities()
	var ok bool
	switch mcp.Method(method) {
	case mcp.SamplingCreateMessageMethod:
		ok = caps != nil && caps.Sampling != nil
	case mcp.ElicitationCreateMethod:
		ok = caps != nil && caps.Elicitation != nil
	case mcp.RootsListMethod:
		ok = caps != nil && caps.Roots != nil
	case mcp.TasksGetMethod, mcp.TasksResultMethod, mcp.TasksListMethod, mcp.TasksCancelMethod:
		ok = caps != nil && caps.Tasks != nil
	default:
		return nil
	}
	if !ok {
		return fmt.Errorf("client does not support %s", method)
	}
	return nil
}

// AssertNotificationCapability checks notifications sent to the client
// against the capabilities of the server.
func (s *Server) AssertNotificationCapability(method string) error {
	switch mcp.Method(method) {
	case mcp.ToolsListChangedNotificationMethod:
		if s.cfg.tools == nil {
			return errors.New("server has no tools")
		}
	case mcp.TaskStatusNotificationMethod:
		if s.cfg.store == nil {
			return errors.New("server has no tasks")
		}
	}
	return nil
}

// AssertRequestHandlerCapability checks inbound requests against the
// capabilities of the server.
func (s *Server) AssertRequestHandlerCapability(method string) error {
	switch mcp.Method(method) {
	case mcp.ToolsListMethod, mcp.ToolsCallMethod:
		if s.cfg.tools == nil {
			return errors.New("server has no tools")
		}
	case mcp.TasksGetMethod, mcp.TasksResultMethod, mcp.TasksListMethod, mcp.TasksCancelMethod:
		if s.cfg.store == nil {
			return errors.New("server has no tasks")
		}
	}
	return nil
}
