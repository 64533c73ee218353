// Package mcpclient is the client side of an MCP session on top of the
// protocol engine. Connect performs the initialize handshake; the remaining
// methods wrap the common requests, including the tasks/* family.
package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/ggoodman/mcp-protocol-go/internal/logctx"
	"github.com/ggoodman/mcp-protocol-go/mcp"
	"github.com/ggoodman/mcp-protocol-go/protocol"
	"github.com/ggoodman/mcp-protocol-go/tasks"
	"github.com/ggoodman/mcp-protocol-go/transport"
)

// ErrUnsupportedProtocolVersion is returned by Connect when the server
// answers with a protocol version this module does not speak.
var ErrUnsupportedProtocolVersion = errors.New("unsupported protocol version")

// Option configures a Client.
type Option func(*config)

type config struct {
	log       *slog.Logger
	caps      mcp.ClientCapabilities
	version   string
	store     tasks.Store
	queue     tasks.MessageQueue
	protoOpts []protocol.Option
}

// WithLogger sets the logger of the client and its engine.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}

// WithCapabilities sets the capabilities sent in initialize. Handlers for
// the matching requests (elicitation/create, sampling/createMessage,
// roots/list) are registered with Handle.
func WithCapabilities(caps mcp.ClientCapabilities) Option {
	return func(c *config) { c.caps = caps }
}

// WithProtocolVersion sets the version requested in initialize. Defaults
// to mcp.LatestProtocolVersion.
func WithProtocolVersion(v string) Option {
	return func(c *config) { c.version = v }
}

// WithTaskStore lets the server augment its requests to this client with
// tasks.
func WithTaskStore(store tasks.Store, queue tasks.MessageQueue) Option {
	return func(c *config) { c.store, c.queue = store, queue }
}

// WithProtocolOptions passes options to the underlying engine.
func WithProtocolOptions(opts ...protocol.Option) Option {
	return func(c *config) { c.protoOpts = append(c.protoOpts, opts...) }
}

// Client is the client side of one MCP session.
type Client struct {
	info mcp.Implementation
	cfg  config
	log  *slog.Logger
	p    *protocol.Protocol

	mu     sync.Mutex
	server *mcp.InitializeResult
}

// New builds a Client announcing info.
func New(info mcp.Implementation, opts ...Option) *Client {
	cfg := config{log: slog.Default(), version: mcp.LatestProtocolVersion}
	for _, opt := range opts {
		opt(&cfg)
	}
	c := &Client{info: info, cfg: cfg, log: logctx.Wrap(cfg.log)}

	popts := append([]protocol.Option{}, cfg.protoOpts...)
	popts = append(popts,
		protocol.WithLogger(cfg.log),
		protocol.WithCapabilities(c),
		protocol.WithStrictCapabilities(),
	)
	if cfg.store != nil {
		popts = append(popts, protocol.WithTaskStore(cfg.store), protocol.WithTaskMessageQueue(cfg.queue))
		if c.cfg.caps.Tasks == nil {
			c.cfg.caps.Tasks = &mcp.TasksCapability{List: &struct{}{}, Cancel: &struct{}{}}
		}
	}
	c.p = protocol.New(popts...)
	return c
}

// Connect starts t and performs the initialize handshake.
func (c *Client) Connect(ctx context.Context, t transport.Transport) error {
	if err := c.p.Connect(ctx, t); err != nil {
		return err
	}
	var res mcp.InitializeResult
	req := mcp.InitializeRequest{ProtocolVersion: c.cfg.version, Capabilities: c.cfg.caps, ClientInfo: c.info}
	if err := c.p.Request(ctx, string(mcp.InitializeMethod), req, &res); err != nil {
		_ = c.p.Close()
		return fmt.Errorf("initialize: %w", err)
	}
	if !mcp.IsSupportedProtocolVersion(res.ProtocolVersion) {
		_ = c.p.Close()
		return fmt.Errorf("%w: %s", ErrUnsupportedProtocolVersion, res.ProtocolVersion)
	}
	c.mu.Lock()
	c.server = &res
	c.mu.Unlock()

	if err := c.p.Notification(ctx, string(mcp.InitializedNotificationMethod), nil); err != nil {
		return fmt.Errorf("initialized: %w", err)
	}
	c.log.InfoContext(ctx, "mcpclient.connected",
		slog.String("server", res.ServerInfo.Name),
		slog.String("protocol_version", res.ProtocolVersion))
	return nil
}

// Close closes the transport.
func (c *Client) Close() error {
	return c.p.Close()
}

// Protocol returns the engine.
func (c *Client) Protocol() *protocol.Protocol {
	return c.p
}

// Handle registers h for requests the server sends to the client.
func (c *Client) Handle(method string, h protocol.RequestHandler) error {
	return c.p.SetRequestHandler(method, h)
}

// HandleNotification registers h for a server notification.
func (c *Client) HandleNotification(method string, h protocol.NotificationHandler) error {
	return c.p.SetNotificationHandler(method, h)
}

// ServerInfo returns the server's initialize answer, or nil before Connect.
func (c *Client) ServerInfo() *mcp.InitializeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

// Ping checks that the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	return c.p.Request(ctx, string(mcp.PingMethod), nil, nil)
}

// ListTools fetches one page of tools.
func (c *Client) ListTools(ctx context.Context, cursor string) (*mcp.ListToolsResult, error) {
	var res mcp.ListToolsResult
	if err := c.p.Request(ctx, string(mcp.ToolsListMethod), mcp.ListToolsParams{Cursor: cursor}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CallTool calls a tool and waits for its result.
func (c *Client) CallTool(ctx context.Context, name string, args any, opts ...protocol.RequestOption) (*mcp.CallToolResult, error) {
	params, err := callParams(name, args)
	if err != nil {
		return nil, err
	}
	var res mcp.CallToolResult
	if err := c.p.Request(ctx, string(mcp.ToolsCallMethod), params, &res, opts...); err != nil {
		return nil, err
	}
	return &res, nil
}

// CallToolAsTask calls a tool as a task and yields its progress. See
// RequestStream.
func (c *Client) CallToolAsTask(ctx context.Context, name string, args any, task mcp.TaskMetadata, opts ...protocol.RequestOption) iter.Seq[protocol.StreamEvent] {
	params, err := callParams(name, args)
	if err != nil {
		return func(yield func(protocol.StreamEvent) bool) {
			yield(protocol.StreamEvent{Kind: protocol.StreamError, Err: err})
		}
	}
	return c.RequestStream(ctx, string(mcp.ToolsCallMethod), params, append(opts, protocol.WithTask(task))...)
}

func callParams(name string, args any) (mcp.CallToolParams, error) {
	params := mcp.CallToolParams{Name: name}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return params, fmt.Errorf("encode arguments: %w", err)
		}
		params.Arguments = raw
	}
	return params, nil
}

// RequestStream sends a request and yields task creation, status changes
// and the final result or error.
func (c *Client) RequestStream(ctx context.Context, method string, params any, opts ...protocol.RequestOption) iter.Seq[protocol.StreamEvent] {
	return c.p.RequestStream(ctx, method, params, opts...)
}

// GetTask fetches the current state of a task.
func (c *Client) GetTask(ctx context.Context, taskID string) (*mcp.Task, error) {
	var res mcp.Task
	if err := c.p.Request(ctx, string(mcp.TasksGetMethod), mcp.GetTaskParams{TaskID: taskID}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetTaskResult waits for a task to finish and decodes its result into
// result. Messages the task queued for the client are handled meanwhile.
func (c *Client) GetTaskResult(ctx context.Context, taskID string, result any) error {
	return c.p.Request(ctx, string(mcp.TasksResultMethod), mcp.GetTaskResultParams{TaskID: taskID}, result)
}

// ListTasks fetches one page of tasks.
func (c *Client) ListTasks(ctx context.Context, cursor string) (*mcp.ListTasksResult, error) {
	var res mcp.ListTasksResult
	if err := c.p.Request(ctx, string(mcp.TasksListMethod), mcp.ListTasksParams{Cursor: cursor}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CancelTask cancels a task and returns its new state.
func (c *Client) CancelTask(ctx context.Context, taskID string) (*mcp.Task, error) {
	var res mcp.Task
	if err := c.p.Request(ctx, string(mcp.TasksCancelMethod), mcp.CancelTaskParams{TaskID: taskID}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// AssertCapabilityForMethod checks tools and tasks requests against the
// capabilities the server announced.
func (c *Client) AssertCapabilityForMethod(method string) error {
	srv := c.ServerInfo()
	var ok bool
	switch mcp.Method(method) {
	case mcp.ToolsListMethod, mcp.ToolsCallMethod:
		ok = srv != nil && srv.Capabilities.Tools != nil
	case mcp.TasksGetMethod, mcp.TasksResultMethod, mcp.TasksListMethod, mcp.TasksCancelMethod:
		ok = srv != nil && srv.Capabilities.Tasks != nil
	default:
		return nil
	}
	if !ok {
		return fmt.Errorf("server does not support %s", method)
	}
	return nil
}

// AssertNotificationCapability permits every notification.
func (c *Client) AssertNotificationCapability(method string) error {
	return nil
}

// AssertRequestHandlerCapability rejects server requests for features the
// client did not declare.
func (c *Client) AssertRequestHandlerCapability(method string) error {
	caps := c.cfg.caps
	var ok bool
	switch mcp.Method(method) {
	case mcp.SamplingCreateMessageMethod:
		ok = caps.Sampling != nil
	case mcp.ElicitationCreateMethod:
		ok = caps.Elicitation != nil
	case mcp.RootsListMethod:
		ok = caps.Roots != nil
	default:
		return nil
	}
	if !ok {
		return fmt.Errorf("client does not support %s", method)
	}
	return nil
}
