package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ggoodman/mcp-protocol-go/mcp"
	"github.com/ggoodman/mcp-protocol-go/protocol"
	"github.com/invopop/jsonschema"
)

// DefaultToolsPageSize is the tools/list page size.
const DefaultToolsPageSize = 50

// ToolCall is one invocation of a tool.
type ToolCall struct {
	Name      string
	Arguments json.RawMessage

	// RequestContext is the tools/call request.
	RequestContext *protocol.RequestContext
	// Run is set when the call runs as a task.
	Run *protocol.TaskRun
}

// Notify sends a notification to the caller. Inside a task it is queued
// for delivery through tasks/result.
func (c *ToolCall) Notify(ctx context.Context, method string, params any) error {
	if c.Run != nil {
		return c.Run.Notify(ctx, method, params)
	}
	return c.RequestContext.Notify(ctx, method, params)
}

// Request sends a request to the caller, such as an elicitation, and waits
// for the answer. Inside a task the task is input_required meanwhile.
func (c *ToolCall) Request(ctx context.Context, method string, params, result any, opts ...protocol.RequestOption) error {
	if c.Run != nil {
		return c.Run.Request(ctx, method, params, result, opts...)
	}
	return c.RequestContext.Request(ctx, method, params, result, opts...)
}

// ReportProgress reports progress to the caller. Inside a task it becomes
// the status message of the task.
func (c *ToolCall) ReportProgress(ctx context.Context, progress, total float64, message string) error {
	if c.Run != nil {
		return c.Run.UpdateStatus(ctx, mcp.TaskStatusWorking, message)
	}
	return c.RequestContext.ReportProgress(ctx, progress, total, message)
}

// ToolHandler handles a tool invocation.
type ToolHandler func(ctx context.Context, call *ToolCall) (*mcp.CallToolResult, error)

// Tool pairs a tool descriptor with its handler.
type Tool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler
}

// TypedTool wraps a function of typed arguments into a Tool. Arguments that
// do not decode into A produce an error result.
func TypedTool[A any](desc mcp.Tool, fn func(ctx context.Context, call *ToolCall, args A) (*mcp.CallToolResult, error)) Tool {
	return Tool{
		Descriptor: desc,
		Handler: func(ctx context.Context, call *ToolCall) (*mcp.CallToolResult, error) {
			var a A
			if len(call.Arguments) > 0 {
				if err := json.Unmarshal(call.Arguments, &a); err != nil {
					return Errorf("invalid arguments: %v", err), nil
				}
			}
			return fn(ctx, call, a)
		},
	}
}

// ToolOption configures NewTool.
type ToolOption func(*toolConfig)

type toolConfig struct {
	description               string
	allowAdditionalProperties bool
	taskSupport               mcp.TaskSupport
}

// WithToolDescription sets the description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolAllowAdditionalProperties accepts arguments with unknown fields.
// By default the schema forbids them and decoding rejects them.
func WithToolAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// WithToolTaskSupport declares whether the tool may run as a task.
func WithToolTaskSupport(s mcp.TaskSupport) ToolOption {
	return func(c *toolConfig) { c.taskSupport = s }
}

// NewTool builds a Tool from a typed argument struct A, reflecting its
// input schema with invopop/jsonschema.
func NewTool[A any](name string, fn func(ctx context.Context, call *ToolCall, args A) (*mcp.CallToolResult, error), opts ...ToolOption) Tool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	desc := mcp.Tool{
		Name:        name,
		Description: cfg.description,
		InputSchema: reflectInputSchema[A](cfg.allowAdditionalProperties),
	}
	if cfg.taskSupport != "" {
		desc.Execution = &mcp.ToolExecution{TaskSupport: cfg.taskSupport}
	}

	handler := func(ctx context.Context, call *ToolCall) (*mcp.CallToolResult, error) {
		var a A
		if len(call.Arguments) > 0 {
			dec := json.NewDecoder(bytes.NewReader(call.Arguments))
			if !cfg.allowAdditionalProperties {
				dec.DisallowUnknownFields()
			}
			if err := dec.Decode(&a); err != nil {
				return Errorf("invalid arguments: %v", err), nil
			}
		}
		return fn(ctx, call, a)
	}
	return Tool{Descriptor: desc, Handler: handler}
}

// reflectInputSchema reflects A into the simplified tool input schema.
// Non-object types yield an empty object schema.
func reflectInputSchema[A any](allowAdditional bool) mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))

	out := mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           map[string]mcp.SchemaProperty{},
		AdditionalProperties: allowAdditional,
	}
	if s == nil || s.Type != "object" {
		return out
	}
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			out.Properties[el.Key] = toProperty(el.Value)
		}
	}
	out.Required = append(out.Required, s.Required...)
	return out
}

func toProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{Type: s.Type, Description: s.Description}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		p.Properties = make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			p.Properties[el.Key] = toProperty(el.Value)
		}
	}
	return p
}

// Tools is a mutable, threadsafe set of tools served by tools/list and
// tools/call. Every change is announced to connected sessions with
// notifications/tools/list_changed. One Tools may back many servers.
type Tools struct {
	mu       sync.RWMutex
	tools    []mcp.Tool
	handlers map[string]ToolHandler
	pageSize int

	notifier ChangeNotifier
}

// NewTools returns a container holding defs.
func NewTools(defs ...Tool) *Tools {
	ts := &Tools{pageSize: DefaultToolsPageSize, handlers: make(map[string]ToolHandler)}
	for _, d := range defs {
		ts.add(d)
	}
	return ts
}

// SetPageSize sets the tools/list page size.
func (ts *Tools) SetPageSize(n int) {
	if n <= 0 {
		return
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.pageSize = n
}

// Snapshot returns a copy of the tool descriptors.
func (ts *Tools) Snapshot() []mcp.Tool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	out := make([]mcp.Tool, len(ts.tools))
	copy(out, ts.tools)
	return out
}

// Replace atomically replaces the whole set.
func (ts *Tools) Replace(defs ...Tool) {
	ts.mu.Lock()
	ts.tools = nil
	ts.handlers = make(map[string]ToolHandler, len(defs))
	for _, d := range defs {
		ts.add(d)
	}
	ts.mu.Unlock()
	ts.notifier.Notify()
}

// Add registers def unless a tool of the same name exists. It reports
// whether def was added.
func (ts *Tools) Add(def Tool) bool {
	ts.mu.Lock()
	added := ts.add(def)
	ts.mu.Unlock()
	if added {
		ts.notifier.Notify()
	}
	return added
}

func (ts *Tools) add(def Tool) bool {
	name := def.Descriptor.Name
	if _, exists := ts.handlers[name]; exists || def.Handler == nil {
		return false
	}
	ts.tools = append(ts.tools, def.Descriptor)
	ts.handlers[name] = def.Handler
	return true
}

// Remove removes the named tool and reports whether it existed.
func (ts *Tools) Remove(name string) bool {
	ts.mu.Lock()
	if _, ok := ts.handlers[name]; !ok {
		ts.mu.Unlock()
		return false
	}
	delete(ts.handlers, name)
	n := 0
	for _, t := range ts.tools {
		if t.Name != name {
			ts.tools[n] = t
			n++
		}
	}
	ts.tools = ts.tools[:n]
	ts.mu.Unlock()
	ts.notifier.Notify()
	return true
}

func (ts *Tools) lookup(name string) (mcp.Tool, ToolHandler, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	h, ok := ts.handlers[name]
	if !ok {
		return mcp.Tool{}, nil, false
	}
	for _, t := range ts.tools {
		if t.Name == name {
			return t, h, true
		}
	}
	return mcp.Tool{}, nil, false
}

func (ts *Tools) list(cursor string) (*mcp.ListToolsResult, error) {
	ts.mu.RLock()
	size := ts.pageSize
	ts.mu.RUnlock()
	page, err := paginate(ts.Snapshot(), cursor, size)
	if err != nil {
		return nil, err
	}
	return &mcp.ListToolsResult{Tools: page.Items, NextCursor: page.NextCursor}, nil
}

// subscribe signals every change of the set.
func (ts *Tools) subscribe() (<-chan struct{}, func()) {
	return ts.notifier.Subscribe()
}

// TextResult builds a text CallToolResult.
func TextResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: s}}}
}

// Errorf builds an error CallToolResult with a single text block.
func Errorf(format string, a ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: fmt.Sprintf(format, a...)}}, IsError: true}
}
