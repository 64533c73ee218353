// Package mcpserver is the server side of an MCP session on top of the
// protocol engine. It answers initialize with version negotiation, records
// the client's capabilities and checks outbound requests against them, and
// serves a set of tools, optionally as tasks.
//
// A Server serves one session; share the Tools and the task store between
// servers:
//
//	type EchoArgs struct {
//	    Message string `json:"message" jsonschema:"description=Text to echo"`
//	}
//	tools := mcpserver.NewTools(
//	    mcpserver.NewTool("echo", func(ctx context.Context, call *mcpserver.ToolCall, a EchoArgs) (*mcp.CallToolResult, error) {
//	        return mcpserver.TextResult(a.Message), nil
//	    }, mcpserver.WithToolTaskSupport(mcp.TaskSupportOptional)),
//	)
//	queue := memory.NewQueue()
//	store := memory.NewStore(memory.WithQueue(queue))
//
//	h, err := streaminghttp.New(func(ctx context.Context, t transport.Transport) error {
//	    srv := mcpserver.New(mcp.Implementation{Name: "example", Version: "1.0.0"},
//	        mcpserver.WithTools(tools),
//	        mcpserver.WithTaskStore(store, queue),
//	    )
//	    return srv.Connect(ctx, t)
//	}, streaminghttp.WithUUIDSessionIDs())
//
// Changes to a Tools set are announced to every initialized session with
// notifications/tools/list_changed.
package mcpserver
