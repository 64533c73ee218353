package mcpserver_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/mcp-protocol-go/internal/testlog"
	"github.com/ggoodman/mcp-protocol-go/jsonrpc"
	"github.com/ggoodman/mcp-protocol-go/mcp"
	"github.com/ggoodman/mcp-protocol-go/mcpclient"
	"github.com/ggoodman/mcp-protocol-go/mcpserver"
	"github.com/ggoodman/mcp-protocol-go/protocol"
	"github.com/ggoodman/mcp-protocol-go/tasks/memory"
	memtransport "github.com/ggoodman/mcp-protocol-go/transport/memory"
)

type echoArgs struct {
	Message string `json:"message" jsonschema:"description=Text to echo"`
}

func echoTool(opts ...mcpserver.ToolOption) mcpserver.Tool {
	return mcpserver.NewTool("echo", func(ctx context.Context, call *mcpserver.ToolCall, a echoArgs) (*mcp.CallToolResult, error) {
		return mcpserver.TextResult(a.Message), nil
	}, append([]mcpserver.ToolOption{mcpserver.WithToolDescription("Echo a message")}, opts...)...)
}

func connect(t *testing.T, serverOpts []mcpserver.Option, clientOpts []mcpclient.Option) (*mcpserver.Server, *mcpclient.Client) {
	t.Helper()
	a, b := memtransport.NewPair()
	t.Cleanup(func() { _ = a.Close() })

	log := testlog.New(t)
	srv := mcpserver.New(mcp.Implementation{Name: "test-server", Version: "1.0.0"}, append([]mcpserver.Option{mcpserver.WithLogger(log)}, serverOpts...)...)
	if err := srv.Connect(t.Context(), b); err != nil {
		t.Fatalf("connect server: %v", err)
	}
	cli := mcpclient.New(mcp.Implementation{Name: "test-client", Version: "1.0.0"}, append([]mcpclient.Option{mcpclient.WithLogger(log)}, clientOpts...)...)
	if err := cli.Connect(t.Context(), a); err != nil {
		t.Fatalf("connect client: %v", err)
	}
	return srv, cli
}

func rpcCode(t *testing.T, err error) jsonrpc.ErrorCode {
	t.Helper()
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("want *jsonrpc.Error got %v", err)
	}
	return rpcErr.Code
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 || res.Content[0].Type != "text" {
		t.Fatalf("want one text block got %+v", res.Content)
	}
	return res.Content[0].Text
}

func TestInitialize_Negotiation(t *testing.T) {
	t.Run("supported version is echoed", func(t *testing.T) {
		srv, cli := connect(t, nil, []mcpclient.Option{mcpclient.WithProtocolVersion("2025-06-18")})
		if want, got := "2025-06-18", cli.ServerInfo().ProtocolVersion; want != got {
			t.Fatalf("negotiated: want %q got %q", want, got)
		}
		if want, got := "2025-06-18", srv.ProtocolVersion(); want != got {
			t.Fatalf("server version: want %q got %q", want, got)
		}
		if want, got := "test-client", srv.ClientInfo().Name; want != got {
			t.Fatalf("client info: want %q got %q", want, got)
		}
		if want, got := "test-server", cli.ServerInfo().ServerInfo.Name; want != got {
			t.Fatalf("server info: want %q got %q", want, got)
		}
	})

	t.Run("unknown version falls back to latest", func(t *testing.T) {
		srv := mcpserver.New(mcp.Implementation{Name: "s"}, mcpserver.WithLogger(testlog.New(t)))
		a, b := memtransport.NewPair()
		t.Cleanup(func() { _ = a.Close() })
		if err := srv.Connect(t.Context(), b); err != nil {
			t.Fatalf("connect: %v", err)
		}
		p := protocol.New(protocol.WithLogger(testlog.New(t)))
		if err := p.Connect(t.Context(), a); err != nil {
			t.Fatalf("connect: %v", err)
		}
		var res mcp.InitializeResult
		if err := p.Request(t.Context(), string(mcp.InitializeMethod), mcp.InitializeRequest{ProtocolVersion: "1999-01-01"}, &res); err != nil {
			t.Fatalf("initialize: %v", err)
		}
		if want, got := mcp.LatestProtocolVersion, res.ProtocolVersion; want != got {
			t.Fatalf("negotiated: want %q got %q", want, got)
		}
	})
}

func TestCapabilities_Advertised(t *testing.T) {
	_, bare := connect(t, nil, nil)
	if caps := bare.ServerInfo().Capabilities; caps.Tools != nil || caps.Tasks != nil {
		t.Fatalf("bare server advertises %+v", caps)
	}

	_, full := connect(t, []mcpserver.Option{
		mcpserver.WithTools(mcpserver.NewTools(echoTool())),
		mcpserver.WithTaskStore(memory.NewStore(), memory.NewQueue()),
	}, nil)
	caps := full.ServerInfo().Capabilities
	if caps.Tools == nil || !caps.Tools.ListChanged {
		t.Fatalf("tools capability: %+v", caps.Tools)
	}
	if !caps.Tasks.SupportsTaskRequest(string(mcp.ToolsCallMethod)) {
		t.Fatalf("tasks capability must cover tools/call: %+v", caps.Tasks)
	}
}

func TestCapabilities_OutboundRequestsNeedClientSupport(t *testing.T) {
	srv, _ := connect(t, nil, nil)
	err := srv.Protocol().Request(t.Context(), string(mcp.ElicitationCreateMethod), map[string]any{"message": "hi"}, nil)
	if !errors.Is(err, protocol.ErrCapabilityNotSupported) {
		t.Fatalf("want ErrCapabilityNotSupported got %v", err)
	}
}

func TestTools_ListAndCall(t *testing.T) {
	_, cli := connect(t, []mcpserver.Option{mcpserver.WithTools(mcpserver.NewTools(echoTool()))}, nil)
	ctx := t.Context()

	page, err := cli.ListTools(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if want, got := 1, len(page.Tools); want != got {
		t.Fatalf("tools: want %d got %d", want, got)
	}
	schema := page.Tools[0].InputSchema
	if want, got := "string", schema.Properties["message"].Type; want != got {
		t.Fatalf("message type: want %q got %q", want, got)
	}
	if want, got := "Text to echo", schema.Properties["message"].Description; want != got {
		t.Fatalf("message description: want %q got %q", want, got)
	}

	res, err := cli.CallTool(ctx, "echo", echoArgs{Message: "hello"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if want, got := "hello", textOf(t, res); want != got {
		t.Fatalf("text: want %q got %q", want, got)
	}

	res, err = cli.CallTool(ctx, "echo", map[string]any{"message": "x", "extra": 1})
	if err != nil {
		t.Fatalf("call with unknown field: %v", err)
	}
	if !res.IsError {
		t.Fatalf("unknown argument fields must produce an error result")
	}

	_, err = cli.CallTool(ctx, "nope", nil)
	if want, got := jsonrpc.ErrorCodeInvalidParams, rpcCode(t, err); want != got {
		t.Fatalf("unknown tool: want %d got %d", want, got)
	}
}

func TestTools_Pagination(t *testing.T) {
	ts := mcpserver.NewTools()
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		ts.Add(mcpserver.TypedTool(mcp.Tool{Name: name}, func(ctx context.Context, call *mcpserver.ToolCall, _ struct{}) (*mcp.CallToolResult, error) {
			return mcpserver.TextResult(call.Name), nil
		}))
	}
	ts.SetPageSize(2)
	_, cli := connect(t, []mcpserver.Option{mcpserver.WithTools(ts)}, nil)

	var names []string
	cursor := ""
	for pages := 0; ; pages++ {
		if pages > 3 {
			t.Fatalf("too many pages")
		}
		page, err := cli.ListTools(t.Context(), cursor)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		for _, tool := range page.Tools {
			names = append(names, tool.Name)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if want, got := "abcde", joined(names); want != got {
		t.Fatalf("names: want %q got %q", want, got)
	}

	_, err := cli.ListTools(t.Context(), "bogus")
	if want, got := jsonrpc.ErrorCodeInvalidParams, rpcCode(t, err); want != got {
		t.Fatalf("bad cursor: want %d got %d", want, got)
	}
}

func joined(ss []string) string {
	out := ""
	for _, s := range ss {
		out += s
	}
	return out
}

func TestTools_ListChangedNotification(t *testing.T) {
	ts := mcpserver.NewTools(echoTool())
	_, cli := connect(t, []mcpserver.Option{mcpserver.WithTools(ts)}, nil)

	changed := make(chan struct{}, 4)
	if err := cli.HandleNotification(string(mcp.ToolsListChangedNotificationMethod), func(ctx context.Context, nc *protocol.NotificationContext) error {
		changed <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	// The ping follows notifications/initialized on the wire, so the server
	// is subscribed once it is answered.
	if err := cli.Ping(t.Context()); err != nil {
		t.Fatalf("ping: %v", err)
	}

	ts.Remove("echo")
	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatalf("no list_changed notification")
	}
	page, err := cli.ListTools(t.Context(), "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if want, got := 0, len(page.Tools); want != got {
		t.Fatalf("tools after remove: want %d got %d", want, got)
	}
}

func taskOpts() []mcpserver.Option {
	return []mcpserver.Option{
		mcpserver.WithTaskStore(memory.NewStore(), memory.NewQueue()),
		mcpserver.WithProtocolOptions(protocol.WithTaskPollInterval(10 * time.Millisecond)),
	}
}

func TestTools_AsTask(t *testing.T) {
	slow := mcpserver.NewTool("slow", func(ctx context.Context, call *mcpserver.ToolCall, a echoArgs) (*mcp.CallToolResult, error) {
		if call.Run == nil {
			t.Errorf("task-augmented call must carry a TaskRun")
		}
		if err := call.ReportProgress(ctx, 1, 2, "halfway"); err != nil {
			return nil, err
		}
		return mcpserver.TextResult("done: " + a.Message), nil
	}, mcpserver.WithToolTaskSupport(mcp.TaskSupportOptional))

	_, cli := connect(t, append(taskOpts(), mcpserver.WithTools(mcpserver.NewTools(slow))), nil)

	var kinds []protocol.StreamEventKind
	var final protocol.StreamEvent
	for ev := range cli.CallToolAsTask(t.Context(), "slow", echoArgs{Message: "x"}, mcp.TaskMetadata{}) {
		kinds = append(kinds, ev.Kind)
		final = ev
	}
	if want, got := protocol.StreamTaskCreated, kinds[0]; want != got {
		t.Fatalf("first event: want %s got %s", want, got)
	}
	if final.Kind != protocol.StreamResult {
		t.Fatalf("last event: want result got %s (%v)", final.Kind, final.Err)
	}
	var res mcp.CallToolResult
	if err := json.Unmarshal(final.Result, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if want, got := "done: x", textOf(t, &res); want != got {
		t.Fatalf("text: want %q got %q", want, got)
	}
}

func TestTools_TaskSupportPolicy(t *testing.T) {
	required := mcpserver.NewTool("required", func(ctx context.Context, call *mcpserver.ToolCall, _ struct{}) (*mcp.CallToolResult, error) {
		return mcpserver.TextResult("ran"), nil
	}, mcpserver.WithToolTaskSupport(mcp.TaskSupportRequired))
	forbidden := mcpserver.NewTool("forbidden", func(ctx context.Context, call *mcpserver.ToolCall, _ struct{}) (*mcp.CallToolResult, error) {
		if call.Run != nil {
			t.Errorf("forbidden tool must run inline")
		}
		return mcpserver.TextResult("inline"), nil
	})
	_, cli := connect(t, append(taskOpts(), mcpserver.WithTools(mcpserver.NewTools(required, forbidden))), nil)

	_, err := cli.CallTool(t.Context(), "required", nil)
	if want, got := jsonrpc.ErrorCodeMethodNotFound, rpcCode(t, err); want != got {
		t.Fatalf("required tool called inline: want %d got %d", want, got)
	}

	var events []protocol.StreamEvent
	for ev := range cli.CallToolAsTask(t.Context(), "forbidden", nil, mcp.TaskMetadata{}) {
		events = append(events, ev)
	}
	if want, got := 1, len(events); want != got {
		t.Fatalf("forbidden tool events: want %d got %d", want, got)
	}
	if events[0].Kind == protocol.StreamTaskCreated {
		t.Fatalf("forbidden tool must not create a task")
	}
}

func TestTools_RequestToClient(t *testing.T) {
	confirm := mcpserver.NewTool("confirm", func(ctx context.Context, call *mcpserver.ToolCall, _ struct{}) (*mcp.CallToolResult, error) {
		var res struct {
			Action string `json:"action"`
		}
		if err := call.Request(ctx, string(mcp.ElicitationCreateMethod), map[string]any{"message": "sure?"}, &res); err != nil {
			return nil, err
		}
		return mcpserver.TextResult(res.Action), nil
	}, mcpserver.WithToolTaskSupport(mcp.TaskSupportOptional))

	_, cli := connect(t,
		append(taskOpts(), mcpserver.WithTools(mcpserver.NewTools(confirm))),
		[]mcpclient.Option{mcpclient.WithCapabilities(mcp.ClientCapabilities{Elicitation: &struct{}{}})},
	)
	if err := cli.Handle(string(mcp.ElicitationCreateMethod), func(ctx context.Context, rc *protocol.RequestContext) (any, error) {
		return map[string]string{"action": "accept"}, nil
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	t.Run("inline", func(t *testing.T) {
		res, err := cli.CallTool(t.Context(), "confirm", nil)
		if err != nil {
			t.Fatalf("call: %v", err)
		}
		if want, got := "accept", textOf(t, res); want != got {
			t.Fatalf("text: want %q got %q", want, got)
		}
	})

	t.Run("task", func(t *testing.T) {
		sawInput := false
		var final protocol.StreamEvent
		for ev := range cli.CallToolAsTask(t.Context(), "confirm", nil, mcp.TaskMetadata{}) {
			if ev.Kind == protocol.StreamTaskStatus && ev.Task.Status == mcp.TaskStatusInputRequired {
				sawInput = true
			}
			final = ev
		}
		if final.Kind != protocol.StreamResult {
			t.Fatalf("last event: want result got %s (%v)", final.Kind, final.Err)
		}
		var res mcp.CallToolResult
		if err := json.Unmarshal(final.Result, &res); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if want, got := "accept", textOf(t, &res); want != got {
			t.Fatalf("text: want %q got %q", want, got)
		}
		if !sawInput {
			t.Logf("input_required was not observed between polls")
		}
	})
}
