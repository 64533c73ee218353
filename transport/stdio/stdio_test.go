package stdio_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/ggoodman/mcp-protocol-go/internal/testlog"
	"github.com/ggoodman/mcp-protocol-go/jsonrpc"
	"github.com/ggoodman/mcp-protocol-go/mcp"
	"github.com/ggoodman/mcp-protocol-go/mcpclient"
	"github.com/ggoodman/mcp-protocol-go/mcpserver"
	"github.com/ggoodman/mcp-protocol-go/protocol"
	"github.com/ggoodman/mcp-protocol-go/transport"
	"github.com/ggoodman/mcp-protocol-go/transport/stdio"
)

type whoArgs struct{}

func TestClientServerOverPipes(t *testing.T) {
	log := testlog.New(t)
	c2sR, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()
	t.Cleanup(func() {
		_ = c2sW.Close()
		_ = s2cW.Close()
	})

	seen := make(chan string, 1)
	who := mcpserver.NewTool("whoami", func(ctx context.Context, call *mcpserver.ToolCall, _ whoArgs) (*mcp.CallToolResult, error) {
		return mcpserver.TextResult("ok"), nil
	})
	srv := mcpserver.New(mcp.Implementation{Name: "stdio-server"},
		mcpserver.WithLogger(log),
		mcpserver.WithTools(mcpserver.NewTools(who)),
	)
	if err := srv.Handle("debug/whoami", func(ctx context.Context, rc *protocol.RequestContext) (any, error) {
		if rc.Info.User != nil {
			seen <- rc.Info.User.UserID()
		}
		return struct{}{}, nil
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	serverT := stdio.New(stdio.WithIO(c2sR, s2cW), stdio.WithLogger(log), stdio.WithUserProvider(stdio.StaticUser("alice")))
	if err := srv.Connect(t.Context(), serverT); err != nil {
		t.Fatalf("connect server: %v", err)
	}

	cli := mcpclient.New(mcp.Implementation{Name: "stdio-client"}, mcpclient.WithLogger(log))
	clientT := stdio.New(stdio.WithIO(s2cR, c2sW), stdio.WithLogger(log))
	if err := cli.Connect(t.Context(), clientT); err != nil {
		t.Fatalf("connect client: %v", err)
	}

	if want, got := "stdio-server", cli.ServerInfo().ServerInfo.Name; want != got {
		t.Fatalf("server: want %q got %q", want, got)
	}
	res, err := cli.CallTool(t.Context(), "whoami", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if len(res.Content) != 1 || res.Content[0].Text != "ok" {
		t.Fatalf("content: %+v", res.Content)
	}
	if err := cli.Protocol().Request(t.Context(), "debug/whoami", nil, nil); err != nil {
		t.Fatalf("whoami: %v", err)
	}
	select {
	case got := <-seen:
		if want := "alice"; want != got {
			t.Fatalf("user: want %q got %q", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler did not see a user")
	}
}

func TestParseErrorAnswered(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	t.Cleanup(func() {
		_ = inW.Close()
		_ = outW.Close()
	})

	tr := stdio.New(stdio.WithIO(inR, outW), stdio.WithLogger(testlog.New(t)), stdio.WithUserProvider(stdio.StaticUser("u")))
	if err := tr.Start(t.Context(), transport.Callbacks{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	go func() { _, _ = io.WriteString(inW, "this is not json\n") }()

	line, err := bufio.NewReader(outR).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp struct {
		ID    json.RawMessage `json:"id"`
		Error struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("decode %s: %v", line, err)
	}
	if want, got := int(jsonrpc.ErrorCodeParseError), resp.Error.Code; want != got {
		t.Fatalf("code: want %d got %d", want, got)
	}
	if want, got := "null", string(resp.ID); want != got {
		t.Fatalf("id: want %s got %s", want, got)
	}
}

func TestBatchLineDeliveredInOrder(t *testing.T) {
	inR, inW := io.Pipe()
	t.Cleanup(func() { _ = inW.Close() })

	got := make(chan string, 3)
	tr := stdio.New(stdio.WithIO(inR, io.Discard), stdio.WithLogger(testlog.New(t)), stdio.WithUserProvider(stdio.StaticUser("u")))
	err := tr.Start(t.Context(), transport.Callbacks{
		OnMessage: func(ctx context.Context, msg jsonrpc.Message, info transport.MessageInfo) {
			m, err := jsonrpc.Decode(msg)
			if err != nil {
				t.Errorf("decode: %v", err)
				return
			}
			got <- m.Method
		},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	go func() {
		_, _ = io.WriteString(inW, `[{"jsonrpc":"2.0","method":"a"},{"jsonrpc":"2.0","method":"b"}]`+"\n"+`{"jsonrpc":"2.0","method":"c"}`+"\n")
	}()
	for _, want := range []string{"a", "b", "c"} {
		select {
		case m := <-got:
			if want != m {
				t.Fatalf("order: want %q got %q", want, m)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("message %q not delivered", want)
		}
	}
}

func TestEOFCloses(t *testing.T) {
	inR, inW := io.Pipe()
	closed := make(chan struct{})
	tr := stdio.New(stdio.WithIO(inR, io.Discard), stdio.WithLogger(testlog.New(t)), stdio.WithUserProvider(stdio.StaticUser("u")))
	if err := tr.Start(t.Context(), transport.Callbacks{OnClose: func() { close(closed) }}); err != nil {
		t.Fatalf("start: %v", err)
	}
	_ = inW.Close()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("EOF did not close the transport")
	}
	if err := tr.Send(t.Context(), jsonrpc.Message(`{"jsonrpc":"2.0","method":"x"}`), transport.SendOptions{}); err != transport.ErrClosed {
		t.Fatalf("send after close: want ErrClosed got %v", err)
	}
	if err := tr.Start(t.Context(), transport.Callbacks{}); err != transport.ErrClosed {
		t.Fatalf("start after close: want ErrClosed got %v", err)
	}
}
