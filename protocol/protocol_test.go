package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-protocol-go/jsonrpc"
	"github.com/ggoodman/mcp-protocol-go/mcp"
	"github.com/ggoodman/mcp-protocol-go/transport"
	memtransport "github.com/ggoodman/mcp-protocol-go/transport/memory"
	"github.com/ggoodman/mcp-protocol-go/validation"
)

// ============================================================================
// Scenarios
// ============================================================================

func TestPing_EndToEnd(t *testing.T) {
	client, server, _, st := connectPair(t, nil, nil)

	server.RemoveRequestHandler(string(mcp.PingMethod))
	if err := server.SetRequestHandler(string(mcp.PingMethod), func(ctx context.Context, rc *RequestContext) (any, error) {
		time.Sleep(20 * time.Millisecond)
		return mcp.EmptyResult{}, nil
	}); err != nil {
		t.Fatalf("set handler: %v", err)
	}

	var out json.RawMessage
	if err := client.Request(t.Context(), string(mcp.PingMethod), nil, &out, WithTimeout(time.Second)); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if want, got := `{}`, string(out); want != got {
		t.Fatalf("result: want %s got %s", want, got)
	}

	resps := st.responses(t)
	if want, got := 1, len(resps); want != got {
		t.Fatalf("responses on the wire: want %d got %d", want, got)
	}
	if !resps[0].ID.Equal(jsonrpc.NewRequestID(1)) {
		t.Fatalf("response id: want 1 got %s", resps[0].ID)
	}
}

func TestRequest_RoundTripLeavesNoPending(t *testing.T) {
	client, server, _, _ := connectPair(t, nil, nil)
	mustHandle(t, server, "echo", func(ctx context.Context, rc *RequestContext) (any, error) {
		return rc.Params, nil
	})

	var out struct {
		Word string `json:"word"`
	}
	if err := client.Request(t.Context(), "echo", map[string]string{"word": "hi"}, &out); err != nil {
		t.Fatalf("echo: %v", err)
	}
	if want, got := "hi", out.Word; want != got {
		t.Fatalf("word: want %q got %q", want, got)
	}
	if n := pendingCount(client); n != 0 {
		t.Fatalf("pending after resolution: %d", n)
	}
}

func TestRequest_ConcurrentIDsAreUniqueAndMatched(t *testing.T) {
	client, server, _, _ := connectPair(t, nil, nil)

	var mu sync.Mutex
	seen := make(map[string]bool)
	mustHandle(t, server, "echo", func(ctx context.Context, rc *RequestContext) (any, error) {
		mu.Lock()
		dup := seen[rc.ID.String()]
		seen[rc.ID.String()] = true
		mu.Unlock()
		if dup {
			return nil, errors.New("duplicate id " + rc.ID.String())
		}
		// Finish out of order.
		time.Sleep(time.Duration(len(rc.Params)%7) * time.Millisecond)
		return rc.Params, nil
	})

	const n = 100
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var out struct{ I int }
			if err := client.Request(t.Context(), "echo", struct{ I int }{i}, &out); err != nil {
				errs <- err
				return
			}
			if out.I != i {
				errs <- errors.New("mismatched response")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("request: %v", err)
	}
	if want, got := n, len(seen); want != got {
		t.Fatalf("distinct ids: want %d got %d", want, got)
	}
	if n := pendingCount(client); n != 0 {
		t.Fatalf("pending after resolution: %d", n)
	}
}

func TestRequest_MethodNotFound(t *testing.T) {
	client, _, _, _ := connectPair(t, nil, nil)

	err := client.Request(t.Context(), "does/not/exist", nil, nil)
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("want *jsonrpc.Error got %v", err)
	}
	if want, got := jsonrpc.ErrorCodeMethodNotFound, rpcErr.Code; want != got {
		t.Fatalf("code: want %d got %d", want, got)
	}
}

func TestRequest_TimeoutCancelsPeer(t *testing.T) {
	client, server, _, _ := connectPair(t, nil, nil)

	cancelled := make(chan struct{})
	mustHandle(t, server, "hang", func(ctx context.Context, rc *RequestContext) (any, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	})

	err := client.Request(t.Context(), "hang", nil, nil, WithTimeout(50*time.Millisecond))
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("want ErrRequestTimeout got %v", err)
	}
	waitClosed(t, cancelled, "peer handler was not cancelled")
	if n := pendingCount(client); n != 0 {
		t.Fatalf("pending after timeout: %d", n)
	}
}

func TestRequest_CancelSendsNotification(t *testing.T) {
	client, server, ct, st := connectPair(t, nil, nil)

	entered := make(chan struct{})
	cancelled := make(chan struct{})
	mustHandle(t, server, "hang", func(ctx context.Context, rc *RequestContext) (any, error) {
		close(entered)
		<-ctx.Done()
		close(cancelled)
		return "too late", nil
	})

	ctx, cancel := context.WithCancel(t.Context())
	errc := make(chan error, 1)
	go func() { errc <- client.Request(ctx, "hang", nil, nil) }()
	waitClosed(t, entered, "handler not entered")
	cancel()

	var err error
	select {
	case err = <-errc:
	case <-time.After(2 * time.Second):
		t.Fatalf("request not rejected")
	}
	if !errors.Is(err, ErrRequestCancelled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("want ErrRequestCancelled wrapping context.Canceled got %v", err)
	}
	waitClosed(t, cancelled, "peer handler was not cancelled")

	var sawCancel bool
	for _, m := range ct.messages(t) {
		if m.Method == string(mcp.CancelledNotificationMethod) {
			var p struct {
				RequestID int64 `json:"requestId"`
			}
			if err := json.Unmarshal(m.Params, &p); err != nil {
				t.Fatalf("cancel params: %v", err)
			}
			if p.RequestID != 1 {
				t.Fatalf("cancelled id: want 1 got %d", p.RequestID)
			}
			sawCancel = true
		}
	}
	if !sawCancel {
		t.Fatalf("no notifications/cancelled on the wire")
	}

	// The cancelled handler's response is suppressed.
	time.Sleep(20 * time.Millisecond)
	if n := len(st.responses(t)); n != 0 {
		t.Fatalf("responses after cancellation: %d", n)
	}
}

func TestRequest_ProgressResetsTimeout(t *testing.T) {
	client, server, _, _ := connectPair(t, nil, nil)
	mustHandle(t, server, "slow", func(ctx context.Context, rc *RequestContext) (any, error) {
		for i := 1; i <= 4; i++ {
			time.Sleep(40 * time.Millisecond)
			if err := rc.ReportProgress(ctx, float64(i), 4, "step"); err != nil {
				return nil, err
			}
		}
		return map[string]int{"steps": 4}, nil
	})

	var mu sync.Mutex
	var updates []float64
	var out struct{ Steps int }
	err := client.Request(t.Context(), "slow", nil, &out,
		WithTimeout(100*time.Millisecond),
		WithResetTimeoutOnProgress(),
		WithProgress(func(p mcp.ProgressNotificationParams) {
			mu.Lock()
			updates = append(updates, p.Progress)
			mu.Unlock()
		}),
	)
	if err != nil {
		t.Fatalf("slow: %v", err)
	}
	if want, got := 4, out.Steps; want != got {
		t.Fatalf("steps: want %d got %d", want, got)
	}
	mu.Lock()
	defer mu.Unlock()
	if want, got := 4, len(updates); want != got {
		t.Fatalf("progress updates: want %d got %d", want, got)
	}
}

func TestRequest_MaxTotalTimeout(t *testing.T) {
	client, server, _, _ := connectPair(t, nil, nil)
	mustHandle(t, server, "slow", func(ctx context.Context, rc *RequestContext) (any, error) {
		for i := 0; i < 20; i++ {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(30 * time.Millisecond):
			}
			_ = rc.ReportProgress(ctx, float64(i), 0, "")
		}
		return nil, nil
	})

	err := client.Request(t.Context(), "slow", nil, nil,
		WithTimeout(100*time.Millisecond),
		WithResetTimeoutOnProgress(),
		WithMaxTotalTimeout(150*time.Millisecond),
		WithProgress(func(mcp.ProgressNotificationParams) {}),
	)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("want ErrRequestTimeout got %v", err)
	}
}

func TestHandlers_DuplicateRegistration(t *testing.T) {
	p := New(WithLogger(testLogger(t)))
	h := func(context.Context, *RequestContext) (any, error) { return nil, nil }

	if err := p.SetRequestHandler("m", h); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := p.SetRequestHandler("m", h); !errors.Is(err, ErrHandlerExists) {
		t.Fatalf("second: want ErrHandlerExists got %v", err)
	}
	if err := p.SetRequestHandler(string(mcp.PingMethod), h); !errors.Is(err, ErrHandlerExists) {
		t.Fatalf("ping: want ErrHandlerExists got %v", err)
	}
	p.RemoveRequestHandler("m")
	if err := p.SetRequestHandler("m", h); err != nil {
		t.Fatalf("after remove: %v", err)
	}

	nh := func(context.Context, *NotificationContext) error { return nil }
	if err := p.SetNotificationHandler("n", nh); err != nil {
		t.Fatalf("first notification: %v", err)
	}
	if err := p.SetNotificationHandler("n", nh); !errors.Is(err, ErrHandlerExists) {
		t.Fatalf("second notification: want ErrHandlerExists got %v", err)
	}
}

func TestHandlers_PanicAndErrorsBecomeResponses(t *testing.T) {
	client, server, _, _ := connectPair(t, nil, nil)
	mustHandle(t, server, "panic", func(context.Context, *RequestContext) (any, error) {
		panic("boom")
	})
	mustHandle(t, server, "invalid", func(context.Context, *RequestContext) (any, error) {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "bad", Data: map[string]string{"field": "x"}}
	})
	mustHandle(t, server, "fail", func(context.Context, *RequestContext) (any, error) {
		return nil, errors.New("plain failure")
	})

	cases := []struct {
		method string
		code   jsonrpc.ErrorCode
	}{
		{"panic", jsonrpc.ErrorCodeInternalError},
		{"invalid", jsonrpc.ErrorCodeInvalidParams},
		{"fail", jsonrpc.ErrorCodeInternalError},
	}
	for _, tc := range cases {
		t.Run(tc.method, func(t *testing.T) {
			err := client.Request(t.Context(), tc.method, nil, nil)
			var rpcErr *jsonrpc.Error
			if !errors.As(err, &rpcErr) {
				t.Fatalf("want *jsonrpc.Error got %v", err)
			}
			if rpcErr.Code != tc.code {
				t.Fatalf("code: want %d got %d", tc.code, rpcErr.Code)
			}
		})
	}

	// The connection survives.
	if err := client.Request(t.Context(), string(mcp.PingMethod), nil, nil); err != nil {
		t.Fatalf("ping after failures: %v", err)
	}
}

func TestClose_RejectsPendingOnce(t *testing.T) {
	var closes atomic.Int32
	client, server, ct, _ := connectPair(t, nil, []Option{WithCloseHandler(func(string) { closes.Add(1) })})

	entered := make(chan struct{})
	mustHandle(t, server, "hang", func(ctx context.Context, rc *RequestContext) (any, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	errc := make(chan error, 1)
	go func() { errc <- client.Request(t.Context(), "hang", nil, nil) }()
	waitClosed(t, entered, "handler not entered")

	_ = ct.Close()
	select {
	case err := <-errc:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Fatalf("want ErrConnectionClosed got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pending request not rejected")
	}

	if err := client.Request(t.Context(), string(mcp.PingMethod), nil, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("after close: want ErrNotConnected got %v", err)
	}
	_ = client.Close()
	deadline := time.Now().Add(2 * time.Second)
	for closes.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if want, got := int32(1), closes.Load(); want != got {
		t.Fatalf("close handler calls: want %d got %d", want, got)
	}
}

// Closing must cancel every inbound handler while they race to deregister.
func TestClose_CancelsManyInboundHandlers(t *testing.T) {
	client, server, ct, _ := connectPair(t, nil, nil)

	const n = 50
	var entered, exited sync.WaitGroup
	entered.Add(n)
	exited.Add(n)
	causes := make(chan error, n)
	mustHandle(t, server, "slow", func(ctx context.Context, rc *RequestContext) (any, error) {
		defer exited.Done()
		entered.Done()
		<-ctx.Done()
		causes <- context.Cause(ctx)
		return nil, ctx.Err()
	})

	errs := make(chan error, n)
	for range n {
		go func() { errs <- client.Request(t.Context(), "slow", nil, nil) }()
	}
	allEntered := make(chan struct{})
	go func() { entered.Wait(); close(allEntered) }()
	waitClosed(t, allEntered, "handlers not entered")

	sb := server.activeBinding()
	_ = ct.Close()

	allExited := make(chan struct{})
	go func() { exited.Wait(); close(allExited) }()
	waitClosed(t, allExited, "handlers not cancelled")

	for range n {
		if cause := <-causes; !errors.Is(cause, ErrConnectionClosed) {
			t.Fatalf("handler cause: want ErrConnectionClosed got %v", cause)
		}
		select {
		case err := <-errs:
			if !errors.Is(err, ErrConnectionClosed) {
				t.Fatalf("request: want ErrConnectionClosed got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("pending request not rejected")
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		sb.mu.Lock()
		left := len(sb.inflight)
		sb.mu.Unlock()
		if left == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("inflight handlers left: %d", left)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// A response must resolve against the transport its request went out on,
// whichever transport is active when it arrives.
func TestConnect_SwapKeepsOutboundRouting(t *testing.T) {
	client := New(WithLogger(testLogger(t)))

	peer := func(name string, release <-chan struct{}, entered chan<- struct{}) transport.Transport {
		local, remote := memtransport.NewPair()
		p := New(WithLogger(testLogger(t)))
		mustHandle(t, p, "who", func(ctx context.Context, rc *RequestContext) (any, error) {
			entered <- struct{}{}
			<-release
			return name, nil
		})
		if err := p.Connect(t.Context(), remote); err != nil {
			t.Fatalf("connect %s: %v", name, err)
		}
		t.Cleanup(func() { _ = local.Close() })
		return local
	}

	rel1, rel2 := make(chan struct{}), make(chan struct{})
	in1, in2 := make(chan struct{}, 1), make(chan struct{}, 1)
	t1 := peer("one", rel1, in1)
	t2 := peer("two", rel2, in2)

	type answer struct {
		name string
		err  error
	}
	ask := func() <-chan answer {
		ch := make(chan answer, 1)
		go func() {
			var name string
			err := client.Request(t.Context(), "who", nil, &name)
			ch <- answer{name, err}
		}()
		return ch
	}

	if err := client.Connect(t.Context(), t1); err != nil {
		t.Fatalf("connect one: %v", err)
	}
	a1 := ask()
	<-in1

	if err := client.Connect(t.Context(), t2); err != nil {
		t.Fatalf("connect two: %v", err)
	}
	a2 := ask()
	<-in2

	close(rel2)
	if got := <-a2; got.err != nil || got.name != "two" {
		t.Fatalf("second request: want two got %q (%v)", got.name, got.err)
	}
	close(rel1)
	if got := <-a1; got.err != nil || got.name != "one" {
		t.Fatalf("first request: want one got %q (%v)", got.name, got.err)
	}
}

// A handler's response goes back to the transport the request arrived on
// even after another transport became active.
func TestConnect_SwapKeepsInboundRouting(t *testing.T) {
	server := New(WithLogger(testLogger(t)))
	release := make(chan struct{})
	entered := make(chan struct{}, 2)
	mustHandle(t, server, "slow", func(ctx context.Context, rc *RequestContext) (any, error) {
		entered <- struct{}{}
		<-release
		return rc.SessionID, nil
	})

	s1, c1 := memtransport.NewPairWithSession("one")
	s2, c2 := memtransport.NewPairWithSession("two")
	tap1, tap2 := &tap{Transport: s1}, &tap{Transport: s2}
	t.Cleanup(func() { _ = s1.Close(); _ = s2.Close() })

	cli1, cli2 := New(WithLogger(testLogger(t))), New(WithLogger(testLogger(t)))
	if err := cli1.Connect(t.Context(), c1); err != nil {
		t.Fatalf("connect cli1: %v", err)
	}
	if err := cli2.Connect(t.Context(), c2); err != nil {
		t.Fatalf("connect cli2: %v", err)
	}

	if err := server.Connect(t.Context(), tap1); err != nil {
		t.Fatalf("connect s1: %v", err)
	}
	r1 := make(chan string, 1)
	go func() {
		var sid string
		_ = cli1.Request(t.Context(), "slow", nil, &sid)
		r1 <- sid
	}()
	<-entered

	if err := server.Connect(t.Context(), tap2); err != nil {
		t.Fatalf("connect s2: %v", err)
	}
	// Same request id (1) as cli1's request, on a different binding.
	r2 := make(chan string, 1)
	go func() {
		var sid string
		_ = cli2.Request(t.Context(), "slow", nil, &sid)
		r2 <- sid
	}()
	<-entered
	close(release)

	if want, got := "one", <-r1; want != got {
		t.Fatalf("cli1: want %q got %q", want, got)
	}
	if want, got := "two", <-r2; want != got {
		t.Fatalf("cli2: want %q got %q", want, got)
	}
	if want, got := 1, len(tap1.responses(t)); want != got {
		t.Fatalf("responses on s1: want %d got %d", want, got)
	}
	if want, got := 1, len(tap2.responses(t)); want != got {
		t.Fatalf("responses on s2: want %d got %d", want, got)
	}
}

func TestCapabilities(t *testing.T) {
	deny := func(name string) func(string) error {
		return func(m string) error {
			if m == name {
				return errors.New(m + " not negotiated")
			}
			return nil
		}
	}
	client, server, _, _ := connectPair(t,
		[]Option{WithCapabilities(CapabilitiesFunc{Handler: deny("secret")})},
		[]Option{
			WithCapabilities(CapabilitiesFunc{Request: deny("forbidden"), Notification: deny("notifications/forbidden")}),
			WithStrictCapabilities(),
		},
	)
	mustHandle(t, server, "secret", func(context.Context, *RequestContext) (any, error) { return "leak", nil })

	err := client.Request(t.Context(), "secret", nil, nil)
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("inbound: want method not found got %v", err)
	}
	if err := client.Request(t.Context(), "forbidden", nil, nil); !errors.Is(err, ErrCapabilityNotSupported) {
		t.Fatalf("outbound request: want ErrCapabilityNotSupported got %v", err)
	}
	if err := client.Notification(t.Context(), "notifications/forbidden", nil); !errors.Is(err, ErrCapabilityNotSupported) {
		t.Fatalf("outbound notification: want ErrCapabilityNotSupported got %v", err)
	}
}

func TestRequest_ResultSchema(t *testing.T) {
	client, server, _, _ := connectPair(t, nil, []Option{WithValidator(validation.NewJSONSchema())})
	mustHandle(t, server, "count", func(context.Context, *RequestContext) (any, error) {
		return map[string]any{"n": "not a number"}, nil
	})
	schema := json.RawMessage(`{"type":"object","properties":{"n":{"type":"integer"}},"required":["n"]}`)

	if err := client.Request(t.Context(), "count", nil, nil, WithResultSchema(schema)); !errors.Is(err, ErrResultInvalid) {
		t.Fatalf("want ErrResultInvalid got %v", err)
	}
}

func TestNotifications_DispatchAndErrors(t *testing.T) {
	errs := make(chan error, 4)
	client, server, _, _ := connectPair(t, []Option{WithErrorHandler(func(err error) { errs <- err })}, nil)

	got := make(chan string, 1)
	if err := server.SetNotificationHandler("notifications/hello", func(ctx context.Context, nc *NotificationContext) error {
		var p struct{ Name string }
		if err := nc.Bind(&p); err != nil {
			return err
		}
		got <- p.Name
		return nil
	}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := server.SetNotificationHandler("notifications/broken", func(context.Context, *NotificationContext) error {
		panic("broken handler")
	}); err != nil {
		t.Fatalf("set: %v", err)
	}

	if err := client.Notification(t.Context(), "notifications/broken", nil); err != nil {
		t.Fatalf("notify broken: %v", err)
	}
	if err := client.Notification(t.Context(), "notifications/hello", map[string]string{"Name": "ada"}); err != nil {
		t.Fatalf("notify hello: %v", err)
	}
	select {
	case name := <-got:
		if name != "ada" {
			t.Fatalf("name: want ada got %q", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("notification not delivered")
	}
	select {
	case <-errs:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler panic not reported")
	}
}

func TestDispatch_MalformedAndUnmatched(t *testing.T) {
	errs := make(chan error, 4)
	p := New(WithLogger(testLogger(t)), WithErrorHandler(func(err error) { errs <- err }))
	local, remote := memtransport.NewPair()
	t.Cleanup(func() { _ = local.Close() })
	if err := p.Connect(t.Context(), local); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := remote.Start(t.Context(), transport.Callbacks{}); err != nil {
		t.Fatalf("start remote: %v", err)
	}

	for _, raw := range []string{
		`{"jsonrpc":"2.0","id":99,"result":{}}`,
		`{"jsonrpc":"1.0","method":"x"}`,
		`{"jsonrpc":"2.0","id":"1","result":{}}`,
	} {
		if err := remote.Send(t.Context(), jsonrpc.Message(raw), transport.SendOptions{}); err != nil {
			t.Fatalf("send: %v", err)
		}
		select {
		case <-errs:
		case <-time.After(2 * time.Second):
			t.Fatalf("no error reported for %s", raw)
		}
	}
}

func TestBuildParams_MergesMeta(t *testing.T) {
	raw, err := buildParams(json.RawMessage(`{"a":1,"_meta":{"keep":true}}`), int64(7), &mcp.TaskMetadata{}, "t1")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var got struct {
		A    int `json:"a"`
		Meta struct {
			Keep          bool            `json:"keep"`
			ProgressToken int64           `json:"progressToken"`
			Related       mcp.RelatedTask `json:"io.modelcontextprotocol/related-task"`
		} `json:"_meta"`
		Task *mcp.TaskMetadata `json:"task"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.A != 1 || !got.Meta.Keep || got.Meta.ProgressToken != 7 || got.Meta.Related.TaskID != "t1" || got.Task == nil {
		t.Fatalf("unexpected params: %s", raw)
	}

	if _, err := buildParams([]int{1}, int64(1), nil, ""); err == nil {
		t.Fatalf("expected error attaching _meta to an array")
	}
}

// ============================================================================
// Helpers
// ============================================================================

// tap records every message sent through the wrapped transport.
type tap struct {
	transport.Transport
	mu   sync.Mutex
	sent []jsonrpc.Message
}

func (t *tap) Send(ctx context.Context, msg jsonrpc.Message, opts transport.SendOptions) error {
	t.mu.Lock()
	t.sent = append(t.sent, append(jsonrpc.Message(nil), msg...))
	t.mu.Unlock()
	return t.Transport.Send(ctx, msg, opts)
}

func (t *tap) messages(tb testing.TB) []*jsonrpc.AnyMessage {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*jsonrpc.AnyMessage, 0, len(t.sent))
	for _, raw := range t.sent {
		m, err := jsonrpc.Decode(raw)
		if err != nil {
			tb.Fatalf("decode sent message: %v", err)
		}
		out = append(out, m)
	}
	return out
}

func (t *tap) responses(tb testing.TB) []*jsonrpc.AnyMessage {
	tb.Helper()
	var out []*jsonrpc.AnyMessage
	for _, m := range t.messages(tb) {
		if m.Type() == jsonrpc.KindResponse {
			out = append(out, m)
		}
	}
	return out
}

// connectPair wires a client and a server engine over an in-memory pair.
// Both transports are tapped.
func connectPair(t *testing.T, serverOpts, clientOpts []Option) (client, server *Protocol, ct, st *tap) {
	t.Helper()
	a, b := memtransport.NewPair()
	ct, st = &tap{Transport: a}, &tap{Transport: b}
	t.Cleanup(func() { _ = a.Close() })

	server = New(append([]Option{WithLogger(testLogger(t))}, serverOpts...)...)
	client = New(append([]Option{WithLogger(testLogger(t))}, clientOpts...)...)
	if err := server.Connect(t.Context(), st); err != nil {
		t.Fatalf("connect server: %v", err)
	}
	if err := client.Connect(t.Context(), ct); err != nil {
		t.Fatalf("connect client: %v", err)
	}
	return client, server, ct, st
}

func mustHandle(t *testing.T, p *Protocol, method string, h RequestHandler) {
	t.Helper()
	if err := p.SetRequestHandler(method, h); err != nil {
		t.Fatalf("set handler %s: %v", method, err)
	}
}

func pendingCount(p *Protocol) int {
	b := p.activeBinding()
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func waitClosed(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal(msg)
	}
}

// logBridge is an implementation of slog.Handler that works with the
// stdlib testing pkg. Records arriving after the test finished are dropped.
type logBridge struct {
	slog.Handler
	t    testing.TB
	buf  *bytes.Buffer
	mu   *sync.Mutex
	done *bool
}

func (b *logBridge) Handle(ctx context.Context, rec slog.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if *b.done {
		return nil
	}
	if err := b.Handler.Handle(ctx, rec); err != nil {
		return err
	}
	output, err := io.ReadAll(b.buf)
	if err != nil {
		return err
	}
	b.t.Helper()
	b.t.Log(string(bytes.TrimSuffix(output, []byte("\n"))))
	return nil
}

func (b *logBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logBridge{t: b.t, buf: b.buf, mu: b.mu, done: b.done, Handler: b.Handler.WithAttrs(attrs)}
}

func (b *logBridge) WithGroup(name string) slog.Handler {
	return &logBridge{t: b.t, buf: b.buf, mu: b.mu, done: b.done, Handler: b.Handler.WithGroup(name)}
}

func testLogger(t *testing.T) *slog.Logger {
	b := &logBridge{t: t, buf: &bytes.Buffer{}, mu: &sync.Mutex{}, done: new(bool)}
	b.Handler = slog.NewTextHandler(b.buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	t.Cleanup(func() {
		b.mu.Lock()
		*b.done = true
		b.mu.Unlock()
	})
	return slog.New(b)
}
