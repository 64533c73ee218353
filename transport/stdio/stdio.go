// Package stdio implements a single-connection Transport over a byte stream,
// normally the process's stdin and stdout. Messages are newline-delimited
// JSON; a line may also hold a JSON array, which is delivered as a batch.
//
//	Connection model : 1 process <-> 1 peer
//	Auth             : OS user (implicit principal in MessageInfo.User)
//	Sessions         : none; SessionID is ""
//
// Example:
//
//	srv := mcpserver.New(mcp.Implementation{Name: "my-stdio-server", Version: "0.1.0"})
//	if err := srv.Connect(ctx, stdio.New()); err != nil {
//	    log.Fatal(err)
//	}
//
// Reaching EOF on the reader closes the transport.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/ggoodman/mcp-protocol-go/auth"
	"github.com/ggoodman/mcp-protocol-go/jsonrpc"
	"github.com/ggoodman/mcp-protocol-go/transport"
)

// Transport is the stdio transport.
type Transport struct {
	r     io.Reader
	w     io.Writer
	log   *slog.Logger
	users UserProvider

	wmu sync.Mutex

	mu      sync.Mutex
	cb      transport.Callbacks
	started bool

	closeOnce sync.Once
	done      chan struct{}
}

var _ transport.Transport = (*Transport)(nil)

// New builds a Transport over os.Stdin and os.Stdout.
func New(opts ...Option) *Transport {
	t := &Transport{
		r:     os.Stdin,
		w:     os.Stdout,
		log:   slog.Default(),
		users: OSUserProvider{},
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SessionID implements transport.Transport.
func (t *Transport) SessionID() string { return "" }

// Start implements transport.Transport. The peer is identified once, through
// the UserProvider; a failure leaves MessageInfo.User nil.
func (t *Transport) Start(ctx context.Context, cb transport.Callbacks) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isClosed() {
		return transport.ErrClosed
	}
	if t.started {
		return transport.ErrAlreadyStarted
	}
	t.started = true
	t.cb = cb

	var info transport.MessageInfo
	if uid, err := t.users.CurrentUserID(); err != nil {
		t.log.WarnContext(ctx, "stdio.user.resolve_fail", slog.String("err", err.Error()))
	} else {
		info.User = osUser(uid)
	}
	go t.read(context.WithoutCancel(ctx), info)
	return nil
}

func (t *Transport) read(ctx context.Context, info transport.MessageInfo) {
	defer t.Close()
	br := bufio.NewReader(t.r)
	for {
		line, err := br.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			t.dispatch(ctx, line, info)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.report(fmt.Errorf("read: %w", err))
			}
			t.log.DebugContext(ctx, "stdio.read.end")
			return
		}
		if t.isClosed() {
			return
		}
	}
}

func (t *Transport) dispatch(ctx context.Context, line []byte, info transport.MessageInfo) {
	msgs, _, err := jsonrpc.ParseBatch(line)
	if err != nil {
		t.log.WarnContext(ctx, "stdio.read.parse_fail", slog.String("err", err.Error()))
		code := jsonrpc.ErrorCodeParseError
		if errors.Is(err, jsonrpc.ErrEmptyBatch) {
			code = jsonrpc.ErrorCodeInvalidRequest
		}
		if raw, encErr := json.Marshal(jsonrpc.NewErrorResponse(nil, code, err.Error(), nil)); encErr == nil {
			_ = t.write(raw)
		}
		return
	}
	t.mu.Lock()
	onMessage := t.cb.OnMessage
	t.mu.Unlock()
	if onMessage == nil {
		return
	}
	for _, m := range msgs {
		raw, err := jsonrpc.Encode(m)
		if err != nil {
			t.report(fmt.Errorf("re-encode message: %w", err))
			continue
		}
		onMessage(ctx, raw, info)
	}
}

// Send implements transport.Transport. The message is compacted onto one
// line; concurrent sends never interleave.
func (t *Transport) Send(ctx context.Context, msg jsonrpc.Message, opts transport.SendOptions) error {
	if t.isClosed() {
		return transport.ErrClosed
	}
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		return transport.ErrNotStarted
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, msg); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return t.write(buf.Bytes())
}

func (t *Transport) write(line []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := t.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Close implements transport.Transport. A reader that is an io.Closer is
// closed to unblock the read loop.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		if c, ok := t.r.(io.Closer); ok && t.r != os.Stdin {
			_ = c.Close()
		}
		t.mu.Lock()
		onClose := t.cb.OnClose
		t.mu.Unlock()
		if onClose != nil {
			onClose()
		}
	})
	return nil
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *Transport) report(err error) {
	t.mu.Lock()
	onError := t.cb.OnError
	t.mu.Unlock()
	if onError != nil {
		onError(err)
		return
	}
	t.log.Error("stdio.error", slog.String("err", err.Error()))
}

// osUser is the implicit principal of a stdio peer.
type osUser string

func (u osUser) UserID() string { return string(u) }

func (u osUser) Claims(ref any) error {
	b, err := json.Marshal(map[string]string{"sub": string(u)})
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

var _ auth.UserInfo = osUser("")
