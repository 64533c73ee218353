// Package memory provides an in-process Transport pair. Messages sent on one
// end are delivered, in order, to the other.
package memory

import (
	"context"
	"sync"

	"github.com/ggoodman/mcp-protocol-go/jsonrpc"
	"github.com/ggoodman/mcp-protocol-go/transport"
)

// Transport is one end of a linked pair.
type Transport struct {
	sessionID string
	peer      *Transport
	shared    *pairState

	mu      sync.Mutex
	inbox   []jsonrpc.Message
	wake    chan struct{}
	cb      transport.Callbacks
	started bool

	closeOnce sync.Once
	done      chan struct{}
}

type pairState struct {
	mu     sync.Mutex
	closed bool
}

// NewPair returns two linked transports. Closing either end closes both.
func NewPair() (*Transport, *Transport) {
	return NewPairWithSession("")
}

// NewPairWithSession is NewPair with a fixed SessionID on both ends.
func NewPairWithSession(sessionID string) (*Transport, *Transport) {
	shared := &pairState{}
	a := &Transport{sessionID: sessionID, shared: shared, wake: make(chan struct{}, 1), done: make(chan struct{})}
	b := &Transport{sessionID: sessionID, shared: shared, wake: make(chan struct{}, 1), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (t *Transport) Start(ctx context.Context, cb transport.Callbacks) error {
	t.mu.Lock()
	if t.isClosed() {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	if t.started {
		t.mu.Unlock()
		return transport.ErrAlreadyStarted
	}
	t.started = true
	t.cb = cb
	t.mu.Unlock()

	go t.pump(context.WithoutCancel(ctx))
	return nil
}

func (t *Transport) pump(ctx context.Context) {
	for {
		t.mu.Lock()
		batch := t.inbox
		t.inbox = nil
		t.mu.Unlock()

		for _, msg := range batch {
			if t.cb.OnMessage != nil {
				t.cb.OnMessage(ctx, msg, transport.MessageInfo{})
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-t.wake:
		case <-t.done:
			t.fireClose()
			return
		}
	}
}

func (t *Transport) Send(ctx context.Context, msg jsonrpc.Message, opts transport.SendOptions) error {
	if t.isClosed() {
		return transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := make(jsonrpc.Message, len(msg))
	copy(cp, msg)

	p := t.peer
	p.mu.Lock()
	p.inbox = append(p.inbox, cp)
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close closes both ends of the pair.
func (t *Transport) Close() error {
	t.shared.mu.Lock()
	already := t.shared.closed
	t.shared.closed = true
	t.shared.mu.Unlock()
	if already {
		return nil
	}
	t.shutdown()
	t.peer.shutdown()
	return nil
}

func (t *Transport) shutdown() {
	close(t.done)
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		t.fireClose()
	}
}

func (t *Transport) fireClose() {
	t.closeOnce.Do(func() {
		if t.cb.OnClose != nil {
			t.cb.OnClose()
		}
	})
}

func (t *Transport) isClosed() bool {
	t.shared.mu.Lock()
	defer t.shared.mu.Unlock()
	return t.shared.closed
}

func (t *Transport) SessionID() string { return t.sessionID }

var _ transport.Transport = (*Transport)(nil)
