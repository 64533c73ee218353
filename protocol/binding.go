package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-protocol-go/internal/logctx"
	"github.com/ggoodman/mcp-protocol-go/jsonrpc"
	"github.com/ggoodman/mcp-protocol-go/mcp"
	"github.com/ggoodman/mcp-protocol-go/transport"
)

// binding is one connected transport and the requests in flight on it.
type binding struct {
	p *Protocol
	t transport.Transport

	mu       sync.Mutex
	pending  map[int64]*pendingRequest // outbound, by id
	inflight map[any]*inflight         // inbound, by typed id value
	closed   bool

	closeOnce sync.Once
}

type pendingRequest struct {
	id         int64
	method     string
	resp       chan *jsonrpc.Response
	err        chan error
	progressed chan struct{}
	onProgress func(mcp.ProgressNotificationParams)

	// owner is the binding a queued task request was delivered on. Guarded
	// by Protocol.taskMu.
	owner *binding
}

func newPendingRequest(id int64, method string, onProgress func(mcp.ProgressNotificationParams)) *pendingRequest {
	return &pendingRequest{
		id:         id,
		method:     method,
		resp:       make(chan *jsonrpc.Response, 1),
		err:        make(chan error, 1),
		progressed: make(chan struct{}, 1),
		onProgress: onProgress,
	}
}

type inflight struct {
	cancel        context.CancelCauseFunc
	peerCancelled atomic.Bool
}

func (b *binding) register(pr *pendingRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrConnectionClosed
	}
	b.pending[pr.id] = pr
	return nil
}

// take removes and returns the pending request for id, or nil when it was
// already resolved.
func (b *binding) take(id int64) *pendingRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	pr, ok := b.pending[id]
	if !ok {
		return nil
	}
	delete(b.pending, id)
	return pr
}

func (b *binding) report(err error) {
	b.p.reportError(err)
}

func (b *binding) onMessage(ctx context.Context, raw jsonrpc.Message, info transport.MessageInfo) {
	msg, err := jsonrpc.Decode(raw)
	if err != nil {
		b.report(fmt.Errorf("decode message: %w", err))
		return
	}
	switch msg.Type() {
	case jsonrpc.KindRequest:
		b.handleRequest(ctx, msg.AsRequest(), info)
	case jsonrpc.KindNotification:
		b.handleNotification(ctx, msg.AsRequest(), info)
	case jsonrpc.KindResponse:
		b.handleResponse(msg.AsResponse())
	}
}

func (b *binding) handleResponse(resp *jsonrpc.Response) {
	id, ok := resp.ID.Value().(int64)
	if !ok {
		if resp.Error != nil {
			b.report(fmt.Errorf("error response for id %q: %w", resp.ID.String(), resp.Error))
			return
		}
		b.report(fmt.Errorf("response for unknown request id %q", resp.ID.String()))
		return
	}
	pr := b.take(id)
	if pr == nil {
		b.report(fmt.Errorf("response for unknown request id %d", id))
		return
	}
	pr.resp <- resp
}

func (b *binding) handleNotification(ctx context.Context, req *jsonrpc.Request, info transport.MessageInfo) {
	h := b.p.notificationHandler(req.Method)
	if h == nil {
		b.p.log.DebugContext(ctx, "protocol.handle_notification.unhandled", slog.String("method", req.Method))
		return
	}
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, Type: string(jsonrpc.KindNotification)})
	nc := &NotificationContext{
		Method:    req.Method,
		Params:    req.Params,
		SessionID: b.t.SessionID(),
		Info:      info,
		b:         b,
	}
	if err := invokeNotificationHandler(ctx, h, nc); err != nil {
		b.report(fmt.Errorf("notification %s: %w", req.Method, err))
	}
}

func invokeNotificationHandler(ctx context.Context, h NotificationHandler, nc *NotificationContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, nc)
}

func (b *binding) handleRequest(ctx context.Context, req *jsonrpc.Request, info transport.MessageInfo) {
	key := req.ID.Value()
	hctx, cancel := context.WithCancelCause(ctx)
	f := &inflight{cancel: cancel}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel(ErrConnectionClosed)
		return
	}
	if _, dup := b.inflight[key]; dup {
		b.mu.Unlock()
		cancel(nil)
		b.reply(ctx, req.ID, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "duplicate request id", nil))
		return
	}
	b.inflight[key] = f
	b.mu.Unlock()

	go func() {
		defer func() {
			b.mu.Lock()
			delete(b.inflight, key)
			b.mu.Unlock()
			cancel(context.Canceled)
		}()
		resp := b.dispatch(hctx, req, info)
		if f.peerCancelled.Load() {
			return
		}
		b.reply(context.WithoutCancel(ctx), req.ID, resp)
	}()
}

func (b *binding) dispatch(ctx context.Context, req *jsonrpc.Request, info transport.MessageInfo) *jsonrpc.Response {
	p := b.p
	start := time.Now()
	log := p.log.With(slog.String("method", req.Method))
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: string(jsonrpc.KindRequest)})

	if p.cfg.caps != nil {
		if err := p.cfg.caps.AssertRequestHandlerCapability(req.Method); err != nil {
			log.InfoContext(ctx, "protocol.handle_request.unsupported", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, err.Error(), nil)
		}
	}

	h := p.requestHandler(req.Method)
	if h == nil {
		log.InfoContext(ctx, "protocol.handle_request.not_found", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found: "+req.Method, nil)
	}

	rc, err := b.newRequestContext(req, info)
	if err != nil {
		log.InfoContext(ctx, "protocol.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
	}

	res, err := invokeRequestHandler(ctx, h, rc)
	if err != nil {
		if ctx.Err() != nil {
			log.InfoContext(ctx, "protocol.handle_request.cancelled", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		} else {
			log.ErrorContext(ctx, "protocol.handle_request.fail", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		}
		rpcErr := toRPCError(err)
		return jsonrpc.NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	}
	if res == nil {
		res = mcp.EmptyResult{}
	}
	resp, err := jsonrpc.NewResultResponse(req.ID, res)
	if err != nil {
		log.ErrorContext(ctx, "protocol.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}

	log.InfoContext(ctx, "protocol.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return resp
}

func invokeRequestHandler(ctx context.Context, h RequestHandler, rc *RequestContext) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, rc)
}

func (b *binding) newRequestContext(req *jsonrpc.Request, info transport.MessageInfo) (*RequestContext, error) {
	rc := &RequestContext{
		ID:        req.ID,
		Method:    req.Method,
		Params:    req.Params,
		SessionID: b.t.SessionID(),
		Info:      info,
		b:         b,
	}
	if len(req.Params) > 0 && req.Params[0] == '{' {
		var rp mcp.RequestParams
		if err := json.Unmarshal(req.Params, &rp); err != nil {
			return nil, err
		}
		rc.Meta = rp.Meta
		if rp.Task != nil && b.p.cfg.store != nil {
			rc.Task = &TaskContext{Meta: *rp.Task, rc: rc}
		}
	}
	return rc, nil
}

func (b *binding) reply(ctx context.Context, id *jsonrpc.RequestID, resp *jsonrpc.Response) {
	msg, err := jsonrpc.Encode(resp)
	if err != nil {
		b.report(fmt.Errorf("encode response %s: %w", id, err))
		return
	}
	if err := b.t.Send(ctx, msg, transport.SendOptions{RelatedRequestID: id}); err != nil {
		b.report(fmt.Errorf("%w: response %s: %w", ErrSendFailed, id, err))
	}
}

// request sends one request on this binding and waits for its resolution.
func (b *binding) request(ctx context.Context, method string, params any, ro requestOptions) (*jsonrpc.Response, error) {
	id := b.p.nextID.Add(1)
	pr := newPendingRequest(id, method, ro.onProgress)

	var token any
	if ro.onProgress != nil || ro.resetOnProgress {
		token = id
	}
	raw, err := buildParams(params, token, ro.task, ro.relatedTask)
	if err != nil {
		return nil, err
	}
	msg, err := jsonrpc.Encode(&jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         method,
		Params:         raw,
		ID:             jsonrpc.NewRequestID(id),
	})
	if err != nil {
		return nil, err
	}

	if err := b.register(pr); err != nil {
		return nil, err
	}
	if err := b.t.Send(ctx, msg, transport.SendOptions{RelatedRequestID: ro.related}); err != nil {
		if b.take(id) == nil {
			// Resolved or closed while sending.
			select {
			case resp := <-pr.resp:
				return resp, nil
			case err := <-pr.err:
				return nil, err
			}
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrSendFailed, method, err)
	}

	return pr.wait(ctx, ro,
		func() bool { return b.take(id) != nil },
		func(reason string) { b.sendCancelled(id, reason, ro.related) },
	)
}

// wait blocks until pr resolves, times out or ctx ends. release removes pr
// from wherever it is registered and reports whether it was still pending;
// abandon notifies the peer.
func (pr *pendingRequest) wait(ctx context.Context, ro requestOptions, release func() bool, abandon func(reason string)) (*jsonrpc.Response, error) {
	timer := time.NewTimer(ro.timeout)
	defer timer.Stop()
	var hardStop <-chan time.Time
	if ro.maxTotal > 0 {
		t := time.NewTimer(ro.maxTotal)
		defer t.Stop()
		hardStop = t.C
	}

	giveUp := func(err error, reason string) (*jsonrpc.Response, error) {
		if !release() {
			select {
			case resp := <-pr.resp:
				return resp, nil
			case err := <-pr.err:
				return nil, err
			}
		}
		abandon(reason)
		return nil, err
	}

	for {
		select {
		case resp := <-pr.resp:
			return resp, nil
		case err := <-pr.err:
			return nil, err
		case <-pr.progressed:
			if ro.resetOnProgress {
				timer.Reset(ro.timeout)
			}
		case <-timer.C:
			return giveUp(fmt.Errorf("%w: %s after %s", ErrRequestTimeout, pr.method, ro.timeout), "request timed out")
		case <-hardStop:
			return giveUp(fmt.Errorf("%w: %s exceeded %s", ErrRequestTimeout, pr.method, ro.maxTotal), "request timed out")
		case <-ctx.Done():
			cause := context.Cause(ctx)
			return giveUp(fmt.Errorf("%w: %w", ErrRequestCancelled, cause), cause.Error())
		}
	}
}

func (b *binding) sendCancelled(id int64, reason string, related *jsonrpc.RequestID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	params := mcp.CancelledNotificationParams{RequestID: id, Reason: reason}
	if err := b.send(ctx, string(mcp.CancelledNotificationMethod), params, notificationOptions{related: related}); err != nil && !errors.Is(err, transport.ErrClosed) {
		b.report(err)
	}
}

// notify sends a notification after asserting the notification capability.
func (b *binding) notify(ctx context.Context, method string, params any, no notificationOptions) error {
	if caps := b.p.cfg.caps; caps != nil {
		if err := caps.AssertNotificationCapability(method); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrCapabilityNotSupported, method, err)
		}
	}
	return b.send(ctx, method, params, no)
}

func (b *binding) send(ctx context.Context, method string, params any, no notificationOptions) error {
	raw, err := buildParams(params, nil, nil, no.relatedTask)
	if err != nil {
		return err
	}
	msg, err := jsonrpc.Encode(&jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         method,
		Params:         raw,
	})
	if err != nil {
		return err
	}
	if err := b.t.Send(ctx, msg, transport.SendOptions{RelatedRequestID: no.related}); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSendFailed, method, err)
	}
	return nil
}

func (b *binding) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// close rejects every pending request with cause, cancels inbound handlers
// and fires the close handler. Only the first call has any effect.
func (b *binding) close(cause error) {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		pending := b.pending
		b.pending = make(map[int64]*pendingRequest)
		handlers := b.inflight
		b.inflight = make(map[any]*inflight)
		b.mu.Unlock()

		p := b.p
		p.mu.Lock()
		if p.active == b {
			p.active = nil
		}
		p.mu.Unlock()

		for _, pr := range pending {
			pr.err <- cause
		}
		for _, f := range handlers {
			f.cancel(ErrConnectionClosed)
		}

		sid := b.t.SessionID()
		p.log.Debug("protocol.close", slog.String("session_id", sid), slog.Int("pending", len(pending)))
		if p.cfg.onClose != nil {
			p.cfg.onClose(sid)
		}
	})
}
