// Package protocol implements the correlation engine: it assigns ids to
// outbound requests and matches responses to them, dispatches inbound
// requests and notifications to registered handlers, and enforces
// capability checks. It is transport-agnostic.
//
// Every call to Connect creates a binding that owns the pending requests
// sent through it. A response is only ever matched against the binding it
// arrived on, so replacing the active transport never delivers a response
// to the wrong peer.
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

// RequestHandler serves one inbound request. The returned value is encoded
// as the result; a nil result encodes as {}. Returning a *jsonrpc.Error
// controls the wire error, any other error becomes an internal error.
type RequestHandler func(ctx context.Context, rc *RequestContext) (any, error)

// NotificationHandler serves one inbound notification.
type NotificationHandler func(ctx context.Context, nc *NotificationContext) error

// Protocol is the correlation engine.
type Protocol struct {
	cfg    config
	log    *slog.Logger
	nextID atomic.Int64

	mu       sync.Mutex
	handlers map[string]RequestHandler
	notes    map[string]NotificationHandler
	active   *binding

	taskMu      sync.Mutex
	running     map[string]*runningTask
	taskPending map[int64]*pendingRequest
	wake        map[string]chan struct{}
}

// New constructs an unconnected Protocol. The ping method and the
// cancellation and progress notifications are always handled; with
// WithTaskStore the tasks/* methods are too.
func New(opts ...Option) *Protocol {
	cfg := config{
		log:            slog.Default(),
		defaultTimeout: DefaultRequestTimeout,
		pollInterval:   DefaultTaskPollInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	p := &Protocol{
		cfg:         cfg,
		log:         logctx.Wrap(cfg.log),
		handlers:    make(map[string]RequestHandler),
		notes:       make(map[string]NotificationHandler),
		running:     make(map[string]*runningTask),
		taskPending: make(map[int64]*pendingRequest),
		wake:        make(map[string]chan struct{}),
	}
	p.handlers[string(mcp.PingMethod)] = func(context.Context, *RequestContext) (any, error) {
		return mcp.EmptyResult{}, nil
	}
	p.notes[string(mcp.CancelledNotificationMethod)] = p.handleCancelled
	p.notes[string(mcp.ProgressNotificationMethod)] = p.handleProgress
	if cfg.store != nil {
		p.handlers[string(mcp.TasksGetMethod)] = p.handleTasksGet
		p.handlers[string(mcp.TasksResultMethod)] = p.handleTasksResult
		p.handlers[string(mcp.TasksListMethod)] = p.handleTasksList
		p.handlers[string(mcp.TasksCancelMethod)] = p.handleTasksCancel
	}
	return p
}

// Connect binds t as the active transport and starts it. A previously bound
// transport stays open and keeps resolving its own pending requests.
func (p *Protocol) Connect(ctx context.Context, t transport.Transport) error {
	b := &binding{
		p:        p,
		t:        t,
		pending:  make(map[int64]*pendingRequest),
		inflight: make(map[any]*inflight),
	}
	p.mu.Lock()
	p.active = b
	p.mu.Unlock()

	err := t.Start(ctx, transport.Callbacks{
		OnMessage: b.onMessage,
		OnClose:   func() { b.close(ErrConnectionClosed) },
		OnError:   b.report,
	})
	if err != nil {
		p.mu.Lock()
		if p.active == b {
			p.active = nil
		}
		p.mu.Unlock()
		return fmt.Errorf("start transport: %w", err)
	}
	p.log.DebugContext(ctx, "protocol.connect", slog.String("session_id", t.SessionID()))
	return nil
}

// Close closes the active transport.
func (p *Protocol) Close() error {
	b := p.activeBinding()
	if b == nil {
		return nil
	}
	return b.t.Close()
}

// Transport returns the active transport, or nil.
func (p *Protocol) Transport() transport.Transport {
	if b := p.activeBinding(); b != nil {
		return b.t
	}
	return nil
}

func (p *Protocol) activeBinding() *binding {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// SetRequestHandler registers h for method. It fails with ErrHandlerExists
// if method already has a handler.
func (p *Protocol) SetRequestHandler(method string, h RequestHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.handlers[method]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, method)
	}
	p.handlers[method] = h
	return nil
}

// RemoveRequestHandler unregisters the handler for method.
func (p *Protocol) RemoveRequestHandler(method string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handlers, method)
}

// SetNotificationHandler registers h for method. It fails with
// ErrHandlerExists if method already has a handler.
func (p *Protocol) SetNotificationHandler(method string, h NotificationHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.notes[method]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, method)
	}
	p.notes[method] = h
	return nil
}

// RemoveNotificationHandler unregisters the handler for method.
func (p *Protocol) RemoveNotificationHandler(method string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.notes, method)
}

func (p *Protocol) requestHandler(method string) RequestHandler {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.handlers[method]; ok {
		return h
	}
	return p.cfg.fallbackReq
}

func (p *Protocol) notificationHandler(method string) NotificationHandler {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.notes[method]; ok {
		return h
	}
	return p.cfg.fallbackNote
}

// Request sends a request on the active transport and waits for its
// response. The result is decoded into result unless it is nil. A peer
// error is returned as *jsonrpc.Error.
func (p *Protocol) Request(ctx context.Context, method string, params, result any, opts ...RequestOption) error {
	b := p.activeBinding()
	if b == nil {
		return ErrNotConnected
	}
	return p.call(ctx, b, method, params, result, opts)
}

// Notification sends a notification on the active transport.
func (p *Protocol) Notification(ctx context.Context, method string, params any, opts ...NotificationOption) error {
	b := p.activeBinding()
	if b == nil {
		return ErrNotConnected
	}
	var no notificationOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&no)
		}
	}
	return b.notify(ctx, method, params, no)
}

func (p *Protocol) call(ctx context.Context, b *binding, method string, params, result any, opts []RequestOption) error {
	ro := buildRequestOptions(p.cfg.defaultTimeout, opts)
	if p.cfg.strictCaps && p.cfg.caps != nil {
		if err := p.cfg.caps.AssertCapabilityForMethod(method); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrCapabilityNotSupported, method, err)
		}
	}

	start := time.Now()
	log := p.log.With(slog.String("method", method))

	resp, err := b.request(ctx, method, params, ro)
	if err != nil {
		log.InfoContext(ctx, "protocol.request.fail", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return err
	}
	if resp.Error != nil {
		log.InfoContext(ctx, "protocol.request.error", slog.Int("code", int(resp.Error.Code)), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return resp.Error
	}
	if err := p.decodeResult(resp.Result, result, ro.schema); err != nil {
		log.InfoContext(ctx, "protocol.request.invalid", slog.String("err", err.Error()))
		return err
	}
	log.DebugContext(ctx, "protocol.request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return nil
}

func (p *Protocol) decodeResult(raw json.RawMessage, result any, schema json.RawMessage) error {
	if len(schema) > 0 {
		if p.cfg.validator == nil {
			return fmt.Errorf("%w: no validator configured", ErrResultInvalid)
		}
		if err := p.cfg.validator.Validate(schema, raw); err != nil {
			return fmt.Errorf("%w: %w", ErrResultInvalid, err)
		}
	}
	if result == nil {
		return nil
	}
	if rm, ok := result.(*json.RawMessage); ok {
		*rm = append(json.RawMessage(nil), raw...)
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("%w: decode: %w", ErrResultInvalid, err)
	}
	return nil
}

func (p *Protocol) reportError(err error) {
	if p.cfg.onError != nil {
		p.cfg.onError(err)
		return
	}
	p.log.Warn("protocol.error", slog.String("err", err.Error()))
}

// handleCancelled cancels the inbound request named by the peer. Its
// response is suppressed.
func (p *Protocol) handleCancelled(ctx context.Context, nc *NotificationContext) error {
	var params struct {
		RequestID *jsonrpc.RequestID `json:"requestId"`
		Reason    string             `json:"reason"`
	}
	if err := json.Unmarshal(nc.Params, &params); err != nil || params.RequestID.IsNil() {
		return fmt.Errorf("invalid %s params", mcp.CancelledNotificationMethod)
	}
	b := nc.b
	b.mu.Lock()
	f := b.inflight[params.RequestID.Value()]
	b.mu.Unlock()
	if f == nil {
		return nil
	}
	reason := params.Reason
	if reason == "" {
		reason = "cancelled by peer"
	}
	f.peerCancelled.Store(true)
	f.cancel(errors.New(reason))
	p.log.InfoContext(ctx, "protocol.handle_request.peer_cancelled", slog.String("id", params.RequestID.String()), slog.String("reason", reason))
	return nil
}

// handleProgress forwards progress to the pending request whose progress
// token it carries.
func (p *Protocol) handleProgress(ctx context.Context, nc *NotificationContext) error {
	var params struct {
		ProgressToken *jsonrpc.RequestID `json:"progressToken"`
		Progress      float64            `json:"progress"`
		Total         float64            `json:"total"`
		Message       string             `json:"message"`
	}
	if err := json.Unmarshal(nc.Params, &params); err != nil || params.ProgressToken.IsNil() {
		return fmt.Errorf("invalid %s params", mcp.ProgressNotificationMethod)
	}
	id, ok := params.ProgressToken.Value().(int64)
	if !ok {
		return fmt.Errorf("progress for unknown token %s", params.ProgressToken)
	}
	b := nc.b
	b.mu.Lock()
	pr := b.pending[id]
	b.mu.Unlock()
	if pr == nil {
		return fmt.Errorf("progress for unknown token %d", id)
	}
	if pr.onProgress != nil {
		pr.onProgress(mcp.ProgressNotificationParams{
			ProgressToken: id,
			Progress:      params.Progress,
			Total:         params.Total,
			Message:       params.Message,
		})
	}
	select {
	case pr.progressed <- struct{}{}:
	default:
	}
	return nil
}

// toRPCError converts a handler error to its wire form.
func toRPCError(err error) *jsonrpc.Error {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return jsonrpc.NewError(jsonrpc.ErrorCodeInternalError, err.Error())
}

// withMeta merges set into the _meta object of the JSON object raw.
func withMeta(raw json.RawMessage, set map[string]any, extra map[string]any) (json.RawMessage, error) {
	if len(set) == 0 && len(extra) == 0 {
		return raw, nil
	}
	obj := make(map[string]json.RawMessage)
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("params must be an object to carry _meta: %w", err)
		}
	}
	if len(set) > 0 {
		meta := make(map[string]json.RawMessage)
		if cur, ok := obj["_meta"]; ok {
			if err := json.Unmarshal(cur, &meta); err != nil {
				return nil, fmt.Errorf("invalid _meta: %w", err)
			}
		}
		for k, v := range set {
			b, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			meta[k] = b
		}
		b, err := json.Marshal(meta)
		if err != nil {
			return nil, err
		}
		obj["_meta"] = b
	}
	for k, v := range extra {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		obj[k] = b
	}
	return json.Marshal(obj)
}

// buildParams encodes params and attaches the progress token, task
// metadata and related-task key when present.
func buildParams(params any, progressToken any, task *mcp.TaskMetadata, relatedTask string) (json.RawMessage, error) {
	var raw json.RawMessage
	switch v := params.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	default:
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		raw = b
	}
	set := make(map[string]any)
	if progressToken != nil {
		set["progressToken"] = progressToken
	}
	if relatedTask != "" {
		set[mcp.RelatedTaskMetaKey] = mcp.RelatedTask{TaskID: relatedTask}
	}
	var extra map[string]any
	if task != nil {
		extra = map[string]any{"task": task}
	}
	return withMeta(raw, set, extra)
}
