package protocol

import (
	"context"
	"encoding/json"

	"github.com/ggoodman/mcp-protocol-go/jsonrpc"
	"github.com/ggoodman/mcp-protocol-go/mcp"
	"github.com/ggoodman/mcp-protocol-go/transport"
)

// RequestContext describes an inbound request and lets its handler talk
// back to the peer on the connection the request arrived on.
type RequestContext struct {
	ID        *jsonrpc.RequestID
	Method    string
	Params    json.RawMessage
	Meta      *mcp.Meta
	SessionID string
	Info      transport.MessageInfo

	// Task is set when the request carries task metadata and the engine
	// has a task store.
	Task *TaskContext

	b *binding
}

// Bind decodes the params into v. Decoding failures are reported to the
// peer as invalid params.
func (rc *RequestContext) Bind(v any) error {
	if len(rc.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(rc.Params, v); err != nil {
		return &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	return nil
}

// Transport returns the transport the request arrived on.
func (rc *RequestContext) Transport() transport.Transport {
	return rc.b.t
}

// ReportProgress sends a progress notification when the peer asked for
// one. It is a no-op otherwise.
func (rc *RequestContext) ReportProgress(ctx context.Context, progress, total float64, message string) error {
	if rc.Meta == nil || rc.Meta.ProgressToken == nil {
		return nil
	}
	params := mcp.ProgressNotificationParams{
		ProgressToken: rc.Meta.ProgressToken,
		Progress:      progress,
		Total:         total,
		Message:       message,
	}
	return rc.b.send(ctx, string(mcp.ProgressNotificationMethod), params, notificationOptions{related: rc.ID})
}

// Notify sends a notification related to this request.
func (rc *RequestContext) Notify(ctx context.Context, method string, params any) error {
	return rc.b.notify(ctx, method, params, notificationOptions{related: rc.ID})
}

// Request sends a request to the peer related to this request and waits for
// the response.
func (rc *RequestContext) Request(ctx context.Context, method string, params, result any, opts ...RequestOption) error {
	opts = append(opts, WithRelatedRequest(rc.ID))
	return rc.b.p.call(ctx, rc.b, method, params, result, opts)
}

// NotificationContext describes an inbound notification.
type NotificationContext struct {
	Method    string
	Params    json.RawMessage
	SessionID string
	Info      transport.MessageInfo

	b *binding
}

// Bind decodes the params into v.
func (nc *NotificationContext) Bind(v any) error {
	if len(nc.Params) == 0 {
		return nil
	}
	return json.Unmarshal(nc.Params, v)
}
