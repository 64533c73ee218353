package protocol

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-protocol-go/jsonrpc"
	"github.com/ggoodman/mcp-protocol-go/mcp"
	"github.com/ggoodman/mcp-protocol-go/tasks"
	"github.com/ggoodman/mcp-protocol-go/validation"
)

const (
	// DefaultRequestTimeout applies to requests without WithTimeout.
	DefaultRequestTimeout = 60 * time.Second
	// DefaultTaskPollInterval is suggested to pollers when a task carries
	// no poll interval of its own.
	DefaultTaskPollInterval = time.Second
)

// Option configures a Protocol.
type Option func(*config)

type config struct {
	log            *slog.Logger
	defaultTimeout time.Duration
	caps           Capabilities
	strictCaps     bool
	store          tasks.Store
	queue          tasks.MessageQueue
	queueLimit     int
	pollInterval   time.Duration
	validator      validation.Validator
	fallbackReq    RequestHandler
	fallbackNote   NotificationHandler
	onClose        func(sessionID string)
	onError        func(err error)
}

// WithLogger sets the logger. Records are decorated with rpc and task
// context by internal/logctx.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}

// WithDefaultTimeout overrides DefaultRequestTimeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

// WithCapabilities installs the capability checks consulted before inbound
// requests are dispatched and, with WithStrictCapabilities, before outbound
// requests are sent. Notifications are always checked.
func WithCapabilities(caps Capabilities) Option {
	return func(c *config) { c.caps = caps }
}

// WithStrictCapabilities asserts capabilities for outbound requests too.
func WithStrictCapabilities() Option {
	return func(c *config) { c.strictCaps = true }
}

// WithTaskStore enables task support: the engine serves tasks/get,
// tasks/result, tasks/list and tasks/cancel, and task-augmented requests get
// a TaskContext.
func WithTaskStore(s tasks.Store) Option {
	return func(c *config) { c.store = s }
}

// WithTaskMessageQueue sets the queue for messages emitted by running tasks.
func WithTaskMessageQueue(q tasks.MessageQueue) Option {
	return func(c *config) { c.queue = q }
}

// WithTaskQueueLimit bounds each task's message queue. Zero is unbounded.
func WithTaskQueueLimit(n int) Option {
	return func(c *config) { c.queueLimit = n }
}

// WithTaskPollInterval sets the poll interval advertised on new tasks and
// used while tasks/result waits. Defaults to DefaultTaskPollInterval.
func WithTaskPollInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithValidator sets the validator used by WithResultSchema.
func WithValidator(v validation.Validator) Option {
	return func(c *config) { c.validator = v }
}

// WithFallbackRequestHandler handles requests for methods with no handler.
// Without one such requests get a method-not-found error.
func WithFallbackRequestHandler(h RequestHandler) Option {
	return func(c *config) { c.fallbackReq = h }
}

// WithFallbackNotificationHandler handles notifications with no handler.
func WithFallbackNotificationHandler(h NotificationHandler) Option {
	return func(c *config) { c.fallbackNote = h }
}

// WithCloseHandler is called once for every bound transport that closes.
func WithCloseHandler(fn func(sessionID string)) Option {
	return func(c *config) { c.onClose = fn }
}

// WithErrorHandler receives errors that have no caller to return to:
// malformed inbound messages, unmatched responses and notification handler
// failures.
func WithErrorHandler(fn func(err error)) Option {
	return func(c *config) { c.onError = fn }
}

// RequestOption configures a single outbound request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	timeout         time.Duration
	resetOnProgress bool
	maxTotal        time.Duration
	onProgress      func(mcp.ProgressNotificationParams)
	schema          json.RawMessage
	task            *mcp.TaskMetadata
	related         *jsonrpc.RequestID
	relatedTask     string
}

// WithTimeout overrides the default timeout for this request.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) { o.timeout = d }
}

// WithResetTimeoutOnProgress restarts the timeout on every progress
// notification for this request.
func WithResetTimeoutOnProgress() RequestOption {
	return func(o *requestOptions) { o.resetOnProgress = true }
}

// WithMaxTotalTimeout caps the total time a request may wait regardless of
// progress resets.
func WithMaxTotalTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) { o.maxTotal = d }
}

// WithProgress attaches a progress token and calls fn for each progress
// notification the peer sends for this request.
func WithProgress(fn func(mcp.ProgressNotificationParams)) RequestOption {
	return func(o *requestOptions) { o.onProgress = fn }
}

// WithResultSchema validates the result against schema before decoding.
func WithResultSchema(schema json.RawMessage) RequestOption {
	return func(o *requestOptions) { o.schema = schema }
}

// WithTask marks the request as task-augmented.
func WithTask(meta mcp.TaskMetadata) RequestOption {
	return func(o *requestOptions) { o.task = &meta }
}

// WithRelatedRequest routes the request on the stream of an inbound request.
func WithRelatedRequest(id *jsonrpc.RequestID) RequestOption {
	return func(o *requestOptions) { o.related = id }
}

// WithRelatedTask tags the request with the related-task meta key.
func WithRelatedTask(taskID string) RequestOption {
	return func(o *requestOptions) { o.relatedTask = taskID }
}

func buildRequestOptions(defaultTimeout time.Duration, opts []RequestOption) requestOptions {
	ro := requestOptions{timeout: defaultTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&ro)
		}
	}
	if ro.timeout <= 0 {
		ro.timeout = defaultTimeout
	}
	return ro
}

// NotificationOption configures a single outbound notification.
type NotificationOption func(*notificationOptions)

type notificationOptions struct {
	related     *jsonrpc.RequestID
	relatedTask string
}

// WithNotificationRelatedRequest routes the notification on the stream of
// an inbound request.
func WithNotificationRelatedRequest(id *jsonrpc.RequestID) NotificationOption {
	return func(o *notificationOptions) { o.related = id }
}

// WithNotificationRelatedTask tags the notification with the related-task
// meta key.
func WithNotificationRelatedTask(taskID string) NotificationOption {
	return func(o *notificationOptions) { o.relatedTask = taskID }
}
