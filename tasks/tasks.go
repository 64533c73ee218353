// Package tasks defines the storage contracts behind long-running,
// task-augmented requests: a Store of task records and results, and a
// MessageQueue of side-channel messages a task produces while it runs.
//
// Both are keyed by task id. Session isolation is permissive: a caller that
// passes a session id only loses visibility of tasks created under a
// different, non-empty session id.
//
// Terminal statuses (completed, failed, cancelled) are absorbing. Any later
// UpdateTaskStatus or StoreTaskResult fails with ErrTaskTerminal.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-protocol-go/jsonrpc"
	"github.com/ggoodman/mcp-protocol-go/mcp"
)

var (
	// ErrTaskNotFound indicates the task does not exist or is not visible to
	// the calling session.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskTerminal is the conflict returned when mutating a task that has
	// already reached a terminal status.
	ErrTaskTerminal = errors.New("task already in terminal status")
	// ErrResultNotReady indicates no result has been stored yet.
	ErrResultNotReady = errors.New("task result not ready")
	// ErrInvalidCursor indicates a ListTasks cursor that names no visible task.
	ErrInvalidCursor = errors.New("invalid cursor")
	// ErrQueueFull indicates an enqueue would exceed maxSize.
	ErrQueueFull = errors.New("task message queue full")
	// ErrInvalidStatus indicates a status not allowed for the operation.
	ErrInvalidStatus = errors.New("invalid task status")
	// ErrInvalidTTL indicates a TTL shorter than one millisecond.
	ErrInvalidTTL = errors.New("invalid task ttl")
)

// DefaultPageSize is the ListTasks page size used by the bundled stores.
const DefaultPageSize = 10

// CreateOptions configure a new task.
type CreateOptions struct {
	// TTL bounds how long the record survives after its last terminal update.
	// Nil never expires. A non-nil TTL must be at least one millisecond.
	TTL *time.Duration
	// PollInterval is the interval suggested to pollers. Zero omits it.
	PollInterval time.Duration
}

// ListResult is one page of tasks.
type ListResult struct {
	Tasks      []mcp.Task
	NextCursor string
}

// Store persists task records and their results.
type Store interface {
	// CreateTask records a new task in the working status for the request
	// identified by requestID. request is the raw originating request.
	CreateTask(ctx context.Context, opts CreateOptions, requestID *jsonrpc.RequestID, request json.RawMessage, sessionID string) (*mcp.Task, error)
	// GetTask returns the task or ErrTaskNotFound.
	GetTask(ctx context.Context, taskID, sessionID string) (*mcp.Task, error)
	// UpdateTaskStatus moves a non-terminal task to status.
	UpdateTaskStatus(ctx context.Context, taskID string, status mcp.TaskStatus, statusMessage, sessionID string) error
	// StoreTaskResult stores result once and moves the task to status, which
	// must be completed or failed.
	StoreTaskResult(ctx context.Context, taskID string, status mcp.TaskStatus, result json.RawMessage, sessionID string) error
	// GetTaskResult returns the stored result or ErrResultNotReady.
	GetTaskResult(ctx context.Context, taskID, sessionID string) (json.RawMessage, error)
	// ListTasks pages through visible tasks in insertion order. cursor is the
	// last task id of the previous page.
	ListTasks(ctx context.Context, cursor, sessionID string) (*ListResult, error)
}

// MessageKind labels a queued message.
type MessageKind string

const (
	MessageRequest      MessageKind = "request"
	MessageNotification MessageKind = "notification"
	MessageResponse     MessageKind = "response"
	MessageError        MessageKind = "error"
)

// QueuedMessage is an opaque message buffered for a task.
type QueuedMessage struct {
	Kind      MessageKind     `json:"kind"`
	Message   json.RawMessage `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
}

// MessageQueue is a FIFO of messages per task id.
type MessageQueue interface {
	// Enqueue appends msg unless the queue already holds maxSize messages, in
	// which case it fails with ErrQueueFull. maxSize <= 0 means unbounded.
	// The check and the append are a single atomic step.
	Enqueue(ctx context.Context, taskID string, msg QueuedMessage, sessionID string, maxSize int) error
	// Dequeue pops the oldest message, or returns nil when empty.
	Dequeue(ctx context.Context, taskID, sessionID string) (*QueuedMessage, error)
	// DequeueAll atomically drains the queue.
	DequeueAll(ctx context.Context, taskID, sessionID string) ([]QueuedMessage, error)
}

// SessionVisible reports whether a record owned by owner is visible to the
// caller. Isolation applies only when both carry a session id.
func SessionVisible(owner, caller string) bool {
	return owner == "" || caller == "" || owner == caller
}

// CheckResultStatus validates the status passed to StoreTaskResult.
func CheckResultStatus(status mcp.TaskStatus) error {
	if status != mcp.TaskStatusCompleted && status != mcp.TaskStatusFailed {
		return errors.Join(ErrInvalidStatus, errors.New("result status must be completed or failed"))
	}
	return nil
}

// CheckTTL validates an optional TTL. TTLs travel in whole milliseconds, so
// anything below one millisecond is rejected rather than truncated to zero.
func CheckTTL(ttl *time.Duration) error {
	if ttl != nil && *ttl < time.Millisecond {
		return fmt.Errorf("%w: %s", ErrInvalidTTL, *ttl)
	}
	return nil
}

// TTLMillis converts an optional TTL to its wire form.
func TTLMillis(ttl *time.Duration) *int64 {
	if ttl == nil {
		return nil
	}
	ms := ttl.Milliseconds()
	return &ms
}
