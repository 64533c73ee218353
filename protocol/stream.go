package protocol

import (
	"context"
	"encoding/json"
	"iter"
	"slices"
	"time"

	"github.com/ggoodman/mcp-protocol-go/mcp"
)

// StreamEventKind labels a StreamEvent.
type StreamEventKind string

const (
	StreamTaskCreated StreamEventKind = "taskCreated"
	StreamTaskStatus  StreamEventKind = "taskStatus"
	StreamResult      StreamEventKind = "result"
	StreamError       StreamEventKind = "error"
)

// StreamEvent is one step of RequestStream.
type StreamEvent struct {
	Kind   StreamEventKind
	Task   *mcp.Task
	Result json.RawMessage
	Err    error
}

// RequestStream sends a request and yields its progress. For a
// task-augmented request (WithTask) it yields taskCreated once, a taskStatus
// for every observed status change, then exactly one result or error.
// Otherwise it yields a single result or error. Nothing follows the
// terminal event.
func (p *Protocol) RequestStream(ctx context.Context, method string, params any, opts ...RequestOption) iter.Seq[StreamEvent] {
	return func(yield func(StreamEvent) bool) {
		ro := buildRequestOptions(p.cfg.defaultTimeout, opts)
		fail := func(err error) { yield(StreamEvent{Kind: StreamError, Err: err}) }

		if ro.task == nil {
			var raw json.RawMessage
			if err := p.Request(ctx, method, params, &raw, opts...); err != nil {
				fail(err)
				return
			}
			yield(StreamEvent{Kind: StreamResult, Result: raw})
			return
		}

		var raw json.RawMessage
		createOpts := append(slices.Clone(opts), WithResultSchema(nil))
		if err := p.Request(ctx, method, params, &raw, createOpts...); err != nil {
			fail(err)
			return
		}
		var created struct {
			Task *mcp.Task `json:"task"`
		}
		if err := json.Unmarshal(raw, &created); err != nil || created.Task == nil || created.Task.TaskID == "" {
			// The peer answered directly instead of creating a task.
			if err := p.decodeResult(raw, nil, ro.schema); err != nil {
				fail(err)
				return
			}
			yield(StreamEvent{Kind: StreamResult, Result: raw})
			return
		}

		task := *created.Task
		first := task
		if !yield(StreamEvent{Kind: StreamTaskCreated, Task: &first}) {
			return
		}

		pollOpts := []RequestOption{WithTimeout(ro.timeout)}
		for !task.Status.IsTerminal() && task.Status != mcp.TaskStatusInputRequired {
			wait := time.NewTimer(task.PollDuration(p.cfg.pollInterval))
			select {
			case <-ctx.Done():
				wait.Stop()
				fail(context.Cause(ctx))
				return
			case <-wait.C:
			}
			var next mcp.Task
			if err := p.Request(ctx, string(mcp.TasksGetMethod), mcp.GetTaskParams{TaskID: task.TaskID}, &next, pollOpts...); err != nil {
				fail(err)
				return
			}
			if next.Status != task.Status || next.StatusMessage != task.StatusMessage {
				status := next
				if !yield(StreamEvent{Kind: StreamTaskStatus, Task: &status}) {
					return
				}
			}
			task = next
		}

		var result json.RawMessage
		resultOpts := []RequestOption{WithTimeout(ro.timeout), WithResultSchema(ro.schema)}
		if ro.resetOnProgress {
			resultOpts = append(resultOpts, WithResetTimeoutOnProgress())
		}
		if ro.maxTotal > 0 {
			resultOpts = append(resultOpts, WithMaxTotalTimeout(ro.maxTotal))
		}
		if err := p.Request(ctx, string(mcp.TasksResultMethod), mcp.GetTaskResultParams{TaskID: task.TaskID}, &result, resultOpts...); err != nil {
			fail(err)
			return
		}
		yield(StreamEvent{Kind: StreamResult, Result: result})
	}
}
