package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-protocol-go/internal/logctx"
	"github.com/ggoodman/mcp-protocol-go/jsonrpc"
	"github.com/ggoodman/mcp-protocol-go/mcp"
	"github.com/ggoodman/mcp-protocol-go/tasks"
	"github.com/ggoodman/mcp-protocol-go/transport"
)

var errTaskCancelled = errors.New("task cancelled")

type runningTask struct {
	cancel context.CancelCauseFunc
	origin *binding
}

// TaskFunc is the background work of a task. Its return value becomes the
// stored result: completed on success, failed with the error otherwise.
type TaskFunc func(ctx context.Context, run *TaskRun) (any, error)

// TaskContext is attached to a task-augmented request.
type TaskContext struct {
	Meta mcp.TaskMetadata

	rc *RequestContext
}

// Start creates the task, runs work in the background and returns the
// answer the handler should send in place of its result. work outlives the
// inbound request; it is cancelled by tasks/cancel.
func (tc *TaskContext) Start(ctx context.Context, work TaskFunc) (*mcp.CreateTaskResult, error) {
	rc := tc.rc
	p := rc.b.p

	opts := tasks.CreateOptions{PollInterval: p.cfg.pollInterval}
	if tc.Meta.TTL != nil {
		if *tc.Meta.TTL <= 0 {
			return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, fmt.Sprintf("task ttl must be a positive number of milliseconds, got %d", *tc.Meta.TTL))
		}
		ttl := time.Duration(*tc.Meta.TTL) * time.Millisecond
		opts.TTL = &ttl
	}
	request, err := json.Marshal(&jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         rc.Method,
		Params:         rc.Params,
		ID:             rc.ID,
	})
	if err != nil {
		return nil, err
	}
	task, err := p.cfg.store.CreateTask(ctx, opts, rc.ID, request, rc.SessionID)
	if err != nil {
		return nil, taskRPCError(fmt.Errorf("create task: %w", err))
	}

	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	runCtx = logctx.WithTaskData(runCtx, &logctx.TaskData{TaskID: task.TaskID})
	run := &TaskRun{ID: task.TaskID, SessionID: rc.SessionID, p: p}

	p.taskMu.Lock()
	p.running[task.TaskID] = &runningTask{cancel: cancel, origin: rc.b}
	p.taskMu.Unlock()

	p.log.InfoContext(runCtx, "protocol.task.created", slog.String("method", rc.Method))
	go p.runTask(runCtx, cancel, run, work)

	return &mcp.CreateTaskResult{Task: *task}, nil
}

func (p *Protocol) runTask(ctx context.Context, cancel context.CancelCauseFunc, run *TaskRun, work TaskFunc) {
	start := time.Now()
	defer func() {
		p.taskMu.Lock()
		delete(p.running, run.ID)
		p.taskMu.Unlock()
		cancel(nil)
	}()

	res, err := invokeTaskFunc(ctx, work, run)
	if errors.Is(context.Cause(ctx), errTaskCancelled) {
		p.log.InfoContext(ctx, "protocol.task.cancelled", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return
	}

	status := mcp.TaskStatusCompleted
	var raw json.RawMessage
	if err == nil {
		if res == nil {
			res = mcp.EmptyResult{}
		}
		raw, err = json.Marshal(res)
		if err == nil && !isJSONObject(raw) {
			err = jsonrpc.NewError(jsonrpc.ErrorCodeInternalError, fmt.Sprintf("task result must be a JSON object, got %T", res))
		}
	}
	if err != nil {
		status = mcp.TaskStatusFailed
		raw, _ = json.Marshal(toRPCError(err))
	}

	sctx := context.WithoutCancel(ctx)
	if err := p.cfg.store.StoreTaskResult(sctx, run.ID, status, raw, run.SessionID); err != nil {
		if errors.Is(err, tasks.ErrTaskTerminal) || errors.Is(err, tasks.ErrTaskNotFound) {
			p.log.InfoContext(ctx, "protocol.task.result_discarded", slog.String("err", err.Error()))
			return
		}
		p.log.ErrorContext(ctx, "protocol.task.store_fail", slog.String("err", err.Error()))
		return
	}
	p.log.InfoContext(ctx, "protocol.task.done", slog.String("status", string(status)), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	p.announceTask(sctx, run.ID, run.SessionID)
	p.wakeTask(run.ID)
}

// isJSONObject reports whether raw encodes an object. Stored results must
// be objects to carry the related-task _meta on tasks/result.
func isJSONObject(raw json.RawMessage) bool {
	raw = bytes.TrimLeft(raw, " \t\r\n")
	return len(raw) > 0 && raw[0] == '{'
}

func invokeTaskFunc(ctx context.Context, work TaskFunc, run *TaskRun) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return work(ctx, run)
}

// TaskRun is the handle a running task uses to report status and to reach
// the requestor. Messages it sends are queued and delivered by the next
// tasks/result call.
type TaskRun struct {
	ID        string
	SessionID string

	p *Protocol
}

// UpdateStatus moves the task to a non-terminal status.
func (r *TaskRun) UpdateStatus(ctx context.Context, status mcp.TaskStatus, message string) error {
	if status.IsTerminal() {
		return fmt.Errorf("%w: %s is set by returning from the task", tasks.ErrInvalidStatus, status)
	}
	if err := r.p.cfg.store.UpdateTaskStatus(ctx, r.ID, status, message, r.SessionID); err != nil {
		return err
	}
	r.p.announceTask(ctx, r.ID, r.SessionID)
	r.p.wakeTask(r.ID)
	return nil
}

// Notify queues a notification for the requestor.
func (r *TaskRun) Notify(ctx context.Context, method string, params any) error {
	raw, err := buildParams(params, nil, nil, r.ID)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(&jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method, Params: raw})
	if err != nil {
		return err
	}
	return r.enqueue(ctx, tasks.MessageNotification, msg)
}

// Request queues a request for the requestor, moves the task to
// input_required and waits for the answer. The task returns to working once
// the answer arrives.
func (r *TaskRun) Request(ctx context.Context, method string, params, result any, opts ...RequestOption) error {
	p := r.p
	ro := buildRequestOptions(p.cfg.defaultTimeout, opts)
	id := p.nextID.Add(1)
	pr := newPendingRequest(id, method, ro.onProgress)

	raw, err := buildParams(params, nil, ro.task, r.ID)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(&jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         method,
		Params:         raw,
		ID:             jsonrpc.NewRequestID(id),
	})
	if err != nil {
		return err
	}

	p.taskMu.Lock()
	p.taskPending[id] = pr
	p.taskMu.Unlock()
	release := func() bool {
		p.taskMu.Lock()
		_, queued := p.taskPending[id]
		delete(p.taskPending, id)
		owner := pr.owner
		p.taskMu.Unlock()
		if owner != nil {
			return owner.take(id) != nil
		}
		return queued
	}

	if err := r.enqueue(ctx, tasks.MessageRequest, msg); err != nil {
		release()
		return err
	}
	if err := r.UpdateStatus(ctx, mcp.TaskStatusInputRequired, ""); err != nil {
		release()
		return err
	}

	resp, err := pr.wait(ctx, ro, release, func(reason string) {
		p.taskMu.Lock()
		owner := pr.owner
		p.taskMu.Unlock()
		if owner != nil {
			owner.sendCancelled(id, reason, nil)
		}
	})
	release()
	if uerr := r.UpdateStatus(context.WithoutCancel(ctx), mcp.TaskStatusWorking, ""); uerr != nil && !errors.Is(uerr, tasks.ErrTaskTerminal) {
		p.log.WarnContext(ctx, "protocol.task.status_fail", slog.String("err", uerr.Error()))
	}
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	return p.decodeResult(resp.Result, result, ro.schema)
}

func (r *TaskRun) enqueue(ctx context.Context, kind tasks.MessageKind, msg json.RawMessage) error {
	if r.p.cfg.queue == nil {
		return fmt.Errorf("%w: no task message queue", ErrTasksNotConfigured)
	}
	qm := tasks.QueuedMessage{Kind: kind, Message: msg, Timestamp: time.Now().UTC()}
	if err := r.p.cfg.queue.Enqueue(ctx, r.ID, qm, r.SessionID, r.p.cfg.queueLimit); err != nil {
		return err
	}
	r.p.wakeTask(r.ID)
	return nil
}

// taskSignal returns a channel closed at the next change to taskID.
func (p *Protocol) taskSignal(taskID string) <-chan struct{} {
	p.taskMu.Lock()
	defer p.taskMu.Unlock()
	ch, ok := p.wake[taskID]
	if !ok {
		ch = make(chan struct{})
		p.wake[taskID] = ch
	}
	return ch
}

func (p *Protocol) wakeTask(taskID string) {
	p.taskMu.Lock()
	defer p.taskMu.Unlock()
	if ch, ok := p.wake[taskID]; ok {
		close(ch)
		delete(p.wake, taskID)
	}
}

// announceTask sends notifications/tasks/status on the connection that
// created the task, or the active one once that has closed. Best effort.
func (p *Protocol) announceTask(ctx context.Context, taskID, sessionID string) {
	task, err := p.cfg.store.GetTask(ctx, taskID, sessionID)
	if err != nil {
		return
	}
	p.taskMu.Lock()
	var b *binding
	if rt, ok := p.running[taskID]; ok {
		b = rt.origin
	}
	p.taskMu.Unlock()
	if b == nil || b.isClosed() {
		b = p.activeBinding()
	}
	if b == nil {
		return
	}
	params := mcp.TaskStatusNotificationParams{Task: *task}
	if err := b.notify(ctx, string(mcp.TaskStatusNotificationMethod), params, notificationOptions{}); err != nil {
		p.log.DebugContext(ctx, "protocol.task.announce_fail", slog.String("task_id", taskID), slog.String("err", err.Error()))
	}
}

// deliverQueued drains the task's queue onto b, related to the request
// being served. Queued requests are registered on b so their responses
// reach the waiting task.
func (p *Protocol) deliverQueued(ctx context.Context, b *binding, related *jsonrpc.RequestID, taskID, sessionID string) error {
	if p.cfg.queue == nil {
		return nil
	}
	msgs, err := p.cfg.queue.DequeueAll(ctx, taskID, sessionID)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if m.Kind == tasks.MessageRequest {
			var head struct {
				ID *jsonrpc.RequestID `json:"id"`
			}
			if err := json.Unmarshal(m.Message, &head); err == nil {
				if id, ok := head.ID.Value().(int64); ok {
					p.taskMu.Lock()
					var rerr error
					if pr := p.taskPending[id]; pr != nil {
						delete(p.taskPending, id)
						pr.owner = b
						rerr = b.register(pr)
					}
					p.taskMu.Unlock()
					if rerr != nil {
						return rerr
					}
				}
			}
		}
		if err := b.t.Send(ctx, jsonrpc.Message(m.Message), transport.SendOptions{RelatedRequestID: related}); err != nil {
			return fmt.Errorf("%w: queued %s: %w", ErrSendFailed, m.Kind, err)
		}
	}
	return nil
}

func taskRPCError(err error) error {
	switch {
	case errors.Is(err, tasks.ErrTaskNotFound),
		errors.Is(err, tasks.ErrInvalidCursor),
		errors.Is(err, tasks.ErrTaskTerminal),
		errors.Is(err, tasks.ErrResultNotReady),
		errors.Is(err, tasks.ErrInvalidTTL):
		return jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, err.Error())
	}
	return err
}

func (p *Protocol) handleTasksGet(ctx context.Context, rc *RequestContext) (any, error) {
	var params mcp.GetTaskParams
	if err := rc.Bind(&params); err != nil {
		return nil, err
	}
	task, err := p.cfg.store.GetTask(ctx, params.TaskID, rc.SessionID)
	if err != nil {
		return nil, taskRPCError(err)
	}
	return task, nil
}

func (p *Protocol) handleTasksList(ctx context.Context, rc *RequestContext) (any, error) {
	var params mcp.ListTasksParams
	if err := rc.Bind(&params); err != nil {
		return nil, err
	}
	page, err := p.cfg.store.ListTasks(ctx, params.Cursor, rc.SessionID)
	if err != nil {
		return nil, taskRPCError(err)
	}
	return &mcp.ListTasksResult{Tasks: page.Tasks, NextCursor: page.NextCursor}, nil
}

func (p *Protocol) handleTasksCancel(ctx context.Context, rc *RequestContext) (any, error) {
	var params mcp.CancelTaskParams
	if err := rc.Bind(&params); err != nil {
		return nil, err
	}
	store := p.cfg.store
	task, err := store.GetTask(ctx, params.TaskID, rc.SessionID)
	if err != nil {
		return nil, taskRPCError(err)
	}
	if task.Status.IsTerminal() {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, fmt.Sprintf("cannot cancel task in terminal status %s", task.Status))
	}
	if err := store.UpdateTaskStatus(ctx, params.TaskID, mcp.TaskStatusCancelled, "The task was cancelled by request.", rc.SessionID); err != nil {
		return nil, taskRPCError(err)
	}

	p.taskMu.Lock()
	rt := p.running[params.TaskID]
	p.taskMu.Unlock()
	if rt != nil {
		rt.cancel(errTaskCancelled)
	}
	p.announceTask(ctx, params.TaskID, rc.SessionID)
	p.wakeTask(params.TaskID)

	task, err = store.GetTask(ctx, params.TaskID, rc.SessionID)
	if err != nil {
		return nil, taskRPCError(err)
	}
	return task, nil
}

// handleTasksResult blocks until the task is terminal, delivering queued
// messages as they appear, then answers with the stored result.
func (p *Protocol) handleTasksResult(ctx context.Context, rc *RequestContext) (any, error) {
	var params mcp.GetTaskResultParams
	if err := rc.Bind(&params); err != nil {
		return nil, err
	}
	store := p.cfg.store
	id := params.TaskID
	ctx = logctx.WithTaskData(ctx, &logctx.TaskData{TaskID: id})

	var task *mcp.Task
	for {
		changed := p.taskSignal(id)
		if err := p.deliverQueued(ctx, rc.b, rc.ID, id, rc.SessionID); err != nil {
			return nil, err
		}
		t, err := store.GetTask(ctx, id, rc.SessionID)
		if err != nil {
			return nil, taskRPCError(err)
		}
		if t.Status.IsTerminal() {
			task = t
			break
		}
		poll := time.NewTimer(t.PollDuration(p.cfg.pollInterval))
		select {
		case <-ctx.Done():
			poll.Stop()
			return nil, context.Cause(ctx)
		case <-changed:
		case <-poll.C:
		}
		poll.Stop()
	}
	if err := p.deliverQueued(ctx, rc.b, rc.ID, id, rc.SessionID); err != nil {
		return nil, err
	}

	if task.Status == mcp.TaskStatusCancelled {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, fmt.Sprintf("task %s was cancelled", id))
	}
	raw, err := store.GetTaskResult(ctx, id, rc.SessionID)
	if err != nil {
		return nil, taskRPCError(err)
	}
	if task.Status == mcp.TaskStatusFailed {
		var rpcErr jsonrpc.Error
		if err := json.Unmarshal(raw, &rpcErr); err != nil || rpcErr.Code == 0 {
			return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInternalError, "task failed")
		}
		return nil, &rpcErr
	}
	return withMeta(raw, map[string]any{mcp.RelatedTaskMetaKey: mcp.RelatedTask{TaskID: id}}, nil)
}
