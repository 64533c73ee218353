// Package taskstest holds conformance suites for tasks.Store and
// tasks.MessageQueue implementations.
package taskstest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-protocol-go/jsonrpc"
	"github.com/ggoodman/mcp-protocol-go/mcp"
	"github.com/ggoodman/mcp-protocol-go/tasks"
	"golang.org/x/sync/errgroup"
)

// StoreFactory creates a fresh, empty Store for one subtest.
type StoreFactory func(t *testing.T) tasks.Store

// QueueFactory creates a fresh, empty MessageQueue for one subtest.
type QueueFactory func(t *testing.T) tasks.MessageQueue

// RunStoreTests runs the Store suite. The factory's stores must use
// tasks.DefaultPageSize.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("Create_UniqueIDsAndWorkingStatus", func(t *testing.T) { testCreateUnique(t, factory) })
	t.Run("Get_NotFound", func(t *testing.T) { testGetNotFound(t, factory) })
	t.Run("Update_StatusAndMessage", func(t *testing.T) { testUpdateStatus(t, factory) })
	t.Run("Update_TerminalIsAbsorbing", func(t *testing.T) { testTerminalAbsorbing(t, factory) })
	t.Run("Result_StoredOnceAndUnchanged", func(t *testing.T) { testResultOnce(t, factory) })
	t.Run("Result_NotReady", func(t *testing.T) { testResultNotReady(t, factory) })
	t.Run("Result_RejectsNonResultStatus", func(t *testing.T) { testResultStatus(t, factory) })
	t.Run("Result_ConcurrentWritersSingleWinner", func(t *testing.T) { testConcurrentResult(t, factory) })
	t.Run("Session_IsolationIsPermissive", func(t *testing.T) { testSessionIsolation(t, factory) })
	t.Run("List_PaginatesInInsertionOrder", func(t *testing.T) { testListPagination(t, factory) })
	t.Run("List_UnknownCursorFails", func(t *testing.T) { testListUnknownCursor(t, factory) })
	t.Run("List_FiltersBySessionBeforePaging", func(t *testing.T) { testListSessionFilter(t, factory) })
	t.Run("TTL_ExpiresRecord", func(t *testing.T) { testTTLExpires(t, factory) })
	t.Run("TTL_ResetOnTerminalTransition", func(t *testing.T) { testTTLReset(t, factory) })
	t.Run("TTL_NilNeverExpires", func(t *testing.T) { testTTLNil(t, factory) })
	t.Run("TTL_RejectsBelowOneMillisecond", func(t *testing.T) { testTTLInvalid(t, factory) })
}

// RunQueueTests runs the MessageQueue suite.
func RunQueueTests(t *testing.T, factory QueueFactory) {
	t.Run("FIFO", func(t *testing.T) { testQueueFIFO(t, factory) })
	t.Run("DequeueEmpty", func(t *testing.T) { testQueueEmpty(t, factory) })
	t.Run("MaxSizeRejectsAndLeavesLength", func(t *testing.T) { testQueueMaxSize(t, factory) })
	t.Run("ConcurrentEnqueueNeverExceedsMax", func(t *testing.T) { testQueueConcurrentMax(t, factory) })
	t.Run("DequeueAllDrainsExactlyOnce", func(t *testing.T) { testQueueDrain(t, factory) })
	t.Run("KeyedByTaskNotSession", func(t *testing.T) { testQueueKeying(t, factory) })
}

// LinkedFactory creates a Store and the MessageQueue wired to it.
type LinkedFactory func(t *testing.T) (tasks.Store, tasks.MessageQueue)

// RunLinkedTests runs the cases that need a Store and its MessageQueue
// together.
func RunLinkedTests(t *testing.T, factory LinkedFactory) {
	t.Run("TTL_ExpiryDropsQueuedMessages", func(t *testing.T) { testExpiryDropsQueue(t, factory) })
}

func newTask(t *testing.T, s tasks.Store, ttl *time.Duration, sessionID string) *mcp.Task {
	t.Helper()
	req := json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/call"}`)
	task, err := s.CreateTask(context.Background(), tasks.CreateOptions{TTL: ttl, PollInterval: 50 * time.Millisecond}, jsonrpc.NewRequestID(1), req, sessionID)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func durPtr(d time.Duration) *time.Duration { return &d }

func testCreateUnique(t *testing.T, factory StoreFactory) {
	s := factory(t)
	seen := map[string]bool{}
	for i := 0; i < 25; i++ {
		task := newTask(t, s, nil, "")
		if seen[task.TaskID] {
			t.Fatalf("duplicate task id %s", task.TaskID)
		}
		seen[task.TaskID] = true
		if want, got := mcp.TaskStatusWorking, task.Status; want != got {
			t.Fatalf("status: want %s got %s", want, got)
		}
		if !task.CreatedAt.Equal(task.LastUpdatedAt) {
			t.Fatalf("createdAt %v != lastUpdatedAt %v", task.CreatedAt, task.LastUpdatedAt)
		}
		if task.TTL != nil {
			t.Fatalf("expected nil ttl, got %d", *task.TTL)
		}
		if task.PollInterval == nil || *task.PollInterval != 50 {
			t.Fatalf("poll interval: want 50 got %v", task.PollInterval)
		}
	}
}

func testGetNotFound(t *testing.T, factory StoreFactory) {
	s := factory(t)
	if _, err := s.GetTask(context.Background(), "nope", ""); !errors.Is(err, tasks.ErrTaskNotFound) {
		t.Fatalf("want ErrTaskNotFound got %v", err)
	}
	if err := s.UpdateTaskStatus(context.Background(), "nope", mcp.TaskStatusWorking, "", ""); !errors.Is(err, tasks.ErrTaskNotFound) {
		t.Fatalf("update: want ErrTaskNotFound got %v", err)
	}
}

func testUpdateStatus(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	task := newTask(t, s, nil, "")

	time.Sleep(5 * time.Millisecond)
	if err := s.UpdateTaskStatus(ctx, task.TaskID, mcp.TaskStatusInputRequired, "need input", ""); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.GetTask(ctx, task.TaskID, "")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if want := mcp.TaskStatusInputRequired; got.Status != want {
		t.Fatalf("status: want %s got %s", want, got.Status)
	}
	if want := "need input"; got.StatusMessage != want {
		t.Fatalf("message: want %q got %q", want, got.StatusMessage)
	}
	if !got.LastUpdatedAt.After(got.CreatedAt) {
		t.Fatalf("lastUpdatedAt %v should be after createdAt %v", got.LastUpdatedAt, got.CreatedAt)
	}
	if err := s.UpdateTaskStatus(ctx, task.TaskID, mcp.TaskStatus("bogus"), "", ""); !errors.Is(err, tasks.ErrInvalidStatus) {
		t.Fatalf("bogus status: want ErrInvalidStatus got %v", err)
	}
}

func testTerminalAbsorbing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	task := newTask(t, s, nil, "")

	if err := s.UpdateTaskStatus(ctx, task.TaskID, mcp.TaskStatusCancelled, "stopped", ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := s.UpdateTaskStatus(ctx, task.TaskID, mcp.TaskStatusWorking, "", ""); !errors.Is(err, tasks.ErrTaskTerminal) {
		t.Fatalf("update after terminal: want ErrTaskTerminal got %v", err)
	}
	if err := s.StoreTaskResult(ctx, task.TaskID, mcp.TaskStatusCompleted, json.RawMessage(`{}`), ""); !errors.Is(err, tasks.ErrTaskTerminal) {
		t.Fatalf("result after terminal: want ErrTaskTerminal got %v", err)
	}
	got, err := s.GetTask(ctx, task.TaskID, "")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if want := mcp.TaskStatusCancelled; got.Status != want {
		t.Fatalf("status: want %s got %s", want, got.Status)
	}
}

func testResultOnce(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	task := newTask(t, s, nil, "")

	first := json.RawMessage(`{"content":[{"type":"text","text":"first"}]}`)
	if err := s.StoreTaskResult(ctx, task.TaskID, mcp.TaskStatusCompleted, first, ""); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := s.StoreTaskResult(ctx, task.TaskID, mcp.TaskStatusFailed, json.RawMessage(`{"x":1}`), ""); !errors.Is(err, tasks.ErrTaskTerminal) {
		t.Fatalf("second store: want ErrTaskTerminal got %v", err)
	}
	res, err := s.GetTaskResult(ctx, task.TaskID, "")
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if want, got := string(first), string(res); want != got {
		t.Fatalf("result: want %s got %s", want, got)
	}
	got, _ := s.GetTask(ctx, task.TaskID, "")
	if want := mcp.TaskStatusCompleted; got.Status != want {
		t.Fatalf("status: want %s got %s", want, got.Status)
	}
}

func testResultNotReady(t *testing.T, factory StoreFactory) {
	s := factory(t)
	task := newTask(t, s, nil, "")
	if _, err := s.GetTaskResult(context.Background(), task.TaskID, ""); !errors.Is(err, tasks.ErrResultNotReady) {
		t.Fatalf("want ErrResultNotReady got %v", err)
	}
	if _, err := s.GetTaskResult(context.Background(), "missing", ""); !errors.Is(err, tasks.ErrTaskNotFound) {
		t.Fatalf("want ErrTaskNotFound got %v", err)
	}
}

func testResultStatus(t *testing.T, factory StoreFactory) {
	s := factory(t)
	task := newTask(t, s, nil, "")
	err := s.StoreTaskResult(context.Background(), task.TaskID, mcp.TaskStatusCancelled, json.RawMessage(`{}`), "")
	if !errors.Is(err, tasks.ErrInvalidStatus) {
		t.Fatalf("want ErrInvalidStatus got %v", err)
	}
}

func testConcurrentResult(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	task := newTask(t, s, nil, "")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.StoreTaskResult(ctx, task.TaskID, mcp.TaskStatusCompleted, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)), "")
			if err == nil {
				wins.Add(1)
			} else if !errors.Is(err, tasks.ErrTaskTerminal) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if want, got := int32(1), wins.Load(); want != got {
		t.Fatalf("winners: want %d got %d", want, got)
	}
}

func testSessionIsolation(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	owned := newTask(t, s, nil, "sess-a")
	anon := newTask(t, s, nil, "")

	if _, err := s.GetTask(ctx, owned.TaskID, "sess-b"); !errors.Is(err, tasks.ErrTaskNotFound) {
		t.Fatalf("other session: want ErrTaskNotFound got %v", err)
	}
	if err := s.UpdateTaskStatus(ctx, owned.TaskID, mcp.TaskStatusInputRequired, "", "sess-b"); !errors.Is(err, tasks.ErrTaskNotFound) {
		t.Fatalf("other session update: want ErrTaskNotFound got %v", err)
	}
	if _, err := s.GetTask(ctx, owned.TaskID, "sess-a"); err != nil {
		t.Fatalf("owner session: %v", err)
	}
	if _, err := s.GetTask(ctx, owned.TaskID, ""); err != nil {
		t.Fatalf("anonymous caller: %v", err)
	}
	if _, err := s.GetTask(ctx, anon.TaskID, "sess-b"); err != nil {
		t.Fatalf("anonymous task: %v", err)
	}
}

func testListPagination(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < tasks.DefaultPageSize+3; i++ {
		ids = append(ids, newTask(t, s, nil, "").TaskID)
	}

	page1, err := s.ListTasks(ctx, "", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if want, got := tasks.DefaultPageSize, len(page1.Tasks); want != got {
		t.Fatalf("page1 size: want %d got %d", want, got)
	}
	for i, task := range page1.Tasks {
		if task.TaskID != ids[i] {
			t.Fatalf("page1[%d]: want %s got %s", i, ids[i], task.TaskID)
		}
	}
	if want, got := ids[tasks.DefaultPageSize-1], page1.NextCursor; want != got {
		t.Fatalf("next cursor: want %s got %s", want, got)
	}

	page2, err := s.ListTasks(ctx, page1.NextCursor, "")
	if err != nil {
		t.Fatalf("list page2: %v", err)
	}
	if want, got := 3, len(page2.Tasks); want != got {
		t.Fatalf("page2 size: want %d got %d", want, got)
	}
	if page2.NextCursor != "" {
		t.Fatalf("expected no next cursor on last page, got %q", page2.NextCursor)
	}

	// Exactly one full page leaves no next cursor.
	s2 := factory(t)
	for i := 0; i < tasks.DefaultPageSize; i++ {
		newTask(t, s2, nil, "")
	}
	full, err := s2.ListTasks(ctx, "", "")
	if err != nil {
		t.Fatalf("list full: %v", err)
	}
	if full.NextCursor != "" {
		t.Fatalf("exact page must not carry a cursor, got %q", full.NextCursor)
	}
}

func testListUnknownCursor(t *testing.T, factory StoreFactory) {
	s := factory(t)
	newTask(t, s, nil, "")
	if _, err := s.ListTasks(context.Background(), "does-not-exist", ""); !errors.Is(err, tasks.ErrInvalidCursor) {
		t.Fatalf("want ErrInvalidCursor got %v", err)
	}
}

func testListSessionFilter(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	a1 := newTask(t, s, nil, "a")
	newTask(t, s, nil, "b")
	anon := newTask(t, s, nil, "")

	res, err := s.ListTasks(ctx, "", "a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if want, got := 2, len(res.Tasks); want != got {
		t.Fatalf("visible: want %d got %d", want, got)
	}
	if res.Tasks[0].TaskID != a1.TaskID || res.Tasks[1].TaskID != anon.TaskID {
		t.Fatalf("unexpected order: %+v", res.Tasks)
	}
	all, err := s.ListTasks(ctx, "", "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if want, got := 3, len(all.Tasks); want != got {
		t.Fatalf("anonymous list: want %d got %d", want, got)
	}
}

func waitGone(s tasks.Store, id string, deadline time.Duration) bool {
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if _, err := s.GetTask(context.Background(), id, ""); errors.Is(err, tasks.ErrTaskNotFound) {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

func testTTLExpires(t *testing.T, factory StoreFactory) {
	s := factory(t)
	task := newTask(t, s, durPtr(200*time.Millisecond), "")
	if task.TTL == nil || *task.TTL != 200 {
		t.Fatalf("ttl: want 200 got %v", task.TTL)
	}
	if !waitGone(s, task.TaskID, 3*time.Second) {
		t.Fatalf("task did not expire")
	}
	res, err := s.ListTasks(context.Background(), "", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(res.Tasks) != 0 {
		t.Fatalf("expired task still listed: %+v", res.Tasks)
	}
}

func testTTLReset(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	ttl := 600 * time.Millisecond
	task := newTask(t, s, &ttl, "")

	time.Sleep(400 * time.Millisecond)
	if err := s.StoreTaskResult(ctx, task.TaskID, mcp.TaskStatusCompleted, json.RawMessage(`{}`), ""); err != nil {
		t.Fatalf("store: %v", err)
	}
	// Past the original deadline but inside the re-armed window.
	time.Sleep(350 * time.Millisecond)
	if _, err := s.GetTask(ctx, task.TaskID, ""); err != nil {
		t.Fatalf("task expired on the creation clock: %v", err)
	}
	if !waitGone(s, task.TaskID, 3*time.Second) {
		t.Fatalf("task did not expire after reset window")
	}
}

func testTTLNil(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	task := newTask(t, s, nil, "")
	if err := s.UpdateTaskStatus(ctx, task.TaskID, mcp.TaskStatusFailed, "", ""); err != nil {
		t.Fatalf("update: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if _, err := s.GetTask(ctx, task.TaskID, ""); err != nil {
		t.Fatalf("nil ttl task disappeared: %v", err)
	}
}

func testTTLInvalid(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	req := json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/call"}`)
	for _, ttl := range []time.Duration{0, -time.Second, 500 * time.Microsecond} {
		_, err := s.CreateTask(ctx, tasks.CreateOptions{TTL: &ttl}, jsonrpc.NewRequestID(1), req, "")
		if !errors.Is(err, tasks.ErrInvalidTTL) {
			t.Fatalf("ttl %s: want ErrInvalidTTL got %v", ttl, err)
		}
	}
	res, err := s.ListTasks(ctx, "", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(res.Tasks) != 0 {
		t.Fatalf("rejected ttl left records: %+v", res.Tasks)
	}
}

func testExpiryDropsQueue(t *testing.T, factory LinkedFactory) {
	s, q := factory(t)
	ctx := context.Background()
	task := newTask(t, s, durPtr(200*time.Millisecond), "")
	for i := 0; i < 2; i++ {
		if err := q.Enqueue(ctx, task.TaskID, msg(i), "", 0); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if !waitGone(s, task.TaskID, 3*time.Second) {
		t.Fatalf("task did not expire")
	}
	time.Sleep(100 * time.Millisecond)
	left, err := q.DequeueAll(ctx, task.TaskID, "")
	if err != nil {
		t.Fatalf("dequeue all: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("expired task kept %d queued messages", len(left))
	}
}

func msg(n int) tasks.QueuedMessage {
	return tasks.QueuedMessage{
		Kind:      tasks.MessageNotification,
		Message:   json.RawMessage(fmt.Sprintf(`{"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":%d}}`, n)),
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func testQueueFIFO(t *testing.T, factory QueueFactory) {
	q := factory(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, "t1", msg(i), "", 0); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		m, err := q.Dequeue(ctx, "t1", "")
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if m == nil {
			t.Fatalf("dequeue %d: unexpected empty", i)
		}
		if want, got := string(msg(i).Message), string(m.Message); want != got {
			t.Fatalf("dequeue %d: want %s got %s", i, want, got)
		}
		if want, got := tasks.MessageNotification, m.Kind; want != got {
			t.Fatalf("kind: want %s got %s", want, got)
		}
	}
}

func testQueueEmpty(t *testing.T, factory QueueFactory) {
	q := factory(t)
	m, err := q.Dequeue(context.Background(), "nothing", "")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if m != nil {
		t.Fatalf("expected nil message, got %+v", m)
	}
	all, err := q.DequeueAll(context.Background(), "nothing", "")
	if err != nil {
		t.Fatalf("dequeue all: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected empty drain, got %d", len(all))
	}
}

func testQueueMaxSize(t *testing.T, factory QueueFactory) {
	q := factory(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := q.Enqueue(ctx, "t1", msg(i), "", 2); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := q.Enqueue(ctx, "t1", msg(2), "", 2); !errors.Is(err, tasks.ErrQueueFull) {
		t.Fatalf("want ErrQueueFull got %v", err)
	}
	all, err := q.DequeueAll(ctx, "t1", "")
	if err != nil {
		t.Fatalf("dequeue all: %v", err)
	}
	if want, got := 2, len(all); want != got {
		t.Fatalf("length after rejected enqueue: want %d got %d", want, got)
	}
}

func testQueueConcurrentMax(t *testing.T, factory QueueFactory) {
	q := factory(t)
	ctx := context.Background()
	const maxSize = 5

	var accepted atomic.Int32
	var g errgroup.Group
	for i := 0; i < 40; i++ {
		g.Go(func() error {
			err := q.Enqueue(ctx, "hot", msg(i), "", maxSize)
			switch {
			case err == nil:
				accepted.Add(1)
				return nil
			case errors.Is(err, tasks.ErrQueueFull):
				return nil
			default:
				return err
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if want, got := int32(maxSize), accepted.Load(); want != got {
		t.Fatalf("accepted: want %d got %d", want, got)
	}
	all, err := q.DequeueAll(ctx, "hot", "")
	if err != nil {
		t.Fatalf("dequeue all: %v", err)
	}
	if want, got := maxSize, len(all); want != got {
		t.Fatalf("queued: want %d got %d", want, got)
	}
}

func testQueueDrain(t *testing.T, factory QueueFactory) {
	q := factory(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := q.Enqueue(ctx, "t1", msg(i), "", 0); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	all, err := q.DequeueAll(ctx, "t1", "")
	if err != nil {
		t.Fatalf("dequeue all: %v", err)
	}
	if want, got := 4, len(all); want != got {
		t.Fatalf("drained: want %d got %d", want, got)
	}
	for i, m := range all {
		if want, got := string(msg(i).Message), string(m.Message); want != got {
			t.Fatalf("drain[%d]: want %s got %s", i, want, got)
		}
	}
	again, err := q.DequeueAll(ctx, "t1", "")
	if err != nil {
		t.Fatalf("dequeue all again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("queue not empty after drain: %d", len(again))
	}
	if m, _ := q.Dequeue(ctx, "t1", ""); m != nil {
		t.Fatalf("dequeue after drain returned %+v", m)
	}
}

func testQueueKeying(t *testing.T, factory QueueFactory) {
	q := factory(t)
	ctx := context.Background()
	if err := q.Enqueue(ctx, "t1", msg(1), "sess-a", 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	m, err := q.Dequeue(ctx, "t1", "sess-b")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if m == nil {
		t.Fatalf("queue must be addressable from another session")
	}
	if err := q.Enqueue(ctx, "t2", msg(2), "", 0); err != nil {
		t.Fatalf("enqueue t2: %v", err)
	}
	if m, _ := q.Dequeue(ctx, "t1", ""); m != nil {
		t.Fatalf("t1 should be empty, got %+v", m)
	}
}
