// Package memory provides in-process implementations of tasks.Store and
// tasks.MessageQueue. Records live in maps guarded by a mutex; each record
// owns its own expiry timer.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ggoodman/mcp-protocol-go/jsonrpc"
	"github.com/ggoodman/mcp-protocol-go/mcp"
	"github.com/ggoodman/mcp-protocol-go/tasks"
	"github.com/google/uuid"
)

// Option configures a Store.
type Option func(*Store)

// WithPageSize overrides tasks.DefaultPageSize.
func WithPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithQueue links q to the store: when a record expires, q drops the
// messages still queued for it.
func WithQueue(q *Queue) Option {
	return func(s *Store) { s.queue = q }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

type record struct {
	task      mcp.Task
	ttl       *time.Duration
	requestID *jsonrpc.RequestID
	request   json.RawMessage
	sessionID string
	result    json.RawMessage

	// expiry is the deletion token for this record. It is stopped and
	// re-armed whenever the TTL window restarts.
	expiry *time.Timer
}

// Store is an in-memory tasks.Store.
type Store struct {
	mu       sync.Mutex
	records  map[string]*record
	order    []string
	pageSize int
	now      func() time.Time
	queue    *Queue
}

// NewStore constructs an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		records:  make(map[string]*record),
		pageSize: tasks.DefaultPageSize,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) CreateTask(ctx context.Context, opts tasks.CreateOptions, requestID *jsonrpc.RequestID, request json.RawMessage, sessionID string) (*mcp.Task, error) {
	if err := tasks.CheckTTL(opts.TTL); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	rec := &record{
		task: mcp.Task{
			TaskID:        uuid.NewString(),
			Status:        mcp.TaskStatusWorking,
			TTL:           tasks.TTLMillis(opts.TTL),
			CreatedAt:     now,
			LastUpdatedAt: now,
		},
		ttl:       opts.TTL,
		requestID: requestID,
		request:   append(json.RawMessage(nil), request...),
		sessionID: sessionID,
	}
	if opts.PollInterval > 0 {
		ms := opts.PollInterval.Milliseconds()
		rec.task.PollInterval = &ms
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.task.TaskID]; exists {
		return nil, fmt.Errorf("task id collision: %s", rec.task.TaskID)
	}
	s.records[rec.task.TaskID] = rec
	s.order = append(s.order, rec.task.TaskID)
	s.armExpiryLocked(rec)

	t := rec.task
	return &t, nil
}

// armExpiryLocked cancels any pending deletion for rec and schedules a new
// one ttl from now.
func (s *Store) armExpiryLocked(rec *record) {
	if rec.expiry != nil {
		rec.expiry.Stop()
		rec.expiry = nil
	}
	if rec.ttl == nil {
		return
	}
	id := rec.task.TaskID
	var token *time.Timer
	token = time.AfterFunc(*rec.ttl, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		cur, ok := s.records[id]
		if !ok || cur.expiry != token {
			return
		}
		s.deleteLocked(id)
		if s.queue != nil {
			s.queue.purge(id)
		}
	})
	rec.expiry = token
}

func (s *Store) deleteLocked(id string) {
	delete(s.records, id)
	if i := slices.Index(s.order, id); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
}

func (s *Store) lookupLocked(taskID, sessionID string) (*record, error) {
	rec, ok := s.records[taskID]
	if !ok || !tasks.SessionVisible(rec.sessionID, sessionID) {
		return nil, fmt.Errorf("%w: %s", tasks.ErrTaskNotFound, taskID)
	}
	return rec, nil
}

func (s *Store) GetTask(ctx context.Context, taskID, sessionID string) (*mcp.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookupLocked(taskID, sessionID)
	if err != nil {
		return nil, err
	}
	t := rec.task
	return &t, nil
}

func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status mcp.TaskStatus, statusMessage, sessionID string) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: %q", tasks.ErrInvalidStatus, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookupLocked(taskID, sessionID)
	if err != nil {
		return err
	}
	if rec.task.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", tasks.ErrTaskTerminal, taskID, rec.task.Status)
	}
	rec.task.Status = status
	rec.task.StatusMessage = statusMessage
	rec.task.LastUpdatedAt = s.now().UTC()
	if status.IsTerminal() {
		s.armExpiryLocked(rec)
	}
	return nil
}

func (s *Store) StoreTaskResult(ctx context.Context, taskID string, status mcp.TaskStatus, result json.RawMessage, sessionID string) error {
	if err := tasks.CheckResultStatus(status); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookupLocked(taskID, sessionID)
	if err != nil {
		return err
	}
	if rec.task.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", tasks.ErrTaskTerminal, taskID, rec.task.Status)
	}
	rec.result = append(json.RawMessage(nil), result...)
	rec.task.Status = status
	rec.task.LastUpdatedAt = s.now().UTC()
	s.armExpiryLocked(rec)
	return nil
}

func (s *Store) GetTaskResult(ctx context.Context, taskID, sessionID string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookupLocked(taskID, sessionID)
	if err != nil {
		return nil, err
	}
	if rec.result == nil {
		return nil, fmt.Errorf("%w: %s", tasks.ErrResultNotReady, taskID)
	}
	return append(json.RawMessage(nil), rec.result...), nil
}

func (s *Store) ListTasks(ctx context.Context, cursor, sessionID string) (*tasks.ListResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	visible := make([]string, 0, len(s.order))
	for _, id := range s.order {
		if tasks.SessionVisible(s.records[id].sessionID, sessionID) {
			visible = append(visible, id)
		}
	}

	start := 0
	if cursor != "" {
		i := slices.Index(visible, cursor)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", tasks.ErrInvalidCursor, cursor)
		}
		start = i + 1
	}
	end := min(start+s.pageSize, len(visible))

	out := &tasks.ListResult{Tasks: make([]mcp.Task, 0, end-start)}
	for _, id := range visible[start:end] {
		out.Tasks = append(out.Tasks, s.records[id].task)
	}
	if end < len(visible) {
		out.NextCursor = visible[end-1]
	}
	return out, nil
}

// Close stops every pending expiry timer.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.expiry != nil {
			rec.expiry.Stop()
		}
	}
	return nil
}

var _ tasks.Store = (*Store)(nil)

// Queue is an in-memory tasks.MessageQueue.
type Queue struct {
	mu     sync.Mutex
	queues map[string][]tasks.QueuedMessage
}

// NewQueue constructs an empty Queue.
func NewQueue() *Queue {
	return &Queue{queues: make(map[string][]tasks.QueuedMessage)}
}

func (q *Queue) Enqueue(ctx context.Context, taskID string, msg tasks.QueuedMessage, sessionID string, maxSize int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cur := q.queues[taskID]
	if maxSize > 0 && len(cur) >= maxSize {
		return fmt.Errorf("%w: %s holds %d messages", tasks.ErrQueueFull, taskID, len(cur))
	}
	q.queues[taskID] = append(cur, msg)
	return nil
}

func (q *Queue) Dequeue(ctx context.Context, taskID, sessionID string) (*tasks.QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cur := q.queues[taskID]
	if len(cur) == 0 {
		return nil, nil
	}
	head := cur[0]
	if len(cur) == 1 {
		delete(q.queues, taskID)
	} else {
		q.queues[taskID] = cur[1:]
	}
	return &head, nil
}

func (q *Queue) DequeueAll(ctx context.Context, taskID, sessionID string) ([]tasks.QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cur := q.queues[taskID]
	delete(q.queues, taskID)
	return cur, nil
}

func (q *Queue) purge(taskID string) {
	q.mu.Lock()
	delete(q.queues, taskID)
	q.mu.Unlock()
}

var _ tasks.MessageQueue = (*Queue)(nil)
