package mcp

import "time"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusWorking       TaskStatus = "working"
	TaskStatusInputRequired TaskStatus = "input_required"
	TaskStatusCompleted     TaskStatus = "completed"
	TaskStatusFailed        TaskStatus = "failed"
	TaskStatusCancelled     TaskStatus = "cancelled"
)

// IsTerminal reports whether s is absorbing. No transition leaves a terminal
// status.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// IsValid reports whether s is one of the defined statuses.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusWorking, TaskStatusInputRequired, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Task is the wire representation of a long-running operation. TTL and
// PollInterval are milliseconds; a nil TTL never expires.
type Task struct {
	TaskID        string     `json:"taskId"`
	Status        TaskStatus `json:"status"`
	StatusMessage string     `json:"statusMessage,omitzero"`
	TTL           *int64     `json:"ttl"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastUpdatedAt time.Time  `json:"lastUpdatedAt"`
	PollInterval  *int64     `json:"pollInterval,omitempty"`
}

// TTLDuration returns the TTL as a duration, or nil.
func (t *Task) TTLDuration() *time.Duration {
	if t.TTL == nil {
		return nil
	}
	d := time.Duration(*t.TTL) * time.Millisecond
	return &d
}

// PollDuration returns the suggested poll interval, or fallback when unset.
func (t *Task) PollDuration(fallback time.Duration) time.Duration {
	if t.PollInterval == nil || *t.PollInterval <= 0 {
		return fallback
	}
	return time.Duration(*t.PollInterval) * time.Millisecond
}

// TaskMetadata is the "task" member of a task-augmented request.
type TaskMetadata struct {
	TTL *int64 `json:"ttl,omitempty"`
}

// CreateTaskResult is the immediate answer to a task-augmented request.
type CreateTaskResult struct {
	Task Task  `json:"task"`
	Meta *Meta `json:"_meta,omitempty"`
}

// GetTaskParams are the params of tasks/get.
type GetTaskParams struct {
	TaskID string `json:"taskId"`
}

// GetTaskResultParams are the params of tasks/result.
type GetTaskResultParams struct {
	TaskID string `json:"taskId"`
}

// CancelTaskParams are the params of tasks/cancel.
type CancelTaskParams struct {
	TaskID string `json:"taskId"`
}

// ListTasksParams are the params of tasks/list.
type ListTasksParams struct {
	Cursor string `json:"cursor,omitzero"`
}

// ListTasksResult is one page of tasks.
type ListTasksResult struct {
	Tasks      []Task `json:"tasks"`
	NextCursor string `json:"nextCursor,omitzero"`
}

// TaskStatusNotificationParams announce a status change.
type TaskStatusNotificationParams struct {
	Task
}
