// Package redis implements tasks.Store and tasks.MessageQueue on Redis.
//
// Each task is a hash; a sorted set scored by a monotonic sequence keeps
// insertion order for ListTasks. Status transitions, result storage and
// bounded enqueues run as Lua scripts so the terminal-state check, the write
// and the TTL re-arm happen atomically across processes.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/ggoodman/mcp-protocol-go/jsonrpc"
	"github.com/ggoodman/mcp-protocol-go/mcp"
	"github.com/ggoodman/mcp-protocol-go/tasks"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed store and queue. Defaults can be loaded via
// envdecode.
type Config struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: TASKS_KEY_PREFIX
	KeyPrefix string `env:"TASKS_KEY_PREFIX,default=mcp:tasks:"`
	// PageSize for ListTasks. ENV: TASKS_PAGE_SIZE
	PageSize int `env:"TASKS_PAGE_SIZE,default=10"`

	// Client overrides Addr with an existing client. It is not closed by
	// Close.
	Client redis.UniversalClient
}

// Backend holds the client shared by Store and Queue.
type Backend struct {
	client    redis.UniversalClient
	ownClient bool
	keyPrefix string
	pageSize  int
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	b := &Backend{client: cfg.Client, keyPrefix: cfg.KeyPrefix, pageSize: cfg.PageSize}
	if b.client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		b.client = redis.NewClient(&redis.Options{Addr: addr})
		b.ownClient = true
	}
	if b.keyPrefix == "" {
		b.keyPrefix = "mcp:tasks:"
	}
	if b.pageSize <= 0 {
		b.pageSize = tasks.DefaultPageSize
	}
	if err := b.client.Ping(ctx).Err(); err != nil {
		if b.ownClient {
			_ = b.client.Close()
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return b, nil
}

// NewFromEnv builds a Backend using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Backend, error) {
	var cfg Config
	// Defaults are provided via struct tags; a missing environment is fine.
	_ = envdecode.Decode(&cfg)
	return New(ctx, cfg)
}

// Close closes the client when the Backend created it.
func (b *Backend) Close() error {
	if b.ownClient {
		return b.client.Close()
	}
	return nil
}

// Store returns the tasks.Store view.
func (b *Backend) Store() *Store { return &Store{b: b} }

// Queue returns the tasks.MessageQueue view.
func (b *Backend) Queue() *Queue { return &Queue{b: b} }

func (b *Backend) taskKey(id string) string  { return b.keyPrefix + "task:" + id }
func (b *Backend) indexKey() string          { return b.keyPrefix + "index" }
func (b *Backend) seqKey() string            { return b.keyPrefix + "seq" }
func (b *Backend) queueKey(id string) string { return b.keyPrefix + "queue:" + id }

// Store is a Redis tasks.Store.
type Store struct {
	b *Backend
}

var createScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[3])
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
local ttl = tonumber(ARGV[1])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
redis.call('ZADD', KEYS[2], seq, ARGV[2])
return seq
`)

// Return codes shared by the mutation scripts.
const (
	scriptOK       = 0
	scriptNotFound = -1
	scriptTerminal = -2
)

var updateScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then return -1 end
local owner = redis.call('HGET', key, 'sessionId')
if ARGV[3] ~= '' and owner and owner ~= '' and owner ~= ARGV[3] then return -1 end
local cur = redis.call('HGET', key, 'status')
if cur == 'completed' or cur == 'failed' or cur == 'cancelled' then return -2 end
redis.call('HSET', key, 'status', ARGV[1], 'statusMessage', ARGV[2], 'lastUpdatedAt', ARGV[4])
if ARGV[1] == 'completed' or ARGV[1] == 'failed' or ARGV[1] == 'cancelled' then
  local ttl = redis.call('HGET', key, 'ttl')
  if ttl and ttl ~= '' then
    redis.call('PEXPIRE', key, ttl)
    redis.call('PEXPIRE', KEYS[2], ttl)
  end
end
return 0
`)

var storeResultScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then return -1 end
local owner = redis.call('HGET', key, 'sessionId')
if ARGV[3] ~= '' and owner and owner ~= '' and owner ~= ARGV[3] then return -1 end
local cur = redis.call('HGET', key, 'status')
if cur == 'completed' or cur == 'failed' or cur == 'cancelled' then return -2 end
redis.call('HSET', key, 'status', ARGV[1], 'result', ARGV[2], 'lastUpdatedAt', ARGV[4])
local ttl = redis.call('HGET', key, 'ttl')
if ttl and ttl ~= '' then
  redis.call('PEXPIRE', key, ttl)
  redis.call('PEXPIRE', KEYS[2], ttl)
end
return 0
`)

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func optMillis(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return strconv.FormatInt(d.Milliseconds(), 10)
}

func (s *Store) CreateTask(ctx context.Context, opts tasks.CreateOptions, requestID *jsonrpc.RequestID, request json.RawMessage, sessionID string) (*mcp.Task, error) {
	if err := tasks.CheckTTL(opts.TTL); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	now := formatTime(time.Now())

	var ttlField, ttlArg string
	ttlArg = "0"
	if opts.TTL != nil {
		ttlField = strconv.FormatInt(opts.TTL.Milliseconds(), 10)
		ttlArg = ttlField
	}
	rid, err := json.Marshal(requestID)
	if err != nil {
		return nil, fmt.Errorf("marshal request id: %w", err)
	}

	args := []any{
		ttlArg, id,
		"taskId", id,
		"status", string(mcp.TaskStatusWorking),
		"statusMessage", "",
		"ttl", ttlField,
		"pollInterval", optMillis(opts.PollInterval),
		"createdAt", now,
		"lastUpdatedAt", now,
		"sessionId", sessionID,
		"requestId", string(rid),
		"request", string(request),
	}
	keys := []string{s.b.taskKey(id), s.b.indexKey(), s.b.seqKey()}
	if err := createScript.Run(ctx, s.b.client, keys, args...).Err(); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return s.GetTask(ctx, id, sessionID)
}

func (s *Store) load(ctx context.Context, taskID string) (map[string]string, error) {
	fields, err := s.b.client.HGetAll(ctx, s.b.taskKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", tasks.ErrTaskNotFound, taskID)
	}
	return fields, nil
}

func decodeTask(fields map[string]string) (*mcp.Task, error) {
	t := &mcp.Task{
		TaskID:        fields["taskId"],
		Status:        mcp.TaskStatus(fields["status"]),
		StatusMessage: fields["statusMessage"],
	}
	var err error
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["createdAt"]); err != nil {
		return nil, fmt.Errorf("decode createdAt: %w", err)
	}
	if t.LastUpdatedAt, err = time.Parse(time.RFC3339Nano, fields["lastUpdatedAt"]); err != nil {
		return nil, fmt.Errorf("decode lastUpdatedAt: %w", err)
	}
	if v := fields["ttl"]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode ttl: %w", err)
		}
		t.TTL = &n
	}
	if v := fields["pollInterval"]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode pollInterval: %w", err)
		}
		t.PollInterval = &n
	}
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, taskID, sessionID string) (*mcp.Task, error) {
	fields, err := s.load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !tasks.SessionVisible(fields["sessionId"], sessionID) {
		return nil, fmt.Errorf("%w: %s", tasks.ErrTaskNotFound, taskID)
	}
	return decodeTask(fields)
}

func scriptResult(code int, taskID string) error {
	switch code {
	case scriptOK:
		return nil
	case scriptNotFound:
		return fmt.Errorf("%w: %s", tasks.ErrTaskNotFound, taskID)
	case scriptTerminal:
		return fmt.Errorf("%w: %s", tasks.ErrTaskTerminal, taskID)
	default:
		return fmt.Errorf("unexpected script result %d", code)
	}
}

func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status mcp.TaskStatus, statusMessage, sessionID string) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: %q", tasks.ErrInvalidStatus, status)
	}
	code, err := updateScript.Run(ctx, s.b.client, []string{s.b.taskKey(taskID), s.b.queueKey(taskID)},
		string(status), statusMessage, sessionID, formatTime(time.Now())).Int()
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return scriptResult(code, taskID)
}

func (s *Store) StoreTaskResult(ctx context.Context, taskID string, status mcp.TaskStatus, result json.RawMessage, sessionID string) error {
	if err := tasks.CheckResultStatus(status); err != nil {
		return err
	}
	code, err := storeResultScript.Run(ctx, s.b.client, []string{s.b.taskKey(taskID), s.b.queueKey(taskID)},
		string(status), string(result), sessionID, formatTime(time.Now())).Int()
	if err != nil {
		return fmt.Errorf("store result: %w", err)
	}
	return scriptResult(code, taskID)
}

func (s *Store) GetTaskResult(ctx context.Context, taskID, sessionID string) (json.RawMessage, error) {
	vals, err := s.b.client.HMGet(ctx, s.b.taskKey(taskID), "taskId", "sessionId", "result").Result()
	if err != nil {
		return nil, fmt.Errorf("load result: %w", err)
	}
	if vals[0] == nil {
		return nil, fmt.Errorf("%w: %s", tasks.ErrTaskNotFound, taskID)
	}
	owner, _ := vals[1].(string)
	if !tasks.SessionVisible(owner, sessionID) {
		return nil, fmt.Errorf("%w: %s", tasks.ErrTaskNotFound, taskID)
	}
	res, ok := vals[2].(string)
	if !ok {
		return nil, fmt.Errorf("%w: %s", tasks.ErrResultNotReady, taskID)
	}
	return json.RawMessage(res), nil
}

func (s *Store) ListTasks(ctx context.Context, cursor, sessionID string) (*tasks.ListResult, error) {
	ids, err := s.b.client.ZRange(ctx, s.b.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list index: %w", err)
	}

	pipe := s.b.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.b.taskKey(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("list load: %w", err)
		}
	}

	var expired []any
	visible := make([]map[string]string, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			expired = append(expired, ids[i])
			continue
		}
		if tasks.SessionVisible(fields["sessionId"], sessionID) {
			visible = append(visible, fields)
		}
	}
	if len(expired) > 0 {
		_ = s.b.client.ZRem(context.WithoutCancel(ctx), s.b.indexKey(), expired...).Err()
	}

	start := 0
	if cursor != "" {
		i := slices.IndexFunc(visible, func(f map[string]string) bool { return f["taskId"] == cursor })
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", tasks.ErrInvalidCursor, cursor)
		}
		start = i + 1
	}
	end := min(start+s.b.pageSize, len(visible))

	out := &tasks.ListResult{Tasks: make([]mcp.Task, 0, end-start)}
	for _, fields := range visible[start:end] {
		t, err := decodeTask(fields)
		if err != nil {
			return nil, err
		}
		out.Tasks = append(out.Tasks, *t)
	}
	if end < len(visible) {
		out.NextCursor = visible[end-1]["taskId"]
	}
	return out, nil
}

var _ tasks.Store = (*Store)(nil)

// Queue is a Redis tasks.MessageQueue backed by one list per task. A list
// expires together with its task record when both share a Backend.
type Queue struct {
	b *Backend
}

var enqueueScript = redis.NewScript(`
local max = tonumber(ARGV[2])
if max > 0 and redis.call('LLEN', KEYS[1]) >= max then return -1 end
local n = redis.call('RPUSH', KEYS[1], ARGV[1])
local pttl = redis.call('PTTL', KEYS[2])
if pttl > 0 then redis.call('PEXPIRE', KEYS[1], pttl) end
return n
`)

func (q *Queue) Enqueue(ctx context.Context, taskID string, msg tasks.QueuedMessage, sessionID string, maxSize int) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal queued message: %w", err)
	}
	n, err := enqueueScript.Run(ctx, q.b.client, []string{q.b.queueKey(taskID), q.b.taskKey(taskID)}, data, maxSize).Int()
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if n < 0 {
		return fmt.Errorf("%w: %s holds %d messages", tasks.ErrQueueFull, taskID, maxSize)
	}
	return nil
}

func (q *Queue) Dequeue(ctx context.Context, taskID, sessionID string) (*tasks.QueuedMessage, error) {
	data, err := q.b.client.LPop(ctx, q.b.queueKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	var m tasks.QueuedMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode queued message: %w", err)
	}
	return &m, nil
}

func (q *Queue) DequeueAll(ctx context.Context, taskID, sessionID string) ([]tasks.QueuedMessage, error) {
	key := q.b.queueKey(taskID)
	var rng *redis.StringSliceCmd
	_, err := q.b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		rng = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dequeue all: %w", err)
	}
	raw := rng.Val()
	out := make([]tasks.QueuedMessage, 0, len(raw))
	for _, r := range raw {
		var m tasks.QueuedMessage
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("decode queued message: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

var _ tasks.MessageQueue = (*Queue)(nil)
