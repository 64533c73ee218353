// Package redis implements eventstore.Store on Redis so a session's streams
// can be resumed on any node behind a load balancer.
//
// Each stream is a counter key holding the next index and a capped list of
// event payloads; a set per session names its streams for cleanup. Appends
// run as one Lua script so index assignment, the push and the trim are
// atomic.
package redis

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/ggoodman/mcp-protocol-go/eventstore"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis event store. Defaults can be loaded via envdecode.
type Config struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: EVENTS_KEY_PREFIX
	KeyPrefix string `env:"EVENTS_KEY_PREFIX,default=mcp:events:"`
	// MaxEvents retained per stream. ENV: EVENTS_MAX_PER_STREAM
	MaxEvents int `env:"EVENTS_MAX_PER_STREAM,default=1000"`
	// TTL re-armed on every write; zero keeps logs until SessionClosed.
	// ENV: EVENTS_TTL
	TTL time.Duration `env:"EVENTS_TTL,default=1h"`

	// Client overrides Addr with an existing client. It is not closed by
	// Close.
	Client redis.UniversalClient
}

// Store is a Redis eventstore.Store.
type Store struct {
	client    redis.UniversalClient
	ownClient bool
	keyPrefix string
	maxEvents int
	ttl       time.Duration
}

var _ eventstore.Store = (*Store)(nil)

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Store, error) {
	s := &Store{client: cfg.Client, keyPrefix: cfg.KeyPrefix, maxEvents: cfg.MaxEvents, ttl: cfg.TTL}
	if s.client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		s.client = redis.NewClient(&redis.Options{Addr: addr})
		s.ownClient = true
	}
	if s.keyPrefix == "" {
		s.keyPrefix = "mcp:events:"
	}
	if s.maxEvents <= 0 {
		s.maxEvents = 1000
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		if s.ownClient {
			_ = s.client.Close()
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return s, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Store, error) {
	var cfg Config
	// Defaults are provided via struct tags; a missing environment is fine.
	_ = envdecode.Decode(&cfg)
	return New(ctx, cfg)
}

// Close closes the client when the Store created it.
func (s *Store) Close() error {
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}

func (s *Store) seqKey(session, stream string) string {
	return s.keyPrefix + "seq:" + session + ":" + stream
}
func (s *Store) logKey(session, stream string) string {
	return s.keyPrefix + "log:" + session + ":" + stream
}
func (s *Store) sessionKey(session string) string { return s.keyPrefix + "session:" + session }

var openScript = redis.NewScript(`
redis.call('SET', KEYS[1], 0, 'NX')
redis.call('SADD', KEYS[2], ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
  redis.call('PEXPIRE', KEYS[2], ttl)
end
return 0
`)

var appendScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local idx = redis.call('INCR', KEYS[1]) - 1
redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('LTRIM', KEYS[2], -tonumber(ARGV[2]), -1)
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
  redis.call('PEXPIRE', KEYS[2], ttl)
  redis.call('PEXPIRE', KEYS[3], ttl)
end
return idx
`)

var readScript = redis.NewScript(`
local seq = redis.call('GET', KEYS[1])
if not seq then return false end
local items = redis.call('LRANGE', KEYS[2], 0, -1)
table.insert(items, 1, seq)
return items
`)

// Open implements eventstore.Store.
func (s *Store) Open(ctx context.Context, sessionID, streamID string) error {
	keys := []string{s.seqKey(sessionID, streamID), s.sessionKey(sessionID)}
	if err := openScript.Run(ctx, s.client, keys, streamID, s.ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	return nil
}

// Append implements eventstore.Store.
func (s *Store) Append(ctx context.Context, sessionID, streamID string, data []byte) (int, error) {
	keys := []string{s.seqKey(sessionID, streamID), s.logKey(sessionID, streamID), s.sessionKey(sessionID)}
	idx, err := appendScript.Run(ctx, s.client, keys, data, s.maxEvents, s.ttl.Milliseconds()).Int()
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	if idx < 0 {
		return 0, fmt.Errorf("%w: %s/%s", eventstore.ErrUnknownStream, sessionID, streamID)
	}
	return idx, nil
}

// After implements eventstore.Store. The retained tail is read in one
// script call, then yielded.
func (s *Store) After(ctx context.Context, sessionID, streamID string, index int) iter.Seq2[eventstore.Event, error] {
	return func(yield func(eventstore.Event, error) bool) {
		keys := []string{s.seqKey(sessionID, streamID), s.logKey(sessionID, streamID)}
		res, err := readScript.Run(ctx, s.client, keys).StringSlice()
		if errors.Is(err, redis.Nil) {
			yield(eventstore.Event{}, fmt.Errorf("%w: %s/%s", eventstore.ErrUnknownStream, sessionID, streamID))
			return
		}
		if err != nil {
			yield(eventstore.Event{}, fmt.Errorf("read events: %w", err))
			return
		}
		next, err := strconv.Atoi(res[0])
		if err != nil {
			yield(eventstore.Event{}, fmt.Errorf("read events: bad sequence %q: %w", res[0], err))
			return
		}
		items := res[1:]
		first := next - len(items)
		if index < first-1 {
			yield(eventstore.Event{}, fmt.Errorf("%w: %s/%s before %d", eventstore.ErrEventsPurged, sessionID, streamID, first))
			return
		}
		for i, data := range items {
			idx := first + i
			if idx <= index {
				continue
			}
			if !yield(eventstore.Event{Index: idx, Data: []byte(data)}, nil) {
				return
			}
		}
	}
}

// SessionClosed implements eventstore.Store.
func (s *Store) SessionClosed(ctx context.Context, sessionID string) error {
	streams, err := s.client.SMembers(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("list session streams: %w", err)
	}
	keys := []string{s.sessionKey(sessionID)}
	for _, stream := range streams {
		keys = append(keys, s.seqKey(sessionID, stream), s.logKey(sessionID, stream))
	}
	// Keys may live on different slots in a cluster, so delete one by one.
	for _, k := range keys {
		if err := s.client.Del(ctx, k).Err(); err != nil {
			return fmt.Errorf("delete %s: %w", k, err)
		}
	}
	return nil
}
