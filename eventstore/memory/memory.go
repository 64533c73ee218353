// Package memory provides an in-process eventstore.Store. Sessions are kept
// in a github.com/hashicorp/golang-lru/v2 cache so the least recently
// written sessions are evicted first, and every stream retains a bounded
// tail of its events.
package memory

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/ggoodman/mcp-protocol-go/eventstore"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultMaxSessions bounds how many sessions keep a log.
	DefaultMaxSessions = 1024
	// DefaultMaxEvents bounds the retained events per stream.
	DefaultMaxEvents = 1000
)

type streamLog struct {
	// first is the index of events[0].
	first  int
	events [][]byte
}

// Store implements eventstore.Store in memory.
type Store struct {
	mu        sync.Mutex
	sessions  *lru.Cache[string, map[string]*streamLog]
	maxEvents int
}

type config struct {
	maxSessions int
	maxEvents   int
}

// Option configures a Store.
type Option func(*config)

// WithMaxSessions bounds the number of sessions retained.
func WithMaxSessions(n int) Option { return func(c *config) { c.maxSessions = n } }

// WithMaxEvents bounds the events retained per stream.
func WithMaxEvents(n int) Option { return func(c *config) { c.maxEvents = n } }

// New creates an empty Store.
func New(opts ...Option) (*Store, error) {
	cfg := config{maxSessions: DefaultMaxSessions, maxEvents: DefaultMaxEvents}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxEvents <= 0 {
		return nil, fmt.Errorf("max events must be positive, got %d", cfg.maxEvents)
	}
	cache, err := lru.New[string, map[string]*streamLog](cfg.maxSessions)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &Store{sessions: cache, maxEvents: cfg.maxEvents}, nil
}

var _ eventstore.Store = (*Store)(nil)

// Open implements eventstore.Store.
func (s *Store) Open(ctx context.Context, sessionID, streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	streams, ok := s.sessions.Get(sessionID)
	if !ok {
		streams = make(map[string]*streamLog)
		s.sessions.Add(sessionID, streams)
	}
	if _, ok := streams[streamID]; !ok {
		streams[streamID] = &streamLog{}
	}
	return nil
}

// Append implements eventstore.Store.
func (s *Store) Append(ctx context.Context, sessionID, streamID string, data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	streams, ok := s.sessions.Get(sessionID)
	if !ok {
		return 0, fmt.Errorf("%w: %s/%s", eventstore.ErrUnknownStream, sessionID, streamID)
	}
	log, ok := streams[streamID]
	if !ok {
		return 0, fmt.Errorf("%w: %s/%s", eventstore.ErrUnknownStream, sessionID, streamID)
	}
	log.events = append(log.events, append([]byte(nil), data...))
	if over := len(log.events) - s.maxEvents; over > 0 {
		log.events = append([][]byte(nil), log.events[over:]...)
		log.first += over
	}
	return log.first + len(log.events) - 1, nil
}

// After implements eventstore.Store. The events are copied before the first
// yield, so a slow consumer never holds the lock.
func (s *Store) After(ctx context.Context, sessionID, streamID string, index int) iter.Seq2[eventstore.Event, error] {
	return func(yield func(eventstore.Event, error) bool) {
		s.mu.Lock()
		var (
			events []eventstore.Event
			err    error
		)
		streams, ok := s.sessions.Peek(sessionID)
		log := streams[streamID]
		switch {
		case !ok || log == nil:
			err = fmt.Errorf("%w: %s/%s", eventstore.ErrUnknownStream, sessionID, streamID)
		case index < log.first-1:
			err = fmt.Errorf("%w: %s/%s before %d", eventstore.ErrEventsPurged, sessionID, streamID, log.first)
		default:
			for i, data := range log.events {
				if idx := log.first + i; idx > index {
					events = append(events, eventstore.Event{Index: idx, Data: data})
				}
			}
		}
		s.mu.Unlock()

		if err != nil {
			yield(eventstore.Event{}, err)
			return
		}
		for _, ev := range events {
			if ctx.Err() != nil {
				yield(eventstore.Event{}, ctx.Err())
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// SessionClosed implements eventstore.Store.
func (s *Store) SessionClosed(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	s.sessions.Remove(sessionID)
	s.mu.Unlock()
	return nil
}
