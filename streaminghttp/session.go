package streaminghttp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ggoodman/mcp-protocol-go/eventstore"
	"github.com/ggoodman/mcp-protocol-go/internal/logctx"
	"github.com/ggoodman/mcp-protocol-go/jsonrpc"
	"github.com/ggoodman/mcp-protocol-go/transport"
)

// standaloneStreamID is the id of the stream opened by GET.
const standaloneStreamID = ""

// Session is the transport.Transport of one MCP session. It multiplexes
// outbound messages onto the HTTP responses of the session: a response (and
// anything sent in relation to a request) goes to the stream of the POST
// that carried the request, everything else to the standalone stream.
type Session struct {
	h      *Handler
	id     string
	userID string
	events eventstore.Store

	deliverMu sync.Mutex

	mu         sync.Mutex
	cb         transport.Callbacks
	started    bool
	initID     *jsonrpc.RequestID
	version    string
	requests   map[any]*stream
	streams    map[string]*stream
	standalone *stream

	closeOnce sync.Once
	done      chan struct{}
}

var _ transport.Transport = (*Session)(nil)

func newSession(h *Handler, id, userID string) *Session {
	s := &Session{
		h:        h,
		id:       id,
		userID:   userID,
		requests: make(map[any]*stream),
		streams:  make(map[string]*stream),
		done:     make(chan struct{}),
	}
	// Without a session id nothing can reconnect, so nothing is recorded.
	if id != "" {
		s.events = h.cfg.events
	}
	return s
}

// SessionID implements transport.Transport.
func (s *Session) SessionID() string { return s.id }

// Start implements transport.Transport.
func (s *Session) Start(ctx context.Context, cb transport.Callbacks) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return transport.ErrClosed
	}
	if s.started {
		return transport.ErrAlreadyStarted
	}
	s.started = true
	s.cb = cb
	return nil
}

// Close implements transport.Transport. It ends every open stream of the
// session and forgets it.
func (s *Session) Close() error {
	s.close()
	return nil
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.h.forget(s)

		s.mu.Lock()
		streams := make([]*stream, 0, len(s.streams)+1)
		for _, st := range s.streams {
			streams = append(streams, st)
		}
		if s.standalone != nil {
			streams = append(streams, s.standalone)
		}
		cb, started := s.cb, s.started
		s.mu.Unlock()

		for _, st := range streams {
			st.mu.Lock()
			st.detachLocked()
			st.mu.Unlock()
		}
		if s.events != nil {
			if err := s.events.SessionClosed(context.Background(), s.id); err != nil {
				s.h.log.Warn("streaminghttp.session.events_close_fail", slog.String("session_id", s.id), slog.String("err", err.Error()))
			}
		}
		if started && cb.OnClose != nil {
			cb.OnClose()
		}
	})
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) protocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// deliver hands one inbound message to the engine. Deliveries are
// serialized so the engine sees messages in arrival order.
func (s *Session) deliver(ctx context.Context, m *jsonrpc.AnyMessage, info transport.MessageInfo) error {
	raw, err := jsonrpc.Encode(m)
	if err != nil {
		return err
	}
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	cb, started := s.cb, s.started
	s.mu.Unlock()
	if s.isClosed() {
		return transport.ErrClosed
	}
	if !started || cb.OnMessage == nil {
		return transport.ErrNotStarted
	}
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: m.Method, ID: m.ID.String(), Type: string(m.Type())})
	// The engine's work outlives the HTTP request that carried the message.
	cb.OnMessage(context.WithoutCancel(ctx), raw, info)
	return nil
}

// Send implements transport.Transport.
func (s *Session) Send(ctx context.Context, msg jsonrpc.Message, opts transport.SendOptions) error {
	if s.isClosed() {
		return transport.ErrClosed
	}
	m, err := jsonrpc.Decode(msg)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	isResponse := m.Type() == jsonrpc.KindResponse

	s.mu.Lock()
	var target *stream
	switch {
	case isResponse:
		target = s.requests[m.ID.Value()]
		delete(s.requests, m.ID.Value())
		if s.initID != nil && m.ID.Equal(s.initID) {
			var res struct {
				ProtocolVersion string `json:"protocolVersion"`
			}
			if json.Unmarshal(m.Result, &res) == nil && res.ProtocolVersion != "" {
				s.version = res.ProtocolVersion
			}
			s.initID = nil
		}
	case opts.RelatedRequestID != nil:
		target = s.requests[opts.RelatedRequestID.Value()]
	}
	if target != nil && target.json && !isResponse {
		// A JSON response carries nothing but responses.
		target = nil
	}
	if target == nil && !isResponse {
		target = s.standaloneLocked()
	}
	s.mu.Unlock()

	if target == nil {
		return fmt.Errorf("%w: no stream awaits response %s", ErrStreamNotFound, m.ID.String())
	}
	return target.write(ctx, msg, isResponse, m.ID.Value())
}

func (s *Session) standaloneLocked() *stream {
	if s.standalone == nil {
		s.standalone = newStream(s, standaloneStreamID, false, nil)
	}
	return s.standalone
}

func (s *Session) standaloneStream() *stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.standaloneLocked()
}

// openStream registers a stream awaiting responses to ids.
func (s *Session) openStream(streamID string, jsonMode bool, ids []*jsonrpc.RequestID) *stream {
	st := newStream(s, streamID, jsonMode, ids)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[st.id] = st
	for _, id := range ids {
		s.requests[id.Value()] = st
	}
	return st
}

// dropStream forgets st and any of its requests still unanswered.
func (s *Session) dropStream(st *stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streams[st.id] == st {
		delete(s.streams, st.id)
	}
	for id, other := range s.requests {
		if other == st {
			delete(s.requests, id)
		}
	}
}

func (s *Session) lookupStream(streamID string) *stream {
	if streamID == standaloneStreamID {
		return s.standaloneStream()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[streamID]
}

// CloseSSEStream ends the HTTP response carrying the stream of the request
// with id. The stream stays registered: later messages are recorded in the
// event store and replayed when the client reconnects with Last-Event-ID.
func (s *Session) CloseSSEStream(id *jsonrpc.RequestID) error {
	s.mu.Lock()
	st := s.requests[id.Value()]
	s.mu.Unlock()
	if st == nil {
		return fmt.Errorf("%w: request %s", ErrStreamNotFound, id.String())
	}
	st.mu.Lock()
	st.detachLocked()
	st.mu.Unlock()
	return nil
}

// CloseStandaloneSSEStream ends the HTTP response of the standalone stream.
func (s *Session) CloseStandaloneSSEStream() error {
	s.mu.Lock()
	st := s.standalone
	s.mu.Unlock()
	if st == nil {
		return fmt.Errorf("%w: standalone", ErrStreamNotFound)
	}
	st.mu.Lock()
	st.detachLocked()
	st.mu.Unlock()
	return nil
}

// stream is one logical SSE stream. Its HTTP response may come and go; its
// identity and event log persist until every awaited response is written.
type stream struct {
	s    *Session
	id   string
	json bool

	mu        sync.Mutex
	out       *streamWriter
	pending   map[any]struct{}
	responses []json.RawMessage
	opened    bool
	finished  bool
	doneCh    chan struct{}
}

func newStream(s *Session, id string, jsonMode bool, ids []*jsonrpc.RequestID) *stream {
	st := &stream{s: s, id: id, json: jsonMode, pending: make(map[any]struct{}, len(ids)), doneCh: make(chan struct{})}
	for _, rid := range ids {
		st.pending[rid.Value()] = struct{}{}
	}
	return st
}

// openLocked registers the stream with the event store once.
func (st *stream) openLocked(ctx context.Context) error {
	if st.s.events == nil || st.opened {
		return nil
	}
	if err := st.s.events.Open(ctx, st.s.id, st.id); err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	st.opened = true
	return nil
}

// attachLocked makes out the live response of the stream, releasing any
// previous one. With prime set and an event store configured, a priming
// event carrying an id and the retry hint is written first.
func (st *stream) attachLocked(ctx context.Context, out *streamWriter, prime bool) error {
	if err := st.openLocked(ctx); err != nil {
		return err
	}
	st.detachLocked()
	if prime && st.s.events != nil {
		idx, err := st.s.events.Append(ctx, st.s.id, st.id, nil)
		if err != nil {
			return fmt.Errorf("prime stream: %w", err)
		}
		if err := writeSSEEvent(out.wf, eventstore.FormatEventID(st.id, idx), st.s.h.cfg.retry, nil); err != nil {
			return err
		}
	}
	st.out = out
	return nil
}

func (st *stream) detachLocked() {
	if st.out != nil {
		st.out.release()
		st.out = nil
	}
}

// detach releases out if it is still the live response.
func (st *stream) detach(out *streamWriter) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.out == out {
		st.detachLocked()
	}
	out.release()
}

func (st *stream) write(ctx context.Context, msg jsonrpc.Message, isResponse bool, id any) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.json {
		st.responses = append(st.responses, json.RawMessage(msg))
		st.answeredLocked(id)
		return nil
	}

	var eventID string
	stored := false
	if st.s.events != nil {
		if err := st.openLocked(ctx); err != nil {
			st.s.h.log.WarnContext(ctx, "streaminghttp.stream.open_fail", slog.String("stream_id", st.id), slog.String("err", err.Error()))
		} else if idx, err := st.s.events.Append(ctx, st.s.id, st.id, msg); err != nil {
			st.s.h.log.WarnContext(ctx, "streaminghttp.stream.append_fail", slog.String("stream_id", st.id), slog.String("err", err.Error()))
		} else {
			eventID = eventstore.FormatEventID(st.id, idx)
			stored = true
		}
	}

	delivered := false
	if st.out != nil {
		if err := writeSSEEvent(st.out.wf, eventID, 0, msg); err != nil {
			st.s.h.log.InfoContext(ctx, "streaminghttp.stream.write_fail", slog.String("stream_id", st.id), slog.String("err", err.Error()))
			st.detachLocked()
		} else {
			delivered = true
		}
	}

	if isResponse {
		st.answeredLocked(id)
	}
	if !delivered && !stored {
		return fmt.Errorf("%w: stream %q has no open response", ErrStreamNotFound, st.id)
	}
	return nil
}

// answeredLocked records a response; the stream finishes with its last
// awaited response.
func (st *stream) answeredLocked(id any) {
	delete(st.pending, id)
	if len(st.pending) > 0 || st.finished || st.id == standaloneStreamID {
		return
	}
	st.finished = true
	close(st.doneCh)
	st.detachLocked()
	st.s.dropStream(st)
}

func (st *stream) collected() []json.RawMessage {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]json.RawMessage(nil), st.responses...)
}

// replay loads the events after index for a reconnecting client.
func (s *Session) replay(ctx context.Context, streamID string, index int) ([]eventstore.Event, error) {
	var out []eventstore.Event
	for ev, err := range s.events.After(ctx, s.id, streamID, index) {
		if err != nil {
			return nil, err
		}
		if len(ev.Data) == 0 {
			// Priming events carry no message.
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
