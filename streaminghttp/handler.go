package streaminghttp

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-protocol-go/auth"
	"github.com/ggoodman/mcp-protocol-go/eventstore"
	"github.com/ggoodman/mcp-protocol-go/internal/logctx"
	"github.com/ggoodman/mcp-protocol-go/internal/sessionid"
	"github.com/ggoodman/mcp-protocol-go/jsonrpc"
	"github.com/ggoodman/mcp-protocol-go/mcp"
	"github.com/ggoodman/mcp-protocol-go/transport"
	"github.com/google/uuid"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	// ErrSessionNotFound indicates an unknown or terminated session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStreamNotFound indicates no stream matches, or a message found no
	// open stream and no event store to hold it.
	ErrStreamNotFound = errors.New("stream not found")
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	jsonMediaTypes        = []contenttype.MediaType{jsonMediaType}
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Use canonical header names for clarity; Go matches headers case-insensitively.
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	authorizationHeader      = "Authorization"
	wwwAuthenticateHeader    = "WWW-Authenticate"
)

// errorCodeTransport is the JSON-RPC code used for HTTP-level rejections
// that are neither parse errors nor invalid requests.
const errorCodeTransport jsonrpc.ErrorCode = -32000

const (
	// DefaultMaxBodyBytes bounds POST bodies.
	DefaultMaxBodyBytes = 4 << 20
	// DefaultRetryInterval is the reconnection delay sent in priming events.
	DefaultRetryInterval = time.Second
)

// writeRPCError emits a JSON-RPC error response with a null id for
// rejections that happen before any message could be dispatched.
func writeRPCError(w http.ResponseWriter, status int, code jsonrpc.ErrorCode, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonrpc.NewErrorResponse(nil, code, msg, nil))
}

// ConnectFunc attaches an engine to a new session, typically by creating a
// server and calling its Connect with t.
type ConnectFunc func(ctx context.Context, t transport.Transport) error

// Option configures the Handler.
type Option func(*config)

type config struct {
	log           *slog.Logger
	newSessionID  func() string
	signKid       string
	signKey       ed25519.PrivateKey
	events        eventstore.Store
	jsonResponse  bool
	supersede     bool
	retry         time.Duration
	authenticator auth.Authenticator
	prm           *auth.ProtectedResourceMetadata
	prmURL        string
	maxBodyBytes  int64
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.log = l }
}

// WithSessionIDGenerator enables stateful mode with ids from gen.
func WithSessionIDGenerator(gen func() string) Option {
	return func(c *config) { c.newSessionID = gen }
}

// WithUUIDSessionIDs enables stateful mode with random UUID session ids.
func WithUUIDSessionIDs() Option {
	return WithSessionIDGenerator(uuid.NewString)
}

// WithSignedSessionIDs enables stateful mode with session ids signed by key
// under kid. Ids carry the user that created the session, so forged or
// foreign ids are rejected before the session table is consulted.
func WithSignedSessionIDs(kid string, key ed25519.PrivateKey) Option {
	return func(c *config) { c.signKid, c.signKey = kid, key }
}

// WithEventStore records every stream message so clients can resume with
// Last-Event-ID. POST streams then open with a priming event.
func WithEventStore(s eventstore.Store) Option {
	return func(c *config) { c.events = s }
}

// WithJSONResponse answers POSTs with a single JSON body instead of an SSE
// stream. Messages related to the request then go to the standalone stream.
func WithJSONResponse() Option {
	return func(c *config) { c.jsonResponse = true }
}

// WithStandaloneSupersede lets a new GET replace the open standalone stream
// instead of failing with 409.
func WithStandaloneSupersede() Option {
	return func(c *config) { c.supersede = true }
}

// WithRetryInterval sets the retry hint of priming events.
func WithRetryInterval(d time.Duration) Option {
	return func(c *config) { c.retry = d }
}

// WithAuthenticator requires a bearer token on every MCP request.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(c *config) { c.authenticator = a }
}

// WithProtectedResourceMetadata serves md at the path of metadataURL and
// advertises metadataURL in WWW-Authenticate challenges.
func WithProtectedResourceMetadata(metadataURL string, md auth.ProtectedResourceMetadata) Option {
	return func(c *config) { c.prmURL, c.prm = metadataURL, &md }
}

// WithMaxBodyBytes bounds POST bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(c *config) { c.maxBodyBytes = n }
}

// Handler implements the Streamable HTTP transport of the Model Context
// Protocol. Each session is a transport.Transport handed to the ConnectFunc.
type Handler struct {
	connect ConnectFunc
	cfg     config
	log     *slog.Logger
	signer  *sessionid.Signer
	mux     *http.ServeMux

	mu       sync.Mutex
	sessions map[string]*Session
}

// New builds a Handler. Without a session id option it runs stateless: each
// POST gets a fresh session that ends with the request, and GET and DELETE
// are not allowed.
func New(connect ConnectFunc, opts ...Option) (*Handler, error) {
	if connect == nil {
		return nil, fmt.Errorf("connect func is required")
	}
	cfg := config{log: slog.Default(), retry: DefaultRetryInterval, maxBodyBytes: DefaultMaxBodyBytes}
	for _, opt := range opts {
		opt(&cfg)
	}

	h := &Handler{connect: connect, cfg: cfg, log: logctx.Wrap(cfg.log), sessions: make(map[string]*Session)}
	if cfg.signKey != nil {
		signer, err := sessionid.NewSigner(cfg.signKid, cfg.signKey)
		if err != nil {
			return nil, fmt.Errorf("session id signer: %w", err)
		}
		h.signer = signer
	}

	mux := http.NewServeMux()
	if cfg.prm != nil {
		u, err := url.Parse(cfg.prmURL)
		if err != nil {
			return nil, fmt.Errorf("invalid protected resource metadata URL %q: %w", cfg.prmURL, err)
		}
		mux.HandleFunc(fmt.Sprintf("GET %s", pathOnly(u)), h.handleGetProtectedResourceMetadata)
		mux.HandleFunc(fmt.Sprintf("OPTIONS %s", pathOnly(u)), h.handleOptionsProtectedResourceMetadata)
	}
	mux.HandleFunc("/", h.handleMCP)
	h.mux = mux
	return h, nil
}

// pathOnly returns just the URL path or "/" if empty.
func pathOnly(u *url.URL) string {
	if u == nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

func (h *Handler) stateful() bool {
	return h.cfg.newSessionID != nil || h.signer != nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func (h *Handler) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		writeRPCError(w, http.StatusMethodNotAllowed, errorCodeTransport, "method not allowed")
	}
}

// Close terminates every session.
func (h *Handler) Close() error {
	h.mu.Lock()
	all := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	h.mu.Unlock()
	for _, s := range all {
		s.close()
	}
	return nil
}

// CloseSSEStream ends the HTTP response carrying the stream of requestID in
// the given session. See Session.CloseSSEStream.
func (h *Handler) CloseSSEStream(sessionID string, requestID *jsonrpc.RequestID) error {
	s := h.session(sessionID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s.CloseSSEStream(requestID)
}

// CloseStandaloneSSEStream ends the standalone stream of the session.
func (h *Handler) CloseStandaloneSSEStream(sessionID string) error {
	s := h.session(sessionID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s.CloseStandaloneSSEStream()
}

func (h *Handler) session(id string) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[id]
}

func (h *Handler) forget(s *Session) {
	if s.id == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[s.id] == s {
		delete(h.sessions, s.id)
	}
}

func userID(u auth.UserInfo) string {
	if u == nil {
		return ""
	}
	return u.UserID()
}

// openSession connects a new session and, when it has an id, records it.
func (h *Handler) openSession(ctx context.Context, id string, user auth.UserInfo) (*Session, error) {
	s := newSession(h, id, userID(user))
	if err := h.connect(context.WithoutCancel(ctx), s); err != nil {
		s.close()
		return nil, err
	}
	if id != "" {
		h.mu.Lock()
		h.sessions[id] = s
		h.mu.Unlock()
	}
	return s, nil
}

func (h *Handler) mintSessionID(user auth.UserInfo) (string, error) {
	if h.signer != nil {
		return h.signer.Mint(userID(user))
	}
	return h.cfg.newSessionID(), nil
}

// lookupSession resolves the Mcp-Session-Id header. A session belongs to
// the user that created it; presenting it as anyone else looks like an
// unknown session.
func (h *Handler) lookupSession(ctx context.Context, w http.ResponseWriter, r *http.Request, user auth.UserInfo) (*Session, bool) {
	id := r.Header.Get(mcpSessionIDHeader)
	if id == "" {
		writeRPCError(w, http.StatusBadRequest, errorCodeTransport, "missing "+mcpSessionIDHeader+" header")
		h.log.InfoContext(ctx, "streaminghttp.session.missing")
		return nil, false
	}
	if h.signer != nil {
		claims, err := h.signer.Verify(id)
		if err != nil || claims.UserID != userID(user) {
			writeRPCError(w, http.StatusNotFound, errorCodeTransport, "session not found")
			h.log.InfoContext(ctx, "streaminghttp.session.invalid")
			return nil, false
		}
	}
	s := h.session(id)
	if s == nil {
		writeRPCError(w, http.StatusNotFound, errorCodeTransport, "session not found")
		h.log.InfoContext(ctx, "streaminghttp.session.miss")
		return nil, false
	}
	if s.userID != userID(user) {
		writeRPCError(w, http.StatusNotFound, errorCodeTransport, "session not found")
		h.log.WarnContext(ctx, "streaminghttp.session.user_mismatch")
		return nil, false
	}
	return s, true
}

// checkProtocolVersion rejects unsupported Mcp-Protocol-Version headers and
// headers disagreeing with the version negotiated by the session.
func (h *Handler) checkProtocolVersion(ctx context.Context, w http.ResponseWriter, r *http.Request, s *Session) bool {
	pv := r.Header.Get(mcpProtocolVersionHeader)
	if pv == "" {
		return true
	}
	if !mcp.IsSupportedProtocolVersion(pv) {
		writeRPCError(w, http.StatusBadRequest, errorCodeTransport, "unsupported protocol version "+pv)
		h.log.WarnContext(ctx, "streaminghttp.protocol_version.unsupported", slog.String("client_version", pv))
		return false
	}
	if s != nil {
		if spv := s.protocolVersion(); spv != "" && spv != pv {
			writeRPCError(w, http.StatusBadRequest, errorCodeTransport, "protocol version mismatch")
			h.log.WarnContext(ctx, "streaminghttp.protocol_version.mismatch", slog.String("client_version", pv))
			return false
		}
	}
	return true
}

func acceptable(r *http.Request, types []contenttype.MediaType) bool {
	_, _, err := contenttype.GetAcceptableMediaType(r, types)
	return err == nil
}

// handlePost handles POST, which carries client messages and, for
// initialize, establishes the session.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "streaminghttp.post.start")

	user, ok := h.authenticate(ctx, w, r)
	if !ok {
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeRPCError(w, http.StatusUnsupportedMediaType, errorCodeTransport, "content-type must be application/json")
		h.log.WarnContext(ctx, "streaminghttp.post.content_type_unsupported")
		return
	}
	if !acceptable(r, jsonMediaTypes) || (!h.cfg.jsonResponse && !acceptable(r, eventStreamMediaTypes)) {
		writeRPCError(w, http.StatusNotAcceptable, errorCodeTransport, "client must accept application/json and text/event-stream")
		h.log.WarnContext(ctx, "streaminghttp.post.accept_unsupported", slog.String("accept", r.Header.Get("Accept")))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeRPCError(w, http.StatusRequestEntityTooLarge, errorCodeTransport, "request body too large")
		} else {
			writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "failed to read body")
		}
		h.log.WarnContext(ctx, "streaminghttp.post.read_fail", slog.String("err", err.Error()))
		return
	}
	msgs, batch, err := jsonrpc.ParseBatch(body)
	if err != nil {
		if errors.Is(err, jsonrpc.ErrEmptyBatch) {
			writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "empty batch")
		} else {
			writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "parse error: "+err.Error())
		}
		h.log.WarnContext(ctx, "streaminghttp.post.parse_fail", slog.String("err", err.Error()))
		return
	}

	var ids []*jsonrpc.RequestID
	var initID *jsonrpc.RequestID
	for _, m := range msgs {
		if m.Type() != jsonrpc.KindRequest {
			continue
		}
		ids = append(ids, m.ID)
		if m.Method == string(mcp.InitializeMethod) {
			initID = m.ID
		}
	}
	if initID != nil && len(msgs) > 1 {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "initialize must not be batched")
		h.log.WarnContext(ctx, "streaminghttp.post.initialize_batched")
		return
	}

	var sess *Session
	switch {
	case !h.stateful():
		if !h.checkProtocolVersion(ctx, w, r, nil) {
			return
		}
		if sess, err = h.openSession(ctx, "", user); err != nil {
			writeRPCError(w, http.StatusInternalServerError, errorCodeTransport, "failed to connect session")
			h.log.ErrorContext(ctx, "streaminghttp.session.connect_fail", slog.String("err", err.Error()))
			return
		}
		defer sess.close()
	case initID != nil:
		if r.Header.Get(mcpSessionIDHeader) != "" {
			writeRPCError(w, http.StatusConflict, jsonrpc.ErrorCodeInvalidRequest, "session already initialized")
			h.log.WarnContext(ctx, "streaminghttp.session.initialize_redundant")
			return
		}
		if !h.checkProtocolVersion(ctx, w, r, nil) {
			return
		}
		id, err := h.mintSessionID(user)
		if err != nil {
			writeRPCError(w, http.StatusInternalServerError, errorCodeTransport, "failed to create session")
			h.log.ErrorContext(ctx, "streaminghttp.session.mint_fail", slog.String("err", err.Error()))
			return
		}
		if sess, err = h.openSession(ctx, id, user); err != nil {
			writeRPCError(w, http.StatusInternalServerError, errorCodeTransport, "failed to connect session")
			h.log.ErrorContext(ctx, "streaminghttp.session.connect_fail", slog.String("err", err.Error()))
			return
		}
		w.Header().Set(mcpSessionIDHeader, id)
		h.log.InfoContext(ctx, "streaminghttp.session.created")
	default:
		if sess, ok = h.lookupSession(ctx, w, r, user); !ok {
			return
		}
		if !h.checkProtocolVersion(ctx, w, r, sess) {
			return
		}
	}
	if initID != nil {
		sess.mu.Lock()
		sess.initID = initID
		sess.mu.Unlock()
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.id, UserID: sess.userID, ProtocolVersion: sess.protocolVersion()})
	info := transport.MessageInfo{User: user, Header: r.Header.Clone()}

	if len(ids) == 0 {
		for _, m := range msgs {
			if err := sess.deliver(ctx, m, info); err != nil {
				writeRPCError(w, http.StatusInternalServerError, errorCodeTransport, "failed to deliver message")
				h.log.ErrorContext(ctx, "streaminghttp.post.deliver_fail", slog.String("err", err.Error()))
				return
			}
		}
		if spv := sess.protocolVersion(); spv != "" {
			w.Header().Set(mcpProtocolVersionHeader, spv)
		}
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "streaminghttp.post.accepted", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return
	}

	if h.cfg.jsonResponse {
		h.serveJSON(ctx, w, sess, msgs, ids, batch, info)
	} else {
		h.serveSSE(ctx, w, sess, msgs, ids, info)
	}
	h.log.InfoContext(ctx, "streaminghttp.post.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
}

func (h *Handler) serveSSE(ctx context.Context, w http.ResponseWriter, sess *Session, msgs []*jsonrpc.AnyMessage, ids []*jsonrpc.RequestID, info transport.MessageInfo) {
	f, ok := w.(http.Flusher)
	if !ok {
		writeRPCError(w, http.StatusInternalServerError, errorCodeTransport, "streaming unsupported")
		h.log.ErrorContext(ctx, "streaminghttp.flusher_missing")
		return
	}

	st := sess.openStream(uuid.NewString(), false, ids)
	if spv := sess.protocolVersion(); spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}
	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	f.Flush()

	out := newStreamWriter(w, f, ctx)
	st.mu.Lock()
	err := st.attachLocked(ctx, out, true)
	st.mu.Unlock()
	if err != nil {
		sess.dropStream(st)
		h.log.ErrorContext(ctx, "streaminghttp.stream.attach_fail", slog.String("err", err.Error()))
		return
	}

	for _, m := range msgs {
		if err := sess.deliver(ctx, m, info); err != nil {
			h.log.ErrorContext(ctx, "streaminghttp.post.deliver_fail", slog.String("err", err.Error()))
			st.detach(out)
			sess.dropStream(st)
			return
		}
	}

	select {
	case <-out.done:
	case <-ctx.Done():
		// The stream survives the disconnect; the client may resume it.
		st.detach(out)
		h.log.InfoContext(ctx, "streaminghttp.stream.disconnected", slog.String("stream_id", st.id))
	case <-sess.done:
	}
}

func (h *Handler) serveJSON(ctx context.Context, w http.ResponseWriter, sess *Session, msgs []*jsonrpc.AnyMessage, ids []*jsonrpc.RequestID, batch bool, info transport.MessageInfo) {
	st := sess.openStream(uuid.NewString(), true, ids)
	for _, m := range msgs {
		if err := sess.deliver(ctx, m, info); err != nil {
			sess.dropStream(st)
			writeRPCError(w, http.StatusInternalServerError, errorCodeTransport, "failed to deliver message")
			h.log.ErrorContext(ctx, "streaminghttp.post.deliver_fail", slog.String("err", err.Error()))
			return
		}
	}

	select {
	case <-st.doneCh:
	case <-ctx.Done():
		sess.dropStream(st)
		return
	case <-sess.done:
		writeRPCError(w, http.StatusServiceUnavailable, errorCodeTransport, "session closed")
		return
	}

	responses := st.collected()
	if spv := sess.protocolVersion(); spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	var body any = responses
	if !batch && len(responses) == 1 {
		body = responses[0]
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.ErrorContext(ctx, "streaminghttp.post.write_fail", slog.String("err", err.Error()))
	}
}

// handleGet opens the standalone stream, or resumes a stream named by
// Last-Event-ID.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if !h.stateful() {
		w.Header().Set("Allow", "POST")
		writeRPCError(w, http.StatusMethodNotAllowed, errorCodeTransport, "stateless server has no standalone stream")
		return
	}
	user, ok := h.authenticate(ctx, w, r)
	if !ok {
		return
	}
	if !acceptable(r, eventStreamMediaTypes) {
		writeRPCError(w, http.StatusNotAcceptable, errorCodeTransport, "client must accept text/event-stream")
		h.log.WarnContext(ctx, "streaminghttp.get.accept_unsupported")
		return
	}
	sess, ok := h.lookupSession(ctx, w, r, user)
	if !ok {
		return
	}
	if !h.checkProtocolVersion(ctx, w, r, sess) {
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.id, UserID: sess.userID, ProtocolVersion: sess.protocolVersion()})

	f, ok := w.(http.Flusher)
	if !ok {
		writeRPCError(w, http.StatusInternalServerError, errorCodeTransport, "streaming unsupported")
		h.log.ErrorContext(ctx, "streaminghttp.flusher_missing")
		return
	}

	streamID := standaloneStreamID
	after := -1
	resume := r.Header.Get(lastEventIDHeader)
	if resume != "" {
		if sess.events == nil {
			writeRPCError(w, http.StatusBadRequest, errorCodeTransport, "resumption requires an event store")
			h.log.WarnContext(ctx, "streaminghttp.get.resume_unsupported")
			return
		}
		var ok bool
		if streamID, after, ok = eventstore.ParseEventID(resume); !ok {
			writeRPCError(w, http.StatusBadRequest, errorCodeTransport, "malformed "+lastEventIDHeader)
			h.log.WarnContext(ctx, "streaminghttp.get.resume_invalid", slog.String("last_event_id", resume))
			return
		}
	}

	// st is nil when a finished POST stream is resumed: replay and end.
	st := sess.lookupStream(streamID)
	if st != nil {
		st.mu.Lock()
		defer func() {
			if st != nil {
				st.mu.Unlock()
			}
		}()
		if st.finished {
			st.mu.Unlock()
			st = nil
		} else if streamID == standaloneStreamID && st.out != nil && !h.cfg.supersede {
			writeRPCError(w, http.StatusConflict, errorCodeTransport, "standalone stream already open")
			h.log.InfoContext(ctx, "streaminghttp.get.conflict")
			return
		}
	}

	var events []eventstore.Event
	if resume != "" {
		var err error
		if events, err = sess.replay(ctx, streamID, after); err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, eventstore.ErrUnknownStream):
				status = http.StatusNotFound
			case errors.Is(err, eventstore.ErrEventsPurged):
				status = http.StatusBadRequest
			}
			writeRPCError(w, status, errorCodeTransport, "cannot resume stream")
			h.log.WarnContext(ctx, "streaminghttp.get.replay_fail", slog.String("err", err.Error()))
			return
		}
	}

	if spv := sess.protocolVersion(); spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}
	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	f.Flush()

	out := newStreamWriter(w, f, ctx)
	for _, ev := range events {
		if err := writeSSEEvent(out.wf, eventstore.FormatEventID(streamID, ev.Index), 0, ev.Data); err != nil {
			h.log.InfoContext(ctx, "streaminghttp.get.replay_write_fail", slog.String("err", err.Error()))
			return
		}
	}
	if st == nil {
		h.log.InfoContext(ctx, "streaminghttp.get.replayed", slog.Int("events", len(events)))
		return
	}
	if err := st.attachLocked(ctx, out, false); err != nil {
		h.log.ErrorContext(ctx, "streaminghttp.stream.attach_fail", slog.String("err", err.Error()))
		return
	}
	cur := st
	st.mu.Unlock()
	st = nil
	h.log.InfoContext(ctx, "streaminghttp.get.stream_open", slog.String("stream_id", cur.id), slog.Int("replayed", len(events)))

	select {
	case <-out.done:
	case <-ctx.Done():
		cur.detach(out)
	case <-sess.done:
	}
	h.log.InfoContext(ctx, "streaminghttp.get.stream_end", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
}

// handleDelete terminates the session.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.stateful() {
		w.Header().Set("Allow", "POST")
		writeRPCError(w, http.StatusMethodNotAllowed, errorCodeTransport, "stateless server has no sessions")
		return
	}
	user, ok := h.authenticate(ctx, w, r)
	if !ok {
		return
	}
	sess, ok := h.lookupSession(ctx, w, r, user)
	if !ok {
		return
	}
	sess.close()
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.id, UserID: sess.userID}), "streaminghttp.session.deleted")
}

// authenticate checks the bearer token when an Authenticator is configured.
// Failures are answered with an OAuth error body and a Bearer challenge.
func (h *Handler) authenticate(ctx context.Context, w http.ResponseWriter, r *http.Request) (auth.UserInfo, bool) {
	if h.cfg.authenticator == nil {
		return nil, true
	}
	authHeader := r.Header.Get(authorizationHeader)
	if authHeader == "" {
		// RFC 6750 §3.1: without credentials the challenge carries no error code.
		h.log.InfoContext(ctx, "streaminghttp.auth.missing")
		w.Header().Add(wwwAuthenticateHeader, auth.BearerChallenge(nil, h.cfg.prmURL, nil))
		w.WriteHeader(http.StatusUnauthorized)
		return nil, false
	}

	// Malformed header or wrong scheme -> invalid_request 400 per RFC 6750 §3.1.
	const bearerPrefix = "Bearer "
	tok := ""
	if strings.HasPrefix(authHeader, bearerPrefix) {
		tok = strings.TrimSpace(authHeader[len(bearerPrefix):])
	}
	if tok == "" {
		h.fail(ctx, w, auth.NewOAuthError(auth.OAuthInvalidRequest, "malformed bearer authorization header"))
		return nil, false
	}

	user, err := h.cfg.authenticator.CheckAuthentication(ctx, tok)
	if err != nil {
		h.fail(ctx, w, auth.FromAuthError(err))
		h.log.InfoContext(ctx, "streaminghttp.auth.fail", slog.String("err", err.Error()))
		return nil, false
	}
	return user, true
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, oe *auth.OAuthError) {
	if oe.Status() != http.StatusInternalServerError {
		w.Header().Add(wwwAuthenticateHeader, auth.BearerChallenge(oe, h.cfg.prmURL, nil))
	}
	oe.WriteHTTP(w)
	h.log.InfoContext(ctx, "streaminghttp.auth.reject", slog.String("code", string(oe.Code)))
}

// handleGetProtectedResourceMetadata serves the RFC 9728 document.
func (h *Handler) handleGetProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.cfg.prm); err != nil {
		http.Error(w, fmt.Sprintf("failed to encode protected resource metadata: %v", err), http.StatusInternalServerError)
		return
	}
}

func (h *Handler) handleOptionsProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}
