package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/ggoodman/mcp-streamable-rpc/broker"
	"github.com/ggoodman/mcp-streamable-rpc/internal/logctx"
	"github.com/ggoodman/mcp-streamable-rpc/jsonrpc"
	"github.com/ggoodman/mcp-streamable-rpc/sessiontoken"
)

var (
	_ http.Handler = (*StreamingHTTPHandler)(nil)
)

var (
	// ErrStatelessNotifications is returned by the notification API of a
	// stateless handler, which has no addressable stream.
	ErrStatelessNotifications = errors.New("stateless mode does not support notifications")
	// ErrSessionNotFound reports an unknown, closed or unverifiable session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStreamClosed reports a write to a stream the handler already ended
	// because it was replaced, detached or deleted.
	ErrStreamClosed = errors.New("stream closed")

	errSessionHeaderMissing = errors.New("missing mcp-session-id header")
)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
)

const (
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"

	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"

	allowedMethods          = "GET, POST, DELETE"
	allowedStatelessMethods = "POST, DELETE"
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections. It does
// NOT use JSON-RPC framing. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StreamingHTTPHandler serves the streamable HTTP transport on a single
// endpoint: POST carries client messages, GET attaches a server-to-client
// event stream and DELETE ends a session.
type StreamingHTTPHandler struct {
	log          *slog.Logger
	lookup       jsonrpc.Lookup
	eng          *jsonrpc.Engine
	callOpts     []jsonrpc.CallOption
	stateless    bool
	maxBodyBytes int64
	signer       sessiontoken.Signer

	broker     broker.Broker
	namespace  string
	stopBroker context.CancelFunc
	brokerDone chan struct{}

	mu        sync.RWMutex
	sessions  map[string]*session
	closeOnce sync.Once
}

// New constructs a StreamingHTTPHandler dispatching methods resolved by
// lookup. The handler serves whatever path it is mounted on.
func New(lookup jsonrpc.Lookup, opts ...Option) (*StreamingHTTPHandler, error) {
	if lookup == nil {
		return nil, fmt.Errorf("lookup is required")
	}

	cfg := &newConfig{
		logger:       slog.New(slog.DiscardHandler),
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.stateless && cfg.broker != nil {
		return nil, fmt.Errorf("a broker cannot be used in stateless mode: %w", ErrStatelessNotifications)
	}
	if cfg.maxBodyBytes <= 0 {
		return nil, fmt.Errorf("max body bytes must be positive, got %d", cfg.maxBodyBytes)
	}

	loggerWithContextHandler := slog.New(logctx.Handler{Handler: cfg.logger.Handler()})

	h := &StreamingHTTPHandler{
		log:          loggerWithContextHandler,
		lookup:       lookup,
		eng:          cfg.engine,
		stateless:    cfg.stateless,
		maxBodyBytes: cfg.maxBodyBytes,
		signer:       cfg.signer,
		sessions:     make(map[string]*session),
	}
	if h.eng == nil {
		h.eng = jsonrpc.NewEngine(jsonrpc.WithLogger(loggerWithContextHandler))
	}
	if cfg.idPatternSet {
		h.callOpts = append(h.callOpts, jsonrpc.WithIDPattern(cfg.idPattern))
	}

	if cfg.broker != nil {
		h.broker = cfg.broker
		h.namespace = cfg.namespace
		if h.namespace == "" {
			h.namespace = DefaultBrokerNamespace
		}
		ctx, cancel := context.WithCancel(context.Background())
		h.stopBroker = cancel
		h.brokerDone = make(chan struct{})
		go h.runBroker(ctx)
	}

	return h, nil
}

func (h *StreamingHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r = r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	}))

	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		h.log.WarnContext(r.Context(), "http.method.not_allowed")
		h.methodNotAllowed(w)
	}
}

func (h *StreamingHTTPHandler) methodNotAllowed(w http.ResponseWriter) {
	if h.stateless {
		w.Header().Set("Allow", allowedStatelessMethods)
	} else {
		w.Header().Set("Allow", allowedMethods)
	}
	writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
}

// postOutcome is the result of routing and dispatching one POST body.
type postOutcome struct {
	// sess is the session the reply belongs to. Nil in stateless mode.
	sess *session
	// created is set when sess was created by this request.
	created bool
	reply   jsonrpc.Reply
	// accepted forces an empty 202 regardless of reply.
	accepted bool
	// status and msg describe an HTTP-level rejection when status is set.
	status int
	msg    string
}

func (h *StreamingHTTPHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	if !acceptsPost(r) {
		h.log.WarnContext(ctx, "http.post.not_acceptable", slog.String("accept", r.Header.Get("Accept")))
		writeJSONError(w, http.StatusNotAcceptable, "Not Acceptable: client must accept both application/json and text/event-stream")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.log.WarnContext(ctx, "http.post.body_too_large", slog.Int64("limit", tooLarge.Limit))
			writeJSONError(w, http.StatusBadRequest, "Request body too large")
			return
		}
		h.log.WarnContext(ctx, "http.post.read.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	env, err := jsonrpc.Inspect(body)
	if err != nil {
		h.log.WarnContext(ctx, "http.post.invalid_json", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if env.IsResponse() {
		h.log.InfoContext(ctx, "http.post.response.accept")
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if env.Object && env.HasMethod {
		msg := &logctx.RPCMessage{Method: env.Method, Type: "notification"}
		if env.HasID {
			msg.ID = string(env.RawID)
			msg.Type = "request"
		}
		ctx = logctx.WithRPCMessage(ctx, msg)
	}

	var out postOutcome
	if !h.guard(ctx, func() { out = h.dispatchPost(ctx, r, env, body) }) {
		writeJSONError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	if out.status != 0 {
		h.log.InfoContext(ctx, "http.post.reject", slog.Int("status", out.status), slog.String("reason", out.msg))
		writeJSONError(w, out.status, out.msg)
		return
	}
	if out.accepted || out.reply.Empty() {
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "http.post.accepted", slog.Duration("dur", time.Since(start)))
		return
	}

	payload, err := json.Marshal(out.reply)
	if err != nil {
		h.log.ErrorContext(ctx, "http.post.marshal.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	if out.sess != nil {
		if out.created {
			w.Header().Set(mcpSessionIDHeader, out.sess.id)
		}
		if pv := out.sess.ProtocolVersion(); pv != "" {
			w.Header().Set(mcpProtocolVersionHeader, pv)
		}
		if !out.created && h.pushOrDrop(ctx, out.sess, payload) {
			w.WriteHeader(http.StatusAccepted)
			h.log.InfoContext(ctx, "http.post.streamed", slog.Duration("dur", time.Since(start)))
			return
		}
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(payload); err != nil {
		h.log.WarnContext(ctx, "http.post.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

// dispatchPost resolves the session a POST body belongs to and runs the
// engine.
func (h *StreamingHTTPHandler) dispatchPost(ctx context.Context, r *http.Request, env jsonrpc.Envelope, body []byte) postOutcome {
	switch {
	case h.stateless:
		return postOutcome{reply: h.eng.Handle(ctx, body, h.lookup, h.callOpts...)}

	case env.Object && env.Method == methodInitialized:
		if sess, err := h.resolveSession(r); err == nil {
			ctx = h.sessionContext(ctx, sess)
		}
		h.eng.Handle(ctx, body, h.lookup, h.callOpts...)
		return postOutcome{accepted: true}

	case env.Object && env.Method == methodInitialize:
		return h.initialize(ctx, body)
	}

	sess, err := h.resolveSession(r)
	if err != nil {
		if errors.Is(err, errSessionHeaderMissing) {
			return postOutcome{status: http.StatusBadRequest, msg: "Missing session ID"}
		}
		h.log.InfoContext(ctx, "session.load.miss", slog.String("err", err.Error()))
		return postOutcome{status: http.StatusNotFound, msg: "Session not found"}
	}

	ctx = h.sessionContext(ctx, sess)
	return postOutcome{sess: sess, reply: h.eng.Handle(ctx, body, h.lookup, h.callOpts...)}
}

// initialize dispatches an initialize request for a fresh session. The
// session is registered only when the request succeeds.
func (h *StreamingHTTPHandler) initialize(ctx context.Context, body []byte) postOutcome {
	id, err := h.newSessionID()
	if err != nil {
		h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
		return postOutcome{status: http.StatusInternalServerError, msg: "Internal server error"}
	}

	sess := newSession(id)
	ctx = h.sessionContext(ctx, sess)

	reply := h.eng.Handle(ctx, body, h.lookup, h.callOpts...)
	if reply.Single == nil || reply.Single.Error != nil {
		h.log.InfoContext(ctx, "session.create.skip")
		return postOutcome{reply: reply}
	}

	sess.setProtocolVersion(negotiatedVersion(reply.Single.Result, body))
	ctx = h.sessionContext(ctx, sess)

	h.mu.Lock()
	h.sessions[id] = sess
	h.mu.Unlock()

	h.log.InfoContext(ctx, "session.create.ok", slog.String("protocol_version", sess.ProtocolVersion()))
	return postOutcome{sess: sess, created: true, reply: reply}
}

// negotiatedVersion prefers the protocolVersion chosen by the initialize
// result and falls back to the one the client asked for.
func negotiatedVersion(result json.RawMessage, body []byte) string {
	var res struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if json.Unmarshal(result, &res) == nil && res.ProtocolVersion != "" {
		return res.ProtocolVersion
	}
	var req struct {
		Params struct {
			ProtocolVersion string `json:"protocolVersion"`
		} `json:"params"`
	}
	_ = json.Unmarshal(body, &req)
	return req.Params.ProtocolVersion
}

func (h *StreamingHTTPHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.get.start")

	if h.stateless {
		h.log.InfoContext(ctx, "http.get.stateless")
		h.methodNotAllowed(w)
		return
	}

	if !accepts(r, eventStreamMediaType) {
		h.log.WarnContext(ctx, "http.get.not_acceptable", slog.String("accept", r.Header.Get("Accept")))
		writeJSONError(w, http.StatusNotAcceptable, "Not Acceptable: client must accept text/event-stream")
		return
	}

	var (
		sess *session
		err  error
	)
	if !h.guard(ctx, func() { sess, err = h.resolveSession(r) }) {
		writeJSONError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if err != nil {
		if errors.Is(err, errSessionHeaderMissing) {
			h.log.WarnContext(ctx, "session.id.missing")
			writeJSONError(w, http.StatusBadRequest, "Missing session ID")
			return
		}
		h.log.InfoContext(ctx, "session.load.miss", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusNotFound, "Session not found")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		writeJSONError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	ctx = h.sessionContext(ctx, sess)
	st := newStream(ctx, w, f)
	err = sess.attach(st, func() {
		if pv := sess.ProtocolVersion(); pv != "" {
			w.Header().Set(mcpProtocolVersionHeader, pv)
		}
		w.Header().Set("Content-Type", eventStreamMediaType.String())
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		f.Flush()
	})
	if err != nil {
		h.log.InfoContext(ctx, "session.load.miss", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusNotFound, "Session not found")
		return
	}

	h.log.InfoContext(ctx, "sse.stream.start")

	select {
	case <-ctx.Done():
		sess.detach(st)
		h.log.InfoContext(ctx, "sse.stream.disconnect", slog.Duration("dur", time.Since(start)))
	case <-st.done:
		h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
	}
}

func (h *StreamingHTTPHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	if h.stateless {
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return
	}

	id := r.Header.Get(mcpSessionIDHeader)
	if id == "" {
		h.log.WarnContext(ctx, "delete.missing_session_id")
		writeJSONError(w, http.StatusBadRequest, "Missing session ID")
		return
	}

	if !h.guard(ctx, func() {
		if sess, err := h.lookupSession(id); err == nil {
			h.dropSession(h.sessionContext(ctx, sess), sess, "client request")
		} else {
			h.log.InfoContext(ctx, "session.delete.miss")
		}
	}) {
		writeJSONError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// CloseSession ends one session and its stream, as a DELETE would.
func (h *StreamingHTTPHandler) CloseSession(ctx context.Context, sessionID string) error {
	if h.stateless {
		return ErrSessionNotFound
	}
	sess, err := h.lookupSession(sessionID)
	if err != nil {
		return err
	}
	h.dropSession(h.sessionContext(ctx, sess), sess, "server request")
	return nil
}

// Close ends every stream, forgets every session and stops the broker
// subscription. It is safe to call more than once.
func (h *StreamingHTTPHandler) Close() error {
	h.closeOnce.Do(func() {
		if h.stopBroker != nil {
			h.stopBroker()
			<-h.brokerDone
		}

		h.mu.Lock()
		sessions := h.sessions
		h.sessions = make(map[string]*session)
		h.mu.Unlock()

		for _, sess := range sessions {
			sess.close()
		}
		h.log.Info("handler.close", slog.Int("sessions", len(sessions)))
	})
	return nil
}

// guard runs fn and converts a panic into a false result.
func (h *StreamingHTTPHandler) guard(ctx context.Context, fn func()) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			h.log.ErrorContext(ctx, "http.panic", slog.Any("panic", rec), slog.String("stack", string(debug.Stack())))
			ok = false
		}
	}()
	fn()
	return true
}

func (h *StreamingHTTPHandler) newSessionID() (string, error) {
	id := uuid.NewString()
	if h.signer == nil {
		return id, nil
	}
	return sessiontoken.Issue(h.signer, id, time.Now())
}

func (h *StreamingHTTPHandler) resolveSession(r *http.Request) (*session, error) {
	id := r.Header.Get(mcpSessionIDHeader)
	if id == "" {
		return nil, errSessionHeaderMissing
	}
	return h.lookupSession(id)
}

func (h *StreamingHTTPHandler) lookupSession(id string) (*session, error) {
	if h.signer != nil {
		if _, err := sessiontoken.Parse(h.signer, id); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSessionNotFound, err)
		}
	}

	h.mu.RLock()
	sess, ok := h.sessions[id]
	h.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// dropSession removes sess from the table and closes it.
func (h *StreamingHTTPHandler) dropSession(ctx context.Context, sess *session, reason string) {
	h.mu.Lock()
	if h.sessions[sess.id] == sess {
		delete(h.sessions, sess.id)
	}
	h.mu.Unlock()
	sess.close()
	h.log.InfoContext(ctx, "session.close", slog.String("reason", reason))
}

func (h *StreamingHTTPHandler) sessionContext(ctx context.Context, sess *session) context.Context {
	ctx = withSessionID(ctx, sess.id)
	return logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.id,
		ProtocolVersion: sess.ProtocolVersion(),
		StreamAttached:  sess.hasStream(),
	})
}

// acceptsPost reports whether the client accepts both JSON replies and event
// streams.
func acceptsPost(r *http.Request) bool {
	return accepts(r, jsonMediaType) && accepts(r, eventStreamMediaType)
}

// accepts reports whether any media range in the Accept header covers want.
// Only type and subtype are compared: parameters, including q, are ignored.
func accepts(r *http.Request, want contenttype.MediaType) bool {
	for _, header := range r.Header.Values("Accept") {
		for _, part := range strings.Split(header, ",") {
			mt, err := contenttype.ParseMediaType(strings.TrimSpace(part))
			if err != nil {
				continue
			}
			if mt.Matches(want) {
				return true
			}
		}
	}
	return false
}
