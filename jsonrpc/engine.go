package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const instrumentationName = "github.com/ggoodman/mcp-streamable-rpc/jsonrpc"

// EngineOption configures an Engine.
type EngineOption func(*engineConfig)

type engineConfig struct {
	logger         *slog.Logger
	reporter       ErrorReporter
	idPattern      *regexp.Regexp
	batchLimit     int
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// WithLogger sets the logger used by the default error reporter. If not
// provided, logs are discarded.
func WithLogger(l *slog.Logger) EngineOption {
	return func(c *engineConfig) { c.logger = l }
}

// WithErrorReporter installs the side channel invoked for every handler
// failure.
func WithErrorReporter(r ErrorReporter) EngineOption {
	return func(c *engineConfig) { c.reporter = r }
}

// WithDefaultIDPattern replaces DefaultIDPattern for calls that do not
// override it. A nil pattern accepts any string id.
func WithDefaultIDPattern(re *regexp.Regexp) EngineOption {
	return func(c *engineConfig) { c.idPattern = re }
}

// WithBatchConcurrency bounds how many batch elements are dispatched at
// once. Values below one mean sequential processing.
func WithBatchConcurrency(n int) EngineOption {
	return func(c *engineConfig) { c.batchLimit = n }
}

// WithTracerProvider sets the provider used for dispatch spans.
func WithTracerProvider(tp trace.TracerProvider) EngineOption {
	return func(c *engineConfig) { c.tracerProvider = tp }
}

// WithMeterProvider sets the provider used for dispatch metrics.
func WithMeterProvider(mp metric.MeterProvider) EngineOption {
	return func(c *engineConfig) { c.meterProvider = mp }
}

// CallOption adjusts a single Handle call.
type CallOption func(*callConfig)

type callConfig struct {
	idPattern *regexp.Regexp
}

// WithIDPattern overrides the id pattern for one call. A nil pattern accepts
// any string id.
func WithIDPattern(re *regexp.Regexp) CallOption {
	return func(c *callConfig) { c.idPattern = re }
}

// Engine validates and dispatches JSON-RPC payloads. It holds no per-call
// state and is safe for concurrent use.
type Engine struct {
	log        *slog.Logger
	report     ErrorReporter
	idPattern  *regexp.Regexp
	batchLimit int

	tracer   trace.Tracer
	requests metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
}

// NewEngine constructs an Engine.
func NewEngine(opts ...EngineOption) *Engine {
	cfg := &engineConfig{
		logger:         slog.New(slog.DiscardHandler),
		idPattern:      DefaultIDPattern,
		batchLimit:     8,
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	e := &Engine{
		log:        cfg.logger,
		report:     cfg.reporter,
		idPattern:  cfg.idPattern,
		batchLimit: cfg.batchLimit,
		tracer:     cfg.tracerProvider.Tracer(instrumentationName),
	}
	if e.batchLimit < 1 {
		e.batchLimit = 1
	}
	if e.report == nil {
		e.report = e.logError
	}

	meter := cfg.meterProvider.Meter(instrumentationName)
	e.requests, _ = meter.Int64Counter(
		"jsonrpc.server.requests",
		metric.WithDescription("Number of dispatched JSON-RPC requests"),
		metric.WithUnit("{request}"),
	)
	e.failures, _ = meter.Int64Counter(
		"jsonrpc.server.errors",
		metric.WithDescription("Number of dispatched JSON-RPC requests that failed"),
		metric.WithUnit("{error}"),
	)
	e.duration, _ = meter.Float64Histogram(
		"jsonrpc.server.duration",
		metric.WithDescription("Handler execution time"),
		metric.WithUnit("ms"),
	)
	return e
}

// Reply is the outcome of handling one payload. At most one of Single and
// Batch is set; when both are empty nothing must be sent.
type Reply struct {
	Single *Response
	Batch  []*Response
}

// Empty reports whether there is nothing to send.
func (r Reply) Empty() bool { return r.Single == nil && len(r.Batch) == 0 }

// Responses returns every response in the reply.
func (r Reply) Responses() []*Response {
	if r.Single != nil {
		return []*Response{r.Single}
	}
	return r.Batch
}

// MarshalJSON writes a single object, an array, or null.
func (r Reply) MarshalJSON() ([]byte, error) {
	switch {
	case r.Single != nil:
		return json.Marshal(r.Single)
	case len(r.Batch) > 0:
		return json.Marshal(r.Batch)
	default:
		return []byte("null"), nil
	}
}

// HandleSerialized is Handle over bytes. It returns nil when nothing must be
// sent.
func (e *Engine) HandleSerialized(ctx context.Context, data []byte, lookup Lookup, opts ...CallOption) []byte {
	reply := e.Handle(ctx, data, lookup, opts...)
	if reply.Empty() {
		return nil
	}
	b, err := json.Marshal(reply)
	if err != nil {
		// Every response was built from marshaled parts, only error data can fail here.
		e.log.ErrorContext(ctx, "rpc.reply.marshal.fail", slog.String("err", err.Error()))
		b, _ = json.Marshal(newCodeResponse(nil, ErrorCodeInternalError, nil))
	}
	return b
}

// Handle validates and dispatches a single request or a batch. Malformed
// input never fails the call: it is converted into error responses.
func (e *Engine) Handle(ctx context.Context, payload json.RawMessage, lookup Lookup, opts ...CallOption) Reply {
	cfg := callConfig{idPattern: e.idPattern}
	for _, opt := range opts {
		opt(&cfg)
	}

	trimmed := bytes.TrimSpace(payload)
	if !json.Valid(trimmed) {
		return Reply{Single: newCodeResponse(nil, ErrorCodeParseError, string(payload))}
	}

	switch trimmed[0] {
	case '{':
		return Reply{Single: e.handleOne(ctx, trimmed, lookup, &cfg)}
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(trimmed, &elems); err != nil {
			return Reply{Single: newCodeResponse(nil, ErrorCodeParseError, string(payload))}
		}
		if len(elems) == 0 {
			return Reply{Single: newCodeResponse(nil, ErrorCodeInvalidRequest, dataEmptyBatch)}
		}
		return e.handleBatch(ctx, elems, lookup, &cfg)
	default:
		return Reply{Single: newCodeResponse(nil, ErrorCodeInvalidRequest, dataNotArrayOrObject)}
	}
}

// handleBatch dispatches elements concurrently. Responses keep the position
// of their request; callers must correlate by id only.
func (e *Engine) handleBatch(ctx context.Context, elems []json.RawMessage, lookup Lookup, cfg *callConfig) Reply {
	out := make([]*Response, len(elems))

	var g errgroup.Group
	g.SetLimit(e.batchLimit)
	for i, elem := range elems {
		g.Go(func() error {
			out[i] = e.handleOne(ctx, elem, lookup, cfg)
			return nil
		})
	}
	_ = g.Wait()

	responses := out[:0]
	for _, r := range out {
		if r != nil {
			responses = append(responses, r)
		}
	}

	switch len(responses) {
	case 0:
		return Reply{}
	case 1:
		return Reply{Single: responses[0]}
	default:
		return Reply{Batch: responses}
	}
}

// handleOne validates and dispatches one message. It returns nil when the
// message is a notification whose outcome must not be answered.
func (e *Engine) handleOne(ctx context.Context, raw json.RawMessage, lookup Lookup, cfg *callConfig) *Response {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return newCodeResponse(nil, ErrorCodeInvalidRequest, dataNotArrayOrObject)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return newCodeResponse(nil, ErrorCodeInvalidRequest, dataNotArrayOrObject)
	}

	rawID, hasID := fields["id"]
	var (
		id   *RequestID
		idOK = true
	)
	if hasID {
		id, idOK = validateRequestID(rawID, cfg.idPattern)
	}

	if !validVersion(fields["jsonrpc"]) {
		return newCodeResponse(id, ErrorCodeInvalidRequest, dataBadVersion)
	}
	if !idOK {
		return newCodeResponse(nil, ErrorCodeInvalidRequest, dataBadID)
	}
	method, ok := validMethod(fields["method"])
	if !ok {
		return newCodeResponse(id, ErrorCodeInvalidRequest, dataBadMethod)
	}

	notification := !hasID
	params, hasParams := fields["params"]
	if hasParams && !validParams(params) {
		if notification {
			return nil
		}
		return newCodeResponse(id, ErrorCodeInvalidParams, dataBadParams)
	}

	resp := e.dispatch(ctx, method, id, params, lookup)
	if notification {
		return nil
	}
	return resp
}

// dispatch resolves and invokes the handler for a validated message.
func (e *Engine) dispatch(ctx context.Context, method string, id *RequestID, params json.RawMessage, lookup Lookup) *Response {
	var h Handler
	if lookup != nil {
		h = lookup(method)
	}
	if h == nil {
		return newCodeResponse(id, ErrorCodeMethodNotFound, method)
	}

	attrs := []attribute.KeyValue{
		attribute.String("rpc.system", "jsonrpc"),
		attribute.String("rpc.method", method),
	}
	ctx, span := e.tracer.Start(ctx, "jsonrpc."+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	defer span.End()
	if !id.IsNil() {
		span.SetAttributes(attribute.String("rpc.jsonrpc.request_id", id.String()))
	}

	start := time.Now()
	e.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
	result, err := invoke(ctx, h, params)
	e.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(attrs...))

	if err == nil {
		resp, mErr := NewResultResponse(id, result)
		if mErr == nil {
			span.SetStatus(codes.Ok, "")
			return resp
		}
		err = mErr
	}

	e.report(ctx, err, ErrorInfo{Method: method, ID: id, Params: params})

	var wire *Error
	if re, ok := AsRequestError(err); ok {
		wire = re.wire()
	} else {
		wire = &Error{Code: ErrorCodeInternalError, Message: ErrorCodeInternalError.Message(), Data: err.Error()}
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, wire.Message)
	span.SetAttributes(attribute.Int("rpc.jsonrpc.error_code", int(wire.Code)))
	e.failures.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.Int("rpc.jsonrpc.error_code", int(wire.Code)))...))

	return &Response{JSONRPCVersion: ProtocolVersion, ID: id, Error: wire}
}

// invoke runs the handler, converting a panic into an error.
func invoke(ctx context.Context, h Handler, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Invoke(ctx, params)
}

func (e *Engine) logError(ctx context.Context, err error, info ErrorInfo) {
	e.log.ErrorContext(ctx, "rpc.handler.fail",
		slog.String("method", info.Method),
		slog.String("id", info.ID.String()),
		slog.String("err", err.Error()),
	)
}

func validVersion(raw json.RawMessage) bool {
	var v string
	if len(raw) == 0 || json.Unmarshal(raw, &v) != nil {
		return false
	}
	return v == ProtocolVersion
}

func validMethod(raw json.RawMessage) (string, bool) {
	var m string
	if len(raw) == 0 || json.Unmarshal(raw, &m) != nil {
		return "", false
	}
	if m == "" || strings.HasPrefix(m, "rpc.") {
		return "", false
	}
	return m, true
}

func validParams(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return true
	}
	switch raw[0] {
	case '[', '{':
		return true
	case 'n':
		return bytes.Equal(raw, []byte("null"))
	default:
		return false
	}
}
