package jsonrpc

import (
	"context"
	"encoding/json"
)

// Handler executes one JSON-RPC method. Params is the raw params member and
// is nil when it was absent. The returned result is marshaled into the
// response; a returned error becomes an error response (see RequestError).
type Handler interface {
	Invoke(ctx context.Context, params json.RawMessage) (any, error)
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Invoke calls f(ctx, params).
func (f HandlerFunc) Invoke(ctx context.Context, params json.RawMessage) (any, error) {
	return f(ctx, params)
}

// Lookup resolves a method name to its Handler, returning nil when the
// method is unknown.
type Lookup func(method string) Handler

// Methods is a static method registry.
type Methods map[string]Handler

// Lookup implements the Lookup signature over the map.
func (m Methods) Lookup(method string) Handler {
	if m == nil {
		return nil
	}
	return m[method]
}

// ErrorInfo describes the request whose handler failed.
type ErrorInfo struct {
	Method string
	ID     *RequestID
	Params json.RawMessage
}

// ErrorReporter receives every handler failure, declared or not, before it
// is converted into a response.
type ErrorReporter func(ctx context.Context, err error, info ErrorInfo)
