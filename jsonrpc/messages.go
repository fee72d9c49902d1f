package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// Message is the raw JSON representation of a JSON-RPC message.
type Message []byte

// Request represents a JSON-RPC request (with an ID) or notification (without ID).
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Response represents a JSON-RPC response. ID is always serialized; a nil ID
// is written as null.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	ID             *RequestID      `json:"id"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

// NewResultResponse builds a successful JSON-RPC response object.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Result:         resultBytes,
		ID:             id,
	}, nil
}

// NewErrorResponse builds an error JSON-RPC response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}

// newCodeResponse builds an error response using the code's fixed message.
func newCodeResponse(id *RequestID, code ErrorCode, data any) *Response {
	return NewErrorResponse(id, code, code.Message(), data)
}

// NewNotification encodes a server-to-client notification.
func NewNotification(method string, params any) (Message, error) {
	n := &Request{JSONRPCVersion: ProtocolVersion, Method: method}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		n.Params = b
	}
	b, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal notification: %w", err)
	}
	return b, nil
}

// Envelope is a shallow, non-validating view of an inbound payload. It is
// used for routing decisions that must happen before the payload is handed to
// an Engine.
type Envelope struct {
	// Batch is true when the payload is a JSON array.
	Batch bool
	// Object is true when the payload is a JSON object.
	Object bool
	// Method is the method name when present and a string.
	Method    string
	HasMethod bool
	HasID     bool
	// RawID is the undecoded id member when present.
	RawID     json.RawMessage
	HasResult bool
	HasError  bool
}

// IsResponse reports whether the payload is a JSON-RPC response object: it
// carries a result or an error and no method.
func (e Envelope) IsResponse() bool {
	return e.Object && !e.HasMethod && (e.HasResult || e.HasError)
}

// IsNotification reports whether the payload is a single notification.
func (e Envelope) IsNotification() bool {
	return e.Object && e.HasMethod && !e.HasID
}

// Inspect decodes just enough of data to route it. It fails only when data
// is not valid JSON.
func Inspect(data []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if !json.Valid(trimmed) {
		return Envelope{}, fmt.Errorf("invalid JSON")
	}
	var env Envelope
	switch trimmed[0] {
	case '[':
		env.Batch = true
		return env, nil
	case '{':
		env.Object = true
	default:
		return env, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Envelope{}, fmt.Errorf("invalid JSON object: %w", err)
	}
	if raw, ok := fields["method"]; ok {
		env.HasMethod = true
		_ = json.Unmarshal(raw, &env.Method)
	}
	env.RawID, env.HasID = fields["id"]
	_, env.HasResult = fields["result"]
	_, env.HasError = fields["error"]
	return env, nil
}
