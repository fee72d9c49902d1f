package jsonrpc

import (
	"errors"
	"fmt"
)

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
)

// Message returns the fixed short message associated with a reserved code.
// Codes outside the reserved set report "Server error".
func (c ErrorCode) Message() string {
	switch c {
	case ErrorCodeParseError:
		return "Parse error"
	case ErrorCodeInvalidRequest:
		return "Invalid Request"
	case ErrorCodeMethodNotFound:
		return "Method not found"
	case ErrorCodeInvalidParams:
		return "Invalid params"
	case ErrorCodeInternalError:
		return "Internal error"
	default:
		return "Server error"
	}
}

// Reserved reports whether c is one of the codes defined by JSON-RPC 2.0.
func (c ErrorCode) Reserved() bool {
	switch c {
	case ErrorCodeParseError, ErrorCodeInvalidRequest, ErrorCodeMethodNotFound, ErrorCodeInvalidParams, ErrorCodeInternalError:
		return true
	}
	return false
}

// Diagnostic texts carried in the data member of engine-generated errors.
const (
	dataNotArrayOrObject = "Request must be an array or a hash"
	dataEmptyBatch       = "Request is an empty array"
	dataBadVersion       = "JSON-RPC version must be 2.0"
	dataBadID            = "Request ID must match validation pattern, or be an integer or null"
	dataBadMethod        = `Method name must be a string and not start with "rpc."`
	dataBadParams        = "Method parameters must be an array or an object or null"
)

// RequestError is a declared request-handling failure. Handlers return it
// (directly or wrapped) when the failure has a known JSON-RPC classification
// that must reach the client instead of being collapsed into an internal
// error.
type RequestError struct {
	Code    ErrorCode
	Message string
	Data    any
	Err     error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("jsonrpc: %s (code %d): %v", e.Message, e.Code, e.Err)
	}
	return fmt.Sprintf("jsonrpc: %s (code %d)", e.Message, e.Code)
}

func (e *RequestError) Unwrap() error { return e.Err }

// wire converts the declared error into its wire form. Reserved codes keep
// their fixed message; the declared message travels as data unless explicit
// data was supplied.
func (e *RequestError) wire() *Error {
	data := e.Data
	if data == nil && e.Message != "" {
		data = e.Message
	}
	msg := e.Message
	if e.Code.Reserved() || msg == "" {
		msg = e.Code.Message()
	}
	return &Error{Code: e.Code, Message: msg, Data: data}
}

// NewInvalidParamsError declares that the supplied parameters were rejected.
func NewInvalidParamsError(msg string) *RequestError {
	return &RequestError{Code: ErrorCodeInvalidParams, Message: msg}
}

// NewInvalidRequestError declares that the request was structurally unusable.
func NewInvalidRequestError(msg string) *RequestError {
	return &RequestError{Code: ErrorCodeInvalidRequest, Message: msg}
}

// NewMethodNotFoundError declares that the method exists in name only, for
// example because a capability was not negotiated.
func NewMethodNotFoundError(msg string) *RequestError {
	return &RequestError{Code: ErrorCodeMethodNotFound, Message: msg}
}

// NewInternalError declares an internal failure with an explicit message.
func NewInternalError(msg string, err error) *RequestError {
	return &RequestError{Code: ErrorCodeInternalError, Message: msg, Err: err}
}

// AsRequestError reports whether err carries a declared RequestError.
func AsRequestError(err error) (*RequestError, bool) {
	var re *RequestError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
