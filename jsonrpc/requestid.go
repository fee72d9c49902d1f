package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// DefaultIDPattern restricts string request ids to alphanumerics, hyphens and
// underscores. It rejects the empty string.
var DefaultIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// RequestID represents a JSON-RPC ID that is either an integer, a string, or
// an explicit null. A nil *RequestID means the id member was absent.
type RequestID struct {
	value any
}

// NewRequestID creates a RequestID from a string or an integer. Any other
// value produces a null id.
func NewRequestID(value any) *RequestID {
	switch v := value.(type) {
	case string:
		return &RequestID{value: v}
	case int:
		return &RequestID{value: int64(v)}
	case int8:
		return &RequestID{value: int64(v)}
	case int16:
		return &RequestID{value: int64(v)}
	case int32:
		return &RequestID{value: int64(v)}
	case int64:
		return &RequestID{value: v}
	case uint8:
		return &RequestID{value: int64(v)}
	case uint16:
		return &RequestID{value: int64(v)}
	case uint32:
		return &RequestID{value: int64(v)}
	default:
		return &RequestID{value: nil}
	}
}

// NullRequestID returns an explicit null id.
func NullRequestID() *RequestID { return &RequestID{} }

// String returns the string representation of the ID
func (id *RequestID) String() string {
	if id == nil || id.value == nil {
		return ""
	}

	switch v := id.value.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		panic("unreachable: RequestID contains unsupported type")
	}
}

// Value returns the underlying value: nil, int64 or string.
func (id *RequestID) Value() any {
	if id == nil {
		return nil
	}
	return id.value
}

// IsNil returns true if the ID is absent or null.
func (id *RequestID) IsNil() bool {
	if id == nil {
		return true
	}

	return id.value == nil
}

// MarshalJSON implements json.Marshaler
func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id == nil || id.value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler. Numbers must be integer
// literals; strings are accepted without pattern validation.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	parsed, err := parseRequestID(data)
	if err != nil {
		return err
	}
	id.value = parsed.value
	return nil
}

// parseRequestID decodes a present id member.
func parseRequestID(raw json.RawMessage) (*RequestID, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return NullRequestID(), nil
	}
	switch c := raw[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("invalid string id: %w", err)
		}
		return &RequestID{value: s}, nil
	case c == '-' || (c >= '0' && c <= '9'):
		if bytes.ContainsAny(raw, ".eE") {
			return nil, fmt.Errorf("JSON-RPC ID must be an integer, got: %s", raw)
		}
		n, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("JSON-RPC ID out of range: %w", err)
		}
		return &RequestID{value: n}, nil
	default:
		return nil, fmt.Errorf("JSON-RPC ID must be a string, integer or null, got: %s", raw)
	}
}

// validateRequestID applies the identifier rules to a present id member. A
// nil pattern accepts any string.
func validateRequestID(raw json.RawMessage, pattern *regexp.Regexp) (*RequestID, bool) {
	id, err := parseRequestID(raw)
	if err != nil {
		return nil, false
	}
	if s, ok := id.value.(string); ok && pattern != nil && !pattern.MatchString(s) {
		return nil, false
	}
	return id, true
}
