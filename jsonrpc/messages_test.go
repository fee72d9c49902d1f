package jsonrpc_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ggoodman/mcp-streamable-rpc/jsonrpc"
)

func TestInspect(t *testing.T) {
	tests := []struct {
		name         string
		payload      string
		response     bool
		notification bool
		batch        bool
		method       string
	}{
		{name: "request", payload: `{"jsonrpc":"2.0","id":1,"method":"ping"}`, method: "ping"},
		{name: "notification", payload: `{"jsonrpc":"2.0","method":"notifications/initialized"}`, notification: true, method: "notifications/initialized"},
		{name: "result response", payload: `{"jsonrpc":"2.0","id":1,"result":{}}`, response: true},
		{name: "error response", payload: `{"jsonrpc":"2.0","id":1,"error":{"code":1,"message":"x"}}`, response: true},
		{name: "batch", payload: ` [{"jsonrpc":"2.0","id":1,"method":"ping"}]`, batch: true},
		{name: "scalar", payload: `3`},
		{name: "non-string method", payload: `{"method":3}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := jsonrpc.Inspect([]byte(tt.payload))
			require.NoError(t, err)
			require.Equal(t, tt.response, env.IsResponse())
			require.Equal(t, tt.notification, env.IsNotification())
			require.Equal(t, tt.batch, env.Batch)
			require.Equal(t, tt.method, env.Method)
		})
	}

	t.Run("invalid json", func(t *testing.T) {
		_, err := jsonrpc.Inspect([]byte(`{"id":`))
		require.Error(t, err)
	})
}

func TestNewNotification(t *testing.T) {
	msg, err := jsonrpc.NewNotification("notifications/message", map[string]string{"level": "info"})
	require.NoError(t, err)
	require.JSONEq(t, `{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info"}}`, string(msg))

	msg, err = jsonrpc.NewNotification("ping", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"jsonrpc":"2.0","method":"ping"}`, string(msg))

	_, err = jsonrpc.NewNotification("bad", make(chan int))
	require.Error(t, err)
}

func TestRequestError(t *testing.T) {
	inner := errors.New("disk full")
	err := jsonrpc.NewInternalError("storage unavailable", inner)
	require.ErrorIs(t, err, inner)

	re, ok := jsonrpc.AsRequestError(errors.Join(errors.New("outer"), err))
	require.True(t, ok)
	require.Equal(t, jsonrpc.ErrorCodeInternalError, re.Code)

	_, ok = jsonrpc.AsRequestError(inner)
	require.False(t, ok)

	require.Equal(t, "Server error", jsonrpc.ErrorCode(-32000).Message())
	require.False(t, jsonrpc.ErrorCode(-32000).Reserved())
	require.True(t, jsonrpc.ErrorCodeMethodNotFound.Reserved())
}

func TestResponse_ResultOmittedOnError(t *testing.T) {
	b, err := json.Marshal(jsonrpc.NewErrorResponse(jsonrpc.NewRequestID("x"), jsonrpc.ErrorCodeInvalidParams, "Invalid params", "bad"))
	require.NoError(t, err)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":"x","error":{"code":-32602,"message":"Invalid params","data":"bad"}}`, string(b))
}
