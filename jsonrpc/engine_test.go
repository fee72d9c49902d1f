package jsonrpc_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ggoodman/mcp-streamable-rpc/jsonrpc"
)

func testMethods() jsonrpc.Methods {
	return jsonrpc.Methods{
		"echo": jsonrpc.HandlerFunc(func(ctx context.Context, params json.RawMessage) (any, error) {
			if params == nil {
				return nil, nil
			}
			return params, nil
		}),
		"add": jsonrpc.HandlerFunc(func(ctx context.Context, params json.RawMessage) (any, error) {
			var nums []int
			if err := json.Unmarshal(params, &nums); err != nil {
				return nil, jsonrpc.NewInvalidParamsError("expected an array of integers")
			}
			sum := 0
			for _, n := range nums {
				sum += n
			}
			return sum, nil
		}),
		"fail": jsonrpc.HandlerFunc(func(ctx context.Context, params json.RawMessage) (any, error) {
			return nil, errors.New("boom")
		}),
		"panic": jsonrpc.HandlerFunc(func(ctx context.Context, params json.RawMessage) (any, error) {
			panic("kaboom")
		}),
	}
}

// handle runs the payload and decodes the serialized output generically.
func handle(t *testing.T, eng *jsonrpc.Engine, payload string, opts ...jsonrpc.CallOption) any {
	t.Helper()
	out := eng.HandleSerialized(context.Background(), []byte(payload), testMethods().Lookup, opts...)
	if out == nil {
		return nil
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(out))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&v), "output must be valid JSON: %s", out)
	return v
}

func asObject(t *testing.T, v any) map[string]any {
	t.Helper()
	m, ok := v.(map[string]any)
	require.True(t, ok, "expected a JSON object, got %T (%v)", v, v)
	return m
}

func errorOf(t *testing.T, v any) map[string]any {
	t.Helper()
	m := asObject(t, v)
	require.NotContains(t, m, "result")
	e, ok := m["error"].(map[string]any)
	require.True(t, ok, "expected an error member in %v", m)
	return e
}

func requireCode(t *testing.T, v any, code jsonrpc.ErrorCode) map[string]any {
	t.Helper()
	e := errorOf(t, v)
	require.Equal(t, json.Number(fmt.Sprint(int(code))), e["code"])
	return e
}

func TestEngine_SingleRequests(t *testing.T) {
	eng := jsonrpc.NewEngine()

	t.Run("integer id is echoed as integer", func(t *testing.T) {
		out := asObject(t, handle(t, eng, `{"jsonrpc":"2.0","id":7,"method":"add","params":[1,2,3]}`))
		require.Equal(t, "2.0", out["jsonrpc"])
		require.Equal(t, json.Number("7"), out["id"])
		require.Equal(t, json.Number("6"), out["result"])
		require.NotContains(t, out, "error")
	})

	t.Run("string id is echoed as string", func(t *testing.T) {
		out := asObject(t, handle(t, eng, `{"jsonrpc":"2.0","id":"request-123_abc","method":"echo","params":{"a":1}}`))
		require.Equal(t, "request-123_abc", out["id"])
		require.Equal(t, map[string]any{"a": json.Number("1")}, out["result"])
	})

	t.Run("null id is answered with null id", func(t *testing.T) {
		out := asObject(t, handle(t, eng, `{"jsonrpc":"2.0","id":null,"method":"echo"}`))
		require.Contains(t, out, "id")
		require.Nil(t, out["id"])
		require.Contains(t, out, "result")
	})

	t.Run("nil result is still a result member", func(t *testing.T) {
		out := asObject(t, handle(t, eng, `{"jsonrpc":"2.0","id":1,"method":"echo"}`))
		require.Contains(t, out, "result")
		require.Nil(t, out["result"])
	})
}

func TestEngine_Validation(t *testing.T) {
	eng := jsonrpc.NewEngine()

	tests := []struct {
		name    string
		payload string
		code    jsonrpc.ErrorCode
		data    any
		nullID  bool
	}{
		{name: "parse error", payload: `{"jsonrpc":`, code: jsonrpc.ErrorCodeParseError, data: `{"jsonrpc":`, nullID: true},
		{name: "empty payload", payload: ``, code: jsonrpc.ErrorCodeParseError, data: "", nullID: true},
		{name: "blank payload", payload: "  \n", code: jsonrpc.ErrorCodeParseError, data: "  \n", nullID: true},
		{name: "scalar payload", payload: `42`, code: jsonrpc.ErrorCodeInvalidRequest, data: "Request must be an array or a hash", nullID: true},
		{name: "string payload", payload: `"hello"`, code: jsonrpc.ErrorCodeInvalidRequest, data: "Request must be an array or a hash", nullID: true},
		{name: "empty batch", payload: `[]`, code: jsonrpc.ErrorCodeInvalidRequest, data: "Request is an empty array", nullID: true},
		{name: "wrong version", payload: `{"jsonrpc":"1.0","id":1,"method":"echo"}`, code: jsonrpc.ErrorCodeInvalidRequest, data: "JSON-RPC version must be 2.0"},
		{name: "missing version", payload: `{"id":1,"method":"echo"}`, code: jsonrpc.ErrorCodeInvalidRequest, data: "JSON-RPC version must be 2.0"},
		{name: "numeric version", payload: `{"jsonrpc":2.0,"id":1,"method":"echo"}`, code: jsonrpc.ErrorCodeInvalidRequest, data: "JSON-RPC version must be 2.0"},
		{name: "fractional id", payload: `{"jsonrpc":"2.0","id":1.5,"method":"echo"}`, code: jsonrpc.ErrorCodeInvalidRequest, data: "Request ID must match validation pattern, or be an integer or null", nullID: true},
		{name: "boolean id", payload: `{"jsonrpc":"2.0","id":true,"method":"echo"}`, code: jsonrpc.ErrorCodeInvalidRequest, data: "Request ID must match validation pattern, or be an integer or null", nullID: true},
		{name: "object id", payload: `{"jsonrpc":"2.0","id":{},"method":"echo"}`, code: jsonrpc.ErrorCodeInvalidRequest, data: "Request ID must match validation pattern, or be an integer or null", nullID: true},
		{name: "reserved method prefix", payload: `{"jsonrpc":"2.0","id":1,"method":"rpc.discover"}`, code: jsonrpc.ErrorCodeInvalidRequest, data: `Method name must be a string and not start with "rpc."`},
		{name: "missing method", payload: `{"jsonrpc":"2.0","id":1}`, code: jsonrpc.ErrorCodeInvalidRequest, data: `Method name must be a string and not start with "rpc."`},
		{name: "non-string method", payload: `{"jsonrpc":"2.0","id":1,"method":5}`, code: jsonrpc.ErrorCodeInvalidRequest, data: `Method name must be a string and not start with "rpc."`},
		{name: "scalar params", payload: `{"jsonrpc":"2.0","id":1,"method":"echo","params":"x"}`, code: jsonrpc.ErrorCodeInvalidParams, data: "Method parameters must be an array or an object or null"},
		{name: "unknown method", payload: `{"jsonrpc":"2.0","id":1,"method":"nope"}`, code: jsonrpc.ErrorCodeMethodNotFound, data: "nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := handle(t, eng, tt.payload)
			e := requireCode(t, out, tt.code)
			require.Equal(t, tt.data, e["data"])
			require.Equal(t, tt.code.Message(), e["message"])
			if tt.nullID {
				require.Nil(t, asObject(t, out)["id"])
			} else {
				require.Equal(t, json.Number("1"), asObject(t, out)["id"])
			}
		})
	}
}

func TestEngine_Notifications(t *testing.T) {
	var reported atomic.Int32
	eng := jsonrpc.NewEngine(jsonrpc.WithErrorReporter(func(ctx context.Context, err error, info jsonrpc.ErrorInfo) {
		reported.Add(1)
	}))

	for _, payload := range []string{
		`{"jsonrpc":"2.0","method":"echo","params":[1]}`,
		`{"jsonrpc":"2.0","method":"nope"}`,
		`{"jsonrpc":"2.0","method":"fail"}`,
		`{"jsonrpc":"2.0","method":"panic"}`,
		`{"jsonrpc":"2.0","method":"echo","params":7}`,
	} {
		require.Nil(t, handle(t, eng, payload), payload)
	}
	require.EqualValues(t, 2, reported.Load(), "handler failures of notifications are still reported")
}

func TestEngine_HandlerErrors(t *testing.T) {
	var (
		mu    sync.Mutex
		infos []jsonrpc.ErrorInfo
	)
	eng := jsonrpc.NewEngine(jsonrpc.WithErrorReporter(func(ctx context.Context, err error, info jsonrpc.ErrorInfo) {
		mu.Lock()
		infos = append(infos, info)
		mu.Unlock()
	}))

	t.Run("plain error becomes internal error", func(t *testing.T) {
		e := requireCode(t, handle(t, eng, `{"jsonrpc":"2.0","id":"a","method":"fail"}`), jsonrpc.ErrorCodeInternalError)
		require.Equal(t, "Internal error", e["message"])
		require.Equal(t, "boom", e["data"])
	})

	t.Run("panic becomes internal error", func(t *testing.T) {
		requireCode(t, handle(t, eng, `{"jsonrpc":"2.0","id":"b","method":"panic"}`), jsonrpc.ErrorCodeInternalError)
	})

	t.Run("declared error keeps its classification", func(t *testing.T) {
		e := requireCode(t, handle(t, eng, `{"jsonrpc":"2.0","id":"c","method":"add","params":{"x":1}}`), jsonrpc.ErrorCodeInvalidParams)
		require.Equal(t, "Invalid params", e["message"])
		require.Equal(t, "expected an array of integers", e["data"])
	})

	t.Run("wrapped declared error keeps its classification", func(t *testing.T) {
		methods := jsonrpc.Methods{
			"wrapped": jsonrpc.HandlerFunc(func(ctx context.Context, _ json.RawMessage) (any, error) {
				return nil, fmt.Errorf("lookup: %w", &jsonrpc.RequestError{Code: -32001, Message: "Resource not found", Data: map[string]string{"uri": "x://y"}})
			}),
		}
		out := eng.HandleSerialized(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"wrapped"}`), methods.Lookup)
		var resp jsonrpc.Response
		require.NoError(t, json.Unmarshal(out, &resp))
		require.NotNil(t, resp.Error)
		require.Equal(t, jsonrpc.ErrorCode(-32001), resp.Error.Code)
		require.Equal(t, "Resource not found", resp.Error.Message)
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, infos, 4)
	require.Equal(t, "fail", infos[0].Method)
	require.Equal(t, "a", infos[0].ID.String())
}

func TestEngine_Batches(t *testing.T) {
	eng := jsonrpc.NewEngine()

	t.Run("only notifications yields nothing", func(t *testing.T) {
		require.Nil(t, handle(t, eng, `[{"jsonrpc":"2.0","method":"echo"},{"jsonrpc":"2.0","method":"fail"}]`))
	})

	t.Run("one answerable element yields a single object", func(t *testing.T) {
		out := asObject(t, handle(t, eng, `[{"jsonrpc":"2.0","method":"echo"},{"jsonrpc":"2.0","id":9,"method":"add","params":[4,5]},{"jsonrpc":"2.0","method":"fail"}]`))
		require.Equal(t, json.Number("9"), out["id"])
		require.Equal(t, json.Number("9"), out["result"])
	})

	t.Run("several answerable elements yield an array correlated by id", func(t *testing.T) {
		out := handle(t, eng, `[
			{"jsonrpc":"2.0","id":1,"method":"add","params":[1,1]},
			{"jsonrpc":"2.0","id":"two","method":"echo","params":["x"]},
			{"jsonrpc":"2.0","method":"echo"},
			{"jsonrpc":"2.0","id":3,"method":"nope"}
		]`)
		arr, ok := out.([]any)
		require.True(t, ok, "expected array, got %T", out)
		require.Len(t, arr, 3)

		byID := map[string]map[string]any{}
		for _, el := range arr {
			m := asObject(t, el)
			byID[fmt.Sprint(m["id"])] = m
		}
		keys := make([]string, 0, len(byID))
		for k := range byID {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		require.Equal(t, []string{"1", "3", "two"}, keys)
		require.Equal(t, json.Number("2"), byID["1"]["result"])
		require.Equal(t, []any{"x"}, byID["two"]["result"])
		requireCode(t, byID["3"], jsonrpc.ErrorCodeMethodNotFound)
	})

	t.Run("invalid elements are answered individually", func(t *testing.T) {
		out := handle(t, eng, `[1, {"jsonrpc":"2.0","id":2,"method":"echo"}]`)
		arr, ok := out.([]any)
		require.True(t, ok)
		require.Len(t, arr, 2)
	})

	t.Run("elements run concurrently", func(t *testing.T) {
		const n = 4
		var (
			started = make(chan struct{}, n)
			release = make(chan struct{})
		)
		methods := jsonrpc.Methods{
			"wait": jsonrpc.HandlerFunc(func(ctx context.Context, _ json.RawMessage) (any, error) {
				started <- struct{}{}
				<-release
				return true, nil
			}),
		}
		concurrent := jsonrpc.NewEngine(jsonrpc.WithBatchConcurrency(n))
		done := make(chan []byte)
		go func() {
			done <- concurrent.HandleSerialized(context.Background(), []byte(`[
				{"jsonrpc":"2.0","id":1,"method":"wait"},
				{"jsonrpc":"2.0","id":2,"method":"wait"},
				{"jsonrpc":"2.0","id":3,"method":"wait"},
				{"jsonrpc":"2.0","id":4,"method":"wait"}
			]`), methods.Lookup)
		}()
		for i := 0; i < n; i++ {
			<-started
		}
		close(release)
		var resps []jsonrpc.Response
		require.NoError(t, json.Unmarshal(<-done, &resps))
		require.Len(t, resps, n)
	})
}

func TestEngine_IDPatterns(t *testing.T) {
	eng := jsonrpc.NewEngine()
	uuid := "0b7c6a58-3f7e-4d56-9f0a-3c2e4d5b6a71"

	accepted := []string{"request-123_abc", uuid, "A", "under_score"}
	for _, id := range accepted {
		t.Run("accepts "+id, func(t *testing.T) {
			out := asObject(t, handle(t, eng, fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"method":"echo"}`, id)))
			require.Equal(t, id, out["id"])
			require.Contains(t, out, "result")
		})
	}

	rejected := []string{"has space", "user@example", "<script>alert(1)</script>", ""}
	for _, id := range rejected {
		t.Run(fmt.Sprintf("rejects %q", id), func(t *testing.T) {
			out := handle(t, eng, fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"method":"echo"}`, id))
			requireCode(t, out, jsonrpc.ErrorCodeInvalidRequest)
			require.Nil(t, asObject(t, out)["id"])
		})
	}

	t.Run("call override accepts what the default rejects", func(t *testing.T) {
		out := asObject(t, handle(t, eng, `{"jsonrpc":"2.0","id":"user@example","method":"echo"}`, jsonrpc.WithIDPattern(regexp.MustCompile(`^.+$`))))
		require.Equal(t, "user@example", out["id"])
	})

	t.Run("nil call pattern accepts any string", func(t *testing.T) {
		out := asObject(t, handle(t, eng, `{"jsonrpc":"2.0","id":"<b>x</b> y","method":"echo"}`, jsonrpc.WithIDPattern(nil)))
		require.Equal(t, "<b>x</b> y", out["id"])
	})

	t.Run("engine default can be relaxed", func(t *testing.T) {
		relaxed := jsonrpc.NewEngine(jsonrpc.WithDefaultIDPattern(nil))
		out := asObject(t, handle(t, relaxed, `{"jsonrpc":"2.0","id":"a b","method":"echo"}`))
		require.Equal(t, "a b", out["id"])
	})

	t.Run("call override can be stricter than the default", func(t *testing.T) {
		out := handle(t, eng, `{"jsonrpc":"2.0","id":"abc","method":"echo"}`, jsonrpc.WithIDPattern(regexp.MustCompile(`^[0-9]+$`)))
		requireCode(t, out, jsonrpc.ErrorCodeInvalidRequest)
	})

	t.Run("integer ids ignore the pattern", func(t *testing.T) {
		out := asObject(t, handle(t, eng, `{"jsonrpc":"2.0","id":-12,"method":"echo"}`, jsonrpc.WithIDPattern(regexp.MustCompile(`^x$`))))
		require.Equal(t, json.Number("-12"), out["id"])
	})
}

func TestEngine_Handle_ReplyShape(t *testing.T) {
	eng := jsonrpc.NewEngine()
	ctx := context.Background()

	reply := eng.Handle(ctx, json.RawMessage(`{"jsonrpc":"2.0","method":"echo"}`), testMethods().Lookup)
	require.True(t, reply.Empty())
	require.Nil(t, reply.Responses())

	reply = eng.Handle(ctx, json.RawMessage(`{"jsonrpc":"2.0","id":3,"method":"echo"}`), testMethods().Lookup)
	require.NotNil(t, reply.Single)
	require.Equal(t, int64(3), reply.Single.ID.Value())

	reply = eng.Handle(ctx, json.RawMessage(`[{"jsonrpc":"2.0","id":1,"method":"echo"},{"jsonrpc":"2.0","id":2,"method":"echo"}]`), nil)
	require.Len(t, reply.Batch, 2)
	for _, r := range reply.Batch {
		require.Equal(t, jsonrpc.ErrorCodeMethodNotFound, r.Error.Code)
	}
}

func TestEngine_Telemetry(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	eng := jsonrpc.NewEngine(jsonrpc.WithTracerProvider(tp), jsonrpc.WithMeterProvider(mp))
	handle(t, eng, `{"jsonrpc":"2.0","id":1,"method":"echo"}`)
	handle(t, eng, `{"jsonrpc":"2.0","id":2,"method":"fail"}`)
	handle(t, eng, `{"jsonrpc":"2.0","id":3,"method":"missing"}`)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2, "unknown methods are not dispatched")
	require.Equal(t, "jsonrpc.echo", spans[0].Name)
	require.Equal(t, "jsonrpc.fail", spans[1].Name)
	require.Contains(t, spans[1].Attributes, attribute.Int("rpc.jsonrpc.error_code", int(jsonrpc.ErrorCodeInternalError)))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					totals[m.Name] += dp.Value
				}
			}
		}
	}
	require.Equal(t, int64(2), totals["jsonrpc.server.requests"])
	require.Equal(t, int64(1), totals["jsonrpc.server.errors"])
}
