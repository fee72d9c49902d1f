package main

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ggoodman/mcp-streamable-rpc/jsonrpc"
	"github.com/ggoodman/mcp-streamable-rpc/streaminghttp"
)

const (
	serverName      = "mcp-streamd"
	serverVersion   = "0.1.0"
	protocolVersion = "2025-06-18"
)

type initializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	ClientInfo      json.RawMessage `json:"clientInfo,omitempty"`
}

func demoMethods(log *slog.Logger) jsonrpc.Methods {
	return jsonrpc.Methods{
		"initialize": jsonrpc.HandlerFunc(func(ctx context.Context, params json.RawMessage) (any, error) {
			var p initializeParams
			if len(params) > 0 {
				if err := json.Unmarshal(params, &p); err != nil {
					return nil, jsonrpc.NewInvalidParamsError("initialize params must be an object")
				}
			}
			return map[string]any{
				"protocolVersion": protocolVersion,
				"capabilities":    map[string]any{"logging": map[string]any{}},
				"serverInfo":      map[string]string{"name": serverName, "version": serverVersion},
			}, nil
		}),
		"notifications/initialized": jsonrpc.HandlerFunc(func(ctx context.Context, _ json.RawMessage) (any, error) {
			id, _ := streaminghttp.SessionIDFromContext(ctx)
			log.InfoContext(ctx, "client.initialized", slog.String("session_id", id))
			return nil, nil
		}),
		"ping": jsonrpc.HandlerFunc(func(ctx context.Context, _ json.RawMessage) (any, error) {
			return struct{}{}, nil
		}),
		"echo": jsonrpc.HandlerFunc(func(ctx context.Context, params json.RawMessage) (any, error) {
			if len(params) == 0 {
				return nil, nil
			}
			return params, nil
		}),
	}
}
