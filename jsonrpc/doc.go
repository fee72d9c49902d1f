// Package jsonrpc implements the JSON-RPC 2.0 message layer: wire types,
// request id handling, and an Engine that validates and dispatches single
// requests and batches against a caller supplied method Lookup.
//
// The Engine never touches HTTP. Malformed input is always converted into a
// well-formed error response and notifications (requests without an id) are
// never answered, whatever the outcome of their handler.
//
//	methods := jsonrpc.Methods{
//	    "ping": jsonrpc.HandlerFunc(func(ctx context.Context, _ json.RawMessage) (any, error) {
//	        return struct{}{}, nil
//	    }),
//	}
//	eng := jsonrpc.NewEngine()
//	out := eng.HandleSerialized(ctx, body, methods.Lookup)
//
// # Request ids
//
// Integer ids keep their type on the wire, as do strings. String ids must
// match DefaultIDPattern unless the Engine or the individual call supplies a
// different pattern; a nil pattern accepts any string.
//
// # Errors
//
// Handler errors are passed to the configured ErrorReporter and answered
// with -32603. A *RequestError anywhere in the error chain keeps its declared
// code instead.
package jsonrpc
