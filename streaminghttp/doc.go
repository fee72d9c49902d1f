// Package streaminghttp implements a streamable HTTP transport for JSON-RPC
// 2.0. It mounts as a standard net/http handler on a single endpoint and
// provides session-scoped request/response over POST plus an optional
// long-lived event stream over GET for notifications and deferred responses.
//
// Responsibilities
//   - Accept negotiation (application/json and text/event-stream)
//   - Session creation on initialize, validation via the Mcp-Session-Id header
//   - Dispatch of single and batch payloads through a jsonrpc.Engine
//   - Ordered delivery of responses and notifications on the attached stream
//   - Targeted, broadcast and cross-node (broker) notifications
//
// Construction
//
//	h, err := streaminghttp.New(
//	    methods.Lookup, // jsonrpc.Lookup resolving method names
//	    streaminghttp.WithLogger(logger),
//	)
//
// # Sessions and Streams
//
// A session starts with a successful initialize request and ends on DELETE,
// on Close, or when a write to its stream fails. Each session holds at most
// one stream; a second GET replaces the first. While a stream is attached,
// POST responses travel over it and the POST itself is answered with 202.
// A client that disconnects only detaches its stream; the session survives.
//
// # Stateless Mode
//
// WithStateless(true) disables sessions entirely: every POST is answered
// synchronously, GET is rejected with 405 and the notification API returns
// ErrStatelessNotifications.
//
// # Scaling
//
// With WithBroker, PublishNotification fans notifications out through a
// shared broker so the handler holding a session's stream delivers it,
// whichever node the publisher runs on.
//
// # Error Handling
//
// Transport-level errors map to HTTP status codes with a JSON body of the
// form {"error":{"code":<status>,"message":"..."}}. JSON-RPC errors are
// serialized as JSON-RPC error responses.
//
// Example (mount in net/http):
//
//	mux := http.NewServeMux()
//	mux.Handle("/mcp", h)
//	http.ListenAndServe(":8080", mux)
package streaminghttp
