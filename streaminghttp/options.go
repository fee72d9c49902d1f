package streaminghttp

import (
	"log/slog"
	"regexp"

	"github.com/ggoodman/mcp-streamable-rpc/broker"
	"github.com/ggoodman/mcp-streamable-rpc/jsonrpc"
	"github.com/ggoodman/mcp-streamable-rpc/sessiontoken"
)

// DefaultMaxBodyBytes bounds POST bodies unless WithMaxBodyBytes says otherwise.
const DefaultMaxBodyBytes = 4 << 20

// DefaultBrokerNamespace is the broker namespace used when WithBroker is given
// an empty one.
const DefaultBrokerNamespace = "streaminghttp:notifications"

// Option configures the StreamingHTTPHandler.
type Option func(*newConfig)

type newConfig struct {
	logger       *slog.Logger
	stateless    bool
	engine       *jsonrpc.Engine
	idPattern    *regexp.Regexp
	idPatternSet bool
	broker       broker.Broker
	namespace    string
	signer       sessiontoken.Signer
	maxBodyBytes int64
}

// WithLogger sets the logger used by the handler. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithStateless disables sessions and event streams. Every POST is
// self-contained.
func WithStateless(stateless bool) Option {
	return func(c *newConfig) { c.stateless = stateless }
}

// WithEngine supplies the message engine. By default one is built with the
// handler's logger.
func WithEngine(e *jsonrpc.Engine) Option {
	return func(c *newConfig) { c.engine = e }
}

// WithRequestIDPattern overrides the engine's id pattern for every request
// handled by this transport. A nil pattern accepts any string id.
func WithRequestIDPattern(re *regexp.Regexp) Option {
	return func(c *newConfig) {
		c.idPattern = re
		c.idPatternSet = true
	}
}

// WithBroker fans notifications published with PublishNotification out to
// every handler subscribed to namespace.
func WithBroker(b broker.Broker, namespace string) Option {
	return func(c *newConfig) {
		c.broker = b
		c.namespace = namespace
	}
}

// WithSessionSigner makes session ids signed tokens. Ids that fail
// verification are rejected without a session lookup.
func WithSessionSigner(s sessiontoken.Signer) Option {
	return func(c *newConfig) { c.signer = s }
}

// WithMaxBodyBytes bounds the size of POST bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(c *newConfig) { c.maxBodyBytes = n }
}
