// Package broker fans transport messages out across every node serving the
// same endpoint. Each namespace is an ordered log; subscribers receive the
// messages published after they subscribed, or after a known event id when
// resuming.
package broker

import (
	"context"
	"errors"
)

var (
	// ErrEventNotFound is returned by Subscribe when lastEventID is not
	// present in the namespace.
	ErrEventNotFound = errors.New("broker: event not found")
	// ErrSlowConsumer is returned by Subscribe when a subscriber fell too far
	// behind and was dropped.
	ErrSlowConsumer = errors.New("broker: subscriber fell behind")
)

// Broker handles message queuing and delivery for horizontally scaled
// transports. It provides namespace-based isolation and ordered delivery
// within each namespace.
type Broker interface {
	// Publish appends data to the namespace and returns its event id.
	Publish(ctx context.Context, namespace string, data []byte) (eventID string, err error)

	// Subscribe delivers namespace messages to handler in publication order
	// and blocks until ctx ends, handler fails or the namespace is cleaned
	// up. It returns ctx.Err() when ctx ends and nil after a cleanup. An
	// empty lastEventID starts with the next published message.
	Subscribe(ctx context.Context, namespace string, lastEventID string, handler MessageHandler) error

	// Cleanup removes all resources associated with a namespace. In-process
	// implementations also end its active subscriptions.
	Cleanup(ctx context.Context, namespace string) error
}

// MessageHandler receives one delivered message. Returning an error stops the
// subscription and is returned from Subscribe.
type MessageHandler func(ctx context.Context, envelope MessageEnvelope) error

// MessageEnvelope wraps a message with metadata for ordered delivery.
type MessageEnvelope struct {
	// ID is unique and monotonically increasing within the namespace.
	ID string `json:"id"`
	// Data is the published payload.
	Data []byte `json:"data"`
}
