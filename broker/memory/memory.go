// Package memory provides an in-process implementation of broker.Broker.
// It is suitable for single-node deployments and tests.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/mcp-streamable-rpc/broker"
)

const (
	defaultHistory = 1024
	subscriberBuf  = 256
)

// Broker implements broker.Broker using in-memory logs and channels.
type Broker struct {
	mu           sync.Mutex
	namespaces   map[string]*namespace
	eventCounter atomic.Int64
	history      int
}

type namespace struct {
	mu          sync.Mutex
	messages    []broker.MessageEnvelope
	subscribers map[*subscriber]struct{}
}

type subscriber struct {
	ch   chan broker.MessageEnvelope
	done chan struct{}
	once sync.Once
	err  error
}

func (s *subscriber) stop(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// Option configures a Broker.
type Option func(*Broker)

// WithHistory bounds how many messages per namespace are retained for
// resuming subscribers.
func WithHistory(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.history = n
		}
	}
}

// New creates a new memory-based broker instance.
func New(opts ...Option) *Broker {
	b := &Broker{
		namespaces: make(map[string]*namespace),
		history:    defaultHistory,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) namespace(name string) *namespace {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns, ok := b.namespaces[name]
	if !ok {
		ns = &namespace{subscribers: make(map[*subscriber]struct{})}
		b.namespaces[name] = ns
	}
	return ns
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, namespaceName string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	env := broker.MessageEnvelope{
		ID:   strconv.FormatInt(b.eventCounter.Add(1), 10),
		Data: append([]byte(nil), data...),
	}

	ns := b.namespace(namespaceName)
	ns.mu.Lock()
	defer ns.mu.Unlock()

	ns.messages = append(ns.messages, env)
	if over := len(ns.messages) - b.history; over > 0 {
		ns.messages = append(ns.messages[:0:0], ns.messages[over:]...)
	}

	for sub := range ns.subscribers {
		select {
		case sub.ch <- env:
		default:
			delete(ns.subscribers, sub)
			sub.stop(broker.ErrSlowConsumer)
		}
	}

	return env.ID, nil
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, namespaceName string, lastEventID string, handler broker.MessageHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ns := b.namespace(namespaceName)
	sub := &subscriber{
		ch:   make(chan broker.MessageEnvelope, subscriberBuf),
		done: make(chan struct{}),
	}

	ns.mu.Lock()
	var backlog []broker.MessageEnvelope
	if lastEventID != "" {
		idx := -1
		for i, msg := range ns.messages {
			if msg.ID == lastEventID {
				idx = i
				break
			}
		}
		if idx < 0 {
			ns.mu.Unlock()
			return fmt.Errorf("%w: %q in namespace %q", broker.ErrEventNotFound, lastEventID, namespaceName)
		}
		backlog = append(backlog, ns.messages[idx+1:]...)
	}
	ns.subscribers[sub] = struct{}{}
	ns.mu.Unlock()

	defer func() {
		ns.mu.Lock()
		delete(ns.subscribers, sub)
		ns.mu.Unlock()
	}()

	for _, env := range backlog {
		if err := handler(ctx, env); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.done:
			return sub.err
		case env := <-sub.ch:
			if err := handler(ctx, env); err != nil {
				return err
			}
		}
	}
}

// Cleanup implements broker.Broker. Active subscriptions return nil.
func (b *Broker) Cleanup(ctx context.Context, namespaceName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	ns, ok := b.namespaces[namespaceName]
	delete(b.namespaces, namespaceName)
	b.mu.Unlock()
	if !ok {
		return nil
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()
	for sub := range ns.subscribers {
		sub.stop(nil)
	}
	ns.subscribers = make(map[*subscriber]struct{})
	ns.messages = nil
	return nil
}

var _ broker.Broker = (*Broker)(nil)
