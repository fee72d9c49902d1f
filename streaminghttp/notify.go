package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-streamable-rpc/broker"
	"github.com/ggoodman/mcp-streamable-rpc/jsonrpc"
)

const brokerRetryDelay = time.Second

// brokerEnvelope is the payload published on the broker namespace. An empty
// SessionID addresses every session.
type brokerEnvelope struct {
	SessionID string          `json:"session_id"`
	Message   json.RawMessage `json:"message"`
}

// SendNotification delivers a notification to one session's stream. It
// reports false when the session is unknown, has no attached stream or its
// stream failed; a failed stream takes its session down.
func (h *StreamingHTTPHandler) SendNotification(ctx context.Context, sessionID, method string, params any) (bool, error) {
	if h.stateless {
		return false, ErrStatelessNotifications
	}
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return false, err
	}
	return h.deliver(ctx, sessionID, msg), nil
}

// BroadcastNotification delivers a notification to every attached stream and
// returns how many deliveries succeeded. A failing stream only removes its own
// session.
func (h *StreamingHTTPHandler) BroadcastNotification(ctx context.Context, method string, params any) (int, error) {
	if h.stateless {
		return 0, ErrStatelessNotifications
	}
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return 0, err
	}
	return h.broadcast(ctx, msg), nil
}

// PublishNotification hands a notification to the broker so that whichever
// handler holds the session delivers it. An empty sessionID broadcasts.
// Without a broker the notification is delivered locally.
func (h *StreamingHTTPHandler) PublishNotification(ctx context.Context, sessionID, method string, params any) error {
	if h.stateless {
		return ErrStatelessNotifications
	}
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}

	if h.broker == nil {
		if sessionID == "" {
			h.broadcast(ctx, msg)
		} else {
			h.deliver(ctx, sessionID, msg)
		}
		return nil
	}

	data, err := json.Marshal(brokerEnvelope{SessionID: sessionID, Message: json.RawMessage(msg)})
	if err != nil {
		return fmt.Errorf("marshal broker envelope: %w", err)
	}
	if _, err := h.broker.Publish(ctx, h.namespace, data); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

func (h *StreamingHTTPHandler) deliver(ctx context.Context, sessionID string, msg []byte) bool {
	sess, err := h.lookupSession(sessionID)
	if err != nil {
		h.log.DebugContext(ctx, "notify.session.miss", slog.String("session_id", sessionID))
		return false
	}
	return h.pushOrDrop(h.sessionContext(ctx, sess), sess, msg)
}

func (h *StreamingHTTPHandler) broadcast(ctx context.Context, msg []byte) int {
	h.mu.RLock()
	targets := make([]*session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		targets = append(targets, sess)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, sess := range targets {
		if h.pushOrDrop(h.sessionContext(ctx, sess), sess, msg) {
			delivered++
		}
	}
	h.log.DebugContext(ctx, "notify.broadcast", slog.Int("sessions", len(targets)), slog.Int("delivered", delivered))
	return delivered
}

// pushOrDrop writes payload to the session's stream. A write failure,
// including one to a sink whose client went away, removes the session. A
// missing stream, or one the server already ended, only reports false.
func (h *StreamingHTTPHandler) pushOrDrop(ctx context.Context, sess *session, payload []byte) bool {
	err := sess.push(payload)
	switch {
	case err == nil:
		return true
	case errors.Is(err, errNoStream), errors.Is(err, ErrStreamClosed):
		return false
	default:
		h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		h.dropSession(ctx, sess, "stream write failure")
		return false
	}
}

// runBroker delivers broker messages to local sessions until ctx ends,
// resubscribing after failures.
func (h *StreamingHTTPHandler) runBroker(ctx context.Context) {
	defer close(h.brokerDone)

	var lastEventID string
	for {
		err := h.broker.Subscribe(ctx, h.namespace, lastEventID, func(ctx context.Context, env broker.MessageEnvelope) error {
			lastEventID = env.ID
			var be brokerEnvelope
			if err := json.Unmarshal(env.Data, &be); err != nil || len(be.Message) == 0 {
				h.log.WarnContext(ctx, "broker.message.invalid", slog.String("event_id", env.ID))
				return nil
			}
			if be.SessionID == "" {
				h.broadcast(ctx, be.Message)
			} else {
				h.deliver(ctx, be.SessionID, be.Message)
			}
			return nil
		})
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, broker.ErrEventNotFound) {
			lastEventID = ""
		}
		if err != nil {
			h.log.ErrorContext(ctx, "broker.subscribe.fail", slog.String("err", err.Error()))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(brokerRetryDelay):
		}
	}
}
