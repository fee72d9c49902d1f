package streaminghttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

var (
	// errNoStream reports that a session has no attached event stream.
	// Callers fall back to answering synchronously.
	errNoStream = errors.New("no stream attached")
	// errSinkGone reports a write to a stream whose client went away.
	errSinkGone = errors.New("event stream sink closed")
)

// session is one logical client connection. It owns at most one attached
// stream at a time.
type session struct {
	id        string
	createdAt time.Time

	mu              sync.Mutex
	protocolVersion string
	stream          *stream
	closed          bool
}

func newSession(id string) *session {
	return &session{id: id, createdAt: time.Now()}
}

func (s *session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

func (s *session) setProtocolVersion(v string) {
	s.mu.Lock()
	s.protocolVersion = v
	s.mu.Unlock()
}

func (s *session) hasStream() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream != nil
}

// attach makes st the session's stream and runs commit while no other
// stream can be attached, so the client observes the response headers only
// once delivery to st is possible. A previously attached stream is ended.
func (s *session) attach(st *stream, commit func()) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	prev := s.stream
	s.stream = st
	st.lock()
	commit()
	st.unlock()
	s.mu.Unlock()

	if prev != nil {
		prev.close()
	}
	return nil
}

// detach removes st if it is still the attached stream.
func (s *session) detach(st *stream) {
	s.mu.Lock()
	if s.stream == st {
		s.stream = nil
	}
	s.mu.Unlock()
	st.close()
}

// push writes one payload to the attached stream. It returns errNoStream
// when nothing is attached; any other error means the stream is dead.
func (s *session) push(payload []byte) error {
	s.mu.Lock()
	st := s.stream
	s.mu.Unlock()
	if st == nil {
		return errNoStream
	}
	return st.writeEvent(payload)
}

// close ends the session and its stream. It is idempotent.
func (s *session) close() {
	s.mu.Lock()
	s.closed = true
	st := s.stream
	s.stream = nil
	s.mu.Unlock()
	if st != nil {
		st.close()
	}
}

// stream is an attached GET response. Writes are serialized by mu and never
// happen after close, so the owning request goroutine can return safely once
// done is closed.
type stream struct {
	mu     sync.Mutex
	wf     *ctxWriteFlusher
	closed bool
	done   chan struct{}
}

func newStream(ctx context.Context, w io.Writer, f http.Flusher) *stream {
	return &stream{
		wf:   &ctxWriteFlusher{Writer: w, Flusher: f, ctx: ctx},
		done: make(chan struct{}),
	}
}

func (st *stream) lock()   { st.mu.Lock() }
func (st *stream) unlock() { st.mu.Unlock() }

func (st *stream) writeEvent(payload []byte) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return ErrStreamClosed
	}
	return writeSSEEvent(st.wf, payload)
}

func (st *stream) close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.closed {
		st.closed = true
		close(st.done)
	}
}

// ctxWriteFlusher wraps an io.Writer + http.Flusher and refuses to write
// after ctx is canceled. A canceled ctx means the client went away; the
// write fails like any other broken sink.
type ctxWriteFlusher struct {
	io.Writer
	http.Flusher
	ctx context.Context
}

func (l *ctxWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, fmt.Errorf("%w: %w", errSinkGone, l.ctx.Err())
	}
	return l.Writer.Write(p)
}

func (l *ctxWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeSSEEvent writes payload as one "data:" frame and flushes it.
func writeSSEEvent(wf *ctxWriteFlusher, payload []byte) error {
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, "\n\n"...)
	if _, err := wf.Write(frame); err != nil {
		return fmt.Errorf("failed to write SSE event: %w", err)
	}
	wf.Flush()
	return nil
}
