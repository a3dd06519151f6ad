package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/alexanimal/tradovate-mcp-server-sub000/metrics"
)

// Role is the side of the Tradovate API a session is bound to. It determines
// which subscribe URLs are legal on the session.
type Role string

const (
	RoleMarketData Role = "market-data"
	RoleTrading    Role = "trading"
)

// State is the session lifecycle state. It moves forward from Disconnected
// through Authenticated; a handshake failure lands in StateError before the
// session returns to Disconnected.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateAuthenticated
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateError:
		return "error"
	}
	return "unknown"
}

// TokenSource supplies access tokens for the authorize handshake. The
// adapter's TokenManager satisfies it.
type TokenSource interface {
	Acquire(ctx context.Context) (string, error)
	Invalidate(refreshFailed bool)
}

// result pairs a correlated response event with a delivery error.
type result struct {
	ev  Event
	err error
}

// Session is one long-lived Tradovate websocket connection. It performs the
// post-open authorize handshake, correlates requests to responses by integer
// id, fans push events out to listeners, and keeps the server alive with
// traffic-driven heartbeats.
type Session struct {
	role   Role
	url    string
	tokens TokenSource
	logger *zap.SugaredLogger
	dialer *gws.Dialer

	connectTimeout time.Duration
	heartbeatAfter time.Duration

	mu             sync.Mutex
	state          State
	conn           *gws.Conn
	nextID         int
	pending        map[int]chan result
	listeners      map[int]func(Event)
	nextListenerID int
	handshake      chan error
	done           chan struct{}

	// writeMu serializes socket writes and guards the heartbeat clock.
	writeMu    sync.Mutex
	lastSentAt time.Time

	now func() time.Time
}

// SessionConfig carries the knobs a Session needs beyond its role and URL.
type SessionConfig struct {
	ConnectTimeout time.Duration
	HeartbeatAfter time.Duration
}

// NewSession creates a disconnected session. Call Connect to bring it up.
func NewSession(role Role, url string, tokens TokenSource, cfg SessionConfig, logger *zap.SugaredLogger) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.HeartbeatAfter <= 0 {
		cfg.HeartbeatAfter = 2500 * time.Millisecond
	}
	return &Session{
		role:           role,
		url:            url,
		tokens:         tokens,
		logger:         logger,
		dialer:         gws.DefaultDialer,
		connectTimeout: cfg.ConnectTimeout,
		heartbeatAfter: cfg.HeartbeatAfter,
		pending:        make(map[int]chan result),
		listeners:      make(map[int]func(Event)),
		now:            time.Now,
	}
}

// Role returns the session's API side.
func (s *Session) Role() Role { return s.role }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done returns a channel closed when the session's read loop exits, whether
// by local close or remote failure.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Connect dials the websocket and runs the authorize handshake. It blocks
// until the session is Authenticated, the connect deadline passes, or the
// handshake fails.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("websocket: connect on %s session", state)
	}
	s.state = StateConnecting
	handshake := make(chan error, 1)
	done := make(chan struct{})
	s.handshake = handshake
	s.done = done
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	conn, _, err := s.dialer.DialContext(dialCtx, s.url, nil)
	if err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		close(done)
		return fmt.Errorf("websocket: dial %s failed: %w", s.url, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	// Opening the socket counts as activity for the heartbeat clock.
	s.writeMu.Lock()
	s.lastSentAt = s.now()
	s.writeMu.Unlock()

	go s.readLoop(conn)

	select {
	case err := <-handshake:
		if err != nil {
			conn.Close()
			return err
		}
		s.logger.Infow("Session authenticated", "role", s.role, "url", s.url)
		return nil
	case <-dialCtx.Done():
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrConnectTimeout
	}
}

// Close terminates the socket locally. The read loop observes the closed
// connection and tears the session down to Disconnected.
func (s *Session) Close() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Request sends a correlated request on an authenticated session and blocks
// until the matching response arrives, the context expires, or the session
// closes. A non-200 response surfaces as OperationRejectedError.
func (s *Session) Request(ctx context.Context, url, query string, body any) (Event, error) {
	s.mu.Lock()
	if s.state != StateAuthenticated {
		s.mu.Unlock()
		return Event{}, ErrNotConnected
	}
	id := s.nextID
	s.nextID++
	ch := make(chan result, 1)
	s.pending[id] = ch
	conn := s.conn
	done := s.done
	s.mu.Unlock()

	frame, err := EncodeRequest(url, id, query, body)
	if err != nil {
		s.dropPending(id)
		return Event{}, err
	}
	if err := s.write(conn, frame); err != nil {
		s.dropPending(id)
		return Event{}, fmt.Errorf("websocket: send %s failed: %w", url, err)
	}
	metrics.RequestsSent.Inc()

	select {
	case res := <-ch:
		if res.err != nil {
			return Event{}, res.err
		}
		if res.ev.S != 200 {
			return Event{}, &OperationRejectedError{
				URL:    url,
				Status: res.ev.S,
				Reason: reasonText(res.ev.D),
			}
		}
		return res.ev, nil
	case <-ctx.Done():
		// The record stays registered; a late response is delivered into
		// the buffered channel and discarded with it.
		return Event{}, ctx.Err()
	case <-done:
		return Event{}, ErrClosedDuringRequest
	}
}

// AddListener registers a push-event callback and returns its removal func.
// Listener panics are recovered so one bad subscriber cannot take down the
// read loop.
func (s *Session) AddListener(fn func(Event)) func() {
	s.mu.Lock()
	id := s.nextListenerID
	s.nextListenerID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Session) dropPending(id int) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// write sends one frame and stamps the heartbeat clock.
func (s *Session) write(conn *gws.Conn, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(gws.TextMessage, data); err != nil {
		return err
	}
	s.lastSentAt = s.now()
	return nil
}

// maybeHeartbeat sends the literal [] keepalive when nothing has been written
// for the heartbeat window. The cadence is driven entirely by inbound
// traffic; there is no timer.
func (s *Session) maybeHeartbeat(conn *gws.Conn) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.now().Sub(s.lastSentAt) < s.heartbeatAfter {
		return
	}
	if err := conn.WriteMessage(gws.TextMessage, heartbeatFrame); err != nil {
		s.logger.Warnw("Heartbeat send failed", "role", s.role, "error", err)
		return
	}
	s.lastSentAt = s.now()
	metrics.HeartbeatsSent.Inc()
}

func (s *Session) readLoop(conn *gws.Conn) {
	defer s.teardown(conn)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		frame, err := DecodeFrame(raw)
		if err != nil {
			s.logger.Warnw("Discarding malformed frame", "role", s.role, "error", err)
			continue
		}
		metrics.FramesReceived.WithLabelValues(string(frame.Type)).Inc()

		switch frame.Type {
		case FrameOpen:
			go s.runHandshake(conn)
		case FrameHeartbeat:
			// Server keepalive, nothing to do.
		case FrameBatch:
			s.dispatchBatch(frame.Payload)
		case FrameClose:
			return
		}

		s.maybeHeartbeat(conn)
	}
}

// runHandshake authorizes the fresh connection and reports the outcome to the
// pending Connect call.
func (s *Session) runHandshake(conn *gws.Conn) {
	err := s.authorize(conn)

	s.mu.Lock()
	handshake := s.handshake
	s.handshake = nil
	// If teardown already reported the outcome, leave its state alone.
	if handshake != nil {
		if err != nil {
			s.state = StateError
		} else {
			s.state = StateAuthenticated
		}
	}
	s.mu.Unlock()

	if handshake != nil {
		handshake <- err
	}
}

func (s *Session) authorize(conn *gws.Conn) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.connectTimeout)
	defer cancel()

	token, err := s.tokens.Acquire(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.state = StateAuthenticating
	id := s.nextID
	s.nextID++
	ch := make(chan result, 1)
	s.pending[id] = ch
	done := s.done
	s.mu.Unlock()

	frame, err := EncodeRequest("authorize", id, "", map[string]string{"token": token})
	if err != nil {
		s.dropPending(id)
		return err
	}
	if err := s.write(conn, frame); err != nil {
		s.dropPending(id)
		return fmt.Errorf("websocket: send authorize failed: %w", err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if res.ev.S != 200 {
			s.tokens.Invalidate(false)
			return &AuthorizeRejectedError{Status: res.ev.S, Reason: reasonText(res.ev.D)}
		}
		return nil
	case <-ctx.Done():
		s.dropPending(id)
		return ErrConnectTimeout
	case <-done:
		return ErrClosedDuringRequest
	}
}

// dispatchBatch routes correlated responses to their waiters and broadcasts
// push events to every listener. A correlated response whose waiter already
// gave up is dropped.
func (s *Session) dispatchBatch(payload []byte) {
	events, err := DecodeBatch(payload)
	if err != nil {
		s.logger.Warnw("Discarding malformed batch", "role", s.role, "error", err)
		return
	}

	for _, ev := range events {
		if ev.IsResponse() {
			s.mu.Lock()
			ch, ok := s.pending[*ev.I]
			if ok {
				delete(s.pending, *ev.I)
			}
			s.mu.Unlock()
			if ok {
				ch <- result{ev: ev}
			}
			continue
		}

		s.mu.Lock()
		listeners := make([]func(Event), 0, len(s.listeners))
		for _, fn := range s.listeners {
			listeners = append(listeners, fn)
		}
		s.mu.Unlock()

		for _, fn := range listeners {
			s.deliver(fn, ev)
		}
	}
}

func (s *Session) deliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("Listener panicked", "role", s.role, "panic", r)
		}
	}()
	fn(ev)
}

// teardown runs once when the read loop exits. Pending requests fail, a
// pre-Authenticated close rejects the connect, listeners are dropped, and the
// session returns to Disconnected.
func (s *Session) teardown(conn *gws.Conn) {
	conn.Close()

	s.mu.Lock()
	handshake := s.handshake
	s.handshake = nil
	pending := s.pending
	s.pending = make(map[int]chan result)
	s.listeners = make(map[int]func(Event))
	s.state = StateDisconnected
	done := s.done
	s.conn = nil
	s.mu.Unlock()

	for _, ch := range pending {
		ch <- result{err: ErrClosedDuringRequest}
	}
	if handshake != nil {
		handshake <- fmt.Errorf("websocket: connection closed before authorize completed")
	}
	if done != nil {
		close(done)
	}

	s.logger.Infow("Session closed", "role", s.role)
}

// reasonText renders a response's d field for error messages. Strings come
// back unquoted.
func reasonText(d json.RawMessage) string {
	var str string
	if err := json.Unmarshal(d, &str); err == nil {
		return str
	}
	return string(d)
}
