package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/alexanimal/tradovate-mcp-server-sub000/metrics"
)

// slotResult is delivered to accessor waiters when a slot settles.
type slotResult struct {
	session *Session
	err     error
}

// slot tracks one supervised session role: the current session and the
// accessors waiting for it to authenticate.
type slot struct {
	session *Session
	waiters []chan slotResult
}

// Supervisor owns at most one market-data session and one trading session.
// The first accessor call starts both connections in the background;
// accessors block until their slot's session is Authenticated. A failed
// session is rebuilt after a constant delay, indefinitely, until CloseAll.
type Supervisor struct {
	factory        func(Role) *Session
	reconnectDelay time.Duration
	logger         *zap.SugaredLogger

	mu      sync.Mutex
	started bool
	closed  bool
	slots   map[Role]*slot
	stop    chan struct{}
}

// NewSupervisor creates a supervisor that builds sessions with factory.
// Nothing connects until the first accessor call.
func NewSupervisor(factory func(Role) *Session, reconnectDelay time.Duration, logger *zap.SugaredLogger) *Supervisor {
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	return &Supervisor{
		factory:        factory,
		reconnectDelay: reconnectDelay,
		logger:         logger,
		slots: map[Role]*slot{
			RoleMarketData: {},
			RoleTrading:    {},
		},
		stop: make(chan struct{}),
	}
}

// MarketData returns the authenticated market-data session, blocking while it
// connects.
func (s *Supervisor) MarketData(ctx context.Context) (*Session, error) {
	return s.acquire(ctx, RoleMarketData)
}

// Trading returns the authenticated trading session, blocking while it
// connects.
func (s *Supervisor) Trading(ctx context.Context) (*Session, error) {
	return s.acquire(ctx, RoleTrading)
}

func (s *Supervisor) acquire(ctx context.Context, role Role) (*Session, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSupervisorClosed
	}
	if !s.started {
		s.started = true
		go s.run(RoleMarketData)
		go s.run(RoleTrading)
	}

	sl := s.slots[role]
	if sl.session != nil && sl.session.State() == StateAuthenticated {
		sess := sl.session
		s.mu.Unlock()
		return sess, nil
	}

	ch := make(chan slotResult, 1)
	sl.waiters = append(sl.waiters, ch)
	s.mu.Unlock()

	select {
	case res := <-ch:
		return res.session, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run is the per-role connection loop. Each attempt builds a fresh session;
// failures drain the slot's waiters and back off for the constant delay.
// There is no attempt cap; only CloseAll stops the loop.
func (s *Supervisor) run(role Role) {
	bo := backoff.NewConstantBackOff(s.reconnectDelay)

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		sess := s.factory(role)
		s.slots[role].session = sess
		s.mu.Unlock()

		err := sess.Connect(context.Background())
		if err != nil {
			s.logger.Warnw("Session connect failed",
				"role", role, "error", err, "retry_in", s.reconnectDelay)
			s.settle(role, slotResult{err: err})
			metrics.Reconnects.Inc()
			if !s.wait(bo.NextBackOff()) {
				return
			}
			continue
		}

		s.settle(role, slotResult{session: sess})

		select {
		case <-sess.Done():
			s.logger.Warnw("Session lost, scheduling reconnect",
				"role", role, "retry_in", s.reconnectDelay)
			metrics.Reconnects.Inc()
			if !s.wait(bo.NextBackOff()) {
				return
			}
		case <-s.stop:
			sess.Close()
			return
		}
	}
}

// settle drains the slot's waiter queue atomically with one outcome.
func (s *Supervisor) settle(role Role, res slotResult) {
	s.mu.Lock()
	sl := s.slots[role]
	waiters := sl.waiters
	sl.waiters = nil
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- res
	}
}

// wait sleeps for the back-off delay; it returns false when the supervisor
// closed while waiting.
func (s *Supervisor) wait(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.stop:
		return false
	}
}

// CloseAll shuts both sessions down and rejects every outstanding waiter.
// The supervisor cannot be reused afterwards.
func (s *Supervisor) CloseAll() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.stop)

	var sessions []*Session
	var waiters []chan slotResult
	for _, sl := range s.slots {
		if sl.session != nil {
			sessions = append(sessions, sl.session)
			sl.session = nil
		}
		waiters = append(waiters, sl.waiters...)
		sl.waiters = nil
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
	for _, ch := range waiters {
		ch <- slotResult{err: ErrSupervisorClosed}
	}

	s.logger.Info("Connection supervisor closed")
}
