package mcpconn

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Supervisor health-checks every session of a Manager and reconnects failing ones with
// exponential backoff. It never keeps its own list of sessions: each pass asks the Manager.
//
// A server that keeps failing is retried at most RetryPolicy.MaxAttempts times, counted
// since its last passing health check, and is then marked Failed and reported to the
// failure handler.
type Supervisor struct {
	manager      *Manager
	interval     time.Duration
	freshness    time.Duration
	probeTimeout time.Duration
	onFailure    func(server string, err error)
	logger       *slog.Logger
	events       EventSink
	metrics      *Metrics

	mu         sync.Mutex
	recovering map[string]bool
	wg         sync.WaitGroup
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithSupervisorConfig applies the non-zero fields of cfg.
func WithSupervisorConfig(cfg SupervisorConfig) SupervisorOption {
	return func(s *Supervisor) {
		s.interval = orDefault(cfg.Interval, s.interval)
		s.freshness = orDefault(cfg.Freshness, s.freshness)
		s.probeTimeout = orDefault(cfg.ProbeTimeout, s.probeTimeout)
	}
}

// WithInterval sets the time between health-check passes.
func WithInterval(interval time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.interval = interval
	}
}

// WithFreshness sets how recent traffic must be for a session to pass without a probe.
func WithFreshness(freshness time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.freshness = freshness
	}
}

// WithProbeTimeout bounds each active health probe.
func WithProbeTimeout(timeout time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.probeTimeout = timeout
	}
}

// WithFailureHandler is called once for every server the supervisor gives up on.
func WithFailureHandler(handler func(server string, err error)) SupervisorOption {
	return func(s *Supervisor) {
		s.onFailure = handler
	}
}

// WithSupervisorLogger sets the logger. The manager's logger is used by default.
func WithSupervisorLogger(logger *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithSupervisorEvents sets the event sink. The manager's sink is used by default.
func WithSupervisorEvents(sink EventSink) SupervisorOption {
	return func(s *Supervisor) {
		s.events = sink
	}
}

// NewSupervisor creates a supervisor for the sessions of manager.
func NewSupervisor(manager *Manager, options ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		manager:      manager,
		interval:     defaultHealthInterval,
		freshness:    defaultFreshness,
		probeTimeout: defaultProbeTimeout,
		logger:       manager.logger,
		events:       manager.events,
		metrics:      manager.metrics,
		recovering:   make(map[string]bool),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.interval <= 0 {
		s.interval = defaultHealthInterval
	}
	s.logger = s.logger.With(slog.String("component", "supervisor"))
	return s
}

// Run checks every session each interval until ctx is cancelled. On return no recovery is
// still running; a reconnect interrupted by cancellation keeps the previous connection.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.wg.Wait()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.CheckOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.CheckOnce(ctx)
		}
	}
}

// CheckOnce runs one health-check pass. Failing sessions are handed to a recovery goroutine
// bound to ctx; sessions already recovering are skipped.
func (s *Supervisor) CheckOnce(ctx context.Context) {
	for _, sess := range s.manager.Sessions() {
		if ctx.Err() != nil {
			return
		}
		if s.isRecovering(sess.Name()) {
			continue
		}

		switch sess.State() {
		case StateReady:
			if err := sess.checkHealth(ctx, s.freshness, s.probeTimeout); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.events.emit(Event{Kind: EventHealthCheckFailed, Server: sess.Name(), SessionID: sess.ID(), Err: err})
				s.recover(ctx, sess)
			}
		case StateDegraded:
			s.recover(ctx, sess)
		}
	}
}

func (s *Supervisor) isRecovering(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recovering[name]
}

func (s *Supervisor) recover(ctx context.Context, sess *Session) {
	name := sess.Name()
	s.mu.Lock()
	if s.recovering[name] {
		s.mu.Unlock()
		return
	}
	s.recovering[name] = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.recovering, name)
			s.mu.Unlock()
		}()
		s.reconnectLoop(ctx, sess)
	}()
}

func (s *Supervisor) reconnectLoop(ctx context.Context, sess *Session) {
	name := sess.Name()
	policy := sess.cfg.Retry
	lastErr := sess.Err()

	for {
		failures := sess.Failures()
		if failures >= policy.MaxAttempts {
			s.giveUp(sess, lastErr)
			return
		}

		delay := nextDelay(policy, failures)
		s.logger.Info("reconnecting", slog.String("server", name),
			slog.Int("attempt", failures+1), slog.Duration("delay", delay))
		if !sleep(ctx, delay) {
			return
		}
		if sess.State().Terminal() || sess != s.current(name) {
			return
		}

		attempt := sess.addFailure()
		s.events.emit(Event{Kind: EventReconnectAttempt, Server: name, Attempt: attempt, Delay: delay})
		err := s.manager.Reconnect(ctx, name)
		s.metrics.reconnect(name, err)

		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			lastErr = err
			s.logger.Warn("reconnect failed", slog.String("server", name),
				slog.Int("attempt", attempt), slog.String("err", err.Error()))
			s.events.emit(Event{Kind: EventReconnectFailed, Server: name, Attempt: attempt, Err: err})
			switch st := sess.State(); {
			case st == StateFailed:
				// A fatal error has already moved the session to Failed.
				s.notify(name, err)
				return
			case st.Terminal():
				return
			}
			continue
		}

		s.events.emit(Event{Kind: EventReconnectSucceeded, Server: name, SessionID: sess.ID(), Attempt: attempt})
		if s.verify(ctx, sess) {
			s.logger.Info("server recovered", slog.String("server", name), slog.Int("attempts", attempt))
			return
		}
		if ctx.Err() != nil {
			return
		}
		lastErr = sess.Err()
	}
}

// verify waits until the next health check of a freshly reconnected session and reports
// whether it passed. Losing the connection first counts as a failure.
func (s *Supervisor) verify(ctx context.Context, sess *Session) bool {
	for {
		changed := sess.stateChanged()
		if sess.State() != StateReady {
			return false
		}

		timer := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-changed:
			timer.Stop()
		case <-timer.C:
			return sess.checkHealth(ctx, s.freshness, s.probeTimeout) == nil
		}
	}
}

func (s *Supervisor) giveUp(sess *Session, lastErr error) {
	name := sess.Name()
	err := &Error{Kind: KindRetriesExhausted, Server: name, Op: "reconnect", Err: lastErr}
	s.manager.MarkFailed(name, err)

	s.logger.Error("giving up on server", slog.String("server", name),
		slog.Int("attempts", sess.Failures()), slog.Any("err", lastErr))
	s.events.emit(Event{Kind: EventRetriesExhausted, Server: name, Attempt: sess.Failures(), Err: err})
	s.notify(name, err)
}

func (s *Supervisor) notify(name string, err error) {
	if s.onFailure != nil {
		s.onFailure(name, err)
	}
}

// current returns the session the manager holds for name now.
func (s *Supervisor) current(name string) *Session {
	sess, _ := s.manager.Session(name)
	return sess
}

// nextDelay returns the delay before attempt n from a fresh schedule, so jitter is drawn
// anew each time. The result never exceeds MaxDelay.
func nextDelay(policy RetryPolicy, n int) time.Duration {
	b := policy.BackOff()
	var d time.Duration
	for range n + 1 {
		d = b.NextBackOff()
	}
	return min(d, policy.MaxDelay)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
