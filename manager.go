package mcpconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Manager owns the named sessions of one client. Server names are unique: a name maps to
// at most one Session, and every lifecycle change to a name's entry (create, close,
// reconnect, mark failed) happens under that entry's lock.
type Manager struct {
	logger      *slog.Logger
	events      EventSink
	metrics     *Metrics
	bridge      *SamplingBridge
	elicit      *ElicitationBridge
	clientInfo  Info
	factory     TransportFactory
	parallelism int
	readyOnly   bool
	defaults    ServerDefaults

	samplingHandler SamplingHandler
	samplingTimeout time.Duration

	elicitationHandler ElicitationHandler
	elicitationTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	order   []string
}

type entry struct {
	// mu is held for the whole of a lifecycle change.
	mu      sync.Mutex
	session *Session
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// CreateResult reports the outcome of CreateAllSessions per server.
type CreateResult struct {
	Sessions map[string]*Session
	Errors   map[string]error
}

// SessionStatus is a diagnostic snapshot of one session.
type SessionStatus struct {
	Name            string
	SessionID       string
	State           State
	Failures        int
	LastHealthCheck time.Time
	Err             error
	Identifier      map[string]string
}

// WithLogger sets the logger shared by the manager and its sessions.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithEventSink sets the diagnostic event sink shared by the manager and its sessions.
func WithEventSink(sink EventSink) ManagerOption {
	return func(m *Manager) {
		m.events = sink
	}
}

// WithMetrics sets the metric instruments.
func WithMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithSamplingHandler registers the completion callback for server sampling requests.
// Without it, sampling requests are answered with a sampling unavailable error.
func WithSamplingHandler(handler SamplingHandler) ManagerOption {
	return func(m *Manager) {
		m.samplingHandler = handler
	}
}

// WithSamplingTimeout bounds each call to the sampling handler.
func WithSamplingTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		m.samplingTimeout = timeout
	}
}

// WithElicitationHandler registers the callback that collects user input for server
// elicitation requests. Without it, they are answered with an elicitation unavailable error.
func WithElicitationHandler(handler ElicitationHandler) ManagerOption {
	return func(m *Manager) {
		m.elicitationHandler = handler
	}
}

// WithElicitationTimeout bounds each call to the elicitation handler.
func WithElicitationTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		m.elicitationTimeout = timeout
	}
}

// WithClientInfo sets the client identity sent in every handshake.
func WithClientInfo(info Info) ManagerOption {
	return func(m *Manager) {
		m.clientInfo = info
	}
}

// WithTransportFactory replaces NewTransport for every session.
func WithTransportFactory(factory TransportFactory) ManagerOption {
	return func(m *Manager) {
		m.factory = factory
	}
}

// WithParallelism bounds how many sessions CreateAllSessions connects at once.
func WithParallelism(n int) ManagerOption {
	return func(m *Manager) {
		m.parallelism = n
	}
}

// WithReadyOnly excludes Degraded sessions from GetAllActiveSessions.
func WithReadyOnly() ManagerOption {
	return func(m *Manager) {
		m.readyOnly = true
	}
}

// WithServerDefaults sets the defaults applied to every ServerConfig.
func WithServerDefaults(defaults ServerDefaults) ManagerOption {
	return func(m *Manager) {
		m.defaults = defaults
	}
}

// NewManager creates an empty manager.
func NewManager(options ...ManagerOption) *Manager {
	m := &Manager{
		logger:      slog.Default(),
		clientInfo:  DefaultClientInfo,
		parallelism: defaultParallelism,
		entries:     make(map[string]*entry),
	}
	for _, opt := range options {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = noopMetrics()
	}
	if m.parallelism <= 0 {
		m.parallelism = defaultParallelism
	}
	m.bridge = NewSamplingBridge(m.samplingHandler, m.samplingTimeout, m.logger, m.events, m.metrics)
	m.elicit = NewElicitationBridge(m.elicitationHandler, m.elicitationTimeout, m.logger, m.events, m.metrics)
	return m
}

// CreateAllSessions connects every server concurrently, at most WithParallelism at a time.
// Servers succeed or fail independently: a fatal error for one never aborts the others.
//
// Calling it again is idempotent for sessions that are already Ready and re-attempts the
// rest. A server whose connect failed with a retryable error stays registered in the
// Degraded state so the Supervisor can recover it.
func (m *Manager) CreateAllSessions(ctx context.Context, configs []ServerConfig) CreateResult {
	result := CreateResult{
		Sessions: make(map[string]*Session),
		Errors:   make(map[string]error),
	}
	var mu sync.Mutex

	seen := make(map[string]bool, len(configs))
	var g errgroup.Group
	g.SetLimit(m.parallelism)
	for _, cfg := range configs {
		if seen[cfg.Name] {
			mu.Lock()
			result.Errors[cfg.Name] = &Error{
				Kind:   KindInvalidConfig,
				Server: cfg.Name,
				Op:     "create session",
				Err:    errors.New("duplicate server name"),
			}
			mu.Unlock()
			continue
		}
		seen[cfg.Name] = true

		g.Go(func() error {
			s, err := m.CreateSession(ctx, cfg)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// A duplicate entry's error takes precedence.
				if _, ok := result.Errors[cfg.Name]; !ok {
					result.Errors[cfg.Name] = err
				}
				return nil
			}
			result.Sessions[cfg.Name] = s
			return nil
		})
	}
	_ = g.Wait()

	if len(result.Errors) > 0 {
		m.logger.Warn("some sessions failed to connect",
			slog.Int("ready", len(result.Sessions)),
			slog.Int("failed", len(result.Errors)))
	}
	return result
}

// CreateSession connects one server. An existing Ready session for the name is returned as
// is; a Failed or Closed one is replaced by a fresh session.
func (m *Manager) CreateSession(ctx context.Context, cfg ServerConfig) (*Session, error) {
	cfg = cfg.WithDefaults(m.defaults)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := m.entry(cfg.Name)
	e.mu.Lock()
	defer e.mu.Unlock()

	m.mu.Lock()
	s := e.session
	if s == nil || s.State().Terminal() {
		s = m.newSession(cfg)
		e.session = s
	}
	m.mu.Unlock()

	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) newSession(cfg ServerConfig) *Session {
	options := []SessionOption{
		WithSessionLogger(m.logger),
		WithSessionEvents(m.events),
		WithSessionMetrics(m.metrics),
		WithSessionSampling(m.bridge),
		WithSessionElicitation(m.elicit),
		WithSessionClientInfo(m.clientInfo),
	}
	if m.factory != nil {
		options = append(options, WithSessionTransportFactory(m.factory))
	}
	return NewSession(cfg, options...)
}

// entry returns the entry for name, registering it on first use.
func (m *Manager) entry(name string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		e = &entry{}
		m.entries[name] = e
		m.order = append(m.order, name)
	}
	return e
}

func (m *Manager) lookup(name string) (*entry, *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		return nil, nil
	}
	return e, e.session
}

// Session returns the session registered for name, whatever its state.
func (m *Manager) Session(name string) (*Session, bool) {
	_, s := m.lookup(name)
	return s, s != nil
}

// Names returns every registered server name in registration order.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.order)
}

// Sessions returns every registered session in registration order.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := make([]*Session, 0, len(m.order))
	for _, name := range m.order {
		if s := m.entries[name].session; s != nil {
			sessions = append(sessions, s)
		}
	}
	return sessions
}

// GetAllActiveSessions returns the sessions that accept calls, keyed by server name: Ready
// sessions, plus Degraded sessions whose connection is still live unless the manager was
// built WithReadyOnly. A session being reconnected is absent until it is Ready again.
func (m *Manager) GetAllActiveSessions() map[string]*Session {
	active := make(map[string]*Session)
	for _, s := range m.Sessions() {
		if m.isActive(s) {
			active[s.Name()] = s
		}
	}
	return active
}

func (m *Manager) isActive(s *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateReady:
		return s.conn != nil
	case StateDegraded:
		return !m.readyOnly && s.conn != nil && s.conn.live()
	default:
		return false
	}
}

// CloseSession closes the session for name. It interrupts a connect or reconnect in
// progress for that name.
func (m *Manager) CloseSession(name string) error {
	e, s := m.lookup(name)
	if e == nil {
		return &Error{Kind: KindSessionNotReady, Server: name, Op: "close", Err: errors.New("unknown server")}
	}
	if s != nil {
		s.lifeCancel()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	m.mu.Lock()
	s = e.session
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}

// CloseAllSessions closes every session. It tolerates sessions that are already closed
// and never stops at a failure: each close error is logged, reported as EventCloseFailed
// and returned in the map, keyed by server name.
func (m *Manager) CloseAllSessions() map[string]error {
	names := m.Names()
	errs := make(map[string]error)
	var mu sync.Mutex

	var g errgroup.Group
	for _, name := range names {
		g.Go(func() error {
			err := m.CloseSession(name)
			if err == nil {
				return nil
			}
			m.logger.Warn("failed to close session", slog.String("server", name), slog.String("err", err.Error()))
			m.events.emit(Event{Kind: EventCloseFailed, Server: name, Err: err})

			mu.Lock()
			errs[name] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// Reconnect re-establishes the connection for name. It is a no-op for a Ready session and
// an error for a closed or failed one.
func (m *Manager) Reconnect(ctx context.Context, name string) error {
	e, _ := m.lookup(name)
	if e == nil {
		return &Error{Kind: KindSessionNotReady, Server: name, Op: "reconnect", Err: errors.New("unknown server")}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	m.mu.Lock()
	s := e.session
	m.mu.Unlock()
	if s == nil {
		return &Error{Kind: KindSessionNotReady, Server: name, Op: "reconnect", Err: errors.New("no session")}
	}
	return s.Connect(ctx)
}

// MarkFailed moves the session for name to the terminal Failed state.
func (m *Manager) MarkFailed(name string, err error) {
	e, _ := m.lookup(name)
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	m.mu.Lock()
	s := e.session
	m.mu.Unlock()
	if s != nil {
		s.MarkFailed(err)
	}
}

// Health returns a snapshot of every registered session in registration order.
func (m *Manager) Health() []SessionStatus {
	sessions := m.Sessions()
	statuses := make([]SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		status := SessionStatus{
			Name:            s.cfg.Name,
			State:           s.state,
			Failures:        s.failures,
			LastHealthCheck: s.lastHealth,
			Err:             s.err,
			Identifier:      s.cfg.PublicIdentifier(),
		}
		if s.conn != nil {
			status.SessionID = s.conn.id
		}
		s.mu.Unlock()
		statuses = append(statuses, status)
	}
	return statuses
}

func (s SessionStatus) String() string {
	if s.Err != nil {
		return fmt.Sprintf("%s: %s (failures %d): %v", s.Name, s.State, s.Failures, s.Err)
	}
	return fmt.Sprintf("%s: %s", s.Name, s.State)
}
