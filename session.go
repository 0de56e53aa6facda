package mcpconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is the connection to one configured server. It owns the server's transport and
// correspondence and moves through the states documented on State.
//
// A Session is a stable handle: reconnecting builds a new transport and correspondence off
// to the side, completes the handshake on them and only then swaps them in, so callers never
// observe a half-built connection. Calls are accepted while the session is Ready, and while
// it is Degraded as long as the current connection is still readable. Anything else fails
// fast with ErrSessionNotReady; calls are never queued.
type Session struct {
	cfg        ServerConfig
	logger     *slog.Logger
	events     EventSink
	metrics    *Metrics
	bridge     *SamplingBridge
	elicit     *ElicitationBridge
	clientInfo Info
	factory    TransportFactory

	life       context.Context
	lifeCancel context.CancelFunc

	// connectMu serializes connect, reconnect and close.
	connectMu sync.Mutex

	mu         sync.Mutex
	state      State
	conn       *conn
	err        error
	failures   int
	lastHealth time.Time
	changed    chan struct{}
	closeDone  chan struct{}
}

// conn is one established connection. It is immutable once swapped into a Session except
// for the cached tool list, which is guarded by the session mutex.
type conn struct {
	id              string
	transport       Transport
	rpc             *Correspondence
	serverInfo      Info
	capabilities    ServerCapabilities
	protocolVersion string
	instructions    string

	tools []Tool
	// listings counts tools/list walks started on this connection and listed is the number
	// of the walk that produced tools. A walk that started earlier never replaces a newer list.
	listings uint64
	listed   uint64
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// DefaultClientInfo is sent in the initialize request unless WithSessionClientInfo is used.
var DefaultClientInfo = Info{Name: "go-mcpconn", Version: "0.1.0"}

var errSessionClosed = errors.New("session closed")

// WithSessionLogger sets the logger.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithSessionEvents sets the diagnostic event sink.
func WithSessionEvents(sink EventSink) SessionOption {
	return func(s *Session) {
		s.events = sink
	}
}

// WithSessionMetrics sets the metric instruments.
func WithSessionMetrics(metrics *Metrics) SessionOption {
	return func(s *Session) {
		s.metrics = metrics
	}
}

// WithSessionSampling sets the bridge answering sampling requests.
func WithSessionSampling(bridge *SamplingBridge) SessionOption {
	return func(s *Session) {
		s.bridge = bridge
	}
}

// WithSessionElicitation sets the bridge answering elicitation requests.
func WithSessionElicitation(bridge *ElicitationBridge) SessionOption {
	return func(s *Session) {
		s.elicit = bridge
	}
}

// WithSessionClientInfo sets the client identity sent during the handshake.
func WithSessionClientInfo(info Info) SessionOption {
	return func(s *Session) {
		s.clientInfo = info
	}
}

// WithSessionTransportFactory replaces NewTransport.
func WithSessionTransportFactory(factory TransportFactory) SessionOption {
	return func(s *Session) {
		s.factory = factory
	}
}

// NewSession creates a Disconnected session for cfg. Unset timeouts and retry settings take
// their defaults.
func NewSession(cfg ServerConfig, options ...SessionOption) *Session {
	s := &Session{
		cfg:        cfg.WithDefaults(ServerDefaults{}),
		logger:     slog.Default(),
		clientInfo: DefaultClientInfo,
		state:      StateDisconnected,
		changed:    make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = noopMetrics()
	}
	if s.factory == nil {
		s.factory = func(cfg ServerConfig, logger *slog.Logger) (Transport, error) {
			return NewTransport(cfg, logger)
		}
	}
	s.logger = s.logger.With(slog.String("server", cfg.Name))
	s.life, s.lifeCancel = context.WithCancel(context.Background())
	return s
}

// Connect opens the transport and performs the handshake. It is a no-op on a Ready session.
// On a Degraded session it reconnects: the current connection stays in place until the new
// one is ready, and is kept if the attempt fails or ctx is cancelled.
//
// Fatal errors move the session to Failed. Retryable errors leave it Degraded.
func (s *Session) Connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	switch st := s.State(); {
	case st == StateReady:
		s.logger.Debug("session already connected")
		return nil
	case st.Terminal():
		return &Error{Kind: KindSessionNotReady, Server: s.cfg.Name, Op: "connect", Err: fmt.Errorf("session is %s", st)}
	}
	return s.connect(ctx)
}

func (s *Session) connect(ctx context.Context) error {
	if !s.transition(StateConnecting, nil) {
		return &Error{Kind: KindSessionNotReady, Server: s.cfg.Name, Op: "connect", Err: fmt.Errorf("session is %s", s.State())}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.life, cancel)
	defer stop()
	if s.cfg.ConnectTimeout > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer timeoutCancel()
	}

	c, err := s.dial(ctx)
	if err != nil {
		err = withServer(s.cfg.Name, KindConnectionLost, "connect", err)
		switch {
		case s.life.Err() != nil:
			// Close is waiting for us; it owns the remaining transitions.
			return &Error{Kind: KindCancelled, Server: s.cfg.Name, Op: "connect", Err: errSessionClosed}
		case IsFatal(err):
			s.fail(err)
		default:
			s.transition(StateDegraded, err)
		}
		return err
	}

	s.mu.Lock()
	if s.life.Err() != nil {
		s.mu.Unlock()
		s.teardown(c, newError(KindCancelled, "connect", errSessionClosed))
		return &Error{Kind: KindCancelled, Server: s.cfg.Name, Op: "connect", Err: errSessionClosed}
	}
	old := s.conn
	s.conn = c
	s.err = nil
	ev, ok := s.transitionLocked(StateReady, nil)
	s.mu.Unlock()
	if ok {
		s.events.emit(ev)
	}

	if old != nil {
		s.teardown(old, newError(KindCancelled, "reconnect", errors.New("connection replaced")))
	}
	go s.watch(c)

	s.logger.Info("session ready",
		slog.String("session", c.id),
		slog.String("protocol_version", c.protocolVersion),
		slog.String("server_name", c.serverInfo.Name),
		slog.String("server_version", c.serverInfo.Version))
	return nil
}

// dial builds and handshakes a new connection without touching the current one.
func (s *Session) dial(ctx context.Context) (*conn, error) {
	id := uuid.NewString()
	logger := s.logger.With(slog.String("session", id))

	t, err := s.factory(s.cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := t.Open(ctx); err != nil {
		_ = t.Close()
		return nil, err
	}
	s.transition(StateHandshaking, nil)

	c := &conn{id: id, transport: t}
	c.rpc = NewCorrespondence(s.cfg.Name, t,
		WithCorrespondenceLogger(logger),
		WithCorrespondenceEvents(s.events),
		WithCorrespondenceMetrics(s.metrics))
	c.rpc.HandleRequest(MethodSamplingCreateMessage, func(ctx context.Context, msg JSONRPCMessage) (any, error) {
		return s.bridge.Handle(ctx, s.cfg.Name, id, msg)
	})
	c.rpc.HandleRequest(MethodElicitationCreate, func(ctx context.Context, msg JSONRPCMessage) (any, error) {
		return s.elicit.Handle(ctx, s.cfg.Name, id, msg)
	})
	c.rpc.HandleNotification(MethodNotificationsToolsListChanged, func(context.Context, JSONRPCMessage) {
		go s.refreshTools(c)
	})
	c.rpc.Start()

	if err := s.handshake(ctx, c); err != nil {
		s.teardown(c, newError(KindCancelled, "handshake", err))
		return nil, err
	}
	return c, nil
}

func (s *Session) handshake(ctx context.Context, c *conn) error {
	params := initializeParams{
		ProtocolVersion: LatestProtocolVersion,
		ClientInfo:      s.clientInfo,
	}
	if s.bridge.Available() {
		params.Capabilities.Sampling = &SamplingCapability{}
	}
	if s.elicit.Available() {
		params.Capabilities.Elicitation = &ElicitationCapability{}
	}

	raw, err := c.rpc.Call(ctx, MethodInitialize, params, s.cfg.RequestTimeout)
	if err != nil {
		var rpcErr *JSONRPCError
		switch {
		case errors.As(err, &rpcErr):
			return newError(KindHandshakeRejected, "initialize", rpcErr)
		case errors.Is(err, ErrRequestTimeout):
			return newError(KindConnectionTimeout, "initialize", err)
		case errors.Is(err, ErrConnectionLost):
			if cause := c.transport.Err(); cause != nil {
				return cause
			}
		}
		return err
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return newError(KindHandshakeRejected, "initialize", fmt.Errorf("failed to unmarshal initialize result: %w", err))
	}
	if !supportedProtocolVersion(result.ProtocolVersion) {
		return newError(KindProtocolVersionMismatch, "initialize",
			fmt.Errorf("server protocol version %q is not one of %v", result.ProtocolVersion, supportedProtocolVersions))
	}
	if missing := missingCapabilities(s.cfg.RequiredCapabilities, result.Capabilities); len(missing) > 0 {
		return newError(KindCapabilityMismatch, "initialize", fmt.Errorf("server does not offer %v", missing))
	}

	if err := c.rpc.Notify(ctx, MethodNotificationsInitialized, nil); err != nil {
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}

	c.serverInfo = result.ServerInfo
	c.capabilities = result.Capabilities
	c.protocolVersion = result.ProtocolVersion
	c.instructions = result.Instructions

	if result.Capabilities.Tools != nil {
		seq := s.startListing(c)
		tools, err := s.listAllTools(ctx, c)
		if err != nil {
			s.logger.Warn("failed to list tools", slog.String("session", c.id), slog.String("err", err.Error()))
		}
		s.storeTools(c, seq, tools)
	}
	return nil
}

func missingCapabilities(required []string, caps ServerCapabilities) []string {
	var missing []string
	for _, name := range required {
		var ok bool
		switch name {
		case "tools":
			ok = caps.Tools != nil
		case "resources":
			ok = caps.Resources != nil
		case "prompts":
			ok = caps.Prompts != nil
		case "logging":
			ok = caps.Logging != nil
		}
		if !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

func (s *Session) listAllTools(ctx context.Context, c *conn) ([]Tool, error) {
	var tools []Tool
	params := ListToolsParams{}
	for {
		raw, err := c.rpc.Call(ctx, MethodToolsList, params, s.cfg.RequestTimeout)
		if err != nil {
			return tools, err
		}
		var result ListToolsResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return tools, fmt.Errorf("failed to unmarshal tools list: %w", err)
		}
		tools = append(tools, result.Tools...)
		if result.NextCursor == "" || result.NextCursor == params.Cursor {
			return tools, nil
		}
		params.Cursor = result.NextCursor
	}
}

func (s *Session) refreshTools(c *conn) {
	ctx, cancel := context.WithTimeout(s.life, s.cfg.RequestTimeout)
	defer cancel()

	seq := s.startListing(c)
	tools, err := s.listAllTools(ctx, c)
	if err != nil {
		s.logger.Warn("failed to refresh tools", slog.String("session", c.id), slog.String("err", err.Error()))
		return
	}
	if s.storeTools(c, seq, tools) {
		s.logger.Debug("tool list refreshed", slog.String("session", c.id), slog.Int("tools", len(tools)))
	}
}

func (s *Session) startListing(c *conn) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.listings++
	return c.listings
}

// storeTools caches tools as c's list unless a walk started after seq already stored one.
func (s *Session) storeTools(c *conn, seq uint64, tools []Tool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < c.listed {
		return false
	}
	c.tools = tools
	c.listed = seq
	return true
}

// watch degrades the session when c's channel terminates while c is still current.
func (s *Session) watch(c *conn) {
	<-c.rpc.Done()

	s.mu.Lock()
	if s.conn != c || s.state != StateReady {
		s.mu.Unlock()
		return
	}
	err := withServer(s.cfg.Name, KindConnectionLost, "receive", c.rpc.Err())
	ev, ok := s.transitionLocked(StateDegraded, err)
	s.mu.Unlock()

	if ok {
		s.logger.Warn("connection lost", slog.String("session", c.id), slog.String("err", err.Error()))
		s.events.emit(ev)
	}
}

// Call sends a raw request and returns the raw result.
func (s *Session) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c, err := s.active("call " + method)
	if err != nil {
		return nil, err
	}
	res, err := c.rpc.Call(ctx, method, params, s.cfg.RequestTimeout)
	return res, s.callErr("call "+method, err)
}

// Notify sends a raw notification. A send that does not complete within the request
// timeout fails with ErrRequestTimeout.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	c, err := s.active("notify " + method)
	if err != nil {
		return err
	}
	op := "notify " + method

	parent := ctx
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}
	err = c.rpc.Notify(ctx, method, params)
	switch {
	case err == nil:
		return nil
	case parent.Err() != nil:
		return &Error{Kind: KindCancelled, Server: s.cfg.Name, Op: op, Err: parent.Err()}
	case ctx.Err() != nil:
		return &Error{Kind: KindRequestTimeout, Server: s.cfg.Name, Op: op,
			Err: fmt.Errorf("send not completed within %s", s.cfg.RequestTimeout)}
	}
	return s.callErr(op, err)
}

// Ping checks that the server answers.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.Call(ctx, MethodPing, nil)
	return err
}

// ListTools retrieves a page of tools from the server.
func (s *Session) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	var result ListToolsResult
	err := s.callInto(ctx, MethodToolsList, params, &result)
	return result, err
}

// CallTool invokes a tool. A tool that fails reports it through CallToolResult.IsError
// rather than an error.
func (s *Session) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	var result CallToolResult
	err := s.callInto(ctx, MethodToolsCall, params, &result)
	return result, err
}

// ListResources retrieves a page of resources from the server.
func (s *Session) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	var result ListResourcesResult
	err := s.callInto(ctx, MethodResourcesList, params, &result)
	return result, err
}

// ReadResource retrieves the contents of a resource.
func (s *Session) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	var result ReadResourceResult
	err := s.callInto(ctx, MethodResourcesRead, params, &result)
	return result, err
}

// ListPrompts retrieves a page of prompts from the server.
func (s *Session) ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptResult, error) {
	var result ListPromptResult
	err := s.callInto(ctx, MethodPromptsList, params, &result)
	return result, err
}

// GetPrompt retrieves a prompt with its arguments applied.
func (s *Session) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	var result GetPromptResult
	err := s.callInto(ctx, MethodPromptsGet, params, &result)
	return result, err
}

func (s *Session) callInto(ctx context.Context, method string, params, result any) error {
	raw, err := s.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("failed to unmarshal %s result: %w", method, err)
	}
	return nil
}

// active returns the connection calls may use.
func (s *Session) active(op string) (*conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state == StateReady && s.conn != nil:
		return s.conn, nil
	case s.state == StateDegraded && s.conn != nil && s.conn.live():
		return s.conn, nil
	}
	return nil, &Error{Kind: KindSessionNotReady, Server: s.cfg.Name, Op: op, Err: fmt.Errorf("session is %s", s.state)}
}

func (c *conn) live() bool {
	select {
	case <-c.rpc.Done():
		return false
	default:
		return true
	}
}

// callErr names the server on typed errors and passes JSON-RPC error responses through.
func (s *Session) callErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *JSONRPCError
	if errors.As(err, &rpcErr) {
		return err
	}
	return withServer(s.cfg.Name, KindConnectionLost, op, err)
}

// Close cancels every pending call with ErrCancelled, closes the transport and leaves the
// session Closed. It interrupts a connect in progress. Calls after the first wait for it to
// finish and return nil.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closeDone != nil {
		done := s.closeDone
		s.mu.Unlock()
		<-done
		return nil
	}
	s.closeDone = make(chan struct{})
	s.mu.Unlock()

	s.lifeCancel()
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	c := s.conn
	ev, ok := s.transitionLocked(StateClosing, nil)
	s.mu.Unlock()
	if ok {
		s.events.emit(ev)
	}

	var err error
	if c != nil {
		err = s.teardown(c, &Error{Kind: KindCancelled, Server: s.cfg.Name, Op: "close", Err: errSessionClosed})
	}

	s.mu.Lock()
	s.conn = nil
	ev, ok = s.transitionLocked(StateClosed, nil)
	close(s.closeDone)
	s.mu.Unlock()
	if ok {
		s.events.emit(ev)
	}

	if err != nil {
		return withServer(s.cfg.Name, KindConnectionLost, "close", err)
	}
	return nil
}

// MarkFailed moves the session to the terminal Failed state with err and releases its
// connection. It has no effect on a session that is already closing, closed or failed.
func (s *Session) MarkFailed(err error) {
	s.fail(withServer(s.cfg.Name, KindRetriesExhausted, "supervise", err))
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	c := s.conn
	s.conn = nil
	ev, ok := s.transitionLocked(StateFailed, err)
	s.mu.Unlock()

	if ok {
		s.logger.Error("session failed", slog.String("err", err.Error()))
		s.events.emit(ev)
	}
	if c != nil {
		s.teardown(c, err)
	}
}

func (s *Session) teardown(c *conn, cause error) error {
	c.rpc.Close(cause)
	return c.transport.Close()
}

// checkHealth reports whether the session is healthy: Ready, and either active within
// freshness or answering an active probe within probeTimeout. A failed probe degrades the
// session. A passing check resets the failure counter.
func (s *Session) checkHealth(ctx context.Context, freshness, probeTimeout time.Duration) error {
	s.mu.Lock()
	state, c := s.state, s.conn
	s.mu.Unlock()

	if state != StateReady || c == nil {
		return &Error{Kind: KindSessionNotReady, Server: s.cfg.Name, Op: "health", Err: fmt.Errorf("session is %s", state)}
	}

	if time.Since(c.rpc.LastActivity()) > freshness {
		if err := s.probe(ctx, c, probeTimeout); err != nil {
			err = withServer(s.cfg.Name, KindConnectionLost, "health", err)
			s.degrade(c, err)
			return err
		}
	}

	s.mu.Lock()
	s.lastHealth = time.Now()
	s.failures = 0
	s.mu.Unlock()
	return nil
}

func (s *Session) probe(ctx context.Context, c *conn, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if hc, ok := c.transport.(HealthChecker); ok {
		if err := hc.CheckHealth(ctx); err != nil {
			return err
		}
	}
	_, err := c.rpc.Call(ctx, MethodPing, nil, timeout)
	return err
}

func (s *Session) degrade(c *conn, err error) {
	s.mu.Lock()
	if s.conn != c || s.state != StateReady {
		s.mu.Unlock()
		return
	}
	ev, ok := s.transitionLocked(StateDegraded, err)
	s.mu.Unlock()
	if ok {
		s.logger.Warn("health check failed", slog.String("session", c.id), slog.String("err", err.Error()))
		s.events.emit(ev)
	}
}

// addFailure counts one reconnect attempt and returns the new count.
func (s *Session) addFailure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	return s.failures
}

// transition moves to next if the state machine allows it.
func (s *Session) transition(next State, err error) bool {
	s.mu.Lock()
	ev, ok := s.transitionLocked(next, err)
	s.mu.Unlock()
	if ok {
		s.events.emit(ev)
	}
	return ok
}

// transitionLocked must be called with s.mu held. The returned event is emitted by the
// caller after unlocking.
func (s *Session) transitionLocked(next State, err error) (Event, bool) {
	from := s.state
	if from == next || !from.CanTransition(next) {
		return Event{}, false
	}
	s.state = next
	if err != nil {
		s.err = err
	}
	close(s.changed)
	s.changed = make(chan struct{})

	s.metrics.transition(s.cfg.Name, from, next)
	var id string
	if s.conn != nil {
		id = s.conn.id
	}
	s.logger.Debug("session state changed", slog.String("from", from.String()), slog.String("to", next.String()))
	return Event{
		Kind:      EventStateChanged,
		Server:    s.cfg.Name,
		SessionID: id,
		From:      from,
		To:        next,
		Err:       err,
	}, true
}

// stateChanged returns a channel closed at the next state transition.
func (s *Session) stateChanged() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// Name returns the configured server name.
func (s *Session) Name() string {
	return s.cfg.Name
}

// Config returns the server configuration the session was built from.
func (s *Session) Config() ServerConfig {
	return s.cfg
}

// ID returns the identifier of the current connection, which changes on every reconnect.
// It is empty while no connection is established.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ""
	}
	return s.conn.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error behind the last move to Degraded or Failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Failures returns the number of reconnect attempts since the last passing health check.
func (s *Session) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// LastHealthCheck returns when the last passing health check happened.
func (s *Session) LastHealthCheck() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHealth
}

// ServerInfo returns the server identity reported in the handshake.
func (s *Session) ServerInfo() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return Info{}
	}
	return s.conn.serverInfo
}

// Capabilities returns the capabilities the server advertised in the handshake.
func (s *Session) Capabilities() ServerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ServerCapabilities{}
	}
	return s.conn.capabilities
}

// ProtocolVersion returns the negotiated protocol version.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ""
	}
	return s.conn.protocolVersion
}

// Instructions returns the usage instructions the server sent in the handshake, if any.
func (s *Session) Instructions() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ""
	}
	return s.conn.instructions
}

// Tools returns the cached tool list.
func (s *Session) Tools() []Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return slices.Clone(s.conn.tools)
}

// PublicIdentifier describes the server without secrets, for display and logs.
func (s *Session) PublicIdentifier() map[string]string {
	return s.cfg.PublicIdentifier()
}
