package mcpconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Correspondence turns a Transport's frame channel into JSON-RPC calls, notifications and
// server-initiated requests.
//
// Outbound requests get ids from a counter starting at 1. Each outstanding call is tracked
// as a pending request that is resolved exactly once: by its response, by its deadline, by
// cancellation of the caller's context, or by termination of the correspondence. Whichever
// path removes the entry from the pending table owns the resolution.
type Correspondence struct {
	server    string
	transport Transport
	logger    *slog.Logger
	events    EventSink
	metrics   *Metrics

	nextID       atomic.Uint64
	lastActivity atomic.Int64

	mu                   sync.Mutex
	pending              map[string]*pendingRequest
	inflight             map[string]context.CancelFunc
	requestHandlers      map[string]RequestHandler
	notificationHandlers map[string][]NotificationHandler
	started              bool
	terminated           bool
	cause                error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// RequestHandler answers a server-initiated request. A returned *JSONRPCError is sent to the
// server as is; any other error becomes an internal error response.
type RequestHandler func(ctx context.Context, msg JSONRPCMessage) (any, error)

// NotificationHandler receives a server notification. Handlers run on the read loop and
// must not block.
type NotificationHandler func(ctx context.Context, msg JSONRPCMessage)

// CorrespondenceOption configures a Correspondence.
type CorrespondenceOption func(*Correspondence)

type pendingRequest struct {
	id        RequestID
	method    string
	createdAt time.Time
	deadline  time.Time
	result    chan callResult
}

type callResult struct {
	result json.RawMessage
	err    error
}

const (
	replyTimeout   = 10 * time.Second
	maxLoggedFrame = 256
)

// WithCorrespondenceLogger sets the logger.
func WithCorrespondenceLogger(logger *slog.Logger) CorrespondenceOption {
	return func(c *Correspondence) {
		c.logger = logger
	}
}

// WithCorrespondenceEvents sets the diagnostic event sink.
func WithCorrespondenceEvents(sink EventSink) CorrespondenceOption {
	return func(c *Correspondence) {
		c.events = sink
	}
}

// WithCorrespondenceMetrics sets the metric instruments.
func WithCorrespondenceMetrics(metrics *Metrics) CorrespondenceOption {
	return func(c *Correspondence) {
		c.metrics = metrics
	}
}

// NewCorrespondence creates a correspondence over an opened transport. Handlers must be
// registered before Start.
func NewCorrespondence(server string, transport Transport, options ...CorrespondenceOption) *Correspondence {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Correspondence{
		server:               server,
		transport:            transport,
		logger:               slog.Default(),
		pending:              make(map[string]*pendingRequest),
		inflight:             make(map[string]context.CancelFunc),
		requestHandlers:      make(map[string]RequestHandler),
		notificationHandlers: make(map[string][]NotificationHandler),
		ctx:                  ctx,
		cancel:               cancel,
		done:                 make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = noopMetrics()
	}
	c.requestHandlers[MethodPing] = func(context.Context, JSONRPCMessage) (any, error) {
		return struct{}{}, nil
	}
	c.lastActivity.Store(time.Now().UnixNano())
	return c
}

// HandleRequest registers the handler for server-initiated requests of method, replacing
// any previous one.
func (c *Correspondence) HandleRequest(method string, handler RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestHandlers[method] = handler
}

// HandleNotification adds a handler for server notifications of method.
func (c *Correspondence) HandleNotification(method string, handler NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notificationHandlers[method] = append(c.notificationHandlers[method], handler)
}

// Start begins reading frames from the transport. It must be called once.
func (c *Correspondence) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.readLoop()
}

// Call sends a request and waits for its response. A timeout of zero relies on ctx alone.
//
// A response carrying an error object is returned as *JSONRPCError. Expiry of the timeout
// or of a ctx deadline is KindRequestTimeout, cancellation of ctx is KindCancelled, and in
// both cases the server is told with a best-effort notifications/cancelled.
func (c *Correspondence) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	start := time.Now()
	result, err := c.call(ctx, method, params, timeout)
	c.metrics.rpcCall(method, start, err)
	return result, err
}

func (c *Correspondence) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	rawParams, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	id := NewRequestID(c.nextID.Add(1))
	req := &pendingRequest{
		id:        id,
		method:    method,
		createdAt: time.Now(),
		result:    make(chan callResult, 1),
	}
	if deadline, ok := callCtx.Deadline(); ok {
		req.deadline = deadline
	}

	c.mu.Lock()
	if c.terminated {
		cause := c.cause
		c.mu.Unlock()
		return nil, c.terminatedErr(cause)
	}
	c.pending[id.Key()] = req
	c.mu.Unlock()

	frame, err := json.Marshal(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  rawParams,
	})
	if err != nil {
		c.take(id)
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	if err := c.transport.Send(callCtx, frame); err != nil {
		if c.take(id) == nil {
			res := <-req.result
			return res.result, res.err
		}
		if callCtx.Err() != nil {
			return nil, abandonErr(method, callCtx.Err(), err)
		}
		return nil, err
	}

	select {
	case res := <-req.result:
		return res.result, res.err
	case <-callCtx.Done():
	}

	if c.take(id) == nil {
		// Resolved concurrently by a response or by termination.
		res := <-req.result
		return res.result, res.err
	}

	err = abandonErr(method, callCtx.Err(), nil)
	reason := userCancelledReason
	if errors.Is(err, ErrRequestTimeout) {
		reason = timeoutReason
	}
	go c.notifyCancelled(id, reason)
	return nil, err
}

func abandonErr(method string, ctxErr, sendErr error) error {
	cause := ctxErr
	if sendErr != nil {
		cause = fmt.Errorf("%w: %w", ctxErr, sendErr)
	}
	op := "call " + method
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		return newError(KindRequestTimeout, op, cause)
	}
	return newError(KindCancelled, op, cause)
}

func (c *Correspondence) notifyCancelled(id RequestID, reason string) {
	ctx, cancel := context.WithTimeout(c.ctx, replyTimeout)
	defer cancel()

	err := c.Notify(ctx, MethodNotificationsCancelled, notificationsCancelledParams{
		RequestID: id,
		Reason:    reason,
	})
	if err != nil {
		c.logger.Debug("failed to send cancellation", slog.String("id", id.String()), slog.String("err", err.Error()))
	}
}

// Notify sends a notification.
func (c *Correspondence) Notify(ctx context.Context, method string, params any) error {
	rawParams, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	if c.isTerminated() {
		return c.terminatedErr(c.Err())
	}
	return c.send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  rawParams,
	})
}

// Close resolves every pending call with cause and stops dispatching inbound traffic. It
// does not close the transport, which belongs to the caller.
func (c *Correspondence) Close(cause error) {
	c.terminate(cause)
}

// Done is closed once the correspondence has terminated, either by Close or because the
// transport's frame sequence ended.
func (c *Correspondence) Done() <-chan struct{} {
	return c.done
}

// Err returns the termination cause, or nil while the correspondence is live.
func (c *Correspondence) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// LastActivity returns when the last inbound frame arrived.
func (c *Correspondence) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Pending returns the number of calls awaiting a response.
func (c *Correspondence) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correspondence) readLoop() {
	for frame := range c.transport.Receive() {
		c.lastActivity.Store(time.Now().UnixNano())
		c.handleFrame(frame)
	}

	cause := c.transport.Err()
	if cause == nil {
		cause = newError(KindConnectionLost, "receive", errors.New("frame channel closed"))
	}
	c.terminate(cause)
}

func (c *Correspondence) handleFrame(frame []byte) {
	var msg JSONRPCMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		c.malformed(frame, err)
		return
	}
	if msg.JSONRPC != JSONRPCVersion {
		c.malformed(frame, fmt.Errorf("invalid jsonrpc version %q", msg.JSONRPC))
		return
	}

	switch {
	case msg.Method != "" && !msg.ID.IsZero():
		c.handleRequest(msg)
	case msg.Method != "":
		c.handleNotification(msg)
	case !msg.ID.IsZero():
		c.handleResponse(msg)
	case msg.Error != nil:
		c.logger.Warn("received error without request id",
			slog.Int("code", msg.Error.Code), slog.String("message", msg.Error.Message))
		c.events.emit(Event{Kind: EventUnknownResponse, Server: c.server, Err: msg.Error})
	default:
		c.malformed(frame, errors.New("frame is neither request, response nor notification"))
	}
}

func (c *Correspondence) handleResponse(msg JSONRPCMessage) {
	req := c.take(msg.ID)
	if req == nil {
		c.logger.Warn("dropping response for unknown request", slog.String("id", msg.ID.String()))
		c.events.emit(Event{
			Kind:   EventUnknownResponse,
			Server: c.server,
			Err:    fmt.Errorf("no pending request with id %s", msg.ID),
		})
		return
	}

	if msg.Error != nil {
		rpcErr := *msg.Error
		req.result <- callResult{err: &rpcErr}
		return
	}
	result := msg.Result
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	req.result <- callResult{result: result}
}

func (c *Correspondence) handleNotification(msg JSONRPCMessage) {
	if msg.Method == MethodNotificationsCancelled {
		var params notificationsCancelledParams
		if err := json.Unmarshal(msg.Params, &params); err == nil {
			c.mu.Lock()
			cancel := c.inflight[params.RequestID.Key()]
			c.mu.Unlock()
			if cancel != nil {
				cancel()
			}
		}
	}

	c.mu.Lock()
	handlers := c.notificationHandlers[msg.Method]
	c.mu.Unlock()

	if len(handlers) == 0 {
		c.logger.Debug("unhandled notification", slog.String("method", msg.Method))
		return
	}
	for _, handler := range handlers {
		handler(c.ctx, msg)
	}
}

func (c *Correspondence) handleRequest(msg JSONRPCMessage) {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	handler := c.requestHandlers[msg.Method]
	ctx, cancel := context.WithCancel(c.ctx)
	c.inflight[msg.ID.Key()] = cancel
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.inflight, msg.ID.Key())
			c.mu.Unlock()
			cancel()
		}()

		if handler == nil {
			c.replyError(msg.ID, JSONRPCError{
				Code:    JSONRPCMethodNotFoundCode,
				Message: "Method not found",
				Data:    map[string]any{"method": msg.Method},
			})
			return
		}

		result, err := handler(ctx, msg)
		if err != nil {
			var rpcErr *JSONRPCError
			if !errors.As(err, &rpcErr) {
				rpcErr = &JSONRPCError{Code: JSONRPCInternalErrorCode, Message: err.Error()}
			}
			c.replyError(msg.ID, *rpcErr)
			return
		}
		c.reply(msg.ID, result)
	}()
}

func (c *Correspondence) reply(id RequestID, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		c.replyError(id, JSONRPCError{
			Code:    JSONRPCInternalErrorCode,
			Message: fmt.Sprintf("failed to marshal result: %v", err),
		})
		return
	}
	if string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	c.sendReply(JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: id, Result: raw})
}

func (c *Correspondence) replyError(id RequestID, rpcErr JSONRPCError) {
	c.sendReply(JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: id, Error: &rpcErr})
}

func (c *Correspondence) sendReply(msg JSONRPCMessage) {
	ctx, cancel := context.WithTimeout(c.ctx, replyTimeout)
	defer cancel()

	if err := c.send(ctx, msg); err != nil {
		c.logger.Warn("failed to reply to server request",
			slog.String("id", msg.ID.String()), slog.String("err", err.Error()))
	}
}

func (c *Correspondence) send(ctx context.Context, msg JSONRPCMessage) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return c.transport.Send(ctx, frame)
}

func (c *Correspondence) malformed(frame []byte, err error) {
	if len(frame) > maxLoggedFrame {
		frame = frame[:maxLoggedFrame]
	}
	c.logger.Warn("dropping malformed frame", slog.String("frame", string(frame)), slog.String("err", err.Error()))
	c.events.emit(Event{
		Kind:   EventMalformedFrame,
		Server: c.server,
		Err:    newError(KindMalformedFrame, "receive", err),
	})
	c.metrics.malformed(c.server)
}

// take removes the pending request for id, returning nil when another path already did.
func (c *Correspondence) take(id RequestID) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.pending[id.Key()]
	if !ok {
		return nil
	}
	delete(c.pending, id.Key())
	return req
}

func (c *Correspondence) terminate(cause error) {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	c.terminated = true
	c.cause = cause
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	c.cancel()
	err := c.terminatedErr(cause)
	for _, req := range pending {
		req.result <- callResult{err: err}
	}
	close(c.done)
}

func (c *Correspondence) isTerminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

// terminatedErr reports a lost connection wrapping cause. Local cancellation is kept as is.
func (c *Correspondence) terminatedErr(cause error) error {
	switch KindOf(cause) {
	case KindCancelled, KindConnectionLost:
		return cause
	}
	if cause == nil {
		cause = errors.New("correspondence closed")
	}
	return newError(KindConnectionLost, "call", cause)
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(params)
	}
}
