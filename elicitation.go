package mcpconn

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// ElicitationParams is a server's request for structured input from the user.
type ElicitationParams struct {
	// Message is shown to the user.
	Message string `json:"message"`
	// RequestedSchema is the JSON Schema of the expected content, kept raw.
	RequestedSchema json.RawMessage `json:"requestedSchema,omitempty"`
}

// ElicitationAction is the user's answer to an elicitation.
type ElicitationAction string

const (
	ElicitationAccept  ElicitationAction = "accept"
	ElicitationDecline ElicitationAction = "decline"
	ElicitationCancel  ElicitationAction = "cancel"
)

// ElicitationResult is the reply to elicitation/create. Content is set only when Action is
// ElicitationAccept.
type ElicitationResult struct {
	Action  ElicitationAction `json:"action"`
	Content map[string]any    `json:"content,omitempty"`
}

// ElicitationRequest is a server-initiated elicitation together with the session it arrived on.
type ElicitationRequest struct {
	Server    string
	SessionID string
	ID        RequestID
	Params    ElicitationParams
}

// ElicitationHandler collects user input on behalf of a server.
type ElicitationHandler interface {
	Elicit(ctx context.Context, req ElicitationRequest) (ElicitationResult, error)
}

// ElicitationHandlerFunc adapts a function to ElicitationHandler.
type ElicitationHandlerFunc func(ctx context.Context, req ElicitationRequest) (ElicitationResult, error)

// Elicit calls f.
func (f ElicitationHandlerFunc) Elicit(ctx context.Context, req ElicitationRequest) (ElicitationResult, error) {
	return f(ctx, req)
}

// DefaultElicitationTimeout bounds each call to the elicitation handler. It is longer than
// the sampling bound because a person answers.
var DefaultElicitationTimeout = 10 * time.Minute

// ElicitationBridge answers elicitation/create requests from every session of a Manager.
// Without a handler every request is refused with an elicitation unavailable error.
type ElicitationBridge struct {
	handler ElicitationHandler
	timeout time.Duration
	logger  *slog.Logger
	events  EventSink
	metrics *Metrics
}

// NewElicitationBridge creates a bridge for handler. A non-positive timeout means
// DefaultElicitationTimeout.
func NewElicitationBridge(handler ElicitationHandler, timeout time.Duration, logger *slog.Logger, events EventSink, metrics *Metrics) *ElicitationBridge {
	if timeout <= 0 {
		timeout = DefaultElicitationTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopMetrics()
	}
	return &ElicitationBridge{
		handler: handler,
		timeout: timeout,
		logger:  logger,
		events:  events,
		metrics: metrics,
	}
}

// Available reports whether a handler is registered.
func (b *ElicitationBridge) Available() bool {
	return b != nil && b.handler != nil
}

// Handle answers one elicitation request. Errors are always *JSONRPCError.
func (b *ElicitationBridge) Handle(ctx context.Context, server, sessionID string, msg JSONRPCMessage) (any, error) {
	result, err := b.handle(ctx, server, sessionID, msg)
	if b == nil {
		return result, err
	}
	b.metrics.elicitation(server, err)
	if err != nil {
		b.logger.Warn("elicitation request failed",
			slog.String("server", server),
			slog.String("id", msg.ID.String()),
			slog.String("err", err.Error()))
		b.events.emit(Event{Kind: EventElicitationFailed, Server: server, SessionID: sessionID, Err: err})
	}
	return result, err
}

func (b *ElicitationBridge) handle(ctx context.Context, server, sessionID string, msg JSONRPCMessage) (any, error) {
	if !b.Available() {
		return nil, samplingError(JSONRPCInvalidRequestCode, "Elicitation not supported", KindElicitationUnavailable, nil)
	}

	var params ElicitationParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil, samplingError(JSONRPCInvalidParamsCode, "Invalid elicitation params", KindMalformedFrame, err)
	}

	res, err := awaitHandler(ctx, b.timeout, func(ctx context.Context) (ElicitationResult, error) {
		return b.handler.Elicit(ctx, ElicitationRequest{
			Server:    server,
			SessionID: sessionID,
			ID:        msg.ID,
			Params:    params,
		})
	})
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		return nil, samplingError(JSONRPCInternalErrorCode, "Elicitation timed out", KindRequestTimeout, err)
	case errors.Is(err, context.Canceled):
		return nil, samplingError(JSONRPCInternalErrorCode, "Elicitation cancelled", KindCancelled, err)
	default:
		return nil, samplingError(JSONRPCInternalErrorCode, "Elicitation failed", KindUnknown, err)
	}

	switch res.Action {
	case ElicitationAccept:
	case ElicitationDecline, ElicitationCancel:
		res.Content = nil
	default:
		return nil, samplingError(JSONRPCInternalErrorCode, "Elicitation failed", KindUnknown,
			errors.New("handler returned unknown action "+string(res.Action)))
	}
	return res, nil
}
