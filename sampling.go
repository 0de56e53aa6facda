package mcpconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// SamplingParams defines the parameters for generating a sampled message.
//
// The params are used to control model behavior and generation constraints when the
// server asks the client for an LLM completion.
type SamplingParams struct {
	// Messages contains the conversation history as a sequence of user and assistant messages
	Messages []SamplingMessage `json:"messages"`

	// ModelPreferences controls model selection through cost, speed, and intelligence priorities
	ModelPreferences *SamplingModelPreferences `json:"modelPreferences,omitempty"`

	// SystemPrompt provides system-level instructions to guide the model's behavior
	SystemPrompt string `json:"systemPrompt,omitempty"`

	// IncludeContext asks the client to include context from "none", "thisServer" or "allServers"
	IncludeContext string `json:"includeContext,omitempty"`

	Temperature   *float64       `json:"temperature,omitempty"`
	MaxTokens     int            `json:"maxTokens"`
	StopSequences []string       `json:"stopSequences,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// SamplingMessage represents a message in the sampling conversation history.
type SamplingMessage struct {
	Role    Role            `json:"role"`
	Content SamplingContent `json:"content"`
}

// SamplingContent represents the content of a sampling message. Text is set for text
// content; Data and MimeType for image or audio.
type SamplingContent struct {
	Type ContentType `json:"type"`

	Text string `json:"text,omitempty"`

	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// SamplingModelPreferences defines preferences for model selection and behavior. Each
// priority is between 0 and 1.
type SamplingModelPreferences struct {
	Hints []struct {
		Name string `json:"name"`
	} `json:"hints,omitempty"`
	CostPriority         float64 `json:"costPriority,omitempty"`
	SpeedPriority        float64 `json:"speedPriority,omitempty"`
	IntelligencePriority float64 `json:"intelligencePriority,omitempty"`
}

// SamplingResult represents the output of a sampling operation.
type SamplingResult struct {
	Role       Role            `json:"role"`
	Content    SamplingContent `json:"content"`
	Model      string          `json:"model"`
	StopReason string          `json:"stopReason,omitempty"`
}

// SamplingRequest is a server-initiated sampling request together with the session it
// arrived on. The session fields identify where the reply goes; they grant no control over
// the session.
type SamplingRequest struct {
	Server    string
	SessionID string
	ID        RequestID
	Params    SamplingParams
}

// SamplingHandler is the completion callback supplied by the embedding application.
type SamplingHandler interface {
	// CreateSampleMessage generates a response message based on the provided conversation history and parameters.
	// Returns error if model selection fails, generation fails, token limit is exceeded, or context is cancelled.
	CreateSampleMessage(ctx context.Context, req SamplingRequest) (SamplingResult, error)
}

// SamplingHandlerFunc adapts a function to SamplingHandler.
type SamplingHandlerFunc func(ctx context.Context, req SamplingRequest) (SamplingResult, error)

// CreateSampleMessage calls f.
func (f SamplingHandlerFunc) CreateSampleMessage(ctx context.Context, req SamplingRequest) (SamplingResult, error) {
	return f(ctx, req)
}

// SamplingBridge answers sampling/createMessage requests from every session of a Manager
// using a single handler. A nil handler makes every request fail with a sampling unavailable
// error instead of leaving the server waiting.
type SamplingBridge struct {
	handler SamplingHandler
	timeout time.Duration
	logger  *slog.Logger
	events  EventSink
	metrics *Metrics
}

// DefaultSamplingTimeout bounds each call to the sampling handler.
var DefaultSamplingTimeout = 2 * time.Minute

// NewSamplingBridge creates a bridge for handler. A non-positive timeout means
// DefaultSamplingTimeout.
func NewSamplingBridge(handler SamplingHandler, timeout time.Duration, logger *slog.Logger, events EventSink, metrics *Metrics) *SamplingBridge {
	if timeout <= 0 {
		timeout = DefaultSamplingTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopMetrics()
	}
	return &SamplingBridge{
		handler: handler,
		timeout: timeout,
		logger:  logger,
		events:  events,
		metrics: metrics,
	}
}

// Available reports whether a handler is registered.
func (b *SamplingBridge) Available() bool {
	return b != nil && b.handler != nil
}

// Handle answers one sampling request. Errors are always *JSONRPCError so the
// correspondence can send them back verbatim.
func (b *SamplingBridge) Handle(ctx context.Context, server, sessionID string, msg JSONRPCMessage) (any, error) {
	result, err := b.handle(ctx, server, sessionID, msg)
	if b == nil {
		return result, err
	}
	b.metrics.sampling(server, err)
	if err != nil {
		b.logger.Warn("sampling request failed",
			slog.String("server", server),
			slog.String("id", msg.ID.String()),
			slog.String("err", err.Error()))
		b.events.emit(Event{Kind: EventSamplingFailed, Server: server, SessionID: sessionID, Err: err})
	}
	return result, err
}

func (b *SamplingBridge) handle(ctx context.Context, server, sessionID string, msg JSONRPCMessage) (any, error) {
	if !b.Available() {
		return nil, samplingError(JSONRPCInvalidRequestCode, "Sampling not supported", KindSamplingUnavailable, nil)
	}

	var params SamplingParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil, samplingError(JSONRPCInvalidParamsCode, "Invalid sampling params", KindMalformedFrame, err)
	}

	res, err := awaitHandler(ctx, b.timeout, func(ctx context.Context) (SamplingResult, error) {
		return b.handler.CreateSampleMessage(ctx, SamplingRequest{
			Server:    server,
			SessionID: sessionID,
			ID:        msg.ID,
			Params:    params,
		})
	})
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, context.DeadlineExceeded):
		return nil, samplingError(JSONRPCInternalErrorCode, "Sampling timed out", KindRequestTimeout, err)
	case errors.Is(err, context.Canceled):
		return nil, samplingError(JSONRPCInternalErrorCode, "Sampling cancelled", KindCancelled, err)
	}
	return nil, samplingError(JSONRPCInternalErrorCode, "Sampling failed", KindUnknown, err)
}

// awaitHandler runs fn under timeout and stops waiting for it once ctx is done. A handler
// that ignores its context keeps running in the background but its result is dropped.
func awaitHandler[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result T
		err    error
	}
	results := make(chan outcome, 1)
	go func() {
		res, err := fn(ctx)
		results <- outcome{res, err}
	}()

	select {
	case out := <-results:
		return out.result, out.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("handler did not return within %s: %w", timeout, ctx.Err())
		}
		return zero, ctx.Err()
	}
}

// samplingError builds the reply to a failed server-initiated request. Data carries the
// error kind so the server can tell an absent handler from a failing one.
func samplingError(code int, message string, kind ErrorKind, cause error) *JSONRPCError {
	data := map[string]any{"kind": kind.String()}
	if cause != nil {
		data["error"] = cause.Error()
	}
	return &JSONRPCError{Code: code, Message: message, Data: data}
}
